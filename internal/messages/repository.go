package messages

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	apperrors "github.com/Alexander-D-Karpov/parley/internal/common/errors"
	"github.com/Alexander-D-Karpov/parley/internal/infra"
	"github.com/Alexander-D-Karpov/parley/internal/messaging"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultBackfillLimit = 200
	threadRepliesLimit   = 500
)

// Member is the display profile of a message author.
type Member struct {
	ID             string
	DisplayName    string
	AvatarURL      string
	HasCustomName  bool
	HasCustomImage bool
	UpdatedAt      time.Time
}

type Repository struct {
	pool          *pgxpool.Pool
	snowflake     *infra.SnowflakeGenerator
	backfillLimit int
}

func NewRepository(pool *pgxpool.Pool, snowflake *infra.SnowflakeGenerator) *Repository {
	return &Repository{
		pool:          pool,
		snowflake:     snowflake,
		backfillLimit: defaultBackfillLimit,
	}
}

const selectMessage = `
	SELECT m.id, m.workspace_id, COALESCE(m.channel_id, ''), m.participants,
	       COALESCE(m.parent_id, ''), COALESCE(m.thread_id, ''),
	       m.author_id, COALESCE(p.display_name, ''), COALESCE(p.avatar_url, ''),
	       COALESCE(p.has_custom_name, FALSE), COALESCE(p.has_custom_image, FALSE),
	       m.content, m.attachment_url, m.attachment_name, m.attachment_mime_type,
	       m.reply_count, m.is_vectorized, COALESCE(m.nonce, ''), m.created_at, m.updated_at,
	       m.reactions_updated_at
	FROM messages m
	LEFT JOIN members p ON p.id = m.author_id
`

func dmKey(participants []string) string {
	if len(participants) != 2 {
		return ""
	}
	loc := messaging.DirectLocator(participants[0], participants[1])
	return loc.Participants[0] + ":" + loc.Participants[1]
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Create inserts msg, assigning its id and timestamps. A thread reply bumps
// the parent's reply count in the same transaction.
func (r *Repository) Create(ctx context.Context, msg *messaging.Message) error {
	if msg.ID == "" {
		id := r.snowflake.Generate()
		msg.ID = strconv.FormatInt(id, 10)
		msg.CreatedAt = r.snowflake.ExtractTimestamp(id)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.UpdatedAt = msg.CreatedAt
	if msg.Participants == nil {
		msg.Participants = []string{}
	}
	if err := msg.Validate(); err != nil {
		return apperrors.BadRequest(err.Error())
	}

	var attURL, attName, attMime *string
	if msg.Attachment != nil {
		attURL = nullIfEmpty(msg.Attachment.URL)
		attName = nullIfEmpty(msg.Attachment.Name)
		attMime = nullIfEmpty(msg.Attachment.MimeType)
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO members (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
			msg.Author.ID,
		); err != nil {
			return fmt.Errorf("ensure member: %w", err)
		}

		_, err := tx.Exec(ctx, `
			INSERT INTO messages (
				id, workspace_id, channel_id, dm_key, participants, parent_id, thread_id,
				author_id, content, attachment_url, attachment_name, attachment_mime_type,
				nonce, created_at, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`,
			msg.ID,
			msg.WorkspaceID,
			nullIfEmpty(msg.ChannelID),
			nullIfEmpty(dmKey(msg.Participants)),
			msg.Participants,
			nullIfEmpty(msg.ParentID),
			nullIfEmpty(msg.ThreadID),
			msg.Author.ID,
			msg.Content,
			attURL, attName, attMime,
			nullIfEmpty(msg.Nonce),
			msg.CreatedAt,
			msg.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		if msg.ParentID != "" {
			if err := bumpReplyCount(ctx, tx, msg.ParentID, 1); err != nil {
				return err
			}
		}
		return nil
	})
}

func bumpReplyCount(ctx context.Context, tx pgx.Tx, parentID string, delta int) error {
	tag, err := tx.Exec(ctx, `
		UPDATE messages SET reply_count = GREATEST(reply_count + $2, 0)
		WHERE id = $1 AND deleted_at IS NULL
	`, parentID, delta)
	if err != nil {
		return fmt.Errorf("update reply count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("thread parent not found")
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (*messaging.Message, error) {
	row := r.pool.QueryRow(ctx, selectMessage+` WHERE m.id = $1 AND m.deleted_at IS NULL`, id)

	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("message not found")
	}
	if err != nil {
		return nil, err
	}

	list := []messaging.Message{*msg}
	if err := r.attachReactions(ctx, list); err != nil {
		return nil, err
	}
	return &list[0], nil
}

// UpdateContent edits a message's text. The vectorized flag is left alone.
func (r *Repository) UpdateContent(ctx context.Context, id, content string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE messages SET content = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id, content)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("message not found")
	}
	return nil
}

// SoftDelete tombstones a message and returns it as it was. Deleting a reply
// decrements the parent's reply count.
func (r *Repository) SoftDelete(ctx context.Context, id string) (*messaging.Message, error) {
	var deleted *messaging.Message

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, selectMessage+` WHERE m.id = $1 AND m.deleted_at IS NULL FOR UPDATE OF m`, id)
		msg, err := scanMessage(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperrors.NotFound("message not found")
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `UPDATE messages SET deleted_at = NOW() WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}

		if msg.ParentID != "" {
			if err := bumpReplyCount(ctx, tx, msg.ParentID, -1); err != nil && !apperrors.IsNotFound(err) {
				return err
			}
		}
		deleted = msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// ToggleReaction removes the (user, emoji) reaction if present, otherwise
// adds it. It reports whether the reaction now exists.
func (r *Repository) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (bool, error) {
	var added bool

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1 AND deleted_at IS NULL)`,
			messageID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return apperrors.NotFound("message not found")
		}

		tag, err := tx.Exec(ctx, `
			DELETE FROM message_reactions
			WHERE message_id = $1 AND user_id = $2 AND emoji = $3
		`, messageID, userID, emoji)
		if err != nil {
			return err
		}
		if tag.RowsAffected() > 0 {
			added = false
		} else {
			if _, err := tx.Exec(ctx, `
				INSERT INTO message_reactions (id, message_id, user_id, emoji)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (message_id, user_id, emoji) DO NOTHING
			`, uuid.NewString(), messageID, userID, emoji); err != nil {
				return err
			}
			added = true
		}

		_, err = tx.Exec(ctx, `UPDATE messages SET reactions_updated_at = NOW() WHERE id = $1`, messageID)
		return err
	})
	return added, err
}

func (r *Repository) UpsertMember(ctx context.Context, m Member) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO members (id, display_name, avatar_url, has_custom_name, has_custom_image, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE members.display_name END,
			avatar_url = CASE WHEN EXCLUDED.avatar_url <> '' THEN EXCLUDED.avatar_url ELSE members.avatar_url END,
			has_custom_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.has_custom_name ELSE members.has_custom_name END,
			has_custom_image = CASE WHEN EXCLUDED.avatar_url <> '' THEN EXCLUDED.has_custom_image ELSE members.has_custom_image END,
			updated_at = NOW()
	`, m.ID, m.DisplayName, m.AvatarURL, m.HasCustomName, m.HasCustomImage)
	return err
}

func (r *Repository) GetMember(ctx context.Context, id string) (*Member, error) {
	m := &Member{}
	err := r.pool.QueryRow(ctx, `
		SELECT id, display_name, avatar_url, has_custom_name, has_custom_image, updated_at
		FROM members WHERE id = $1
	`, id).Scan(&m.ID, &m.DisplayName, &m.AvatarURL, &m.HasCustomName, &m.HasCustomImage, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("member not found")
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ChannelsByAuthor lists the conversations an author has posted in, used to
// fan profile changes out to their topics.
func (r *Repository) ChannelsByAuthor(ctx context.Context, authorID string) ([]messaging.Locator, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT workspace_id, COALESCE(channel_id, ''), participants
		FROM messages
		WHERE author_id = $1 AND deleted_at IS NULL
	`, authorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []messaging.Locator
	for rows.Next() {
		var (
			workspaceID, channelID string
			participants           []string
		)
		if err := rows.Scan(&workspaceID, &channelID, &participants); err != nil {
			return nil, err
		}
		if channelID != "" {
			out = append(out, messaging.ChannelLocator(workspaceID, channelID))
		} else if len(participants) == 2 {
			out = append(out, messaging.DirectLocator(participants[0], participants[1]))
		}
	}
	return out, rows.Err()
}

// FetchConversationMessages returns the most recent top-level messages of a
// conversation in display order.
func (r *Repository) FetchConversationMessages(ctx context.Context, loc messaging.Locator) ([]messaging.Message, error) {
	var (
		where string
		arg   string
	)
	switch {
	case loc.IsDirect():
		where, arg = `m.dm_key = $1`, loc.Participants[0]+":"+loc.Participants[1]
	case loc.ChannelID != "":
		where, arg = `m.channel_id = $1 AND m.parent_id IS NULL`, loc.ChannelID
	default:
		return nil, apperrors.BadRequest("conversation locator is empty")
	}

	query := `SELECT * FROM (` + selectMessage + ` WHERE ` + where + ` AND m.deleted_at IS NULL
		ORDER BY m.created_at DESC, m.id DESC LIMIT $2) recent
		ORDER BY created_at ASC, id ASC`

	return r.queryMessages(ctx, true, query, arg, r.backfillLimit)
}

func (r *Repository) FetchThreadReplies(ctx context.Context, parentID string) ([]messaging.Message, error) {
	return r.queryMessages(ctx, true, selectMessage+`
		WHERE m.parent_id = $1 AND m.deleted_at IS NULL
		ORDER BY m.created_at ASC, m.id ASC
		LIMIT $2
	`, parentID, threadRepliesLimit)
}

// CountUnvectorized counts live messages with text that have not been
// embedded yet.
func (r *Repository) CountUnvectorized(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE is_vectorized = FALSE AND deleted_at IS NULL AND content <> ''
	`).Scan(&n)
	return n, err
}

// FetchUnvectorized returns up to limit unvectorized messages, oldest first.
// A limit of zero or less returns all of them.
func (r *Repository) FetchUnvectorized(ctx context.Context, limit int) ([]messaging.Message, error) {
	query := selectMessage + `
		WHERE m.is_vectorized = FALSE AND m.deleted_at IS NULL AND m.content <> ''
		ORDER BY m.created_at ASC, m.id ASC`
	if limit > 0 {
		return r.queryMessages(ctx, false, query+` LIMIT $1`, limit)
	}
	return r.queryMessages(ctx, false, query)
}

func (r *Repository) MarkVectorized(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `UPDATE messages SET is_vectorized = TRUE WHERE id = ANY($1)`, ids)
	return err
}

func (r *Repository) queryMessages(ctx context.Context, withReactions bool, query string, args ...any) ([]messaging.Message, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []messaging.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if withReactions {
		if err := r.attachReactions(ctx, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Repository) attachReactions(ctx context.Context, msgs []messaging.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	ids := make([]string, len(msgs))
	byID := make(map[string]int, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
		byID[msgs[i].ID] = i
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, message_id, user_id, emoji
		FROM message_reactions
		WHERE message_id = ANY($1)
		ORDER BY created_at ASC, id ASC
	`, ids)
	if err != nil {
		return fmt.Errorf("load reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			reaction  messaging.Reaction
			messageID string
		)
		if err := rows.Scan(&reaction.ID, &messageID, &reaction.UserID, &reaction.Emoji); err != nil {
			return err
		}
		if i, ok := byID[messageID]; ok {
			msgs[i].Reactions = append(msgs[i].Reactions, reaction)
		}
	}
	return rows.Err()
}

func scanMessage(row pgx.Row) (*messaging.Message, error) {
	var (
		msg                      messaging.Message
		attURL, attName, attMime *string
		participants             []string
		reactionsAt              *time.Time
	)
	err := row.Scan(
		&msg.ID,
		&msg.WorkspaceID,
		&msg.ChannelID,
		&participants,
		&msg.ParentID,
		&msg.ThreadID,
		&msg.Author.ID,
		&msg.Author.Name,
		&msg.Author.AvatarURL,
		&msg.Author.HasCustomName,
		&msg.Author.HasCustomImage,
		&msg.Content,
		&attURL,
		&attName,
		&attMime,
		&msg.ReplyCount,
		&msg.IsVectorized,
		&msg.Nonce,
		&msg.CreatedAt,
		&msg.UpdatedAt,
		&reactionsAt,
	)
	if err != nil {
		return nil, err
	}

	if len(participants) > 0 {
		msg.Participants = participants
	}
	if attURL != nil {
		msg.Attachment = &messaging.Attachment{URL: *attURL}
		if attName != nil {
			msg.Attachment.Name = *attName
		}
		if attMime != nil {
			msg.Attachment.MimeType = *attMime
		}
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.UpdatedAt = msg.UpdatedAt.UTC()
	if reactionsAt != nil {
		msg.ReactionsUpdatedAt = reactionsAt.UTC()
	}
	return &msg, nil
}
