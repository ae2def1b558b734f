package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const (
	ActionMessageEdit   = "message.edit"
	ActionMessageDelete = "message.delete"
	ActionProfileUpdate = "member.profile_update"
)

type Event struct {
	ID           uuid.UUID
	UserID       string
	Action       string
	ResourceID   string
	ResourceType string
	Metadata     map[string]any
	Timestamp    time.Time
}

// Logger writes audit events to the log and, when a pool is set, to the
// audit_events table.
type Logger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewLogger(pool *pgxpool.Pool, logger *zap.Logger) *Logger {
	return &Logger{
		pool:   pool,
		logger: logger,
	}
}

func (al *Logger) Log(ctx context.Context, event Event) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Metadata == nil {
		event.Metadata = map[string]any{}
	}

	al.logger.Info("audit event",
		zap.String("event_id", event.ID.String()),
		zap.String("user_id", event.UserID),
		zap.String("action", event.Action),
		zap.String("resource_id", event.ResourceID),
		zap.String("resource_type", event.ResourceType),
	)

	if al.pool == nil {
		return nil
	}

	_, err := al.pool.Exec(ctx, `
		INSERT INTO audit_events (id, user_id, action, resource_id, resource_type, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.ID, event.UserID, event.Action, event.ResourceID, event.ResourceType, event.Metadata, event.Timestamp)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (al *Logger) LogMessageEdit(ctx context.Context, userID, messageID string, previousLength int) error {
	return al.Log(ctx, Event{
		UserID:       userID,
		Action:       ActionMessageEdit,
		ResourceID:   messageID,
		ResourceType: "message",
		Metadata: map[string]any{
			"previous_length": previousLength,
		},
	})
}

func (al *Logger) LogMessageDelete(ctx context.Context, userID, messageID, topic string) error {
	return al.Log(ctx, Event{
		UserID:       userID,
		Action:       ActionMessageDelete,
		ResourceID:   messageID,
		ResourceType: "message",
		Metadata: map[string]any{
			"topic": topic,
		},
	})
}

func (al *Logger) LogProfileUpdate(ctx context.Context, userID string, conversations int) error {
	return al.Log(ctx, Event{
		UserID:       userID,
		Action:       ActionProfileUpdate,
		ResourceID:   userID,
		ResourceType: "member",
		Metadata: map[string]any{
			"conversations": conversations,
		},
	})
}

// Actions returns the actions recorded against a resource, oldest first.
func (al *Logger) Actions(ctx context.Context, resourceType, resourceID string) ([]string, error) {
	rows, err := al.pool.Query(ctx, `
		SELECT action FROM audit_events
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY created_at ASC, id ASC
	`, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var actions []string
	for rows.Next() {
		var action string
		if err := rows.Scan(&action); err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, rows.Err()
}
