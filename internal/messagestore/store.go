package messagestore

import (
	"errors"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Alexander-D-Karpov/parley/internal/messaging"
	"github.com/google/uuid"
)

const provisionalPrefix = "local-"

var (
	ErrMissingID = messaging.ErrMissingID
	ErrNotFound  = errors.New("message not held")
)

// ProfilePatch carries author display fields delivered out of band. Empty
// fields are left untouched when applied.
type ProfilePatch struct {
	DisplayName    string
	AvatarURL      string
	HasCustomName  bool
	HasCustomImage bool
}

func (p ProfilePatch) apply(a *messaging.Author) bool {
	changed := false
	if p.DisplayName != "" && (a.Name != p.DisplayName || a.HasCustomName != p.HasCustomName) {
		a.Name = p.DisplayName
		a.HasCustomName = p.HasCustomName
		changed = true
	}
	if p.AvatarURL != "" && (a.AvatarURL != p.AvatarURL || a.HasCustomImage != p.HasCustomImage) {
		a.AvatarURL = p.AvatarURL
		a.HasCustomImage = p.HasCustomImage
		changed = true
	}
	return changed
}

// merge folds a newer patch into p, keeping fields the newer one omits.
func (p ProfilePatch) merge(newer ProfilePatch) ProfilePatch {
	if newer.DisplayName != "" {
		p.DisplayName = newer.DisplayName
		p.HasCustomName = newer.HasCustomName
	}
	if newer.AvatarURL != "" {
		p.AvatarURL = newer.AvatarURL
		p.HasCustomImage = newer.HasCustomImage
	}
	return p
}

// Store is the client-side reconciling cache of messages. Every mutation
// goes through a merge so that duplicate and reordered deliveries converge.
// Safe for concurrent use.
type Store struct {
	mu            sync.RWMutex
	messages      map[string]*messaging.Message
	provisionals  map[string]string // nonce -> local id
	profiles      map[string]ProfilePatch
	tombstones    map[string]struct{}
	loadedThreads map[string]bool
}

func New() *Store {
	return &Store{
		messages:      make(map[string]*messaging.Message),
		provisionals:  make(map[string]string),
		profiles:      make(map[string]ProfilePatch),
		tombstones:    make(map[string]struct{}),
		loadedThreads: make(map[string]bool),
	}
}

// Upsert inserts msg or merges it into the held copy. A message carrying the
// nonce of a provisional entry replaces that entry outright. Upserts of
// removed ids are ignored.
func (s *Store) Upsert(msg messaging.Message) error {
	if msg.ID == "" {
		return ErrMissingID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsertLocked(msg.Clone())
	return nil
}

// UpsertAll applies a backfill page under a single lock acquisition.
// Messages without an id are skipped; the number applied is returned.
func (s *Store) UpsertAll(msgs []messaging.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := 0
	for i := range msgs {
		if msgs[i].ID == "" {
			continue
		}
		s.upsertLocked(msgs[i].Clone())
		applied++
	}
	return applied
}

func (s *Store) upsertLocked(incoming messaging.Message) {
	if _, gone := s.tombstones[incoming.ID]; gone {
		return
	}

	if incoming.Nonce != "" && !isProvisionalID(incoming.ID) {
		if localID, ok := s.provisionals[incoming.Nonce]; ok {
			delete(s.messages, localID)
			delete(s.provisionals, incoming.Nonce)
		}
	}

	incoming.Provisional = isProvisionalID(incoming.ID)

	existing, ok := s.messages[incoming.ID]
	if !ok {
		s.applyProfile(&incoming)
		s.messages[incoming.ID] = &incoming
		s.reconcileParentLocked(&incoming)
		return
	}

	merged := mergeMessage(existing, &incoming)
	s.applyProfile(&merged)
	s.messages[merged.ID] = &merged
	s.reconcileParentLocked(&merged)
}

// mergeMessage combines a held message with an incoming snapshot. A snapshot
// older than the held copy cannot roll back content or reactions, and empty
// author display fields never blank out populated ones.
func mergeMessage(held, incoming *messaging.Message) messaging.Message {
	out := incoming.Clone()

	if incoming.UpdatedAt.Before(held.UpdatedAt) {
		out.Content = held.Content
		out.UpdatedAt = held.UpdatedAt
		out.ReplyCount = held.ReplyCount
	}
	if staleReactions(held, incoming) {
		out.Reactions = slices.Clone(held.Reactions)
		out.ReactionsUpdatedAt = held.ReactionsUpdatedAt
	}

	if out.Author.Name == "" {
		out.Author.Name = held.Author.Name
		out.Author.HasCustomName = held.Author.HasCustomName
	}
	if out.Author.AvatarURL == "" {
		out.Author.AvatarURL = held.Author.AvatarURL
		out.Author.HasCustomImage = held.Author.HasCustomImage
	}
	if out.Attachment == nil && held.Attachment != nil {
		att := *held.Attachment
		out.Attachment = &att
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = held.CreatedAt
	}
	out.IsVectorized = held.IsVectorized || incoming.IsVectorized

	return out
}

// staleReactions compares reaction versions. Snapshots that never carried
// one fall back to the content timestamp.
func staleReactions(held, incoming *messaging.Message) bool {
	if held.ReactionsUpdatedAt.IsZero() && incoming.ReactionsUpdatedAt.IsZero() {
		return incoming.UpdatedAt.Before(held.UpdatedAt)
	}
	return incoming.ReactionsUpdatedAt.Before(held.ReactionsUpdatedAt)
}

func (s *Store) applyProfile(msg *messaging.Message) {
	if patch, ok := s.profiles[msg.Author.ID]; ok {
		patch.apply(&msg.Author)
	}
}

// reconcileParentLocked keeps a locally backfilled thread's reply count
// equal to the replies held.
func (s *Store) reconcileParentLocked(msg *messaging.Message) {
	parentID := msg.ID
	if msg.IsThreadReply() {
		parentID = msg.ParentID
	}
	if s.loadedThreads[parentID] {
		s.recomputeLocked(parentID)
	}
}

// Remove tombstones id and returns the message that was held, if any.
func (s *Store) Remove(id string) (messaging.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tombstones[id] = struct{}{}

	msg, ok := s.messages[id]
	if !ok {
		return messaging.Message{}, false
	}
	delete(s.messages, id)
	if msg.Nonce != "" && s.provisionals[msg.Nonce] == id {
		delete(s.provisionals, msg.Nonce)
	}
	if msg.IsThreadReply() && s.loadedThreads[msg.ParentID] {
		s.recomputeLocked(msg.ParentID)
	}
	return msg.Clone(), true
}

func (s *Store) Get(id string) (messaging.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return messaging.Message{}, false
	}
	return msg.Clone(), true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// ViewConversation yields the top-level messages of loc ordered by
// (createdAt, id). Each iteration takes a fresh snapshot, so the sequence
// can be ranged over repeatedly.
func (s *Store) ViewConversation(loc messaging.Locator) iter.Seq[messaging.Message] {
	return func(yield func(messaging.Message) bool) {
		view := s.collect(func(m *messaging.Message) bool {
			return !m.IsThreadReply() && loc.Contains(m)
		})
		for _, msg := range view {
			if !yield(msg) {
				return
			}
		}
	}
}

// ViewThread returns the parent message and its replies in display order.
func (s *Store) ViewThread(parentID string) (messaging.Message, []messaging.Message, bool) {
	s.mu.RLock()
	parent, ok := s.messages[parentID]
	var p messaging.Message
	if ok {
		p = parent.Clone()
	}
	s.mu.RUnlock()

	if !ok {
		return messaging.Message{}, nil, false
	}

	replies := s.collect(func(m *messaging.Message) bool {
		return m.ParentID == parentID
	})
	return p, replies, true
}

func (s *Store) collect(keep func(*messaging.Message) bool) []messaging.Message {
	s.mu.RLock()
	out := make([]messaging.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if keep(m) {
			out = append(out, m.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b messaging.Message) int {
		return messaging.Compare(&a, &b)
	})
	return out
}

// EnrichByAuthor applies patch to every held message by authorID and
// remembers it so later upserts cannot revert it. It returns the number of
// messages changed.
func (s *Store) EnrichByAuthor(authorID string, patch ProfilePatch) int {
	if authorID == "" {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles[authorID] = s.profiles[authorID].merge(patch)

	touched := 0
	for _, m := range s.messages {
		if m.Author.ID != authorID {
			continue
		}
		if patch.apply(&m.Author) {
			touched++
		}
	}
	return touched
}

// AddProvisional appends a locally composed message under a synthetic id.
// The returned copy carries the id and nonce used to reconcile it later.
func (s *Store) AddProvisional(draft messaging.Message) messaging.Message {
	msg := draft.Clone()
	msg.ID = provisionalPrefix + uuid.NewString()
	if msg.Nonce == "" {
		msg.Nonce = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	msg.Provisional = true

	s.mu.Lock()
	defer s.mu.Unlock()

	s.applyProfile(&msg)
	stored := msg
	s.messages[msg.ID] = &stored
	s.provisionals[msg.Nonce] = msg.ID
	return msg.Clone()
}

// ConfirmProvisional replaces the provisional entry with the authoritative
// message. If the authoritative event already arrived this only drops the
// provisional entry.
func (s *Store) ConfirmProvisional(localID string, authoritative messaging.Message) error {
	if authoritative.ID == "" {
		return ErrMissingID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.dropProvisionalLocked(localID)
	s.upsertLocked(authoritative.Clone())
	return nil
}

// DropProvisional discards a provisional entry whose write failed.
func (s *Store) DropProvisional(localID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropProvisionalLocked(localID)
}

func (s *Store) dropProvisionalLocked(localID string) bool {
	msg, ok := s.messages[localID]
	if !ok || !msg.Provisional {
		return false
	}
	delete(s.messages, localID)
	delete(s.provisionals, msg.Nonce)
	return true
}

// ToggleReaction flips the (userID, emoji) reaction on a held message and
// reports whether it is now present.
func (s *Store) ToggleReaction(messageID, userID, emoji string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[messageID]
	if !ok {
		return false, ErrNotFound
	}
	return msg.ToggleReaction(messaging.Reaction{
		ID:     provisionalPrefix + uuid.NewString(),
		Emoji:  emoji,
		UserID: userID,
	}), nil
}

// RecomputeReplyCount sets the parent's reply count to the number of replies
// held and returns it.
func (s *Store) RecomputeReplyCount(parentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recomputeLocked(parentID)
}

func (s *Store) recomputeLocked(parentID string) int {
	count := 0
	for _, m := range s.messages {
		if m.ParentID == parentID {
			count++
		}
	}
	if parent, ok := s.messages[parentID]; ok {
		parent.ReplyCount = count
	}
	return count
}

func (s *Store) MarkThreadLoaded(parentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loadedThreads[parentID] = true
	s.recomputeLocked(parentID)
}

func (s *Store) ThreadLoaded(parentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedThreads[parentID]
}

func isProvisionalID(id string) bool {
	return strings.HasPrefix(id, provisionalPrefix)
}
