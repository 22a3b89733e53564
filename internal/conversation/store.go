// Package conversation holds durable, TTL-bounded per-conversation state:
// bounded message history, arbitrary context values, referenced-entity
// tracking, and the pending-draft slot that lets a half-finished transaction
// survive a socket reconnect or process restart.
//
// Conversation memory is a convenience layer, not the system of record for
// money-moving operations, so backend failures are logged and swallowed here:
// readers degrade to an empty conversation and writers are no-ops. One failed
// Redis call must never fail a billing command.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/bolbill/bolbill/internal/kv"
)

const (
	convKeyPrefix      = "bolbill:conv:"
	shopDraftKeyPrefix = "bolbill:draft:shop:"

	// draftContextKey is the session-scoped slot for the pending draft
	// inside the conversation context map.
	draftContextKey = "pending_draft"
)

// Config bounds the per-conversation state held by the store.
type Config struct {
	// TTL is the rolling expiry refreshed on every write.
	TTL time.Duration
	// HistoryCap is the maximum messages retained per conversation.
	HistoryCap int
	// RecentEntityCap is the maximum recently referenced entities retained.
	RecentEntityCap int
}

// DefaultConfig returns the default conversation state bounds.
func DefaultConfig() Config {
	return Config{
		TTL:             4 * time.Hour,
		HistoryCap:      20,
		RecentEntityCap: 10,
	}
}

// Store reads and writes conversation state through a TTL key/value backend.
// Mutation discipline is single-writer-per-conversation (the coordinator),
// so load-modify-save without compare-and-swap is sufficient.
type Store struct {
	backend kv.Store
	config  Config
	logger  *slog.Logger
}

// New creates a conversation store on the given backend.
func New(backend kv.Store, config Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	if config.HistoryCap <= 0 {
		config.HistoryCap = DefaultConfig().HistoryCap
	}
	if config.RecentEntityCap <= 0 {
		config.RecentEntityCap = DefaultConfig().RecentEntityCap
	}

	return &Store{
		backend: backend,
		config:  config,
		logger:  logger.With("component", "conversation"),
	}
}

// AppendMessage appends a message to the conversation history, trimming it to
// the history cap and refreshing the TTL. Backend failures are swallowed.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	state := s.load(ctx, conversationID)
	state.Messages = append(state.Messages, msg)
	if overflow := len(state.Messages) - s.config.HistoryCap; overflow > 0 {
		state.Messages = state.Messages[overflow:]
	}
	if msg.Role == RoleUser {
		state.Turns++
	}
	state.LastActivity = msg.Timestamp

	s.save(ctx, state)
}

// GetMessages returns the retained history for a conversation, oldest first.
func (s *Store) GetMessages(ctx context.Context, conversationID string) []Message {
	state := s.load(ctx, conversationID)
	result := make([]Message, len(state.Messages))
	copy(result, state.Messages)
	return result
}

// SetContext stores an arbitrary JSON value under key. A nil or JSON-null
// value clears the key.
func (s *Store) SetContext(ctx context.Context, conversationID, key string, value json.RawMessage) {
	if key == "" {
		return
	}

	state := s.load(ctx, conversationID)
	if isEmptyValue(value) {
		delete(state.Context, key)
	} else {
		if state.Context == nil {
			state.Context = make(map[string]json.RawMessage)
		}
		state.Context[key] = value
	}
	state.LastActivity = time.Now()

	s.save(ctx, state)
}

// GetContext retrieves a context value. The second return is false when the
// key is absent or the backend read failed.
func (s *Store) GetContext(ctx context.Context, conversationID, key string) (json.RawMessage, bool) {
	state := s.load(ctx, conversationID)
	value, exists := state.Context[key]
	return value, exists
}

// SetActiveEntity records the most recently resolved referenced entity and
// adds it to the recent-entity map, evicting the least recently mentioned
// entry beyond the cap.
func (s *Store) SetActiveEntity(ctx context.Context, conversationID string, entity Entity) {
	if entity.LastMentioned.IsZero() {
		entity.LastMentioned = time.Now()
	}

	state := s.load(ctx, conversationID)
	state.ActiveEntity = &entity

	if state.RecentEntities == nil {
		state.RecentEntities = make(map[string]Entity)
	}
	state.RecentEntities[normalizeName(entity.Name)] = entity
	for len(state.RecentEntities) > s.config.RecentEntityCap {
		oldestKey := ""
		var oldest time.Time
		for name, e := range state.RecentEntities {
			if oldestKey == "" || e.LastMentioned.Before(oldest) {
				oldestKey = name
				oldest = e.LastMentioned
			}
		}
		delete(state.RecentEntities, oldestKey)
	}
	state.LastActivity = time.Now()

	s.save(ctx, state)
}

// GetActiveEntity returns the entity the conversation is currently "about".
func (s *Store) GetActiveEntity(ctx context.Context, conversationID string) (Entity, bool) {
	state := s.load(ctx, conversationID)
	if state.ActiveEntity == nil {
		return Entity{}, false
	}
	return *state.ActiveEntity, true
}

// GetRecentEntities returns the bounded normalized-name → entity map used to
// disambiguate when several entities were mentioned recently.
func (s *Store) GetRecentEntities(ctx context.Context, conversationID string) map[string]Entity {
	state := s.load(ctx, conversationID)
	result := make(map[string]Entity, len(state.RecentEntities))
	for name, e := range state.RecentEntities {
		result[name] = e
	}
	return result
}

// SetPendingDraft stores the draft under both the session-scoped context slot
// and the tenant-scoped fallback key. The two writes are independent and
// idempotent; both are only read at the start of the next user turn, so
// last-write-wins between them is acceptable.
func (s *Store) SetPendingDraft(ctx context.Context, conversationID, tenantID string, draft Draft) {
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now()
	}

	encoded, err := json.Marshal(draft)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to encode pending draft",
			"conversation_id", conversationID,
			"error", err,
		)
		return
	}

	s.SetContext(ctx, conversationID, draftContextKey, encoded)
	s.SetShopPendingDraft(ctx, tenantID, draft)
}

// GetPendingDraft resolves the active draft: the session-scoped slot first,
// the tenant-scoped fallback second. The fallback is what lets a negotiation
// resume after the session key was lost.
func (s *Store) GetPendingDraft(ctx context.Context, conversationID, tenantID string) (Draft, bool) {
	if raw, exists := s.GetContext(ctx, conversationID, draftContextKey); exists {
		var draft Draft
		if err := json.Unmarshal(raw, &draft); err == nil {
			return draft, true
		}
		s.logger.WarnContext(ctx, "Discarding undecodable session draft",
			"conversation_id", conversationID,
		)
	}

	return s.GetShopPendingDraft(ctx, tenantID)
}

// ClearPendingDraft removes the draft from both locations, e.g. after the
// merchant confirms or cancels the transaction.
func (s *Store) ClearPendingDraft(ctx context.Context, conversationID, tenantID string) {
	s.SetContext(ctx, conversationID, draftContextKey, nil)

	if tenantID == "" {
		return
	}
	if err := s.backend.Delete(ctx, shopDraftKeyPrefix+tenantID); err != nil {
		s.logger.ErrorContext(ctx, "Failed to clear shop draft",
			"tenant_id", tenantID,
			"error", err,
		)
	}
}

// SetShopPendingDraft writes the tenant-scoped fallback draft directly.
func (s *Store) SetShopPendingDraft(ctx context.Context, tenantID string, draft Draft) {
	if tenantID == "" {
		return
	}
	if draft.CreatedAt.IsZero() {
		draft.CreatedAt = time.Now()
	}

	encoded, err := json.Marshal(draft)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to encode shop draft",
			"tenant_id", tenantID,
			"error", err,
		)
		return
	}

	if err := s.backend.Set(ctx, shopDraftKeyPrefix+tenantID, encoded, s.config.TTL); err != nil {
		s.logger.ErrorContext(ctx, "Failed to store shop draft",
			"tenant_id", tenantID,
			"error", err,
		)
	}
}

// GetShopPendingDraft reads the tenant-scoped fallback draft.
func (s *Store) GetShopPendingDraft(ctx context.Context, tenantID string) (Draft, bool) {
	if tenantID == "" {
		return Draft{}, false
	}

	raw, err := s.backend.Get(ctx, shopDraftKeyPrefix+tenantID)
	if errors.Is(err, kv.ErrNotFound) {
		return Draft{}, false
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to read shop draft",
			"tenant_id", tenantID,
			"error", err,
		)
		return Draft{}, false
	}

	var draft Draft
	if err := json.Unmarshal(raw, &draft); err != nil {
		s.logger.WarnContext(ctx, "Discarding undecodable shop draft",
			"tenant_id", tenantID,
		)
		return Draft{}, false
	}

	return draft, true
}

// GetState returns a snapshot of the full conversation state. An absent or
// expired conversation reads back as a brand-new one.
func (s *Store) GetState(ctx context.Context, conversationID string) *State {
	return s.load(ctx, conversationID)
}

// Clear removes all state for a conversation, including the tenant fallback
// draft. Absence on the next access is identical to a new conversation.
func (s *Store) Clear(ctx context.Context, conversationID, tenantID string) {
	if err := s.backend.Delete(ctx, convKeyPrefix+conversationID); err != nil {
		s.logger.ErrorContext(ctx, "Failed to clear conversation state",
			"conversation_id", conversationID,
			"error", err,
		)
	}

	if tenantID == "" {
		return
	}
	if err := s.backend.Delete(ctx, shopDraftKeyPrefix+tenantID); err != nil {
		s.logger.ErrorContext(ctx, "Failed to clear shop draft",
			"tenant_id", tenantID,
			"error", err,
		)
	}
}

// load fetches the state for a conversation, degrading to a fresh empty
// state on any backend or decode failure.
func (s *Store) load(ctx context.Context, conversationID string) *State {
	fresh := &State{ConversationID: conversationID}

	raw, err := s.backend.Get(ctx, convKeyPrefix+conversationID)
	if errors.Is(err, kv.ErrNotFound) {
		return fresh
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to read conversation state",
			"conversation_id", conversationID,
			"error", err,
		)
		return fresh
	}

	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		s.logger.WarnContext(ctx, "Discarding undecodable conversation state",
			"conversation_id", conversationID,
		)
		return fresh
	}
	state.ConversationID = conversationID

	return &state
}

// save persists the state and refreshes the rolling TTL. Failures are logged
// and swallowed.
func (s *Store) save(ctx context.Context, state *State) {
	encoded, err := json.Marshal(state)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to encode conversation state",
			"conversation_id", state.ConversationID,
			"error", err,
		)
		return
	}

	if err := s.backend.Set(ctx, convKeyPrefix+state.ConversationID, encoded, s.config.TTL); err != nil {
		s.logger.ErrorContext(ctx, "Failed to store conversation state",
			"conversation_id", state.ConversationID,
			"error", err,
		)
	}
}

// isEmptyValue reports whether a context value should clear its key.
func isEmptyValue(value json.RawMessage) bool {
	if len(value) == 0 {
		return true
	}
	trimmed := string(value)
	return trimmed == "null" || trimmed == `""`
}
