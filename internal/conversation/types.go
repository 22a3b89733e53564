package conversation

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleUser is a finalized merchant utterance.
	RoleUser Role = "user"
	// RoleAssistant is a reply produced after command execution.
	RoleAssistant Role = "assistant"
	// RoleSystem is an internally generated notice.
	RoleSystem Role = "system"
)

// Message is a single conversation turn kept in the bounded history.
type Message struct {
	Role      Role              `json:"role"`
	Text      string            `json:"text"`
	Intent    string            `json:"intent,omitempty"`
	Entities  map[string]string `json:"entities,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Entity is a referenced business entity (customer, item, invoice) tracked
// for pronoun and ellipsis resolution in later turns.
type Entity struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Kind          string    `json:"kind,omitempty"`
	LastMentioned time.Time `json:"last_mentioned"`
}

// Draft is an uncommitted multi-step transaction awaiting confirmation
// across turns, e.g. an invoice read back to the merchant. At most one
// draft is active per conversation; a new draft overwrites the old one.
type Draft struct {
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// State is everything persisted for one conversation. It is serialized as a
// single JSON value under the conversation key; the backend TTL governs its
// lifetime and every write refreshes it.
type State struct {
	ConversationID string                     `json:"conversation_id"`
	Messages       []Message                  `json:"messages,omitempty"`
	Context        map[string]json.RawMessage `json:"context,omitempty"`
	ActiveEntity   *Entity                    `json:"active_entity,omitempty"`
	RecentEntities map[string]Entity          `json:"recent_entities,omitempty"`
	Turns          int                        `json:"turns"`
	LastActivity   time.Time                  `json:"last_activity"`
}

// normalizeName produces the lookup key for recent-entity tracking so that
// "Sharma Traders" and " sharma  traders " resolve to the same entry.
func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
