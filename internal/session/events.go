package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bolbill/bolbill/internal/conversation"
	"github.com/bolbill/bolbill/internal/scheduler"
)

// EventType identifies a lifecycle event pushed to the transport.
type EventType string

const (
	EventTaskQueued    EventType = "task_queued"
	EventTaskRunning   EventType = "task_running"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskCancelled EventType = "task_cancelled"
	EventReply         EventType = "reply"
)

// Event is a single lifecycle notification for one conversation.
type Event struct {
	Type           EventType       `json:"type"`
	ConversationID string          `json:"conversation_id"`
	TaskID         string          `json:"task_id,omitempty"`
	Reply          string          `json:"reply,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Pusher delivers events and queue statistics to whatever transport is
// attached. Delivery is best-effort: implementations must not block, and
// dropped pushes are not reported back.
type Pusher interface {
	PushEvent(conversationID string, event Event)
	PushStats(conversationID string, stats scheduler.QueueStats)
}

// NopPusher discards everything.
type NopPusher struct{}

func (NopPusher) PushEvent(string, Event)                {}
func (NopPusher) PushStats(string, scheduler.QueueStats) {}

// UnderstandInput carries one transcript plus the conversational context the
// language layer needs to resolve references in it.
type UnderstandInput struct {
	ConversationID string
	TenantID       string
	Transcript     string
	ContextSummary string
	EntityHints    []conversation.Entity
}

// Understanding is the language layer's interpretation of a transcript.
type Understanding struct {
	Intent   string
	Entities map[string]string
	Payload  json.RawMessage
	Priority scheduler.Priority
}

// Understander is the boundary to the natural-language layer. The coordinator
// never interprets transcripts itself.
type Understander interface {
	Understand(ctx context.Context, in UnderstandInput) (Understanding, error)
}

// UnderstanderFunc adapts a function to the Understander interface.
type UnderstanderFunc func(ctx context.Context, in UnderstandInput) (Understanding, error)

func (f UnderstanderFunc) Understand(ctx context.Context, in UnderstandInput) (Understanding, error) {
	return f(ctx, in)
}
