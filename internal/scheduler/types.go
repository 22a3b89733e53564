package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Priority orders waiting tasks within a conversation. Higher values are
// promoted first; ties break by submission order.
type Priority int

const (
	// PriorityLow is for background work such as report generation.
	PriorityLow Priority = iota
	// PriorityNormal is the default for recognized voice commands.
	PriorityNormal
	// PriorityHigh jumps the queue, e.g. for a confirmation the merchant
	// is waiting on.
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// TaskStatus is the lifecycle state of a submitted task.
//
// Transitions are monotonic and follow only these paths:
//
//	queued → running → completed
//	queued → running → failed
//	queued → running → cancelled (best effort)
//	queued → cancelled
type TaskStatus string

const (
	// StatusQueued indicates the task is waiting for a free slot.
	StatusQueued TaskStatus = "queued"
	// StatusRunning indicates the executor is working on the task.
	StatusRunning TaskStatus = "running"
	// StatusCompleted indicates the executor returned a result.
	StatusCompleted TaskStatus = "completed"
	// StatusFailed indicates the executor returned an error or the
	// execution deadline elapsed.
	StatusFailed TaskStatus = "failed"
	// StatusCancelled indicates the task was cancelled before completion.
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition can occur.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is one submitted work item. Values returned by the scheduler are
// snapshots; mutating them has no effect on the scheduled task.
type Task struct {
	ID              string          `json:"id"`
	ConversationID  string          `json:"conversation_id"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Priority        Priority        `json:"priority"`
	Status          TaskStatus      `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`

	// seq breaks priority ties by submission order within a conversation.
	seq uint64
	// cancelExec cancels the execution context, the cooperative
	// cancellation flag exposed to the executor.
	cancelExec context.CancelFunc
}

// Executor runs the business side of a command. All billing, ledger, and
// customer logic lives behind this boundary; the scheduler holds no business
// knowledge and never retries a failed execution, because replaying a voice
// command risks duplicating a side effect such as a payment.
//
// The context passed to Execute carries the execution deadline and is
// cancelled when the task is cancelled. Ignoring the cancellation and running
// to completion is a valid, if suboptimal, executor implementation; the
// outcome is discarded in that case.
type Executor interface {
	Execute(ctx context.Context, conversationID string, payload json.RawMessage) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, conversationID string, payload json.RawMessage) (json.RawMessage, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, conversationID string, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, conversationID, payload)
}

// Notifier receives task lifecycle transitions. Implementations must not
// block: notifications are delivered synchronously from scheduling paths.
type Notifier interface {
	TaskTransition(task Task)
}

// NopNotifier discards all transitions.
type NopNotifier struct{}

// TaskTransition implements Notifier.
func (NopNotifier) TaskTransition(Task) {}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// QueueStats counts a conversation's tasks per status. Terminal counts only
// cover tasks still inside the retention window.
type QueueStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

var (
	// ErrTaskNotFound is returned for unknown or already purged task IDs.
	ErrTaskNotFound = errors.New("task not found")
	// ErrOverloaded is returned when the global in-flight ceiling is hit.
	// Distinct from per-task failures: the submission was never accepted.
	ErrOverloaded = errors.New("scheduler overloaded")
	// ErrStopped is returned when submitting to a stopped scheduler.
	ErrStopped = errors.New("scheduler stopped")

	errConversationIDEmpty = errors.New("conversation ID cannot be empty")
)

// timeoutErrorMessage is the failure text for deadline-forced transitions.
const timeoutErrorMessage = "timeout: execution exceeded deadline"

// failureMessage renders an executor error for the task record. Remote
// executors surface gRPC status errors; translate the common codes so the
// user-facing failure message stays meaningful.
func failureMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutErrorMessage
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.DeadlineExceeded:
			return timeoutErrorMessage
		case codes.Unavailable:
			return fmt.Sprintf("executor unavailable: %s", st.Message())
		case codes.InvalidArgument:
			return fmt.Sprintf("command rejected: %s", st.Message())
		case codes.ResourceExhausted:
			return fmt.Sprintf("executor overloaded: %s", st.Message())
		}
	}

	return err.Error()
}
