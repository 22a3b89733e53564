package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(t *testing.T, executor Executor, notifier Notifier, config Config) *Scheduler {
	t.Helper()
	s := New(executor, notifier, nil, testLogger(), config)
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// echoExecutor completes immediately, echoing the payload as the result.
type echoExecutor struct{}

func (echoExecutor) Execute(ctx context.Context, conversationID string, payload json.RawMessage) (json.RawMessage, error) {
	return payload, nil
}

// gatedExecutor blocks each execution until released, tracking the order in
// which executions started and the peak concurrency observed.
type gatedExecutor struct {
	mu      sync.Mutex
	started []string
	current int
	peak    int
	gate    chan struct{}
}

func newGatedExecutor() *gatedExecutor {
	return &gatedExecutor{gate: make(chan struct{})}
}

func (e *gatedExecutor) Execute(ctx context.Context, conversationID string, payload json.RawMessage) (json.RawMessage, error) {
	e.mu.Lock()
	e.started = append(e.started, string(payload))
	e.current++
	if e.current > e.peak {
		e.peak = e.current
	}
	e.mu.Unlock()

	<-e.gate

	e.mu.Lock()
	e.current--
	e.mu.Unlock()
	return payload, nil
}

// releaseOne lets exactly one blocked execution finish.
func (e *gatedExecutor) releaseOne() {
	e.gate <- struct{}{}
}

// releaseAll lets every current and future execution finish.
func (e *gatedExecutor) releaseAll() {
	close(e.gate)
}

func (e *gatedExecutor) startedPayloads() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]string, len(e.started))
	copy(result, e.started)
	return result
}

func (e *gatedExecutor) peakConcurrency() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peak
}

// hangingExecutor never settles until the test ends, ignoring its context
// entirely. Used to exercise the deadline race.
type hangingExecutor struct {
	stop chan struct{}
}

func newHangingExecutor(t *testing.T) *hangingExecutor {
	e := &hangingExecutor{stop: make(chan struct{})}
	t.Cleanup(func() { close(e.stop) })
	return e
}

func (e *hangingExecutor) Execute(ctx context.Context, conversationID string, payload json.RawMessage) (json.RawMessage, error) {
	<-e.stop
	return nil, context.Canceled
}

// cooperativeExecutor honors the cancellation flag by waiting on its context.
type cooperativeExecutor struct{}

func (cooperativeExecutor) Execute(ctx context.Context, conversationID string, payload json.RawMessage) (json.RawMessage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// recordingNotifier captures the transition sequence observed per task.
type recordingNotifier struct {
	mu          sync.Mutex
	transitions map[string][]TaskStatus
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{transitions: make(map[string][]TaskStatus)}
}

func (n *recordingNotifier) TaskTransition(task Task) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitions[task.ID] = append(n.transitions[task.ID], task.Status)
}

func (n *recordingNotifier) sequence(taskID string) []TaskStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]TaskStatus, len(n.transitions[taskID]))
	copy(result, n.transitions[taskID])
	return result
}
