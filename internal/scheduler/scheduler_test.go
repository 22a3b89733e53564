package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestNewScheduler(t *testing.T) {
	s := New(echoExecutor{}, nil, nil, testLogger(), Config{})
	if s == nil {
		t.Fatal("expected non-nil scheduler")
	}
	if s.config.MaxConcurrent != 3 {
		t.Errorf("expected default MaxConcurrent 3, got %d", s.config.MaxConcurrent)
	}
	if s.config.ExecTimeout != 30*time.Second {
		t.Errorf("expected default ExecTimeout 30s, got %v", s.config.ExecTimeout)
	}
}

func TestSubmitCompletes(t *testing.T) {
	s := newTestScheduler(t, echoExecutor{}, nil, Config{})
	ctx := context.Background()

	taskID, err := s.Submit(ctx, "c1", json.RawMessage(`{"op":"add_sale"}`), PriorityNormal)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if taskID == "" {
		t.Fatal("expected non-empty task ID")
	}

	waitFor(t, time.Second, func() bool {
		task, err := s.Status(taskID)
		return err == nil && task.Status == StatusCompleted
	}, "task should complete")

	task, err := s.Status(taskID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if string(task.Result) != `{"op":"add_sale"}` {
		t.Errorf("unexpected result: %s", task.Result)
	}
	if task.StartedAt == nil || task.CompletedAt == nil {
		t.Error("expected start and completion timestamps")
	}
}

func TestSubmitEmptyConversationID(t *testing.T) {
	s := newTestScheduler(t, echoExecutor{}, nil, Config{})

	_, err := s.Submit(context.Background(), "", nil, PriorityNormal)
	if err == nil {
		t.Fatal("expected error for empty conversation ID")
	}
}

func TestConcurrencyCap(t *testing.T) {
	executor := newGatedExecutor()
	s := newTestScheduler(t, executor, nil, Config{MaxConcurrent: 3})
	ctx := context.Background()

	ids := make([]string, 5)
	for i := range ids {
		id, err := s.Submit(ctx, "c1", json.RawMessage(fmt.Sprintf(`"t%d"`, i)), PriorityNormal)
		if err != nil {
			t.Fatalf("submit %d failed: %v", i, err)
		}
		ids[i] = id
	}

	// Immediately after submission: exactly 3 running, 2 queued.
	stats := s.QueueStats("c1")
	if stats.Running != 3 {
		t.Errorf("expected 3 running, got %d", stats.Running)
	}
	if stats.Queued != 2 {
		t.Errorf("expected 2 queued, got %d", stats.Queued)
	}

	executor.releaseAll()

	waitFor(t, time.Second, func() bool {
		for _, id := range ids {
			task, err := s.Status(id)
			if err != nil || !task.Status.Terminal() {
				return false
			}
		}
		return true
	}, "all 5 tasks should reach a terminal state")

	if peak := executor.peakConcurrency(); peak > 3 {
		t.Errorf("running count exceeded cap: peak %d", peak)
	}
}

func TestConversationsAreIndependent(t *testing.T) {
	executor := newGatedExecutor()
	s := newTestScheduler(t, executor, nil, Config{MaxConcurrent: 1})
	ctx := context.Background()

	// One blocked task per conversation; each gets its own slot.
	if _, err := s.Submit(ctx, "c1", json.RawMessage(`"a"`), PriorityNormal); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := s.Submit(ctx, "c2", json.RawMessage(`"b"`), PriorityNormal); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if got := s.QueueStats("c1").Running; got != 1 {
		t.Errorf("expected c1 running 1, got %d", got)
	}
	if got := s.QueueStats("c2").Running; got != 1 {
		t.Errorf("expected c2 running 1, got %d", got)
	}

	executor.releaseAll()
}

func TestHighPriorityPromotedFirst(t *testing.T) {
	executor := newGatedExecutor()
	s := newTestScheduler(t, executor, nil, Config{MaxConcurrent: 3})
	ctx := context.Background()

	// Fill all three slots.
	for i := 0; i < 3; i++ {
		if _, err := s.Submit(ctx, "c1", json.RawMessage(fmt.Sprintf(`"running%d"`, i)), PriorityNormal); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}
	// Two normal tasks wait, then one high.
	for i := 0; i < 2; i++ {
		if _, err := s.Submit(ctx, "c1", json.RawMessage(fmt.Sprintf(`"normal%d"`, i)), PriorityNormal); err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}
	highID, err := s.Submit(ctx, "c1", json.RawMessage(`"high"`), PriorityHigh)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	task, err := s.Status(highID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if task.Status != StatusQueued {
		t.Fatalf("expected high task queued, got %s", task.Status)
	}

	waitFor(t, time.Second, func() bool {
		return len(executor.startedPayloads()) == 3
	}, "all three slot-filling tasks should start")

	// Free one slot: the high task must be promoted ahead of the two
	// waiting normal tasks.
	executor.releaseOne()

	waitFor(t, time.Second, func() bool {
		return len(executor.startedPayloads()) == 4
	}, "a fourth task should start")

	started := executor.startedPayloads()
	if started[3] != `"high"` {
		t.Errorf("expected high task promoted first, got %s", started[3])
	}

	executor.releaseAll()
}

func TestPriorityTiesBreakBySubmissionOrder(t *testing.T) {
	executor := newGatedExecutor()
	s := newTestScheduler(t, executor, nil, Config{MaxConcurrent: 1})
	ctx := context.Background()

	if _, err := s.Submit(ctx, "c1", json.RawMessage(`"first"`), PriorityNormal); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := s.Submit(ctx, "c1", json.RawMessage(`"second"`), PriorityNormal); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := s.Submit(ctx, "c1", json.RawMessage(`"third"`), PriorityNormal); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	executor.releaseOne()
	waitFor(t, time.Second, func() bool {
		return len(executor.startedPayloads()) == 2
	}, "second task should start")
	executor.releaseOne()
	waitFor(t, time.Second, func() bool {
		return len(executor.startedPayloads()) == 3
	}, "third task should start")

	started := executor.startedPayloads()
	want := []string{`"first"`, `"second"`, `"third"`}
	for i, payload := range want {
		if started[i] != payload {
			t.Errorf("start order[%d] = %s, want %s", i, started[i], payload)
		}
	}

	executor.releaseAll()
}

func TestExecutionTimeoutFreesSlot(t *testing.T) {
	executor := newHangingExecutor(t)
	s := newTestScheduler(t, executor, nil, Config{
		MaxConcurrent: 1,
		ExecTimeout:   50 * time.Millisecond,
	})
	ctx := context.Background()

	hungID, err := s.Submit(ctx, "c1", json.RawMessage(`"hung"`), PriorityNormal)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	nextID, err := s.Submit(ctx, "c1", json.RawMessage(`"next"`), PriorityNormal)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		task, err := s.Status(hungID)
		return err == nil && task.Status == StatusFailed
	}, "hung task should be force-failed on deadline")

	task, err := s.Status(hungID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if task.Error != timeoutErrorMessage {
		t.Errorf("expected timeout error, got %q", task.Error)
	}

	// The freed slot goes to the queued task even though the hung
	// execution never settled.
	waitFor(t, time.Second, func() bool {
		next, err := s.Status(nextID)
		return err == nil && next.Status != StatusQueued
	}, "queued task should take over the freed slot")
}

func TestCancelQueuedTaskNeverRuns(t *testing.T) {
	executor := newGatedExecutor()
	s := newTestScheduler(t, executor, nil, Config{MaxConcurrent: 1})
	ctx := context.Background()

	if _, err := s.Submit(ctx, "c1", json.RawMessage(`"running"`), PriorityNormal); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	queuedID, err := s.Submit(ctx, "c1", json.RawMessage(`"queued"`), PriorityNormal)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	cancelled, err := s.Cancel(queuedID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("expected cancelled immediately, got %s", cancelled.Status)
	}

	executor.releaseAll()

	// The cancelled task must never be promoted.
	time.Sleep(50 * time.Millisecond)
	for _, payload := range executor.startedPayloads() {
		if payload == `"queued"` {
			t.Fatal("cancelled task was executed")
		}
	}

	task, err := s.Status(queuedID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if task.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", task.Status)
	}
}

func TestCancelRunningIsCooperative(t *testing.T) {
	s := newTestScheduler(t, cooperativeExecutor{}, nil, Config{})
	ctx := context.Background()

	taskID, err := s.Submit(ctx, "c1", json.RawMessage(`"work"`), PriorityNormal)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	snapshot, err := s.Cancel(taskID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if !snapshot.CancelRequested {
		t.Error("expected cancel flag set")
	}

	waitFor(t, time.Second, func() bool {
		task, err := s.Status(taskID)
		return err == nil && task.Status == StatusCancelled
	}, "flagged task should settle as cancelled")
}

func TestCancelIgnoredByExecutorDiscardsResult(t *testing.T) {
	executor := newGatedExecutor()
	s := newTestScheduler(t, executor, nil, Config{})
	ctx := context.Background()

	taskID, err := s.Submit(ctx, "c1", json.RawMessage(`"work"`), PriorityNormal)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if _, err := s.Cancel(taskID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	// Executor ignores the flag and completes anyway.
	executor.releaseAll()

	waitFor(t, time.Second, func() bool {
		task, err := s.Status(taskID)
		return err == nil && task.Status.Terminal()
	}, "task should settle")

	task, err := s.Status(taskID)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if task.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", task.Status)
	}
	if task.Result != nil {
		t.Error("expected result discarded for cancelled task")
	}
}

func TestCancelTerminalIsNoop(t *testing.T) {
	s := newTestScheduler(t, echoExecutor{}, nil, Config{})
	ctx := context.Background()

	taskID, err := s.Submit(ctx, "c1", json.RawMessage(`"work"`), PriorityNormal)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		task, err := s.Status(taskID)
		return err == nil && task.Status == StatusCompleted
	}, "task should complete")

	snapshot, err := s.Cancel(taskID)
	if err != nil {
		t.Fatalf("cancel on terminal task should not error: %v", err)
	}
	if snapshot.Status != StatusCompleted {
		t.Errorf("expected existing terminal status, got %s", snapshot.Status)
	}
}

func TestCancelUnknownTask(t *testing.T) {
	s := newTestScheduler(t, echoExecutor{}, nil, Config{})

	if _, err := s.Cancel("nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
	if _, err := s.Status("nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestExecutorErrorFailsTask(t *testing.T) {
	executor := ExecutorFunc(func(ctx context.Context, conversationID string, payload json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("ledger rejected the entry")
	})
	s := newTestScheduler(t, executor, nil, Config{})
	ctx := context.Background()

	taskID, err := s.Submit(ctx, "c1", json.RawMessage(`"work"`), PriorityNormal)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		task, err := s.Status(taskID)
		return err == nil && task.Status == StatusFailed
	}, "task should fail")

	task, _ := s.Status(taskID)
	if task.Error != "ledger rejected the entry" {
		t.Errorf("unexpected error text: %q", task.Error)
	}
}

func TestGlobalOverloadCeiling(t *testing.T) {
	executor := newGatedExecutor()
	s := newTestScheduler(t, executor, nil, Config{MaxConcurrent: 1, MaxInFlight: 2})
	ctx := context.Background()

	if _, err := s.Submit(ctx, "c1", json.RawMessage(`"a"`), PriorityNormal); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if _, err := s.Submit(ctx, "c1", json.RawMessage(`"b"`), PriorityNormal); err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	if _, err := s.Submit(ctx, "c2", json.RawMessage(`"c"`), PriorityNormal); !errors.Is(err, ErrOverloaded) {
		t.Errorf("expected ErrOverloaded, got %v", err)
	}

	// Draining frees capacity again.
	executor.releaseAll()
	waitFor(t, time.Second, func() bool {
		_, err := s.Submit(ctx, "c2", json.RawMessage(`"d"`), PriorityNormal)
		return err == nil
	}, "capacity should free up after drain")
}

func TestTransitionSequencesAreLegal(t *testing.T) {
	notifier := newRecordingNotifier()
	executor := newGatedExecutor()
	s := newTestScheduler(t, executor, notifier, Config{MaxConcurrent: 1})
	ctx := context.Background()

	completedID, _ := s.Submit(ctx, "c1", json.RawMessage(`"a"`), PriorityNormal)
	cancelledID, _ := s.Submit(ctx, "c1", json.RawMessage(`"b"`), PriorityNormal)
	if _, err := s.Cancel(cancelledID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	executor.releaseAll()

	waitFor(t, time.Second, func() bool {
		task, err := s.Status(completedID)
		return err == nil && task.Status.Terminal()
	}, "first task should settle")

	wantCompleted := []TaskStatus{StatusQueued, StatusRunning, StatusCompleted}
	if got := notifier.sequence(completedID); !equalStatuses(got, wantCompleted) {
		t.Errorf("completed sequence = %v, want %v", got, wantCompleted)
	}

	wantCancelled := []TaskStatus{StatusQueued, StatusCancelled}
	if got := notifier.sequence(cancelledID); !equalStatuses(got, wantCancelled) {
		t.Errorf("cancelled sequence = %v, want %v", got, wantCancelled)
	}
}

func TestTerminalTasksGarbageCollected(t *testing.T) {
	s := newTestScheduler(t, echoExecutor{}, nil, Config{
		Retention:    20 * time.Millisecond,
		TickInterval: 10 * time.Millisecond,
	})
	ctx := context.Background()

	taskID, err := s.Submit(ctx, "c1", json.RawMessage(`"work"`), PriorityNormal)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		_, err := s.Status(taskID)
		return errors.Is(err, ErrTaskNotFound)
	}, "terminal task should be purged after retention")
}

func TestSubmitAfterStop(t *testing.T) {
	s := New(echoExecutor{}, nil, nil, testLogger(), Config{})
	s.Start()
	s.Stop()

	if _, err := s.Submit(context.Background(), "c1", nil, PriorityNormal); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func equalStatuses(a, b []TaskStatus) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
