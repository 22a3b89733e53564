// Package scheduler runs recognized voice commands with bounded concurrency
// per conversation. Conversations are fully independent of each other; within
// one conversation at most MaxConcurrent tasks run at a time, the rest wait
// in priority order. Promotion is edge-triggered on every terminal
// transition, with a periodic tick as a safety net and for garbage
// collection.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Config holds scheduler tuning knobs.
type Config struct {
	// MaxConcurrent is the per-conversation running-task cap.
	MaxConcurrent int
	// ExecTimeout is the deadline each execution is raced against. When it
	// elapses the task is forced to failed and its slot freed regardless
	// of whether the executor ever settles.
	ExecTimeout time.Duration
	// Retention is how long terminal tasks stay queryable before GC.
	Retention time.Duration
	// TickInterval drives the safety-net promotion and GC loop.
	TickInterval time.Duration
	// MaxInFlight is the global ceiling on queued+running tasks across all
	// conversations; submissions beyond it are rejected with ErrOverloaded.
	MaxInFlight int
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 3,
		ExecTimeout:   30 * time.Second,
		Retention:     5 * time.Minute,
		TickInterval:  100 * time.Millisecond,
		MaxInFlight:   1000,
	}
}

// Scheduler accepts submitted tasks and drives them through their lifecycle
// via the injected executor. Constructed once with its dependencies and
// passed by reference; it keeps no global state.
type Scheduler struct {
	config   Config
	executor Executor
	notifier Notifier
	clock    Clock
	logger   *slog.Logger

	// mu guards the task registry and conversation map. Per-conversation
	// scheduling state is serialized by each convState's own mutex; lock
	// order is always mu before convState.mu.
	mu    sync.RWMutex
	tasks map[string]*Task
	convs map[string]*convState

	inFlight atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// convState is one conversation's scheduling state. All reads and writes of
// the waiting set, running count, and this conversation's task transitions
// happen under mu — without it, two concurrent completions could each decide
// to promote and transiently exceed MaxConcurrent.
type convState struct {
	mu      sync.Mutex
	waiting *waitQueue
	running int
	nextSeq uint64
}

// New creates a scheduler with injected dependencies. A nil notifier
// discards transitions and a nil clock falls back to the wall clock.
func New(executor Executor, notifier Notifier, clock Clock, logger *slog.Logger, config Config) *Scheduler {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if config.ExecTimeout <= 0 {
		config.ExecTimeout = DefaultConfig().ExecTimeout
	}
	if config.Retention <= 0 {
		config.Retention = DefaultConfig().Retention
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultConfig().TickInterval
	}
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = DefaultConfig().MaxInFlight
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		config:   config,
		executor: executor,
		notifier: notifier,
		clock:    clock,
		logger:   logger.With("component", "scheduler"),
		tasks:    make(map[string]*Task),
		convs:    make(map[string]*convState),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the background tick loop.
func (s *Scheduler) Start() {
	s.logger.Info("Starting scheduler",
		"max_concurrent", s.config.MaxConcurrent,
		"exec_timeout", s.config.ExecTimeout,
	)

	s.wg.Add(1)
	go s.tickLoop()
}

// Stop cancels all execution contexts and waits for scheduling goroutines to
// drain. Hung executors are abandoned, not waited for.
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler")
	s.cancel()
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}

// Submit accepts a task for a conversation and returns its ID. It never
// blocks the caller: with a free slot the task starts immediately, otherwise
// it waits in priority order.
func (s *Scheduler) Submit(ctx context.Context, conversationID string, payload json.RawMessage, priority Priority) (string, error) {
	if conversationID == "" {
		return "", errConversationIDEmpty
	}
	if s.ctx.Err() != nil {
		return "", ErrStopped
	}

	if s.inFlight.Add(1) > int64(s.config.MaxInFlight) {
		s.inFlight.Add(-1)
		return "", ErrOverloaded
	}

	task := &Task{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Payload:        payload,
		Priority:       priority,
		Status:         StatusQueued,
		CreatedAt:      s.clock.Now(),
	}

	s.mu.Lock()
	s.tasks[task.ID] = task
	cs, exists := s.convs[conversationID]
	if !exists {
		cs = &convState{waiting: newWaitQueue()}
		s.convs[conversationID] = cs
	}
	s.mu.Unlock()

	cs.mu.Lock()
	task.seq = cs.nextSeq
	cs.nextSeq++
	queued := s.snapshotLocked(task)

	var started Task
	var execCtx context.Context
	if cs.running < s.config.MaxConcurrent {
		cs.running++
		execCtx = s.startLocked(task)
		started = s.snapshotLocked(task)
	} else {
		cs.waiting.push(task)
	}
	cs.mu.Unlock()

	s.notify(queued)
	if execCtx != nil {
		s.notify(started)
		s.wg.Add(1)
		go s.run(task, execCtx)
	}

	s.logger.InfoContext(ctx, "Task submitted",
		"task_id", task.ID,
		"conversation_id", conversationID,
		"priority", priority.String(),
		"started", execCtx != nil,
	)

	return task.ID, nil
}

// Cancel requests cancellation of a task.
//
// Queued tasks cancel immediately and are never promoted. Running tasks are
// only flagged: their execution context is cancelled, but the executor is
// free to ignore that and run to completion, in which case the outcome is
// discarded. Cancelling a terminal task is a no-op returning the existing
// status.
func (s *Scheduler) Cancel(taskID string) (Task, error) {
	s.mu.RLock()
	task, exists := s.tasks[taskID]
	var cs *convState
	if exists {
		cs = s.convs[task.ConversationID]
	}
	s.mu.RUnlock()

	if !exists || cs == nil {
		return Task{}, ErrTaskNotFound
	}

	cs.mu.Lock()

	if task.Status.Terminal() {
		snapshot := s.snapshotLocked(task)
		cs.mu.Unlock()
		return snapshot, nil
	}

	if task.Status == StatusQueued {
		now := s.clock.Now()
		task.Status = StatusCancelled
		task.CancelRequested = true
		task.CompletedAt = &now
		// The waiting heap drops terminal entries lazily on pop.
		s.inFlight.Add(-1)
		snapshot := s.snapshotLocked(task)
		cs.mu.Unlock()

		s.notify(snapshot)
		s.logger.Info("Queued task cancelled", "task_id", taskID)
		return snapshot, nil
	}

	// Running: cooperative flag only. The terminal transition happens when
	// the execution settles or times out.
	task.CancelRequested = true
	if task.cancelExec != nil {
		task.cancelExec()
	}
	snapshot := s.snapshotLocked(task)
	cs.mu.Unlock()

	s.logger.Info("Running task flagged for cancellation", "task_id", taskID)
	return snapshot, nil
}

// Status returns a snapshot of a task.
func (s *Scheduler) Status(taskID string) (Task, error) {
	s.mu.RLock()
	task, exists := s.tasks[taskID]
	var cs *convState
	if exists {
		cs = s.convs[task.ConversationID]
	}
	s.mu.RUnlock()

	if !exists || cs == nil {
		return Task{}, ErrTaskNotFound
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	return s.snapshotLocked(task), nil
}

// QueueStats counts a conversation's retained tasks per status.
func (s *Scheduler) QueueStats(conversationID string) QueueStats {
	var stats QueueStats

	s.mu.RLock()
	defer s.mu.RUnlock()

	cs, exists := s.convs[conversationID]
	if !exists {
		return stats
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	for _, task := range s.tasks {
		if task.ConversationID != conversationID {
			continue
		}
		switch task.Status {
		case StatusQueued:
			stats.Queued++
		case StatusRunning:
			stats.Running++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
	}

	return stats
}

// startLocked transitions a task to running and creates its execution
// context. Caller holds the conversation lock and owns a running slot.
func (s *Scheduler) startLocked(task *Task) context.Context {
	now := s.clock.Now()
	task.Status = StatusRunning
	task.StartedAt = &now

	execCtx, cancel := context.WithTimeout(s.ctx, s.config.ExecTimeout)
	task.cancelExec = cancel
	return execCtx
}

type execOutcome struct {
	result json.RawMessage
	err    error
}

// run executes one task and settles it. The executor call runs in its own
// goroutine so a hung external call can never hold the conversation's slot
// past the deadline.
func (s *Scheduler) run(task *Task, execCtx context.Context) {
	defer s.wg.Done()

	done := make(chan execOutcome, 1)
	go func() {
		result, err := s.executor.Execute(execCtx, task.ConversationID, task.Payload)
		done <- execOutcome{result: result, err: err}
	}()

	timer := time.NewTimer(s.config.ExecTimeout)
	defer timer.Stop()

	select {
	case outcome := <-done:
		s.settle(task, outcome.result, outcome.err, false)
	case <-timer.C:
		s.settle(task, nil, nil, true)
	case <-s.ctx.Done():
		s.settle(task, nil, ErrStopped, false)
	}
}

// settle records a task's terminal state, frees its slot, and promotes the
// next waiting task. Edge-triggered promotion here is the primary path; the
// tick loop only backstops it.
func (s *Scheduler) settle(task *Task, result json.RawMessage, execErr error, timedOut bool) {
	s.mu.RLock()
	cs := s.convs[task.ConversationID]
	s.mu.RUnlock()
	if cs == nil {
		return
	}

	cs.mu.Lock()
	if task.Status.Terminal() {
		cs.mu.Unlock()
		return
	}

	now := s.clock.Now()
	task.CompletedAt = &now
	if task.cancelExec != nil {
		task.cancelExec()
	}

	switch {
	case task.CancelRequested:
		// Outcome discarded regardless of what the executor did.
		task.Status = StatusCancelled
	case timedOut:
		task.Status = StatusFailed
		task.Error = timeoutErrorMessage
	case execErr != nil:
		task.Status = StatusFailed
		task.Error = failureMessage(execErr)
	default:
		task.Status = StatusCompleted
		task.Result = result
	}

	cs.running--
	s.inFlight.Add(-1)
	snapshot := s.snapshotLocked(task)

	promoted, promotedCtx := s.promoteLocked(cs)
	var promotedSnapshot Task
	if promoted != nil {
		promotedSnapshot = s.snapshotLocked(promoted)
	}
	cs.mu.Unlock()

	s.notify(snapshot)
	if promoted != nil {
		s.notify(promotedSnapshot)
		s.wg.Add(1)
		go s.run(promoted, promotedCtx)
	}

	s.logger.Info("Task settled",
		"task_id", task.ID,
		"conversation_id", task.ConversationID,
		"status", string(snapshot.Status),
		"error", snapshot.Error,
	)
}

// promoteLocked moves the next highest-priority waiting task into a running
// slot. Caller holds the conversation lock.
func (s *Scheduler) promoteLocked(cs *convState) (*Task, context.Context) {
	if cs.running >= s.config.MaxConcurrent {
		return nil, nil
	}

	next := cs.waiting.pop()
	if next == nil {
		return nil, nil
	}

	cs.running++
	return next, s.startLocked(next)
}

// snapshotLocked copies a task for external consumption. Caller holds the
// conversation lock.
func (s *Scheduler) snapshotLocked(task *Task) Task {
	snapshot := *task
	snapshot.cancelExec = nil
	if task.StartedAt != nil {
		started := *task.StartedAt
		snapshot.StartedAt = &started
	}
	if task.CompletedAt != nil {
		completed := *task.CompletedAt
		snapshot.CompletedAt = &completed
	}
	return snapshot
}

func (s *Scheduler) notify(task Task) {
	s.notifier.TaskTransition(task)
}
