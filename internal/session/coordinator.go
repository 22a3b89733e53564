package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bolbill/bolbill/internal/conversation"
	"github.com/bolbill/bolbill/internal/scheduler"
)

// ViewState is the coordinator's coarse view of where a conversation stands.
// It is derived bookkeeping for the transport layer; the durable truth lives
// in the conversation store and the scheduler.
type ViewState string

const (
	ViewIdle              ViewState = "idle"
	ViewAwaitingUtterance ViewState = "awaiting_utterance"
	ViewDispatched        ViewState = "dispatched"
	ViewRepliedOrFailed   ViewState = "replied_or_failed"
)

// Config holds coordinator tunables.
type Config struct {
	// StatsInterval is how often queue statistics are pushed for attached
	// conversations.
	StatsInterval time.Duration
	// SummaryMessages is the history window handed to the understander.
	SummaryMessages int
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		StatsInterval:   5 * time.Second,
		SummaryMessages: 10,
	}
}

var errEmptyConversationID = errors.New("conversation ID must not be empty")

// Coordinator glues the conversation store, the scheduler, and the language
// layer together. It implements scheduler.Notifier so lifecycle transitions
// flow back through it to the attached transport.
type Coordinator struct {
	store        *conversation.Store
	sched        *scheduler.Scheduler
	understander Understander
	pusher       Pusher
	logger       *slog.Logger
	config       Config

	mu    sync.RWMutex
	views map[string]*conversationView

	// replyMu serializes terminal reply appends so replies land in the
	// history in completion order.
	replyMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// conversationView is per-conversation transport bookkeeping. Detaching keeps
// the view; only Clear or store TTL expiry ends a conversation.
type conversationView struct {
	tenantID string
	state    ViewState
	attached bool
}

// New creates a coordinator. The scheduler is attached separately via
// BindScheduler because the scheduler wants the coordinator as its notifier.
func New(store *conversation.Store, understander Understander, pusher Pusher, logger *slog.Logger, config Config) *Coordinator {
	if pusher == nil {
		pusher = NopPusher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.StatsInterval <= 0 {
		config.StatsInterval = DefaultConfig().StatsInterval
	}
	if config.SummaryMessages <= 0 {
		config.SummaryMessages = DefaultConfig().SummaryMessages
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:        store,
		understander: understander,
		pusher:       pusher,
		logger:       logger.With("component", "session"),
		config:       config,
		views:        make(map[string]*conversationView),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// BindScheduler attaches the scheduler. Must be called before the first
// HandleUtterance.
func (c *Coordinator) BindScheduler(sched *scheduler.Scheduler) {
	c.sched = sched
}

// Start launches the periodic stats push.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.statsLoop()
}

// Stop halts background work. Already-dispatched tasks keep running in the
// scheduler; stopping that is the scheduler's job.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Attach marks a conversation as having a live transport connection.
func (c *Coordinator) Attach(conversationID, tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	view := c.viewLocked(conversationID, tenantID)
	view.attached = true
	if view.state == ViewIdle {
		view.state = ViewAwaitingUtterance
	}
}

// Detach marks the transport gone. Conversation state is untouched: the
// caller may reconnect any time before the store TTL runs out.
func (c *Coordinator) Detach(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if view, ok := c.views[conversationID]; ok {
		view.attached = false
	}
}

// State reports the coordinator's view of a conversation.
func (c *Coordinator) State(conversationID string) ViewState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if view, ok := c.views[conversationID]; ok {
		return view.state
	}
	return ViewIdle
}

// Clear destroys a conversation explicitly: durable state, tenant draft slot,
// and the coordinator's view.
func (c *Coordinator) Clear(ctx context.Context, conversationID, tenantID string) {
	c.store.Clear(ctx, conversationID, tenantID)
	c.mu.Lock()
	delete(c.views, conversationID)
	c.mu.Unlock()
}

// HandleUtterance runs one turn: record the transcript, hand it to the
// language layer with conversational context, and dispatch the resulting
// command. The reply arrives asynchronously through the notifier path.
func (c *Coordinator) HandleUtterance(ctx context.Context, conversationID, tenantID, transcript string) (string, error) {
	if conversationID == "" {
		return "", errEmptyConversationID
	}

	c.mu.Lock()
	view := c.viewLocked(conversationID, tenantID)
	view.state = ViewAwaitingUtterance
	c.mu.Unlock()

	c.store.AppendMessage(ctx, conversationID, conversation.Message{
		Role: conversation.RoleUser,
		Text: transcript,
	})

	input := UnderstandInput{
		ConversationID: conversationID,
		TenantID:       tenantID,
		Transcript:     transcript,
		ContextSummary: c.store.BuildContextSummary(ctx, conversationID, c.config.SummaryMessages),
		EntityHints:    c.entityHints(ctx, conversationID),
	}

	understanding, err := c.understander.Understand(ctx, input)
	if err != nil {
		c.logger.ErrorContext(ctx, "understanding failed",
			"conversation_id", conversationID,
			"error", err)
		return "", fmt.Errorf("understand utterance: %w", err)
	}

	if understanding.Intent != "" {
		c.recordIntent(ctx, conversationID, understanding)
	}

	taskID, err := c.sched.Submit(ctx, conversationID, understanding.Payload, understanding.Priority)
	if err != nil {
		c.logger.ErrorContext(ctx, "dispatch failed",
			"conversation_id", conversationID,
			"intent", understanding.Intent,
			"error", err)
		return "", fmt.Errorf("dispatch command: %w", err)
	}

	c.mu.Lock()
	view.state = ViewDispatched
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "utterance dispatched",
		"conversation_id", conversationID,
		"task_id", taskID,
		"intent", understanding.Intent,
		"priority", understanding.Priority.String())
	return taskID, nil
}

// TaskTransition implements scheduler.Notifier. Every lifecycle change is
// pushed to the transport; terminal transitions additionally append the
// assistant reply, in the order tasks actually finish.
func (c *Coordinator) TaskTransition(task scheduler.Task) {
	c.pusher.PushEvent(task.ConversationID, lifecycleEvent(task))

	if !task.Status.Terminal() {
		return
	}

	reply := replyText(task)

	c.replyMu.Lock()
	c.store.AppendMessage(c.ctx, task.ConversationID, conversation.Message{
		Role: conversation.RoleAssistant,
		Text: reply,
	})
	c.replyMu.Unlock()

	c.mu.Lock()
	if view, ok := c.views[task.ConversationID]; ok {
		view.state = ViewRepliedOrFailed
	}
	c.mu.Unlock()

	c.pusher.PushEvent(task.ConversationID, Event{
		Type:           EventReply,
		ConversationID: task.ConversationID,
		TaskID:         task.ID,
		Reply:          reply,
		Timestamp:      time.Now(),
	})
}

// viewLocked returns the view for a conversation, creating it on first use.
// Caller holds c.mu.
func (c *Coordinator) viewLocked(conversationID, tenantID string) *conversationView {
	view, ok := c.views[conversationID]
	if !ok {
		view = &conversationView{tenantID: tenantID, state: ViewIdle}
		c.views[conversationID] = view
	}
	if tenantID != "" {
		view.tenantID = tenantID
	}
	return view
}

// entityHints returns the recently mentioned entities, most recent first,
// for reference resolution in the language layer.
func (c *Coordinator) entityHints(ctx context.Context, conversationID string) []conversation.Entity {
	recent := c.store.GetRecentEntities(ctx, conversationID)
	if len(recent) == 0 {
		return nil
	}
	hints := make([]conversation.Entity, 0, len(recent))
	for _, entity := range recent {
		hints = append(hints, entity)
	}
	sort.Slice(hints, func(i, j int) bool {
		return hints[i].LastMentioned.After(hints[j].LastMentioned)
	})
	return hints
}

// recordIntent stores the last recognized intent in the conversation context
// so later turns can refer back to it.
func (c *Coordinator) recordIntent(ctx context.Context, conversationID string, u Understanding) {
	record := struct {
		Intent   string            `json:"intent"`
		Entities map[string]string `json:"entities,omitempty"`
	}{Intent: u.Intent, Entities: u.Entities}

	raw, err := json.Marshal(record)
	if err != nil {
		return
	}
	c.store.SetContext(ctx, conversationID, "last_intent", raw)
}

func (c *Coordinator) statsLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.pushStats()
		}
	}
}

// pushStats sends queue statistics for every attached conversation.
func (c *Coordinator) pushStats() {
	c.mu.RLock()
	attached := make([]string, 0, len(c.views))
	for id, view := range c.views {
		if view.attached {
			attached = append(attached, id)
		}
	}
	c.mu.RUnlock()

	for _, id := range attached {
		c.pusher.PushStats(id, c.sched.QueueStats(id))
	}
}

func lifecycleEvent(task scheduler.Task) Event {
	event := Event{
		ConversationID: task.ConversationID,
		TaskID:         task.ID,
		Timestamp:      time.Now(),
	}
	switch task.Status {
	case scheduler.StatusQueued:
		event.Type = EventTaskQueued
	case scheduler.StatusRunning:
		event.Type = EventTaskRunning
	case scheduler.StatusCompleted:
		event.Type = EventTaskCompleted
		event.Result = task.Result
	case scheduler.StatusFailed:
		event.Type = EventTaskFailed
		event.Error = task.Error
	case scheduler.StatusCancelled:
		event.Type = EventTaskCancelled
	}
	return event
}

// replyText renders the assistant turn for a settled task. Completed tasks
// may carry a spoken reply in their result payload.
func replyText(task scheduler.Task) string {
	switch task.Status {
	case scheduler.StatusCompleted:
		var result struct {
			Reply string `json:"reply"`
		}
		if err := json.Unmarshal(task.Result, &result); err == nil && result.Reply != "" {
			return result.Reply
		}
		return "Done."
	case scheduler.StatusCancelled:
		return "Okay, I've cancelled that."
	default:
		if task.Error != "" {
			return "Sorry, that didn't go through: " + task.Error
		}
		return "Sorry, that didn't go through."
	}
}
