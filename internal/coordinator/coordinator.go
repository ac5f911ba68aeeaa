// Package coordinator implements the message-processing pipeline that
// serializes inference calls per conversation.
//
// For each incoming message the Coordinator resolves the conversation's
// lock, acquires it, invokes the inference backend under a deadline, and
// releases the lock on every exit path. A conversation that is already
// processing answers Busy immediately; it never queues silently and
// never blocks the caller. A stalled inference call is remediated by its
// own deadline, costs one suspended goroutine, and can never wedge
// unrelated conversations.
package coordinator

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/convolock/convolock/internal/llm"
	"github.com/convolock/convolock/internal/locks"
	"github.com/convolock/convolock/internal/observability"
	"github.com/convolock/convolock/internal/storage"
	"github.com/convolock/convolock/pkg/models"
)

// Config tunes the pipeline's deadlines.
type Config struct {
	// LockTimeout bounds waiting acquires in HandleQueued.
	LockTimeout time.Duration

	// CallDeadline bounds each inference call. When it elapses the call
	// is cancelled cooperatively and the lock is released.
	CallDeadline time.Duration

	// HistoryLimit is how many prior exchanges are replayed into the
	// prompt. Zero means the store default.
	HistoryLimit int

	// SystemPrompt is passed through to the inference backend.
	SystemPrompt string
}

// DefaultCallDeadline bounds inference calls when none is configured.
const DefaultCallDeadline = 60 * time.Second

// Coordinator runs the admission/acquisition/call/release pipeline.
// All collaborators are injected; there is no package-level state, so
// tests and shutdown get real isolation.
//
// Thread Safety:
// Coordinator is safe for concurrent use; that is its whole purpose.
type Coordinator struct {
	registry *locks.Registry
	provider llm.Provider
	store    storage.TranscriptStore
	logger   *observability.Logger
	metrics  *observability.Metrics
	config   Config

	nowFunc func() time.Time
}

// New creates a Coordinator. store may be nil to disable persistence;
// metrics may be nil in tests that don't assert on them.
func New(registry *locks.Registry, provider llm.Provider, store storage.TranscriptStore, logger *observability.Logger, metrics *observability.Metrics, config Config) *Coordinator {
	if config.LockTimeout <= 0 {
		config.LockTimeout = locks.DefaultAcquireTimeout
	}
	if config.CallDeadline <= 0 {
		config.CallDeadline = DefaultCallDeadline
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Output: io.Discard})
	}
	return &Coordinator{
		registry: registry,
		provider: provider,
		store:    store,
		logger:   logger,
		metrics:  metrics,
		config:   config,
		nowFunc:  time.Now,
	}
}

// SetNowFunc sets a custom time function for testing.
func (c *Coordinator) SetNowFunc(fn func() time.Time) {
	c.nowFunc = fn
}

// Handle processes one message in immediate-busy mode: if the
// conversation is already processing, the caller gets StatusBusy at
// once. This is the baseline contract.
func (c *Coordinator) Handle(ctx context.Context, conversationID models.ConversationID, message string) Result {
	ctx = observability.AddConversationID(ctx, conversationID.String())

	lock := c.registry.GetOrCreate(conversationID)
	token, ok := lock.TryAcquire()
	if !ok {
		c.recordAcquisition("try", "busy")
		c.recordMessage(string(StatusBusy))
		c.logger.Debug(ctx, "conversation busy, rejecting message")
		return Result{Status: StatusBusy}
	}
	c.recordAcquisition("try", "acquired")

	return c.process(ctx, lock, token, conversationID, message)
}

// HandleQueued processes one message in waiting mode: the caller parks
// for up to LockTimeout waiting for the conversation to free up. On
// timeout the lock was never held and StatusLockTimeout is returned.
func (c *Coordinator) HandleQueued(ctx context.Context, conversationID models.ConversationID, message string) Result {
	ctx = observability.AddConversationID(ctx, conversationID.String())

	lock := c.registry.GetOrCreate(conversationID)
	waitStart := c.nowFunc()
	token, err := lock.Acquire(ctx, c.config.LockTimeout)
	c.recordWait(c.nowFunc().Sub(waitStart))
	if err != nil {
		if errors.Is(err, locks.ErrLockTimeout) {
			c.recordAcquisition("wait", "timeout")
			c.recordMessage(string(StatusLockTimeout))
			c.logger.Info(ctx, "timed out waiting for conversation lock",
				"lock_timeout_ms", c.config.LockTimeout.Milliseconds())
			return Result{Status: StatusLockTimeout}
		}
		c.recordAcquisition("wait", "canceled")
		c.recordMessage(string(StatusFailed))
		return Result{Status: StatusFailed, Err: err}
	}
	c.recordAcquisition("wait", "acquired")

	return c.process(ctx, lock, token, conversationID, message)
}

// process runs the held-lock portion of the pipeline. The deferred
// Release is the scoped-acquisition guarantee: no exit path below, not
// cancellation, not a backend error, can return with the lock held.
func (c *Coordinator) process(ctx context.Context, lock *locks.ConversationLock, token locks.Token, conversationID models.ConversationID, message string) Result {
	held := c.nowFunc()
	defer func() {
		lock.Release(token)
		c.recordHold(c.nowFunc().Sub(held))
	}()

	callCtx, cancel := context.WithTimeout(ctx, c.config.CallDeadline)
	defer cancel()

	req := &llm.Request{
		ConversationID: conversationID,
		System:         c.config.SystemPrompt,
		Messages:       c.buildMessages(callCtx, conversationID, message),
	}

	start := c.nowFunc()
	resp, err := c.provider.Complete(callCtx, req)
	latency := c.nowFunc().Sub(start)

	model := "default"
	if resp != nil && resp.Model != "" {
		model = resp.Model
	}

	if err != nil {
		if llm.IsTimeout(err) && ctx.Err() == nil {
			c.recordLLM(model, "timeout", latency)
			c.recordMessage(string(StatusTimedOut))
			c.logger.Warn(ctx, "inference call exceeded deadline",
				"deadline_ms", c.config.CallDeadline.Milliseconds(),
				"error", err)
			return Result{Status: StatusTimedOut, Err: err}
		}
		c.recordLLM(model, "error", latency)
		c.recordMessage(string(StatusFailed))
		c.logger.Error(ctx, "inference call failed", "error", err)
		return Result{Status: StatusFailed, Err: err}
	}

	c.recordLLM(model, "success", latency)
	c.recordMessage(string(StatusCompleted))
	c.persist(ctx, conversationID, message, resp, latency)

	return Result{Status: StatusCompleted, Reply: resp.Text, Model: resp.Model}
}

// buildMessages replays recent history ahead of the new user message.
// History is best-effort: a read failure degrades to a single-turn
// prompt rather than failing the request.
func (c *Coordinator) buildMessages(ctx context.Context, conversationID models.ConversationID, message string) []llm.Message {
	var history []*models.Exchange
	if c.store != nil {
		var err error
		history, err = c.store.History(ctx, conversationID, c.config.HistoryLimit)
		if err != nil {
			c.logger.Warn(ctx, "failed to load conversation history", "error", err)
		}
	}

	messages := make([]llm.Message, 0, len(history)*2+1)
	for _, exchange := range history {
		messages = append(messages,
			llm.Message{Role: models.RoleUser, Content: exchange.UserMessage},
			llm.Message{Role: models.RoleAssistant, Content: exchange.AssistantReply},
		)
	}
	return append(messages, llm.Message{Role: models.RoleUser, Content: message})
}

// persist records the completed exchange. Persistence failures are
// logged and swallowed: the user already has their reply and the lock
// layer must not depend on the store.
func (c *Coordinator) persist(ctx context.Context, conversationID models.ConversationID, message string, resp *llm.Response, latency time.Duration) {
	if c.store == nil {
		return
	}

	exchange := &models.Exchange{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		UserMessage:    message,
		AssistantReply: resp.Text,
		Model:          resp.Model,
		LatencyMS:      latency.Milliseconds(),
		CreatedAt:      c.nowFunc(),
	}

	// The request context may already be near its deadline; give the
	// write its own small budget.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.store.AppendExchange(persistCtx, exchange); err != nil {
		c.logger.Error(ctx, "failed to persist exchange", "error", err)
	}
}

func (c *Coordinator) recordMessage(outcome string) {
	if c.metrics != nil {
		c.metrics.RecordMessage(outcome)
	}
}

func (c *Coordinator) recordAcquisition(mode, outcome string) {
	if c.metrics != nil {
		c.metrics.RecordAcquisition(mode, outcome)
	}
}

func (c *Coordinator) recordHold(d time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordHold(d.Seconds())
	}
}

func (c *Coordinator) recordWait(d time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordWait(d.Seconds())
	}
}

func (c *Coordinator) recordLLM(model, status string, d time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordLLMRequest(c.provider.Name(), model, status, d.Seconds())
	}
}
