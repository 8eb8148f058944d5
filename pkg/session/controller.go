// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session drives one conversation: it sends user messages, applies
// the streamed reply to the conversation state and tracks the send
// lifecycle.
//
// # Architecture
//
//	Send ──► api OpenStream ──► sse.Stream ──► chat.DecodeEvent ──► chat.Apply ──► chat.Store
//	                                                                   ▲
//	Stop ── cancels the turn; checked under the same lock before every apply
//
// The Controller is the single owner of its chat.Store. The interpreter is
// pure; every state change goes through Store.Update while the Controller
// lock is held.
//
// # Thread Safety
//
// Controller is safe for concurrent use. At most one send is in flight;
// Send, StartNewConversation and SelectConversation return ErrBusy while
// one is.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/finychat/pkg/api"
	"github.com/AleutianAI/finychat/pkg/chat"
	"github.com/AleutianAI/finychat/pkg/logging"
	"github.com/AleutianAI/finychat/pkg/observability"
	"github.com/AleutianAI/finychat/pkg/sse"
)

// =============================================================================
// Collaborators
// =============================================================================

// Streamer opens the event stream for one user message.
type Streamer interface {
	OpenStream(ctx context.Context, req api.SendRequest) (io.ReadCloser, error)
}

// HistoryLoader fetches a stored conversation.
type HistoryLoader interface {
	ListMessages(ctx context.Context, chatID string) ([]api.ChatMessage, error)
}

// ConversationIndex is the list of known conversations. *conversations.Index
// satisfies it.
type ConversationIndex interface {
	Refresh(ctx context.Context) error
	Delete(ctx context.Context, chatID string) error
}

// ErrorReporter forwards failed sends to the backend error sink.
type ErrorReporter interface {
	ReportError(ctx context.Context, report api.ClientError) error
}

// =============================================================================
// Configuration
// =============================================================================

const (
	defaultRefreshTimeout = 10 * time.Second
	userAgent             = "finychat-cli"
)

// Config configures a Controller. Only Streamer is required.
type Config struct {
	Streamer Streamer `validate:"required"`

	// History enables SelectConversation.
	History HistoryLoader `validate:"-"`

	// Index is refreshed after each completed stream and enables
	// DeleteConversation.
	Index ConversationIndex `validate:"-"`

	// Reporter receives transport and protocol failures.
	Reporter ErrorReporter `validate:"-"`

	// ConversationID continues an existing conversation. "" starts a new one.
	ConversationID string

	// RefreshTimeout bounds the background index refresh. Default: 10s.
	RefreshTimeout time.Duration `validate:"gte=0"`

	// MaxLineBytes caps one stream line. Default: sse.DefaultMaxLineBytes.
	MaxLineBytes int `validate:"gte=0"`

	Logger  *logging.Logger              `validate:"-"`
	Metrics *observability.ClientMetrics `validate:"-"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// View is a consistent read of the Controller.
type View struct {
	Status  Status
	State   chat.State
	Version uint64
}

// errStopped is returned from the frame callback once the turn is cancelled.
var errStopped = errors.New("turn stopped")

// =============================================================================
// Controller
// =============================================================================

// Controller runs sends for one conversation at a time.
type Controller struct {
	streamer       Streamer
	history        HistoryLoader
	index          ConversationIndex
	reporter       ErrorReporter
	logger         *logging.Logger
	metrics        *observability.ClientMetrics
	refreshTimeout time.Duration
	streamOpts     []sse.Option

	// testHookApplied runs after each applied event, outside the lock.
	testHookApplied func(chat.Event)

	store *chat.Store

	// mu guards the fields below and serializes every store mutation.
	mu      sync.Mutex
	status  Status
	gen     uint64
	cancel  context.CancelFunc
	started time.Time
	closed  bool

	background conc.WaitGroup
}

// turn is the per-Send bookkeeping.
type turn struct {
	gen       uint64
	ctx       context.Context
	started   time.Time
	logger    *logging.Logger
	firstSeen bool
	serverErr bool
}

// New creates a Controller in the idle state.
func New(config Config) (*Controller, error) {
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}
	refreshTimeout := config.RefreshTimeout
	if refreshTimeout == 0 {
		refreshTimeout = defaultRefreshTimeout
	}
	var streamOpts []sse.Option
	if config.MaxLineBytes > 0 {
		streamOpts = append(streamOpts, sse.WithMaxLineBytes(config.MaxLineBytes))
	}

	return &Controller{
		streamer:       config.Streamer,
		history:        config.History,
		index:          config.Index,
		reporter:       config.Reporter,
		logger:         logger,
		metrics:        config.Metrics,
		refreshTimeout: refreshTimeout,
		streamOpts:     streamOpts,
		store:          chat.NewStore(chat.NewState(config.ConversationID)),
		cancel:         func() {},
	}, nil
}

// Send posts text and applies the streamed reply.
//
// # Description
//
// Appends the user message optimistically, opens the stream with the
// active conversation id and applies each event as it arrives. Send blocks
// until the turn ends. A terminal status from the previous send is
// acknowledged implicitly.
//
// # Outputs
//
//   - nil when the turn ends done or cancelled (Stop or ctx cancel).
//   - ErrEmptyMessage, ErrBusy, ErrClosed: nothing was sent.
//   - ErrServerReported: the stream carried an error event.
//   - any other error: transport or protocol failure, including an
//     expired ctx deadline. The error slot holds a readable reason and
//     the user message stays in the transcript.
func (c *Controller) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	t, convID, err := c.begin(ctx, text)
	if err != nil {
		return err
	}

	spanCtx, span := observability.Tracer().Start(t.ctx, "session.Controller.Send",
		trace.WithAttributes(
			attribute.String("conversation_id", convID),
			attribute.Int("message_length", len(text)),
		),
	)
	defer span.End()
	t.ctx = spanCtx

	err = timedOut(t.ctx, c.stream(t, api.NewSendRequest(text, convID)))
	status := c.finish(t, err)

	span.SetAttributes(attribute.String("status", status.String()))
	if status != StatusFailed {
		return nil
	}
	if err == nil {
		err = ErrServerReported
	} else {
		err = fmt.Errorf("send message: %w", err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// begin moves idle (or terminal) to sending and appends the user message.
func (c *Controller) begin(ctx context.Context, text string) (*turn, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, "", ErrClosed
	}
	if c.status.Busy() {
		return nil, "", ErrBusy
	}

	streamCtx, cancel := context.WithCancel(ctx)
	c.gen++
	c.cancel = cancel
	c.status = StatusSending
	c.started = time.Now()

	snap, _ := c.store.Update(func(s chat.State) (chat.State, error) {
		s, _ = s.ClearError().AppendUser(text)
		return s, nil
	})
	convID := snap.State.ConversationID

	t := &turn{
		gen:     c.gen,
		ctx:     streamCtx,
		started: c.started,
		logger:  c.logger.With("turn", c.gen, "conversation_id", convID),
	}
	c.metrics.StreamStarted()
	t.logger.Debug("sending message", "message_length", len(text))
	return t, convID, nil
}

// stream opens the request and pumps frames until the stream ends.
func (c *Controller) stream(t *turn, req api.SendRequest) error {
	body, err := c.streamer.OpenStream(t.ctx, req)
	if err != nil {
		return err
	}
	defer func() {
		if err := body.Close(); err != nil {
			t.logger.Debug("failed to close stream body", "error", err)
		}
	}()

	if !c.markStreaming(t) {
		return errStopped
	}
	t.logger.Debug("stream opened")

	return sse.Stream(t.ctx, body, func(f sse.Frame) error {
		ev, err := chat.DecodeEvent(f)
		if err != nil {
			return err
		}
		if err := c.apply(t, ev); err != nil {
			return err
		}
		if c.testHookApplied != nil {
			c.testHookApplied(ev)
		}
		return nil
	}, c.streamOpts...)
}

func (c *Controller) markStreaming(t *turn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != t.gen || c.status != StatusSending || t.ctx.Err() != nil {
		return false
	}
	c.status = StatusStreaming
	return true
}

// apply applies one event unless the turn has been stopped. The check and
// the mutation happen under the lock Stop takes, so nothing is applied
// after Stop returns.
func (c *Controller) apply(t *turn, ev chat.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != t.gen || !c.status.Busy() || t.ctx.Err() != nil {
		return errStopped
	}
	if _, err := c.store.Update(func(s chat.State) (chat.State, error) {
		return chat.Apply(s, ev)
	}); err != nil {
		return fmt.Errorf("apply %s event: %w", ev.Type(), err)
	}

	if ev.Type() == chat.EventError {
		t.serverErr = true
	}
	if !t.firstSeen {
		t.firstSeen = true
		c.metrics.FirstEvent(time.Since(t.started))
	}
	c.metrics.EventApplied(eventLabel(ev))
	return nil
}

// finish records the terminal status of t and returns it. A turn already
// ended by Stop or Close reports cancelled and changes nothing.
func (c *Controller) finish(t *turn, err error) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != t.gen || !c.status.Busy() {
		return StatusCancelled
	}

	status, msg := c.classify(t, err)
	c.status = status
	c.cancel()
	if msg != "" {
		c.store.Update(func(s chat.State) (chat.State, error) {
			return s.WithError(msg), nil
		})
	}
	c.metrics.StreamFinished(status.String(), time.Since(t.started))

	switch {
	case status == StatusCancelled:
		t.logger.Info("stream cancelled")
	case status == StatusDone:
		t.logger.Info("stream completed", "duration_ms", time.Since(t.started).Milliseconds())
	case err == nil:
		t.logger.Warn("stream ended with server error", "error", c.store.Snapshot().State.Err)
	default:
		if isProtocolError(err) {
			c.metrics.ProtocolError()
		}
		t.logger.Error("stream failed", "error", err)
	}

	if c.closed {
		return status
	}
	if status == StatusDone || (status == StatusFailed && err == nil) {
		c.spawnRefresh(t)
	}
	if status == StatusFailed && err != nil {
		c.spawnReport(t, err)
	}
	return status
}

func (c *Controller) classify(t *turn, err error) (Status, string) {
	switch {
	case err == nil && t.serverErr:
		return StatusFailed, ""
	case err == nil:
		return StatusDone, ""
	case errors.Is(err, errStopped), errors.Is(t.ctx.Err(), context.Canceled):
		return StatusCancelled, ""
	default:
		return StatusFailed, reason(err)
	}
}

// timedOut marks err as a deadline failure when ctx expired. Transport
// errors raised by an expired deadline do not always wrap it.
func timedOut(ctx context.Context, err error) error {
	if err == nil || !errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
}

// spawnRefresh refreshes the index in the background. Failures are logged.
// Callers hold c.mu.
func (c *Controller) spawnRefresh(t *turn) {
	if c.index == nil {
		return
	}
	parent := context.WithoutCancel(t.ctx)
	c.background.Go(func() {
		ctx, cancel := context.WithTimeout(parent, c.refreshTimeout)
		defer cancel()
		if err := c.index.Refresh(ctx); err != nil {
			t.logger.Warn("conversation index refresh failed", "error", err)
		}
	})
}

// spawnReport forwards a failure to the error sink. Callers hold c.mu.
func (c *Controller) spawnReport(t *turn, cause error) {
	if c.reporter == nil {
		return
	}
	parent := context.WithoutCancel(t.ctx)
	report := api.ClientError{
		Message:   cause.Error(),
		URL:       "/api/chat/send",
		UserAgent: userAgent,
	}
	c.background.Go(func() {
		ctx, cancel := context.WithTimeout(parent, c.refreshTimeout)
		defer cancel()
		err := c.reporter.ReportError(ctx, report)
		switch {
		case errors.Is(err, api.ErrReportThrottled):
			t.logger.Debug("error report throttled")
		case err != nil:
			t.logger.Warn("error report failed", "error", err)
		}
	})
}

// Stop cancels the in-flight send. Events already applied stay; none is
// applied after Stop returns. Reports whether a send was stopped.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *Controller) stopLocked() bool {
	if !c.status.Busy() {
		return false
	}
	c.cancel()
	c.status = StatusCancelled
	c.metrics.StreamFinished(StatusCancelled.String(), time.Since(c.started))
	c.logger.Info("stream stopped", "turn", c.gen)
	return true
}

// Acknowledge returns a terminal status to idle. The error slot is kept.
func (c *Controller) Acknowledge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status.Terminal() {
		c.status = StatusIdle
	}
}

// StartNewConversation clears the transcript and the active conversation.
func (c *Controller) StartNewConversation() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkIdleLocked(); err != nil {
		return err
	}
	c.status = StatusIdle
	c.store.Reset(chat.NewState(""))
	return nil
}

// SelectConversation loads a stored conversation and makes it active.
func (c *Controller) SelectConversation(ctx context.Context, chatID string) error {
	if c.history == nil {
		return ErrNoHistory
	}
	c.mu.Lock()
	err := c.checkIdleLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	ctx, span := observability.Tracer().Start(ctx, "session.Controller.SelectConversation",
		trace.WithAttributes(attribute.String("conversation_id", chatID)))
	defer span.End()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("load conversation: %w", err)
	}

	records, err := c.history.ListMessages(ctx, chatID)
	if err != nil {
		return fail(err)
	}
	msgs := make([]chat.Message, 0, len(records))
	for _, r := range records {
		m, err := r.ToMessage()
		if err != nil {
			return fail(err)
		}
		msgs = append(msgs, m)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkIdleLocked(); err != nil {
		return err
	}
	c.status = StatusIdle
	c.store.Reset(chat.Restore(chatID, msgs))
	c.logger.Info("conversation selected", "conversation_id", chatID, "message_count", len(msgs))
	return nil
}

// DeleteConversation deletes a conversation through the index. Deleting
// the active conversation resets the transcript.
func (c *Controller) DeleteConversation(ctx context.Context, chatID string) error {
	if c.index == nil {
		return ErrNoIndex
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.status.Busy() && c.store.Snapshot().State.ConversationID == chatID {
		c.mu.Unlock()
		return ErrBusy
	}
	c.mu.Unlock()

	if err := c.index.Delete(ctx, chatID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.status.Busy() && c.store.Snapshot().State.ConversationID == chatID {
		c.status = StatusIdle
		c.store.Reset(chat.NewState(""))
	}
	return nil
}

func (c *Controller) checkIdleLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.status.Busy() {
		return ErrBusy
	}
	return nil
}

// Snapshot returns the current status and state together.
func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.store.Snapshot()
	return View{Status: c.status, State: snap.State, Version: snap.Version}
}

// Status returns the current send status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Subscribe streams state snapshots. See chat.Store.Subscribe.
func (c *Controller) Subscribe() (<-chan chat.Snapshot, func()) {
	return c.store.Subscribe()
}

// Close stops any in-flight send and waits for background refreshes and
// reports to finish. Further calls return ErrClosed.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopLocked()
	c.mu.Unlock()

	c.background.Wait()
	return nil
}

func eventLabel(ev chat.Event) string {
	if _, ok := ev.(chat.UnknownEvent); ok {
		return "unknown"
	}
	return string(ev.Type())
}
