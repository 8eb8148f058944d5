// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/finychat/pkg/api"
	"github.com/AleutianAI/finychat/pkg/chat"
	"github.com/AleutianAI/finychat/pkg/logging"
	"github.com/AleutianAI/finychat/pkg/observability"
)

const foodStream = "event: chat_id\n" +
	"data: {\"chat_id\": \"c1\"}\n\n" +
	"event: tool_call\n" +
	"data: {\"name\": \"search_transactions\", \"arguments\": {\"category\": \"Food\"}}\n\n" +
	"event: tool_result\n" +
	"data: {\"name\": \"search_transactions\", \"result\": \"3 matches, total 120.50\"}\n\n" +
	"event: message\n" +
	"data: {\"content\": \"You spent 120.50 on food.\", \"tool_calls\": []}\n\n" +
	"event: done\n" +
	"data: {}\n\n"

func frame(event, data string) string {
	return "event: " + event + "\ndata: " + data + "\n\n"
}

// =============================================================================
// Fakes
// =============================================================================

// fakeStreamer hands out queued responses in order.
type fakeStreamer struct {
	mu        sync.Mutex
	responses []func() (io.ReadCloser, error)
	requests  []api.SendRequest
}

func (f *fakeStreamer) reply(body string) *fakeStreamer {
	return f.replyWith(func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body)), nil
	})
}

func (f *fakeStreamer) fail(err error) *fakeStreamer {
	return f.replyWith(func() (io.ReadCloser, error) { return nil, err })
}

func (f *fakeStreamer) pipe() *io.PipeWriter {
	r, w := io.Pipe()
	f.replyWith(func() (io.ReadCloser, error) { return r, nil })
	return w
}

func (f *fakeStreamer) replyWith(fn func() (io.ReadCloser, error)) *fakeStreamer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, fn)
	return f
}

func (f *fakeStreamer) OpenStream(ctx context.Context, req api.SendRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		f.mu.Unlock()
		return nil, errors.New("no scripted response")
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	f.mu.Unlock()
	return next()
}

func (f *fakeStreamer) sent() []api.SendRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.SendRequest(nil), f.requests...)
}

type fakeIndex struct {
	mu         sync.Mutex
	refreshes  int
	refreshErr error
	deleted    []string
}

func (f *fakeIndex) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.refreshErr
}

func (f *fakeIndex) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeIndex) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

type fakeReporter struct {
	mu      sync.Mutex
	reports []api.ClientError
}

func (f *fakeReporter) ReportError(_ context.Context, r api.ClientError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
	return nil
}

func (f *fakeReporter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reports)
}

type fakeHistory map[string][]api.ChatMessage

func (f fakeHistory) ListMessages(_ context.Context, id string) ([]api.ChatMessage, error) {
	msgs, ok := f[id]
	if !ok {
		return nil, &api.StatusError{Code: http.StatusNotFound, Detail: "Chat not found"}
	}
	return msgs, nil
}

type harness struct {
	ctl      *Controller
	streamer *fakeStreamer
	index    *fakeIndex
	reporter *fakeReporter
	metrics  *observability.ClientMetrics
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	m, err := observability.NewClientMetrics(nil)
	require.NoError(t, err)

	h := &harness{
		streamer: &fakeStreamer{},
		index:    &fakeIndex{},
		reporter: &fakeReporter{},
		metrics:  m,
	}
	cfg := Config{
		Streamer: h.streamer,
		Index:    h.index,
		Reporter: h.reporter,
		Logger:   logging.Discard(),
		Metrics:  m,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	h.ctl, err = New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.ctl.Close() })
	return h
}

// sendAsync runs Send on a goroutine and returns its result channel.
func sendAsync(ctx context.Context, c *Controller, text string) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Send(ctx, text) }()
	return done
}

func waitFor(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Send did not return")
		return nil
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestNew_RequiresStreamer(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestSend_FoodScenario(t *testing.T) {
	h := newHarness(t)
	h.streamer.reply(foodStream)

	require.NoError(t, h.ctl.Send(context.Background(), "How much did I spend on food?"))

	view := h.ctl.Snapshot()
	assert.Equal(t, StatusDone, view.Status)
	assert.Equal(t, "c1", view.State.ConversationID)
	assert.Empty(t, view.State.Err)

	msgs := view.State.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, chat.RoleUser, msgs[0].Role)
	assert.Equal(t, "How much did I spend on food?", msgs[0].Text())

	assistant := msgs[1]
	assert.Equal(t, chat.RoleAssistant, assistant.Role)
	assert.Equal(t, "You spent 120.50 on food.", assistant.Text())
	require.Len(t, assistant.ToolCalls, 1)
	assert.False(t, assistant.ToolCalls[0].Pending())
	assert.Equal(t, "3 matches, total 120.50", *assistant.ToolCalls[0].Result)

	require.NoError(t, h.ctl.Close())
	assert.Equal(t, 1, h.index.refreshCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StreamsTotal.WithLabelValues("done")))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.ActiveStreams))
}

func TestSend_TransportFailureKeepsUserMessage(t *testing.T) {
	h := newHarness(t)
	h.streamer.fail(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})

	err := h.ctl.Send(context.Background(), "hello")
	require.Error(t, err)

	view := h.ctl.Snapshot()
	assert.Equal(t, StatusFailed, view.Status)
	require.Len(t, view.State.Messages(), 1)
	assert.Equal(t, "hello", view.State.Messages()[0].Text())
	assert.Equal(t, chat.RoleUser, view.State.Messages()[0].Role)
	assert.Equal(t, "Could not reach the server. Check your connection.", view.State.Err)

	require.NoError(t, h.ctl.Close())
	assert.Zero(t, h.index.refreshCount(), "no refresh after a transport failure")
	assert.Equal(t, 1, h.reporter.count())
}

func TestSend_StatusErrorReason(t *testing.T) {
	h := newHarness(t)
	h.streamer.fail(&api.StatusError{Code: http.StatusUnauthorized, Detail: "Not authenticated"})

	err := h.ctl.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, api.ErrUnexpectedStatus)
	assert.Equal(t, "Not authorized. Check your access token.", h.ctl.Snapshot().State.Err)
}

func TestSend_EmptyMessage(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.ctl.Send(context.Background(), "  \n\t"), ErrEmptyMessage)
	assert.Equal(t, StatusIdle, h.ctl.Status())
	assert.Empty(t, h.streamer.sent())
}

func TestSend_ServerErrorEventKeepsPartialTurn(t *testing.T) {
	h := newHarness(t)
	h.streamer.reply(
		frame("chat_id", `{"chat_id":"c9"}`) +
			frame("tool_call", `{"name":"get_balance","arguments":{}}`) +
			frame("error", `{"message":"quota exceeded"}`),
	)

	err := h.ctl.Send(context.Background(), "balance?")
	assert.ErrorIs(t, err, ErrServerReported)

	view := h.ctl.Snapshot()
	assert.Equal(t, StatusFailed, view.Status)
	assert.Equal(t, "quota exceeded", view.State.Err)
	require.Len(t, view.State.Messages(), 2)
	assert.Len(t, view.State.Messages()[1].ToolCalls, 1)

	require.NoError(t, h.ctl.Close())
	assert.Equal(t, 1, h.index.refreshCount(), "stream reached its end")
	assert.Zero(t, h.reporter.count())
}

func TestSend_ProtocolErrorThenRecovers(t *testing.T) {
	h := newHarness(t)
	h.streamer.
		reply(frame("chat_id", `{"chat_id":"c1"}`) + "event: tool_call\ndata: {not json\n\n").
		reply(frame("message", `{"content":"ok","tool_calls":[]}`))

	err := h.ctl.Send(context.Background(), "first")
	require.Error(t, err)

	view := h.ctl.Snapshot()
	assert.Equal(t, StatusFailed, view.Status)
	assert.Equal(t, "Received an unreadable response from the server.", view.State.Err)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ProtocolErrorsTotal))

	require.NoError(t, h.ctl.Send(context.Background(), "second"))
	view = h.ctl.Snapshot()
	assert.Equal(t, StatusDone, view.Status)
	assert.Empty(t, view.State.Err, "a new send clears the error slot")
	assert.Len(t, view.State.Messages(), 3)
}

func TestSend_UnmatchedToolResultFails(t *testing.T) {
	h := newHarness(t)
	h.streamer.reply(
		frame("tool_call", `{"name":"a","arguments":{}}`) +
			frame("tool_result", `{"name":"b","result":"x"}`),
	)

	err := h.ctl.Send(context.Background(), "go")
	assert.ErrorIs(t, err, chat.ErrUnmatchedToolResult)
	assert.Equal(t, StatusFailed, h.ctl.Status())
}

func TestStop_NoEventsAppliedAfterStop(t *testing.T) {
	h := newHarness(t)
	w := h.streamer.pipe()

	done := sendAsync(context.Background(), h.ctl, "log my lunch")

	_, err := io.WriteString(w, frame("chat_id", `{"chat_id":"c1"}`)+
		frame("tool_call", `{"name":"log_food","arguments":{"food":"salad"}}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := h.ctl.Snapshot().State.Messages()
		return len(msgs) == 2 && len(msgs[1].ToolCalls) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.True(t, h.ctl.Stop())
	stopped := h.ctl.Snapshot()

	go func() {
		_, _ = io.WriteString(w, frame("tool_result", `{"name":"log_food","result":"logged"}`)+
			frame("message", `{"content":"Done.","tool_calls":[]}`))
		_ = w.Close()
	}()

	require.NoError(t, waitFor(t, done))

	after := h.ctl.Snapshot()
	assert.Equal(t, StatusCancelled, after.Status)
	assert.Equal(t, stopped.Version, after.Version)
	assert.Equal(t, stopped.State.Messages(), after.State.Messages())
	assert.True(t, after.State.Messages()[1].ToolCalls[0].Pending())
	assert.Empty(t, after.State.Err, "cancellation is not an error")

	require.NoError(t, h.ctl.Close())
	assert.Zero(t, h.index.refreshCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StreamsTotal.WithLabelValues("cancelled")))
}

func TestStop_BufferedEventsAreNotApplied(t *testing.T) {
	h := newHarness(t)
	w := h.streamer.pipe()
	defer w.Close()

	reached := make(chan struct{})
	release := make(chan struct{})
	h.ctl.testHookApplied = func(ev chat.Event) {
		if ev.Type() == chat.EventToolCall {
			close(reached)
			<-release
		}
	}

	done := sendAsync(context.Background(), h.ctl, "log my lunch")

	// The tool_call and everything after it arrive in one chunk.
	go func() {
		_, _ = io.WriteString(w, frame("tool_call", `{"name":"log_food","arguments":{"food":"salad"}}`)+
			frame("tool_result", `{"name":"log_food","result":"logged"}`)+
			frame("message", `{"content":"Done.","tool_calls":[]}`))
	}()

	select {
	case <-reached:
	case <-time.After(2 * time.Second):
		t.Fatal("tool_call was not applied")
	}
	require.True(t, h.ctl.Stop())
	stopped := h.ctl.Snapshot()
	close(release)

	require.NoError(t, waitFor(t, done))

	after := h.ctl.Snapshot()
	assert.Equal(t, StatusCancelled, after.Status)
	assert.Equal(t, stopped.Version, after.Version)
	msgs := after.State.Messages()
	require.Len(t, msgs, 2)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.True(t, msgs[1].ToolCalls[0].Pending())
	assert.Nil(t, msgs[1].Content)
}

func TestSend_CallerDeadlineFails(t *testing.T) {
	h := newHarness(t)
	w := h.streamer.pipe()
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := waitFor(t, sendAsync(ctx, h.ctl, "hi"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrServerReported)

	view := h.ctl.Snapshot()
	assert.Equal(t, StatusFailed, view.Status)
	assert.Equal(t, "The server took too long to respond.", view.State.Err)
	require.Len(t, view.State.Messages(), 1)
	assert.Equal(t, "hi", view.State.Messages()[0].Text())

	require.NoError(t, h.ctl.Close())
	assert.Equal(t, 1, h.reporter.count())
	assert.Zero(t, h.index.refreshCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.StreamsTotal.WithLabelValues("failed")))
}

func TestSend_DeadlineDuringOpenFails(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	h.streamer.replyWith(func() (io.ReadCloser, error) {
		<-ctx.Done()
		return nil, &net.OpError{Op: "read", Net: "tcp", Err: errors.New("i/o timeout")}
	})

	err := h.ctl.Send(ctx, "hi")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusFailed, h.ctl.Status())
	assert.Equal(t, "The server took too long to respond.", h.ctl.Snapshot().State.Err)
}

func TestTimedOut(t *testing.T) {
	expired, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	cancelled, cancel2 := context.WithCancel(context.Background())
	cancel2()

	cause := errors.New("connection reset")
	tests := []struct {
		name         string
		ctx          context.Context
		err          error
		wantDeadline bool
	}{
		{"no error", expired, nil, false},
		{"live context", context.Background(), cause, false},
		{"cancelled context", cancelled, cause, false},
		{"expired context", expired, cause, true},
		{"already wrapped", expired, context.DeadlineExceeded, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := timedOut(tt.ctx, tt.err)
			if tt.err == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.err)
			assert.Equal(t, tt.wantDeadline, errors.Is(got, context.DeadlineExceeded))
		})
	}
}

func TestSend_CallerContextCancels(t *testing.T) {
	h := newHarness(t)
	w := h.streamer.pipe()
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := sendAsync(ctx, h.ctl, "hi")

	require.Eventually(t, func() bool { return h.ctl.Status() == StatusStreaming },
		2*time.Second, 5*time.Millisecond)
	cancel()

	require.NoError(t, waitFor(t, done))
	assert.Equal(t, StatusCancelled, h.ctl.Status())
	assert.Empty(t, h.ctl.Snapshot().State.Err)
}

func TestSend_BusyRejectsConcurrentOperations(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.History = fakeHistory{"c2": nil} })
	w := h.streamer.pipe()

	done := sendAsync(context.Background(), h.ctl, "first")
	require.Eventually(t, func() bool { return h.ctl.Status() == StatusStreaming },
		2*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, h.ctl.Send(context.Background(), "second"), ErrBusy)
	assert.ErrorIs(t, h.ctl.StartNewConversation(), ErrBusy)
	assert.ErrorIs(t, h.ctl.SelectConversation(context.Background(), "c2"), ErrBusy)

	_, err := io.WriteString(w, frame("message", `{"content":"hi","tool_calls":[]}`))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, waitFor(t, done))

	assert.Len(t, h.streamer.sent(), 1)
	assert.Len(t, h.ctl.Snapshot().State.Messages(), 2)
}

func TestSend_ContinuesConversation(t *testing.T) {
	h := newHarness(t)
	h.streamer.
		reply(frame("chat_id", `{"chat_id":"c7"}`) + frame("message", `{"content":"a","tool_calls":[]}`)).
		reply(frame("message", `{"content":"b","tool_calls":[]}`))

	require.NoError(t, h.ctl.Send(context.Background(), "one"))
	require.NoError(t, h.ctl.Send(context.Background(), "two"))

	reqs := h.streamer.sent()
	require.Len(t, reqs, 2)
	assert.Nil(t, reqs[0].ConversationID)
	require.NotNil(t, reqs[1].ConversationID)
	assert.Equal(t, "c7", *reqs[1].ConversationID)
	assert.Len(t, h.ctl.Snapshot().State.Messages(), 4)
}

func TestSend_RefreshFailureIsNotSurfaced(t *testing.T) {
	h := newHarness(t)
	h.index.refreshErr = errors.New("list failed")
	h.streamer.reply(foodStream)

	require.NoError(t, h.ctl.Send(context.Background(), "food?"))
	require.NoError(t, h.ctl.Close())

	assert.Equal(t, 1, h.index.refreshCount())
	view := h.ctl.Snapshot()
	assert.Equal(t, StatusDone, view.Status)
	assert.Empty(t, view.State.Err)
}

func TestAcknowledge(t *testing.T) {
	h := newHarness(t)
	h.streamer.fail(errors.New("boom"))

	require.Error(t, h.ctl.Send(context.Background(), "x"))
	assert.Equal(t, StatusFailed, h.ctl.Status())

	h.ctl.Acknowledge()
	assert.Equal(t, StatusIdle, h.ctl.Status())
	assert.NotEmpty(t, h.ctl.Snapshot().State.Err, "acknowledge keeps the error slot")
	assert.False(t, h.ctl.Stop(), "nothing to stop")
}

func TestStartNewConversation(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ConversationID = "c3" })
	h.streamer.reply(frame("message", `{"content":"a","tool_calls":[]}`))
	require.NoError(t, h.ctl.Send(context.Background(), "hi"))

	require.NoError(t, h.ctl.StartNewConversation())
	view := h.ctl.Snapshot()
	assert.Equal(t, StatusIdle, view.Status)
	assert.Empty(t, view.State.ConversationID)
	assert.Zero(t, view.State.Transcript.Len())
}

func TestSelectConversation_LoadsHistory(t *testing.T) {
	content := "Logged."
	result := "ok"
	history := fakeHistory{
		"c5": {
			{ID: "m1", Role: "user", Content: &[]string{"log lunch"}[0]},
			{ID: "m2", Role: "assistant", Content: &content, ToolCalls: []chat.WireToolCall{
				{Name: "log_food", Arguments: map[string]any{"food": "soup"}, Result: &result},
			}},
		},
	}
	h := newHarness(t, func(c *Config) { c.History = history })
	h.streamer.reply(frame("message", `{"content":"again","tool_calls":[]}`))

	require.NoError(t, h.ctl.SelectConversation(context.Background(), "c5"))
	view := h.ctl.Snapshot()
	assert.Equal(t, "c5", view.State.ConversationID)
	msgs := view.State.Messages()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[1].ID.IsConfirmed())
	assert.False(t, msgs[1].IsOpen(), "history is never open")

	require.NoError(t, h.ctl.Send(context.Background(), "more"))
	reqs := h.streamer.sent()
	require.Len(t, reqs, 1)
	assert.Equal(t, "c5", *reqs[0].ConversationID)
	assert.Len(t, h.ctl.Snapshot().State.Messages(), 4)
}

func TestSelectConversation_NotFound(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.History = fakeHistory{} })

	err := h.ctl.SelectConversation(context.Background(), "gone")
	assert.ErrorIs(t, err, api.ErrUnexpectedStatus)
}

func TestSelectConversation_BadRecordIsTraced(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	history := fakeHistory{"c9": {{ID: "m1", Role: "system"}}}
	h := newHarness(t, func(c *Config) { c.History = history })

	err := h.ctl.SelectConversation(context.Background(), "c9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown role")
	assert.Empty(t, h.ctl.Snapshot().State.ConversationID, "state is unchanged")

	var span sdktrace.ReadOnlySpan
	for _, s := range recorder.Ended() {
		if s.Name() == "session.Controller.SelectConversation" {
			span = s
		}
	}
	require.NotNil(t, span)
	assert.Equal(t, codes.Error, span.Status().Code)
	require.NotEmpty(t, span.Events(), "error is recorded on the span")
	assert.Equal(t, "exception", span.Events()[0].Name)
}

func TestSelectConversation_WithoutLoader(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.ctl.SelectConversation(context.Background(), "c1"), ErrNoHistory)
}

func TestDeleteConversation_ActiveResets(t *testing.T) {
	h := newHarness(t)
	h.streamer.reply(foodStream)
	require.NoError(t, h.ctl.Send(context.Background(), "food?"))

	require.NoError(t, h.ctl.DeleteConversation(context.Background(), "other"))
	assert.Equal(t, "c1", h.ctl.Snapshot().State.ConversationID)

	require.NoError(t, h.ctl.DeleteConversation(context.Background(), "c1"))
	view := h.ctl.Snapshot()
	assert.Empty(t, view.State.ConversationID)
	assert.Zero(t, view.State.Transcript.Len())
	assert.Equal(t, []string{"other", "c1"}, h.index.deleted)
}

func TestClose_RejectsFurtherSends(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctl.Close())
	assert.ErrorIs(t, h.ctl.Send(context.Background(), "x"), ErrClosed)
	assert.ErrorIs(t, h.ctl.StartNewConversation(), ErrClosed)
}

func TestClose_StopsInFlightSend(t *testing.T) {
	h := newHarness(t)
	w := h.streamer.pipe()
	defer w.Close()

	done := sendAsync(context.Background(), h.ctl, "hi")
	require.Eventually(t, func() bool { return h.ctl.Status() == StatusStreaming },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.ctl.Close())
	require.NoError(t, waitFor(t, done))
	assert.Equal(t, StatusCancelled, h.ctl.Status())
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "streaming", StatusStreaming.String())
	assert.Equal(t, "unknown", Status(99).String())
	assert.True(t, StatusSending.Busy())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusIdle.Terminal())
}
