// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api is the HTTP client for the finychat backend.
//
// # Architecture
//
//	session.Controller → api.Client.OpenStream → POST /api/chat/send (SSE body)
//	conversations.Index → api.Client.ListChats / DeleteChat
//	session.Controller → api.Client.ListMessages (history on select)
//	session.Controller → api.Client.ReportError (rate-limited error sink)
//
// The streaming endpoint returns the raw response body; decoding belongs
// to pkg/sse and pkg/chat.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/finychat/pkg/logging"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrUnexpectedStatus is matched by every *StatusError.
	ErrUnexpectedStatus = errors.New("api: unexpected response status")

	// ErrReportThrottled is returned by ReportError when the sink's rate
	// limit is exhausted. The report is dropped.
	ErrReportThrottled = errors.New("api: error report throttled")

	// ErrInvalidRequest wraps validation failures of outbound bodies.
	ErrInvalidRequest = errors.New("api: invalid request")
)

// StatusError is a non-2xx response.
type StatusError struct {
	Code int

	// Detail is the backend's "detail" field, or the trimmed body.
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("server returned %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Detail)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnexpectedStatus
}

// =============================================================================
// HTTPClient Interface
// =============================================================================

// HTTPClient is the subset of *http.Client the API client needs.
// Tests substitute their own implementation.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// =============================================================================
// Configuration
// =============================================================================

const (
	defaultRequestTimeout = 30 * time.Second
	maxErrorBodyBytes     = 4096
	headerRequestID       = "X-Request-ID"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the backend origin, e.g. "http://localhost:8000". Required.
	BaseURL string `validate:"required,url"`

	// Token is sent as "Authorization: Bearer <token>" when non-empty.
	Token string

	// HTTPClient defaults to an http.Client with no overall timeout, since
	// streams are long-lived. Per-request deadlines come from contexts.
	HTTPClient HTTPClient `validate:"-"`

	// RequestTimeout bounds non-streaming calls. Default: 30s.
	RequestTimeout time.Duration `validate:"gte=0"`

	// ErrorReportsPerMinute caps ReportError. 0 disables reporting.
	ErrorReportsPerMinute int `validate:"gte=0"`

	// Scrubber redacts error reports before they are sent.
	// Default: NewScrubber() with DefaultRedactions.
	Scrubber *Scrubber `validate:"-"`

	Logger *logging.Logger `validate:"-"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// =============================================================================
// Client
// =============================================================================

// Client talks to the finychat backend.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	baseURL        *url.URL
	http           HTTPClient
	token          *bearerToken
	requestTimeout time.Duration
	reports        *rate.Limiter
	scrubber       *Scrubber
	logger         *logging.Logger
}

// NewClient validates config and builds a Client.
func NewClient(config Config) (*Client, error) {
	if err := validate.Struct(config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	timeout := config.RequestTimeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Default()
	}

	scrubber := config.Scrubber
	if scrubber == nil {
		scrubber = NewScrubber()
	}

	var reports *rate.Limiter
	if config.ErrorReportsPerMinute > 0 {
		every := time.Minute / time.Duration(config.ErrorReportsPerMinute)
		reports = rate.NewLimiter(rate.Every(every), config.ErrorReportsPerMinute)
	}

	return &Client{
		baseURL:        base,
		http:           httpClient,
		token:          newBearerToken(config.Token),
		requestTimeout: timeout,
		reports:        reports,
		scrubber:       scrubber,
		logger:         logger,
	}, nil
}

// OpenStream posts a message and returns the event-stream body.
//
// # Description
//
// Sends POST /api/chat/send with Accept: text/event-stream. On a 2xx
// response the body is returned unread; the caller must close it.
// Cancelling ctx aborts the request and any in-progress body read.
//
// # Outputs
//
//   - io.ReadCloser: the SSE body.
//   - error: *StatusError for non-2xx responses, a transport error otherwise.
//
// # Limitations
//
//   - No retries. A failed send is reported to the caller as-is.
func (c *Client) OpenStream(ctx context.Context, req SendRequest) (io.ReadCloser, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal send request: %w", err)
	}

	httpReq, requestID, err := c.newRequest(ctx, http.MethodPost, "/api/chat/send", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	c.logger.Debug("opening chat stream",
		"request_id", requestID,
		"conversation_id", derefOr(req.ConversationID, ""),
		"message_length", len(req.Message),
	)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post chat message: %w", err)
	}
	if err := checkStatus(resp); err != nil {
		c.logger.Warn("chat stream rejected",
			"request_id", requestID,
			"status_code", resp.StatusCode,
			"error", err,
		)
		return nil, err
	}
	return resp.Body, nil
}

// ListChats returns the user's conversations, newest first as the backend
// orders them.
func (c *Client) ListChats(ctx context.Context) ([]Chat, error) {
	var out chatListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/chat", nil, &out); err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return out.Chats, nil
}

// DeleteChat removes a conversation and its messages.
func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	if chatID == "" {
		return fmt.Errorf("%w: chat id is required", ErrInvalidRequest)
	}
	if err := c.doJSON(ctx, http.MethodDelete, "/api/chat/"+url.PathEscape(chatID), nil, nil); err != nil {
		return fmt.Errorf("delete chat %s: %w", chatID, err)
	}
	return nil
}

// ListMessages returns a conversation's stored history in order.
func (c *Client) ListMessages(ctx context.Context, chatID string) ([]ChatMessage, error) {
	if chatID == "" {
		return nil, fmt.Errorf("%w: chat id is required", ErrInvalidRequest)
	}
	var out []ChatMessage
	path := "/api/chat/" + url.PathEscape(chatID) + "/messages"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", chatID, err)
	}
	return out, nil
}

// ReportError posts a client-side failure to the backend's error sink.
// Tokens and personal data are redacted from the report first. Returns ErrReportThrottled without sending when the limit is exhausted,
// and nil without sending when reporting is disabled.
func (c *Client) ReportError(ctx context.Context, report ClientError) error {
	if c.reports == nil {
		return nil
	}
	if !c.reports.Allow() {
		return ErrReportThrottled
	}
	if err := validate.Struct(report); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	report = c.scrubber.scrubReport(report)
	if err := c.doJSON(ctx, http.MethodPost, "/api/log-error", report, nil); err != nil {
		return fmt.Errorf("report error: %w", err)
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, string, error) {
	u := c.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, "", fmt.Errorf("build %s %s: %w", method, path, err)
	}

	requestID := uuid.New().String()
	req.Header.Set(headerRequestID, requestID)

	auth, err := c.token.header()
	if err != nil {
		return nil, "", err
	}
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	return req, requestID, nil
}

// doJSON performs a bounded request/response call.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, requestID, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Debug("failed to close response body", "request_id", requestID, "error", err)
		}
	}()

	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkStatus returns a *StatusError for non-2xx responses, reading a
// bounded amount of the body for the detail. The body is closed on error.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return &StatusError{Code: resp.StatusCode, Detail: extractDetail(raw)}
}

// extractDetail prefers FastAPI's {"detail": "..."} shape and falls back
// to the raw body.
func extractDetail(raw []byte) string {
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && len(payload.Detail) > 0 {
		var s string
		if err := json.Unmarshal(payload.Detail, &s); err == nil {
			return s
		}
		return string(payload.Detail)
	}
	return strings.TrimSpace(string(raw))
}

func derefOr(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}
