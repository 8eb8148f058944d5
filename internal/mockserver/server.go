// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package mockserver is an in-memory finychat backend for local runs and
// end-to-end tests.
//
// # Description
//
// It serves the same routes as the real backend and streams scripted
// replies in the backend's order: chat_id first, then the script's tool
// and message events, then done. Conversations and messages are kept in
// memory and persisted the way the backend does it: the user message
// before streaming, the assistant message after.
//
// # Thread Safety
//
// Server is safe for concurrent use.
package mockserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/finychat/pkg/api"
	"github.com/AleutianAI/finychat/pkg/chat"
	"github.com/AleutianAI/finychat/pkg/logging"
)

// =============================================================================
// Scripts
// =============================================================================

// Event is one scripted stream event.
type Event struct {
	Type string
	Data any
}

// Script produces the events streamed in reply to message. The chat_id
// event is added by the server and must not be part of the script.
type Script func(message string) []Event

// ToolCallEvent, ToolResultEvent and MessageEvent build script entries.
func ToolCallEvent(name string, args map[string]any) Event {
	if args == nil {
		args = map[string]any{}
	}
	return Event{Type: string(chat.EventToolCall), Data: gin.H{"name": name, "arguments": args}}
}

func ToolResultEvent(name, result string) Event {
	return Event{Type: string(chat.EventToolResult), Data: gin.H{"name": name, "result": result}}
}

func MessageEvent(content string, calls ...chat.WireToolCall) Event {
	if calls == nil {
		calls = []chat.WireToolCall{}
	}
	return Event{Type: string(chat.EventMessage), Data: gin.H{"content": content, "tool_calls": calls}}
}

// ErrorEvent reports a failure the way the backend does mid-stream.
func ErrorEvent(message string) Event {
	return Event{Type: string(chat.EventError), Data: gin.H{"message": message}}
}

// DoneEvent ends a successful reply.
func DoneEvent() Event {
	return Event{Type: string(chat.EventDone), Data: gin.H{}}
}

// FoodScript answers every message with one spending lookup.
func FoodScript(string) []Event {
	result := "3 matches, total 120.50"
	args := map[string]any{"category": "Food"}
	return []Event{
		ToolCallEvent("search_transactions", args),
		ToolResultEvent("search_transactions", result),
		MessageEvent("You spent 120.50 on food.", chat.WireToolCall{
			Name: "search_transactions", Arguments: args, Result: &result,
		}),
		DoneEvent(),
	}
}

// =============================================================================
// Server
// =============================================================================

const (
	maxTitleRunes = 50
	serviceName   = "finychat-mock"
)

type conversation struct {
	chat     api.Chat
	messages []api.ChatMessage
}

// Server holds conversations and serves the backend routes.
type Server struct {
	script     Script
	token      string
	eventDelay time.Duration
	logger     *logging.Logger

	mu            sync.Mutex
	conversations map[string]*conversation
	reports       []api.ClientError
}

// Option configures a Server.
type Option func(*Server)

// WithScript replaces FoodScript.
func WithScript(s Script) Option {
	return func(srv *Server) { srv.script = s }
}

// WithToken requires "Authorization: Bearer <token>" on every route.
func WithToken(token string) Option {
	return func(srv *Server) { srv.token = token }
}

// WithEventDelay pauses between streamed events.
func WithEventDelay(d time.Duration) Option {
	return func(srv *Server) { srv.eventDelay = d }
}

// WithLogger sets the request logger. Default: logging.Discard().
func WithLogger(l *logging.Logger) Option {
	return func(srv *Server) { srv.logger = l }
}

// New creates an empty Server.
func New(opts ...Option) *Server {
	s := &Server{
		script:        FoodScript,
		logger:        logging.Discard(),
		conversations: make(map[string]*conversation),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the gin engine serving all routes.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(serviceName), s.requestLogger())

	group := router.Group("/api")
	group.Use(s.requireToken())
	{
		group.POST("/chat/send", s.handleSend)
		group.GET("/chat", s.handleListChats)
		group.DELETE("/chat/:id", s.handleDeleteChat)
		group.GET("/chat/:id/messages", s.handleListMessages)
		group.POST("/log-error", s.handleLogError)
	}
	return router
}

// Reports returns the error reports received so far.
func (s *Server) Reports() []api.ClientError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.reports)
}

// Seed adds a stored conversation, for history tests.
func (s *Server) Seed(id, title string, messages ...api.ChatMessage) {
	now := api.Timestamp{Time: time.Now().UTC()}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[id] = &conversation{
		chat:     api.Chat{ID: id, Title: title, CreatedAt: now, UpdatedAt: now},
		messages: slices.Clone(messages),
	}
}

// =============================================================================
// Middleware
// =============================================================================

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		args := []any{
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status_code", c.Writer.Status(),
			"request_id", c.GetHeader("X-Request-ID"),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
			args = append(args, "trace_id", sc.TraceID().String())
		}
		s.logger.Debug("request served", args...)
	}
}

func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.token == "" {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+s.token {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Not authenticated"})
			return
		}
		c.Next()
	}
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleSend(c *gin.Context) {
	var req api.SendRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "message is required"})
		return
	}

	chatID, err := s.beginTurn(req)
	if err != nil {
		s.logger.Debug("send rejected", "error", err)
		c.JSON(http.StatusNotFound, gin.H{"detail": "Chat not found"})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	ctx := c.Request.Context()
	events := append([]Event{{Type: string(chat.EventChatID), Data: gin.H{"chat_id": chatID}}}, s.script(req.Message)...)

	var reply *api.ChatMessage
	for i, ev := range events {
		if i > 0 && s.eventDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.eventDelay):
			}
		}
		if err := writeEvent(c, ev); err != nil {
			s.logger.Debug("stream write failed", "conversation_id", chatID, "error", err)
			return
		}
		if ev.Type == string(chat.EventMessage) {
			reply = assistantFrom(ev)
		}
	}

	if reply != nil {
		s.appendMessage(chatID, *reply)
	}
}

func (s *Server) handleListChats(c *gin.Context) {
	s.mu.Lock()
	chats := make([]api.Chat, 0, len(s.conversations))
	for _, conv := range s.conversations {
		chats = append(chats, conv.chat)
	}
	s.mu.Unlock()

	slices.SortFunc(chats, func(a, b api.Chat) int {
		return b.UpdatedAt.Compare(a.UpdatedAt.Time)
	})
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

func (s *Server) handleDeleteChat(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	_, ok := s.conversations[id]
	delete(s.conversations, id)
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Chat not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"detail": "Chat deleted"})
}

func (s *Server) handleListMessages(c *gin.Context) {
	s.mu.Lock()
	conv, ok := s.conversations[c.Param("id")]
	var msgs []api.ChatMessage
	if ok {
		msgs = slices.Clone(conv.messages)
	}
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Chat not found"})
		return
	}
	if msgs == nil {
		msgs = []api.ChatMessage{}
	}
	c.JSON(http.StatusOK, msgs)
}

func (s *Server) handleLogError(c *gin.Context) {
	var report api.ClientError
	if err := c.ShouldBindJSON(&report); err != nil || report.Message == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "message is required"})
		return
	}
	s.mu.Lock()
	s.reports = append(s.reports, report)
	s.mu.Unlock()

	s.logger.Warn("client error reported", "message", report.Message, "user_agent", report.UserAgent)
	c.Status(http.StatusNoContent)
}

// =============================================================================
// Helpers
// =============================================================================

var errChatNotFound = errors.New("chat not found")

// beginTurn creates or looks up the conversation and stores the user message.
func (s *Server) beginTurn(req api.SendRequest) (string, error) {
	now := api.Timestamp{Time: time.Now().UTC()}
	content := req.Message

	s.mu.Lock()
	defer s.mu.Unlock()

	var conv *conversation
	if req.ConversationID == nil {
		id := uuid.NewString()
		conv = &conversation{chat: api.Chat{
			ID:        id,
			Title:     titleFrom(req.Message),
			CreatedAt: now,
			UpdatedAt: now,
		}}
		s.conversations[id] = conv
	} else {
		var ok bool
		conv, ok = s.conversations[*req.ConversationID]
		if !ok {
			return "", errChatNotFound
		}
	}

	conv.messages = append(conv.messages, api.ChatMessage{
		ID:        uuid.NewString(),
		Role:      string(chat.RoleUser),
		Content:   &content,
		CreatedAt: now,
	})
	return conv.chat.ID, nil
}

func (s *Server) appendMessage(chatID string, msg api.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[chatID]
	if !ok {
		return
	}
	conv.messages = append(conv.messages, msg)
	conv.chat.UpdatedAt = msg.CreatedAt
}

func writeEvent(c *gin.Context, ev Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Type, err)
	}
	if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return fmt.Errorf("write %s event: %w", ev.Type, err)
	}
	c.Writer.Flush()
	return nil
}

// assistantFrom builds the stored assistant message from a message event.
func assistantFrom(ev Event) *api.ChatMessage {
	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return nil
	}
	var payload struct {
		Content   string              `json:"content"`
		ToolCalls []chat.WireToolCall `json:"tool_calls"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil
	}
	if payload.Content == "" && len(payload.ToolCalls) == 0 {
		return nil
	}
	return &api.ChatMessage{
		ID:        uuid.NewString(),
		Role:      string(chat.RoleAssistant),
		Content:   &payload.Content,
		ToolCalls: payload.ToolCalls,
		CreatedAt: api.Timestamp{Time: time.Now().UTC()},
	}
}

func titleFrom(message string) string {
	if utf8.RuneCountInString(message) <= maxTitleRunes {
		return message
	}
	return string([]rune(message)[:maxTitleRunes])
}
