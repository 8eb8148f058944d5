// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AleutianAI/finychat/pkg/chat"
)

// =============================================================================
// Request Types
// =============================================================================

// SendRequest is the body of POST /api/chat/send.
//
// ConversationID is serialized as null for a new conversation.
type SendRequest struct {
	Message        string  `json:"message" validate:"required,max=32768"`
	ConversationID *string `json:"conversation_id"`
}

// NewSendRequest builds a request; an empty conversationID means "new".
func NewSendRequest(message, conversationID string) SendRequest {
	req := SendRequest{Message: message}
	if conversationID != "" {
		req.ConversationID = &conversationID
	}
	return req
}

// ClientError is the body of POST /api/log-error.
type ClientError struct {
	Message   string `json:"message" validate:"required"`
	Stack     string `json:"stack,omitempty"`
	URL       string `json:"url,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// =============================================================================
// Response Types
// =============================================================================

// Chat is one entry of the conversation list.
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt Timestamp `json:"created_at"`
	UpdatedAt Timestamp `json:"updated_at"`
}

type chatListResponse struct {
	Chats []Chat `json:"chats"`
}

// ChatMessage is one entry of a conversation's stored history.
type ChatMessage struct {
	ID        string              `json:"id"`
	Role      string              `json:"role"`
	Content   *string             `json:"content"`
	ToolCalls []chat.WireToolCall `json:"tool_calls"`
	CreatedAt Timestamp           `json:"created_at"`
}

// ToMessage converts a stored message into a transcript entry with a
// server-confirmed id. Unknown roles are rejected.
func (m ChatMessage) ToMessage() (chat.Message, error) {
	role := chat.Role(m.Role)
	if !role.Valid() {
		return chat.Message{}, fmt.Errorf("message %s: unknown role %q", m.ID, m.Role)
	}
	msg := chat.Message{
		ID:        chat.ConfirmedID(m.ID),
		Role:      role,
		Content:   m.Content,
		CreatedAt: m.CreatedAt.Time,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, tc.ToToolCall())
	}
	return msg, nil
}

// =============================================================================
// Timestamp
// =============================================================================

// Timestamp accepts the datetime forms the backend emits: RFC 3339 with or
// without a zone offset, or null. A missing zone is read as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognized format %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}
