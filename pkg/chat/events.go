// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/finychat/pkg/sse"
)

// =============================================================================
// Event Types
// =============================================================================

// EventType is the value of a frame's "event:" line.
type EventType string

const (
	EventChatID     EventType = "chat_id"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventMessage    EventType = "message"
	EventError      EventType = "error"
	EventDone       EventType = "done"
)

// ErrInvalidPayload is returned when a frame's JSON does not have the shape
// its event type requires.
var ErrInvalidPayload = errors.New("chat: invalid event payload")

// defaultServerError is shown when an error event carries no text.
const defaultServerError = "The assistant reported an error."

// Event is a typed stream event.
type Event interface {
	Type() EventType
}

// ChatIDEvent delivers the server-assigned conversation id.
type ChatIDEvent struct {
	ChatID string
}

// ToolCallEvent announces a tool invocation.
type ToolCallEvent struct {
	Name      string
	Arguments map[string]any
}

// ToolResultEvent carries the result of a previously announced call.
type ToolResultEvent struct {
	Name   string
	Result string
}

// MessageEvent carries the final answer and closes the turn.
type MessageEvent struct {
	Content string

	// ToolCalls is the server's snapshot of the turn's calls, possibly empty.
	ToolCalls []ToolCall
}

// ErrorEvent is a server-reported failure.
type ErrorEvent struct {
	Message string
}

// DoneEvent marks the end of the server's output for this turn.
type DoneEvent struct{}

// UnknownEvent is any event type this client does not recognize.
type UnknownEvent struct {
	Name string
	Data json.RawMessage
}

func (ChatIDEvent) Type() EventType     { return EventChatID }
func (ToolCallEvent) Type() EventType   { return EventToolCall }
func (ToolResultEvent) Type() EventType { return EventToolResult }
func (MessageEvent) Type() EventType    { return EventMessage }
func (ErrorEvent) Type() EventType      { return EventError }
func (DoneEvent) Type() EventType       { return EventDone }
func (e UnknownEvent) Type() EventType  { return EventType(e.Name) }

// =============================================================================
// Wire Payloads
// =============================================================================

type chatIDPayload struct {
	ChatID string `json:"chat_id"`
}

type toolCallPayload struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type toolResultPayload struct {
	Name   string  `json:"name"`
	Result *string `json:"result"`
}

// WireToolCall is the JSON form of a tool call in message snapshots and
// message history.
type WireToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Result    *string        `json:"result"`
}

// ToToolCall converts the wire form.
func (w WireToolCall) ToToolCall() ToolCall {
	return ToolCall{Name: w.Name, Arguments: copyArguments(w.Arguments), Result: w.Result}
}

type messagePayload struct {
	Content   *string        `json:"content"`
	ToolCalls []WireToolCall `json:"tool_calls"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// =============================================================================
// Decoding
// =============================================================================

// DecodeEvent maps a frame onto a typed Event.
//
// Unknown event types decode to UnknownEvent without error. A recognized
// type whose payload has the wrong shape yields an error wrapping
// ErrInvalidPayload.
func DecodeEvent(f sse.Frame) (Event, error) {
	switch EventType(f.Event) {
	case EventChatID:
		var p chatIDPayload
		if err := unmarshalObject(f, &p); err != nil {
			return nil, err
		}
		if p.ChatID == "" {
			return nil, invalid(f, "chat_id is empty")
		}
		return ChatIDEvent{ChatID: p.ChatID}, nil

	case EventToolCall:
		var p toolCallPayload
		if err := unmarshalObject(f, &p); err != nil {
			return nil, err
		}
		if p.Name == "" {
			return nil, invalid(f, "name is empty")
		}
		return ToolCallEvent{Name: p.Name, Arguments: copyArguments(p.Arguments)}, nil

	case EventToolResult:
		var p toolResultPayload
		if err := unmarshalObject(f, &p); err != nil {
			return nil, err
		}
		if p.Name == "" {
			return nil, invalid(f, "name is empty")
		}
		if p.Result == nil {
			return nil, invalid(f, "result is missing")
		}
		return ToolResultEvent{Name: p.Name, Result: *p.Result}, nil

	case EventMessage:
		var p messagePayload
		if err := unmarshalObject(f, &p); err != nil {
			return nil, err
		}
		ev := MessageEvent{}
		if p.Content != nil {
			ev.Content = *p.Content
		}
		for _, w := range p.ToolCalls {
			if w.Name == "" {
				return nil, invalid(f, "tool_calls entry has no name")
			}
			ev.ToolCalls = append(ev.ToolCalls, w.ToToolCall())
		}
		return ev, nil

	case EventError:
		var p errorPayload
		if err := unmarshalObject(f, &p); err != nil {
			return nil, err
		}
		if p.Message == "" {
			p.Message = defaultServerError
		}
		return ErrorEvent{Message: p.Message}, nil

	case EventDone:
		return DoneEvent{}, nil
	}

	return UnknownEvent{Name: f.Event, Data: f.Data}, nil
}

// unmarshalObject rejects non-object payloads before decoding; json.Unmarshal
// would silently accept null into a struct.
func unmarshalObject(f sse.Frame, v any) error {
	trimmed := bytes.TrimSpace(f.Data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return invalid(f, "payload is not a JSON object")
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, f.Event, err)
	}
	return nil
}

func invalid(f sse.Frame, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidPayload, f.Event, reason)
}
