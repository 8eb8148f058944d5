// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"errors"
	"fmt"
	"slices"
)

// ErrUnmatchedToolResult is returned when a tool_result arrives for an open
// turn that has no pending call with that name. Matching is by name only,
// so a result that cannot be placed is treated as a protocol violation
// rather than guessed at.
var ErrUnmatchedToolResult = errors.New("chat: tool result has no pending call")

// Apply returns the state that results from applying ev to s.
//
// # Description
//
// Apply is pure: s is not modified and the returned State shares no
// mutable memory with it. The open assistant message is found by position
// (the last entry, if it is an assistant message with a temporary id),
// never by a stored reference.
//
// # Outputs
//
//   - State: the next state. On error, s is returned unchanged.
//   - error: wraps ErrUnmatchedToolResult for a tool_result that cannot be
//     placed; nil otherwise.
//
// # Limitations
//
//   - When a turn calls the same tool twice, a result goes to the first
//     pending call with that name. Results delivered out of order for the
//     same tool name are attributed in arrival order.
func Apply(s State, ev Event) (State, error) {
	switch e := ev.(type) {
	case ChatIDEvent:
		s.ConversationID = e.ChatID
		return s, nil

	case ToolCallEvent:
		return applyToolCall(s, e), nil

	case ToolResultEvent:
		return applyToolResult(s, e)

	case MessageEvent:
		return applyMessage(s, e), nil

	case ErrorEvent:
		return s.WithError(e.Message), nil

	case DoneEvent, UnknownEvent:
		return s, nil
	}

	return s, fmt.Errorf("chat: unsupported event %T", ev)
}

// ApplyAll folds events over s, stopping at the first error.
func ApplyAll(s State, events ...Event) (State, error) {
	for i, ev := range events {
		next, err := Apply(s, ev)
		if err != nil {
			return s, fmt.Errorf("event %d (%s): %w", i, ev.Type(), err)
		}
		s = next
	}
	return s, nil
}

func isOpen(m Message) bool { return m.IsOpen() }

func applyToolCall(s State, e ToolCallEvent) State {
	call := ToolCall{Name: e.Name, Arguments: e.Arguments}

	next, ok := s.Transcript.ReplaceLast(isOpen, func(m Message) Message {
		calls := make([]ToolCall, len(m.ToolCalls), len(m.ToolCalls)+1)
		copy(calls, m.ToolCalls)
		m.ToolCalls = append(calls, call)
		return m
	})
	if ok {
		s.Transcript = next
		return s
	}

	id, s := s.nextID()
	s.Transcript = s.Transcript.Append(Message{
		ID:        id,
		Role:      RoleAssistant,
		ToolCalls: []ToolCall{call},
	})
	return s
}

func applyToolResult(s State, e ToolResultEvent) (State, error) {
	open, ok := s.Transcript.Open()
	if !ok {
		return s, nil
	}

	idx := slices.IndexFunc(open.ToolCalls, func(c ToolCall) bool {
		return c.Name == e.Name && c.Pending()
	})
	if idx < 0 {
		return s, fmt.Errorf("%w: %q", ErrUnmatchedToolResult, e.Name)
	}

	s.Transcript, _ = s.Transcript.ReplaceLast(isOpen, func(m Message) Message {
		calls := slices.Clone(m.ToolCalls)
		calls[idx] = calls[idx].WithResult(e.Result)
		m.ToolCalls = calls
		return m
	})
	return s, nil
}

func applyMessage(s State, e MessageEvent) State {
	content := e.Content

	next, ok := s.Transcript.ReplaceLast(isOpen, func(m Message) Message {
		m.Content = &content
		if len(e.ToolCalls) > 0 {
			m.ToolCalls = slices.Clone(e.ToolCalls)
		}
		m.ID = m.ID.Settle()
		return m
	})
	if ok {
		s.Transcript = next
		return s
	}

	id, s := s.nextID()
	msg := Message{ID: id.Settle(), Role: RoleAssistant, Content: &content}
	if len(e.ToolCalls) > 0 {
		msg.ToolCalls = slices.Clone(e.ToolCalls)
	}
	s.Transcript = s.Transcript.Append(msg)
	return s
}
