// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chat holds the conversation transcript and the event interpreter
// that turns decoded stream events into transcript changes.
//
// # Description
//
// Everything in this package is a value. Transcript and State are never
// mutated in place: every change produces a new value, so observers that
// compare snapshots by identity see each update, and a snapshot handed to
// a renderer cannot change underneath it.
//
// Apply is a pure function from (State, Event) to State. The session
// controller owns the only live State and is the single place results of
// Apply are stored.
package chat

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// =============================================================================
// Role
// =============================================================================

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// =============================================================================
// MessageID
// =============================================================================

// IDKind tags how a MessageID was produced.
type IDKind uint8

const (
	// IDTemporary is a local id for an entry the server has not confirmed.
	// An assistant message with a temporary id is still being built.
	IDTemporary IDKind = iota + 1

	// IDSettled is a local id for an assistant turn that a message event
	// has closed. It is never reopened.
	IDSettled

	// IDConfirmed is a server-assigned id, as returned by message history.
	IDConfirmed
)

// MessageID is a tagged identifier. The zero value is invalid.
type MessageID struct {
	kind   IDKind
	local  uint64
	server string
}

// TemporaryID returns the local id for sequence number n.
func TemporaryID(n uint64) MessageID {
	return MessageID{kind: IDTemporary, local: n}
}

// ConfirmedID wraps a server-assigned id.
func ConfirmedID(id string) MessageID {
	return MessageID{kind: IDConfirmed, server: id}
}

// Kind returns the id's tag.
func (id MessageID) Kind() IDKind { return id.kind }

// IsTemporary reports whether the id was generated locally and not yet settled.
func (id MessageID) IsTemporary() bool { return id.kind == IDTemporary }

// IsConfirmed reports whether the id came from the server.
func (id MessageID) IsConfirmed() bool { return id.kind == IDConfirmed }

// IsZero reports whether id is the zero value.
func (id MessageID) IsZero() bool { return id.kind == 0 }

// Settle converts a temporary id into a settled one with the same sequence
// number. Other kinds are returned unchanged.
func (id MessageID) Settle() MessageID {
	if id.kind != IDTemporary {
		return id
	}
	return MessageID{kind: IDSettled, local: id.local}
}

func (id MessageID) String() string {
	switch id.kind {
	case IDTemporary:
		return fmt.Sprintf("tmp-%d", id.local)
	case IDSettled:
		return fmt.Sprintf("local-%d", id.local)
	case IDConfirmed:
		return id.server
	default:
		return ""
	}
}

// =============================================================================
// ToolCall
// =============================================================================

// ToolCall is one tool invocation within an assistant turn.
type ToolCall struct {
	Name      string
	Arguments map[string]any

	// Result is nil while the call is pending.
	Result *string
}

// Pending reports whether the call has no result yet.
func (c ToolCall) Pending() bool { return c.Result == nil }

// WithResult returns a copy of c carrying result.
func (c ToolCall) WithResult(result string) ToolCall {
	c.Result = &result
	return c
}

// =============================================================================
// Message
// =============================================================================

// Message is one transcript entry.
type Message struct {
	ID   MessageID
	Role Role

	// Content is nil while an assistant turn has produced only tool calls.
	Content *string

	// ToolCalls is nil unless the assistant turn invoked tools.
	ToolCalls []ToolCall

	// CreatedAt is zero for locally created entries.
	CreatedAt time.Time
}

// Text returns the content or "" when absent.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// IsOpen reports whether m is an assistant message still being built.
// Only the last transcript entry can be open.
func (m Message) IsOpen() bool {
	return m.Role == RoleAssistant && m.ID.IsTemporary()
}

// PendingToolCalls counts calls without a result.
func (m Message) PendingToolCalls() int {
	n := 0
	for _, c := range m.ToolCalls {
		if c.Pending() {
			n++
		}
	}
	return n
}

// clone returns a copy of m whose ToolCalls slice is not shared.
// Arguments maps are shared; they are never mutated after creation.
func (m Message) clone() Message {
	if m.ToolCalls != nil {
		m.ToolCalls = slices.Clone(m.ToolCalls)
	}
	return m
}

// NewUserMessage builds an optimistic user message.
func NewUserMessage(id MessageID, text string) Message {
	return Message{ID: id, Role: RoleUser, Content: &text}
}

func copyArguments(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return maps.Clone(args)
}
