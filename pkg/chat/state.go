// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

// State is the conversation state a session renders.
type State struct {
	// ConversationID is "" until the caller or a chat_id event supplies one.
	ConversationID string

	Transcript Transcript

	// Err is the single user-visible error slot. Latest write wins.
	Err string

	seq uint64
}

// NewState returns an empty state for conversationID ("" for a new one).
func NewState(conversationID string) State {
	return State{ConversationID: conversationID}
}

// Restore builds a state from history already confirmed by the server.
func Restore(conversationID string, history []Message) State {
	return State{ConversationID: conversationID, Transcript: NewTranscript(history...)}
}

// Messages is shorthand for s.Transcript.Messages().
func (s State) Messages() []Message {
	return s.Transcript.Messages()
}

// nextID allocates a temporary id.
func (s State) nextID() (MessageID, State) {
	s.seq++
	return TemporaryID(s.seq), s
}

// AppendUser adds an optimistic user message with a temporary id.
func (s State) AppendUser(text string) (State, MessageID) {
	id, s := s.nextID()
	s.Transcript = s.Transcript.Append(NewUserMessage(id, text))
	return s, id
}

// WithError sets the error slot.
func (s State) WithError(msg string) State {
	s.Err = msg
	return s
}

// ClearError empties the error slot.
func (s State) ClearError() State {
	s.Err = ""
	return s
}
