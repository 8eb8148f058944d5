// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import "slices"

// Transcript is an immutable ordered sequence of messages.
//
// Every method that changes the sequence returns a new Transcript backed by
// a fresh slice. The receiver is left untouched, so any Transcript value
// that has been handed out is safe to read forever.
type Transcript struct {
	msgs []Message
}

// NewTranscript copies msgs into a new Transcript.
func NewTranscript(msgs ...Message) Transcript {
	t := Transcript{msgs: make([]Message, len(msgs))}
	for i, m := range msgs {
		t.msgs[i] = m.clone()
	}
	return t
}

// Len returns the number of messages.
func (t Transcript) Len() int { return len(t.msgs) }

// Messages returns a copy of the messages.
func (t Transcript) Messages() []Message {
	out := make([]Message, len(t.msgs))
	for i, m := range t.msgs {
		out[i] = m.clone()
	}
	return out
}

// At returns the i-th message.
func (t Transcript) At(i int) Message {
	return t.msgs[i].clone()
}

// Last returns the final message, if any.
func (t Transcript) Last() (Message, bool) {
	if len(t.msgs) == 0 {
		return Message{}, false
	}
	return t.msgs[len(t.msgs)-1].clone(), true
}

// Open returns the open assistant message. It is the last entry iff that
// entry is an assistant message with a temporary id.
func (t Transcript) Open() (Message, bool) {
	last, ok := t.Last()
	if !ok || !last.IsOpen() {
		return Message{}, false
	}
	return last, true
}

// Append returns a new Transcript with m added at the end.
func (t Transcript) Append(m Message) Transcript {
	next := make([]Message, len(t.msgs), len(t.msgs)+1)
	copy(next, t.msgs)
	next = append(next, m.clone())
	return Transcript{msgs: next}
}

// ReplaceLast returns a new Transcript whose last message is update(last),
// provided match(last) holds. When the transcript is empty or match fails,
// t is returned with false.
func (t Transcript) ReplaceLast(match func(Message) bool, update func(Message) Message) (Transcript, bool) {
	last, ok := t.Last()
	if !ok || !match(last) {
		return t, false
	}
	next := slices.Clone(t.msgs)
	next[len(next)-1] = update(last).clone()
	return Transcript{msgs: next}, true
}

// Count returns how many messages have role r.
func (t Transcript) Count(r Role) int {
	n := 0
	for _, m := range t.msgs {
		if m.Role == r {
			n++
		}
	}
	return n
}
