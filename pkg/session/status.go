// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import "errors"

// Status is the send lifecycle of a Controller.
//
//	idle → sending → streaming → done | failed | cancelled
//
// Terminal statuses return to idle via Acknowledge or the next Send.
type Status int

const (
	StatusIdle Status = iota
	StatusSending
	StatusStreaming
	StatusDone
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusSending:
		return "sending"
	case StatusStreaming:
		return "streaming"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Busy reports whether a send is in flight.
func (s Status) Busy() bool {
	return s == StatusSending || s == StatusStreaming
}

// Terminal reports whether the last send has finished.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

var (
	// ErrBusy is returned when an operation needs the session idle but a
	// send is in flight.
	ErrBusy = errors.New("session: a message is already being sent")

	// ErrEmptyMessage is returned by Send for empty or whitespace text.
	ErrEmptyMessage = errors.New("session: message is empty")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session: closed")

	// ErrServerReported is returned by Send when the stream carried an
	// error event. The message is in the state's error slot.
	ErrServerReported = errors.New("session: server reported an error")

	// ErrNoHistory is returned by SelectConversation without a loader.
	ErrNoHistory = errors.New("session: no history loader configured")

	// ErrNoIndex is returned by DeleteConversation without an index.
	ErrNoIndex = errors.New("session: no conversation index configured")
)
