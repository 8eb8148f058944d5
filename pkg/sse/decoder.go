// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package sse decodes Server-Sent Events framing from an arbitrarily
// chunked byte stream.
//
// This file contains the incremental frame decoder. The decoder only
// parses; it performs no I/O and knows nothing about event semantics.
//
// Wire Format:
//
//	event: tool_call\n
//	data: {"name":"search_transactions","arguments":{}}\n
//	\n
//
// A data line is emitted as soon as it is complete, paired with the most
// recent event line. Emitting resets the event type, so a data line with no
// preceding event line in the same frame is dropped.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrMalformedData is returned when a data line does not hold valid JSON.
	ErrMalformedData = errors.New("sse: malformed data payload")

	// ErrLineTooLong is returned when the buffered partial line exceeds the
	// decoder's limit without a line terminator.
	ErrLineTooLong = errors.New("sse: line exceeds maximum length")
)

// ProtocolError describes a frame that could not be decoded.
type ProtocolError struct {
	// Event is the event type the offending data line belonged to.
	Event string

	// Line is the raw data line, truncated for logging.
	Line string

	// Err is the underlying cause (ErrMalformedData or a JSON error).
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("sse: protocol error in %q frame: %v", e.Event, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// =============================================================================
// Frame
// =============================================================================

// Frame is one decoded event record.
type Frame struct {
	// Event is the value of the "event:" line.
	Event string

	// Data is the JSON payload of the "data:" line. Always valid JSON.
	Data json.RawMessage
}

// =============================================================================
// Decoder
// =============================================================================

const (
	// DefaultMaxLineBytes bounds a single line, terminated or not.
	DefaultMaxLineBytes = 1 << 20

	maxErrorLineBytes = 256
)

var (
	prefixEvent = []byte("event:")
	prefixData  = []byte("data:")
)

// Decoder is a single-pass, single-buffer SSE frame decoder.
//
// Thread Safety:
//
//	A Decoder is not safe for concurrent use. One stream, one decoder.
type Decoder struct {
	buf      []byte
	event    string
	maxLine  int
	dropped  int
	consumed int64
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithMaxLineBytes overrides DefaultMaxLineBytes. Values <= 0 are ignored.
func WithMaxLineBytes(n int) Option {
	return func(d *Decoder) {
		if n > 0 {
			d.maxLine = n
		}
	}
}

// NewDecoder creates a decoder with an empty buffer and no current event.
func NewDecoder(opts ...Option) *Decoder {
	d := &Decoder{maxLine: DefaultMaxLineBytes}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Feed appends chunk to the buffer and returns every frame completed by it.
//
// Frames decoded before an error are returned together with the error so
// the caller can apply them before aborting. After an error the decoder
// should be discarded.
func (d *Decoder) Feed(chunk []byte) ([]Frame, error) {
	d.consumed += int64(len(chunk))
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		if idx > d.maxLine {
			return frames, fmt.Errorf("%w: %d bytes", ErrLineTooLong, idx)
		}
		line := bytes.TrimSuffix(d.buf[:idx], []byte{'\r'})
		frame, ok, err := d.parseLine(line)
		d.buf = d.buf[idx+1:]
		if err != nil {
			return frames, err
		}
		if ok {
			frames = append(frames, frame)
		}
	}

	// The tail can only grow, so an oversized tail fails now rather than
	// when its newline arrives.
	if len(d.buf) > d.maxLine {
		return frames, fmt.Errorf("%w: %d bytes buffered", ErrLineTooLong, len(d.buf))
	}

	// Reclaim the consumed prefix so the buffer never grows past one line.
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	} else if cap(d.buf) > 4*len(d.buf) && cap(d.buf) > 4096 {
		d.buf = append([]byte(nil), d.buf...)
	}

	return frames, nil
}

// Pending reports how many bytes of an unterminated line are buffered.
// They are discarded if the stream ends now.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Dropped reports how many data lines were discarded for lacking an event line.
func (d *Decoder) Dropped() int {
	return d.dropped
}

// Consumed reports the total number of bytes fed to the decoder.
func (d *Decoder) Consumed() int64 {
	return d.consumed
}

func (d *Decoder) parseLine(line []byte) (Frame, bool, error) {
	switch {
	case len(line) == 0, line[0] == ':':
		return Frame{}, false, nil

	case bytes.HasPrefix(line, prefixEvent):
		d.event = string(fieldValue(line[len(prefixEvent):]))
		return Frame{}, false, nil

	case bytes.HasPrefix(line, prefixData):
		if d.event == "" {
			d.dropped++
			return Frame{}, false, nil
		}
		event := d.event
		d.event = ""

		payload := fieldValue(line[len(prefixData):])
		if !json.Valid(payload) {
			return Frame{}, false, &ProtocolError{
				Event: event,
				Line:  truncate(payload, maxErrorLineBytes),
				Err:   ErrMalformedData,
			}
		}
		data := make(json.RawMessage, len(payload))
		copy(data, payload)
		return Frame{Event: event, Data: data}, true, nil
	}

	// id:, retry: and unknown fields carry nothing this client uses.
	return Frame{}, false, nil
}

// fieldValue strips the single optional space that follows the colon.
func fieldValue(v []byte) []byte {
	if len(v) > 0 && v[0] == ' ' {
		return v[1:]
	}
	return v
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
