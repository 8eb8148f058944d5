// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package sse

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const foodStream = "event: chat_id\n" +
	"data: {\"chat_id\": \"c1\"}\n" +
	"\n" +
	"event: tool_call\n" +
	"data: {\"name\": \"search_transactions\", \"arguments\": {\"category\": \"Food\"}}\n" +
	"\n" +
	"event: tool_result\n" +
	"data: {\"name\": \"search_transactions\", \"result\": \"3 matches, total 120.50\"}\n" +
	"\n" +
	"event: message\n" +
	"data: {\"content\": \"You spent 120.50 on food.\", \"tool_calls\": []}\n" +
	"\n" +
	"event: done\n" +
	"data: {}\n" +
	"\n"

func feedChunks(t *testing.T, input string, size int) []Frame {
	t.Helper()
	dec := NewDecoder()
	var out []Frame
	for i := 0; i < len(input); i += size {
		end := i + size
		if end > len(input) {
			end = len(input)
		}
		frames, err := dec.Feed([]byte(input[i:end]))
		require.NoError(t, err)
		out = append(out, frames...)
	}
	return out
}

// =============================================================================
// Decoder Tests
// =============================================================================

func TestDecoder_SingleChunk(t *testing.T) {
	frames := feedChunks(t, foodStream, len(foodStream))

	require.Len(t, frames, 5)
	assert.Equal(t, "chat_id", frames[0].Event)
	assert.JSONEq(t, `{"chat_id":"c1"}`, string(frames[0].Data))
	assert.Equal(t, "tool_call", frames[1].Event)
	assert.Equal(t, "tool_result", frames[2].Event)
	assert.Equal(t, "message", frames[3].Event)
	assert.Equal(t, "done", frames[4].Event)
}

func TestDecoder_ChunkBoundaryInvariance(t *testing.T) {
	whole := feedChunks(t, foodStream, len(foodStream))

	for _, size := range []int{1, 2, 3, 7, 13, 64} {
		got := feedChunks(t, foodStream, size)
		assert.Equal(t, whole, got, "chunk size %d", size)
	}
}

func TestDecoder_SplitInsideMultibyteRune(t *testing.T) {
	input := "event: message\ndata: {\"content\": \"₹120.50 spent\"}\n\n"
	got := feedChunks(t, input, 1)

	require.Len(t, got, 1)
	assert.JSONEq(t, `{"content":"₹120.50 spent"}`, string(got[0].Data))
}

func TestDecoder_DataWithoutEventIsDropped(t *testing.T) {
	dec := NewDecoder()
	frames, err := dec.Feed([]byte("data: {\"a\":1}\n\nevent: x\ndata: {\"b\":2}\ndata: {\"c\":3}\n"))

	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "x", frames[0].Event)
	assert.JSONEq(t, `{"b":2}`, string(frames[0].Data))
	assert.Equal(t, 2, dec.Dropped())
}

func TestDecoder_EventLineOverwritesPrevious(t *testing.T) {
	dec := NewDecoder()
	frames, err := dec.Feed([]byte("event: first\nevent: second\ndata: {}\n"))

	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "second", frames[0].Event)
}

func TestDecoder_IncompleteLineIsRetained(t *testing.T) {
	dec := NewDecoder()

	frames, err := dec.Feed([]byte("event: message\ndata: {\"content\":"))
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Equal(t, len("data: {\"content\":"), dec.Pending())

	frames, err = dec.Feed([]byte(" \"hi\"}\n"))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, 0, dec.Pending())
}

func TestDecoder_CRLFAndComments(t *testing.T) {
	dec := NewDecoder()
	frames, err := dec.Feed([]byte(": keepalive\r\nevent:chat_id\r\ndata:{\"chat_id\":\"c9\"}\r\n\r\n"))

	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "chat_id", frames[0].Event)
	assert.JSONEq(t, `{"chat_id":"c9"}`, string(frames[0].Data))
}

func TestDecoder_MalformedData(t *testing.T) {
	dec := NewDecoder()
	frames, err := dec.Feed([]byte("event: chat_id\ndata: {\"chat_id\":\"c1\"}\nevent: tool_call\ndata: {not json\n"))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMalformedData)

	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "tool_call", perr.Event)
	assert.Equal(t, "{not json", perr.Line)

	require.Len(t, frames, 1, "frames decoded before the error are still returned")
	assert.Equal(t, "chat_id", frames[0].Event)
}

func TestDecoder_LineTooLong(t *testing.T) {
	dec := NewDecoder(WithMaxLineBytes(16))

	_, err := dec.Feed([]byte("data: " + strings.Repeat("x", 32)))
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestDecoder_LineTooLongInsideOneChunk(t *testing.T) {
	dec := NewDecoder(WithMaxLineBytes(32))
	long := "event: message\ndata: {\"content\": \"" + strings.Repeat("x", 60) + "\"}\n\n"

	frames, err := dec.Feed([]byte(long))
	assert.ErrorIs(t, err, ErrLineTooLong)
	assert.Empty(t, frames)
}

func TestDecoder_LineLimitIsChunkBoundaryInvariant(t *testing.T) {
	short := "event: done\ndata: {}\n\n"
	long := "event: message\ndata: {\"content\": \"" + strings.Repeat("x", 60) + "\"}\n\n"
	input := short + long + short

	decode := func(size int) (int, error) {
		dec := NewDecoder(WithMaxLineBytes(32))
		n := 0
		for i := 0; i < len(input); i += size {
			end := min(i+size, len(input))
			frames, err := dec.Feed([]byte(input[i:end]))
			n += len(frames)
			if err != nil {
				return n, err
			}
		}
		return n, nil
	}

	for _, size := range []int{len(input), 64, 13, 7, 1} {
		n, err := decode(size)
		assert.ErrorIs(t, err, ErrLineTooLong, "chunk size %d", size)
		assert.Equal(t, 1, n, "chunk size %d: only the frame before the long line", size)
	}

	// A line of exactly the limit is accepted however it is chunked.
	exact := "data: {\"v\":\"" + strings.Repeat("y", 32-len(`data: {"v":""}`)) + "\"}"
	require.Len(t, exact, 32)
	for _, size := range []int{1, 5, 64} {
		dec := NewDecoder(WithMaxLineBytes(32))
		var frames []Frame
		in := "event: x\n" + exact + "\n"
		for i := 0; i < len(in); i += size {
			f, err := dec.Feed([]byte(in[i:min(i+size, len(in))]))
			require.NoError(t, err, "chunk size %d", size)
			frames = append(frames, f...)
		}
		assert.Len(t, frames, 1, "chunk size %d", size)
	}
}

// =============================================================================
// Stream Tests
// =============================================================================

// oneByteReader delivers its input one byte per Read.
type oneByteReader struct {
	r io.Reader
}

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

func collect(t *testing.T, r io.Reader) ([]Frame, error) {
	t.Helper()
	var frames []Frame
	err := Stream(context.Background(), r, func(f Frame) error {
		frames = append(frames, f)
		return nil
	})
	return frames, err
}

func TestStream_OneByteReadsMatchSingleRead(t *testing.T) {
	whole, err := collect(t, strings.NewReader(foodStream))
	require.NoError(t, err)

	bytewise, err := collect(t, oneByteReader{r: strings.NewReader(foodStream)})
	require.NoError(t, err)

	assert.Equal(t, whole, bytewise)
}

func TestStream_DiscardsUnterminatedTail(t *testing.T) {
	frames, err := collect(t, strings.NewReader("event: a\ndata: {}\nevent: b\ndata: {\"x\":1}"))

	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "a", frames[0].Event)
}

func TestStream_CallbackErrorStops(t *testing.T) {
	stop := errors.New("stop")
	calls := 0

	err := Stream(context.Background(), strings.NewReader(foodStream), func(Frame) error {
		calls++
		if calls == 2 {
			return stop
		}
		return nil
	})

	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, calls)
}

func TestStream_ReadErrorIsReturned(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader("event: a\ndata: {}\n"), iotestErrReader{err: boom})

	frames, err := collect(t, r)

	assert.ErrorIs(t, err, boom)
	assert.Len(t, frames, 1)
}

func TestStream_CancelWhileBlockedInRead(t *testing.T) {
	pr, pw := io.Pipe()
	defer pr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan Frame, 4)
	result := make(chan error, 1)

	go func() {
		result <- Stream(ctx, pr, func(f Frame) error {
			got <- f
			return nil
		})
	}()

	_, err := pw.Write([]byte("event: chat_id\ndata: {\"chat_id\":\"c1\"}\n\n"))
	require.NoError(t, err)

	select {
	case f := <-got:
		assert.Equal(t, "chat_id", f.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}

	// Nothing more is written; the reader is parked in Read.
	cancel()

	select {
	case err := <-result:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Stream did not return after cancellation")
	}
}

type iotestErrReader struct {
	err error
}

func (r iotestErrReader) Read([]byte) (int, error) {
	return 0, r.err
}
