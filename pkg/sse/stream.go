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
)

// FrameCallback receives each decoded frame in order. Returning a non-nil
// error stops the stream and that error is returned from Stream.
type FrameCallback func(Frame) error

const defaultChunkSize = 4096

type chunk struct {
	data []byte
	err  error
}

// Stream reads r chunk by chunk, decodes frames and invokes fn for each.
//
// # Description
//
// Reads happen on a helper goroutine so that every suspend point is
// "next chunk or ctx.Done(), whichever resolves first". The caller owns r
// and must close it after Stream returns; closing unblocks the helper if
// it is parked in Read.
//
// # Outputs
//
//   - nil at end of stream. Any unterminated final line is discarded.
//   - ctx.Err() when the context is cancelled.
//   - the decoder error (*ProtocolError, ErrLineTooLong) or the read error.
//   - the error returned by fn.
//
// # Limitations
//
//   - Frames completed by the same chunk are delivered back to back; ctx is
//     re-checked before each callback, not during it.
func Stream(ctx context.Context, r io.Reader, fn FrameCallback, opts ...Option) error {
	dec := NewDecoder(opts...)

	chunks := make(chan chunk)
	done := make(chan struct{})
	defer close(done)

	go pump(r, chunks, done)

	for {
		var c chunk
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c = <-chunks:
		}

		if len(c.data) > 0 {
			frames, decErr := dec.Feed(c.data)
			for _, f := range frames {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := fn(f); err != nil {
					return err
				}
			}
			if decErr != nil {
				return decErr
			}
		}

		if c.err != nil {
			if errors.Is(c.err, io.EOF) {
				return nil
			}
			return c.err
		}
	}
}

// pump copies reads into chunks until EOF, a read error, or done closes.
func pump(r io.Reader, chunks chan<- chunk, done <-chan struct{}) {
	for {
		buf := make([]byte, defaultChunkSize)
		n, err := r.Read(buf)
		c := chunk{data: buf[:n], err: err}
		select {
		case chunks <- c:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}
