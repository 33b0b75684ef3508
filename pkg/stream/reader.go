// Copyright (C) 2025 The Verina Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the stream reader that consumes an io.Reader source
// and emits parsed events via a callback.
//
// Single Responsibility:
//
//	Readers handle I/O and event sequencing. They use the decoder to frame
//	bytes and the parser to produce events, but do not route events or
//	mutate consumer state.
package stream

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Stream Reader
// =============================================================================

// StreamCallback receives each parsed event in frame order. Returning true
// stops the read loop; the reader then returns nil.
type StreamCallback func(ev *Event) (stop bool)

// StreamReader reads an SSE response body and invokes a callback per event.
//
// A single Read call owns its decoder state; one reader instance may be
// reused across streams but not concurrently.
type StreamReader interface {
	// Read processes the stream until a callback stops it, the source ends,
	// or ctx is cancelled.
	//
	// Malformed frames are dropped with a warning and the stream continues;
	// they are never the reason Read returns an error. The returned error is
	// ctx.Err() on cancellation or the transport read error otherwise.
	Read(ctx context.Context, r io.Reader, callback StreamCallback) error
}

// NewStreamReader creates a reader for the backend's SSE format.
func NewStreamReader(parser EventParser) StreamReader {
	return &sseStreamReader{parser: parser}
}

type sseStreamReader struct {
	parser EventParser
}

// Read decodes and dispatches frames as transport chunks arrive.
//
// All processing between two reads is synchronous and runs to completion, so
// no frame is ever partially handled. Cancellation is observed at read
// boundaries: once per transport chunk before decoding, which bounds how much
// work a cancelled stream can still do.
func (r *sseStreamReader) Read(ctx context.Context, src io.Reader, callback StreamCallback) error {
	var dec FrameDecoder
	buf := make([]byte, 4096)
	index := 0

	deliver := func(payload string) (stop bool) {
		metricFramesDecoded.Inc()

		ev, err := r.parser.ParseFrame(payload)
		if err != nil {
			// Local recovery: a single bad frame never aborts the stream.
			slog.Warn("dropping malformed frame", "error", err, "payload_length", len(payload))
			metricFramesDropped.WithLabelValues(dropReasonMalformed).Inc()
			return false
		}

		ev.Index = index
		index++
		return callback(ev)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			for _, payload := range dec.Feed(buf[:n]) {
				if deliver(payload) {
					return nil
				}
			}
		}

		if readErr == io.EOF {
			if payload, ok := dec.Flush(); ok {
				deliver(payload)
			}
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

var _ StreamReader = (*sseStreamReader)(nil)

// =============================================================================
// Idle Watchdog
// =============================================================================

// idleWatchdogReader wraps a response body and fires onIdle when no bytes
// arrive for the configured window. The controller routes onIdle into the
// same cancellation path as an explicit cancel, so a stalled stream is
// classified as cancelled, not as an application error.
type idleWatchdogReader struct {
	src    io.Reader
	timer  *time.Timer
	window time.Duration

	mu     sync.Mutex
	closed bool
}

func newIdleWatchdogReader(src io.Reader, window time.Duration, onIdle func()) *idleWatchdogReader {
	w := &idleWatchdogReader{src: src, window: window}
	w.timer = time.AfterFunc(window, func() {
		w.mu.Lock()
		closed := w.closed
		w.mu.Unlock()
		if !closed {
			slog.Warn("stream idle timeout", "window", window)
			onIdle()
		}
	})
	return w
}

// Read passes through to the wrapped source, rearming the watchdog on every
// successful read.
func (w *idleWatchdogReader) Read(p []byte) (int, error) {
	n, err := w.src.Read(p)
	if n > 0 {
		w.mu.Lock()
		if !w.closed {
			w.timer.Reset(w.window)
		}
		w.mu.Unlock()
	}
	return n, err
}

// Stop disarms the watchdog. Called on every stream exit path.
func (w *idleWatchdogReader) Stop() {
	w.mu.Lock()
	w.closed = true
	w.timer.Stop()
	w.mu.Unlock()
}
