// Copyright (C) 2025 The Verina Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the SSE frame decoder. The decoder turns raw transport
// chunks, delivered with arbitrary boundaries, into complete frames.
//
// Single Responsibility:
//
//	The decoder ONLY frames bytes. It does not parse JSON, perform I/O, or
//	invoke callbacks. Parsing is the EventParser's job, I/O the reader's.
package stream

import (
	"bytes"
	"strings"
)

// =============================================================================
// Frame Decoder
// =============================================================================

// FrameDecoder incrementally decodes an SSE byte stream into frames.
//
// SSE framing (https://developer.mozilla.org/en-US/docs/Web/API/Server-sent_events):
//
//	data: {"type":"chunk","content":"Hel"}\n
//	\n
//	data: {"type":"chunk","content":"lo"}\n
//	\n
//
// Feed appends a transport chunk to an internal buffer and returns the
// payloads of every frame the chunk completed; a trailing partial frame stays
// buffered until a later chunk (or Flush) completes it. This is the property
// that makes the decoder safe against delimiters split across TCP reads: the
// buffer, not the chunk, is what gets split.
//
// A FrameDecoder is stateful and must not be shared across streams. The zero
// value is ready to use.
type FrameDecoder struct {
	buf bytes.Buffer
}

// Feed appends one raw chunk and returns the data payloads of all frames it
// completed, in stream order. The returned strings have the "data:" prefix
// stripped; comment-only and empty frames yield nothing.
func (d *FrameDecoder) Feed(p []byte) []string {
	d.buf.Write(p)

	var frames []string
	for {
		raw, ok := d.takeFrame()
		if !ok {
			return frames
		}
		if payload, ok := framePayload(raw); ok {
			frames = append(frames, payload)
		}
	}
}

// Flush returns the payload of a final unterminated frame, if any. Called at
// end-of-stream so a server that omits the trailing blank line still has its
// last frame delivered.
func (d *FrameDecoder) Flush() (string, bool) {
	raw := d.buf.String()
	d.buf.Reset()
	if strings.TrimSpace(raw) == "" {
		return "", false
	}
	return framePayload(raw)
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *FrameDecoder) Buffered() int {
	return d.buf.Len()
}

// takeFrame removes and returns the next delimiter-terminated frame from the
// buffer. Reports false when no complete frame is buffered.
func (d *FrameDecoder) takeFrame() (string, bool) {
	data := d.buf.Bytes()

	// A frame ends at a blank line: "\n\n", with CR tolerated before either
	// newline ("\r\n\r\n" and mixed forms).
	end, skip := frameDelimiter(data)
	if end < 0 {
		return "", false
	}

	frame := string(data[:end])
	d.buf.Next(end + skip)
	return frame, true
}

// frameDelimiter locates the first blank-line delimiter in data. Returns the
// frame end offset and the delimiter width, or (-1, 0) when absent.
func frameDelimiter(data []byte) (end, width int) {
	for i := 0; i < len(data); i++ {
		if data[i] != '\n' {
			continue
		}
		j := i + 1
		if j < len(data) && data[j] == '\r' {
			j++
		}
		if j < len(data) && data[j] == '\n' {
			return i, j - i + 1
		}
	}
	return -1, 0
}

// framePayload extracts the data payload from one raw frame.
//
// Per the SSE spec a frame may span several lines; all "data:" lines are
// concatenated with newlines. Comment lines (":" prefix) and field lines this
// client does not use (event:, id:, retry:) are dropped. Reports false when
// the frame carries no data payload at all.
func framePayload(raw string) (string, bool) {
	var b strings.Builder
	found := false

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, "data: "):
			if found {
				b.WriteByte('\n')
			}
			b.WriteString(strings.TrimPrefix(line, "data: "))
			found = true
		case strings.HasPrefix(line, "data:"):
			// Some servers omit the space after the colon.
			if found {
				b.WriteByte('\n')
			}
			b.WriteString(strings.TrimPrefix(line, "data:"))
			found = true
		}
	}

	return b.String(), found
}
