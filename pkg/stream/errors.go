// Copyright (C) 2025 The Verina Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file defines the error taxonomy of the streaming core.
//
// Four classes exist, two of which never cross the package boundary:
//
//   - cancelled: explicit cancel, supersession, or idle timeout. Absorbed;
//     loading state is cleared silently and OnError never fires.
//   - frame decode error: malformed JSON in one frame. Absorbed; the frame
//     is dropped with a warning and the stream continues.
//   - backend unreachable: the request never connected. Surfaced via
//     OnError with a fixed, actionable message.
//   - protocol error: non-2xx status or a server error event. Surfaced via
//     OnError with the server-supplied message when present.
package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrCancelled classifies operation teardown caused by explicit cancel,
// supersession, consumer teardown, or idle timeout. It is reported by
// Operation.Err and never delivered through OnError.
var ErrCancelled = errors.New("stream operation cancelled")

// ErrBackendUnreachable classifies fetch-level connection failures. The
// message is deliberately fixed and actionable.
var ErrBackendUnreachable = errors.New("cannot connect to the Verina backend; check that the server is running")

// ProtocolError reports a non-2xx HTTP response or a server error event.
type ProtocolError struct {
	// StatusCode is the HTTP status, or 0 for an in-stream error event.
	StatusCode int

	// Message is the server-supplied description, or a generic fallback.
	Message string
}

func (e *ProtocolError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Message)
	}
	return e.Message
}

// classifyTransportError maps a transport failure to the taxonomy above.
//
// ctx is the operation token's context: when it was cancelled, the failure
// is the abort resolving a pending read and must not be surfaced as a user
// error regardless of what the HTTP stack wrapped it in.
func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrCancelled
	}

	// url.Error wraps everything the client transport produces; a net.OpError
	// underneath means the connection itself failed (refused, no route, DNS).
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var opErr *net.OpError
		if errors.As(urlErr.Err, &opErr) {
			return fmt.Errorf("%w: %v", ErrBackendUnreachable, opErr)
		}
		var dnsErr *net.DNSError
		if errors.As(urlErr.Err, &dnsErr) {
			return fmt.Errorf("%w: %v", ErrBackendUnreachable, dnsErr)
		}
	}

	return fmt.Errorf("stream transport: %w", err)
}

// isCancelled reports whether err belongs to the cancelled class.
func isCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
