// Copyright (C) 2025 The Verina Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the stream session registry: the single owner of
// "which handle is current" per correlation key.
package stream

import (
	"context"
	"log/slog"
	"sync"
)

// =============================================================================
// Token
// =============================================================================

// Token identifies one live streaming operation on a correlation key.
//
// A token is handed out by Registry.Begin and carries the operation's
// cancellation context. Once the context is cancelled it never un-cancels;
// supersession, explicit cancel, and completion all trigger the same path.
type Token struct {
	key string
	gen uint64
	ctx context.Context
}

// Key returns the correlation key the token was minted for.
func (t Token) Key() string { return t.key }

// Context returns the operation's cancellation context. In-flight network
// reads must be issued with this context so that cancelling the token
// resolves pending reads with an abort condition.
func (t Token) Context() context.Context { return t.ctx }

// =============================================================================
// Registry
// =============================================================================

// Registry tracks at most one in-flight operation per correlation key and
// applies the supersede-on-begin cancellation policy.
//
// All mutation of the key→handle mapping happens under one mutex, so Begin's
// guarantee holds under concurrency: the predecessor's token is cancelled
// before the successor's token exists, which means before the successor's
// first network read can be issued.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*handle
	gen     uint64
}

type handle struct {
	gen    uint64
	cancel context.CancelFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*handle)}
}

// Begin registers a new operation for key and returns its token.
//
// If a handle already exists for key it is cancelled first: re-invoking an
// operation on the same key supersedes its predecessor. The returned token's
// context is derived from parent, so cancelling parent cancels the operation
// too.
func (r *Registry) Begin(parent context.Context, key string) Token {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.handles[key]; ok {
		slog.Debug("superseding in-flight operation", "key", key, "generation", prev.gen)
		metricOperationsSuperseded.Inc()
		prev.cancel()
	}

	r.gen++
	ctx, cancel := context.WithCancel(parent)
	r.handles[key] = &handle{gen: r.gen, cancel: cancel}

	metricOperationsBegun.Inc()
	metricActiveHandles.Set(float64(len(r.handles)))

	return Token{key: key, gen: r.gen, ctx: ctx}
}

// Cancel triggers the current token for key and removes the mapping.
// A no-op when no entry exists; it never errors.
func (r *Registry) Cancel(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[key]
	if !ok {
		return
	}
	h.cancel()
	delete(r.handles, key)

	metricOperationsCancelled.Inc()
	metricActiveHandles.Set(float64(len(r.handles)))
}

// CancelAll cancels every live handle. Consumers must call this on teardown
// so no orphaned read keeps mutating state nobody observes.
func (r *Registry) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, h := range r.handles {
		h.cancel()
		delete(r.handles, key)
		metricOperationsCancelled.Inc()
	}
	metricActiveHandles.Set(0)
}

// IsCurrent reports whether tok is still the live handle for its key.
//
// In-flight readers call this once per decoded frame, immediately before
// acting on it, to detect supersession the transport has not yet observed.
func (r *Registry) IsCurrent(tok Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[tok.key]
	return ok && h.gen == tok.gen
}

// Release removes tok's mapping and triggers its context, but only if tok is
// still current. Called by the owning operation on every exit path
// (completion, error, explicit stop); a superseded operation's Release must
// not disturb its successor's handle. Reports whether the entry was removed,
// so callers know the released token actually held the handle and only then
// tear down state shared with a possible successor.
func (r *Registry) Release(tok Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[tok.key]
	if !ok || h.gen != tok.gen {
		return false
	}
	h.cancel()
	delete(r.handles, tok.key)
	metricActiveHandles.Set(float64(len(r.handles)))
	return true
}

// Has reports whether a live handle exists for key.
func (r *Registry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.handles[key]
	return ok
}

// Keys returns the correlation keys with a live handle, for diagnostics.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.handles))
	for k := range r.handles {
		keys = append(keys, k)
	}
	return keys
}
