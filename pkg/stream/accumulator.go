// Copyright (C) 2025 The Verina Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Notification Cadence
// =============================================================================

// NotifyCadence controls how often an Accumulator pushes snapshots to its
// subscriber. Fast streams can deliver hundreds of fragments per second;
// the cadence lets the consumer mirror text into a cheap display surface on
// every fragment while synchronizing richer state far less often.
type NotifyCadence int

const (
	// NotifyOnFinalize pushes a single snapshot when the buffer finalizes.
	NotifyOnFinalize NotifyCadence = iota

	// NotifyEveryFragment pushes a snapshot after every append.
	NotifyEveryFragment

	// NotifyInterval pushes at most one snapshot per interval, plus a final
	// one at finalize so no trailing text is lost.
	NotifyInterval
)

// =============================================================================
// Accumulator
// =============================================================================

// Accumulator collects streamed answer fragments into a running buffer.
//
// The buffer only ever grows until Finalize, after which it is immutable:
// late appends from a dying stream are dropped. Append never blocks on the
// consumer and never re-enters it except through the configured subscriber.
//
// An Accumulator belongs to exactly one operation and is never shared
// across operations.
type Accumulator struct {
	mu         sync.Mutex
	buf        strings.Builder
	finalized  bool
	final      string
	subscriber func(snapshot string)
	cadence    NotifyCadence
	interval   time.Duration
	lastPush   time.Time
}

// AccumulatorOption configures an Accumulator.
type AccumulatorOption func(*Accumulator)

// WithSubscriber attaches a push subscriber with the given cadence.
// interval is only consulted for NotifyInterval.
func WithSubscriber(fn func(snapshot string), cadence NotifyCadence, interval time.Duration) AccumulatorOption {
	return func(a *Accumulator) {
		a.subscriber = fn
		a.cadence = cadence
		a.interval = interval
	}
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator(opts ...AccumulatorOption) *Accumulator {
	a := &Accumulator{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Append adds one fragment to the buffer. Appends after Finalize are
// silently dropped.
func (a *Accumulator) Append(fragment string) {
	a.mu.Lock()
	if a.finalized {
		a.mu.Unlock()
		return
	}
	a.buf.WriteString(fragment)

	push := false
	switch a.cadence {
	case NotifyEveryFragment:
		push = a.subscriber != nil
	case NotifyInterval:
		if a.subscriber != nil && time.Since(a.lastPush) >= a.interval {
			a.lastPush = time.Now()
			push = true
		}
	}
	snapshot := a.buf.String()
	a.mu.Unlock()

	// Subscriber runs outside the lock so it may call Snapshot freely.
	if push {
		a.subscriber(snapshot)
	}
}

// Snapshot returns the text buffered so far.
func (a *Accumulator) Snapshot() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return a.final
	}
	return a.buf.String()
}

// Finalize marks the buffer complete and returns it. Idempotent: repeated
// calls return the identical string and push no further notifications.
func (a *Accumulator) Finalize() string {
	a.mu.Lock()
	if a.finalized {
		final := a.final
		a.mu.Unlock()
		return final
	}
	a.finalized = true
	a.final = a.buf.String()
	final := a.final
	notify := a.subscriber
	a.mu.Unlock()

	if notify != nil {
		notify(final)
	}
	return final
}

// Finalized reports whether Finalize has run.
func (a *Accumulator) Finalized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finalized
}
