// Copyright (C) 2025 The Verina Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the protocol dispatcher, the one place where decoded
// events meet consumer callbacks. Supersession checks are centralized here —
// exactly one IsCurrent check per frame — instead of being duplicated at
// every callback site.
package stream

import (
	"log/slog"
)

// dispatcher routes decoded events for a single operation.
//
// One dispatcher exists per Stream Handle. It is driven from the operation's
// reader goroutine, so callbacks fire sequentially in frame order and no
// frame is ever partially dispatched.
type dispatcher struct {
	registry *Registry
	token    Token
	cb       Callbacks
	acc      *Accumulator

	// stage is non-nil only on the chat path.
	stage *StageTracker
}

// dispatch routes one event to exactly one callback, chosen by kind, after
// re-validating that the owning operation is still current. Returns true
// when the event was terminal and reading must stop.
//
// A record belonging to a superseded operation is discarded silently: a late
// frame from a cancelled stream must not corrupt state belonging to the
// operation that replaced it.
func (d *dispatcher) dispatch(ev *Event) bool {
	if !d.registry.IsCurrent(d.token) {
		slog.Debug("discarding frame for superseded operation",
			"key", d.token.key,
			"kind", ev.Kind,
			"index", ev.Index,
		)
		metricFramesDropped.WithLabelValues(dropReasonSuperseded).Inc()
		return true
	}

	switch ev.Kind {
	case EventMetadata, EventMetadataUpdate, EventSources:
		// Two historical names, one meaning: both populate result-list and
		// related-query state.
		if d.cb.OnMetadata != nil && ev.Metadata != nil {
			d.cb.OnMetadata(*ev.Metadata)
		}

	case EventChunk:
		d.acc.Append(ev.Content)
		if d.cb.OnChunk != nil {
			d.cb.OnChunk(ev.Content)
		}

	case EventSessionCreated:
		if d.cb.OnSessionCreated != nil {
			d.cb.OnSessionCreated(ev.SessionID)
		}

	case EventThinkingStep:
		if d.cb.OnThinkingStep != nil && ev.Step != nil {
			d.cb.OnThinkingStep(*ev.Step)
		}

	case EventStageSwitch:
		if d.stage == nil {
			slog.Debug("stage switch on non-chat stream ignored", "key", d.token.key)
			break
		}
		if next, ok := d.stage.applyStageSwitch(ev.Stage); ok {
			if d.cb.OnStageSwitch != nil {
				d.cb.OnStageSwitch(next)
			}
		}

	case EventDone:
		answer := d.acc.Finalize()
		d.release()
		if d.cb.OnDone != nil {
			d.cb.OnDone(answer)
		}
		metricEventsDispatched.WithLabelValues(string(ev.Kind)).Inc()
		return true

	case EventComplete:
		answer := d.acc.Finalize()
		d.release()
		if d.cb.OnComplete != nil {
			d.cb.OnComplete(answer, ev.Completion)
		}
		metricEventsDispatched.WithLabelValues(string(ev.Kind)).Inc()
		return true

	case EventError:
		d.acc.Finalize()
		d.release()
		if d.cb.OnError != nil {
			d.cb.OnError(&ProtocolError{Message: ev.Message})
		}
		metricEventsDispatched.WithLabelValues(string(ev.Kind)).Inc()
		return true

	default:
		// Unknown kinds are logged and ignored, never fatal.
		slog.Debug("ignoring unknown event kind", "key", d.token.key, "kind", ev.Kind)
		metricFramesDropped.WithLabelValues(dropReasonUnknown).Inc()
		return false
	}

	metricEventsDispatched.WithLabelValues(string(ev.Kind)).Inc()
	return false
}

// completeEOF settles an operation whose stream ended without a terminal
// event. Some proxies drop the final frame; the accumulated answer is still
// delivered through the completion callback rather than lost. No-op when a
// terminal event already released the handle.
func (d *dispatcher) completeEOF() {
	if !d.registry.IsCurrent(d.token) {
		return
	}

	slog.Debug("stream ended without terminal event", "key", d.token.key)
	answer := d.acc.Finalize()
	d.release()

	if d.stage != nil {
		if d.cb.OnComplete != nil {
			d.cb.OnComplete(answer, nil)
		}
		return
	}
	if d.cb.OnDone != nil {
		d.cb.OnDone(answer)
	}
}

// release frees the operation's handle after a terminal event. The chat
// stage machine is reset only when this token actually held the handle: a
// superseded operation's teardown must not clobber the stage its successor
// has already entered. Safe to call more than once.
func (d *dispatcher) release() {
	if !d.registry.Release(d.token) {
		return
	}
	if d.stage != nil {
		d.stage.Reset()
	}
}
