// Copyright (C) 2025 The Verina Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the event parser, which converts frame payloads (JSON)
// into typed Event structs.
//
// Single Responsibility:
//
//	Parsers ONLY parse. They do not perform I/O, dispatch, or state
//	management. This separation keeps the wire-format quirks (field-name
//	compatibility, payload shapes per kind) in one testable place.
package stream

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// Event Parser Interface
// =============================================================================

// EventParser parses one frame payload into an Event.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use. The default
//	implementation is stateless and inherently thread-safe.
type EventParser interface {
	// ParseFrame parses a single frame's data payload.
	//
	// Returns a non-nil error only when the payload is not valid JSON or
	// lacks a type discriminator; callers are expected to drop such frames
	// with a warning rather than abort the stream.
	ParseFrame(payload string) (*Event, error)
}

// NewEventParser creates the parser for the backend's event format.
func NewEventParser() EventParser {
	return &eventParser{}
}

// eventParser is stateless; all state lives in the returned Event.
type eventParser struct{}

// envelope matches the union of all server payload shapes. Field names are
// kind-specific and matched exactly; see the per-kind handling in ParseFrame.
type envelope struct {
	Type      string            `json:"type"`
	Content   *string           `json:"content"`
	Data      json.RawMessage   `json:"data"`
	Message   string            `json:"message"`
	Error     string            `json:"error"`
	SessionID string            `json:"session_id"`
	Sources   []SearchCandidate `json:"sources"`
}

// ParseFrame parses one JSON frame payload into a typed Event.
//
// Compatibility rules carried over from the backend's historical formats:
//
//   - chunk text arrives under "content" (search path) or "data" (chat path)
//   - "sources" is the historical name for "metadata"; candidates may be at
//     the top level ("sources") or nested under "data"
//   - error text arrives under "message" or "error"
//
// Unknown type values produce an Event with the unknown Kind and the raw
// payload; deciding whether to ignore them is the dispatcher's business.
func (p *eventParser) ParseFrame(payload string) (*Event, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("parse frame: missing type discriminator")
	}

	ev := &Event{
		Kind: EventKind(env.Type),
		Raw:  json.RawMessage(payload),
	}

	switch ev.Kind {
	case EventChunk:
		if env.Content != nil {
			ev.Content = *env.Content
		} else if len(env.Data) > 0 {
			var s string
			if err := json.Unmarshal(env.Data, &s); err != nil {
				return nil, fmt.Errorf("parse chunk data: %w", err)
			}
			ev.Content = s
		}

	case EventMetadata, EventMetadataUpdate, EventSources:
		meta := &SearchMetadata{}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, meta); err != nil {
				return nil, fmt.Errorf("parse %s data: %w", env.Type, err)
			}
		} else if env.Sources != nil {
			meta.Candidates = env.Sources
		}
		ev.Metadata = meta

	case EventSessionCreated:
		ev.SessionID = env.SessionID

	case EventThinkingStep:
		step := &ThinkingStep{}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, step); err != nil {
				return nil, fmt.Errorf("parse thinking_step data: %w", err)
			}
		}
		ev.Step = step

	case EventStageSwitch:
		var sw struct {
			Stage string `json:"stage"`
		}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &sw); err != nil {
				return nil, fmt.Errorf("parse stage_switch data: %w", err)
			}
		}
		ev.Stage = sw.Stage

	case EventError:
		ev.Message = env.Message
		if ev.Message == "" {
			ev.Message = env.Error
		}
		if ev.Message == "" {
			ev.Message = "the server reported an unspecified error"
		}

	case EventComplete:
		ev.SessionID = env.SessionID
		ev.Completion = env.Data

	case EventDone:
		ev.SessionID = env.SessionID

	default:
		// Unknown kind. Keep the raw payload; the dispatcher logs and
		// ignores it.
	}

	return ev, nil
}

var _ EventParser = (*eventParser)(nil)
