// Copyright (C) 2025 The Verina Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package stream implements the client-side streaming core for the Verina
// backend. It consumes the backend's SSE endpoints (search and chat),
// decodes the line-delimited event framing, and converts the raw stream into
// typed events, accumulated answer text, and stage state, while tolerating
// cancellation, session switching, and concurrent operations.
//
// The package follows a layered architecture:
//
//	HTTP Response Body → FrameDecoder → EventParser → Dispatcher → Callbacks
//	                                                      ↓
//	                                         Accumulator / StageTracker
//
// Each layer has a single responsibility: the decoder only frames bytes, the
// parser only parses, the dispatcher only routes, and the Controller facade
// wires them together per operation.
package stream

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Event Kinds
// =============================================================================

// EventKind identifies the type of a streamed event.
//
// The search path emits: metadata, metadata_update, sources, chunk, done,
// error. The chat path emits: session_created, thinking_step, stage_switch,
// chunk, complete, done, error. Unknown kinds are carried through the parser
// and ignored by the dispatcher; they are never fatal.
type EventKind string

const (
	// EventMetadata carries search result candidates and related queries.
	EventMetadata EventKind = "metadata"

	// EventMetadataUpdate carries supplemental candidates discovered after
	// the initial metadata event (deep-thinking searches).
	EventMetadataUpdate EventKind = "metadata_update"

	// EventSources is the historical name for metadata. Both populate the
	// same result-list state; the dispatcher treats them as equivalent.
	EventSources EventKind = "sources"

	// EventChunk carries one fragment of streamed answer text.
	EventChunk EventKind = "chunk"

	// EventDone signals normal completion of a search stream. The chat path
	// also appends a trailing done after complete.
	EventDone EventKind = "done"

	// EventSessionCreated carries the server-assigned chat session id.
	EventSessionCreated EventKind = "session_created"

	// EventThinkingStep describes one tool execution in the agent loop.
	EventThinkingStep EventKind = "thinking_step"

	// EventStageSwitch signals a workflow stage transition (agent mode).
	EventStageSwitch EventKind = "stage_switch"

	// EventComplete signals normal completion of a chat stream and carries
	// the final response payload.
	EventComplete EventKind = "complete"

	// EventError carries a server-side failure description.
	EventError EventKind = "error"
)

// Terminal reports whether the kind ends its stream. After a terminal event
// no further frames are dispatched for the owning operation.
func (k EventKind) Terminal() bool {
	return k == EventDone || k == EventComplete || k == EventError
}

// =============================================================================
// Payload Types
// =============================================================================

// SearchCandidate is one search result in a metadata event.
type SearchCandidate struct {
	Idx     int     `json:"idx"`
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet"`
	Age     string  `json:"age,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// SearchMetadata is the payload of metadata/metadata_update/sources events.
//
// For metadata_update only Candidates and Action are populated; Action is
// "append" (default) or "replace".
type SearchMetadata struct {
	SearchID        string            `json:"search_id,omitempty"`
	OriginalQuery   string            `json:"original_query,omitempty"`
	Queries         []string          `json:"queries,omitempty"`
	Candidates      []SearchCandidate `json:"candidates"`
	RelatedSearches []string          `json:"related_searches,omitempty"`
	Action          string            `json:"action,omitempty"`
}

// ThinkingStep describes one tool execution in the agent's reasoning loop.
// The step is received as an opaque description; the client never inspects
// tool semantics beyond display.
type ThinkingStep struct {
	Step      int             `json:"step"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    string          `json:"output,omitempty"`
	Success   bool            `json:"success"`
	Timestamp string          `json:"timestamp,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
}

// =============================================================================
// Event
// =============================================================================

// Event is one decoded record from the stream.
//
// Only the fields relevant to Kind are populated. Raw always holds the
// complete JSON payload so callers can recover fields this client does not
// model (the complete event's full response, for example).
type Event struct {
	Kind      EventKind
	Index     int    // 0-based position within the stream
	Content   string // chunk text
	Message   string // error message
	SessionID string // session_created payload
	Stage     string // stage_switch target ("research")
	Metadata  *SearchMetadata
	Step      *ThinkingStep

	// Completion holds the complete event's final-response payload.
	Completion json.RawMessage

	// Raw holds the full frame payload for every kind.
	Raw json.RawMessage
}

// =============================================================================
// Callbacks
// =============================================================================

// Callbacks is the table of consumer hooks invoked by the dispatcher.
//
// Every field is optional; nil callbacks are skipped. All callbacks for one
// operation are invoked sequentially from that operation's reader goroutine,
// in frame order. A callback must not block for long: it stalls the stream.
//
// Exactly one of OnDone/OnComplete/OnError fires per operation, unless the
// operation is cancelled or superseded, in which case none fire.
type Callbacks struct {
	// OnMetadata receives metadata, metadata_update, and sources events.
	OnMetadata func(meta SearchMetadata)

	// OnChunk receives one answer text fragment.
	OnChunk func(fragment string)

	// OnThinkingStep receives agent tool-execution descriptions.
	OnThinkingStep func(step ThinkingStep)

	// OnStageSwitch receives workflow stage transitions.
	OnStageSwitch func(stage Stage)

	// OnSessionCreated receives the server-assigned session id for a chat
	// operation that started without one.
	OnSessionCreated func(sessionID string)

	// OnDone fires on normal completion with the finalized answer text.
	OnDone func(answer string)

	// OnComplete fires on chat completion with the finalized answer text
	// and the raw final-response payload.
	OnComplete func(answer string, raw json.RawMessage)

	// OnError fires for protocol and transport failures. It never fires for
	// explicit cancellation or supersession.
	OnError func(err error)
}

// =============================================================================
// Correlation Keys
// =============================================================================

// NewOperationKey generates a correlation key in the backend's own format,
// prefix_timestamp_random, e.g. "search_20250825_142301_9f2ca1b4".
//
// Uniqueness is only required within one registry lifetime; eight hex chars
// of a UUID alongside a second-resolution timestamp is ample for that.
func NewOperationKey(prefix string) string {
	ts := time.Now().Format("20060102_150405")
	suffix := uuid.New().String()[:8]
	return prefix + "_" + ts + "_" + suffix
}
