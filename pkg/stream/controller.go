// Copyright (C) 2025 The Verina Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file defines the Controller facade: the public operation surface that
// wires decoder, parser, registry, dispatcher, accumulator, and stage
// tracker together per call site.
//
// # Architecture
//
//	caller → Controller → HTTPClient → response body
//	                          ↓
//	              StreamReader (FrameDecoder → EventParser)
//	                          ↓
//	              dispatcher → {Accumulator, StageTracker, Callbacks}
//
// Cancellation flows the opposite direction: caller or a superseding call →
// Registry → token context cancelled → pending read aborts → reader exits.
//
// Two cancellation policies live here, one per call site:
//
//   - StartSearch is multiplexed: operations on distinct keys run
//     concurrently and never cancel each other; only re-invoking the same
//     key supersedes its predecessor.
//   - StartChat is single-flight: a new turn cancels whatever chat
//     operation is active, on any key. Switching the active session is
//     itself an implicit cancel-then-begin.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/YangLi-leo/Verina/pkg/stream"

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Controller. Only BaseURL is required.
type Config struct {
	// BaseURL is the backend URL without trailing slash (required),
	// e.g. "http://localhost:8000".
	BaseURL string

	// HTTPClient overrides the transport, mainly for tests. Default: a
	// streaming-suited client with no overall timeout.
	HTTPClient HTTPClient

	// IdleTimeout cancels an operation when no bytes arrive for this long.
	// The stall is classified as cancelled, not as an error. 0 disables.
	IdleTimeout time.Duration

	// OnStageTick receives the research stage's recomputed elapsed seconds
	// once per second while researching. Optional.
	OnStageTick func(elapsedSeconds int)
}

// =============================================================================
// Requests
// =============================================================================

// SearchRequest is the body of a search streaming operation.
type SearchRequest struct {
	Query        string `json:"query"`
	DeepThinking bool   `json:"deep_thinking"`
}

// ChatRequest is the body of a chat streaming operation.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`

	// Mode selects "chat" (single-turn answers) or "agent" (autonomous
	// multi-step research with thinking steps and stage switches).
	Mode string `json:"mode,omitempty"`
}

// =============================================================================
// Operation Handle
// =============================================================================

// Operation is the caller-visible handle of one streaming operation.
//
// Callbacks are the primary consumption surface; the handle exists for
// callers that want to block until the stream settles (CLIs, tests).
type Operation struct {
	key   string
	token Token
	done  chan struct{}

	mu  sync.Mutex
	err error
}

// Key returns the operation's correlation key.
func (o *Operation) Key() string { return o.key }

// Done is closed when the operation has fully settled: terminal event
// dispatched, failure surfaced, or cancellation absorbed.
func (o *Operation) Done() <-chan struct{} { return o.done }

// Err returns nil after normal completion, ErrCancelled after explicit
// cancel, supersession, or idle timeout, and the surfaced error otherwise.
// Valid only after Done is closed.
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

func (o *Operation) fail(err error) {
	o.mu.Lock()
	o.err = err
	o.mu.Unlock()
}

// =============================================================================
// Controller
// =============================================================================

// Controller is the public facade over the streaming core.
//
// # Description
//
// A Controller instance is explicitly constructed and owned by whatever
// lifetime scope needs it (a UI component, a CLI session); there are no
// package-level singletons, so tests never bleed state into each other. The
// owner must call CancelAll on teardown: an operation left running would
// keep mutating state nobody observes.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Callbacks for one operation fire
// sequentially from that operation's reader goroutine, in frame order.
//
// # Example
//
//	ctrl := stream.NewController(stream.Config{BaseURL: "http://localhost:8000"})
//	defer ctrl.CancelAll()
//
//	op := ctrl.StartSearch(ctx, "", stream.SearchRequest{Query: "solar sails"},
//	    stream.Callbacks{
//	        OnChunk: func(s string) { fmt.Print(s) },
//	        OnDone:  func(answer string) { fmt.Println() },
//	        OnError: func(err error) { fmt.Fprintln(os.Stderr, err) },
//	    })
//	<-op.Done()
type Controller struct {
	client      HTTPClient
	reader      StreamReader
	baseURL     string
	idleTimeout time.Duration
	registry    *Registry
	stage       *StageTracker
	tracer      trace.Tracer

	mu       sync.Mutex
	accs     map[string]*Accumulator // current accumulator per key
	sessions map[string]string       // chat key → server session id
	chatKey  string                  // key of the single-flight chat slot
}

// NewController creates a Controller for the backend at config.BaseURL.
func NewController(config Config) *Controller {
	client := config.HTTPClient
	if client == nil {
		client = NewHTTPClient(nil)
	}

	return &Controller{
		client:      client,
		reader:      NewStreamReader(NewEventParser()),
		baseURL:     config.BaseURL,
		idleTimeout: config.IdleTimeout,
		registry:    NewRegistry(),
		stage:       NewStageTracker(config.OnStageTick),
		tracer:      otel.Tracer(tracerName),
		accs:        make(map[string]*Accumulator),
		sessions:    make(map[string]string),
	}
}

// =============================================================================
// Operations
// =============================================================================

// StartSearch begins a streaming search operation.
//
// # Description
//
// Multiplexed policy: operations on distinct keys run independently; calling
// StartSearch again with the same key cancels the in-flight predecessor
// before the new request is issued, and the predecessor's remaining frames
// are discarded.
//
// # Inputs
//
//   - ctx: parent context; cancelling it cancels the operation.
//   - key: correlation key. Empty generates "search_<ts>_<rand>".
//   - req: query and mode flags.
//   - cb: callback table. OnMetadata, OnChunk, OnDone, OnError are the
//     kinds this path produces.
//   - accOpts: optional accumulator subscription (display cadence).
//
// # Outputs
//
//   - *Operation: handle for the started operation. Never nil.
func (c *Controller) StartSearch(ctx context.Context, key string, req SearchRequest, cb Callbacks, accOpts ...AccumulatorOption) *Operation {
	if key == "" {
		key = NewOperationKey("search")
	}
	return c.start(ctx, key, c.baseURL+"/api/v1/search/stream", req, cb, false, accOpts)
}

// StartChat begins a streaming chat turn.
//
// # Description
//
// Single-flight policy: whatever chat operation is active is cancelled
// first, regardless of key — the product supports exactly one active
// conversation turn at a time, and switching sessions is an implicit
// cancel-then-begin. A best-effort remote stop is sent for the cancelled
// turn's session so the server stops generating too.
//
// The stage machine is reset and enters planning as the turn begins; a
// stage_switch event moves it to researching.
//
// # Inputs
//
//   - ctx: parent context; cancelling it cancels the operation.
//   - key: correlation key. Empty generates "chat_<ts>_<rand>".
//   - req: message, optional session id, and mode ("chat" or "agent").
//   - cb: callback table. OnSessionCreated, OnThinkingStep, OnStageSwitch,
//     OnChunk, OnComplete, OnError are the kinds this path produces.
//   - accOpts: optional accumulator subscription (display cadence).
//
// # Outputs
//
//   - *Operation: handle for the started operation. Never nil.
func (c *Controller) StartChat(ctx context.Context, key string, req ChatRequest, cb Callbacks, accOpts ...AccumulatorOption) *Operation {
	if key == "" {
		key = NewOperationKey("chat")
	}
	if req.Mode == "" {
		req.Mode = "chat"
	}

	c.mu.Lock()
	prev := c.chatKey
	prevSession := c.sessions[prev]
	c.chatKey = key
	c.sessions[key] = req.SessionID
	if prev != "" && prev != key {
		// The superseded turn's bookkeeping is dead; its consumer moved on.
		delete(c.sessions, prev)
		delete(c.accs, prev)
	}
	c.mu.Unlock()

	if prev != "" && prev != key {
		c.registry.Cancel(prev)
		c.stopRemote(prevSession)
	}

	c.stage.Reset()
	c.stage.StartPlanning()

	// Record the server-assigned session id so a later cancel can stop the
	// right session remotely.
	userOnSession := cb.OnSessionCreated
	cb.OnSessionCreated = func(sessionID string) {
		c.mu.Lock()
		c.sessions[key] = sessionID
		c.mu.Unlock()
		if userOnSession != nil {
			userOnSession(sessionID)
		}
	}

	return c.start(ctx, key, c.baseURL+"/api/v1/chat/stream", req, cb, true, accOpts)
}

// Cancel cancels the operation on key, if any. The operation is classified
// as cancelled: its OnError is not invoked and its loading state is cleared
// silently. A later begin on the same key proceeds unaffected.
func (c *Controller) Cancel(key string) {
	c.registry.Cancel(key)

	c.mu.Lock()
	isChat := key == c.chatKey
	session := c.sessions[key]
	if isChat {
		c.chatKey = ""
	}
	delete(c.sessions, key)
	delete(c.accs, key)
	c.mu.Unlock()

	if isChat {
		c.stage.Reset()
		c.stopRemote(session)
	}
}

// CancelAll cancels every in-flight operation. Owners must call this on
// teardown so no orphaned read outlives its consumer.
func (c *Controller) CancelAll() {
	c.registry.CancelAll()
	c.stage.Reset()

	c.mu.Lock()
	c.chatKey = ""
	c.accs = make(map[string]*Accumulator)
	c.sessions = make(map[string]string)
	c.mu.Unlock()
}

// =============================================================================
// Read-only Accessors
// =============================================================================

// Snapshot returns the answer text buffered so far for key, or "" when the
// key is unknown. The last answer per key stays readable after completion
// until the key is cancelled, superseded, or the controller is torn down.
// Safe to call at any display frequency; it does not interfere with
// append-frequency writes.
func (c *Controller) Snapshot(key string) string {
	c.mu.Lock()
	acc := c.accs[key]
	c.mu.Unlock()

	if acc == nil {
		return ""
	}
	return acc.Snapshot()
}

// CurrentStage returns the chat workflow stage.
func (c *Controller) CurrentStage() Stage { return c.stage.Current() }

// ElapsedSeconds returns whole seconds spent in the researching stage, or 0
// outside it.
func (c *Controller) ElapsedSeconds() int { return c.stage.ElapsedSeconds() }

// =============================================================================
// Internals
// =============================================================================

// start mints the operation's handle and launches its reader goroutine.
func (c *Controller) start(ctx context.Context, key, endpoint string, reqBody any, cb Callbacks, isChat bool, accOpts []AccumulatorOption) *Operation {
	token := c.registry.Begin(ctx, key)
	acc := NewAccumulator(accOpts...)

	c.mu.Lock()
	c.accs[key] = acc
	c.mu.Unlock()

	op := &Operation{key: key, token: token, done: make(chan struct{})}

	disp := &dispatcher{
		registry: c.registry,
		token:    token,
		cb:       cb,
		acc:      acc,
	}
	if isChat {
		disp.stage = c.stage
	}

	go c.run(op, endpoint, reqBody, disp, isChat)
	return op
}

// run executes one operation end to end. Every exit path releases the
// registry handle, settles the Operation, and closes Done.
func (c *Controller) run(op *Operation, endpoint string, reqBody any, disp *dispatcher, isChat bool) {
	defer close(op.done)
	defer c.forget(op, isChat)

	ctx := op.token.Context()
	kind := "search"
	if isChat {
		kind = "chat"
	}
	ctx, span := c.tracer.Start(ctx, "stream."+kind,
		trace.WithAttributes(attribute.String("stream.key", op.key)),
	)
	defer span.End()

	payload, err := json.Marshal(reqBody)
	if err != nil {
		c.fail(op, disp, span, fmt.Errorf("marshal request: %w", err))
		return
	}

	slog.Debug("starting streaming operation",
		"key", op.key,
		"kind", kind,
		"endpoint", endpoint,
		"payload_length", len(payload),
	)

	resp, err := c.client.Post(ctx, endpoint, "application/json", bytes.NewReader(payload))
	if err != nil {
		c.fail(op, disp, span, classifyTransportError(ctx, err))
		return
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Error("failed to close response body", "key", op.key, "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := string(bytes.TrimSpace(bodyBytes))
		if readErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		c.fail(op, disp, span, &ProtocolError{StatusCode: resp.StatusCode, Message: msg})
		return
	}

	var src io.Reader = resp.Body
	if c.idleTimeout > 0 {
		watchdog := newIdleWatchdogReader(resp.Body, c.idleTimeout, func() {
			disp.release()
		})
		defer watchdog.Stop()
		src = watchdog
	}

	err = c.reader.Read(ctx, src, func(ev *Event) bool {
		return disp.dispatch(ev)
	})
	if err != nil {
		c.fail(op, disp, span, classifyTransportError(ctx, err))
		return
	}

	// Clean exit: either a terminal event was dispatched, or the server
	// closed the stream without one and the dispatcher settles at EOF.
	disp.completeEOF()
	span.SetStatus(codes.Ok, "")

	slog.Debug("streaming operation finished", "key", op.key, "kind", kind)
}

// fail settles an operation that did not finish cleanly.
//
// Cancellation (explicit cancel, supersession, idle timeout, parent context
// cancelled) is absorbed: state is cleared, Err reports ErrCancelled, and no
// OnError fires. Anything else crosses the boundary through OnError exactly
// once. A transport failure observed by an already superseded operation is
// demoted to cancelled: the consumer has moved on.
func (c *Controller) fail(op *Operation, disp *dispatcher, span trace.Span, err error) {
	if isCancelled(err) || !c.registry.IsCurrent(op.token) {
		slog.Debug("streaming operation cancelled", "key", op.key)
		span.SetStatus(codes.Ok, "cancelled")
		disp.release()
		op.fail(ErrCancelled)
		return
	}

	slog.Error("streaming operation failed", "key", op.key, "error", err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	disp.acc.Finalize()
	disp.release()
	op.fail(err)

	if disp.cb.OnError != nil {
		disp.cb.OnError(err)
	}
}

// forget drops the session bookkeeping of a settled chat operation, unless a
// successor has already taken over the key. The accumulator entry stays
// until its key is cancelled, superseded, or the controller is torn down, so
// Snapshot keeps serving the final answer.
func (c *Controller) forget(op *Operation, isChat bool) {
	if !isChat {
		return
	}
	if c.registry.Has(op.key) {
		return
	}

	c.mu.Lock()
	delete(c.sessions, op.key)
	c.mu.Unlock()
}

// stopRemote asks the server to stop generating for a session. Best-effort:
// the client-side abort already stopped local consumption, this only saves
// server cycles, so failures are logged and forgotten.
func (c *Controller) stopRemote(sessionID string) {
	if sessionID == "" {
		return
	}

	endpoint := fmt.Sprintf("%s/api/v1/chat/session/%s/stop", c.baseURL, url.PathEscape(sessionID))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		resp, err := c.client.Post(ctx, endpoint, "application/json", nil)
		if err != nil {
			slog.Debug("remote stop failed", "session_id", sessionID, "error", err)
			return
		}
		_ = resp.Body.Close()
	}()
}
