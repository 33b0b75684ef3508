// Copyright (C) 2025 The Verina Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// mockHTTPClient implements HTTPClient with scripted responses and records
// every request URL for assertions.
type mockHTTPClient struct {
	mu    sync.Mutex
	posts []string

	postFn   func(ctx context.Context, url string) (*http.Response, error)
	getFn    func(ctx context.Context, url string) (*http.Response, error)
	deleteFn func(ctx context.Context, url string) (*http.Response, error)
}

func (m *mockHTTPClient) Post(ctx context.Context, url, _ string, _ io.Reader) (*http.Response, error) {
	m.mu.Lock()
	m.posts = append(m.posts, url)
	m.mu.Unlock()
	return m.postFn(ctx, url)
}

func (m *mockHTTPClient) Get(ctx context.Context, url string) (*http.Response, error) {
	if m.getFn == nil {
		return nil, errors.New("unexpected Get")
	}
	return m.getFn(ctx, url)
}

func (m *mockHTTPClient) Delete(ctx context.Context, url string) (*http.Response, error) {
	if m.deleteFn == nil {
		return nil, errors.New("unexpected Delete")
	}
	return m.deleteFn(ctx, url)
}

func (m *mockHTTPClient) postedURLs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.posts))
	copy(out, m.posts)
	return out
}

// sseFrame wraps a JSON payload in SSE framing.
func sseFrame(payload string) string {
	return "data: " + payload + "\n\n"
}

// sseResponse builds a 200 response whose body is the given frames joined.
func sseResponse(frames ...string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(strings.Join(frames, ""))),
	}
}

// scriptedBody is a response body fed frame by frame from a channel. Reads
// block until a frame arrives, the channel closes (EOF), or the request
// context is cancelled, matching net/http body semantics.
type scriptedBody struct {
	ctx    context.Context
	frames chan string
	buf    []byte
}

func newScriptedBody(ctx context.Context) *scriptedBody {
	return &scriptedBody{ctx: ctx, frames: make(chan string, 16)}
}

func (b *scriptedBody) Read(p []byte) (int, error) {
	if len(b.buf) == 0 {
		select {
		case frame, ok := <-b.frames:
			if !ok {
				return 0, io.EOF
			}
			b.buf = []byte(frame)
		case <-b.ctx.Done():
			return 0, b.ctx.Err()
		}
	}
	n := copy(p, b.buf)
	b.buf = b.buf[n:]
	return n, nil
}

func (b *scriptedBody) Close() error { return nil }

// syncCallbacks is recordingCallbacks behind a mutex, for operations whose
// reader goroutine may still be running when the test asserts.
type syncCallbacks struct {
	mu  sync.Mutex
	rec recordingCallbacks
}

func (s *syncCallbacks) table() Callbacks {
	return Callbacks{
		OnMetadata: func(m SearchMetadata) {
			s.mu.Lock()
			s.rec.metadata = append(s.rec.metadata, m)
			s.mu.Unlock()
		},
		OnChunk: func(c string) {
			s.mu.Lock()
			s.rec.chunks = append(s.rec.chunks, c)
			s.mu.Unlock()
		},
		OnSessionCreated: func(id string) {
			s.mu.Lock()
			s.rec.sessions = append(s.rec.sessions, id)
			s.mu.Unlock()
		},
		OnStageSwitch: func(st Stage) {
			s.mu.Lock()
			s.rec.stages = append(s.rec.stages, st)
			s.mu.Unlock()
		},
		OnDone: func(a string) {
			s.mu.Lock()
			s.rec.done = append(s.rec.done, a)
			s.mu.Unlock()
		},
		OnComplete: func(a string, _ json.RawMessage) {
			s.mu.Lock()
			s.rec.completes = append(s.rec.completes, a)
			s.mu.Unlock()
		},
		OnError: func(err error) {
			s.mu.Lock()
			s.rec.errs = append(s.rec.errs, err)
			s.mu.Unlock()
		},
	}
}

func (s *syncCallbacks) snapshot() recordingCallbacks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec
}

func waitDone(t *testing.T, op *Operation) {
	t.Helper()
	select {
	case <-op.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("operation did not settle")
	}
}

// =============================================================================
// SEARCH PATH
// =============================================================================

func TestControllerSearchHappyPath(t *testing.T) {
	client := &mockHTTPClient{
		postFn: func(context.Context, string) (*http.Response, error) {
			return sseResponse(
				sseFrame(`{"type":"metadata","data":{"search_id":"s1","candidates":[{"idx":1,"title":"Go","url":"https://go.dev"}]}}`),
				sseFrame(`{"type":"chunk","content":"Hel"}`),
				sseFrame(`{"type":"chunk","content":"lo"}`),
				sseFrame(`{"type":"done"}`),
			), nil
		},
	}
	ctrl := NewController(Config{BaseURL: "http://test", HTTPClient: client})
	defer ctrl.CancelAll()

	cb := &syncCallbacks{}
	op := ctrl.StartSearch(context.Background(), "", SearchRequest{Query: "go"}, cb.table())
	waitDone(t, op)

	if err := op.Err(); err != nil {
		t.Fatalf("op.Err = %v", err)
	}
	rec := cb.snapshot()
	if len(rec.metadata) != 1 || len(rec.metadata[0].Candidates) != 1 {
		t.Errorf("metadata = %+v", rec.metadata)
	}
	if len(rec.done) != 1 || rec.done[0] != "Hello" {
		t.Errorf("done = %v", rec.done)
	}
	if len(rec.errs) != 0 {
		t.Errorf("errs = %v", rec.errs)
	}
	if ctrl.Snapshot(op.Key()) != "Hello" {
		t.Errorf("snapshot = %q", ctrl.Snapshot(op.Key()))
	}

	posted := client.postedURLs()
	if len(posted) != 1 || posted[0] != "http://test/api/v1/search/stream" {
		t.Errorf("posted = %v", posted)
	}
}

func TestControllerSearchChunkBoundaries(t *testing.T) {
	// The full stack must reassemble frames regardless of how the transport
	// splits them; here the delimiter itself straddles two reads.
	payload := sseFrame(`{"type":"chunk","content":"Hello"}`) + sseFrame(`{"type":"done"}`)

	for size := 1; size <= 9; size++ {
		client := &mockHTTPClient{
			postFn: func(context.Context, string) (*http.Response, error) {
				return &http.Response{
					StatusCode: http.StatusOK,
					Body:       io.NopCloser(&chunkedReader{data: payload, size: size}),
				}, nil
			},
		}
		ctrl := NewController(Config{BaseURL: "http://test", HTTPClient: client})

		cb := &syncCallbacks{}
		op := ctrl.StartSearch(context.Background(), "", SearchRequest{Query: "q"}, cb.table())
		waitDone(t, op)

		rec := cb.snapshot()
		if got := strings.Join(rec.chunks, ""); got != "Hello" {
			t.Errorf("size %d: chunks = %q", size, got)
		}
		if len(rec.done) != 1 {
			t.Errorf("size %d: done fired %d times", size, len(rec.done))
		}
		ctrl.CancelAll()
	}
}

func TestControllerSearchMultiplexed(t *testing.T) {
	bodies := map[string]string{
		"alpha": sseFrame(`{"type":"chunk","content":"answer A"}`) + sseFrame(`{"type":"done"}`),
		"beta":  sseFrame(`{"type":"chunk","content":"answer B"}`) + sseFrame(`{"type":"done"}`),
	}
	// Scripted per-operation bodies keyed off call order.
	calls := 0
	var mu sync.Mutex
	client := &mockHTTPClient{
		postFn: func(context.Context, string) (*http.Response, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return sseResponse(bodies["alpha"]), nil
			}
			return sseResponse(bodies["beta"]), nil
		},
	}

	ctrl := NewController(Config{BaseURL: "http://test", HTTPClient: client})
	defer ctrl.CancelAll()

	cbA, cbB := &syncCallbacks{}, &syncCallbacks{}
	opA := ctrl.StartSearch(context.Background(), "key-a", SearchRequest{Query: "a"}, cbA.table())
	opB := ctrl.StartSearch(context.Background(), "key-b", SearchRequest{Query: "b"}, cbB.table())
	waitDone(t, opA)
	waitDone(t, opB)

	if opA.Err() != nil || opB.Err() != nil {
		t.Fatalf("errs: %v, %v", opA.Err(), opB.Err())
	}
	recA, recB := cbA.snapshot(), cbB.snapshot()
	if len(recA.done) != 1 || len(recB.done) != 1 {
		t.Error("operations on distinct keys must both complete")
	}
}

func TestControllerSameKeySupersedes(t *testing.T) {
	firstCtx := make(chan context.Context, 1)
	var mu sync.Mutex
	calls := 0
	client := &mockHTTPClient{
		postFn: func(ctx context.Context, _ string) (*http.Response, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				body := newScriptedBody(ctx)
				body.frames <- sseFrame(`{"type":"chunk","content":"old "}`)
				firstCtx <- ctx
				return &http.Response{StatusCode: http.StatusOK, Body: body}, nil
			}
			return sseResponse(
				sseFrame(`{"type":"chunk","content":"new"}`),
				sseFrame(`{"type":"done"}`),
			), nil
		},
	}

	ctrl := NewController(Config{BaseURL: "http://test", HTTPClient: client})
	defer ctrl.CancelAll()

	cb1, cb2 := &syncCallbacks{}, &syncCallbacks{}
	op1 := ctrl.StartSearch(context.Background(), "k", SearchRequest{Query: "q1"}, cb1.table())

	// Wait for the first operation to be in-flight, then supersede it.
	<-firstCtx
	op2 := ctrl.StartSearch(context.Background(), "k", SearchRequest{Query: "q2"}, cb2.table())

	waitDone(t, op1)
	waitDone(t, op2)

	if !errors.Is(op1.Err(), ErrCancelled) {
		t.Errorf("superseded op.Err = %v", op1.Err())
	}
	if op2.Err() != nil {
		t.Errorf("successor op.Err = %v", op2.Err())
	}
	rec1 := cb1.snapshot()
	if len(rec1.errs) != 0 {
		t.Errorf("supersession surfaced an error: %v", rec1.errs)
	}
	if len(rec1.done) != 0 {
		t.Errorf("superseded op completed: %v", rec1.done)
	}
	rec2 := cb2.snapshot()
	if len(rec2.done) != 1 || rec2.done[0] != "new" {
		t.Errorf("successor done = %v", rec2.done)
	}
	// The successor's buffer must not contain the predecessor's text.
	if ctrl.Snapshot("k") != "new" {
		t.Errorf("snapshot = %q", ctrl.Snapshot("k"))
	}
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestControllerExplicitCancel(t *testing.T) {
	started := make(chan struct{})
	client := &mockHTTPClient{
		postFn: func(ctx context.Context, _ string) (*http.Response, error) {
			body := newScriptedBody(ctx)
			body.frames <- sseFrame(`{"type":"chunk","content":"partial"}`)
			close(started)
			return &http.Response{StatusCode: http.StatusOK, Body: body}, nil
		},
	}
	ctrl := NewController(Config{BaseURL: "http://test", HTTPClient: client})

	cb := &syncCallbacks{}
	op := ctrl.StartSearch(context.Background(), "k", SearchRequest{Query: "q"}, cb.table())

	<-started
	ctrl.Cancel("k")
	waitDone(t, op)

	if !errors.Is(op.Err(), ErrCancelled) {
		t.Errorf("op.Err = %v", op.Err())
	}
	rec := cb.snapshot()
	if len(rec.errs) != 0 {
		t.Errorf("cancel surfaced an error: %v", rec.errs)
	}
	if len(rec.done) != 0 {
		t.Errorf("cancelled op completed: %v", rec.done)
	}
}

func TestControllerCancelUnknownKey(t *testing.T) {
	ctrl := NewController(Config{BaseURL: "http://test", HTTPClient: &mockHTTPClient{}})
	ctrl.Cancel("never-started") // must not panic or error
}

func TestControllerIdleTimeout(t *testing.T) {
	client := &mockHTTPClient{
		postFn: func(ctx context.Context, _ string) (*http.Response, error) {
			body := newScriptedBody(ctx)
			body.frames <- sseFrame(`{"type":"chunk","content":"then silence"}`)
			return &http.Response{StatusCode: http.StatusOK, Body: body}, nil
		},
	}
	ctrl := NewController(Config{
		BaseURL:     "http://test",
		HTTPClient:  client,
		IdleTimeout: 30 * time.Millisecond,
	})
	defer ctrl.CancelAll()

	cb := &syncCallbacks{}
	op := ctrl.StartSearch(context.Background(), "", SearchRequest{Query: "q"}, cb.table())
	waitDone(t, op)

	// A stalled stream is classified as cancelled, not as an error.
	if !errors.Is(op.Err(), ErrCancelled) {
		t.Errorf("op.Err = %v", op.Err())
	}
	if rec := cb.snapshot(); len(rec.errs) != 0 {
		t.Errorf("idle timeout surfaced an error: %v", rec.errs)
	}
}

// =============================================================================
// FAILURES
// =============================================================================

func TestControllerBackendUnreachable(t *testing.T) {
	client := &mockHTTPClient{
		postFn: func(context.Context, string) (*http.Response, error) {
			return nil, &url.Error{
				Op:  "Post",
				URL: "http://test/api/v1/search/stream",
				Err: &net.OpError{Op: "dial", Err: errors.New("connection refused")},
			}
		},
	}
	ctrl := NewController(Config{BaseURL: "http://test", HTTPClient: client})

	cb := &syncCallbacks{}
	op := ctrl.StartSearch(context.Background(), "", SearchRequest{Query: "q"}, cb.table())
	waitDone(t, op)

	rec := cb.snapshot()
	if len(rec.errs) != 1 {
		t.Fatalf("errs = %v", rec.errs)
	}
	if !errors.Is(rec.errs[0], ErrBackendUnreachable) {
		t.Errorf("error class = %v", rec.errs[0])
	}
	if !errors.Is(op.Err(), ErrBackendUnreachable) {
		t.Errorf("op.Err = %v", op.Err())
	}
}

func TestControllerNon200Status(t *testing.T) {
	client := &mockHTTPClient{
		postFn: func(context.Context, string) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(strings.NewReader("model backend exploded")),
			}, nil
		},
	}
	ctrl := NewController(Config{BaseURL: "http://test", HTTPClient: client})

	cb := &syncCallbacks{}
	op := ctrl.StartSearch(context.Background(), "", SearchRequest{Query: "q"}, cb.table())
	waitDone(t, op)

	rec := cb.snapshot()
	if len(rec.errs) != 1 {
		t.Fatalf("errs = %v", rec.errs)
	}
	var perr *ProtocolError
	if !errors.As(rec.errs[0], &perr) {
		t.Fatalf("error type = %T", rec.errs[0])
	}
	if perr.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d", perr.StatusCode)
	}
	if !strings.Contains(perr.Error(), "500") {
		t.Errorf("message lacks status: %q", perr.Error())
	}
}

func TestControllerServerErrorEvent(t *testing.T) {
	client := &mockHTTPClient{
		postFn: func(context.Context, string) (*http.Response, error) {
			return sseResponse(
				sseFrame(`{"type":"chunk","content":"so far so"}`),
				sseFrame(`{"type":"error","message":"rate limited"}`),
			), nil
		},
	}
	ctrl := NewController(Config{BaseURL: "http://test", HTTPClient: client})

	cb := &syncCallbacks{}
	op := ctrl.StartSearch(context.Background(), "k", SearchRequest{Query: "q"}, cb.table())
	waitDone(t, op)

	rec := cb.snapshot()
	if len(rec.errs) != 1 {
		t.Fatalf("errs = %v", rec.errs)
	}
	var perr *ProtocolError
	if !errors.As(rec.errs[0], &perr) || perr.Message != "rate limited" {
		t.Errorf("error = %v", rec.errs[0])
	}
	// Text received before the error stays available for display.
	if ctrl.Snapshot("k") != "so far so" {
		t.Errorf("snapshot = %q", ctrl.Snapshot("k"))
	}
}

func TestControllerUnknownEventKind(t *testing.T) {
	client := &mockHTTPClient{
		postFn: func(context.Context, string) (*http.Response, error) {
			return sseResponse(
				sseFrame(`{"type":"heartbeat"}`),
				sseFrame(`{"type":"chunk","content":"ok"}`),
				sseFrame(`{"type":"done"}`),
			), nil
		},
	}
	ctrl := NewController(Config{BaseURL: "http://test", HTTPClient: client})

	cb := &syncCallbacks{}
	op := ctrl.StartSearch(context.Background(), "", SearchRequest{Query: "q"}, cb.table())
	waitDone(t, op)

	rec := cb.snapshot()
	if len(rec.done) != 1 || rec.done[0] != "ok" {
		t.Errorf("done = %v", rec.done)
	}
	if len(rec.errs) != 0 {
		t.Errorf("unknown kind surfaced an error: %v", rec.errs)
	}
}

// =============================================================================
// CHAT PATH
// =============================================================================

func TestControllerChatFlow(t *testing.T) {
	client := &mockHTTPClient{
		postFn: func(_ context.Context, u string) (*http.Response, error) {
			return sseResponse(
				sseFrame(`{"type":"session_created","session_id":"sess-9"}`),
				sseFrame(`{"type":"stage_switch","data":{"stage":"research"}}`),
				sseFrame(`{"type":"chunk","content":"report"}`),
				sseFrame(`{"type":"complete","session_id":"sess-9"}`),
				sseFrame(`{"type":"done"}`),
			), nil
		},
	}
	ctrl := NewController(Config{BaseURL: "http://test", HTTPClient: client})
	defer ctrl.CancelAll()

	cb := &syncCallbacks{}
	op := ctrl.StartChat(context.Background(), "", ChatRequest{Message: "hi", Mode: "agent"}, cb.table())

	if got := ctrl.CurrentStage(); got != StagePlanning && got != StageResearching && got != StageIdle {
		t.Errorf("unexpected stage %s", got)
	}
	waitDone(t, op)

	rec := cb.snapshot()
	if len(rec.sessions) != 1 || rec.sessions[0] != "sess-9" {
		t.Errorf("sessions = %v", rec.sessions)
	}
	if len(rec.completes) != 1 || rec.completes[0] != "report" {
		t.Errorf("completes = %v", rec.completes)
	}
	// The trailing done after complete must be discarded.
	if len(rec.done) != 0 {
		t.Errorf("trailing done leaked: %v", rec.done)
	}
	if ctrl.CurrentStage() != StageIdle {
		t.Errorf("stage after completion = %s", ctrl.CurrentStage())
	}

	posted := client.postedURLs()
	if len(posted) != 1 || posted[0] != "http://test/api/v1/chat/stream" {
		t.Errorf("posted = %v", posted)
	}
}

func TestControllerChatSingleFlight(t *testing.T) {
	firstStarted := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	client := &mockHTTPClient{
		postFn: func(ctx context.Context, u string) (*http.Response, error) {
			if strings.Contains(u, "/stop") {
				return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("{}"))}, nil
			}
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				body := newScriptedBody(ctx)
				body.frames <- sseFrame(`{"type":"session_created","session_id":"sess-A"}`)
				body.frames <- sseFrame(`{"type":"chunk","content":"turn A "}`)
				close(firstStarted)
				return &http.Response{StatusCode: http.StatusOK, Body: body}, nil
			}
			return sseResponse(
				sseFrame(`{"type":"session_created","session_id":"sess-B"}`),
				sseFrame(`{"type":"chunk","content":"turn B"}`),
				sseFrame(`{"type":"complete","session_id":"sess-B"}`),
			), nil
		},
	}
	ctrl := NewController(Config{BaseURL: "http://test", HTTPClient: client})
	defer ctrl.CancelAll()

	cbA, cbB := &syncCallbacks{}, &syncCallbacks{}
	opA := ctrl.StartChat(context.Background(), "", ChatRequest{Message: "first"}, cbA.table())
	<-firstStarted

	// Wait until the first turn's session id has been dispatched, so the
	// controller knows which session to stop remotely.
	deadlineA := time.Now().Add(2 * time.Second)
	for len(cbA.snapshot().sessions) == 0 {
		if time.Now().After(deadlineA) {
			t.Fatal("first turn never reported its session")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Distinct key: single-flight must still cancel the active turn.
	opB := ctrl.StartChat(context.Background(), "", ChatRequest{Message: "second"}, cbB.table())
	waitDone(t, opA)
	waitDone(t, opB)

	if !errors.Is(opA.Err(), ErrCancelled) {
		t.Errorf("first turn Err = %v", opA.Err())
	}
	recA := cbA.snapshot()
	if len(recA.errs) != 0 {
		t.Errorf("implicit cancel surfaced an error: %v", recA.errs)
	}
	if len(recA.completes)+len(recA.done) != 0 {
		t.Error("cancelled turn must not complete")
	}
	recB := cbB.snapshot()
	if len(recB.completes) != 1 || recB.completes[0] != "turn B" {
		t.Errorf("second turn completes = %v", recB.completes)
	}

	// Best-effort remote stop for the cancelled turn's session.
	deadline := time.Now().Add(2 * time.Second)
	for {
		stopped := false
		for _, u := range client.postedURLs() {
			if strings.Contains(u, "/api/v1/chat/session/sess-A/stop") {
				stopped = true
			}
		}
		if stopped {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("remote stop never posted; posts = %v", client.postedURLs())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestControllerChatHandoffPreservesStage(t *testing.T) {
	firstStarted := make(chan struct{})
	var mu sync.Mutex
	var bodyB *scriptedBody
	calls := 0
	client := &mockHTTPClient{
		postFn: func(ctx context.Context, u string) (*http.Response, error) {
			if strings.Contains(u, "/stop") {
				return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("{}"))}, nil
			}
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				body := newScriptedBody(ctx)
				body.frames <- sseFrame(`{"type":"session_created","session_id":"sess-A"}`)
				body.frames <- sseFrame(`{"type":"chunk","content":"turn A "}`)
				close(firstStarted)
				return &http.Response{StatusCode: http.StatusOK, Body: body}, nil
			}
			bodyB = newScriptedBody(ctx)
			bodyB.frames <- sseFrame(`{"type":"session_created","session_id":"sess-B"}`)
			return &http.Response{StatusCode: http.StatusOK, Body: bodyB}, nil
		},
	}
	ctrl := NewController(Config{BaseURL: "http://test", HTTPClient: client})
	defer ctrl.CancelAll()

	cbA, cbB := &syncCallbacks{}, &syncCallbacks{}
	opA := ctrl.StartChat(context.Background(), "", ChatRequest{Message: "first"}, cbA.table())
	<-firstStarted

	opB := ctrl.StartChat(context.Background(), "", ChatRequest{Message: "second"}, cbB.table())

	// The superseded turn's teardown must not clobber the stage the new turn
	// already entered.
	waitDone(t, opA)
	if got := ctrl.CurrentStage(); got != StagePlanning {
		t.Fatalf("successor stage after predecessor teardown = %s, want planning", got)
	}

	// The superseded turn's buffered text is gone; the key no longer resolves.
	if got := ctrl.Snapshot(opA.Key()); got != "" {
		t.Errorf("superseded snapshot = %q", got)
	}

	// With planning intact, the successor's switch to research is honored.
	mu.Lock()
	b := bodyB
	mu.Unlock()
	if b == nil {
		t.Fatal("second turn's stream never started")
	}
	b.frames <- sseFrame(`{"type":"stage_switch","data":{"stage":"research"}}`)

	deadline := time.Now().Add(2 * time.Second)
	for ctrl.CurrentStage() != StageResearching {
		if time.Now().After(deadline) {
			t.Fatalf("stage never reached researching, at %s", ctrl.CurrentStage())
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.frames <- sseFrame(`{"type":"chunk","content":"turn B"}`)
	b.frames <- sseFrame(`{"type":"complete","session_id":"sess-B"}`)
	waitDone(t, opB)

	recB := cbB.snapshot()
	if len(recB.stages) != 1 || recB.stages[0] != StageResearching {
		t.Errorf("successor stage switches = %v", recB.stages)
	}
	if len(recB.completes) != 1 || recB.completes[0] != "turn B" {
		t.Errorf("successor completes = %v", recB.completes)
	}
	if ctrl.CurrentStage() != StageIdle {
		t.Errorf("stage after completion = %s", ctrl.CurrentStage())
	}
}

func TestControllerChatCancelResetsStage(t *testing.T) {
	started := make(chan struct{})
	client := &mockHTTPClient{
		postFn: func(ctx context.Context, u string) (*http.Response, error) {
			if strings.Contains(u, "/stop") {
				return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("{}"))}, nil
			}
			body := newScriptedBody(ctx)
			body.frames <- sseFrame(`{"type":"session_created","session_id":"s"}`)
			body.frames <- sseFrame(`{"type":"stage_switch","data":{"stage":"research"}}`)
			close(started)
			return &http.Response{StatusCode: http.StatusOK, Body: body}, nil
		},
	}
	ctrl := NewController(Config{BaseURL: "http://test", HTTPClient: client})

	cb := &syncCallbacks{}
	op := ctrl.StartChat(context.Background(), "turn", ChatRequest{Message: "go"}, cb.table())
	<-started

	// Give the dispatcher a moment to apply the stage switch.
	deadline := time.Now().Add(2 * time.Second)
	for ctrl.CurrentStage() != StageResearching {
		if time.Now().After(deadline) {
			t.Fatalf("stage never reached researching, at %s", ctrl.CurrentStage())
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctrl.Cancel("turn")
	waitDone(t, op)

	if ctrl.CurrentStage() != StageIdle {
		t.Errorf("stage after cancel = %s", ctrl.CurrentStage())
	}
	if ctrl.ElapsedSeconds() != 0 {
		t.Error("elapsed must clear on cancel")
	}
}
