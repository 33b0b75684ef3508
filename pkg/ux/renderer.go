// Copyright (C) 2025 The Verina Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the terminal renderer: the bridge between the stream
// package's callback surface and the terminal.
//
// Single Responsibility:
//
//	Renderers ONLY render. They do not parse, read, or manage HTTP. Each
//	callback handles exactly one event type, so output composition stays
//	clean.
package ux

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/YangLi-leo/Verina/pkg/stream"
)

// =============================================================================
// Render Result
// =============================================================================

// RenderResult is the accumulated outcome of one rendered stream.
type RenderResult struct {
	Id        string
	CreatedAt int64 // unix millis

	// FirstChunkAt records time-to-first-token; 0 if no chunk arrived.
	FirstChunkAt int64
	CompletedAt  int64

	Answer        string
	SessionID     string
	Sources       []stream.SearchCandidate
	Related       []string
	ThinkingSteps []stream.ThinkingStep
	TotalChunks   int
	Err           error
}

// =============================================================================
// Terminal Renderer
// =============================================================================

// TerminalRenderer renders one streaming operation to an interactive
// terminal: spinner while waiting, chunks streamed as they arrive, sources
// and related queries after completion.
//
// Construct one renderer per operation; the callbacks close over its state.
// All methods are mutex-protected, though the stream package already
// delivers callbacks sequentially.
//
// Example:
//
//	r := ux.NewTerminalRenderer(os.Stdout)
//	defer r.Finalize()
//
//	op := ctrl.StartSearch(ctx, "", req, r.SearchCallbacks())
//	<-op.Done()
//	result := r.Result()
type TerminalRenderer struct {
	writer io.Writer
	mu     sync.Mutex

	spinner   *StageSpinner
	result    *RenderResult
	wroteAny  bool
	finalized bool

	// ShowThinking prints agent thinking steps as they arrive. Off by
	// default; the steps are always recorded in the result regardless.
	ShowThinking bool
}

// NewTerminalRenderer creates a renderer writing to w (nil means stdout).
func NewTerminalRenderer(w io.Writer) *TerminalRenderer {
	if w == nil {
		w = os.Stdout
	}
	return &TerminalRenderer{
		writer: w,
		result: &RenderResult{
			Id:        uuid.New().String(),
			CreatedAt: time.Now().UnixMilli(),
		},
	}
}

// StartSpinner shows the waiting spinner until the first chunk arrives.
func (r *TerminalRenderer) StartSpinner(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized || Plain() {
		if Plain() {
			fmt.Fprintf(r.writer, "STATUS: %s\n", message)
		}
		return
	}
	if r.spinner == nil {
		r.spinner = NewStageSpinner()
		r.spinner.UpdateMessage(message)
		r.spinner.Start()
	} else {
		r.spinner.UpdateMessage(message)
	}
}

// StageTick routes the stream controller's per-second research tick into the
// spinner's elapsed readout. Pass it as Config.OnStageTick.
func (r *TerminalRenderer) StageTick(elapsedSeconds int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spinner != nil {
		r.spinner.Tick(elapsedSeconds)
	}
}

// SearchCallbacks returns the callback table for a search operation.
func (r *TerminalRenderer) SearchCallbacks() stream.Callbacks {
	return stream.Callbacks{
		OnMetadata: r.onMetadata,
		OnChunk:    r.onChunk,
		OnDone:     r.onDone,
		OnError:    r.onError,
	}
}

// ChatCallbacks returns the callback table for a chat operation.
func (r *TerminalRenderer) ChatCallbacks() stream.Callbacks {
	return stream.Callbacks{
		OnSessionCreated: r.onSessionCreated,
		OnThinkingStep:   r.onThinkingStep,
		OnStageSwitch:    r.onStageSwitch,
		OnChunk:          r.onChunk,
		OnComplete:       func(answer string, _ json.RawMessage) { r.onDone(answer) },
		OnError:          r.onError,
	}
}

// Finalize stops the spinner and flushes trailing output. Safe to call more
// than once; required on every exit path.
func (r *TerminalRenderer) Finalize() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalizeLocked()
}

// Result returns the accumulated result. Complete after the operation's
// Done channel closes.
func (r *TerminalRenderer) Result() *RenderResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := *r.result
	return &out
}

// =============================================================================
// Callbacks
// =============================================================================

func (r *TerminalRenderer) onMetadata(md stream.SearchMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	// metadata_update replaces, never merges; the last one wins.
	r.result.Sources = md.Candidates
	r.result.Related = md.RelatedSearches
}

func (r *TerminalRenderer) onChunk(chunk string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}

	if !r.wroteAny {
		r.result.FirstChunkAt = time.Now().UnixMilli()
		r.wroteAny = true
		r.stopSpinnerLocked()
	}

	r.result.TotalChunks++
	fmt.Fprint(r.writer, chunk)
}

func (r *TerminalRenderer) onSessionCreated(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result.SessionID = sessionID
	if Plain() {
		fmt.Fprintf(r.writer, "SESSION: %s\n", sessionID)
	}
}

func (r *TerminalRenderer) onThinkingStep(step stream.ThinkingStep) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	r.result.ThinkingSteps = append(r.result.ThinkingSteps, step)
	if !r.ShowThinking {
		return
	}

	r.stopSpinnerLocked()
	line := fmt.Sprintf("[%d] %s", step.Step, step.Tool)
	if Plain() {
		fmt.Fprintf(r.writer, "THINKING: %s\n", line)
		return
	}
	fmt.Fprintf(r.writer, "%s\n", Styles.Muted.Render(line))
}

func (r *TerminalRenderer) onStageSwitch(next stream.Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}
	if Plain() {
		fmt.Fprintf(r.writer, "STAGE: %s\n", next)
		return
	}
	if next == stream.StageResearching && r.spinner != nil {
		r.spinner.EnterResearch()
	}
}

func (r *TerminalRenderer) onDone(answer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}

	r.result.Answer = answer
	r.result.CompletedAt = time.Now().UnixMilli()

	if Plain() && !r.wroteAny {
		// Chunks were buffered upstream or absent; emit the whole answer.
		fmt.Fprintf(r.writer, "ANSWER: %s\n", answer)
	}

	r.renderSourcesLocked()
	r.finalizeLocked()
}

func (r *TerminalRenderer) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return
	}

	r.result.Err = err
	r.result.CompletedAt = time.Now().UnixMilli()
	r.stopSpinnerLocked()

	if r.wroteAny {
		fmt.Fprintln(r.writer)
	}
	r.finalized = true

	if Plain() {
		fmt.Fprintf(r.writer, "ERROR: %s\n", err)
		return
	}
	fmt.Fprintf(r.writer, "%s %s\n", IconError.Render(), Styles.Error.Render(err.Error()))
}

// =============================================================================
// Internals
// =============================================================================

func (r *TerminalRenderer) renderSourcesLocked() {
	if len(r.result.Sources) == 0 && len(r.result.Related) == 0 {
		return
	}

	fmt.Fprintln(r.writer)
	if len(r.result.Sources) > 0 {
		fmt.Fprintln(r.writer)
		if Plain() {
			for _, s := range r.result.Sources {
				fmt.Fprintf(r.writer, "SOURCE: [%d] %s %s\n", s.Idx, s.Title, s.URL)
			}
		} else {
			fmt.Fprintln(r.writer, Styles.Subtitle.Render("Sources"))
			for _, s := range r.result.Sources {
				fmt.Fprintf(r.writer, "  %s %s\n",
					Styles.Source.Render(fmt.Sprintf("[%d]", s.Idx)),
					s.Title,
				)
				fmt.Fprintf(r.writer, "      %s\n", Styles.Muted.Render(s.URL))
			}
		}
	}
	if len(r.result.Related) > 0 {
		if Plain() {
			for _, q := range r.result.Related {
				fmt.Fprintf(r.writer, "RELATED: %s\n", q)
			}
		} else {
			fmt.Fprintln(r.writer, Styles.Subtitle.Render("Related"))
			for _, q := range r.result.Related {
				fmt.Fprintf(r.writer, "  %s %s\n", Styles.Muted.Render(string(IconBullet)), q)
			}
		}
	}
}

func (r *TerminalRenderer) stopSpinnerLocked() {
	if r.spinner != nil {
		r.spinner.Stop()
		r.spinner = nil
	}
}

func (r *TerminalRenderer) finalizeLocked() {
	if r.finalized {
		return
	}
	r.finalized = true
	r.stopSpinnerLocked()
	if r.wroteAny {
		fmt.Fprintln(r.writer)
	}
}
