// Copyright (C) 2025 The Verina Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// Stage
// =============================================================================

// Stage is one state of the agent-mode workflow.
type Stage string

const (
	// StageIdle is the initial and terminal state.
	StageIdle Stage = "idle"

	// StagePlanning covers the agent's pre-research reasoning, entered as
	// soon as an agent-mode turn begins.
	StagePlanning Stage = "planning"

	// StageResearching covers autonomous multi-step research, entered on a
	// stage_switch event. Only this stage carries an elapsed-time clock.
	StageResearching Stage = "researching"
)

// =============================================================================
// Stage Tracker
// =============================================================================

// StageTracker tracks the idle → planning → researching → idle workflow of
// an agent-mode chat turn.
//
// Legal transitions:
//
//	StartPlanning: any → planning
//	StartResearch: planning → researching
//	Reset:         any → idle
//
// Elapsed time is derived from the recorded start instant, never from a
// stored counter, so the display cannot drift from wall-clock time. A
// 1-second ticker recomputes the value only while researching; the ticker
// goroutine is stopped on every transition out of that state.
//
// The tracker outlives individual stream handles: the owning controller
// resets it whenever a chat operation begins or terminates for any reason.
// The tracker holds no knowledge of why a transition happens.
type StageTracker struct {
	mu        sync.Mutex
	stage     Stage
	startedAt time.Time
	stopTick  chan struct{}
	onTick    func(elapsedSeconds int)

	// now is swappable for tests.
	now func() time.Time
}

// NewStageTracker creates a tracker in the idle state. onTick, if non-nil,
// receives the recomputed elapsed seconds once per second while researching.
func NewStageTracker(onTick func(elapsedSeconds int)) *StageTracker {
	return &StageTracker{
		stage:  StageIdle,
		onTick: onTick,
		now:    time.Now,
	}
}

// Current returns the current stage.
func (s *StageTracker) Current() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// ElapsedSeconds returns whole seconds spent in the researching stage, or 0
// in any other stage.
func (s *StageTracker) ElapsedSeconds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked()
}

func (s *StageTracker) elapsedLocked() int {
	if s.stage != StageResearching || s.startedAt.IsZero() {
		return 0
	}
	return int(s.now().Sub(s.startedAt) / time.Second)
}

// StartPlanning moves to the planning stage. Legal from any state; entering
// planning stops any running research clock.
func (s *StageTracker) StartPlanning() {
	s.mu.Lock()
	s.stopTickerLocked()
	s.stage = StagePlanning
	s.startedAt = time.Time{}
	s.mu.Unlock()
}

// StartResearch moves from planning to researching, records the start
// instant, and begins the elapsed clock. Returns an error from any other
// state; callers that feed server events treat that as a protocol oddity to
// log, not a failure.
func (s *StageTracker) StartResearch() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stage != StagePlanning {
		return fmt.Errorf("stage transition %s → %s not permitted", s.stage, StageResearching)
	}

	s.stage = StageResearching
	s.startedAt = s.now()
	s.startTickerLocked()
	return nil
}

// Reset moves to idle from any state, clears the start instant, and stops
// any pending tick.
func (s *StageTracker) Reset() {
	s.mu.Lock()
	s.stopTickerLocked()
	s.stage = StageIdle
	s.startedAt = time.Time{}
	s.mu.Unlock()
}

// startTickerLocked launches the 1-second tick goroutine. Caller holds mu.
func (s *StageTracker) startTickerLocked() {
	if s.onTick == nil {
		return
	}
	stop := make(chan struct{})
	s.stopTick = stop

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.mu.Lock()
				elapsed := s.elapsedLocked()
				active := s.stage == StageResearching
				s.mu.Unlock()
				if !active {
					return
				}
				s.onTick(elapsed)
			}
		}
	}()
}

// stopTickerLocked cancels a pending tick goroutine. Caller holds mu.
func (s *StageTracker) stopTickerLocked() {
	if s.stopTick != nil {
		close(s.stopTick)
		s.stopTick = nil
	}
}

// applyStageSwitch maps a stage_switch event's wire value onto the tracker.
// The backend currently only emits "research".
func (s *StageTracker) applyStageSwitch(wire string) (Stage, bool) {
	switch wire {
	case "research", string(StageResearching):
		if err := s.StartResearch(); err != nil {
			slog.Warn("ignoring stage switch", "stage", wire, "error", err)
			return "", false
		}
		return StageResearching, true
	case string(StagePlanning):
		s.StartPlanning()
		return StagePlanning, true
	default:
		slog.Warn("ignoring unknown stage switch", "stage", wire)
		return "", false
	}
}
