// Copyright (C) 2025 The Verina Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"testing"
	"time"
)

func TestStageTrackerTransitions(t *testing.T) {
	t.Run("starts idle", func(t *testing.T) {
		s := NewStageTracker(nil)
		if s.Current() != StageIdle {
			t.Errorf("stage = %s", s.Current())
		}
	})

	t.Run("planning from idle", func(t *testing.T) {
		s := NewStageTracker(nil)
		s.StartPlanning()
		if s.Current() != StagePlanning {
			t.Errorf("stage = %s", s.Current())
		}
	})

	t.Run("research from planning", func(t *testing.T) {
		s := NewStageTracker(nil)
		s.StartPlanning()
		if err := s.StartResearch(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if s.Current() != StageResearching {
			t.Errorf("stage = %s", s.Current())
		}
	})

	t.Run("research from idle rejected", func(t *testing.T) {
		s := NewStageTracker(nil)
		if err := s.StartResearch(); err == nil {
			t.Error("expected transition error from idle")
		}
		if s.Current() != StageIdle {
			t.Errorf("failed transition mutated stage to %s", s.Current())
		}
	})

	t.Run("research from researching rejected", func(t *testing.T) {
		s := NewStageTracker(nil)
		s.StartPlanning()
		_ = s.StartResearch()
		if err := s.StartResearch(); err == nil {
			t.Error("expected transition error from researching")
		}
	})

	t.Run("reset from any state", func(t *testing.T) {
		s := NewStageTracker(nil)
		s.StartPlanning()
		_ = s.StartResearch()
		s.Reset()
		if s.Current() != StageIdle {
			t.Errorf("stage = %s", s.Current())
		}
		if s.ElapsedSeconds() != 0 {
			t.Error("reset must clear the clock")
		}
	})
}

func TestStageTrackerElapsed(t *testing.T) {
	t.Run("derived from start instant", func(t *testing.T) {
		now := time.Date(2025, 8, 25, 12, 0, 0, 0, time.UTC)
		s := NewStageTracker(nil)
		s.now = func() time.Time { return now }

		s.StartPlanning()
		_ = s.StartResearch()

		now = now.Add(42*time.Second + 900*time.Millisecond)
		if got := s.ElapsedSeconds(); got != 42 {
			t.Errorf("elapsed = %d, want 42", got)
		}
	})

	t.Run("zero outside researching", func(t *testing.T) {
		s := NewStageTracker(nil)
		if s.ElapsedSeconds() != 0 {
			t.Error("idle elapsed must be 0")
		}
		s.StartPlanning()
		if s.ElapsedSeconds() != 0 {
			t.Error("planning elapsed must be 0")
		}
	})

	t.Run("planning clears a running clock", func(t *testing.T) {
		now := time.Date(2025, 8, 25, 12, 0, 0, 0, time.UTC)
		s := NewStageTracker(nil)
		s.now = func() time.Time { return now }

		s.StartPlanning()
		_ = s.StartResearch()
		now = now.Add(10 * time.Second)

		s.StartPlanning()
		if s.ElapsedSeconds() != 0 {
			t.Error("re-entering planning must clear the clock")
		}
	})
}

func TestApplyStageSwitch(t *testing.T) {
	t.Run("research wire value", func(t *testing.T) {
		s := NewStageTracker(nil)
		s.StartPlanning()

		next, ok := s.applyStageSwitch("research")
		if !ok || next != StageResearching {
			t.Errorf("got (%s, %v)", next, ok)
		}
	})

	t.Run("planning wire value", func(t *testing.T) {
		s := NewStageTracker(nil)
		s.StartPlanning()
		_ = s.StartResearch()

		next, ok := s.applyStageSwitch("planning")
		if !ok || next != StagePlanning {
			t.Errorf("got (%s, %v)", next, ok)
		}
		if s.Current() != StagePlanning {
			t.Errorf("stage = %s", s.Current())
		}
		if s.ElapsedSeconds() != 0 {
			t.Error("returning to planning must clear the clock")
		}
	})

	t.Run("research without planning ignored", func(t *testing.T) {
		s := NewStageTracker(nil)
		if _, ok := s.applyStageSwitch("research"); ok {
			t.Error("switch from idle must be rejected")
		}
		if s.Current() != StageIdle {
			t.Errorf("stage = %s", s.Current())
		}
	})

	t.Run("unknown wire value ignored", func(t *testing.T) {
		s := NewStageTracker(nil)
		s.StartPlanning()
		if _, ok := s.applyStageSwitch("daydreaming"); ok {
			t.Error("unknown stage must be rejected")
		}
		if s.Current() != StagePlanning {
			t.Errorf("stage = %s", s.Current())
		}
	})
}
