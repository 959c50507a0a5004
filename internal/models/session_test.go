package models

import (
	"testing"
	"time"
)

func TestProfileMergeIsAdditive(t *testing.T) {
	stored := CandidateProfile{Name: "Alice", Email: "a@example.com"}

	// Blank incoming fields never erase stored ones.
	got := CandidateProfile{Phone: "+1555"}.Merge(stored)
	if got.Name != "Alice" || got.Email != "a@example.com" || got.Phone != "+1555" {
		t.Errorf("merge = %+v", got)
	}

	// Non-blank incoming fields win.
	got = CandidateProfile{Name: "Alice Smith"}.Merge(stored)
	if got.Name != "Alice Smith" || got.Email != "a@example.com" {
		t.Errorf("merge = %+v", got)
	}
}

func TestSessionFinalized(t *testing.T) {
	s := &Session{ID: "alice-1"}
	if s.Finalized() {
		t.Error("fresh session reports finalized")
	}
	now := time.Now()
	s.FinalizedAt = &now
	if !s.Finalized() {
		t.Error("session with finalized_at not reported finalized")
	}
}
