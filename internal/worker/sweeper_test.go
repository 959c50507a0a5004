package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hireloop/backend/internal/assembly"
	"github.com/hireloop/backend/internal/models"
)

type fakeScanner struct {
	ids    []string
	last   map[string]time.Time
	purged []string
}

func (f *fakeScanner) Sessions() ([]string, error) { return f.ids, nil }
func (f *fakeScanner) LastModified(id string) (time.Time, error) {
	return f.last[id], nil
}
func (f *fakeScanner) Purge(id string) error {
	f.purged = append(f.purged, id)
	return nil
}

type fakeSweepStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	demoted  []string
}

func (f *fakeSweepStore) Get(_ context.Context, id string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (f *fakeSweepStore) SetRecordingActive(_ context.Context, id string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !active {
		f.demoted = append(f.demoted, id)
	}
	if s, ok := f.sessions[id]; ok {
		s.RecordingActive = active
	}
	return nil
}

type fakeFinalizer struct {
	mu   sync.Mutex
	reqs []assembly.FinalizeRequest
}

func (f *fakeFinalizer) Finalize(_ context.Context, req assembly.FinalizeRequest) (*models.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return &models.Artifact{SessionID: req.SessionID}, nil
}

func (f *fakeFinalizer) finalized() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.reqs))
	for i, r := range f.reqs {
		ids[i] = r.SessionID
	}
	return ids
}

func TestSweepAssemblesStaleSessions(t *testing.T) {
	now := time.Now()
	finalizedAt := now.Add(-time.Hour)
	scanner := &fakeScanner{
		ids: []string{"stale-1", "fresh-1", "closed-1", "active-stale-1"},
		last: map[string]time.Time{
			"stale-1":        now.Add(-2 * time.Minute),
			"fresh-1":        now.Add(-5 * time.Second),
			"closed-1":       now.Add(-2 * time.Minute),
			"active-stale-1": now.Add(-2 * time.Minute),
		},
	}
	store := &fakeSweepStore{sessions: map[string]*models.Session{
		"stale-1":        {ID: "stale-1"},
		"closed-1":       {ID: "closed-1", FinalizedAt: &finalizedAt},
		"active-stale-1": {ID: "active-stale-1", RecordingActive: true},
	}}
	guard := &fakeFinalizer{}

	s := NewSweeper(scanner, store, guard, time.Second, 30*time.Second, nil)
	s.SweepOnce(context.Background())

	got := guard.finalized()
	want := map[string]bool{"stale-1": true, "active-stale-1": true}
	if len(got) != len(want) {
		t.Fatalf("finalized %v, want exactly %v", got, want)
	}
	for _, id := range got {
		if !want[id] {
			t.Errorf("unexpectedly swept %q", id)
		}
	}

	// The crashed client left recording_active set; staleness demotes it
	// before assembly so the guard does not refuse.
	if len(store.demoted) != 1 || store.demoted[0] != "active-stale-1" {
		t.Errorf("demoted = %v, want [active-stale-1]", store.demoted)
	}

	// Sweep calls are background: refusals must be silent skips.
	for _, req := range guard.reqs {
		if !req.Background {
			t.Errorf("sweep finalize for %q not marked background", req.SessionID)
		}
		if req.Force {
			t.Errorf("sweep finalize for %q forced", req.SessionID)
		}
	}
}

func TestSweepPurgesLeftoversOfFinalizedSession(t *testing.T) {
	// A retried segment upload that lands after finalization already purged
	// the directory would otherwise sit on disk forever.
	finalizedAt := time.Now().Add(-time.Hour)
	scanner := &fakeScanner{
		ids:  []string{"closed-2"},
		last: map[string]time.Time{"closed-2": time.Now().Add(-2 * time.Minute)},
	}
	store := &fakeSweepStore{sessions: map[string]*models.Session{
		"closed-2": {ID: "closed-2", FinalizedAt: &finalizedAt},
	}}
	guard := &fakeFinalizer{}

	s := NewSweeper(scanner, store, guard, time.Second, 30*time.Second, nil)
	s.SweepOnce(context.Background())

	if len(guard.finalized()) != 0 {
		t.Errorf("finalized session reassembled: %v", guard.finalized())
	}
	if len(scanner.purged) != 1 || scanner.purged[0] != "closed-2" {
		t.Errorf("purged = %v, want [closed-2]", scanner.purged)
	}
}

func TestSweepSkipsSessionWithoutSegmentTimes(t *testing.T) {
	scanner := &fakeScanner{
		ids:  []string{"empty-1"},
		last: map[string]time.Time{},
	}
	guard := &fakeFinalizer{}
	s := NewSweeper(scanner, &fakeSweepStore{sessions: map[string]*models.Session{}}, guard,
		time.Second, 30*time.Second, nil)
	s.SweepOnce(context.Background())
	if len(guard.finalized()) != 0 {
		t.Errorf("swept session with zero last-modified: %v", guard.finalized())
	}
}

func TestSweepUnknownSessionRowStillAssembles(t *testing.T) {
	// Segments on disk without a DB row (row write failed) must still be
	// swept into an artifact.
	scanner := &fakeScanner{
		ids:  []string{"orphan-1"},
		last: map[string]time.Time{"orphan-1": time.Now().Add(-5 * time.Minute)},
	}
	guard := &fakeFinalizer{}
	s := NewSweeper(scanner, &fakeSweepStore{sessions: map[string]*models.Session{}}, guard,
		time.Second, 30*time.Second, nil)
	s.SweepOnce(context.Background())
	if got := guard.finalized(); len(got) != 1 || got[0] != "orphan-1" {
		t.Errorf("finalized = %v, want [orphan-1]", got)
	}
}
