package segments

import (
	"errors"
	"strings"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestSaveAndList(t *testing.T) {
	s := newTestStore(t)

	for _, idx := range []int{0, 1, 2} {
		if _, err := s.Save("alice-1712345", idx, ".webm", strings.NewReader("chunk")); err != nil {
			t.Fatalf("Save(%d): %v", idx, err)
		}
	}

	list, err := s.List("alice-1712345")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("got %d segments, want 3", len(list))
	}
	for i, seg := range list {
		if seg.Index != i {
			t.Errorf("segment %d has index %d", i, seg.Index)
		}
		if seg.Size != int64(len("chunk")) {
			t.Errorf("segment %d size = %d", i, seg.Size)
		}
	}
}

func TestListNumericOrder(t *testing.T) {
	s := newTestStore(t)

	// Indices are not zero-padded, so 10 sorts after 9 only numerically.
	for _, idx := range []int{10, 2, 9, 0, 1} {
		if _, err := s.Save("bob-1", idx, ".webm", strings.NewReader("x")); err != nil {
			t.Fatalf("Save(%d): %v", idx, err)
		}
	}
	list, err := s.List("bob-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []int{0, 1, 2, 9, 10}
	if len(list) != len(want) {
		t.Fatalf("got %d segments, want %d", len(list), len(want))
	}
	for i, seg := range list {
		if seg.Index != want[i] {
			t.Errorf("position %d: index %d, want %d", i, seg.Index, want[i])
		}
	}
}

func TestSaveOverwriteIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Save("carol-1", 0, ".webm", strings.NewReader("first")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	seg, err := s.Save("carol-1", 0, ".webm", strings.NewReader("retried"))
	if err != nil {
		t.Fatalf("Save retry: %v", err)
	}
	if seg.Size != int64(len("retried")) {
		t.Errorf("size = %d, want %d", seg.Size, len("retried"))
	}
	list, _ := s.List("carol-1")
	if len(list) != 1 {
		t.Fatalf("got %d segments after overwrite, want 1", len(list))
	}
}

func TestListMissingSessionIsEmpty(t *testing.T) {
	s := newTestStore(t)
	list, err := s.List("never-uploaded-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("got %d segments, want 0", len(list))
	}
}

func TestInvalidSessionID(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"", ".", "..", "a/b", `a\b`} {
		if _, err := s.Save(id, 0, ".webm", strings.NewReader("x")); !errors.Is(err, ErrInvalidSessionID) {
			t.Errorf("Save(%q) err = %v, want ErrInvalidSessionID", id, err)
		}
	}
}

func TestPurge(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Save("dave-1", 0, ".webm", strings.NewReader("x")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Purge("dave-1"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	list, err := s.List("dave-1")
	if err != nil {
		t.Fatalf("List after purge: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("got %d segments after purge, want 0", len(list))
	}
	// Purging again finds nothing and is fine.
	if err := s.Purge("dave-1"); err != nil {
		t.Fatalf("second Purge: %v", err)
	}
}

func TestSessionsAndLastModified(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Save("eve-1", 0, ".webm", strings.NewReader("x")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	ids, err := s.Sessions()
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(ids) != 1 || ids[0] != "eve-1" {
		t.Fatalf("Sessions = %v", ids)
	}

	last, err := s.LastModified("eve-1")
	if err != nil {
		t.Fatalf("LastModified: %v", err)
	}
	if last.IsZero() {
		t.Error("LastModified is zero for existing segments")
	}
	zero, err := s.LastModified("nobody-1")
	if err != nil {
		t.Fatalf("LastModified missing: %v", err)
	}
	if !zero.IsZero() {
		t.Errorf("LastModified for missing session = %v, want zero", zero)
	}
}
