// Package segments stores uploaded media segments on disk until assembly
// consumes them. The filesystem is the source of truth: one directory per
// session, one file per segment named by its sequence index.
package segments

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrInvalidSessionID is returned for session ids that are empty or
	// attempt path traversal.
	ErrInvalidSessionID = errors.New("invalid session id")
)

// Segment is one stored media chunk.
type Segment struct {
	SessionID string
	Index     int
	Path      string
	Size      int64
	ModTime   time.Time
}

// Store is a disk-backed segment store rooted at a single directory.
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore creates a segment store rooted at dir (os.TempDir() when empty).
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "segments")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create segment dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Save writes one segment to disk. Re-uploading the same index overwrites the
// previous file, which makes client retries idempotent.
func (s *Store) Save(sessionID string, index int, ext string, r io.Reader) (*Segment, error) {
	if err := checkSessionID(sessionID); err != nil {
		return nil, err
	}
	if index < 0 {
		return nil, fmt.Errorf("negative segment index %d", index)
	}
	if ext == "" {
		ext = ".webm"
	}
	dir := filepath.Join(s.dir, sessionID)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	path := filepath.Join(dir, strconv.Itoa(index)+ext)
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create segment file: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write segment: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat segment: %w", err)
	}
	return &Segment{
		SessionID: sessionID,
		Index:     index,
		Path:      path,
		Size:      n,
		ModTime:   info.ModTime(),
	}, nil
}

// List returns all segments for the session sorted by sequence index.
// The sort is numeric, not lexical: indices are not zero-padded, so "10"
// must come after "9". Files whose name does not parse as an index are
// ignored. A missing session directory yields an empty list.
func (s *Store) List(sessionID string) ([]Segment, error) {
	if err := checkSessionID(sessionID); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.dir, sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session dir: %w", err)
	}
	var list []Segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		idx, err := strconv.Atoi(strings.TrimSuffix(name, filepath.Ext(name)))
		if err != nil {
			s.logger.Debug("skipping non-segment file", zap.String("session_id", sessionID), zap.String("name", name))
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		list = append(list, Segment{
			SessionID: sessionID,
			Index:     idx,
			Path:      filepath.Join(dir, name),
			Size:      info.Size(),
			ModTime:   info.ModTime(),
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Index < list[j].Index })
	return list, nil
}

// LastModified returns the newest segment mtime for the session. Used by the
// stale-session sweep. Returns the zero time when no segments exist.
func (s *Store) LastModified(sessionID string) (time.Time, error) {
	list, err := s.List(sessionID)
	if err != nil {
		return time.Time{}, err
	}
	var latest time.Time
	for _, seg := range list {
		if seg.ModTime.After(latest) {
			latest = seg.ModTime
		}
	}
	return latest, nil
}

// Sessions returns the ids of all sessions that currently have segments on disk.
func (s *Store) Sessions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read segment root: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Purge deletes all segments for the session. Assembly calls this after
// consuming them; a racing second assembly then simply finds nothing.
func (s *Store) Purge(sessionID string) error {
	if err := checkSessionID(sessionID); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.dir, sessionID))
}

func checkSessionID(id string) error {
	if id == "" || id == "." || id == ".." {
		return ErrInvalidSessionID
	}
	if strings.ContainsAny(id, "/\\") {
		return ErrInvalidSessionID
	}
	return nil
}
