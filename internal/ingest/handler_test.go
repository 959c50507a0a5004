package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/hireloop/backend/internal/assembly"
	"github.com/hireloop/backend/internal/models"
	"github.com/hireloop/backend/internal/segments"
	"github.com/hireloop/backend/pkg/queue"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSessionStore struct {
	upserts []string
	touched []string
}

func (f *fakeSessionStore) Upsert(_ context.Context, id string, _ models.CandidateProfile, _ []string) (*models.Session, error) {
	f.upserts = append(f.upserts, id)
	return &models.Session{ID: id}, nil
}

func (f *fakeSessionStore) TouchSegment(_ context.Context, id string) error {
	f.touched = append(f.touched, id)
	return nil
}

type fakeSaver struct {
	saved []int
}

func (f *fakeSaver) Save(sessionID string, index int, ext string, r io.Reader) (*segments.Segment, error) {
	n, _ := io.Copy(io.Discard, r)
	f.saved = append(f.saved, index)
	return &segments.Segment{SessionID: sessionID, Index: index, Size: n}, nil
}

type fakeGuard struct {
	err  error
	last *assembly.FinalizeRequest
}

func (f *fakeGuard) Finalize(_ context.Context, req assembly.FinalizeRequest) (*models.Artifact, error) {
	f.last = &req
	if f.err != nil {
		return nil, f.err
	}
	return &models.Artifact{ID: uuid.New(), SessionID: req.SessionID}, nil
}

type fakeDirect struct {
	kinds []string
}

func (f *fakeDirect) SaveDirect(_ context.Context, sessionID, kind, _ string, body io.Reader,
	_ models.CandidateProfile, _ []string) (*models.Artifact, error) {
	_, _ = io.Copy(io.Discard, body)
	f.kinds = append(f.kinds, kind)
	return &models.Artifact{ID: uuid.New(), SessionID: sessionID}, nil
}

type fakeEnqueuer struct {
	payloads []queue.AssemblePayload
	err      error
}

func (f *fakeEnqueuer) EnqueueAssembly(_ context.Context, p queue.AssemblePayload) error {
	f.payloads = append(f.payloads, p)
	return f.err
}

type testEnv struct {
	router   *gin.Engine
	sessions *fakeSessionStore
	saver    *fakeSaver
	guard    *fakeGuard
	direct   *fakeDirect
	jobs     *fakeEnqueuer
}

func newTestEnv(maxBytes int64) *testEnv {
	env := &testEnv{
		sessions: &fakeSessionStore{},
		saver:    &fakeSaver{},
		guard:    &fakeGuard{},
		direct:   &fakeDirect{},
		jobs:     &fakeEnqueuer{},
	}
	h := NewHandler(env.sessions, env.saver, env.guard, env.direct, env.jobs, maxBytes, nil)
	r := gin.New()
	r.POST("/api/segments", h.UploadSegment)
	r.POST("/api/recordings", h.UploadFinal)
	r.POST("/api/sessions/finalize", h.Finalize)
	r.GET("/api/sessions/beacon", h.Beacon)
	r.POST("/api/sessions/beacon", h.Beacon)
	env.router = r
	return env
}

func multipartBody(t *testing.T, meta string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if meta != "" {
		if err := w.WriteField("meta", meta); err != nil {
			t.Fatal(err)
		}
	}
	part, err := w.CreateFormFile("video", "segment-0.webm")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, w.FormDataContentType()
}

func TestUploadSegment(t *testing.T) {
	env := newTestEnv(0)
	body, ct := multipartBody(t, `{"sessionId":"alice-1","index":3,"name":"Alice"}`, []byte("chunk"))
	req := httptest.NewRequest(http.MethodPost, "/api/segments", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if len(env.saver.saved) != 1 || env.saver.saved[0] != 3 {
		t.Errorf("saved = %v", env.saver.saved)
	}
	if len(env.sessions.upserts) != 1 || len(env.sessions.touched) != 1 {
		t.Errorf("upserts %v touched %v", env.sessions.upserts, env.sessions.touched)
	}
}

func TestUploadSegmentTooLarge(t *testing.T) {
	env := newTestEnv(4)
	body, ct := multipartBody(t, `{"sessionId":"alice-1","index":0}`, []byte("way too big"))
	req := httptest.NewRequest(http.MethodPost, "/api/segments", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", w.Code)
	}
	if len(env.saver.saved) != 0 {
		t.Error("oversized segment was stored")
	}
}

func TestUploadSegmentMissingMeta(t *testing.T) {
	env := newTestEnv(0)
	body, ct := multipartBody(t, "", []byte("chunk"))
	req := httptest.NewRequest(http.MethodPost, "/api/segments", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestUploadFinal(t *testing.T) {
	env := newTestEnv(0)
	body, ct := multipartBody(t, `{"sessionId":"bob-1","kind":"screen_pip"}`, []byte("full recording"))
	req := httptest.NewRequest(http.MethodPost, "/api/recordings", body)
	req.Header.Set("Content-Type", ct)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if len(env.direct.kinds) != 1 || env.direct.kinds[0] != "screen_pip" {
		t.Errorf("direct saves = %v", env.direct.kinds)
	}
}

func TestFinalizeOutcomes(t *testing.T) {
	cases := []struct {
		name       string
		guardErr   error
		wantStatus int
	}{
		{"ok", nil, http.StatusOK},
		{"recording active", assembly.ErrRecordingActive, http.StatusConflict},
		{"already finalized", assembly.ErrAlreadyFinalized, http.StatusOK},
		{"no segments", assembly.ErrNoSegments, http.StatusOK},
		{"internal", errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(0)
			env.guard.err = tc.guardErr
			req := httptest.NewRequest(http.MethodPost, "/api/sessions/finalize",
				strings.NewReader(`{"sessionId":"carol-1","force":true}`))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, req)
			if w.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tc.wantStatus, w.Body.String())
			}
			if env.guard.last == nil || !env.guard.last.Force {
				t.Error("force flag not passed through")
			}
			if env.guard.last.Background {
				t.Error("explicit finalize marked background")
			}
		})
	}
}

func TestBeaconGet(t *testing.T) {
	env := newTestEnv(0)
	req := httptest.NewRequest(http.MethodGet,
		"/api/sessions/beacon?sessionId=dave-1&name=Dave&force=true&questions=q1&questions=q2", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if len(env.jobs.payloads) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(env.jobs.payloads))
	}
	p := env.jobs.payloads[0]
	if p.SessionID != "dave-1" || !p.Force || p.Profile.Name != "Dave" || len(p.Questions) != 2 {
		t.Errorf("payload = %+v", p)
	}
}

func TestBeaconAcknowledgesDespiteEnqueueFailure(t *testing.T) {
	env := newTestEnv(0)
	env.jobs.err = errors.New("redis down")
	req := httptest.NewRequest(http.MethodPost, "/api/sessions/beacon",
		strings.NewReader(`{"sessionId":"eve-1"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	// The sender is being torn down; it gets 202 no matter what.
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	var resp struct {
		Success bool `json:"success"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || !resp.Success {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestBeaconRequiresSessionID(t *testing.T) {
	env := newTestEnv(0)
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/beacon", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
