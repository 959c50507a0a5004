package capture

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientUploadSegment(t *testing.T) {
	var gotMeta map[string]interface{}
	var gotBody []byte
	var gotCT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/segments" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if err := json.Unmarshal([]byte(r.FormValue("meta")), &gotMeta); err != nil {
			t.Fatalf("meta: %v", err)
		}
		f, fh, err := r.FormFile("video")
		if err != nil {
			t.Fatalf("video part: %v", err)
		}
		defer f.Close()
		gotBody, _ = io.ReadAll(f)
		gotCT = fh.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, nil)
	meta := Metadata{SessionID: "alice-1", Name: "Alice", Questions: []string{"q1"}}
	if err := c.UploadSegment(context.Background(), meta, 7, "video/webm", []byte("chunk")); err != nil {
		t.Fatalf("UploadSegment: %v", err)
	}

	if gotMeta["sessionId"] != "alice-1" || gotMeta["name"] != "Alice" {
		t.Errorf("meta = %v", gotMeta)
	}
	if idx, ok := gotMeta["index"].(float64); !ok || int(idx) != 7 {
		t.Errorf("index = %v", gotMeta["index"])
	}
	if string(gotBody) != "chunk" || gotCT != "video/webm" {
		t.Errorf("body %q content-type %q", gotBody, gotCT)
	}
}

func TestClientUploadSegmentTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, nil)
	err := c.UploadSegment(context.Background(), Metadata{SessionID: "a-1"}, 0, "video/webm", []byte("x"))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestClientFinalize(t *testing.T) {
	var got struct {
		SessionID string `json:"sessionId"`
		Force     bool   `json:"force"`
	}
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sessions/finalize" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, nil)
	if err := c.Finalize(context.Background(), Metadata{SessionID: "bob-1"}, true); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if got.SessionID != "bob-1" || !got.Force {
		t.Errorf("request = %+v", got)
	}

	status = http.StatusConflict
	if err := c.Finalize(context.Background(), Metadata{SessionID: "bob-1"}, false); !errors.Is(err, ErrRecordingStillActive) {
		t.Fatalf("err = %v, want ErrRecordingStillActive", err)
	}
}

func TestClientBeaconFireAndForget(t *testing.T) {
	hit := make(chan struct {
		SessionID string `json:"sessionId"`
		Force     bool   `json:"force"`
	}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SessionID string `json:"sessionId"`
			Force     bool   `json:"force"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		hit <- body
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second, nil)
	c.Beacon(Metadata{SessionID: "carol-1"}, true)

	select {
	case got := <-hit:
		if got.SessionID != "carol-1" || !got.Force {
			t.Errorf("beacon body = %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("beacon never arrived")
	}
}
