package content

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/snapetech/coursecache/internal/cache"
	"github.com/snapetech/coursecache/internal/fault"
	"github.com/snapetech/coursecache/internal/metrics"
)

const payloadC1 = `{"id":"C1","title":"Go 101","modules":[{"id":"M1","title":"Intro","position":1,"lessons":[
{"id":"L1","title":"Welcome","content_type":"video","video_url":"https://cdn.example.com/l1.mp4","video_provider":"direct","position":1},
{"id":"L2","title":"Reading","content_type":"text","position":2}]}]}`

func newStore(t *testing.T) *cache.Store {
	t.Helper()
	s, err := cache.Open(t.TempDir(), cache.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFetchCourseContent_networkThenOffline(t *testing.T) {
	store := newStore(t)
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path != "/courses/C1/content" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(payloadC1))
	}))
	f := New(store, Options{BaseURL: srv.URL, Timeout: 2 * time.Second, Metrics: metrics.New()})

	first, err := f.FetchCourseContent(context.Background(), "C1")
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if first.FromCache || first.Course.Title != "Go 101" {
		t.Fatalf("first = %+v", first)
	}
	s1, err := store.SnapshotFor("C1")
	if err != nil {
		t.Fatalf("snapshot not saved: %v", err)
	}

	srv.Close() // network gone
	second, err := f.FetchCourseContent(context.Background(), "C1")
	if err != nil {
		t.Fatalf("offline fetch: %v", err)
	}
	if !second.FromCache || second.NetworkErr == nil {
		t.Errorf("offline result must be marked from cache: %+v", second)
	}
	if second.Course.Title != first.Course.Title || len(second.Course.Lessons()) != 2 {
		t.Errorf("offline course differs: %+v", second.Course)
	}
	s2, _ := store.SnapshotFor("C1")
	if !bytes.Equal(s1.Data, s2.Data) {
		t.Error("snapshot changed while offline")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("server hits = %d", hits)
	}
}

func TestFetchCourseContent_unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	f := New(newStore(t), Options{BaseURL: srv.URL, Timeout: time.Second})
	_, err := f.FetchCourseContent(context.Background(), "C1")
	if !errors.Is(err, fault.ErrContentUnavailable) {
		t.Fatalf("err = %v, want content unavailable", err)
	}

	offline := New(newStore(t), Options{})
	if _, err := offline.FetchCourseContent(context.Background(), "C1"); !errors.Is(err, fault.ErrContentUnavailable) {
		t.Errorf("no API configured: err = %v", err)
	}
}

func TestFetchCourseContent_badResponsesFallBack(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) { http.Error(w, "boom", http.StatusBadGateway) }},
		{"not found", func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) }},
		{"malformed", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"id":"C1","modules":`)) }},
		{"empty course", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{"id":"C1","modules":[]}`)) }},
		{"empty body", func(w http.ResponseWriter, r *http.Request) {}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newStore(t)
			if _, err := store.SaveSnapshot("C1", []byte(payloadC1), cache.SnapshotMeta{}); err != nil {
				t.Fatal(err)
			}
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			f := New(store, Options{BaseURL: srv.URL, Timeout: 3 * time.Second})
			res, err := f.FetchCourseContent(context.Background(), "C1")
			if err != nil {
				t.Fatalf("err = %v", err)
			}
			if !res.FromCache || res.Course.Title != "Go 101" {
				t.Errorf("res = %+v", res)
			}
			snap, _ := store.SnapshotFor("C1")
			if string(snap.Data) != payloadC1 {
				t.Error("invalid payload overwrote the snapshot")
			}
		})
	}
}

func TestFetchCourseContent_timeoutFallsBack(t *testing.T) {
	store := newStore(t)
	store.SaveSnapshot("C1", []byte(payloadC1), cache.SnapshotMeta{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := New(store, Options{BaseURL: srv.URL, Timeout: 100 * time.Millisecond})
	start := time.Now()
	res, err := f.FetchCourseContent(context.Background(), "C1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.FromCache {
		t.Error("expected cached result after timeout")
	}
	if !errors.Is(res.NetworkErr, fault.ErrNetwork) {
		t.Errorf("NetworkErr = %v", res.NetworkErr)
	}
	if d := time.Since(start); d > 2*time.Second {
		t.Errorf("fallback took %v", d)
	}
}

func TestFetchCourseContent_conditional(t *testing.T) {
	store := newStore(t)
	var sawValidator int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"rev-1"` {
			atomic.AddInt32(&sawValidator, 1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"rev-1"`)
		w.Write([]byte(payloadC1))
	}))
	defer srv.Close()
	f := New(store, Options{BaseURL: srv.URL})

	if _, err := f.FetchCourseContent(context.Background(), "C1"); err != nil {
		t.Fatal(err)
	}
	res, err := f.FetchCourseContent(context.Background(), "C1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Revalidated || res.FromCache || res.Course == nil {
		t.Errorf("res = %+v", res)
	}
	if atomic.LoadInt32(&sawValidator) != 1 {
		t.Error("second request did not send If-None-Match")
	}
}

func TestFetchCourseContent_encodingsAndAuth(t *testing.T) {
	encode := map[string]func([]byte) []byte{
		"br": func(b []byte) []byte {
			var buf bytes.Buffer
			w := brotli.NewWriter(&buf)
			w.Write(b)
			w.Close()
			return buf.Bytes()
		},
		"gzip": func(b []byte) []byte {
			var buf bytes.Buffer
			w := gzip.NewWriter(&buf)
			w.Write(b)
			w.Close()
			return buf.Bytes()
		},
	}
	for enc, fn := range encode {
		t.Run(enc, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Authorization") != "Bearer secret" {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				w.Header().Set("Content-Encoding", enc)
				w.Write(fn([]byte(payloadC1)))
			}))
			defer srv.Close()
			f := New(newStore(t), Options{BaseURL: srv.URL, Token: "secret"})
			res, err := f.FetchCourseContent(context.Background(), "C1")
			if err != nil {
				t.Fatal(err)
			}
			if res.FromCache || res.Course.ID != "C1" {
				t.Errorf("res = %+v", res)
			}
		})
	}
}

func TestCourseURL(t *testing.T) {
	f := New(nil, Options{BaseURL: "https://api.example.com/", Path: "v2/course/{course}"})
	if got := f.CourseURL("a b"); got != "https://api.example.com/v2/course/a%20b" {
		t.Errorf("CourseURL = %q", got)
	}
	if got := New(nil, Options{}).CourseURL("C1"); got != "" {
		t.Errorf("offline CourseURL = %q", got)
	}
}
