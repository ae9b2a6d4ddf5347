package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/snapetech/coursecache/internal/cache"
	"github.com/snapetech/coursecache/internal/content"
	"github.com/snapetech/coursecache/internal/download"
	"github.com/snapetech/coursecache/internal/httpclient"
	"github.com/snapetech/coursecache/internal/metrics"
	"github.com/snapetech/coursecache/internal/resolver"
)

var videoData = bytes.Repeat([]byte("frame"), 20000)

type fixture struct {
	api   *httptest.Server
	store *cache.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	video := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/player" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			io.WriteString(w, "<html></html>")
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "video/mp4")
		http.ServeContent(w, r, "l1.mp4", time.Time{}, bytes.NewReader(videoData))
	}))
	t.Cleanup(video.Close)
	payload := fmt.Sprintf(`{"id":"C1","title":"Go 101","modules":[{"id":"M1","title":"Intro","lessons":[
{"id":"L1","title":"Welcome","content_type":"video","video_url":%q,"video_provider":"direct","position":1},
{"id":"L2","title":"Reading","content_type":"text","position":2},
{"id":"L3","title":"Guest talk","content_type":"video","video_url":"https://www.youtube.com/watch?v=abc","position":3},
{"id":"L4","title":"Bonus","content_type":"video","video_url":%q,"position":4},
{"id":"L5","title":"Live","content_type":"video","video_url":%q,"position":5}]}]}`,
		video.URL+"/l1.mp4", video.URL+"/stream/4", video.URL+"/player")
	contentAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/courses/C1/content" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, payload)
	}))
	t.Cleanup(contentAPI.Close)

	store, err := cache.Open(t.TempDir(), cache.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	m := metrics.New()
	downloads := download.New(store, download.Options{
		ProgressInterval: time.Millisecond,
		Transport:        &download.HTTPTransport{Client: video.Client(), Hosts: httpclient.NewHostSemaphore(2)},
		Metrics:          m,
	})
	t.Cleanup(func() { downloads.Close() })
	s := &Server{
		Store:     store,
		Fetcher:   content.New(store, content.Options{BaseURL: contentAPI.URL, Timeout: 2 * time.Second, Metrics: m}),
		Downloads: downloads,
		Resolver:  resolver.New(store, downloads),
		Metrics:   m,
		Client:    video.Client(),
	}
	api := httptest.NewServer(s.Handler())
	t.Cleanup(api.Close)
	return &fixture{api: api, store: store}
}

func (f *fixture) do(t *testing.T, method, path string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, f.api.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (f *fixture) waitCompleted(t *testing.T, lessonID string) download.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var task download.Task
		if code := f.do(t, http.MethodGet, "/downloads/"+lessonID, &task); code == http.StatusOK && task.Status == download.StatusCompleted {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("download %s did not complete", lessonID)
	return download.Task{}
}

func TestServer_downloadLifecycle(t *testing.T) {
	f := newFixture(t)

	var c struct {
		FromCache bool     `json:"from_cache"`
		Cached    []string `json:"cached_lessons"`
		Course    struct {
			Title string `json:"title"`
		} `json:"course"`
	}
	if code := f.do(t, http.MethodGet, "/courses/C1", &c); code != http.StatusOK {
		t.Fatalf("GET course = %d", code)
	}
	if c.Course.Title != "Go 101" || c.FromCache || len(c.Cached) != 0 {
		t.Fatalf("course = %+v", c)
	}

	var src resolver.PlaybackSource
	f.do(t, http.MethodGet, "/courses/C1/lessons/L1/source", &src)
	if src.Kind != resolver.SourceRemote || !src.Downloadable {
		t.Fatalf("before download: %+v", src)
	}

	var task download.Task
	if code := f.do(t, http.MethodPost, "/courses/C1/lessons/L1/download", &task); code != http.StatusAccepted {
		t.Fatalf("POST download = %d", code)
	}
	done := f.waitCompleted(t, "L1")
	if done.BytesTransferred != int64(len(videoData)) {
		t.Errorf("bytes = %d", done.BytesTransferred)
	}

	f.do(t, http.MethodGet, "/courses/C1/lessons/L1/source", &src)
	if src.Kind != resolver.SourceLocal || !strings.HasPrefix(src.URI, "file://") {
		t.Fatalf("after download: %+v", src)
	}
	f.do(t, http.MethodGet, "/courses/C1", &c)
	if len(c.Cached) != 1 || c.Cached[0] != "L1" {
		t.Errorf("cached = %v", c.Cached)
	}

	// Starting again is a no-op on a cached lesson.
	if code := f.do(t, http.MethodPost, "/courses/C1/lessons/L1/download", &task); code != http.StatusOK {
		t.Errorf("second POST = %d", code)
	}

	var list []download.Task
	f.do(t, http.MethodGet, "/downloads", &list)
	if len(list) != 1 || list[0].LessonID != "L1" {
		t.Errorf("list = %+v", list)
	}

	if code := f.do(t, http.MethodDelete, "/lessons/L1", nil); code != http.StatusNoContent {
		t.Fatalf("DELETE lesson = %d", code)
	}
	if f.store.Has("L1") {
		t.Error("video still cached after delete")
	}
	var e errorResponse
	if code := f.do(t, http.MethodGet, "/downloads/L1", &e); code != http.StatusNotFound || e.Kind != "not_found" {
		t.Errorf("status after delete = %d %+v", code, e)
	}
}

func TestServer_errors(t *testing.T) {
	f := newFixture(t)
	for _, tc := range []struct {
		method, path string
		code         int
		kind         string
	}{
		{http.MethodGet, "/courses/C9", http.StatusServiceUnavailable, "content_unavailable"},
		{http.MethodGet, "/courses/C1/lessons/nope/source", http.StatusNotFound, "not_found"},
		{http.MethodPost, "/courses/C1/lessons/L2/download", http.StatusUnprocessableEntity, "invalid_source"},
		{http.MethodPost, "/courses/C1/lessons/L3/download", http.StatusUnprocessableEntity, "invalid_source"},
		{http.MethodPost, "/courses/C1/lessons/L5/download", http.StatusUnprocessableEntity, "invalid_source"},
		{http.MethodPost, "/downloads/L1/pause", http.StatusNotFound, "not_found"},
		{http.MethodPost, "/downloads/L1/resume", http.StatusNotFound, "not_found"},
	} {
		var e errorResponse
		code := f.do(t, tc.method, tc.path, &e)
		if code != tc.code || e.Kind != tc.kind || e.Error == "" {
			t.Errorf("%s %s = %d %+v, want %d %s", tc.method, tc.path, code, e, tc.code, tc.kind)
		}
	}

	f.do(t, http.MethodPost, "/courses/C1/lessons/L1/download", nil)
	f.waitCompleted(t, "L1")
	var e errorResponse
	if code := f.do(t, http.MethodPost, "/downloads/L1/resume", &e); code != http.StatusConflict || e.Kind != "invalid_state" {
		t.Errorf("resume completed = %d %+v", code, e)
	}
	// Cancel is idempotent.
	for i := 0; i < 2; i++ {
		if code := f.do(t, http.MethodDelete, "/downloads/L1", nil); code != http.StatusNoContent {
			t.Errorf("cancel #%d = %d", i, code)
		}
	}
}

func TestServer_downloadProbesUnclassifiedURL(t *testing.T) {
	f := newFixture(t)
	var task download.Task
	if code := f.do(t, http.MethodPost, "/courses/C1/lessons/L4/download", &task); code != http.StatusAccepted {
		t.Fatalf("start L4 = %d", code)
	}
	f.waitCompleted(t, "L4")
	if !f.store.Has("L4") {
		t.Error("probed direct file not cached")
	}
}

func TestServer_events(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.api.URL+"/events?lesson=L1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	f.do(t, http.MethodPost, "/courses/C1/lessons/L1/download", nil)

	var statuses []string
	var last download.Event
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			statuses = append(statuses, strings.TrimPrefix(line, "event: "))
		}
		if strings.HasPrefix(line, "data: ") {
			var ev download.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				t.Fatalf("bad event %q: %v", line, err)
			}
			if ev.BytesTransferred < last.BytesTransferred && ev.AttemptID == last.AttemptID {
				t.Errorf("progress went backwards: %d after %d", ev.BytesTransferred, last.BytesTransferred)
			}
			last = ev
			if ev.Status == download.StatusCompleted {
				break
			}
		}
	}
	if len(statuses) < 2 || statuses[0] != "queued" || statuses[len(statuses)-1] != "completed" {
		t.Errorf("statuses = %v", statuses)
	}
	if last.BytesTransferred != int64(len(videoData)) {
		t.Errorf("final bytes = %d", last.BytesTransferred)
	}
}

func TestServer_healthAndMetrics(t *testing.T) {
	f := newFixture(t)
	var h healthResponse
	if code := f.do(t, http.MethodGet, "/healthz", &h); code != http.StatusOK || h.Status != "ok" {
		t.Fatalf("healthz = %d %+v", code, h)
	}
	f.do(t, http.MethodGet, "/courses/C1", nil)

	resp, err := http.Get(f.api.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{"coursecache_content_fetches_total", "coursecache_cache_entries"} {
		if !bytes.Contains(body, []byte(want)) {
			t.Errorf("metrics missing %s", want)
		}
	}
}
