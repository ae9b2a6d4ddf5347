package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/snapetech/coursecache/internal/cache"
	"github.com/snapetech/coursecache/internal/content"
	"github.com/snapetech/coursecache/internal/course"
	"github.com/snapetech/coursecache/internal/download"
	"github.com/snapetech/coursecache/internal/resolver"
)

type healthResponse struct {
	Status string      `json:"status"`
	Cache  cache.Usage `json:"cache"`
	Active int         `json:"active_downloads"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	u, err := s.Store.Usage()
	if err != nil {
		writeError(w, err)
		return
	}
	active := 0
	for _, t := range s.Downloads.List() {
		if t.Status.Active() {
			active++
		}
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Cache: u, Active: active})
}

func (s *Server) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if u, err := s.Store.Usage(); err == nil {
		s.Metrics.SetCacheUsage(string(cache.KindVideo), u.VideoCount, u.VideoBytes)
		s.Metrics.SetCacheUsage(string(cache.KindSnapshot), u.SnapshotCount, u.SnapshotBytes)
	}
	s.Metrics.Handler().ServeHTTP(w, r)
}

type courseResponse struct {
	content.Result
	NetworkError string `json:"network_error,omitempty"`
	// Cached lists the lesson ids whose video is on the device.
	Cached []string `json:"cached_lessons"`
}

func (s *Server) getCourse(w http.ResponseWriter, r *http.Request) {
	res, err := s.Fetcher.FetchCourseContent(r.Context(), chi.URLParam(r, "courseID"))
	if err != nil {
		writeError(w, err)
		return
	}
	resp := courseResponse{Result: res, Cached: []string{}}
	if res.NetworkErr != nil {
		resp.NetworkError = res.NetworkErr.Error()
	}
	for _, l := range res.Course.VideoLessons() {
		if s.Store.Has(l.ID) {
			resp.Cached = append(resp.Cached, l.ID)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// lesson fetches the course (network-first) and finds the lesson in it.
func (s *Server) lesson(r *http.Request) (*course.Lesson, error) {
	courseID, lessonID := chi.URLParam(r, "courseID"), chi.URLParam(r, "lessonID")
	res, err := s.Fetcher.FetchCourseContent(r.Context(), courseID)
	if err != nil {
		return nil, err
	}
	l, ok := res.Course.Lesson(lessonID)
	if !ok {
		return nil, fmt.Errorf("%w: course=%s lesson=%s", errNoLesson, courseID, lessonID)
	}
	return l, nil
}

func (s *Server) resolveLesson(w http.ResponseWriter, r *http.Request) {
	l, err := s.lesson(r)
	if err != nil {
		writeError(w, err)
		return
	}
	src, err := s.Resolver.Resolve(l)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) startDownload(w http.ResponseWriter, r *http.Request) {
	l, err := s.lesson(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !resolver.ProbeDownloadable(r.Context(), s.Client, l) {
		writeError(w, fmt.Errorf("%w: lesson=%s", errNotDownloadable, l.ID))
		return
	}
	t, err := s.Downloads.Start(l.ID, l.VideoURL)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if t.Status == download.StatusCompleted {
		status = http.StatusOK
	}
	writeJSON(w, status, t)
}

func (s *Server) listDownloads(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Downloads.List())
}

func (s *Server) downloadStatus(w http.ResponseWriter, r *http.Request) {
	t, ok := s.Downloads.StatusOf(chi.URLParam(r, "lessonID"))
	if !ok {
		writeError(w, download.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) pauseDownload(w http.ResponseWriter, r *http.Request) {
	t, err := s.Downloads.Pause(chi.URLParam(r, "lessonID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) resumeDownload(w http.ResponseWriter, r *http.Request) {
	t, err := s.Downloads.Resume(chi.URLParam(r, "lessonID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) cancelDownload(w http.ResponseWriter, r *http.Request) {
	if err := s.Downloads.Cancel(chi.URLParam(r, "lessonID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteLesson(w http.ResponseWriter, r *http.Request) {
	if err := s.Downloads.Delete(chi.URLParam(r, "lessonID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
