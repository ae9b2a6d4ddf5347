// Package api exposes the cache engine over a local HTTP control surface:
// course fetches, playback resolution, download control and a server-sent
// event stream of download progress.
package api

import (
	"context"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/snapetech/coursecache/internal/cache"
	"github.com/snapetech/coursecache/internal/content"
	"github.com/snapetech/coursecache/internal/download"
	"github.com/snapetech/coursecache/internal/metrics"
	"github.com/snapetech/coursecache/internal/resolver"
)

// Server wires the engine components to HTTP routes.
type Server struct {
	Addr      string
	Store     *cache.Store
	Fetcher   *content.Fetcher
	Downloads *download.Manager
	Resolver  *resolver.Resolver
	Metrics   *metrics.Metrics
	// Client probes lesson URLs that cannot be classified offline. Nil uses the shared default.
	Client *http.Client
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(logRequests)
	r.Get("/healthz", s.health)
	r.Get("/metrics", s.serveMetrics)
	r.Route("/courses/{courseID}", func(r chi.Router) {
		r.Get("/", s.getCourse)
		r.Get("/lessons/{lessonID}/source", s.resolveLesson)
		r.Post("/lessons/{lessonID}/download", s.startDownload)
	})
	r.Route("/downloads", func(r chi.Router) {
		r.Get("/", s.listDownloads)
		r.Get("/{lessonID}", s.downloadStatus)
		r.Post("/{lessonID}/pause", s.pauseDownload)
		r.Post("/{lessonID}/resume", s.resumeDownload)
		r.Delete("/{lessonID}", s.cancelDownload)
	})
	r.Delete("/lessons/{lessonID}", s.deleteLesson)
	r.Get("/events", s.events)
	return r
}

// Run blocks until ctx is cancelled or the listener fails. On shutdown it stops
// accepting connections and waits briefly for in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	addr := s.Addr
	if addr == "" {
		addr = "127.0.0.1:7311"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Printf("api: listening on %s", addr)
		serverErr <- srv.ListenAndServe()
	}()
	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Print("api: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("api: shutdown: %v", err)
		}
		<-serverErr
		return nil
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		status := lw.status
		if status == 0 {
			status = http.StatusOK
		}
		log.Printf("http: %s %s status=%d bytes=%d dur=%s", r.Method, r.URL.Path, status, lw.bytes, time.Since(start).Round(time.Millisecond))
	})
}
