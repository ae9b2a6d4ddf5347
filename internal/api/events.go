package api

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/snapetech/coursecache/internal/download"
)

const (
	eventBuffer   = 256
	keepaliveTick = 15 * time.Second
)

// events streams download events as server-sent events. ?lesson=<id> limits the
// stream to one lesson. A client that falls eventBuffer events behind loses
// the overflow; the next event it sees carries the current byte counts.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	only := r.URL.Query().Get("lesson")

	ch := make(chan download.Event, eventBuffer)
	unsubscribe := s.Downloads.Subscribe(func(ev download.Event) {
		if only != "" && ev.LessonID != only {
			return
		}
		select {
		case ch <- ev:
		default:
			log.Printf("api: event dropped for slow client lesson=%s status=%s", ev.LessonID, ev.Status)
		}
	})
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	tick := time.NewTicker(keepaliveTick)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-ch:
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Status, b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
