// Package resolver decides where a lesson should be played from: the cached
// file when one has been committed, otherwise the remote URL.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"path/filepath"

	"github.com/snapetech/coursecache/internal/cache"
	"github.com/snapetech/coursecache/internal/course"
	"github.com/snapetech/coursecache/internal/download"
	"github.com/snapetech/coursecache/internal/probe"
)

// Kind says how a PlaybackSource should be played.
type Kind string

const (
	SourceLocal    Kind = "local"    // file in the cache root
	SourceRemote   Kind = "remote"   // direct or HLS stream
	SourceEmbedded Kind = "embedded" // provider's own player
	SourceNone     Kind = "none"     // nothing playable
)

// PlaybackSource is the answer for one lesson.
type PlaybackSource struct {
	LessonID string           `json:"lesson_id"`
	Kind     Kind             `json:"kind"`
	URI      string           `json:"uri,omitempty"`
	Path     string           `json:"path,omitempty"`
	Provider string           `json:"provider,omitempty"`
	Stream   probe.StreamType `json:"stream_type,omitempty"`
	// Downloadable reports whether the lesson may be downloaded for offline use.
	Downloadable bool           `json:"downloadable"`
	Download     *download.Task `json:"download,omitempty"`
}

// ErrNoLesson is returned by Resolve for a nil lesson.
var ErrNoLesson = errors.New("resolver: no lesson")

// Resolver answers playback questions from the cache and the download manager.
type Resolver struct {
	store     *cache.Store
	downloads *download.Manager
}

// New returns a Resolver. downloads may be nil when no manager is running.
func New(store *cache.Store, downloads *download.Manager) *Resolver {
	return &Resolver{store: store, downloads: downloads}
}

// Resolve prefers a committed cached file, then the lesson's remote URL.
// A lesson that is still downloading resolves remotely until its commit.
func (r *Resolver) Resolve(l *course.Lesson) (PlaybackSource, error) {
	if l == nil {
		return PlaybackSource{}, ErrNoLesson
	}
	src := PlaybackSource{LessonID: l.ID, Kind: SourceNone, Downloadable: Downloadable(l)}
	if r.downloads != nil {
		if t, ok := r.downloads.StatusOf(l.ID); ok {
			src.Download = &t
		}
	}
	if path, err := r.store.LocalPathFor(l.ID); err == nil {
		src.Kind = SourceLocal
		src.Path = path
		src.URI = fileURI(path)
		src.Stream = probe.StreamDirectFile
		return src, nil
	} else if !errors.Is(err, cache.ErrNotFound) {
		return src, fmt.Errorf("resolve %s: %w", l.ID, err)
	}
	if !l.IsVideo() {
		return src, nil
	}
	src.URI = l.VideoURL
	src.Stream = probe.Classify(l.VideoURL, l.VideoProvider)
	if src.Stream == probe.StreamEmbedded {
		src.Kind = SourceEmbedded
		src.Provider = probe.Provider(l.VideoURL, l.VideoProvider)
		return src, nil
	}
	src.Kind = SourceRemote
	src.Provider = l.VideoProvider
	return src, nil
}

// Downloadable reports whether a lesson's video may be cached: only video
// lessons whose URL is a direct file. Embedded players and HLS never are.
func Downloadable(l *course.Lesson) bool {
	return l.IsVideo() && probe.Classify(l.VideoURL, l.VideoProvider).Cacheable()
}

// ProbeDownloadable is Downloadable, except that a video URL the static rules
// cannot classify is asked for its Content-Type. client may be nil.
func ProbeDownloadable(ctx context.Context, client *http.Client, l *course.Lesson) bool {
	if !l.IsVideo() {
		return false
	}
	t := probe.Classify(l.VideoURL, l.VideoProvider)
	if t == probe.StreamUnknown {
		var err error
		t, err = probe.Probe(ctx, client, l.VideoURL)
		if err != nil {
			log.Printf("resolver: probe lesson=%s err=%v", l.ID, err)
			return false
		}
	}
	return t.Cacheable()
}

func fileURI(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}
