// Package cache is the on-device store for lesson videos and course content
// snapshots. It owns the cache root exclusively: nothing else writes there.
//
// Layout:
//
//	<root>/videos/<key>.mp4       committed lesson video
//	<root>/videos/<key>.partial   video being written (never visible to Has)
//	<root>/snapshots/<key>.json   last validated course payload
//	<root>/index.db               metadata for every committed artifact and resumable partial
//
// A video becomes visible only when Commit has renamed the partial into place
// and recorded its entry; Delete removes the entry before the file.
package cache

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/snapetech/coursecache/internal/fault"
)

// Kind distinguishes cached artifacts.
type Kind string

const (
	KindVideo    Kind = "video"
	KindSnapshot Kind = "snapshot"
)

// Entry describes one committed artifact. Path is absolute.
type Entry struct {
	Kind         Kind      `json:"kind"`
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	Size         int64     `json:"size_bytes"`
	Checksum     string    `json:"checksum,omitempty"` // sha256 hex of the file
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

var (
	// ErrNotFound is returned when no committed artifact exists for an id.
	ErrNotFound = errors.New("cache: not found")
	// ErrWriteInProgress is returned by BeginWrite while another handle for the same lesson is open.
	ErrWriteInProgress = errors.New("cache: write already in progress")
	// ErrHandleClosed is returned when a handle is used after Commit, Suspend or Discard.
	ErrHandleClosed = errors.New("cache: write handle closed")
)

// Options configures a Store.
type Options struct {
	// MinVideoBytes is the smallest video Commit accepts. Values below 1 mean 1.
	MinVideoBytes int64
}

// Store maps lesson ids to cached videos and course ids to content snapshots.
// Safe for concurrent use.
type Store struct {
	root          string
	minVideoBytes int64
	idx           *index

	mu      sync.Mutex
	writing map[string]*WriteHandle // lessonID -> open handle

	keyLocks sync.Map // key -> *sync.Mutex; serializes mutations of one final path
}

// Open prepares root (creating it if needed), opens the index and sweeps leftovers of
// interrupted writes.
func Open(root string, opts Options) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("cache: empty root")
	}
	root = filepath.Clean(root)
	for _, dir := range []string{root, filepath.Join(root, videoDir), filepath.Join(root, snapshotDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fault.Classify("cache open", root, err)
		}
	}
	idx, err := openIndex(filepath.Join(root, indexFile))
	if err != nil {
		return nil, err
	}
	minBytes := opts.MinVideoBytes
	if minBytes < 1 {
		minBytes = 1
	}
	s := &Store{
		root:          root,
		minVideoBytes: minBytes,
		idx:           idx,
		writing:       make(map[string]*WriteHandle),
	}
	if err := s.Sweep(); err != nil {
		log.Printf("cache: sweep failed root=%q err=%v", root, err)
	}
	return s, nil
}

// Root returns the cache root directory.
func (s *Store) Root() string { return s.root }

// Close closes the index. Open write handles are not touched.
func (s *Store) Close() error { return s.idx.close() }

func (s *Store) lockKey(key string) func() {
	v, _ := s.keyLocks.LoadOrStore(key, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (s *Store) abs(rel string) string { return filepath.Join(s.root, rel) }

func (s *Store) rel(path string) string {
	r, err := filepath.Rel(s.root, path)
	if err != nil {
		return path
	}
	return r
}

// entry loads a committed entry and verifies its file is present with the recorded size.
func (s *Store) entry(kind Kind, id string) (Entry, error) {
	e, ok, err := s.idx.get(kind, id)
	if err != nil {
		return Entry{}, fault.IO("cache lookup", id, err)
	}
	if !ok {
		return Entry{}, ErrNotFound
	}
	e.Path = s.abs(e.Path)
	fi, err := os.Stat(e.Path)
	if err != nil || fi.Size() == 0 || fi.Size() != e.Size {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// Has reports whether a committed video exists for lessonID and its file is present and non-empty.
func (s *Store) Has(lessonID string) bool {
	_, err := s.entry(KindVideo, lessonID)
	return err == nil
}

// Entry returns the committed entry of kind for id, or ErrNotFound.
func (s *Store) Entry(kind Kind, id string) (Entry, error) {
	return s.entry(kind, id)
}

// LocalPathFor returns the playable path of a cached lesson video, or ErrNotFound.
func (s *Store) LocalPathFor(lessonID string) (string, error) {
	e, err := s.entry(KindVideo, lessonID)
	if err != nil {
		return "", err
	}
	return e.Path, nil
}

// Delete removes a lesson's video and its metadata. Deleting an absent lesson is not an error.
// Resumable partial state is left alone; Discard owns that.
func (s *Store) Delete(lessonID string) error {
	unlock := s.lockKey("video:" + lessonID)
	defer unlock()
	return s.deleteLocked(KindVideo, lessonID, VideoPath(s.root, lessonID))
}

// DeleteSnapshot removes a course snapshot. Idempotent.
func (s *Store) DeleteSnapshot(courseID string) error {
	unlock := s.lockKey("snapshot:" + courseID)
	defer unlock()
	return s.deleteLocked(KindSnapshot, courseID, SnapshotPath(s.root, courseID))
}

func (s *Store) deleteLocked(kind Kind, id, path string) error {
	// Entry first so Has turns false before the file disappears.
	if err := s.idx.remove(kind, id); err != nil {
		return fault.IO("cache delete", id, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fault.Classify("cache delete", id, err)
	}
	return nil
}

// Entries returns committed entries of kind, oldest first. Entries whose file is
// missing are skipped.
func (s *Store) Entries(kind Kind) ([]Entry, error) {
	rows, err := s.idx.list(kind)
	if err != nil {
		return nil, fault.IO("cache list", string(kind), err)
	}
	out := make([]Entry, 0, len(rows))
	for _, e := range rows {
		e.Path = s.abs(e.Path)
		if fi, err := os.Stat(e.Path); err != nil || fi.Size() != e.Size {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Usage summarizes what the cache root holds.
type Usage struct {
	VideoCount    int   `json:"video_count"`
	VideoBytes    int64 `json:"video_bytes"`
	SnapshotCount int   `json:"snapshot_count"`
	SnapshotBytes int64 `json:"snapshot_bytes"`
}

// Usage returns committed artifact counts and sizes.
func (s *Store) Usage() (Usage, error) {
	var u Usage
	videos, err := s.Entries(KindVideo)
	if err != nil {
		return u, err
	}
	for _, e := range videos {
		u.VideoCount++
		u.VideoBytes += e.Size
	}
	snaps, err := s.Entries(KindSnapshot)
	if err != nil {
		return u, err
	}
	for _, e := range snaps {
		u.SnapshotCount++
		u.SnapshotBytes += e.Size
	}
	return u, nil
}

// Evict deletes the oldest committed videos until the videos total at most maxBytes.
// Lessons listed in keep are never evicted. Returns the evicted entries.
func (s *Store) Evict(maxBytes int64, keep ...string) ([]Entry, error) {
	videos, err := s.Entries(KindVideo)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, e := range videos {
		total += e.Size
	}
	skip := make(map[string]bool, len(keep))
	for _, id := range keep {
		skip[id] = true
	}
	var evicted []Entry
	for _, e := range videos {
		if total <= maxBytes {
			break
		}
		if skip[e.ID] {
			continue
		}
		if err := s.Delete(e.ID); err != nil {
			return evicted, err
		}
		total -= e.Size
		evicted = append(evicted, e)
		log.Printf("cache: evicted lesson=%s bytes=%d", e.ID, e.Size)
	}
	return evicted, nil
}
