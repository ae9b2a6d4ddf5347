package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/snapetech/coursecache/internal/fault"
)

// WriteOptions configures BeginWrite.
type WriteOptions struct {
	// SourceURL is recorded with the partial so a later resume can check it still
	// refers to the same resource.
	SourceURL string
	// Resume reopens an existing partial for the same SourceURL instead of truncating it.
	Resume bool
}

// CommitOptions describes what the writer expected to receive.
type CommitOptions struct {
	// ExpectedSize is the full size announced by the server; 0 or negative means unknown.
	ExpectedSize int64
	ETag         string
	LastModified string
}

// WriteHandle is an open partial file for one lesson. Only one handle per lesson
// exists at a time. Methods are safe for concurrent use, though a single
// goroutine normally owns the handle.
type WriteHandle struct {
	store     *Store
	lessonID  string
	path      string
	sourceURL string

	mu        sync.Mutex
	f         *os.File
	offset    int64 // bytes already present when the handle was opened
	size      int64 // bytes currently in the file
	validator string
	done      bool
}

// BeginWrite opens the partial file for lessonID. It fails with ErrWriteInProgress
// while another handle for the same lesson is open.
func (s *Store) BeginWrite(lessonID string, opts WriteOptions) (*WriteHandle, error) {
	if lessonID == "" {
		return nil, fault.IO("cache begin write", lessonID, errors.New("empty lesson id"))
	}
	s.mu.Lock()
	if _, busy := s.writing[lessonID]; busy {
		s.mu.Unlock()
		return nil, ErrWriteInProgress
	}
	h := &WriteHandle{
		store:     s,
		lessonID:  lessonID,
		path:      PartialPath(s.root, lessonID),
		sourceURL: opts.SourceURL,
	}
	s.writing[lessonID] = h
	s.mu.Unlock()

	if err := h.open(opts.Resume); err != nil {
		s.release(lessonID, h)
		return nil, err
	}
	return h, nil
}

func (h *WriteHandle) open(resume bool) error {
	s := h.store
	if resume {
		rec, ok, err := s.idx.partial(h.lessonID)
		if err != nil {
			return fault.IO("cache begin write", h.lessonID, err)
		}
		if ok && rec.SourceURL == h.sourceURL {
			f, err := os.OpenFile(h.path, os.O_WRONLY|os.O_APPEND, 0644)
			if err == nil {
				fi, err := f.Stat()
				if err == nil {
					h.f = f
					h.offset = fi.Size()
					h.size = fi.Size()
					h.validator = rec.Validator
					log.Printf("cache: resume partial lesson=%s offset=%d", h.lessonID, h.offset)
					return nil
				}
				f.Close()
			}
		}
	}
	f, err := os.OpenFile(h.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fault.Classify("cache begin write", h.lessonID, err)
	}
	h.f = f
	rec := partialRecord{LessonID: h.lessonID, SourceURL: h.sourceURL, UpdatedAt: time.Now().UTC()}
	if err := s.idx.putPartial(rec); err != nil {
		f.Close()
		os.Remove(h.path)
		return fault.IO("cache begin write", h.lessonID, err)
	}
	return nil
}

// LessonID returns the lesson the handle writes.
func (h *WriteHandle) LessonID() string { return h.lessonID }

// Path returns the partial file path. It is never the final path.
func (h *WriteHandle) Path() string { return h.path }

// Offset returns how many bytes were already in the partial when the handle was opened.
func (h *WriteHandle) Offset() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.offset
}

// Size returns the bytes currently in the partial.
func (h *WriteHandle) Size() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Validator returns the ETag or Last-Modified recorded for the partial's source.
func (h *WriteHandle) Validator() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.validator
}

func (h *WriteHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return 0, ErrHandleClosed
	}
	n, err := h.f.Write(p)
	h.size += int64(n)
	if err != nil {
		return n, fault.Classify("cache write", h.lessonID, err)
	}
	return n, nil
}

// Truncate drops everything written so far, e.g. when a resumed transfer
// is answered with the full resource.
func (h *WriteHandle) Truncate() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return ErrHandleClosed
	}
	if err := h.f.Truncate(0); err != nil {
		return fault.Classify("cache truncate", h.lessonID, err)
	}
	if _, err := h.f.Seek(0, io.SeekStart); err != nil {
		return fault.Classify("cache truncate", h.lessonID, err)
	}
	h.offset, h.size, h.validator = 0, 0, ""
	return nil
}

// SetValidator records the source's ETag or Last-Modified so a suspended
// partial can later be resumed with If-Range.
func (h *WriteHandle) SetValidator(v string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return ErrHandleClosed
	}
	h.validator = v
	rec := partialRecord{LessonID: h.lessonID, SourceURL: h.sourceURL, Validator: v, UpdatedAt: time.Now().UTC()}
	if err := h.store.idx.putPartial(rec); err != nil {
		return fault.IO("cache set validator", h.lessonID, err)
	}
	return nil
}

// finish syncs and closes the file once. The second call reports ErrHandleClosed.
func (h *WriteHandle) finish() (size int64, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return 0, ErrHandleClosed
	}
	h.done = true
	syncErr := h.f.Sync()
	closeErr := h.f.Close()
	if syncErr != nil {
		return h.size, fault.Classify("cache sync", h.lessonID, syncErr)
	}
	if closeErr != nil {
		return h.size, fault.Classify("cache close", h.lessonID, closeErr)
	}
	return h.size, nil
}

func (s *Store) release(lessonID string, h *WriteHandle) {
	s.mu.Lock()
	if s.writing[lessonID] == h {
		delete(s.writing, lessonID)
	}
	s.mu.Unlock()
}

// Commit validates the partial and atomically publishes it as the lesson's video.
// A partial that is empty, smaller than the configured minimum, or not of the
// expected size is discarded and an integrity error returned.
func (s *Store) Commit(h *WriteHandle, opts CommitOptions) (Entry, error) {
	defer s.release(h.lessonID, h)
	id := h.lessonID
	size, err := h.finish()
	if errors.Is(err, ErrHandleClosed) {
		return Entry{}, err
	}
	if err != nil {
		s.removePartial(id, h.path)
		return Entry{}, err
	}
	fi, err := os.Stat(h.path)
	if err != nil {
		s.removePartial(id, h.path)
		return Entry{}, fault.Classify("cache commit", id, err)
	}
	switch {
	case fi.Size() != size:
		err = fault.Integrityf("cache commit", id, "file has %d bytes, wrote %d", fi.Size(), size)
	case size == 0:
		err = fault.Integrityf("cache commit", id, "empty file")
	case size < s.minVideoBytes:
		err = fault.Integrityf("cache commit", id, "%d bytes is below minimum %d", size, s.minVideoBytes)
	case opts.ExpectedSize > 0 && size != opts.ExpectedSize:
		err = fault.Integrityf("cache commit", id, "got %d bytes, expected %d", size, opts.ExpectedSize)
	}
	if err != nil {
		log.Printf("cache: commit rejected lesson=%s err=%v", id, err)
		s.removePartial(id, h.path)
		return Entry{}, err
	}
	sum, err := fileSHA256(h.path)
	if err != nil {
		s.removePartial(id, h.path)
		return Entry{}, fault.Classify("cache commit", id, err)
	}

	final := VideoPath(s.root, id)
	e := Entry{
		Kind:         KindVideo,
		ID:           id,
		Path:         s.rel(final),
		Size:         size,
		Checksum:     sum,
		ETag:         opts.ETag,
		LastModified: opts.LastModified,
		CompletedAt:  time.Now().UTC(),
	}
	unlock := s.lockKey("video:" + id)
	if err := os.Rename(h.path, final); err != nil {
		unlock()
		s.removePartial(id, h.path)
		return Entry{}, fault.Classify("cache commit", id, err)
	}
	if err := s.idx.put(e); err != nil {
		os.Remove(final)
		unlock()
		s.removePartial(id, h.path)
		return Entry{}, fault.IO("cache commit", id, err)
	}
	unlock()
	if err := s.idx.removePartial(id); err != nil {
		log.Printf("cache: drop partial record lesson=%s err=%v", id, err)
	}
	e.Path = final
	log.Printf("cache: committed lesson=%s bytes=%d", id, size)
	return e, nil
}

// Suspend closes the handle but keeps the partial and its resume record, so a
// later BeginWrite with Resume continues from the current size. An empty partial
// is discarded instead.
func (s *Store) Suspend(h *WriteHandle) error {
	defer s.release(h.lessonID, h)
	size, err := h.finish()
	if errors.Is(err, ErrHandleClosed) {
		return err
	}
	if err != nil || size == 0 {
		s.removePartial(h.lessonID, h.path)
		return err
	}
	log.Printf("cache: suspended lesson=%s bytes=%d", h.lessonID, size)
	return nil
}

// Discard closes the handle and deletes the partial and its resume record.
// Discarding an already finished handle is a no-op.
func (s *Store) Discard(h *WriteHandle) error {
	defer s.release(h.lessonID, h)
	if _, err := h.finish(); errors.Is(err, ErrHandleClosed) {
		return nil
	}
	return s.removePartial(h.lessonID, h.path)
}

// DiscardPartial removes a suspended partial for lessonID. It fails with
// ErrWriteInProgress while a handle is open. Idempotent.
func (s *Store) DiscardPartial(lessonID string) error {
	s.mu.Lock()
	_, busy := s.writing[lessonID]
	s.mu.Unlock()
	if busy {
		return ErrWriteInProgress
	}
	return s.removePartial(lessonID, PartialPath(s.root, lessonID))
}

// PartialSize returns the size of a suspended partial and whether it can be resumed
// from sourceURL.
func (s *Store) PartialSize(lessonID, sourceURL string) (int64, bool) {
	rec, ok, err := s.idx.partial(lessonID)
	if err != nil || !ok || rec.SourceURL != sourceURL {
		return 0, false
	}
	fi, err := os.Stat(PartialPath(s.root, lessonID))
	if err != nil || fi.Size() == 0 {
		return 0, false
	}
	return fi.Size(), true
}

func (s *Store) removePartial(lessonID, path string) error {
	var firstErr error
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		firstErr = fault.Classify("cache discard", lessonID, err)
	}
	if err := s.idx.removePartial(lessonID); err != nil && firstErr == nil {
		firstErr = fault.IO("cache discard", lessonID, err)
	}
	return firstErr
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
