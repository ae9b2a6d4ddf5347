package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/snapetech/coursecache/internal/fault"
)

// Snapshot is the last validated course payload, exactly as the content API sent it.
type Snapshot struct {
	CourseID     string
	Data         []byte
	ETag         string
	LastModified string
	Checksum     string
	SavedAt      time.Time
}

// SnapshotMeta carries the HTTP validators that came with a payload.
type SnapshotMeta struct {
	ETag         string
	LastModified string
}

// SaveSnapshot replaces the snapshot for courseID. The caller validates data first;
// the old snapshot stays readable until the new file has been renamed into place.
func (s *Store) SaveSnapshot(courseID string, data []byte, meta SnapshotMeta) (Entry, error) {
	if courseID == "" {
		return Entry{}, fault.IO("cache save snapshot", courseID, errors.New("empty course id"))
	}
	if len(data) == 0 {
		return Entry{}, fault.Integrityf("cache save snapshot", courseID, "empty payload")
	}
	final := SnapshotPath(s.root, courseID)
	unlock := s.lockKey("snapshot:" + courseID)
	defer unlock()

	tmp, err := os.CreateTemp(filepath.Dir(final), ".snapshot-*.json.tmp")
	if err != nil {
		return Entry{}, fault.Classify("cache save snapshot", courseID, err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	syncErr := tmp.Sync()
	closeErr := tmp.Close()
	for _, err := range []error{writeErr, syncErr, closeErr} {
		if err != nil {
			os.Remove(tmpName)
			return Entry{}, fault.Classify("cache save snapshot", courseID, err)
		}
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return Entry{}, fault.Classify("cache save snapshot", courseID, err)
	}
	sum := sha256.Sum256(data)
	e := Entry{
		Kind:         KindSnapshot,
		ID:           courseID,
		Path:         s.rel(final),
		Size:         int64(len(data)),
		Checksum:     hex.EncodeToString(sum[:]),
		ETag:         meta.ETag,
		LastModified: meta.LastModified,
		CompletedAt:  time.Now().UTC(),
	}
	if err := s.idx.put(e); err != nil {
		return Entry{}, fault.IO("cache save snapshot", courseID, err)
	}
	e.Path = final
	return e, nil
}

// SnapshotFor returns the stored snapshot for courseID, or ErrNotFound.
// A snapshot whose bytes no longer match the recorded checksum is an integrity error.
func (s *Store) SnapshotFor(courseID string) (Snapshot, error) {
	unlock := s.lockKey("snapshot:" + courseID)
	defer unlock()
	e, err := s.entry(KindSnapshot, courseID)
	if err != nil {
		return Snapshot{}, err
	}
	data, err := os.ReadFile(e.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fault.Classify("cache read snapshot", courseID, err)
	}
	sum := sha256.Sum256(data)
	if e.Checksum != "" && hex.EncodeToString(sum[:]) != e.Checksum {
		return Snapshot{}, fault.Integrityf("cache read snapshot", courseID, "checksum mismatch")
	}
	return Snapshot{
		CourseID:     courseID,
		Data:         data,
		ETag:         e.ETag,
		LastModified: e.LastModified,
		Checksum:     e.Checksum,
		SavedAt:      e.CompletedAt,
	}, nil
}
