package cache

import (
	"fmt"
	"hash/fnv"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	videoDir    = "videos"
	snapshotDir = "snapshots"
	indexFile   = "index.db"

	videoExt    = ".mp4"
	partialExt  = ".partial"
	snapshotExt = ".json"

	// maxKeyPrefix keeps a key plus its hash and extension under the usual
	// 255-byte filename limit.
	maxKeyPrefix = 200
)

// Key returns the filename stem for an id. Stable: same id always maps to same key.
// Ids that needed sanitizing get a short hash suffix so "a/b" and "a_b" never share a file.
// Long ids are cut to a prefix before the suffix.
func Key(id string) string {
	safe := sanitizeID(id)
	if len(safe) > maxKeyPrefix {
		n := maxKeyPrefix
		for n > 0 && !utf8.RuneStart(safe[n]) {
			n--
		}
		safe = safe[:n]
	}
	if safe != id {
		h := fnv.New32a()
		h.Write([]byte(id))
		safe = fmt.Sprintf("%s-%08x", safe, h.Sum32())
	}
	return safe
}

// VideoPath returns the final path of a lesson's cached video.
func VideoPath(root, lessonID string) string {
	return filepath.Join(root, videoDir, Key(lessonID)+videoExt)
}

// PartialPath returns the path used while a lesson video is being written (renamed to VideoPath on commit).
func PartialPath(root, lessonID string) string {
	return filepath.Join(root, videoDir, Key(lessonID)+partialExt)
}

// SnapshotPath returns the path of a course's content snapshot.
func SnapshotPath(root, courseID string) string {
	return filepath.Join(root, snapshotDir, Key(courseID)+snapshotExt)
}

func sanitizeID(id string) string {
	s := strings.ReplaceAll(id, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "\x00", "_")
	s = strings.ReplaceAll(s, ":", "_")
	if s == "" || s == "." || s == ".." {
		s = "unknown"
	}
	return s
}
