package cache

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// Sweep reconciles the index with the files under root after a crash or an
// external deletion:
//   - entries whose file is missing or has the wrong size are dropped;
//   - resume records whose partial is gone are dropped;
//   - partials without a resume record, videos and snapshots without an entry,
//     and leftover snapshot temp files are removed.
//
// Open calls Sweep; it is safe to call again while no writes are in flight.
func (s *Store) Sweep() error {
	var errs []error
	keepVideos := make(map[string]bool)
	keepPartials := make(map[string]bool)
	keepSnapshots := make(map[string]bool)

	for _, kind := range []Kind{KindVideo, KindSnapshot} {
		// Collect first: the index has a single connection.
		rows, err := s.idx.list(kind)
		if err != nil {
			return err
		}
		for _, e := range rows {
			fi, err := os.Stat(s.abs(e.Path))
			if err != nil || fi.Size() != e.Size || fi.Size() == 0 {
				log.Printf("cache: sweep drop entry kind=%s id=%s", kind, e.ID)
				if err := s.idx.remove(kind, e.ID); err != nil {
					errs = append(errs, err)
				}
				continue
			}
			if kind == KindVideo {
				keepVideos[filepath.Base(e.Path)] = true
			} else {
				keepSnapshots[filepath.Base(e.Path)] = true
			}
		}
	}

	recs, err := s.idx.partials()
	if err != nil {
		return err
	}
	for _, p := range recs {
		path := PartialPath(s.root, p.LessonID)
		if _, err := os.Stat(path); err != nil {
			if err := s.idx.removePartial(p.LessonID); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		keepPartials[filepath.Base(path)] = true
	}
	s.mu.Lock()
	for id := range s.writing {
		keepPartials[filepath.Base(PartialPath(s.root, id))] = true
	}
	s.mu.Unlock()

	errs = append(errs, s.sweepDir(videoDir, func(name string) bool {
		switch {
		case strings.HasSuffix(name, partialExt):
			return keepPartials[name]
		case strings.HasSuffix(name, videoExt):
			return keepVideos[name]
		}
		return true
	}))
	errs = append(errs, s.sweepDir(snapshotDir, func(name string) bool {
		if strings.HasSuffix(name, ".tmp") {
			return false
		}
		if strings.HasSuffix(name, snapshotExt) {
			return keepSnapshots[name]
		}
		return true
	}))
	return errors.Join(errs...)
}

func (s *Store) sweepDir(dir string, keep func(name string) bool) error {
	entries, err := os.ReadDir(filepath.Join(s.root, dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, de := range entries {
		if de.IsDir() || keep(de.Name()) {
			continue
		}
		path := filepath.Join(s.root, dir, de.Name())
		log.Printf("cache: sweep remove %q", path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
