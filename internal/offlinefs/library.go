// Package offlinefs presents cached lesson videos as a read-only folder tree:
//
//	<mount>/<Course Title>/<NN - Lesson Title>.mp4
//
// Only lessons whose video is committed in the cache appear; courses without
// a snapshot or without any cached lesson are left out.
package offlinefs

import (
	"fmt"
	"log"
	"strings"

	"github.com/snapetech/coursecache/internal/cache"
	"github.com/snapetech/coursecache/internal/course"
)

// Library is a point-in-time view of the cache as folders and files.
type Library struct {
	Courses      []*CourseDir
	CourseByName map[string]*CourseDir
}

// CourseDir is one course folder.
type CourseDir struct {
	ID           string
	Name         string
	Lessons      []*LessonFile
	LessonByName map[string]*LessonFile
}

// LessonFile is one cached lesson video.
type LessonFile struct {
	LessonID string
	Name     string
	Path     string // committed file in the cache root
	Size     int64
}

// Build reads every course snapshot in store and lists its cached video lessons.
// Unreadable snapshots are logged and skipped.
func Build(store *cache.Store) (*Library, error) {
	snaps, err := store.Entries(cache.KindSnapshot)
	if err != nil {
		return nil, err
	}
	var courses []*course.Course
	for _, e := range snaps {
		snap, err := store.SnapshotFor(e.ID)
		if err != nil {
			log.Printf("offlinefs: skip course=%s err=%v", e.ID, err)
			continue
		}
		c, err := course.Decode(e.ID, snap.Data)
		if err != nil {
			log.Printf("offlinefs: skip course=%s err=%v", e.ID, err)
			continue
		}
		courses = append(courses, c)
	}

	lib := &Library{CourseByName: make(map[string]*CourseDir)}
	names := uniqueCourseDirNames(courses)
	for _, c := range courses {
		dir := &CourseDir{ID: c.ID, Name: names[c.ID], LessonByName: make(map[string]*LessonFile)}
		for i, l := range c.VideoLessons() {
			e, err := store.Entry(cache.KindVideo, l.ID)
			if err != nil {
				continue
			}
			name := LessonFileName(i+1, l.Title)
			if _, dup := dir.LessonByName[name]; dup {
				name = LessonFileName(i+1, l.Title+" ["+l.ID+"]")
			}
			f := &LessonFile{LessonID: l.ID, Name: name, Path: e.Path, Size: e.Size}
			dir.Lessons = append(dir.Lessons, f)
			dir.LessonByName[name] = f
		}
		if len(dir.Lessons) == 0 {
			continue
		}
		lib.Courses = append(lib.Courses, dir)
		lib.CourseByName[dir.Name] = dir
	}
	return lib, nil
}

// CourseDirName returns the folder name for a course title.
func CourseDirName(title string) string {
	return SafeName(title)
}

// LessonFileName returns "NN - Title.mp4" where NN is the lesson's position
// among the course's video lessons.
func LessonFileName(n int, title string) string {
	t := SafeName(title)
	if t == "" {
		return fmt.Sprintf("%02d.mp4", n)
	}
	return fmt.Sprintf("%02d - %s.mp4", n, t)
}

// SafeName makes s usable as a single path element: separators become " - ",
// control characters are dropped and leading dots are trimmed.
func SafeName(s string) string {
	s = strings.NewReplacer("/", " - ", "\\", " - ").Replace(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			return ' '
		case r < 0x20 || r == 0x7f:
			return -1
		}
		return r
	}, s)
	s = strings.TrimLeft(strings.Join(strings.Fields(s), " "), ".")
	return strings.TrimSpace(s)
}

func uniqueCourseDirNames(courses []*course.Course) map[string]string {
	baseCounts := make(map[string]int, len(courses))
	for _, c := range courses {
		baseCounts[courseBase(c)]++
	}
	out := make(map[string]string, len(courses))
	for _, c := range courses {
		base := courseBase(c)
		if baseCounts[base] <= 1 {
			out[c.ID] = base
			continue
		}
		out[c.ID] = fmt.Sprintf("%s [%s]", base, SafeName(c.ID))
	}
	return out
}

func courseBase(c *course.Course) string {
	if name := CourseDirName(c.Title); name != "" {
		return name
	}
	return SafeName(c.ID)
}
