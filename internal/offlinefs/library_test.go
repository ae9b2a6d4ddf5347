package offlinefs

import (
	"testing"
	"time"

	"github.com/snapetech/coursecache/internal/cache"
)

func newStore(t *testing.T) *cache.Store {
	t.Helper()
	s, err := cache.Open(t.TempDir(), cache.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func cacheVideo(t *testing.T, s *cache.Store, lessonID string, data string) {
	t.Helper()
	h, err := s.BeginWrite(lessonID, cache.WriteOptions{SourceURL: "https://cdn.example.com/" + lessonID + ".mp4"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.Write([]byte(data)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Commit(h, cache.CommitOptions{}); err != nil {
		t.Fatal(err)
	}
}

func saveCourse(t *testing.T, s *cache.Store, id, payload string) {
	t.Helper()
	if _, err := s.SaveSnapshot(id, []byte(payload), cache.SnapshotMeta{}); err != nil {
		t.Fatal(err)
	}
}

const goCourse = `{"id":"C1","title":"Go: Basics/Advanced","modules":[
{"id":"M2","title":"Two","position":2,"lessons":[
 {"id":"L3","title":"Channels","content_type":"video","video_url":"https://cdn.example.com/l3.mp4","position":1}]},
{"id":"M1","title":"One","position":1,"lessons":[
 {"id":"L1","title":"Welcome","content_type":"video","video_url":"https://cdn.example.com/l1.mp4","position":1},
 {"id":"T1","title":"Notes","content_type":"text","position":2},
 {"id":"L2","title":"Setup","content_type":"video","video_url":"https://cdn.example.com/l2.mp4","position":3}]}]}`

func TestBuild(t *testing.T) {
	s := newStore(t)
	saveCourse(t, s, "C1", goCourse)
	saveCourse(t, s, "C2", `{"id":"C2","title":"Nothing cached","modules":[{"id":"M","title":"M","lessons":[
 {"id":"X1","title":"X","content_type":"video","video_url":"https://cdn.example.com/x1.mp4"}]}]}`)
	cacheVideo(t, s, "L1", "one")
	cacheVideo(t, s, "L3", "three!")

	lib, err := Build(s)
	if err != nil {
		t.Fatal(err)
	}
	if len(lib.Courses) != 1 {
		t.Fatalf("courses = %d, want only the one with cached lessons", len(lib.Courses))
	}
	c := lib.Courses[0]
	if c.Name != "Go: Basics - Advanced" || lib.CourseByName[c.Name] != c {
		t.Fatalf("course dir = %q", c.Name)
	}
	// Numbering follows playback order across modules; L2 is not cached.
	want := map[string]string{"01 - Welcome.mp4": "L1", "03 - Channels.mp4": "L3"}
	if len(c.Lessons) != len(want) {
		t.Fatalf("lessons = %+v", c.Lessons)
	}
	for name, id := range want {
		f := c.LessonByName[name]
		if f == nil || f.LessonID != id {
			t.Errorf("%s -> %+v", name, f)
		}
	}
	if f := c.LessonByName["03 - Channels.mp4"]; f != nil && f.Size != 6 {
		t.Errorf("size = %d", f.Size)
	}
}

func TestBuild_duplicateCourseTitles(t *testing.T) {
	s := newStore(t)
	for _, id := range []string{"A", "B"} {
		saveCourse(t, s, id, `{"id":"`+id+`","title":"Same","modules":[{"id":"M","title":"M","lessons":[
 {"id":"`+id+`1","title":"Intro","content_type":"video","video_url":"https://cdn.example.com/v.mp4"}]}]}`)
		cacheVideo(t, s, id+"1", "data")
	}
	lib, err := Build(s)
	if err != nil {
		t.Fatal(err)
	}
	if len(lib.CourseByName) != 2 {
		t.Fatalf("names = %v", lib.CourseByName)
	}
	for _, name := range []string{"Same [A]", "Same [B]"} {
		if lib.CourseByName[name] == nil {
			t.Errorf("missing %q", name)
		}
	}
}

func TestNames(t *testing.T) {
	for in, want := range map[string]string{
		"Intro":              "Intro",
		"A/B\\C":             "A - B - C",
		"  spaced\tout  ":    "spaced out",
		"..hidden":           "hidden",
		"tab\x00null\x7fdel": "tabnulldel",
	} {
		if got := SafeName(in); got != want {
			t.Errorf("SafeName(%q) = %q, want %q", in, got, want)
		}
	}
	if got := LessonFileName(7, "Wrap/up"); got != "07 - Wrap - up.mp4" {
		t.Errorf("LessonFileName = %q", got)
	}
	if got := LessonFileName(12, ""); got != "12.mp4" {
		t.Errorf("LessonFileName empty = %q", got)
	}
}

func TestSource_refreshes(t *testing.T) {
	s := newStore(t)
	saveCourse(t, s, "C1", goCourse)
	cacheVideo(t, s, "L1", "one")

	now := time.Unix(1000, 0)
	src := newSource(s)
	src.now = func() time.Time { return now }
	if n := len(src.current().Courses[0].Lessons); n != 1 {
		t.Fatalf("lessons = %d", n)
	}
	cacheVideo(t, s, "L2", "two")
	if n := len(src.current().Courses[0].Lessons); n != 1 {
		t.Errorf("rebuilt before interval: %d", n)
	}
	now = now.Add(refreshInterval)
	if n := len(src.current().Courses[0].Lessons); n != 2 {
		t.Errorf("not rebuilt after interval: %d", n)
	}
}
