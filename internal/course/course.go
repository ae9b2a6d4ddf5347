// Package course defines the course structure served by the content API:
// a course holds ordered modules, a module holds ordered lessons.
package course

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ContentType is the kind of a lesson.
type ContentType string

const (
	ContentVideo ContentType = "video"
	ContentText  ContentType = "text"
	ContentQuiz  ContentType = "quiz"
	ContentFile  ContentType = "file"
	ContentImage ContentType = "image"
)

// Valid reports whether t is one of the known content types.
func (t ContentType) Valid() bool {
	switch t {
	case ContentVideo, ContentText, ContentQuiz, ContentFile, ContentImage:
		return true
	}
	return false
}

// Course is the structured payload for one course.
type Course struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Modules     []*Module `json:"modules"`
}

// Module is a section within a course.
type Module struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Position int       `json:"position,omitempty"`
	Lessons  []*Lesson `json:"lessons"`
}

// Lesson is an atomic unit of course content. VideoURL and VideoProvider are only
// meaningful for video lessons; VideoProvider names an embedded player ("youtube",
// "vimeo", ...) or "direct" for a plain streamable file.
type Lesson struct {
	ID              string      `json:"id"`
	Title           string      `json:"title"`
	ContentType     ContentType `json:"content_type"`
	VideoURL        string      `json:"video_url,omitempty"`
	VideoProvider   string      `json:"video_provider,omitempty"`
	DurationSeconds int         `json:"duration_seconds,omitempty"`
	SizeBytes       int64       `json:"size_bytes,omitempty"`
	Position        int         `json:"position,omitempty"`
}

// IsVideo reports whether the lesson is a video lesson with a URL.
func (l *Lesson) IsVideo() bool {
	return l != nil && l.ContentType == ContentVideo && strings.TrimSpace(l.VideoURL) != ""
}

// Lesson returns the lesson with id, searching all modules.
func (c *Course) Lesson(id string) (*Lesson, bool) {
	for _, m := range c.Modules {
		for _, l := range m.Lessons {
			if l != nil && l.ID == id {
				return l, true
			}
		}
	}
	return nil, false
}

// Lessons returns all lessons in module order, then lesson order.
func (c *Course) Lessons() []*Lesson {
	var out []*Lesson
	for _, m := range c.orderedModules() {
		out = append(out, orderedLessons(m)...)
	}
	return out
}

// VideoLessons returns all video lessons in playback order.
func (c *Course) VideoLessons() []*Lesson {
	var out []*Lesson
	for _, l := range c.Lessons() {
		if l.IsVideo() {
			out = append(out, l)
		}
	}
	return out
}

func (c *Course) orderedModules() []*Module {
	mods := make([]*Module, 0, len(c.Modules))
	for _, m := range c.Modules {
		if m != nil {
			mods = append(mods, m)
		}
	}
	sort.SliceStable(mods, func(i, j int) bool { return mods[i].Position < mods[j].Position })
	return mods
}

func orderedLessons(m *Module) []*Lesson {
	ls := make([]*Lesson, 0, len(m.Lessons))
	for _, l := range m.Lessons {
		if l != nil {
			ls = append(ls, l)
		}
	}
	sort.SliceStable(ls, func(i, j int) bool { return ls[i].Position < ls[j].Position })
	return ls
}

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid course payload")

// Decode parses and validates a course payload. courseID is the id that was
// requested; a payload without an id adopts it, a payload with a different id is rejected.
func Decode(courseID string, data []byte) (*Course, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrInvalid)
	}
	var c Course
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.ID == "" {
		c.ID = courseID
	}
	if courseID != "" && c.ID != courseID {
		return nil, fmt.Errorf("%w: course id %q, requested %q", ErrInvalid, c.ID, courseID)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the shape a cached snapshot must have to be usable offline.
func (c *Course) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: missing course id", ErrInvalid)
	}
	if len(c.Modules) == 0 {
		return fmt.Errorf("%w: course %s has no modules", ErrInvalid, c.ID)
	}
	seen := make(map[string]bool)
	for i, m := range c.Modules {
		if m == nil {
			return fmt.Errorf("%w: module %d is null", ErrInvalid, i)
		}
		for j, l := range m.Lessons {
			if l == nil || l.ID == "" {
				return fmt.Errorf("%w: module %s lesson %d has no id", ErrInvalid, m.ID, j)
			}
			if !l.ContentType.Valid() {
				return fmt.Errorf("%w: lesson %s has content_type %q", ErrInvalid, l.ID, l.ContentType)
			}
			if seen[l.ID] {
				return fmt.Errorf("%w: duplicate lesson id %s", ErrInvalid, l.ID)
			}
			seen[l.ID] = true
		}
	}
	return nil
}
