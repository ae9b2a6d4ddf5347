package download

import (
	"errors"
	"time"

	"github.com/snapetech/coursecache/internal/fault"
)

// Status is the lifecycle state of a lesson download.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
	// StatusRemoved only appears on events: a completed lesson was deleted or evicted.
	StatusRemoved Status = "removed"
)

// Active reports whether a task in this state holds the lesson's single slot:
// Start returns such a task unchanged.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusDownloading || s == StatusPaused
}

// Terminal reports whether no further transitions happen without a new Start.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled || s == StatusRemoved
}

// Task is a point-in-time copy of a lesson download.
type Task struct {
	LessonID  string `json:"lesson_id"`
	SourceURL string `json:"source_url"`
	// AttemptID changes every time a transfer (re)starts.
	AttemptID        string     `json:"attempt_id"`
	Status           Status     `json:"status"`
	BytesTransferred int64      `json:"bytes_transferred"`
	TotalBytes       int64      `json:"total_bytes"`
	Resumable        bool       `json:"resumable"`
	LastError        string     `json:"last_error,omitempty"`
	ErrorKind        fault.Kind `json:"error_kind,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Percent returns whole-number progress, or -1 when the size is unknown.
func (t Task) Percent() int {
	if t.TotalBytes <= 0 {
		return -1
	}
	return percent(t.BytesTransferred, t.TotalBytes)
}

func percent(n, total int64) int {
	if total <= 0 {
		return -1
	}
	p := int(n * 100 / total)
	if p > 100 {
		p = 100
	}
	return p
}

// Event is one progress or state notification. Events for a lesson arrive in
// order; within an attempt BytesTransferred never decreases and a terminal
// event (or paused) is the last one. The one exception is pausing a
// non-resumable transfer: its partial is dropped, so the paused event reports
// zero bytes.
type Event struct {
	LessonID         string     `json:"lesson_id"`
	AttemptID        string     `json:"attempt_id"`
	Status           Status     `json:"status"`
	BytesTransferred int64      `json:"bytes_transferred"`
	TotalBytes       int64      `json:"total_bytes"`
	Error            string     `json:"error,omitempty"`
	ErrorKind        fault.Kind `json:"error_kind,omitempty"`
	Time             time.Time  `json:"time"`
}

var (
	// ErrNotFound is returned for lessons without a download task.
	ErrNotFound = errors.New("download: no task for lesson")
	// ErrInvalidState is returned when an operation does not apply to the task's status.
	ErrInvalidState = errors.New("download: invalid state for operation")
	// ErrInvalidSource is returned by Start for a missing lesson id or non-http(s) URL.
	ErrInvalidSource = errors.New("download: invalid source")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("download: manager closed")

	errPaused    = errors.New("paused")
	errCancelled = errors.New("cancelled")
	errClosing   = errors.New("manager closing")
	errStalled   = errors.New("transfer stalled")
)
