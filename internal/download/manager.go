// Package download runs lesson video transfers into the cache and tracks
// their state. There is at most one task per lesson; a task moves
//
//	queued -> downloading -> completed | failed | paused
//	paused -> queued (Resume) | cancelled (Cancel)
//	failed -> queued (Start again)
//
// Pause keeps the bytes already written when the source is resumable (byte
// ranges plus a validator) and discards them otherwise; a resumed transfer
// then starts over. Failures are recorded on the task and never retried here.
package download

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/snapetech/coursecache/internal/cache"
	"github.com/snapetech/coursecache/internal/fault"
	"github.com/snapetech/coursecache/internal/metrics"
	"github.com/snapetech/coursecache/internal/safeurl"
)

const (
	DefaultMaxConcurrent    = 2
	DefaultProgressInterval = 250 * time.Millisecond
	DefaultStallTimeout     = 60 * time.Second
	DefaultPauseGrace       = 2 * time.Second
)

// Options configures a Manager. Zero values take the defaults above.
type Options struct {
	// MaxConcurrent caps simultaneous transfers; the rest wait queued.
	MaxConcurrent int
	// ProgressInterval is the minimum gap between progress events that do not
	// cross a whole percentage point.
	ProgressInterval time.Duration
	// StallTimeout fails a transfer that receives no bytes for this long. Negative disables.
	StallTimeout time.Duration
	// PauseGrace bounds how long Pause and Cancel wait for the transfer to stop.
	PauseGrace time.Duration
	// MaxCacheBytes, when positive, evicts the oldest videos after each completion.
	MaxCacheBytes int64
	Transport     Transport
	Metrics       *metrics.Metrics
}

type task struct {
	Task
	gen     uint64 // bumped by launch, Pause and Cancel; stale workers compare against it
	cancel  context.CancelCauseFunc
	limiter *rate.Limiter
	lastPct int
	job     *job // latest worker, possibly still running after a pause
}

// job is what a worker needs; it never touches task fields directly.
type job struct {
	lessonID  string
	url       string
	attemptID string
	gen       uint64
	prev      chan struct{} // previous worker for the lesson, if still running
	done      chan struct{}
	cancel    context.CancelCauseFunc
	discard   bool // lesson cancelled or deleted; guarded by Manager.mu
}

// Manager owns the task table. Safe for concurrent use.
type Manager struct {
	store     *cache.Store
	transport Transport
	opts      Options
	metrics   *metrics.Metrics

	mu      sync.Mutex
	tasks   map[string]*task
	queue   []string
	workers map[string]chan struct{} // lessonID -> done of the latest worker
	active  int
	closed  bool
	subs    map[int]func(Event)
	nextSub int
	pending []Event

	wake       chan struct{}
	stop       chan struct{}
	dispatched chan struct{}
	wg         sync.WaitGroup
}

// New returns a Manager writing into store. Call Close to stop it.
func New(store *cache.Store, opts Options) *Manager {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}
	if opts.StallTimeout == 0 {
		opts.StallTimeout = DefaultStallTimeout
	}
	if opts.PauseGrace <= 0 {
		opts.PauseGrace = DefaultPauseGrace
	}
	if opts.Transport == nil {
		opts.Transport = NewHTTPTransport(0)
	}
	m := &Manager{
		store:      store,
		transport:  opts.Transport,
		opts:       opts,
		metrics:    opts.Metrics,
		tasks:      make(map[string]*task),
		workers:    make(map[string]chan struct{}),
		subs:       make(map[int]func(Event)),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		dispatched: make(chan struct{}),
	}
	go m.dispatch()
	return m
}

// Start requests a download. If the lesson already has a queued, downloading
// or paused task, or a completed one whose video is still cached, that task is
// returned unchanged. A failed task is replaced by a fresh attempt. Transfer
// errors are never returned here; they are recorded on the task.
func (m *Manager) Start(lessonID, sourceURL string) (Task, error) {
	if lessonID == "" || !safeurl.IsHTTPOrHTTPS(sourceURL) {
		return Task{}, fmt.Errorf("%w: lesson=%q url=%q", ErrInvalidSource, lessonID, safeurl.Redact(sourceURL))
	}
	entry, entryErr := m.store.Entry(cache.KindVideo, lessonID)
	cached := entryErr == nil

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Task{}, ErrClosed
	}
	if t, ok := m.tasks[lessonID]; ok {
		if t.Status.Active() || (t.Status == StatusCompleted && cached) {
			return t.Task, nil
		}
	}
	now := time.Now().UTC()
	t := &task{
		Task: Task{
			LessonID:  lessonID,
			SourceURL: sourceURL,
			AttemptID: uuid.NewString(),
			CreatedAt: now,
			UpdatedAt: now,
		},
		lastPct: -1,
	}
	m.tasks[lessonID] = t
	if cached {
		t.Status = StatusCompleted
		t.BytesTransferred, t.TotalBytes = entry.Size, entry.Size
		m.emit(t)
		return t.Task, nil
	}
	t.Status = StatusQueued
	m.emit(t)
	m.queue = append(m.queue, lessonID)
	log.Printf("download: queued lesson=%s url=%q", lessonID, safeurl.Redact(sourceURL))
	m.schedule()
	return t.Task, nil
}

// Pause stops a queued or downloading task. The returned task is already
// paused; the transfer itself stops within the pause grace period.
func (m *Manager) Pause(lessonID string) (Task, error) {
	m.mu.Lock()
	t, ok := m.tasks[lessonID]
	if !ok {
		m.mu.Unlock()
		return Task{}, ErrNotFound
	}
	var done chan struct{}
	switch t.Status {
	case StatusPaused:
		snap := t.Task
		m.mu.Unlock()
		return snap, nil
	case StatusQueued:
		m.dequeue(lessonID)
	case StatusDownloading:
		t.gen++
		if t.cancel != nil {
			t.cancel(errPaused)
		}
		done = m.workers[lessonID]
	default:
		snap := t.Task
		m.mu.Unlock()
		return snap, fmt.Errorf("%w: pause %s task", ErrInvalidState, snap.Status)
	}
	t.Status = StatusPaused
	if !t.Resumable {
		t.BytesTransferred = 0
	}
	t.UpdatedAt = time.Now().UTC()
	m.emit(t)
	m.metrics.DownloadFinished(string(StatusPaused), "")
	log.Printf("download: paused lesson=%s bytes=%d resumable=%t", lessonID, t.BytesTransferred, t.Resumable)
	snap := t.Task
	m.mu.Unlock()

	m.wait(done)
	return snap, nil
}

// Resume requeues a paused task. Queued or downloading tasks are returned unchanged.
func (m *Manager) Resume(lessonID string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Task{}, ErrClosed
	}
	t, ok := m.tasks[lessonID]
	if !ok {
		return Task{}, ErrNotFound
	}
	switch t.Status {
	case StatusQueued, StatusDownloading:
		return t.Task, nil
	case StatusPaused:
	default:
		return t.Task, fmt.Errorf("%w: resume %s task", ErrInvalidState, t.Status)
	}
	t.Status = StatusQueued
	t.AttemptID = uuid.NewString()
	t.UpdatedAt = time.Now().UTC()
	t.lastPct = -1
	m.emit(t)
	m.queue = append(m.queue, lessonID)
	log.Printf("download: resume lesson=%s from=%d", lessonID, t.BytesTransferred)
	m.schedule()
	return t.Task, nil
}

// Cancel stops any transfer for the lesson, discards partial data and removes
// the cached video. Idempotent.
func (m *Manager) Cancel(lessonID string) error {
	return m.remove(lessonID)
}

// Delete removes a lesson's downloaded video and any task for it. Idempotent.
func (m *Manager) Delete(lessonID string) error {
	return m.remove(lessonID)
}

func (m *Manager) remove(lessonID string) error {
	cached := m.store.Has(lessonID)

	m.mu.Lock()
	var done chan struct{}
	if t, ok := m.tasks[lessonID]; ok {
		status := StatusRemoved
		if t.Status.Active() {
			status = StatusCancelled
		}
		if t.Status == StatusDownloading {
			t.gen++
			if t.cancel != nil {
				t.cancel(errCancelled)
			}
		}
		if t.job != nil {
			// A paused worker past its grace period must not keep its partial.
			t.job.discard = true
		}
		done = m.workers[lessonID]
		m.dequeue(lessonID)
		delete(m.tasks, lessonID)
		t.Status = status
		t.UpdatedAt = time.Now().UTC()
		m.emit(t)
		if status == StatusCancelled {
			m.metrics.DownloadFinished(string(StatusCancelled), "")
		}
		log.Printf("download: %s lesson=%s", status, lessonID)
	} else if cached {
		m.emitEvent(Event{LessonID: lessonID, Status: StatusRemoved, Time: time.Now().UTC()})
		log.Printf("download: removed lesson=%s", lessonID)
	}
	m.mu.Unlock()

	m.wait(done)
	// A worker that outlived the grace period discards its own partial.
	if err := m.store.DiscardPartial(lessonID); err != nil && !errors.Is(err, cache.ErrWriteInProgress) {
		return err
	}
	return m.store.Delete(lessonID)
}

// StatusOf returns the lesson's task. A lesson whose video is cached but has no
// task reports a completed task; a completed task whose video is gone is dropped.
func (m *Manager) StatusOf(lessonID string) (Task, bool) {
	m.mu.Lock()
	if t, ok := m.tasks[lessonID]; ok && t.Status != StatusCompleted {
		snap := t.Task
		m.mu.Unlock()
		return snap, true
	}
	m.mu.Unlock()

	entry, err := m.store.Entry(cache.KindVideo, lessonID)

	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[lessonID]
	if ok && t.Status != StatusCompleted {
		return t.Task, true
	}
	if err != nil {
		if ok {
			delete(m.tasks, lessonID)
		}
		return Task{}, false
	}
	if ok {
		return t.Task, true
	}
	return Task{
		LessonID:         lessonID,
		Status:           StatusCompleted,
		BytesTransferred: entry.Size,
		TotalBytes:       entry.Size,
		CreatedAt:        entry.CompletedAt,
		UpdatedAt:        entry.CompletedAt,
	}, true
}

// List returns every task, oldest first.
func (m *Manager) List() []Task {
	m.mu.Lock()
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t.Task)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].LessonID < out[j].LessonID
	})
	return out
}

// Subscribe registers fn for every event. Events are delivered from a single
// goroutine in the order they happened; a slow fn delays later events.
func (m *Manager) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Close stops all transfers (resumable ones are kept as paused partials),
// delivers pending events and stops the dispatcher.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, t := range m.tasks {
		if t.Status == StatusDownloading && t.cancel != nil {
			t.cancel(errClosing)
		}
	}
	m.mu.Unlock()
	m.wg.Wait()
	close(m.stop)
	<-m.dispatched
	return nil
}

// schedule launches queued tasks while slots are free. Caller holds m.mu.
func (m *Manager) schedule() {
	for !m.closed && m.active < m.opts.MaxConcurrent && len(m.queue) > 0 {
		id := m.queue[0]
		m.queue = m.queue[1:]
		t, ok := m.tasks[id]
		if !ok || t.Status != StatusQueued {
			continue
		}
		m.launch(t)
	}
	m.metrics.SetQueue(m.active, len(m.queue))
}

func (m *Manager) dequeue(lessonID string) {
	q := m.queue[:0]
	for _, id := range m.queue {
		if id != lessonID {
			q = append(q, id)
		}
	}
	m.queue = q
}

// launch starts a worker for t. Caller holds m.mu.
func (m *Manager) launch(t *task) {
	ctx, cancel := context.WithCancelCause(context.Background())
	t.gen++
	t.cancel = cancel
	t.Status = StatusDownloading
	t.UpdatedAt = time.Now().UTC()
	t.limiter = rate.NewLimiter(rate.Every(m.opts.ProgressInterval), 1)
	t.lastPct = -1
	j := &job{
		lessonID:  t.LessonID,
		url:       t.SourceURL,
		attemptID: t.AttemptID,
		gen:       t.gen,
		prev:      m.workers[t.LessonID],
		done:      make(chan struct{}),
		cancel:    cancel,
	}
	m.workers[t.LessonID] = j.done
	t.job = j
	m.active++
	m.wg.Add(1)
	m.metrics.DownloadStarted()
	go m.run(ctx, j)
}

func (m *Manager) run(ctx context.Context, j *job) {
	defer m.wg.Done()
	defer close(j.done)
	entry, err := m.transfer(ctx, j)
	j.cancel(nil)
	if err != nil && m.discarding(j) {
		if derr := m.store.DiscardPartial(j.lessonID); derr != nil && !errors.Is(derr, cache.ErrWriteInProgress) {
			log.Printf("download: discard after cancel lesson=%s err=%v", j.lessonID, derr)
		}
	}
	m.finish(j, entry, err)
}

func (m *Manager) discarding(j *job) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return j.discard
}

// current returns the task j is still responsible for. Caller holds m.mu.
func (m *Manager) current(j *job) *task {
	t, ok := m.tasks[j.lessonID]
	if !ok || t.AttemptID != j.attemptID || t.gen != j.gen {
		return nil
	}
	return t
}

// opened records what the transport reported once the stream is open.
func (m *Manager) opened(j *job, bytes, total int64, resumable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.current(j)
	if t == nil {
		return
	}
	t.BytesTransferred = bytes
	t.TotalBytes = total
	t.Resumable = resumable
	t.UpdatedAt = time.Now().UTC()
	t.lastPct = percent(bytes, total)
	m.emit(t)
	log.Printf("download: started lesson=%s offset=%d total=%d resumable=%t", j.lessonID, bytes, total, resumable)
}

// progress updates the byte count and emits an event on each whole-percent
// change, otherwise at most once per ProgressInterval.
func (m *Manager) progress(j *job, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.current(j)
	if t == nil {
		return
	}
	t.BytesTransferred = bytes
	t.UpdatedAt = time.Now().UTC()
	pct := percent(bytes, t.TotalBytes)
	if pct != t.lastPct || t.limiter.Allow() {
		t.lastPct = pct
		m.emit(t)
	}
}

func (m *Manager) finish(j *job, entry cache.Entry, err error) {
	var deleteVideo, evict bool
	m.mu.Lock()
	m.active--
	if m.workers[j.lessonID] == j.done {
		delete(m.workers, j.lessonID)
	}
	t, ok := m.tasks[j.lessonID]
	switch {
	case !ok || t.AttemptID != j.attemptID:
		// Cancelled, deleted or superseded while running.
		deleteVideo = err == nil && !ok
	case t.gen != j.gen:
		// Paused, but the commit won the race.
		if err == nil {
			m.complete(t, entry)
		}
	case err == nil:
		m.complete(t, entry)
		evict = m.opts.MaxCacheBytes > 0
	case errors.Is(err, errClosing):
		t.Status = StatusPaused
		if !t.Resumable {
			t.BytesTransferred = 0
		}
		t.UpdatedAt = time.Now().UTC()
		m.emit(t)
	default:
		m.fail(t, err)
	}
	m.schedule()
	m.mu.Unlock()

	if deleteVideo {
		if err := m.store.Delete(j.lessonID); err != nil {
			log.Printf("download: delete after cancel lesson=%s err=%v", j.lessonID, err)
		}
	}
	if evict {
		m.evict(j.lessonID)
	}
}

func (m *Manager) complete(t *task, e cache.Entry) {
	t.Status = StatusCompleted
	t.BytesTransferred, t.TotalBytes = e.Size, e.Size
	t.LastError, t.ErrorKind = "", fault.KindNone
	t.UpdatedAt = time.Now().UTC()
	m.emit(t)
	m.metrics.DownloadFinished(string(StatusCompleted), "")
	log.Printf("download: completed lesson=%s bytes=%d", t.LessonID, e.Size)
}

func (m *Manager) fail(t *task, err error) {
	kind := fault.KindOf(err)
	if kind == fault.KindNone {
		kind = fault.KindNetwork
	}
	t.Status = StatusFailed
	t.LastError = err.Error()
	t.ErrorKind = kind
	t.UpdatedAt = time.Now().UTC()
	m.emit(t)
	m.metrics.DownloadFinished(string(StatusFailed), string(kind))
	log.Printf("download: failed lesson=%s kind=%s err=%v", t.LessonID, kind, err)
}

func (m *Manager) evict(keep string) {
	evicted, err := m.store.Evict(m.opts.MaxCacheBytes, keep)
	if err != nil {
		log.Printf("download: evict failed err=%v", err)
	}
	if len(evicted) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range evicted {
		if t, ok := m.tasks[e.ID]; ok && t.Status == StatusCompleted {
			delete(m.tasks, e.ID)
		}
		m.emitEvent(Event{LessonID: e.ID, Status: StatusRemoved, Time: time.Now().UTC()})
	}
}

func (m *Manager) wait(done chan struct{}) {
	if done == nil {
		return
	}
	timer := time.NewTimer(m.opts.PauseGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		log.Printf("download: transfer did not stop within %s", m.opts.PauseGrace)
	}
}

// emit queues an event for t. Caller holds m.mu, which fixes event order.
func (m *Manager) emit(t *task) {
	m.emitEvent(Event{
		LessonID:         t.LessonID,
		AttemptID:        t.AttemptID,
		Status:           t.Status,
		BytesTransferred: t.BytesTransferred,
		TotalBytes:       t.TotalBytes,
		Error:            t.LastError,
		ErrorKind:        t.ErrorKind,
		Time:             t.UpdatedAt,
	})
}

func (m *Manager) emitEvent(e Event) {
	m.pending = append(m.pending, e)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) dispatch() {
	defer close(m.dispatched)
	for {
		select {
		case <-m.wake:
			m.flush()
		case <-m.stop:
			m.flush()
			return
		}
	}
}

func (m *Manager) flush() {
	for {
		m.mu.Lock()
		batch := m.pending
		m.pending = nil
		ids := make([]int, 0, len(m.subs))
		for id := range m.subs {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		subs := make([]func(Event), 0, len(ids))
		for _, id := range ids {
			subs = append(subs, m.subs[id])
		}
		m.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			for _, fn := range subs {
				fn(e)
			}
		}
	}
}
