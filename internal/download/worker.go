package download

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/snapetech/coursecache/internal/cache"
	"github.com/snapetech/coursecache/internal/fault"
)

const copyBufferSize = 64 << 10

// transfer runs one attempt: open the partial, stream into it, commit. On any
// error the partial is discarded, except that a resumable transfer stopped by
// Pause or Close is suspended for a later resume, unless the lesson has since
// been cancelled.
func (m *Manager) transfer(ctx context.Context, j *job) (cache.Entry, error) {
	if j.prev != nil {
		select {
		case <-j.prev:
		case <-ctx.Done():
			return cache.Entry{}, context.Cause(ctx)
		}
	}
	h, err := m.store.BeginWrite(j.lessonID, cache.WriteOptions{SourceURL: j.url, Resume: true})
	if err != nil {
		if errors.Is(err, cache.ErrWriteInProgress) {
			return cache.Entry{}, fault.IO("download", j.lessonID, err)
		}
		return cache.Entry{}, fault.Classify("download", j.lessonID, err)
	}
	resumable := h.Size() > 0 && h.Validator() != ""
	entry, err := m.stream(ctx, j, h, &resumable)
	if err == nil {
		return entry, nil
	}
	cause := context.Cause(ctx)
	if resumable && (errors.Is(cause, errPaused) || errors.Is(cause, errClosing)) && !m.discarding(j) {
		if serr := m.store.Suspend(h); serr != nil {
			log.Printf("download: suspend lesson=%s err=%v", j.lessonID, serr)
		}
	} else if derr := m.store.Discard(h); derr != nil {
		log.Printf("download: discard lesson=%s err=%v", j.lessonID, derr)
	}
	return cache.Entry{}, err
}

func (m *Manager) stream(ctx context.Context, j *job, h *cache.WriteHandle, resumable *bool) (cache.Entry, error) {
	var stall *time.Timer
	if m.opts.StallTimeout > 0 {
		stall = time.AfterFunc(m.opts.StallTimeout, func() { j.cancel(errStalled) })
		defer stall.Stop()
	}

	req := Request{LessonID: j.lessonID, URL: j.url}
	if h.Size() > 0 && h.Validator() != "" {
		req.Offset = h.Size()
		req.Validator = h.Validator()
	}
	resp, err := m.transport.Open(ctx, req)
	if err != nil {
		return cache.Entry{}, m.cause(ctx, j, fault.Classify("download open", j.lessonID, err))
	}
	defer resp.Body.Close()

	if resp.Offset != h.Size() {
		if resp.Offset != 0 {
			return cache.Entry{}, fault.Integrityf("download", j.lessonID, "stream starts at %d, partial has %d bytes", resp.Offset, h.Size())
		}
		log.Printf("download: source restarted lesson=%s dropped=%d", j.lessonID, h.Size())
		if err := h.Truncate(); err != nil {
			return cache.Entry{}, err
		}
	}
	*resumable = resp.Resumable
	validator := ""
	if resp.Resumable {
		validator = resp.Validator
	}
	if err := h.SetValidator(validator); err != nil {
		return cache.Entry{}, err
	}
	m.opened(j, h.Size(), resp.Total, resp.Resumable)

	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if stall != nil {
				stall.Reset(m.opts.StallTimeout)
			}
			if _, err := h.Write(buf[:n]); err != nil {
				return cache.Entry{}, err
			}
			m.metrics.AddDownloadBytes(int64(n))
			m.progress(j, h.Size())
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return cache.Entry{}, m.cause(ctx, j, fault.Classify("download read", j.lessonID, rerr))
		}
		if ctx.Err() != nil {
			return cache.Entry{}, m.cause(ctx, j, ctx.Err())
		}
	}
	if stall != nil {
		stall.Stop()
	}
	if ctx.Err() != nil {
		return cache.Entry{}, m.cause(ctx, j, ctx.Err())
	}
	return m.store.Commit(h, cache.CommitOptions{
		ExpectedSize: resp.Total,
		ETag:         resp.ETag,
		LastModified: resp.LastModified,
	})
}

// cause replaces err with the reason ctx was cancelled, if it was. A stall
// becomes a network error; pause, cancel and close are returned as is.
func (m *Manager) cause(ctx context.Context, j *job, err error) error {
	if ctx.Err() == nil {
		return err
	}
	c := context.Cause(ctx)
	if errors.Is(c, errStalled) {
		return fault.Network("download", j.lessonID, errStalled)
	}
	return c
}
