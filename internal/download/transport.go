package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/snapetech/coursecache/internal/fault"
	"github.com/snapetech/coursecache/internal/httpclient"
	"github.com/snapetech/coursecache/internal/safeurl"
)

// Request asks a Transport for a lesson video, optionally from Offset onwards.
type Request struct {
	LessonID string
	URL      string
	// Offset > 0 asks for the remainder of the resource. Validator guards it:
	// if the resource changed, the transport answers with the whole resource.
	Offset    int64
	Validator string
}

// Response is an open video stream.
type Response struct {
	Body io.ReadCloser
	// Offset is where Body starts within the resource: Request.Offset when the
	// range was honored, 0 when the full resource is being sent.
	Offset int64
	// Total is the full resource size, or 0 when unknown.
	Total int64
	// Resumable reports that the source honors byte ranges and has a validator.
	Resumable    bool
	Validator    string
	ETag         string
	LastModified string
}

// Transport opens video streams. Open and Body.Read must return promptly once
// ctx is cancelled.
type Transport interface {
	Open(ctx context.Context, req Request) (*Response, error)
}

// HTTPTransport fetches videos over HTTP with Range/If-Range resume.
type HTTPTransport struct {
	Client *http.Client
	// Hosts limits concurrent transfers per CDN host. Nil means unlimited.
	Hosts *httpclient.HostSemaphore
}

// NewHTTPTransport returns a transport on the streaming client with a per-host limit.
func NewHTTPTransport(perHost int) *HTTPTransport {
	return &HTTPTransport{Client: httpclient.Streaming(), Hosts: httpclient.NewHostSemaphore(perHost)}
}

func (t *HTTPTransport) Open(ctx context.Context, r Request) (*Response, error) {
	if !safeurl.IsHTTPOrHTTPS(r.URL) {
		return nil, fault.Network("download open", r.LessonID, fmt.Errorf("unsupported source %q", safeurl.Redact(r.URL)))
	}
	release := func() {}
	if t.Hosts != nil {
		rel, err := t.Hosts.Acquire(ctx, r.URL)
		if err != nil {
			return nil, fault.Classify("download open", r.LessonID, err)
		}
		release = rel
	}
	resp, err := t.do(ctx, r)
	if err == nil && r.Offset > 0 && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		resp.Body.Close()
		r.Offset, r.Validator = 0, ""
		resp, err = t.do(ctx, r)
	}
	if err != nil {
		release()
		return nil, fault.Classify("download open", r.LessonID, err)
	}
	out, err := parseResponse(r, resp)
	if err != nil {
		resp.Body.Close()
		release()
		return nil, err
	}
	out.Body = &releasingBody{ReadCloser: resp.Body, release: release}
	return out, nil
}

func (t *HTTPTransport) do(ctx context.Context, r Request) (*http.Response, error) {
	client := t.Client
	if client == nil {
		client = httpclient.Streaming()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", httpclient.UserAgent)
	if r.Offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", r.Offset))
		if r.Validator != "" {
			req.Header.Set("If-Range", r.Validator)
		}
	}
	return client.Do(req)
}

func parseResponse(r Request, resp *http.Response) (*Response, error) {
	out := &Response{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
	out.Validator = validator(out.ETag, out.LastModified)
	switch resp.StatusCode {
	case http.StatusOK:
		out.Total = resp.ContentLength
		out.Resumable = strings.EqualFold(strings.TrimSpace(resp.Header.Get("Accept-Ranges")), "bytes")
	case http.StatusPartialContent:
		start, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return nil, fault.Network("download open", r.LessonID, err)
		}
		if start != r.Offset {
			return nil, fault.Network("download open", r.LessonID, fmt.Errorf("range starts at %d, asked for %d", start, r.Offset))
		}
		out.Offset = start
		out.Total = total
		out.Resumable = true
	default:
		return nil, fault.Network("download open", r.LessonID, fmt.Errorf("get %s: %s", safeurl.Redact(r.URL), resp.Status))
	}
	if out.Total < 0 {
		out.Total = 0
	}
	if out.Validator == "" {
		out.Resumable = false
	}
	return out, nil
}

// validator picks what If-Range may carry: a strong ETag, else Last-Modified.
func validator(etag, lastModified string) string {
	if etag != "" && !strings.HasPrefix(etag, "W/") {
		return etag
	}
	return lastModified
}

// parseContentRange parses "bytes start-end/total"; total is 0 when "*".
func parseContentRange(s string) (start, total int64, err error) {
	s = strings.TrimSpace(s)
	rest, ok := strings.CutPrefix(s, "bytes ")
	if !ok {
		return 0, 0, fmt.Errorf("bad Content-Range %q", s)
	}
	span, size, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, fmt.Errorf("bad Content-Range %q", s)
	}
	first, _, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, fmt.Errorf("bad Content-Range %q", s)
	}
	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad Content-Range %q", s)
	}
	if size != "*" {
		total, err = strconv.ParseInt(size, 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("bad Content-Range %q", s)
		}
	}
	return start, total, nil
}

// releasingBody frees the host slot when the stream is closed.
type releasingBody struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
