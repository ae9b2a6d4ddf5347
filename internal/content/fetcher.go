// Package content fetches course structure network-first and falls back to
// the last validated snapshot in the cache when the network cannot answer.
package content

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/snapetech/coursecache/internal/cache"
	"github.com/snapetech/coursecache/internal/course"
	"github.com/snapetech/coursecache/internal/fault"
	"github.com/snapetech/coursecache/internal/httpclient"
	"github.com/snapetech/coursecache/internal/metrics"
	"github.com/snapetech/coursecache/internal/safeurl"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultPath    = "/courses/{course}/content"
)

// Options configures a Fetcher.
type Options struct {
	// BaseURL is the content API root, e.g. https://api.example.com. Empty means offline only.
	BaseURL string
	// Path is appended to BaseURL; "{course}" is replaced by the escaped course id.
	Path string
	// Token, when set, is sent as a bearer token.
	Token string
	// Timeout bounds the network attempt before the snapshot is used.
	Timeout time.Duration
	Client  *http.Client
	Metrics *metrics.Metrics
}

// Result is a course plus where it came from.
type Result struct {
	Course *course.Course `json:"course"`
	// FromCache is set when the network attempt failed and the snapshot was served.
	FromCache bool `json:"from_cache"`
	// Revalidated is set when the server answered 304 and the snapshot is current.
	Revalidated bool `json:"revalidated"`
	// FetchedAt is when the data was last obtained from the content API.
	FetchedAt time.Time `json:"fetched_at"`
	ETag      string    `json:"etag,omitempty"`
	// NetworkErr is the failure that caused a fallback to the snapshot.
	NetworkErr error `json:"-"`
}

// Fetcher implements network-first course fetching over a cache.Store.
type Fetcher struct {
	store   *cache.Store
	opts    Options
	client  *http.Client
	metrics *metrics.Metrics
}

// New returns a Fetcher that persists snapshots in store.
func New(store *cache.Store, opts Options) *Fetcher {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	client := opts.Client
	if client == nil {
		client = httpclient.Default()
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Fetcher{store: store, opts: opts, client: client, metrics: opts.Metrics}
}

// CourseURL returns the content API URL for courseID, or "" when no API is configured.
func (f *Fetcher) CourseURL(courseID string) string {
	if f.opts.BaseURL == "" {
		return ""
	}
	p := strings.ReplaceAll(f.opts.Path, "{course}", url.PathEscape(courseID))
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return f.opts.BaseURL + p
}

// FetchCourseContent always tries the network first. A fresh, valid payload
// replaces the snapshot and is returned. On timeout, transport error, non-2xx
// status or malformed payload the stored snapshot is returned with FromCache
// set; with no snapshot the error matches fault.ErrContentUnavailable.
func (f *Fetcher) FetchCourseContent(ctx context.Context, courseID string) (Result, error) {
	start := time.Now()
	if courseID == "" {
		return Result{}, fault.Unavailable("fetch course", courseID, errors.New("empty course id"))
	}
	snap, haveSnap := f.snapshot(courseID)

	netCtx, cancel := context.WithTimeout(ctx, f.opts.Timeout)
	res, netErr := f.fetchNetwork(netCtx, courseID, snap, haveSnap)
	cancel()
	if netErr == nil {
		outcome := metrics.FetchNetwork
		if res.Revalidated {
			outcome = metrics.FetchRevalidated
		}
		f.metrics.ObserveFetch(outcome, time.Since(start).Seconds())
		return res, nil
	}

	log.Printf("content: network fetch failed course=%s err=%v", courseID, netErr)
	if haveSnap {
		c, err := course.Decode(courseID, snap.Data)
		if err == nil {
			log.Printf("content: serving snapshot course=%s saved=%s", courseID, snap.SavedAt.Format(time.RFC3339))
			f.metrics.ObserveFetch(metrics.FetchCache, time.Since(start).Seconds())
			return Result{Course: c, FromCache: true, FetchedAt: snap.SavedAt, ETag: snap.ETag, NetworkErr: netErr}, nil
		}
		log.Printf("content: snapshot unusable course=%s err=%v", courseID, err)
	}
	f.metrics.ObserveFetch(metrics.FetchUnavailable, time.Since(start).Seconds())
	return Result{}, fault.Unavailable("fetch course", courseID, netErr)
}

func (f *Fetcher) snapshot(courseID string) (cache.Snapshot, bool) {
	snap, err := f.store.SnapshotFor(courseID)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			log.Printf("content: snapshot read failed course=%s err=%v", courseID, err)
		}
		return cache.Snapshot{}, false
	}
	return snap, true
}

func (f *Fetcher) fetchNetwork(ctx context.Context, courseID string, snap cache.Snapshot, haveSnap bool) (Result, error) {
	u := f.CourseURL(courseID)
	if u == "" {
		return Result{}, fault.Network("fetch course", courseID, errors.New("no content API configured"))
	}
	if !safeurl.IsHTTPOrHTTPS(u) {
		return Result{}, fault.Network("fetch course", courseID, fmt.Errorf("content API URL %q is not http(s)", safeurl.Redact(u)))
	}
	var etag, lastModified string
	if haveSnap {
		etag, lastModified = snap.ETag, snap.LastModified
	}
	body, meta, notModified, err := f.get(ctx, courseID, u, etag, lastModified)
	if err != nil {
		return Result{}, err
	}
	if notModified {
		c, err := course.Decode(courseID, snap.Data)
		if err == nil {
			log.Printf("content: not modified course=%s", courseID)
			return Result{Course: c, Revalidated: true, FetchedAt: time.Now().UTC(), ETag: snap.ETag}, nil
		}
		// Validators pointed at a snapshot we cannot use; ask for the full payload.
		body, meta, _, err = f.get(ctx, courseID, u, "", "")
		if err != nil {
			return Result{}, err
		}
	}
	c, err := course.Decode(courseID, body)
	if err != nil {
		return Result{}, fault.Network("fetch course", courseID, err)
	}
	if _, err := f.store.SaveSnapshot(courseID, body, meta); err != nil {
		log.Printf("content: snapshot save failed course=%s err=%v", courseID, err)
	}
	log.Printf("content: fetched course=%s modules=%d bytes=%d", courseID, len(c.Modules), len(body))
	return Result{Course: c, FetchedAt: time.Now().UTC(), ETag: meta.ETag}, nil
}

// get issues one conditional GET. notModified is true on 304.
func (f *Fetcher) get(ctx context.Context, courseID, u, etag, lastModified string) (body []byte, meta cache.SnapshotMeta, notModified bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, meta, false, fault.Network("fetch course", courseID, err)
	}
	req.Header.Set("User-Agent", httpclient.UserAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", acceptEncoding)
	if f.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.opts.Token)
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if lastModified != "" {
		req.Header.Set("If-Modified-Since", lastModified)
	}
	resp, err := httpclient.DoWithRetry(ctx, f.client, req, httpclient.ContentRetryPolicy)
	if err != nil {
		return nil, meta, false, fault.Classify("fetch course", courseID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotModified && (etag != "" || lastModified != "") {
		return nil, meta, true, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, meta, false, fault.Network("fetch course", courseID, fmt.Errorf("%s: unexpected status %d", safeurl.Redact(u), resp.StatusCode))
	}
	body, err = readBody(resp)
	if err != nil {
		return nil, meta, false, fault.Network("fetch course", courseID, fmt.Errorf("read body: %w", err))
	}
	meta = cache.SnapshotMeta{ETag: resp.Header.Get("ETag"), LastModified: resp.Header.Get("Last-Modified")}
	return body, meta, false, nil
}
