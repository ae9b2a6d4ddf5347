package httpclient

import (
	"net/http"
	"net/http/cookiejar"
	"time"

	"golang.org/x/net/publicsuffix"
)

const (
	DefaultTimeout         = 30 * time.Second
	DefaultIdleConnTimeout = 90 * time.Second
	MaxIdleConnsPerHost    = 16

	// UserAgent is sent on every content API and video request.
	UserAgent = "coursecache/1.0"
)

var defaultClient *http.Client

func init() {
	defaultClient = newClient(DefaultTimeout)
}

func newClient(timeout time.Duration) *http.Client {
	// The content API may hand out session cookies; keep them per registrable domain.
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &http.Client{
		Timeout: timeout,
		Jar:     jar,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: MaxIdleConnsPerHost,
			IdleConnTimeout:     DefaultIdleConnTimeout,
		},
	}
}

// Default returns the shared tuned HTTP client for the content fetcher and health checks.
func Default() *http.Client {
	return defaultClient
}

// Streaming returns a client without an overall timeout, for video transfers whose
// duration is unbounded. Transfers rely on context cancellation and a stall watchdog instead.
func Streaming() *http.Client {
	return WithTimeout(0)
}

// WithTimeout returns a client with the given timeout sharing Default's cookie jar and a cloned transport.
func WithTimeout(timeout time.Duration) *http.Client {
	t, ok := defaultClient.Transport.(*http.Transport)
	if !ok {
		return &http.Client{Timeout: timeout, Jar: defaultClient.Jar}
	}
	return &http.Client{
		Timeout:   timeout,
		Jar:       defaultClient.Jar,
		Transport: t.Clone(),
	}
}
