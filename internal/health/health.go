// Package health holds the probes behind `coursecache check` and /healthz.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/snapetech/coursecache/internal/httpclient"
	"github.com/snapetech/coursecache/internal/safeurl"
)

// CheckContentAPI fetches courseURL (GET, body discarded). Returns nil if the API
// answers 200 or 304, an error with the reason otherwise.
func CheckContentAPI(ctx context.Context, courseURL, token string) error {
	if courseURL == "" {
		return fmt.Errorf("no content API URL configured")
	}
	if !safeurl.IsHTTPOrHTTPS(courseURL) {
		return fmt.Errorf("content API URL must be http or https: %s", safeurl.Redact(courseURL))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, courseURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", httpclient.UserAgent)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := httpclient.WithTimeout(15 * time.Second).Do(req)
	if err != nil {
		return fmt.Errorf("content API unreachable: %w", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotModified {
		return fmt.Errorf("content API returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// CheckCacheDir verifies root exists (or can be created) and accepts writes.
func CheckCacheDir(root string) error {
	if root == "" {
		return fmt.Errorf("no cache dir configured")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return fmt.Errorf("cache dir: %w", err)
	}
	f, err := os.CreateTemp(root, ".health-*")
	if err != nil {
		return fmt.Errorf("cache dir not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(filepath.Clean(name))
}

// CheckEndpoints hits the control API's health and listing routes at baseURL and
// returns the first error or nil.
func CheckEndpoints(ctx context.Context, baseURL string) error {
	client := httpclient.WithTimeout(5 * time.Second)
	for _, path := range []string{"/healthz", "/downloads"} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
		}
	}
	return nil
}
