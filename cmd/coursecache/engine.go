package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/snapetech/coursecache/internal/cache"
	"github.com/snapetech/coursecache/internal/config"
	"github.com/snapetech/coursecache/internal/content"
	"github.com/snapetech/coursecache/internal/download"
	"github.com/snapetech/coursecache/internal/httpclient"
	"github.com/snapetech/coursecache/internal/metrics"
	"github.com/snapetech/coursecache/internal/resolver"
)

// engine is the wired set of components one command works with.
type engine struct {
	cfg       *config.Config
	store     *cache.Store
	metrics   *metrics.Metrics
	fetcher   *content.Fetcher
	downloads *download.Manager
	resolver  *resolver.Resolver
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String("config"); path != "" {
		os.Setenv("COURSECACHE_CONFIG", path)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if dir := c.String("cache-dir"); dir != "" {
		cfg.CacheDir = dir
	}
	return cfg, nil
}

func openEngine(c *cli.Context) (*engine, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	store, err := cache.Open(cfg.CacheDir, cache.Options{MinVideoBytes: cfg.MinVideoBytes})
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	downloads := download.New(store, download.Options{
		MaxConcurrent:    cfg.MaxConcurrentDownloads,
		ProgressInterval: cfg.ProgressInterval,
		StallTimeout:     cfg.StallTimeout,
		MaxCacheBytes:    cfg.MaxCacheBytes,
		Transport:        download.NewHTTPTransport(cfg.MaxDownloadsPerHost),
		Metrics:          m,
	})
	e := &engine{
		cfg:       cfg,
		store:     store,
		metrics:   m,
		fetcher:   newFetcher(cfg, store, m),
		downloads: downloads,
		resolver:  resolver.New(store, downloads),
	}
	log.Printf("cache root=%s content_api=%q", store.Root(), cfg.ContentAPIURL)
	return e, nil
}

func newFetcher(cfg *config.Config, store *cache.Store, m *metrics.Metrics) *content.Fetcher {
	return content.New(store, content.Options{
		BaseURL: cfg.ContentAPIURL,
		Path:    cfg.ContentPath,
		Token:   cfg.APIToken,
		Timeout: cfg.FetchTimeout,
		Client:  httpclient.Default(),
		Metrics: m,
	})
}

func (e *engine) close() {
	if err := e.downloads.Close(); err != nil {
		log.Printf("close downloads: %v", err)
	}
	if err := e.store.Close(); err != nil {
		log.Printf("close cache: %v", err)
	}
}

// withEngine opens the engine for the duration of one command.
func withEngine(fn func(e *engine, c *cli.Context) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		e, err := openEngine(c)
		if err != nil {
			return err
		}
		defer e.close()
		return fn(e, c)
	}
}

func requireArgs(c *cli.Context, n int, usage string) error {
	if c.NArg() < n {
		return fmt.Errorf("usage: coursecache %s %s", c.Command.Name, usage)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func progressLine(ev download.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-8s %-11s", ev.LessonID, ev.Status)
	if ev.TotalBytes > 0 {
		fmt.Fprintf(&b, " %3d%% %s / %s", ev.BytesTransferred*100/ev.TotalBytes, humanBytes(ev.BytesTransferred), humanBytes(ev.TotalBytes))
	} else if ev.BytesTransferred > 0 {
		fmt.Fprintf(&b, " %s", humanBytes(ev.BytesTransferred))
	}
	if ev.Error != "" {
		fmt.Fprintf(&b, " error=%q", ev.Error)
	}
	return b.String()
}
