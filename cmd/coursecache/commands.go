package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/snapetech/coursecache/internal/api"
	"github.com/snapetech/coursecache/internal/cache"
	"github.com/snapetech/coursecache/internal/config"
	"github.com/snapetech/coursecache/internal/course"
	"github.com/snapetech/coursecache/internal/download"
	"github.com/snapetech/coursecache/internal/health"
	"github.com/snapetech/coursecache/internal/offlinefs"
	"github.com/snapetech/coursecache/internal/resolver"
)

var fetchCommand = &cli.Command{
	Name:      "fetch",
	Usage:     "fetch a course network-first and print it",
	ArgsUsage: "<course-id>",
	Action: withEngine(func(e *engine, c *cli.Context) error {
		if err := requireArgs(c, 1, "<course-id>"); err != nil {
			return err
		}
		res, err := e.fetcher.FetchCourseContent(c.Context, c.Args().First())
		if err != nil {
			return err
		}
		if res.FromCache {
			log.Printf("offline: serving snapshot from %s (%v)", res.FetchedAt.Format(time.RFC3339), res.NetworkErr)
		}
		return printJSON(res)
	}),
}

var downloadCommand = &cli.Command{
	Name:      "download",
	Usage:     "download lesson videos of a course into the cache",
	ArgsUsage: "<course-id> [lesson-id...]",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "all", Usage: "download every downloadable video lesson of the course"},
	},
	Action: withEngine(func(e *engine, c *cli.Context) error {
		if err := requireArgs(c, 1, "<course-id> [lesson-id...]"); err != nil {
			return err
		}
		res, err := e.fetcher.FetchCourseContent(c.Context, c.Args().First())
		if err != nil {
			return err
		}
		lessons, err := pickLessons(c.Context, res.Course, c.Args().Tail(), c.Bool("all"))
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runDownloads(ctx, e.downloads, lessons)
	}),
}

func pickLessons(ctx context.Context, crs *course.Course, ids []string, all bool) ([]*course.Lesson, error) {
	if all {
		var out []*course.Lesson
		for _, l := range crs.VideoLessons() {
			if resolver.ProbeDownloadable(ctx, nil, l) {
				out = append(out, l)
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("course %s has no downloadable lessons", crs.ID)
		}
		return out, nil
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("name lesson ids or pass --all")
	}
	out := make([]*course.Lesson, 0, len(ids))
	for _, id := range ids {
		l, ok := crs.Lesson(id)
		if !ok {
			return nil, fmt.Errorf("lesson %s not in course %s", id, crs.ID)
		}
		if !resolver.ProbeDownloadable(ctx, nil, l) {
			return nil, fmt.Errorf("lesson %s cannot be downloaded (content_type=%s provider=%q)", id, l.ContentType, l.VideoProvider)
		}
		out = append(out, l)
	}
	return out, nil
}

// runDownloads starts every lesson and prints events until each one is
// terminal. Cancelling ctx pauses what is still running; resumable partials
// are kept for the next run.
func runDownloads(ctx context.Context, m *download.Manager, lessons []*course.Lesson) error {
	var mu sync.Mutex
	pending := make(map[string]bool, len(lessons))
	failed := 0
	allDone := make(chan struct{})
	settle := func(id string, s download.Status) {
		if !pending[id] || !s.Terminal() {
			return
		}
		delete(pending, id)
		if s != download.StatusCompleted {
			failed++
		}
		if len(pending) == 0 {
			close(allDone)
		}
	}

	mu.Lock()
	for _, l := range lessons {
		pending[l.ID] = true
	}
	mu.Unlock()
	unsubscribe := m.Subscribe(func(ev download.Event) {
		fmt.Println(progressLine(ev))
		mu.Lock()
		settle(ev.LessonID, ev.Status)
		mu.Unlock()
	})
	defer unsubscribe()

	for _, l := range lessons {
		t, err := m.Start(l.ID, l.VideoURL)
		if err != nil {
			return err
		}
		mu.Lock()
		settle(t.LessonID, t.Status)
		mu.Unlock()
	}

	select {
	case <-allDone:
	case <-ctx.Done():
		log.Print("interrupted: pausing downloads")
		for _, l := range lessons {
			if _, err := m.Pause(l.ID); err != nil && !errors.Is(err, download.ErrInvalidState) && !errors.Is(err, download.ErrNotFound) {
				log.Printf("pause %s: %v", l.ID, err)
			}
		}
		return ctx.Err()
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d downloads did not complete", failed, len(lessons))
	}
	return nil
}

var statusCommand = &cli.Command{
	Name:      "status",
	Usage:     "show cache usage, or one lesson's download status",
	ArgsUsage: "[lesson-id]",
	Action: withEngine(func(e *engine, c *cli.Context) error {
		if c.NArg() > 0 {
			t, ok := e.downloads.StatusOf(c.Args().First())
			if !ok {
				return fmt.Errorf("lesson %s: %w", c.Args().First(), download.ErrNotFound)
			}
			return printJSON(t)
		}
		u, err := e.store.Usage()
		if err != nil {
			return err
		}
		fmt.Printf("videos:    %d (%s)\n", u.VideoCount, humanBytes(u.VideoBytes))
		fmt.Printf("snapshots: %d (%s)\n", u.SnapshotCount, humanBytes(u.SnapshotBytes))
		videos, err := e.store.Entries(cache.KindVideo)
		if err != nil {
			return err
		}
		for _, v := range videos {
			fmt.Printf("  %-12s %10s  %s\n", v.ID, humanBytes(v.Size), v.CompletedAt.Local().Format("2006-01-02 15:04"))
		}
		return nil
	}),
}

var resolveCommand = &cli.Command{
	Name:      "resolve",
	Usage:     "show where a lesson plays from (local file, remote stream, embedded player)",
	ArgsUsage: "<course-id> <lesson-id>",
	Action: withEngine(func(e *engine, c *cli.Context) error {
		if err := requireArgs(c, 2, "<course-id> <lesson-id>"); err != nil {
			return err
		}
		res, err := e.fetcher.FetchCourseContent(c.Context, c.Args().Get(0))
		if err != nil {
			return err
		}
		l, ok := res.Course.Lesson(c.Args().Get(1))
		if !ok {
			return fmt.Errorf("lesson %s not in course %s", c.Args().Get(1), res.Course.ID)
		}
		src, err := e.resolver.Resolve(l)
		if err != nil {
			return err
		}
		return printJSON(src)
	}),
}

var rmCommand = &cli.Command{
	Name:      "rm",
	Usage:     "delete downloaded lesson videos",
	ArgsUsage: "<lesson-id>...",
	Action: withEngine(func(e *engine, c *cli.Context) error {
		if err := requireArgs(c, 1, "<lesson-id>..."); err != nil {
			return err
		}
		for _, id := range c.Args().Slice() {
			if err := e.downloads.Delete(id); err != nil {
				return fmt.Errorf("rm %s: %w", id, err)
			}
			log.Printf("removed lesson=%s", id)
		}
		return nil
	}),
}

var evictCommand = &cli.Command{
	Name:  "evict",
	Usage: "delete the oldest cached videos until the total fits a budget",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "max", Usage: "size budget, e.g. 5GiB (default: configured max cache bytes)"},
	},
	Action: withEngine(func(e *engine, c *cli.Context) error {
		limit := e.cfg.MaxCacheBytes
		if s := c.String("max"); s != "" {
			n, err := config.ParseBytes(s)
			if err != nil {
				return err
			}
			limit = n
		}
		if limit <= 0 {
			return fmt.Errorf("no budget: pass --max or set COURSECACHE_MAX_CACHE_BYTES")
		}
		evicted, err := e.store.Evict(limit)
		var freed int64
		for _, v := range evicted {
			freed += v.Size
		}
		fmt.Printf("evicted %d videos, freed %s\n", len(evicted), humanBytes(freed))
		return err
	}),
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run the local control API",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "addr", Usage: "listen address (default: configured listen addr)"},
		&cli.BoolFlag{Name: "mount", Usage: "also mount the offline library at the configured mount point"},
	},
	Action: withEngine(func(e *engine, c *cli.Context) error {
		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		addr := e.cfg.ListenAddr
		if a := c.String("addr"); a != "" {
			addr = a
		}
		if c.Bool("mount") {
			if e.cfg.MountPoint == "" {
				return fmt.Errorf("--mount needs COURSECACHE_MOUNT or mount: in the config file")
			}
			go func() {
				if err := offlinefs.Serve(ctx, e.cfg.MountPoint, e.store, false); err != nil {
					log.Printf("mount: %v", err)
				}
			}()
		}
		srv := &api.Server{
			Addr:      addr,
			Store:     e.store,
			Fetcher:   e.fetcher,
			Downloads: e.downloads,
			Resolver:  e.resolver,
			Metrics:   e.metrics,
		}
		return srv.Run(ctx)
	}),
}

var mountCommand = &cli.Command{
	Name:      "mount",
	Usage:     "mount cached videos as <course>/<NN - lesson>.mp4 (read-only)",
	ArgsUsage: "[dir]",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "allow-other", Usage: "let other users read the mount"},
	},
	Action: withEngine(func(e *engine, c *cli.Context) error {
		dir := e.cfg.MountPoint
		if c.NArg() > 0 {
			dir = c.Args().First()
		}
		if dir == "" {
			return fmt.Errorf("no mount point: pass a dir or set COURSECACHE_MOUNT")
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return offlinefs.Serve(ctx, dir, e.store, c.Bool("allow-other"))
	}),
}

var checkCommand = &cli.Command{
	Name:  "check",
	Usage: "verify the cache dir is writable and the content API answers",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "course", Usage: "course id to request from the content API"},
		&cli.StringFlag{Name: "api", Usage: "also check a running control API at this base URL"},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		ok := true
		report := func(name string, err error) {
			if err != nil {
				ok = false
				fmt.Printf("FAIL %-12s %v\n", name, err)
				return
			}
			fmt.Printf("ok   %s\n", name)
		}
		report("cache dir", health.CheckCacheDir(cfg.CacheDir))
		if id := c.String("course"); id != "" {
			store, err := cache.Open(cfg.CacheDir, cache.Options{MinVideoBytes: cfg.MinVideoBytes})
			if err != nil {
				return err
			}
			defer store.Close()
			f := newFetcher(cfg, store, nil)
			ctx, cancel := context.WithTimeout(c.Context, cfg.FetchTimeout)
			defer cancel()
			report("content api", health.CheckContentAPI(ctx, f.CourseURL(id), cfg.APIToken))
		}
		if base := c.String("api"); base != "" {
			report("control api", health.CheckEndpoints(c.Context, base))
		}
		if !ok {
			return fmt.Errorf("check failed")
		}
		return nil
	},
}
