// Package config resolves runtime settings: built-in defaults, then an
// optional YAML file, then COURSECACHE_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds cache, content API, download and server settings.
type Config struct {
	// Paths
	CacheDir   string // cache root owned by the cache store
	MountPoint string // offline library mount, e.g. ~/Courses
	ConfigFile string // YAML file the values were read from, if any

	// Content API
	ContentAPIURL string        // e.g. https://api.example.com; empty = offline only
	ContentPath   string        // path template with {course}
	APIToken      string        // bearer token for the content API
	FetchTimeout  time.Duration // network attempt before falling back to the snapshot

	// Downloads
	MaxConcurrentDownloads int
	MaxDownloadsPerHost    int
	StallTimeout           time.Duration // no bytes for this long fails a transfer
	ProgressInterval       time.Duration
	MinVideoBytes          int64 // commits smaller than this are integrity errors
	MaxCacheBytes          int64 // 0 = no eviction

	// Local control API
	ListenAddr string
}

// fileConfig mirrors the YAML schema. Durations and sizes are strings
// ("10s", "2GiB") so the file stays readable.
type fileConfig struct {
	CacheDir string `yaml:"cache_dir"`
	Mount    string `yaml:"mount"`
	Content  struct {
		APIURL  string `yaml:"api_url"`
		Path    string `yaml:"path"`
		Token   string `yaml:"token"`
		Timeout string `yaml:"timeout"`
	} `yaml:"content"`
	Downloads struct {
		MaxConcurrent    int    `yaml:"max_concurrent"`
		MaxPerHost       int    `yaml:"max_per_host"`
		StallTimeout     string `yaml:"stall_timeout"`
		ProgressInterval string `yaml:"progress_interval"`
		MinVideoBytes    string `yaml:"min_video_bytes"`
		MaxCacheBytes    string `yaml:"max_cache_bytes"`
	} `yaml:"downloads"`
	Server struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"server"`
}

const envPrefix = "COURSECACHE_"

// Defaults returns the built-in settings.
func Defaults() *Config {
	return &Config{
		CacheDir:               defaultCacheDir(),
		ContentPath:            "/courses/{course}/content",
		FetchTimeout:           10 * time.Second,
		MaxConcurrentDownloads: 2,
		MaxDownloadsPerHost:    4,
		StallTimeout:           60 * time.Second,
		ProgressInterval:       250 * time.Millisecond,
		MinVideoBytes:          1,
		ListenAddr:             "127.0.0.1:7311",
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "coursecache")
	}
	return "./coursecache"
}

// Load resolves settings in priority order: defaults -> YAML file -> env.
// The file is COURSECACHE_CONFIG when set; a missing file is skipped, a
// malformed one is an error. Call LoadEnvFile(".env") first to use a .env file.
func Load() (*Config, error) {
	c := Defaults()
	if path := os.Getenv(envPrefix + "CONFIG"); path != "" {
		if err := c.applyFile(path); err != nil {
			return nil, err
		}
	}
	c.applyEnv()
	c.normalize()
	return c, nil
}

func (c *Config) applyFile(path string) error {
	path = filepath.Clean(path)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config file: %w", err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	c.ConfigFile = path
	setString(&c.CacheDir, f.CacheDir)
	setString(&c.MountPoint, f.Mount)
	setString(&c.ContentAPIURL, f.Content.APIURL)
	setString(&c.ContentPath, f.Content.Path)
	setString(&c.APIToken, f.Content.Token)
	setString(&c.ListenAddr, f.Server.ListenAddr)
	if f.Downloads.MaxConcurrent > 0 {
		c.MaxConcurrentDownloads = f.Downloads.MaxConcurrent
	}
	if f.Downloads.MaxPerHost > 0 {
		c.MaxDownloadsPerHost = f.Downloads.MaxPerHost
	}
	for _, d := range []struct {
		dst *time.Duration
		raw string
		key string
	}{
		{&c.FetchTimeout, f.Content.Timeout, "content.timeout"},
		{&c.StallTimeout, f.Downloads.StallTimeout, "downloads.stall_timeout"},
		{&c.ProgressInterval, f.Downloads.ProgressInterval, "downloads.progress_interval"},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, d.key, err)
		}
		*d.dst = v
	}
	for _, b := range []struct {
		dst *int64
		raw string
		key string
	}{
		{&c.MinVideoBytes, f.Downloads.MinVideoBytes, "downloads.min_video_bytes"},
		{&c.MaxCacheBytes, f.Downloads.MaxCacheBytes, "downloads.max_cache_bytes"},
	} {
		if b.raw == "" {
			continue
		}
		v, err := ParseBytes(b.raw)
		if err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, b.key, err)
		}
		*b.dst = v
	}
	return nil
}

func (c *Config) applyEnv() {
	c.CacheDir = getEnv("CACHE_DIR", c.CacheDir)
	c.MountPoint = getEnv("MOUNT", c.MountPoint)
	c.ContentAPIURL = getEnv("CONTENT_API_URL", c.ContentAPIURL)
	c.ContentPath = getEnv("CONTENT_PATH", c.ContentPath)
	c.APIToken = getEnv("API_TOKEN", c.APIToken)
	c.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", c.FetchTimeout)
	c.MaxConcurrentDownloads = getEnvInt("MAX_CONCURRENT_DOWNLOADS", c.MaxConcurrentDownloads)
	c.MaxDownloadsPerHost = getEnvInt("MAX_DOWNLOADS_PER_HOST", c.MaxDownloadsPerHost)
	c.StallTimeout = getEnvDuration("STALL_TIMEOUT", c.StallTimeout)
	c.ProgressInterval = getEnvDuration("PROGRESS_INTERVAL", c.ProgressInterval)
	c.MinVideoBytes = getEnvBytes("MIN_VIDEO_BYTES", c.MinVideoBytes)
	c.MaxCacheBytes = getEnvBytes("MAX_CACHE_BYTES", c.MaxCacheBytes)
	c.ListenAddr = getEnv("LISTEN_ADDR", c.ListenAddr)
}

func (c *Config) normalize() {
	d := Defaults()
	if c.MaxConcurrentDownloads <= 0 {
		c.MaxConcurrentDownloads = d.MaxConcurrentDownloads
	}
	if c.MaxDownloadsPerHost <= 0 {
		c.MaxDownloadsPerHost = d.MaxDownloadsPerHost
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = d.ProgressInterval
	}
	if c.MinVideoBytes < 1 {
		c.MinVideoBytes = 1
	}
	if c.MaxCacheBytes < 0 {
		c.MaxCacheBytes = 0
	}
	c.ContentAPIURL = strings.TrimRight(strings.TrimSpace(c.ContentAPIURL), "/")
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(envPrefix + key); v != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvBytes(key string, defaultVal int64) int64 {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := ParseBytes(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// ParseBytes parses a byte count with an optional unit: "1500", "512KB",
// "2GiB", "1.5G". Decimal units (KB, MB, GB, TB) are powers of 1000; binary
// units (KiB, ...) and bare letters (K, M, G, T) are powers of 1024.
func ParseBytes(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	i := len(s)
	for i > 0 && (s[i-1] < '0' || s[i-1] > '9') {
		i--
	}
	num, unit := strings.TrimSpace(s[:i]), strings.ToUpper(strings.TrimSpace(s[i:]))
	mult, ok := byteUnits[unit]
	if !ok {
		return 0, fmt.Errorf("unknown size unit %q", unit)
	}
	f, err := strconv.ParseFloat(num, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("bad size %q", s)
	}
	return int64(f * float64(mult)), nil
}

var byteUnits = map[string]int64{
	"": 1, "B": 1,
	"K": 1 << 10, "KIB": 1 << 10, "KB": 1000,
	"M": 1 << 20, "MIB": 1 << 20, "MB": 1000 * 1000,
	"G": 1 << 30, "GIB": 1 << 30, "GB": 1000 * 1000 * 1000,
	"T": 1 << 40, "TIB": 1 << 40, "TB": 1000 * 1000 * 1000 * 1000,
}
