package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_defaults(t *testing.T) {
	t.Setenv("COURSECACHE_CONFIG", "")
	t.Setenv("COURSECACHE_CACHE_DIR", "")
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.FetchTimeout != 10*time.Second {
		t.Errorf("FetchTimeout = %v", c.FetchTimeout)
	}
	if c.MaxConcurrentDownloads != 2 || c.MaxDownloadsPerHost != 4 {
		t.Errorf("concurrency = %d/%d", c.MaxConcurrentDownloads, c.MaxDownloadsPerHost)
	}
	if c.MinVideoBytes != 1 || c.MaxCacheBytes != 0 {
		t.Errorf("bytes = %d/%d", c.MinVideoBytes, c.MaxCacheBytes)
	}
	if c.ContentPath != "/courses/{course}/content" {
		t.Errorf("ContentPath = %q", c.ContentPath)
	}
	if c.CacheDir == "" {
		t.Error("CacheDir empty")
	}
}

func TestLoad_fileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "coursecache.yaml")
	data := `cache_dir: /data/cache
mount: /home/u/Courses
content:
  api_url: https://api.example.com/
  token: file-token
  timeout: 3s
downloads:
  max_concurrent: 5
  stall_timeout: 30s
  max_cache_bytes: 2GiB
server:
  listen_addr: ":9000"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("COURSECACHE_CONFIG", path)
	t.Setenv("COURSECACHE_API_TOKEN", "env-token")
	t.Setenv("COURSECACHE_MAX_CONCURRENT_DOWNLOADS", "3")

	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.ConfigFile != path {
		t.Errorf("ConfigFile = %q", c.ConfigFile)
	}
	if c.CacheDir != "/data/cache" || c.MountPoint != "/home/u/Courses" {
		t.Errorf("paths = %q %q", c.CacheDir, c.MountPoint)
	}
	if c.ContentAPIURL != "https://api.example.com" {
		t.Errorf("ContentAPIURL = %q", c.ContentAPIURL)
	}
	if c.APIToken != "env-token" {
		t.Errorf("env should override file: APIToken = %q", c.APIToken)
	}
	if c.MaxConcurrentDownloads != 3 {
		t.Errorf("MaxConcurrentDownloads = %d", c.MaxConcurrentDownloads)
	}
	if c.FetchTimeout != 3*time.Second || c.StallTimeout != 30*time.Second {
		t.Errorf("timeouts = %v %v", c.FetchTimeout, c.StallTimeout)
	}
	if c.MaxCacheBytes != 2<<30 {
		t.Errorf("MaxCacheBytes = %d", c.MaxCacheBytes)
	}
	if c.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q", c.ListenAddr)
	}
}

func TestLoad_missingFileIgnored(t *testing.T) {
	t.Setenv("COURSECACHE_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.ConfigFile != "" {
		t.Errorf("ConfigFile = %q", c.ConfigFile)
	}
}

func TestLoad_badFile(t *testing.T) {
	dir := t.TempDir()
	for name, data := range map[string]string{
		"yaml":     "content: [unclosed",
		"duration": "content:\n  timeout: soon\n",
		"size":     "downloads:\n  max_cache_bytes: lots\n",
	} {
		path := filepath.Join(dir, name+".yaml")
		if err := os.WriteFile(path, []byte(data), 0600); err != nil {
			t.Fatal(err)
		}
		t.Setenv("COURSECACHE_CONFIG", path)
		if _, err := Load(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoad_invalidEnvFallsBack(t *testing.T) {
	t.Setenv("COURSECACHE_CONFIG", "")
	t.Setenv("COURSECACHE_MAX_CONCURRENT_DOWNLOADS", "many")
	t.Setenv("COURSECACHE_STALL_TIMEOUT", "forever")
	t.Setenv("COURSECACHE_MAX_DOWNLOADS_PER_HOST", "0")
	t.Setenv("COURSECACHE_MIN_VIDEO_BYTES", "1KiB")
	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.MaxConcurrentDownloads != 2 {
		t.Errorf("MaxConcurrentDownloads = %d", c.MaxConcurrentDownloads)
	}
	if c.StallTimeout != 60*time.Second {
		t.Errorf("StallTimeout = %v", c.StallTimeout)
	}
	if c.MaxDownloadsPerHost != 4 {
		t.Errorf("MaxDownloadsPerHost = %d", c.MaxDownloadsPerHost)
	}
	if c.MinVideoBytes != 1024 {
		t.Errorf("MinVideoBytes = %d", c.MinVideoBytes)
	}
}

func TestParseBytes(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want int64
		ok   bool
	}{
		{"1500", 1500, true},
		{"512KB", 512000, true},
		{"2GiB", 2 << 30, true},
		{"1.5G", 3 << 29, true},
		{"10 mb", 10000000, true},
		{"", 0, false},
		{"GB", 0, false},
		{"5 parsecs", 0, false},
		{"-1", 0, false},
	} {
		got, err := ParseBytes(tc.in)
		if (err == nil) != tc.ok {
			t.Errorf("ParseBytes(%q) err=%v", tc.in, err)
			continue
		}
		if tc.ok && got != tc.want {
			t.Errorf("ParseBytes(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
