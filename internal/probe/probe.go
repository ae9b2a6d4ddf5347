// Package probe classifies lesson video sources. Only direct files can be
// cached offline; HLS playlists stream remotely and embedded providers are
// handed to the provider's own player.
package probe

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/snapetech/coursecache/internal/httpclient"
)

// StreamType classifies a lesson video URL for caching purposes.
type StreamType string

const (
	StreamUnknown    StreamType = ""
	StreamDirectFile StreamType = "direct_file"
	StreamHLS        StreamType = "hls"
	StreamEmbedded   StreamType = "embedded"
)

// Cacheable reports whether a source of this type may be downloaded into the cache.
func (t StreamType) Cacheable() bool { return t == StreamDirectFile }

// embeddedProviders maps provider names (as sent by the content API) to themselves,
// and embeddedHosts maps player hosts to the provider name.
var embeddedProviders = map[string]bool{
	"youtube":  true,
	"vimeo":    true,
	"wistia":   true,
	"loom":     true,
	"bunny":    true,
	"jwplayer": true,
}

var embeddedHosts = map[string]string{
	"youtube.com":              "youtube",
	"youtu.be":                 "youtube",
	"youtube-nocookie.com":     "youtube",
	"vimeo.com":                "vimeo",
	"player.vimeo.com":         "vimeo",
	"fast.wistia.net":          "wistia",
	"wistia.com":               "wistia",
	"loom.com":                 "loom",
	"iframe.mediadelivery.net": "bunny",
	"cdn.jwplayer.com":         "jwplayer",
}

var directProviders = map[string]bool{"": true, "direct": true, "url": true, "file": true, "mp4": true, "cdn": true}

var directExts = []string{".mp4", ".m4v", ".mov", ".webm", ".mkv"}

// Provider returns the normalized embedded provider name for a lesson, or "" when
// the source is not an embedded player. An explicit provider field wins over the URL host.
func Provider(rawURL, provider string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	if embeddedProviders[p] {
		return p
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if name, ok := embeddedHosts[host]; ok {
		return name
	}
	if !directProviders[p] && p != "hls" {
		// Unknown provider names are treated as embedded players: never downloaded.
		return p
	}
	return ""
}

// Classify inspects the lesson's URL and provider without network access.
func Classify(rawURL, provider string) StreamType {
	if Provider(rawURL, provider) != "" {
		return StreamEmbedded
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return StreamUnknown
	}
	path := strings.ToLower(u.Path)
	if strings.HasSuffix(path, ".m3u8") || strings.EqualFold(provider, "hls") {
		return StreamHLS
	}
	for _, ext := range directExts {
		if strings.HasSuffix(path, ext) {
			return StreamDirectFile
		}
	}
	if p := strings.ToLower(strings.TrimSpace(provider)); p != "" && directProviders[p] {
		return StreamDirectFile
	}
	return StreamUnknown
}

// Probe refines an unknown classification by asking the server for one byte
// and inspecting Content-Type.
func Probe(ctx context.Context, client *http.Client, streamURL string) (StreamType, error) {
	if t := Classify(streamURL, ""); t != StreamUnknown {
		return t, nil
	}
	if client == nil {
		client = httpclient.Default()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return StreamUnknown, err
	}
	req.Header.Set("User-Agent", httpclient.UserAgent)
	req.Header.Set("Range", "bytes=0-0")
	resp, err := client.Do(req)
	if err != nil {
		return StreamUnknown, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return StreamUnknown, errors.New("probe: unexpected status " + resp.Status)
	}
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	switch {
	case strings.Contains(ct, "mpegurl"):
		return StreamHLS, nil
	case strings.HasPrefix(ct, "video/"), strings.Contains(ct, "application/mp4"), strings.Contains(ct, "application/octet-stream"):
		return StreamDirectFile, nil
	case strings.Contains(ct, "text/html"):
		return StreamEmbedded, nil
	}
	return StreamUnknown, errors.New("probe: unknown stream type " + ct)
}
