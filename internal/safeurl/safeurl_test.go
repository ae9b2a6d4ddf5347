package safeurl

import "testing"

func TestIsHTTPOrHTTPS(t *testing.T) {
	tests := []struct {
		url   string
		allow bool
	}{
		{"http://example.com/", true},
		{"https://cdn.example.com/lesson.mp4", true},
		{"HTTP://x", true},
		{"HTTPS://x", true},
		{"https://", false},
		{"file:///etc/passwd", false},
		{"ftp://example.com", false},
		{"", false},
		{"not-a-url", false},
		{"javascript:alert(1)", false},
	}
	for _, tt := range tests {
		got := IsHTTPOrHTTPS(tt.url)
		if got != tt.allow {
			t.Errorf("IsHTTPOrHTTPS(%q) = %v, want %v", tt.url, got, tt.allow)
		}
	}
}

func TestRedact(t *testing.T) {
	if got := Redact("https://cdn/x.mp4?token=abc"); got != "https://cdn/x.mp4?[redacted]" {
		t.Errorf("Redact = %q", got)
	}
	if got := Redact("https://cdn/x.mp4"); got != "https://cdn/x.mp4" {
		t.Errorf("Redact without query = %q", got)
	}
}
