package safeurl

import "testing"

func TestIsHTTPOrHTTPS(t *testing.T) {
	tests := []struct {
		url   string
		allow bool
	}{
		{"http://example.com/", true},
		{"https://example.com/path", true},
		{"HTTP://x", true},
		{"HTTPS://x", true},
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

func TestValidSegmentName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"segment0000.ts", true},
		{"stream.m3u8", true},
		{"", false},
		{".", false},
		{"..", false},
		{"../secret", false},
		{"a/../b", false},
		{"/etc/passwd", false},
		{"..\\windows", false},
		{"sub/dir.ts", false},
	}
	for _, tt := range tests {
		got := ValidSegmentName(tt.name)
		if got != tt.valid {
			t.Errorf("ValidSegmentName(%q) = %v, want %v", tt.name, got, tt.valid)
		}
	}
}
