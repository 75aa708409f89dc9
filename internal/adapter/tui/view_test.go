package tui

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"short", 10, "short"},
		{"exactly ten chars!", 18, "exactly ten chars!"},
		{"this one is too long", 8, "this on…"},
		{"", 5, ""},
		{"wide", 1, "wide"}, // width too small to truncate into
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.width); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}

func TestTruncateKeepsRunesIntact(t *testing.T) {
	subject := "récapituler les données de café"
	for width := 2; width < len(subject); width++ {
		got := truncate(subject, width)
		if !utf8.ValidString(got) {
			t.Fatalf("truncate(%q, %d) = %q, invalid UTF-8", subject, width, got)
		}
		if n := len([]rune(strings.TrimSuffix(got, "…"))); n > width {
			t.Errorf("truncate(%q, %d) kept %d runes", subject, width, n)
		}
	}
}
