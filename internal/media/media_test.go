package media

import (
	"testing"
)

func TestStem(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/data/uploads/2026/08/24/abc.wav", "abc"},
		{"clip.tar.gz", "clip.tar"},
		{"noext", "noext"},
	}
	for _, tt := range tests {
		if got := stem(tt.path); got != tt.want {
			t.Errorf("stem(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestFmtSec(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "0"},
		{0.1, "0.1"},
		{30, "30"},
		{12.345, "12.345"},
		{25.5, "25.5"},
	}
	for _, tt := range tests {
		if got := fmtSec(tt.in); got != tt.want {
			t.Errorf("fmtSec(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
