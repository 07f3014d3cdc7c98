package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forest6511/paradl/pkg/config"
)

func TestDeriveFilenameFromURL(t *testing.T) {
	cases := map[string]string{
		"https://example.com/files/report.pdf":  "report.pdf",
		"https://example.com/files/report.pdf?x=1#frag": "report.pdf",
		"https://example.com/":                  "download",
		"https://example.com":                   "download",
	}
	for url, want := range cases {
		if got := deriveFilenameFromURL(url); got != want {
			t.Errorf("deriveFilenameFromURL(%q) = %q, want %q", url, got, want)
		}
	}
}

func TestApplyFlagOverridesParsesSegmentSizeUnits(t *testing.T) {
	defer func() { flagSegmentSize = "" }()

	flagSegmentSize = "20MB"
	cfg := config.DefaultConfig()
	if err := applyFlagOverrides(cfg); err != nil {
		t.Fatalf("applyFlagOverrides: %v", err)
	}
	if cfg.SegmentSize != config.ByteSize(20*1024*1024) {
		t.Errorf("SegmentSize = %d, want %d", cfg.SegmentSize, 20*1024*1024)
	}
}

func TestApplyFlagOverridesRejectsInvalidSegmentSize(t *testing.T) {
	defer func() { flagSegmentSize = "" }()

	flagSegmentSize = "not-a-size"
	cfg := config.DefaultConfig()
	if err := applyFlagOverrides(cfg); err == nil {
		t.Error("expected an error for an invalid --segment-size value")
	}
}

func TestUniqueFilenameAppendsNumericSuffix(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "video.mp4"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "video.1.mp4"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got := uniqueFilename(dir, "video.mp4")
	if got != "video.2.mp4" {
		t.Errorf("uniqueFilename = %q, want video.2.mp4", got)
	}
}

func TestUniqueFilenameLeavesFreshNameAlone(t *testing.T) {
	dir := t.TempDir()
	got := uniqueFilename(dir, "fresh.bin")
	if got != "fresh.bin" {
		t.Errorf("uniqueFilename = %q, want fresh.bin", got)
	}
}

func TestMatchesBase(t *testing.T) {
	cases := []struct {
		candidate, base string
		want            bool
	}{
		{"video", "video", true},
		{"video.3", "video", true},
		{"video.abc", "video", false},
		{"videofoo", "video", false},
		{"other", "video", false},
	}
	for _, c := range cases {
		if got := matchesBase(c.candidate, c.base); got != c.want {
			t.Errorf("matchesBase(%q, %q) = %v, want %v", c.candidate, c.base, got, c.want)
		}
	}
}

func TestFindResumableSidecarPicksMostRecent(t *testing.T) {
	dir := t.TempDir()

	older := filepath.Join(dir, "video.paradl")
	newer := filepath.Join(dir, "video.1.paradl")

	if err := os.WriteFile(older, []byte("{}"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	oldTime := time.Now().Add(-time.Hour)
	if err := os.Chtimes(older, oldTime, oldTime); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	if err := os.WriteFile(newer, []byte("{}"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	path, filename := findResumableSidecar(dir, "video.mp4")
	if path != newer {
		t.Errorf("path = %q, want %q", path, newer)
	}
	if filename != "video.1" {
		t.Errorf("filename = %q, want video.1", filename)
	}
}

func TestFindResumableSidecarIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "other.paradl"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	path, filename := findResumableSidecar(dir, "video.mp4")
	if path != "" || filename != "" {
		t.Errorf("expected no match, got path=%q filename=%q", path, filename)
	}
}
