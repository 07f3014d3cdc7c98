// Package validation checks user-supplied URLs, destination paths, and
// sizes before they reach the download engine.
package validation

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Config toggles behavior that only makes sense outside production, such as
// letting a test harness point a download at a loopback address.
type Config struct {
	AllowLocalhost bool
}

// DefaultConfig is the production configuration: no loopback exception.
func DefaultConfig() *Config {
	return &Config{AllowLocalhost: false}
}

// TestConfig relaxes the loopback restriction for use against an
// httptest.Server or similar local fixture.
func TestConfig() *Config {
	return &Config{AllowLocalhost: true}
}

var globalConfig = DefaultConfig()

// SetConfig replaces the package-level validation configuration. Intended
// for tests; production code should never need to call this.
func SetConfig(config *Config) {
	globalConfig = config
}

// GetConfig returns the active validation configuration.
func GetConfig() *Config {
	return globalConfig
}

var allowedSchemes = map[string]bool{"http": true, "https": true}

func isLoopbackHost(host string) bool {
	return strings.Contains(host, "localhost") || strings.Contains(host, "127.0.0.1")
}

// ValidateURL rejects anything that isn't a well-formed http(s) URL with a
// host, and (unless the config allows it) anything pointed at loopback.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("cannot parse url %q: %w", rawURL, err)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		return fmt.Errorf("url %q has no scheme, expected http:// or https://", rawURL)
	}
	if !allowedSchemes[scheme] {
		return fmt.Errorf("scheme %q is not supported, only http and https are", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("url %q has no host", rawURL)
	}

	if !globalConfig.AllowLocalhost && isLoopbackHost(u.Host) {
		return fmt.Errorf("refusing loopback host %q", u.Host)
	}

	return nil
}

// ValidateDestination checks that dest is a usable output file path: no
// traversal, a parent directory that exists or can be created, and not
// itself an existing directory.
func ValidateDestination(dest string) error {
	if dest == "" {
		return fmt.Errorf("destination path is required")
	}

	clean := filepath.Clean(dest)
	if strings.Contains(clean, "..") {
		return fmt.Errorf("destination %q escapes its base directory", dest)
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("cannot resolve destination %q: %w", dest, err)
	}

	if err := ensureParentDir(abs); err != nil {
		return err
	}

	if info, err := os.Stat(abs); err == nil && info.IsDir() {
		return fmt.Errorf("destination %q is a directory, want a file path", dest)
	}

	return nil
}

// ensureParentDir makes sure abs's parent exists and is a directory,
// creating it if it's simply missing.
func ensureParentDir(abs string) error {
	parent := filepath.Dir(abs)
	if parent == "" {
		return nil
	}

	info, err := os.Stat(parent)
	switch {
	case err == nil:
		if !info.IsDir() {
			return fmt.Errorf("parent path %q is not a directory", parent)
		}
		return nil
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(parent, 0o750); mkErr != nil {
			return fmt.Errorf("cannot create parent directory %q: %w", parent, mkErr)
		}
		return nil
	default:
		return fmt.Errorf("cannot stat parent directory %q: %w", parent, err)
	}
}

// ValidateFileSize rejects a negative or implausibly large size, such as a
// server-reported Content-Length that has been corrupted or spoofed.
func ValidateFileSize(size int64) error {
	const maxFileSize = 100 * 1024 * 1024 * 1024 // 100GB

	if size < 0 {
		return fmt.Errorf("file size %d is negative", size)
	}
	if size > maxFileSize {
		return fmt.Errorf("file size %d exceeds the %d byte ceiling", size, maxFileSize)
	}
	return nil
}

// ValidateChunkSize enforces the segment-size bounds a Chunk Manager can
// reasonably work with: large enough that per-segment overhead stays small,
// small enough that a handful of segments don't each demand huge buffers.
func ValidateChunkSize(chunkSize int64) error {
	const (
		minChunkSize = 1024              // 1KB
		maxChunkSize = 100 * 1024 * 1024 // 100MB
	)

	switch {
	case chunkSize <= 0:
		return fmt.Errorf("segment size %d must be positive", chunkSize)
	case chunkSize < minChunkSize:
		return fmt.Errorf("segment size %d is below the %d byte minimum", chunkSize, minChunkSize)
	case chunkSize > maxChunkSize:
		return fmt.Errorf("segment size %d is above the %d byte maximum", chunkSize, maxChunkSize)
	default:
		return nil
	}
}

// ValidateTimeout enforces sane bounds on a configured request timeout.
func ValidateTimeout(timeoutSeconds int) error {
	const maxTimeout = 24 * 60 * 60 // 24 hours

	switch {
	case timeoutSeconds < 0:
		return fmt.Errorf("timeout %ds is negative", timeoutSeconds)
	case timeoutSeconds > maxTimeout:
		return fmt.Errorf("timeout %ds exceeds the %ds (24h) maximum", timeoutSeconds, maxTimeout)
	default:
		return nil
	}
}

var filenameReplacer = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_",
	"?", "_", "\"", "_", "<", "_", ">", "_", "|", "_",
)

const maxFilenameLength = 255

// SanitizeFilename strips characters that are unsafe as a path component on
// at least one common filesystem, and falls back to a generic name if
// nothing usable survives.
func SanitizeFilename(filename string) string {
	const fallback = "download"

	if filename == "" {
		return fallback
	}

	clean := strings.Trim(filenameReplacer.Replace(filename), " .")
	if clean == "" || strings.Trim(clean, "_") == "" {
		return fallback
	}

	if len(clean) > maxFilenameLength {
		ext := filepath.Ext(clean)
		clean = clean[:maxFilenameLength-len(ext)] + ext
	}

	return clean
}
