package ratelimit

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ParseRate parses a --max-rate / MaxDownloadSpeed value into bytes per
// second. Accepts a plain byte count ("1048576"), a k/kb, m/mb, or g/gb
// suffix ("1MB", "500k", "2g"), case-insensitively, with an optional "/s"
// ("1MB/s"). Unlike ParseSegmentSize, a standalone "B" suffix is not
// accepted here: "b" would collide with the case-insensitive "k"/"m"/"g"
// single-letter unit shorthands this format also has to support.
// Returns 0, nil for "" or "0" (unlimited).
func ParseRate(rateStr string) (int64, error) {
	if rateStr == "" || rateStr == "0" {
		return 0, nil
	}

	rateStr = strings.TrimSpace(strings.ToLower(rateStr))
	rateStr = strings.TrimSuffix(rateStr, "/s")

	re := regexp.MustCompile(`^(\d*\.?\d+)(k|kb|m|mb|g|gb)?$`)
	matches := re.FindStringSubmatch(rateStr)
	if len(matches) < 2 {
		return 0, fmt.Errorf("ratelimit: invalid rate %q (examples: 1MB/s, 500k, 2048)", rateStr)
	}

	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("ratelimit: invalid number in rate %q", matches[1])
	}
	if num < 0 {
		return 0, fmt.Errorf("ratelimit: rate cannot be negative: %f", num)
	}

	multiplier := int64(1)
	if unit := matches[2]; unit != "" {
		switch unit {
		case "k", "kb":
			multiplier = 1024
		case "m", "mb":
			multiplier = 1024 * 1024
		case "g", "gb":
			multiplier = 1024 * 1024 * 1024
		default:
			return 0, fmt.Errorf("ratelimit: unsupported unit %q (supported: k, kb, m, mb, g, gb)", unit)
		}
	}

	result := int64(num * float64(multiplier))
	if result > 0 && result < 1 {
		return 0, fmt.Errorf("ratelimit: rate too small: %d bytes/s (minimum: 1 byte/s)", result)
	}
	return result, nil
}

// FormatRate renders bytesPerSec the way a progress bar or log line reports
// MaxDownloadSpeed: the largest whole unit that divides evenly, one decimal
// place otherwise.
func FormatRate(bytesPerSec int64) string {
	if bytesPerSec == 0 {
		return "unlimited"
	}

	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)

	switch {
	case bytesPerSec >= gb:
		if bytesPerSec%gb == 0 {
			return fmt.Sprintf("%dGB/s", bytesPerSec/gb)
		}
		return fmt.Sprintf("%.1fGB/s", float64(bytesPerSec)/float64(gb))
	case bytesPerSec >= mb:
		if bytesPerSec%mb == 0 {
			return fmt.Sprintf("%dMB/s", bytesPerSec/mb)
		}
		return fmt.Sprintf("%.1fMB/s", float64(bytesPerSec)/float64(mb))
	case bytesPerSec >= kb:
		if bytesPerSec%kb == 0 {
			return fmt.Sprintf("%dKB/s", bytesPerSec/kb)
		}
		return fmt.Sprintf("%.1fKB/s", float64(bytesPerSec)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes/s", bytesPerSec)
	}
}

// ValidateRate reports whether rateStr would be accepted by ParseRate,
// without needing the parsed value.
func ValidateRate(rateStr string) error {
	_, err := ParseRate(rateStr)
	return err
}
