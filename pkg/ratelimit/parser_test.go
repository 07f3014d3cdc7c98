package ratelimit

import (
	"testing"
)

func TestParseRate(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    int64
		expectError bool
	}{
		{
			name:        "plain number is bytes per second",
			input:       "1024",
			expected:    1024,
			expectError: false,
		},
		{
			name:        "zero means unlimited",
			input:       "0",
			expected:    0,
			expectError: false,
		},

		// A standalone "b" suffix isn't accepted: it would collide with the
		// single-letter k/m/g shorthands this grammar also parses.

		// Kilobytes
		{
			name:        "kilobytes",
			input:       "1K",
			expected:    1024,
			expectError: false,
		},
		{
			name:        "kilobytes lowercase",
			input:       "2k",
			expected:    2048,
			expectError: false,
		},
		{
			name:        "kilobytes with B",
			input:       "1KB",
			expected:    1024,
			expectError: false,
		},
		{
			name:        "kilobytes decimal",
			input:       "1.5K",
			expected:    1536,
			expectError: false,
		},

		// Megabytes
		{
			name:        "megabytes",
			input:       "1M",
			expected:    1024 * 1024,
			expectError: false,
		},
		{
			name:        "megabytes lowercase",
			input:       "2m",
			expected:    2 * 1024 * 1024,
			expectError: false,
		},
		{
			name:        "megabytes with B",
			input:       "1MB",
			expected:    1024 * 1024,
			expectError: false,
		},
		{
			name:        "megabytes decimal",
			input:       "2.5M",
			expected:    int64(2.5 * 1024 * 1024),
			expectError: false,
		},

		// Gigabytes
		{
			name:        "gigabytes",
			input:       "1G",
			expected:    1024 * 1024 * 1024,
			expectError: false,
		},
		{
			name:        "gigabytes lowercase",
			input:       "2g",
			expected:    2 * 1024 * 1024 * 1024,
			expectError: false,
		},
		{
			name:        "gigabytes with B",
			input:       "1GB",
			expected:    1024 * 1024 * 1024,
			expectError: false,
		},

		// Per-second rates
		{
			name:        "bytes per second",
			input:       "1024/s",
			expected:    1024,
			expectError: false,
		},
		{
			name:        "KB per second",
			input:       "1KB/s",
			expected:    1024,
			expectError: false,
		},
		{
			name:        "MB per second",
			input:       "10MB/s",
			expected:    10 * 1024 * 1024,
			expectError: false,
		},
		// Spaces between the number and unit aren't accepted here (unlike
		// ParseSegmentSize, which tolerates " 20 MB ").

		{
			name:        "empty string means unlimited",
			input:       "",
			expected:    0,
			expectError: false,
		},
		{
			name:        "invalid number",
			input:       "abc",
			expected:    0,
			expectError: true,
		},
		{
			name:        "invalid unit",
			input:       "1024X",
			expected:    0,
			expectError: true,
		},
		{
			name:        "negative number",
			input:       "-1024",
			expected:    0,
			expectError: true,
		},
		{
			name:        "invalid decimal",
			input:       "1.2.3M",
			expected:    0,
			expectError: true,
		},
		{
			name:        "invalid per second",
			input:       "1MB/hour",
			expected:    0,
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseRate(tt.input)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				}
				return
			}

			if err != nil {
				t.Errorf("Unexpected error: %v", err)
				return
			}

			if result != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, result)
			}
		})
	}
}

func TestFormatRate(t *testing.T) {
	tests := []struct {
		name     string
		input    int64
		expected string
	}{
		{
			name:     "zero",
			input:    0,
			expected: "unlimited",
		},
		{
			name:     "bytes",
			input:    512,
			expected: "512 bytes/s",
		},
		{
			name:     "exactly 1K",
			input:    1024,
			expected: "1KB/s",
		},
		{
			name:     "kilobytes",
			input:    2048,
			expected: "2KB/s",
		},
		{
			name:     "kilobytes decimal",
			input:    1536,
			expected: "1.5KB/s",
		},
		{
			name:     "exactly 1M",
			input:    1024 * 1024,
			expected: "1MB/s",
		},
		{
			name:     "megabytes",
			input:    2 * 1024 * 1024,
			expected: "2MB/s",
		},
		{
			name:     "megabytes decimal",
			input:    int64(2.5 * 1024 * 1024),
			expected: "2.5MB/s",
		},
		{
			name:     "exactly 1G",
			input:    1024 * 1024 * 1024,
			expected: "1GB/s",
		},
		{
			name:     "gigabytes",
			input:    2 * 1024 * 1024 * 1024,
			expected: "2GB/s",
		},
		{
			name:     "large bytes",
			input:    999,
			expected: "999 bytes/s",
		},
		{
			name:     "large kilobytes",
			input:    1023 * 1024,
			expected: "1023KB/s",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FormatRate(tt.input)
			if result != tt.expected {
				t.Errorf("Expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestValidateRate(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expectError bool
	}{
		{
			name:        "zero rate",
			input:       "0",
			expectError: false,
		},
		{
			name:        "positive rate",
			input:       "1024",
			expectError: false,
		},
		{
			name:        "valid KB rate",
			input:       "1KB",
			expectError: false,
		},
		{
			name:        "valid MB rate",
			input:       "10MB/s",
			expectError: false,
		},
		{
			name:        "negative rate",
			input:       "-1",
			expectError: true,
		},
		{
			name:        "invalid format",
			input:       "abc",
			expectError: true,
		},
		{
			name:        "invalid unit",
			input:       "1024X",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRate(tt.input)

			if tt.expectError && err == nil {
				t.Error("Expected error but got none")
			}

			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestParseRateRoundTrip(t *testing.T) {
	// Test that parsing and formatting is consistent
	testRates := []string{
		"1024",
		"1K",
		"2KB",
		"1.5M",
		"10MB/s",
		"1G",
	}

	for _, rateStr := range testRates {
		t.Run(rateStr, func(t *testing.T) {
			// Parse the rate
			parsed, err := ParseRate(rateStr)
			if err != nil {
				t.Fatalf("Failed to parse %q: %v", rateStr, err)
			}

			// Format it back
			formatted := FormatRate(parsed)

			// Parse the formatted string
			reparsed, err := ParseRate(formatted)
			if err != nil {
				t.Fatalf("Failed to reparse formatted rate %q: %v", formatted, err)
			}

			// Should be the same
			if parsed != reparsed {
				t.Errorf("Round-trip failed: %q -> %d -> %q -> %d", rateStr, parsed, formatted, reparsed)
			}
		})
	}
}
