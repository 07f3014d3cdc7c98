package errors

import (
	"context"
	"errors"
	"testing"
)

func TestFromHTTPStatus(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{404, false},
		{500, true},
		{503, true},
		{429, true},
		{400, false},
	}

	for _, c := range cases {
		err := FromHTTPStatus(c.status, "https://example.com/f")
		if err.Kind != KindHTTPStatus {
			t.Fatalf("status %d: expected KindHTTPStatus, got %v", c.status, err.Kind)
		}
		if err.Retryable != c.retryable {
			t.Errorf("status %d: retryable = %v, want %v", c.status, err.Retryable, c.retryable)
		}
		if err.StatusCode != c.status {
			t.Errorf("status %d: StatusCode = %d", c.status, err.StatusCode)
		}
	}
}

func TestDownloadErrorIs(t *testing.T) {
	err := New(KindNoUrls, "no urls")
	if !errors.Is(err, ErrNoUrls) {
		t.Error("expected errors.Is to match ErrNoUrls")
	}

	wrapped := Wrap(ErrResumeMismatch, KindResumeMismatch, "mismatch")
	if !errors.Is(wrapped, ErrResumeMismatch) {
		t.Error("expected wrapped error to match ErrResumeMismatch via Unwrap")
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(New(KindCancelled, "cancelled")) {
		t.Error("cancelled errors must not be retryable")
	}
	if !IsRetryable(New(KindNetwork, "network blip")) {
		t.Error("network errors should be retryable")
	}
	if IsRetryable(context.Canceled) {
		t.Error("context.Canceled must not be retryable")
	}
}

func TestGetKind(t *testing.T) {
	if GetKind(errors.New("plain")) != KindUnknown {
		t.Error("plain errors should report KindUnknown")
	}
	if GetKind(New(KindTimeout, "t")) != KindTimeout {
		t.Error("expected KindTimeout")
	}
}
