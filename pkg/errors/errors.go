// Package errors defines the typed error taxonomy used across the download engine.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Sentinel errors usable with errors.Is().
var (
	ErrNoUrls           = errors.New("no urls provided")
	ErrSizeUnknown      = errors.New("server did not report a content length")
	ErrResumeRequired   = errors.New("output file exists without a resumable control record")
	ErrResumeMismatch   = errors.New("control record does not match current resource size")
	ErrSegmentsExhausted = errors.New("all segments failed after exhausting retry rounds")
	ErrCancelled        = errors.New("download cancelled")
)

// Kind classifies a DownloadError by disposition, mirroring the error table
// a caller uses to decide whether to retry, fail the task, or ignore.
type Kind int

const (
	KindUnknown Kind = iota
	KindSizeUnknown
	KindNoUrls
	KindResumeRequired
	KindResumeMismatch
	KindNetwork
	KindTimeout
	KindHTTPStatus
	KindSegmentsExhausted
	KindCancelled
	KindIO
	KindControlParse
	KindInsufficientSpace
)

func (k Kind) String() string {
	switch k {
	case KindSizeUnknown:
		return "size_unknown"
	case KindNoUrls:
		return "no_urls"
	case KindResumeRequired:
		return "resume_required"
	case KindResumeMismatch:
		return "resume_mismatch"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindHTTPStatus:
		return "http_status"
	case KindSegmentsExhausted:
		return "segments_exhausted"
	case KindCancelled:
		return "cancelled"
	case KindIO:
		return "io"
	case KindControlParse:
		return "control_parse"
	case KindInsufficientSpace:
		return "insufficient_space"
	default:
		return "unknown"
	}
}

// DownloadError is the structured error type returned by every engine component.
type DownloadError struct {
	Kind       Kind
	Message    string
	URL        string
	StatusCode int
	Retryable  bool
	Underlying error
}

func (e *DownloadError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Underlying != nil {
		return e.Underlying.Error()
	}
	return e.Kind.String()
}

func (e *DownloadError) Unwrap() error {
	return e.Underlying
}

func (e *DownloadError) Is(target error) bool {
	if e.Underlying != nil && errors.Is(e.Underlying, target) {
		return true
	}
	switch e.Kind {
	case KindNoUrls:
		return errors.Is(target, ErrNoUrls)
	case KindSizeUnknown:
		return errors.Is(target, ErrSizeUnknown)
	case KindResumeRequired:
		return errors.Is(target, ErrResumeRequired)
	case KindResumeMismatch:
		return errors.Is(target, ErrResumeMismatch)
	case KindSegmentsExhausted:
		return errors.Is(target, ErrSegmentsExhausted)
	case KindCancelled:
		return errors.Is(target, ErrCancelled)
	}
	return false
}

// New creates a DownloadError of the given kind.
func New(kind Kind, message string) *DownloadError {
	return &DownloadError{Kind: kind, Message: message, Retryable: isRetryableKind(kind)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(underlying error, kind Kind, message string) *DownloadError {
	return &DownloadError{
		Kind:       kind,
		Message:    message,
		Underlying: underlying,
		Retryable:  isRetryableKind(kind) || isRetryableError(underlying),
	}
}

// WrapURL is Wrap plus the URL that produced the error.
func WrapURL(underlying error, kind Kind, message, sourceURL string) *DownloadError {
	e := Wrap(underlying, kind, message)
	e.URL = sourceURL
	return e
}

// FromHTTPStatus classifies a response status code into a DownloadError.
func FromHTTPStatus(statusCode int, sourceURL string) *DownloadError {
	retryable := IsRetryableHTTPStatus(statusCode)
	return &DownloadError{
		Kind:       KindHTTPStatus,
		Message:    fmt.Sprintf("unexpected HTTP status %d", statusCode),
		URL:        sourceURL,
		StatusCode: statusCode,
		Retryable:  retryable,
	}
}

func isRetryableKind(kind Kind) bool {
	switch kind {
	case KindNetwork, KindTimeout, KindHTTPStatus:
		return true
	default:
		return false
	}
}

func isNetworkRetryable(err error) bool {
	errStr := strings.ToLower(err.Error())
	patterns := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"i/o timeout",
		"network is unreachable",
		"no route to host",
		"broken pipe",
		"connection aborted",
	}
	for _, p := range patterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		type temporary interface{ Temporary() bool }
		if t, ok := netErr.(temporary); ok {
			return t.Temporary()
		}
		return isNetworkRetryable(err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return isRetryableError(urlErr.Err)
	}
	return false
}

// IsRetryable reports whether err (a DownloadError or a plain error) warrants a retry.
func IsRetryable(err error) bool {
	var de *DownloadError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return isRetryableError(err)
}

// GetKind extracts the Kind from err, or KindUnknown if err is not a DownloadError.
func GetKind(err error) Kind {
	var de *DownloadError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}
