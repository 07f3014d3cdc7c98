// Package fetcher issues the HTTP(S) requests a Download Task needs: size
// probes, range-support probes, and streamed ranged or full fetches, with
// bounded redirect following and a per-request retry budget.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/forest6511/paradl/internal/retry"
	pkgerrors "github.com/forest6511/paradl/pkg/errors"
	"github.com/forest6511/paradl/pkg/ratelimit"
	"github.com/forest6511/paradl/pkg/validation"
)

const (
	maxRedirects  = 5
	streamBufSize = 32 * 1024
)

// RedirectFunc is invoked for each followed redirect hop where the source
// and destination URLs differ.
type RedirectFunc func(from, to string)

// Fetcher issues the requests one Download Task needs against one or more
// mirror URLs.
type Fetcher struct {
	client        *http.Client
	headers       map[string]string
	retries       int
	retryStrategy retry.Strategy
	limiter       ratelimit.Limiter
	onRedirect    RedirectFunc
}

// Options configures a Fetcher.
type Options struct {
	Timeout    time.Duration
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
	Limiter    ratelimit.Limiter
	OnRedirect RedirectFunc
}

// New builds a Fetcher. A nil Limiter is treated as unlimited.
func New(opts Options) *Fetcher {
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.NewNullLimiter()
	}

	f := &Fetcher{
		headers:       opts.Headers,
		retries:       opts.Retries,
		retryStrategy: retry.NewExponentialBackoff(opts.RetryDelay),
		limiter:       limiter,
		onRedirect:    opts.OnRedirect,
	}

	f.client = &http.Client{
		Timeout:       opts.Timeout,
		CheckRedirect: f.checkRedirect,
	}
	return f
}

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("fetcher: stopped after %d redirects", maxRedirects)
	}
	if f.onRedirect != nil && len(via) > 0 {
		prev := via[len(via)-1]
		if prev.URL.String() != req.URL.String() {
			f.onRedirect(prev.URL.String(), req.URL.String())
		}
	}
	return nil
}

func (f *Fetcher) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetcher: building request: %w", err)
	}
	for k, v := range f.headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// ProbeSize issues a HEAD and reads Content-Length. Fails with SizeUnknown
// if the header is absent.
func (f *Fetcher) ProbeSize(ctx context.Context, url string) (int64, error) {
	var size int64
	err := f.withRetries(ctx, func() error {
		req, err := f.newRequest(ctx, http.MethodHead, url)
		if err != nil {
			return err
		}
		resp, err := f.client.Do(req)
		if err != nil {
			return classifyTransportError(err, url)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			return pkgerrors.FromHTTPStatus(resp.StatusCode, url)
		}
		if resp.ContentLength <= 0 {
			return pkgerrors.WrapURL(pkgerrors.ErrSizeUnknown, pkgerrors.KindSizeUnknown, "server did not report a content length", url)
		}
		if err := validation.ValidateFileSize(resp.ContentLength); err != nil {
			return pkgerrors.WrapURL(err, pkgerrors.KindSizeUnknown, "reported content length rejected", url)
		}
		size = resp.ContentLength
		return nil
	})
	return size, err
}

// ProbeRangeSupport issues a HEAD with Range: bytes=0-0 and reports true iff
// the response status is 206. Any other outcome, including a network error,
// is reported as false.
func (f *Fetcher) ProbeRangeSupport(ctx context.Context, url string) bool {
	req, err := f.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return false
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := f.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusPartialContent
}

// ChunkWriter is called with each chunk of body bytes read from a fetch, in
// order. It must complete before more bytes are consumed from the response
// body (back-pressure is mandatory).
type ChunkWriter func(chunk []byte) error

// ByteReporter is called after each ChunkWriter invocation with the
// cumulative byte count received so far in this fetch.
type ByteReporter func(cumulative int64)

// FetchRange performs a ranged GET for [start, end] (inclusive), streaming
// the body through writeChunk and reporting cumulative progress through
// reportBytes, cumulative across the whole call. A retry after a mid-body
// read failure recomputes the Range header from the bytes already
// delivered, so a retried attempt asks the server for exactly the bytes
// writeChunk has not yet received; it never redelivers, and the caller's
// own write offset can keep accumulating across attempts undisturbed.
func (f *Fetcher) FetchRange(ctx context.Context, url string, start, end int64, writeChunk ChunkWriter, reportBytes ByteReporter) error {
	var delivered int64
	return f.withRetries(ctx, func() error {
		var attemptBytes int64
		rangeHeader := fmt.Sprintf("bytes=%d-%d", start+delivered, end)
		err := f.stream(ctx, url, rangeHeader, func(chunk []byte) error {
			if err := writeChunk(chunk); err != nil {
				return err
			}
			attemptBytes += int64(len(chunk))
			return nil
		}, func(cumulative int64) {
			if reportBytes != nil {
				reportBytes(delivered + cumulative)
			}
		})
		delivered += attemptBytes
		return err
	})
}

// FetchFull performs a full GET (no Range header), for servers that do not
// support byte ranges. Because the body can't be resumed mid-stream, a
// retried attempt always restarts it from byte zero; onAttempt is called
// before every attempt, including the first, so the caller can reset any
// write position it maintains across calls to writeChunk rather than
// keep accumulating it across a failed attempt's partial bytes.
func (f *Fetcher) FetchFull(ctx context.Context, url string, onAttempt func(), writeChunk ChunkWriter, reportBytes ByteReporter) error {
	return f.withRetries(ctx, func() error {
		if onAttempt != nil {
			onAttempt()
		}
		return f.stream(ctx, url, "", writeChunk, reportBytes)
	})
}

func (f *Fetcher) stream(ctx context.Context, url, rangeHeader string, writeChunk ChunkWriter, reportBytes ByteReporter) error {
	req, err := f.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return err
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return classifyTransportError(err, url)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return pkgerrors.FromHTTPStatus(resp.StatusCode, url)
	}

	buf := make([]byte, streamBufSize)
	var cumulative int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if err := writeChunk(buf[:n]); err != nil {
				return fmt.Errorf("fetcher: writing chunk: %w", err)
			}
			cumulative += int64(n)
			if reportBytes != nil {
				reportBytes(cumulative)
			}
			if err := f.limiter.Wait(ctx, n); err != nil {
				return classifyTransportError(err, url)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return classifyTransportError(readErr, url)
		}
	}
}

// withRetries applies the configured retry budget, spacing attempts out
// with f.retryStrategy (exponential backoff with jitter, so the many
// segments one task can have in flight against the same mirror don't all
// retry in lockstep). Context cancellation is never retried.
func (f *Fetcher) withRetries(ctx context.Context, attempt func() error) error {
	var lastErr error
	for try := 0; try <= f.retries; try++ {
		if err := ctx.Err(); err != nil {
			return pkgerrors.Wrap(err, pkgerrors.KindCancelled, "fetch cancelled")
		}

		lastErr = attempt()
		if lastErr == nil {
			return nil
		}
		if !pkgerrors.IsRetryable(lastErr) {
			return lastErr
		}
		if try < f.retries {
			select {
			case <-ctx.Done():
				return pkgerrors.Wrap(ctx.Err(), pkgerrors.KindCancelled, "fetch cancelled")
			case <-time.After(f.retryStrategy.NextDelay(try)):
			}
		}
	}
	return lastErr
}

func classifyTransportError(err error, url string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return pkgerrors.WrapURL(err, pkgerrors.KindCancelled, "request cancelled", url)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return pkgerrors.WrapURL(err, pkgerrors.KindTimeout, "request timed out", url)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return pkgerrors.WrapURL(err, pkgerrors.KindTimeout, "request timed out", url)
	}
	return pkgerrors.WrapURL(err, pkgerrors.KindNetwork, "request failed", url)
}
