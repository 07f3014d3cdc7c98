// Package task implements the Download Task: the orchestrator of a single
// download, from size probing through segmented fetch scheduling to
// completion, pause/resume/cancel, and lifecycle event emission.
package task

import (
	"context"
	"errors"
	"net/url"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/forest6511/paradl/internal/chunker"
	"github.com/forest6511/paradl/internal/control"
	"github.com/forest6511/paradl/internal/fetcher"
	pkgerrors "github.com/forest6511/paradl/pkg/errors"
	"github.com/forest6511/paradl/pkg/events"
	"github.com/forest6511/paradl/pkg/progress"
	"github.com/forest6511/paradl/pkg/ratelimit"
	"github.com/forest6511/paradl/pkg/types"
)

const (
	maxFailedSegmentRounds  = 3
	failedSegmentBackoffMin = 500 * time.Millisecond
	defaultOutputName       = "download"
)

// Options configures a Task. It mirrors the subset of Config relevant to one
// download.
type Options struct {
	URLs                    []string
	OutputDirectory         string
	Filename                string
	SegmentSize             int64
	MaxSplits               int
	MaxConnectionsPerServer int
	Timeout                 time.Duration
	Retries                 int
	RetryDelay              time.Duration
	Headers                 map[string]string
	FileAllocation          types.FileAllocation
	ResumeDownloads         bool
	AlwaysResume            bool
	AutoSaveInterval        time.Duration
	MaxDownloadSpeed        int64
	ControlBackend          string

	// Store overrides the Control Store selected by ControlBackend. Tests
	// use this to inject a store that fails deterministically; production
	// callers leave it nil and get control.New(ControlBackend, ...).
	Store control.Store
}

// Task is one download's orchestrator: owns a Chunk Manager, a Fetcher, and
// an event emitter, and exposes pause/resume/cancel.
type Task struct {
	id     string
	opts   Options
	fetch  *fetcher.Fetcher
	chunks *chunker.Manager
	prog   *progress.Manager
	events *events.Emitter

	mu   sync.Mutex
	info types.TaskInfo

	cancelFn context.CancelFunc

	paused   atomic.Bool
	resumeCh chan struct{}
	resumeMu sync.Mutex

	roundRobin uint64

	lastEmittedPercent float64
	lastEmitTime       time.Time

	autoSaveCancel context.CancelFunc
	saving         atomic.Bool
}

// New constructs a Task in the pending state. Call Start to run it.
func New(opts Options) *Task {
	t := &Task{
		id:       uuid.NewString(),
		opts:     opts,
		events:   events.New(),
		resumeCh: make(chan struct{}),
	}
	t.info = types.TaskInfo{
		ID:     t.id,
		URLs:   opts.URLs,
		Status: types.TaskPending,
	}
	return t
}

// ID returns the task's stable identifier.
func (t *Task) ID() string { return t.id }

// Events returns the task's event emitter, for the Downloader to forward.
func (t *Task) Events() *events.Emitter { return t.events }

// Info returns a snapshot of the task's externally observable state.
func (t *Task) Info() types.TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info := t.info
	if t.chunks != nil {
		info.Segments = t.chunks.Segments()
		info.Progress = t.prog.Snapshot()
	}
	return info
}

func (t *Task) setStatus(status types.TaskStatus) {
	t.mu.Lock()
	t.info.Status = status
	t.mu.Unlock()
}

// Start runs the task's full lifecycle synchronously; the Downloader is
// expected to run this on a scheduler-controlled goroutine.
func (t *Task) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancelFn = cancel
	defer cancel()

	t.mu.Lock()
	t.info.Status = types.TaskDownloading
	t.info.StartTime = time.Now()
	t.mu.Unlock()

	err := t.run(ctx)

	t.stopAutoSave()

	if err != nil {
		if pkgerrors.GetKind(err) == pkgerrors.KindCancelled {
			t.setStatus(types.TaskCancelled)
			t.emit(types.EventCancel, nil)
			if t.chunks != nil {
				_ = t.chunks.Cleanup(false)
			}
			return nil
		}

		t.mu.Lock()
		t.info.Status = types.TaskFailed
		t.info.Err = err
		t.info.EndTime = time.Now()
		t.mu.Unlock()

		if t.chunks != nil {
			_ = t.chunks.SaveProgress()
			_ = t.chunks.Cleanup(false)
		}
		t.emit(types.EventError, err)
		return err
	}

	t.mu.Lock()
	t.info.Status = types.TaskCompleted
	t.info.EndTime = time.Now()
	t.mu.Unlock()

	if t.chunks != nil {
		_ = t.chunks.Cleanup(true)
	}
	t.emitProgress(true)
	t.emit(types.EventComplete, nil)
	return nil
}

func (t *Task) run(ctx context.Context) error {
	urls := t.opts.URLs
	if len(urls) == 0 {
		return pkgerrors.New(pkgerrors.KindNoUrls, "no urls provided")
	}

	var limiter ratelimit.Limiter
	if t.opts.MaxDownloadSpeed > 0 {
		limiter = ratelimit.NewBandwidthLimiter(t.opts.MaxDownloadSpeed)
	} else {
		limiter = ratelimit.NewNullLimiter()
	}

	t.fetch = fetcher.New(fetcher.Options{
		Timeout:    t.opts.Timeout,
		Headers:    t.opts.Headers,
		Retries:    t.opts.Retries,
		RetryDelay: t.opts.RetryDelay,
		Limiter:    limiter,
		OnRedirect: func(from, to string) {
			t.events.Emit(types.Event{
				Type:      types.EventRedirect,
				TaskID:    t.id,
				Timestamp: time.Now(),
				Redirect:  &types.RedirectInfo{From: from, To: to},
			})
		},
	})

	size, err := t.fetch.ProbeSize(ctx, urls[0])
	if err != nil {
		return err
	}
	if size <= 0 {
		return pkgerrors.New(pkgerrors.KindSizeUnknown, "server reported a non-positive size")
	}

	outputPath := t.resolveOutputPath(urls[0])

	t.mu.Lock()
	t.info.Filename = filepath.Base(outputPath)
	t.info.OutputPath = outputPath
	t.info.TotalSize = size
	t.mu.Unlock()

	// The range probe decides whether the Chunk Manager should split at all:
	// a server without range support gets exactly one segment spanning the
	// whole file, so the single-stream path always has "the lone segment".
	rangeSupported := t.fetch.ProbeRangeSupport(ctx, urls[0])
	maxSplits := t.opts.MaxSplits
	segmentSize := t.opts.SegmentSize
	if !rangeSupported {
		maxSplits = 1
		segmentSize = size
	}

	store := t.opts.Store
	if store == nil {
		store = control.New(t.opts.ControlBackend, outputPath)
	}
	chunks, err := chunker.Initialize(chunker.Options{
		TotalSize:       size,
		SegmentSize:     segmentSize,
		MaxSplits:       maxSplits,
		OutputPath:      outputPath,
		URLs:            urls,
		FileAllocation:  t.opts.FileAllocation,
		ResumeDownloads: t.opts.ResumeDownloads,
		AlwaysResume:    t.opts.AlwaysResume,
		Store:           store,
	})
	if err != nil {
		return err
	}
	t.chunks = chunks
	t.prog = progress.NewManager(size)

	t.startAutoSave(ctx)
	t.emit(types.EventStart, nil)

	if !rangeSupported {
		return t.runSingleStream(ctx, urls[0])
	}
	return t.runSegmented(ctx, urls)
}

func (t *Task) resolveOutputPath(rawURL string) string {
	filename := t.opts.Filename
	if filename == "" {
		filename = deriveFilename(rawURL)
	}
	dir := t.opts.OutputDirectory
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, filename)
}

func deriveFilename(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return defaultOutputName
	}
	base := path.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		return defaultOutputName
	}
	decoded, err := url.PathUnescape(base)
	if err != nil {
		return base
	}
	return decoded
}

// runSingleStream handles the no-range-support path: one segment, one full
// fetch, streamed straight through to the writer.
func (t *Task) runSingleStream(ctx context.Context, sourceURL string) error {
	seg, ok := t.chunks.GetNextPending()
	if !ok {
		return nil // already complete from a prior resumed run
	}
	i := seg.Index
	t.chunks.MarkDownloading(i)

	offset := seg.DownloadedBytes
	err := t.fetch.FetchFull(ctx, sourceURL, func() {
		// A retried attempt restarts the whole body from byte zero, so the
		// write position has to rewind with it.
		offset = seg.DownloadedBytes
	}, func(chunk []byte) error {
		if err := t.chunks.WriteChunkAt(i, offset, chunk); err != nil {
			return err
		}
		offset += int64(len(chunk))
		return nil
	}, func(cumulative int64) {
		t.chunks.UpdateSegmentProgress(i, seg.DownloadedBytes+cumulative)
		t.emitProgress(false)
	})

	if err != nil {
		if pkgerrors.GetKind(err) == pkgerrors.KindCancelled {
			return err
		}
		t.chunks.MarkFailed(i)
		t.emitSegment(types.EventSegmentError, t.segmentByIndex(i))
		return err
	}

	if err := t.chunks.MarkCompleted(i); err != nil {
		return err
	}
	t.emitSegment(types.EventSegmentComplete, t.segmentByIndex(i))
	return nil
}

// runSegmented handles the range-supported path: a bounded-concurrency
// scheduler dispatching one job per pending segment, rotating across mirror
// URLs, with a bounded backoff-and-retry policy when every segment fails.
func (t *Task) runSegmented(ctx context.Context, urls []string) error {
	// A separate cancel cause lets a Control Store failure inside a segment
	// job (fatal: SPEC_FULL classifies it as a task failure, not an ordinary
	// failed segment) unblock this loop without being mistaken for a
	// caller-initiated Cancel. context.Cause distinguishes the two below.
	ctx, failTask := context.WithCancelCause(ctx)
	defer failTask(nil)

	sem := semaphore.NewWeighted(int64(maxConnections(t.opts.MaxConnectionsPerServer)))
	var wg sync.WaitGroup
	jobDone := make(chan struct{}, 1)
	failedRounds := 0

	notifyDone := func() {
		select {
		case jobDone <- struct{}{}:
		default:
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			wg.Wait()
			return t.segmentedLoopError(ctx, err)
		}

		if t.paused.Load() {
			select {
			case <-ctx.Done():
			case <-t.waitResumeChan():
			}
			continue
		}

		if t.chunks.AllComplete() {
			wg.Wait()
			return nil
		}

		if t.chunks.AllFailed() {
			failedRounds++
			if failedRounds > maxFailedSegmentRounds {
				wg.Wait()
				return pkgerrors.New(pkgerrors.KindSegmentsExhausted, "all segments failed after exhausting retry rounds")
			}
			select {
			case <-ctx.Done():
				continue
			case <-time.After(failedSegmentBackoffMin * time.Duration(failedRounds)):
			}
			t.chunks.ResetFailedToPending()
			continue
		}

		seg, ok := t.chunks.GetNextPending()
		if !ok {
			select {
			case <-ctx.Done():
			case <-jobDone:
			}
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return t.segmentedLoopError(ctx, err)
		}

		t.chunks.MarkDownloading(seg.Index)
		wg.Add(1)
		go func(i int, initialBytes int64) {
			defer wg.Done()
			defer sem.Release(1)
			defer notifyDone()
			t.runSegmentJob(ctx, urls, i, initialBytes, failTask)
		}(seg.Index, seg.DownloadedBytes)
	}
}

// runSegmentJob fetches one segment. failTask is called, instead of the
// ordinary MarkFailed/segment-error path, when the Control Store itself
// fails to persist a completed segment: that is a task-level failure per
// the error table, not one this segment can recover from by being retried.
func (t *Task) runSegmentJob(ctx context.Context, urls []string, i int, initialBytes int64, failTask context.CancelCauseFunc) {
	seg := t.segmentByIndex(i)
	if seg == nil {
		return
	}
	sourceURL := urls[t.nextMirrorIndex()%uint64(len(urls))]

	offset := initialBytes
	err := t.fetch.FetchRange(ctx, sourceURL, seg.StartByte+initialBytes, seg.EndByte, func(chunk []byte) error {
		if err := t.chunks.WriteChunkAt(i, offset, chunk); err != nil {
			return err
		}
		offset += int64(len(chunk))
		return nil
	}, func(cumulative int64) {
		t.chunks.UpdateSegmentProgress(i, initialBytes+cumulative)
		t.emitProgress(false)
	})

	if err != nil {
		if pkgerrors.GetKind(err) == pkgerrors.KindCancelled {
			return
		}
		t.chunks.MarkFailed(i)
		t.emitSegment(types.EventSegmentError, t.segmentByIndex(i))
		return
	}

	if err := t.chunks.MarkCompleted(i); err != nil {
		failTask(pkgerrors.Wrap(err, pkgerrors.KindControlParse, "control store failed to persist completed segment"))
		return
	}
	t.emitSegment(types.EventSegmentComplete, t.segmentByIndex(i))
}

// segmentedLoopError classifies why the scheduler loop's context ended: a
// failTask cause (a Control Store failure surfaced by a segment job) is
// returned as-is so it fails the task with its real kind, rather than being
// flattened into an ordinary KindCancelled the way a caller-initiated Cancel
// or a parent context deadline is.
func (t *Task) segmentedLoopError(ctx context.Context, ctxErr error) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) && !errors.Is(cause, context.DeadlineExceeded) {
		return cause
	}
	return pkgerrors.Wrap(ctxErr, pkgerrors.KindCancelled, "task cancelled")
}

func (t *Task) segmentByIndex(i int) *types.Segment {
	for _, s := range t.chunks.Segments() {
		if s.Index == i {
			return s
		}
	}
	return nil
}

func (t *Task) nextMirrorIndex() uint64 {
	return atomic.AddUint64(&t.roundRobin, 1) - 1
}

func maxConnections(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// Pause prevents new segments from being scheduled; in-flight fetches
// continue.
func (t *Task) Pause() {
	if t.paused.CompareAndSwap(false, true) {
		t.resumeMu.Lock()
		t.resumeCh = make(chan struct{})
		t.resumeMu.Unlock()
		t.setStatus(types.TaskPaused)
		t.emit(types.EventPause, nil)
	}
}

// Resume releases a paused task's scheduling loop.
func (t *Task) Resume() {
	if t.paused.CompareAndSwap(true, false) {
		t.resumeMu.Lock()
		close(t.resumeCh)
		t.resumeMu.Unlock()
		t.setStatus(types.TaskDownloading)
		t.emit(types.EventResume, nil)
	}
}

func (t *Task) waitResumeChan() <-chan struct{} {
	t.resumeMu.Lock()
	defer t.resumeMu.Unlock()
	return t.resumeCh
}

// Cancel aborts the task's context, unblocking in-flight fetches and the
// scheduling loop.
func (t *Task) Cancel() {
	if t.cancelFn != nil {
		t.cancelFn()
	}
	// A cancel during pause must be observed immediately.
	t.Resume()
}

func (t *Task) startAutoSave(ctx context.Context) {
	if !t.opts.ResumeDownloads || t.opts.AutoSaveInterval <= 0 {
		return
	}
	saveCtx, cancel := context.WithCancel(ctx)
	t.autoSaveCancel = cancel

	go func() {
		ticker := time.NewTicker(t.opts.AutoSaveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-saveCtx.Done():
				return
			case <-ticker.C:
				if t.saving.CompareAndSwap(false, true) {
					_ = t.chunks.SaveProgress()
					t.saving.Store(false)
				}
			}
		}
	}()
}

func (t *Task) stopAutoSave() {
	if t.autoSaveCancel != nil {
		t.autoSaveCancel()
	}
}

func (t *Task) emit(eventType types.EventType, err error) {
	t.events.Emit(types.Event{
		Type:      eventType,
		TaskID:    t.id,
		Timestamp: time.Now(),
		Err:       err,
	})
}

func (t *Task) emitSegment(eventType types.EventType, seg *types.Segment) {
	t.events.Emit(types.Event{
		Type:      eventType,
		TaskID:    t.id,
		Timestamp: time.Now(),
		Segment:   seg,
	})
}

func (t *Task) emitProgress(forced bool) {
	snap := t.prog.Update(t.chunks.DownloadedBytes())

	t.mu.Lock()
	should := progress.ShouldEmit(forced, snap.Percent, t.lastEmittedPercent, time.Now(), t.lastEmitTime)
	if should {
		t.lastEmittedPercent = snap.Percent
		t.lastEmitTime = time.Now()
	}
	t.mu.Unlock()

	if !should {
		return
	}
	progressCopy := snap
	t.events.Emit(types.Event{
		Type:      types.EventProgress,
		TaskID:    t.id,
		Timestamp: time.Now(),
		Progress:  &progressCopy,
	})
}
