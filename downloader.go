// Package paradl is a resumable, segmented HTTP(S) file downloader. A
// Downloader coordinates concurrently running Download Tasks, forwards
// their lifecycle events, and exposes bulk pause/resume/cancel operations.
package paradl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/forest6511/paradl/internal/task"
	"github.com/forest6511/paradl/pkg/config"
	"github.com/forest6511/paradl/pkg/events"
	"github.com/forest6511/paradl/pkg/types"
)

// Options describes one download request.
type Options struct {
	URLs             []string
	OutputDirectory  string
	Filename         string
	MaxDownloadSpeed int64
}

// Handle is returned by Download; it identifies the task and resolves once
// the task's scheduled job has finished and its registry entry is removed.
type Handle struct {
	ID   string
	done chan error
}

// Wait blocks until the task finishes, returning its terminal error (nil on
// success or clean cancellation).
func (h *Handle) Wait() error {
	return <-h.done
}

// Downloader owns a task registry and a bounded scheduler capping how many
// tasks run concurrently.
type Downloader struct {
	cfg *config.Config
	sem *semaphore.Weighted

	mu    sync.Mutex
	tasks map[string]*task.Task

	events *events.Emitter
}

// New builds a Downloader from cfg. A nil cfg uses config.DefaultConfig().
func New(cfg *config.Config) *Downloader {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Downloader{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(maxConcurrency(cfg.MaxConcurrentDownloads))),
		tasks:  make(map[string]*task.Task),
		events: events.New(),
	}
}

func maxConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// On registers a listener for every task's lifecycle event.
func (d *Downloader) On(listener events.Listener) {
	d.events.On(listener)
}

// Download constructs a task, forwards its events onto the Downloader's
// emitter, and schedules it to run as soon as a scheduler slot is free. It
// returns immediately with a Handle; call Wait to block for completion.
func (d *Downloader) Download(ctx context.Context, opts Options) (*Handle, error) {
	if len(opts.URLs) == 0 {
		return nil, fmt.Errorf("paradl: at least one URL is required")
	}

	outputDir := opts.OutputDirectory
	if outputDir == "" {
		outputDir = d.cfg.OutputDirectory
	}

	t := task.New(task.Options{
		URLs:                    opts.URLs,
		OutputDirectory:         outputDir,
		Filename:                opts.Filename,
		SegmentSize:             int64(d.cfg.SegmentSize),
		MaxSplits:               d.cfg.Split,
		MaxConnectionsPerServer: d.cfg.MaxConnectionsPerServer,
		Timeout:                 d.cfg.Timeout,
		Retries:                 d.cfg.Retries,
		RetryDelay:              d.cfg.RetryDelay,
		Headers:                 d.cfg.Headers,
		FileAllocation:          d.cfg.FileAllocation,
		ResumeDownloads:         d.cfg.ResumeDownloads,
		AlwaysResume:            d.cfg.AlwaysResume,
		AutoSaveInterval:        d.cfg.AutoSaveInterval,
		MaxDownloadSpeed:        firstNonZero(opts.MaxDownloadSpeed, d.cfg.MaxDownloadSpeed),
		ControlBackend:          d.cfg.ControlBackend,
	})

	d.events.Forward(t.Events())

	d.mu.Lock()
	d.tasks[t.ID()] = t
	d.mu.Unlock()

	handle := &Handle{ID: t.ID(), done: make(chan error, 1)}

	go func() {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			handle.done <- err
			d.removeTask(t.ID())
			return
		}
		defer d.sem.Release(1)

		err := t.Start(ctx)

		d.removeTask(t.ID())
		handle.done <- err
	}()

	return handle, nil
}

// DownloadAndWait is Download followed by Wait.
func (d *Downloader) DownloadAndWait(ctx context.Context, opts Options) error {
	handle, err := d.Download(ctx, opts)
	if err != nil {
		return err
	}
	return handle.Wait()
}

func (d *Downloader) removeTask(id string) {
	d.mu.Lock()
	delete(d.tasks, id)
	d.mu.Unlock()
}

// Task returns the running task for id, if present.
func (d *Downloader) Task(id string) (*task.Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[id]
	return t, ok
}

// Pause forwards to the task's Pause, if it is currently registered.
func (d *Downloader) Pause(id string) error {
	t, ok := d.Task(id)
	if !ok {
		return fmt.Errorf("paradl: no active task %s", id)
	}
	t.Pause()
	return nil
}

// Resume forwards to the task's Resume, if it is currently registered.
func (d *Downloader) Resume(id string) error {
	t, ok := d.Task(id)
	if !ok {
		return fmt.Errorf("paradl: no active task %s", id)
	}
	t.Resume()
	return nil
}

// Cancel forwards to the task's Cancel, if it is currently registered.
func (d *Downloader) Cancel(id string) error {
	t, ok := d.Task(id)
	if !ok {
		return fmt.Errorf("paradl: no active task %s", id)
	}
	t.Cancel()
	return nil
}

// PauseAll pauses every registered task.
func (d *Downloader) PauseAll() {
	for _, t := range d.snapshotTasks() {
		t.Pause()
	}
}

// ResumeAll resumes every registered task.
func (d *Downloader) ResumeAll() {
	for _, t := range d.snapshotTasks() {
		t.Resume()
	}
}

// CancelAll cancels every registered task.
func (d *Downloader) CancelAll() {
	for _, t := range d.snapshotTasks() {
		t.Cancel()
	}
}

func (d *Downloader) snapshotTasks() []*task.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	tasks := make([]*task.Task, 0, len(d.tasks))
	for _, t := range d.tasks {
		tasks = append(tasks, t)
	}
	return tasks
}

// ActiveTasks returns TaskInfo snapshots for every currently registered task.
func (d *Downloader) ActiveTasks() []types.TaskInfo {
	tasks := d.snapshotTasks()
	infos := make([]types.TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		infos = append(infos, t.Info())
	}
	return infos
}

func firstNonZero(values ...int64) int64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

// AwaitDrain waits up to timeout for the task registry to empty. cmd/paradl
// calls this after CancelAll on SIGINT, to let in-flight control-file saves
// finish before the process exits.
func (d *Downloader) AwaitDrain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		empty := len(d.tasks) == 0
		d.mu.Unlock()
		if empty {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
}
