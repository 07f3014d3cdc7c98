// Package chunker is the segmentation authority: it plans byte-range
// segments for a download, reconciles them against a persisted control
// record on resume, and mediates every write through the File Writer while
// keeping the Control Store's view of progress current.
package chunker

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/forest6511/paradl/internal/control"
	"github.com/forest6511/paradl/internal/writer"
	pkgerrors "github.com/forest6511/paradl/pkg/errors"
	"github.com/forest6511/paradl/pkg/types"
)

// Options configures a Manager's initialization.
type Options struct {
	TotalSize       int64
	SegmentSize     int64
	MaxSplits       int
	OutputPath      string
	URLs            []string
	FileAllocation  types.FileAllocation
	ResumeDownloads bool
	AlwaysResume    bool
	Store           control.Store
}

// Manager owns segmentation state for one download task: the segment list,
// the File Writer backing it, and the Control Store persisting it.
type Manager struct {
	mu sync.Mutex

	opts     Options
	writer   *writer.Writer
	store    control.Store
	segments []*types.Segment

	totalSize       int64
	downloadedBytes int64
	createdAt       time.Time
}

// Initialize runs the seven-step startup sequence: open the writer, probe
// the output file, load and validate any control record, reconcile or build
// fresh segments, and save the baseline.
func Initialize(opts Options) (*Manager, error) {
	m := &Manager{opts: opts, store: opts.Store, totalSize: opts.TotalSize}

	existedBefore, sizeBefore := writer.Exists(opts.OutputPath)
	hasRecord := opts.ResumeDownloads && m.store != nil && m.store.Exists()

	if opts.ResumeDownloads && opts.AlwaysResume && existedBefore && sizeBefore > 0 && !hasRecord {
		return nil, pkgerrors.New(pkgerrors.KindResumeRequired, "output file exists without a resumable control record")
	}

	w, err := writer.Open(opts.OutputPath, opts.TotalSize, opts.FileAllocation)
	if err != nil {
		return nil, err
	}
	m.writer = w

	var record *types.ControlRecord
	if opts.ResumeDownloads && m.store != nil {
		if r, ok := m.store.Load(); ok {
			record = r
		}
	}

	if record != nil && len(record.Segments) > 0 {
		if err := m.adopt(record); err != nil {
			if opts.AlwaysResume {
				_ = m.writer.Close()
				return nil, err
			}
			m.buildFresh()
		}
	} else {
		m.buildFresh()
	}

	m.createdAt = time.Now()
	if opts.ResumeDownloads && m.store != nil {
		if err := m.saveLocked(); err != nil {
			_ = m.writer.Close()
			return nil, err
		}
	}

	return m, nil
}

// adopt normalizes a loaded control record's segments and validates its
// total span against the current total size.
func (m *Manager) adopt(record *types.ControlRecord) error {
	var span int64
	segments := make([]*types.Segment, len(record.Segments))
	for i, s := range record.Segments {
		seg := *s
		full := seg.Size()
		if seg.DownloadedBytes < 0 {
			seg.DownloadedBytes = 0
		}
		if seg.DownloadedBytes > full {
			seg.DownloadedBytes = full
		}
		if seg.DownloadedBytes == full {
			seg.Status = types.SegmentCompleted
		} else {
			seg.Status = types.SegmentPending
		}
		segments[i] = &seg
		span += full
	}

	if span != m.totalSize {
		return pkgerrors.New(pkgerrors.KindResumeMismatch, "control record segment span does not match current total size")
	}

	m.segments = segments
	var downloaded int64
	for _, s := range segments {
		downloaded += s.DownloadedBytes
	}
	m.downloadedBytes = downloaded
	return nil
}

// buildFresh computes a fresh segmentation from totalSize, segmentSize, and
// maxSplits.
func (m *Manager) buildFresh() {
	total := m.totalSize
	segmentSize := m.opts.SegmentSize
	if segmentSize <= 0 {
		segmentSize = total
		if segmentSize <= 0 {
			segmentSize = 1
		}
	}

	maxSegmentsBySize := total / segmentSize
	if maxSegmentsBySize < 1 {
		maxSegmentsBySize = 1
	}

	maxSplits := int64(m.opts.MaxSplits)
	if maxSplits < 1 {
		maxSplits = 1
	}

	targetSegments := maxSplits
	if maxSegmentsBySize < targetSegments {
		targetSegments = maxSegmentsBySize
	}
	if targetSegments < 1 {
		targetSegments = 1
	}

	width := ceilDiv(total, targetSegments)
	if width < 1 {
		width = 1
	}

	var segments []*types.Segment
	for start, idx := int64(0), 0; start < total; start, idx = start+width, idx+1 {
		end := start + width - 1
		if end > total-1 {
			end = total - 1
		}
		segments = append(segments, &types.Segment{
			Index:     idx,
			StartByte: start,
			EndByte:   end,
			Status:    types.SegmentPending,
		})
	}
	if len(segments) == 0 {
		segments = []*types.Segment{{Index: 0, StartByte: 0, EndByte: total - 1, Status: types.SegmentPending}}
	}

	m.segments = segments
	m.downloadedBytes = 0
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

// Segments returns the current segment list. Callers must not mutate it.
func (m *Manager) Segments() []*types.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.segments
}

// GetNextPending returns the first pending segment, in index order.
func (m *Manager) GetNextPending() (*types.Segment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.segments {
		if s.Status == types.SegmentPending {
			return s, true
		}
	}
	return nil, false
}

// MarkDownloading transitions segment i to downloading.
func (m *Manager) MarkDownloading(i int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seg := m.segmentLocked(i); seg != nil {
		seg.Status = types.SegmentDownloading
	}
}

// MarkFailed transitions segment i to failed.
func (m *Manager) MarkFailed(i int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seg := m.segmentLocked(i); seg != nil {
		seg.Status = types.SegmentFailed
	}
}

// MarkCompleted brings segment i's downloaded bytes up to its full size,
// folds any residual delta into the task total, sets it completed, and
// persists.
func (m *Manager) MarkCompleted(i int) error {
	m.mu.Lock()
	seg := m.segmentLocked(i)
	if seg == nil {
		m.mu.Unlock()
		return nil
	}
	full := seg.Size()
	delta := full - seg.DownloadedBytes
	seg.DownloadedBytes = full
	seg.Status = types.SegmentCompleted
	m.downloadedBytes += delta
	m.mu.Unlock()

	return m.SaveProgress()
}

// WriteChunkAt forwards bytes at an offset within segment i to the File
// Writer, at the segment's absolute file position. It does not mutate any
// counter.
func (m *Manager) WriteChunkAt(i int, offsetWithinSegment int64, data []byte) error {
	m.mu.Lock()
	seg := m.segmentLocked(i)
	m.mu.Unlock()
	if seg == nil {
		return fmt.Errorf("chunker: no such segment %d", i)
	}
	_, err := m.writer.WriteAt(seg.StartByte+offsetWithinSegment, data)
	return err
}

// UpdateSegmentProgress sets segment i's downloaded bytes to the supplied
// cumulative value for this fetch (not an add), and applies the resulting
// delta to the task-wide counter.
func (m *Manager) UpdateSegmentProgress(i int, cumulativeBytesForThisFetch int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seg := m.segmentLocked(i)
	if seg == nil {
		return
	}
	delta := cumulativeBytesForThisFetch - seg.DownloadedBytes
	seg.DownloadedBytes = cumulativeBytesForThisFetch
	m.downloadedBytes += delta
}

// DownloadedBytes returns the task-wide downloaded byte counter.
func (m *Manager) DownloadedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.downloadedBytes
}

// TotalSize returns the task's total byte count.
func (m *Manager) TotalSize() int64 {
	return m.totalSize
}

// SaveProgress persists the current record if resume is enabled, refreshing
// lastModified. The filename field stores only the basename of the output path.
func (m *Manager) SaveProgress() error {
	if !m.opts.ResumeDownloads || m.store == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	record := &types.ControlRecord{
		Version:      types.ControlVersion,
		URLs:         m.opts.URLs,
		Filename:     filepath.Base(m.opts.OutputPath),
		OutputPath:   m.opts.OutputPath,
		TotalSize:    m.totalSize,
		Segments:     m.segments,
		CreatedAt:    m.createdAt,
		LastModified: time.Now(),
	}
	return m.store.Save(record)
}

// Cleanup closes the writer and, on success with resume enabled, deletes the
// control file.
func (m *Manager) Cleanup(success bool) error {
	err := m.writer.Close()
	if success && m.opts.ResumeDownloads && m.store != nil {
		if delErr := m.store.Delete(); delErr != nil && err == nil {
			err = delErr
		}
	}
	return err
}

// AllFailed reports whether no segment is pending or downloading and at
// least one is failed: every segment not yet completed has failed.
func (m *Manager) AllFailed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	failed := false
	for _, s := range m.segments {
		switch s.Status {
		case types.SegmentPending, types.SegmentDownloading:
			return false
		case types.SegmentFailed:
			failed = true
		}
	}
	return failed
}

// ResetFailedToPending transitions every failed segment back to pending
// without touching downloadedBytes.
func (m *Manager) ResetFailedToPending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.segments {
		if s.Status == types.SegmentFailed {
			s.Status = types.SegmentPending
		}
	}
}

// AllComplete reports whether every segment is completed.
func (m *Manager) AllComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.segments {
		if s.Status != types.SegmentCompleted {
			return false
		}
	}
	return true
}

func (m *Manager) segmentLocked(i int) *types.Segment {
	for _, s := range m.segments {
		if s.Index == i {
			return s
		}
	}
	return nil
}
