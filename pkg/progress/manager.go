// Package progress computes smoothed speed and ETA for a download task from
// a stream of downloaded-byte-count updates.
package progress

import (
	"sync"
	"time"

	"github.com/forest6511/paradl/pkg/types"
)

const sampleWindow = 10

// Manager tracks aggregate progress for one task and smooths the reported
// transfer speed over the last sampleWindow instantaneous readings.
type Manager struct {
	mu              sync.Mutex
	totalBytes      int64
	downloadedBytes int64
	startTime       time.Time
	lastUpdate      time.Time
	samples         []float64
	speed           float64
}

// NewManager creates a Manager for a download of the given total size.
func NewManager(totalBytes int64) *Manager {
	return &Manager{
		totalBytes: totalBytes,
		samples:    make([]float64, 0, sampleWindow),
	}
}

// Update records a new cumulative downloaded-byte count and recomputes the
// smoothed speed. Call this every time the aggregate counter changes.
func (m *Manager) Update(downloadedBytes int64) types.Progress {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if m.startTime.IsZero() {
		m.startTime = now
		m.lastUpdate = now
	}

	elapsedMs := now.Sub(m.lastUpdate).Milliseconds()
	if elapsedMs > 0 {
		delta := downloadedBytes - m.downloadedBytes
		instantaneous := float64(delta) / float64(elapsedMs) * 1000
		m.samples = append(m.samples, instantaneous)
		if len(m.samples) > sampleWindow {
			m.samples = m.samples[1:]
		}
		m.speed = average(m.samples)
	}

	m.downloadedBytes = downloadedBytes
	m.lastUpdate = now

	return m.snapshot()
}

// Snapshot returns the current progress without recording a new sample.
func (m *Manager) Snapshot() types.Progress {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.snapshot()
}

func (m *Manager) snapshot() types.Progress {
	downloaded := m.downloadedBytes
	if m.totalBytes > 0 && downloaded > m.totalBytes {
		downloaded = m.totalBytes
	}

	var percent float64
	if m.totalBytes > 0 {
		percent = 100 * float64(downloaded) / float64(m.totalBytes)
		if percent > 100 {
			percent = 100
		}
	}

	eta := 0.0
	if m.speed > 0 {
		remaining := m.totalBytes - downloaded
		if remaining > 0 {
			eta = float64(remaining) / m.speed
		}
	}

	return types.Progress{
		TotalBytes:      m.totalBytes,
		DownloadedBytes: downloaded,
		Percent:         percent,
		Speed:           m.speed,
		ETA:             eta,
	}
}

func average(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

// ShouldEmit implements the throttling rule: emit iff forced, or the percent
// moved by at least one point since the last emission, or a second has
// elapsed since the last emission.
func ShouldEmit(forced bool, percent, lastEmittedPercent float64, now, lastEmitTime time.Time) bool {
	if forced {
		return true
	}
	if lastEmitTime.IsZero() {
		return true
	}
	if percent-lastEmittedPercent >= 1 || lastEmittedPercent-percent >= 1 {
		return true
	}
	return now.Sub(lastEmitTime) >= time.Second
}
