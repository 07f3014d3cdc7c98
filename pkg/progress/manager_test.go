package progress

import (
	"testing"
	"time"
)

func TestSnapshotBeforeUpdate(t *testing.T) {
	m := NewManager(1000)
	snap := m.Snapshot()
	if snap.Percent != 0 || snap.Speed != 0 || snap.ETA != 0 {
		t.Errorf("expected zero snapshot before any update, got %+v", snap)
	}
}

func TestPercentClampedTo100(t *testing.T) {
	m := NewManager(100)
	snap := m.Update(150)
	if snap.Percent != 100 {
		t.Errorf("Percent = %f, want 100 (clamped)", snap.Percent)
	}
	if snap.DownloadedBytes != 100 {
		t.Errorf("DownloadedBytes = %d, want clamped to totalBytes 100", snap.DownloadedBytes)
	}
}

func TestETAZeroWhenSpeedNonPositive(t *testing.T) {
	m := NewManager(1000)
	snap := m.Update(0)
	if snap.ETA != 0 {
		t.Errorf("ETA = %f, want 0 when speed is zero", snap.ETA)
	}
}

func TestShouldEmitThrottling(t *testing.T) {
	now := time.Now()
	if !ShouldEmit(true, 5, 5, now, now) {
		t.Error("forced emission must always emit")
	}
	if ShouldEmit(false, 5.2, 5.0, now, now) {
		t.Error("sub-1%% delta within the 1s window should not emit")
	}
	if !ShouldEmit(false, 6.0, 5.0, now, now) {
		t.Error(">=1%% delta should emit")
	}
	if !ShouldEmit(false, 5.0, 5.0, now, now.Add(-2*time.Second)) {
		t.Error("elapsed >= 1s should force emit even with no percent delta")
	}
}

func TestSampleWindowCap(t *testing.T) {
	m := NewManager(1_000_000)
	last := time.Now()
	m.startTime = last
	m.lastUpdate = last

	var downloaded int64
	for i := 0; i < sampleWindow+5; i++ {
		downloaded += 1000
		m.lastUpdate = m.lastUpdate.Add(-100 * time.Millisecond) // force elapsed > 0 on next Update
		m.Update(downloaded)
	}
	if len(m.samples) > sampleWindow {
		t.Errorf("samples len = %d, want <= %d", len(m.samples), sampleWindow)
	}
}
