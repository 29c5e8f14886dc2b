package runtime

import (
	"testing"
	"time"
)

func TestResourceTracker_Snapshot(t *testing.T) {
	tracker := newResourceTracker()

	snap1 := tracker.Snapshot()
	if snap1.CPUPercent != 0 {
		t.Errorf("expected 0 CPU percent on first snapshot, got %f", snap1.CPUPercent)
	}
	if snap1.MemoryBytes == 0 {
		t.Error("expected non-zero heap bytes")
	}
	if snap1.Goroutines == 0 {
		t.Error("expected non-zero goroutine count")
	}

	time.Sleep(10 * time.Millisecond)

	snap2 := tracker.Snapshot()
	if snap2.CPUPercent < 0 {
		t.Errorf("expected non-negative CPU percent, got %f", snap2.CPUPercent)
	}
}

func TestResourceTracker_SnapshotNilTracker(t *testing.T) {
	var tracker *resourceTracker

	snap := tracker.Snapshot()
	if snap.CPUPercent != 0 || snap.MemoryBytes != 0 || snap.Goroutines != 0 {
		t.Errorf("expected zero ResourceUsage for nil tracker, got %+v", snap)
	}
}

func TestResourceTracker_SnapshotEmptySamples(t *testing.T) {
	tracker := &resourceTracker{}

	snap := tracker.Snapshot()
	if snap.MemoryBytes == 0 {
		t.Error("expected heap bytes even when built without samples")
	}
	if snap.Goroutines == 0 {
		t.Error("expected goroutine count even when built without samples")
	}
}
