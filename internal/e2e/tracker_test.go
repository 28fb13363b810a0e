package e2e

import (
	"sync"
	"testing"
	"time"

	"github.com/sdhome/core/internal/broadcaster"
	"github.com/sdhome/core/internal/clock"
	"github.com/sdhome/core/internal/domain"
	"github.com/sdhome/core/internal/signals"
)

type recordingBus struct {
	mu        sync.Mutex
	timelines []broadcaster.PipelineTimeline
}

func (r *recordingBus) BroadcastSignalEvent(domain.SignalEvent)                  {}
func (r *recordingBus) BroadcastSensorReading(domain.SensorReading)              {}
func (r *recordingBus) BroadcastTriggerEvent(domain.TriggerEvent)                {}
func (r *recordingBus) BroadcastDeviceStateUpdate(broadcaster.DeviceStateUpdate) {}
func (r *recordingBus) BroadcastAutomationLog(broadcaster.AutomationLogEntry)    {}
func (r *recordingBus) BroadcastPipelineTimeline(p broadcaster.PipelineTimeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timelines = append(r.timelines, p)
}
func (r *recordingBus) BroadcastDeviceSyncProgress(broadcaster.DeviceSyncProgress)       {}
func (r *recordingBus) BroadcastDevicePairingProgress(broadcaster.DevicePairingProgress) {}

func (r *recordingBus) snapshot() []broadcaster.PipelineTimeline {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]broadcaster.PipelineTimeline, len(r.timelines))
	copy(out, r.timelines)
	return out
}

var _ broadcaster.Port = (*recordingBus)(nil)

func TestRecordTargetDeviceResponseResolvesFIFO(t *testing.T) {
	fixed := clock.NewFixed(time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC))
	bus := &recordingBus{}
	tr := New(bus, fixed, nil)

	id1 := tr.StartTracking("sw1", "rule-a", "", signals.PipelineSnapshot{ParseMs: 1, DBMs: 2, BroadcastMs: 3})
	tr.RecordAutomationLookup(id1, 4)
	tr.RecordActionExecution(id1, 5, "light1")

	id2 := tr.StartTracking("sw1", "rule-b", "", signals.PipelineSnapshot{})
	tr.RecordActionExecution(id2, 5, "light1")

	fixed.Advance(50 * time.Millisecond)
	tr.RecordTargetDeviceResponse("light1")

	got := bus.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected 1 completed timeline, got %d", len(got))
	}
	if got[0].TrackingID != id1 {
		t.Fatalf("expected FIFO resolution of the oldest-waiting timeline (id1), got %s", got[0].TrackingID)
	}
	if got[0].TimedOut {
		t.Fatal("resolved timeline should not be marked timed out")
	}
	if got[0].TargetDeviceResponseMs == nil {
		t.Fatal("expected TargetDeviceResponseMs to be set")
	}

	fixed.Advance(50 * time.Millisecond)
	tr.RecordTargetDeviceResponse("light1")
	got = bus.snapshot()
	if len(got) != 2 || got[1].TrackingID != id2 {
		t.Fatalf("expected second response to resolve id2, got %+v", got)
	}
}

func TestUnresolvedTimelineTimesOutAfterWatchdog(t *testing.T) {
	bus := &recordingBus{}
	tr := New(bus, clock.Real, nil)
	tr.watchdog = 30 * time.Millisecond

	id := tr.StartTracking("sensor1", "rule-c", "", signals.PipelineSnapshot{})
	tr.RecordActionExecution(id, 1, "plug1")

	deadline := time.After(2 * time.Second)
	var got []broadcaster.PipelineTimeline
	for len(got) == 0 {
		select {
		case <-deadline:
			t.Fatal("expected watchdog to close the timeline")
		case <-time.After(10 * time.Millisecond):
			got = bus.snapshot()
		}
	}

	if !got[0].TimedOut {
		t.Fatal("expected timeline to be marked timed out")
	}
	if got[0].TargetDeviceResponseMs != nil {
		t.Fatal("timed-out timeline should not have a response duration")
	}
}

func TestRecentReturnsNewestFirstAndWrapsAtCapacity(t *testing.T) {
	bus := &recordingBus{}
	fixed := clock.NewFixed(time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC))
	tr := New(bus, fixed, nil)

	const total = bufferCapacity + 10
	for i := 0; i < total; i++ {
		id := tr.StartTracking("sw1", "rule-wrap", "", signals.PipelineSnapshot{})
		tr.RecordActionExecution(id, 1, "")
		fixed.Advance(time.Millisecond)
	}

	recent := tr.Recent(5)
	if len(recent) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(recent))
	}
	// The buffer only ever holds bufferCapacity entries, so the oldest
	// (total-bufferCapacity) timelines must have been overwritten.
	all := tr.Recent(0)
	if len(all) != bufferCapacity {
		t.Fatalf("expected ring buffer capped at %d, got %d", bufferCapacity, len(all))
	}
	if all[0].CompletedAt.Before(all[len(all)-1].CompletedAt) {
		t.Fatal("expected Recent to return newest-first order")
	}
}

func TestRecordActionExecutionWithNoTargetClosesImmediately(t *testing.T) {
	bus := &recordingBus{}
	tr := New(bus, clock.NewFixed(time.Now()), nil)

	id := tr.StartTracking("sensor1", "rule-d", "", signals.PipelineSnapshot{})
	tr.RecordActionExecution(id, 1, "")

	got := bus.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected immediate completion with no target device, got %d timelines", len(got))
	}
	if got[0].TimedOut {
		t.Fatal("a no-target action should not be marked timed out")
	}
}
