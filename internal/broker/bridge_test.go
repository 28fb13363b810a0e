package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/sdhome/core/internal/broadcaster"
	"github.com/sdhome/core/internal/domain"
)

// fakeBus records every DevicePairingProgress snapshot broadcast to it.
type fakeBus struct {
	mu        sync.Mutex
	snapshots []broadcaster.DevicePairingProgress
}

func (f *fakeBus) BroadcastSignalEvent(domain.SignalEvent)               {}
func (f *fakeBus) BroadcastSensorReading(domain.SensorReading)           {}
func (f *fakeBus) BroadcastTriggerEvent(domain.TriggerEvent)             {}
func (f *fakeBus) BroadcastDeviceStateUpdate(broadcaster.DeviceStateUpdate) {}
func (f *fakeBus) BroadcastAutomationLog(broadcaster.AutomationLogEntry) {}
func (f *fakeBus) BroadcastPipelineTimeline(broadcaster.PipelineTimeline) {}
func (f *fakeBus) BroadcastDeviceSyncProgress(broadcaster.DeviceSyncProgress) {}
func (f *fakeBus) BroadcastDevicePairingProgress(p broadcaster.DevicePairingProgress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, p)
}

func (f *fakeBus) last() broadcaster.DevicePairingProgress {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots[len(f.snapshots)-1]
}

func (f *fakeBus) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.snapshots)
}

func TestBridgeStartAndStopSession(t *testing.T) {
	bus := &fakeBus{}
	b := NewBridge(bus, nil)

	b.HandlePermitJoinResponse([]byte(`{"value":true,"time":120}`))
	if got := bus.last().Status; got != broadcaster.PairingActive {
		t.Fatalf("status after start = %v, want Active", got)
	}

	b.HandlePermitJoinResponse([]byte(`{"value":false,"time":0}`))
	if got := bus.last().Status; got != broadcaster.PairingEnded {
		t.Fatalf("status after stop = %v, want Ended", got)
	}
}

func TestBridgeDeviceInterviewLifecycle(t *testing.T) {
	bus := &fakeBus{}
	b := NewBridge(bus, nil)

	b.HandlePermitJoinResponse([]byte(`{"value":true,"time":120}`))
	b.HandleEvent([]byte(`{"type":"device_interview","status":"started","ieee_address":"0x1234"}`))
	if got := bus.last().Status; got != broadcaster.PairingInterviewing {
		t.Fatalf("status = %v, want Interviewing", got)
	}
	if got := bus.last().CurrentDevice; got != "0x1234" {
		t.Fatalf("currentDevice = %q, want 0x1234", got)
	}

	b.HandleEvent([]byte(`{"type":"device_interview","status":"successful","ieee_address":"0x1234"}`))
	last := bus.last()
	if last.Status != broadcaster.PairingActive {
		t.Fatalf("status after pairing = %v, want Active", last.Status)
	}
	if len(last.DiscoveredDevices) != 1 || last.DiscoveredDevices[0].Status != "Ready" {
		t.Fatalf("discovered devices = %+v", last.DiscoveredDevices)
	}

	b.HandlePermitJoinResponse([]byte(`{"value":false}`))
}

func TestBridgeInterviewFailureDoesNotEndSession(t *testing.T) {
	bus := &fakeBus{}
	b := NewBridge(bus, nil)

	b.HandlePermitJoinResponse([]byte(`{"value":true,"time":120}`))
	b.HandleEvent([]byte(`{"type":"device_interview","status":"started","ieee_address":"0xdead"}`))
	b.HandleEvent([]byte(`{"type":"device_interview","status":"failed","ieee_address":"0xdead"}`))

	last := bus.last()
	if last.Status != broadcaster.PairingActive {
		t.Fatalf("status after failed interview = %v, want Active", last.Status)
	}
	if len(last.DiscoveredDevices) != 1 || last.DiscoveredDevices[0].Status != "failed" {
		t.Fatalf("discovered devices = %+v", last.DiscoveredDevices)
	}

	b.HandlePermitJoinResponse([]byte(`{"value":false}`))
}

func TestBridgeEventIgnoredWithoutActiveSession(t *testing.T) {
	bus := &fakeBus{}
	b := NewBridge(bus, nil)

	b.HandleEvent([]byte(`{"type":"device_interview","status":"started","ieee_address":"0x1"}`))
	if bus.count() != 0 {
		t.Fatalf("expected no broadcasts without an active session, got %d", bus.count())
	}
}

func TestBridgeCountdownExpires(t *testing.T) {
	bus := &fakeBus{}
	b := NewBridge(bus, nil)

	b.HandlePermitJoinResponse([]byte(`{"value":true,"time":1}`))

	deadline := time.After(3 * time.Second)
	for {
		if bus.last().Status == broadcaster.PairingEnded {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for pairing window to expire")
		case <-time.After(50 * time.Millisecond):
		}
	}
}
