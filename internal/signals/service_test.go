package signals

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sdhome/core/internal/broadcaster"
	"github.com/sdhome/core/internal/domain"
	"github.com/sdhome/core/internal/projection"
)

type fakeEventStore struct{ inserted []domain.SignalEvent }

func (f *fakeEventStore) Insert(_ context.Context, e domain.SignalEvent) error {
	f.inserted = append(f.inserted, e)
	return nil
}
func (f *fakeEventStore) GetByID(context.Context, uuid.UUID) (domain.SignalEvent, error) {
	return domain.SignalEvent{}, nil
}
func (f *fakeEventStore) ListByDevice(context.Context, string, time.Time, int) ([]domain.SignalEvent, error) {
	return nil, nil
}

type noopBus struct{ signals []domain.SignalEvent }

func (b *noopBus) BroadcastSignalEvent(e domain.SignalEvent)                        { b.signals = append(b.signals, e) }
func (b *noopBus) BroadcastSensorReading(domain.SensorReading)                      {}
func (b *noopBus) BroadcastTriggerEvent(domain.TriggerEvent)                        {}
func (b *noopBus) BroadcastDeviceStateUpdate(broadcaster.DeviceStateUpdate)         {}
func (b *noopBus) BroadcastAutomationLog(broadcaster.AutomationLogEntry)            {}
func (b *noopBus) BroadcastPipelineTimeline(broadcaster.PipelineTimeline)           {}
func (b *noopBus) BroadcastDeviceSyncProgress(broadcaster.DeviceSyncProgress)       {}
func (b *noopBus) BroadcastDevicePairingProgress(broadcaster.DevicePairingProgress) {}

type fakeProjector struct {
	result projection.Result
	calls  int
}

func (p *fakeProjector) Project(context.Context, domain.SignalEvent) (projection.Result, error) {
	p.calls++
	return p.result, nil
}

type fakeEngine struct {
	triggers []domain.TriggerEvent
	readings []domain.SensorReading
}

func (e *fakeEngine) ProcessTriggerEvent(_ context.Context, evt domain.TriggerEvent, _ PipelineSnapshot) {
	e.triggers = append(e.triggers, evt)
}
func (e *fakeEngine) ProcessSensorReading(_ context.Context, r domain.SensorReading, _ PipelineSnapshot) {
	e.readings = append(e.readings, r)
}

func TestHandleMessageDropsNonDeviceTopic(t *testing.T) {
	events := &fakeEventStore{}
	bus := &noopBus{}
	proj := &fakeProjector{}
	engine := &fakeEngine{}
	svc := New("sdhome", events, bus, proj, engine, nil)

	svc.HandleMessage(context.Background(), "other/topic", []byte(`{}`))

	if len(events.inserted) != 0 {
		t.Fatalf("expected no event persisted for a non-matching topic, got %d", len(events.inserted))
	}
}

func TestHandleMessagePipelinesThroughToEngine(t *testing.T) {
	events := &fakeEventStore{}
	bus := &noopBus{}
	trig := true
	proj := &fakeProjector{result: projection.Result{
		Trigger:  &domain.TriggerEvent{DeviceID: "lamp", TriggerType: domain.TriggerTypeState, Value: &trig},
		Readings: []domain.SensorReading{{DeviceID: "lamp", Metric: domain.MetricBattery, Value: 90}},
	}}
	engine := &fakeEngine{}
	svc := New("sdhome", events, bus, proj, engine, nil)

	payload, _ := json.Marshal(map[string]any{"state": "ON"})
	svc.HandleMessage(context.Background(), "sdhome/lamp", payload)

	if len(events.inserted) != 1 {
		t.Fatalf("expected 1 persisted event, got %d", len(events.inserted))
	}
	if len(bus.signals) != 1 {
		t.Fatalf("expected 1 broadcast event, got %d", len(bus.signals))
	}
	if proj.calls != 1 {
		t.Fatalf("expected projector called once, got %d", proj.calls)
	}
	if len(engine.triggers) != 1 || len(engine.readings) != 1 {
		t.Fatalf("expected engine to receive 1 trigger and 1 reading, got %d/%d", len(engine.triggers), len(engine.readings))
	}
}
