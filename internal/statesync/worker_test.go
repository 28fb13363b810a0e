package statesync

import (
	"context"
	"testing"
	"time"

	"github.com/sdhome/core/internal/broadcaster"
	"github.com/sdhome/core/internal/clock"
	"github.com/sdhome/core/internal/domain"
	"github.com/sdhome/core/internal/store"
)

type memDevices struct {
	byID map[string]domain.Device
}

func newMemDevices(devices ...domain.Device) *memDevices {
	m := &memDevices{byID: map[string]domain.Device{}}
	for _, d := range devices {
		m.byID[d.DeviceID] = d
	}
	return m
}

func (m *memDevices) Get(_ context.Context, deviceID string) (domain.Device, error) {
	d, ok := m.byID[deviceID]
	if !ok {
		return domain.Device{}, store.ErrNotFound
	}
	return d, nil
}

func (m *memDevices) GetByFriendlyName(_ context.Context, friendlyName string) (domain.Device, error) {
	for _, d := range m.byID {
		if d.FriendlyName == friendlyName {
			return d, nil
		}
	}
	return domain.Device{}, store.ErrNotFound
}

func (m *memDevices) Upsert(_ context.Context, d domain.Device) error {
	m.byID[d.DeviceID] = d
	return nil
}

func (m *memDevices) List(_ context.Context) ([]domain.Device, error) {
	out := make([]domain.Device, 0, len(m.byID))
	for _, d := range m.byID {
		out = append(out, d)
	}
	return out, nil
}

func (m *memDevices) MergeAttributes(_ context.Context, deviceID string, changes map[string]any, linkQuality *int, now time.Time) (bool, error) {
	d, ok := m.byID[deviceID]
	if !ok {
		return false, store.ErrNotFound
	}
	changed := false
	if d.Attributes == nil {
		d.Attributes = map[string]any{}
	}
	for k, v := range changes {
		if !valuesEqual(d.Attributes[k], v) {
			d.Attributes[k] = v
			changed = true
		}
	}
	if linkQuality != nil {
		d.LinkQuality = linkQuality
		changed = true
	}
	if changed {
		d.LastSeen = &now
		d.IsAvailable = true
		m.byID[deviceID] = d
	}
	return changed, nil
}

type fakePublisher struct{ published []string }

func (p *fakePublisher) Publish(_ context.Context, topic string, _ any) error {
	p.published = append(p.published, topic)
	return nil
}

type noopBus struct{ updates []broadcaster.DeviceStateUpdate }

func (b *noopBus) BroadcastSignalEvent(domain.SignalEvent)     {}
func (b *noopBus) BroadcastSensorReading(domain.SensorReading) {}
func (b *noopBus) BroadcastTriggerEvent(domain.TriggerEvent)   {}
func (b *noopBus) BroadcastDeviceStateUpdate(u broadcaster.DeviceStateUpdate) {
	b.updates = append(b.updates, u)
}
func (b *noopBus) BroadcastAutomationLog(broadcaster.AutomationLogEntry)            {}
func (b *noopBus) BroadcastPipelineTimeline(broadcaster.PipelineTimeline)           {}
func (b *noopBus) BroadcastDeviceSyncProgress(broadcaster.DeviceSyncProgress)       {}
func (b *noopBus) BroadcastDevicePairingProgress(broadcaster.DevicePairingProgress) {}

var _ broadcaster.Port = (*noopBus)(nil)

type fakeEngine struct {
	calls int
	last  struct {
		deviceID, property   string
		oldValue, newValue   any
	}
}

func (e *fakeEngine) ProcessDeviceStateChange(_ context.Context, deviceID, property string, oldValue, newValue any) {
	e.calls++
	e.last.deviceID = deviceID
	e.last.property = property
	e.last.oldValue = oldValue
	e.last.newValue = newValue
}

func TestHandleMessageIgnoresNonDeviceTopics(t *testing.T) {
	devices := newMemDevices()
	bus := &noopBus{}
	w := New("sdhome", 0, devices, &fakePublisher{}, bus, &fakeEngine{}, nil, nil)

	for _, topic := range []string{"sdhome/lamp/availability", "sdhome/lamp/get", "sdhome/lamp/set", "sdhome/bridge/event", "other/lamp"} {
		w.HandleMessage(context.Background(), topic, []byte(`{"state":"ON"}`))
	}

	w.mu.Lock()
	n := len(w.queue)
	w.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no queued items, got %d", n)
	}
}

func TestProcessMergesAndNotifiesOnChange(t *testing.T) {
	devices := newMemDevices(domain.Device{DeviceID: "lamp", FriendlyName: "lamp", Attributes: map[string]any{"state": "OFF"}})
	bus := &noopBus{}
	engine := &fakeEngine{}
	w := New("sdhome", 0, devices, &fakePublisher{}, bus, engine, clock.NewFixed(time.Unix(1000, 0)), nil)

	w.process(context.Background(), buildQueueItem("lamp", map[string]any{"state": "ON"}))

	if engine.calls != 1 {
		t.Fatalf("expected engine notified once, got %d", engine.calls)
	}
	if engine.last.property != "state" || engine.last.newValue != "ON" || engine.last.oldValue != "OFF" {
		t.Errorf("unexpected engine call: %+v", engine.last)
	}
	if len(bus.updates) != 1 {
		t.Fatalf("expected 1 broadcast update, got %d", len(bus.updates))
	}

	got, _ := devices.Get(context.Background(), "lamp")
	if got.Attributes["state"] != "ON" {
		t.Errorf("attributes not merged, got %+v", got.Attributes)
	}
}

func TestProcessSkipsNotifyWhenValueUnchanged(t *testing.T) {
	devices := newMemDevices(domain.Device{DeviceID: "lamp", FriendlyName: "lamp", Attributes: map[string]any{"state": "ON"}})
	engine := &fakeEngine{}
	w := New("sdhome", 0, devices, &fakePublisher{}, &noopBus{}, engine, nil, nil)

	w.process(context.Background(), buildQueueItem("lamp", map[string]any{"state": "ON"}))

	if engine.calls != 0 {
		t.Fatalf("expected no notification for an unchanged value, got %d", engine.calls)
	}
}

func TestProcessDropsUnknownDevice(t *testing.T) {
	devices := newMemDevices()
	engine := &fakeEngine{}
	w := New("sdhome", 0, devices, &fakePublisher{}, &noopBus{}, engine, nil, nil)

	w.process(context.Background(), buildQueueItem("ghost", map[string]any{"state": "ON"}))

	if engine.calls != 0 {
		t.Fatalf("expected no engine call for an unknown device, got %d", engine.calls)
	}
}

func TestPollAllPublishesGetForEveryDevice(t *testing.T) {
	devices := newMemDevices(
		domain.Device{DeviceID: "lamp", FriendlyName: "lamp"},
		domain.Device{DeviceID: "fan", FriendlyName: "fan"},
	)
	pub := &fakePublisher{}
	w := New("sdhome", time.Millisecond, devices, pub, &noopBus{}, nil, nil, nil)

	w.pollAll(context.Background())

	if len(pub.published) != 2 {
		t.Fatalf("expected 2 get-publishes, got %d", len(pub.published))
	}
}

func TestRunDrainsQueuedItemsThenStopsOnCancel(t *testing.T) {
	devices := newMemDevices(domain.Device{DeviceID: "lamp", FriendlyName: "lamp", Attributes: map[string]any{}})
	engine := &fakeEngine{}
	w := New("sdhome", 0, devices, &fakePublisher{}, &noopBus{}, engine, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	w.HandleMessage(ctx, "sdhome/lamp", []byte(`{"state":"ON"}`))

	deadline := time.After(2 * time.Second)
	for {
		if engine.calls == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for queued item to drain")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
