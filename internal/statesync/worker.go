// Package statesync maintains a per-device attribute cache fed by the
// broker's retained state topics and issues periodic state-refresh
// requests (spec §4.4).
package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sdhome/core/internal/broadcaster"
	"github.com/sdhome/core/internal/clock"
	"github.com/sdhome/core/internal/store"
)

// CommandPublisher is the subset of the device command path the poll
// loop needs (spec §4.6's Publish).
type CommandPublisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// AutomationNotifier is the subset of the automation engine state-sync
// drives (spec §4.5.1's ProcessDeviceStateChange entry point).
type AutomationNotifier interface {
	ProcessDeviceStateChange(ctx context.Context, deviceID, property string, oldValue, newValue any)
}

// DeviceStateQueueItem captures the fixed attribute set the spec calls
// out for fast access, plus the full decoded payload that actually
// gets merged into the device's attribute map.
type DeviceStateQueueItem struct {
	DeviceID    string
	LinkQuality *int
	State       string
	Brightness  *float64
	ColorTemp   *float64
	Temperature *float64
	Humidity    *float64
	Battery     *float64
	Contact     *bool
	Occupancy   *bool
	Raw         map[string]any
}

// Worker owns the unbounded in-memory queue and its single drain
// consumer (spec §4.4), plus the optional periodic poll loop. The
// queue/consumer pattern is grounded on the teacher's
// internal/scheduler.Scheduler lifecycle shape (mutex-guarded
// start/stop, a dedicated goroutine per concern) generalized from
// timer bookkeeping to a work queue.
type Worker struct {
	baseTopic    string
	pollInterval time.Duration

	devices   store.DeviceStore
	publisher CommandPublisher
	bus       broadcaster.Port
	engine    AutomationNotifier
	clock     clock.Clock
	logger    *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []DeviceStateQueueItem
	closed bool
}

// New creates a Worker. clk may be nil, which uses the real clock.
func New(baseTopic string, pollInterval time.Duration, devices store.DeviceStore, publisher CommandPublisher, bus broadcaster.Port, engine AutomationNotifier, clk clock.Clock, logger *slog.Logger) *Worker {
	if clk == nil {
		clk = clock.Real
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		baseTopic:    baseTopic,
		pollInterval: pollInterval,
		devices:      devices,
		publisher:    publisher,
		bus:          bus,
		engine:       engine,
		clock:        clk,
		logger:       logger,
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// HandleMessage implements broker.Router. It ignores availability,
// get/set, and bridge topics and anything below a single level under
// the base topic (spec §4.4).
func (w *Worker) HandleMessage(ctx context.Context, topic string, payload []byte) {
	deviceID, ok := w.deviceIDFromTopic(topic)
	if !ok {
		return
	}

	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return
	}

	w.enqueue(buildQueueItem(deviceID, obj))
}

func (w *Worker) deviceIDFromTopic(topic string) (string, bool) {
	if strings.Contains(topic, "/bridge/") {
		return "", false
	}
	for _, suffix := range []string{"/availability", "/get", "/set"} {
		if strings.HasSuffix(topic, suffix) {
			return "", false
		}
	}

	trimmed := strings.TrimPrefix(topic, w.baseTopic+"/")
	if trimmed == topic || trimmed == "" {
		return "", false
	}
	if strings.Contains(trimmed, "/") {
		return "", false // single-level device topics only
	}
	return trimmed, true
}

func buildQueueItem(deviceID string, obj map[string]any) DeviceStateQueueItem {
	item := DeviceStateQueueItem{DeviceID: deviceID, Raw: obj}
	if s, ok := obj["state"].(string); ok {
		item.State = s
	}
	if lq, ok := toFloat(obj["linkquality"]); ok {
		lqi := int(lq)
		item.LinkQuality = &lqi
	}
	if v, ok := toFloat(obj["brightness"]); ok {
		item.Brightness = &v
	}
	if v, ok := toFloat(obj["color_temp"]); ok {
		item.ColorTemp = &v
	}
	if v, ok := toFloat(obj["temperature"]); ok {
		item.Temperature = &v
	}
	if v, ok := toFloat(obj["humidity"]); ok {
		item.Humidity = &v
	}
	if v, ok := toFloat(obj["battery"]); ok {
		item.Battery = &v
	}
	if v, ok := obj["contact"].(bool); ok {
		item.Contact = &v
	}
	if v, ok := obj["occupancy"].(bool); ok {
		item.Occupancy = &v
	}
	return item
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func (w *Worker) enqueue(item DeviceStateQueueItem) {
	w.mu.Lock()
	w.queue = append(w.queue, item)
	w.cond.Signal()
	w.mu.Unlock()
}

// Run starts the drain consumer and, if pollInterval > 0, the poll
// loop. It blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.drainLoop(ctx)
	}()

	if w.pollInterval > 0 {
		go w.pollLoop(ctx)
	}

	<-ctx.Done()
	w.mu.Lock()
	w.closed = true
	w.cond.Broadcast()
	w.mu.Unlock()
	<-done
	return nil
}

func (w *Worker) drainLoop(ctx context.Context) {
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.queue) == 0 && w.closed {
			w.mu.Unlock()
			return
		}
		item := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		w.process(ctx, item)
	}
}

// process loads the device, merges the raw payload into its attribute
// cache, and notifies the broadcaster/automation engine of every
// property that actually changed (spec §4.4, testable property 6).
func (w *Worker) process(ctx context.Context, item DeviceStateQueueItem) {
	device, err := w.devices.Get(ctx, item.DeviceID)
	if errors.Is(err, store.ErrNotFound) {
		device, err = w.devices.GetByFriendlyName(ctx, item.DeviceID)
	}
	if err != nil {
		w.logger.Debug("statesync: unknown device, dropping item", "deviceId", item.DeviceID)
		return
	}

	oldAttrs := device.Attributes
	now := w.clock.Now()

	changed, err := w.devices.MergeAttributes(ctx, device.DeviceID, item.Raw, item.LinkQuality, now)
	if err != nil {
		w.logger.Error("statesync: merge attributes failed", "deviceId", device.DeviceID, "error", err)
		return
	}
	if !changed {
		return
	}

	for key, newVal := range item.Raw {
		oldVal := oldAttrs[key]
		if valuesEqual(oldVal, newVal) {
			continue
		}
		w.bus.BroadcastDeviceStateUpdate(broadcaster.DeviceStateUpdate{
			DeviceID:  device.DeviceID,
			Property:  key,
			Value:     newVal,
			Timestamp: now,
		})
		if w.engine != nil {
			w.engine.ProcessDeviceStateChange(ctx, device.DeviceID, key, oldVal, newVal)
		}
	}
}

// valuesEqual compares two decoded-JSON values structurally. Mirrors
// internal/store's device-attribute comparison (JSON round-trip
// equality rather than reflect.DeepEqual, since numeric types can
// differ between a freshly-decoded value and one read back from a
// prior merge).
func valuesEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollAll(ctx)
		}
	}
}

// pollAll publishes a "get" request for every known device, spaced by
// a small delay to avoid radio congestion (spec §4.4: "~50ms").
func (w *Worker) pollAll(ctx context.Context) {
	devices, err := w.devices.List(ctx)
	if err != nil {
		w.logger.Error("statesync: poll list devices failed", "error", err)
		return
	}

	for i, d := range devices {
		topic := w.baseTopic + "/" + d.DeviceID + "/get"
		if err := w.publisher.Publish(ctx, topic, map[string]string{"state": ""}); err != nil {
			w.logger.Debug("statesync: poll publish failed", "deviceId", d.DeviceID, "error", err)
		}
		if i < len(devices)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
		}
	}

	w.bus.BroadcastDeviceSyncProgress(broadcaster.DeviceSyncProgress{
		DevicesPolled: len(devices),
		DevicesTotal:  len(devices),
		Timestamp:     w.clock.Now(),
	})
}
