package automation

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sdhome/core/internal/broadcaster"
	"github.com/sdhome/core/internal/clock"
	"github.com/sdhome/core/internal/domain"
	"github.com/sdhome/core/internal/signals"
	"github.com/sdhome/core/internal/store"
)

// --- fakes -------------------------------------------------------------

type fakeRuleStore struct {
	mu    sync.Mutex
	rules []domain.AutomationRule
	logs  []domain.AutomationExecutionLog
}

func (f *fakeRuleStore) Create(ctx context.Context, r domain.AutomationRule) (domain.AutomationRule, error) {
	return r, nil
}
func (f *fakeRuleStore) Update(ctx context.Context, r domain.AutomationRule) error { return nil }
func (f *fakeRuleStore) Delete(ctx context.Context, id uuid.UUID) error            { return nil }
func (f *fakeRuleStore) Get(ctx context.Context, id uuid.UUID) (domain.AutomationRule, error) {
	for _, r := range f.rules {
		if r.ID == id {
			return r, nil
		}
	}
	return domain.AutomationRule{}, store.ErrNotFound
}
func (f *fakeRuleStore) List(ctx context.Context) ([]domain.AutomationRule, error) {
	out := make([]domain.AutomationRule, len(f.rules))
	copy(out, f.rules)
	return out, nil
}
func (f *fakeRuleStore) SetLastTriggered(ctx context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rules {
		if f.rules[i].ID == id {
			f.rules[i].LastTriggeredAt = &at
		}
	}
	return nil
}
func (f *fakeRuleStore) AppendExecutionLog(ctx context.Context, log domain.AutomationExecutionLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, log)
	return nil
}
func (f *fakeRuleStore) ListExecutionLogs(ctx context.Context, ruleID uuid.UUID, limit int) ([]domain.AutomationExecutionLog, error) {
	return nil, nil
}

var _ store.AutomationRuleStore = (*fakeRuleStore)(nil)

type fakeDeviceStore struct {
	devices map[string]domain.Device
}

func (f *fakeDeviceStore) Get(ctx context.Context, deviceID string) (domain.Device, error) {
	d, ok := f.devices[deviceID]
	if !ok {
		return domain.Device{}, store.ErrNotFound
	}
	return d, nil
}
func (f *fakeDeviceStore) GetByFriendlyName(ctx context.Context, friendlyName string) (domain.Device, error) {
	return domain.Device{}, store.ErrNotFound
}
func (f *fakeDeviceStore) Upsert(ctx context.Context, d domain.Device) error {
	f.devices[d.DeviceID] = d
	return nil
}
func (f *fakeDeviceStore) List(ctx context.Context) ([]domain.Device, error) {
	out := make([]domain.Device, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out, nil
}
func (f *fakeDeviceStore) MergeAttributes(ctx context.Context, deviceID string, changes map[string]any, linkQuality *int, now time.Time) (bool, error) {
	return false, nil
}

var _ store.DeviceStore = (*fakeDeviceStore)(nil)

type fakeSceneStore struct {
	scenes map[uuid.UUID]domain.Scene
}

func (f *fakeSceneStore) Create(ctx context.Context, s domain.Scene) (domain.Scene, error) {
	return s, nil
}
func (f *fakeSceneStore) Update(ctx context.Context, s domain.Scene) error { return nil }
func (f *fakeSceneStore) Delete(ctx context.Context, id uuid.UUID) error  { return nil }
func (f *fakeSceneStore) Get(ctx context.Context, id uuid.UUID) (domain.Scene, error) {
	s, ok := f.scenes[id]
	if !ok {
		return domain.Scene{}, store.ErrNotFound
	}
	return s, nil
}
func (f *fakeSceneStore) List(ctx context.Context) ([]domain.Scene, error) { return nil, nil }

var _ store.SceneStore = (*fakeSceneStore)(nil)

type fakeReadingStore struct{}

func (fakeReadingStore) Insert(ctx context.Context, r domain.SensorReading) error { return nil }
func (fakeReadingStore) ListByDevice(ctx context.Context, deviceID, metric string, since time.Time, limit int) ([]domain.SensorReading, error) {
	return nil, nil
}

var _ store.SensorReadingStore = fakeReadingStore{}

type fakeTriggerStore struct{}

func (fakeTriggerStore) Insert(ctx context.Context, t domain.TriggerEvent) error { return nil }
func (fakeTriggerStore) ListByDevice(ctx context.Context, deviceID string, since time.Time, limit int) ([]domain.TriggerEvent, error) {
	return nil, nil
}

var _ store.TriggerEventStore = fakeTriggerStore{}

type fakePublisher struct {
	mu        sync.Mutex
	published []struct {
		topic   string
		payload any
	}
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, struct {
		topic   string
		payload any
	}{topic, payload})
	return nil
}

type noopBus struct{}

func (noopBus) BroadcastSignalEvent(domain.SignalEvent)                     {}
func (noopBus) BroadcastSensorReading(domain.SensorReading)                 {}
func (noopBus) BroadcastTriggerEvent(domain.TriggerEvent)                  {}
func (noopBus) BroadcastDeviceStateUpdate(broadcaster.DeviceStateUpdate)   {}
func (noopBus) BroadcastAutomationLog(broadcaster.AutomationLogEntry)      {}
func (noopBus) BroadcastPipelineTimeline(broadcaster.PipelineTimeline)     {}
func (noopBus) BroadcastDeviceSyncProgress(broadcaster.DeviceSyncProgress) {}
func (noopBus) BroadcastDevicePairingProgress(broadcaster.DevicePairingProgress) {}

var _ broadcaster.Port = noopBus{}

type fakeHTTPClient struct {
	status int
	err    error
	calls  int
}

func (f *fakeHTTPClient) Do(req *http.Request) (*http.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{StatusCode: f.status, Body: http.NoBody}, nil
}

type fakeTracker struct {
	started  bool
	recorded []string
}

func (f *fakeTracker) StartTracking(triggerDeviceID, ruleName, targetDeviceID string, snap signals.PipelineSnapshot) string {
	f.started = true
	return "trk-1"
}
func (f *fakeTracker) RecordAutomationLookup(trackingID string, durationMs int64) {}
func (f *fakeTracker) RecordActionExecution(trackingID string, durationMs int64, targetDeviceID string) {
	f.recorded = append(f.recorded, targetDeviceID)
}

// --- helpers -------------------------------------------------------------

func newTestEngine(t *testing.T, rules []domain.AutomationRule, devices map[string]domain.Device, fixed time.Time) (*Engine, *fakePublisher, *fakeRuleStore) {
	t.Helper()
	if devices == nil {
		devices = map[string]domain.Device{}
	}
	rs := &fakeRuleStore{rules: rules}
	pub := &fakePublisher{}
	eng := New("sdhome", 30, Deps{
		Rules:      rs,
		Devices:    &fakeDeviceStore{devices: devices},
		Scenes:     &fakeSceneStore{scenes: map[uuid.UUID]domain.Scene{}},
		Readings:   fakeReadingStore{},
		Triggers:   fakeTriggerStore{},
		Publisher:  pub,
		Bus:        noopBus{},
		Clock:      clock.NewFixed(fixed),
		HTTPClient: &fakeHTTPClient{status: 200},
	})
	if err := eng.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	return eng, pub, rs
}

func numVal(f float64) *domain.Value {
	v := domain.NumberValue(f)
	return &v
}

func strVal(s string) *domain.Value {
	v := domain.StringValue(s)
	return &v
}

// --- tests -----------------------------------------------------------

func TestProcessDeviceStateChangeFiresMatchingRule(t *testing.T) {
	rule := domain.AutomationRule{
		ID:          domain.NewID(),
		Name:        "porch light on open",
		IsEnabled:   true,
		TriggerMode: domain.TriggerModeAny,
		Triggers: []domain.AutomationTrigger{
			{ID: domain.NewID(), TriggerType: domain.AutomationTriggerDeviceState, DeviceID: "door1", Property: "contact", Operator: domain.OpChangesTo, Value: func() *domain.Value { v := domain.BoolValue(false); return &v }()},
		},
		Actions: []domain.AutomationAction{
			{ID: domain.NewID(), ActionType: domain.ActionSetDeviceState, DeviceID: "light1", Property: "state", Value: strVal("ON")},
		},
	}
	eng, pub, rs := newTestEngine(t, []domain.AutomationRule{rule}, nil, time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC))

	eng.ProcessDeviceStateChange(context.Background(), "door1", "contact", true, false)

	pub.mu.Lock()
	n := len(pub.published)
	pub.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 publish, got %d", n)
	}
	if len(rs.logs) != 1 {
		t.Fatalf("expected 1 execution log, got %d", len(rs.logs))
	}
	if rs.logs[0].Status != domain.StatusSuccess {
		t.Fatalf("status = %v, want Success", rs.logs[0].Status)
	}
}

func TestCooldownSkipsFiringAndLogsSkipped(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	last := now.Add(-5 * time.Second)
	rule := domain.AutomationRule{
		ID:              domain.NewID(),
		Name:            "cooldown rule",
		IsEnabled:       true,
		TriggerMode:     domain.TriggerModeAny,
		CooldownSeconds: 60,
		LastTriggeredAt: &last,
		Triggers: []domain.AutomationTrigger{
			{ID: domain.NewID(), TriggerType: domain.AutomationTriggerDeviceState, DeviceID: "motion1", Property: "occupancy", Operator: domain.OpAnyChange},
		},
		Actions: []domain.AutomationAction{
			{ID: domain.NewID(), ActionType: domain.ActionNotification, NotificationMessage: "motion"},
		},
	}
	eng, _, rs := newTestEngine(t, []domain.AutomationRule{rule}, nil, now)

	eng.ProcessDeviceStateChange(context.Background(), "motion1", "occupancy", false, true)

	if len(rs.logs) != 1 {
		t.Fatalf("expected 1 execution log for skipped cooldown, got %d", len(rs.logs))
	}
	if rs.logs[0].Status != domain.StatusSkippedCooldown {
		t.Fatalf("status = %v, want SkippedCooldown", rs.logs[0].Status)
	}
	if len(rs.logs[0].ActionResults) != 0 {
		t.Fatalf("expected zero action results for skipped cooldown")
	}
}

func TestConditionFailureLogsSkippedConditionWithNoActions(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	rule := domain.AutomationRule{
		ID:            domain.NewID(),
		Name:          "conditioned rule",
		IsEnabled:     true,
		TriggerMode:   domain.TriggerModeAny,
		ConditionMode: domain.ConditionModeAll,
		Triggers: []domain.AutomationTrigger{
			{ID: domain.NewID(), TriggerType: domain.AutomationTriggerDeviceState, DeviceID: "switch1", Property: "state", Operator: domain.OpChangesTo, Value: strVal("ON")},
		},
		Conditions: []domain.AutomationCondition{
			{ID: domain.NewID(), ConditionType: domain.ConditionDeviceState, DeviceID: "presence1", Property: "occupancy", Operator: domain.OpEquals, Value: func() *domain.Value { v := domain.BoolValue(true); return &v }()},
		},
		Actions: []domain.AutomationAction{
			{ID: domain.NewID(), ActionType: domain.ActionNotification, NotificationMessage: "hi"},
		},
	}
	eng, pub, rs := newTestEngine(t, []domain.AutomationRule{rule}, nil, now)

	eng.ProcessDeviceStateChange(context.Background(), "switch1", "state", "OFF", "ON")

	pub.mu.Lock()
	n := len(pub.published)
	pub.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected no publishes when condition fails, got %d", n)
	}
	if len(rs.logs) != 1 {
		t.Fatalf("expected one SkippedCondition execution log when condition evaluation fails, got %d", len(rs.logs))
	}
	if rs.logs[0].Status != domain.StatusSkippedCondition {
		t.Fatalf("expected StatusSkippedCondition, got %v", rs.logs[0].Status)
	}
	if len(rs.logs[0].ActionResults) != 0 {
		t.Fatalf("expected zero action results on a condition-skip log, got %d", len(rs.logs[0].ActionResults))
	}
}

func TestToggleDeviceDefaultsToOnWhenUncached(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	rule := domain.AutomationRule{
		ID:          domain.NewID(),
		Name:        "toggle rule",
		IsEnabled:   true,
		TriggerMode: domain.TriggerModeAny,
		Triggers: []domain.AutomationTrigger{
			{ID: domain.NewID(), TriggerType: domain.AutomationTriggerManual, DeviceID: "lamp1"},
		},
		Actions: []domain.AutomationAction{
			{ID: domain.NewID(), ActionType: domain.ActionToggleDevice, DeviceID: "lamp1", Property: "state"},
		},
	}
	eng, pub, _ := newTestEngine(t, []domain.AutomationRule{rule}, nil, now)

	eng.evaluateAndRunRaw(context.Background(), eng.cachedRules()[0], []byte("{}"), "lamp1", 0, signals.PipelineSnapshot{})

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pub.published))
	}
	payload, ok := pub.published[0].payload.(map[string]any)
	if !ok {
		t.Fatalf("unexpected payload type %T", pub.published[0].payload)
	}
	if payload["state"] != "ON" {
		t.Fatalf("state = %v, want ON", payload["state"])
	}
}

func TestTriggerModeAllRequiresEveryTriggerSinceLastFire(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	t1 := domain.NewID()
	t2 := domain.NewID()
	rule := domain.AutomationRule{
		ID:          domain.NewID(),
		Name:        "all-mode rule",
		IsEnabled:   true,
		TriggerMode: domain.TriggerModeAll,
		Triggers: []domain.AutomationTrigger{
			{ID: t1, TriggerType: domain.AutomationTriggerDeviceState, DeviceID: "a", Property: "p", Operator: domain.OpAnyChange},
			{ID: t2, TriggerType: domain.AutomationTriggerDeviceState, DeviceID: "b", Property: "p", Operator: domain.OpAnyChange},
		},
		Actions: []domain.AutomationAction{
			{ID: domain.NewID(), ActionType: domain.ActionNotification, NotificationMessage: "both"},
		},
	}
	eng, _, rs := newTestEngine(t, []domain.AutomationRule{rule}, nil, now)

	eng.ProcessDeviceStateChange(context.Background(), "a", "p", 1, 2)
	if len(rs.logs) != 0 {
		t.Fatalf("rule should not fire after only one of two triggers matched")
	}
	eng.ProcessDeviceStateChange(context.Background(), "b", "p", 1, 2)
	if len(rs.logs) != 1 {
		t.Fatalf("rule should fire once both triggers have matched, got %d logs", len(rs.logs))
	}
}

func TestWebhookActionNon2xxIsFailure(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	rule := domain.AutomationRule{
		ID:          domain.NewID(),
		Name:        "webhook rule",
		IsEnabled:   true,
		TriggerMode: domain.TriggerModeAny,
		Triggers: []domain.AutomationTrigger{
			{ID: domain.NewID(), TriggerType: domain.AutomationTriggerManual, DeviceID: "x"},
		},
		Actions: []domain.AutomationAction{
			{ID: domain.NewID(), ActionType: domain.ActionWebhook, WebhookURL: "http://example.invalid/hook", SortOrder: 0},
		},
	}
	rs := &fakeRuleStore{rules: []domain.AutomationRule{rule}}
	eng := New("sdhome", 30, Deps{
		Rules:      rs,
		Devices:    &fakeDeviceStore{devices: map[string]domain.Device{}},
		Scenes:     &fakeSceneStore{scenes: map[uuid.UUID]domain.Scene{}},
		Readings:   fakeReadingStore{},
		Triggers:   fakeTriggerStore{},
		Publisher:  &fakePublisher{},
		Bus:        noopBus{},
		Clock:      clock.NewFixed(now),
		HTTPClient: &fakeHTTPClient{status: 500},
	})
	if err := eng.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	eng.evaluateAndRunRaw(context.Background(), eng.cachedRules()[0], []byte("{}"), "x", 0, signals.PipelineSnapshot{})

	if len(rs.logs) != 1 {
		t.Fatalf("expected 1 execution log, got %d", len(rs.logs))
	}
	if rs.logs[0].Status != domain.StatusFailure {
		t.Fatalf("status = %v, want Failure", rs.logs[0].Status)
	}
}

func TestActivateSceneAppliesEveryPairEvenAfterOneFailure(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	sceneID := domain.NewID()
	scene := domain.Scene{
		ID:   sceneID,
		Name: "movie night",
		DeviceStates: map[string]map[string]domain.Value{
			"lamp1": {"state": domain.StringValue("OFF")},
			"tv1":   {"state": domain.StringValue("ON")},
		},
	}
	rule := domain.AutomationRule{
		ID:          domain.NewID(),
		Name:        "scene rule",
		IsEnabled:   true,
		TriggerMode: domain.TriggerModeAny,
		Triggers: []domain.AutomationTrigger{
			{ID: domain.NewID(), TriggerType: domain.AutomationTriggerManual, DeviceID: "x"},
		},
		Actions: []domain.AutomationAction{
			{ID: domain.NewID(), ActionType: domain.ActionActivateScene, SceneID: &sceneID},
		},
	}
	rs := &fakeRuleStore{rules: []domain.AutomationRule{rule}}
	pub := &failingPublisher{failDeviceID: "lamp1"}
	eng := New("sdhome", 30, Deps{
		Rules:      rs,
		Devices:    &fakeDeviceStore{devices: map[string]domain.Device{}},
		Scenes:     &fakeSceneStore{scenes: map[uuid.UUID]domain.Scene{sceneID: scene}},
		Readings:   fakeReadingStore{},
		Triggers:   fakeTriggerStore{},
		Publisher:  pub,
		Bus:        noopBus{},
		Clock:      clock.NewFixed(now),
		HTTPClient: &fakeHTTPClient{status: 200},
	})
	if err := eng.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	eng.evaluateAndRunRaw(context.Background(), eng.cachedRules()[0], []byte("{}"), "x", 0, signals.PipelineSnapshot{})

	if len(pub.attempts) != 2 {
		t.Fatalf("expected both scene devices attempted despite one failure, got %d attempts", len(pub.attempts))
	}
	// ActivateScene is a single action: one device failing among its
	// pairs still fails the action's own ActionResult, so the rule's
	// overall status is Failure (its only action did not fully succeed),
	// not PartialFailure (which requires a mix across distinct actions).
	if len(rs.logs) != 1 || rs.logs[0].Status != domain.StatusFailure {
		t.Fatalf("expected Failure status, got %+v", rs.logs)
	}
}

type failingPublisher struct {
	mu           sync.Mutex
	failDeviceID string
	attempts     []string
}

func (f *failingPublisher) Publish(ctx context.Context, topic string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for devID := range map[string]bool{"lamp1": true, "tv1": true} {
		if topic == "sdhome/"+devID+"/set" {
			f.attempts = append(f.attempts, devID)
			if devID == f.failDeviceID {
				return errWebhookBoom
			}
			return nil
		}
	}
	return nil
}

var errWebhookBoom = &testError{"publish failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
