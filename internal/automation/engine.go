// Package automation evaluates user-defined rules against device-state
// changes, trigger events, sensor readings, and a time tick, executing
// matching rules' actions (spec §4.5).
package automation

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sdhome/core/internal/broadcaster"
	"github.com/sdhome/core/internal/clock"
	"github.com/sdhome/core/internal/domain"
	"github.com/sdhome/core/internal/signals"
	"github.com/sdhome/core/internal/store"
)

// CommandPublisher is the device command path actions publish through.
type CommandPublisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Tracker is the subset of the end-to-end latency tracker the engine
// drives (spec §4.8).
type Tracker interface {
	StartTracking(triggerDeviceID, ruleName, targetDeviceID string, snap signals.PipelineSnapshot) string
	RecordAutomationLookup(trackingID string, durationMs int64)
	RecordActionExecution(trackingID string, durationMs int64, targetDeviceID string)
}

// Engine owns the in-memory device-state/sensor-reading caches and
// evaluates rules against every stimulus (spec §4.5). Lifecycle
// (start/stop, single background ticker) is grounded on the teacher's
// internal/scheduler.Scheduler; the mutex-guarded rule cache with a
// periodic reload swap is grounded on
// other_examples/c0bc899c_PetoAdam-homenavi's automation engine
// (workflows/defs map swap under a single RWMutex-free mutex, applied
// here to AutomationRule instead of a node-graph workflow).
type Engine struct {
	baseTopic string
	tick      time.Duration

	rules     store.AutomationRuleStore
	devices   store.DeviceStore
	scenes    store.SceneStore
	readings  store.SensorReadingStore
	triggers  store.TriggerEventStore

	publisher CommandPublisher
	bus       broadcaster.Port
	tracker   Tracker
	clock     clock.Clock
	logger    *slog.Logger

	httpClient webhookClient
	breaker    breaker

	mu          sync.Mutex
	ruleCache   []domain.AutomationRule
	deviceState map[string]map[string]any
	sensorState map[string]map[string]float64
	satisfied   map[uuid.UUID]map[uuid.UUID]bool // ruleID -> triggerID -> satisfied-since-last-fire (triggerMode=All)

	// fileRuleIDs maps a rules_dir file path to the rule ID it last
	// synced to the store. Only touched from the single WatchRules
	// goroutine, so it needs no locking of its own.
	fileRuleIDs map[string]uuid.UUID

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Deps bundles Engine's collaborators, mirroring the teacher's Options
// struct pattern for optional/swappable dependencies.
type Deps struct {
	Rules      store.AutomationRuleStore
	Devices    store.DeviceStore
	Scenes     store.SceneStore
	Readings   store.SensorReadingStore
	Triggers   store.TriggerEventStore
	Publisher  CommandPublisher
	Bus        broadcaster.Port
	Tracker    Tracker // may be nil
	Clock      clock.Clock
	Logger     *slog.Logger
	HTTPClient webhookClient // may be nil, defaults to httpkit
}

// New creates an Engine. baseTopic is used to build device command
// topics; tickSeconds <= 0 falls back to the spec default of 30.
func New(baseTopic string, tickSeconds int, deps Deps) *Engine {
	if tickSeconds <= 0 {
		tickSeconds = 30
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = newDefaultWebhookClient()
	}
	return &Engine{
		baseTopic:   baseTopic,
		tick:        time.Duration(tickSeconds) * time.Second,
		rules:       deps.Rules,
		devices:     deps.Devices,
		scenes:      deps.Scenes,
		readings:    deps.Readings,
		triggers:    deps.Triggers,
		publisher:   deps.Publisher,
		bus:         deps.Bus,
		tracker:     deps.Tracker,
		clock:       deps.Clock,
		logger:      deps.Logger,
		httpClient:  deps.HTTPClient,
		breaker:     newBreaker(),
		deviceState: map[string]map[string]any{},
		sensorState: map[string]map[string]float64{},
		satisfied:   map[uuid.UUID]map[uuid.UUID]bool{},
		fileRuleIDs: map[string]uuid.UUID{},
		stopCh:      make(chan struct{}),
	}
}

// Start loads enabled rules, hydrates the device-state cache from the
// persisted device attributes and the sensor-reading cache from a 24h
// look-back of persisted readings, and begins the internal tick loop.
// It blocks until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Reload(ctx); err != nil {
		return err
	}
	if err := e.hydrateCaches(ctx); err != nil {
		e.logger.Warn("automation: cache hydration failed", "error", err)
	}

	e.wg.Add(1)
	go e.tickLoop(ctx)

	<-ctx.Done()
	close(e.stopCh)
	e.wg.Wait()
	return nil
}

// Reload refreshes the rule cache from the store. Safe to call
// concurrently with evaluation.
func (e *Engine) Reload(ctx context.Context) error {
	rules, err := e.rules.List(ctx)
	if err != nil {
		return err
	}
	valid := make([]domain.AutomationRule, 0, len(rules))
	for _, r := range rules {
		if err := ValidateRule(r); err != nil {
			e.logger.Warn("automation: rule failed validation, skipping", "ruleId", r.ID, "name", r.Name, "error", err)
			continue
		}
		valid = append(valid, r)
	}
	e.mu.Lock()
	e.ruleCache = valid
	e.mu.Unlock()
	return nil
}

func (e *Engine) tickLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.evaluateTimeTick(ctx)
		}
	}
}

// hydrateCaches seeds the device-state cache from the device registry
// (its Attributes map is already a superset of every property
// state-sync has observed) and the sensor-reading cache from the most
// recent reading per (device, metric) among the newest 1000 readings of
// each device within the 24h look-back window.
func (e *Engine) hydrateCaches(ctx context.Context) error {
	devices, err := e.devices.List(ctx)
	if err != nil {
		return err
	}
	e.mu.Lock()
	for _, d := range devices {
		m := make(map[string]any, len(d.Attributes))
		for k, v := range d.Attributes {
			m[k] = v
		}
		e.deviceState[d.DeviceID] = m
	}
	e.mu.Unlock()

	since := e.clock.Now().Add(-24 * time.Hour)
	for _, d := range devices {
		readings, err := e.readings.ListByDevice(ctx, d.DeviceID, "", since, 1000)
		if err != nil {
			return err
		}
		latest := map[string]float64{}
		for i := len(readings) - 1; i >= 0; i-- { // newest-first list: walk oldest to newest
			latest[readings[i].Metric] = readings[i].Value
		}
		e.mu.Lock()
		e.sensorState[d.DeviceID] = latest
		e.mu.Unlock()
	}
	return nil
}

// cachedRules returns a snapshot of the current rule cache, enabled
// rules only.
func (e *Engine) cachedRules() []domain.AutomationRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.AutomationRule, 0, len(e.ruleCache))
	for _, r := range e.ruleCache {
		if r.IsEnabled {
			out = append(out, r)
		}
	}
	return out
}

func (e *Engine) setDeviceState(deviceID, property string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.deviceState[deviceID]
	if !ok {
		m = map[string]any{}
		e.deviceState[deviceID] = m
	}
	m[property] = value
}

func (e *Engine) getDeviceState(deviceID, property string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.deviceState[deviceID]
	if !ok {
		return nil, false
	}
	v, ok := m[property]
	return v, ok
}

func (e *Engine) setSensorReading(deviceID, metric string, value float64) (old float64, hadOld bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.sensorState[deviceID]
	if !ok {
		m = map[string]float64{}
		e.sensorState[deviceID] = m
	}
	old, hadOld = m[metric]
	m[metric] = value
	return old, hadOld
}

// markSatisfied records that triggerID on ruleID matched the current
// stimulus, and reports whether every trigger on the rule has now been
// satisfied at least once since the last reset (spec §9 Open Question:
// triggerMode=All semantics).
func (e *Engine) markSatisfied(rule domain.AutomationRule, triggerID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.satisfied[rule.ID]
	if !ok {
		set = map[uuid.UUID]bool{}
		e.satisfied[rule.ID] = set
	}
	set[triggerID] = true
	for _, t := range rule.Triggers {
		if !set[t.ID] {
			return false
		}
	}
	return true
}

func (e *Engine) resetSatisfied(ruleID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.satisfied, ruleID)
}

// ProcessDeviceStateChange is the entry point driven by the state-sync
// worker's attribute-merge step (spec §4.5.1). It does not block
// ingestion because state-sync calls it from its own drain goroutine;
// rule evaluation and the actions of every fired rule (publishes,
// webhook calls, Delay waits) run synchronously within this call.
func (e *Engine) ProcessDeviceStateChange(ctx context.Context, deviceID, property string, oldValue, newValue any) {
	e.setDeviceState(deviceID, property, newValue)

	lookupStart := time.Now()
	var fired []firedRule
	for _, rule := range e.cachedRules() {
		ok, triggerID := matchDeviceStateRule(rule, deviceID, property, oldValue, newValue)
		if !ok {
			continue
		}
		if e.shouldFire(rule, triggerID) {
			fired = append(fired, firedRule{rule: rule, source: map[string]any{
				"type": "DeviceState", "deviceId": deviceID, "property": property,
				"oldValue": oldValue, "newValue": newValue,
			}})
		} else {
			e.logTriggerSkipped(rule)
		}
	}
	lookupMs := time.Since(lookupStart).Milliseconds()

	for _, f := range fired {
		e.evaluateAndRun(ctx, f.rule, f.source, deviceID, lookupMs, signals.PipelineSnapshot{})
	}
}

// ProcessTriggerEvent is driven by the signals pipeline (spec §4.2, §4.5.1).
func (e *Engine) ProcessTriggerEvent(ctx context.Context, evt domain.TriggerEvent, snap signals.PipelineSnapshot) {
	lookupStart := time.Now()
	var fired []firedRule
	for _, rule := range e.cachedRules() {
		ok, triggerID := matchTriggerEventRule(rule, evt)
		if !ok {
			continue
		}
		if e.shouldFire(rule, triggerID) {
			src, _ := marshalTriggerSource(evt)
			fired = append(fired, firedRule{rule: rule, rawSource: src})
		} else {
			e.logTriggerSkipped(rule)
		}
	}
	lookupMs := time.Since(lookupStart).Milliseconds()

	for _, f := range fired {
		e.evaluateAndRunRaw(ctx, f.rule, f.rawSource, evt.DeviceID, lookupMs, snap)
	}
}

// ProcessSensorReading is driven by the signals pipeline (spec §4.2, §4.5.1).
func (e *Engine) ProcessSensorReading(ctx context.Context, reading domain.SensorReading, snap signals.PipelineSnapshot) {
	old, hadOld := e.setSensorReading(reading.DeviceID, reading.Metric, reading.Value)

	lookupStart := time.Now()
	var fired []firedRule
	for _, rule := range e.cachedRules() {
		ok, triggerID := matchSensorReadingRule(rule, reading, old, hadOld)
		if !ok {
			continue
		}
		if e.shouldFire(rule, triggerID) {
			fired = append(fired, firedRule{rule: rule, source: map[string]any{
				"type": "SensorReading", "deviceId": reading.DeviceID, "metric": reading.Metric,
				"oldValue": old, "newValue": reading.Value,
			}})
		} else {
			e.logTriggerSkipped(rule)
		}
	}
	lookupMs := time.Since(lookupStart).Milliseconds()

	for _, f := range fired {
		e.evaluateAndRun(ctx, f.rule, f.source, reading.DeviceID, lookupMs, snap)
	}
}

func (e *Engine) evaluateTimeTick(ctx context.Context) {
	now := e.clock.Now()
	for _, rule := range e.cachedRules() {
		ok, triggerID := matchTimeRule(rule, now)
		if !ok {
			continue
		}
		if !e.shouldFire(rule, triggerID) {
			e.logTriggerSkipped(rule)
			continue
		}
		source := map[string]any{"type": "Time", "at": now.Format("15:04")}
		e.evaluateAndRun(ctx, rule, source, "", 0, signals.PipelineSnapshot{})
	}
}

type firedRule struct {
	rule      domain.AutomationRule
	source    map[string]any
	rawSource []byte
}

// shouldFire applies the triggerMode semantics: Any fires immediately
// for a matching trigger; All requires every trigger on the rule to
// have matched since the last fire/reset (spec §9 Open Question).
func (e *Engine) shouldFire(rule domain.AutomationRule, triggerID uuid.UUID) bool {
	if rule.TriggerMode == domain.TriggerModeAll {
		complete := e.markSatisfied(rule, triggerID)
		if complete {
			e.resetSatisfied(rule.ID)
		}
		return complete
	}
	return true
}

func (e *Engine) evaluateAndRun(ctx context.Context, rule domain.AutomationRule, source map[string]any, triggerDeviceID string, lookupMs int64, snap signals.PipelineSnapshot) {
	raw, _ := marshalTriggerSource(source)
	e.evaluateAndRunRaw(ctx, rule, raw, triggerDeviceID, lookupMs, snap)
}

// evaluateAndRunRaw runs the cooldown gate, condition evaluation, and
// action execution for a rule that has already matched a trigger
// (spec §4.5.3-§4.5.6).
func (e *Engine) evaluateAndRunRaw(ctx context.Context, rule domain.AutomationRule, triggerSource []byte, triggerDeviceID string, lookupMs int64, snap signals.PipelineSnapshot) {
	e.logTriggerMatched(rule)

	var trackingID string
	if e.tracker != nil {
		trackingID = e.tracker.StartTracking(triggerDeviceID, rule.Name, "", snap)
		e.tracker.RecordAutomationLookup(trackingID, lookupMs)
	}

	now := e.clock.Now()
	if skip, remaining := e.cooldownActive(rule, now); skip {
		e.logCooldownActive(rule, remaining)
		e.appendLog(ctx, rule, domain.StatusSkippedCooldown, triggerSource, nil, 0, "")
		return
	}

	e.logConditionEvaluating(rule)
	if !e.evaluateConditions(rule, now) {
		e.logConditionFailed(rule)
		e.appendLog(ctx, rule, domain.StatusSkippedCondition, triggerSource, nil, 0, "")
		return
	}
	e.logConditionPassed(rule)

	start := time.Now()
	results := e.executeActions(ctx, rule, trackingID)
	durationMs := time.Since(start).Milliseconds()

	status := aggregateStatus(results)
	errMsg := ""
	switch status {
	case domain.StatusSuccess:
		e.logExecutionCompleted(rule, durationMs)
	default:
		errMsg = firstActionError(results)
		e.logExecutionFailed(rule, status, errMsg)
	}

	if err := e.rules.SetLastTriggered(ctx, rule.ID, now); err != nil {
		e.logger.Error("automation: failed to persist last-triggered", "ruleId", rule.ID, "error", err)
	}
	e.touchRuleCache(rule.ID, now)

	e.appendLog(ctx, rule, status, triggerSource, results, durationMs, errMsg)
}

// touchRuleCache updates the cached copy of a rule's lastTriggeredAt
// after a successful fire, so the cooldown gate on the very next
// stimulus sees it without waiting for the next Reload.
func (e *Engine) touchRuleCache(ruleID uuid.UUID, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.ruleCache {
		if e.ruleCache[i].ID == ruleID {
			e.ruleCache[i].LastTriggeredAt = &at
			e.ruleCache[i].ExecutionCount++
			return
		}
	}
}

func aggregateStatus(results []domain.ActionResult) domain.ExecutionStatus {
	if len(results) == 0 {
		return domain.StatusSuccess
	}
	successes, failures := 0, 0
	for _, r := range results {
		if r.Success {
			successes++
		} else {
			failures++
		}
	}
	switch {
	case failures == 0:
		return domain.StatusSuccess
	case successes == 0:
		return domain.StatusFailure
	default:
		return domain.StatusPartialFailure
	}
}

func firstActionError(results []domain.ActionResult) string {
	for _, r := range results {
		if !r.Success {
			return r.Error
		}
	}
	return ""
}

func (e *Engine) appendLog(ctx context.Context, rule domain.AutomationRule, status domain.ExecutionStatus, triggerSource []byte, results []domain.ActionResult, durationMs int64, errMsg string) {
	log := domain.AutomationExecutionLog{
		ID:            domain.NewID(),
		RuleID:        rule.ID,
		ExecutedAt:    e.clock.Now(),
		Status:        status,
		TriggerSource: triggerSource,
		ActionResults: results,
		DurationMs:    durationMs,
		ErrorMessage:  errMsg,
	}
	if err := e.rules.AppendExecutionLog(ctx, log); err != nil {
		e.logger.Error("automation: failed to append execution log", "ruleId", rule.ID, "error", err)
	}
}

func marshalTriggerSource(v any) ([]byte, error) {
	return json.Marshal(v)
}

// sortActions returns rule.Actions ordered by SortOrder, stable for
// equal values so authoring order is preserved as a tiebreak.
func sortActions(actions []domain.AutomationAction) []domain.AutomationAction {
	out := make([]domain.AutomationAction, len(actions))
	copy(out, actions)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out
}
