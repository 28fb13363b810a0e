// Package e2e correlates an inbound stimulus with the eventual
// target-device confirmation it caused, and emits a categorized
// latency breakdown for the UI (spec §4.8).
package e2e

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sdhome/core/internal/automation"
	"github.com/sdhome/core/internal/broadcaster"
	"github.com/sdhome/core/internal/clock"
	"github.com/sdhome/core/internal/domain"
	"github.com/sdhome/core/internal/signals"
)

var _ automation.Tracker = (*Tracker)(nil)

// watchdogTimeout is how long a timeline waits for a target device's
// confirmation before it closes as timed out (spec §4.8, testable
// property 5).
const watchdogTimeout = 5 * time.Second

// bufferCapacity bounds the ring of completed timelines kept for
// inspection/replay, mirroring the teacher's fixed-capacity window.
const bufferCapacity = 100

type timeline struct {
	trackingID      string
	triggerDeviceID string
	ruleName        string
	targetDeviceID  string
	stages          []broadcaster.TimelineStage
	startedAt       time.Time
	actionSentAt    time.Time
	resolved        bool
	cancelWatchdog  func()
}

// Tracker implements automation.Tracker. Active/pending timelines live
// in maps guarded by one mutex (spec §5); resolving a pending entry
// atomically removes the waiting record and writes the completed
// timeline onto the ring buffer.
type Tracker struct {
	bus    broadcaster.Port
	clock  clock.Clock
	logger *slog.Logger

	watchdog time.Duration // defaults to watchdogTimeout; overridable in tests

	mu              sync.Mutex
	active          map[string]*timeline // trackingID -> in-flight timeline
	pendingByTarget map[string][]string  // targetDeviceID -> FIFO trackingIDs awaiting response

	ring  []broadcaster.PipelineTimeline // circular buffer, pre-allocated
	head  int
	count int
}

// New creates a Tracker. bus and clk must not be nil in production;
// tests may supply a fixed clock.
func New(bus broadcaster.Port, clk clock.Clock, logger *slog.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		bus:             bus,
		clock:           clk,
		logger:          logger,
		watchdog:        watchdogTimeout,
		active:          map[string]*timeline{},
		pendingByTarget: map[string][]string{},
		ring:            make([]broadcaster.PipelineTimeline, bufferCapacity),
	}
}

// StartTracking opens a new timeline for a stimulus, seeding it with
// the pre-automation pipeline snapshot's signal/db/broadcast stage
// durations (spec §4.8).
func (t *Tracker) StartTracking(triggerDeviceID, ruleName, targetDeviceID string, snap signals.PipelineSnapshot) string {
	id := domain.NewID().String()
	tl := &timeline{
		trackingID:      id,
		triggerDeviceID: triggerDeviceID,
		ruleName:        ruleName,
		targetDeviceID:  targetDeviceID,
		startedAt:       t.clock.Now(),
	}
	tl.stages = append(tl.stages,
		broadcaster.TimelineStage{Name: broadcaster.StageSignal, DurationMs: snap.ParseMs},
		broadcaster.TimelineStage{Name: broadcaster.StageDB, DurationMs: snap.DBMs},
		broadcaster.TimelineStage{Name: broadcaster.StageBroadcast, DurationMs: snap.BroadcastMs},
	)

	t.mu.Lock()
	t.active[id] = tl
	t.mu.Unlock()
	return id
}

// RecordAutomationLookup appends the rule-lookup stage duration.
func (t *Tracker) RecordAutomationLookup(trackingID string, durationMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tl, ok := t.active[trackingID]
	if !ok {
		return
	}
	tl.stages = append(tl.stages, broadcaster.TimelineStage{Name: broadcaster.StageAutomation, DurationMs: durationMs})
}

// RecordActionExecution appends the action-execution stage, marks the
// timeline as waiting on targetDeviceID, and arms a 5s watchdog that
// closes the timeline as timed out if no response arrives in time.
func (t *Tracker) RecordActionExecution(trackingID string, durationMs int64, targetDeviceID string) {
	t.mu.Lock()
	tl, ok := t.active[trackingID]
	if !ok {
		t.mu.Unlock()
		return
	}
	tl.stages = append(tl.stages, broadcaster.TimelineStage{Name: broadcaster.StageMQTT, DurationMs: durationMs})
	tl.actionSentAt = t.clock.Now()
	if targetDeviceID == "" {
		// Nothing to wait for; close immediately.
		t.finalizeWithResponseLocked(tl, nil)
		t.mu.Unlock()
		return
	}
	tl.targetDeviceID = targetDeviceID
	t.pendingByTarget[targetDeviceID] = append(t.pendingByTarget[targetDeviceID], trackingID)

	timer := time.AfterFunc(t.watchdog, func() { t.onWatchdog(trackingID, targetDeviceID) })
	tl.cancelWatchdog = func() { timer.Stop() }
	t.mu.Unlock()
}

func (t *Tracker) onWatchdog(trackingID, targetDeviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tl, ok := t.active[trackingID]
	if !ok || tl.resolved {
		return
	}
	t.removePendingLocked(targetDeviceID, trackingID)
	t.finalizeWithResponseLocked(tl, nil)
}

// RecordTargetDeviceResponse resolves the oldest-waiting timeline for
// deviceId in FIFO order (spec §4.8 invariant).
func (t *Tracker) RecordTargetDeviceResponse(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	queue := t.pendingByTarget[deviceID]
	if len(queue) == 0 {
		return
	}
	trackingID := queue[0]
	t.pendingByTarget[deviceID] = queue[1:]
	if len(t.pendingByTarget[deviceID]) == 0 {
		delete(t.pendingByTarget, deviceID)
	}

	tl, ok := t.active[trackingID]
	if !ok || tl.resolved {
		return
	}
	if tl.cancelWatchdog != nil {
		tl.cancelWatchdog()
	}

	now := t.clock.Now()
	responseMs := now.Sub(tl.actionSentAt).Milliseconds()
	tl.stages = append(tl.stages, broadcaster.TimelineStage{Name: broadcaster.StageZigbee, DurationMs: responseMs})
	t.finalizeWithResponseLocked(tl, &responseMs)
}

// removePendingLocked drops trackingID from deviceID's FIFO queue
// (used when the watchdog fires before a response arrives, so a later
// stray response for the same device doesn't resolve a closed entry).
func (t *Tracker) removePendingLocked(deviceID, trackingID string) {
	queue := t.pendingByTarget[deviceID]
	for i, id := range queue {
		if id == trackingID {
			t.pendingByTarget[deviceID] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(t.pendingByTarget[deviceID]) == 0 {
		delete(t.pendingByTarget, deviceID)
	}
}

func (t *Tracker) finalizeWithResponseLocked(tl *timeline, responseMs *int64) {
	if tl.resolved {
		return
	}
	tl.resolved = true
	delete(t.active, tl.trackingID)

	var total int64
	for _, s := range tl.stages {
		total += s.DurationMs
	}
	result := broadcaster.PipelineTimeline{
		TrackingID:             tl.trackingID,
		TriggerDeviceID:        tl.triggerDeviceID,
		RuleName:               tl.ruleName,
		TargetDeviceID:         tl.targetDeviceID,
		Stages:                 tl.stages,
		TotalMs:                total,
		TargetDeviceResponseMs: responseMs,
		TimedOut:               responseMs == nil && tl.targetDeviceID != "",
		CompletedAt:            t.clock.Now(),
	}

	t.ring[t.head] = result
	t.head = (t.head + 1) % len(t.ring)
	if t.count < len(t.ring) {
		t.count++
	}

	if t.bus != nil {
		t.bus.BroadcastPipelineTimeline(result)
	}
}

// Recent returns up to n of the most recently completed timelines,
// newest first.
func (t *Tracker) Recent(n int) []broadcaster.PipelineTimeline {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 || n > t.count {
		n = t.count
	}
	out := make([]broadcaster.PipelineTimeline, 0, n)
	idx := (t.head - 1 + len(t.ring)) % len(t.ring)
	for i := 0; i < n; i++ {
		out = append(out, t.ring[idx])
		idx = (idx - 1 + len(t.ring)) % len(t.ring)
	}
	return out
}
