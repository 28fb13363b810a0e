// Package broadcaster is the one-way push boundary between the core
// pipeline and the UI layer. Every method is fire-and-forget: callers
// never receive an error and the broadcaster never calls back into the
// pipeline, which avoids the reentrancy hazard Design Note §9 calls out
// ("the automation engine, the projection service, and the ingestion
// worker all call the broadcaster; the broadcaster must never call back
// into the engine").
package broadcaster

import (
	"time"

	"github.com/sdhome/core/internal/domain"
)

// Port is the one-way push surface the pipeline depends on. It is
// satisfied by *Bus in production and can be stubbed trivially in
// tests.
type Port interface {
	BroadcastSignalEvent(e domain.SignalEvent)
	BroadcastSensorReading(r domain.SensorReading)
	BroadcastTriggerEvent(t domain.TriggerEvent)
	BroadcastDeviceStateUpdate(u DeviceStateUpdate)
	BroadcastAutomationLog(l AutomationLogEntry)
	BroadcastPipelineTimeline(p PipelineTimeline)
	BroadcastDeviceSyncProgress(p DeviceSyncProgress)
	BroadcastDevicePairingProgress(p DevicePairingProgress)
}

// DeviceStateUpdate reports a change to a device's cached attributes,
// pushed after State-Sync or the automation engine's cache observes a
// new value for (deviceId, property).
type DeviceStateUpdate struct {
	DeviceID  string    `json:"deviceId"`
	Property  string    `json:"property"`
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// LogLevel is the severity of one live automation log entry (spec §4.5.6).
type LogLevel string

const (
	LogDebug   LogLevel = "Debug"
	LogInfo    LogLevel = "Info"
	LogWarning LogLevel = "Warning"
	LogSuccess LogLevel = "Success"
	LogError   LogLevel = "Error"
)

// LogPhase names the evaluation phase a live log entry describes.
type LogPhase string

const (
	PhaseTriggerMatched       LogPhase = "TriggerMatched"
	PhaseTriggerSkipped       LogPhase = "TriggerSkipped"
	PhaseCooldownActive       LogPhase = "CooldownActive"
	PhaseConditionEvaluating  LogPhase = "ConditionEvaluating"
	PhaseConditionPassed      LogPhase = "ConditionPassed"
	PhaseConditionFailed      LogPhase = "ConditionFailed"
	PhaseActionExecuting      LogPhase = "ActionExecuting"
	PhaseActionCompleted      LogPhase = "ActionCompleted"
	PhaseActionFailed         LogPhase = "ActionFailed"
	PhaseExecutionCompleted   LogPhase = "ExecutionCompleted"
	PhaseExecutionFailed      LogPhase = "ExecutionFailed"
)

// AutomationLogEntry is one structured live-log line emitted during rule
// evaluation (spec §4.5.6), independent of the append-only
// AutomationExecutionLog persisted after the attempt concludes.
type AutomationLogEntry struct {
	RuleID     string         `json:"ruleId"`
	RuleName   string         `json:"ruleName"`
	Phase      LogPhase       `json:"phase"`
	Level      LogLevel       `json:"level"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	DurationMs *int64         `json:"durationMs,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// TimelineStageName categorizes one segment of a PipelineTimeline for
// UI grouping (spec §4.8).
type TimelineStageName string

const (
	StageSignal    TimelineStageName = "signal"
	StageDB        TimelineStageName = "db"
	StageBroadcast TimelineStageName = "broadcast"
	StageAutomation TimelineStageName = "automation"
	StageMQTT      TimelineStageName = "mqtt"
	StageZigbee    TimelineStageName = "zigbee"
)

// TimelineStage is one named, timed segment of an end-to-end trace.
type TimelineStage struct {
	Name       TimelineStageName `json:"name"`
	DurationMs int64             `json:"durationMs"`
}

// PipelineTimeline is the completed causal trace the E2E tracker
// broadcasts once a correlation resolves or times out (spec §4.8, S5).
type PipelineTimeline struct {
	TrackingID             string          `json:"trackingId"`
	TriggerDeviceID        string          `json:"triggerDeviceId"`
	RuleName               string          `json:"ruleName,omitempty"`
	TargetDeviceID         string          `json:"targetDeviceId,omitempty"`
	Stages                 []TimelineStage `json:"stages"`
	TotalMs                int64           `json:"totalMs"`
	TargetDeviceResponseMs *int64          `json:"targetDeviceResponseMs,omitempty"`
	TimedOut               bool            `json:"timedOut"`
	CompletedAt            time.Time       `json:"completedAt"`
}

// DeviceSyncProgress reports state-sync worker poll-cycle progress.
type DeviceSyncProgress struct {
	DevicesPolled int       `json:"devicesPolled"`
	DevicesTotal  int       `json:"devicesTotal"`
	Timestamp     time.Time `json:"timestamp"`
}

// PairingStatus enumerates the pairing sub-protocol's observable states
// (spec §4.7).
type PairingStatus string

const (
	PairingStarting     PairingStatus = "Starting"
	PairingActive       PairingStatus = "Active"
	PairingInterviewing PairingStatus = "Interviewing"
	PairingDevicePaired PairingStatus = "DevicePaired"
	PairingCountdownTick PairingStatus = "CountdownTick"
	PairingStopping     PairingStatus = "Stopping"
	PairingEnded        PairingStatus = "Ended"
	PairingFailed       PairingStatus = "Failed"
)

// DiscoveredDevice is one device seen during an active pairing window.
type DiscoveredDevice struct {
	IEEEAddress string `json:"ieeeAddress"`
	Status      string `json:"status"`
}

// DevicePairingProgress is one snapshot of the pairing state machine
// (spec §4.7).
type DevicePairingProgress struct {
	ID                string              `json:"id"`
	Status            PairingStatus       `json:"status"`
	Message           string              `json:"message,omitempty"`
	RemainingSeconds  int                 `json:"remainingSeconds"`
	TotalSeconds      int                 `json:"totalSeconds"`
	CurrentDevice     string              `json:"currentDevice,omitempty"`
	DiscoveredDevices []DiscoveredDevice  `json:"discoveredDevices"`
	Timestamp         time.Time           `json:"timestamp"`
}
