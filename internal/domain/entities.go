package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// DeviceKind classifies the physical device a signal originated from.
type DeviceKind string

const (
	DeviceKindUnknown     DeviceKind = "Unknown"
	DeviceKindButton      DeviceKind = "Button"
	DeviceKindMotion      DeviceKind = "Motion"
	DeviceKindContact     DeviceKind = "Contact"
	DeviceKindThermometer DeviceKind = "Thermometer"
	DeviceKindLight       DeviceKind = "Light"
	DeviceKindSwitch      DeviceKind = "Switch"
	DeviceKindOutlet      DeviceKind = "Outlet"
)

// EventCategory buckets a SignalEvent for downstream filtering.
type EventCategory string

const (
	EventCategoryTelemetry EventCategory = "Telemetry"
	EventCategoryCommand   EventCategory = "Command"
	EventCategoryState     EventCategory = "State"
)

// SignalEvent is the immutable, durable record of one accepted inbound
// broker message (spec §3). It is the causal anchor every downstream
// projection and automation stimulus traces back to.
type SignalEvent struct {
	ID             uuid.UUID       `json:"id"`
	Timestamp      time.Time       `json:"timestamp"`
	Source         string          `json:"source"`
	DeviceID       string          `json:"deviceId"`
	Capability     string          `json:"capability"`
	EventType      string          `json:"eventType"`
	EventSubType   string          `json:"eventSubType,omitempty"`
	Value          *Value          `json:"value,omitempty"`
	RawTopic       string          `json:"rawTopic"`
	RawPayload     json.RawMessage `json:"rawPayload"`
	DeviceKind     DeviceKind      `json:"deviceKind"`
	EventCategory  EventCategory   `json:"eventCategory"`
}

// SensorReading is one derived numeric reading from a SignalEvent.
type SensorReading struct {
	ID            uuid.UUID `json:"id"`
	SignalEventID uuid.UUID `json:"signalEventId"`
	Timestamp     time.Time `json:"timestamp"`
	DeviceID      string    `json:"deviceId"`
	Metric        string    `json:"metric"`
	Value         float64   `json:"value"`
	Unit          string    `json:"unit,omitempty"`
}

// Known sensor reading metrics (spec §3).
const (
	MetricTemperature = "temperature"
	MetricHumidity    = "humidity"
	MetricPressure    = "pressure"
	MetricIlluminance = "illuminance"
	MetricBattery     = "battery"
	MetricVoltage     = "voltage"
	MetricLinkQuality = "linkquality"
	MetricBrightness  = "brightness"
	MetricPower       = "power"
	MetricEnergy      = "energy"
)

// TriggerEvent is the at-most-one derived trigger from a SignalEvent.
type TriggerEvent struct {
	ID            uuid.UUID `json:"id"`
	SignalEventID uuid.UUID `json:"signalEventId"`
	Timestamp     time.Time `json:"timestamp"`
	DeviceID      string    `json:"deviceId"`
	Capability    string    `json:"capability"`
	TriggerType   string    `json:"triggerType"`
	TriggerSubType string   `json:"triggerSubType,omitempty"`
	Value         *bool     `json:"value,omitempty"`
}

// Known trigger types (spec §3).
const (
	TriggerTypeMotion  = "motion"
	TriggerTypeButton  = "button"
	TriggerTypeContact = "contact"
	TriggerTypeState   = "state"
)

// DeviceType classifies a Device for UI grouping purposes.
type DeviceType string

const (
	DeviceTypeLight   DeviceType = "Light"
	DeviceTypeSwitch  DeviceType = "Switch"
	DeviceTypeSensor  DeviceType = "Sensor"
	DeviceTypeClimate DeviceType = "Climate"
	DeviceTypeLock    DeviceType = "Lock"
	DeviceTypeCover   DeviceType = "Cover"
	DeviceTypeFan     DeviceType = "Fan"
	DeviceTypeOther   DeviceType = "Other"
)

// Device is the persistent record of one physical/logical device (spec §3).
type Device struct {
	DeviceID      string         `json:"deviceId"`
	FriendlyName  string         `json:"friendlyName"`
	DisplayName   string         `json:"displayName,omitempty"`
	IEEEAddress   string         `json:"ieeeAddress,omitempty"`
	ModelID       string         `json:"modelId,omitempty"`
	Manufacturer  string         `json:"manufacturer,omitempty"`
	Description   string         `json:"description,omitempty"`
	PowerSource   bool           `json:"powerSource"`
	DeviceType    DeviceType     `json:"deviceType,omitempty"`
	ZoneID        *int64         `json:"zoneId,omitempty"`
	Capabilities  []string       `json:"capabilities"`
	Attributes    map[string]any `json:"attributes"`
	LastSeen      *time.Time     `json:"lastSeen,omitempty"`
	IsAvailable   bool           `json:"isAvailable"`
	LinkQuality   *int           `json:"linkQuality,omitempty"`
}

// EffectiveDisplayName returns DisplayName, falling back to FriendlyName.
func (d Device) EffectiveDisplayName() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.FriendlyName
}

// Zone is a node in the location tree (spec §3).
type Zone struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	ParentZoneID *int64 `json:"parentZoneId,omitempty"`
	Icon         string `json:"icon,omitempty"`
	Color        string `json:"color,omitempty"`
	SortOrder    int    `json:"sortOrder"`
}

// ReparentMode controls what happens to a deleted zone's children.
type ReparentMode int

const (
	ReparentToGrandparent ReparentMode = iota
	ReparentToRoot
)

// TriggerMode controls how a rule's triggers combine.
type TriggerMode string

const (
	TriggerModeAny TriggerMode = "Any"
	TriggerModeAll TriggerMode = "All"
)

// ConditionMode controls how a rule's conditions combine.
type ConditionMode string

const (
	ConditionModeAll ConditionMode = "All"
	ConditionModeAny ConditionMode = "Any"
)

// AutomationRule is one user-defined automation (spec §3).
type AutomationRule struct {
	ID              uuid.UUID            `json:"id"`
	Name            string               `json:"name"`
	IsEnabled       bool                 `json:"isEnabled"`
	TriggerMode     TriggerMode          `json:"triggerMode"`
	ConditionMode   ConditionMode        `json:"conditionMode"`
	CooldownSeconds int                  `json:"cooldownSeconds"`
	LastTriggeredAt *time.Time           `json:"lastTriggeredAt,omitempty"`
	ExecutionCount  int64                `json:"executionCount"`
	Triggers        []AutomationTrigger  `json:"triggers"`
	Conditions      []AutomationCondition `json:"conditions"`
	Actions         []AutomationAction   `json:"actions"`
}

// AutomationTriggerType enumerates the kinds of stimuli a trigger reacts to.
type AutomationTriggerType string

const (
	AutomationTriggerDeviceState    AutomationTriggerType = "DeviceState"
	AutomationTriggerTime           AutomationTriggerType = "Time"
	AutomationTriggerSunrise        AutomationTriggerType = "Sunrise"
	AutomationTriggerSunset         AutomationTriggerType = "Sunset"
	AutomationTriggerSensorThreshold AutomationTriggerType = "SensorThreshold"
	AutomationTriggerManual         AutomationTriggerType = "Manual"
	AutomationTriggerTriggerEvent   AutomationTriggerType = "TriggerEvent"
	AutomationTriggerSensorReading  AutomationTriggerType = "SensorReading"
)

// Operator is a comparator usable in triggers and conditions (CMP, spec §3).
type Operator string

const (
	OpEquals              Operator = "Equals"
	OpNotEquals           Operator = "NotEquals"
	OpGreaterThan         Operator = "GreaterThan"
	OpGreaterThanOrEqual  Operator = "GreaterThanOrEqual"
	OpLessThan            Operator = "LessThan"
	OpLessThanOrEqual     Operator = "LessThanOrEqual"
	OpBetween             Operator = "Between"
	OpContains            Operator = "Contains"
	OpStartsWith          Operator = "StartsWith"
	OpEndsWith            Operator = "EndsWith"
	OpChangesTo           Operator = "ChangesTo"
	OpChangesFrom         Operator = "ChangesFrom"
	OpAnyChange           Operator = "AnyChange"
)

// AutomationTrigger is one entry in a rule's ordered trigger list.
type AutomationTrigger struct {
	ID             uuid.UUID             `json:"id"`
	RuleID         uuid.UUID             `json:"ruleId"`
	TriggerType    AutomationTriggerType `json:"triggerType" validate:"required,oneof=DeviceState Time Sunrise Sunset SensorThreshold Manual TriggerEvent SensorReading"`
	DeviceID       string                `json:"deviceId,omitempty"`
	Property       string                `json:"property,omitempty"`
	Operator       Operator              `json:"operator,omitempty"`
	Value          *Value                `json:"value,omitempty"`
	TimeExpression string                `json:"timeExpression,omitempty"`
	SunEvent       string                `json:"sunEvent,omitempty"`
	OffsetMinutes  int                   `json:"offsetMinutes,omitempty"`
	SortOrder      int                   `json:"sortOrder"`
}

// AutomationConditionType enumerates the kinds of ambient conditions.
type AutomationConditionType string

const (
	ConditionDeviceState AutomationConditionType = "DeviceState"
	ConditionTimeRange   AutomationConditionType = "TimeRange"
	ConditionDayOfWeek   AutomationConditionType = "DayOfWeek"
	ConditionSunPosition AutomationConditionType = "SunPosition"
	ConditionAnd         AutomationConditionType = "And"
	ConditionOr          AutomationConditionType = "Or"
)

// AutomationCondition is one entry in a rule's ordered condition list.
type AutomationCondition struct {
	ID            uuid.UUID               `json:"id"`
	RuleID        uuid.UUID               `json:"ruleId"`
	ConditionType AutomationConditionType `json:"conditionType" validate:"required,oneof=DeviceState TimeRange DayOfWeek SunPosition And Or"`
	DeviceID      string                  `json:"deviceId,omitempty"`
	Property      string                  `json:"property,omitempty"`
	Operator      Operator                `json:"operator,omitempty"`
	Value         *Value                  `json:"value,omitempty"`
	Value2        *Value                  `json:"value2,omitempty"`
	TimeStart     string                  `json:"timeStart,omitempty"`
	TimeEnd       string                  `json:"timeEnd,omitempty"`
	DaysOfWeek    []time.Weekday          `json:"daysOfWeek,omitempty"`
	Children      []AutomationCondition   `json:"children,omitempty"`
	SortOrder     int                     `json:"sortOrder"`
}

// AutomationActionType enumerates the kinds of side effects a rule runs.
type AutomationActionType string

const (
	ActionSetDeviceState AutomationActionType = "SetDeviceState"
	ActionToggleDevice   AutomationActionType = "ToggleDevice"
	ActionDelay          AutomationActionType = "Delay"
	ActionWebhook        AutomationActionType = "Webhook"
	ActionNotification   AutomationActionType = "Notification"
	ActionActivateScene  AutomationActionType = "ActivateScene"
	ActionRunAutomation  AutomationActionType = "RunAutomation"
)

// AutomationAction is one entry in a rule's ordered action list.
type AutomationAction struct {
	ID                  uuid.UUID            `json:"id"`
	RuleID              uuid.UUID            `json:"ruleId"`
	ActionType          AutomationActionType `json:"actionType" validate:"required,oneof=SetDeviceState ToggleDevice Delay Webhook Notification ActivateScene RunAutomation"`
	DeviceID            string               `json:"deviceId,omitempty"`
	Property            string               `json:"property,omitempty"`
	Value               *Value               `json:"value,omitempty"`
	DelaySeconds         int                  `json:"delaySeconds,omitempty"`
	WebhookURL           string               `json:"webhookUrl,omitempty"`
	WebhookMethod        string               `json:"webhookMethod,omitempty"`
	WebhookBody          string               `json:"webhookBody,omitempty"`
	NotificationTitle    string               `json:"notificationTitle,omitempty"`
	NotificationMessage  string               `json:"notificationMessage,omitempty"`
	SceneID              *uuid.UUID           `json:"sceneId,omitempty"`
	SortOrder            int                  `json:"sortOrder"`
}

// ExecutionStatus is the outcome of one rule evaluation attempt.
type ExecutionStatus string

const (
	StatusSuccess         ExecutionStatus = "Success"
	StatusPartialFailure  ExecutionStatus = "PartialFailure"
	StatusFailure         ExecutionStatus = "Failure"
	StatusSkippedCooldown ExecutionStatus = "SkippedCooldown"
	StatusSkippedCondition ExecutionStatus = "SkippedCondition"
)

// ActionResult records the outcome of one executed action.
type ActionResult struct {
	ActionID   uuid.UUID `json:"actionId"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"durationMs"`
}

// AutomationExecutionLog is one append-only record of a rule evaluation
// attempt that passed the cooldown gate (spec §3, §4.5.3).
type AutomationExecutionLog struct {
	ID            uuid.UUID       `json:"id"`
	RuleID        uuid.UUID       `json:"ruleId"`
	ExecutedAt    time.Time       `json:"executedAt"`
	Status        ExecutionStatus `json:"status"`
	TriggerSource json.RawMessage `json:"triggerSource,omitempty"`
	ActionResults []ActionResult  `json:"actionResults"`
	DurationMs    int64           `json:"durationMs"`
	ErrorMessage  string          `json:"errorMessage,omitempty"`
}

// Scene is a named collection of per-device target states (spec §3).
type Scene struct {
	ID           uuid.UUID                    `json:"id"`
	Name         string                       `json:"name"`
	DeviceStates map[string]map[string]Value `json:"deviceStates"`
}

// NewID generates a UUIDv7, falling back to a random UUIDv4 on the rare
// entropy-source failure (matches the teacher's internal/scheduler.NewID).
func NewID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
