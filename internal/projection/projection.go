// Package projection derives SensorReadings and TriggerEvents from a
// SignalEvent by capability, persists them, and broadcasts them (spec
// §4.3).
package projection

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/sdhome/core/internal/broadcaster"
	"github.com/sdhome/core/internal/domain"
	"github.com/sdhome/core/internal/store"
)

// Result is the zero-or-more readings and at-most-one trigger derived
// from one SignalEvent.
type Result struct {
	Trigger  *domain.TriggerEvent
	Readings []domain.SensorReading
}

// Service persists and broadcasts every reading/trigger it derives,
// the way the teacher's fact store tolerates absent/mismatched fields
// rather than erroring (internal/facts/store.go) — applied here to
// per-capability numeric extraction instead of fact embeddings.
type Service struct {
	readings store.SensorReadingStore
	triggers store.TriggerEventStore
	bus      broadcaster.Port
	logger   *slog.Logger
}

// New creates a projection Service.
func New(readings store.SensorReadingStore, triggers store.TriggerEventStore, bus broadcaster.Port, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{readings: readings, triggers: triggers, bus: bus, logger: logger}
}

// Project derives, persists, and broadcasts the readings/trigger for
// one SignalEvent, per the decision table in spec §4.3.
func (s *Service) Project(ctx context.Context, evt domain.SignalEvent) (Result, error) {
	var obj map[string]any
	if err := json.Unmarshal(evt.RawPayload, &obj); err != nil {
		return Result{}, nil
	}

	var result Result

	switch {
	case evt.Capability == "motion":
		result.Trigger = motionTrigger(evt, obj)
		result.Readings = extractReadings(evt, obj,
			field{"device_temperature", domain.MetricTemperature, "°C", 1},
			field{"illuminance", domain.MetricIlluminance, "lx", 1},
		)
		result.Readings = append(result.Readings, extractReadings(evt, obj, commonFields...)...)

	case evt.Capability == "button":
		result.Trigger = buttonTrigger(evt, obj)
		result.Readings = extractReadings(evt, obj, commonFields...)

	case evt.Capability == "temperature":
		result.Readings = extractReadings(evt, obj,
			field{"temperature", domain.MetricTemperature, "°C", 1},
			field{"value", domain.MetricTemperature, "°C", 1},
			field{"humidity", domain.MetricHumidity, "%", 1},
			field{"pressure", domain.MetricPressure, "hPa", 1},
		)
		result.Readings = append(result.Readings, extractReadings(evt, obj, commonFields...)...)

	case strings.HasPrefix(evt.Capability, "contact"):
		result.Trigger = contactTrigger(evt, obj)
		result.Readings = extractReadings(evt, obj, commonFields...)

	case hasOnOffState(obj):
		result.Trigger = stateTrigger(evt, obj)
		result.Readings = extractReadings(evt, obj,
			field{"brightness", domain.MetricBrightness, "", 1},
			field{"power", domain.MetricPower, "W", 1},
			field{"energy", domain.MetricEnergy, "kWh", 1},
		)
		result.Readings = append(result.Readings, extractReadings(evt, obj, commonFields...)...)

	default:
		result.Readings = extractReadings(evt, obj, commonFields...)
	}

	if err := s.persistAndBroadcast(ctx, result); err != nil {
		return Result{}, err
	}
	return result, nil
}

func (s *Service) persistAndBroadcast(ctx context.Context, r Result) error {
	if r.Trigger != nil {
		if err := s.triggers.Insert(ctx, *r.Trigger); err != nil {
			return err
		}
		s.bus.BroadcastTriggerEvent(*r.Trigger)
	}
	for _, reading := range r.Readings {
		if err := s.readings.Insert(ctx, reading); err != nil {
			s.logger.Error("projection: failed to persist sensor reading", "metric", reading.Metric, "error", err)
			continue
		}
		s.bus.BroadcastSensorReading(reading)
	}
	return nil
}

func hasOnOffState(obj map[string]any) bool {
	s, ok := obj["state"].(string)
	if !ok {
		return false
	}
	u := strings.ToUpper(s)
	return u == "ON" || u == "OFF"
}

func motionTrigger(evt domain.SignalEvent, obj map[string]any) *domain.TriggerEvent {
	var value *bool
	if occ, ok := obj["occupancy"].(bool); ok {
		value = &occ
	} else {
		b := evt.EventSubType == "active"
		value = &b
	}
	return &domain.TriggerEvent{
		ID:             domain.NewID(),
		SignalEventID:  evt.ID,
		Timestamp:      evt.Timestamp,
		DeviceID:       evt.DeviceID,
		Capability:     evt.Capability,
		TriggerType:    domain.TriggerTypeMotion,
		TriggerSubType: evt.EventSubType,
		Value:          value,
	}
}

func buttonTrigger(evt domain.SignalEvent, obj map[string]any) *domain.TriggerEvent {
	action, _ := obj["action"].(string)
	t := true
	return &domain.TriggerEvent{
		ID:             domain.NewID(),
		SignalEventID:  evt.ID,
		Timestamp:      evt.Timestamp,
		DeviceID:       evt.DeviceID,
		Capability:     evt.Capability,
		TriggerType:    domain.TriggerTypeButton,
		TriggerSubType: action,
		Value:          &t,
	}
}

func contactTrigger(evt domain.SignalEvent, obj map[string]any) *domain.TriggerEvent {
	contact, ok := obj["contact"].(bool)
	if !ok {
		return nil
	}
	subType := "open"
	if contact {
		subType = "closed"
	}
	return &domain.TriggerEvent{
		ID:             domain.NewID(),
		SignalEventID:  evt.ID,
		Timestamp:      evt.Timestamp,
		DeviceID:       evt.DeviceID,
		Capability:     evt.Capability,
		TriggerType:    domain.TriggerTypeContact,
		TriggerSubType: subType,
		Value:          &contact,
	}
}

func stateTrigger(evt domain.SignalEvent, obj map[string]any) *domain.TriggerEvent {
	s, ok := obj["state"].(string)
	if !ok {
		return nil
	}
	on := strings.EqualFold(s, "ON")
	return &domain.TriggerEvent{
		ID:             domain.NewID(),
		SignalEventID:  evt.ID,
		Timestamp:      evt.Timestamp,
		DeviceID:       evt.DeviceID,
		Capability:     evt.Capability,
		TriggerType:    domain.TriggerTypeState,
		TriggerSubType: strings.ToLower(s),
		Value:          &on,
	}
}

// field maps one JSON payload key to a derived metric/unit, with an
// optional divisor for unit conversion (used for voltage mV -> V).
type field struct {
	key    string
	metric string
	unit   string
	divide float64
}

// commonFields are the readings every capability may carry regardless
// of its primary classification (spec §4.3's "plus common").
var commonFields = []field{
	{"battery", domain.MetricBattery, "%", 1},
	{"linkquality", domain.MetricLinkQuality, "", 1},
	{"voltage", domain.MetricVoltage, "V", 1000},
}

// extractReadings pulls whichever fields are present and numeric from
// obj, skipping any that are absent or the wrong type (spec §4.3:
// "Numeric parsing is lenient: missing fields are skipped; type
// mismatches are skipped silently"). At most one reading is emitted per
// metric even when multiple field specs target it (e.g. "temperature"
// and "value" both map to MetricTemperature) — first match wins.
func extractReadings(evt domain.SignalEvent, obj map[string]any, fields ...field) []domain.SensorReading {
	var out []domain.SensorReading
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if seen[f.metric] {
			continue
		}
		raw, ok := obj[f.key]
		if !ok {
			continue
		}
		v, ok := toFloat(raw)
		if !ok {
			continue
		}
		if f.divide != 0 && f.divide != 1 {
			v = v / f.divide
		}
		seen[f.metric] = true
		out = append(out, domain.SensorReading{
			ID:            domain.NewID(),
			SignalEventID: evt.ID,
			Timestamp:     evt.Timestamp,
			DeviceID:      evt.DeviceID,
			Metric:        f.metric,
			Value:         v,
			Unit:          f.unit,
		})
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
