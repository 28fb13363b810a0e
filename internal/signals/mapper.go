// Package signals converts raw broker messages into normalized domain
// events and drives them through persistence, broadcast, projection,
// and automation (spec §4.2).
package signals

import (
	"encoding/json"
	"strings"

	"github.com/sdhome/core/internal/domain"
)

// Map parses one (topic, payload) pair into a SignalEvent, the way
// defaultMessageHandler in the teacher's subscriber.go sniffs a
// message's JSON shape for known keys rather than requiring a fixed
// schema. Returns (nil, nil) when the payload is not a JSON object or
// the topic carries no device id — the caller drops such messages with
// a debug log, it is not an error condition.
func Map(baseTopic, topic string, payload []byte) (*domain.SignalEvent, error) {
	deviceID := deviceIDFromTopic(baseTopic, topic)
	if deviceID == "" {
		return nil, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil, nil
	}

	capability, eventType, eventSubType, value, deviceKind, eventCategory := classify(obj)

	return &domain.SignalEvent{
		Source:        topic,
		DeviceID:      deviceID,
		Capability:    capability,
		EventType:     eventType,
		EventSubType:  eventSubType,
		Value:         value,
		RawTopic:      topic,
		RawPayload:    json.RawMessage(payload),
		DeviceKind:    deviceKind,
		EventCategory: eventCategory,
	}, nil
}

// deviceIDFromTopic extracts the device id as the topic segment
// immediately after the base prefix, e.g. "sdhome/hallway_motion" ->
// "hallway_motion" (spec §4.2: "deviceId: last segment … of the topic
// after the base prefix").
func deviceIDFromTopic(baseTopic, topic string) string {
	trimmed := strings.TrimPrefix(topic, baseTopic+"/")
	if trimmed == topic {
		return ""
	}
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}

// classify inspects a decoded JSON payload and infers the capability,
// event type/subtype, a representative numeric/boolean value, and the
// device/event classification tags, per the decision table in spec
// §4.3 (reused here because the mapper needs the same capability
// inference the projection service later re-derives from).
func classify(obj map[string]any) (capability, eventType, eventSubType string, value *domain.Value, kind domain.DeviceKind, category domain.EventCategory) {
	switch {
	case hasKey(obj, "occupancy"):
		capability = "motion"
		eventType = domain.TriggerTypeMotion
		category = domain.EventCategoryTelemetry
		kind = domain.DeviceKindMotion

	case hasKey(obj, "action") && strAt(obj, "action") != "":
		capability = "button"
		eventType = domain.TriggerTypeButton
		eventSubType = strAt(obj, "action")
		category = domain.EventCategoryTelemetry
		kind = domain.DeviceKindButton

	case hasKey(obj, "contact"):
		capability = "contact"
		eventType = domain.TriggerTypeContact
		category = domain.EventCategoryTelemetry
		kind = domain.DeviceKindContact

	case hasTemperatureOnly(obj):
		capability = "temperature"
		category = domain.EventCategoryTelemetry
		kind = domain.DeviceKindThermometer

	case hasKey(obj, "state"):
		capability = "state"
		eventType = domain.TriggerTypeState
		category = domain.EventCategoryState
		kind = domain.DeviceKindSwitch

	default:
		category = domain.EventCategoryTelemetry
		kind = domain.DeviceKindUnknown
	}

	value = representativeValue(obj, capability)
	return
}

func hasKey(obj map[string]any, key string) bool {
	_, ok := obj[key]
	return ok
}

func strAt(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

// hasTemperatureOnly recognizes the temperature/measurement capability:
// an object carrying "temperature" (or bare "value") without the
// action/contact/state/occupancy keys that identify the other
// capabilities.
func hasTemperatureOnly(obj map[string]any) bool {
	if hasKey(obj, "action") || hasKey(obj, "contact") || hasKey(obj, "occupancy") || hasKey(obj, "state") {
		return false
	}
	return hasKey(obj, "temperature") || hasKey(obj, "value") || hasKey(obj, "humidity") || hasKey(obj, "pressure")
}

// representativeValue extracts the single numeric/boolean field that
// best represents this capability's event (spec §4.2: "a numeric
// representative field when the capability implies one").
func representativeValue(obj map[string]any, capability string) *domain.Value {
	switch capability {
	case "motion":
		if occ, ok := obj["occupancy"]; ok {
			v := domain.ValueFromAny(occ)
			return &v
		}
	case "contact":
		if c, ok := obj["contact"]; ok {
			v := domain.ValueFromAny(c)
			return &v
		}
	case "temperature":
		if t, ok := obj["temperature"]; ok {
			v := domain.ValueFromAny(t)
			return &v
		}
		if t, ok := obj["value"]; ok {
			v := domain.ValueFromAny(t)
			return &v
		}
	case "state":
		if s, ok := obj["state"]; ok {
			v := domain.ValueFromAny(s)
			return &v
		}
	case "button":
		v := domain.BoolValue(true)
		return &v
	}
	return nil
}
