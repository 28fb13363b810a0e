package automation

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sdhome/core/internal/domain"
)

// matchDeviceStateRule reports whether rule has a DeviceState trigger
// matching deviceID/property whose predicate holds for the old/new
// value pair (spec §4.5.1, §4.5.2).
func matchDeviceStateRule(rule domain.AutomationRule, deviceID, property string, oldValue, newValue any) (bool, uuid.UUID) {
	for _, t := range rule.Triggers {
		if t.TriggerType != domain.AutomationTriggerDeviceState {
			continue
		}
		if t.DeviceID != deviceID {
			continue
		}
		if t.Property != "" && t.Property != property {
			continue
		}
		if evaluateDeviceStatePredicate(t.Operator, oldValue, newValue, t.Value) {
			return true, t.ID
		}
	}
	return false, uuid.Nil
}

// evaluateDeviceStatePredicate implements the normalized-comparison
// semantics of spec §4.5.2.
func evaluateDeviceStatePredicate(op domain.Operator, oldValue, newValue any, target *domain.Value) bool {
	oldNorm := domain.ValueFromAny(oldValue).Normalize()
	newNorm := domain.ValueFromAny(newValue).Normalize()

	switch op {
	case domain.OpAnyChange:
		return oldNorm != newNorm
	case domain.OpChangesTo:
		return target != nil && newNorm == target.Normalize()
	case domain.OpChangesFrom:
		return target != nil && oldNorm == target.Normalize()
	case domain.OpEquals:
		return target != nil && newNorm == target.Normalize()
	case domain.OpNotEquals:
		return target != nil && newNorm != target.Normalize()
	default:
		return evaluateComparator(op, domain.ValueFromAny(newValue), target)
	}
}

// evaluateComparator applies the shared numeric/string/Between
// comparator set used by both trigger and condition evaluation
// (spec §4.5.2, §4.5.4).
func evaluateComparator(op domain.Operator, actual domain.Value, target *domain.Value) bool {
	if target == nil {
		return false
	}
	switch op {
	case domain.OpGreaterThan, domain.OpGreaterThanOrEqual, domain.OpLessThan, domain.OpLessThanOrEqual:
		af, aok := actual.AsFloat()
		tf, tok := target.AsFloat()
		if !aok || !tok {
			return false
		}
		switch op {
		case domain.OpGreaterThan:
			return af > tf && !domain.NumericEqual(af, tf)
		case domain.OpGreaterThanOrEqual:
			return af > tf || domain.NumericEqual(af, tf)
		case domain.OpLessThan:
			return af < tf && !domain.NumericEqual(af, tf)
		case domain.OpLessThanOrEqual:
			return af < tf || domain.NumericEqual(af, tf)
		}
		return false
	case domain.OpBetween:
		// target carries "min" via Value, "max" is not representable on a
		// single *Value — Between is only meaningful for conditions, which
		// carry Value/Value2; trigger definitions do not use Between.
		return false
	case domain.OpContains:
		return strContains(actual.Normalize(), target.Normalize())
	case domain.OpStartsWith:
		return strHasPrefixFold(actual.Normalize(), target.Normalize())
	case domain.OpEndsWith:
		return strHasSuffixFold(actual.Normalize(), target.Normalize())
	case domain.OpEquals:
		return actual.Normalize() == target.Normalize()
	case domain.OpNotEquals:
		return actual.Normalize() != target.Normalize()
	default:
		return false
	}
}

// matchTriggerEventRule implements the TriggerEvent matching rule of
// spec §4.5.1: property must equal the trigger's type; if a value is
// set on the trigger, it must equal the event's subType.
func matchTriggerEventRule(rule domain.AutomationRule, evt domain.TriggerEvent) (bool, uuid.UUID) {
	for _, t := range rule.Triggers {
		if t.TriggerType != domain.AutomationTriggerTriggerEvent {
			continue
		}
		if t.DeviceID != evt.DeviceID {
			continue
		}
		if t.Property != "" && t.Property != evt.TriggerType {
			continue
		}
		if t.Value != nil && t.Value.String() != evt.TriggerSubType {
			continue
		}
		return true, t.ID
	}
	return false, uuid.Nil
}

// matchSensorReadingRule implements spec §4.5.1/§4.5.2's SensorReading
// trigger matching.
func matchSensorReadingRule(rule domain.AutomationRule, reading domain.SensorReading, old float64, hadOld bool) (bool, uuid.UUID) {
	for _, t := range rule.Triggers {
		if t.TriggerType != domain.AutomationTriggerSensorReading && t.TriggerType != domain.AutomationTriggerSensorThreshold {
			continue
		}
		if t.DeviceID != reading.DeviceID {
			continue
		}
		if t.Property != "" && t.Property != reading.Metric {
			continue
		}
		if evaluateSensorPredicate(t.Operator, old, hadOld, reading.Value, t.Value) {
			return true, t.ID
		}
	}
	return false, uuid.Nil
}

func evaluateSensorPredicate(op domain.Operator, old float64, hadOld bool, newValue float64, target *domain.Value) bool {
	switch op {
	case domain.OpAnyChange:
		return hadOld && !domain.NumericEqual(old, newValue)
	case domain.OpChangesTo:
		if target == nil {
			return false
		}
		tf, ok := target.AsFloat()
		if !ok {
			return false
		}
		return domain.NumericEqual(newValue, tf) && !(hadOld && domain.NumericEqual(old, tf))
	default:
		return evaluateComparator(op, domain.NumberValue(newValue), target)
	}
}

// matchTimeRule implements the Time trigger window of spec §4.5.1:
// timeExpression (HH:mm) within ±30s of local wall-clock.
func matchTimeRule(rule domain.AutomationRule, now time.Time) (bool, uuid.UUID) {
	for _, t := range rule.Triggers {
		if t.TriggerType != domain.AutomationTriggerTime {
			continue
		}
		target, ok := parseHHMM(t.TimeExpression, now)
		if !ok {
			continue
		}
		if absDuration(now.Sub(target)) <= 30*time.Second {
			return true, t.ID
		}
	}
	return false, uuid.Nil
}

func parseHHMM(expr string, now time.Time) (time.Time, bool) {
	parsed, err := time.ParseInLocation("15:04", expr, now.Location())
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(now.Year(), now.Month(), now.Day(), parsed.Hour(), parsed.Minute(), 0, 0, now.Location()), true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func strContains(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func strHasPrefixFold(s, prefix string) bool {
	return strings.HasPrefix(strings.ToLower(s), strings.ToLower(prefix))
}

func strHasSuffixFold(s, suffix string) bool {
	return strings.HasSuffix(strings.ToLower(s), strings.ToLower(suffix))
}
