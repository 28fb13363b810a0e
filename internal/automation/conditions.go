package automation

import (
	"time"

	"github.com/sdhome/core/internal/domain"
)

// evaluateConditions combines rule.Conditions per rule.ConditionMode
// (spec §4.5.4): All -> AND, Any -> OR, zero conditions -> true.
func (e *Engine) evaluateConditions(rule domain.AutomationRule, now time.Time) bool {
	if len(rule.Conditions) == 0 {
		return true
	}
	switch rule.ConditionMode {
	case domain.ConditionModeAny:
		for _, c := range rule.Conditions {
			if e.evaluateCondition(c, now) {
				return true
			}
		}
		return false
	default: // ConditionModeAll
		for _, c := range rule.Conditions {
			if !e.evaluateCondition(c, now) {
				return false
			}
		}
		return true
	}
}

// evaluateCondition evaluates one condition node against ambient state
// (not the stimulus that fired the rule), recursing into And/Or
// children (spec §4.5.4).
func (e *Engine) evaluateCondition(c domain.AutomationCondition, now time.Time) bool {
	switch c.ConditionType {
	case domain.ConditionDeviceState:
		value, ok := e.getDeviceState(c.DeviceID, c.Property)
		if !ok {
			return false
		}
		if c.Operator == domain.OpBetween {
			return evaluateBetween(domain.ValueFromAny(value), c.Value, c.Value2)
		}
		return evaluateComparator(c.Operator, domain.ValueFromAny(value), c.Value)
	case domain.ConditionTimeRange:
		return evaluateTimeRange(c.TimeStart, c.TimeEnd, now)
	case domain.ConditionDayOfWeek:
		return evaluateDayOfWeek(c.DaysOfWeek, now.Weekday())
	case domain.ConditionAnd:
		for _, child := range c.Children {
			if !e.evaluateCondition(child, now) {
				return false
			}
		}
		return true
	case domain.ConditionOr:
		for _, child := range c.Children {
			if e.evaluateCondition(child, now) {
				return true
			}
		}
		return false
	case domain.ConditionSunPosition:
		// Sun-position conditions require an astronomy helper with
		// latitude/longitude, called out in spec §9 as an external
		// dependency not covered here; treated as never-true until wired.
		return false
	default:
		return false
	}
}

// evaluateBetween implements spec §8's boundary case: swapped bounds
// evaluate as [min,max] regardless of authoring order.
func evaluateBetween(actual domain.Value, v1, v2 *domain.Value) bool {
	if v1 == nil || v2 == nil {
		return false
	}
	af, aok := actual.AsFloat()
	b1, ok1 := v1.AsFloat()
	b2, ok2 := v2.AsFloat()
	if !aok || !ok1 || !ok2 {
		return false
	}
	lo, hi := b1, b2
	if lo > hi {
		lo, hi = hi, lo
	}
	return (af > lo || domain.NumericEqual(af, lo)) && (af < hi || domain.NumericEqual(af, hi))
}

// evaluateTimeRange implements spec §4.5.4's midnight-crossing range:
// if end < start, the range is treated as overnight.
func evaluateTimeRange(startExpr, endExpr string, now time.Time) bool {
	start, ok1 := parseHHMM(startExpr, now)
	end, ok2 := parseHHMM(endExpr, now)
	if !ok1 || !ok2 {
		return false
	}
	if end.Before(start) {
		// Overnight range: now is in range if it's >= start OR < end.
		return !now.Before(start) || now.Before(end)
	}
	return !now.Before(start) && now.Before(end)
}

// evaluateDayOfWeek implements spec §4.5.4: empty set evaluates true.
func evaluateDayOfWeek(days []time.Weekday, today time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	for _, d := range days {
		if d == today {
			return true
		}
	}
	return false
}
