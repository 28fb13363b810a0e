package automation

import (
	"time"

	"github.com/sdhome/core/internal/domain"
)

// cooldownActive implements spec §4.5.3: a rule that fired within
// CooldownSeconds of now is skipped before condition evaluation.
// A zero or negative CooldownSeconds disables the gate.
func (e *Engine) cooldownActive(rule domain.AutomationRule, now time.Time) (bool, time.Duration) {
	if rule.CooldownSeconds <= 0 || rule.LastTriggeredAt == nil {
		return false, 0
	}
	elapsed := now.Sub(*rule.LastTriggeredAt)
	window := time.Duration(rule.CooldownSeconds) * time.Second
	if elapsed >= window {
		return false, 0
	}
	return true, window - elapsed
}
