package automation

import (
	"fmt"
	"time"

	"github.com/sdhome/core/internal/broadcaster"
	"github.com/sdhome/core/internal/domain"
)

// emit publishes one live log line over the broadcaster (spec §4.5.6).
// It is fire-and-forget: the bus buffers/drops as configured, rule
// evaluation never blocks on a slow subscriber.
func (e *Engine) emit(rule domain.AutomationRule, phase broadcaster.LogPhase, level broadcaster.LogLevel, msg string, details map[string]any, durationMs *int64) {
	if e.bus == nil {
		return
	}
	e.bus.BroadcastAutomationLog(broadcaster.AutomationLogEntry{
		RuleID:     rule.ID.String(),
		RuleName:   rule.Name,
		Phase:      phase,
		Level:      level,
		Message:    msg,
		Details:    details,
		DurationMs: durationMs,
		Timestamp:  e.clock.Now(),
	})
}

func (e *Engine) logTriggerMatched(rule domain.AutomationRule) {
	e.emit(rule, broadcaster.PhaseTriggerMatched, broadcaster.LogInfo,
		fmt.Sprintf("rule %q matched a trigger", rule.Name), nil, nil)
}

func (e *Engine) logTriggerSkipped(rule domain.AutomationRule) {
	e.emit(rule, broadcaster.PhaseTriggerSkipped, broadcaster.LogDebug,
		fmt.Sprintf("rule %q matched a trigger, waiting on the rest (triggerMode=All)", rule.Name), nil, nil)
}

func (e *Engine) logCooldownActive(rule domain.AutomationRule, remaining time.Duration) {
	e.emit(rule, broadcaster.PhaseCooldownActive, broadcaster.LogWarning,
		fmt.Sprintf("rule %q skipped, cooldown active for %s", rule.Name, remaining.Round(time.Second)),
		map[string]any{"remainingMs": remaining.Milliseconds()}, nil)
}

func (e *Engine) logConditionEvaluating(rule domain.AutomationRule) {
	e.emit(rule, broadcaster.PhaseConditionEvaluating, broadcaster.LogDebug,
		fmt.Sprintf("evaluating %d condition(s) for rule %q", len(rule.Conditions), rule.Name), nil, nil)
}

func (e *Engine) logConditionPassed(rule domain.AutomationRule) {
	e.emit(rule, broadcaster.PhaseConditionPassed, broadcaster.LogInfo,
		fmt.Sprintf("conditions satisfied for rule %q", rule.Name), nil, nil)
}

func (e *Engine) logConditionFailed(rule domain.AutomationRule) {
	e.emit(rule, broadcaster.PhaseConditionFailed, broadcaster.LogInfo,
		fmt.Sprintf("conditions not satisfied for rule %q, skipping", rule.Name), nil, nil)
}

func (e *Engine) logActionExecuting(rule domain.AutomationRule, actionType domain.AutomationActionType, sortOrder int) {
	e.emit(rule, broadcaster.PhaseActionExecuting, broadcaster.LogDebug,
		fmt.Sprintf("executing action %s (#%d) for rule %q", actionType, sortOrder, rule.Name), nil, nil)
}

func (e *Engine) logActionCompleted(rule domain.AutomationRule, actionType domain.AutomationActionType, durationMs int64) {
	d := durationMs
	e.emit(rule, broadcaster.PhaseActionCompleted, broadcaster.LogSuccess,
		fmt.Sprintf("action %s completed for rule %q", actionType, rule.Name), nil, &d)
}

func (e *Engine) logActionFailed(rule domain.AutomationRule, actionType domain.AutomationActionType, errMsg string, durationMs int64) {
	d := durationMs
	e.emit(rule, broadcaster.PhaseActionFailed, broadcaster.LogError,
		fmt.Sprintf("action %s failed for rule %q: %s", actionType, rule.Name, errMsg), nil, &d)
}

func (e *Engine) logExecutionCompleted(rule domain.AutomationRule, durationMs int64) {
	d := durationMs
	e.emit(rule, broadcaster.PhaseExecutionCompleted, broadcaster.LogSuccess,
		fmt.Sprintf("rule %q executed successfully", rule.Name), nil, &d)
}

func (e *Engine) logExecutionFailed(rule domain.AutomationRule, status domain.ExecutionStatus, errMsg string) {
	e.emit(rule, broadcaster.PhaseExecutionFailed, broadcaster.LogError,
		fmt.Sprintf("rule %q finished with status %s: %s", rule.Name, status, errMsg), nil, nil)
}
