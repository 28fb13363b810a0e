package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/sdhome/core/internal/domain"
	"github.com/sdhome/core/internal/httpkit"
)

// valueToAny converts a domain.Value back to a plain Go value suitable
// for JSON-encoding into a device command payload.
func valueToAny(v domain.Value) any {
	switch v.Kind {
	case domain.KindBool:
		return v.Bool
	case domain.KindNumber:
		return v.Num
	case domain.KindString:
		return v.Str
	case domain.KindJSON:
		var out any
		if err := json.Unmarshal(v.Raw, &out); err == nil {
			return out
		}
		return string(v.Raw)
	default:
		return nil
	}
}

// webhookClient is the narrow HTTP surface the Webhook action needs,
// satisfied by *http.Client.
type webhookClient interface {
	Do(req *http.Request) (*http.Response, error)
}

func newDefaultWebhookClient() webhookClient {
	return httpkit.NewClient(httpkit.WithTimeout(10*time.Second), httpkit.WithRetry(2, 500*time.Millisecond))
}

// breaker wraps a gobreaker.CircuitBreaker around outbound webhook
// calls so a misbehaving endpoint stops being hammered on every rule
// firing (grounded on the teacher's resilience patterns, generalized
// from LLM-provider calls to webhook delivery).
type breaker struct {
	cb *gobreaker.CircuitBreaker[*http.Response]
}

func newBreaker() breaker {
	return breaker{cb: gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "automation-webhook",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})}
}

func (b breaker) execute(fn func() (*http.Response, error)) (*http.Response, error) {
	return b.cb.Execute(fn)
}

// executeActions runs rule.Actions in sortOrder, sequentially and each
// independently timed (spec §4.5.5). A failing action does not abort
// the remaining actions; ActivateScene similarly logs per-device
// failures without aborting its own loop.
func (e *Engine) executeActions(ctx context.Context, rule domain.AutomationRule, trackingID string) []domain.ActionResult {
	actions := sortActions(rule.Actions)
	results := make([]domain.ActionResult, 0, len(actions))

	for _, action := range actions {
		e.logActionExecuting(rule, action.ActionType, action.SortOrder)
		start := time.Now()
		targetDeviceID, err := e.runAction(ctx, rule, action)
		durationMs := time.Since(start).Milliseconds()

		result := domain.ActionResult{ActionID: action.ID, DurationMs: durationMs}
		if err != nil {
			result.Success = false
			result.Error = err.Error()
			e.logActionFailed(rule, action.ActionType, err.Error(), durationMs)
		} else {
			result.Success = true
			e.logActionCompleted(rule, action.ActionType, durationMs)
		}
		results = append(results, result)

		if e.tracker != nil && trackingID != "" && targetDeviceID != "" {
			e.tracker.RecordActionExecution(trackingID, durationMs, targetDeviceID)
		}
	}
	return results
}

// runAction dispatches one action by type and returns the device ID it
// targeted (if any), for end-to-end tracking.
func (e *Engine) runAction(ctx context.Context, rule domain.AutomationRule, action domain.AutomationAction) (string, error) {
	switch action.ActionType {
	case domain.ActionSetDeviceState:
		return action.DeviceID, e.actionSetDeviceState(ctx, action)
	case domain.ActionToggleDevice:
		return action.DeviceID, e.actionToggleDevice(ctx, action)
	case domain.ActionDelay:
		return "", e.actionDelay(ctx, action)
	case domain.ActionWebhook:
		return "", e.actionWebhook(ctx, action)
	case domain.ActionNotification:
		return "", e.actionNotification(rule, action)
	case domain.ActionActivateScene:
		return "", e.actionActivateScene(ctx, action)
	case domain.ActionRunAutomation:
		return "", e.actionRunAutomation(rule, action)
	default:
		return "", fmt.Errorf("automation: unknown action type %q", action.ActionType)
	}
}

func (e *Engine) publishDeviceState(ctx context.Context, deviceID, property string, value any) error {
	topic := fmt.Sprintf("%s/%s/set", strings.TrimRight(e.baseTopic, "/"), deviceID)
	payload := map[string]any{property: value}
	return e.publisher.Publish(ctx, topic, payload)
}

func (e *Engine) actionSetDeviceState(ctx context.Context, action domain.AutomationAction) error {
	if action.DeviceID == "" || action.Property == "" {
		return fmt.Errorf("automation: SetDeviceState requires deviceId and property")
	}
	var value any
	if action.Value != nil {
		value = valueToAny(*action.Value)
	}
	return e.publishDeviceState(ctx, action.DeviceID, action.Property, value)
}

// actionToggleDevice implements spec §4.5.5's edge case: a device with
// no cached state toggles to "ON" by default.
func (e *Engine) actionToggleDevice(ctx context.Context, action domain.AutomationAction) error {
	if action.DeviceID == "" {
		return fmt.Errorf("automation: ToggleDevice requires deviceId")
	}
	property := action.Property
	if property == "" {
		property = "state"
	}
	current, ok := e.getDeviceState(action.DeviceID, property)
	next := "ON"
	if ok {
		if domain.ValueFromAny(current).Normalize() == "true" {
			next = "OFF"
		}
	}
	return e.publishDeviceState(ctx, action.DeviceID, property, next)
}

func (e *Engine) actionDelay(ctx context.Context, action domain.AutomationAction) error {
	if action.DelaySeconds <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(action.DelaySeconds) * time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// actionWebhook implements spec §4.5.5's Webhook action: any 2xx
// response is success, routed through the circuit breaker so a
// consistently-failing endpoint trips open instead of being retried
// on every subsequent firing.
func (e *Engine) actionWebhook(ctx context.Context, action domain.AutomationAction) error {
	if action.WebhookURL == "" {
		return fmt.Errorf("automation: Webhook requires webhookUrl")
	}
	method := action.WebhookMethod
	if method == "" {
		method = http.MethodPost
	}
	var body *bytes.Reader
	if action.WebhookBody != "" {
		body = bytes.NewReader([]byte(action.WebhookBody))
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, action.WebhookURL, body)
	if err != nil {
		return fmt.Errorf("automation: build webhook request: %w", err)
	}
	if action.WebhookBody != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.breaker.execute(func() (*http.Response, error) {
		return e.httpClient.Do(req)
	})
	if err != nil {
		return fmt.Errorf("automation: webhook request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("automation: webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// actionNotification is log-only: there is no in-app notification
// surface in this system, so Notification actions are recorded in the
// live log and execution log and nothing else (spec §4.5.5).
func (e *Engine) actionNotification(rule domain.AutomationRule, action domain.AutomationAction) error {
	e.logger.Info("automation: notification",
		"rule", rule.Name,
		"title", action.NotificationTitle,
		"message", action.NotificationMessage,
	)
	return nil
}

// actionActivateScene applies every (deviceId, property) pair in the
// scene. A failure on one device is logged and does not prevent the
// remaining devices in the scene from being attempted (spec §4.5.5).
func (e *Engine) actionActivateScene(ctx context.Context, action domain.AutomationAction) error {
	if action.SceneID == nil {
		return fmt.Errorf("automation: ActivateScene requires sceneId")
	}
	scene, err := e.scenes.Get(ctx, *action.SceneID)
	if err != nil {
		return fmt.Errorf("automation: load scene: %w", err)
	}

	var failures []string
	for deviceID, props := range scene.DeviceStates {
		for property, value := range props {
			if pubErr := e.publishDeviceState(ctx, deviceID, property, valueToAny(value)); pubErr != nil {
				e.logger.Warn("automation: scene device update failed",
					"scene", scene.Name, "deviceId", deviceID, "property", property, "error", pubErr)
				failures = append(failures, fmt.Sprintf("%s.%s: %v", deviceID, property, pubErr))
			}
		}
	}
	if len(failures) > 0 {
		return fmt.Errorf("automation: %d scene device update(s) failed: %s", len(failures), strings.Join(failures, "; "))
	}
	return nil
}

// actionRunAutomation is a documented no-op: nested rule invocation is
// not implemented (cross-rule recursion risk), it only logs at Info.
func (e *Engine) actionRunAutomation(rule domain.AutomationRule, action domain.AutomationAction) error {
	e.logger.Info("automation: RunAutomation is a no-op", "rule", rule.Name, "targetRuleId", action.DeviceID)
	return nil
}
