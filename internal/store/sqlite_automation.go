package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sdhome/core/internal/domain"
)

type automationRuleStore struct{ db *sql.DB }

func (r automationRuleStore) Create(ctx context.Context, rule domain.AutomationRule) (domain.AutomationRule, error) {
	if rule.ID == uuid.Nil {
		rule.ID = domain.NewID()
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.AutomationRule{}, err
	}
	defer tx.Rollback()

	if err := insertRule(ctx, tx, rule); err != nil {
		return domain.AutomationRule{}, err
	}
	if err := replaceTriggers(ctx, tx, rule.ID, rule.Triggers); err != nil {
		return domain.AutomationRule{}, err
	}
	if err := replaceConditions(ctx, tx, rule.ID, rule.Conditions); err != nil {
		return domain.AutomationRule{}, err
	}
	if err := replaceActions(ctx, tx, rule.ID, rule.Actions); err != nil {
		return domain.AutomationRule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AutomationRule{}, err
	}
	return rule, nil
}

func (r automationRuleStore) Update(ctx context.Context, rule domain.AutomationRule) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE automation_rules SET name = ?, is_enabled = ?, trigger_mode = ?, condition_mode = ?,
			cooldown_seconds = ? WHERE id = ?
	`, rule.Name, boolToInt(rule.IsEnabled), string(rule.TriggerMode), string(rule.ConditionMode),
		rule.CooldownSeconds, rule.ID.String())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM automation_triggers WHERE rule_id = ?`, rule.ID.String()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM automation_conditions WHERE rule_id = ?`, rule.ID.String()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM automation_actions WHERE rule_id = ?`, rule.ID.String()); err != nil {
		return err
	}
	if err := replaceTriggers(ctx, tx, rule.ID, rule.Triggers); err != nil {
		return err
	}
	if err := replaceConditions(ctx, tx, rule.ID, rule.Conditions); err != nil {
		return err
	}
	if err := replaceActions(ctx, tx, rule.ID, rule.Actions); err != nil {
		return err
	}
	return tx.Commit()
}

// Delete removes a rule. Its triggers/conditions/actions cascade via the
// foreign key ON DELETE CASCADE clause in the schema.
func (r automationRuleStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM automation_rules WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r automationRuleStore) Get(ctx context.Context, id uuid.UUID) (domain.AutomationRule, error) {
	rule, err := scanRule(ctx, r.db, r.db.QueryRowContext(ctx, ruleSelect+` WHERE id = ?`, id.String()))
	if err != nil {
		return domain.AutomationRule{}, err
	}
	if err := hydrateRule(ctx, r.db, &rule); err != nil {
		return domain.AutomationRule{}, err
	}
	return rule, nil
}

func (r automationRuleStore) List(ctx context.Context) ([]domain.AutomationRule, error) {
	rows, err := r.db.QueryContext(ctx, ruleSelect+` ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AutomationRule
	for rows.Next() {
		rule, err := scanRule(ctx, r.db, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := hydrateRule(ctx, r.db, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r automationRuleStore) SetLastTriggered(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE automation_rules SET last_triggered_at = ?, execution_count = execution_count + 1 WHERE id = ?
	`, formatTime(at), id.String())
	return err
}

func (r automationRuleStore) AppendExecutionLog(ctx context.Context, log domain.AutomationExecutionLog) error {
	if log.ID == uuid.Nil {
		log.ID = domain.NewID()
	}
	results, err := marshalJSON(log.ActionResults)
	if err != nil {
		return fmt.Errorf("marshal action results: %w", err)
	}
	var trigger sql.NullString
	if len(log.TriggerSource) > 0 {
		trigger = sql.NullString{String: string(log.TriggerSource), Valid: true}
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO automation_execution_logs (id, rule_id, executed_at, status, trigger_source,
			action_results, duration_ms, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, log.ID.String(), log.RuleID.String(), formatTime(log.ExecutedAt), string(log.Status),
		trigger, results, log.DurationMs, log.ErrorMessage)
	return err
}

func (r automationRuleStore) ListExecutionLogs(ctx context.Context, ruleID uuid.UUID, limit int) ([]domain.AutomationExecutionLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, rule_id, executed_at, status, trigger_source, action_results, duration_ms, error_message
		FROM automation_execution_logs WHERE rule_id = ? ORDER BY executed_at DESC LIMIT ?
	`, ruleID.String(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AutomationExecutionLog
	for rows.Next() {
		var l domain.AutomationExecutionLog
		var id, rid, executedAt, status, results string
		var trigger sql.NullString
		var errMsg sql.NullString
		if err := rows.Scan(&id, &rid, &executedAt, &status, &trigger, &results, &l.DurationMs, &errMsg); err != nil {
			return nil, err
		}
		if l.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if l.RuleID, err = uuid.Parse(rid); err != nil {
			return nil, err
		}
		l.ExecutedAt = parseTime(executedAt)
		l.Status = domain.ExecutionStatus(status)
		if trigger.Valid {
			l.TriggerSource = json.RawMessage(trigger.String)
		}
		if err := unmarshalJSON(results, &l.ActionResults); err != nil {
			return nil, fmt.Errorf("unmarshal action results: %w", err)
		}
		l.ErrorMessage = errMsg.String
		out = append(out, l)
	}
	return out, rows.Err()
}

const ruleSelect = `
	SELECT id, name, is_enabled, trigger_mode, condition_mode, cooldown_seconds,
		last_triggered_at, execution_count
	FROM automation_rules`

func insertRule(ctx context.Context, tx *sql.Tx, rule domain.AutomationRule) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO automation_rules (id, name, is_enabled, trigger_mode, condition_mode,
			cooldown_seconds, last_triggered_at, execution_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rule.ID.String(), rule.Name, boolToInt(rule.IsEnabled), string(rule.TriggerMode),
		string(rule.ConditionMode), rule.CooldownSeconds, formatTimePtr(rule.LastTriggeredAt), rule.ExecutionCount)
	return err
}

func replaceTriggers(ctx context.Context, tx *sql.Tx, ruleID uuid.UUID, triggers []domain.AutomationTrigger) error {
	for i, t := range triggers {
		if t.ID == uuid.Nil {
			t.ID = domain.NewID()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO automation_triggers (id, rule_id, trigger_type, device_id, property,
				operator, value, time_expression, sun_event, offset_minutes, sort_order)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID.String(), ruleID.String(), string(t.TriggerType), t.DeviceID, t.Property,
			string(t.Operator), marshalValuePtr(t.Value), t.TimeExpression, t.SunEvent, t.OffsetMinutes, i)
		if err != nil {
			return fmt.Errorf("insert trigger: %w", err)
		}
	}
	return nil
}

func replaceConditions(ctx context.Context, tx *sql.Tx, ruleID uuid.UUID, conditions []domain.AutomationCondition) error {
	return insertConditions(ctx, tx, ruleID, nil, conditions)
}

func insertConditions(ctx context.Context, tx *sql.Tx, ruleID uuid.UUID, parentID *uuid.UUID, conditions []domain.AutomationCondition) error {
	for i, c := range conditions {
		if c.ID == uuid.Nil {
			c.ID = domain.NewID()
		}
		days, err := marshalJSON(c.DaysOfWeek)
		if err != nil {
			return fmt.Errorf("marshal days of week: %w", err)
		}
		var parent any
		if parentID != nil {
			parent = parentID.String()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO automation_conditions (id, rule_id, parent_condition_id, condition_type,
				device_id, property, operator, value, value2, time_start, time_end, days_of_week, sort_order)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID.String(), ruleID.String(), parent, string(c.ConditionType), c.DeviceID, c.Property,
			string(c.Operator), marshalValuePtr(c.Value), marshalValuePtr(c.Value2), c.TimeStart, c.TimeEnd, days, i)
		if err != nil {
			return fmt.Errorf("insert condition: %w", err)
		}
		if len(c.Children) > 0 {
			id := c.ID
			if err := insertConditions(ctx, tx, ruleID, &id, c.Children); err != nil {
				return err
			}
		}
	}
	return nil
}

func replaceActions(ctx context.Context, tx *sql.Tx, ruleID uuid.UUID, actions []domain.AutomationAction) error {
	for i, a := range actions {
		if a.ID == uuid.Nil {
			a.ID = domain.NewID()
		}
		var sceneID any
		if a.SceneID != nil {
			sceneID = a.SceneID.String()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO automation_actions (id, rule_id, action_type, device_id, property, value,
				delay_seconds, webhook_url, webhook_method, webhook_body, notification_title,
				notification_message, scene_id, sort_order)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.ID.String(), ruleID.String(), string(a.ActionType), a.DeviceID, a.Property,
			marshalValuePtr(a.Value), a.DelaySeconds, a.WebhookURL, a.WebhookMethod, a.WebhookBody,
			a.NotificationTitle, a.NotificationMessage, sceneID, i)
		if err != nil {
			return fmt.Errorf("insert action: %w", err)
		}
	}
	return nil
}

func scanRule(ctx context.Context, db *sql.DB, row rowScanner) (domain.AutomationRule, error) {
	var rule domain.AutomationRule
	var id, triggerMode, conditionMode string
	var enabled int64
	var lastTriggered sql.NullString
	err := row.Scan(&id, &rule.Name, &enabled, &triggerMode, &conditionMode,
		&rule.CooldownSeconds, &lastTriggered, &rule.ExecutionCount)
	if err == sql.ErrNoRows {
		return domain.AutomationRule{}, ErrNotFound
	}
	if err != nil {
		return domain.AutomationRule{}, err
	}
	rule.ID, err = uuid.Parse(id)
	if err != nil {
		return domain.AutomationRule{}, err
	}
	rule.IsEnabled = intToBool(enabled)
	rule.TriggerMode = domain.TriggerMode(triggerMode)
	rule.ConditionMode = domain.ConditionMode(conditionMode)
	rule.LastTriggeredAt = parseTimePtr(lastTriggered)
	return rule, nil
}

func hydrateRule(ctx context.Context, db *sql.DB, rule *domain.AutomationRule) error {
	var err error
	if rule.Triggers, err = loadTriggers(ctx, db, rule.ID); err != nil {
		return err
	}
	if rule.Conditions, err = loadConditions(ctx, db, rule.ID, nil); err != nil {
		return err
	}
	if rule.Actions, err = loadActions(ctx, db, rule.ID); err != nil {
		return err
	}
	return nil
}

func loadTriggers(ctx context.Context, db *sql.DB, ruleID uuid.UUID) ([]domain.AutomationTrigger, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, trigger_type, device_id, property, operator, value, time_expression,
			sun_event, offset_minutes, sort_order
		FROM automation_triggers WHERE rule_id = ? ORDER BY sort_order ASC
	`, ruleID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AutomationTrigger
	for rows.Next() {
		var t domain.AutomationTrigger
		var id, triggerType string
		var deviceID, property, op, timeExpr, sunEvent sql.NullString
		var value sql.NullString
		if err := rows.Scan(&id, &triggerType, &deviceID, &property, &op, &value, &timeExpr, &sunEvent, &t.OffsetMinutes, &t.SortOrder); err != nil {
			return nil, err
		}
		if t.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		t.RuleID = ruleID
		t.TriggerType = domain.AutomationTriggerType(triggerType)
		t.DeviceID = deviceID.String
		t.Property = property.String
		t.Operator = domain.Operator(op.String)
		t.TimeExpression = timeExpr.String
		t.SunEvent = sunEvent.String
		if t.Value, err = unmarshalValuePtr(value); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func loadConditions(ctx context.Context, db *sql.DB, ruleID uuid.UUID, parentID *uuid.UUID) ([]domain.AutomationCondition, error) {
	var rows *sql.Rows
	var err error
	if parentID == nil {
		rows, err = db.QueryContext(ctx, `
			SELECT id, condition_type, device_id, property, operator, value, value2, time_start,
				time_end, days_of_week, sort_order
			FROM automation_conditions WHERE rule_id = ? AND parent_condition_id IS NULL ORDER BY sort_order ASC
		`, ruleID.String())
	} else {
		rows, err = db.QueryContext(ctx, `
			SELECT id, condition_type, device_id, property, operator, value, value2, time_start,
				time_end, days_of_week, sort_order
			FROM automation_conditions WHERE rule_id = ? AND parent_condition_id = ? ORDER BY sort_order ASC
		`, ruleID.String(), parentID.String())
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AutomationCondition
	for rows.Next() {
		var c domain.AutomationCondition
		var id, condType string
		var deviceID, property, op, timeStart, timeEnd, days sql.NullString
		var value, value2 sql.NullString
		if err := rows.Scan(&id, &condType, &deviceID, &property, &op, &value, &value2, &timeStart, &timeEnd, &days, &c.SortOrder); err != nil {
			return nil, err
		}
		if c.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		c.RuleID = ruleID
		c.ConditionType = domain.AutomationConditionType(condType)
		c.DeviceID = deviceID.String
		c.Property = property.String
		c.Operator = domain.Operator(op.String)
		c.TimeStart = timeStart.String
		c.TimeEnd = timeEnd.String
		if c.Value, err = unmarshalValuePtr(value); err != nil {
			return nil, err
		}
		if c.Value2, err = unmarshalValuePtr(value2); err != nil {
			return nil, err
		}
		if days.Valid && days.String != "" {
			if err := unmarshalJSON(days.String, &c.DaysOfWeek); err != nil {
				return nil, fmt.Errorf("unmarshal days of week: %w", err)
			}
		}
		id2 := c.ID
		if c.Children, err = loadConditions(ctx, db, ruleID, &id2); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func loadActions(ctx context.Context, db *sql.DB, ruleID uuid.UUID) ([]domain.AutomationAction, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, action_type, device_id, property, value, delay_seconds, webhook_url,
			webhook_method, webhook_body, notification_title, notification_message, scene_id, sort_order
		FROM automation_actions WHERE rule_id = ? ORDER BY sort_order ASC
	`, ruleID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AutomationAction
	for rows.Next() {
		var a domain.AutomationAction
		var id, actionType string
		var deviceID, property, webhookURL, webhookMethod, webhookBody, notifTitle, notifMsg sql.NullString
		var value sql.NullString
		var sceneID sql.NullString
		if err := rows.Scan(&id, &actionType, &deviceID, &property, &value, &a.DelaySeconds,
			&webhookURL, &webhookMethod, &webhookBody, &notifTitle, &notifMsg, &sceneID, &a.SortOrder); err != nil {
			return nil, err
		}
		if a.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		a.RuleID = ruleID
		a.ActionType = domain.AutomationActionType(actionType)
		a.DeviceID = deviceID.String
		a.Property = property.String
		a.WebhookURL = webhookURL.String
		a.WebhookMethod = webhookMethod.String
		a.WebhookBody = webhookBody.String
		a.NotificationTitle = notifTitle.String
		a.NotificationMessage = notifMsg.String
		if a.Value, err = unmarshalValuePtr(value); err != nil {
			return nil, err
		}
		if sceneID.Valid {
			sid, err := uuid.Parse(sceneID.String)
			if err != nil {
				return nil, err
			}
			a.SceneID = &sid
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
