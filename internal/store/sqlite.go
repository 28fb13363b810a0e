package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sdhome/core/internal/domain"
)

// SQLiteStore is the production Store backed by a single *sql.DB opened
// once at startup. Each repository method opens its own request-scoped
// query against that shared handle rather than threading a context
// object, per Design Note §9.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or migrates the SQLite database at dsn and returns a
// Store wrapping it. dsn is passed verbatim to database/sql, so a
// pure-Go driver DSN (modernc.org/sqlite, used in tests) or the cgo
// mattn/go-sqlite3 DSN both work as long as the matching driver is
// registered by the caller's build.
func Open(driverName, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite enables foreign-key enforcement per-connection, off by
	// default; without it the schema's ON DELETE CASCADE clauses never
	// fire. Capping the pool at one connection (below) means this PRAGMA,
	// run once here, covers every query the store ever issues.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) SignalEvents() SignalEventStore     { return signalEventStore{s.db} }
func (s *SQLiteStore) SensorReadings() SensorReadingStore { return sensorReadingStore{s.db} }
func (s *SQLiteStore) TriggerEvents() TriggerEventStore   { return triggerEventStore{s.db} }
func (s *SQLiteStore) Devices() DeviceStore               { return deviceStore{s.db} }
func (s *SQLiteStore) Zones() ZoneStore                   { return zoneStore{s.db} }
func (s *SQLiteStore) AutomationRules() AutomationRuleStore {
	return automationRuleStore{s.db}
}
func (s *SQLiteStore) Scenes() SceneStore { return sceneStore{s.db} }

type signalEventStore struct{ db *sql.DB }

func (r signalEventStore) Insert(ctx context.Context, e domain.SignalEvent) error {
	if e.ID == uuid.Nil {
		e.ID = domain.NewID()
	}
	valueJSON := marshalValuePtr(e.Value)
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO signal_events (id, timestamp, source, device_id, capability, event_type,
			event_sub_type, value, raw_topic, raw_payload, device_kind, event_category)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID.String(), formatTime(e.Timestamp), e.Source, e.DeviceID, e.Capability, e.EventType,
		e.EventSubType, valueJSON, e.RawTopic, string(e.RawPayload), string(e.DeviceKind), string(e.EventCategory))
	return err
}

func (r signalEventStore) GetByID(ctx context.Context, id uuid.UUID) (domain.SignalEvent, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, timestamp, source, device_id, capability, event_type, event_sub_type,
			value, raw_topic, raw_payload, device_kind, event_category
		FROM signal_events WHERE id = ?
	`, id.String())
	return scanSignalEvent(row)
}

func (r signalEventStore) ListByDevice(ctx context.Context, deviceID string, since time.Time, limit int) ([]domain.SignalEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, timestamp, source, device_id, capability, event_type, event_sub_type,
			value, raw_topic, raw_payload, device_kind, event_category
		FROM signal_events WHERE device_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC LIMIT ?
	`, deviceID, formatTime(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SignalEvent
	for rows.Next() {
		e, err := scanSignalEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignalEventInto(row rowScanner) (domain.SignalEvent, error) {
	var e domain.SignalEvent
	var id, ts, subType, rawPayload, deviceKind, category string
	var value sql.NullString
	err := row.Scan(&id, &ts, &e.Source, &e.DeviceID, &e.Capability, &e.EventType, &subType,
		&value, &e.RawTopic, &rawPayload, &deviceKind, &category)
	if err != nil {
		return domain.SignalEvent{}, err
	}
	e.ID, err = uuid.Parse(id)
	if err != nil {
		return domain.SignalEvent{}, fmt.Errorf("parse signal event id: %w", err)
	}
	e.Timestamp = parseTime(ts)
	e.EventSubType = subType
	e.Value, err = unmarshalValuePtr(value)
	if err != nil {
		return domain.SignalEvent{}, fmt.Errorf("unmarshal value: %w", err)
	}
	e.RawPayload = []byte(rawPayload)
	e.DeviceKind = domain.DeviceKind(deviceKind)
	e.EventCategory = domain.EventCategory(category)
	return e, nil
}

func scanSignalEvent(row *sql.Row) (domain.SignalEvent, error) {
	e, err := scanSignalEventInto(row)
	if err == sql.ErrNoRows {
		return domain.SignalEvent{}, ErrNotFound
	}
	return e, err
}

func scanSignalEventRow(rows *sql.Rows) (domain.SignalEvent, error) {
	return scanSignalEventInto(rows)
}

type sensorReadingStore struct{ db *sql.DB }

func (r sensorReadingStore) Insert(ctx context.Context, rd domain.SensorReading) error {
	if rd.ID == uuid.Nil {
		rd.ID = domain.NewID()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sensor_readings (id, signal_event_id, timestamp, device_id, metric, value, unit)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rd.ID.String(), rd.SignalEventID.String(), formatTime(rd.Timestamp), rd.DeviceID, rd.Metric, rd.Value, rd.Unit)
	return err
}

func (r sensorReadingStore) ListByDevice(ctx context.Context, deviceID, metric string, since time.Time, limit int) ([]domain.SensorReading, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, signal_event_id, timestamp, device_id, metric, value, unit
		FROM sensor_readings WHERE device_id = ? AND timestamp >= ?`
	args := []any{deviceID, formatTime(since)}
	if metric != "" {
		query += ` AND metric = ?`
		args = append(args, metric)
	}
	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SensorReading
	for rows.Next() {
		var rd domain.SensorReading
		var id, signalID, ts string
		var unit sql.NullString
		if err := rows.Scan(&id, &signalID, &ts, &rd.DeviceID, &rd.Metric, &rd.Value, &unit); err != nil {
			return nil, err
		}
		rd.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, err
		}
		rd.SignalEventID, err = uuid.Parse(signalID)
		if err != nil {
			return nil, err
		}
		rd.Timestamp = parseTime(ts)
		rd.Unit = unit.String
		out = append(out, rd)
	}
	return out, rows.Err()
}

type triggerEventStore struct{ db *sql.DB }

func (r triggerEventStore) Insert(ctx context.Context, t domain.TriggerEvent) error {
	if t.ID == uuid.Nil {
		t.ID = domain.NewID()
	}
	var value sql.NullBool
	if t.Value != nil {
		value = sql.NullBool{Bool: *t.Value, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO trigger_events (id, signal_event_id, timestamp, device_id, capability,
			trigger_type, trigger_sub_type, value)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID.String(), t.SignalEventID.String(), formatTime(t.Timestamp), t.DeviceID, t.Capability,
		t.TriggerType, t.TriggerSubType, value)
	return err
}

func (r triggerEventStore) ListByDevice(ctx context.Context, deviceID string, since time.Time, limit int) ([]domain.TriggerEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, signal_event_id, timestamp, device_id, capability, trigger_type, trigger_sub_type, value
		FROM trigger_events WHERE device_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC LIMIT ?
	`, deviceID, formatTime(since), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TriggerEvent
	for rows.Next() {
		var t domain.TriggerEvent
		var id, signalID, ts string
		var subType sql.NullString
		var value sql.NullBool
		if err := rows.Scan(&id, &signalID, &ts, &t.DeviceID, &t.Capability, &t.TriggerType, &subType, &value); err != nil {
			return nil, err
		}
		t.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, err
		}
		t.SignalEventID, err = uuid.Parse(signalID)
		if err != nil {
			return nil, err
		}
		t.Timestamp = parseTime(ts)
		t.TriggerSubType = subType.String
		if value.Valid {
			b := value.Bool
			t.Value = &b
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
