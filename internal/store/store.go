// Package store defines the persistence ports the core depends on and a
// SQLite-backed implementation of them. Each method opens its own
// request-scoped database call rather than threading a shared
// ambient-context object across goroutines, per Design Note §9
// ("replace [ambient EF-style DbContext] with explicit repository ports
// taking a unit-of-work per request").
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sdhome/core/internal/domain"
)

// ErrNotFound is returned by Get-style methods when no row matches.
var ErrNotFound = errors.New("store: not found")

// SignalEventStore persists the immutable causal-anchor events.
type SignalEventStore interface {
	Insert(ctx context.Context, e domain.SignalEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (domain.SignalEvent, error)
	ListByDevice(ctx context.Context, deviceID string, since time.Time, limit int) ([]domain.SignalEvent, error)
}

// SensorReadingStore persists derived sensor readings.
type SensorReadingStore interface {
	Insert(ctx context.Context, r domain.SensorReading) error
	ListByDevice(ctx context.Context, deviceID, metric string, since time.Time, limit int) ([]domain.SensorReading, error)
}

// TriggerEventStore persists derived trigger events.
type TriggerEventStore interface {
	Insert(ctx context.Context, t domain.TriggerEvent) error
	ListByDevice(ctx context.Context, deviceID string, since time.Time, limit int) ([]domain.TriggerEvent, error)
}

// DeviceStore persists the device registry and attribute cache.
type DeviceStore interface {
	Get(ctx context.Context, deviceID string) (domain.Device, error)
	GetByFriendlyName(ctx context.Context, friendlyName string) (domain.Device, error)
	Upsert(ctx context.Context, d domain.Device) error
	List(ctx context.Context) ([]domain.Device, error)
	// MergeAttributes last-writer-wins merges changes into the device's
	// attribute map, updates linkQuality/lastSeen/isAvailable, and
	// persists only if at least one attribute actually changed (spec
	// §4.4, testable property 6).
	MergeAttributes(ctx context.Context, deviceID string, changes map[string]any, linkQuality *int, now time.Time) (changed bool, err error)
}

// ZoneStore persists the zone tree.
type ZoneStore interface {
	Create(ctx context.Context, z domain.Zone) (domain.Zone, error)
	Get(ctx context.Context, id int64) (domain.Zone, error)
	Update(ctx context.Context, z domain.Zone) error
	Delete(ctx context.Context, id int64, mode domain.ReparentMode) error
	List(ctx context.Context) ([]domain.Zone, error)
	Children(ctx context.Context, id int64) ([]domain.Zone, error)
}

// AutomationRuleStore persists rules and their owned triggers/conditions/
// actions (cascade delete) plus the append-only execution log.
type AutomationRuleStore interface {
	Create(ctx context.Context, r domain.AutomationRule) (domain.AutomationRule, error)
	Update(ctx context.Context, r domain.AutomationRule) error
	Delete(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (domain.AutomationRule, error)
	List(ctx context.Context) ([]domain.AutomationRule, error)
	SetLastTriggered(ctx context.Context, id uuid.UUID, at time.Time) error
	AppendExecutionLog(ctx context.Context, log domain.AutomationExecutionLog) error
	ListExecutionLogs(ctx context.Context, ruleID uuid.UUID, limit int) ([]domain.AutomationExecutionLog, error)
}

// SceneStore persists named device-state collections.
type SceneStore interface {
	Create(ctx context.Context, s domain.Scene) (domain.Scene, error)
	Update(ctx context.Context, s domain.Scene) error
	Delete(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (domain.Scene, error)
	List(ctx context.Context) ([]domain.Scene, error)
}

// Store aggregates every repository port behind one handle, mirroring
// the single *sql.DB the SQLite implementation opens once at startup.
type Store interface {
	SignalEvents() SignalEventStore
	SensorReadings() SensorReadingStore
	TriggerEvents() TriggerEventStore
	Devices() DeviceStore
	Zones() ZoneStore
	AutomationRules() AutomationRuleStore
	Scenes() SceneStore
	Close() error
}
