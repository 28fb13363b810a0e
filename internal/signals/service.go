package signals

import (
	"context"
	"log/slog"
	"time"

	"github.com/sdhome/core/internal/broadcaster"
	"github.com/sdhome/core/internal/domain"
	"github.com/sdhome/core/internal/projection"
	"github.com/sdhome/core/internal/store"
)

// PipelineSnapshot carries the per-stage timings the automation engine
// folds into its E2E tracking (spec §4.2 step 5, §4.8).
type PipelineSnapshot struct {
	ParseMs     int64
	DBMs        int64
	BroadcastMs int64
}

// Projector derives, persists, and broadcasts SensorReadings/TriggerEvents
// from a SignalEvent (spec §4.3). Implemented by *projection.Service.
type Projector interface {
	Project(ctx context.Context, evt domain.SignalEvent) (projection.Result, error)
}

// AutomationEngine is the subset of the automation engine's entry
// points the signals pipeline drives (spec §4.5.1).
type AutomationEngine interface {
	ProcessTriggerEvent(ctx context.Context, evt domain.TriggerEvent, snap PipelineSnapshot)
	ProcessSensorReading(ctx context.Context, reading domain.SensorReading, snap PipelineSnapshot)
}

// Service implements the SignalsService pipeline (spec §4.2): map,
// persist, broadcast, project, then hand derived events to the
// automation engine. The engine is called synchronously on the caller's
// goroutine, so rule evaluation and any fired actions finish before
// HandleMessage returns and the next message is handled.
type Service struct {
	baseTopic string
	events    store.SignalEventStore
	bus       broadcaster.Port
	projector Projector
	engine    AutomationEngine
	logger    *slog.Logger
}

// New creates a SignalsService.
func New(baseTopic string, events store.SignalEventStore, bus broadcaster.Port, projector Projector, engine AutomationEngine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		baseTopic: baseTopic,
		events:    events,
		bus:       bus,
		projector: projector,
		engine:    engine,
		logger:    logger,
	}
}

// HandleMessage implements broker.Router. It is called once per
// non-bridge inbound message, in broker order.
func (s *Service) HandleMessage(ctx context.Context, topic string, payload []byte) {
	parseStart := time.Now()
	evt, err := Map(s.baseTopic, topic, payload)
	if err != nil {
		s.logger.Error("signals: mapper error", "topic", topic, "error", err)
		return
	}
	if evt == nil {
		s.logger.Debug("signals: message dropped by mapper", "topic", topic)
		return
	}
	evt.ID = domain.NewID()
	evt.Timestamp = time.Now()
	parseMs := time.Since(parseStart).Milliseconds()

	dbStart := time.Now()
	if err := s.events.Insert(ctx, *evt); err != nil {
		s.logger.Error("signals: failed to persist signal event", "deviceId", evt.DeviceID, "error", err)
		return
	}
	dbMs := time.Since(dbStart).Milliseconds()

	broadcastStart := time.Now()
	s.bus.BroadcastSignalEvent(*evt)
	broadcastMs := time.Since(broadcastStart).Milliseconds()

	snap := PipelineSnapshot{ParseMs: parseMs, DBMs: dbMs, BroadcastMs: broadcastMs}

	result, err := s.projector.Project(ctx, *evt)
	if err != nil {
		s.logger.Error("signals: projection failed", "deviceId", evt.DeviceID, "error", err)
		return
	}

	if s.engine == nil {
		return
	}
	if result.Trigger != nil {
		s.engine.ProcessTriggerEvent(ctx, *result.Trigger, snap)
	}
	for _, reading := range result.Readings {
		s.engine.ProcessSensorReading(ctx, reading, snap)
	}
}
