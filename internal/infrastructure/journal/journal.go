// Package journal keeps the decision trail (routing, sizing, engine events)
// in Postgres through gorm. Writes are buffered and flushed in batches.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"optcore/internal/application/service/router"
	"optcore/internal/application/service/sizing"
	"optcore/internal/domain/entity/events"
	"optcore/internal/pkg/batch"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const insertChunk = 100

type Config struct {
	BatchSize    int
	FlushTimeout time.Duration
}

type Journal struct {
	db     *gorm.DB
	logger *logrus.Entry

	routes  *batch.Buffer[RouteDecisionModel]
	sizings *batch.Buffer[SizingResultModel]
	events  *batch.Buffer[EventModel]
}

// Open connects gorm to Postgres.
func Open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	return db, nil
}

// Migrate creates or updates the journal tables.
func Migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(Models()...)
}

func New(db *gorm.DB, cfg Config, logger *logrus.Logger) *Journal {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = time.Second
	}
	j := &Journal{db: db, logger: logger.WithField("component", "journal")}
	bc := batch.Config{Size: cfg.BatchSize, Timeout: cfg.FlushTimeout}
	j.routes = batch.New[RouteDecisionModel](bc, insertAll[RouteDecisionModel](db), j.logger.WithField("table", "route_decisions"))
	j.sizings = batch.New[SizingResultModel](bc, insertAll[SizingResultModel](db), j.logger.WithField("table", "sizing_results"))
	j.events = batch.New[EventModel](bc, insertAll[EventModel](db), j.logger.WithField("table", "events"))
	return j
}

func insertAll[T any](db *gorm.DB) batch.FlushFunc[T] {
	return func(ctx context.Context, items []T) error {
		return db.WithContext(ctx).CreateInBatches(items, insertChunk).Error
	}
}

func (j *Journal) Start(ctx context.Context) {
	j.routes.Start(ctx)
	j.sizings.Start(ctx)
	j.events.Start(ctx)
}

// Flush writes everything still buffered.
func (j *Journal) Flush(ctx context.Context) error {
	return errors.Join(j.routes.Drain(ctx), j.sizings.Drain(ctx), j.events.Drain(ctx))
}

func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (j *Journal) RecordRoute(_ context.Context, cycleID string, decisions []router.Decision) {
	for _, d := range decisions {
		j.warn("route", j.routes.Add(routeModel(cycleID, d)))
	}
}

func (j *Journal) RecordSizing(_ context.Context, cycleID string, res sizing.Result) {
	m, err := sizingModel(cycleID, res)
	if err != nil {
		j.warn("sizing", err)
		return
	}
	j.warn("sizing", j.sizings.Add(m))
}

// Publish implements interfaces.EventPublisher as the audit trail.
func (j *Journal) Publish(_ context.Context, event events.Event) error {
	m, err := eventModel(event)
	if err != nil {
		return err
	}
	return j.events.Add(m)
}

func (j *Journal) RecentDecisions(ctx context.Context, limit int) ([]RouteDecisionModel, error) {
	var out []RouteDecisionModel
	err := j.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

func (j *Journal) SizingForSignal(ctx context.Context, signalID string) ([]SizingResultModel, error) {
	var out []SizingResultModel
	err := j.db.WithContext(ctx).Where("signal_id = ?", signalID).Order("id ASC").Find(&out).Error
	return out, err
}

func (j *Journal) RecentEvents(ctx context.Context, kind string, limit int) ([]EventModel, error) {
	var out []EventModel
	q := j.db.WithContext(ctx).Order("at DESC").Limit(limit)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	err := q.Find(&out).Error
	return out, err
}

func (j *Journal) warn(kind string, err error) {
	if err != nil {
		j.logger.WithError(err).WithField("kind", kind).Warn("journal write dropped")
	}
}

func routeModel(cycleID string, d router.Decision) RouteDecisionModel {
	return RouteDecisionModel{
		CycleID:      cycleID,
		SignalID:     d.SignalID,
		Source:       string(d.Source),
		Instrument:   d.Instrument,
		StrategyType: string(d.StrategyType),
		Action:       string(d.Action),
		Reason:       d.Reason,
		Priority:     d.Priority,
	}
}

func sizingModel(cycleID string, res sizing.Result) (SizingResultModel, error) {
	steps, err := json.Marshal(res.Steps)
	if err != nil {
		return SizingResultModel{}, fmt.Errorf("encode sizing steps for %s: %w", res.SignalID, err)
	}
	return SizingResultModel{
		CycleID:      cycleID,
		SignalID:     res.SignalID,
		Instrument:   res.Instrument,
		Approved:     res.Approved,
		Lots:         res.Lots,
		Quantity:     res.Quantity,
		FinalSize:    res.FinalSize,
		RejectStep:   res.RejectStep,
		RejectReason: res.RejectReason,
		Steps:        steps,
	}, nil
}

func eventModel(e events.Event) (EventModel, error) {
	var attrs []byte
	if len(e.Attributes) > 0 {
		raw, err := json.Marshal(e.Attributes)
		if err != nil {
			return EventModel{}, fmt.Errorf("encode event attributes: %w", err)
		}
		attrs = raw
	}
	return EventModel{
		ID:         e.ID,
		Kind:       string(e.Kind),
		Severity:   string(e.Severity),
		Source:     e.Source,
		Message:    e.Message,
		Attributes: attrs,
		At:         e.At,
	}, nil
}
