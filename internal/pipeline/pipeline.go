package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/sales-rain-etl/internal/domain"
	"github.com/couchcryptid/sales-rain-etl/internal/observability"
	"github.com/couchcryptid/storm-data-shared/retry"
	"github.com/jonboulle/clockwork"
)

// SalesSource reads the relational tables.
type SalesSource interface {
	Sales(ctx context.Context) (domain.SaleSet, error)
	Tickets(ctx context.Context) ([]domain.Ticket, error)
	Stores(ctx context.Context) ([]domain.Store, error)
}

// SensorSource reads the document collections.
type SensorSource interface {
	SensorLocations(ctx context.Context) ([]domain.SensorLocation, error)
	SensorEvents(ctx context.Context) ([]domain.SensorEvent, error)
}

// Loader writes the final table to its destination.
type Loader interface {
	Load(ctx context.Context, rows []domain.FinalRow) error
}

// StageError tags a run failure with the stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

const (
	stageExtract   = "extract"
	stageTransform = "transform"
	stageLoad      = "load"

	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Pipeline orchestrates extract, transform, and load runs.
type Pipeline struct {
	sales   SalesSource
	sensors SensorSource
	loader  Loader
	clock   clockwork.Clock
	logger  *slog.Logger
	metrics *observability.Metrics
	ready   atomic.Bool

	mu   sync.Mutex
	last *RunStatus
}

// RunStatus summarizes the most recent run.
type RunStatus struct {
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Rows       int          `json:"rows"`
	Stats      domain.Stats `json:"stats"`
	Error      string       `json:"error,omitempty"`
}

// New creates a Pipeline with the given stages and observability. A nil clock
// uses real time.
func New(sales SalesSource, sensors SensorSource, loader Loader, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Pipeline{
		sales:   sales,
		sensors: sensors,
		loader:  loader,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
	}
}

// CheckReadiness returns nil once a run has completed successfully.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not completed a run yet")
	}
	return nil
}

// LastRun returns the status of the most recent run, if any.
func (p *Pipeline) LastRun() (RunStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return RunStatus{}, false
	}
	return *p.last, true
}

// Run executes one run when interval is zero and returns its error. Otherwise
// it runs every interval until the context is cancelled, retrying failed runs
// with exponential backoff capped at the interval.
func (p *Pipeline) Run(ctx context.Context, interval time.Duration) error {
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	if interval <= 0 {
		_, err := p.RunOnce(ctx)
		return err
	}

	p.logger.Info("pipeline started", "interval", interval)
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		}

		wait := interval
		if _, err := p.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait = min(backoff, interval)
			backoff = retry.NextBackoff(backoff, maxBackoff)
			p.logger.Warn("retrying run", "in", wait)
		} else {
			backoff = initialBackoff
		}

		if !p.sleep(ctx, wait) {
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		}
	}
}

// RunOnce extracts the five source tables, transforms them, and loads the
// result. When only the load fails, the computed result is returned with the
// error.
func (p *Pipeline) RunOnce(ctx context.Context) (domain.Result, error) {
	start := p.clock.Now()
	result, err := p.runOnce(ctx, start)

	status := RunStatus{
		StartedAt:  start,
		FinishedAt: p.clock.Now(),
		Rows:       len(result.Rows),
		Stats:      result.Stats,
	}
	if err != nil {
		status.Error = err.Error()
	}
	p.mu.Lock()
	p.last = &status
	p.mu.Unlock()

	return result, err
}

func (p *Pipeline) runOnce(ctx context.Context, start time.Time) (domain.Result, error) {
	in, err := p.extract(ctx)
	if err != nil {
		return domain.Result{}, p.fail(stageExtract, err)
	}

	result, err := domain.Transform(in)
	if err != nil {
		return domain.Result{}, p.fail(stageTransform, err)
	}
	p.observeStats(result.Stats)

	if len(result.Rows) == 0 {
		p.logger.Warn("transform produced no rows",
			"sale_lines", result.Stats.SaleLines,
			"readings", result.Stats.Readings,
		)
	}

	if err := p.loader.Load(ctx, result.Rows); err != nil {
		return result, p.fail(stageLoad, fmt.Errorf("load %d rows: %w", len(result.Rows), err))
	}

	elapsed := p.clock.Since(start)
	p.metrics.RowsProduced.Add(float64(len(result.Rows)))
	p.metrics.RunDuration.Observe(elapsed.Seconds())
	p.metrics.LastSuccess.Set(float64(p.clock.Now().Unix()))
	p.ready.Store(true)

	p.logger.Info("run complete",
		"rows", len(result.Rows),
		"store_days_without_rain", result.Stats.StoreDaysWithoutRain,
		"duration", elapsed,
	)
	return result, nil
}

func (p *Pipeline) extract(ctx context.Context) (domain.Inputs, error) {
	var in domain.Inputs
	var err error

	if in.Sales, err = p.sales.Sales(ctx); err != nil {
		return in, fmt.Errorf("extract ventas: %w", err)
	}
	p.observeExtracted("ventas", len(in.Sales.Rows))

	if in.Tickets, err = p.sales.Tickets(ctx); err != nil {
		return in, fmt.Errorf("extract tickets: %w", err)
	}
	p.observeExtracted("tickets", len(in.Tickets))

	if in.Stores, err = p.sales.Stores(ctx); err != nil {
		return in, fmt.Errorf("extract tiendas: %w", err)
	}
	p.observeExtracted("tiendas", len(in.Stores))

	if in.SensorLocations, err = p.sensors.SensorLocations(ctx); err != nil {
		return in, fmt.Errorf("extract ubicacion_sensores: %w", err)
	}
	p.observeExtracted("ubicacion_sensores", len(in.SensorLocations))

	if in.SensorEvents, err = p.sensors.SensorEvents(ctx); err != nil {
		return in, fmt.Errorf("extract sensor_eventos: %w", err)
	}
	p.observeExtracted("sensor_eventos", len(in.SensorEvents))

	return in, nil
}

func (p *Pipeline) observeExtracted(table string, n int) {
	p.metrics.RowsExtracted.WithLabelValues(table).Add(float64(n))
	p.logger.Debug("extracted", "table", table, "rows", n)
}

// observeStats logs the amount policy explicitly: counting lines instead of
// summing amounts changes what ventas means.
func (p *Pipeline) observeStats(s domain.Stats) {
	if s.AmountPolicy == domain.AmountCount {
		p.metrics.AmountFallback.Set(1)
		p.logger.Warn("valor_total column absent, counting sale lines as ventas")
	} else {
		p.metrics.AmountFallback.Set(0)
	}

	p.metrics.RowsDropped.WithLabelValues("sale_without_ticket").Add(float64(s.SalesWithoutTicket))
	p.metrics.RowsDropped.WithLabelValues("unknown_store").Add(float64(s.SalesUnknownStore))
	p.metrics.RowsDropped.WithLabelValues("sale_without_date").Add(float64(s.SalesWithoutDate))
	p.metrics.RowsDropped.WithLabelValues("unknown_sensor").Add(float64(s.ReadingsUnknownSensor))
	p.metrics.RowsDropped.WithLabelValues("reading_without_date").Add(float64(s.ReadingsWithoutDate))

	p.logger.Info("transform complete",
		"amount_policy", s.AmountPolicy,
		"sale_lines", s.SaleLines,
		"joined_sale_lines", s.JoinedSaleLines,
		"sales_without_ticket", s.SalesWithoutTicket,
		"sales_unknown_store", s.SalesUnknownStore,
		"sales_without_date", s.SalesWithoutDate,
		"readings", s.Readings,
		"readings_unknown_sensor", s.ReadingsUnknownSensor,
		"readings_without_date", s.ReadingsWithoutDate,
		"store_days", s.StoreDays,
		"region_days", s.RegionDays,
	)
}

func (p *Pipeline) fail(stage string, err error) error {
	p.metrics.RunErrors.WithLabelValues(stage).Inc()
	p.logger.Error("run failed", "stage", stage, "error", err)
	return &StageError{Stage: stage, Err: err}
}

// sleep waits on the pipeline clock so tests can advance it.
func (p *Pipeline) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := p.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
