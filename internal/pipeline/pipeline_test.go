package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/couchcryptid/sales-rain-etl/internal/domain"
	"github.com/couchcryptid/sales-rain-etl/internal/observability"
	"github.com/couchcryptid/sales-rain-etl/internal/pipeline"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type mockSalesSource struct {
	sales   domain.SaleSet
	tickets []domain.Ticket
	stores  []domain.Store
	err     error
}

func (m *mockSalesSource) Sales(_ context.Context) (domain.SaleSet, error) {
	return m.sales, m.err
}

func (m *mockSalesSource) Tickets(_ context.Context) ([]domain.Ticket, error) {
	return m.tickets, nil
}

func (m *mockSalesSource) Stores(_ context.Context) ([]domain.Store, error) {
	return m.stores, nil
}

type mockSensorSource struct {
	locations []domain.SensorLocation
	events    []domain.SensorEvent
}

func (m *mockSensorSource) SensorLocations(_ context.Context) ([]domain.SensorLocation, error) {
	return m.locations, nil
}

func (m *mockSensorSource) SensorEvents(_ context.Context) ([]domain.SensorEvent, error) {
	return m.events, nil
}

// mockLoader fails the first failures calls, then records every load.
type mockLoader struct {
	mu       sync.Mutex
	failures int
	calls    int
	loads    [][]domain.FinalRow
	loaded   chan struct{}
}

func newMockLoader(failures int) *mockLoader {
	return &mockLoader{failures: failures, loaded: make(chan struct{}, 16)}
}

func (m *mockLoader) Load(_ context.Context, rows []domain.FinalRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failures {
		return errors.New("broker unavailable")
	}
	m.loads = append(m.loads, rows)
	m.loaded <- struct{}{}
	return nil
}

func (m *mockLoader) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr(v float64) *float64 { return &v }

func sampleSources() (*mockSalesSource, *mockSensorSource) {
	sales := &mockSalesSource{
		sales: domain.SaleSet{
			HasAmount: true,
			Rows: []domain.Sale{
				{FacturaID: 1, TiendaID: 10, ValorTotal: ptr(100)},
				{FacturaID: 2, TiendaID: 10, ValorTotal: ptr(50)},
				{FacturaID: 3, TiendaID: 20, ValorTotal: ptr(70)},
				{FacturaID: 4, TiendaID: 99, ValorTotal: ptr(5)},
			},
		},
		tickets: []domain.Ticket{
			{FacturaID: 1, FechaVenta: "2023-01-02"},
			{FacturaID: 2, FechaVenta: "2023-01-02 18:30:00"},
			{FacturaID: 3, FechaVenta: "01/03/2023"},
			{FacturaID: 4, FechaVenta: "2023-01-02"},
		},
		stores: []domain.Store{
			{ID: 10, RegionID: 1, Nombre: "Centro"},
			{ID: 20, RegionID: 2, Nombre: "Norte"},
		},
	}
	sensors := &mockSensorSource{
		locations: []domain.SensorLocation{{ID: 7, RegionID: 1}, {ID: 8, RegionID: 1}},
		events: []domain.SensorEvent{
			{SensorID: 7, Fecha: "2023-01-02", Valor: ptr(4)},
			{SensorID: 8, Fecha: "02/01/2023 06:00", Valor: ptr(2)},
		},
	}
	return sales, sensors
}

// --- tests ---

func TestPipeline_RunOnce_HappyPath(t *testing.T) {
	sales, sensors := sampleSources()
	ldr := newMockLoader(0)
	metrics := observability.NewMetricsForTesting()

	p := pipeline.New(sales, sensors, ldr, clockwork.NewFakeClock(), discardLogger(), metrics)
	require.Error(t, p.CheckReadiness(context.Background()))

	result, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	expected := []domain.FinalRow{
		{TiendaID: 10, RegionID: 1, FechaVenta: civil.Date{Year: 2023, Month: time.January, Day: 2}, Ventas: 150, Precipitacion: 3},
		{TiendaID: 20, RegionID: 2, FechaVenta: civil.Date{Year: 2023, Month: time.January, Day: 3}, Ventas: 70, Precipitacion: 0},
	}
	require.Len(t, ldr.loads, 1)
	assert.Equal(t, expected, ldr.loads[0])
	assert.Equal(t, expected, result.Rows)
	assert.Equal(t, 1, result.Stats.SalesUnknownStore)

	require.NoError(t, p.CheckReadiness(context.Background()))
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.RowsProduced), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(metrics.RowsExtracted.WithLabelValues("ventas")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.RowsDropped.WithLabelValues("unknown_store")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.AmountFallback), 0)
}

func TestPipeline_RunOnce_CountFallbackSetsGauge(t *testing.T) {
	sales, sensors := sampleSources()
	sales.sales.HasAmount = false
	metrics := observability.NewMetricsForTesting()

	p := pipeline.New(sales, sensors, newMockLoader(0), clockwork.NewFakeClock(), discardLogger(), metrics)
	result, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.AmountCount, result.Stats.AmountPolicy)
	assert.InDelta(t, 2, result.Rows[0].Ventas, 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.AmountFallback), 0)
}

func TestPipeline_RunOnce_ExtractError(t *testing.T) {
	sales, sensors := sampleSources()
	sales.err = errors.New("connection refused")
	ldr := newMockLoader(0)
	metrics := observability.NewMetricsForTesting()

	p := pipeline.New(sales, sensors, ldr, clockwork.NewFakeClock(), discardLogger(), metrics)
	_, err := p.RunOnce(context.Background())

	var stageErr *pipeline.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "extract", stageErr.Stage)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Zero(t, ldr.callCount())
	assert.Error(t, p.CheckReadiness(context.Background()))
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.RunErrors.WithLabelValues("extract")), 0)
}

func TestPipeline_RunOnce_TransformError(t *testing.T) {
	sales, sensors := sampleSources()
	sensors.events = append(sensors.events, domain.SensorEvent{SensorID: 7, Fecha: "yesterday"})
	ldr := newMockLoader(0)

	p := pipeline.New(sales, sensors, ldr, clockwork.NewFakeClock(), discardLogger(), observability.NewMetricsForTesting())
	_, err := p.RunOnce(context.Background())

	var stageErr *pipeline.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "transform", stageErr.Stage)
	require.ErrorIs(t, err, domain.ErrUnparseableDate)
	assert.Zero(t, ldr.callCount())
}

func TestPipeline_RunOnce_MissingDatesDropRows(t *testing.T) {
	sales, sensors := sampleSources()
	sales.tickets = append(sales.tickets, domain.Ticket{FacturaID: 3, FechaVenta: ""})
	sensors.events = append(sensors.events, domain.SensorEvent{SensorID: 7, Valor: ptr(50)})
	ldr := newMockLoader(0)
	metrics := observability.NewMetricsForTesting()

	p := pipeline.New(sales, sensors, ldr, clockwork.NewFakeClock(), discardLogger(), metrics)
	result, err := p.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, result.Rows, 2)
	assert.InDelta(t, 3, result.Rows[0].Precipitacion, 0)
	assert.InDelta(t, 70, result.Rows[1].Ventas, 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.RowsDropped.WithLabelValues("sale_without_date")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.RowsDropped.WithLabelValues("reading_without_date")), 0)
	require.NoError(t, p.CheckReadiness(context.Background()))
}

func TestPipeline_RunOnce_LoadError(t *testing.T) {
	sales, sensors := sampleSources()
	p := pipeline.New(sales, sensors, newMockLoader(1), clockwork.NewFakeClock(), discardLogger(), observability.NewMetricsForTesting())

	_, err := p.RunOnce(context.Background())

	var stageErr *pipeline.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "load", stageErr.Stage)
	assert.Contains(t, err.Error(), "load 2 rows")
}

func TestPipeline_RunOnce_EmptyResultStillLoads(t *testing.T) {
	ldr := newMockLoader(0)
	p := pipeline.New(&mockSalesSource{}, &mockSensorSource{}, ldr, clockwork.NewFakeClock(), discardLogger(), observability.NewMetricsForTesting())

	result, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result.Rows)
	require.Len(t, ldr.loads, 1)
	assert.Empty(t, ldr.loads[0])
}

func TestPipeline_Run_ZeroIntervalReturnsRunError(t *testing.T) {
	sales, sensors := sampleSources()
	p := pipeline.New(sales, sensors, newMockLoader(1), clockwork.NewFakeClock(), discardLogger(), observability.NewMetricsForTesting())

	err := p.Run(context.Background(), 0)
	require.Error(t, err)
}

func TestPipeline_Run_RetriesWithBackoff(t *testing.T) {
	sales, sensors := sampleSources()
	ldr := newMockLoader(1)
	clock := clockwork.NewFakeClock()
	metrics := observability.NewMetricsForTesting()
	p := pipeline.New(sales, sensors, ldr, clock, discardLogger(), metrics)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, time.Hour) }()

	// First run fails; the retry waits for the initial backoff, not the interval.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, 1, ldr.callCount())
	clock.Advance(200 * time.Millisecond)

	select {
	case <-ldr.loaded:
	case <-ctx.Done():
		t.Fatal("retry did not run")
	}

	// After success the loop sleeps for the full interval.
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(time.Hour)
	select {
	case <-ldr.loaded:
	case <-ctx.Done():
		t.Fatal("scheduled run did not happen")
	}

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 3, ldr.callCount())
	require.NoError(t, p.CheckReadiness(context.Background()))
	assert.InDelta(t, 0, testutil.ToFloat64(metrics.PipelineRunning), 0)
}

func TestPipeline_Run_ContextCancellation(t *testing.T) {
	sales, sensors := sampleSources()
	ldr := newMockLoader(0)
	p := pipeline.New(sales, sensors, ldr, clockwork.NewFakeClock(), discardLogger(), observability.NewMetricsForTesting())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, p.Run(ctx, time.Minute))
	assert.Zero(t, ldr.callCount())
}

func TestPipeline_LastRun(t *testing.T) {
	sales, sensors := sampleSources()
	clock := clockwork.NewFakeClockAt(time.Date(2024, time.May, 1, 6, 0, 0, 0, time.UTC))
	p := pipeline.New(sales, sensors, newMockLoader(1), clock, discardLogger(), observability.NewMetricsForTesting())

	_, ok := p.LastRun()
	assert.False(t, ok)

	_, err := p.RunOnce(context.Background())
	require.Error(t, err)
	status, ok := p.LastRun()
	require.True(t, ok)
	assert.Contains(t, status.Error, "broker unavailable")
	assert.Equal(t, 2, status.Rows)
	assert.Equal(t, clock.Now(), status.StartedAt)

	_, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	status, ok = p.LastRun()
	require.True(t, ok)
	assert.Empty(t, status.Error)
	assert.Equal(t, 2, status.Stats.StoreDays)
	assert.Equal(t, domain.AmountSum, status.Stats.AmountPolicy)
}
