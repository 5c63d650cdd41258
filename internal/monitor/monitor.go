// Package monitor runs the background polling loop. It keeps the shared
// position cache warm, aggregates the watched queries into snapshots for
// live subscribers, and raises alerts when polling goes down.
package monitor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"

	"margin_relay/internal/alert"
	"margin_relay/internal/config"
	"margin_relay/internal/core"
	"margin_relay/pkg/concurrency"
	apperrors "margin_relay/pkg/errors"
	"margin_relay/pkg/telemetry"
)

// Monitor polls the watched position queries on a fixed interval and
// broadcasts the aggregated result after every cycle, including failed ones.
type Monitor struct {
	cfg      config.MonitorConfig
	reader   core.PositionReader
	caster   core.Broadcaster
	alerts   *alert.AlertManager
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
	queries  []core.PositionQuery
	pool     *concurrency.WorkerPool
	pipeline failsafe.Executor[[]core.Position]

	// refreshCh carries at most one pending nudge. Coalescing is deliberate:
	// ten webhook commands in one interval still cost one extra poll.
	refreshCh chan struct{}

	mu                  sync.Mutex
	lastSuccess         time.Time
	consecutiveFailures int
	alerted             bool
}

// NewMonitor builds a monitor over the cached reader. The broadcaster
// receives one snapshot per cycle.
func NewMonitor(cfg config.MonitorConfig, reader core.PositionReader, caster core.Broadcaster, logger core.ILogger) *Monitor {
	// Transport failures are worth retrying inside a cycle; envelope
	// rejections are not, the next cycle will see the same answer.
	retryPolicy := retrypolicy.NewBuilder[[]core.Position]().
		HandleIf(func(_ []core.Position, err error) bool {
			return apperrors.IsTransport(err)
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(2).
		Build()

	breaker := circuitbreaker.NewBuilder[[]core.Position]().
		HandleIf(func(_ []core.Position, err error) bool {
			return apperrors.IsTransport(err)
		}).
		WithFailureThresholdRatio(5, 10).
		WithDelay(30 * time.Second).
		Build()

	return &Monitor{
		cfg:       cfg,
		reader:    reader,
		caster:    caster,
		logger:    logger.WithField("component", "position_monitor"),
		metrics:   telemetry.GetGlobalMetrics(),
		queries:   QueriesFromConfig(cfg.Queries),
		pool:      concurrency.NewWorkerPool(concurrency.PoolConfig{Name: "position_poller", MaxWorkers: 4, MaxCapacity: 32}, logger),
		pipeline:  failsafe.With[[]core.Position](retryPolicy, breaker),
		refreshCh: make(chan struct{}, 1),
	}
}

// SetAlertManager wires the outage notifications. Optional; without it the
// monitor only logs.
func (m *Monitor) SetAlertManager(am *alert.AlertManager) {
	m.alerts = am
}

// Run polls until the context is canceled. Implements bootstrap.Runner.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.cfg.RefreshInterval()
	m.logger.Info("Position monitor started", "interval", interval.String(), "queries", len(m.queries))
	defer m.pool.Stop()

	// First cycle immediately so subscribers and the cache are not empty
	// for a full interval after startup.
	m.cycle(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Position monitor stopped")
			return nil
		case <-ticker.C:
			m.cycle(ctx)
		case <-m.refreshCh:
			m.cycle(ctx)
		}
	}
}

// RefreshNow schedules an immediate poll cycle. Never blocks; nudges
// arriving while one is already pending are coalesced.
func (m *Monitor) RefreshNow() {
	select {
	case m.refreshCh <- struct{}{}:
	default:
	}
}

func (m *Monitor) cycle(ctx context.Context) {
	results := make([][]core.Position, len(m.queries))
	errs := make([]error, len(m.queries))

	var wg sync.WaitGroup
	for i, query := range m.queries {
		wg.Add(1)
		if err := m.pool.Submit(func() {
			defer wg.Done()
			results[i], errs[i] = m.fetch(ctx, query)
		}); err != nil {
			errs[i] = err
			wg.Done()
		}
	}
	wg.Wait()

	if ctx.Err() != nil {
		return
	}

	snapshot := m.aggregate(results, errs)
	m.caster.BroadcastPositions(snapshot)

	if len(snapshot.Errors) == len(m.queries) {
		m.recordFailure(ctx, snapshot.Errors)
		return
	}
	m.recordSuccess(ctx)
}

// fetch reads one query through the resilience pipeline. Reads go through
// the shared cache, so a successful fetch here is a warm cache for the
// HTTP read path too.
func (m *Monitor) fetch(ctx context.Context, query core.PositionQuery) ([]core.Position, error) {
	return m.pipeline.GetWithExecution(func(exec failsafe.Execution[[]core.Position]) ([]core.Position, error) {
		return m.reader.ListPositions(ctx, query)
	})
}

func (m *Monitor) aggregate(results [][]core.Position, errs []error) core.PositionsSnapshot {
	all := []core.Position{}
	totalPnl := decimal.Zero
	totalValue := decimal.Zero
	var failures []string

	for i, query := range m.queries {
		key := query.CacheKey()
		if errs[i] != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", key, errs[i]))
			continue
		}

		queryPnl := decimal.Zero
		queryValue := decimal.Zero
		for _, p := range results[i] {
			queryPnl = queryPnl.Add(p.UnrealisedPnlDecimal())
			queryValue = queryValue.Add(p.PositionValueDecimal())
		}
		all = append(all, results[i]...)
		totalPnl = totalPnl.Add(queryPnl)
		totalValue = totalValue.Add(queryValue)

		m.metrics.SetOpenPositions(key, int64(len(results[i])))
		m.metrics.SetUnrealisedPnl(key, queryPnl.InexactFloat64())
		m.metrics.SetPositionValue(key, queryValue.InexactFloat64())
	}

	return core.PositionsSnapshot{
		Timestamp:          time.Now().UnixMilli(),
		Positions:          all,
		TotalUnrealisedPnl: totalPnl.String(),
		TotalPositionValue: totalValue.String(),
		Errors:             failures,
	}
}

func (m *Monitor) recordFailure(ctx context.Context, failures []string) {
	m.mu.Lock()
	m.consecutiveFailures++
	n := m.consecutiveFailures
	shouldAlert := !m.alerted && n >= m.cfg.AlertAfterFailures
	if shouldAlert {
		m.alerted = true
	}
	m.mu.Unlock()

	m.logger.Warn("Poll cycle failed for all queries",
		"consecutive_failures", n,
		"errors", strings.Join(failures, "; "))

	if shouldAlert && m.alerts != nil {
		m.alerts.Alert(ctx, "Position polling down",
			fmt.Sprintf("%d consecutive poll cycles failed", n),
			alert.Error,
			map[string]string{
				"consecutive_failures": strconv.Itoa(n),
				"last_error":           failures[len(failures)-1],
			})
	}
}

func (m *Monitor) recordSuccess(ctx context.Context) {
	m.mu.Lock()
	wasDown := m.alerted
	m.consecutiveFailures = 0
	m.alerted = false
	m.lastSuccess = time.Now()
	m.mu.Unlock()

	if wasDown && m.alerts != nil {
		m.alerts.Alert(ctx, "Position polling recovered",
			"Poll cycle succeeded after an outage", alert.Info, nil)
	}
}

// Healthy reports the polling loop's liveness for the /health endpoint.
func (m *Monitor) Healthy() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastSuccess.IsZero() {
		return fmt.Errorf("no successful poll yet")
	}
	age := time.Since(m.lastSuccess)
	if limit := 3 * m.cfg.RefreshInterval(); age > limit {
		return fmt.Errorf("last successful poll %s ago", age.Round(time.Second))
	}
	return nil
}

// QueriesFromConfig converts the configured watch list into domain queries.
// Validation already happened during config load.
func QueriesFromConfig(cfgs []config.QueryConfig) []core.PositionQuery {
	queries := make([]core.PositionQuery, 0, len(cfgs))
	for _, q := range cfgs {
		queries = append(queries, core.PositionQuery{
			Category:   core.Category(q.Category),
			Symbol:     q.Symbol,
			SettleCoin: q.SettleCoin,
		})
	}
	return queries
}
