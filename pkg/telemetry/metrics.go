package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricHealthFactor         = "lending_engine_health_factor"
	MetricRiskTier             = "lending_engine_risk_tier"
	MetricProtectionState      = "lending_engine_protection_state"
	MetricRepaymentsTotal      = "lending_engine_repayments_total"
	MetricIntentsTotal         = "lending_engine_intents_submitted_total"
	MetricIntentsRejected      = "lending_engine_intents_rejected_total"
	MetricTicksSkipped         = "lending_engine_ticks_skipped_total"
	MetricTickDuration         = "lending_engine_tick_duration_ms"
	MetricArbEvaluatedTotal    = "lending_engine_arbitrage_evaluated_total"
	MetricArbProfitableTotal   = "lending_engine_arbitrage_profitable_total"
	MetricRateSwitchesAdvised  = "lending_engine_rate_switches_advised_total"
	MetricLeveragePlansBuilt   = "lending_engine_leverage_plans_total"
	MetricSnapshotFetchLatency = "lending_engine_snapshot_fetch_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	HealthFactor         metric.Float64ObservableGauge
	RiskTier             metric.Int64ObservableGauge
	ProtectionState      metric.Int64ObservableGauge
	RepaymentsTotal      metric.Int64Counter
	IntentsTotal         metric.Int64Counter
	IntentsRejected      metric.Int64Counter
	TicksSkipped         metric.Int64Counter
	TickDuration         metric.Float64Histogram
	ArbEvaluatedTotal    metric.Int64Counter
	ArbProfitableTotal   metric.Int64Counter
	RateSwitchesAdvised  metric.Int64Counter
	LeveragePlansBuilt   metric.Int64Counter
	SnapshotFetchLatency metric.Float64Histogram

	// State for observable gauges, keyed by account
	mu                 sync.RWMutex
	healthFactorMap    map[string]float64
	riskTierMap        map[string]int64
	protectionStateMap map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			healthFactorMap:    make(map[string]float64),
			riskTierMap:        make(map[string]int64),
			protectionStateMap: make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.RepaymentsTotal, err = meter.Int64Counter(MetricRepaymentsTotal,
		metric.WithDescription("Protective repayments emitted"))
	if err != nil {
		return err
	}

	m.IntentsTotal, err = meter.Int64Counter(MetricIntentsTotal,
		metric.WithDescription("Total intents submitted to the executing collaborator"))
	if err != nil {
		return err
	}

	m.IntentsRejected, err = meter.Int64Counter(MetricIntentsRejected,
		metric.WithDescription("Intents reported reverted by the collaborator"))
	if err != nil {
		return err
	}

	m.TicksSkipped, err = meter.Int64Counter(MetricTicksSkipped,
		metric.WithDescription("Protection ticks skipped because the previous tick was still in flight"))
	if err != nil {
		return err
	}

	m.TickDuration, err = meter.Float64Histogram(MetricTickDuration,
		metric.WithDescription("Protection tick duration in milliseconds"))
	if err != nil {
		return err
	}

	m.ArbEvaluatedTotal, err = meter.Int64Counter(MetricArbEvaluatedTotal,
		metric.WithDescription("Flash-loan opportunities evaluated"))
	if err != nil {
		return err
	}

	m.ArbProfitableTotal, err = meter.Int64Counter(MetricArbProfitableTotal,
		metric.WithDescription("Flash-loan opportunities gated as profitable"))
	if err != nil {
		return err
	}

	m.RateSwitchesAdvised, err = meter.Int64Counter(MetricRateSwitchesAdvised,
		metric.WithDescription("Rate mode switches recommended"))
	if err != nil {
		return err
	}

	m.LeveragePlansBuilt, err = meter.Int64Counter(MetricLeveragePlansBuilt,
		metric.WithDescription("Leverage loop plans constructed"))
	if err != nil {
		return err
	}

	m.SnapshotFetchLatency, err = meter.Float64Histogram(MetricSnapshotFetchLatency,
		metric.WithDescription("Market snapshot fetch latency in milliseconds"))
	if err != nil {
		return err
	}

	m.HealthFactor, err = meter.Float64ObservableGauge(MetricHealthFactor,
		metric.WithDescription("Current health factor per account (capped for infinite)"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for account, v := range m.healthFactorMap {
				o.Observe(v, metric.WithAttributes(attribute.String("account", account)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.RiskTier, err = meter.Int64ObservableGauge(MetricRiskTier,
		metric.WithDescription("Current risk tier per account (0=Low .. 4=LiquidationRisk)"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for account, v := range m.riskTierMap {
				o.Observe(v, metric.WithAttributes(attribute.String("account", account)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.ProtectionState, err = meter.Int64ObservableGauge(MetricProtectionState,
		metric.WithDescription("Protection controller state per account (0=Nominal .. 3=Failed)"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for account, v := range m.protectionStateMap {
				o.Observe(v, metric.WithAttributes(attribute.String("account", account)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// SetHealthFactor records the latest health factor for an account
func (m *MetricsHolder) SetHealthFactor(account string, hf float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthFactorMap[account] = hf
}

// SetRiskTier records the latest risk tier ordinal for an account
func (m *MetricsHolder) SetRiskTier(account string, tier int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riskTierMap[account] = tier
}

// SetProtectionState records the controller state ordinal for an account
func (m *MetricsHolder) SetProtectionState(account string, state int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.protectionStateMap[account] = state
}

// AddIntent counts a submitted intent by type
func (m *MetricsHolder) AddIntent(ctx context.Context, intentType string) {
	if m.IntentsTotal != nil {
		m.IntentsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", intentType)))
	}
}

// AddIntentRejected counts a reverted intent by type
func (m *MetricsHolder) AddIntentRejected(ctx context.Context, intentType string) {
	if m.IntentsRejected != nil {
		m.IntentsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("type", intentType)))
	}
}
