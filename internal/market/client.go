// Package market wraps a lending venue with caching and resilience
package market

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"lending_engine/internal/config"
	"lending_engine/internal/core"
	apperrors "lending_engine/pkg/errors"
	"lending_engine/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/time/rate"
)

// ResilientClient fronts a core.ILendingMarket with a short snapshot cache,
// a rate limiter, retries, and a circuit breaker. Snapshots older than the
// staleness tolerance are never served; a refusal surfaces as
// apperrors.ErrDataUnavailable so callers fail safe.
type ResilientClient struct {
	inner    core.ILendingMarket
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
	limiter  *rate.Limiter
	pipeline failsafe.Executor[*core.MarketSnapshot]

	cacheTTL   time.Duration
	staleMax   time.Duration
	reqTimeout time.Duration
	cacheMu   sync.Mutex
	cached    *core.MarketSnapshot
	cachedKey string
	fetchedAt time.Time
}

// NewResilientClient builds the resilience pipeline from market config
func NewResilientClient(inner core.ILendingMarket, cfg config.MarketConfig, logger core.ILogger) *ResilientClient {
	retryPolicy := retrypolicy.NewBuilder[*core.MarketSnapshot]().
		HandleIf(func(_ *core.MarketSnapshot, err error) bool {
			return err != nil
		}).
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(2).
		Build()

	breaker := circuitbreaker.NewBuilder[*core.MarketSnapshot]().
		WithFailureThresholdRatio(uint(cfg.BreakerFailures), uint(cfg.BreakerWindow)).
		WithDelay(time.Duration(cfg.BreakerCooldownSeconds) * time.Second).
		Build()

	return &ResilientClient{
		inner:    inner,
		logger:   logger.WithField("component", "market_client"),
		metrics:  telemetry.GetGlobalMetrics(),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RefreshRatePerSecond), cfg.RefreshRatePerSecond),
		pipeline: failsafe.With[*core.MarketSnapshot](retryPolicy, breaker),
		cacheTTL:   time.Duration(cfg.SnapshotCacheMillis) * time.Millisecond,
		staleMax:   time.Duration(cfg.StaleToleranceMillis) * time.Millisecond,
		reqTimeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second,
	}
}

// GetMarketSnapshot returns the cached snapshot while it is fresh, otherwise
// fetches through the resilience pipeline. Cache hits are keyed on the
// requested asset set so an evaluation never reads a partial snapshot.
func (c *ResilientClient) GetMarketSnapshot(ctx context.Context, assets []string) (*core.MarketSnapshot, error) {
	key := snapshotKey(assets)

	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	if c.cached != nil && c.cachedKey == key && time.Since(c.fetchedAt) < c.cacheTTL {
		return c.cached, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("snapshot rate limit: %w", err)
	}

	start := time.Now()
	snap, err := c.pipeline.GetWithExecution(func(exec failsafe.Execution[*core.MarketSnapshot]) (*core.MarketSnapshot, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, c.reqTimeout)
		defer cancel()
		return c.inner.GetMarketSnapshot(fetchCtx, assets)
	})
	elapsed := time.Since(start)

	if c.metrics.SnapshotFetchLatency != nil {
		c.metrics.SnapshotFetchLatency.Record(ctx, float64(elapsed.Milliseconds()))
	}

	if err != nil {
		c.logger.Warn("snapshot fetch failed", "error", err, "elapsed_ms", elapsed.Milliseconds())
		return nil, fmt.Errorf("snapshot fetch: %w", wrapUnavailable(err))
	}

	if age := time.Since(snap.Timestamp); age > c.staleMax {
		c.logger.Warn("snapshot stale, refusing to serve", "age_ms", age.Milliseconds())
		return nil, fmt.Errorf("snapshot age %s exceeds tolerance %s: %w",
			age, c.staleMax, apperrors.ErrDataUnavailable)
	}

	c.cached = snap
	c.cachedKey = key
	c.fetchedAt = time.Now()
	return snap, nil
}

// GetPosition passes through to the venue
func (c *ResilientClient) GetPosition(ctx context.Context, account string) (*core.PositionState, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.reqTimeout)
	defer cancel()
	ps, err := c.inner.GetPosition(fetchCtx, account)
	if err != nil {
		return nil, fmt.Errorf("position fetch: %w", wrapUnavailable(err))
	}
	return ps, nil
}

// SubmitIntent passes through to the venue. Intents are never retried here;
// retry decisions belong to the protection controller, which knows whether
// the intent is safe to resubmit.
func (c *ResilientClient) SubmitIntent(ctx context.Context, intent *core.Intent) (*core.IntentResult, error) {
	return c.inner.SubmitIntent(ctx, intent)
}

// Invalidate drops the cached snapshot so the next read refetches
func (c *ResilientClient) Invalidate() {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.cached = nil
}

func wrapUnavailable(err error) error {
	if err == nil {
		return nil
	}
	if err == circuitbreaker.ErrOpen {
		return fmt.Errorf("circuit open: %w", apperrors.ErrDataUnavailable)
	}
	return err
}

func snapshotKey(assets []string) string {
	sorted := make([]string, len(assets))
	copy(sorted, assets)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
