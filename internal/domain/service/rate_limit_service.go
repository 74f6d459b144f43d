package service

import (
	"context"
	"fmt"
	"time"

	"github.com/gatewarden/gatewarden/pkg/logger"
)

// LimitVerdict is the outcome of a rate-limit check.
type LimitVerdict struct {
	// Allowed is true when the request may proceed. It is also true when no
	// rule matched or the actor could not be identified.
	Allowed bool

	// Limited is true when a rule matched and the counter was incremented;
	// the header fields below are only meaningful in that case.
	Limited bool

	Rule       string
	Limit      int64
	Current    int64
	Remaining  int64
	WindowEnd  time.Time
	RetryAfter time.Duration
}

// RateLimiter enforces per-actor, per-endpoint fixed-window throughput
// ceilings. The only correctness-critical primitive is the store's atomic
// increment-or-reset; the limiter itself holds no mutable state.
type RateLimiter struct {
	store   RecordStore
	rules   *RuleTable
	log     logger.Logger
	metrics Metrics
	clock   func() time.Time
}

// NewRateLimiter creates a limiter over the given immutable rule table.
func NewRateLimiter(store RecordStore, rules *RuleTable, log logger.Logger, metrics Metrics) *RateLimiter {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &RateLimiter{
		store:   store,
		rules:   rules,
		log:     log.WithComponent("ratelimit"),
		metrics: metrics,
		clock:   time.Now,
	}
}

// Check matches path against the rule table and, when a rule applies,
// atomically counts the request against the (actor, rule) bucket. Requests
// without a resolvable actor are never blocked; that case should be rare and
// is logged. Store failures fail open.
func (l *RateLimiter) Check(ctx context.Context, actorID, path string) LimitVerdict {
	rule, ok := l.rules.Match(path)
	if !ok {
		return LimitVerdict{Allowed: true}
	}

	if actorID == "" {
		l.log.Warn(ctx, "skipping rate limit for unidentifiable actor",
			logger.String("path", path),
			logger.String("rule", rule.Name()))
		return LimitVerdict{Allowed: true}
	}

	bucketKey := fmt.Sprintf("%s|%s", actorID, rule.Name())

	start := l.clock()
	count, windowEnd, err := l.store.IncrementWindow(ctx, bucketKey, rule.Window)
	l.metrics.ObserveStoreLatency("increment_window", time.Since(start))
	if err != nil {
		l.metrics.RecordDegraded("increment_window")
		l.log.Warn(ctx, "rate limit store unavailable, allowing request",
			logger.String("bucket", bucketKey),
			logger.Error(err))
		return LimitVerdict{Allowed: true}
	}

	now := l.clock()
	verdict := LimitVerdict{
		Limited:   true,
		Rule:      rule.Name(),
		Limit:     rule.MaxRequests,
		Current:   count,
		WindowEnd: windowEnd,
	}

	if count > rule.MaxRequests {
		verdict.Allowed = false
		verdict.Remaining = 0
		verdict.RetryAfter = windowEnd.Sub(now).Round(time.Second)
		if verdict.RetryAfter < 0 {
			verdict.RetryAfter = 0
		}
		l.metrics.RecordRateLimitHit(rule.Name())
		l.log.Warn(ctx, "rate limit exceeded",
			logger.String("bucket", bucketKey),
			logger.Int64("count", count),
			logger.Int64("limit", rule.MaxRequests),
			logger.Time("window_end", windowEnd))
		return verdict
	}

	verdict.Allowed = true
	verdict.Remaining = rule.MaxRequests - count
	if verdict.Remaining < 0 {
		verdict.Remaining = 0
	}
	return verdict
}
