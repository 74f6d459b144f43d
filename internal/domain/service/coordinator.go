package service

import (
	"context"
	"time"

	"github.com/gatewarden/gatewarden/pkg/constants"
	"github.com/gatewarden/gatewarden/pkg/logger"
)

// VerdictKind enumerates the possible admission outcomes.
type VerdictKind int

const (
	// VerdictAdmitted lets the request proceed to rate limiting and the handler.
	VerdictAdmitted VerdictKind = iota

	// VerdictReplay answers the request from the cached response without
	// invoking the handler.
	VerdictReplay

	// VerdictConflictInProgress rejects a duplicate of a request still in flight.
	VerdictConflictInProgress

	// VerdictHashMismatch rejects reuse of a key with a different payload.
	VerdictHashMismatch

	// VerdictDegraded admits the request without idempotency protection
	// because the record store is unavailable (fail-open policy).
	VerdictDegraded
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictAdmitted:
		return "admitted"
	case VerdictReplay:
		return "replay"
	case VerdictConflictInProgress:
		return "conflict_in_progress"
	case VerdictHashMismatch:
		return "hash_mismatch"
	case VerdictDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Verdict is the tagged result of an admission decision. Replay verdicts
// carry the cached response; all other fields are zero.
type Verdict struct {
	Kind VerdictKind

	ReplayStatusCode  int
	ReplayContentType string
	ReplayBody        []byte
}

// Metrics receives admission observability signals. The production
// implementation lives in internal/infrastructure/monitoring.
type Metrics interface {
	RecordVerdict(kind string)
	RecordDegraded(operation string)
	RecordRateLimitHit(rule string)
	ObserveStoreLatency(operation string, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordVerdict(string)                      {}
func (nopMetrics) RecordDegraded(string)                     {}
func (nopMetrics) RecordRateLimitHit(string)                 {}
func (nopMetrics) ObserveStoreLatency(string, time.Duration) {}

// CoordinatorConfig tunes the admission state machine.
type CoordinatorConfig struct {
	// Lease bounds how long a record may stay Processing before a retry may
	// take the key over. Mandatory: a crashed request must not deadlock all
	// future retries of its key.
	Lease time.Duration

	// FailClosed rejects requests with 503 when the store is unreachable
	// instead of admitting them unprotected.
	FailClosed bool
}

// Coordinator is the idempotency admission state machine. Per key it drives
// None -> Processing -> {Completed, Failed}; Failed keys are retryable and
// re-admitted as Processing. The store's conditional insert is the single
// point where concurrency is resolved: once a caller is admitted, everything
// downstream is causally sequential for that key.
type Coordinator struct {
	store   RecordStore
	log     logger.Logger
	metrics Metrics
	cfg     CoordinatorConfig
}

// NewCoordinator creates an admission coordinator on top of the given store.
// A nil metrics sink is replaced with a no-op.
func NewCoordinator(store RecordStore, cfg CoordinatorConfig, log logger.Logger, metrics Metrics) *Coordinator {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Coordinator{
		store:   store,
		log:     log.WithComponent("coordinator"),
		metrics: metrics,
		cfg:     cfg,
	}
}

// Admit decides whether the request identified by (key, requestHash) may
// proceed. A store failure yields VerdictDegraded under the fail-open policy,
// or a non-nil error when the coordinator is configured fail-closed.
func (c *Coordinator) Admit(ctx context.Context, key, requestHash, actorID string) (Verdict, error) {
	start := time.Now()
	record, err := c.store.Read(ctx, key)
	c.metrics.ObserveStoreLatency("read", time.Since(start))
	if err != nil {
		return c.storeFailure(ctx, "read", key, err)
	}

	if record == nil {
		inserted, err := c.tryInsert(ctx, key, requestHash, actorID)
		if err != nil {
			return c.storeFailure(ctx, "insert", key, err)
		}
		if inserted {
			c.metrics.RecordVerdict(VerdictAdmitted.String())
			return Verdict{Kind: VerdictAdmitted}, nil
		}
		// Lost the insert race: the record exists now, re-read and fall
		// through to the state-based branches.
		record, err = c.store.Read(ctx, key)
		if err != nil {
			return c.storeFailure(ctx, "read", key, err)
		}
		if record == nil {
			// Raced with retention expiry; treat as a duplicate in flight and
			// let the client retry.
			c.metrics.RecordVerdict(VerdictConflictInProgress.String())
			return Verdict{Kind: VerdictConflictInProgress}, nil
		}
	}

	// Hash comparison takes priority over every state-based branch: key reuse
	// with a different payload is rejected regardless of record state.
	if record.RequestHash != requestHash {
		c.log.Warn(ctx, "idempotency key reused with different payload",
			logger.String("key", key),
			logger.String("state", string(record.State)))
		c.metrics.RecordVerdict(VerdictHashMismatch.String())
		return Verdict{Kind: VerdictHashMismatch}, nil
	}

	switch {
	case record.LeaseExpired(time.Now()):
		// Abandoned in-flight record: equivalent to None, attempt takeover.
		return c.readmit(ctx, key, requestHash, actorID)

	case record.State == constants.RecordStateProcessing:
		c.metrics.RecordVerdict(VerdictConflictInProgress.String())
		return Verdict{Kind: VerdictConflictInProgress}, nil

	case record.State == constants.RecordStateCompleted:
		c.metrics.RecordVerdict(VerdictReplay.String())
		return Verdict{
			Kind:              VerdictReplay,
			ReplayStatusCode:  record.ResponseStatusCode,
			ReplayContentType: record.ResponseContentType,
			ReplayBody:        record.ResponseBody,
		}, nil

	default:
		// Failed records are retryable: re-admit the same (key, hash) pair as
		// a fresh Processing attempt.
		return c.readmit(ctx, key, requestHash, actorID)
	}
}

// Complete transitions the key's record to Completed with the captured
// response. Called by the pipeline adapter after a successful handler run,
// before the response is written to the transport.
func (c *Coordinator) Complete(ctx context.Context, key string, statusCode int, contentType string, body []byte) error {
	start := time.Now()
	err := c.store.Complete(ctx, key, statusCode, contentType, body)
	c.metrics.ObserveStoreLatency("complete", time.Since(start))
	if err != nil {
		c.log.Error(ctx, "failed to persist completed response", err, logger.String("key", key))
	}
	return err
}

// Fail transitions the key's record to Failed. The triggering error is still
// propagated by the caller; the coordinator only does the bookkeeping that
// makes a later retry with the same key possible.
func (c *Coordinator) Fail(ctx context.Context, key string, errMsg string) error {
	start := time.Now()
	err := c.store.Fail(ctx, key, errMsg)
	c.metrics.ObserveStoreLatency("fail", time.Since(start))
	if err != nil {
		c.log.Error(ctx, "failed to mark record as failed", err, logger.String("key", key))
	}
	return err
}

func (c *Coordinator) tryInsert(ctx context.Context, key, requestHash, actorID string) (bool, error) {
	start := time.Now()
	inserted, err := c.store.TryInsertProcessing(ctx, key, requestHash, actorID, c.cfg.Lease)
	c.metrics.ObserveStoreLatency("insert", time.Since(start))
	return inserted, err
}

// readmit attempts to take over a Failed or lease-expired record. Losing the
// takeover race means another retry holds the key now.
func (c *Coordinator) readmit(ctx context.Context, key, requestHash, actorID string) (Verdict, error) {
	inserted, err := c.tryInsert(ctx, key, requestHash, actorID)
	if err != nil {
		return c.storeFailure(ctx, "insert", key, err)
	}
	if !inserted {
		c.metrics.RecordVerdict(VerdictConflictInProgress.String())
		return Verdict{Kind: VerdictConflictInProgress}, nil
	}
	c.metrics.RecordVerdict(VerdictAdmitted.String())
	return Verdict{Kind: VerdictAdmitted}, nil
}

// storeFailure applies the degraded-mode policy. Fail-open admits the request
// without protection; either way the event is logged, never swallowed.
func (c *Coordinator) storeFailure(ctx context.Context, op, key string, err error) (Verdict, error) {
	c.metrics.RecordDegraded(op)
	if c.cfg.FailClosed {
		c.log.Error(ctx, "record store unavailable, rejecting request (fail-closed)", err,
			logger.String("operation", op),
			logger.String("key", key))
		return Verdict{}, err
	}
	c.log.Warn(ctx, "record store unavailable, admitting without idempotency protection",
		logger.String("operation", op),
		logger.String("key", key),
		logger.Error(err))
	c.metrics.RecordVerdict(VerdictDegraded.String())
	return Verdict{Kind: VerdictDegraded}, nil
}
