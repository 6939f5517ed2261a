// Package retry implements the idempotency & retry policy: bounded
// exponential backoff for transient step/transport failures, immediate
// parking of permanent failures, and the idempotency-key derivation rules
// for the function transport.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/joeycumines/go-pipelinecore/internal/obslog"
	"github.com/joeycumines/go-pipelinecore/runctx"
)

// Policy configures exponential backoff for one step's retries.
type Policy struct {
	Initial     time.Duration // default 100ms
	Max         time.Duration // default 1s
	MaxAttempts int           // default 3
}

// DefaultPolicy returns the documented defaults: 100ms / 1s / 3.
func DefaultPolicy() Policy {
	return Policy{Initial: 100 * time.Millisecond, Max: time.Second, MaxAttempts: 3}
}

func (p Policy) normalized() Policy {
	if p.Initial <= 0 {
		p.Initial = 100 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	return p
}

// backoffFor returns the delay before the given (1-indexed) retry attempt,
// with full jitter applied to avoid thundering-herd retries.
func (p Policy) backoffFor(attempt int) time.Duration {
	p = p.normalized()
	d := p.Initial << uint(attempt-1) //nolint:gosec // attempt is small & bounded by MaxAttempts
	if d <= 0 || d > p.Max {
		d = p.Max
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// Executor runs a step invocation with the configured retry policy,
// parking the item on permanent failure or retry exhaustion.
type Executor struct {
	policy Policy
	lot    *ParkingLot
}

// NewExecutor constructs an Executor. lot may be nil to disable parking
// (e.g. in unit tests of the retry loop in isolation).
func NewExecutor(policy Policy, lot *ParkingLot) *Executor {
	return &Executor{policy: policy.normalized(), lot: lot}
}

// Run invokes fn, retrying on transient failures per the configured
// policy. fn is expected to return errors classified via runctx's
// ErrorKind (typically *runctx.PipelineError); unclassified errors are
// treated conservatively as permanent. Cancelled and KillSwitchTriggered
// errors always propagate immediately, never retried or parked.
//
// fn must be idempotent across retries with respect to any caller-visible
// side effect keyed by an idempotency key - Run does not generate or vary
// that key itself, so a fixed key computed once by the caller, before
// Run is invoked, is naturally reused across every attempt.
func (e *Executor) Run(ctx context.Context, step, correlationKey string, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		kind, _ := runctx.KindOf(err)
		if kind == runctx.KindCancelled || kind == runctx.KindKillSwitchTriggered {
			return err
		}

		if !runctx.IsRetriable(err) {
			// PolicyViolation, PermanentStep, Validation, Mapping, a
			// permanent TransportError, or an unclassified error: no
			// retry, park immediately.
			e.park(step, correlationKey, err)
			return err
		}

		if attempt < e.policy.MaxAttempts {
			delay := e.policy.backoffFor(attempt)
			obslog.Debug("retry: transient failure, retrying",
				obslog.F("step", step),
				obslog.F("attempt", attempt),
				obslog.F("delay", delay.String()),
			)
			select {
			case <-ctx.Done():
				return runctx.NewError(runctx.KindCancelled, step, correlationKey, ctx.Err())
			case <-time.After(delay):
			}
			continue
		}

		exhausted := runctx.NewError(runctx.KindTransientExhausted, step, correlationKey, err)
		e.park(step, correlationKey, exhausted)
		return exhausted
	}
}

func (e *Executor) park(step, correlationKey string, err error) {
	if e.lot == nil {
		return
	}
	kind, ok := runctx.KindOf(err)
	errType := "Unknown"
	if ok {
		errType = kind.String()
	}
	e.lot.Park(ParkedItem{
		Step:           step,
		CorrelationKey: correlationKey,
		ErrorType:      errType,
		Err:            err,
	})
}

// IdempotencyPolicy selects how the function transport derives a
// retry-stable idempotency key.
type IdempotencyPolicy int

const (
	// ContextStable derives the key from correlation fields already
	// present on the request (e.g. a document id).
	ContextStable IdempotencyPolicy = iota
	// Explicit requires the caller to supply a key; a missing key
	// degrades to ContextStable with a logged warning.
	Explicit
)

// ParseIdempotencyPolicy parses a manifest/config value, mapping any
// unknown or legacy value to ContextStable.
func ParseIdempotencyPolicy(s string) IdempotencyPolicy {
	if s == "explicit" {
		return Explicit
	}
	return ContextStable
}

// DeriveIdempotencyKey computes the idempotency key for a function-
// transport invocation. When policy is Explicit and explicitKey is blank,
// it degrades to ContextStable (using correlationKey) and logs a warning.
// If correlationKey is also blank, a random key is generated so the caller
// never retries under an empty idempotency key - that key is stable only
// for the lifetime of the single invocation it's generated for, so retries
// of that same invocation still reuse it correctly.
func DeriveIdempotencyKey(policy IdempotencyPolicy, explicitKey, correlationKey string) string {
	if policy == Explicit {
		if explicitKey != "" {
			return explicitKey
		}
		obslog.Warn("retry: explicit idempotency policy missing key, degrading to context-stable",
			obslog.F("correlation_key", correlationKey),
		)
	}
	if correlationKey == "" {
		return uuid.NewString()
	}
	return correlationKey
}
