// Package invoker implements the step invoker: the five-step
// sequence for one step, one input - context snapshot, cache pre-read,
// transport call, cache write, side-effect expansion.
package invoker

import (
	"context"
	"reflect"

	"github.com/joeycumines/go-pipelinecore/cache"
	"github.com/joeycumines/go-pipelinecore/retry"
	"github.com/joeycumines/go-pipelinecore/runctx"
	"github.com/joeycumines/go-pipelinecore/sideeffect"
	"github.com/joeycumines/go-pipelinecore/transport"
)

// Codec encodes/decodes a step's output type to/from a cache envelope.
type Codec[Out any] struct {
	Encode func(Out) (cache.Envelope, error)
	Decode func(cache.Envelope) (Out, error)
}

// Config wires one step's collaborators. Readers/Writers/Arbitrator may be
// nil when the cache aspect is disabled for the pipeline; RetryExecutor
// may be nil to invoke the bridge directly without retry/backoff (e.g. in
// tests).
type Config[In, Out any] struct {
	Name              string
	Bridge            transport.Bridge[In, Out]
	Arbitrator        *cache.Arbitrator
	Readers           *cache.ReaderPool
	Writers           *cache.WriterPool
	Codec             Codec[Out]
	CacheReadBypass   bool
	RetryExecutor     *retry.Executor
	Hooks             []sideeffect.Hook
	CorrelationKeyFor func(in In) string // used for retry/park bookkeeping, error context and idempotency-key derivation

	// IdempotencyPolicy selects how ictx.IdempotencyKey is derived before
	// the transport call; the zero value (ContextStable) reuses the
	// correlation key. ExplicitKeyFor is only consulted when this is
	// retry.Explicit.
	IdempotencyPolicy retry.IdempotencyPolicy
	ExplicitKeyFor    func(in In) string
}

// Invoker runs Config's step for single (unary) items. The N→1 batch path
// (correlation-key validation, batch invocation) lives in the pipeline
// package's Runner, which calls InvokeManyUnary directly on the bridge
// after validating the batch - pre-read/write/side-effects only apply to
// 1→1 steps, so Invoker itself is unary-shaped.
type Invoker[In, Out any] struct {
	cfg     Config[In, Out]
	outType reflect.Type
}

func New[In, Out any](cfg Config[In, Out]) *Invoker[In, Out] {
	var zero Out
	return &Invoker[In, Out]{cfg: cfg, outType: reflect.TypeOf(zero)}
}

func (iv *Invoker[In, Out]) cacheEnabled() bool {
	return iv.cfg.Arbitrator != nil && iv.cfg.Readers != nil
}

func (iv *Invoker[In, Out]) resolveKey(in In, ictx *runctx.InvocationContext) (string, bool) {
	base, ok := iv.cfg.Arbitrator.Resolve(in, ictx, iv.outType)
	if !ok {
		return "", false
	}
	return cache.VersionedKey(ictx.VersionTag, base), true
}

// Invoke runs the five-step sequence for one input value, returning the
// produced (or cache-hit) output.
func (iv *Invoker[In, Out]) Invoke(ctx context.Context, ictx *runctx.InvocationContext, in In) (Out, error) {
	var zero Out
	correlationKey := ""
	if iv.cfg.CorrelationKeyFor != nil {
		correlationKey = iv.cfg.CorrelationKeyFor(in)
	}

	explicitKey := ""
	if iv.cfg.ExplicitKeyFor != nil {
		explicitKey = iv.cfg.ExplicitKeyFor(in)
	}
	ictx.IdempotencyKey = retry.DeriveIdempotencyKey(iv.cfg.IdempotencyPolicy, explicitKey, correlationKey)

	// Step 2: cache pre-read.
	var (
		key       string
		haveKey   bool
		cacheable = iv.cacheEnabled() && !iv.cfg.CacheReadBypass && ictx.CachePolicy != runctx.BypassCache
	)
	if cacheable {
		key, haveKey = iv.resolveKey(in, ictx)
	}

	if cacheable && haveKey {
		env, hit, err := iv.cfg.Readers.Get(ctx, key)
		if err == nil && hit {
			out, decodeErr := iv.cfg.Codec.Decode(env)
			if decodeErr == nil {
				ictx.SetCacheStatus(iv.cfg.Name, runctx.StatusHit)
				return iv.finish(ctx, ictx, out)
			}
		}
		if ictx.CachePolicy == runctx.RequireCache {
			ictx.SetCacheStatus(iv.cfg.Name, runctx.StatusMiss)
			return zero, runctx.NewError(runctx.KindPolicyViolation, iv.cfg.Name, correlationKey, errRequireCacheMiss)
		}
		ictx.SetCacheStatus(iv.cfg.Name, runctx.StatusMiss)
	} else {
		ictx.SetCacheStatus(iv.cfg.Name, runctx.StatusSkipped)
	}

	// Step 3: transport call, optionally retried.
	var out Out
	invoke := func(ctx context.Context) error {
		o, err := iv.cfg.Bridge.InvokeUnaryUnary(ctx, ictx, in)
		if err != nil {
			return err
		}
		out = o
		return nil
	}
	if iv.cfg.RetryExecutor != nil {
		if err := iv.cfg.RetryExecutor.Run(ctx, iv.cfg.Name, correlationKey, invoke); err != nil {
			return zero, err
		}
	} else if err := invoke(ctx); err != nil {
		return zero, err
	}

	// Step 4: cache write (fire-and-forget, best-effort).
	if cacheable && haveKey && iv.cfg.Writers != nil && ictx.CachePolicy != runctx.RequireCache {
		env, err := iv.cfg.Codec.Encode(out)
		if err == nil {
			iv.cfg.Writers.WriteAll(ctx, key, env)
		}
	}

	return iv.finish(ctx, ictx, out)
}

// finish runs side-effect expansion (step 5) on the produced value -
// whether it came from a cache hit or a fresh invocation - and returns the
// value unchanged, per the hook contract (observe, never mutate).
func (iv *Invoker[In, Out]) finish(ctx context.Context, ictx *runctx.InvocationContext, out Out) (Out, error) {
	if len(iv.cfg.Hooks) > 0 {
		_ = sideeffect.Run(ctx, ictx, iv.cfg.Hooks, out) // hook failures are logged by sideeffect.Run, not surfaced here
	}
	return out, nil
}

var errRequireCacheMiss = requireCacheMissErr{}

type requireCacheMissErr struct{}

func (requireCacheMissErr) Error() string { return "invoker: require-cache policy miss" }
