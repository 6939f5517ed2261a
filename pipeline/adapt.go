package pipeline

import (
	"context"

	"github.com/joeycumines/go-pipelinecore/invoker"
	"github.com/joeycumines/go-pipelinecore/runctx"
	"github.com/joeycumines/go-pipelinecore/sideeffect"
	"github.com/joeycumines/go-pipelinecore/transport"
)

// AdaptUnaryUnary wires a fully-configured *invoker.Invoker[In, Out] (cache
// pre-read, transport call, cache write, side effects - the whole
// five-step sequence) into a StepDescriptor's type-erased UnaryUnaryFunc.
// This is the only Adapt* that goes through the invoker package, since
// pre-read/write are defined only for 1→1 steps.
func AdaptUnaryUnary[In, Out any](iv *invoker.Invoker[In, Out]) UnaryUnaryFunc {
	return func(ctx context.Context, ictx *runctx.InvocationContext, in any) (any, error) {
		out, err := iv.Invoke(ctx, ictx, in.(In))
		if err != nil {
			var zero any
			return zero, err
		}
		return out, nil
	}
}

// AdaptUnaryMany wires a transport.Bridge[In, Out] directly into a
// UnaryManyFunc for a 1→N step; cache pre-read does not apply to this
// cardinality, so only side-effect hooks run, once per emitted item.
func AdaptUnaryMany[In, Out any](b transport.Bridge[In, Out], hooks []sideeffect.Hook) UnaryManyFunc {
	return func(ctx context.Context, ictx *runctx.InvocationContext, in any) ([]any, error) {
		outs, err := b.InvokeUnaryMany(ctx, ictx, in.(In))
		if err != nil {
			return nil, err
		}
		erased := make([]any, len(outs))
		for i, o := range outs {
			runHooks(ctx, ictx, hooks, o)
			erased[i] = o
		}
		return erased, nil
	}
}

// AdaptManyUnary wires a transport.Bridge[In, Out] into a ManyUnaryFunc
// for an N→1 step. Mixed-correlation-key rejection happens in the Runner
// before this func is ever called; side-effect hooks run once on the
// single aggregated output.
func AdaptManyUnary[In, Out any](b transport.Bridge[In, Out], hooks []sideeffect.Hook) ManyUnaryFunc {
	return func(ctx context.Context, ictx *runctx.InvocationContext, in []any) (any, error) {
		typed := make([]In, len(in))
		for i, v := range in {
			typed[i] = v.(In)
		}
		out, err := b.InvokeManyUnary(ctx, ictx, typed)
		if err != nil {
			var zero any
			return zero, err
		}
		runHooks(ctx, ictx, hooks, out)
		return out, nil
	}
}

// AdaptManyMany wires a transport.Bridge[In, Out] into a ManyManyFunc for
// an N→N step; side-effect hooks run once per emitted item.
func AdaptManyMany[In, Out any](b transport.Bridge[In, Out], hooks []sideeffect.Hook) ManyManyFunc {
	return func(ctx context.Context, ictx *runctx.InvocationContext, in []any) ([]any, error) {
		typed := make([]In, len(in))
		for i, v := range in {
			typed[i] = v.(In)
		}
		outs, err := b.InvokeManyMany(ctx, ictx, typed)
		if err != nil {
			return nil, err
		}
		erased := make([]any, len(outs))
		for i, o := range outs {
			runHooks(ctx, ictx, hooks, o)
			erased[i] = o
		}
		return erased, nil
	}
}

func runHooks(ctx context.Context, ictx *runctx.InvocationContext, hooks []sideeffect.Hook, value any) {
	if len(hooks) == 0 {
		return
	}
	_ = sideeffect.Run(ctx, ictx, hooks, value) // failures are logged by sideeffect.Run, not surfaced to the emission path
}
