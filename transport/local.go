package transport

import (
	"context"
	"fmt"

	"github.com/joeycumines/go-pipelinecore/runctx"
)

// LocalFuncs holds the subset of step functions a LocalBridge actually
// dispatches to; a step only populates the ones matching its cardinality.
type LocalFuncs[In, Out any] struct {
	UnaryUnary func(ctx context.Context, ictx *runctx.InvocationContext, in In) (Out, error)
	UnaryMany  func(ctx context.Context, ictx *runctx.InvocationContext, in In) ([]Out, error)
	ManyUnary  func(ctx context.Context, ictx *runctx.InvocationContext, in []In) (Out, error)
	ManyMany   func(ctx context.Context, ictx *runctx.InvocationContext, in []In) ([]Out, error)
}

// LocalBridge dispatches directly to a registered step function within
// the same process: no wire hop, but a Cloner isolates the output so the
// caller and callee can never alias the same backing memory, standing in
// for the wire hop a real RPC would impose. The default Cloner copies via
// proto.Clone or a JSON round-trip.
type LocalBridge[In, Out any] struct {
	step   string
	funcs  LocalFuncs[In, Out]
	cloner Cloner[Out]
}

// NewLocalBridge constructs a LocalBridge for step, dispatching to funcs.
// A nil cloner defaults to DefaultCloner[Out].
func NewLocalBridge[In, Out any](step string, funcs LocalFuncs[In, Out], cloner Cloner[Out]) *LocalBridge[In, Out] {
	if cloner == nil {
		cloner = DefaultCloner[Out]{}
	}
	return &LocalBridge[In, Out]{step: step, funcs: funcs, cloner: cloner}
}

func (b *LocalBridge[In, Out]) InvokeUnaryUnary(ctx context.Context, ictx *runctx.InvocationContext, in In) (Out, error) {
	var zero Out
	if b.funcs.UnaryUnary == nil {
		return zero, UnsupportedTransition(b.step, "unary->unary")
	}
	out, err := b.funcs.UnaryUnary(ctx, ictx, in)
	if err != nil {
		return zero, err
	}
	return b.cloner.Clone(out)
}

func (b *LocalBridge[In, Out]) InvokeUnaryMany(ctx context.Context, ictx *runctx.InvocationContext, in In) ([]Out, error) {
	if b.funcs.UnaryMany == nil {
		return nil, UnsupportedTransition(b.step, "unary->many")
	}
	outs, err := b.funcs.UnaryMany(ctx, ictx, in)
	if err != nil {
		return nil, err
	}
	return b.cloneAll(outs)
}

func (b *LocalBridge[In, Out]) InvokeManyUnary(ctx context.Context, ictx *runctx.InvocationContext, in []In) (Out, error) {
	var zero Out
	if b.funcs.ManyUnary == nil {
		return zero, UnsupportedTransition(b.step, "many->unary")
	}
	out, err := b.funcs.ManyUnary(ctx, ictx, in)
	if err != nil {
		return zero, err
	}
	return b.cloner.Clone(out)
}

func (b *LocalBridge[In, Out]) InvokeManyMany(ctx context.Context, ictx *runctx.InvocationContext, in []In) ([]Out, error) {
	if b.funcs.ManyMany == nil {
		return nil, UnsupportedTransition(b.step, "many->many")
	}
	outs, err := b.funcs.ManyMany(ctx, ictx, in)
	if err != nil {
		return nil, err
	}
	return b.cloneAll(outs)
}

func (b *LocalBridge[In, Out]) cloneAll(outs []Out) ([]Out, error) {
	cloned := make([]Out, len(outs))
	for i, o := range outs {
		c, err := b.cloner.Clone(o)
		if err != nil {
			return nil, fmt.Errorf("transport: clone output %d: %w", i, err)
		}
		cloned[i] = c
	}
	return cloned, nil
}
