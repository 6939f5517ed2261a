// Package transport implements the three transport bindings a pipeline
// step may declare: local (direct in-process dispatch), RPC (gRPC), and
// function (external call, batched). Every binding shares one contract so
// the invoker never branches on transport kind.
package transport

import (
	"context"

	"github.com/joeycumines/go-pipelinecore/runctx"
)

// Bridge invokes a step's underlying implementation, across exactly one of
// the four cardinality transitions. A given step only ever calls the one
// method matching its declared cardinality.
type Bridge[In, Out any] interface {
	InvokeUnaryUnary(ctx context.Context, ictx *runctx.InvocationContext, in In) (Out, error)
	InvokeUnaryMany(ctx context.Context, ictx *runctx.InvocationContext, in In) ([]Out, error)
	InvokeManyUnary(ctx context.Context, ictx *runctx.InvocationContext, in []In) (Out, error)
	InvokeManyMany(ctx context.Context, ictx *runctx.InvocationContext, in []In) ([]Out, error)
}

// UnsupportedTransition returns a policy-violation error for a bridge asked
// to perform a cardinality transition it does not implement.
func UnsupportedTransition(step, transition string) error {
	return runctx.NewError(runctx.KindPolicyViolation, step, "", errUnsupported(transition))
}

type errUnsupported string

func (e errUnsupported) Error() string { return "transport: unsupported transition " + string(e) }
