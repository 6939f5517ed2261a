package transport

import (
	"context"
	"errors"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/joeycumines/go-pipelinecore/runctx"
)

// transientGRPC reports whether a gRPC error is locally recoverable
// (timeout, connection reset, backpressure) rather than a permanent,
// malformed-request-class failure that a retry can't fix.
func transientGRPC(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	default:
		return false
	}
}

// RPCFuncs wraps the generated gRPC client calls an RPCBridge dispatches
// to. Each field is populated by the caller from its own generated stubs;
// the transport package stays agnostic of any particular .proto service.
// Every func returns the call's trailer metadata so the bridge can ingest
// headers echoed back by the server.
type RPCFuncs[In, Out any] struct {
	UnaryUnary func(ctx context.Context, in In, opts ...grpc.CallOption) (Out, metadata.MD, error)
	UnaryMany  func(ctx context.Context, in In, opts ...grpc.CallOption) ([]Out, metadata.MD, error)
	ManyUnary  func(ctx context.Context, in []In, opts ...grpc.CallOption) (Out, metadata.MD, error)
	ManyMany   func(ctx context.Context, in []In, opts ...grpc.CallOption) ([]Out, metadata.MD, error)
}

// RPCBridge invokes a step over gRPC: invokeUnaryUnary is a plain unary
// call, invokeUnaryMany opens a server-streaming call, invokeManyUnary
// opens a client-streaming call, and invokeManyMany opens a bidi-streaming
// call. All three context headers ride in grpc/metadata on the outgoing
// context, normalized via OutgoingMetadata; any headers the server echoes
// in its trailer are ingested back onto ictx.
type RPCBridge[In, Out any] struct {
	step  string
	funcs RPCFuncs[In, Out]
}

func NewRPCBridge[In, Out any](step string, funcs RPCFuncs[In, Out]) *RPCBridge[In, Out] {
	return &RPCBridge[In, Out]{step: step, funcs: funcs}
}

func (b *RPCBridge[In, Out]) outgoingContext(ctx context.Context, ictx *runctx.InvocationContext) context.Context {
	return metadata.NewOutgoingContext(ctx, OutgoingMetadata(ictx))
}

func (b *RPCBridge[In, Out]) InvokeUnaryUnary(ctx context.Context, ictx *runctx.InvocationContext, in In) (Out, error) {
	var zero Out
	if b.funcs.UnaryUnary == nil {
		return zero, UnsupportedTransition(b.step, "unary->unary")
	}
	out, trailer, err := b.funcs.UnaryUnary(b.outgoingContext(ctx, ictx), in)
	if err != nil {
		return zero, runctx.NewTransportError(b.step, "", err, transientGRPC(err))
	}
	IngestMetadata(ictx, trailer)
	return out, nil
}

func (b *RPCBridge[In, Out]) InvokeUnaryMany(ctx context.Context, ictx *runctx.InvocationContext, in In) ([]Out, error) {
	if b.funcs.UnaryMany == nil {
		return nil, UnsupportedTransition(b.step, "unary->many")
	}
	outs, trailer, err := b.funcs.UnaryMany(b.outgoingContext(ctx, ictx), in)
	if err != nil {
		return nil, runctx.NewTransportError(b.step, "", err, transientGRPC(err))
	}
	IngestMetadata(ictx, trailer)
	return outs, nil
}

func (b *RPCBridge[In, Out]) InvokeManyUnary(ctx context.Context, ictx *runctx.InvocationContext, in []In) (Out, error) {
	var zero Out
	if b.funcs.ManyUnary == nil {
		return zero, UnsupportedTransition(b.step, "many->unary")
	}
	out, trailer, err := b.funcs.ManyUnary(b.outgoingContext(ctx, ictx), in)
	if err != nil {
		return zero, runctx.NewTransportError(b.step, "", err, transientGRPC(err))
	}
	IngestMetadata(ictx, trailer)
	return out, nil
}

func (b *RPCBridge[In, Out]) InvokeManyMany(ctx context.Context, ictx *runctx.InvocationContext, in []In) ([]Out, error) {
	if b.funcs.ManyMany == nil {
		return nil, UnsupportedTransition(b.step, "many->many")
	}
	outs, trailer, err := b.funcs.ManyMany(b.outgoingContext(ctx, ictx), in)
	if err != nil {
		return nil, runctx.NewTransportError(b.step, "", err, transientGRPC(err))
	}
	IngestMetadata(ictx, trailer)
	return outs, nil
}

// RecvAll drains a server-streaming (or bidi) client stream into a slice:
// read until io.EOF, surfacing any other error immediately.
func RecvAll[Resp any](stream interface {
	Recv() (Resp, error)
}) ([]Resp, error) {
	var out []Resp
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, resp)
	}
}
