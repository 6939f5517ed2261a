// Package pipeline implements the step-composition/execution engine:
// immutable step/pipeline descriptors and the Runner that drives a
// pipeline run through them.
package pipeline

import (
	"context"
	"reflect"

	"github.com/joeycumines/go-pipelinecore/cache"
	"github.com/joeycumines/go-pipelinecore/retry"
	"github.com/joeycumines/go-pipelinecore/runctx"
	"github.com/joeycumines/go-pipelinecore/sideeffect"
)

// Cardinality is a step's declared shape: how many items it consumes and
// produces per invocation.
type Cardinality int

const (
	OneToOne Cardinality = iota
	OneToMany
	ManyToOne
	ManyToMany
)

func (c Cardinality) String() string {
	switch c {
	case OneToOne:
		return "one_to_one"
	case OneToMany:
		return "one_to_many"
	case ManyToOne:
		return "many_to_one"
	case ManyToMany:
		return "many_to_many"
	default:
		return "unknown_cardinality"
	}
}

// Ordering is a step's emission-order requirement.
type Ordering int

const (
	Strict Ordering = iota
	Relaxed
)

// ThreadSafety declares whether a step's function may be invoked
// concurrently; Unsafe forces effective concurrency 1.
type ThreadSafety int

const (
	Safe ThreadSafety = iota
	Unsafe
)

// TransportKind names the binding a step uses, for diagnostics; the actual
// dispatch is the type-erased invoke funcs below, built by the Adapt*
// helpers from a concrete transport.Bridge[In, Out].
type TransportKind int

const (
	TransportLocal TransportKind = iota
	TransportRPC
	TransportFunction
)

func (k TransportKind) String() string {
	switch k {
	case TransportRPC:
		return "rpc"
	case TransportFunction:
		return "function"
	default:
		return "local"
	}
}

// RuntimeLayout records the pipeline's deployment layout. The Runner does
// not read it: each step runs on whichever bridge its invoke funcs were
// built with, and a monolith layout does not switch steps to local.
type RuntimeLayout int

const (
	LayoutModular RuntimeLayout = iota
	LayoutGrouped
	LayoutMonolith
)

// UnaryUnaryFunc, UnaryManyFunc, ManyUnaryFunc, and ManyManyFunc are the
// type-erased invocation shapes a StepDescriptor holds, one per
// cardinality transition. Exactly one is populated, matching the step's
// declared Cardinality - generic methods aren't possible in Go, so
// concrete typed collaborators (an *invoker.Invoker[In, Out] for 1→1, or
// a transport.Bridge[In, Out] directly for the other three shapes) are
// adapted down to these by the Adapt* functions in adapt.go.
type (
	UnaryUnaryFunc func(ctx context.Context, ictx *runctx.InvocationContext, in any) (any, error)
	UnaryManyFunc  func(ctx context.Context, ictx *runctx.InvocationContext, in any) ([]any, error)
	ManyUnaryFunc  func(ctx context.Context, ictx *runctx.InvocationContext, in []any) (any, error)
	ManyManyFunc   func(ctx context.Context, ictx *runctx.InvocationContext, in []any) ([]any, error)
)

// StepDescriptor is the immutable, configuration-load-time record for one
// pipeline step. It is shared, read-only, across every run.
type StepDescriptor struct {
	Name        string
	Cardinality Cardinality
	InputType   reflect.Type
	OutputType  reflect.Type
	Transport   TransportKind
	Delegate    any // optional external operator reference, opaque to the core

	CacheKeyStrategy cache.KeyStrategy // optional; only consulted for OneToOne steps
	CacheReadBypass  bool

	Ordering     Ordering
	ThreadSafety ThreadSafety
	Retry        retry.Policy

	// MaxConcurrency bounds concurrent in-flight items for a streamed
	// OneToOne/OneToMany step; 0 means the default of 128.
	MaxConcurrency int

	// SideEffects records the hooks computed for this step's output type.
	// The Runner does not read this field; hooks run only when they are
	// passed to invoker.Config.Hooks or to an Adapt* helper.
	SideEffects []sideeffect.Hook

	// CorrelationKeyFor extracts the correlation id from one input item,
	// used for N→1 mixed-correlation validation and for retry/parking
	// bookkeeping. Required for ManyToOne/ManyToMany steps.
	CorrelationKeyFor func(in any) string

	UnaryUnary UnaryUnaryFunc
	UnaryMany  UnaryManyFunc
	ManyUnary  ManyUnaryFunc
	ManyMany   ManyManyFunc
}

// AspectTable mirrors the pipeline-wide cross-cutting concerns. Neither
// the Runner nor sideeffect.Expander reads it: an Expander is built from
// its own sideeffect.Aspects value, and the hooks it produces run where
// they are wired into an invoker or Adapt* helper.
type AspectTable struct {
	Persistence   bool
	Cache         bool
	Invalidate    bool
	InvalidateAll bool
	ReplayMode    runctx.ReplayMode
}

// PipelineDescriptor is the ordered, immutable sequence of steps plus the
// pipeline-wide aspect table and runtime layout.
type PipelineDescriptor struct {
	Name    string
	Steps   []*StepDescriptor
	Aspects AspectTable
	Layout  RuntimeLayout
}
