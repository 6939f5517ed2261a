package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/joeycumines/go-pipelinecore/internal/obslog"
	"github.com/joeycumines/go-pipelinecore/probe"
	"github.com/joeycumines/go-pipelinecore/runctx"
)

const defaultMaxConcurrency = 128

// Runner drives one pipeline run through its step sequence: per step, it
// selects an invocation strategy from the incoming carrier shape (unary
// vs. stream) and the step's declared cardinality, bounds concurrency,
// preserves ordering for strict steps, and supports cooperative
// cancellation.
type Runner struct {
	desc   *PipelineDescriptor
	onEmit func(ctx context.Context, value any) error

	mu     sync.Mutex
	cancel context.CancelCauseFunc
}

// NewRunner constructs a Runner for desc. desc is shared, immutable, and
// may be reused concurrently across runs (the Runner holds no per-run
// state outside of Run's own call stack, other than the cancel func
// needed by Cancel).
func NewRunner(desc *PipelineDescriptor) *Runner {
	return &Runner{desc: desc}
}

// OnEmit registers a terminal-emission publisher, invoked once per
// successful run with the final output value - typically a bus.Bus[T]
// Publish call adapted to accept `any`. A publish failure is logged,
// never surfaced as a run failure: the output bus is a downstream
// cross-pipeline bridge, not a required step in this run's own contract.
func (r *Runner) OnEmit(fn func(ctx context.Context, value any) error) {
	r.onEmit = fn
}

// AttachProbe wires an in-flight kill switch to this Runner: cfg
// configures the sampling window/threshold, source supplies the live
// global in-flight count (normally ictx.InFlight()), and a FailFast
// trigger cancels the active run with KillSwitchTriggered. The caller
// owns the returned Probe's lifecycle (Stop it once the run completes).
func (r *Runner) AttachProbe(cfg probe.Config, source probe.Source) *probe.Probe {
	p := probe.New(cfg, source, func(info probe.TriggerInfo) {
		if info.Mode != probe.FailFast {
			return
		}
		r.Cancel(runctx.NewError(runctx.KindKillSwitchTriggered, "", "", fmt.Errorf(
			"%s: slope %.3f exceeded threshold %.3f for %d samples",
			info.Reason, info.Slope, info.Threshold, info.SustainSamples,
		)))
	})
	p.Start()
	return p
}

// Cancel aborts the active run with cause, cooperatively: the active
// step's context is cancelled, refusing further admission upstream;
// in-flight items drain with their own completion. A no-op if no run is
// currently active.
func (r *Runner) Cancel(cause error) {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel(cause)
	}
}

// carrier is the value flowing between steps: either a single item
// (unary) or a materialized, finite sequence (stream). Sequences are
// materialized as slices rather than kept as lazily-pulled channels
// end-to-end - sequences only need to be finite and bounded within a
// step's own concurrency limit, not infinitely lazy across the whole
// pipeline.
type carrier struct {
	stream bool
	value  any
	items  []any
}

// Run drives input through every step of pipeline in order, applying the
// cardinality-appropriate invocation strategy at each transition, and
// returns the terminal emission: a single value if the final carrier is
// unary, or a []any if it is a stream. A 1→1 step fed a stream keeps it a
// stream, so a pipeline ending in 1→1 after a 1→N step returns a []any.
func (r *Runner) Run(parent context.Context, ictx *runctx.InvocationContext, input any) (any, error) {
	ctx, cancel := context.WithCancelCause(parent)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel(nil)

	cur := carrier{value: input}
	for _, step := range r.desc.Steps {
		if cause := context.Cause(ctx); cause != nil {
			return nil, asRunnerError(cause, step.Name)
		}
		next, err := r.runStep(ctx, step, ictx, cur)
		if err != nil {
			return nil, err
		}
		cur = next
	}

	var out any
	if cur.stream {
		out = cur.items
	} else {
		out = cur.value
	}

	if r.onEmit != nil {
		if err := r.onEmit(ctx, out); err != nil {
			obslog.Warn("pipeline: terminal emission publish failed", obslog.F("error", err.Error()))
		}
	}
	return out, nil
}

func asRunnerError(cause error, step string) error {
	if _, ok := runctx.KindOf(cause); ok {
		return cause
	}
	return runctx.NewError(runctx.KindCancelled, step, "", cause)
}

func (r *Runner) runStep(ctx context.Context, step *StepDescriptor, ictx *runctx.InvocationContext, cur carrier) (carrier, error) {
	switch {
	case !cur.stream && step.Cardinality == OneToOne:
		out, err := r.runUnaryUnary(ctx, step, ictx, cur.value)
		if err != nil {
			return carrier{}, err
		}
		return carrier{value: out}, nil

	case !cur.stream && step.Cardinality == OneToMany:
		outs, err := r.runUnaryMany(ctx, step, ictx, cur.value)
		if err != nil {
			return carrier{}, err
		}
		return carrier{stream: true, items: outs}, nil

	case cur.stream && step.Cardinality == OneToOne:
		outs, err := r.runStreamUnaryUnary(ctx, step, ictx, cur.items)
		if err != nil {
			return carrier{}, err
		}
		return carrier{stream: true, items: outs}, nil

	case cur.stream && step.Cardinality == OneToMany:
		outs, err := r.runStreamUnaryMany(ctx, step, ictx, cur.items)
		if err != nil {
			return carrier{}, err
		}
		return carrier{stream: true, items: outs}, nil

	case cur.stream && step.Cardinality == ManyToOne:
		out, err := r.InvokeBatch(ctx, step, ictx, cur.items)
		if err != nil {
			return carrier{}, err
		}
		return carrier{value: out}, nil

	case cur.stream && step.Cardinality == ManyToMany:
		outs, err := r.runStreamManyMany(ctx, step, ictx, cur.items)
		if err != nil {
			return carrier{}, err
		}
		return carrier{stream: true, items: outs}, nil

	case !cur.stream && (step.Cardinality == ManyToOne || step.Cardinality == ManyToMany):
		// A unary carrier feeding an N-ary step: promote to a singleton
		// batch (a pipeline beginning directly on an N→1/N→N step sees
		// exactly one upstream item).
		return r.runStep(ctx, step, ictx, carrier{stream: true, items: []any{cur.value}})

	default:
		return carrier{}, runctx.NewError(runctx.KindPolicyViolation, step.Name, "",
			fmt.Errorf("pipeline: unsupported carrier/cardinality combination"))
	}
}

func (r *Runner) runUnaryUnary(ctx context.Context, step *StepDescriptor, ictx *runctx.InvocationContext, value any) (any, error) {
	if step.UnaryUnary == nil {
		return nil, missingInvoker(step, "unary->unary")
	}
	ictx.InFlight().Inc()
	defer ictx.InFlight().Dec()
	return step.UnaryUnary(ctx, ictx, value)
}

func (r *Runner) runUnaryMany(ctx context.Context, step *StepDescriptor, ictx *runctx.InvocationContext, value any) ([]any, error) {
	if step.UnaryMany == nil {
		return nil, missingInvoker(step, "unary->many")
	}
	ictx.InFlight().Inc()
	defer ictx.InFlight().Dec()
	return step.UnaryMany(ctx, ictx, value)
}

// runStreamUnaryUnary invokes a strict/relaxed bounded-concurrency fan-out
// of one 1→1 step over a stream of items.
func (r *Runner) runStreamUnaryUnary(ctx context.Context, step *StepDescriptor, ictx *runctx.InvocationContext, items []any) ([]any, error) {
	if step.UnaryUnary == nil {
		return nil, missingInvoker(step, "unary->unary")
	}
	sem := semaphore.NewWeighted(int64(effectiveConcurrency(step)))
	g, gctx := errgroup.WithContext(ctx)

	strictResults := make([]any, len(items))
	var relaxedMu sync.Mutex
	var relaxed []any

	for i, item := range items {
		i, item := i, item
		if err := sem.Acquire(gctx, 1); err != nil {
			break // gctx already cancelled by a prior failure; g.Wait reports it
		}
		forked := ictx.Fork()
		g.Go(func() error {
			defer sem.Release(1)
			ictx.InFlight().Inc()
			defer ictx.InFlight().Dec()
			out, err := step.UnaryUnary(gctx, forked, item)
			if err != nil {
				return err
			}
			if step.Ordering == Strict {
				strictResults[i] = out
			} else {
				relaxedMu.Lock()
				relaxed = append(relaxed, out)
				relaxedMu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if step.Ordering == Strict {
		return strictResults, nil
	}
	return relaxed, nil
}

// runStreamUnaryMany invokes a per-item 1→N expansion over a stream of
// items, flattening results - the natural generalization of "stream →
// 1→1" to a step whose own cardinality is 1→N.
func (r *Runner) runStreamUnaryMany(ctx context.Context, step *StepDescriptor, ictx *runctx.InvocationContext, items []any) ([]any, error) {
	if step.UnaryMany == nil {
		return nil, missingInvoker(step, "unary->many")
	}
	sem := semaphore.NewWeighted(int64(effectiveConcurrency(step)))
	g, gctx := errgroup.WithContext(ctx)

	perItem := make([][]any, len(items))
	var relaxedMu sync.Mutex
	var relaxed []any

	for i, item := range items {
		i, item := i, item
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		forked := ictx.Fork()
		g.Go(func() error {
			defer sem.Release(1)
			ictx.InFlight().Inc()
			defer ictx.InFlight().Dec()
			outs, err := step.UnaryMany(gctx, forked, item)
			if err != nil {
				return err
			}
			if step.Ordering == Strict {
				perItem[i] = outs
			} else {
				relaxedMu.Lock()
				relaxed = append(relaxed, outs...)
				relaxedMu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if step.Ordering == Strict {
		var flat []any
		for _, outs := range perItem {
			flat = append(flat, outs...)
		}
		return flat, nil
	}
	return relaxed, nil
}

// InvokeBatch collects items into one N→1 invocation, rejecting mixed
// correlation keys before the step body is invoked at all. Exported so a
// caller can exercise the batch path directly, bypassing the rest of the
// pipeline.
func (r *Runner) InvokeBatch(ctx context.Context, step *StepDescriptor, ictx *runctx.InvocationContext, items []any) (any, error) {
	if step.ManyUnary == nil {
		return nil, missingInvoker(step, "many->unary")
	}
	correlationKey, err := validateCorrelation(step, items)
	if err != nil {
		return nil, err
	}
	ictx.InFlight().Inc()
	defer ictx.InFlight().Dec()
	out, err := step.ManyUnary(ctx, ictx, items)
	if err != nil {
		if _, ok := runctx.KindOf(err); !ok {
			return nil, runctx.NewError(runctx.KindTransientStep, step.Name, correlationKey, err)
		}
		return nil, err
	}
	return out, nil
}

func (r *Runner) runStreamManyMany(ctx context.Context, step *StepDescriptor, ictx *runctx.InvocationContext, items []any) ([]any, error) {
	if step.ManyMany == nil {
		return nil, missingInvoker(step, "many->many")
	}
	if _, err := validateCorrelation(step, items); err != nil {
		return nil, err
	}
	ictx.InFlight().Inc()
	defer ictx.InFlight().Dec()
	return step.ManyMany(ctx, ictx, items)
}

// validateCorrelation enforces the N→1/N→N invariant that every item in a
// batch shares one correlation key; mixing keys is a hard PolicyViolation
// rejected before the step body runs.
func validateCorrelation(step *StepDescriptor, items []any) (string, error) {
	if step.CorrelationKeyFor == nil || len(items) == 0 {
		return "", nil
	}
	first := step.CorrelationKeyFor(items[0])
	for _, item := range items[1:] {
		if k := step.CorrelationKeyFor(item); k != first {
			return "", runctx.NewError(runctx.KindPolicyViolation, step.Name, first,
				fmt.Errorf("pipeline: mixed correlation keys in batch: %q != %q", first, k))
		}
	}
	return first, nil
}

func effectiveConcurrency(step *StepDescriptor) int {
	if step.ThreadSafety == Unsafe {
		return 1
	}
	if step.MaxConcurrency > 0 {
		return step.MaxConcurrency
	}
	return defaultMaxConcurrency
}

func missingInvoker(step *StepDescriptor, transition string) error {
	return runctx.NewError(runctx.KindPolicyViolation, step.Name, "",
		fmt.Errorf("pipeline: step %q has no %s invoker wired", step.Name, transition))
}
