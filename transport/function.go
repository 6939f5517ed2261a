package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/joeycumines/go-pipelinecore/internal/obslog"
	"github.com/joeycumines/go-pipelinecore/runctx"
)

// temporary mirrors the classic net.Error shape: an error that knows
// whether retrying it could plausibly succeed.
type temporary interface{ Temporary() bool }

// transientProcessorErr reports whether a FunctionProcessor's error is
// locally recoverable (a context deadline or an error the processor
// itself flags as temporary) rather than a permanent, malformed-payload
// class failure. A plain context cancellation is not treated as transient.
func transientProcessorErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te temporary
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}

// OverflowPolicy governs FunctionBridge.Submit's behavior once the number
// of items admitted but not yet resolved reaches the bridge's capacity
// (BatchingPolicy.MaxItems * BatchingPolicy.MaxInFlight): as many items as
// could be in flight across every concurrently-running batch. Items still
// queued and items in dispatched batches both count toward it.
type OverflowPolicy int

const (
	// Buffer blocks the caller until a dispatched batch finishes and frees
	// capacity.
	Buffer OverflowPolicy = iota
	// DropOldest evicts the oldest queued item (failing it) to make room.
	DropOldest
	// Fail returns an error immediately rather than queuing.
	Fail
)

// BatchingPolicy configures a FunctionBridge's batching behavior.
type BatchingPolicy struct {
	MaxItems    int // default 16
	MaxBytes    int // 0 disables the byte-size trigger
	MaxWait     time.Duration
	MaxInFlight int // default 1
	Overflow    OverflowPolicy
}

func (p BatchingPolicy) normalized() BatchingPolicy {
	if p.MaxItems <= 0 {
		p.MaxItems = 16
	}
	if p.MaxWait <= 0 {
		p.MaxWait = 50 * time.Millisecond
	}
	if p.MaxInFlight <= 0 {
		p.MaxInFlight = 1
	}
	return p
}

// FunctionProcessor invokes the external function for one batch, returning
// one output per input in the same order.
type FunctionProcessor[In, Out any] func(ctx context.Context, ins []In) ([]Out, error)

// ItemSizer optionally reports the byte size of an In value, for
// BatchingPolicy.MaxBytes. A nil ItemSizer disables the byte-size trigger.
type ItemSizer[In any] func(in In) int

type functionJob[In, Out any] struct {
	ctx      context.Context
	in       In
	size     int
	resultCh chan functionResult[Out]
}

type functionResult[Out any] struct {
	out Out
	err error
}

// FunctionBridge wraps an external, non-pipeline function call, batching
// unary invocations to amortize round trips: a pending-items queue
// flushes on size, byte-size, or a flush-interval timer, whichever comes
// first, with up to MaxInFlight batches dispatched concurrently, bounded
// by an explicit Overflow policy.
type FunctionBridge[In, Out any] struct {
	step      string
	policy    BatchingPolicy
	processor FunctionProcessor[In, Out]
	sizer     ItemSizer[In]
	idemKey   func(in In) string // idempotency key per item, for logging/tracing only

	capacity int // MaxItems * MaxInFlight; the bound Overflow enforces

	mu          sync.Mutex
	cond        *sync.Cond
	queue       []*functionJob[In, Out]
	outstanding int
	sem         chan struct{}
	timer       *time.Timer
	closeCh     chan struct{}
	closed      bool
}

// NewFunctionBridge constructs a FunctionBridge. idemKeyFn may be nil; when
// set, it is used purely for diagnostic logging of which item drove a
// given idempotency-policy decision (actual key derivation for retries is
// retry.DeriveIdempotencyKey, called by the invoker, not here).
func NewFunctionBridge[In, Out any](step string, policy BatchingPolicy, processor FunctionProcessor[In, Out], sizer ItemSizer[In], idemKeyFn func(in In) string) *FunctionBridge[In, Out] {
	norm := policy.normalized()
	b := &FunctionBridge[In, Out]{
		step:      step,
		policy:    norm,
		processor: processor,
		sizer:     sizer,
		idemKey:   idemKeyFn,
		capacity:  norm.MaxItems * norm.MaxInFlight,
		sem:       make(chan struct{}, norm.MaxInFlight),
		closeCh:   make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *FunctionBridge[In, Out]) itemSize(in In) int {
	if b.sizer == nil {
		return 0
	}
	return b.sizer(in)
}

// InvokeUnaryUnary submits in to the batcher and blocks until its batch is
// processed.
func (b *FunctionBridge[In, Out]) InvokeUnaryUnary(ctx context.Context, ictx *runctx.InvocationContext, in In) (Out, error) {
	var zero Out
	job := &functionJob[In, Out]{ctx: ctx, in: in, size: b.itemSize(in), resultCh: make(chan functionResult[Out], 1)}

	if err := b.enqueue(ctx, job); err != nil {
		return zero, err
	}

	select {
	case <-ctx.Done():
		return zero, runctx.NewError(runctx.KindCancelled, b.step, "", ctx.Err())
	case res := <-job.resultCh:
		if res.err != nil {
			return zero, res.err
		}
		return res.out, nil
	}
}

// InvokeManyMany dispatches the provided slice as a single, already-formed
// batch, bypassing the internal queue: the caller (an N→N step) has
// already done its own grouping.
func (b *FunctionBridge[In, Out]) InvokeManyMany(ctx context.Context, ictx *runctx.InvocationContext, in []In) ([]Out, error) {
	outs, err := b.processor(ctx, in)
	if err != nil {
		return nil, runctx.NewTransportError(b.step, "", err, transientProcessorErr(err))
	}
	return outs, nil
}

func (b *FunctionBridge[In, Out]) InvokeUnaryMany(context.Context, *runctx.InvocationContext, In) ([]Out, error) {
	return nil, UnsupportedTransition(b.step, "unary->many")
}

func (b *FunctionBridge[In, Out]) InvokeManyUnary(context.Context, *runctx.InvocationContext, []In) (Out, error) {
	var zero Out
	return zero, UnsupportedTransition(b.step, "many->unary")
}

func (b *FunctionBridge[In, Out]) enqueue(ctx context.Context, job *functionJob[In, Out]) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.outstanding >= b.capacity {
		switch b.policy.Overflow {
		case Fail:
			return runctx.NewTransportError(b.step, "", errQueueFull, true)
		case DropOldest:
			if len(b.queue) == 0 {
				// Nothing queued to evict - everything outstanding is
				// already dispatched to a running batch. Wait it out.
				b.cond.Wait()
				continue
			}
			dropped := b.queue[0]
			b.queue = b.queue[1:]
			b.outstanding--
			obslog.Warn("transport: function bridge at capacity, dropping oldest queued item", obslog.F("step", b.step))
			dropped.resultCh <- functionResult[Out]{err: runctx.NewTransportError(b.step, "", errDroppedForCapacity, true)}
		default: // Buffer
			b.cond.Wait()
			continue
		}
		break
	}

	b.outstanding++
	b.queue = append(b.queue, job)
	if len(b.queue) == 1 {
		b.resetTimerLocked()
	}
	full := b.sizeTriggeredLocked()
	if full {
		b.flushLocked()
	}
	return nil
}

func (b *FunctionBridge[In, Out]) sizeTriggeredLocked() bool {
	if len(b.queue) >= b.policy.MaxItems {
		return true
	}
	if b.policy.MaxBytes <= 0 {
		return false
	}
	total := 0
	for _, j := range b.queue {
		total += j.size
	}
	return total >= b.policy.MaxBytes
}

func (b *FunctionBridge[In, Out]) resetTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.policy.MaxWait, func() {
		b.mu.Lock()
		b.flushLocked()
		b.mu.Unlock()
	})
}

// flushLocked pops the queue and dispatches it for processing. Caller
// holds b.mu.
func (b *FunctionBridge[In, Out]) flushLocked() {
	if len(b.queue) == 0 {
		return
	}
	batch := b.queue
	b.queue = nil
	b.cond.Broadcast()

	go b.runBatch(batch)
}

func (b *FunctionBridge[In, Out]) runBatch(batch []*functionJob[In, Out]) {
	defer b.finishBatch(batch)

	select {
	case b.sem <- struct{}{}:
	case <-b.closeCh:
		for _, j := range batch {
			j.resultCh <- functionResult[Out]{err: runctx.NewError(runctx.KindCancelled, b.step, "", errBridgeClosed)}
		}
		return
	}
	defer func() { <-b.sem }()

	ins := make([]In, len(batch))
	for i, j := range batch {
		ins[i] = j.in
	}

	ctx := batch[0].ctx
	outs, err := b.processor(ctx, ins)
	if err != nil {
		for _, j := range batch {
			if b.idemKey != nil {
				obslog.Warn("transport: function bridge batch failed",
					obslog.F("step", b.step), obslog.F("idempotency_key", b.idemKey(j.in)), obslog.F("error", err.Error()))
			}
			j.resultCh <- functionResult[Out]{err: runctx.NewTransportError(b.step, "", err, transientProcessorErr(err))}
		}
		return
	}
	if len(outs) != len(batch) {
		for _, j := range batch {
			j.resultCh <- functionResult[Out]{err: runctx.NewTransportError(b.step, "", errBatchSizeMismatch, false)}
		}
		return
	}
	for i, j := range batch {
		j.resultCh <- functionResult[Out]{out: outs[i]}
	}
}

// finishBatch releases batch's share of outstanding capacity, waking any
// enqueue call parked on Buffer backpressure.
func (b *FunctionBridge[In, Out]) finishBatch(batch []*functionJob[In, Out]) {
	b.mu.Lock()
	b.outstanding -= len(batch)
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Close stops the pending-batch timer and unblocks any goroutine parked in
// runBatch waiting on b.sem; it does not cancel in-flight processor calls.
func (b *FunctionBridge[In, Out]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.closeCh)
	if b.timer != nil {
		b.timer.Stop()
	}
	b.cond.Broadcast()
}

var (
	errQueueFull          = staticErr("function bridge queue at capacity")
	errDroppedForCapacity = staticErr("dropped from queue to make room for a newer item")
	errBridgeClosed       = staticErr("function bridge closed")
	errBatchSizeMismatch  = staticErr("processor returned a different number of outputs than inputs")
)

type staticErr string

func (e staticErr) Error() string { return "transport: " + string(e) }
