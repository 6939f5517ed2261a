// Package bus implements the output bus: a multi-producer,
// multi-subscriber broadcast of terminal pipeline emissions, consumed by
// cross-pipeline bridges (a branch is modelled as a separate pipeline
// subscribing to this bus rather than a fork within one pipeline).
//
// Per-subscriber buffering is backpressure-by-default: a slow subscriber
// blocks its own delivery rather than silently dropping values, unless it
// opts into an OverflowPolicy.
package bus

import (
	"context"
	"errors"
	"sync"
)

// OverflowPolicy controls what happens when a subscriber's buffer is full.
type OverflowPolicy int

const (
	// Block makes the publisher wait for the slow subscriber (subject to
	// the publish context). This is the default: backpressure, not drops.
	Block OverflowPolicy = iota
	// DropOldest evicts the subscriber's oldest buffered value to make
	// room for the new one.
	DropOldest
	// Fail returns ErrSubscriberFull immediately from Publish for this
	// subscriber, without blocking other subscribers.
	Fail
)

// ErrSubscriberFull is returned by Publish when a Fail-policy subscriber's
// buffer is full.
var ErrSubscriberFull = errors.New("bus: subscriber buffer full")

// ErrClosed is returned by Publish and Subscribe once the Bus is closed.
var ErrClosed = errors.New("bus: closed")

// Bus is a typed broadcast channel. The zero value is not usable; use New.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// New constructs an empty Bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscription is a single subscriber's buffered view of the Bus.
type Subscription[T any] struct {
	bus      *Bus[T]
	ch       chan T
	overflow OverflowPolicy
	mu       sync.Mutex
}

// Subscribe registers a new subscriber with the given buffer size (rounded
// up to at least 1) and overflow policy.
func (b *Bus[T]) Subscribe(bufferSize int, overflow OverflowPolicy) (*Subscription[T], error) {
	if bufferSize < 1 {
		bufferSize = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &Subscription[T]{bus: b, ch: make(chan T, bufferSize), overflow: overflow}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// C returns the subscription's receive channel.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Unsubscribe removes the subscription from its Bus. Safe to call more
// than once.
func (s *Subscription[T]) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; ok {
		delete(s.bus.subs, s)
		close(s.ch)
	}
}

// Publish fans value out to every current subscriber, applying each
// subscriber's own OverflowPolicy. It returns the first error encountered
// (a Fail-policy subscriber being full, or ctx cancellation while blocked
// on a Block-policy subscriber); delivery to other subscribers still
// proceeds: slow subscribers receive backpressure, not drops, on a
// per-subscriber basis.
func (b *Bus[T]) Publish(ctx context.Context, value T) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	subs := make([]*Subscription[T], 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	var firstErr error
	for _, s := range subs {
		if err := s.deliver(ctx, value); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Subscription[T]) deliver(ctx context.Context, value T) error {
	switch s.overflow {
	case Fail:
		select {
		case s.ch <- value:
			return nil
		default:
			return ErrSubscriberFull
		}

	case DropOldest:
		s.mu.Lock()
		defer s.mu.Unlock()
		for {
			select {
			case s.ch <- value:
				return nil
			default:
				select {
				case <-s.ch:
				default:
				}
			}
		}

	default: // Block
		select {
		case s.ch <- value:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close unsubscribes and closes every current subscriber's channel, and
// prevents further Subscribe/Publish calls.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}
