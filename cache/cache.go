package cache

import (
	"context"
	"sort"
	"sync"

	"github.com/joeycumines/go-pipelinecore/internal/obslog"
)

// Reader reads a cache entry by key. Concrete backends (in-memory, Redis,
// ...) are external collaborators; the core only requires this contract.
type Reader interface {
	Get(ctx context.Context, key string) (Envelope, bool, error)
	// Priority: lower value is consulted first.
	Priority() int
}

// Writer writes a cache entry by key. Backend failures are logged, never
// propagated as pipeline failures: cache writes are best-effort.
type Writer interface {
	Put(ctx context.Context, key string, value Envelope) error
}

// ReaderPool consults Readers in priority order, returning the first hit.
type ReaderPool struct {
	mu      sync.RWMutex
	readers []Reader
}

func NewReaderPool(readers ...Reader) *ReaderPool {
	p := &ReaderPool{}
	for _, r := range readers {
		p.Add(r)
	}
	return p
}

func (p *ReaderPool) Add(r Reader) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readers = append(p.readers, r)
	sort.SliceStable(p.readers, func(i, j int) bool { return p.readers[i].Priority() < p.readers[j].Priority() })
}

// Get returns the first hit across readers, in priority order.
func (p *ReaderPool) Get(ctx context.Context, key string) (Envelope, bool, error) {
	p.mu.RLock()
	readers := make([]Reader, len(p.readers))
	copy(readers, p.readers)
	p.mu.RUnlock()

	for _, r := range readers {
		v, ok, err := r.Get(ctx, key)
		if err != nil {
			obslog.Warn("cache: reader error, trying next", obslog.F("key", key), obslog.F("error", err.Error()))
			continue
		}
		if ok {
			return v, true, nil
		}
	}
	return Envelope{}, false, nil
}

// WriterPool dispatches writes to all registered writers without waiting
// for completion: writes are fire-and-forget.
type WriterPool struct {
	mu      sync.RWMutex
	writers []Writer
}

func NewWriterPool(writers ...Writer) *WriterPool {
	return &WriterPool{writers: append([]Writer(nil), writers...)}
}

func (p *WriterPool) Add(w Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writers = append(p.writers, w)
}

// WriteAll dispatches value to every writer in its own goroutine;
// WriteAll itself returns immediately (fire-and-forget). Write failures
// are logged with the key, never returned to the caller.
func (p *WriterPool) WriteAll(ctx context.Context, key string, value Envelope) {
	p.mu.RLock()
	writers := make([]Writer, len(p.writers))
	copy(writers, p.writers)
	p.mu.RUnlock()

	for _, w := range writers {
		w := w
		go func() {
			if err := w.Put(ctx, key, value); err != nil {
				obslog.Warn("cache: write failed, ignoring (best-effort)",
					obslog.F("key", key), obslog.F("error", err.Error()))
			}
		}()
	}
}
