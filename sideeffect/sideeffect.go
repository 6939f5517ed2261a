// Package sideeffect implements the configuration-load-time step expander:
// inserting persistence and cache-invalidation successor steps after
// a primary step, according to the pipeline's enabled aspects.
package sideeffect

import (
	"context"
	"reflect"

	"github.com/joeycumines/go-pipelinecore/internal/obslog"
	"github.com/joeycumines/go-pipelinecore/runctx"
)

// Kind identifies a synthetic step's purpose.
type Kind int

const (
	KindPersist Kind = iota
	KindInvalidate
)

func (k Kind) String() string {
	switch k {
	case KindPersist:
		return "persist"
	case KindInvalidate:
		return "invalidate"
	default:
		return "unknown"
	}
}

// Hook is a synthetic successor invoked on a primary step's produced value.
// Hooks are always 1→1: they observe the value and return it unchanged -
// they exist to run persistence/invalidation, not to transform the
// pipeline's data.
type Hook struct {
	Kind Kind
	// Name is the synthetic step name, derived as Kind + ":" + primary
	// step name, used for idempotent-expansion comparisons and logging.
	Name string
	// Run executes the hook. An error here is not retried; the package
	// Run logs it at warn, and the invoker and Adapt* callers never let it
	// affect the primary step's outcome.
	Run func(ctx context.Context, ictx *runctx.InvocationContext, value any) error
}

// Aspects mirrors the pipeline descriptor's aspect table: which
// cross-cutting concerns are enabled pipeline-wide.
type Aspects struct {
	Persistence   bool
	Cache         bool
	Invalidate    bool // cache-invalidate or cache-invalidate-all
	InvalidateAll bool
}

// PersistFunc persists one produced value of type T, keyed however the
// concrete persistence backend requires.
type PersistFunc func(ctx context.Context, ictx *runctx.InvocationContext, value any) error

// InvalidateFunc invalidates the cache entry (or entries, if InvalidateAll)
// associated with a produced value.
type InvalidateFunc func(ctx context.Context, ictx *runctx.InvocationContext, value any) error

// Expander builds the effective hook list for a step's output type, at
// configuration load time. One Expander instance is shared, immutably,
// across every run, just as the step descriptors (and their expansions)
// it builds from are.
type Expander struct {
	aspects    Aspects
	persist    map[reflect.Type]PersistFunc
	invalidate map[reflect.Type]InvalidateFunc
}

func NewExpander(aspects Aspects) *Expander {
	return &Expander{
		aspects:    aspects,
		persist:    make(map[reflect.Type]PersistFunc),
		invalidate: make(map[reflect.Type]InvalidateFunc),
	}
}

// RegisterPersist associates a PersistFunc with the zero value's type, for
// the persistence successor.
func RegisterPersist[T any](e *Expander, fn PersistFunc) {
	e.persist[reflect.TypeOf((*T)(nil)).Elem()] = fn
}

// RegisterInvalidate associates an InvalidateFunc with the zero value's
// type, for the cache-invalidation successor.
func RegisterInvalidate[T any](e *Expander, fn InvalidateFunc) {
	e.invalidate[reflect.TypeOf((*T)(nil)).Elem()] = fn
}

// Expand returns the ordered hook list for a step named stepName producing
// values of type outType. Expansion is idempotent: calling Expand twice
// for the same step never duplicates a hook, because the Expander derives
// the full set fresh each time from its registered funcs rather than
// mutating any stored order.
func (e *Expander) Expand(stepName string, outType reflect.Type) []Hook {
	var hooks []Hook

	if e.aspects.Persistence {
		if fn, ok := e.persist[outType]; ok {
			hooks = append(hooks, Hook{
				Kind: KindPersist,
				Name: KindPersist.String() + ":" + stepName,
				Run:  fn,
			})
		}
	}

	if e.aspects.Cache {
		// Cache write is a side effect of the invoker itself; the cache
		// aspect does not insert a synthetic step here.
	}

	if e.aspects.Invalidate || e.aspects.InvalidateAll {
		if fn, ok := e.invalidate[outType]; ok {
			hooks = append(hooks, Hook{
				Kind: KindInvalidate,
				Name: KindInvalidate.String() + ":" + stepName,
				Run: func(ctx context.Context, ictx *runctx.InvocationContext, value any) error {
					if ictx.Replay != runctx.ReplayLive {
						// Invalidation successor executes only when
						// replayMode is live.
						return nil
					}
					return fn(ctx, ictx, value)
				},
			})
		}
	}

	return hooks
}

// Run invokes every hook in order against value, collecting (not
// short-circuiting on) individual failures, since hooks observe a shared
// value independently and one hook's failure must not suppress another's
// attempt. Each failure is logged at warn with the hook name; the first
// error encountered, if any, is returned after every hook has run.
func Run(ctx context.Context, ictx *runctx.InvocationContext, hooks []Hook, value any) error {
	var firstErr error
	for _, h := range hooks {
		err := h.Run(ctx, ictx, value)
		if err == nil {
			continue
		}
		obslog.Warn("sideeffect: hook failed, primary emission unaffected",
			obslog.F("hook", h.Name), obslog.F("error", err.Error()))
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
