// Package cache implements the cache subsystem: key-strategy
// arbitration by target type and priority, priority-ordered reader/writer
// pools, and policy enforcement (bypass-cache / prefer-cache /
// require-cache).
package cache

import (
	"reflect"
	"sort"

	"github.com/joeycumines/go-pipelinecore/runctx"
)

// KeyStrategy derives a cache key basis for an item.
type KeyStrategy interface {
	// Resolve returns a non-blank key, or ok=false if this strategy has
	// nothing to say about item.
	Resolve(item any, ctx *runctx.InvocationContext) (key string, ok bool)
	// SupportsTarget is an optional target-type discriminator.
	SupportsTarget(t reflect.Type) bool
	// Priority: lower value wins within its group (targeted or generic).
	Priority() int
}

// Arbitrator chooses the single best KeyStrategy for a (item, target type)
// pair. Registries are explicit, constructed at startup: a typed
// registration call rather than a dependency-injection lookup-by-type.
type Arbitrator struct {
	targeted []KeyStrategy
	generic  []KeyStrategy
}

// NewArbitrator constructs an empty Arbitrator.
func NewArbitrator() *Arbitrator {
	return &Arbitrator{}
}

// RegisterTargeted adds a strategy that only applies to specific target
// types (SupportsTarget returns false for types it doesn't handle).
func (a *Arbitrator) RegisterTargeted(s KeyStrategy) {
	a.targeted = append(a.targeted, s)
	sort.SliceStable(a.targeted, func(i, j int) bool { return a.targeted[i].Priority() < a.targeted[j].Priority() })
}

// RegisterGeneric adds a fallback strategy, consulted only when no
// targeted strategy supports the queried target type.
func (a *Arbitrator) RegisterGeneric(s KeyStrategy) {
	a.generic = append(a.generic, s)
	sort.SliceStable(a.generic, func(i, j int) bool { return a.generic[i].Priority() < a.generic[j].Priority() })
}

// Resolve picks exactly one strategy - the lowest-priority targeted
// strategy that supports target, or else the lowest-priority generic
// strategy - and invokes it. If that chosen strategy returns a blank key,
// no other strategy (targeted or generic) is consulted: a blank key means
// "this item is not cacheable", not "try the next strategy".
func (a *Arbitrator) Resolve(item any, ctx *runctx.InvocationContext, target reflect.Type) (key string, ok bool) {
	chosen := a.choose(target)
	if chosen == nil {
		return "", false
	}
	k, resolved := chosen.Resolve(item, ctx)
	if !resolved || k == "" {
		return "", false
	}
	return k, true
}

func (a *Arbitrator) choose(target reflect.Type) KeyStrategy {
	for _, s := range a.targeted {
		if target != nil && s.SupportsTarget(target) {
			return s
		}
	}
	if len(a.generic) > 0 {
		return a.generic[0]
	}
	return nil
}

// VersionedKey namespaces baseKey with versionTag: the final key is
// versionTag+":"+baseKey when versionTag is non-blank, otherwise baseKey
// is used verbatim.
func VersionedKey(versionTag, baseKey string) string {
	if versionTag == "" {
		return baseKey
	}
	return versionTag + ":" + baseKey
}

// FuncStrategy adapts a plain function into a KeyStrategy, for the common
// case where a full interface implementation would be overkill.
type FuncStrategy struct {
	ResolveFunc func(item any, ctx *runctx.InvocationContext) (string, bool)
	Supports    func(t reflect.Type) bool
	Prio        int
}

func (f FuncStrategy) Resolve(item any, ctx *runctx.InvocationContext) (string, bool) {
	return f.ResolveFunc(item, ctx)
}

func (f FuncStrategy) SupportsTarget(t reflect.Type) bool {
	if f.Supports == nil {
		return true
	}
	return f.Supports(t)
}

func (f FuncStrategy) Priority() int { return f.Prio }
