package runctx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInvocationContext_HeadersMergesNonBlankOverFallback(t *testing.T) {
	c := NewInvocationContext("v1", ReplayDry, PreferCache)
	c.WithHeader(HeaderVersion, "v9") // already-set, non-blank: preserved
	c.WithHeader(HeaderReplay, "")    // already-set, blank: replaced by context field

	headers := c.Headers()
	require.Equal(t, "v9", headers[HeaderVersion])
	require.Equal(t, "dry", headers[HeaderReplay])
	require.Equal(t, "prefer-cache", headers[HeaderCachePolicy])
}

func TestInvocationContext_HeadersFillsBlankFromContextFields(t *testing.T) {
	c := NewInvocationContext("v2", ReplayLive, RequireCache)

	headers := c.Headers()
	require.Equal(t, "v2", headers[HeaderVersion])
	require.Equal(t, "live", headers[HeaderReplay])
	require.Equal(t, "require-cache", headers[HeaderCachePolicy])
}

func TestInvocationContext_Fork_CopiesHeadersAndStatusIndependently(t *testing.T) {
	src := NewInvocationContext("v1", ReplayOff, BypassCache)
	src.WithHeader("x-custom", "a")
	src.SetCacheStatus("stepA", StatusHit)

	fork := src.Fork()

	// Mutating the fork must not leak back onto src, and vice versa.
	fork.WithHeader("x-custom", "b")
	fork.SetCacheStatus("stepA", StatusMiss)
	src.WithHeader("x-only-src", "present")

	v, _ := src.Header("x-custom")
	require.Equal(t, "a", v, "src's header must be unaffected by a fork mutation")
	fv, _ := fork.Header("x-custom")
	require.Equal(t, "b", fv)

	require.Equal(t, StatusHit, src.CacheStatusFor("stepA"))
	require.Equal(t, StatusMiss, fork.CacheStatusFor("stepA"))

	_, ok := fork.Header("x-only-src")
	require.False(t, ok, "a header set on src after Fork must not appear on the fork")
}

func TestInvocationContext_Fork_SharesInFlightCounter(t *testing.T) {
	src := NewInvocationContext("v1", ReplayOff, BypassCache)
	fork := src.Fork()

	fork.InFlight().Inc()
	require.Equal(t, int64(1), src.InFlight().Load(), "Fork must share the run-wide in-flight counter, not copy it")
}

// TestInvocationContext_HeaderRoundTripSurvivesManyHops simulates headers
// propagating through several hops, each hop forking its own context (as a
// concurrent fan-out step would) and mangling header case the way a
// transport's wire encoding might - the values at the far end must still
// resolve correctly.
func TestInvocationContext_HeaderRoundTripSurvivesManyHops(t *testing.T) {
	cur := NewInvocationContext("v5", ReplayDry, PreferCache)
	cur.WithHeader("x-trace-id", "root")

	const hops = 5
	for i := 0; i < hops; i++ {
		out := cur.Headers()
		for k, v := range cur.headers {
			out[k] = v
		}

		// Simulate the wire round-trip: headers arrive case-mangled, as a
		// non-gRPC transport hop might deliver them.
		wire := make(map[string]string, len(out))
		for k, v := range out {
			wire[mangleCase(k)] = v
		}

		next := cur.Fork()
		next.ApplyHeaders(wire)
		cur = next
	}

	v, ok := cur.Header(HeaderVersion)
	require.True(t, ok)
	require.Equal(t, "v5", v)

	r, ok := cur.Header(HeaderReplay)
	require.True(t, ok)
	require.Equal(t, "dry", r)

	trace, ok := cur.Header("x-trace-id")
	require.True(t, ok)
	require.Equal(t, "root", trace, "a custom header must survive every hop unchanged")
}

func mangleCase(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if i%2 == 0 && c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
