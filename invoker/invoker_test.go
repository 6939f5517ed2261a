package invoker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-pipelinecore/cache"
	"github.com/joeycumines/go-pipelinecore/retry"
	"github.com/joeycumines/go-pipelinecore/runctx"
	"github.com/joeycumines/go-pipelinecore/sideeffect"
	"github.com/joeycumines/go-pipelinecore/transport"
)

const (
	defaultWait = time.Second
	defaultTick = time.Millisecond
)

type enrichOut struct{ DocID string }

func jsonCodec() Codec[enrichOut] {
	return Codec[enrichOut]{
		Encode: func(v enrichOut) (cache.Envelope, error) { return cache.EncodeJSON("enrichOut", v) },
		Decode: func(env cache.Envelope) (enrichOut, error) {
			var out enrichOut
			_, err := cache.DecodeJSON(env, &out)
			return out, err
		},
	}
}

func keyStrategy() cache.KeyStrategy {
	return cache.FuncStrategy{
		Prio: 1,
		ResolveFunc: func(item any, ctx *runctx.InvocationContext) (string, bool) {
			return "doc:" + item.(string), true
		},
	}
}

func newArbitrator() *cache.Arbitrator {
	a := cache.NewArbitrator()
	a.RegisterGeneric(keyStrategy())
	return a
}

type memReader struct{ data map[string]cache.Envelope }

func (m *memReader) Priority() int { return 1 }
func (m *memReader) Get(ctx context.Context, key string) (cache.Envelope, bool, error) {
	v, ok := m.data[key]
	return v, ok, nil
}

type memWriter struct{ puts map[string]cache.Envelope }

func (m *memWriter) Put(ctx context.Context, key string, value cache.Envelope) error {
	m.puts[key] = value
	return nil
}

func TestInvoker_ColdRunInvokesBridgeAndWritesCache(t *testing.T) {
	var calls atomic.Int32
	bridge := transport.NewLocalBridge[string, enrichOut]("enrich", transport.LocalFuncs[string, enrichOut]{
		UnaryUnary: func(ctx context.Context, ictx *runctx.InvocationContext, in string) (enrichOut, error) {
			calls.Add(1)
			return enrichOut{DocID: in}, nil
		},
	}, nil)

	reader := &memReader{data: map[string]cache.Envelope{}}
	writer := &memWriter{puts: map[string]cache.Envelope{}}

	iv := New(Config[string, enrichOut]{
		Name:       "enrich",
		Bridge:     bridge,
		Arbitrator: newArbitrator(),
		Readers:    cache.NewReaderPool(reader),
		Writers:    cache.NewWriterPool(writer),
		Codec:      jsonCodec(),
	})

	ictx := runctx.NewInvocationContext("v1", runctx.ReplayOff, runctx.PreferCache)
	out, err := iv.Invoke(context.Background(), ictx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, "doc-1", out.DocID)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, runctx.StatusMiss, ictx.CacheStatusFor("enrich"))

	require.Eventually(t, func() bool { return len(writer.puts) == 1 }, defaultWait, defaultTick)
}

func TestInvoker_WarmRunSkipsBridgeOnCacheHit(t *testing.T) {
	var calls atomic.Int32
	bridge := transport.NewLocalBridge[string, enrichOut]("enrich", transport.LocalFuncs[string, enrichOut]{
		UnaryUnary: func(ctx context.Context, ictx *runctx.InvocationContext, in string) (enrichOut, error) {
			calls.Add(1)
			return enrichOut{DocID: in}, nil
		},
	}, nil)

	env, err := cache.EncodeJSON("enrichOut", enrichOut{DocID: "cached"})
	require.NoError(t, err)
	reader := &memReader{data: map[string]cache.Envelope{"v1:doc:doc-1": env}}

	iv := New(Config[string, enrichOut]{
		Name:       "enrich",
		Bridge:     bridge,
		Arbitrator: newArbitrator(),
		Readers:    cache.NewReaderPool(reader),
		Writers:    cache.NewWriterPool(),
		Codec:      jsonCodec(),
	})

	ictx := runctx.NewInvocationContext("v1", runctx.ReplayOff, runctx.PreferCache)
	out, err := iv.Invoke(context.Background(), ictx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, "cached", out.DocID)
	require.Equal(t, int32(0), calls.Load(), "a cache hit must bypass the step")
	require.Equal(t, runctx.StatusHit, ictx.CacheStatusFor("enrich"))
}

func TestInvoker_RequireCacheMissFailsWithPolicyViolation(t *testing.T) {
	bridge := transport.NewLocalBridge[string, enrichOut]("enrich", transport.LocalFuncs[string, enrichOut]{
		UnaryUnary: func(ctx context.Context, ictx *runctx.InvocationContext, in string) (enrichOut, error) {
			t.Fatal("must not invoke the bridge on a require-cache miss")
			return enrichOut{}, nil
		},
	}, nil)

	iv := New(Config[string, enrichOut]{
		Name:       "enrich",
		Bridge:     bridge,
		Arbitrator: newArbitrator(),
		Readers:    cache.NewReaderPool(&memReader{data: map[string]cache.Envelope{}}),
		Writers:    cache.NewWriterPool(),
		Codec:      jsonCodec(),
	})

	ictx := runctx.NewInvocationContext("", runctx.ReplayLive, runctx.RequireCache)
	_, err := iv.Invoke(context.Background(), ictx, "doc-1")
	require.Error(t, err)
	kind, ok := runctx.KindOf(err)
	require.True(t, ok)
	require.Equal(t, runctx.KindPolicyViolation, kind)
}

func TestInvoker_RunsSideEffectHooksOnProducedValue(t *testing.T) {
	var persisted atomic.Int32
	bridge := transport.NewLocalBridge[string, enrichOut]("enrich", transport.LocalFuncs[string, enrichOut]{
		UnaryUnary: func(ctx context.Context, ictx *runctx.InvocationContext, in string) (enrichOut, error) {
			return enrichOut{DocID: in}, nil
		},
	}, nil)

	hooks := []sideeffect.Hook{{
		Kind: sideeffect.KindPersist,
		Name: "persist:enrich",
		Run: func(ctx context.Context, ictx *runctx.InvocationContext, value any) error {
			persisted.Add(1)
			require.Equal(t, "doc-1", value.(enrichOut).DocID)
			return nil
		},
	}}

	iv := New(Config[string, enrichOut]{
		Name:   "enrich",
		Bridge: bridge,
		Codec:  jsonCodec(),
		Hooks:  hooks,
	})

	ictx := runctx.NewInvocationContext("", runctx.ReplayOff, runctx.BypassCache)
	_, err := iv.Invoke(context.Background(), ictx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, int32(1), persisted.Load())
	require.Equal(t, runctx.StatusSkipped, ictx.CacheStatusFor("enrich"))
}

func TestInvoker_RetriesTransientTransportFailureThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	bridge := transport.NewLocalBridge[string, enrichOut]("enrich", transport.LocalFuncs[string, enrichOut]{
		UnaryUnary: func(ctx context.Context, ictx *runctx.InvocationContext, in string) (enrichOut, error) {
			if attempts.Add(1) < 2 {
				return enrichOut{}, runctx.NewError(runctx.KindTransientStep, "enrich", "", errors.New("timeout"))
			}
			return enrichOut{DocID: in}, nil
		},
	}, nil)

	iv := New(Config[string, enrichOut]{
		Name:          "enrich",
		Bridge:        bridge,
		Codec:         jsonCodec(),
		RetryExecutor: retry.NewExecutor(retry.Policy{MaxAttempts: 3}, nil),
	})

	ictx := runctx.NewInvocationContext("", runctx.ReplayOff, runctx.BypassCache)
	out, err := iv.Invoke(context.Background(), ictx, "doc-1")
	require.NoError(t, err)
	require.Equal(t, "doc-1", out.DocID)
	require.Equal(t, int32(2), attempts.Load())
}
