package probe

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSource drives the sampled in-flight value deterministically.
type fakeSource struct {
	n atomic.Int64
}

func (f *fakeSource) Load() int64 { return f.n.Load() }
func (f *fakeSource) Set(v int64) { f.n.Store(v) }

func TestProbe_FastBurstDoesNotTrigger(t *testing.T) {
	src := &fakeSource{}
	var triggered atomic.Bool

	cfg := Config{
		Enabled:        true,
		Window:         50 * time.Millisecond,
		SlopeThreshold: 1.0,
		SustainSamples: 5,
		Mode:           FailFast,
	}
	p := New(cfg, src, func(TriggerInfo) { triggered.Store(true) })

	// Manually drive ticks as if time had passed, simulating one fast
	// burst (duration well under the window) rather than sustained growth.
	base := time.Unix(0, 0)
	src.Set(0)
	p.tick(base)
	src.Set(1000) // one huge burst
	p.tick(base.Add(time.Millisecond))
	src.Set(1000) // then flat - no sustained growth
	p.tick(base.Add(2 * time.Millisecond))
	p.tick(base.Add(3 * time.Millisecond))
	p.tick(base.Add(4 * time.Millisecond))

	require.False(t, triggered.Load(), "a single fast burst must not trigger the kill switch")
}

func TestProbe_SustainedSlopeTriggersOnce(t *testing.T) {
	src := &fakeSource{}
	var count atomic.Int64
	var lastInfo TriggerInfo

	cfg := Config{
		Enabled:        true,
		Window:         30 * time.Second,
		SlopeThreshold: 1.0,
		SustainSamples: 3,
		Mode:           FailFast,
	}
	p := New(cfg, src, func(info TriggerInfo) {
		count.Add(1)
		lastInfo = info
	})

	base := time.Unix(0, 0)
	interval := cfg.Window / time.Duration(cfg.SustainSamples)

	// Drive in-flight up by 10 items/sec, well above the 1.0 threshold,
	// for more samples than SustainSamples requires.
	for i := 0; i <= cfg.SustainSamples+3; i++ {
		src.Set(int64(i) * 100) // +100 per 10s interval = 10 items/sec
		p.tick(base.Add(time.Duration(i) * interval))
	}

	require.Equal(t, int64(1), count.Load(), "kill switch must fire exactly once per run")
	require.Equal(t, "retry_amplification", lastInfo.Reason)
	require.Equal(t, FailFast, lastInfo.Mode)
	require.Greater(t, lastInfo.Slope, cfg.SlopeThreshold)
}

func TestProbe_LogOnlyStillInvokesCallback(t *testing.T) {
	src := &fakeSource{}
	var modes []Mode

	cfg := Config{
		Enabled:        true,
		Window:         10 * time.Second,
		SlopeThreshold: 0.5,
		SustainSamples: 2,
		Mode:           LogOnly,
	}
	p := New(cfg, src, func(info TriggerInfo) { modes = append(modes, info.Mode) })

	base := time.Unix(0, 0)
	interval := cfg.Window / time.Duration(cfg.SustainSamples)
	for i := 0; i <= 4; i++ {
		src.Set(int64(i) * 5)
		p.tick(base.Add(time.Duration(i) * interval))
	}

	require.Equal(t, []Mode{LogOnly}, modes)
}

func TestProbe_DisabledNeverTriggers(t *testing.T) {
	src := &fakeSource{}
	var triggered atomic.Bool
	p := New(Config{}, src, func(TriggerInfo) { triggered.Store(true) })
	p.Start()
	p.Stop()
	require.False(t, triggered.Load())
}

func TestRing_OverwritesOldestWhenFull(t *testing.T) {
	r := newRing(4)
	for i := 0; i < 10; i++ {
		r.Push(sample{at: time.Unix(int64(i), 0), inFlight: int64(i)})
	}
	require.LessOrEqual(t, r.Len(), r.Cap())
	// the most recently pushed sample must be the newest retained one.
	require.Equal(t, int64(9), r.Get(r.Len()-1).inFlight)
}
