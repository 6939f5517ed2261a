// Package probe implements the in-flight kill-switch: it samples a
// run's global in-flight counter on a fixed interval, computes the slope
// of in-flight growth over a sliding window, and triggers fail-fast
// cancellation (or a log-only warning) once the slope has exceeded a
// threshold for a configured number of consecutive samples.
//
// The sliding window is a fixed-size ring buffer sampled by a background
// ticker; it tracks one (timestamp, in-flight) pair per tick, for a
// single run.
package probe

import (
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-pipelinecore/internal/obslog"
)

// swappable for testing without a real sleep.
var (
	timeNow       = time.Now
	timeNewTicker = time.NewTicker
)

// Mode controls what happens when the probe detects sustained growth.
type Mode int

const (
	// FailFast cancels the active run when the kill switch triggers.
	FailFast Mode = iota
	// LogOnly emits the same telemetry but never cancels the run.
	LogOnly
)

func (m Mode) String() string {
	if m == LogOnly {
		return "log-only"
	}
	return "fail-fast"
}

// ParseMode parses a manifest/config string into a Mode, defaulting to
// FailFast for anything other than "log-only".
func ParseMode(s string) Mode {
	if s == "log-only" {
		return LogOnly
	}
	return FailFast
}

// Config configures a Probe. The zero value is disabled (Enabled == false).
type Config struct {
	Enabled        bool
	Window         time.Duration
	SlopeThreshold float64 // items/sec
	SustainSamples int
	Mode           Mode
}

// Source supplies the current global in-flight count.
type Source interface {
	Load() int64
}

type sample struct {
	at       time.Time
	inFlight int64
}

// TriggerInfo describes a kill-switch evaluation that exceeded threshold
// for the configured number of consecutive samples.
type TriggerInfo struct {
	Reason         string
	Slope          float64
	Threshold      float64
	SustainSamples int
	Mode           Mode
}

// Probe samples a single run's in-flight counter and evaluates the
// sustained-slope kill-switch condition. One Probe corresponds to one run.
type Probe struct {
	cfg       Config
	source    Source
	onTrigger func(TriggerInfo)

	samples   *ring
	overCount int
	fired     atomic.Bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Probe. onTrigger is invoked at most once, the first
// time the sustained-slope condition fires; it is called regardless of
// Mode (log-only vs fail-fast), so the caller can decide whether to
// cancel based on info.Mode, but telemetry is always emitted internally.
func New(cfg Config, source Source, onTrigger func(TriggerInfo)) *Probe {
	if cfg.SustainSamples <= 0 {
		cfg.SustainSamples = 1
	}
	return &Probe{
		cfg:       cfg,
		source:    source,
		onTrigger: onTrigger,
		samples:   newRing(cfg.SustainSamples + 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the sampling goroutine. A no-op if the probe is disabled.
func (p *Probe) Start() {
	if !p.cfg.Enabled || p.cfg.Window <= 0 {
		close(p.doneCh)
		return
	}
	interval := p.cfg.Window / time.Duration(p.cfg.SustainSamples)
	if interval <= 0 {
		interval = p.cfg.Window
	}
	go p.run(interval)
}

// Stop halts sampling and waits for the goroutine to exit.
func (p *Probe) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	<-p.doneCh
}

func (p *Probe) run(interval time.Duration) {
	defer close(p.doneCh)

	ticker := timeNewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case t := <-ticker.C:
			p.tick(t)
		}
	}
}

func (p *Probe) tick(now time.Time) {
	if p.fired.Load() {
		return
	}

	p.samples.Push(sample{at: now, inFlight: p.source.Load()})
	if p.samples.Len() < 2 {
		return
	}

	slope := p.slope()
	if slope > p.cfg.SlopeThreshold {
		p.overCount++
	} else {
		p.overCount = 0
	}

	obslog.Debug("probe: sampled",
		obslog.F("slope", slope),
		obslog.F("threshold", p.cfg.SlopeThreshold),
		obslog.F("over_count", p.overCount),
		obslog.F("sustain_samples", p.cfg.SustainSamples),
	)

	if p.overCount < p.cfg.SustainSamples {
		return
	}

	if !p.fired.CompareAndSwap(false, true) {
		return
	}

	info := TriggerInfo{
		Reason:         "retry_amplification",
		Slope:          slope,
		Threshold:      p.cfg.SlopeThreshold,
		SustainSamples: p.cfg.SustainSamples,
		Mode:           p.cfg.Mode,
	}

	obslog.Warn("probe: kill switch triggered",
		obslog.F("reason", info.Reason),
		obslog.F("slope", info.Slope),
		obslog.F("threshold", info.Threshold),
		obslog.F("sustain_samples", info.SustainSamples),
		obslog.F("mode", info.Mode.String()),
		obslog.F("triggered", true),
	)

	if p.onTrigger != nil {
		p.onTrigger(info)
	}
}

// slope computes the least-squares slope (items/sec) over the samples
// currently retained in the window. For uniformly-spaced samples this is
// equivalent to the simpler (last-first)/windowSeconds; the least-squares
// form is used unconditionally since it degrades gracefully to that
// shortcut for n==2 and is no more expensive for the small sample counts
// a kill switch uses.
func (p *Probe) slope() float64 {
	n := p.samples.Len()
	if n < 2 {
		return 0
	}

	first := p.samples.Get(0).at
	var sumX, sumY, sumXY, sumXX float64
	for i := 0; i < n; i++ {
		s := p.samples.Get(i)
		x := s.at.Sub(first).Seconds()
		y := float64(s.inFlight)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (fn*sumXY - sumX*sumY) / denom
}
