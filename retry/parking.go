package retry

import (
	"sync"
	"time"

	"github.com/joeycumines/go-pipelinecore/internal/obslog"
)

// DefaultParkingLotCapacity is the default bound on parked items.
const DefaultParkingLotCapacity = 1000

// DefaultReadinessThreshold is the default parked-count above which Ready
// reports false.
const DefaultReadinessThreshold = 25

// ParkedItem is one entry in the parking lot: an item that failed
// permanently, or exhausted its retry budget, and was neither retried nor
// forwarded downstream.
type ParkedItem struct {
	Step           string
	CorrelationKey string
	ErrorType      string
	Err            error
	ParkedAt       time.Time
}

// ParkingLot is a bounded, FIFO-eviction, in-memory store of parked items.
// Operations are O(1) for enqueue, O(n) for remove-by-predicate, per §5.
type ParkingLot struct {
	mu       sync.Mutex
	items    []ParkedItem
	capacity int
}

// NewParkingLot constructs a ParkingLot with the given capacity. A
// non-positive capacity defaults to DefaultParkingLotCapacity.
func NewParkingLot(capacity int) *ParkingLot {
	if capacity <= 0 {
		capacity = DefaultParkingLotCapacity
	}
	return &ParkingLot{capacity: capacity}
}

// Park enqueues item, evicting the oldest entry (with a warn log) if the
// lot is at capacity.
func (p *ParkingLot) Park(item ParkedItem) {
	if item.ParkedAt.IsZero() {
		item.ParkedAt = time.Now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.items) >= p.capacity {
		evicted := p.items[0]
		p.items = p.items[1:]
		obslog.Warn("retry: parking lot full, evicting oldest item",
			obslog.F("capacity", p.capacity),
			obslog.F("evicted_step", evicted.Step),
			obslog.F("evicted_correlation_key", evicted.CorrelationKey),
		)
	}
	p.items = append(p.items, item)
}

// Size returns the number of currently parked items.
func (p *ParkingLot) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

// Snapshot returns a copy of all currently parked items.
func (p *ParkingLot) Snapshot() []ParkedItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ParkedItem, len(p.items))
	copy(out, p.items)
	return out
}

// RemoveByCorrelationKey removes and returns the count of parked items
// matching key.
func (p *ParkingLot) RemoveByCorrelationKey(key string) int {
	return p.removeWhere(func(i ParkedItem) bool { return i.CorrelationKey == key })
}

// RemoveByErrorType removes and returns the count of parked items whose
// ErrorType matches errType.
func (p *ParkingLot) RemoveByErrorType(errType string) int {
	return p.removeWhere(func(i ParkedItem) bool { return i.ErrorType == errType })
}

func (p *ParkingLot) removeWhere(match func(ParkedItem) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.items[:0:0]
	removed := 0
	for _, i := range p.items {
		if match(i) {
			removed++
			continue
		}
		kept = append(kept, i)
	}
	p.items = kept
	return removed
}

// Clear removes all parked items.
func (p *ParkingLot) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = nil
}

// Ready reports whether the parked count is at or below threshold. A
// non-positive threshold defaults to DefaultReadinessThreshold.
func (p *ParkingLot) Ready(threshold int) bool {
	if threshold <= 0 {
		threshold = DefaultReadinessThreshold
	}
	return p.Size() <= threshold
}
