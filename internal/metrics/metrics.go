package metrics

import (
	"sync"
	"sync/atomic"
)

// Counters for the scheduler and the HTTP surface. Kept simple and
// thread-safe for use from the scheduler goroutines and exposition.

var tickCount uint64

// IncTick counts one scheduler due-check pass.
func IncTick() {
	atomic.AddUint64(&tickCount, 1)
}

type fireStats struct {
	mu       sync.Mutex
	byStatus map[string]uint64
}

var fires fireStats

// IncFire counts one automation firing outcome (success, failed, skipped).
func IncFire(status string) {
	fires.mu.Lock()
	if fires.byStatus == nil {
		fires.byStatus = make(map[string]uint64)
	}
	fires.byStatus[status]++
	fires.mu.Unlock()
}

// FireSnapshot returns a copy of the firing counters.
func FireSnapshot() (ticks uint64, byStatus map[string]uint64) {
	ticks = atomic.LoadUint64(&tickCount)
	fires.mu.Lock()
	defer fires.mu.Unlock()
	byStatus = make(map[string]uint64, len(fires.byStatus))
	for k, v := range fires.byStatus {
		byStatus[k] = v
	}
	return ticks, byStatus
}

type rateLimitStats struct {
	total    uint64
	mu       sync.Mutex
	byPrefix map[string]uint64
}

var rl rateLimitStats

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	atomic.AddUint64(&rl.total, 1)
	rl.mu.Lock()
	if rl.byPrefix == nil {
		rl.byPrefix = make(map[string]uint64)
	}
	rl.byPrefix[prefix]++
	rl.mu.Unlock()
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&rl.total)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	by = make(map[string]uint64, len(rl.byPrefix))
	for k, v := range rl.byPrefix {
		by[k] = v
	}
	return total, by
}
