package httpTrackerServer

import (
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Per source address token buckets. Once the map grows past pruneThreshold, idle buckets are
// dropped at most once per floodIdle.
type floodGuard struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	limiters  map[netip.Addr]*floodEntry
	lastPrune time.Time
}

type floodEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	pruneThreshold = 1 << 14
	floodIdle      = 10 * time.Minute
)

func newFloodGuard(perSecond float64, burst int) *floodGuard {
	return &floodGuard{
		limit:    rate.Limit(perSecond),
		burst:    max(burst, 1),
		now:      time.Now,
		limiters: make(map[netip.Addr]*floodEntry),
	}
}

func (me *floodGuard) allow(addr netip.Addr) bool {
	now := me.now()
	me.mu.Lock()
	defer me.mu.Unlock()
	e, ok := me.limiters[addr]
	if !ok {
		if len(me.limiters) >= pruneThreshold && now.Sub(me.lastPrune) >= floodIdle {
			me.pruneLocked(now)
		}
		e = &floodEntry{limiter: rate.NewLimiter(me.limit, me.burst)}
		me.limiters[addr] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (me *floodGuard) pruneLocked(now time.Time) {
	me.lastPrune = now
	for addr, e := range me.limiters {
		if now.Sub(e.lastSeen) > floodIdle {
			delete(me.limiters, addr)
		}
	}
}
