package rotation

import (
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/drsoft-oss/hydragate/internal/pool"
)

// ErrNoAliveProxies is returned by Select when the live subset is empty.
var ErrNoAliveProxies = errors.New("no alive proxies")

const (
	// stickyWindow is the wall-clock window of the TimeSticky strategy.
	stickyWindow = 600 // seconds

	// maxLatencyMS caps latencies in the Weighted strategy so the weight
	// arithmetic stays positive.
	maxLatencyMS = 10_000
	// defaultLatencyMS is the mid-range latency assumed for proxies that
	// have not been probed yet.
	defaultLatencyMS = maxLatencyMS / 2
)

// timeNow is swapped out in tests to pin clock-derived draws.
var timeNow = time.Now

// Select picks one proxy from alive according to mode. alive must be
// sorted by id ascending; Select never mutates it. cursor is the shared
// round-robin counter; targetHost is the destination hostname used by
// the IPSticky strategy.
func Select(alive []pool.Proxy, mode Mode, cursor *atomic.Uint64, targetHost string) (pool.Proxy, error) {
	if len(alive) == 0 {
		return pool.Proxy{}, ErrNoAliveProxies
	}
	n := uint64(len(alive))

	switch mode {
	case Random:
		// Subsecond nanos are enough entropy for non-adversarial load
		// balancing; wall-clock seconds are not (rapid consecutive calls
		// would collide).
		return alive[uint64(timeNow().Nanosecond())%n], nil

	case LeastLatency:
		best := 0
		bestLat := latencyOrMax(&alive[0])
		for i := 1; i < len(alive); i++ {
			if lat := latencyOrMax(&alive[i]); lat < bestLat {
				best, bestLat = i, lat
			}
		}
		return alive[best], nil

	case Weighted:
		return selectWeighted(alive), nil

	case TimeSticky:
		// Wall clock on purpose: the 10-minute window is human-visible,
		// so clock jumps shift stickiness with it.
		slot := uint64(timeNow().Unix()) / stickyWindow
		return alive[slot%n], nil

	case IPSticky:
		return alive[djb2(targetHost)%n], nil

	default: // RoundRobin
		// Add returns the new value; the pre-increment value is what this
		// handler owns. Wrap on overflow is harmless.
		idx := (cursor.Add(1) - 1) % n
		return alive[idx], nil
	}
}

// latencyOrMax deprioritizes unprobed proxies in LeastLatency.
func latencyOrMax(p *pool.Proxy) uint64 {
	if p.LatencyMS == nil {
		return math.MaxUint64
	}
	return *p.LatencyMS
}

// selectWeighted samples an index proportionally to weight
// w = (maxLatencyMS - min(latency, maxLatencyMS-1)) + 1, with unprobed
// proxies assumed to sit mid-range.
func selectWeighted(alive []pool.Proxy) pool.Proxy {
	weights := make([]uint64, len(alive))
	var total uint64
	for i := range alive {
		lat := uint64(defaultLatencyMS)
		if alive[i].LatencyMS != nil {
			lat = *alive[i].LatencyMS
		}
		if lat > maxLatencyMS-1 {
			lat = maxLatencyMS - 1
		}
		weights[i] = maxLatencyMS - lat + 1
		total += weights[i]
	}
	if total == 0 {
		return alive[0]
	}

	pick := uint64(timeNow().Nanosecond()) % total
	for i, w := range weights {
		if pick < w {
			return alive[i]
		}
		pick -= w
	}
	return alive[len(alive)-1]
}

// djb2 is Bernstein's multiplicative string hash with 64-bit unsigned
// wrap-around: hash = 5381; hash = hash*33 + b.
func djb2(s string) uint64 {
	hash := uint64(5381)
	for i := 0; i < len(s); i++ {
		hash = hash*33 + uint64(s[i])
	}
	return hash
}
