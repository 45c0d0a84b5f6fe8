package metrics

import (
	"sync"
	"time"
)

type RouteLatency struct {
	// EWMA of inference time in milliseconds.
	EWMAms float64 `json:"ewma_ms"`

	// Counters (rolling since start).
	OK    uint64 `json:"ok"`
	Error uint64 `json:"error"`

	LastDuration time.Duration `json:"last_duration"`
	LastAt       time.Time     `json:"last_at"`
}

type LatencyTracker struct {
	mu     sync.RWMutex
	alpha  float64
	routes map[string]*RouteLatency
}

// NewLatencyTracker creates a tracker with EWMA smoothing factor alpha.
// Typical alpha: 0.1..0.3 (higher reacts faster).
func NewLatencyTracker(alpha float64) *LatencyTracker {
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.2
	}
	return &LatencyTracker{
		alpha:  alpha,
		routes: map[string]*RouteLatency{},
	}
}

func (t *LatencyTracker) ObserveOK(route string, d time.Duration) {
	t.observe(route, d, true)
}

func (t *LatencyTracker) ObserveError(route string, d time.Duration) {
	t.observe(route, d, false)
}

func (t *LatencyTracker) observe(route string, d time.Duration, ok bool) {
	if t == nil {
		return
	}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.routes[route]
	if n == nil {
		n = &RouteLatency{}
		t.routes[route] = n
	}

	ms := float64(d.Microseconds()) / 1000
	if ms < 0 {
		ms = 0
	}

	if n.EWMAms == 0 {
		n.EWMAms = ms
	} else {
		n.EWMAms = (t.alpha * ms) + ((1.0 - t.alpha) * n.EWMAms)
	}

	n.LastDuration = d
	n.LastAt = now
	if ok {
		n.OK++
	} else {
		n.Error++
	}
}

func (t *LatencyTracker) Get(route string) (RouteLatency, bool) {
	if t == nil {
		return RouteLatency{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.routes[route]
	if n == nil {
		return RouteLatency{}, false
	}
	return *n, true
}

func (t *LatencyTracker) Snapshot() map[string]RouteLatency {
	if t == nil {
		return map[string]RouteLatency{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]RouteLatency, len(t.routes))
	for k, v := range t.routes {
		out[k] = *v
	}
	return out
}

func (t *LatencyTracker) Delete(route string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.routes, route)
}
