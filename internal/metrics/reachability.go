package metrics

import (
	"sort"
	"sync"
	"time"
)

// LinkEventType is a change in an agent's reachability.
type LinkEventType string

const (
	LinkUp   LinkEventType = "up"
	LinkDown LinkEventType = "down"
)

// Link states.
const (
	StateUnknown = "unknown"
	StateUp      = "up"
	StateDown    = "down"
)

// DefaultMaxLinkEvents bounds the retained up/down history.
const DefaultMaxLinkEvents = 1000

// LinkEvent records an agent becoming reachable or unreachable.
type LinkEvent struct {
	EngineID  string        `json:"engine_id"`
	EventType LinkEventType `json:"event_type"`
	Timestamp time.Time     `json:"timestamp"`
	Reason    string        `json:"reason,omitempty"`
}

// EngineReachability holds polling outcomes for one agent.
type EngineReachability struct {
	EngineID            string     `json:"engine_id"`
	State               string     `json:"state"`
	FirstPolledAt       time.Time  `json:"first_polled_at"`
	LastPolledAt        time.Time  `json:"last_polled_at"`
	LastSeenAt          *time.Time `json:"last_seen_at,omitempty"`
	Polls               int64      `json:"polls"`
	Successes           int64      `json:"successes"`
	Failures            int64      `json:"failures"`
	ConsecutiveFailures int64      `json:"consecutive_failures"`
	Transitions         int64      `json:"transitions"`
	AvgLatencyMs        float64    `json:"avg_latency_ms"`
	LastError           string     `json:"last_error,omitempty"`
	Availability        float64    `json:"availability"`
	StabilityScore      float64    `json:"stability_score"`
}

// ReachabilityTracker tracks per-agent poll outcomes and link transitions.
type ReachabilityTracker struct {
	mu sync.RWMutex

	engines   map[string]*EngineReachability
	events    []LinkEvent
	maxEvents int

	nowFunc func() time.Time
}

// NewReachabilityTracker creates a new ReachabilityTracker.
func NewReachabilityTracker() *ReachabilityTracker {
	return &ReachabilityTracker{
		engines:   make(map[string]*EngineReachability),
		events:    make([]LinkEvent, 0, 64),
		maxEvents: DefaultMaxLinkEvents,
		nowFunc:   time.Now,
	}
}

func (rt *ReachabilityTracker) engine(engineID string, now time.Time) *EngineReachability {
	e, ok := rt.engines[engineID]
	if !ok {
		e = &EngineReachability{EngineID: engineID, State: StateUnknown, FirstPolledAt: now}
		rt.engines[engineID] = e
	}
	return e
}

func (rt *ReachabilityTracker) transition(e *EngineReachability, state string, now time.Time, reason string) {
	if e.State == state {
		return
	}
	// The first observation sets the state without counting as a flap.
	if e.State != StateUnknown {
		e.Transitions++
	}
	e.State = state

	ev := LinkEvent{EngineID: e.EngineID, EventType: LinkEventType(state), Timestamp: now, Reason: reason}
	if len(rt.events) >= rt.maxEvents {
		rt.events = rt.events[1:]
	}
	rt.events = append(rt.events, ev)
}

// RecordSuccess records an answered poll.
func (rt *ReachabilityTracker) RecordSuccess(engineID string, latency time.Duration) {
	if rt == nil {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.nowFunc()
	e := rt.engine(engineID, now)
	e.Polls++
	e.Successes++
	e.ConsecutiveFailures = 0
	e.LastPolledAt = now
	seen := now
	e.LastSeenAt = &seen
	latencyMs := float64(latency.Microseconds()) / 1000
	e.AvgLatencyMs = (e.AvgLatencyMs*float64(e.Successes-1) + latencyMs) / float64(e.Successes)
	rt.transition(e, StateUp, now, "")
}

// RecordFailure records a poll that ended without a usable response.
func (rt *ReachabilityTracker) RecordFailure(engineID, reason string) {
	if rt == nil {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.nowFunc()
	e := rt.engine(engineID, now)
	e.Polls++
	e.Failures++
	e.ConsecutiveFailures++
	e.LastPolledAt = now
	e.LastError = reason
	rt.transition(e, StateDown, now, reason)
}

func finish(e EngineReachability) EngineReachability {
	if e.Polls > 0 {
		e.Availability = float64(e.Successes) / float64(e.Polls)
		flapRate := float64(e.Transitions) / float64(e.Polls)
		score := 100.0 - ((1-e.Availability)*70 + flapRate*30)
		if score < 0 {
			score = 0
		}
		e.StabilityScore = score
	}
	if e.LastSeenAt != nil {
		seen := *e.LastSeenAt
		e.LastSeenAt = &seen
	}
	return e
}

// Engine returns a copy of the reachability of one engine.
func (rt *ReachabilityTracker) Engine(engineID string) (EngineReachability, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	e, ok := rt.engines[engineID]
	if !ok {
		return EngineReachability{}, false
	}
	return finish(*e), true
}

// All returns copies for every tracked engine, sorted by id.
func (rt *ReachabilityTracker) All() []EngineReachability {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	out := make([]EngineReachability, 0, len(rt.engines))
	for _, e := range rt.engines {
		out = append(out, finish(*e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EngineID < out[j].EngineID })
	return out
}

// RecentEvents returns the most recent N link events.
func (rt *ReachabilityTracker) RecentEvents(n int) []LinkEvent {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	if n <= 0 || len(rt.events) == 0 {
		return nil
	}

	start := len(rt.events) - n
	if start < 0 {
		start = 0
	}

	result := make([]LinkEvent, len(rt.events)-start)
	copy(result, rt.events[start:])
	return result
}

// Reset clears all tracking data.
func (rt *ReachabilityTracker) Reset() {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.engines = make(map[string]*EngineReachability)
	rt.events = rt.events[:0]
}
