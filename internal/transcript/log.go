package transcript

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCapacity is the number of entries kept per engine.
const DefaultCapacity = 1000

// DefaultSubscriberBuffer is the channel size used by Subscribe when none is given.
const DefaultSubscriberBuffer = 256

// Log is a set of per-engine rings sharing one sequence counter. Appending
// never blocks on readers or subscribers.
type Log struct {
	capacity int
	seq      atomic.Uint64

	mu    sync.RWMutex
	rings map[string]*ring

	subMu  sync.RWMutex
	subs   map[*Subscription]struct{}
	nowFn  func() time.Time
	closed bool
}

// New creates a log that keeps capacity entries per engine. A capacity below
// one uses DefaultCapacity.
func New(capacity int) *Log {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Log{
		capacity: capacity,
		rings:    make(map[string]*ring),
		subs:     make(map[*Subscription]struct{}),
		nowFn:    time.Now,
	}
}

// Capacity returns the per-engine bound.
func (l *Log) Capacity() int {
	return l.capacity
}

func (l *Log) ringFor(engineID string) *ring {
	l.mu.RLock()
	r, ok := l.rings[engineID]
	l.mu.RUnlock()
	if ok {
		return r
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok = l.rings[engineID]; !ok {
		r = newRing(l.capacity)
		l.rings[engineID] = r
	}
	return r
}

// Append appends e to its engine's ring, assigning Seq and, when unset,
// Timestamp. The stored entry is returned.
func (l *Log) Append(e Entry) Entry {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.nowFn()
	}
	r := l.ringFor(e.EngineID)

	r.mu.Lock()
	e.Seq = l.seq.Add(1)
	r.push(e)
	// Publishing under the ring lock keeps per-engine order on every channel.
	l.publish(e)
	r.mu.Unlock()
	return e
}

// Entries returns every retained entry for engineID, oldest first.
func (l *Log) Entries(engineID string) []Entry {
	return l.Recent(engineID, 0)
}

// Recent returns up to limit of the newest entries for engineID, oldest
// first. An empty engineID merges every engine. limit <= 0 returns all.
func (l *Log) Recent(engineID string, limit int) []Entry {
	if engineID != "" {
		l.mu.RLock()
		r, ok := l.rings[engineID]
		l.mu.RUnlock()
		if !ok {
			return []Entry{}
		}
		return r.last(limit)
	}

	var all []Entry
	for _, r := range l.snapshotRings() {
		all = append(all, r.last(limit)...)
	}
	sortBySeq(all)
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	if all == nil {
		all = []Entry{}
	}
	return all
}

// Since returns entries with Seq greater than seq, oldest first, capped at
// limit. An empty engineID merges every engine. It is the replay half of a
// resumable stream.
func (l *Log) Since(seq uint64, engineID string, limit int) []Entry {
	var all []Entry
	if engineID != "" {
		l.mu.RLock()
		r, ok := l.rings[engineID]
		l.mu.RUnlock()
		if ok {
			all = r.after(seq)
		}
	} else {
		for _, r := range l.snapshotRings() {
			all = append(all, r.after(seq)...)
		}
		sortBySeq(all)
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	if all == nil {
		all = []Entry{}
	}
	return all
}

// Len returns the number of entries held for engineID.
func (l *Log) Len(engineID string) int {
	l.mu.RLock()
	r, ok := l.rings[engineID]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	return r.len()
}

// Dropped returns how many entries of engineID were overwritten because its
// ring was full.
func (l *Log) Dropped(engineID string) uint64 {
	l.mu.RLock()
	r, ok := l.rings[engineID]
	l.mu.RUnlock()
	if !ok {
		return 0
	}
	return r.evictedCount()
}

// Engines returns the engine ids that have entries, sorted.
func (l *Log) Engines() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]string, 0, len(l.rings))
	for id := range l.rings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LastSeq returns the most recently assigned sequence number.
func (l *Log) LastSeq() uint64 {
	return l.seq.Load()
}

func (l *Log) snapshotRings() []*ring {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*ring, 0, len(l.rings))
	for _, r := range l.rings {
		out = append(out, r)
	}
	return out
}

func sortBySeq(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
}

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("transcript: log closed")

// Subscription receives entries recorded after it was created. A subscriber
// that falls behind loses entries rather than stalling writers; Dropped
// reports how many.
type Subscription struct {
	C <-chan Entry

	ch       chan Entry
	engineID string
	dropped  atomic.Uint64
	log      *Log
	once     sync.Once
}

// Subscribe registers a live subscriber. engineID filters to one engine when
// non-empty. buffer <= 0 uses DefaultSubscriberBuffer.
func (l *Log) Subscribe(engineID string, buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Entry, buffer)
	s := &Subscription{C: ch, ch: ch, engineID: engineID, log: l}

	l.subMu.Lock()
	defer l.subMu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	l.subs[s] = struct{}{}
	return s, nil
}

// Dropped returns the number of entries not delivered because the channel
// was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.log.subMu.Lock()
		_, ok := s.log.subs[s]
		delete(s.log.subs, s)
		s.log.subMu.Unlock()
		if ok {
			close(s.ch)
		}
	})
}

func (l *Log) publish(e Entry) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	for s := range l.subs {
		if s.engineID != "" && s.engineID != e.EngineID {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Close ends every subscription. Appending keeps working.
func (l *Log) Close() {
	l.subMu.Lock()
	l.closed = true
	subs := l.subs
	l.subs = make(map[*Subscription]struct{})
	l.subMu.Unlock()
	for s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
}
