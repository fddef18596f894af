// Package ratetrack counts per-source events over a trailing time window.
//
// State is bounded: keys are spread over shards by hash and each shard holds a
// fixed number of slots linked in least-recently-tracked order. Inserting into
// a full shard evicts its oldest key.
package ratetrack

import (
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/nshruti113/ddos-mitigator/internal/clock"
)

const (
	DefaultCapacity = 65536
	DefaultShards   = 64
)

// Option configures a Tracker.
type Option func(*Tracker)

// WithCapacity bounds the total number of tracked keys.
func WithCapacity(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.capacity = n
		}
	}
}

// WithShards sets the shard count. It is rounded up to a power of two, then
// down to the largest power of two not above the capacity.
func WithShards(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.shardCount = n
		}
	}
}

// WithClock sets the clock used by Sweep.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) {
		if c != nil {
			t.clock = c
		}
	}
}

// Tracker is a sliding-window event counter keyed by IP address. It is safe
// for concurrent use.
type Tracker struct {
	window     time.Duration
	clock      clock.Clock
	capacity   int
	shardCount int

	shards    []*shard
	mask      uint64
	evictions atomic.Uint64
}

// New creates a tracker over the given window.
func New(window time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		window:     window,
		clock:      clock.NewRealClock(),
		capacity:   DefaultCapacity,
		shardCount: DefaultShards,
	}
	for _, opt := range opts {
		opt(t)
	}

	n := 1
	for n < t.shardCount {
		n <<= 1
	}
	for n > t.capacity {
		n >>= 1
	}

	// The remainder goes one slot each to the first shards so the shard
	// capacities sum to exactly t.capacity.
	perShard, extra := t.capacity/n, t.capacity%n
	t.shards = make([]*shard, n)
	for i := range t.shards {
		c := perShard
		if i < extra {
			c++
		}
		t.shards[i] = newShard(c)
	}
	t.mask = uint64(n - 1)
	return t
}

// Window returns the trailing window length.
func (t *Tracker) Window() time.Duration {
	return t.window
}

// Track records one event of size bytes for key at timestamp and returns the
// number of events inside the window ending at that timestamp. Events older
// than timestamp-window are pruned first; an event exactly on the bound is
// kept. A timestamp earlier than the key's last event is treated as equal to
// it.
func (t *Tracker) Track(key netip.Addr, timestamp time.Time, size int) int {
	key = normalize(key)
	s := t.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.index[key]
	if !ok {
		var evicted bool
		idx, evicted = s.insert(key)
		if evicted {
			t.evictions.Add(1)
		}
	}
	e := &s.slots[idx]

	if len(e.events) > 0 && timestamp.Before(e.lastSeen) {
		timestamp = e.lastSeen
	}
	e.prune(timestamp.Add(-t.window))
	e.events = append(e.events, event{at: timestamp, size: int64(size)})
	e.bytes += int64(size)
	e.lastSeen = timestamp
	s.touch(idx)

	return len(e.events)
}

// Rate returns the event count cached by the last Track of key. It never
// mutates state.
func (t *Tracker) Rate(key netip.Addr) int {
	key = normalize(key)
	s := t.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.index[key]; ok {
		return len(s.slots[idx].events)
	}
	return 0
}

// Bytes returns the byte total cached by the last Track of key.
func (t *Tracker) Bytes(key netip.Addr) int64 {
	key = normalize(key)
	s := t.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if idx, ok := s.index[key]; ok {
		return s.slots[idx].bytes
	}
	return 0
}

// Exceeds reports whether the cached count for key is strictly above
// threshold.
func (t *Tracker) Exceeds(key netip.Addr, threshold int) bool {
	return t.Rate(key) > threshold
}

// Sweep removes keys whose last event is older than now-maxAge and returns
// how many were removed. Shards are locked one at a time.
func (t *Tracker) Sweep(maxAge time.Duration) int {
	cutoff := t.clock.Now().Add(-maxAge)
	removed := 0
	for _, s := range t.shards {
		removed += s.sweep(cutoff)
	}
	return removed
}

// Len returns the number of tracked keys.
func (t *Tracker) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.index)
		s.mu.Unlock()
	}
	return n
}

// Evictions returns how many keys were dropped to make room for new ones.
func (t *Tracker) Evictions() uint64 {
	return t.evictions.Load()
}

func (t *Tracker) shardFor(key netip.Addr) *shard {
	b := key.As16()
	return t.shards[xxhash.Sum64(b[:])&t.mask]
}

// normalize folds IPv4-mapped IPv6 addresses onto their IPv4 form and drops
// zones so one host maps to one key.
func normalize(key netip.Addr) netip.Addr {
	return key.Unmap().WithZone("")
}
