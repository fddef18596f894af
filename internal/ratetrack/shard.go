package ratetrack

import (
	"net/netip"
	"sync"
	"time"
)

const nilSlot int32 = -1

type event struct {
	at   time.Time
	size int64
}

// entry is one key's window. events are ordered by time.
type entry struct {
	key      netip.Addr
	events   []event
	bytes    int64
	lastSeen time.Time

	prev, next int32
}

// prune drops events strictly before cutoff.
func (e *entry) prune(cutoff time.Time) {
	i := 0
	for i < len(e.events) && e.events[i].at.Before(cutoff) {
		e.bytes -= e.events[i].size
		i++
	}
	if i == 0 {
		return
	}
	n := copy(e.events, e.events[i:])
	clear(e.events[n:])
	e.events = e.events[:n]
}

// shard is a fixed-capacity slot arena with an intrusive LRU list. head is
// the most recently tracked slot, tail the least.
type shard struct {
	mu       sync.Mutex
	index    map[netip.Addr]int32
	slots    []entry
	free     []int32
	capacity int
	head     int32
	tail     int32
}

func newShard(capacity int) *shard {
	return &shard{
		index:    make(map[netip.Addr]int32),
		capacity: capacity,
		head:     nilSlot,
		tail:     nilSlot,
	}
}

// insert allocates a slot for key, evicting the tail when the shard is full.
// The caller holds mu.
func (s *shard) insert(key netip.Addr) (idx int32, evicted bool) {
	switch {
	case len(s.free) > 0:
		idx = s.free[len(s.free)-1]
		s.free = s.free[:len(s.free)-1]
	case len(s.slots) < s.capacity:
		s.slots = append(s.slots, entry{})
		idx = int32(len(s.slots) - 1)
	default:
		idx = s.tail
		s.unlink(idx)
		delete(s.index, s.slots[idx].key)
		evicted = true
	}

	events := s.slots[idx].events[:0]
	s.slots[idx] = entry{key: key, events: events, prev: nilSlot, next: nilSlot}
	s.index[key] = idx
	s.pushFront(idx)
	return idx, evicted
}

// touch moves idx to the head of the LRU list.
func (s *shard) touch(idx int32) {
	if s.head == idx {
		return
	}
	s.unlink(idx)
	s.pushFront(idx)
}

func (s *shard) pushFront(idx int32) {
	e := &s.slots[idx]
	e.prev = nilSlot
	e.next = s.head
	if s.head != nilSlot {
		s.slots[s.head].prev = idx
	}
	s.head = idx
	if s.tail == nilSlot {
		s.tail = idx
	}
}

func (s *shard) unlink(idx int32) {
	e := &s.slots[idx]
	if e.prev != nilSlot {
		s.slots[e.prev].next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nilSlot {
		s.slots[e.next].prev = e.prev
	} else {
		s.tail = e.prev
	}
	e.prev, e.next = nilSlot, nilSlot
}

func (s *shard) remove(idx int32) {
	s.unlink(idx)
	delete(s.index, s.slots[idx].key)
	clear(s.slots[idx].events)
	s.slots[idx].events = s.slots[idx].events[:0]
	s.slots[idx].key = netip.Addr{}
	s.free = append(s.free, idx)
}

func (s *shard) sweep(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for idx := s.tail; idx != nilSlot; {
		prev := s.slots[idx].prev
		if s.slots[idx].lastSeen.Before(cutoff) {
			s.remove(idx)
			removed++
		}
		idx = prev
	}
	return removed
}
