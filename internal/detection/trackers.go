package detection

import (
	"time"

	"github.com/nshruti113/ddos-mitigator/internal/ratetrack"
)

// Trackers is the set of rate trackers the classifier counts into.
type Trackers struct {
	Overall   *ratetrack.Tracker
	SYN       *ratetrack.Tracker
	ICMP      *ratetrack.Tracker
	UDP       *ratetrack.Tracker
	DNS       *ratetrack.Tracker
	NTP       *ratetrack.Tracker
	Memcached *ratetrack.Tracker
}

// NewTrackers builds one tracker per rule, all over the same window.
func NewTrackers(window time.Duration, opts ...ratetrack.Option) *Trackers {
	return &Trackers{
		Overall:   ratetrack.New(window, opts...),
		SYN:       ratetrack.New(window, opts...),
		ICMP:      ratetrack.New(window, opts...),
		UDP:       ratetrack.New(window, opts...),
		DNS:       ratetrack.New(window, opts...),
		NTP:       ratetrack.New(window, opts...),
		Memcached: ratetrack.New(window, opts...),
	}
}

func (t *Trackers) all() []*ratetrack.Tracker {
	return []*ratetrack.Tracker{t.Overall, t.SYN, t.ICMP, t.UDP, t.DNS, t.NTP, t.Memcached}
}

// Sweep drops keys idle for longer than maxAge from every tracker.
func (t *Trackers) Sweep(maxAge time.Duration) int {
	n := 0
	for _, tr := range t.all() {
		n += tr.Sweep(maxAge)
	}
	return n
}

// Len returns the number of keys held by the overall tracker, which sees
// every source.
func (t *Trackers) Len() int {
	return t.Overall.Len()
}

// Evictions sums evictions across all trackers.
func (t *Trackers) Evictions() uint64 {
	var n uint64
	for _, tr := range t.all() {
		n += tr.Evictions()
	}
	return n
}
