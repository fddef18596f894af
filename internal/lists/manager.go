// Package lists keeps the whitelist, blacklist and graylist consulted by the
// mitigation engine.
package lists

import (
	"net/netip"
	"slices"
	"sync"

	"github.com/nshruti113/ddos-mitigator/internal/clock"
)

// Observer receives blacklist transitions. Callbacks run outside the
// manager's locks and may be nil.
type Observer struct {
	OnBlacklist   func(BlacklistEntry)
	OnExpire      func(BlacklistEntry)
	OnUnblacklist func(BlacklistEntry)
}

// Option configures a Manager.
type Option func(*Manager)

func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// Sizes is the current number of entries on each list.
type Sizes struct {
	Whitelist int `json:"whitelist"`
	Blacklist int `json:"blacklist"`
	Graylist  int `json:"graylist"`
}

// Manager owns the three lists. Each list has its own lock so whitelist
// lookups never wait on blacklist or graylist writers.
type Manager struct {
	clock    clock.Clock
	observer Observer

	whiteMu       sync.RWMutex
	whiteIPs      map[netip.Addr]struct{}
	whitePrefixes []netip.Prefix

	blackMu    sync.RWMutex
	black      map[netip.Addr]*blackEntry
	generation uint64
	closed     bool

	grayMu sync.RWMutex
	gray   map[netip.Addr]*GraylistEntry
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		clock:    clock.NewRealClock(),
		whiteIPs: make(map[netip.Addr]struct{}),
		black:    make(map[netip.Addr]*blackEntry),
		gray:     make(map[netip.Addr]*GraylistEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AddWhitelist permanently exempts ip from every other check.
func (m *Manager) AddWhitelist(ip netip.Addr) {
	m.whiteMu.Lock()
	defer m.whiteMu.Unlock()
	m.whiteIPs[normalize(ip)] = struct{}{}
}

// AddWhitelistPrefix exempts every address in prefix.
func (m *Manager) AddWhitelistPrefix(prefix netip.Prefix) {
	prefix = prefix.Masked()
	if prefix.IsSingleIP() {
		m.AddWhitelist(prefix.Addr())
		return
	}

	m.whiteMu.Lock()
	defer m.whiteMu.Unlock()
	if !slices.Contains(m.whitePrefixes, prefix) {
		m.whitePrefixes = append(m.whitePrefixes, prefix)
	}
}

// RemoveWhitelist removes an exact address entry. Prefix entries covering ip
// are left in place.
func (m *Manager) RemoveWhitelist(ip netip.Addr) bool {
	m.whiteMu.Lock()
	defer m.whiteMu.Unlock()

	ip = normalize(ip)
	if _, ok := m.whiteIPs[ip]; !ok {
		return false
	}
	delete(m.whiteIPs, ip)
	return true
}

// RemoveWhitelistPrefix removes a prefix entry.
func (m *Manager) RemoveWhitelistPrefix(prefix netip.Prefix) bool {
	prefix = prefix.Masked()
	if prefix.IsSingleIP() {
		return m.RemoveWhitelist(prefix.Addr())
	}

	m.whiteMu.Lock()
	defer m.whiteMu.Unlock()

	i := slices.Index(m.whitePrefixes, prefix)
	if i < 0 {
		return false
	}
	m.whitePrefixes = slices.Delete(m.whitePrefixes, i, i+1)
	return true
}

func (m *Manager) IsWhitelisted(ip netip.Addr) bool {
	ip = normalize(ip)

	m.whiteMu.RLock()
	defer m.whiteMu.RUnlock()

	if _, ok := m.whiteIPs[ip]; ok {
		return true
	}
	for _, p := range m.whitePrefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// WhitelistEntries returns every whitelist entry as a prefix. Single
// addresses are returned as full-length prefixes.
func (m *Manager) WhitelistEntries() []netip.Prefix {
	m.whiteMu.RLock()
	out := make([]netip.Prefix, 0, len(m.whiteIPs)+len(m.whitePrefixes))
	for ip := range m.whiteIPs {
		out = append(out, netip.PrefixFrom(ip, ip.BitLen()))
	}
	out = append(out, m.whitePrefixes...)
	m.whiteMu.RUnlock()

	slices.SortFunc(out, func(a, b netip.Prefix) int {
		if c := a.Addr().Compare(b.Addr()); c != 0 {
			return c
		}
		return a.Bits() - b.Bits()
	})
	return out
}

func (m *Manager) Sizes() Sizes {
	var s Sizes

	m.whiteMu.RLock()
	s.Whitelist = len(m.whiteIPs) + len(m.whitePrefixes)
	m.whiteMu.RUnlock()

	m.blackMu.RLock()
	s.Blacklist = len(m.black)
	m.blackMu.RUnlock()

	m.grayMu.RLock()
	s.Graylist = len(m.gray)
	m.grayMu.RUnlock()

	return s
}

// Close stops every pending blacklist expiry timer. Entries stay in place and
// still expire lazily on lookup.
func (m *Manager) Close() {
	m.blackMu.Lock()
	defer m.blackMu.Unlock()

	m.closed = true
	for _, e := range m.black {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
}

func normalize(ip netip.Addr) netip.Addr {
	return ip.Unmap().WithZone("")
}
