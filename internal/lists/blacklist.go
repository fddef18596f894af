package lists

import (
	"net/netip"
	"slices"
	"time"

	"github.com/nshruti113/ddos-mitigator/internal/clock"
)

// BlacklistEntry is a deny entry. A zero Expiry means the entry never
// expires on its own.
type BlacklistEntry struct {
	IP      netip.Addr `json:"ip"`
	Reason  string     `json:"reason"`
	Created time.Time  `json:"created"`
	Expiry  time.Time  `json:"expiry,omitzero"`
}

// Permanent reports whether the entry has no expiry.
func (e BlacklistEntry) Permanent() bool {
	return e.Expiry.IsZero()
}

func (e BlacklistEntry) expiredAt(now time.Time) bool {
	return !e.Expiry.IsZero() && !now.Before(e.Expiry)
}

type blackEntry struct {
	BlacklistEntry
	generation uint64
	timer      clock.Timer
}

// AddBlacklist denies ip for duration. Re-adding an address replaces its
// entry and cancels the previous expiry timer. A non-positive duration
// blacklists until RemoveBlacklist is called.
func (m *Manager) AddBlacklist(ip netip.Addr, duration time.Duration, reason string) BlacklistEntry {
	ip = normalize(ip)
	now := m.clock.Now()

	m.blackMu.Lock()
	m.generation++
	gen := m.generation

	if prev, ok := m.black[ip]; ok && prev.timer != nil {
		prev.timer.Stop()
	}

	e := &blackEntry{
		BlacklistEntry: BlacklistEntry{IP: ip, Reason: reason, Created: now},
		generation:     gen,
	}
	if duration > 0 {
		e.Expiry = now.Add(duration)
		if !m.closed {
			e.timer = m.clock.AfterFunc(duration, func() { m.expire(ip, gen) })
		}
	}
	m.black[ip] = e
	entry := e.BlacklistEntry
	m.blackMu.Unlock()

	if m.observer.OnBlacklist != nil {
		m.observer.OnBlacklist(entry)
	}
	return entry
}

// expire removes ip only if the entry is still the one the timer was armed
// for.
func (m *Manager) expire(ip netip.Addr, gen uint64) {
	m.blackMu.Lock()
	e, ok := m.black[ip]
	if !ok || e.generation != gen {
		m.blackMu.Unlock()
		return
	}
	delete(m.black, ip)
	m.blackMu.Unlock()

	if m.observer.OnExpire != nil {
		m.observer.OnExpire(e.BlacklistEntry)
	}
}

// IsBlacklisted reports whether ip is currently denied. An entry found past
// its expiry is removed.
func (m *Manager) IsBlacklisted(ip netip.Addr) bool {
	_, ok := m.Blacklist(ip)
	return ok
}

// Blacklist returns the live entry for ip.
func (m *Manager) Blacklist(ip netip.Addr) (BlacklistEntry, bool) {
	ip = normalize(ip)
	now := m.clock.Now()

	m.blackMu.RLock()
	e, ok := m.black[ip]
	if !ok {
		m.blackMu.RUnlock()
		return BlacklistEntry{}, false
	}
	entry, gen := e.BlacklistEntry, e.generation
	m.blackMu.RUnlock()

	if entry.expiredAt(now) {
		m.expireStale(ip, gen)
		return BlacklistEntry{}, false
	}
	return entry, true
}

func (m *Manager) expireStale(ip netip.Addr, gen uint64) {
	m.blackMu.Lock()
	e, ok := m.black[ip]
	if !ok || e.generation != gen {
		m.blackMu.Unlock()
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(m.black, ip)
	m.blackMu.Unlock()

	if m.observer.OnExpire != nil {
		m.observer.OnExpire(e.BlacklistEntry)
	}
}

// RemoveBlacklist lifts the deny entry for ip and cancels its pending expiry.
func (m *Manager) RemoveBlacklist(ip netip.Addr) bool {
	ip = normalize(ip)

	m.blackMu.Lock()
	e, ok := m.black[ip]
	if !ok {
		m.blackMu.Unlock()
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(m.black, ip)
	m.blackMu.Unlock()

	if m.observer.OnUnblacklist != nil {
		m.observer.OnUnblacklist(e.BlacklistEntry)
	}
	return true
}

// SweepBlacklist removes entries past their expiry whose timers have not run,
// e.g. after Close. It returns the number removed.
func (m *Manager) SweepBlacklist() int {
	now := m.clock.Now()

	m.blackMu.Lock()
	var expired []BlacklistEntry
	for ip, e := range m.black {
		if !e.expiredAt(now) {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(m.black, ip)
		expired = append(expired, e.BlacklistEntry)
	}
	m.blackMu.Unlock()

	if m.observer.OnExpire != nil {
		for _, e := range expired {
			m.observer.OnExpire(e)
		}
	}
	return len(expired)
}

// BlacklistEntries returns the live entries ordered by address.
func (m *Manager) BlacklistEntries() []BlacklistEntry {
	now := m.clock.Now()

	m.blackMu.RLock()
	out := make([]BlacklistEntry, 0, len(m.black))
	for _, e := range m.black {
		if !e.expiredAt(now) {
			out = append(out, e.BlacklistEntry)
		}
	}
	m.blackMu.RUnlock()

	slices.SortFunc(out, func(a, b BlacklistEntry) int {
		return a.IP.Compare(b.IP)
	})
	return out
}
