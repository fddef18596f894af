package lists

import (
	"fmt"
	"net/netip"
	"slices"
	"time"
)

// MaxChallengeRetries is the number of failed challenges after which an IP is
// no longer challenged and should be escalated to the blacklist.
const MaxChallengeRetries = 3

// GraylistStatus is the challenge state of a graylisted IP.
type GraylistStatus uint8

const (
	StatusPending GraylistStatus = iota
	StatusChallenging
	StatusPassed
	StatusFailed
)

var statusNames = [...]string{
	StatusPending:     "pending",
	StatusChallenging: "challenging",
	StatusPassed:      "passed",
	StatusFailed:      "failed",
}

func (s GraylistStatus) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

func (s GraylistStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *GraylistStatus) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = GraylistStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown graylist status %q", text)
}

// GraylistEntry tracks challenge bookkeeping for one IP. ChallengeCount is the
// number of failed verifications and never decreases.
type GraylistEntry struct {
	IP             netip.Addr     `json:"ip"`
	Status         GraylistStatus `json:"status"`
	ChallengeCount int            `json:"challenge_count"`
	LastChallenge  time.Time      `json:"last_challenge,omitzero"`
	Created        time.Time      `json:"created"`
}

func (e GraylistEntry) lastActivity() time.Time {
	if e.LastChallenge.After(e.Created) {
		return e.LastChallenge
	}
	return e.Created
}

// AddGraylist puts ip in the pending state. It reports false if ip was
// already graylisted, in which case the entry is left untouched.
func (m *Manager) AddGraylist(ip netip.Addr) bool {
	ip = normalize(ip)
	now := m.clock.Now()

	m.grayMu.Lock()
	defer m.grayMu.Unlock()

	if _, ok := m.gray[ip]; ok {
		return false
	}
	m.gray[ip] = &GraylistEntry{IP: ip, Status: StatusPending, Created: now}
	return true
}

// MarkChallenged records that a challenge was just sent to ip.
func (m *Manager) MarkChallenged(ip netip.Addr) bool {
	ip = normalize(ip)
	now := m.clock.Now()

	m.grayMu.Lock()
	defer m.grayMu.Unlock()

	e, ok := m.gray[ip]
	if !ok {
		return false
	}
	e.Status = StatusChallenging
	e.LastChallenge = now
	return true
}

// UpdateGraylist applies a verification result. A pass evicts the entry; a
// failure bumps ChallengeCount and marks the entry failed. The returned entry
// reflects the state after the update.
func (m *Manager) UpdateGraylist(ip netip.Addr, passed bool) (GraylistEntry, bool) {
	ip = normalize(ip)
	now := m.clock.Now()

	m.grayMu.Lock()
	defer m.grayMu.Unlock()

	e, ok := m.gray[ip]
	if !ok {
		return GraylistEntry{}, false
	}
	if passed {
		e.Status = StatusPassed
		delete(m.gray, ip)
		return *e, true
	}
	e.ChallengeCount++
	e.Status = StatusFailed
	e.LastChallenge = now
	return *e, true
}

// ShouldChallenge reports whether ip awaits a (new) challenge: it is pending
// or failed with retries left.
func (m *Manager) ShouldChallenge(ip netip.Addr) bool {
	ip = normalize(ip)

	m.grayMu.RLock()
	defer m.grayMu.RUnlock()

	e, ok := m.gray[ip]
	if !ok {
		return false
	}
	return (e.Status == StatusPending || e.Status == StatusFailed) &&
		e.ChallengeCount < MaxChallengeRetries
}

func (m *Manager) RemoveGraylist(ip netip.Addr) bool {
	ip = normalize(ip)

	m.grayMu.Lock()
	defer m.grayMu.Unlock()

	if _, ok := m.gray[ip]; !ok {
		return false
	}
	delete(m.gray, ip)
	return true
}

func (m *Manager) Graylist(ip netip.Addr) (GraylistEntry, bool) {
	ip = normalize(ip)

	m.grayMu.RLock()
	defer m.grayMu.RUnlock()

	if e, ok := m.gray[ip]; ok {
		return *e, true
	}
	return GraylistEntry{}, false
}

// GraylistEntries returns a snapshot ordered by address.
func (m *Manager) GraylistEntries() []GraylistEntry {
	m.grayMu.RLock()
	out := make([]GraylistEntry, 0, len(m.gray))
	for _, e := range m.gray {
		out = append(out, *e)
	}
	m.grayMu.RUnlock()

	slices.SortFunc(out, func(a, b GraylistEntry) int {
		return a.IP.Compare(b.IP)
	})
	return out
}

// SweepGraylist drops entries with no activity in the last maxAge and returns
// how many were removed.
func (m *Manager) SweepGraylist(maxAge time.Duration) int {
	cutoff := m.clock.Now().Add(-maxAge)

	m.grayMu.Lock()
	defer m.grayMu.Unlock()

	removed := 0
	for ip, e := range m.gray {
		if e.lastActivity().Before(cutoff) {
			delete(m.gray, ip)
			removed++
		}
	}
	return removed
}
