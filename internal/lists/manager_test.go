package lists

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nshruti113/ddos-mitigator/internal/clock"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, opts ...Option) (*Manager, *clock.VirtualClock) {
	t.Helper()
	vc := clock.NewVirtualClock(epoch)
	m := NewManager(append([]Option{WithClock(vc)}, opts...)...)
	t.Cleanup(m.Close)
	return m, vc
}

func addr(s string) netip.Addr {
	return netip.MustParseAddr(s)
}

func TestWhitelist(t *testing.T) {
	m, _ := newTestManager(t)

	m.AddWhitelist(addr("192.0.2.1"))
	m.AddWhitelistPrefix(netip.MustParsePrefix("10.1.2.3/8"))

	assert.True(t, m.IsWhitelisted(addr("192.0.2.1")))
	assert.True(t, m.IsWhitelisted(addr("::ffff:192.0.2.1")))
	assert.True(t, m.IsWhitelisted(addr("10.200.0.1")))
	assert.False(t, m.IsWhitelisted(addr("192.0.2.2")))

	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/8"),
		netip.MustParsePrefix("192.0.2.1/32"),
	}, m.WhitelistEntries())

	assert.True(t, m.RemoveWhitelist(addr("192.0.2.1")))
	assert.False(t, m.RemoveWhitelist(addr("192.0.2.1")))
	assert.False(t, m.IsWhitelisted(addr("192.0.2.1")))

	assert.True(t, m.RemoveWhitelistPrefix(netip.MustParsePrefix("10.0.0.0/8")))
	assert.False(t, m.IsWhitelisted(addr("10.200.0.1")))
}

func TestBlacklist_ExpiresByTimer(t *testing.T) {
	var expired []BlacklistEntry
	m, vc := newTestManager(t, WithObserver(Observer{
		OnExpire: func(e BlacklistEntry) { expired = append(expired, e) },
	}))
	ip := addr("203.0.113.9")

	entry := m.AddBlacklist(ip, time.Minute, "rate-exceeded")
	assert.Equal(t, epoch.Add(time.Minute), entry.Expiry)
	assert.True(t, m.IsBlacklisted(ip))

	vc.Advance(59 * time.Second)
	assert.True(t, m.IsBlacklisted(ip))

	vc.Advance(time.Second)
	assert.False(t, m.IsBlacklisted(ip))
	require.Len(t, expired, 1)
	assert.Equal(t, "rate-exceeded", expired[0].Reason)
	assert.Equal(t, 0, m.Sizes().Blacklist)
}

func TestBlacklist_ReAddCancelsOldTimer(t *testing.T) {
	m, vc := newTestManager(t)
	ip := addr("203.0.113.9")

	m.AddBlacklist(ip, time.Minute, "first")
	vc.Advance(30 * time.Second)
	m.AddBlacklist(ip, time.Minute, "second")
	assert.Equal(t, 1, vc.Pending(), "previous timer is stopped")

	// The first timer would have fired at +60s.
	vc.Advance(40 * time.Second)
	entry, ok := m.Blacklist(ip)
	require.True(t, ok, "newer entry must survive the old deadline")
	assert.Equal(t, "second", entry.Reason)

	vc.Advance(20 * time.Second)
	assert.False(t, m.IsBlacklisted(ip))
}

func TestBlacklist_StaleTimerIsNoop(t *testing.T) {
	m, _ := newTestManager(t)
	ip := addr("203.0.113.9")

	m.AddBlacklist(ip, time.Minute, "first")
	staleGen := m.black[ip].generation
	m.AddBlacklist(ip, time.Minute, "second")

	// Simulates a timer that fired concurrently with the re-add.
	m.expire(ip, staleGen)
	assert.True(t, m.IsBlacklisted(ip))
}

func TestBlacklist_RemoveCancelsTimer(t *testing.T) {
	var removed int
	m, vc := newTestManager(t, WithObserver(Observer{
		OnUnblacklist: func(BlacklistEntry) { removed++ },
		OnExpire:      func(BlacklistEntry) { t.Fatal("removed entry must not expire") },
	}))
	ip := addr("203.0.113.9")

	m.AddBlacklist(ip, time.Minute, "manual")
	assert.True(t, m.RemoveBlacklist(ip))
	assert.False(t, m.RemoveBlacklist(ip))
	assert.Equal(t, 0, vc.Pending())
	assert.Equal(t, 1, removed)

	vc.Advance(2 * time.Minute)
	assert.False(t, m.IsBlacklisted(ip))
}

func TestBlacklist_LazyExpiryAfterClose(t *testing.T) {
	m, vc := newTestManager(t)
	a, b := addr("203.0.113.1"), addr("203.0.113.2")

	m.AddBlacklist(a, time.Minute, "x")
	m.AddBlacklist(b, time.Minute, "x")
	m.Close()
	assert.Equal(t, 0, vc.Pending())

	vc.Advance(time.Minute)
	assert.Equal(t, 2, m.Sizes().Blacklist, "no timers after close")
	assert.Empty(t, m.BlacklistEntries(), "listing hides expired entries")

	assert.False(t, m.IsBlacklisted(a), "lookup expires lazily")
	assert.Equal(t, 1, m.SweepBlacklist())
	assert.Equal(t, 0, m.Sizes().Blacklist)
}

func TestBlacklist_Permanent(t *testing.T) {
	m, vc := newTestManager(t)
	ip := addr("2001:db8::66")

	entry := m.AddBlacklist(ip, 0, "admin")
	assert.True(t, entry.Permanent())
	assert.Equal(t, 0, vc.Pending())

	vc.Advance(24 * time.Hour)
	assert.True(t, m.IsBlacklisted(ip))
	assert.Equal(t, 0, m.SweepBlacklist())
}

func TestGraylist_Lifecycle(t *testing.T) {
	m, vc := newTestManager(t)
	ip := addr("198.51.100.20")

	assert.False(t, m.ShouldChallenge(ip))
	require.True(t, m.AddGraylist(ip))
	assert.False(t, m.AddGraylist(ip))
	assert.True(t, m.ShouldChallenge(ip), "pending entries are challenged")

	require.True(t, m.MarkChallenged(ip))
	assert.False(t, m.ShouldChallenge(ip), "an outstanding challenge is not repeated")

	for i := 1; i <= MaxChallengeRetries; i++ {
		vc.Advance(time.Second)
		entry, ok := m.UpdateGraylist(ip, false)
		require.True(t, ok)
		assert.Equal(t, i, entry.ChallengeCount)
		assert.Equal(t, StatusFailed, entry.Status)
		assert.Equal(t, vc.Now(), entry.LastChallenge)
	}
	assert.False(t, m.ShouldChallenge(ip), "retry cap reached")

	entry, ok := m.UpdateGraylist(ip, true)
	require.True(t, ok)
	assert.Equal(t, StatusPassed, entry.Status)
	_, ok = m.Graylist(ip)
	assert.False(t, ok, "passed entries are evicted")
}

func TestGraylist_UpdateUnknown(t *testing.T) {
	m, _ := newTestManager(t)
	_, ok := m.UpdateGraylist(addr("198.51.100.20"), true)
	assert.False(t, ok)
	assert.False(t, m.MarkChallenged(addr("198.51.100.20")))
}

func TestGraylist_Sweep(t *testing.T) {
	m, vc := newTestManager(t)
	idle, active := addr("198.51.100.1"), addr("198.51.100.2")

	m.AddGraylist(idle)
	m.AddGraylist(active)
	vc.Advance(8 * time.Minute)
	m.MarkChallenged(active)
	vc.Advance(4 * time.Minute)

	assert.Equal(t, 1, m.SweepGraylist(10*time.Minute))
	entries := m.GraylistEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, active, entries[0].IP)
	assert.Equal(t, StatusChallenging, entries[0].Status)
}

func TestGraylistStatus_Text(t *testing.T) {
	var s GraylistStatus
	require.NoError(t, s.UnmarshalText([]byte("challenging")))
	assert.Equal(t, StatusChallenging, s)
	assert.Error(t, s.UnmarshalText([]byte("bogus")))
}

func TestManager_Concurrent(t *testing.T) {
	m := NewManager()
	defer m.Close()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ip := netip.AddrFrom4([4]byte{192, 0, 2, byte(w)})
			for i := 0; i < 200; i++ {
				m.AddBlacklist(ip, time.Hour, "load")
				m.IsBlacklisted(ip)
				m.AddGraylist(ip)
				m.UpdateGraylist(ip, false)
				m.ShouldChallenge(ip)
				m.RemoveBlacklist(ip)
				m.IsWhitelisted(ip)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 0, m.Sizes().Blacklist)
	assert.Equal(t, 8, m.Sizes().Graylist)
}
