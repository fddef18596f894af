package engine

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/nshruti113/ddos-mitigator/internal/clock"
	"github.com/nshruti113/ddos-mitigator/internal/detection"
	"github.com/nshruti113/ddos-mitigator/internal/lists"
	"github.com/nshruti113/ddos-mitigator/internal/models"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var (
	attacker = netip.MustParseAddr("203.0.113.50")
	server   = netip.MustParseAddr("192.0.2.1")
)

func testConfig() detection.MitigationConfig {
	return detection.MitigationConfig{
		PPSPerIP:          1000,
		SYNRate:           10,
		ICMPRate:          20,
		UDPFloodRate:      500,
		DNSRate:           30,
		NTPRate:           30,
		Window:            time.Second,
		BlacklistDuration: 5 * time.Minute,
	}
}

func newTestEngine(t *testing.T, cfg detection.MitigationConfig, opts ...Option) (*Engine, *clock.VirtualClock) {
	t.Helper()
	vc := clock.NewVirtualClock(epoch)
	opts = append([]Option{WithClock(vc), WithLogger(zaptest.NewLogger(t))}, opts...)
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Stop() })
	return e, vc
}

func synPacket(src netip.Addr) models.Packet {
	return models.Packet{
		Protocol: models.ProtocolTCP,
		SrcIP:    src,
		DstIP:    server,
		SrcPort:  40000,
		DstPort:  80,
		Length:   60,
		Flags:    &models.TCPFlags{SYN: true},
	}
}

func ackPacket(src netip.Addr, ack uint32) models.Packet {
	p := synPacket(src)
	p.Flags = &models.TCPFlags{ACK: true}
	p.Ack = ack
	return p
}

func udpPacket(src netip.Addr, srcPort uint16) models.Packet {
	return models.Packet{
		Protocol: models.ProtocolUDP,
		SrcIP:    src,
		DstIP:    server,
		SrcPort:  srcPort,
		DstPort:  33000,
		Length:   512,
	}
}

func evaluate(t *testing.T, e *Engine, p models.Packet) models.Decision {
	t.Helper()
	d, err := e.Evaluate(p)
	require.NoError(t, err)
	return d
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.BlacklistDuration = 0
	_, err := New(cfg)
	assert.ErrorIs(t, err, detection.ErrInvalidConfig)
}

func TestEvaluate_SYNFloodChallenges(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())

	for i := 1; i <= 20; i++ {
		d := evaluate(t, e, synPacket(attacker))
		if i <= 10 {
			assert.Equal(t, models.ActionPass, d.Action, "packet %d", i)
			assert.Equal(t, models.ReasonOK, d.Reason)
			continue
		}
		assert.Equal(t, models.ActionChallenge, d.Action, "packet %d", i)
		assert.Equal(t, models.ReasonSYNFlood, d.Reason)
		assert.Equal(t, models.SignatureSYNFlood, d.Signature)
		assert.NotZero(t, d.Cookie)
	}

	entry, ok := e.Lists().Graylist(attacker)
	require.True(t, ok, "flooding source is graylisted")
	assert.Equal(t, lists.StatusChallenging, entry.Status)
	assert.Equal(t, 0, entry.ChallengeCount)

	stats := e.Stats()
	assert.Equal(t, uint64(20), stats.Evaluated)
	assert.Equal(t, uint64(10), stats.Passed)
	assert.Equal(t, uint64(10), stats.Challenged)
	assert.Equal(t, uint64(10), stats.Signatures[models.SignatureSYNFlood])
	assert.Equal(t, 1, stats.Graylisted)
}

func TestEvaluate_RateExceededBlacklistsUntilExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.PPSPerIP = 50
	e, vc := newTestEngine(t, cfg)
	src := netip.MustParseAddr("198.51.100.14")

	for i := 1; i <= 50; i++ {
		assert.Equal(t, models.ActionPass, evaluate(t, e, udpPacket(src, 5000)).Action, "packet %d", i)
	}

	d := evaluate(t, e, udpPacket(src, 5000))
	assert.Equal(t, models.ActionDrop, d.Action)
	assert.Equal(t, models.ReasonRateExceeded, d.Reason)
	assert.True(t, e.Lists().IsBlacklisted(src))

	vc.Advance(time.Minute)
	d = evaluate(t, e, udpPacket(src, 5000))
	assert.Equal(t, models.ActionDrop, d.Action)
	assert.Equal(t, models.ReasonBlacklisted, d.Reason)

	vc.Advance(cfg.BlacklistDuration)
	assert.False(t, e.Lists().IsBlacklisted(src))
	d = evaluate(t, e, udpPacket(src, 5000))
	assert.Equal(t, models.ActionPass, d.Action, "back to normal after expiry")
	assert.Equal(t, models.ReasonOK, d.Reason)

	assert.Equal(t, uint64(1), e.Stats().AutoBlacklisted)
}

func TestEvaluate_DNSAmplification(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	resolver := netip.MustParseAddr("198.51.100.53")

	for i := 1; i <= 30; i++ {
		assert.Equal(t, models.ActionPass, evaluate(t, e, udpPacket(resolver, models.PortDNS)).Action)
	}
	d := evaluate(t, e, udpPacket(resolver, models.PortDNS))
	assert.Equal(t, models.ActionDrop, d.Action)
	assert.Equal(t, models.ReasonDNSAmplification, d.Reason)
	assert.Equal(t, models.SignatureDNSAmplification, d.Signature)
	assert.False(t, e.Lists().IsBlacklisted(resolver), "amplification drops do not blacklist")
}

func TestEvaluate_WhitelistDominatesBlacklist(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	trusted := netip.MustParseAddr("10.1.1.1")

	e.Lists().AddWhitelistPrefix(netip.MustParsePrefix("10.0.0.0/8"))
	e.Lists().AddBlacklist(trusted, time.Hour, "admin")

	for i := 0; i < 100; i++ {
		d := evaluate(t, e, synPacket(trusted))
		require.Equal(t, models.ActionPass, d.Action)
		require.Equal(t, models.ReasonWhitelisted, d.Reason)
	}
}

func TestEvaluate_BlacklistedAlwaysDrops(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	e.Lists().AddBlacklist(attacker, time.Hour, "admin")

	for _, p := range []models.Packet{synPacket(attacker), udpPacket(attacker, 1), ackPacket(attacker, 1)} {
		d := evaluate(t, e, p)
		assert.Equal(t, models.ActionDrop, d.Action)
		assert.Equal(t, models.ReasonBlacklisted, d.Reason)
	}
}

func TestEvaluate_BenignIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	p := udpPacket(netip.MustParseAddr("192.0.2.200"), 5353)

	assert.Equal(t, models.Decision{Action: models.ActionPass, Reason: models.ReasonOK}, evaluate(t, e, p))
	assert.Equal(t, models.Decision{Action: models.ActionPass, Reason: models.ReasonOK}, evaluate(t, e, p))
}

func TestEvaluate_Malformed(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())

	p := synPacket(attacker)
	p.Flags = nil
	d, err := e.Evaluate(p)
	require.ErrorIs(t, err, models.ErrMalformedPacket)
	assert.Equal(t, models.Decision{}, d)

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.Malformed)
	assert.Equal(t, uint64(0), stats.Evaluated)
	assert.Equal(t, 0, stats.TrackedKeys, "malformed packets are not tracked")
}

func TestEvaluate_StampsMissingTimestamp(t *testing.T) {
	e, vc := newTestEngine(t, testConfig())

	// Ten SYNs fill the window at the virtual now. After a window has passed
	// the next SYN starts a fresh count.
	for i := 0; i < 10; i++ {
		evaluate(t, e, synPacket(attacker))
	}
	vc.Advance(2 * time.Second)
	assert.Equal(t, models.ActionPass, evaluate(t, e, synPacket(attacker)).Action)
}

// floodUntilChallenged drives attacker into the challenging state and returns
// the cookie from the last challenge.
func floodUntilChallenged(t *testing.T, e *Engine) uint32 {
	t.Helper()
	var d models.Decision
	for i := 0; i < 11; i++ {
		d = evaluate(t, e, synPacket(attacker))
	}
	require.Equal(t, models.ActionChallenge, d.Action)
	return d.Cookie
}

func TestEvaluate_ChallengePassed(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	isn := floodUntilChallenged(t, e)

	d := evaluate(t, e, ackPacket(attacker, isn+1))
	assert.Equal(t, models.ActionPass, d.Action)
	assert.Equal(t, models.ReasonChallengePassed, d.Reason)

	_, ok := e.Lists().Graylist(attacker)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), e.Stats().ChallengesPassed)
}

// wrongAnswer acknowledges a cookie with a valid bucket tag but a bad MAC.
func wrongAnswer(isn uint32) models.Packet {
	return ackPacket(attacker, isn^1+1)
}

func TestEvaluate_ChallengeFailuresEscalate(t *testing.T) {
	e, vc := newTestEngine(t, testConfig())
	isn := floodUntilChallenged(t, e)

	for attempt := 1; attempt < lists.MaxChallengeRetries; attempt++ {
		d := evaluate(t, e, wrongAnswer(isn))
		require.Equal(t, models.ActionDrop, d.Action)
		require.Equal(t, models.ReasonChallengeFailed, d.Reason)

		entry, ok := e.Lists().Graylist(attacker)
		require.True(t, ok)
		assert.Equal(t, attempt, entry.ChallengeCount)

		// Once the flood subsides, a failed source is challenged again on
		// its next connection attempt.
		vc.Advance(2 * time.Second)
		d = evaluate(t, e, synPacket(attacker))
		require.Equal(t, models.ActionChallenge, d.Action)
		require.Equal(t, models.ReasonGraylisted, d.Reason)
		isn = d.Cookie
	}

	d := evaluate(t, e, wrongAnswer(isn))
	assert.Equal(t, models.ActionDrop, d.Action)
	assert.Equal(t, models.ReasonChallengeExhausted, d.Reason)

	assert.True(t, e.Lists().IsBlacklisted(attacker))
	_, ok := e.Lists().Graylist(attacker)
	assert.False(t, ok)

	stats := e.Stats()
	assert.Equal(t, uint64(lists.MaxChallengeRetries), stats.ChallengesFailed)
	assert.Equal(t, uint64(1), stats.Escalations)
}

func TestEvaluate_AckFromUnchallengedSourcePasses(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	d := evaluate(t, e, ackPacket(netip.MustParseAddr("192.0.2.77"), 12345))
	assert.Equal(t, models.ActionPass, d.Action)
	assert.Equal(t, models.ReasonOK, d.Reason)
}

func TestEvaluate_EstablishedTrafficIsNotAnAnswer(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	isn := floodUntilChallenged(t, e)

	// Data and FIN segments on an unrelated, established connection.
	data := ackPacket(attacker, isn^0x80<<24)
	data.SrcPort, data.DstPort, data.Length = 51000, 443, 1500
	fin := ackPacket(attacker, isn+1)
	fin.Flags.FIN = true

	for i := 0; i < 2*lists.MaxChallengeRetries; i++ {
		for _, p := range []models.Packet{data, fin} {
			d := evaluate(t, e, p)
			require.Equal(t, models.ActionPass, d.Action, "packet %d", i)
			require.Equal(t, models.ReasonOK, d.Reason)
		}
	}

	entry, ok := e.Lists().Graylist(attacker)
	require.True(t, ok)
	assert.Equal(t, lists.StatusChallenging, entry.Status)
	assert.Equal(t, 0, entry.ChallengeCount)
	assert.False(t, e.Lists().IsBlacklisted(attacker))
	assert.Equal(t, uint64(0), e.Stats().ChallengesFailed)

	// The real answer still verifies.
	d := evaluate(t, e, ackPacket(attacker, isn+1))
	assert.Equal(t, models.ReasonChallengePassed, d.Reason)
}

func TestVerifyChallenge_SourceLeftGraylist(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	isn := floodUntilChallenged(t, e)
	cfg := e.Config()

	// A concurrent evaluation resolved the entry between the lookup and the
	// verification.
	require.True(t, e.Lists().RemoveGraylist(attacker))

	for _, p := range []models.Packet{ackPacket(attacker, isn+1), wrongAnswer(isn)} {
		_, ok := e.verifyChallenge(p, &cfg)
		assert.False(t, ok)
	}

	stats := e.Stats()
	assert.Equal(t, uint64(0), stats.ChallengesPassed)
	assert.Equal(t, uint64(0), stats.ChallengesFailed)
	assert.False(t, e.Lists().IsBlacklisted(attacker))

	d := evaluate(t, e, wrongAnswer(isn))
	assert.Equal(t, models.ActionPass, d.Action)
	assert.Equal(t, models.ReasonOK, d.Reason)
}

func TestEvaluate_PendingChallengeOnlyForSYN(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	src := netip.MustParseAddr("198.51.100.77")
	require.True(t, e.Lists().AddGraylist(src))

	icmp := models.Packet{Protocol: models.ProtocolICMP, SrcIP: src, DstIP: server, Length: 84}
	for _, p := range []models.Packet{udpPacket(src, 5000), icmp, ackPacket(src, 7)} {
		d := evaluate(t, e, p)
		assert.Equal(t, models.ActionPass, d.Action, p.Protocol.String())
		assert.Zero(t, d.Cookie)
	}

	d := evaluate(t, e, synPacket(src))
	assert.Equal(t, models.ActionChallenge, d.Action)
	assert.Equal(t, models.ReasonGraylisted, d.Reason)
	assert.NotZero(t, d.Cookie)
}

func TestEvaluate_ChallengeAfterRotateFails(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	isn := floodUntilChallenged(t, e)

	require.NoError(t, e.Issuer().Rotate())
	d := evaluate(t, e, ackPacket(attacker, isn+1))
	assert.Equal(t, models.ReasonChallengeFailed, d.Reason)
}

func TestUpdateConfig(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())

	bad := testConfig()
	bad.DNSRate = -1
	require.ErrorIs(t, e.UpdateConfig(bad), detection.ErrInvalidConfig)
	assert.Equal(t, testConfig(), e.Config(), "rejected config leaves the old one in place")

	cfg := testConfig()
	cfg.SYNRate = 2
	require.NoError(t, e.UpdateConfig(cfg))
	assert.Equal(t, 2, e.Config().SYNRate)

	evaluate(t, e, synPacket(attacker))
	evaluate(t, e, synPacket(attacker))
	assert.Equal(t, models.ActionChallenge, evaluate(t, e, synPacket(attacker)).Action)
}

func TestUpdateConfig_WindowChangeResetsTrackers(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())
	evaluate(t, e, synPacket(attacker))
	require.Equal(t, 1, e.Stats().TrackedKeys)

	cfg := testConfig()
	cfg.Window = 10 * time.Second
	require.NoError(t, e.UpdateConfig(cfg))
	assert.Equal(t, 0, e.Stats().TrackedKeys)
}

func TestSweep(t *testing.T) {
	e, vc := newTestEngine(t, testConfig())

	evaluate(t, e, udpPacket(netip.MustParseAddr("192.0.2.5"), 5000))
	e.Lists().AddGraylist(netip.MustParseAddr("192.0.2.6"))

	vc.Advance(DefaultGraylistMaxAge + time.Minute)
	res := e.Sweep()
	assert.Equal(t, 2, res.TrackerKeys, "overall and udp trackers")
	assert.Equal(t, 1, res.Graylist)
	assert.Equal(t, 0, e.Stats().TrackedKeys)
	assert.Equal(t, 0, e.Stats().Graylisted)
}

func TestTrackerStaleness(t *testing.T) {
	assert.Equal(t, time.Minute, trackerStaleness(time.Second))
	assert.Equal(t, 4*time.Minute, trackerStaleness(2*time.Minute))
}

func TestEvaluate_Concurrent(t *testing.T) {
	e, _ := newTestEngine(t, testConfig())

	const workers, perWorker = 8, 250
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			src := netip.AddrFrom4([4]byte{198, 51, 100, byte(w)})
			for i := 0; i < perWorker; i++ {
				_, err := e.Evaluate(udpPacket(src, 5000))
				assert.NoError(t, err)
				_, err = e.Evaluate(synPacket(attacker))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	stats := e.Stats()
	assert.Equal(t, uint64(2*workers*perWorker), stats.Evaluated)
	assert.Equal(t, stats.Evaluated, stats.Passed+stats.Dropped+stats.Challenged)
	assert.GreaterOrEqual(t, stats.Passed, uint64(workers*perWorker), "benign sources always pass")
	assert.LessOrEqual(t, stats.Passed, uint64(workers*perWorker+10), "at most syn-rate SYNs pass")
	assert.True(t, e.Lists().IsBlacklisted(attacker), "flooding source ends up blacklisted")
}

func TestStart_DeliversEvents(t *testing.T) {
	events := make(chan models.Event, 16)
	sink := SinkFunc(func(_ context.Context, ev models.Event) error {
		events <- ev
		return nil
	})
	e, err := New(testConfig(), WithLogger(zaptest.NewLogger(t)), WithSinks(sink))
	require.NoError(t, err)

	require.NoError(t, e.Start(context.Background()))
	require.ErrorIs(t, e.Start(context.Background()), ErrAlreadyStarted)

	e.Lists().AddBlacklist(attacker, time.Hour, "admin")
	e.Lists().RemoveBlacklist(attacker)

	select {
	case ev := <-events:
		assert.Equal(t, models.EventBlacklisted, ev.Kind)
		assert.Equal(t, attacker, ev.IP)
		assert.Equal(t, "admin", ev.Reason)
		require.NotNil(t, ev.Until)
		assert.NotEmpty(t, ev.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no blacklist event delivered")
	}

	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop())
	assert.ErrorIs(t, e.Start(context.Background()), ErrStopped)

	select {
	case ev := <-events:
		assert.Equal(t, models.EventUnblacklisted, ev.Kind)
		assert.Equal(t, "removed", ev.Reason)
	default:
		t.Fatal("queued event not flushed on stop")
	}
}
