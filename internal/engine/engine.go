// Package engine turns packet descriptors into PASS, DROP or CHALLENGE
// decisions.
//
// For each packet the pipeline runs, first applicable step wins:
//
//	whitelist -> blacklist -> signature (rate/flood/amplification) ->
//	challenge response -> pending challenge -> pass
//
// List mutations and counters happen once, at the step that decides.
package engine

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nshruti113/ddos-mitigator/internal/clock"
	"github.com/nshruti113/ddos-mitigator/internal/cookie"
	"github.com/nshruti113/ddos-mitigator/internal/detection"
	"github.com/nshruti113/ddos-mitigator/internal/lists"
	"github.com/nshruti113/ddos-mitigator/internal/models"
	"github.com/nshruti113/ddos-mitigator/internal/ratetrack"
)

// Options are the engine's housekeeping knobs. Zero values take defaults.
type Options struct {
	SweepInterval   time.Duration
	GraylistMaxAge  time.Duration
	TrackerCapacity int
	Shards          int
	EventBuffer     int
}

const (
	DefaultSweepInterval  = 30 * time.Second
	DefaultGraylistMaxAge = 10 * time.Minute
	DefaultEventBuffer    = 1024

	minTrackerStaleness = time.Minute
)

func (o Options) withDefaults() Options {
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.GraylistMaxAge <= 0 {
		o.GraylistMaxAge = DefaultGraylistMaxAge
	}
	if o.TrackerCapacity <= 0 {
		o.TrackerCapacity = ratetrack.DefaultCapacity
	}
	if o.Shards <= 0 {
		o.Shards = ratetrack.DefaultShards
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	return o
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithOptions(o Options) Option {
	return func(e *Engine) {
		e.opts = o
	}
}

// WithSinks registers event sinks.
func WithSinks(sinks ...Sink) Option {
	return func(e *Engine) {
		e.sinks = append(e.sinks, sinks...)
	}
}

// Engine is the mitigation decision pipeline. Evaluate is safe for concurrent
// use.
type Engine struct {
	clock  clock.Clock
	logger *zap.Logger
	opts   Options
	sinks  []Sink

	cfg        atomic.Pointer[detection.MitigationConfig]
	trackers   atomic.Pointer[detection.Trackers]
	classifier *detection.Classifier
	lists      *lists.Manager
	issuer     *cookie.Issuer
	notifier   *Notifier
	stats      Stats

	updateMu sync.Mutex
	runMu    sync.Mutex
	cancel   func()
	done     chan struct{}
	stopped  bool
}

// New validates cfg and builds an engine. Background work starts with Start.
func New(cfg detection.MitigationConfig, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		clock:      clock.NewRealClock(),
		logger:     zap.NewNop(),
		classifier: detection.NewClassifier(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.opts = e.opts.withDefaults()
	e.logger = e.logger.With(zap.String("component", "engine"))

	issuer, err := cookie.NewIssuer(cookie.WithClock(e.clock))
	if err != nil {
		return nil, fmt.Errorf("create cookie issuer: %w", err)
	}
	e.issuer = issuer
	e.notifier = NewNotifier(e.opts.EventBuffer, e.logger, e.sinks...)
	e.lists = lists.NewManager(
		lists.WithClock(e.clock),
		lists.WithObserver(lists.Observer{
			OnBlacklist:   e.onBlacklist,
			OnExpire:      e.onUnblacklist("expired"),
			OnUnblacklist: e.onUnblacklist("removed"),
		}),
	)

	e.cfg.Store(&cfg)
	e.trackers.Store(e.newTrackers(cfg.Window))
	return e, nil
}

func (e *Engine) newTrackers(window time.Duration) *detection.Trackers {
	return detection.NewTrackers(window,
		ratetrack.WithCapacity(e.opts.TrackerCapacity),
		ratetrack.WithShards(e.opts.Shards),
		ratetrack.WithClock(e.clock))
}

// UpdateConfig atomically replaces the thresholds. Evaluations in flight
// finish with the snapshot they started with. Changing the window resets rate
// history.
func (e *Engine) UpdateConfig(cfg detection.MitigationConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.updateMu.Lock()
	defer e.updateMu.Unlock()

	old := e.cfg.Load()
	if cfg.Window != old.Window {
		e.trackers.Store(e.newTrackers(cfg.Window))
	}
	e.cfg.Store(&cfg)

	e.logger.Info("mitigation config updated",
		zap.Int("pps_per_ip", cfg.PPSPerIP),
		zap.Int("syn_rate", cfg.SYNRate),
		zap.Duration("window", cfg.Window),
		zap.Duration("blacklist_duration", cfg.BlacklistDuration))
	return nil
}

// Config returns the current thresholds.
func (e *Engine) Config() detection.MitigationConfig {
	return *e.cfg.Load()
}

func (e *Engine) Lists() *lists.Manager {
	return e.lists
}

func (e *Engine) Issuer() *cookie.Issuer {
	return e.issuer
}

// Stats returns a snapshot of the counters. It does not touch decision state.
func (e *Engine) Stats() StatsSnapshot {
	snap := e.stats.snapshot()
	sizes := e.lists.Sizes()
	snap.Whitelisted = sizes.Whitelist
	snap.Blacklisted = sizes.Blacklist
	snap.Graylisted = sizes.Graylist

	tr := e.trackers.Load()
	snap.TrackedKeys = tr.Len()
	snap.TrackerEvictions = tr.Evictions()
	snap.EventsDropped = e.notifier.Dropped()
	return snap
}

// Evaluate decides what to do with p. A malformed packet yields an error
// wrapping models.ErrMalformedPacket and only bumps the malformed counter.
func (e *Engine) Evaluate(p models.Packet) (models.Decision, error) {
	if err := p.Validate(); err != nil {
		e.stats.malformed.Add(1)
		return models.Decision{}, err
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = e.clock.Now()
	}

	d := e.decide(p, e.cfg.Load())
	e.stats.record(d)

	if ce := e.logger.Check(zap.DebugLevel, "packet evaluated"); ce != nil {
		ce.Write(
			zap.Stringer("flow", p.Flow()),
			zap.Stringer("action", d.Action),
			zap.String("reason", string(d.Reason)))
	}
	return d, nil
}

func (e *Engine) decide(p models.Packet, cfg *detection.MitigationConfig) models.Decision {
	ip := p.SrcIP

	if e.lists.IsWhitelisted(ip) {
		return models.Decision{Action: models.ActionPass, Reason: models.ReasonWhitelisted}
	}
	if e.lists.IsBlacklisted(ip) {
		return models.Decision{Action: models.ActionDrop, Reason: models.ReasonBlacklisted}
	}

	if m, ok := e.classifier.Match(p, e.trackers.Load(), *cfg); ok {
		return e.mitigate(p, m, cfg)
	}

	if e.isChallengeAnswer(p) {
		if d, ok := e.verifyChallenge(p, cfg); ok {
			return d
		}
	}

	// Only a connection attempt can be answered with a cookie.
	if p.IsSYN() && e.lists.ShouldChallenge(ip) {
		return e.challenge(p, models.ReasonGraylisted, models.SignatureNone)
	}

	return models.Decision{Action: models.ActionPass, Reason: models.ReasonOK}
}

func (e *Engine) mitigate(p models.Packet, m detection.Match, cfg *detection.MitigationConfig) models.Decision {
	reason := models.ReasonFor(m.Signature)

	switch m.Signature {
	case models.SignatureRateExceeded:
		e.lists.AddBlacklist(p.SrcIP, cfg.BlacklistDuration, string(reason))
		e.stats.autoBlacklisted.Add(1)
		e.logger.Warn("source auto-blacklisted",
			zap.Stringer("ip", p.SrcIP),
			zap.Int("rate", m.Rate),
			zap.Int("threshold", m.Threshold),
			zap.String("severity", m.Severity()),
			zap.Duration("duration", cfg.BlacklistDuration))

	case models.SignatureSYNFlood:
		if e.lists.AddGraylist(p.SrcIP) {
			ev := e.newEvent(models.EventGraylisted, p.SrcIP, string(reason))
			ev.Signature = m.Signature
			e.notifier.Publish(ev)
			e.logger.Info("source graylisted",
				zap.Stringer("ip", p.SrcIP),
				zap.Int("rate", m.Rate),
				zap.String("severity", m.Severity()))
		}
		return e.challenge(p, reason, m.Signature)
	}

	return models.Decision{Action: models.ActionDrop, Reason: reason, Signature: m.Signature}
}

func (e *Engine) challenge(p models.Packet, reason models.Reason, sig models.Signature) models.Decision {
	c := e.issuer.Issue(p.Flow())
	e.lists.MarkChallenged(p.SrcIP)
	return models.Decision{
		Action:    models.ActionChallenge,
		Reason:    reason,
		Signature: sig,
		Cookie:    cookie.SequenceNumber(c),
	}
}

// isChallengeAnswer reports whether p looks like the handshake-completing ACK
// of a challenged source: a bare ACK whose acknowledged cookie carries a live
// bucket tag. Traffic on established connections does not qualify.
func (e *Engine) isChallengeAnswer(p models.Packet) bool {
	if !p.IsBareACK() || p.Flags.FIN {
		return false
	}
	if !e.issuer.Fresh(cookie.FromAck(p.Ack)) {
		return false
	}
	g, ok := e.lists.Graylist(p.SrcIP)
	return ok && g.Status == lists.StatusChallenging
}

// verifyChallenge checks the acknowledgement of a challenged source against
// the cookie it was sent. It reports false when the source left the graylist
// in the meantime, leaving p to the rest of the pipeline.
func (e *Engine) verifyChallenge(p models.Packet, cfg *detection.MitigationConfig) (models.Decision, bool) {
	ip := p.SrcIP

	if e.issuer.Verify(p.Flow(), cookie.FromAck(p.Ack)) {
		if _, ok := e.lists.UpdateGraylist(ip, true); !ok {
			return models.Decision{}, false
		}
		e.stats.challengesPassed.Add(1)
		e.notifier.Publish(e.newEvent(models.EventChallengePassed, ip, string(models.ReasonChallengePassed)))
		return models.Decision{Action: models.ActionPass, Reason: models.ReasonChallengePassed}, true
	}

	entry, ok := e.lists.UpdateGraylist(ip, false)
	if !ok {
		return models.Decision{}, false
	}
	e.stats.challengesFailed.Add(1)

	if entry.ChallengeCount >= lists.MaxChallengeRetries {
		e.lists.AddBlacklist(ip, cfg.BlacklistDuration, string(models.ReasonChallengeExhausted))
		e.lists.RemoveGraylist(ip)
		e.stats.escalations.Add(1)
		e.notifier.Publish(e.newEvent(models.EventChallengeEscalate, ip, string(models.ReasonChallengeExhausted)))
		e.logger.Warn("challenge retries exhausted, source blacklisted",
			zap.Stringer("ip", ip),
			zap.Int("failures", entry.ChallengeCount))
		return models.Decision{Action: models.ActionDrop, Reason: models.ReasonChallengeExhausted}, true
	}

	e.notifier.Publish(e.newEvent(models.EventChallengeFailed, ip, string(models.ReasonChallengeFailed)))
	return models.Decision{Action: models.ActionDrop, Reason: models.ReasonChallengeFailed}, true
}

func (e *Engine) newEvent(kind models.EventKind, ip netip.Addr, reason string) models.Event {
	return models.NewEvent(kind, ip, reason, e.clock.Now())
}

func (e *Engine) onBlacklist(entry lists.BlacklistEntry) {
	ev := e.newEvent(models.EventBlacklisted, entry.IP, entry.Reason)
	if !entry.Permanent() {
		until := entry.Expiry
		ev.Until = &until
	}
	e.notifier.Publish(ev)
}

func (e *Engine) onUnblacklist(reason string) func(lists.BlacklistEntry) {
	return func(entry lists.BlacklistEntry) {
		e.notifier.Publish(e.newEvent(models.EventUnblacklisted, entry.IP, reason))
		e.logger.Info("source unblacklisted",
			zap.Stringer("ip", entry.IP),
			zap.String("reason", reason))
	}
}
