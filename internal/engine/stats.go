package engine

import (
	"sync/atomic"

	"github.com/nshruti113/ddos-mitigator/internal/models"
)

// Stats holds the engine's counters. It is owned by one Engine and only
// updated with atomic operations.
type Stats struct {
	evaluated  atomic.Uint64
	passed     atomic.Uint64
	dropped    atomic.Uint64
	challenged atomic.Uint64
	malformed  atomic.Uint64

	signatures [models.NumSignatures]atomic.Uint64

	challengesPassed atomic.Uint64
	challengesFailed atomic.Uint64
	escalations      atomic.Uint64
	autoBlacklisted  atomic.Uint64
}

func (s *Stats) record(d models.Decision) {
	s.evaluated.Add(1)
	switch d.Action {
	case models.ActionPass:
		s.passed.Add(1)
	case models.ActionDrop:
		s.dropped.Add(1)
	case models.ActionChallenge:
		s.challenged.Add(1)
	}
	if d.Signature != models.SignatureNone && d.Signature < models.NumSignatures {
		s.signatures[d.Signature].Add(1)
	}
}

// StatsSnapshot is a point-in-time copy of the counters plus current list and
// tracker sizes.
type StatsSnapshot struct {
	Evaluated  uint64 `json:"evaluated"`
	Passed     uint64 `json:"passed"`
	Dropped    uint64 `json:"dropped"`
	Challenged uint64 `json:"challenged"`
	Malformed  uint64 `json:"malformed"`

	Signatures map[models.Signature]uint64 `json:"signatures"`

	ChallengesPassed uint64 `json:"challenges_passed"`
	ChallengesFailed uint64 `json:"challenges_failed"`
	Escalations      uint64 `json:"escalations"`
	AutoBlacklisted  uint64 `json:"auto_blacklisted"`

	Whitelisted int `json:"whitelisted"`
	Blacklisted int `json:"blacklisted"`
	Graylisted  int `json:"graylisted"`

	TrackedKeys      int    `json:"tracked_keys"`
	TrackerEvictions uint64 `json:"tracker_evictions"`
	EventsDropped    uint64 `json:"events_dropped"`
}

func (s *Stats) snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Evaluated:        s.evaluated.Load(),
		Passed:           s.passed.Load(),
		Dropped:          s.dropped.Load(),
		Challenged:       s.challenged.Load(),
		Malformed:        s.malformed.Load(),
		Signatures:       make(map[models.Signature]uint64, models.NumSignatures-1),
		ChallengesPassed: s.challengesPassed.Load(),
		ChallengesFailed: s.challengesFailed.Load(),
		Escalations:      s.escalations.Load(),
		AutoBlacklisted:  s.autoBlacklisted.Load(),
	}
	for sig := models.SignatureNone + 1; sig < models.NumSignatures; sig++ {
		snap.Signatures[sig] = s.signatures[sig].Load()
	}
	return snap
}
