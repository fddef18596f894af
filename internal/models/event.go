package models

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// EventKind names a list transition worth reporting outside the engine.
type EventKind string

const (
	EventBlacklisted       EventKind = "BLACKLISTED"
	EventUnblacklisted     EventKind = "UNBLACKLISTED"
	EventGraylisted        EventKind = "GRAYLISTED"
	EventChallengePassed   EventKind = "CHALLENGE_PASSED"
	EventChallengeFailed   EventKind = "CHALLENGE_FAILED"
	EventChallengeEscalate EventKind = "CHALLENGE_ESCALATED"
)

// Event is a security alert emitted when an IP changes list state.
type Event struct {
	ID        string     `json:"id"`
	Kind      EventKind  `json:"kind"`
	IP        netip.Addr `json:"ip"`
	Reason    string     `json:"reason,omitempty"`
	Signature Signature  `json:"signature,omitempty"`
	Until     *time.Time `json:"until,omitempty"` // blacklist expiry, if any
	Timestamp time.Time  `json:"timestamp"`
}

// NewEvent creates an event with a fresh ID.
func NewEvent(kind EventKind, ip netip.Addr, reason string, at time.Time) Event {
	return Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		IP:        ip,
		Reason:    reason,
		Timestamp: at,
	}
}

// Level maps the event to the alert level used by dashboards.
func (e Event) Level() string {
	switch e.Kind {
	case EventBlacklisted, EventChallengeEscalate:
		return "CRITICAL"
	case EventGraylisted, EventChallengeFailed:
		return "WARNING"
	default:
		return "INFO"
	}
}
