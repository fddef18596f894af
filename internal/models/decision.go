package models

import (
	"fmt"
)

// Action is what the enforcement layer should do with a packet.
type Action uint8

const (
	ActionPass Action = iota
	ActionDrop
	ActionChallenge
)

var actionNames = [...]string{
	ActionPass:      "PASS",
	ActionDrop:      "DROP",
	ActionChallenge: "CHALLENGE",
}

func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return fmt.Sprintf("ACTION(%d)", uint8(a))
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(text []byte) error {
	for i, name := range actionNames {
		if name == string(text) {
			*a = Action(i)
			return nil
		}
	}
	return fmt.Errorf("unknown action %q", text)
}

// Signature identifies an attack pattern matched by the classifier.
type Signature uint8

const (
	SignatureNone Signature = iota
	SignatureRateExceeded
	SignatureSYNFlood
	SignatureICMPFlood
	SignatureUDPFlood
	SignatureDNSAmplification
	SignatureNTPAmplification
	SignatureMemcachedAmplification

	// NumSignatures sizes per-signature counter arrays.
	NumSignatures
)

var signatureNames = [...]string{
	SignatureNone:                   "none",
	SignatureRateExceeded:           "rate-exceeded",
	SignatureSYNFlood:               "syn-flood",
	SignatureICMPFlood:              "icmp-flood",
	SignatureUDPFlood:               "udp-flood",
	SignatureDNSAmplification:       "dns-amplification",
	SignatureNTPAmplification:       "ntp-amplification",
	SignatureMemcachedAmplification: "memcached-amplification",
}

func (s Signature) String() string {
	if int(s) < len(signatureNames) {
		return signatureNames[s]
	}
	return fmt.Sprintf("signature(%d)", uint8(s))
}

func (s Signature) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Signature) UnmarshalText(text []byte) error {
	for i, name := range signatureNames {
		if name == string(text) {
			*s = Signature(i)
			return nil
		}
	}
	return fmt.Errorf("unknown signature %q", text)
}

// Reason explains a decision.
type Reason string

const (
	ReasonOK                     Reason = "ok"
	ReasonWhitelisted            Reason = "whitelisted"
	ReasonBlacklisted            Reason = "blacklisted"
	ReasonRateExceeded           Reason = "rate-exceeded"
	ReasonSYNFlood               Reason = "syn-flood"
	ReasonICMPFlood              Reason = "icmp-flood"
	ReasonUDPFlood               Reason = "udp-flood"
	ReasonDNSAmplification       Reason = "dns-amplification"
	ReasonNTPAmplification       Reason = "ntp-amplification"
	ReasonMemcachedAmplification Reason = "memcached-amplification"
	ReasonGraylisted             Reason = "graylisted"
	ReasonChallengePassed        Reason = "challenge-passed"
	ReasonChallengeFailed        Reason = "challenge-failed"
	ReasonChallengeExhausted     Reason = "challenge-exhausted"
)

// ReasonFor maps a matched signature to the reason reported with its decision.
func ReasonFor(s Signature) Reason {
	switch s {
	case SignatureRateExceeded:
		return ReasonRateExceeded
	case SignatureSYNFlood:
		return ReasonSYNFlood
	case SignatureICMPFlood:
		return ReasonICMPFlood
	case SignatureUDPFlood:
		return ReasonUDPFlood
	case SignatureDNSAmplification:
		return ReasonDNSAmplification
	case SignatureNTPAmplification:
		return ReasonNTPAmplification
	case SignatureMemcachedAmplification:
		return ReasonMemcachedAmplification
	default:
		return ReasonOK
	}
}

// Decision is the engine's verdict for one packet.
type Decision struct {
	Action    Action    `json:"action"`
	Reason    Reason    `json:"reason"`
	Signature Signature `json:"signature,omitempty"`
	// Cookie is the SYN-ACK initial sequence number to answer with when
	// Action is ActionChallenge.
	Cookie uint32 `json:"cookie,omitempty"`
}
