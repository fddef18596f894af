package detection

import (
	"math"

	"github.com/nshruti113/ddos-mitigator/internal/models"
	"github.com/nshruti113/ddos-mitigator/internal/ratetrack"
)

// rule pairs a packet predicate with the tracker and threshold it is counted
// against.
type rule struct {
	signature models.Signature
	applies   func(p models.Packet) bool
	tracker   func(t *Trackers) *ratetrack.Tracker
	threshold func(c MitigationConfig) int
}

// rules are evaluated in order; the first exceeded threshold wins.
var rules = []rule{
	{
		signature: models.SignatureRateExceeded,
		applies:   func(models.Packet) bool { return true },
		tracker:   func(t *Trackers) *ratetrack.Tracker { return t.Overall },
		threshold: func(c MitigationConfig) int { return c.PPSPerIP },
	},
	{
		signature: models.SignatureSYNFlood,
		applies:   models.Packet.IsSYN,
		tracker:   func(t *Trackers) *ratetrack.Tracker { return t.SYN },
		threshold: func(c MitigationConfig) int { return c.SYNRate },
	},
	{
		signature: models.SignatureICMPFlood,
		applies:   isProtocol(models.ProtocolICMP),
		tracker:   func(t *Trackers) *ratetrack.Tracker { return t.ICMP },
		threshold: func(c MitigationConfig) int { return c.ICMPRate },
	},
	{
		signature: models.SignatureUDPFlood,
		applies:   isProtocol(models.ProtocolUDP),
		tracker:   func(t *Trackers) *ratetrack.Tracker { return t.UDP },
		threshold: func(c MitigationConfig) int { return c.UDPFloodRate },
	},
	{
		signature: models.SignatureDNSAmplification,
		applies:   isUDPFrom(models.PortDNS),
		tracker:   func(t *Trackers) *ratetrack.Tracker { return t.DNS },
		threshold: func(c MitigationConfig) int { return c.DNSRate },
	},
	{
		signature: models.SignatureNTPAmplification,
		applies:   isUDPFrom(models.PortNTP),
		tracker:   func(t *Trackers) *ratetrack.Tracker { return t.NTP },
		threshold: func(c MitigationConfig) int { return c.NTPRate },
	},
	{
		signature: models.SignatureMemcachedAmplification,
		applies:   isUDPFrom(models.PortMemcached),
		tracker:   func(t *Trackers) *ratetrack.Tracker { return t.Memcached },
		threshold: func(MitigationConfig) int { return MemcachedRate },
	},
}

func isProtocol(proto models.Protocol) func(models.Packet) bool {
	return func(p models.Packet) bool { return p.Protocol == proto }
}

func isUDPFrom(port uint16) func(models.Packet) bool {
	return func(p models.Packet) bool {
		return p.Protocol == models.ProtocolUDP && p.SrcPort == port
	}
}

// Match describes a signature hit.
type Match struct {
	Signature models.Signature
	Rate      int
	Threshold int
}

// Confidence grows with how far the rate overshoots its threshold and
// saturates at twice the threshold.
func (m Match) Confidence() float64 {
	if m.Threshold <= 0 {
		return 1
	}
	return math.Min(float64(m.Rate)/float64(m.Threshold*2), 1.0)
}

// Severity buckets Confidence into an alert severity.
func (m Match) Severity() string {
	return getSeverity(m.Confidence())
}

// Classifier runs packets through the ordered rule table.
type Classifier struct{}

func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify returns the first signature whose threshold the packet's source
// exceeds. Every applicable rule up to and including the match counts the
// packet in its tracker, so classification always mutates tracker state.
func (c *Classifier) Classify(p models.Packet, trackers *Trackers, cfg MitigationConfig) (models.Signature, bool) {
	m, ok := c.Match(p, trackers, cfg)
	return m.Signature, ok
}

// Match is Classify with the observed rate and threshold attached.
func (c *Classifier) Match(p models.Packet, trackers *Trackers, cfg MitigationConfig) (Match, bool) {
	for _, r := range rules {
		if !r.applies(p) {
			continue
		}
		rate := r.tracker(trackers).Track(p.SrcIP, p.Timestamp, p.Length)
		if threshold := r.threshold(cfg); rate > threshold {
			return Match{Signature: r.signature, Rate: rate, Threshold: threshold}, true
		}
	}
	return Match{}, false
}

// getSeverity determines attack severity based on confidence
func getSeverity(confidence float64) string {
	if confidence >= 0.9 {
		return "CRITICAL"
	} else if confidence >= 0.7 {
		return "HIGH"
	} else if confidence >= 0.5 {
		return "MEDIUM"
	}
	return "LOW"
}
