// Package metrics exports engine statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nshruti113/ddos-mitigator/internal/engine"
	"github.com/nshruti113/ddos-mitigator/internal/models"
)

const namespace = "ddos_mitigator"

// StatsSource is what the collector reads at scrape time.
type StatsSource interface {
	Stats() engine.StatsSnapshot
}

// Collector implements prometheus.Collector over a StatsSource. Counters are
// read on every scrape; nothing is cached between scrapes.
type Collector struct {
	source StatsSource

	decisions        *prometheus.Desc
	malformed        *prometheus.Desc
	signatures       *prometheus.Desc
	challenges       *prometheus.Desc
	escalations      *prometheus.Desc
	autoBlacklisted  *prometheus.Desc
	listSize         *prometheus.Desc
	trackedKeys      *prometheus.Desc
	trackerEvictions *prometheus.Desc
	eventsDropped    *prometheus.Desc
}

func NewCollector(source StatsSource) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}
	return &Collector{
		source:           source,
		decisions:        desc("decisions_total", "Packets evaluated by action", "action"),
		malformed:        desc("malformed_packets_total", "Packets rejected as malformed"),
		signatures:       desc("signature_matches_total", "Decisions by matched attack signature", "signature"),
		challenges:       desc("challenge_results_total", "SYN cookie verifications by result", "result"),
		escalations:      desc("challenge_escalations_total", "Sources blacklisted after exhausting challenge retries"),
		autoBlacklisted:  desc("auto_blacklisted_total", "Sources blacklisted for exceeding the per-IP rate"),
		listSize:         desc("list_entries", "Current entries per list", "list"),
		trackedKeys:      desc("tracked_sources", "Sources with rate history"),
		trackerEvictions: desc("tracker_evictions_total", "Sources evicted from full rate trackers"),
		eventsDropped:    desc("events_dropped_total", "Events dropped because the notifier queue was full"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.decisions
	ch <- c.malformed
	ch <- c.signatures
	ch <- c.challenges
	ch <- c.escalations
	ch <- c.autoBlacklisted
	ch <- c.listSize
	ch <- c.trackedKeys
	ch <- c.trackerEvictions
	ch <- c.eventsDropped
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()

	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}

	counter(c.decisions, s.Passed, models.ActionPass.String())
	counter(c.decisions, s.Dropped, models.ActionDrop.String())
	counter(c.decisions, s.Challenged, models.ActionChallenge.String())
	counter(c.malformed, s.Malformed)

	for sig := models.SignatureNone + 1; sig < models.NumSignatures; sig++ {
		counter(c.signatures, s.Signatures[sig], sig.String())
	}

	counter(c.challenges, s.ChallengesPassed, "passed")
	counter(c.challenges, s.ChallengesFailed, "failed")
	counter(c.escalations, s.Escalations)
	counter(c.autoBlacklisted, s.AutoBlacklisted)

	gauge(c.listSize, s.Whitelisted, "whitelist")
	gauge(c.listSize, s.Blacklisted, "blacklist")
	gauge(c.listSize, s.Graylisted, "graylist")
	gauge(c.trackedKeys, s.TrackedKeys)
	counter(c.trackerEvictions, s.TrackerEvictions)
	counter(c.eventsDropped, s.EventsDropped)
}

// NewRegistry returns a registry with the engine collector and the standard
// process and Go runtime collectors.
func NewRegistry(source StatsSource) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(source),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
