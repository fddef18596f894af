package detection

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidConfig is returned for a MitigationConfig with a missing or
// non-positive field.
var ErrInvalidConfig = errors.New("invalid mitigation config")

// MemcachedRate is the fixed memcached reflection threshold.
const MemcachedRate = 10

// MitigationConfig holds the detection thresholds. Rates are event counts per
// Window. Values are treated as an immutable snapshot.
type MitigationConfig struct {
	PPSPerIP          int           `yaml:"pps_per_ip" json:"pps_per_ip"`
	SYNRate           int           `yaml:"syn_rate" json:"syn_rate"`
	ICMPRate          int           `yaml:"icmp_rate" json:"icmp_rate"`
	UDPFloodRate      int           `yaml:"udp_flood_rate" json:"udp_flood_rate"`
	DNSRate           int           `yaml:"dns_rate" json:"dns_rate"`
	NTPRate           int           `yaml:"ntp_rate" json:"ntp_rate"`
	Window            time.Duration `yaml:"window" json:"window"`
	BlacklistDuration time.Duration `yaml:"blacklist_duration" json:"blacklist_duration"`
}

// Validate reports every field that is missing or not positive.
func (c MitigationConfig) Validate() error {
	var bad []string
	check := func(name string, ok bool) {
		if !ok {
			bad = append(bad, name)
		}
	}

	check("pps_per_ip", c.PPSPerIP > 0)
	check("syn_rate", c.SYNRate > 0)
	check("icmp_rate", c.ICMPRate > 0)
	check("udp_flood_rate", c.UDPFloodRate > 0)
	check("dns_rate", c.DNSRate > 0)
	check("ntp_rate", c.NTPRate > 0)
	check("window", c.Window > 0)
	check("blacklist_duration", c.BlacklistDuration > 0)

	if len(bad) > 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, strings.Join(bad, ", "))
	}
	return nil
}
