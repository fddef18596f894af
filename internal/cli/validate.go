package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nshruti113/ddos-mitigator/internal/config"
)

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a config file and exit",
		Example: `  mitigator validate --config configs/mitigator.yaml`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			prefixes, err := cfg.WhitelistPrefixes()
			if err != nil {
				return err
			}

			m := cfg.Mitigation
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", *configPath)
			fmt.Fprintf(out, "  window=%s blacklist_duration=%s\n", m.Window, m.BlacklistDuration)
			fmt.Fprintf(out, "  pps_per_ip=%d syn_rate=%d icmp_rate=%d udp_flood_rate=%d dns_rate=%d ntp_rate=%d\n",
				m.PPSPerIP, m.SYNRate, m.ICMPRate, m.UDPFloodRate, m.DNSRate, m.NTPRate)
			fmt.Fprintf(out, "  whitelist entries=%d redis=%t\n", len(prefixes), cfg.Redis.Enabled)
			return nil
		},
	}
}
