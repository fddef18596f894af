// Package cli implements the mitigator command line.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nshruti113/ddos-mitigator/internal/config"
	"github.com/nshruti113/ddos-mitigator/internal/engine"
)

const defaultConfigPath = "configs/mitigator.yaml"

// NewRootCmd creates the root mitigator command.
func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "mitigator",
		Short: "DDoS mitigation decision engine",
		Long: `Mitigator classifies packet descriptors and decides whether each one
should pass, be dropped or be challenged with a SYN cookie.

It runs as an HTTP service, replays pcap captures through the engine and
validates configuration files.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the YAML config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newReplayCmd(&configPath),
		newValidateCmd(&configPath),
	)

	return root
}

// newEngine builds an engine from cfg and seeds the configured whitelist.
func newEngine(cfg *config.Config, logger *zap.Logger, opts ...engine.Option) (*engine.Engine, error) {
	prefixes, err := cfg.WhitelistPrefixes()
	if err != nil {
		return nil, err
	}

	opts = append([]engine.Option{
		engine.WithLogger(logger),
		engine.WithOptions(cfg.Engine.Options()),
	}, opts...)
	e, err := engine.New(cfg.Mitigation, opts...)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	for _, p := range prefixes {
		e.Lists().AddWhitelistPrefix(p)
	}
	return e, nil
}
