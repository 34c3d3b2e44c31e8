package main

import (
	"fmt"
	"strings"

	"github.com/danmuck/kbcast/internal/agent"
	"github.com/danmuck/kbcast/internal/config"
	"github.com/danmuck/kbcast/internal/logging"
	"github.com/danmuck/kbcast/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a node until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			svc := agent.NewServiceWithConfig(cfg.Service)
			observability.InitLogger("kbcastd", svc.Config().NodeID)
			log.Info().
				Str("node", svc.Config().NodeID).
				Str("listen", cfg.Service.Transport.Listen).
				Strs("hosts", cfg.Service.Transport.Hosts).
				Msg("starting node")
			return svc.Run()
		},
	}
}

// loadConfig reads --config when given, otherwise defaults, and applies
// the configured log level unless --log-level overrides it.
func loadConfig(opts *rootOptions) (config.Config, error) {
	cfg := config.Default()
	if path := strings.TrimSpace(opts.configPath); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if opts.logLevel == "" {
		if err := applyLogLevel(cfg.LogLevel); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

func applyLogLevel(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	level, ok := logging.ParseLevel(raw)
	if !ok {
		return fmt.Errorf("unknown log level %q", raw)
	}
	zerolog.SetGlobalLevel(level)
	return nil
}
