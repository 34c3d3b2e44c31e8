package main

import (
	"fmt"
	"os"

	"github.com/danmuck/kbcast/internal/logging"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "kbcastd",
		Short:         "kbcast gossip replication node",
		Long:          "Runs and inspects nodes that replicate a shared key/value namespace over UDP gossip.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			if opts.logLevel != "" {
				return applyLogLevel(opts.logLevel)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (.toml, .yaml or .yml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (trace|debug|info|warn|error|off)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newPublishCommand(opts))
	cmd.AddCommand(newCheckpointCommand())
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kbcastd: %v\n", err)
		os.Exit(1)
	}
}
