package main

import (
	"fmt"

	"github.com/danmuck/kbcast/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate, validate and show node configuration",
	}

	var (
		kind      string
		overwrite bool
	)
	template := &cobra.Command{
		Use:   "template [path]",
		Short: "Print a config template, or write it to path",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := config.WriteTemplate(args[0], kind, overwrite); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s template to %s\n", kind, args[0])
				return nil
			}
			out, err := config.Template(kind)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
	template.Flags().StringVar(&kind, "kind", "toml", "template format (toml|yaml)")
	template.Flags().BoolVar(&overwrite, "force", false, "overwrite an existing file")

	validate := &cobra.Command{
		Use:   "validate <path>",
		Short: "Load and validate a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			svc := cfg.Service.Normalize()
			fmt.Fprintf(cmd.OutOrStdout(), "ok: node=%s listen=%s hosts=%d publish=%d watch=%d\n",
				svc.NodeID, svc.Transport.Listen, len(svc.Transport.Hosts), len(svc.Publish), len(svc.Watch))
			return nil
		},
	}

	var format string
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			out, err := config.Render(cfg, format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	show.Flags().StringVar(&format, "format", "toml", "output format (toml|yaml)")

	cmd.AddCommand(template, validate, show)
	return cmd
}
