package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/kbcast/internal/knowledge"
	"github.com/danmuck/kbcast/internal/server"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type checkpointDump struct {
	Clock   uint64              `json:"clock" yaml:"clock"`
	Records []server.RecordView `json:"records" yaml:"records"`
}

func newCheckpointCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect knowledge checkpoints",
	}

	var (
		prefix string
		format string
	)
	dump := &cobra.Command{
		Use:   "dump <path>",
		Short: "Print the records stored in a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cp, err := knowledge.OpenCheckpoint(args[0])
			if err != nil {
				return err
			}
			defer cp.Close()

			records, clock, err := cp.Load(cmd.Context())
			if err != nil {
				return err
			}
			out := checkpointDump{Clock: clock, Records: make([]server.RecordView, 0, len(records))}
			for key, rec := range records {
				if strings.HasPrefix(key, prefix) {
					out.Records = append(out.Records, server.NewRecordView(key, rec))
				}
			}
			sort.Slice(out.Records, func(i, j int) bool {
				return out.Records[i].Key < out.Records[j].Key
			})

			var b []byte
			switch strings.ToLower(format) {
			case "yaml", "yml":
				b, err = yaml.Marshal(out)
			case "json":
				b, err = json.MarshalIndent(out, "", "  ")
				b = append(b, '\n')
			default:
				return fmt.Errorf("unknown format %q", format)
			}
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
	dump.Flags().StringVar(&prefix, "prefix", "", "only records whose key has this prefix")
	dump.Flags().StringVarP(&format, "output", "o", "yaml", "output format (yaml|json)")

	cmd.AddCommand(dump)
	return cmd
}
