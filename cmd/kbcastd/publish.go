package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/kbcast/internal/agent"
	"github.com/danmuck/kbcast/internal/knowledge"
	"github.com/spf13/cobra"
)

func newPublishCommand(opts *rootOptions) *cobra.Command {
	var (
		valueType string
		quality   uint32
		reliably  bool
		wait      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "publish <key> <value>",
		Short: "Start a node, publish one value and exit",
		Long: `Publishes one value to the configured peers.

With --reliable the value is sent as a reliable record and the command waits
until every participant acknowledges it or --wait elapses.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := parseValue(valueType, args[1])
			if err != nil {
				return err
			}
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			cfg.Service.AdminListenAddr = ""

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			svc := agent.NewServiceWithConfig(cfg.Service)
			done := make(chan error, 1)
			go func() { done <- svc.RunContext(ctx) }()

			select {
			case <-svc.Ready():
			case err := <-done:
				return err
			}

			key := args[0]
			if quality > 0 {
				svc.Knowledge().SetQuality(key, quality)
			}
			if !reliably {
				svc.Set(key, rec)
				n, err := svc.Transport().SendModified(ctx)
				cancel()
				<-done
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "published %s (%s) in %d datagrams\n", key, rec.Type, n)
				return nil
			}

			r, err := svc.PublishReliable(key, rec)
			if err != nil {
				cancel()
				<-done
				return err
			}
			ticker := time.NewTicker(50 * time.Millisecond)
			defer ticker.Stop()
			for !r.IsDone() {
				select {
				case <-ctx.Done():
					<-done
					set, total := r.Acked()
					return fmt.Errorf("%s: %d/%d fragment acks after %s: %w", key, set, total, wait, context.DeadlineExceeded)
				case <-ticker.C:
				}
			}
			cancel()
			<-done
			fmt.Fprintf(cmd.OutOrStdout(), "published %s reliably in %d fragments\n", key, r.FragmentCount())
			return nil
		},
	}
	cmd.Flags().StringVarP(&valueType, "type", "t", "string", "value type (int|double|string|binary|ints|doubles)")
	cmd.Flags().Uint32Var(&quality, "quality", 0, "write quality for the key")
	cmd.Flags().BoolVar(&reliably, "reliable", false, "publish as a reliable record and wait for acks")
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait before giving up")
	return cmd
}

// parseValue builds a record from a command line value. Array elements are
// comma separated.
func parseValue(kind, raw string) (knowledge.Record, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "string":
		return knowledge.NewString(raw), nil
	case "binary":
		return knowledge.NewBinary([]byte(raw)), nil
	case "int", "integer":
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return knowledge.Record{}, fmt.Errorf("parse int: %w", err)
		}
		return knowledge.NewInteger(v), nil
	case "double", "float":
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return knowledge.Record{}, fmt.Errorf("parse double: %w", err)
		}
		return knowledge.NewDouble(v), nil
	case "ints", "integers":
		parts := splitList(raw)
		out := make([]int64, 0, len(parts))
		for _, p := range parts {
			v, err := strconv.ParseInt(p, 10, 64)
			if err != nil {
				return knowledge.Record{}, fmt.Errorf("parse ints: %w", err)
			}
			out = append(out, v)
		}
		return knowledge.NewIntegerArray(out), nil
	case "doubles", "floats":
		parts := splitList(raw)
		out := make([]float64, 0, len(parts))
		for _, p := range parts {
			v, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return knowledge.Record{}, fmt.Errorf("parse doubles: %w", err)
			}
			out = append(out, v)
		}
		return knowledge.NewDoubleArray(out), nil
	default:
		return knowledge.Record{}, errors.New("unknown value type: " + kind)
	}
}

func splitList(raw string) []string {
	fields := strings.Split(raw, ",")
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
