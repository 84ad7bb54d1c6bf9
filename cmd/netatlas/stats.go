package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// openStored builds an app over the snapshot store and restores the latest
// snapshot into it
func openStored(ctx context.Context, g *globals) (*app, error) {
	a, err := newApp(g.cfg, g.log, true)
	if err != nil {
		return nil, err
	}
	if err := a.svc.Restore(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func newStatsCommand(g *globals) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the latest stored topology",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStored(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer a.close()

			s := a.svc.Stats()
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			}
			snaps, err := a.svc.Snapshots(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list snapshots: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderStats(s, snaps, time.Now()))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "snapshots", "n", 5, "number of snapshots to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print stats as JSON")
	return cmd
}

func newExportCommand(g *globals) *cobra.Command {
	var (
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the latest stored topology as JSON or YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openStored(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer a.close()

			w := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}
			return a.svc.Export(format, w)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format (json, yaml)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}
