package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"netatlas/internal/layout"
)

func newLayoutCommand(g *globals) *cobra.Command {
	var (
		iterations int
		kind       string
	)
	cmd := &cobra.Command{
		Use:   "layout",
		Short: "Advance the stored layout and save the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if iterations < 1 {
				return fmt.Errorf("iterations must be positive, got %d", iterations)
			}
			a, err := openStored(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer a.close()

			if kind != "" {
				t, ok := layout.ParseType(kind)
				if !ok {
					return fmt.Errorf("unknown layout %q", kind)
				}
				a.svc.ApplyLayout(t)
			}
			state := a.svc.StepLayout(iterations)

			info, err := a.svc.Save(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s layout: converged=%t displacement=%.3f nodes=%d snapshot=%s\n",
				state.Type, state.Converged, state.LastDisplacement, len(state.Positions), info.ID)
			return nil
		},
	}
	cmd.Flags().IntVarP(&iterations, "iterations", "i", 100, "maximum layout iterations")
	cmd.Flags().StringVar(&kind, "type", "", "switch algorithm first (force, circular, hierarchical)")
	return cmd
}
