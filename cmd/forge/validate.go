package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/forge/internal/planner"
	"github.com/aristath/forge/internal/scheduler"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate PLAN",
		Short: "Check a plan file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := planner.Load(args[0])
			if err != nil {
				return err
			}
			if err := plan.Validate(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			report := scheduler.ValidateGraph(plan)
			if !report.OK() {
				// The engine tolerates these unless strict_graph is set.
				fmt.Fprintf(out, "warning: %v\n", report.Err())
			}

			fmt.Fprintf(out, "%s: %d tasks", plan.Name, len(plan.Tasks))
			if plan.DataOriented() {
				fmt.Fprint(out, " (data-oriented)")
			}
			fmt.Fprintln(out)
			if len(report.Order) > 0 {
				fmt.Fprintf(out, "order: %s\n", strings.Join(report.Order, " -> "))
			}
			return nil
		},
	}
}
