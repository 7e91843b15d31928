package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/forge/internal/persistence"
)

func newSessionsCmd(g *globalFlags) *cobra.Command {
	var (
		limit   int
		workDir string
	)
	cmd := &cobra.Command{
		Use:   "sessions [ID]",
		Short: "List journaled sessions, or show one session's attempts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			dir, err := resolveWorkDir(workDir, cfg.Engine.WorkDir)
			if err != nil {
				return err
			}
			path := cfg.Persistence.Path
			if !filepath.IsAbs(path) {
				path = filepath.Join(dir, path)
			}

			store, err := persistence.NewSQLiteStore(cmd.Context(), path)
			if err != nil {
				return fmt.Errorf("failed to open journal: %w", err)
			}
			defer store.Close()

			if len(args) == 1 {
				return showSession(cmd.Context(), cmd.OutOrStdout(), store, args[0])
			}
			return listSessions(cmd.Context(), cmd.OutOrStdout(), store, limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of sessions to list (0 for all)")
	cmd.Flags().StringVar(&workDir, "work-dir", "", "directory holding the journal (default: config or current directory)")
	return cmd
}

func listSessions(ctx context.Context, w io.Writer, store persistence.Store, limit int) error {
	sessions, err := store.ListSessions(ctx, limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(w, "no sessions recorded")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tPHASE\tPROGRESS\tSTARTED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%s\n", s.ID, s.Title, s.Phase, s.Progress, s.StartedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func showSession(ctx context.Context, w io.Writer, store persistence.Store, id string) error {
	s, err := store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Session %s: %s (%d%%)\n", s.ID, s.Phase, s.Progress)
	fmt.Fprintf(w, "  title: %s\n  plan:  %s\n", s.Title, s.PlanName)
	if s.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", s.Error)
	}

	results, err := store.ListTaskResults(ctx, id)
	if err != nil {
		return err
	}
	resolutions, err := store.ListResolutions(ctx, id)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\nATTEMPT\tTYPE\tRESULT\tDURATION")
	for _, r := range results {
		outcome := "ok"
		if !r.Success {
			outcome = "failed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", r.AttemptID, r.Type, outcome, r.Duration)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(resolutions) > 0 {
		fmt.Fprintln(w, "\nResolutions:")
		for _, r := range resolutions {
			fmt.Fprintf(w, "  %s attempt %d (%s): fixed=%v %s\n", r.TaskID, r.Attempt, r.Tier, r.Fixed, r.Analysis)
		}
	}
	return nil
}
