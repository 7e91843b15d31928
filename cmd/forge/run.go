package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/forge/internal/logging"
	"github.com/aristath/forge/internal/orchestrator"
	"github.com/aristath/forge/internal/planner"
	"github.com/aristath/forge/internal/scheduler"
	"github.com/aristath/forge/internal/tui"
)

type runOptions struct {
	plan        string
	title       string
	description string
	stack       []string
	workDir     string
	sessionID   string
	tui         bool
	watch       bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a plan, repairing failed tasks as they occur",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, g, opts)
		},
	}

	cmd.Flags().StringVar(&opts.plan, "plan", "", "plan file (YAML or JSON)")
	cmd.Flags().StringVar(&opts.title, "title", "", "job title (default: plan file name)")
	cmd.Flags().StringVar(&opts.description, "description", "", "job description")
	cmd.Flags().StringSliceVar(&opts.stack, "stack", nil, "tech stack, e.g. python,pandas")
	cmd.Flags().StringVar(&opts.workDir, "work-dir", "", "directory tasks run in (default: config or current directory)")
	cmd.Flags().StringVar(&opts.sessionID, "session-id", "", "session id (default: random)")
	cmd.Flags().BoolVar(&opts.tui, "tui", false, "show a live terminal view")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "republish the plan when the file changes")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func runSession(cmd *cobra.Command, g *globalFlags, opts *runOptions) error {
	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}

	level := logging.ParseLevel(cfg.Logging.Level)
	if opts.tui {
		// The TUI owns the terminal.
		if err := logging.EnableFileLogging(cfg.Logging.Dir, level); err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
		defer logging.Close()
	} else {
		logging.Configure(level, cmd.ErrOrStderr())
	}

	workDir, err := resolveWorkDir(opts.workDir, cfg.Engine.WorkDir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx, cfg, opts.plan, workDir, opts.sessionID)
	if err != nil {
		return err
	}
	defer p.shutdown()

	if opts.watch {
		go func() {
			if err := planner.Watch(ctx, p.bus, opts.plan, planner.DefaultDebounce); err != nil {
				logging.Warn("plan watcher stopped", "error", err)
			}
		}()
	}

	job := scheduler.JobContext{
		Title:       opts.title,
		Description: opts.description,
		TechStack:   opts.stack,
	}
	if job.Title == "" {
		job.Title = strings.TrimSuffix(filepath.Base(opts.plan), filepath.Ext(opts.plan))
	}

	var (
		rep    orchestrator.SessionReport
		runErr error
	)
	if opts.tui {
		rep, runErr = runWithTUI(ctx, p, job, tui.New(p.bus, cfg, globalConfigPath(), g.configPath))
	} else {
		rep, runErr = p.orch.Run(ctx, job)
	}

	printReport(cmd.OutOrStdout(), rep)
	return runErr
}

// runWithTUI runs the session under the live view. Quitting the view
// cancels a session still in progress.
func runWithTUI(ctx context.Context, p *pipeline, job scheduler.JobContext, model tui.Model) (orchestrator.SessionReport, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	prog := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	uiDone := make(chan error, 1)
	go func() {
		_, err := prog.Run()
		uiDone <- err
	}()

	type outcome struct {
		rep orchestrator.SessionReport
		err error
	}
	runDone := make(chan outcome, 1)
	go func() {
		rep, err := p.orch.Run(runCtx, job)
		prog.Send(tui.DoneMsg{Err: err})
		runDone <- outcome{rep, err}
	}()

	select {
	case uiErr := <-uiDone:
		cancel()
		res := <-runDone
		if uiErr != nil && res.err == nil {
			logging.Warn("terminal view exited with error", "error", uiErr)
		}
		return res.rep, res.err
	case res := <-runDone:
		if uiErr := <-uiDone; uiErr != nil {
			logging.Warn("terminal view exited with error", "error", uiErr)
		}
		return res.rep, res.err
	}
}

func resolveWorkDir(flag, configured string) (string, error) {
	dir := flag
	if dir == "" {
		dir = configured
	}
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve work dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return "", fmt.Errorf("failed to create work dir: %w", err)
	}
	return abs, nil
}

func printReport(w io.Writer, rep orchestrator.SessionReport) {
	s := rep.Session
	if s.ID == "" {
		return
	}
	fmt.Fprintf(w, "Session %s: %s (%d%%)\n", s.ID, s.Phase, s.Progress)
	if s.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", s.Error)
	}

	ex := rep.Execution
	if ex.Total > 0 {
		fmt.Fprintf(w, "  tasks: %d/%d completed in %d dequeues\n", ex.Completed, ex.Total, ex.Dequeues)
	}
	if len(ex.Skipped) > 0 {
		fmt.Fprintf(w, "  skipped: %s\n", strings.Join(ex.Skipped, ", "))
	}
	if ex.Reason != "" {
		fmt.Fprintf(w, "  stopped: %s\n", ex.Reason)
	}

	if v := rep.Verification; v != nil {
		fmt.Fprintf(w, "  verification: %d/%d checks passed\n", v.Passed, v.Total)
		for _, c := range v.Checks {
			if !c.Passed {
				fmt.Fprintf(w, "    ✗ %s: %s\n", c.Name, c.Detail)
			}
		}
	}
}
