package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/aristath/forge/internal/backend"
	"github.com/aristath/forge/internal/bus"
	"github.com/aristath/forge/internal/capabilities"
	"github.com/aristath/forge/internal/config"
	"github.com/aristath/forge/internal/logging"
	"github.com/aristath/forge/internal/orchestrator"
	"github.com/aristath/forge/internal/persistence"
	"github.com/aristath/forge/internal/planner"
	"github.com/aristath/forge/internal/resolver"
	"github.com/aristath/forge/internal/runner"
	"github.com/aristath/forge/internal/sandbox"
	"github.com/aristath/forge/internal/scheduler"
)

// shutdownTimeout bounds sandbox teardown on exit.
const shutdownTimeout = 30 * time.Second

// pipeline is everything one session needs, wired together.
type pipeline struct {
	bus          *bus.Bus
	procs        *runner.ProcessManager
	sandboxes    sandbox.Manager
	orch         *orchestrator.Orchestrator
	store        *persistence.SQLiteStore
	recorderDone chan struct{}
}

// buildPipeline wires collaborators, capabilities, resolver, engine,
// journal and orchestrator for one session.
func buildPipeline(ctx context.Context, cfg *config.Config, planPath, workDir, sessionID string) (_ *pipeline, err error) {
	p := &pipeline{
		bus:   bus.New(),
		procs: runner.NewProcessManager(),
	}
	defer func() {
		if err != nil {
			p.shutdown()
		}
	}()
	shell := runner.NewShellRunner(p.procs)

	sb, err := sandbox.New(cfg.Sandbox.Runtime, sandbox.Config{
		WorkDir: workDir,
		Images:  cfg.Sandbox.Images,
		Docker:  cfg.Sandbox.Docker,
	}, shell)
	if err != nil {
		return nil, err
	}
	p.sandboxes = sb

	capabilities.Register(p.bus, capabilities.Deps{
		Runner:          shell,
		Sandbox:         sb,
		HTTPClient:      &http.Client{Timeout: cfg.Datasets.DownloadTimeout.Std()},
		MaxDatasetBytes: cfg.Datasets.MaxBytes,
	})

	opts := []resolver.Option{
		resolver.WithMaxAttempts(cfg.Engine.MaxRetryAttempts),
		resolver.WithSleepCap(cfg.Resolver.SleepCap),
		resolver.WithAITimeout(cfg.Resolver.AITimeout.Std()),
		resolver.WithModel(cfg.Completion.Model),
	}
	completer, cerr := buildCompleter(ctx, cfg.Completion, workDir, p.procs)
	if cerr != nil {
		// The AI tier is optional; rules and fallbacks still run.
		logging.Warn("completion service unavailable, AI resolution disabled", "type", cfg.Completion.Type, "error", cerr)
		p.bus.Notify("forge", bus.SeverityWarning, fmt.Sprintf("AI resolution disabled: %v", cerr), nil)
	}
	if completer != nil {
		opts = append(opts, resolver.WithCompleter(completer))
	}
	res := resolver.New(p.bus, opts...)

	engine, err := scheduler.NewEngine(p.bus, res, scheduler.EngineConfig{
		MaxRetryAttempts: cfg.Engine.MaxRetryAttempts,
		DequeueDelay:     cfg.Engine.DequeueDelay.Std(),
		LivenessFactor:   cfg.Engine.LivenessFactor,
		WorkDir:          workDir,
		StrictGraph:      cfg.Engine.StrictGraph,
		CommandTimeout:   cfg.Engine.CommandTimeout.Std(),
		MinDatasetLines:  cfg.Datasets.MinLines,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Persistence.Enabled {
		path := cfg.Persistence.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}
		store, err := persistence.NewSQLiteStore(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to open journal: %w", err)
		}
		p.store = store
		rec := persistence.NewRecorder(p.bus, store)
		p.recorderDone = make(chan struct{})
		go func() {
			defer close(p.recorderDone)
			// Runs until the bus closes so the final phase is journaled.
			rec.Run(context.Background())
		}()
	}

	var orchOpts []orchestrator.Option
	if sessionID != "" {
		orchOpts = append(orchOpts, orchestrator.WithSessionID(sessionID))
	}
	orch, err := orchestrator.New(p.bus, planner.NewFileProducer(planPath), engine, orchestrator.Config{
		WorkDir: workDir,
		Verify: orchestrator.VerifyConfig{
			ExpectedPaths: cfg.Verification.ExpectedPaths,
			DatasetGlobs:  cfg.Verification.DatasetGlobs,
			Concurrency:   cfg.Verification.Concurrency,
		},
	}, orchOpts...)
	if err != nil {
		return nil, err
	}
	p.orch = orch
	return p, nil
}

// buildCompleter returns nil, nil when the completion service is disabled.
func buildCompleter(ctx context.Context, cc config.CompletionConfig, workDir string, pm *runner.ProcessManager) (backend.Completer, error) {
	if cc.Type == "" || cc.Type == "none" {
		return nil, nil
	}
	bc := backend.Config{
		Type:    cc.Type,
		Model:   cc.Model,
		WorkDir: workDir,
		BaseURL: cc.BaseURL,
		Binary:  cc.Binary,
		Timeout: cc.Timeout.Std(),
	}
	if cc.APIKeyEnv != "" {
		bc.APIKey = os.Getenv(cc.APIKeyEnv)
	}
	c, err := backend.New(ctx, bc, pm)
	if err != nil {
		return nil, err
	}

	retry := backend.DefaultRetryConfig()
	if cc.RetryMaxElapse > 0 {
		retry.MaxElapsedTime = cc.RetryMaxElapse.Std()
	}
	return backend.NewResilient(c, cc.Type, nil, retry), nil
}

// shutdown kills tracked processes, stops sandboxes, then drains and closes
// the journal. Call it once.
func (p *pipeline) shutdown() {
	if err := p.procs.KillAll(); err != nil {
		logging.Warn("failed to kill subprocesses", "error", err)
	}

	if p.sandboxes != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := p.sandboxes.StopAll(ctx); err != nil {
			logging.Warn("failed to stop sandboxes", "error", err)
		}
	}

	p.bus.Close()
	if p.recorderDone != nil {
		<-p.recorderDone
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			logging.Warn("failed to close journal", "error", err)
		}
	}
}
