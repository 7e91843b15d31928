package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/aristath/forge/internal/bus"
	"github.com/aristath/forge/internal/logging"
)

// ErrEngineBusy is returned when Run is called while another run is in flight.
var ErrEngineBusy = errors.New("engine is already running a plan")

const engineAgent = "engine"

// Resolver turns a failed attempt into a Resolution. Implementations must not
// return errors: collaborator failures degrade to an unfixed Resolution.
type Resolver interface {
	Resolve(ctx context.Context, req ResolveRequest) Resolution
}

// RunStatus is the terminal status of a Run.
type RunStatus string

const (
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusPartial   RunStatus = "partially-completed"
)

// EngineConfig configures the execution engine.
type EngineConfig struct {
	MaxRetryAttempts int           // resolution attempts per task before the run aborts (default 3)
	DequeueDelay     time.Duration // pause between dequeues, 0 disables
	LivenessFactor   int           // dequeue budget is LivenessFactor * len(tasks) (default 3)
	WorkDir          string        // base directory for relative task paths when the plan sets none
	StrictGraph      bool          // fail fast on missing dependencies or cycles
	CommandTimeout   time.Duration // per-command timeout passed to command.run, 0 for none
	MinDatasetLines  int           // fetched datasets shorter than this are replaced (default 10)
}

// Progress is stored under bus.KeyExecutionProgress after every completion.
type Progress struct {
	Completed int
	Total     int
	Percent   int
}

// ResolutionEvent is the payload of bus.ActionResolution messages.
type ResolutionEvent struct {
	TaskID     string
	Attempt    int
	Resolution Resolution
}

// Report summarises a Run.
type Report struct {
	Status    RunStatus
	Completed int
	Total     int
	Dequeues  int
	Results   []ExecutionResult
	Skipped   []string // tasks accepted as completed without a successful dispatch
	Reason    string   // why the run stopped short, empty on full completion
	Graph     GraphReport
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithHandler replaces the handler for one task type.
func WithHandler(tt TaskType, h Handler) EngineOption {
	return func(e *Engine) {
		e.handlers[tt] = h
	}
}

// WithRetryState makes the engine share an existing RetryState.
func WithRetryState(rs *RetryState) EngineOption {
	return func(e *Engine) {
		if rs != nil {
			e.retries = rs
		}
	}
}

// Engine drives a plan's tasks to completion one dispatch at a time,
// retrying failures through a Resolver.
type Engine struct {
	bus      *bus.Bus
	resolver Resolver
	handlers map[TaskType]Handler
	retries  *RetryState
	cfg      EngineConfig
	disposed atomic.Bool
	running  atomic.Bool
}

// NewEngine creates an engine. It fails if any TaskType lacks a handler.
func NewEngine(b *bus.Bus, r Resolver, cfg EngineConfig, opts ...EngineOption) (*Engine, error) {
	if b == nil {
		return nil, fmt.Errorf("engine requires a bus")
	}
	if r == nil {
		return nil, fmt.Errorf("engine requires a resolver")
	}
	if cfg.MaxRetryAttempts <= 0 {
		cfg.MaxRetryAttempts = 3
	}
	if cfg.LivenessFactor <= 0 {
		cfg.LivenessFactor = 3
	}
	if cfg.MinDatasetLines <= 0 {
		cfg.MinDatasetLines = 10
	}

	e := &Engine{
		bus:      b,
		resolver: r,
		handlers: DefaultHandlers(),
		retries:  NewRetryState(),
		cfg:      cfg,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	for _, tt := range AllTaskTypes() {
		if e.handlers[tt] == nil {
			return nil, fmt.Errorf("no handler registered for task type %q", tt)
		}
	}
	return e, nil
}

// Dispose asks a running loop to stop at the top of its next iteration.
// An in-flight dispatch is allowed to finish.
func (e *Engine) Dispose() {
	e.disposed.Store(true)
}

// Disposed reports whether Dispose has been called.
func (e *Engine) Disposed() bool {
	return e.disposed.Load()
}

// Retries exposes the attempt counters.
func (e *Engine) Retries() *RetryState {
	return e.retries
}

// run holds the per-Run mutable state.
type run struct {
	env       *Env
	queue     []*Task
	completed map[string]bool
	report    Report
}

// Run executes plan and returns a report. A run that stops on the liveness
// bound or disposal returns a partial report and no error; a cancelled
// context returns the partial report together with ctx.Err().
func (e *Engine) Run(ctx context.Context, plan *Plan) (Report, error) {
	if err := plan.Validate(); err != nil {
		return Report{Status: StatusFailed, Reason: err.Error()}, err
	}
	if !e.running.CompareAndSwap(false, true) {
		return Report{}, ErrEngineBusy
	}
	defer e.running.Store(false)

	total := len(plan.Tasks)
	r := &run{
		env: &Env{
			Bus:             e.bus,
			WorkDir:         firstNonEmpty(plan.WorkDir, e.cfg.WorkDir),
			TechStack:       plan.TechStack,
			CommandTimeout:  e.cfg.CommandTimeout,
			MinDatasetLines: e.cfg.MinDatasetLines,
		},
		queue:     append([]*Task(nil), plan.Tasks...),
		completed: make(map[string]bool, total),
		report:    Report{Total: total, Status: StatusPartial},
	}

	graph := ValidateGraph(plan)
	r.report.Graph = graph
	if !graph.OK() {
		if e.cfg.StrictGraph {
			err := graph.Err()
			r.report.Status = StatusFailed
			r.report.Reason = err.Error()
			return r.report, err
		}
		logging.Warn("plan graph has problems, continuing", "plan", plan.Name, "error", graph.Err())
		e.bus.Notify(engineAgent, bus.SeverityWarning, graph.Err().Error(), nil)
	}

	logging.Info("execution started", "plan", plan.Name, "tasks", total)
	limit := e.cfg.LivenessFactor * total

	for len(r.queue) > 0 {
		if e.Disposed() {
			r.report.Reason = "engine disposed"
			break
		}
		if err := ctx.Err(); err != nil {
			r.report.Reason = err.Error()
			return e.finish(r), err
		}
		if r.report.Dequeues >= limit {
			r.report.Reason = fmt.Sprintf("liveness bound reached after %d dequeue attempts", r.report.Dequeues)
			logging.Warn("liveness bound reached", "dequeues", r.report.Dequeues, "completed", len(r.completed), "total", total)
			e.bus.Notify(engineAgent, bus.SeverityWarning, r.report.Reason, nil)
			break
		}
		if r.report.Dequeues > 0 && e.cfg.DequeueDelay > 0 {
			if err := sleep(ctx, e.cfg.DequeueDelay); err != nil {
				r.report.Reason = err.Error()
				return e.finish(r), err
			}
		}

		task := r.queue[0]
		r.queue = r.queue[1:]
		r.report.Dequeues++

		if !dependenciesMet(task, r.completed) {
			r.queue = append(r.queue, task)
			continue
		}

		result := e.dispatch(ctx, r, task, task.ID)
		if result.Success {
			e.complete(r, task.ID)
			continue
		}

		if abort := e.resolveFailure(ctx, r, task, result); abort != "" {
			r.report.Status = StatusFailed
			r.report.Reason = abort
			logging.Error("execution aborted", "task", task.ID, "reason", abort)
			e.bus.Notify(engineAgent, bus.SeverityError, abort, nil)
			return e.finish(r), nil
		}
	}

	return e.finish(r), nil
}

// resolveFailure runs one resolution attempt for a failed task. It returns a
// non-empty reason when the run must abort.
func (e *Engine) resolveFailure(ctx context.Context, r *run, task *Task, failed ExecutionResult) string {
	attempt := e.retries.Attempts(task.ID)
	if attempt >= e.cfg.MaxRetryAttempts {
		e.retries.Clear(task.ID)
		return fmt.Sprintf("task %s exhausted %d retry attempts: %s", task.ID, e.cfg.MaxRetryAttempts, failed.Error)
	}
	e.retries.Begin(task.ID)

	res := e.resolver.Resolve(ctx, ResolveRequest{
		Task:        task,
		Error:       failed.Error,
		Attempt:     attempt,
		WorkContext: e.workContext(r),
	})
	e.bus.Publish(bus.Message{
		From:    engineAgent,
		Kind:    bus.KindNotification,
		Action:  bus.ActionResolution,
		Payload: ResolutionEvent{TaskID: task.ID, Attempt: attempt, Resolution: res},
	})
	logging.Info("resolution", "task", task.ID, "attempt", attempt, "tier", res.Tier, "fixed", res.Fixed)

	switch {
	case res.Exhausted:
		e.retries.Clear(task.ID)
		return fmt.Sprintf("task %s: %s", task.ID, res.Analysis)
	case !res.Fixed:
		r.queue = append(r.queue, task)
	case res.Skip:
		r.report.Skipped = append(r.report.Skipped, task.ID)
		e.bus.Notify(engineAgent, bus.SeverityWarning, fmt.Sprintf("Skipping %s: %s", task.ID, res.Analysis), nil)
		e.complete(r, task.ID)
	case res.HasRetryAction():
		retry := task.Derive(attempt+1, Override{
			Command:  res.RetryCommand,
			Content:  res.RetryContent,
			Metadata: res.RetryMetadata,
		})
		if e.dispatch(ctx, r, retry, task.ID).Success {
			e.complete(r, task.ID)
		} else {
			r.queue = append(r.queue, task)
		}
	default:
		if res.Backoff > 0 {
			if err := sleep(ctx, res.Backoff); err != nil {
				logging.Debug("backoff interrupted", "task", task.ID, "error", err)
			}
		}
		r.queue = append(r.queue, task)
	}
	return ""
}

// dispatch runs one attempt through the handler table and publishes the result.
func (e *Engine) dispatch(ctx context.Context, r *run, task *Task, originalID string) ExecutionResult {
	e.bus.Notify(engineAgent, bus.SeverityInfo, fmt.Sprintf("Running %s: %s", task.ID, task.Description), nil)

	start := time.Now()
	result := e.handlers[task.Type].Handle(ctx, r.env, task)
	result.TaskID = originalID
	result.AttemptID = task.ID
	result.Task = task
	result.Duration = time.Since(start)

	r.report.Results = append(r.report.Results, result)
	e.bus.Publish(bus.Message{
		From:    engineAgent,
		Kind:    bus.KindNotification,
		Action:  bus.ActionTaskResult,
		Payload: result,
	})
	if !result.Success {
		logging.Warn("task failed", "task", task.ID, "type", task.Type, "error", result.Error)
	}
	return result
}

// complete marks id completed and reports progress.
func (e *Engine) complete(r *run, id string) {
	r.completed[id] = true
	e.retries.Clear(id)

	total := r.report.Total
	pct := int(math.Round(float64(len(r.completed)) / float64(total) * 100))
	e.bus.Set(bus.KeyExecutionProgress, Progress{Completed: len(r.completed), Total: total, Percent: pct})
	e.bus.Notify(engineAgent, bus.SeveritySuccess,
		fmt.Sprintf("Completed %s (%d/%d)", id, len(r.completed), total), bus.Progress(pct))
}

func (e *Engine) finish(r *run) Report {
	r.report.Completed = len(r.completed)
	if r.report.Status != StatusFailed && r.report.Completed == r.report.Total {
		r.report.Status = StatusCompleted
		r.report.Reason = ""
	}
	logging.Info("execution finished",
		"status", r.report.Status,
		"completed", r.report.Completed,
		"total", r.report.Total,
		"dequeues", r.report.Dequeues,
	)
	return r.report
}

// workContext snapshots the shared state a resolver may use as context.
func (e *Engine) workContext(r *run) map[string]any {
	wc := map[string]any{"work_dir": r.env.WorkDir}
	for _, key := range []string{bus.KeyJobContext, bus.KeyTechStack, bus.KeyDatasetContext, bus.KeySandboxEnv} {
		if v, ok := e.bus.Get(key); ok {
			wc[key] = v
		}
	}
	return wc
}

func dependenciesMet(t *Task, completed map[string]bool) bool {
	for _, dep := range t.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
