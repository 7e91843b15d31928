// Package orchestrator owns the session lifecycle: it acquires a plan, hands
// it to the execution engine and runs an advisory verification pass.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/forge/internal/bus"
	"github.com/aristath/forge/internal/logging"
	"github.com/aristath/forge/internal/planner"
	"github.com/aristath/forge/internal/scheduler"
)

const agentName = "orchestrator"

var (
	// ErrInvalidPlan is returned when the acquired plan cannot be executed. It is never retried.
	ErrInvalidPlan = errors.New("invalid plan")
	// ErrExecutionFailed is returned when the engine aborts the run.
	ErrExecutionFailed = errors.New("execution failed")
)

// Phase is a step of the session lifecycle.
type Phase string

const (
	PhaseInitializing       Phase = "initializing"
	PhasePlanning           Phase = "planning"
	PhaseExecuting          Phase = "executing"
	PhaseVerifying          Phase = "verifying"
	PhaseCompleted          Phase = "completed"
	PhaseFailed             Phase = "failed"
	PhasePartiallyCompleted Phase = "partially-completed"
)

// phaseProgress is the coarse progress reported on entering a phase.
// Terminal failure phases keep the progress reached so far.
var phaseProgress = map[Phase]int{
	PhaseInitializing: 0,
	PhasePlanning:     20,
	PhaseExecuting:    40,
	PhaseVerifying:    90,
	PhaseCompleted:    100,
}

// Terminal reports whether p ends a session.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhasePartiallyCompleted
}

// Session is stored under bus.KeySession and updated on every transition.
type Session struct {
	ID         string
	Job        scheduler.JobContext
	Phase      Phase
	Progress   int
	PlanName   string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// PhaseEvent is the payload of bus.ActionPhase messages.
type PhaseEvent struct {
	SessionID string
	Phase     Phase
	Progress  int
	Message   string
}

// SessionReport is the result of Run.
type SessionReport struct {
	Session      Session
	Execution    scheduler.Report
	Verification *VerificationReport // nil unless the verification pass ran
}

// Config configures an Orchestrator.
type Config struct {
	WorkDir string // used for verification when the plan names none
	Verify  VerifyConfig
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithSessionID fixes the session id instead of generating one.
func WithSessionID(id string) Option {
	return func(o *Orchestrator) { o.sessionID = id }
}

// WithVerifier replaces the default verifier.
func WithVerifier(v *Verifier) Option {
	return func(o *Orchestrator) { o.verifier = v }
}

// Orchestrator runs one session. The engine it is given is disposed when the
// session ends, so an Orchestrator is not reusable.
type Orchestrator struct {
	bus       *bus.Bus
	producer  planner.Producer
	engine    *scheduler.Engine
	verifier  *Verifier
	cfg       Config
	sessionID string
}

// New creates an orchestrator. producer may be nil when the plan arrives
// through shared state.
func New(b *bus.Bus, producer planner.Producer, engine *scheduler.Engine, cfg Config, opts ...Option) (*Orchestrator, error) {
	if b == nil {
		return nil, fmt.Errorf("orchestrator requires a bus")
	}
	if engine == nil {
		return nil, fmt.Errorf("orchestrator requires an execution engine")
	}
	o := &Orchestrator{
		bus:      b,
		producer: producer,
		engine:   engine,
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.verifier == nil {
		o.verifier = NewVerifier(cfg.Verify)
	}
	if o.sessionID == "" {
		o.sessionID = uuid.NewString()
	}
	return o, nil
}

// Run drives the session through planning, execution and verification.
func (o *Orchestrator) Run(ctx context.Context, job scheduler.JobContext) (rep SessionReport, err error) {
	sess := &Session{ID: o.sessionID, Job: job, StartedAt: time.Now()}

	defer func() {
		o.engine.Dispose()
		if err != nil {
			o.fail(sess, err)
		}
		rep.Session = *sess
	}()

	o.bus.Set(bus.KeySessionID, sess.ID)
	o.bus.Set(bus.KeyJobContext, job)
	if len(job.TechStack) > 0 {
		o.bus.Set(bus.KeyTechStack, job.TechStack)
	}
	o.transition(sess, PhaseInitializing, fmt.Sprintf("Session %s started: %s", sess.ID, job.Title))

	o.transition(sess, PhasePlanning, "Acquiring plan")
	plan, err := o.acquirePlan(ctx, job)
	if err != nil {
		return rep, err
	}
	sess.PlanName = plan.Name
	if _, ok := o.bus.Get(bus.KeyTechStack); !ok && len(plan.TechStack) > 0 {
		o.bus.Set(bus.KeyTechStack, plan.TechStack)
	}

	o.transition(sess, PhaseExecuting, fmt.Sprintf("Executing %d tasks", len(plan.Tasks)))
	report, err := o.engine.Run(ctx, plan)
	rep.Execution = report
	if err != nil {
		return rep, fmt.Errorf("execution: %w", err)
	}

	switch report.Status {
	case scheduler.StatusFailed:
		return rep, fmt.Errorf("%w: %s", ErrExecutionFailed, report.Reason)
	case scheduler.StatusPartial:
		sess.FinishedAt = time.Now()
		o.transition(sess, PhasePartiallyCompleted,
			fmt.Sprintf("Completed %d of %d tasks: %s", report.Completed, report.Total, report.Reason))
		return rep, nil
	}

	o.transition(sess, PhaseVerifying, "Verifying outputs")
	workDir := plan.WorkDir
	if workDir == "" {
		workDir = o.cfg.WorkDir
	}
	vr := o.verifier.Verify(ctx, plan, workDir)
	rep.Verification = &vr
	logging.Info("verification finished", "session", sess.ID, "passed", vr.Passed, "total", vr.Total, "pass_rate", vr.PassRate)
	severity := bus.SeverityInfo
	if vr.Passed < vr.Total {
		severity = bus.SeverityWarning
	}
	o.bus.Notify(agentName, severity, fmt.Sprintf("Verification: %d/%d checks passed (%.0f%%)", vr.Passed, vr.Total, vr.PassRate*100), nil)

	sess.FinishedAt = time.Now()
	o.transition(sess, PhaseCompleted, fmt.Sprintf("Session %s completed", sess.ID))
	return rep, nil
}

// acquirePlan prefers a plan a concurrent producer already published.
func (o *Orchestrator) acquirePlan(ctx context.Context, job scheduler.JobContext) (*scheduler.Plan, error) {
	var plan *scheduler.Plan
	if v, ok := o.bus.Get(bus.KeyPlan); ok {
		if p, ok := v.(*scheduler.Plan); ok && p != nil {
			logging.Info("using plan from shared state", "plan", p.Name)
			plan = p
		}
	}
	if plan == nil {
		if o.producer == nil {
			return nil, fmt.Errorf("%w: no plan in shared state and no producer configured", ErrInvalidPlan)
		}
		p, err := o.producer.Plan(ctx, job)
		if err != nil {
			return nil, fmt.Errorf("planning: %w", err)
		}
		plan = p
		o.bus.Set(bus.KeyPlan, plan)
	}

	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	return plan, nil
}

// transition records the new phase. Progress never decreases.
func (o *Orchestrator) transition(sess *Session, phase Phase, msg string) {
	sess.Phase = phase
	if p, ok := phaseProgress[phase]; ok && p > sess.Progress {
		sess.Progress = p
	}
	o.bus.Set(bus.KeySession, *sess)
	o.bus.Publish(bus.Message{
		From:   agentName,
		Kind:   bus.KindNotification,
		Action: bus.ActionPhase,
		Payload: PhaseEvent{
			SessionID: sess.ID,
			Phase:     phase,
			Progress:  sess.Progress,
			Message:   msg,
		},
	})

	severity := bus.SeverityInfo
	switch phase {
	case PhaseCompleted:
		severity = bus.SeveritySuccess
	case PhaseFailed:
		severity = bus.SeverityError
	case PhasePartiallyCompleted:
		severity = bus.SeverityWarning
	}
	o.bus.Notify(agentName, severity, msg, bus.Progress(sess.Progress))
	logging.Info("session phase", "session", sess.ID, "phase", phase, "progress", sess.Progress)
}

func (o *Orchestrator) fail(sess *Session, err error) {
	sess.Error = err.Error()
	sess.FinishedAt = time.Now()
	logging.Error("session failed", "session", sess.ID, "phase", sess.Phase, "error", err)
	o.transition(sess, PhaseFailed, fmt.Sprintf("Session failed during %s: %v", sess.Phase, err))
}
