package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aristath/forge/internal/bus"
	"github.com/aristath/forge/internal/capabilities"
	"github.com/aristath/forge/internal/planner"
	"github.com/aristath/forge/internal/runner"
	"github.com/aristath/forge/internal/scheduler"
)

type unfixedResolver struct{}

func (unfixedResolver) Resolve(context.Context, scheduler.ResolveRequest) scheduler.Resolution {
	return scheduler.Resolution{Analysis: "no idea"}
}

func staticProducer(plan *scheduler.Plan, calls *int) planner.Producer {
	return planner.ProducerFunc(func(context.Context, scheduler.JobContext) (*scheduler.Plan, error) {
		if calls != nil {
			*calls++
		}
		return plan, nil
	})
}

func newEngine(t *testing.T, b *bus.Bus, cfg scheduler.EngineConfig, opts ...scheduler.EngineOption) *scheduler.Engine {
	t.Helper()
	e, err := scheduler.NewEngine(b, unfixedResolver{}, cfg, opts...)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

func collectPhases(ch <-chan bus.Message) []PhaseEvent {
	var out []PhaseEvent
	for {
		select {
		case msg := <-ch:
			if ev, ok := msg.Payload.(PhaseEvent); ok {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func TestRunCompletesAndVerifies(t *testing.T) {
	workDir := t.TempDir()
	b := bus.New()
	capabilities.Register(b, capabilities.Deps{Runner: runner.NewShellRunner(nil)})
	phases := b.SubscribeAction(bus.ActionPhase, 32)

	plan := &scheduler.Plan{
		Name:    "assessment",
		WorkDir: workDir,
		Tasks: []*scheduler.Task{
			{ID: "src", Type: scheduler.TypeCreateDirectory, Path: "src"},
			{ID: "readme", Type: scheduler.TypeCreateFile, Path: "README.md", Content: "# Readme\n", DependsOn: []string{"src"}},
			{ID: "doc", Type: scheduler.TypeWriteAssessmentDoc, Content: "Findings.", DependsOn: []string{"readme"}},
		},
	}
	engine := newEngine(t, b, scheduler.EngineConfig{})
	o, err := New(b, staticProducer(plan, nil), engine, Config{}, WithSessionID("sess-1"))
	if err != nil {
		t.Fatal(err)
	}

	rep, err := o.Run(context.Background(), scheduler.JobContext{Title: "Churn", TechStack: []string{"python"}})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rep.Session.Phase != PhaseCompleted || rep.Session.Progress != 100 || rep.Session.ID != "sess-1" {
		t.Errorf("session = %+v", rep.Session)
	}
	if rep.Execution.Status != scheduler.StatusCompleted || rep.Execution.Completed != 3 {
		t.Errorf("execution = %+v", rep.Execution)
	}
	if rep.Verification == nil || rep.Verification.Passed != 3 || rep.Verification.PassRate != 1 {
		t.Errorf("verification = %+v", rep.Verification)
	}
	if !engine.Disposed() {
		t.Error("engine not disposed")
	}
	if b.GetString(bus.KeySessionID) != "sess-1" {
		t.Errorf("session_id state = %q", b.GetString(bus.KeySessionID))
	}

	got := collectPhases(phases)
	want := []Phase{PhaseInitializing, PhasePlanning, PhaseExecuting, PhaseVerifying, PhaseCompleted}
	if len(got) != len(want) {
		t.Fatalf("phases = %+v, want %v", got, want)
	}
	last := -1
	for i, ev := range got {
		if ev.Phase != want[i] {
			t.Errorf("phase %d = %s, want %s", i, ev.Phase, want[i])
		}
		if ev.Progress < last {
			t.Errorf("progress went backwards: %d after %d", ev.Progress, last)
		}
		last = ev.Progress
	}
}

func TestRunRejectsEmptyPlan(t *testing.T) {
	b := bus.New()
	calls := 0
	engine := newEngine(t, b, scheduler.EngineConfig{})
	o, _ := New(b, staticProducer(&scheduler.Plan{Name: "empty"}, &calls), engine, Config{})

	rep, err := o.Run(context.Background(), scheduler.JobContext{Title: "x"})
	if !errors.Is(err, ErrInvalidPlan) {
		t.Fatalf("err = %v, want ErrInvalidPlan", err)
	}
	if calls != 1 {
		t.Errorf("producer called %d times, want 1", calls)
	}
	if rep.Session.Phase != PhaseFailed || rep.Session.Error == "" || rep.Session.Progress != 20 {
		t.Errorf("session = %+v", rep.Session)
	}
	if !engine.Disposed() {
		t.Error("engine not disposed after failure")
	}
	v, _ := b.Get(bus.KeySession)
	if s, ok := v.(Session); !ok || s.Phase != PhaseFailed {
		t.Errorf("session state = %+v", v)
	}
}

func TestRunUsesSharedStatePlan(t *testing.T) {
	b := bus.New()
	b.Set(bus.KeyPlan, &scheduler.Plan{
		Name:  "shared",
		Tasks: []*scheduler.Task{{ID: "a", Type: scheduler.TypeRunCommand, Command: "true"}},
	})
	ok := scheduler.HandlerFunc(func(context.Context, *scheduler.Env, *scheduler.Task) scheduler.ExecutionResult {
		return scheduler.ExecutionResult{Success: true}
	})
	engine := newEngine(t, b, scheduler.EngineConfig{}, scheduler.WithHandler(scheduler.TypeRunCommand, ok))
	producer := planner.ProducerFunc(func(context.Context, scheduler.JobContext) (*scheduler.Plan, error) {
		t.Error("producer called although a plan was in shared state")
		return nil, errors.New("unexpected")
	})
	o, _ := New(b, producer, engine, Config{WorkDir: t.TempDir(), Verify: VerifyConfig{ExpectedPaths: []string{}}})

	rep, err := o.Run(context.Background(), scheduler.JobContext{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rep.Session.PlanName != "shared" || rep.Session.Phase != PhaseCompleted {
		t.Errorf("session = %+v", rep.Session)
	}
}

func TestRunExecutionAbortFailsSession(t *testing.T) {
	b := bus.New()
	failing := scheduler.HandlerFunc(func(context.Context, *scheduler.Env, *scheduler.Task) scheduler.ExecutionResult {
		return scheduler.ExecutionResult{Error: "exit status 1"}
	})
	engine := newEngine(t, b, scheduler.EngineConfig{MaxRetryAttempts: 1}, scheduler.WithHandler(scheduler.TypeRunCommand, failing))
	plan := &scheduler.Plan{Tasks: []*scheduler.Task{{ID: "a", Type: scheduler.TypeRunCommand, Command: "false"}}}
	o, _ := New(b, staticProducer(plan, nil), engine, Config{})

	rep, err := o.Run(context.Background(), scheduler.JobContext{})
	if !errors.Is(err, ErrExecutionFailed) {
		t.Fatalf("err = %v, want ErrExecutionFailed", err)
	}
	if rep.Session.Phase != PhaseFailed || rep.Session.Progress != 40 {
		t.Errorf("session = %+v", rep.Session)
	}
	if rep.Execution.Status != scheduler.StatusFailed {
		t.Errorf("execution status = %s", rep.Execution.Status)
	}
	if rep.Verification != nil {
		t.Error("verification ran after a failed execution")
	}
}

func TestRunPartialCompletion(t *testing.T) {
	b := bus.New()
	ok := scheduler.HandlerFunc(func(context.Context, *scheduler.Env, *scheduler.Task) scheduler.ExecutionResult {
		return scheduler.ExecutionResult{Success: true}
	})
	engine := newEngine(t, b, scheduler.EngineConfig{}, scheduler.WithHandler(scheduler.TypeRunCommand, ok))
	plan := &scheduler.Plan{Tasks: []*scheduler.Task{
		{ID: "a", Type: scheduler.TypeRunCommand},
		{ID: "b", Type: scheduler.TypeRunCommand},
		{ID: "c", Type: scheduler.TypeRunCommand, DependsOn: []string{"ghost"}},
	}}
	o, _ := New(b, staticProducer(plan, nil), engine, Config{})

	rep, err := o.Run(context.Background(), scheduler.JobContext{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if rep.Session.Phase != PhasePartiallyCompleted || rep.Execution.Completed != 2 || rep.Execution.Dequeues != 9 {
		t.Errorf("session = %+v, execution = %+v", rep.Session, rep.Execution)
	}
	if rep.Verification != nil {
		t.Error("verification ran after partial completion")
	}
}

func TestVerifier(t *testing.T) {
	workDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(workDir, "data", "raw"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(workDir, "data", "raw", "train.csv"), []byte("a\n1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(workDir, "README.md"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	v := NewVerifier(VerifyConfig{ExpectedPaths: []string{"README.md", "ASSESSMENT.md"}})
	dataPlan := &scheduler.Plan{Tasks: []*scheduler.Task{{ID: "d", Type: scheduler.TypeFetchDataset}}}

	rep := v.Verify(context.Background(), dataPlan, workDir)
	if rep.Total != 3 || rep.Passed != 2 {
		t.Fatalf("report = %+v, want 2/3", rep)
	}
	if rep.Checks[2].Detail != "data/raw/train.csv" {
		t.Errorf("dataset check = %+v", rep.Checks[2])
	}

	plain := &scheduler.Plan{Tasks: []*scheduler.Task{{ID: "r", Type: scheduler.TypeRunCommand}}}
	if rep := v.Verify(context.Background(), plain, workDir); rep.Total != 2 || rep.PassRate != 0.5 {
		t.Errorf("non-data plan report = %+v", rep)
	}
}
