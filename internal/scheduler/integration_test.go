package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aristath/forge/internal/bus"
	"github.com/aristath/forge/internal/capabilities"
	"github.com/aristath/forge/internal/runner"
	"github.com/aristath/forge/internal/sandbox"
)

// TestSandboxedCommandsSeePlanFiles runs a plan through real capabilities:
// files written before setup-environment must be visible to commands run
// inside the sandbox afterwards, and must survive sandbox teardown.
func TestSandboxedCommandsSeePlanFiles(t *testing.T) {
	work := t.TempDir()
	shell := runner.NewShellRunner(nil)
	mgr := sandbox.NewLocalManager(sandbox.Config{WorkDir: work}, shell)

	b := bus.New()
	capabilities.Register(b, capabilities.Deps{Runner: shell, Sandbox: mgr})
	b.Set(bus.KeySessionID, "sess-1")

	e, err := NewEngine(b, &fakeResolver{}, EngineConfig{MaxRetryAttempts: 1, WorkDir: work})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	plan := &Plan{Name: "sandboxed", Tasks: []*Task{
		{ID: "req", Type: TypeCreateFile, Path: "requirements.txt", Content: "pandas\n"},
		{ID: "env", Type: TypeSetupEnvironment, Metadata: map[string]any{"kind": "python"}, DependsOn: []string{"req"}},
		{ID: "use", Type: TypeRunCommand, Command: "cat requirements.txt > seen.txt", DependsOn: []string{"env"}},
		{ID: "check", Type: TypeRunValidation, Path: "seen.txt", DependsOn: []string{"use"}},
	}}

	report, err := e.Run(context.Background(), plan)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Status != StatusCompleted || report.Completed != 4 {
		for _, r := range report.Results {
			t.Logf("%s success=%v err=%q", r.AttemptID, r.Success, r.Error)
		}
		t.Fatalf("report = %+v, want 4/4 completed", report)
	}

	v, ok := b.Get(bus.KeySandboxEnv)
	if !ok || v.(bus.SandboxEnv).Dir != work {
		t.Errorf("sandbox_env = %v, want dir %s", v, work)
	}

	if err := mgr.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(work, "seen.txt"))
	if err != nil {
		t.Fatalf("workspace file removed by sandbox teardown: %v", err)
	}
	if !strings.Contains(string(data), "pandas") {
		t.Errorf("seen.txt = %q", data)
	}
}

func TestSandboxDirRelativeToWorkDir(t *testing.T) {
	env := &Env{WorkDir: "/w"}
	tests := map[string]string{
		"":       "",
		"sub":    "sub",
		"/w/a/b": "a/b",
		"/w":     ".",
	}
	for in, want := range tests {
		if got := env.sandboxDir(&Task{WorkingDir: in}); got != want {
			t.Errorf("sandboxDir(%q) = %q, want %q", in, got, want)
		}
	}
}
