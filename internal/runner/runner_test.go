package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestShellRunner(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		cmd        Command
		wantExit   int
		wantOut    string
		wantErrOut string
		timedOut   bool
	}{
		{name: "success", cmd: Command{Line: "echo hi"}, wantOut: "hi"},
		{name: "exit code", cmd: Command{Line: "echo bad >&2; exit 2"}, wantExit: 2, wantErrOut: "bad"},
		{name: "command not found", cmd: Command{Line: "definitely-not-a-binary-xyz"}, wantExit: 127, wantErrOut: "not found"},
		{name: "working dir", cmd: Command{Line: "ls", Dir: dir}, wantOut: "marker.txt"},
		{name: "env", cmd: Command{Line: "echo $FORGE_TEST", Env: []string{"FORGE_TEST=value"}}, wantOut: "value"},
		{name: "compound", cmd: Command{Line: "true && echo second"}, wantOut: "second"},
		{name: "timeout", cmd: Command{Line: "sleep 10", Timeout: 200 * time.Millisecond}, wantExit: -1, timedOut: true, wantErrOut: "timed out"},
	}

	r := NewShellRunner(NewProcessManager())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Run(context.Background(), tt.cmd)
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if res.ExitCode != tt.wantExit {
				t.Errorf("ExitCode = %d, want %d (stderr: %s)", res.ExitCode, tt.wantExit, res.Stderr)
			}
			if res.TimedOut != tt.timedOut {
				t.Errorf("TimedOut = %v, want %v", res.TimedOut, tt.timedOut)
			}
			if res.Success() != (tt.wantExit == 0 && !tt.timedOut) {
				t.Errorf("Success() = %v", res.Success())
			}
			if tt.wantOut != "" && !strings.Contains(res.Stdout, tt.wantOut) {
				t.Errorf("Stdout = %q, want it to contain %q", res.Stdout, tt.wantOut)
			}
			if tt.wantErrOut != "" && !strings.Contains(res.Stderr, tt.wantErrOut) {
				t.Errorf("Stderr = %q, want it to contain %q", res.Stderr, tt.wantErrOut)
			}
		})
	}
}

func TestShellRunnerRejectsEmptyLine(t *testing.T) {
	if _, err := NewShellRunner(nil).Run(context.Background(), Command{}); err == nil {
		t.Error("expected error for empty command line")
	}
}

func TestShellRunnerParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := NewShellRunner(nil).Run(ctx, Command{Line: "sleep 10"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}
