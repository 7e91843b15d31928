package capabilities

import (
	"context"
	"fmt"

	"github.com/aristath/forge/internal/bus"
	"github.com/aristath/forge/internal/runner"
	"github.com/aristath/forge/internal/sandbox"
)

func toOutput(res runner.Result) bus.CommandOutput {
	return bus.CommandOutput{
		Success:  res.Success(),
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
	}
}

func registerCommand(b *bus.Bus, r runner.Runner) {
	b.RegisterCapability(bus.CapabilityFunc{
		ID:     bus.CapRunCommand,
		Desc:   "Run a shell command on the host",
		Params: map[string]string{"command": "shell command line", "dir": "working directory", "timeout": "per-command timeout"},
		Fn: func(ctx context.Context, params map[string]any) (any, error) {
			line, err := requireString(params, "command")
			if err != nil {
				return nil, err
			}
			res, err := r.Run(ctx, runner.Command{
				Line:    line,
				Dir:     paramString(params, "dir"),
				Timeout: paramDuration(params, "timeout"),
			})
			if err != nil {
				return nil, err
			}
			return toOutput(res), nil
		},
	})
}

func registerSandbox(b *bus.Bus, m sandbox.Manager) {
	b.RegisterCapability(bus.CapabilityFunc{
		ID:     bus.CapSandboxExec,
		Desc:   "Run a shell command inside a sandbox",
		Params: map[string]string{"id": "sandbox id", "command": "shell command line", "dir": "directory relative to the sandbox root", "timeout": "per-command timeout"},
		Fn: func(ctx context.Context, params map[string]any) (any, error) {
			id, err := requireString(params, "id")
			if err != nil {
				return nil, err
			}
			line, err := requireString(params, "command")
			if err != nil {
				return nil, err
			}
			res, err := m.Exec(ctx, id, runner.Command{
				Line:    line,
				Dir:     paramString(params, "dir"),
				Timeout: paramDuration(params, "timeout"),
			})
			if err != nil {
				return nil, err
			}
			return toOutput(res), nil
		},
	})

	b.RegisterCapability(bus.CapabilityFunc{
		ID:     bus.CapEnvSetup,
		Desc:   "Start a sandboxed environment for a candidate",
		Params: map[string]string{"id": "candidate id", "kind": "environment kind (python, node, go)"},
		Fn: func(ctx context.Context, params map[string]any) (any, error) {
			id, err := requireString(params, "id")
			if err != nil {
				return nil, err
			}
			kind := paramString(params, "kind")
			if kind == "" {
				kind = "python"
			}
			env, err := m.Start(ctx, id, kind)
			if err != nil {
				return nil, fmt.Errorf("environment setup failed: %w", err)
			}
			return env, nil
		},
	})

	b.RegisterCapability(bus.CapabilityFunc{
		ID:     bus.CapEnvTeardown,
		Desc:   "Stop a sandboxed environment",
		Params: map[string]string{"id": "candidate id"},
		Fn: func(ctx context.Context, params map[string]any) (any, error) {
			id, err := requireString(params, "id")
			if err != nil {
				return nil, err
			}
			return nil, m.Stop(ctx, id)
		},
	})
}
