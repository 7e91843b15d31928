package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/aristath/forge/internal/bus"
)

// Env is what a handler sees of the running engine. Handlers act on the
// outside world only through bus capabilities.
type Env struct {
	Bus             *bus.Bus
	WorkDir         string
	TechStack       []string
	CommandTimeout  time.Duration
	MinDatasetLines int
}

// Path resolves p against the work directory.
func (env *Env) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || env.WorkDir == "" {
		return p
	}
	return filepath.Join(env.WorkDir, p)
}

// Dir returns the directory a task's command runs in.
func (env *Env) Dir(t *Task) string {
	if t.WorkingDir != "" {
		return env.Path(t.WorkingDir)
	}
	return env.WorkDir
}

// sandboxDir is a task's working directory relative to the work dir, which
// is where sandboxes run.
func (env *Env) sandboxDir(t *Task) string {
	if !filepath.IsAbs(t.WorkingDir) || env.WorkDir == "" {
		return t.WorkingDir
	}
	if rel, err := filepath.Rel(env.WorkDir, t.WorkingDir); err == nil {
		return rel
	}
	return t.WorkingDir
}

func (env *Env) invoke(ctx context.Context, name string, params map[string]any) (any, error) {
	return env.Bus.Invoke(ctx, name, params, engineAgent)
}

// Handler executes one task type. Failures are reported in the result,
// never as Go errors.
type Handler interface {
	Handle(ctx context.Context, env *Env, t *Task) ExecutionResult
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *Env, t *Task) ExecutionResult

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, env *Env, t *Task) ExecutionResult {
	return f(ctx, env, t)
}

// DefaultHandlers returns the handler table covering every TaskType.
func DefaultHandlers() map[TaskType]Handler {
	return map[TaskType]Handler{
		TypeCreateDirectory:     HandlerFunc(createDirectory),
		TypeCreateFile:          HandlerFunc(createFile),
		TypeRunCommand:          HandlerFunc(runCommand),
		TypeWriteAssessmentDoc:  HandlerFunc(writeAssessmentDoc),
		TypeFetchDataset:        HandlerFunc(fetchDataset),
		TypeSetupEnvironment:    HandlerFunc(setupEnvironment),
		TypeInstallDependencies: HandlerFunc(installDependencies),
		TypeCreateVirtualEnv:    HandlerFunc(createVirtualEnv),
		TypeRunValidation:       HandlerFunc(runValidation),
	}
}

func succeeded(output string) ExecutionResult {
	return ExecutionResult{Success: true, Output: output}
}

func failed(format string, args ...any) ExecutionResult {
	return ExecutionResult{Error: fmt.Sprintf(format, args...)}
}

func createDirectory(ctx context.Context, env *Env, t *Task) ExecutionResult {
	if t.Path == "" {
		return failed("create-directory task %s has no path", t.ID)
	}
	path := env.Path(t.Path)
	if _, err := env.invoke(ctx, bus.CapCreateDir, map[string]any{"path": path}); err != nil {
		return failed("%v", err)
	}
	return succeeded("created directory " + path)
}

func createFile(ctx context.Context, env *Env, t *Task) ExecutionResult {
	if t.Path == "" {
		return failed("create-file task %s has no path", t.ID)
	}
	path := env.Path(t.Path)
	if _, err := env.invoke(ctx, bus.CapWriteFile, map[string]any{"path": path, "content": t.Content}); err != nil {
		return failed("%v", err)
	}
	return succeeded(fmt.Sprintf("wrote %d bytes to %s", len(t.Content), path))
}

func writeAssessmentDoc(ctx context.Context, env *Env, t *Task) ExecutionResult {
	path := env.Path(firstNonEmpty(t.Path, "ASSESSMENT.md"))
	content := t.Content
	if !strings.HasPrefix(strings.TrimSpace(content), "#") {
		title := "Assessment"
		if job, ok := jobContext(env.Bus); ok && job.Title != "" {
			title = "Assessment: " + job.Title
		}
		var sb strings.Builder
		sb.WriteString("# " + title + "\n\n")
		if job, ok := jobContext(env.Bus); ok && job.Description != "" {
			sb.WriteString(job.Description + "\n\n")
		}
		sb.WriteString(content)
		content = sb.String()
	}
	if _, err := env.invoke(ctx, bus.CapWriteFile, map[string]any{"path": path, "content": content}); err != nil {
		return failed("%v", err)
	}
	return succeeded("wrote assessment document " + path)
}

func runCommand(ctx context.Context, env *Env, t *Task) ExecutionResult {
	if strings.TrimSpace(t.Command) == "" {
		return failed("run-command task %s has no command", t.ID)
	}
	return execute(ctx, env, t, t.Command)
}

func installDependencies(ctx context.Context, env *Env, t *Task) ExecutionResult {
	cmd := t.Command
	if cmd == "" {
		cmd = defaultInstallCommand(stackOf(env))
	}
	if cmd == "" {
		return failed("install-dependencies task %s has no command and no known tech stack", t.ID)
	}
	return execute(ctx, env, t, cmd)
}

func createVirtualEnv(ctx context.Context, env *Env, t *Task) ExecutionResult {
	cmd := t.Command
	if cmd == "" {
		cmd = "python3 -m venv " + firstNonEmpty(t.Path, ".venv")
	}
	return execute(ctx, env, t, cmd)
}

func runValidation(ctx context.Context, env *Env, t *Task) ExecutionResult {
	if t.Command != "" {
		return execute(ctx, env, t, t.Command)
	}
	if t.Path == "" {
		return failed("run-validation task %s has neither command nor path", t.ID)
	}

	path := env.Path(t.Path)
	out, err := env.invoke(ctx, bus.CapStat, map[string]any{"path": path})
	if err != nil {
		return failed("%v", err)
	}
	info, _ := out.(bus.FileInfo)
	if !info.Exists {
		return failed("%s: no such file or directory", path)
	}
	return succeeded("validated " + path)
}

func setupEnvironment(ctx context.Context, env *Env, t *Task) ExecutionResult {
	kind := firstNonEmpty(t.MetaString("kind"), primaryStack(stackOf(env)), "python")
	id := firstNonEmpty(t.MetaString("candidate"), env.Bus.GetString(bus.KeySessionID), t.ID)

	out, err := env.invoke(ctx, bus.CapEnvSetup, map[string]any{"id": id, "kind": kind})
	if err != nil {
		return failed("%v", err)
	}
	sb, ok := out.(bus.SandboxEnv)
	if !ok {
		return failed("env.setup returned %T", out)
	}
	env.Bus.Set(bus.KeySandboxEnv, sb)

	if t.Command != "" {
		res := execute(ctx, env, t, t.Command)
		if !res.Success {
			return res
		}
	}
	return succeeded(fmt.Sprintf("environment %s (%s) ready", sb.ID, sb.Kind))
}

func fetchDataset(ctx context.Context, env *Env, t *Task) ExecutionResult {
	path := env.Path(firstNonEmpty(t.Path, "data/dataset.csv"))
	minLines := env.MinDatasetLines

	var fetchErr error
	if t.MetaString("source") != "synthetic" {
		params := map[string]any{
			"path":      path,
			"url":       t.MetaString("url"),
			"command":   t.Command,
			"dir":       env.Dir(t),
			"min_lines": minLines,
		}
		out, err := env.invoke(ctx, bus.CapDatasetFetch, params)
		if err == nil {
			if info, ok := out.(bus.DatasetInfo); ok {
				env.Bus.Set(bus.KeyDatasetContext, info)
				return succeeded(fmt.Sprintf("fetched dataset %s (%d lines)", info.Path, info.Lines))
			}
			err = fmt.Errorf("dataset.fetch returned %T", out)
		}
		fetchErr = err
		env.Bus.Notify(engineAgent, bus.SeverityWarning,
			fmt.Sprintf("Dataset download failed for %s, generating synthetic data: %v", t.ID, err), nil)
	}

	params := map[string]any{
		"path": path,
		"rows": max(minLines*10, 100),
		"seed": t.ID,
	}
	if cols := t.MetaString("columns"); cols != "" {
		params["columns"] = cols
	}
	out, err := env.invoke(ctx, bus.CapDatasetSynthesize, params)
	if err != nil {
		if fetchErr != nil {
			return failed("dataset download failed: %v; synthetic fallback failed: %v", fetchErr, err)
		}
		return failed("dataset synthesis failed: %v", err)
	}
	info, _ := out.(bus.DatasetInfo)
	env.Bus.Set(bus.KeyDatasetContext, info)
	return succeeded(fmt.Sprintf("synthesized dataset %s (%d lines)", info.Path, info.Lines))
}

// execute runs cmd inside the active sandbox when one is set, else on the host.
func execute(ctx context.Context, env *Env, t *Task, cmd string) ExecutionResult {
	var (
		out any
		err error
	)
	if v, ok := env.Bus.Get(bus.KeySandboxEnv); ok {
		sb, _ := v.(bus.SandboxEnv)
		out, err = env.invoke(ctx, bus.CapSandboxExec, map[string]any{
			"id":      sb.ID,
			"command": cmd,
			"dir":     env.sandboxDir(t),
			"timeout": env.CommandTimeout,
		})
	} else {
		out, err = env.invoke(ctx, bus.CapRunCommand, map[string]any{
			"command": cmd,
			"dir":     env.Dir(t),
			"timeout": env.CommandTimeout,
		})
	}
	if err != nil {
		return failed("%v", err)
	}

	co, ok := out.(bus.CommandOutput)
	if !ok {
		return failed("command capability returned %T", out)
	}
	if !co.Success {
		msg := strings.TrimSpace(co.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(co.Stdout)
		}
		return ExecutionResult{
			Output: co.Stdout,
			Error:  fmt.Sprintf("command %q exited with code %d: %s", cmd, co.ExitCode, msg),
		}
	}
	return succeeded(co.Stdout)
}

func jobContext(b *bus.Bus) (JobContext, bool) {
	v, ok := b.Get(bus.KeyJobContext)
	if !ok {
		return JobContext{}, false
	}
	switch job := v.(type) {
	case JobContext:
		return job, true
	case *JobContext:
		if job != nil {
			return *job, true
		}
	}
	return JobContext{}, false
}

// stackOf prefers the shared tech_stack state over the plan's own list.
func stackOf(env *Env) []string {
	if v, ok := env.Bus.Get(bus.KeyTechStack); ok {
		if stack, ok := v.([]string); ok && len(stack) > 0 {
			return stack
		}
	}
	if job, ok := jobContext(env.Bus); ok && len(job.TechStack) > 0 {
		return job.TechStack
	}
	return env.TechStack
}

func primaryStack(stack []string) string {
	for _, s := range stack {
		switch k := strings.ToLower(s); {
		case strings.Contains(k, "python"), strings.Contains(k, "pandas"), strings.Contains(k, "django"):
			return "python"
		case strings.Contains(k, "node"), strings.Contains(k, "javascript"), strings.Contains(k, "typescript"), strings.Contains(k, "react"):
			return "node"
		case k == "go" || strings.Contains(k, "golang"):
			return "go"
		}
	}
	return ""
}

func defaultInstallCommand(stack []string) string {
	switch primaryStack(stack) {
	case "python":
		return "pip install -r requirements.txt"
	case "node":
		return "npm install"
	case "go":
		return "go mod download"
	}
	return ""
}
