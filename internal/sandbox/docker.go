package sandbox

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aristath/forge/internal/logging"
	"github.com/aristath/forge/internal/runner"
)

const containerWorkDir = "/workspace"

// DockerManager runs each sandbox as a long-lived container with the sandbox
// directory (the shared workspace when Config.WorkDir is set) bind-mounted at
// /workspace. It drives the docker CLI through a
// runner.Runner.
type DockerManager struct {
	config Config
	run    runner.Runner

	mu         sync.Mutex
	envs       map[string]Env
	containers map[string]string // sandbox id -> container id
}

// NewDockerManager creates a DockerManager. Images default to DefaultImages.
func NewDockerManager(cfg Config, r runner.Runner) *DockerManager {
	if cfg.Root == "" {
		cfg.Root = ".sandboxes"
	}
	if cfg.Docker == "" {
		cfg.Docker = "docker"
	}
	images := make(map[string]string, len(DefaultImages)+len(cfg.Images))
	for k, v := range DefaultImages {
		images[k] = v
	}
	for k, v := range cfg.Images {
		images[k] = v
	}
	cfg.Images = images
	return &DockerManager{
		config:     cfg,
		run:        r,
		envs:       make(map[string]Env),
		containers: make(map[string]string),
	}
}

// Start launches a detached container for id.
func (m *DockerManager) Start(ctx context.Context, id, kind string) (Env, error) {
	if id == "" {
		return Env{}, fmt.Errorf("sandbox id is required")
	}
	if env, ok := m.get(id); ok {
		return env, nil
	}

	image, ok := m.config.Images[kind]
	if !ok {
		return Env{}, fmt.Errorf("no container image for environment kind %q", kind)
	}
	dir, err := m.config.dir(id)
	if err != nil {
		return Env{}, fmt.Errorf("resolve sandbox dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Env{}, fmt.Errorf("failed to create sandbox: %w", err)
	}

	line := fmt.Sprintf("%s run -d --name %s -v %s:%s -w %s %s sleep infinity",
		m.config.Docker, containerName(id), shellQuote(dir), containerWorkDir, containerWorkDir, image)
	res, err := m.run.Run(ctx, runner.Command{Line: line})
	if err != nil {
		return Env{}, fmt.Errorf("failed to start container: %w", err)
	}
	if !res.Success() {
		return Env{}, fmt.Errorf("failed to start container: %s", strings.TrimSpace(res.Stderr))
	}

	env := Env{ID: id, Kind: kind, Dir: dir, Image: image}
	m.mu.Lock()
	m.envs[id] = env
	m.containers[id] = strings.TrimSpace(res.Stdout)
	m.mu.Unlock()

	logging.Info("sandbox container started", "id", id, "image", image)
	return env, nil
}

// Exec runs c inside the container via docker exec.
func (m *DockerManager) Exec(ctx context.Context, id string, c runner.Command) (runner.Result, error) {
	m.mu.Lock()
	container, ok := m.containers[id]
	m.mu.Unlock()
	if !ok {
		return runner.Result{}, fmt.Errorf("%w: %s", ErrUnknownSandbox, id)
	}

	workDir := containerWorkDir
	if c.Dir != "" {
		workDir = path.Join(containerWorkDir, path.Clean("/"+filepath.ToSlash(c.Dir)))
	}

	var envFlags strings.Builder
	for _, kv := range c.Env {
		envFlags.WriteString(" -e " + shellQuote(kv))
	}

	return m.run.Run(ctx, runner.Command{
		Line:    fmt.Sprintf("%s exec -w %s%s %s sh -c %s", m.config.Docker, workDir, envFlags.String(), container, shellQuote(c.Line)),
		Timeout: c.Timeout,
	})
}

// Stop removes the container. The bind-mounted directory is removed unless KeepDirs is set.
func (m *DockerManager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	env, ok := m.envs[id]
	container := m.containers[id]
	delete(m.envs, id)
	delete(m.containers, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSandbox, id)
	}

	var errs []string
	res, err := m.run.Run(ctx, runner.Command{Line: fmt.Sprintf("%s rm -f %s", m.config.Docker, container)})
	switch {
	case err != nil:
		errs = append(errs, fmt.Sprintf("container remove failed: %v", err))
	case !res.Success():
		errs = append(errs, fmt.Sprintf("container remove failed: %s", strings.TrimSpace(res.Stderr)))
	}
	if m.config.removeOnStop() {
		if err := os.RemoveAll(env.Dir); err != nil {
			errs = append(errs, fmt.Sprintf("directory remove failed: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("stop sandbox %s: %s", id, strings.Join(errs, "; "))
	}
	logging.Info("sandbox container stopped", "id", id)
	return nil
}

// StopAll stops every running container and reports the first failure.
func (m *DockerManager) StopAll(ctx context.Context) error {
	var firstErr error
	for _, env := range m.List() {
		if err := m.Stop(ctx, env.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// List returns the running sandboxes sorted by id.
func (m *DockerManager) List() []Env {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Env, 0, len(m.envs))
	for _, env := range m.envs {
		out = append(out, env)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *DockerManager) get(id string) (Env, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.envs[id]
	return env, ok
}

func containerName(id string) string {
	var sb strings.Builder
	sb.WriteString("forge-")
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteByte('-')
		}
	}
	return sb.String()
}

// shellQuote wraps s in single quotes for sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
