package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/aristath/forge/internal/logging"
	"github.com/aristath/forge/internal/runner"
)

// LocalManager runs sandbox commands on the host, in the shared workspace
// when Config.WorkDir is set and otherwise in a directory per sandbox
// under Config.Root.
type LocalManager struct {
	config Config
	run    runner.Runner

	mu   sync.Mutex
	envs map[string]Env
}

// NewLocalManager creates a LocalManager. cfg.Root defaults to ".sandboxes".
func NewLocalManager(cfg Config, r runner.Runner) *LocalManager {
	if cfg.Root == "" {
		cfg.Root = ".sandboxes"
	}
	return &LocalManager{config: cfg, run: r, envs: make(map[string]Env)}
}

// Start creates the sandbox directory for id.
func (m *LocalManager) Start(_ context.Context, id, kind string) (Env, error) {
	if id == "" {
		return Env{}, fmt.Errorf("sandbox id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if env, ok := m.envs[id]; ok {
		return env, nil
	}

	dir, err := m.config.dir(id)
	if err != nil {
		return Env{}, fmt.Errorf("resolve sandbox dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Env{}, fmt.Errorf("failed to create sandbox: %w", err)
	}

	env := Env{ID: id, Kind: kind, Dir: dir}
	m.envs[id] = env
	logging.Info("sandbox started", "id", id, "kind", kind, "dir", dir)
	return env, nil
}

// Exec runs c in the sandbox directory.
func (m *LocalManager) Exec(ctx context.Context, id string, c runner.Command) (runner.Result, error) {
	env, ok := m.get(id)
	if !ok {
		return runner.Result{}, fmt.Errorf("%w: %s", ErrUnknownSandbox, id)
	}

	c.Dir = within(env.Dir, c.Dir)
	c.Env = append(c.Env, "FORGE_SANDBOX="+id)
	return m.run.Run(ctx, c)
}

// Stop forgets the sandbox and removes its directory unless KeepDirs is set.
func (m *LocalManager) Stop(_ context.Context, id string) error {
	m.mu.Lock()
	env, ok := m.envs[id]
	delete(m.envs, id)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSandbox, id)
	}
	if !m.config.removeOnStop() {
		logging.Info("sandbox stopped", "id", id)
		return nil
	}
	if err := os.RemoveAll(env.Dir); err != nil {
		return fmt.Errorf("failed to remove sandbox %s: %w", id, err)
	}
	logging.Info("sandbox stopped", "id", id)
	return nil
}

// StopAll stops every running sandbox and reports the first failure.
func (m *LocalManager) StopAll(ctx context.Context) error {
	var firstErr error
	for _, env := range m.List() {
		if err := m.Stop(ctx, env.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// List returns the running sandboxes sorted by id.
func (m *LocalManager) List() []Env {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Env, 0, len(m.envs))
	for _, env := range m.envs {
		out = append(out, env)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *LocalManager) get(id string) (Env, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.envs[id]
	return env, ok
}

// within joins dir onto root, refusing to escape it.
func within(root, dir string) string {
	if dir == "" {
		return root
	}
	return filepath.Join(root, filepath.Clean("/"+dir))
}
