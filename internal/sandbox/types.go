package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/aristath/forge/internal/bus"
	"github.com/aristath/forge/internal/runner"
)

// ErrUnknownSandbox is returned for ids that were never started or already stopped.
var ErrUnknownSandbox = errors.New("unknown sandbox")

// Env describes a started sandbox.
type Env = bus.SandboxEnv

// Manager starts isolated execution environments, one per candidate id.
type Manager interface {
	// Start creates the sandbox for id, or returns the existing one.
	Start(ctx context.Context, id, kind string) (Env, error)
	// Exec runs c inside the sandbox. c.Dir is relative to the sandbox root.
	Exec(ctx context.Context, id string, c runner.Command) (runner.Result, error)
	Stop(ctx context.Context, id string) error
	StopAll(ctx context.Context) error
	List() []Env
}

// Config configures a Manager.
type Config struct {
	WorkDir  string            // shared workspace every sandbox runs in; never removed
	Root     string            // without WorkDir: host directory holding one subdirectory per sandbox
	KeepDirs bool              // leave per-sandbox directories behind on Stop
	Images   map[string]string // docker: image per environment kind
	Docker   string            // docker: CLI binary, default "docker"
}

// dir returns the host directory sandbox id runs in. Plan files live in the
// shared workspace, so it takes precedence over a per-sandbox directory.
func (c Config) dir(id string) (string, error) {
	if c.WorkDir != "" {
		return filepath.Abs(c.WorkDir)
	}
	return filepath.Abs(filepath.Join(c.Root, id))
}

// removeOnStop reports whether Stop deletes the sandbox directory.
func (c Config) removeOnStop() bool {
	return c.WorkDir == "" && !c.KeepDirs
}

// DefaultImages maps environment kinds to container images.
var DefaultImages = map[string]string{
	"python": "python:3.12-slim",
	"node":   "node:20-slim",
	"go":     "golang:1.23",
}

// New returns the manager for kind: "docker" or "local".
func New(kind string, cfg Config, r runner.Runner) (Manager, error) {
	switch kind {
	case "", "local":
		return NewLocalManager(cfg, r), nil
	case "docker":
		return NewDockerManager(cfg, r), nil
	default:
		return nil, fmt.Errorf("unknown sandbox runtime: %s", kind)
	}
}
