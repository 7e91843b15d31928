package backend

import (
	"context"
	"fmt"

	"github.com/aristath/forge/internal/runner"
)

// Completer is the completion-service collaborator used for AI-assisted
// error analysis.
type Completer interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

// New creates a completer for cfg.Type. pm tracks CLI subprocesses and may be nil.
func New(ctx context.Context, cfg Config, pm *runner.ProcessManager) (Completer, error) {
	switch cfg.Type {
	case "claude":
		return NewClaudeAdapter(cfg, pm)
	case "ollama":
		return NewOllamaAdapter(cfg)
	case "gemini":
		return NewGeminiAdapter(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
