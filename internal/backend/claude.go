package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aristath/forge/internal/runner"
)

// ClaudeAdapter completes requests through the Claude CLI in print mode.
type ClaudeAdapter struct {
	binary       string
	workDir      string
	model        string
	systemPrompt string
	procMgr      *runner.ProcessManager
}

// claudeResponse is the JSON document printed by `claude -p --output-format json`.
// Older CLI versions nest the text in result.content; newer ones print a plain string.
type claudeResponse struct {
	Type      string          `json:"type"`
	IsError   bool            `json:"is_error"`
	SessionID string          `json:"session_id"`
	Result    json.RawMessage `json:"result"`
	Usage     struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// NewClaudeAdapter creates a Claude CLI adapter. The ProcessManager is
// optional; when nil, subprocesses are not tracked.
func NewClaudeAdapter(cfg Config, procMgr *runner.ProcessManager) (*ClaudeAdapter, error) {
	workDir := cfg.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}

	binary := cfg.Binary
	if binary == "" {
		binary = "claude"
	}

	return &ClaudeAdapter{
		binary:       binary,
		workDir:      workDir,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		procMgr:      procMgr,
	}, nil
}

// Complete runs one CLI invocation and parses its JSON output.
func (a *ClaudeAdapter) Complete(ctx context.Context, req Request) (Completion, error) {
	cmd := runner.NewCommand(ctx, a.binary, a.buildArgs(req)...)
	cmd.Dir = a.workDir

	stdout, stderr, err := runner.Execute(ctx, cmd, a.procMgr)
	if err != nil {
		return Completion{}, fmt.Errorf("claude command failed: %w", err)
	}

	comp, err := parseClaudeResponse(stdout)
	if err != nil {
		return Completion{}, fmt.Errorf("failed to parse claude response: %w (stderr: %s)", err, string(stderr))
	}
	if comp.Model == "" {
		comp.Model = a.model
	}
	return comp, nil
}

// buildArgs constructs the command-line arguments for the claude CLI.
func (a *ClaudeAdapter) buildArgs(req Request) []string {
	args := []string{"-p", req.Prompt(), "--output-format", "json"}

	model := req.Model
	if model == "" {
		model = a.model
	}
	if model != "" {
		args = append(args, "--model", model)
	}

	system := req.SystemPrompt
	if system == "" {
		system = a.systemPrompt
	}
	if system != "" {
		args = append(args, "--system-prompt", system)
	}

	return args
}

// parseClaudeResponse extracts the text and token usage from the CLI output.
func parseClaudeResponse(data []byte) (Completion, error) {
	var cr claudeResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return Completion{}, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	var content string
	var text string
	if err := json.Unmarshal(cr.Result, &text); err == nil {
		content = text
	} else {
		var nested struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(cr.Result, &nested); err != nil {
			return Completion{}, fmt.Errorf("unexpected result shape: %w", err)
		}
		for _, item := range nested.Content {
			if item.Type == "text" {
				content += item.Text
			}
		}
	}

	if cr.IsError {
		return Completion{}, fmt.Errorf("claude reported an error: %s", content)
	}

	return Completion{
		Content: content,
		Usage: Usage{
			InputTokens:  cr.Usage.InputTokens,
			OutputTokens: cr.Usage.OutputTokens,
		},
	}, nil
}
