package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"github.com/aristath/forge/internal/logging"
)

// OllamaAdapter completes requests against an Ollama server.
type OllamaAdapter struct {
	client       *api.Client
	model        string
	systemPrompt string
}

// NewOllamaAdapter creates an adapter for cfg.BaseURL (default http://localhost:11434).
func NewOllamaAdapter(cfg Config) (*OllamaAdapter, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model name is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid BaseURL: %w", err)
	}
	if baseURL.Scheme == "http" {
		host := baseURL.Hostname()
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			logging.Warn("Ollama connection uses unencrypted HTTP to remote host", "host", host)
		}
	}

	return &OllamaAdapter{
		client:       api.NewClient(baseURL, &http.Client{Timeout: cfg.Timeout}),
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
	}, nil
}

// Complete sends a non-streaming chat request.
func (a *OllamaAdapter) Complete(ctx context.Context, req Request) (Completion, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	messages := make([]api.Message, 0, len(req.Messages)+1)
	system := req.SystemPrompt
	if system == "" {
		system = a.systemPrompt
	}
	if system != "" {
		messages = append(messages, api.Message{Role: "system", Content: system})
	}
	for _, m := range req.Messages {
		role := m.Role
		if role == "" {
			role = "user"
		}
		messages = append(messages, api.Message{Role: role, Content: m.Content})
	}

	stream := false
	chat := &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
		Options:  map[string]any{},
	}
	if req.JSON {
		chat.Format = json.RawMessage(`"json"`)
	}
	if req.Temperature > 0 {
		chat.Options["temperature"] = req.Temperature
	}

	var (
		content strings.Builder
		usage   Usage
	)
	err := a.client.Chat(ctx, chat, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		if resp.Done {
			usage.InputTokens = resp.PromptEvalCount
			usage.OutputTokens = resp.EvalCount
		}
		return nil
	})
	if err != nil {
		return Completion{}, fmt.Errorf("ollama chat failed: %w", err)
	}

	return Completion{Content: content.String(), Model: model, Usage: usage}, nil
}
