package backend

import (
	"context"
	"fmt"
	"os"

	"google.golang.org/genai"
)

// GeminiAdapter completes requests through the Gemini API.
type GeminiAdapter struct {
	client       *genai.Client
	model        string
	systemPrompt string
}

// NewGeminiAdapter creates a Gemini adapter. The API key comes from cfg.APIKey
// or the GEMINI_API_KEY / GOOGLE_API_KEY environment variables.
func NewGeminiAdapter(ctx context.Context, cfg Config) (*GeminiAdapter, error) {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("GEMINI_API_KEY")
	}
	if key == "" {
		key = os.Getenv("GOOGLE_API_KEY")
	}
	if key == "" {
		return nil, fmt.Errorf("gemini API key required (set GEMINI_API_KEY)")
	}

	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}

	clientConfig := &genai.ClientConfig{
		Backend: genai.BackendGeminiAPI,
		APIKey:  key,
	}
	if cfg.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiAdapter{client: client, model: model, systemPrompt: cfg.SystemPrompt}, nil
}

// Complete calls GenerateContent once.
func (a *GeminiAdapter) Complete(ctx context.Context, req Request) (Completion, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == "assistant" || m.Role == "model" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	config := &genai.GenerateContentConfig{}
	system := req.SystemPrompt
	if system == "" {
		system = a.systemPrompt
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.JSON {
		config.ResponseMIMEType = "application/json"
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(float32(req.Temperature))
	}

	resp, err := a.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return Completion{}, fmt.Errorf("gemini generate failed: %w", err)
	}

	comp := Completion{Content: resp.Text(), Model: model}
	if resp.UsageMetadata != nil {
		comp.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return comp, nil
}
