package backend

import (
	"strings"
	"time"
)

// Message is one turn of a completion conversation.
type Message struct {
	Role    string // "user", "assistant" or "system"
	Content string
}

// Request is a single completion request.
type Request struct {
	SystemPrompt string
	Messages     []Message
	Model        string // overrides the adapter's configured model when set
	JSON         bool   // ask the service for a JSON object
	Temperature  float64
}

// Prompt flattens the conversation into one prompt for text-only transports.
func (r Request) Prompt() string {
	if len(r.Messages) == 1 {
		return r.Messages[0].Content
	}
	var sb strings.Builder
	for i, m := range r.Messages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		if m.Role != "" && m.Role != "user" {
			sb.WriteString(strings.ToUpper(m.Role[:1]) + m.Role[1:] + ": ")
		}
		sb.WriteString(m.Content)
	}
	return sb.String()
}

// Usage reports token accounting when the service provides it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Completion is the service's answer.
type Completion struct {
	Content string
	Model   string
	Usage   Usage
}

// Config selects and configures a completion adapter.
type Config struct {
	Type         string // "claude", "ollama" or "gemini"
	Model        string
	WorkDir      string // claude: working directory of the CLI process
	SystemPrompt string // default system prompt when a request has none
	BaseURL      string // ollama: server URL
	APIKey       string // gemini: API key, falls back to GEMINI_API_KEY
	Binary       string // claude: CLI binary, default "claude"
	Timeout      time.Duration
}
