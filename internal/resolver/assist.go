package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/aristath/forge/internal/backend"
	"github.com/aristath/forge/internal/bus"
	"github.com/aristath/forge/internal/scheduler"
)

const tierAI = "ai"

const systemPrompt = `You diagnose failed steps of an automated build pipeline.
Reply with a single JSON object and nothing else:
{"fixed": bool, "retry_command": string, "retry_content": string, "error_analysis": string, "recommendations": [string]}
Set "fixed" to true only when retry_command or retry_content is a concrete corrected action,
or when re-running the step unchanged is expected to succeed.`

// ErrorContext is stored under bus.KeyErrorContext while the AI tier runs.
type ErrorContext struct {
	TaskID  string             `json:"task_id"`
	Type    scheduler.TaskType `json:"type"`
	Error   string             `json:"error"`
	Attempt int                `json:"attempt"`
}

// AITier asks the completion service for a corrected action.
func (r *Resolver) AITier(ctx context.Context, req scheduler.ResolveRequest) scheduler.Resolution {
	r.bus.Set(bus.KeyErrorContext, ErrorContext{
		TaskID:  req.Task.ID,
		Type:    req.Task.Type,
		Error:   req.Error,
		Attempt: req.Attempt,
	})

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	comp, err := r.completer.Complete(ctx, backend.Request{
		SystemPrompt: systemPrompt,
		Messages:     []backend.Message{{Role: "user", Content: buildPrompt(req)}},
		Model:        r.model,
		JSON:         true,
	})
	if err != nil {
		res := unfixed(fmt.Sprintf("AI analysis unavailable: %v", err), "Check the completion backend configuration")
		res.Tier = tierAI
		return res
	}

	res, err := parseResolution(comp.Content)
	if err != nil {
		res = unfixed(fmt.Sprintf("Failed to parse AI resolution: %v", err),
			"Retry with a stricter prompt that demands a bare JSON object")
	}
	res.Tier = tierAI
	return res
}

func buildPrompt(req scheduler.ResolveRequest) string {
	t := req.Task
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task %s (%s): %s\n", t.ID, t.Type, t.Description)
	if t.Command != "" {
		fmt.Fprintf(&sb, "Command: %s\n", t.Command)
	}
	if t.Path != "" {
		fmt.Fprintf(&sb, "Path: %s\n", t.Path)
	}
	if t.Content != "" {
		fmt.Fprintf(&sb, "Content:\n%s\n", truncate(t.Content, 4000))
	}
	fmt.Fprintf(&sb, "Attempt: %d\n", req.Attempt)
	fmt.Fprintf(&sb, "Error:\n%s\n", truncate(req.Error, 4000))

	if len(req.WorkContext) > 0 {
		keys := make([]string, 0, len(req.WorkContext))
		for k := range req.WorkContext {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("\nContext:\n")
		for _, k := range keys {
			v, err := json.Marshal(req.WorkContext[k])
			if err != nil {
				v = []byte(fmt.Sprint(req.WorkContext[k]))
			}
			fmt.Fprintf(&sb, "- %s: %s\n", k, truncate(string(v), 1000))
		}
	}
	return sb.String()
}

// parseResolution decodes a service reply that may wrap the JSON object in
// prose or markdown fences.
func parseResolution(content string) (scheduler.Resolution, error) {
	raw := extractJSON(content)
	if raw == "" {
		return scheduler.Resolution{}, fmt.Errorf("empty response")
	}
	var res scheduler.Resolution
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return scheduler.Resolution{}, err
	}
	return res, nil
}

func extractJSON(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimLeft(trimmed, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ")
		trimmed = strings.TrimSpace(trimmed)
	}
	if strings.HasSuffix(trimmed, "```") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, "```"))
	}
	if obj, ok := extractJSONObject(trimmed); ok {
		return obj
	}
	return trimmed
}

// extractJSONObject returns the first balanced {...} in text, skipping braces inside strings.
func extractJSONObject(text string) (string, bool) {
	start, depth := -1, 0
	inString, escape := false, false
	for i, r := range text {
		if start == -1 {
			if r == '{' {
				start, depth = i, 1
			}
			continue
		}
		if inString {
			switch {
			case escape:
				escape = false
			case r == '\\':
				escape = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Cut on a rune boundary so the result stays valid UTF-8.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "...(truncated)"
}
