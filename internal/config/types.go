package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration written as a Go duration string ("30s") in JSON.
// Plain numbers are read as seconds.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case nil:
	case float64:
		*d = Duration(val * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", data)
	}
	return nil
}

// EngineConfig tunes the execution engine.
type EngineConfig struct {
	WorkDir          string   `json:"work_dir,omitempty"`        // base directory when a plan names none
	MaxRetryAttempts int      `json:"max_retry_attempts"`        // resolution attempts per task
	LivenessFactor   int      `json:"liveness_factor"`           // dequeue budget multiplier
	DequeueDelay     Duration `json:"dequeue_delay"`             // pause between dequeues
	CommandTimeout   Duration `json:"command_timeout,omitempty"` // per-command limit, 0 for none
	StrictGraph      bool     `json:"strict_graph,omitempty"`    // fail fast on graph problems
}

// ResolverConfig tunes the error resolution engine.
type ResolverConfig struct {
	SleepCap  int      `json:"sleep_cap"`  // seconds, upper bound of the network backoff
	AITimeout Duration `json:"ai_timeout"` // per completion request
}

// CompletionConfig selects the completion service used by the AI tier.
// Type "none" disables the tier.
type CompletionConfig struct {
	Type           string   `json:"type"` // "claude", "ollama", "gemini" or "none"
	Model          string   `json:"model,omitempty"`
	Binary         string   `json:"binary,omitempty"`   // claude CLI binary
	BaseURL        string   `json:"base_url,omitempty"` // ollama server
	APIKeyEnv      string   `json:"api_key_env,omitempty"`
	Timeout        Duration `json:"timeout,omitempty"`
	RetryMaxElapse Duration `json:"retry_max_elapsed,omitempty"`
}

// SandboxConfig selects the sandbox runtime. Sandboxes run in the session
// work dir so commands see the files earlier tasks wrote.
type SandboxConfig struct {
	Runtime string            `json:"runtime"` // "local" or "docker"
	Images  map[string]string `json:"images,omitempty"`
	Docker  string            `json:"docker,omitempty"`
}

// DatasetsConfig bounds dataset acquisition.
type DatasetsConfig struct {
	MinLines        int      `json:"min_lines"`
	MaxBytes        int64    `json:"max_bytes"`
	DownloadTimeout Duration `json:"download_timeout"`
}

// VerificationConfig lists what the post-run verification looks for.
type VerificationConfig struct {
	ExpectedPaths []string `json:"expected_paths"`
	DatasetGlobs  []string `json:"dataset_globs"`
	Concurrency   int      `json:"concurrency"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level string `json:"level"`
	Dir   string `json:"dir,omitempty"` // log file directory used while the TUI owns the terminal
}

// PersistenceConfig configures the run journal.
type PersistenceConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Config is the top-level configuration.
type Config struct {
	Engine       EngineConfig       `json:"engine"`
	Resolver     ResolverConfig     `json:"resolver"`
	Completion   CompletionConfig   `json:"completion"`
	Sandbox      SandboxConfig      `json:"sandbox"`
	Datasets     DatasetsConfig     `json:"datasets"`
	Verification VerificationConfig `json:"verification"`
	Logging      LoggingConfig      `json:"logging"`
	Persistence  PersistenceConfig  `json:"persistence"`
}
