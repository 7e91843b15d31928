package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name          string
		global        string
		project       string
		expectRetries int
		expectType    string
		expectRuntime string
		expectImages  int
		expectDelay   time.Duration
	}{
		{
			name:          "No config files - returns defaults",
			expectRetries: 3,
			expectType:    "claude",
			expectRuntime: "local",
			expectImages:  3,
			expectDelay:   100 * time.Millisecond,
		},
		{
			name:          "Global only - overrides one field",
			global:        `{"engine": {"max_retry_attempts": 5}}`,
			expectRetries: 5,
			expectType:    "claude",
			expectRuntime: "local",
			expectImages:  3,
			expectDelay:   100 * time.Millisecond,
		},
		{
			name:          "Project only - switches backend and adds image",
			project:       `{"completion": {"type": "ollama", "model": "llama3"}, "sandbox": {"runtime": "docker", "images": {"rust": "rust:1"}}}`,
			expectRetries: 3,
			expectType:    "ollama",
			expectRuntime: "docker",
			expectImages:  4,
			expectDelay:   100 * time.Millisecond,
		},
		{
			name:          "Project overrides global - project wins",
			global:        `{"engine": {"max_retry_attempts": 5, "dequeue_delay": "1s"}, "completion": {"type": "gemini"}}`,
			project:       `{"engine": {"max_retry_attempts": 2}}`,
			expectRetries: 2,
			expectType:    "gemini",
			expectRuntime: "local",
			expectImages:  3,
			expectDelay:   time.Second,
		},
		{
			name:          "Numeric duration is seconds",
			project:       `{"engine": {"dequeue_delay": 2}}`,
			expectRetries: 3,
			expectType:    "claude",
			expectRuntime: "local",
			expectImages:  3,
			expectDelay:   2 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			globalPath := filepath.Join(dir, "global.json")
			projectPath := filepath.Join(dir, "project.json")
			if tt.global != "" {
				writeFile(t, dir, "global.json", tt.global)
			}
			if tt.project != "" {
				writeFile(t, dir, "project.json", tt.project)
			}

			cfg, err := Load(globalPath, projectPath)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Engine.MaxRetryAttempts != tt.expectRetries {
				t.Errorf("max_retry_attempts = %d, want %d", cfg.Engine.MaxRetryAttempts, tt.expectRetries)
			}
			if cfg.Completion.Type != tt.expectType {
				t.Errorf("completion.type = %q, want %q", cfg.Completion.Type, tt.expectType)
			}
			if cfg.Sandbox.Runtime != tt.expectRuntime {
				t.Errorf("sandbox.runtime = %q, want %q", cfg.Sandbox.Runtime, tt.expectRuntime)
			}
			if len(cfg.Sandbox.Images) != tt.expectImages {
				t.Errorf("sandbox.images has %d entries, want %d", len(cfg.Sandbox.Images), tt.expectImages)
			}
			if cfg.Engine.DequeueDelay.Std() != tt.expectDelay {
				t.Errorf("dequeue_delay = %v, want %v", cfg.Engine.DequeueDelay.Std(), tt.expectDelay)
			}
			// Untouched sections keep their defaults.
			if cfg.Datasets.MinLines != 10 || !cfg.Persistence.Enabled {
				t.Errorf("defaults lost: datasets=%+v persistence=%+v", cfg.Datasets, cfg.Persistence)
			}
		})
	}
}

func TestLoad_MalformedJSON(t *testing.T) {
	dir := t.TempDir()
	globalPath := writeFile(t, dir, "global.json", "{invalid json")

	_, err := Load(globalPath, "")
	if err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
	if !strings.Contains(err.Error(), "global.json") {
		t.Errorf("error %q does not name the file", err)
	}
}

func TestLoad_BadDuration(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "project.json", `{"engine": {"dequeue_delay": "soon"}}`)
	if _, err := Load("", path); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/global.json", "/nonexistent/project.json")
	if err != nil {
		t.Fatalf("expected no error for missing files, got: %v", err)
	}
	if cfg.Engine.MaxRetryAttempts != 3 || cfg.Resolver.SleepCap != 30 {
		t.Errorf("got %+v, want defaults", cfg.Engine)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "project.json", `{"engine": {"max_retry_attempts": 0}}`)
	_, err := Load("", path)
	if err == nil || !strings.Contains(err.Error(), "max_retry_attempts") {
		t.Errorf("err = %v, want max_retry_attempts validation error", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		errContains string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "completion disabled", mutate: func(c *Config) { c.Completion.Type = "none" }},
		{name: "unknown completion", mutate: func(c *Config) { c.Completion.Type = "codex" }, errContains: "completion type"},
		{name: "unknown runtime", mutate: func(c *Config) { c.Sandbox.Runtime = "vm" }, errContains: "sandbox runtime"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, errContains: "log level"},
		{name: "zero sleep cap", mutate: func(c *Config) { c.Resolver.SleepCap = 0 }, errContains: "sleep_cap"},
		{name: "journal without path", mutate: func(c *Config) { c.Persistence.Path = "" }, errContains: "persistence.path"},
		{name: "journal disabled without path", mutate: func(c *Config) { c.Persistence = PersistenceConfig{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errContains == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.errContains)
			}
		})
	}
}
