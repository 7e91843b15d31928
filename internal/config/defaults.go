package config

import "time"

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxRetryAttempts: 3,
			LivenessFactor:   3,
			DequeueDelay:     Duration(100 * time.Millisecond),
			CommandTimeout:   Duration(10 * time.Minute),
		},
		Resolver: ResolverConfig{
			SleepCap:  30,
			AITimeout: Duration(2 * time.Minute),
		},
		Completion: CompletionConfig{
			Type:           "claude",
			Binary:         "claude",
			Timeout:        Duration(2 * time.Minute),
			RetryMaxElapse: Duration(2 * time.Minute),
		},
		Sandbox: SandboxConfig{
			Runtime: "local",
			Images: map[string]string{
				"python": "python:3.12-slim",
				"node":   "node:20-slim",
				"go":     "golang:1.23",
			},
			Docker: "docker",
		},
		Datasets: DatasetsConfig{
			MinLines:        10,
			MaxBytes:        512 << 20,
			DownloadTimeout: Duration(5 * time.Minute),
		},
		Verification: VerificationConfig{
			ExpectedPaths: []string{"ASSESSMENT.md", "README.md", "src"},
			DatasetGlobs:  []string{"data/**/*.csv", "data/**/*.json", "*.csv"},
			Concurrency:   4,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   ".forge/logs",
		},
		Persistence: PersistenceConfig{
			Enabled: true,
			Path:    ".forge/journal.db",
		},
	}
}
