package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aristath/forge/internal/config"
)

var version = "0.1.0"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string // project config; the global one always lives in ~/.forge
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "forge",
		Short: "Run build plans and repair failing steps",
		Long: `Forge executes a plan of environment, dataset, file and command tasks,
diagnosing each failure and retrying it with a corrected action until the
plan completes or the retry budget runs out.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", filepath.Join(".forge", "config.json"), "project config file")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(
		newRunCmd(g),
		newValidateCmd(),
		newSessionsCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version number",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "forge version %s\n", version)
			},
		},
	)
	return rootCmd
}

// globalConfigPath is ~/.forge/config.json, or "" when there is no home directory.
func globalConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".forge", "config.json")
}

// loadConfig merges defaults, the global file and the project file, then
// applies flag overrides.
func loadConfig(g *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(globalConfigPath(), g.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
