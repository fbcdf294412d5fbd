// Package cmd implements the rush CLI.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/codeswarm/rush/internal/config"
	"github.com/codeswarm/rush/internal/logging"
	"github.com/codeswarm/rush/internal/orchestrator"
	"github.com/codeswarm/rush/internal/state"
)

var rootCmd = &cobra.Command{
	Use:   "rush",
	Short: "Parallel task-graph runner",
	Long: `Rush executes a task graph level by level: independent tasks run in
parallel, each in an isolated sandbox, and completed levels are merged
into the shared workspace and checked by quality gates before the next
level starts. Runs are durable and resumable across crashes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and returns its error for exit-code mapping.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/rush/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Defaults first so every key resolves even without a config file.
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath("$HOME/.config/rush")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("RUSH")
	// Nested keys map to env vars with underscores:
	// RUSH_WORKER_MODE for worker.mode.
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Missing config file is fine; defaults and env carry the run.
	_ = viper.ReadInConfig()
}

// newCoordinator builds the coordinator from the effective configuration.
func newCoordinator() (*orchestrator.Coordinator, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	store := state.NewStore(cfg.Paths.RunsDir)

	logger := logging.NopLogger()
	if cfg.Logging.Enabled {
		// The CLI logs to stderr; per-run debug logs live in the run
		// directory and are opened by the coordinator itself.
		if l, err := logging.NewLogger("", cfg.Logging.Level); err == nil {
			logger = l
		}
	}

	return orchestrator.New(cfg, store, logger), nil
}
