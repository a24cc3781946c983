package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/skovachev/blueprint/internal/config"
	"github.com/skovachev/blueprint/internal/logging"
)

var (
	flagConfig    string
	flagWorkspace string
	flagLogLevel  string
)

var rootCmd = &cobra.Command{
	Use:          "blueprint",
	Short:        "Resumable multi-stage document transformation",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to a blueprint.yaml config file")
	rootCmd.PersistentFlags().StringVarP(&flagWorkspace, "workspace", "w", ".", "project workspace directory")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override the configured log level")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(unlockCmd)
}

// loadEnvironment pulls .env into the process if one exists. Credentials
// are read from the environment at dispatch time, never from config.
func loadEnvironment() {
	_ = godotenv.Load()
}

func setup() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return cfg, zerolog.Nop(), err
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return cfg, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

func main() {
	loadEnvironment()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
