package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/qualys/accessreview/internal/app"
	"github.com/qualys/accessreview/internal/config"
	"github.com/qualys/accessreview/internal/logger"
)

var (
	version   string
	buildTime string

	flagConfig  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "uarctl",
	Short: "User access review administration CLI",
	Long: `uarctl runs the access review server and performs administrative
tasks against its database: importing access snapshots, recomputing
finding counts and creating users.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func SetVersion(v, built string) {
	version = v
	buildTime = built
}

func init() {
	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "config.yaml"
	}
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", defaultConfig, "Path to configuration file (env: CONFIG_PATH)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(recomputeCmd)
	rootCmd.AddCommand(createUserCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "uarctl %s (built %s)\n", version, buildTime)
	},
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagVerbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// openApp loads configuration and connects the core services. The caller
// closes the returned app.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	l := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: os.Stderr})
	return app.Open(ctx, cfg, l)
}
