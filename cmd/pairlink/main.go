package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pairlink/pkg/chat"
	"pairlink/pkg/codec"
	"pairlink/pkg/config"
	"pairlink/pkg/extensions"
)

var (
	configFile string
	verbose    bool
)

const version = "0.3.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "pairlink",
		Short: "Collaborative session messaging core",
		Long: `Pairlink carries session, negotiation and chat state traffic between
peers, with a compressed binary side-channel for large payloads.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		decodeCmd(),
		statesCmd(),
		simulateCmd(),
		bytestreamCmd(),
		configCmd(),
		certsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pairlink v%s (extension version %s)\n", version, extensions.Version)
		},
	}
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		return cfg, nil
	}
	return config.LoadFromEnv()
}

// newRegistry returns a registry with every element the CLI understands.
func newRegistry() *codec.Registry {
	reg := codec.NewRegistry()
	extensions.Register(reg)
	chat.Register(reg)
	return reg
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}
