// Package cmd implements the clawbridge command line interface.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawbridge/internal/config"
	"github.com/nextlevelbuilder/clawbridge/internal/store"
)

const version = "0.1.0"

var (
	flagConfig   string
	flagLogLevel string
)

// Execute runs the CLI. Exits non-zero on command failure.
func Execute() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "clawbridge",
		Short:   "Bridge chat connectors to an agent gateway",
		Version: version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(flagLogLevel)
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path (default ~/.clawbridge/config.yaml)")
	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level: debug, info, warn, error")

	cmd.AddCommand(connectorCmd())
	cmd.AddCommand(pairingCmd())
	cmd.AddCommand(identityCmd())
	cmd.AddCommand(configCmd())
	cmd.AddCommand(doctorCmd())

	return cmd
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}

// resolveConfigPath returns the config file to use: the --config flag,
// the CLAWBRIDGE_CONFIG environment variable, or the first existing file
// under ~/.clawbridge/.
func resolveConfigPath() string {
	if flagConfig != "" {
		return config.ExpandHome(flagConfig)
	}
	if env := os.Getenv("CLAWBRIDGE_CONFIG"); env != "" {
		return config.ExpandHome(env)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	base := filepath.Join(home, ".clawbridge")
	for _, name := range []string{"config.yaml", "config.yml", "config.json5", "config.json"} {
		p := filepath.Join(base, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(base, "config.yaml")
}

func mustLoadConfig() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %s\n", err)
		os.Exit(1)
	}
	return cfg
}

// storeConfigFor derives the store layer paths from the data directory.
func storeConfigFor(cfg *config.Config) store.StoreConfig {
	dataDir := cfg.DataDir()
	return store.StoreConfig{
		DataDir:            dataDir,
		PairingStorePath:   filepath.Join(dataDir, "pairing.json"),
		ConnectorStorePath: filepath.Join(dataDir, "connectors.json"),
		TranscriptDBPath:   filepath.Join(dataDir, "transcripts.db"),
	}
}

// identityPathFor returns the device identity file for a connector.
func identityPathFor(cfg *config.Config, connector string) string {
	return filepath.Join(cfg.DataDir(), "identity", connector+".json")
}
