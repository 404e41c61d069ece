// Package cmd provides the repviz command line: serving stored artifacts,
// training the demo models, comparing stored bundles and inspecting the
// artifact tree.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tsawler/repviz/api"
	"github.com/tsawler/repviz/artifacts"
	"github.com/tsawler/repviz/config"
)

// DefaultConfigFile is read when --config is not given and the file exists.
const DefaultConfigFile = "repviz.yaml"

var (
	configPath   string
	artifactsDir string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "repviz",
	Short: "Capture and compare neural network representations",
	Long: `repviz records layer activations, gradients and weights while a model
trains, stores them as artifacts and compares representations between models
with linear CKA.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file (default "+DefaultConfigFile+" when present)")
	rootCmd.PersistentFlags().StringVar(&artifactsDir, "artifacts", "", "Override the artifact directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the log level (debug, info, warn, error)")
}

// loadConfig resolves the configuration for one command run and installs
// its logger as the default.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadOrDefault(DefaultConfigFile)
	}
	if err != nil {
		return nil, nil, err
	}

	if artifactsDir != "" {
		cfg.Artifacts.Dir = artifactsDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := cfg.NewLogger(cmd.ErrOrStderr())
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openStore(cfg *config.Config, logger *slog.Logger) (*artifacts.Store, error) {
	format, err := cfg.ArtifactFormat()
	if err != nil {
		return nil, err
	}
	store, err := artifacts.NewStore(cfg.Artifacts.Dir, format, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}
	return store, nil
}

func newServer(cfg *config.Config, store *artifacts.Store, index *artifacts.Index, logger *slog.Logger) (*api.Server, error) {
	return api.NewServer(api.ServerConfig{
		Address:       cfg.Server.Address(),
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
		CORSOrigins:   cfg.Server.CORSOrigins,
		CacheSize:     cfg.Server.CacheSize,
		Workers:       cfg.Analysis.Workers,
		HistogramBins: cfg.Analysis.HistogramBins,
	}, store, index, logger)
}
