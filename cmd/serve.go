package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tsawler/repviz/artifacts"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve stored artifacts over HTTP",
	Long: `Serve the artifact directory over HTTP. Bundles, statistics and CKA
reports are cached in memory and invalidated when files under the artifact
directory change.

Examples:
  repviz serve
  repviz serve --port 9000 --artifacts ./runs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Override the listen host")
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Override the listen port")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	index, err := artifacts.OpenIndex(cfg.IndexPath())
	if err != nil {
		return fmt.Errorf("failed to open run index: %w", err)
	}
	defer index.Close()

	srv, err := newServer(cfg, store, index, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Watch(ctx, cfg.Server.WatchDebounce); err != nil {
		logger.Warn("artifact watcher disabled", slog.String("error", err.Error()))
	}
	return srv.Run(ctx)
}
