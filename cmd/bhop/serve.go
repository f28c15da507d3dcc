package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ciresnave/candle-bhop/internal/server"
	"github.com/ciresnave/candle-bhop/internal/store"
)

var (
	serveAddr     string
	serveDataDir  string
	serveNoStore  bool
	shutdownGrace time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP job server",
	Long: `Serves the job API under /api/v1 and a job list at /.

Jobs checkpoint to --data-dir unless --no-store is set. On SIGINT or
SIGTERM running jobs are cancelled, checkpointed, and the server exits.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "./data", "Base directory for checkpoints and traces")
	serveCmd.Flags().BoolVar(&serveNoStore, "no-store", false, "Keep jobs in memory only")
	serveCmd.Flags().DurationVar(&shutdownGrace, "shutdown-timeout", 30*time.Second, "Time allowed for jobs to stop")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	var fs *store.FSStore
	if !serveNoStore {
		var err error
		if fs, err = store.NewFSStore(serveDataDir); err != nil {
			return fmt.Errorf("failed to create checkpoint store: %w", err)
		}
	}

	srv := server.NewServer(serveAddr, fs)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Signal received, shutting down", "timeout", shutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
