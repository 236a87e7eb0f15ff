package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scrypster/companion/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serves the chat API (JSON, SSE and WebSocket), companion state and
turn events until interrupted. Shutdown waits for in-flight turns up to
COMPANION_SERVER_SHUTDOWN_TIMEOUT.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to close store", zap.Error(err))
		}
	}()

	srv := server.New(cfg, server.Deps{
		Flow:      a.flow,
		Store:     a.store,
		Machines:  a.machines,
		Generator: a.gen,
		Logger:    logger,
	})

	if cfg.Backup.Interval > 0 {
		svc, err := newBackupService(cfg)
		if err != nil {
			logger.Warn("scheduled backups disabled", zap.Error(err))
		} else {
			backupCtx, cancelBackups := context.WithCancel(ctx)
			done := make(chan struct{})
			go func() {
				defer close(done)
				svc.Run(backupCtx)
			}()
			// Runs before the store is closed.
			defer func() {
				cancelBackups()
				<-done
			}()
		}
	}

	logger.Info("companion starting",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("storage", cfg.Storage.Engine),
		zap.String("llm", cfg.LLM.Provider),
		zap.String("mode", cfg.Security.Mode))

	if err := srv.ListenAndServe(ctx); err != nil {
		return err
	}
	logger.Info("companion stopped")
	return nil
}

// commandContext is cmd's context, or Background when the command was not
// started through Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
