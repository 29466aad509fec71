package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/propledger/reconciler/internal/api"
)

const shutdownGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		a.runner.Start()
		srv := &http.Server{
			Addr: ":" + cfg.Server.Port,
			Handler: api.NewRouter(api.Deps{
				Recon:     a.recon,
				Tiering:   a.tiering,
				Ingestion: a.ingestion,
				Repos:     a.repos,
				Logger:    logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.WithFields(logrus.Fields{"port": cfg.Server.Port, "base": "/api/v1"}).Info("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return err
			}
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("http shutdown")
		}
		// Runs still queued or in flight get the remaining grace period.
		if err := a.runner.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("session runs interrupted")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "", "HTTP port")
	_ = v.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}
