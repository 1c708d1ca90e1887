package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jbweber/homelab/cidrd/internal/api"
	"github.com/jbweber/homelab/cidrd/internal/metrics"
)

func newServeCommand(a *app) *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP allocation service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("listen") {
				a.cfg.ListenAddr = listenAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "listen address, e.g. :8080")
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	svc, err := a.openServices()
	if err != nil {
		return err
	}
	defer svc.Close()

	metrics.ServerInfo.WithLabelValues(version, a.cfg.Backend).Set(1)

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           api.NewAPI(svc.engine, svc.registry, a.logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("starting cidrd",
			zap.String("version", version),
			zap.String("listen_addr", a.cfg.ListenAddr),
			zap.String("backend", a.cfg.Backend))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down", zap.Duration("timeout", a.cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	a.logger.Info("server stopped")
	return nil
}
