package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cesargomez89/capsulecache/internal/constants"
	"github.com/cesargomez89/capsulecache/internal/httpapi"
	"github.com/cesargomez89/capsulecache/internal/metrics"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the download queue and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := ctx.ensureRuntime(sigCtx)
			if err != nil {
				return err
			}
			log := rt.log

			if err := rt.queue.Start(sigCtx); err != nil {
				return err
			}
			defer rt.queue.Stop()

			h := httpapi.NewHandler(rt.queue, rt.cache, rt.db, log)
			if rt.cfg.Metrics.Enabled {
				h.Metrics = metrics.Handler(rt.registry)
			}

			srv := &http.Server{
				Addr:    ":" + rt.cfg.Server.Port,
				Handler: httpapi.NewRouter(h),
			}

			serveErr := make(chan error, 1)
			go func() {
				log.Info("Server listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case err := <-serveErr:
				if err != nil {
					log.Error("Server error", "error", err)
					return err
				}
			case <-sigCtx.Done():
			}

			log.Info("Shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.DefaultShutdownGrace)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error("Server forced to shutdown", "error", err)
				return err
			}

			log.Info("Server exiting")
			return nil
		},
	}
}
