package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/facturaIA/invoice-pipeline/api"
	"github.com/facturaIA/invoice-pipeline/internal/auth"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		authn, err := auth.New(cfg.Auth.JWTSecret, "/health")
		if err != nil {
			return eris.Wrap(err, "init auth")
		}

		env, err := initPipeline(ctx, cfg, storeFlag)
		if err != nil {
			return err
		}
		defer env.Close()

		opts := api.Options{
			Pipeline:       env.Pipeline,
			Invoices:       env.Invoices,
			Credits:        env.Credits,
			Auth:           authn,
			Checks:         env.Checks,
			MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
		}
		if env.Archive != nil {
			opts.Archive = env.Archive
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, port),
			Handler:           api.NewHandler(opts).SetupRoutes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server",
			zap.String("addr", srv.Addr),
			zap.Bool("archive", env.Archive != nil),
			zap.Bool("metering", env.Credits != nil),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
