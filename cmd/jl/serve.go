package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"jobline/internal/app"
	"jobline/internal/config"
	"jobline/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with ledger sync and webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" && !cfg.Server.AllowActorHeader {
				return fmt.Errorf("server.jwt_secret (or JOBLINE_JWT_SECRET) is required unless allow_actor_header is set")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			workspace := viper.GetString("workspace")
			logger := log.New(os.Stderr, "", log.LstdFlags)
			rt, err := app.Open(cmd.Context(), cfg, app.Options{Workspace: workspace, Logger: logger})
			if err != nil {
				return err
			}
			defer rt.Close()

			scfg := rt.ServerConfig()
			scfg.BasePath = basePath
			handler, err := server.New(scfg)
			if err != nil {
				return err
			}
			hooks := server.NewWebhookDispatcher(rt.Engine.Repo, cfg.Webhooks)
			hooks.Logger = logger

			g, ctx := errgroup.WithContext(cmd.Context())
			srv := &http.Server{Addr: addr, Handler: handler}
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error { return rt.Ingestor.Run(ctx, cfg.Ledger.SyncInterval()) })
			g.Go(func() error { return hooks.Run(ctx) })
			if path := config.Path(workspace); fileExists(path) {
				g.Go(func() error { return config.Watch(ctx, path, logger, rt.ApplyConfig) })
			}
			fmt.Printf("Serving jobline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
