package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"raidline/internal/app"
	"raidline/internal/poller"
	"raidline/internal/server"
	"raidline/internal/tracing"
	raidlinesdk "raidline/sdk/go"
)

func serveCmd() *cobra.Command {
	var allowActorHeader bool
	var webhookInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("RAIDLINE_JWT_SECRET (or --jwt-secret) is required for bearer auth")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			shutdownTracing, err := tracing.Setup(ctx, "raidline", viper.GetString("otel-endpoint"))
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(sctx); err != nil {
					logger.WithError(err).Warn("tracing shutdown failed")
				}
			}()

			e, closeFn, err := app.Open(dbConfig(), logger)
			if err != nil {
				return err
			}
			defer closeFn()

			basePath := viper.GetString("base-path")
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secret, AllowActorHeader: allowActorHeader, Logger: logger},
				Logger:   logger,
			})
			if err != nil {
				return err
			}
			go server.NewAuditForwarder(e, logger).Run(ctx, webhookInterval)

			addr := viper.GetString("addr")
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(sctx)
			}()
			logger.WithField("addr", addr).Infof("serving Raidline API on http://%s%s (OpenAPI at /openapi.json, docs at /docs)", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().String("addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().String("base-path", "/v1", "API base path")
	cmd.Flags().String("otel-endpoint", "", "OTLP/HTTP traces endpoint (empty disables tracing)")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "trust X-Actor-Id without credentials (local use only)")
	cmd.Flags().DurationVar(&webhookInterval, "webhook-interval", 2*time.Second, "audit webhook delivery interval")
	for _, name := range []string{"addr", "base-path", "otel-endpoint"} {
		_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}

func pollerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "poller",
		Short: "End runs past their auto-end deadline through the HTTP API",
		Long:  "Runs as its own process. The API key needs the system.autoend permission.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			client := raidlinesdk.New(viper.GetString("api-url"), "")
			client.APIKey = viper.GetString("api-key")
			if client.APIKey == "" {
				return fmt.Errorf("RAIDLINE_API_KEY (or --api-key) is required")
			}
			p := poller.New(client, logger)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if once {
				n, err := p.Sweep(ctx)
				logger.WithField("ended", n).Info("sweep finished")
				return err
			}
			if err := p.Start(ctx, viper.GetString("poll-schedule")); err != nil {
				return err
			}
			<-ctx.Done()
			p.Stop()
			return nil
		},
	}
	cmd.Flags().String("api-url", "http://127.0.0.1:8080", "Raidline API url")
	cmd.Flags().String("api-key", "", "API key with the system.autoend permission")
	cmd.Flags().String("poll-schedule", poller.DefaultSchedule, "cron schedule for sweeps")
	cmd.Flags().BoolVar(&once, "once", false, "sweep once and exit")
	for _, name := range []string{"api-url", "api-key", "poll-schedule"} {
		_ = viper.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	var perms []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			token, err := server.SignToken(secret, actorID(), callerRoles(), perms, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&perms, "perm", nil, "permission claim (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
