package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"golang.org/x/sync/errgroup"

	"sterad/internal/sterad"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "sterad",
		Short:        "Serve pre-rendered SPA snapshots to crawlers",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			_ = godotenv.Load()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config",
		getenvDefault("STERAD_CONFIG", "sterad.yaml"), "path to sterad.yaml")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the snapshot server (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	})
	root.AddCommand(newTokenCmd())
	return root
}

func newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for cache invalidation",
		Long: "Signs an admin token with STERAD_JWT_SECRET, scoped to " +
			"STERAD_JWT_ISSUER and STERAD_JWT_AUDIENCE.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tok, err := sterad.MintToken(sterad.AuthFromEnv(), subject, ttl, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	return cmd
}

func runServe(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := sterad.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := sterad.NewLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []sterad.Option{sterad.WithLogger(logger)}

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		exporter, err := prometheus.New()
		if err != nil {
			return fmt.Errorf("init prometheus exporter: %w", err)
		}
		provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
		defer func() { _ = provider.Shutdown(context.Background()) }()
		opts = append(opts, sterad.WithMeter(provider.Meter("sterad")))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	svc, err := sterad.NewService(cfg, opts...)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("sterad listening", "addr", addr, "dist", cfg.DistRoot(), "mode", cfg.Server.ServeCachedTo)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	if metricsSrv != nil {
		g.Go(func() error {
			logger.Info("metrics listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return nil
	})
	return g.Wait()
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
