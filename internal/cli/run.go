package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/deliverytrack/internal/httpapi"
)

const shutdownTimeout = 10 * time.Second

func NewPollCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run one poll cycle against the configured providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := rootOpts.openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			result, err := app.Service.RunOnce(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "poll cycle failed", err)
			}
			return rootOpts.formatter(cmd).Poll(result)
		},
	}
}

type RunOptions struct {
	*RootOptions
	MetricsAddr string
	APIAddr     string

	// Ready, when set, is called once the service is polling and the
	// listeners are bound. Empty addresses mean the listener is disabled.
	Ready func(metricsAddr, apiAddr string)
}

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll providers continuously and serve metrics and the HTTP API",
		Long: `Start the polling loop. Due records are reconciled every polling interval
until the process receives SIGINT or SIGTERM.

Example:
  deliverytrack run --config /etc/deliverytrack/config.yaml
  deliverytrack run --metrics-addr :9464 --api-addr :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "override the configured metrics listen address")
	cmd.Flags().StringVar(&opts.APIAddr, "api-addr", "", "override the configured HTTP API listen address")
	return cmd
}

func runService(cmd *cobra.Command, opts *RunOptions) error {
	app, err := opts.openApp()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := app.Close(); closeErr != nil {
			app.Logger.Error("error closing store", slog.String("error", closeErr.Error()))
		}
	}()
	logger := app.Logger

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := app.Service.Init(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to initialize store", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	metricsAddr := strings.TrimSpace(app.Config.Metrics.Addr)
	if opts.MetricsAddr != "" {
		metricsAddr = opts.MetricsAddr
	}
	boundMetrics := ""
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		})
		boundMetrics, err = serve(groupCtx, group, "metrics", metricsAddr, mux)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to listen for metrics", err)
		}
		logger.Info("serving metrics", slog.String("addr", boundMetrics))
	}

	apiCfg := app.Config.API
	if opts.APIAddr != "" {
		apiCfg.Addr = opts.APIAddr
	}
	boundAPI := ""
	if strings.TrimSpace(apiCfg.Addr) != "" {
		api := httpapi.NewServer(app.Service, httpapi.ServerConfig{
			JWTSecret:          apiCfg.JWTSecret,
			InternalHMACSecret: apiCfg.InternalHMACSecret,
			InternalMaxSkew:    apiCfg.InternalMaxSkew,
			RateLimitMax:       apiCfg.RateLimitMax,
			RateLimitWindow:    apiCfg.RateLimitWindow,
			MaxBodyBytes:       apiCfg.MaxBodyBytes,
			Logger:             logger,
		})
		boundAPI, err = serve(groupCtx, group, "api", apiCfg.Addr, api)
		if err != nil {
			cancel()
			_ = group.Wait()
			return WrapExitError(ExitCommandError, "failed to listen for the HTTP API", err)
		}
		logger.Info("serving HTTP API", slog.String("addr", boundAPI))
	}

	if app.Keys != nil && app.Config.Crypto.WatchKeys {
		group.Go(func() error {
			return app.Keys.Watch(groupCtx)
		})
	}

	app.Service.Start()
	polling := app.Service.Polling()
	logger.Info("tracking started",
		slog.Duration("interval", polling.Interval),
		slog.Int("batch_size", polling.BatchSize),
		slog.Int("concurrency", polling.Concurrency),
	)
	fmt.Fprintln(cmd.OutOrStdout(), "Tracking started. Press Ctrl-C to stop.")
	if opts.Ready != nil {
		opts.Ready(boundMetrics, boundAPI)
	}

	<-groupCtx.Done()
	app.Service.Stop()
	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "tracking stopped with an error", err)
	}
	logger.Info("tracking stopped gracefully")
	return nil
}

// serve binds addr and runs handler in group until ctx is done.
func serve(ctx context.Context, group *errgroup.Group, name, addr string, handler http.Handler) (string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	server := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	group.Go(func() error {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		return server.Shutdown(shutdownCtx)
	})
	return listener.Addr().String(), nil
}
