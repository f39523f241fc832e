package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/agentworkforce/deliverytrack/internal/config"
	"github.com/agentworkforce/deliverytrack/internal/cryptocircuit"
	"github.com/agentworkforce/deliverytrack/internal/fieldcrypto"
	"github.com/agentworkforce/deliverytrack/internal/keyring"
	"github.com/agentworkforce/deliverytrack/internal/metrics"
	"github.com/agentworkforce/deliverytrack/internal/providers/httpstatus"
	"github.com/agentworkforce/deliverytrack/internal/retention"
	"github.com/agentworkforce/deliverytrack/internal/tracking"
)

type App struct {
	Config   *config.Config
	Logger   *slog.Logger
	Registry *prometheus.Registry
	Metrics  metrics.Sink
	Keys     *keyring.Keyring
	Circuit  *cryptocircuit.Controller
	Crypto   *fieldcrypto.Engine
	Service  *tracking.Service
}

type appOptions struct {
	LogWriter io.Writer
	LogLevel  string
	LogFormat string
	Getenv    func(string) string
	// Extra receives every metric event alongside Prometheus.
	Extra metrics.Sink
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func buildApp(cfg *config.Config, opts appOptions) (*App, error) {
	if opts.LogWriter == nil {
		opts.LogWriter = os.Stderr
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	level := cfg.Log.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	format := cfg.Log.Format
	if opts.LogFormat != "" {
		format = opts.LogFormat
	}
	logger, err := newLogger(opts.LogWriter, level, format)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	app.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sinks := metrics.Fanout{metrics.NewPrometheusSink(app.Registry)}
	if opts.Extra != nil {
		sinks = append(sinks, opts.Extra)
	}
	app.Metrics = sinks

	crypto, err := app.buildCrypto()
	if err != nil {
		return nil, err
	}
	app.Crypto = crypto

	retentionOpts, err := cfg.RetentionOptions()
	if err != nil {
		return nil, err
	}
	resolver, err := retention.NewResolver(retentionOpts)
	if err != nil {
		return nil, err
	}

	dsn, err := cfg.StoreDSN()
	if err != nil {
		return nil, err
	}
	store, err := tracking.BuildStoreFromDSN(dsn, tracking.StoreOptions{
		Crypto:    crypto,
		Retention: resolver,
		Table:     cfg.Store.Table,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	providers, err := buildProviders(cfg.Providers, opts.Getenv)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	service, err := tracking.NewService(tracking.ServiceOptions{
		Store:     store,
		Providers: providers,
		Polling:   cfg.TrackingPolling(),
		Logger:    logger,
		Metrics:   app.Metrics,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	app.Service = service
	return app, nil
}

func (a *App) buildCrypto() (*fieldcrypto.Engine, error) {
	if !a.Config.Crypto.Enabled {
		return nil, nil
	}
	policy, err := a.Config.CryptoPolicy()
	if err != nil {
		return nil, err
	}
	circuitOpts := a.Config.CircuitOptions(a.Logger)
	circuitOpts.OnStateChange = a.recordCircuitChange
	circuitOpts.Runbook = a.circuitRunbook
	a.Circuit = cryptocircuit.New(circuitOpts)

	engineOpts := fieldcrypto.Options{
		Policy:  policy,
		Circuit: a.Circuit,
		Metrics: a.Metrics,
		Logger:  a.Logger,
	}
	if path := strings.TrimSpace(a.Config.Crypto.KeyFile); path != "" {
		keys, err := keyring.Load(path, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("load key file: %w", err)
		}
		a.Keys = keys
		engineOpts.Keys = keys
		engineOpts.Provider = fieldcrypto.NewAESGCMProvider(keys)
	}
	return fieldcrypto.NewEngine(engineOpts)
}

func (a *App) recordCircuitChange(change cryptocircuit.StateChange) {
	a.Metrics.Emit(context.Background(), metrics.Event{
		Name:  metrics.CryptoCircuitStateChange,
		Value: 1,
		Tags: map[string]string{
			"from": string(change.From),
			"to":   string(change.To),
		},
	})
}

func (a *App) circuitRunbook(change cryptocircuit.StateChange) {
	a.Logger.Error("crypto circuit opened: check the key file and recent key rotations",
		slog.String("scope", change.ScopeKey),
		slog.String("tenant", change.Scope.TenantID),
		slog.String("provider", change.Scope.ProviderID),
		slog.String("kid", change.Scope.Kid),
		slog.String("class", string(change.Class)),
		slog.String("reason", change.Reason),
		slog.Time("at", change.At),
	)
}

func buildProviders(configs []config.ProviderConfig, getenv func(string) string) ([]tracking.Provider, error) {
	providers := make([]tracking.Provider, 0, len(configs))
	for _, pc := range configs {
		statuses, err := pc.TrackingStatusMap()
		if err != nil {
			return nil, err
		}
		opts := httpstatus.Options{
			ID:           pc.ID,
			BaseURL:      pc.BaseURL,
			PathTemplate: pc.PathTemplate,
			UserAgent:    pc.UserAgent,
			MaxRetries:   pc.MaxRetries,
			StatusMap:    statuses,
		}
		if pc.Timeout > 0 {
			opts.HTTPClient = &http.Client{Timeout: pc.Timeout}
		}
		if env := strings.TrimSpace(pc.TokenEnv); env != "" {
			opts.TokenProvider = envToken(env, getenv)
		}
		client, err := httpstatus.New(opts)
		if err != nil {
			return nil, err
		}
		providers = append(providers, client)
	}
	return providers, nil
}

var errTokenUnset = errors.New("token environment variable is empty")

// envToken resolves the bearer token from the environment on every request.
func envToken(name string, getenv func(string) string) httpstatus.TokenProvider {
	return func(context.Context) (string, error) {
		token := strings.TrimSpace(getenv(name))
		if token == "" {
			return "", fmt.Errorf("%w: %s", errTokenUnset, name)
		}
		return token, nil
	}
}

func (a *App) Close() error {
	if a == nil || a.Service == nil {
		return nil
	}
	return a.Service.Close()
}
