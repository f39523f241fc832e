package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/deliverytrack/internal/config"
	"github.com/agentworkforce/deliverytrack/internal/metrics"
)

type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	LogLevel   string
	LogFormat  string
	Verbose    bool

	// LogWriter receives structured logs. Defaults to stderr.
	LogWriter io.Writer
	// Getenv resolves provider token variables. Defaults to os.Getenv.
	Getenv func(string) string
	// Metrics, when set, observes every metric event (for testing).
	Metrics metrics.Sink
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand(version string) *cobra.Command {
	return newRootCommand(&RootOptions{}, version)
}

func newRootCommand(opts *RootOptions, version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deliverytrack",
		Short:   "Track delivery status of sent messages",
		Long:    "deliverytrack records outbound messages, polls their providers for delivery status and protects recipient data at rest.",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	})

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", os.Getenv(config.EnvPrefix+"_CONFIG"), "path to the YAML config file")
	flags.StringVar(&opts.Format, "format", "text", "output format (json|text)")
	flags.StringVar(&opts.LogLevel, "log-level", "", "override the configured log level")
	flags.StringVar(&opts.LogFormat, "log-format", "", "override the configured log format (text|json)")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "shorthand for --log-level debug")

	cmd.AddCommand(NewRecordCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewListCommand(opts))
	cmd.AddCommand(NewCountCommand(opts))
	cmd.AddCommand(NewCountByCommand(opts))
	cmd.AddCommand(NewPollCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewKeysCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

// openApp loads the config and wires the tracking stack. The caller closes
// the returned app.
func (o *RootOptions) openApp() (*App, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	level := o.LogLevel
	if o.Verbose {
		level = "debug"
	}
	app, err := buildApp(cfg, appOptions{
		LogWriter: o.LogWriter,
		LogLevel:  level,
		LogFormat: o.LogFormat,
		Getenv:    o.Getenv,
		Extra:     o.Metrics,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to initialize", err)
	}
	return app, nil
}
