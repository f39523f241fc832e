package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/deliverytrack/internal/config"
	"github.com/agentworkforce/deliverytrack/internal/keyring"
)

const defaultConfigFile = "deliverytrack.yaml"

func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create, check and print configuration",
	}
	cmd.AddCommand(newConfigInitCommand(rootOpts))
	cmd.AddCommand(newConfigValidateCommand(rootOpts))
	cmd.AddCommand(newConfigShowCommand(rootOpts))
	return cmd
}

func newConfigInitCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		force   bool
		profile string
	)
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config file with default settings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigFile
			if len(args) == 1 {
				path = args[0]
			}
			if err := refuseOverwrite(path, force); err != nil {
				return err
			}
			cfg := config.Default()
			if profile != "" {
				cfg.Store.Profile = profile
			}
			if err := cfg.Validate(); err != nil {
				return WrapExitError(ExitCommandError, "invalid profile", err)
			}
			if err := config.Write(path, cfg); err != nil {
				return WrapExitError(ExitFailure, "failed to write config", err)
			}
			return rootOpts.formatter(cmd).Message("wrote %s", path)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.Flags().StringVar(&profile, "profile", "", "store profile (memory, local, embedded)")
	return cmd
}

func newConfigValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Check a config file against the schema and semantic rules",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := rootOpts.ConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return NewExitError(ExitCommandError, "no config file given")
			}
			cfg, err := config.Load(path)
			if err != nil {
				return WrapExitError(ExitFailure, fmt.Sprintf("%s is invalid", path), err)
			}
			dsn, _ := cfg.StoreDSN()
			out := rootOpts.formatter(cmd)
			if out.isJSON() {
				return out.writeJSON(map[string]any{"path": path, "valid": true, "store": redactDSN(dsn)})
			}
			fmt.Fprintf(out.Writer, "%s %s (store %s)\n", color.New(color.FgHiGreen).Sprint("✓"), path, redactDSN(dsn))
			if cfg.Crypto.Enabled && cfg.Crypto.KeyFile != "" {
				if _, err := keyring.Load(cfg.Crypto.KeyFile, nil); err != nil {
					fmt.Fprintf(out.Writer, "%s key file: %v\n", color.New(color.FgYellow).Sprint("!"), err)
				}
			}
			return nil
		},
	}
}

func newConfigShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration after defaults and environment overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(rootOpts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			shown := *cfg
			shown.Store.DSN = redactDSN(cfg.Store.DSN)
			shown.API.JWTSecret = redactSecret(cfg.API.JWTSecret)
			shown.API.InternalHMACSecret = redactSecret(cfg.API.InternalHMACSecret)
			out := rootOpts.formatter(cmd)
			if out.isJSON() {
				return out.writeJSON(shown)
			}
			enc := yaml.NewEncoder(out.Writer)
			enc.SetIndent(2)
			if err := enc.Encode(&shown); err != nil {
				return WrapExitError(ExitFailure, "failed to render config", err)
			}
			return enc.Close()
		},
	}
}

func NewKeysCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the field encryption key file",
	}
	cmd.AddCommand(newKeysInitCommand(rootOpts))
	cmd.AddCommand(newKeysRotateCommand(rootOpts))
	return cmd
}

func newKeysInitCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		kid   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Generate a key file with one active key and a hash key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if err := refuseOverwrite(path, force); err != nil {
				return err
			}
			file, err := keyring.Generate(kid, nil)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to generate keys", err)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return WrapExitError(ExitFailure, "failed to create key directory", err)
			}
			if err := keyring.Write(path, file); err != nil {
				return WrapExitError(ExitFailure, "failed to write key file", err)
			}
			return rootOpts.formatter(cmd).Message("wrote %s with active kid %s", path, file.Active)
		},
	}
	cmd.Flags().StringVar(&kid, "kid", "k1", "id of the generated key")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newKeysRotateCommand(rootOpts *RootOptions) *cobra.Command {
	var kid string
	cmd := &cobra.Command{
		Use:   "rotate <path>",
		Short: "Add a new active key, keeping old keys for decryption",
		Long: `Add a new key to the key file and make it active. Running services with
crypto.watch_keys enabled pick up the change without a restart.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			file, err := keyring.ReadFile(path)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read key file", err)
			}
			rotated, err := keyring.Rotate(file, kid, nil)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to rotate keys", err)
			}
			if err := keyring.Write(path, rotated); err != nil {
				return WrapExitError(ExitFailure, "failed to write key file", err)
			}
			return rootOpts.formatter(cmd).Message("rotated %s: active kid %s (was %s)", path, rotated.Active, file.Active)
		},
	}
	cmd.Flags().StringVar(&kid, "kid", "", "id of the new key (required)")
	_ = cmd.MarkFlagRequired("kid")
	return cmd
}

func refuseOverwrite(path string, force bool) error {
	if force {
		return nil
	}
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return NewExitError(ExitCommandError, fmt.Sprintf("%s already exists (use --force to overwrite)", path))
	case errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return WrapExitError(ExitFailure, "failed to check "+path, err)
	}
}

func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return "xxxxx"
}

// redactDSN hides the password of URL-shaped DSNs.
func redactDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.User == nil {
		return dsn
	}
	return parsed.Redacted()
}
