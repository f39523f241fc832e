package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/deliverytrack/internal/fieldcrypto"
	"github.com/agentworkforce/deliverytrack/internal/tracking"
)

type filterFlags struct {
	messageIDs   []string
	tenants      []string
	providers    []string
	types        []string
	statuses     []string
	cryptoStates []string
	to           []string
	from         []string
	metadata     []string
	since        string
	until        string
}

func (f *filterFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringSliceVar(&f.messageIDs, "id", nil, "message ids")
	fs.StringSliceVar(&f.tenants, "tenant", nil, "tenant ids")
	fs.StringSliceVar(&f.providers, "provider", nil, "provider ids")
	fs.StringSliceVar(&f.types, "type", nil, "message types")
	fs.StringSliceVar(&f.statuses, "status", nil, "statuses (PENDING, SENT, DELIVERED, FAILED, CANCELLED, UNKNOWN)")
	fs.StringSliceVar(&f.cryptoStates, "crypto-state", nil, "crypto states (plain, encrypted, degraded)")
	fs.StringSliceVar(&f.to, "to", nil, "recipient addresses")
	fs.StringSliceVar(&f.from, "from", nil, "sender addresses")
	fs.StringArrayVar(&f.metadata, "metadata", nil, "metadata lookup as path=value on a hashed metadata path (repeatable)")
	fs.StringVar(&f.since, "since", "", "requested at or after (RFC3339)")
	fs.StringVar(&f.until, "until", "", "requested at or before (RFC3339)")
}

func (f *filterFlags) build() (tracking.Filter, error) {
	filter := tracking.Filter{
		MessageIDs:  f.messageIDs,
		TenantIDs:   f.tenants,
		ProviderIDs: f.providers,
		Types:       f.types,
		To:          f.to,
		From:        f.from,
	}
	for _, raw := range f.statuses {
		status, err := tracking.ParseStatus(raw)
		if err != nil {
			return tracking.Filter{}, err
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	for _, raw := range f.cryptoStates {
		state := fieldcrypto.State(strings.ToLower(strings.TrimSpace(raw)))
		switch state {
		case fieldcrypto.StatePlain, fieldcrypto.StateEncrypted, fieldcrypto.StateDegraded:
		default:
			return tracking.Filter{}, fmt.Errorf("unknown crypto state %q", raw)
		}
		filter.CryptoStates = append(filter.CryptoStates, state)
	}
	metadata, err := parsePairs("metadata", f.metadata)
	if err != nil {
		return tracking.Filter{}, err
	}
	filter.Metadata = metadata
	if filter.RequestedFrom, err = parseTimeFlag("since", f.since); err != nil {
		return tracking.Filter{}, err
	}
	if filter.RequestedTo, err = parseTimeFlag("until", f.until); err != nil {
		return tracking.Filter{}, err
	}
	return filter, nil
}

func parsePairs(flag string, raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, pair := range raw {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--%s expects key=value, got %q", flag, pair)
		}
		out[key] = value
	}
	return out, nil
}

func parseTimeFlag(flag, raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", flag, err)
	}
	return &t, nil
}

// queryError maps tracking errors onto exit codes.
func queryError(message string, err error) error {
	switch {
	case errors.Is(err, tracking.ErrInvalidInput), errors.Is(err, tracking.ErrUnsupportedGroupBy):
		return WrapExitError(ExitCommandError, message, err)
	case errors.Is(err, tracking.ErrNotImplemented):
		return WrapExitError(ExitCommandError, message+": the configured store does not support queries", err)
	default:
		return WrapExitError(ExitFailure, message, err)
	}
}

type recordFlags struct {
	messageID         string
	tenant            string
	provider          string
	providerMessageID string
	messageType       string
	to                string
	from              string
	scheduledAt       string
	status            string
	metadata          []string
}

func NewRecordCommand(rootOpts *RootOptions) *cobra.Command {
	flags := &recordFlags{}
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a sent message for tracking",
		Long: `Record a message a provider has accepted so its delivery status is polled.

Example:
  deliverytrack record --provider carrier-a --provider-message-id pm-123 --type sms --to +15550001111`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, rootOpts, flags)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&flags.messageID, "id", "", "message id (generated when empty)")
	fs.StringVar(&flags.tenant, "tenant", "", "tenant id")
	fs.StringVar(&flags.provider, "provider", "", "provider id (required)")
	fs.StringVar(&flags.providerMessageID, "provider-message-id", "", "message id assigned by the provider")
	fs.StringVar(&flags.messageType, "type", "", "message type, e.g. sms")
	fs.StringVar(&flags.to, "to", "", "recipient address")
	fs.StringVar(&flags.from, "from", "", "sender address")
	fs.StringVar(&flags.scheduledAt, "scheduled-at", "", "scheduled send time (RFC3339)")
	fs.StringVar(&flags.status, "status", "", "terminal status already known at send time")
	fs.StringArrayVar(&flags.metadata, "metadata", nil, "metadata entry as key=value (repeatable)")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func runRecord(cmd *cobra.Command, rootOpts *RootOptions, flags *recordFlags) error {
	scheduledAt, err := parseTimeFlag("scheduled-at", flags.scheduledAt)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}
	pairs, err := parsePairs("metadata", flags.metadata)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}
	var status tracking.Status
	if flags.status != "" {
		if status, err = tracking.ParseStatus(flags.status); err != nil {
			return WrapExitError(ExitCommandError, "invalid flags", err)
		}
	}
	var metadata map[string]any
	if len(pairs) > 0 {
		metadata = make(map[string]any, len(pairs))
		for k, v := range pairs {
			metadata[k] = v
		}
	}

	app, err := rootOpts.openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	rec, err := app.Service.RecordSend(cmd.Context(), tracking.SendContext{
		MessageID: flags.messageID,
		Options: tracking.SendOptions{
			TenantID:    flags.tenant,
			Type:        flags.messageType,
			To:          flags.to,
			From:        flags.from,
			ScheduledAt: scheduledAt,
			Metadata:    metadata,
		},
	}, tracking.SendResult{
		ProviderID:        flags.provider,
		ProviderMessageID: flags.providerMessageID,
		Status:            status,
	})
	if err != nil {
		return queryError("failed to record send", err)
	}
	return rootOpts.formatter(cmd).Record(rec)
}

func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <message-id>",
		Short: "Show one tracking record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := rootOpts.openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			rec, err := app.Service.GetRecord(cmd.Context(), args[0])
			if err != nil {
				return queryError("failed to read record", err)
			}
			if rec == nil {
				return NewExitError(ExitFailure, fmt.Sprintf("record %s not found", args[0]))
			}
			return rootOpts.formatter(cmd).Record(*rec)
		},
	}
}

func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	filter := &filterFlags{}
	var (
		limit      int
		offset     int
		orderBy    string
		descending bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracking records",
		Long: `List tracking records matching the filter flags.

Example:
  deliverytrack list --status FAILED --provider carrier-a --limit 20
  deliverytrack list --to +15550001111 --order statusUpdatedAt --desc`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := filter.build()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid filter", err)
			}
			app, err := rootOpts.openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			records, err := app.Service.ListRecords(cmd.Context(), tracking.ListOptions{
				Filter:     f,
				Limit:      limit,
				Offset:     offset,
				OrderBy:    tracking.OrderField(orderBy),
				Descending: descending,
			})
			if err != nil {
				return queryError("failed to list records", err)
			}
			return rootOpts.formatter(cmd).Records(records)
		},
	}
	filter.register(cmd)
	fs := cmd.Flags()
	fs.IntVar(&limit, "limit", 50, "maximum records to return (0 for no limit)")
	fs.IntVar(&offset, "offset", 0, "records to skip")
	fs.StringVar(&orderBy, "order", string(tracking.OrderRequestedAt), "order by requestedAt or statusUpdatedAt")
	fs.BoolVar(&descending, "desc", false, "newest first")
	return cmd
}

func NewCountCommand(rootOpts *RootOptions) *cobra.Command {
	filter := &filterFlags{}
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Count tracking records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := filter.build()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid filter", err)
			}
			app, err := rootOpts.openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			n, err := app.Service.CountRecords(cmd.Context(), f)
			if err != nil {
				return queryError("failed to count records", err)
			}
			return rootOpts.formatter(cmd).Count(n)
		},
	}
	filter.register(cmd)
	return cmd
}

func NewCountByCommand(rootOpts *RootOptions) *cobra.Command {
	filter := &filterFlags{}
	var by []string
	cmd := &cobra.Command{
		Use:   "count-by",
		Short: "Count tracking records grouped by status, providerId or type",
		Long: `Count tracking records grouped by one or more fields.

Example:
  deliverytrack count-by --by status
  deliverytrack count-by --by providerId,status --since 2026-01-01T00:00:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := filter.build()
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid filter", err)
			}
			groupBy := make([]tracking.GroupField, 0, len(by))
			for _, raw := range by {
				field, err := tracking.ParseGroupField(strings.TrimSpace(raw))
				if err != nil {
					return WrapExitError(ExitCommandError, fmt.Sprintf("invalid --by field %q", raw), err)
				}
				groupBy = append(groupBy, field)
			}
			app, err := rootOpts.openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			groups, err := app.Service.CountBy(cmd.Context(), f, groupBy)
			if err != nil {
				return queryError("failed to count records", err)
			}
			return rootOpts.formatter(cmd).Groups(groupBy, groups)
		},
	}
	filter.register(cmd)
	cmd.Flags().StringSliceVar(&by, "by", []string{string(tracking.GroupStatus)}, "group fields (status, providerId, type)")
	return cmd
}
