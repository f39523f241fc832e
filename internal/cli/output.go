package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/agentworkforce/deliverytrack/internal/fieldcrypto"
	"github.com/agentworkforce/deliverytrack/internal/tracking"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the command ran but reported a failure, e.g. a record was not found
	ExitCommandError = 2 // bad flags, unreadable config, unreachable store
)

type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

type OutputFormatter struct {
	Format string
	Writer io.Writer
}

type cliResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
}

func (f *OutputFormatter) isJSON() bool {
	return f.Format == "json"
}

func (f *OutputFormatter) writeJSON(data any) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(cliResponse{Status: "ok", Data: data})
}

func (f *OutputFormatter) Record(rec tracking.TrackingRecord) error {
	if f.isJSON() {
		return f.writeJSON(rec)
	}
	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	row := func(label, value string) {
		if value != "" {
			fmt.Fprintf(tw, "%s\t%s\n", label, value)
		}
	}
	row("message", rec.MessageID)
	row("tenant", rec.TenantID)
	row("provider", rec.ProviderID)
	row("provider message", rec.ProviderMessageID)
	row("type", rec.Type)
	row("to", displayAddress(rec.To, rec.ToMasked))
	row("from", displayAddress(rec.From, rec.FromMasked))
	row("status", statusLabel(rec.Status))
	row("attempts", fmt.Sprintf("%d", rec.AttemptCount))
	row("requested", formatTime(&rec.RequestedAt))
	row("scheduled", formatTime(rec.ScheduledAt))
	row("sent", formatTime(rec.SentAt))
	row("delivered", formatTime(rec.DeliveredAt))
	row("failed", formatTime(rec.FailedAt))
	row("last checked", formatTime(rec.LastCheckedAt))
	if !rec.Status.Terminal() {
		row("next check", formatTime(&rec.NextCheckAt))
	}
	if rec.LastError != nil {
		row("last error", color.New(color.FgRed).Sprintf("%s %s", rec.LastError.Code, rec.LastError.Message))
	}
	row("crypto", cryptoLabel(rec))
	if rec.RetentionClass != "" {
		row("retention", fmt.Sprintf("%s (bucket %d)", rec.RetentionClass, rec.RetentionBucketYM))
	}
	return tw.Flush()
}

func (f *OutputFormatter) Records(records []tracking.TrackingRecord) error {
	if f.isJSON() {
		if records == nil {
			records = []tracking.TrackingRecord{}
		}
		return f.writeJSON(records)
	}
	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MESSAGE\tPROVIDER\tTYPE\tTO\tSTATUS\tATTEMPTS\tREQUESTED\tCRYPTO")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.MessageID,
			rec.ProviderID,
			rec.Type,
			displayAddress(rec.To, rec.ToMasked),
			statusLabel(rec.Status),
			rec.AttemptCount,
			formatTime(&rec.RequestedAt),
			cryptoLabel(rec),
		)
	}
	return tw.Flush()
}

func (f *OutputFormatter) Count(n int) error {
	if f.isJSON() {
		return f.writeJSON(map[string]int{"count": n})
	}
	_, err := fmt.Fprintln(f.Writer, n)
	return err
}

func (f *OutputFormatter) Groups(groupBy []tracking.GroupField, groups []tracking.GroupCount) error {
	if f.isJSON() {
		if groups == nil {
			groups = []tracking.GroupCount{}
		}
		return f.writeJSON(groups)
	}
	tw := tabwriter.NewWriter(f.Writer, 0, 4, 2, ' ', 0)
	header := make([]string, 0, len(groupBy)+1)
	for _, field := range groupBy {
		header = append(header, strings.ToUpper(string(field)))
	}
	fmt.Fprintln(tw, strings.Join(append(header, "COUNT"), "\t"))
	for _, g := range groups {
		cols := make([]string, 0, len(groupBy)+1)
		for _, field := range groupBy {
			value := g.Key[field]
			if field == tracking.GroupStatus {
				value = statusLabel(tracking.Status(value))
			}
			cols = append(cols, value)
		}
		cols = append(cols, fmt.Sprintf("%d", g.Count))
		fmt.Fprintln(tw, strings.Join(cols, "\t"))
	}
	return tw.Flush()
}

type pollSummary struct {
	Due         int           `json:"due"`
	Updated     int           `json:"updated"`
	PatchErrors int           `json:"patchErrors"`
	Errors      []pollFailure `json:"errors,omitempty"`
}

type pollFailure struct {
	MessageID  string `json:"messageId"`
	ProviderID string `json:"providerId"`
	Code       string `json:"code"`
	Message    string `json:"message,omitempty"`
}

func (f *OutputFormatter) Poll(result tracking.RunResult) error {
	summary := pollSummary{Due: result.Due, Updated: result.Updated, PatchErrors: result.PatchErrors}
	for _, e := range result.Errors {
		summary.Errors = append(summary.Errors, pollFailure{MessageID: e.MessageID, ProviderID: e.ProviderID, Code: e.Code, Message: e.Message})
	}
	if f.isJSON() {
		return f.writeJSON(summary)
	}
	fmt.Fprintf(f.Writer, "due %d, updated %d, patch errors %d\n", summary.Due, summary.Updated, summary.PatchErrors)
	for _, e := range result.Errors {
		fmt.Fprintf(f.Writer, "  %s %s %s\n", e.MessageID, color.New(color.FgYellow).Sprint(e.Code), e.Message)
	}
	return nil
}

func (f *OutputFormatter) Message(format string, args ...any) error {
	if f.isJSON() {
		return f.writeJSON(map[string]string{"message": fmt.Sprintf(format, args...)})
	}
	_, err := fmt.Fprintf(f.Writer, format+"\n", args...)
	return err
}

func statusLabel(status tracking.Status) string {
	upper := strings.ToUpper(string(status))
	switch status {
	case tracking.StatusDelivered:
		return color.New(color.FgHiGreen).Sprint(upper)
	case tracking.StatusFailed:
		return color.New(color.FgRed).Sprint(upper)
	case tracking.StatusUnknown, tracking.StatusCancelled:
		return color.New(color.FgYellow).Sprint(upper)
	case tracking.StatusPending:
		return color.New(color.FgCyan).Sprint(upper)
	default:
		return color.New(color.FgHiBlue).Sprint(upper)
	}
}

func cryptoLabel(rec tracking.TrackingRecord) string {
	if rec.CryptoState == "" {
		return ""
	}
	label := string(rec.CryptoState)
	if rec.CryptoKid != "" {
		label += " " + rec.CryptoKid
	}
	if rec.CryptoState == fieldcrypto.StateDegraded {
		return color.New(color.FgHiYellow, color.Bold).Sprintf("⚠ %s", label)
	}
	return label
}

func displayAddress(plain, masked string) string {
	if plain != "" {
		return plain
	}
	return masked
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
