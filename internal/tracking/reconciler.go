package tracking

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type UnsupportedProviderStrategy string

const (
	// UnsupportedUnknown terminalizes records whose provider cannot be queried.
	UnsupportedUnknown UnsupportedProviderStrategy = "unknown"
	// UnsupportedSkip keeps polling them with backoff until the tracking
	// duration runs out.
	UnsupportedSkip UnsupportedProviderStrategy = "skip"
)

type PollingConfig struct {
	Interval                    time.Duration
	BatchSize                   int
	Concurrency                 int
	InitialDelay                time.Duration
	Backoff                     []time.Duration
	MaxTrackingDuration         time.Duration
	ScheduledGrace              time.Duration
	UnsupportedProviderStrategy UnsupportedProviderStrategy
	// QueryTimeout bounds a single provider call. Zero means no bound.
	QueryTimeout time.Duration
}

func DefaultPollingConfig() PollingConfig {
	return PollingConfig{
		Interval:     time.Minute,
		BatchSize:    100,
		Concurrency:  10,
		InitialDelay: 30 * time.Second,
		Backoff: []time.Duration{
			30 * time.Second,
			time.Minute,
			2 * time.Minute,
			5 * time.Minute,
			10 * time.Minute,
			30 * time.Minute,
			time.Hour,
		},
		MaxTrackingDuration:         72 * time.Hour,
		ScheduledGrace:              time.Minute,
		UnsupportedProviderStrategy: UnsupportedUnknown,
		QueryTimeout:                15 * time.Second,
	}
}

// Normalize fills zero values from DefaultPollingConfig. A negative
// MaxTrackingDuration disables the tracking timeout.
func (c PollingConfig) Normalize() PollingConfig {
	def := DefaultPollingConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	if len(c.Backoff) == 0 {
		c.Backoff = def.Backoff
	}
	if c.MaxTrackingDuration == 0 {
		c.MaxTrackingDuration = def.MaxTrackingDuration
	}
	if c.ScheduledGrace < 0 {
		c.ScheduledGrace = 0
	}
	if c.UnsupportedProviderStrategy == "" {
		c.UnsupportedProviderStrategy = def.UnsupportedProviderStrategy
	}
	return c
}

func (c PollingConfig) Validate() error {
	switch c.UnsupportedProviderStrategy {
	case UnsupportedUnknown, UnsupportedSkip:
	default:
		return fmt.Errorf("%w: unsupported provider strategy %q", ErrInvalidInput, c.UnsupportedProviderStrategy)
	}
	for i, d := range c.Backoff {
		if d <= 0 {
			return fmt.Errorf("%w: backoff[%d] must be positive", ErrInvalidInput, i)
		}
	}
	return nil
}

// BackoffFor returns the delay before the next check of a record that has
// been checked attempts times. The table index is clamped to its last entry.
func (c PollingConfig) BackoffFor(attempts int) time.Duration {
	if len(c.Backoff) == 0 {
		return c.Interval
	}
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= len(c.Backoff) {
		attempts = len(c.Backoff) - 1
	}
	return c.Backoff[attempts]
}

type RecordUpdate struct {
	MessageID string
	Patch     RecordPatch
	// Queried is set when the provider was asked for status.
	Queried bool
}

type ReconcileError struct {
	MessageID  string
	ProviderID string
	Code       string
	Message    string
	Err        error
}

type ReconcileResult struct {
	// Updates are in the order of the due records that were processed.
	Updates []RecordUpdate
	Errors  []ReconcileError
}

// Reconcile decides the next state of every due record. It never returns an
// error: failures are recorded on the record patch and in Errors. When ctx
// is cancelled, records not yet picked up by a worker are left out.
func Reconcile(ctx context.Context, providers map[string]Provider, due []TrackingRecord, now time.Time, cfg PollingConfig) ReconcileResult {
	cfg = cfg.Normalize()
	if len(due) == 0 {
		return ReconcileResult{}
	}

	type outcome struct {
		done   bool
		update RecordUpdate
		err    *ReconcileError
	}
	outcomes := make([]outcome, len(due))

	workers := cfg.Concurrency
	if workers > len(due) {
		workers = len(due)
	}
	var next atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				i := int(next.Add(1) - 1)
				if i >= len(due) {
					return
				}
				update, rerr := reconcileRecord(ctx, providers, due[i], now, cfg)
				outcomes[i] = outcome{done: true, update: update, err: rerr}
			}
		}()
	}
	wg.Wait()

	var result ReconcileResult
	for _, o := range outcomes {
		if !o.done {
			continue
		}
		result.Updates = append(result.Updates, o.update)
		if o.err != nil {
			result.Errors = append(result.Errors, *o.err)
		}
	}
	return result
}

func reconcileRecord(ctx context.Context, providers map[string]Provider, rec TrackingRecord, now time.Time, cfg PollingConfig) (update RecordUpdate, rerr *ReconcileError) {
	attempts := rec.AttemptCount + 1
	update = RecordUpdate{
		MessageID: rec.MessageID,
		Patch: RecordPatch{
			AttemptCount:  &attempts,
			LastCheckedAt: timePtr(now),
		},
	}
	p := &update.Patch

	terminalize := func(code, message string, err error) {
		status := StatusUnknown
		p.Status = &status
		p.StatusUpdatedAt = timePtr(now)
		p.NextCheckAt = timePtr(now)
		p.LastError = &RecordError{Code: code, Message: message}
		rerr = &ReconcileError{MessageID: rec.MessageID, ProviderID: rec.ProviderID, Code: code, Message: message, Err: err}
	}
	retryLater := func(code, message string, err error) {
		p.NextCheckAt = timePtr(now.Add(cfg.BackoffFor(rec.AttemptCount)))
		if code != "" {
			p.LastError = &RecordError{Code: code, Message: message}
			rerr = &ReconcileError{MessageID: rec.MessageID, ProviderID: rec.ProviderID, Code: code, Message: message, Err: err}
		}
	}

	if strings.TrimSpace(rec.ProviderMessageID) == "" {
		terminalize(CodeMissingProviderMessageID, "send result carried no provider message id", nil)
		return update, rerr
	}
	if cfg.MaxTrackingDuration > 0 && !rec.Status.Terminal() && now.Sub(rec.RequestedAt) > cfg.MaxTrackingDuration {
		terminalize(CodeTrackingTimeout, fmt.Sprintf("no final status within %s", cfg.MaxTrackingDuration), nil)
		return update, rerr
	}
	if rec.ScheduledAt != nil {
		releaseAt := rec.ScheduledAt.Add(cfg.ScheduledGrace)
		if now.Before(releaseAt) {
			p.NextCheckAt = timePtr(releaseAt)
			return update, nil
		}
	}
	provider, ok := providers[rec.ProviderID]
	if !ok || provider == nil {
		terminalize(CodeProviderNotFound, fmt.Sprintf("provider %q is not registered", rec.ProviderID), nil)
		return update, rerr
	}
	querier, ok := provider.(StatusQuerier)
	if !ok {
		message := fmt.Sprintf("provider %q does not support status queries", rec.ProviderID)
		if cfg.UnsupportedProviderStrategy == UnsupportedSkip {
			retryLater(CodeUnsupportedProvider, message, nil)
		} else {
			terminalize(CodeUnsupportedProvider, message, nil)
		}
		return update, rerr
	}

	update.Queried = true
	status, err := queryStatus(ctx, querier, rec, cfg.QueryTimeout)
	if err != nil {
		code, message := providerErrorDetail(err)
		if IsRetryable(err) {
			retryLater(code, message, err)
		} else {
			terminalize(code, message, err)
		}
		return update, rerr
	}
	if status == nil {
		p.ClearLastError = true
		retryLater("", "", nil)
		return update, nil
	}
	parsed, err := ParseStatus(string(status.Status))
	if err != nil {
		retryLater(CodeProviderQueryFailed, err.Error(), err)
		return update, rerr
	}

	p.Status = &parsed
	p.StatusUpdatedAt = timePtr(now)
	if status.Raw != nil {
		p.Raw = status.Raw
	}
	p.ClearLastError = true
	switch parsed {
	case StatusSent:
		if rec.SentAt == nil {
			p.SentAt = timePtr(now)
		}
	case StatusDelivered:
		p.DeliveredAt = timePtr(now)
	case StatusFailed:
		p.FailedAt = timePtr(now)
		code := status.StatusCode
		if code == "" {
			code = CodeDeliveryFailed
		}
		p.LastError = &RecordError{Code: code, Message: "provider reported delivery failure"}
	}
	if parsed.Terminal() {
		p.NextCheckAt = timePtr(now)
	} else {
		p.NextCheckAt = timePtr(now.Add(cfg.BackoffFor(rec.AttemptCount)))
	}
	return update, nil
}

// queryStatus calls the provider, turning a panic into a retryable error.
func queryStatus(ctx context.Context, querier StatusQuerier, rec TrackingRecord, timeout time.Duration) (status *DeliveryStatus, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			status = nil
			err = &ProviderError{Code: CodeProviderQueryFailed, Message: fmt.Sprintf("provider panic: %v", r), Retryable: true}
		}
	}()
	return querier.GetDeliveryStatus(ctx, StatusQuery{
		ProviderMessageID: rec.ProviderMessageID,
		Type:              rec.Type,
		To:                rec.To,
		RequestedAt:       rec.RequestedAt,
		ScheduledAt:       clonePtr(rec.ScheduledAt),
	})
}
