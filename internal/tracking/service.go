package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/agentworkforce/deliverytrack/internal/metrics"
)

type SendOptions struct {
	TenantID    string
	Type        string
	To          string
	From        string
	ScheduledAt *time.Time
	Metadata    map[string]any
}

type SendContext struct {
	// MessageID is generated when empty.
	MessageID string
	Options   SendOptions
	// Timestamp is the request time. Zero means now.
	Timestamp time.Time
}

type SendResult struct {
	ProviderID        string
	ProviderMessageID string
	// Status is an optional status known at send time. Only terminal
	// statuses are taken over.
	Status Status
	Raw    json.RawMessage
}

type ServiceOptions struct {
	Store     Store
	Providers []Provider
	Polling   PollingConfig
	Logger    *slog.Logger
	Metrics   metrics.Sink
	Now       func() time.Time
}

type RunResult struct {
	Due         int
	Updated     int
	Errors      []ReconcileError
	PatchErrors int
}

// Service records sends and keeps their delivery status current by polling
// providers on a timer.
type Service struct {
	store   Store
	polling PollingConfig
	logger  *slog.Logger
	metrics metrics.Sink
	now     func() time.Time

	providersMu sync.RWMutex
	providers   map[string]Provider

	initMu sync.Mutex
	inited bool

	poll singleflight.Group

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}
	closeOnce  sync.Once
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	polling := opts.Polling.Normalize()
	if err := polling.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Service{
		store:     opts.Store,
		polling:   polling,
		logger:    logger.With(slog.String("component", "tracking")),
		metrics:   metrics.OrNop(opts.Metrics),
		now:       now,
		providers: map[string]Provider{},
	}
	for _, p := range opts.Providers {
		s.RegisterProvider(p)
	}
	return s, nil
}

func (s *Service) RegisterProvider(p Provider) {
	if p == nil || strings.TrimSpace(p.ID()) == "" {
		return
	}
	s.providersMu.Lock()
	s.providers[p.ID()] = p
	s.providersMu.Unlock()
}

func (s *Service) RemoveProvider(id string) {
	s.providersMu.Lock()
	delete(s.providers, id)
	s.providersMu.Unlock()
}

func (s *Service) providerSnapshot() map[string]Provider {
	s.providersMu.RLock()
	defer s.providersMu.RUnlock()
	out := make(map[string]Provider, len(s.providers))
	for id, p := range s.providers {
		out[id] = p
	}
	return out
}

func (s *Service) Polling() PollingConfig {
	return s.polling
}

// Init initializes the store once. A failed initialization is retried on the
// next call.
func (s *Service) Init(ctx context.Context) error {
	s.initMu.Lock()
	defer s.initMu.Unlock()
	if s.inited {
		return nil
	}
	if err := s.store.Init(ctx); err != nil {
		return fmt.Errorf("init tracking store: %w", err)
	}
	s.inited = true
	return nil
}

func (s *Service) RecordSend(ctx context.Context, sc SendContext, sr SendResult) (TrackingRecord, error) {
	if err := s.Init(ctx); err != nil {
		return TrackingRecord{}, err
	}
	rec, err := s.newRecord(sc, sr)
	if err != nil {
		return TrackingRecord{}, err
	}
	if err := s.store.Upsert(ctx, rec); err != nil {
		return TrackingRecord{}, fmt.Errorf("record send %s: %w", rec.MessageID, err)
	}
	return rec, nil
}

func (s *Service) newRecord(sc SendContext, sr SendResult) (TrackingRecord, error) {
	if strings.TrimSpace(sr.ProviderID) == "" {
		return TrackingRecord{}, fmt.Errorf("%w: providerId is required", ErrInvalidInput)
	}
	messageID := strings.TrimSpace(sc.MessageID)
	if messageID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return TrackingRecord{}, fmt.Errorf("generate message id: %w", err)
		}
		messageID = id.String()
	}
	requestedAt := sc.Timestamp
	if requestedAt.IsZero() {
		requestedAt = s.now()
	}
	requestedAt = requestedAt.UTC()

	rec := TrackingRecord{
		MessageID:         messageID,
		TenantID:          sc.Options.TenantID,
		ProviderID:        sr.ProviderID,
		ProviderMessageID: strings.TrimSpace(sr.ProviderMessageID),
		Type:              sc.Options.Type,
		To:                sc.Options.To,
		From:              sc.Options.From,
		Metadata:          sc.Options.Metadata,
		RequestedAt:       requestedAt,
		StatusUpdatedAt:   requestedAt,
		Raw:               sr.Raw,
	}
	if sc.Options.ScheduledAt != nil && !sc.Options.ScheduledAt.IsZero() && sc.Options.ScheduledAt.After(requestedAt) {
		scheduledAt := sc.Options.ScheduledAt.UTC()
		rec.ScheduledAt = &scheduledAt
		rec.Status = StatusPending
		rec.NextCheckAt = scheduledAt.Add(s.polling.ScheduledGrace)
	} else {
		rec.Status = StatusSent
		rec.SentAt = timePtr(requestedAt)
		rec.NextCheckAt = requestedAt.Add(s.polling.InitialDelay)
	}

	switch {
	case rec.ProviderMessageID == "":
		rec.Status = StatusUnknown
		rec.NextCheckAt = requestedAt
		rec.LastError = &RecordError{Code: CodeMissingProviderMessageID, Message: "send result carried no provider message id"}
	case sr.Status.Terminal():
		rec.Status = sr.Status
		rec.NextCheckAt = requestedAt
		switch sr.Status {
		case StatusDelivered:
			rec.DeliveredAt = timePtr(requestedAt)
		case StatusFailed:
			rec.FailedAt = timePtr(requestedAt)
			rec.LastError = &RecordError{Code: CodeDeliveryFailed, Message: "provider rejected the message at send time"}
		}
	}
	return rec, nil
}

// HandleSend is the send pipeline hook. Tracking failures are logged and
// never reach the sender.
func (s *Service) HandleSend(ctx context.Context, sc SendContext, sr SendResult) {
	if _, err := s.RecordSend(ctx, sc, sr); err != nil {
		s.logger.Warn("tracking record failed",
			slog.String("message_id", sc.MessageID),
			slog.String("provider_id", sr.ProviderID),
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce runs one poll cycle. Calls made while a cycle is running share
// that cycle's result.
func (s *Service) RunOnce(ctx context.Context) (RunResult, error) {
	v, err, _ := s.poll.Do("poll", func() (any, error) {
		return s.runOnce(ctx)
	})
	if err != nil {
		return RunResult{}, err
	}
	return v.(RunResult), nil
}

func (s *Service) runOnce(ctx context.Context) (RunResult, error) {
	if err := s.Init(ctx); err != nil {
		return RunResult{}, err
	}
	start := s.now()
	due, err := s.store.ListDue(ctx, start, s.polling.BatchSize)
	if err != nil {
		return RunResult{}, fmt.Errorf("list due records: %w", err)
	}
	result := RunResult{Due: len(due)}
	s.metrics.Emit(ctx, metrics.Event{Name: metrics.TrackingPollRecords, Value: float64(len(due))})
	if len(due) == 0 {
		return result, nil
	}

	reconciled := Reconcile(ctx, s.providerSnapshot(), due, start, s.polling)
	result.Errors = reconciled.Errors
	for _, update := range reconciled.Updates {
		if err := s.store.Patch(ctx, update.MessageID, update.Patch); err != nil {
			result.PatchErrors++
			s.logger.Warn("tracking patch failed",
				slog.String("message_id", update.MessageID),
				slog.String("error", err.Error()),
			)
			continue
		}
		result.Updated++
	}
	for _, rerr := range reconciled.Errors {
		s.metrics.Emit(ctx, metrics.Event{Name: metrics.TrackingPollErrors, Value: 1, Tags: map[string]string{"code": rerr.Code}})
	}
	s.metrics.Emit(ctx, metrics.Event{Name: metrics.TrackingPollUpdates, Value: float64(result.Updated)})
	s.metrics.Emit(ctx, metrics.Event{Name: metrics.TrackingPollMs, Value: float64(s.now().Sub(start).Milliseconds())})
	s.logger.Debug("poll cycle finished",
		slog.Int("due", result.Due),
		slog.Int("updated", result.Updated),
		slog.Int("errors", len(result.Errors)),
		slog.Int("patch_errors", result.PatchErrors),
	)
	return result, nil
}

// Start polls every Interval until Stop or Close. Calling Start on a running
// service does nothing.
func (s *Service) Start() {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.loopCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.loopCancel = cancel
	s.loopDone = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.polling.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

func (s *Service) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("poll cycle panicked", slog.Any("panic", r))
		}
	}()
	if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("poll cycle failed", slog.String("error", err.Error()))
	}
}

func (s *Service) Stop() {
	s.loopMu.Lock()
	cancel, done := s.loopCancel, s.loopDone
	s.loopCancel, s.loopDone = nil, nil
	s.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.Stop()
		err = s.store.Close()
	})
	return err
}

func (s *Service) GetRecord(ctx context.Context, messageID string) (*TrackingRecord, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, messageID)
}

func (s *Service) ListRecords(ctx context.Context, opts ListOptions) ([]TrackingRecord, error) {
	querier, err := s.querier(ctx)
	if err != nil {
		return nil, err
	}
	return querier.ListRecords(ctx, opts)
}

func (s *Service) CountRecords(ctx context.Context, filter Filter) (int, error) {
	querier, err := s.querier(ctx)
	if err != nil {
		return 0, err
	}
	return querier.CountRecords(ctx, filter)
}

func (s *Service) CountBy(ctx context.Context, filter Filter, groupBy []GroupField) ([]GroupCount, error) {
	querier, err := s.querier(ctx)
	if err != nil {
		return nil, err
	}
	return querier.CountBy(ctx, filter, groupBy)
}

func (s *Service) querier(ctx context.Context) (RecordQuerier, error) {
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	querier, ok := s.store.(RecordQuerier)
	if !ok {
		return nil, fmt.Errorf("%w: store does not support record queries", ErrNotImplemented)
	}
	return querier, nil
}
