package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/deliverytrack/internal/fieldcrypto"
	"github.com/agentworkforce/deliverytrack/internal/tracking"
)

const (
	headerCorrelationID     = "X-Correlation-Id"
	headerInternalTimestamp = "X-Deliverytrack-Timestamp"
	headerInternalSignature = "X-Deliverytrack-Signature"

	scopeRecordsRead = "records:read"
	scopeSendsWrite  = "sends:write"

	defaultListLimit = 50
	maxListLimit     = 1000
)

// Tracker is the tracking surface served over HTTP. *tracking.Service
// implements it.
type Tracker interface {
	RecordSend(ctx context.Context, sc tracking.SendContext, sr tracking.SendResult) (tracking.TrackingRecord, error)
	GetRecord(ctx context.Context, messageID string) (*tracking.TrackingRecord, error)
	ListRecords(ctx context.Context, opts tracking.ListOptions) ([]tracking.TrackingRecord, error)
	CountRecords(ctx context.Context, filter tracking.Filter) (int, error)
	CountBy(ctx context.Context, filter tracking.Filter, groupBy []tracking.GroupField) ([]tracking.GroupCount, error)
	RunOnce(ctx context.Context) (tracking.RunResult, error)
}

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	Logger             *slog.Logger
}

type Server struct {
	tracker            Tracker
	cfg                ServerConfig
	logger             *slog.Logger
	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
	now                func() time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

// NewServer returns the tenant-scoped tracking API. An empty JWT secret
// rejects every bearer route and an empty HMAC secret disables the internal
// routes.
func NewServer(tracker Tracker, cfg ServerConfig) *Server {
	if cfg.InternalMaxSkew <= 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		tracker:            tracker,
		cfg:                cfg,
		logger:             logger.With(slog.String("component", "httpapi")),
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
		now:                func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if r.URL.Path == "/v1/internal/sends" && r.Method == http.MethodPost {
		s.handleInternalSend(w, r)
		return
	}
	if r.URL.Path == "/v1/internal/poll" && r.Method == http.MethodPost {
		s.handleInternalPoll(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "tenants" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	tenantID := parts[2]

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[3] == "records" && r.Method == http.MethodGet:
		requiredScope = scopeRecordsRead
		route = "list_records"
	case len(parts) == 5 && parts[3] == "records" && parts[4] != "" && r.Method == http.MethodGet:
		requiredScope = scopeRecordsRead
		route = "get_record"
	case len(parts) == 4 && parts[3] == "count" && r.Method == http.MethodGet:
		requiredScope = scopeRecordsRead
		route = "count"
	case len(parts) == 4 && parts[3] == "counts" && r.Method == http.MethodGet:
		requiredScope = scopeRecordsRead
		route = "count_by"
	case len(parts) == 4 && parts[3] == "sends" && r.Method == http.MethodPost:
		requiredScope = scopeSendsWrite
		route = "record_send"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, tenantID, requiredScope, s.now())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		key := tenantID + "|" + claims.Subject
		if !s.rateLimiter.allow(key, s.now()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "list_records":
		s.handleListRecords(w, r, tenantID, correlationID)
	case "get_record":
		s.handleGetRecord(w, r, tenantID, parts[4], correlationID)
	case "count":
		s.handleCount(w, r, tenantID, correlationID)
	case "count_by":
		s.handleCountBy(w, r, tenantID, correlationID)
	case "record_send":
		s.handleRecordSend(w, r, tenantID, correlationID)
	}
}

// sendRequest is the JSON form of a send pipeline hook call.
type sendRequest struct {
	MessageID         string          `json:"messageId"`
	TenantID          string          `json:"tenantId"`
	ProviderID        string          `json:"providerId"`
	ProviderMessageID string          `json:"providerMessageId"`
	Type              string          `json:"type"`
	To                string          `json:"to"`
	From              string          `json:"from"`
	ScheduledAt       *time.Time      `json:"scheduledAt"`
	Timestamp         *time.Time      `json:"timestamp"`
	Status            string          `json:"status"`
	Metadata          map[string]any  `json:"metadata"`
	Raw               json.RawMessage `json:"raw"`
}

func (req sendRequest) toSend() (tracking.SendContext, tracking.SendResult, error) {
	sc := tracking.SendContext{
		MessageID: req.MessageID,
		Options: tracking.SendOptions{
			TenantID:    req.TenantID,
			Type:        req.Type,
			To:          req.To,
			From:        req.From,
			ScheduledAt: req.ScheduledAt,
			Metadata:    req.Metadata,
		},
	}
	if req.Timestamp != nil {
		sc.Timestamp = *req.Timestamp
	}
	sr := tracking.SendResult{
		ProviderID:        req.ProviderID,
		ProviderMessageID: req.ProviderMessageID,
		Raw:               req.Raw,
	}
	if strings.TrimSpace(req.Status) != "" {
		status, err := tracking.ParseStatus(req.Status)
		if err != nil {
			return tracking.SendContext{}, tracking.SendResult{}, err
		}
		sr.Status = status
	}
	return sc, sr, nil
}

func (s *Server) handleRecordSend(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	var req sendRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.TenantID != "" && req.TenantID != tenantID {
		writeError(w, http.StatusForbidden, "forbidden", "tenantId does not match route tenant", correlationID)
		return
	}
	req.TenantID = tenantID
	s.recordSend(w, r, req, correlationID)
}

func (s *Server) recordSend(w http.ResponseWriter, r *http.Request, req sendRequest, correlationID string) {
	sc, sr, err := req.toSend()
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	rec, err := s.tracker.RecordSend(r.Context(), sc, sr)
	if err != nil {
		s.writeTrackingError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request, tenantID, messageID, correlationID string) {
	rec, err := s.tracker.GetRecord(r.Context(), messageID)
	if err != nil {
		s.writeTrackingError(w, err, correlationID)
		return
	}
	// Records of other tenants are indistinguishable from missing ones.
	if rec == nil || rec.TenantID != tenantID {
		writeError(w, http.StatusNotFound, "not_found", "record not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	query := r.URL.Query()
	filter, err := parseFilter(query, tenantID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	offset, err := parseOptionalBoundedInt(query.Get("offset"), 0, 0, math.MaxInt32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid offset", correlationID)
		return
	}
	descending, err := parseOptionalBool(query.Get("desc"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid desc", correlationID)
		return
	}
	opts := tracking.ListOptions{
		Filter:     filter,
		Limit:      parseBoundedInt(query.Get("limit"), defaultListLimit, 1, maxListLimit),
		Offset:     offset,
		OrderBy:    tracking.OrderField(strings.TrimSpace(query.Get("order"))),
		Descending: descending,
	}
	records, err := s.tracker.ListRecords(r.Context(), opts)
	if err != nil {
		s.writeTrackingError(w, err, correlationID)
		return
	}
	if records == nil {
		records = []tracking.TrackingRecord{}
	}
	resp := map[string]any{"records": records}
	if len(records) == opts.Limit {
		resp["nextOffset"] = opts.Offset + len(records)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	filter, err := parseFilter(r.URL.Query(), tenantID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	count, err := s.tracker.CountRecords(r.Context(), filter)
	if err != nil {
		s.writeTrackingError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}

func (s *Server) handleCountBy(w http.ResponseWriter, r *http.Request, tenantID, correlationID string) {
	query := r.URL.Query()
	filter, err := parseFilter(query, tenantID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	by := query.Get("by")
	if strings.TrimSpace(by) == "" {
		by = string(tracking.GroupStatus)
	}
	var groupBy []tracking.GroupField
	for _, raw := range splitList(by) {
		field, err := tracking.ParseGroupField(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unsupported group by field %q", raw), correlationID)
			return
		}
		groupBy = append(groupBy, field)
	}
	groups, err := s.tracker.CountBy(r.Context(), filter, groupBy)
	if err != nil {
		s.writeTrackingError(w, err, correlationID)
		return
	}
	if groups == nil {
		groups = []tracking.GroupCount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"groupBy": groupBy, "groups": groups})
}

func (s *Server) handleInternalSend(w http.ResponseWriter, r *http.Request) {
	correlationID, body, ok := s.authorizeInternal(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	s.recordSend(w, r, req, correlationID)
}

type pollFailure struct {
	MessageID  string `json:"messageId"`
	ProviderID string `json:"providerId"`
	Code       string `json:"code"`
	Message    string `json:"message,omitempty"`
}

func (s *Server) handleInternalPoll(w http.ResponseWriter, r *http.Request) {
	correlationID, _, ok := s.authorizeInternal(w, r)
	if !ok {
		return
	}
	result, err := s.tracker.RunOnce(r.Context())
	if err != nil {
		s.writeTrackingError(w, err, correlationID)
		return
	}
	failures := make([]pollFailure, 0, len(result.Errors))
	for _, e := range result.Errors {
		failures = append(failures, pollFailure{
			MessageID:  e.MessageID,
			ProviderID: e.ProviderID,
			Code:       e.Code,
			Message:    e.Message,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"due":         result.Due,
		"updated":     result.Updated,
		"patchErrors": result.PatchErrors,
		"errors":      failures,
	})
}

// authorizeInternal reads the body and checks the HMAC signature and replay
// window of an internal request.
func (s *Server) authorizeInternal(w http.ResponseWriter, r *http.Request) (string, []byte, bool) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return "", nil, false
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return "", nil, false
	}
	now := s.now()
	timestamp := r.Header.Get(headerInternalTimestamp)
	signature := r.Header.Get(headerInternalSignature)
	if authErr := verifyInternalHMAC(s.cfg.InternalHMACSecret, timestamp, signature, body, now, s.cfg.InternalMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return "", nil, false
	}
	if !s.markInternalReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return "", nil, false
	}
	return correlationID, body, true
}

func (s *Server) writeTrackingError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, tracking.ErrInvalidInput), errors.Is(err, tracking.ErrUnsupportedGroupBy):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, tracking.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", "store does not support record queries", correlationID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "request cancelled", correlationID)
	default:
		s.logger.Error("tracking request failed",
			slog.String("correlation_id", correlationID),
			slog.Any("error", err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

// parseFilter builds a record filter from query parameters. The route
// tenant always replaces any tenant given in the query.
func parseFilter(query url.Values, tenantID string) (tracking.Filter, error) {
	filter := tracking.Filter{
		TenantIDs:   []string{tenantID},
		MessageIDs:  listParam(query, "id"),
		ProviderIDs: listParam(query, "provider"),
		Types:       listParam(query, "type"),
		To:          query["to"],
		From:        query["from"],
	}
	for _, raw := range listParam(query, "status") {
		status, err := tracking.ParseStatus(raw)
		if err != nil {
			return tracking.Filter{}, fmt.Errorf("unknown status %q", raw)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	for _, raw := range listParam(query, "cryptoState") {
		state := fieldcrypto.State(strings.ToLower(raw))
		switch state {
		case fieldcrypto.StatePlain, fieldcrypto.StateEncrypted, fieldcrypto.StateDegraded:
		default:
			return tracking.Filter{}, fmt.Errorf("unknown crypto state %q", raw)
		}
		filter.CryptoStates = append(filter.CryptoStates, state)
	}
	for key, values := range query {
		path, ok := strings.CutPrefix(key, "metadata.")
		if !ok || path == "" || len(values) == 0 {
			continue
		}
		if filter.Metadata == nil {
			filter.Metadata = map[string]string{}
		}
		filter.Metadata[path] = values[len(values)-1]
	}
	var err error
	if filter.RequestedFrom, err = parseTimeParam(query, "since"); err != nil {
		return tracking.Filter{}, err
	}
	if filter.RequestedTo, err = parseTimeParam(query, "until"); err != nil {
		return tracking.Filter{}, err
	}
	return filter, nil
}

// listParam accepts both repeated and comma separated values.
func listParam(query url.Values, name string) []string {
	var out []string
	for _, raw := range query[name] {
		out = append(out, splitList(raw)...)
	}
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseTimeParam(query url.Values, name string) (*time.Time, error) {
	raw := strings.TrimSpace(query.Get(name))
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: expected RFC3339 time", name)
	}
	t = t.UTC()
	return &t, nil
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get(headerCorrelationID)
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(s.cfg.InternalMaxSkew)
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, fmt.Errorf("out of range")
	}
	return parsed, nil
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return false, err
	}
	return parsed, nil
}
