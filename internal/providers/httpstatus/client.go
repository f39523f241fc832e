// Package httpstatus is a tracking provider that asks a JSON HTTP endpoint
// for the delivery status of a message.
package httpstatus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/deliverytrack/internal/tracking"
)

const (
	defaultPathTemplate = "/v1/messages/{id}/status"
	maxBodyBytes        = 1 << 20
)

type TokenProvider func(ctx context.Context) (string, error)

func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) { return token, nil }
}

type Options struct {
	ID      string
	BaseURL string
	// PathTemplate is appended to BaseURL. "{id}" is replaced with the
	// escaped provider message id.
	PathTemplate  string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	// StatusMap translates provider status words into tracking statuses.
	// Keys are matched case-insensitively. Unmapped words are parsed as
	// tracking statuses directly.
	StatusMap map[string]tracking.Status
}

// Client queries one provider's status endpoint. It implements
// tracking.Provider and tracking.StatusQuerier.
type Client struct {
	id            string
	baseURL       string
	pathTemplate  string
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
	statusMap     map[string]tracking.Status
}

var (
	_ tracking.Provider      = (*Client)(nil)
	_ tracking.StatusQuerier = (*Client)(nil)
)

func New(opts Options) (*Client, error) {
	id := strings.TrimSpace(opts.ID)
	if id == "" {
		return nil, fmt.Errorf("httpstatus: provider id is required")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("httpstatus: base url is required for provider %s", id)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("httpstatus: base url for provider %s: %w", id, err)
	}
	pathTemplate := strings.TrimSpace(opts.PathTemplate)
	if pathTemplate == "" {
		pathTemplate = defaultPathTemplate
	}
	if !strings.Contains(pathTemplate, "{id}") {
		return nil, fmt.Errorf("httpstatus: path template %q has no {id} placeholder", pathTemplate)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	statusMap := make(map[string]tracking.Status, len(opts.StatusMap))
	for word, status := range opts.StatusMap {
		statusMap[strings.ToUpper(strings.TrimSpace(word))] = status
	}
	return &Client{
		id:            id,
		baseURL:       baseURL,
		pathTemplate:  pathTemplate,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     strings.TrimSpace(opts.UserAgent),
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
		statusMap:     statusMap,
	}, nil
}

func (c *Client) ID() string {
	return c.id
}

type statusResponse struct {
	Status     string `json:"status"`
	StatusCode string `json:"statusCode"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

// GetDeliveryStatus fetches the status of q.ProviderMessageID. A 404 means
// the provider has no result yet and yields nil, nil.
func (c *Client) GetDeliveryStatus(ctx context.Context, q tracking.StatusQuery) (*tracking.DeliveryStatus, error) {
	if c == nil {
		return nil, fmt.Errorf("httpstatus client is nil")
	}
	messageID := strings.TrimSpace(q.ProviderMessageID)
	if messageID == "" {
		return nil, &tracking.ProviderError{Code: "INVALID_QUERY", Message: "provider message id is empty"}
	}
	token := ""
	if c.tokenProvider != nil {
		t, err := c.tokenProvider(ctx)
		if err != nil {
			return nil, &tracking.ProviderError{Code: "AUTH_UNAVAILABLE", Message: err.Error(), Retryable: true, Err: err}
		}
		token = strings.TrimSpace(t)
	}
	endpoint := c.baseURL + strings.ReplaceAll(c.pathTemplate, "{id}", url.PathEscape(messageID))
	if q.Type != "" {
		endpoint += "?type=" + url.QueryEscape(q.Type)
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, &tracking.ProviderError{Code: "INVALID_QUERY", Message: err.Error(), Err: err}
		}
		req.Header.Set("Accept", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, &tracking.ProviderError{Code: "HTTP_TRANSPORT", Message: err.Error(), Retryable: true, Err: err}
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, &tracking.ProviderError{Code: "HTTP_TRANSPORT", Message: readErr.Error(), Retryable: true, Err: readErr}
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			return c.decodeStatus(body)
		case resp.StatusCode == http.StatusNotFound:
			return nil, nil
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if retryable && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return nil, waitErr
			}
			continue
		}
		return nil, responseError(resp.StatusCode, body, retryable)
	}
}

func (c *Client) decodeStatus(body []byte) (*tracking.DeliveryStatus, error) {
	var parsed statusResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &tracking.ProviderError{Code: "BAD_RESPONSE", Message: "status response is not json", Retryable: true, Err: err}
	}
	word := strings.ToUpper(strings.TrimSpace(parsed.Status))
	if word == "" {
		return nil, &tracking.ProviderError{Code: "BAD_RESPONSE", Message: "status response has no status", Retryable: true}
	}
	status, ok := c.statusMap[word]
	if !ok {
		status = tracking.Status(word)
	}
	out := &tracking.DeliveryStatus{
		Status:     status,
		StatusCode: strings.TrimSpace(parsed.StatusCode),
	}
	if json.Valid(body) {
		out.Raw = append(json.RawMessage(nil), body...)
	}
	return out, nil
}

func responseError(statusCode int, body []byte, retryable bool) error {
	code := "HTTP_" + strconv.Itoa(statusCode)
	message := strings.TrimSpace(string(body))
	var parsed statusResponse
	if json.Unmarshal(body, &parsed) == nil {
		if strings.TrimSpace(parsed.Code) != "" {
			code = strings.TrimSpace(parsed.Code)
		}
		if strings.TrimSpace(parsed.Message) != "" {
			message = parsed.Message
		}
	}
	if message == "" {
		message = http.StatusText(statusCode)
	}
	return &tracking.ProviderError{
		Code:      code,
		Message:   message,
		Retryable: retryable,
		Err:       &StatusError{StatusCode: statusCode},
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// StatusError carries the HTTP status of a failed status query. It is the
// Err of the ProviderError returned for non-2xx responses.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status query failed: status=%d", e.StatusCode)
}

func IsAuthError(err error) bool {
	var serr *StatusError
	if !errors.As(err, &serr) {
		return false
	}
	return serr.StatusCode == http.StatusUnauthorized || serr.StatusCode == http.StatusForbidden
}
