package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Provider interface {
	ID() string
}

// StatusQuerier is the optional capability of a Provider that can report
// delivery status for a message it accepted.
type StatusQuerier interface {
	// GetDeliveryStatus returns nil, nil when the provider has no result
	// for the message yet.
	GetDeliveryStatus(ctx context.Context, query StatusQuery) (*DeliveryStatus, error)
}

type StatusQuery struct {
	ProviderMessageID string
	Type              string
	To                string
	RequestedAt       time.Time
	ScheduledAt       *time.Time
}

type DeliveryStatus struct {
	Status     Status
	StatusCode string
	Raw        json.RawMessage
}

type ProviderError struct {
	Code      string
	Message   string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) IsRetryable() bool {
	return e.Retryable
}

// IsRetryable reports whether a status query error should be retried.
// Errors that do not say otherwise are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var classified interface{ IsRetryable() bool }
	if errors.As(err, &classified) {
		return classified.IsRetryable()
	}
	return true
}

// providerErrorDetail extracts the code and message recorded in lastError.
func providerErrorDetail(err error) (string, string) {
	var perr *ProviderError
	if errors.As(err, &perr) {
		code := perr.Code
		if code == "" {
			code = CodeProviderQueryFailed
		}
		message := perr.Message
		if message == "" && perr.Err != nil {
			message = perr.Err.Error()
		}
		return code, message
	}
	return CodeProviderQueryFailed, err.Error()
}
