package fieldcrypto

import (
	"errors"
	"fmt"

	"github.com/agentworkforce/deliverytrack/internal/cryptocircuit"
)

type Kind string

const (
	KindEncrypt Kind = "encrypt"
	KindDecrypt Kind = "decrypt"
	KindHash    Kind = "hash"
	KindPolicy  Kind = "policy"
)

var (
	// ErrCircuitOpen is recorded as the cause when the circuit controller
	// denies an operation.
	ErrCircuitOpen = errors.New("crypto circuit open")
	ErrNoProvider  = errors.New("crypto provider not configured")
)

// Error is returned for crypto failures that must propagate: every failure
// under the closed fail mode and every policy misconfiguration.
type Error struct {
	Kind  Kind
	Field string
	Err   error
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("fieldcrypto %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("fieldcrypto %s %s: %v", e.Kind, e.Field, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func policyError(format string, args ...any) error {
	return &Error{Kind: KindPolicy, Err: fmt.Errorf(format, args...)}
}

func IsPolicyError(err error) bool {
	var cryptoErr *Error
	return errors.As(err, &cryptoErr) && cryptoErr.Kind == KindPolicy
}

func IsCryptoError(err error) bool {
	var cryptoErr *Error
	return errors.As(err, &cryptoErr) && cryptoErr.Kind != KindPolicy
}

// ClassifiedError carries an explicit circuit class so the circuit controller
// does not fall back to matching on the message.
type ClassifiedError struct {
	Class   cryptocircuit.ErrorClass
	Message string
	Err     error
}

func (e *ClassifiedError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

func (e *ClassifiedError) ErrorClass() cryptocircuit.ErrorClass {
	return e.Class
}

func classified(class cryptocircuit.ErrorClass, msg string, err error) error {
	return &ClassifiedError{Class: class, Message: msg, Err: err}
}
