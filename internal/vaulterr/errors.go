// Package vaulterr defines the error kinds shared by the ledger, the
// coordinator and the registrar.
package vaulterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindInsufficientFunds   Kind = "insufficient_funds"
	KindState               Kind = "state"
	KindAttestation         Kind = "attestation"
	KindConfirmationTimeout Kind = "confirmation_timeout"
	KindOnChainVerification Kind = "onchain_verification"
	KindConcurrency         Kind = "concurrency"
)

// Sentinels for errors.Is checks.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrInsufficientFunds   = &Error{Kind: KindInsufficientFunds}
	ErrState               = &Error{Kind: KindState}
	ErrAttestation         = &Error{Kind: KindAttestation}
	ErrConfirmationTimeout = &Error{Kind: KindConfirmationTimeout}
	ErrOnChainVerification = &Error{Kind: KindOnChainVerification}
	ErrConcurrency         = &Error{Kind: KindConcurrency}
)

// Error is a classified error.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels compare by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Retryable reports whether an operator re-run may make progress. Validation,
// state and concurrency errors are caller mistakes and never retried.
func Retryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return true
	}
	switch kind {
	case KindAttestation, KindConfirmationTimeout, KindOnChainVerification, KindInsufficientFunds:
		return true
	default:
		return false
	}
}

func newf(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

func Validation(op, format string, args ...interface{}) error {
	return newf(KindValidation, op, format, args...)
}

func InsufficientFunds(op, format string, args ...interface{}) error {
	return newf(KindInsufficientFunds, op, format, args...)
}

func State(op, format string, args ...interface{}) error {
	return newf(KindState, op, format, args...)
}

func Concurrency(op, format string, args ...interface{}) error {
	return newf(KindConcurrency, op, format, args...)
}

// Attestation wraps a bridge attestation failure.
func Attestation(op string, err error) error {
	return &Error{Kind: KindAttestation, Op: op, Msg: "attestation failed", Err: err}
}

// ConfirmationTimeout reports a confirmation not observed within bound.
func ConfirmationTimeout(op, format string, args ...interface{}) error {
	return newf(KindConfirmationTimeout, op, format, args...)
}

func OnChainVerification(op, format string, args ...interface{}) error {
	return newf(KindOnChainVerification, op, format, args...)
}
