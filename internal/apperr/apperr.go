// Package apperr defines the typed error result returned across every
// component boundary in the broker. Components never panic or return a bare
// error for an expected failure; they return (or wrap) an *Error carrying a
// machine-readable code, an HTTP status, and a human message.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error identifier, stable across releases.
type Code string

const (
	CodeInvalidStructure   Code = "InvalidStructure"
	CodeSignatureInvalid   Code = "SignatureInvalid"
	CodeUnknownSender      Code = "UnknownSender"
	CodeExpired            Code = "Expired"
	CodeMalformed          Code = "Malformed"
	CodeDIDMismatch        Code = "DIDMismatch"
	CodeValidation         Code = "Validation"
	CodeAuthentication     Code = "Authentication"
	CodeAuthorization      Code = "Authorization"
	CodeNotFound           Code = "NotFound"
	CodeDuplicateEnvelope  Code = "DuplicateEnvelope"
	CodeDuplicateContent   Code = "DuplicateContent"
	CodeGreylisted         Code = "Greylisted"
	CodeRateLimited        Code = "RateLimited"
	CodeFeatureDisabled    Code = "FeatureDisabled"
	CodeDependencyDown     Code = "DependencyUnavailable"
	CodeInternal           Code = "Internal"
	CodePayment            Code = "Payment"
	CodeGone               Code = "Gone"
	CodeAccessDenied       Code = "AccessDenied"
	CodeNoLabels           Code = "NoLabels"
	CodeAccountNotFound    Code = "AccountNotFound"
	CodeInsufficientBal    Code = "InsufficientBalance"
	CodeInsufficientRes    Code = "InsufficientReserved"
	CodeInvalidAmount      Code = "InvalidAmount"
	CodeInvalidSplit       Code = "InvalidSplit"
	CodeInvalidState       Code = "InvalidStateTransition"
	CodeExpiredNegotiation Code = "ExpiredNegotiation"
	CodeMaxRoundsExceeded  Code = "MaxRoundsExceeded"
	CodeEmbeddingUnavail   Code = "EmbeddingUnavailable"
	CodeInvalidQuery       Code = "InvalidQuery"
)

// Error is the discriminated result type used across component boundaries.
type Error struct {
	Code       Code
	Message    string
	HTTPStatus int
	// RetryAfterSeconds is set for 425/429 responses; zero means unset.
	RetryAfterSeconds int
	cause             error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error with the given code, HTTP status, and message.
func New(code Code, status int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), HTTPStatus: status}
}

// Wrap annotates an underlying error with a typed code, preserving it for
// errors.Is/As while presenting a safe message at the boundary.
func Wrap(code Code, status int, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), HTTPStatus: status, cause: cause}
}

// As extracts an *Error from err, or nil if err does not carry one.
func As(err error) *Error {
	var target *Error
	if errors.As(err, &target) {
		return target
	}
	return nil
}

// Internal wraps an unexpected error as a 500 without leaking its text.
func Internal(cause error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", HTTPStatus: http.StatusInternalServerError, cause: cause}
}

var (
	ErrInvalidStructure   = New(CodeInvalidStructure, http.StatusBadRequest, "envelope is structurally invalid")
	ErrSignatureInvalid   = New(CodeSignatureInvalid, http.StatusUnauthorized, "signature does not verify")
	ErrUnknownSender      = New(CodeUnknownSender, http.StatusUnauthorized, "sender is not a known agent")
	ErrExpired            = New(CodeExpired, http.StatusBadRequest, "envelope has expired")
	ErrDIDMismatch        = New(CodeDIDMismatch, http.StatusUnauthorized, "request identity does not match envelope sender")
	ErrDuplicateEnvelope  = New(CodeDuplicateEnvelope, http.StatusConflict, "envelope already seen within the replay window")
	ErrDuplicateContent   = New(CodeDuplicateContent, http.StatusConflict, "duplicate content already delivered")
	ErrRateLimited        = New(CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded")
	ErrFeatureDisabled    = New(CodeFeatureDisabled, http.StatusServiceUnavailable, "feature is disabled")
	ErrAccessDenied       = New(CodeAccessDenied, http.StatusForbidden, "access denied")
	ErrNoLabels           = New(CodeNoLabels, http.StatusBadRequest, "no labels to add or remove")
	ErrAccountNotFound    = New(CodeAccountNotFound, http.StatusNotFound, "credit account not found")
	ErrInsufficientBal    = New(CodeInsufficientBal, http.StatusConflict, "insufficient balance")
	ErrInsufficientRes    = New(CodeInsufficientRes, http.StatusConflict, "insufficient reserved balance")
	ErrInvalidAmount      = New(CodeInvalidAmount, http.StatusBadRequest, "invalid amount")
	ErrInvalidSplit       = New(CodeInvalidSplit, http.StatusBadRequest, "incentive split does not sum to 1.0")
	ErrInvalidState       = New(CodeInvalidState, http.StatusConflict, "invalid state transition")
	ErrExpiredNegotiation = New(CodeExpiredNegotiation, http.StatusGone, "negotiation has expired")
	ErrMaxRoundsExceeded  = New(CodeMaxRoundsExceeded, http.StatusConflict, "maximum rounds exceeded")
	ErrEmbeddingUnavail   = New(CodeEmbeddingUnavail, http.StatusServiceUnavailable, "embedding provider unavailable")
	ErrInvalidQuery       = New(CodeInvalidQuery, http.StatusBadRequest, "invalid discovery query")
	ErrNotFound           = New(CodeNotFound, http.StatusNotFound, "resource not found")
)
