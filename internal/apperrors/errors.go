// Package apperrors defines the error taxonomy shared by the service and HTTP
// layers. Every failure a client can observe is an *Error carrying a Kind,
// which decides the HTTP status, and a stable machine-readable Code.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for transport mapping
type Kind int

const (
	KindUpstream Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "upstream"
	}
}

// HTTPStatus returns the status code a Kind is reported with
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified application error. Message is safe to show to
// clients; Err holds the underlying cause for logs only.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so wrapped copies of a sentinel still compare equal
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Domain errors
var (
	ErrEmailExists            = &Error{Kind: KindConflict, Code: "email_exists", Message: "An account with this email already exists"}
	ErrLicenseAlreadyRedeemed = &Error{Kind: KindConflict, Code: "license_already_redeemed", Message: "This license has already been redeemed"}
	ErrLicenseNotFound        = &Error{Kind: KindNotFound, Code: "license_not_found", Message: "License not found"}
	ErrUserNotFound           = &Error{Kind: KindNotFound, Code: "user_not_found", Message: "User not found"}
	ErrInvalidCredentials     = &Error{Kind: KindUnauthorized, Code: "invalid_credentials", Message: "Invalid email or password"}
	ErrInvalidSignature       = &Error{Kind: KindUnauthorized, Code: "invalid_signature", Message: "Webhook signature verification failed"}
	ErrInvalidToken           = &Error{Kind: KindUnauthorized, Code: "invalid_token", Message: "Invalid or expired session token"}
)

// Validation returns a KindValidation error with the given client message
func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Code: "validation_failed", Message: message}
}

// Upstream wraps a store, processor, or mail relay failure. The client sees
// only a generic message; op and err are kept for logs.
func Upstream(op string, err error) *Error {
	return &Error{
		Kind:    KindUpstream,
		Code:    "upstream_failure",
		Message: "Internal error",
		Err:     fmt.Errorf("%s: %w", op, err),
	}
}

// Wrap attaches a cause to a sentinel while keeping its Kind, Code and Message
func Wrap(sentinel *Error, err error) *Error {
	return &Error{Kind: sentinel.Kind, Code: sentinel.Code, Message: sentinel.Message, Err: err}
}

// From extracts the *Error in err's chain. Unclassified errors are reported
// as upstream failures.
func From(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Upstream("unclassified", err)
}

// KindOf returns the Kind of err, KindUpstream when unclassified
func KindOf(err error) Kind {
	return From(err).Kind
}
