// Package errors provides structured error handling for the bridge SDK.
// Every error carries a kind from the bridge taxonomy, a severity, and a
// recovery strategy tag that the router's recovery executor interprets.
package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind classifies a bridge error.
type Kind string

const (
	KindRequestMalformed     Kind = "requestMalformed"
	KindProviderNotFound     Kind = "providerNotFound"
	KindProviderUnavailable  Kind = "providerUnavailable"
	KindModelNotFound        Kind = "modelNotFound"
	KindConnectionTimeout    Kind = "connectionTimeout"
	KindRequestTimeout       Kind = "requestTimeout"
	KindResponseTimeout      Kind = "responseTimeout"
	KindAuthenticationFailed Kind = "authenticationFailed"
	KindAuthorizationDenied  Kind = "authorizationDenied"
	KindTokenExpired         Kind = "tokenExpired"
	KindRequestTooLarge      Kind = "requestTooLarge"
	KindRequestRateLimited   Kind = "requestRateLimited"
	KindProviderConfigError  Kind = "providerConfigurationError"
	KindTunnelDisconnected   Kind = "tunnelDisconnected"
)

// Severity indicates how critical an error is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// RecoveryStrategy tags how the recovery executor should react.
type RecoveryStrategy string

const (
	RecoveryRetry            RecoveryStrategy = "retry"
	RecoveryRetryWithBackoff RecoveryStrategy = "retryWithBackoff"
	RecoverySwitchProvider   RecoveryStrategy = "switchProvider"
	RecoveryFallbackMode     RecoveryStrategy = "fallbackMode"
	RecoveryNone             RecoveryStrategy = "noRecovery"
	RecoveryUserIntervention RecoveryStrategy = "userIntervention"
)

// Context records where and when an error occurred.
type Context struct {
	RequestID string    `json:"request_id,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Component string    `json:"component,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// BridgeError is the interface implemented by all bridge SDK errors.
type BridgeError interface {
	error

	// Kind returns the taxonomy classification.
	Kind() Kind

	// Message returns a human-readable error message.
	Message() string

	// Details returns detailed technical description for debugging.
	Details() string

	// Severity returns the error severity level.
	Severity() Severity

	// Recovery returns the recovery strategy tag.
	Recovery() RecoveryStrategy

	// HTTPStatus returns the HTTP-style status derived from the kind.
	HTTPStatus() int

	// Hints returns troubleshooting hints for the user-facing response.
	Hints() []string

	// Context returns the error context information.
	Context() *Context

	// WithContext returns a new error with the provided context.
	WithContext(ctx *Context) BridgeError

	// WithDetail returns a new error with additional detail.
	WithDetail(detail string) BridgeError

	// WithRecovery returns a new error with an overridden recovery strategy.
	WithRecovery(strategy RecoveryStrategy) BridgeError

	// Unwrap returns the underlying cause for error chain traversal.
	Unwrap() error

	// ToJSON returns the error as a JSON-serializable map.
	ToJSON() map[string]interface{}
}

type baseError struct {
	kind     Kind
	message  string
	details  string
	severity Severity
	recovery RecoveryStrategy
	context  *Context
	cause    error
}

func (e *baseError) Error() string {
	if e.details != "" {
		return fmt.Sprintf("%s: %s", e.message, e.details)
	}
	return e.message
}

func (e *baseError) Kind() Kind                 { return e.kind }
func (e *baseError) Message() string            { return e.message }
func (e *baseError) Details() string            { return e.details }
func (e *baseError) Severity() Severity         { return e.severity }
func (e *baseError) Recovery() RecoveryStrategy { return e.recovery }
func (e *baseError) Context() *Context          { return e.context }
func (e *baseError) Unwrap() error              { return e.cause }

func (e *baseError) HTTPStatus() int { return StatusForKind(e.kind) }

func (e *baseError) Hints() []string { return HintsForKind(e.kind) }

func (e *baseError) WithContext(ctx *Context) BridgeError {
	newErr := *e
	newErr.context = ctx
	return &newErr
}

func (e *baseError) WithDetail(detail string) BridgeError {
	newErr := *e
	if newErr.details != "" {
		newErr.details = fmt.Sprintf("%s; %s", newErr.details, detail)
	} else {
		newErr.details = detail
	}
	return &newErr
}

func (e *baseError) WithRecovery(strategy RecoveryStrategy) BridgeError {
	newErr := *e
	newErr.recovery = strategy
	return &newErr
}

func (e *baseError) ToJSON() map[string]interface{} {
	result := map[string]interface{}{
		"kind":     string(e.kind),
		"message":  e.message,
		"severity": string(e.severity),
		"recovery": string(e.recovery),
		"status":   e.HTTPStatus(),
	}
	if e.details != "" {
		result["details"] = e.details
	}
	if hints := e.Hints(); len(hints) > 0 {
		result["hints"] = hints
	}
	if e.context != nil {
		result["context"] = e.context
	}
	if e.cause != nil {
		result["cause"] = e.cause.Error()
	}
	return result
}

// MarshalJSON implements json.Marshaler.
func (e *baseError) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.ToJSON())
}

// New creates a BridgeError of the given kind with registry defaults for
// severity and recovery strategy.
func New(kind Kind, message string) BridgeError {
	info := infoForKind(kind)
	return &baseError{
		kind:     kind,
		message:  message,
		severity: info.Severity,
		recovery: info.Recovery,
		context:  &Context{Timestamp: time.Now()},
	}
}

// Newf creates a BridgeError with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) BridgeError {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error as a BridgeError.
func Wrap(err error, kind Kind, message string) BridgeError {
	info := infoForKind(kind)
	return &baseError{
		kind:     kind,
		message:  message,
		severity: info.Severity,
		recovery: info.Recovery,
		cause:    err,
		context:  &Context{Timestamp: time.Now()},
	}
}

// AsBridgeError extracts a BridgeError from any error.
func AsBridgeError(err error) (BridgeError, bool) {
	if err == nil {
		return nil, false
	}
	if be, ok := err.(BridgeError); ok {
		return be, true
	}
	return nil, false
}

// IsKind checks whether an error carries a specific kind.
func IsKind(err error, kind Kind) bool {
	if be, ok := AsBridgeError(err); ok {
		return be.Kind() == kind
	}
	return false
}

// IsTimeout reports whether an error is any of the timeout kinds.
func IsTimeout(err error) bool {
	be, ok := AsBridgeError(err)
	if !ok {
		return false
	}
	switch be.Kind() {
	case KindConnectionTimeout, KindRequestTimeout, KindResponseTimeout:
		return true
	}
	return false
}
