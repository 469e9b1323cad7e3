// Package apierr defines the error taxonomy surfaced to gateway callers.
//
// Every failure that leaves the gateway is classified into one Kind. The
// protocol layer renders the Kind, a human-readable message and, where one
// exists, the corrective action the caller should take.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for propagation and presentation.
type Kind string

const (
	KindAuthentication    Kind = "authentication"
	KindAuthorization     Kind = "authorization"
	KindValidation        Kind = "validation"
	KindUpstreamRetryable Kind = "upstream_retryable"
	KindUpstreamReconnect Kind = "upstream_reconnect"
	KindNotFound          Kind = "not_found"
	KindInternal          Kind = "internal"
)

// Sentinels usable with errors.Is. Matching is by Kind only.
var (
	ErrAuthentication    = &Error{Kind: KindAuthentication}
	ErrAuthorization     = &Error{Kind: KindAuthorization}
	ErrValidation        = &Error{Kind: KindValidation}
	ErrUpstreamRetryable = &Error{Kind: KindUpstreamRetryable}
	ErrUpstreamReconnect = &Error{Kind: KindUpstreamReconnect}
	ErrNotFound          = &Error{Kind: KindNotFound}
)

// FieldError names one offending argument field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Error is a classified gateway error.
type Error struct {
	Kind    Kind
	Message string
	// Action is the corrective step shown to the user, if any.
	Action string
	Fields []FieldError
	// RequiredLevel and CurrentLevel are set for authorization errors.
	RequiredLevel int
	CurrentLevel  int
	Err           error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.summary()
	}
	return e.summary() + ": " + e.Err.Error()
}

// summary is the message and field list without the underlying cause.
func (e *Error) summary() string {
	var b strings.Builder
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(string(e.Kind))
	}
	if len(e.Fields) > 0 {
		parts := make([]string, 0, len(e.Fields))
		for _, f := range e.Fields {
			parts = append(parts, f.Field+": "+f.Reason)
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, "; "))
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the caller may retry the operation unchanged.
func (e *Error) Retryable() bool { return e.Kind == KindUpstreamRetryable }

// UserMessage renders the message and action as a single sentence pair for
// display to the end user. The underlying cause is left out; it can carry
// provider response bodies and belongs in the logs.
func (e *Error) UserMessage() string {
	msg := e.summary()
	if e.Action != "" {
		return msg + ". " + e.Action
	}
	return msg
}

// Authentication reports a missing, invalid or expired credential.
func Authentication(msg string, cause error) *Error {
	return &Error{Kind: KindAuthentication, Message: msg, Action: "sign in again to obtain a new token", Err: cause}
}

// Authorization reports an insufficient permission tier.
func Authorization(required, current int) *Error {
	return &Error{
		Kind:          KindAuthorization,
		Message:       fmt.Sprintf("insufficient permission: required level %d, current level %d", required, current),
		Action:        fmt.Sprintf("ask an admin to raise your level to %d", required),
		RequiredLevel: required,
		CurrentLevel:  current,
	}
}

// Validation reports malformed operation arguments.
func Validation(msg string, fields ...FieldError) *Error {
	if msg == "" {
		msg = "invalid arguments"
	}
	return &Error{Kind: KindValidation, Message: msg, Fields: fields, Action: "correct the listed fields and try again"}
}

// Retryable reports a transient upstream failure.
func Retryable(msg string, cause error) *Error {
	return &Error{Kind: KindUpstreamRetryable, Message: msg, Action: "try again shortly", Err: cause}
}

// Reconnect reports an upstream failure that needs the user to re-authorize.
func Reconnect(provider string, cause error) *Error {
	return &Error{
		Kind:    KindUpstreamReconnect,
		Message: fmt.Sprintf("%s connection is no longer authorized", provider),
		Action:  "reconnect your account",
		Err:     cause,
	}
}

// NotFound reports a missing entity, session or operation.
func NotFound(what, id string) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", what, id)}
}

// Internal wraps an unclassified failure.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Err: cause}
}

// As extracts the classified error from err's chain. Unclassified errors are
// reported as internal; context deadlines are treated as retryable.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Retryable("request timed out", err)
	}
	return Internal(err)
}

// KindOf classifies err. It returns "" for a nil error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return As(err).Kind
}
