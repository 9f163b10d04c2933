// Package failure defines the error kinds surfaced to users of the generator.
// Every layer wraps its errors into an *Error so the presentation layer can map
// a failure to a message and status without inspecting error strings.
package failure

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error category.
type Kind string

const (
	// KindInputValidation marks a missing or invalid user-supplied field.
	KindInputValidation Kind = "input_validation"
	// KindConnection marks a warehouse connect or catalog query failure.
	KindConnection Kind = "connection"
	// KindExternalService marks a failed call to the generative model service.
	KindExternalService Kind = "external_service"
	// KindMissingIdentifier marks a model response without a "- name: <identifier>" marker.
	KindMissingIdentifier Kind = "missing_identifier"
	// KindMalformedResponse marks a model response without the "models:" section boundary.
	KindMalformedResponse Kind = "malformed_response"
	// KindStorage marks a failed artifact write (disk, archive or object store).
	KindStorage Kind = "storage"
	// KindNotFound marks an unknown or expired session or table.
	KindNotFound Kind = "not_found"
)

// Error wraps an error with kind and human-friendly message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error             { return &Error{Kind: kind, Message: msg} }
func Wrap(kind Kind, msg string, err error) *Error { return &Error{Kind: kind, Message: msg, Err: err} }

// Newf is New with fmt.Sprintf formatting of the message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain, or "" when
// err carries no kind.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return ""
}

// MessageOf returns the user-facing message of err's *Error, falling back to
// err.Error().
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Message
	}
	return err.Error()
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
