// Package apperr defines the error taxonomy shared by connectors, the
// validator, the schema cache and the dispatcher.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure
type Kind string

// Error kinds
const (
	KindConnection          Kind = "ConnectionError"
	KindExecution           Kind = "ExecutionError"
	KindTimeout             Kind = "TimeoutError"
	KindValidationRejection Kind = "ValidationRejection"
	KindTranslation         Kind = "TranslationError"
	KindSchemaDiscovery     Kind = "SchemaDiscoveryError"
	KindConfig              Kind = "ConfigError"
	KindUnsupported         Kind = "UnsupportedError"
	KindInternal            Kind = "InternalError"
)

// Error is a classified failure of one operation
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New classifies err. A deadline or cancellation anywhere in the chain
// turns Connection and Execution failures into timeouts.
func New(kind Kind, op string, err error) *Error {
	if (kind == KindExecution || kind == KindConnection || kind == KindSchemaDiscovery) &&
		errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf classifies a formatted message
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the outermost classified error in the chain,
// or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Is reports whether err is classified as kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
