// Package errs carries the error kinds the pipeline distinguishes between.
// Callers branch on Kind instead of matching message text.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindMissingConfiguration Kind = "missing_configuration"
	KindExternalService      Kind = "external_service"
	KindSchemaMismatch       Kind = "schema_mismatch"
	KindShapeMismatch        Kind = "shape_mismatch"
	KindMissingValue         Kind = "missing_value"
	KindNotFound             Kind = "not_found"
	KindUnsupported          Kind = "unsupported"
)

// Error is a kinded error. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Errorf(kind Kind, op string, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost kinded error in the chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}
