package document

import (
	"errors"
	"fmt"
)

// ErrorKind classifies pipeline failures.
type ErrorKind string

const (
	ErrorKindGeometry       ErrorKind = "geometry"
	ErrorKindDetector       ErrorKind = "detector"
	ErrorKindReconstruction ErrorKind = "reconstruction"
	ErrorKindConfig         ErrorKind = "config"
	ErrorKindInput          ErrorKind = "input"
	ErrorKindCancelled      ErrorKind = "cancelled"
)

// NoPage marks errors that are not tied to a single page.
const NoPage = -1

// Error is a classified pipeline error with optional page context.
type Error struct {
	Kind    ErrorKind
	Page    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Kind)
	if e.Page != NoPage {
		prefix = fmt.Sprintf("[%s] page %d:", e.Kind, e.Page)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error.
func NewError(kind ErrorKind, page int, message string, err error) *Error {
	return &Error{Kind: kind, Page: page, Message: message, Err: err}
}

func GeometryError(message string, err error) *Error {
	return NewError(ErrorKindGeometry, NoPage, message, err)
}

func DetectorError(page int, message string, err error) *Error {
	return NewError(ErrorKindDetector, page, message, err)
}

func ReconstructionError(message string, err error) *Error {
	return NewError(ErrorKindReconstruction, NoPage, message, err)
}

func ConfigError(message string, err error) *Error {
	return NewError(ErrorKindConfig, NoPage, message, err)
}

func InputError(message string, err error) *Error {
	return NewError(ErrorKindInput, NoPage, message, err)
}

func CancelledError(err error) *Error {
	return NewError(ErrorKindCancelled, NoPage, "run cancelled", err)
}

// IsKind reports whether err wraps a *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
