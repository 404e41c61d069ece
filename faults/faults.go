// Package faults provides the structured error type shared by the capture,
// similarity and artifact packages. Every error carries a machine-readable
// code so that boundaries (HTTP, CLI) can report absence and degenerate
// metrics distinctly from internal failures.
package faults

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Category classifies errors for consistent handling.
type Category string

const (
	CategoryCapture    Category = "capture"    // Hook attachment and snapshot capture
	CategoryMetric     Category = "metric"     // Similarity computation
	CategoryState      Category = "state"      // Lifecycle transitions
	CategoryValidation Category = "validation" // Caller input
	CategoryStorage    Category = "storage"    // Artifact persistence
	CategoryConfig     Category = "config"
	CategoryInternal   Category = "internal"
)

// Error codes.
const (
	CodeMissingRepresentation = "MISSING_REPRESENTATION"
	CodeDegenerateVariance    = "DEGENERATE_VARIANCE"
	CodeShapeMismatch         = "SHAPE_MISMATCH"
	CodeCaptureFailed         = "CAPTURE_FAILED"
	CodeInvalidState          = "INVALID_STATE"
	CodeInvalidArgument       = "INVALID_ARGUMENT"
	CodeArtifactNotFound      = "ARTIFACT_NOT_FOUND"
	CodeArtifactCorrupt       = "ARTIFACT_CORRUPT"
	CodeConfigInvalid         = "CONFIG_INVALID"
	CodeInternal              = "INTERNAL"
)

// Error is a structured error with a stable code and optional context.
type Error struct {
	Code     string
	Category Category
	Message  string
	Context  map[string]string
	Cause    error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Code)
	sb.WriteString(": ")
	sb.WriteString(e.Message)

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%s", k, e.Context[k])
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so package sentinels work with
// errors.Is regardless of context or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates an error with the given code, category and message.
func New(code string, category Category, message string) *Error {
	return &Error{
		Code:     code,
		Category: category,
		Message:  message,
	}
}

// Newf creates an error with a formatted message.
func Newf(code string, category Category, format string, args ...any) *Error {
	return New(code, category, fmt.Sprintf(format, args...))
}

// With returns a copy of e with an added context pair. Sentinels are never
// mutated.
func (e *Error) With(key, value string) *Error {
	out := e.clone()
	out.Context[key] = value
	return out
}

// Wrap returns a copy of e with cause attached.
func (e *Error) Wrap(cause error) *Error {
	out := e.clone()
	out.Cause = cause
	return out
}

func (e *Error) clone() *Error {
	ctx := make(map[string]string, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	return &Error{
		Code:     e.Code,
		Category: e.Category,
		Message:  e.Message,
		Context:  ctx,
		Cause:    e.Cause,
	}
}

// CodeOf extracts the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// HasCode reports whether err's chain contains an *Error with code.
func HasCode(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}
