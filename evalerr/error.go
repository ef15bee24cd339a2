// Package evalerr provides the structured error taxonomy shared by the
// verification tree, the evaluator, rubric scripts and the runner.
//
// Every failure that matters to scoring carries a Kind. The runner relies on
// the kind to decide whether a failure is local to a leaf (judge errors during
// verification), fatal to one unit of work (structural, extraction and script
// load errors), or a cancellation of the whole run.
package evalerr

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
)

// Kind categorizes an error by what went wrong.
type Kind string

const (
	// KindStructural is an invalid tree mutation or a misuse of the evaluator
	// lifecycle. It is always fatal to the unit that caused it.
	KindStructural Kind = "structural"

	// KindInvalidScore is a leaf scored with a value outside {0.0, 1.0}.
	KindInvalidScore Kind = "invalid_score"

	// KindJudge is a judging call that failed after the judge's own retries.
	KindJudge Kind = "judge"

	// KindExtraction is a failed extraction step. Rubrics cannot continue
	// without extracted information, so it is fatal to the unit.
	KindExtraction Kind = "extraction"

	// KindScriptLoad is a missing or malformed rubric script.
	KindScriptLoad Kind = "script_load"

	// KindCanceled is a context cancellation or deadline.
	KindCanceled Kind = "canceled"

	// KindInternal is anything unclassified, including recovered panics.
	KindInternal Kind = "internal"
)

// String returns the kind as a plain string.
func (k Kind) String() string {
	return string(k)
}

// Sentinels for errors.Is matching by kind.
var (
	ErrStructural   = &Error{Kind: KindStructural}
	ErrInvalidScore = &Error{Kind: KindInvalidScore}
	ErrJudge        = &Error{Kind: KindJudge}
	ErrExtraction   = &Error{Kind: KindExtraction}
	ErrScriptLoad   = &Error{Kind: KindScriptLoad}
)

// Error is a kinded error with the operation that failed, a message and an
// optional cause chain.
type Error struct {
	// Kind categorizes the failure.
	Kind Kind

	// Op is the operation that failed (e.g. "Node.AddChild", "Evaluator.Extract").
	Op string

	// Message is a human-readable description.
	Message string

	// Details carries extra context such as node or task identifiers.
	Details map[string]any

	// Cause is the underlying error, if any.
	Cause error
}

// New creates an error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: message,
	}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return New(kind, op, fmt.Sprintf(format, args...))
}

// Structural creates a KindStructural error.
func Structural(op, format string, args ...any) *Error {
	return Newf(KindStructural, op, format, args...)
}

// InvalidScore creates a KindInvalidScore error.
func InvalidScore(op string, value float64) *Error {
	return Newf(KindInvalidScore, op, "leaf score must be 0.0 or 1.0, got %v", value).
		WithDetails(map[string]any{"value": value})
}

// Judge wraps a judging failure.
func Judge(op string, cause error) *Error {
	return New(KindJudge, op, "judge call failed").WithCause(cause)
}

// Extraction wraps an extraction failure.
func Extraction(op string, cause error) *Error {
	return New(KindExtraction, op, "extraction failed").WithCause(cause)
}

// ScriptLoad creates a KindScriptLoad error.
func ScriptLoad(op, format string, args ...any) *Error {
	return Newf(KindScriptLoad, op, format, args...)
}

// WithCause sets the underlying error and returns the same instance.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails merges details into the error and returns the same instance.
func (e *Error) WithDetails(details map[string]any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, len(details))
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// Error formats the error as "op [kind]: message: cause".
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("%s [%s]", e.Op, e.Kind))
	} else {
		parts = append(parts, fmt.Sprintf("[%s]", e.Kind))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error with the same Kind. If the target also names an
// Op, the ops must be equal too.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Kind == "" {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Op == "" || t.Op == e.Op
}

// KindOf classifies any error chain. The outermost *Error wins, so wrapping a
// judge failure inside an extraction error reports an extraction failure.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCanceled
	}

	return KindInternal
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Panicked converts a recovered panic value into a KindInternal error.
func Panicked(op string, p any) *Error {
	e := Newf(KindInternal, op, "panic: %v", p).
		WithDetails(map[string]any{"stack": string(debug.Stack())})
	if err, ok := p.(error); ok {
		e.Cause = err
	}
	return e
}

// Safe runs fn and returns a KindInternal error if it panics. Goroutines
// started on behalf of an evaluation run their work through Safe so a panic
// fails that evaluation instead of the process.
func Safe(op string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = Panicked(op, p)
		}
	}()
	return fn()
}
