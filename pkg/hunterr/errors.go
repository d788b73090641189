// Package hunterr is the error taxonomy of the hunt pipeline. Every error that
// crosses a stage boundary is an *Error carrying a Kind, so callers classify
// failures with errors.Is against the sentinels below instead of matching text.
package hunterr

import (
	"errors"
	"fmt"
)

type Kind uint8

const (
	KindUnknown Kind = iota
	KindAuthentication
	KindScopeExtraction
	KindEmptyScope
	KindCheck
	KindSubmissionTransient
	KindSubmissionRejected
	KindSubmissionDuplicate
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindScopeExtraction:
		return "scope_extraction"
	case KindEmptyScope:
		return "empty_scope"
	case KindCheck:
		return "check"
	case KindSubmissionTransient:
		return "submission_transient"
	case KindSubmissionRejected:
		return "submission_rejected"
	case KindSubmissionDuplicate:
		return "submission_duplicate"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error captures contextual information for pipeline failures.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	// Permanent marks a check failure that will not go away on retry.
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Kind == e.Kind
}

// E constructs an Error with the provided context.
func E(kind Kind, op, msg string, err error) error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// Sentinels for errors.Is.
var (
	ErrAuthentication      = &Error{Kind: KindAuthentication}
	ErrScopeExtraction     = &Error{Kind: KindScopeExtraction}
	ErrEmptyScope          = &Error{Kind: KindEmptyScope}
	ErrCheck               = &Error{Kind: KindCheck}
	ErrSubmissionTransient = &Error{Kind: KindSubmissionTransient}
	ErrSubmissionRejected  = &Error{Kind: KindSubmissionRejected}
	ErrSubmissionDuplicate = &Error{Kind: KindSubmissionDuplicate}
	ErrCancelled           = &Error{Kind: KindCancelled}
)

func Authentication(op string, err error) error {
	return E(KindAuthentication, op, "authentication failed", err)
}

func ScopeExtraction(op string, err error) error {
	return E(KindScopeExtraction, op, "scope extraction failed", err)
}

func EmptyScope(op, program string) error {
	return E(KindEmptyScope, op, fmt.Sprintf("program %q has no in-scope assets", program), nil)
}

// Check wraps a check failure as transient.
func Check(op string, err error) error {
	return E(KindCheck, op, "check failed", err)
}

// PermanentCheck wraps a check failure that retrying cannot fix.
func PermanentCheck(op string, err error) error {
	return &Error{Kind: KindCheck, Op: op, Msg: "check failed", Permanent: true, Err: err}
}

func SubmissionTransient(op string, err error) error {
	return E(KindSubmissionTransient, op, "submission failed", err)
}

func SubmissionRejected(op, reason string) error {
	return E(KindSubmissionRejected, op, "submission rejected: "+reason, nil)
}

func SubmissionDuplicate(op string) error {
	return E(KindSubmissionDuplicate, op, "duplicate of an existing report", nil)
}

func Cancelled(op string, err error) error {
	return E(KindCancelled, op, "cancelled", err)
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err aborts the remaining mission stages.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindAuthentication, KindScopeExtraction, KindEmptyScope:
		return true
	}
	return false
}

// IsTransient reports whether retrying the failed call may succeed.
func IsTransient(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindSubmissionTransient:
		return true
	case KindCheck:
		return !e.Permanent
	}
	return false
}
