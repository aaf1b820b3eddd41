// Package engineerr declares the engine's error taxonomy (spec §7) as a
// small Kind enum attached to a wrapping error, rather than one Go type per
// kind, so callers can switch on Kind(err) for exit codes and upstream
// checks.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind is one of the eight error kinds from spec §7.
type Kind string

const (
	BadInput      Kind = "bad_input"
	NotFound      Kind = "not_found"
	Conflict      Kind = "conflict"
	SpecError     Kind = "spec_error"
	UpstreamError Kind = "upstream_error"
	ParseError    Kind = "parse_error"
	Exhausted     Kind = "exhausted"
	Internal      Kind = "internal"
)

// E wraps an underlying error with a Kind the caller can branch on.
type E struct {
	K   Kind
	Err error
}

func (e *E) Error() string {
	if e.Err == nil {
		return string(e.K)
	}
	return fmt.Sprintf("%s: %v", e.K, e.Err)
}

func (e *E) Unwrap() error { return e.Err }

// New wraps err with kind k. A nil err still produces a non-nil *E carrying
// just the kind, useful for sentinel-style checks.
func New(k Kind, err error) *E {
	return &E{K: k, Err: err}
}

// Newf is New with a formatted message in place of an existing error.
func Newf(k Kind, format string, args ...any) *E {
	return &E{K: k, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, walking the Unwrap chain. Returns
// Internal if err is non-nil but carries no Kind, and "" if err is nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *E
	if errors.As(err, &e) {
		return e.K
	}
	return Internal
}

// ExitCode maps a Kind to the process exit code from spec §6: 2 for
// malformed CLI input, 1 for any other user-visible failure.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if KindOf(err) == BadInput {
		return 2
	}
	return 1
}
