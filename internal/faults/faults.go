// Package faults defines the single error taxonomy for the analysis pipeline.
// Every failure is classified into a Kind carrying a retriable bit; the
// workflow engine is the only component that acts on the classification, but
// producers anywhere may tag errors with an explicit kind.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies a failure class.
type Kind string

const (
	// Validation kinds (permanent).
	KindInvalidURL                Kind = "INVALID_URL"
	KindUnsupportedFormat         Kind = "UNSUPPORTED_FORMAT"
	KindOversizedDocument         Kind = "OVERSIZED_DOCUMENT"
	KindInvalidWorkflowDefinition Kind = "INVALID_WORKFLOW_DEFINITION"
	KindSchemaMismatch            Kind = "SCHEMA_MISMATCH"
	KindMalformedCatalog          Kind = "MALFORMED_CATALOG"

	// Transient kinds (retriable).
	KindFetchTimeout        Kind = "FETCH_TIMEOUT"
	KindConnectionReset     Kind = "CONNECTION_RESET"
	KindDNSFailure          Kind = "DNS_FAILURE"
	KindRateLimited         Kind = "RATE_LIMITED"
	KindUpstreamServerError Kind = "UPSTREAM_SERVER_ERROR"
	KindTimedOut            Kind = "TIMED_OUT"

	// Catch-all kinds.
	KindTransient Kind = "TRANSIENT"
	KindPermanent Kind = "PERMANENT"
	KindUnknown   Kind = "UNKNOWN"

	// Workflow kinds.
	KindTaskTimedOut     Kind = "TASK_TIMED_OUT"
	KindTaskFailed       Kind = "TASK_FAILED"
	KindWorkflowCanceled Kind = "WORKFLOW_CANCELED"
	KindCrashed          Kind = "CRASHED"
)

// retriableKinds is the transient subset of the taxonomy.
var retriableKinds = map[Kind]bool{
	KindFetchTimeout:        true,
	KindConnectionReset:     true,
	KindDNSFailure:          true,
	KindRateLimited:         true,
	KindUpstreamServerError: true,
	KindTimedOut:            true,
	KindTaskTimedOut:        true,
	KindTransient:           true,
}

// Retriable reports whether a kind is safe to retry.
func (k Kind) Retriable() bool { return retriableKinds[k] }

// Error is a classified error. Err may be nil when the fault originates here
// rather than wrapping a lower-level failure.
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

// New creates a classified error.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// transientFragments drive the heuristic classification of untagged errors.
// Matched case-insensitively against the error message.
var transientFragments = []string{
	"network",
	"timeout",
	"connection",
	"econnrefused",
	"etimedout",
	"enotfound",
	"socket hang up",
	"server responded with a 5",
	"too many requests",
	"rate limit",
}

// KindOf extracts the kind from a classified error, falling back to the
// message-substring heuristic for untagged errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range transientFragments {
		if strings.Contains(msg, frag) {
			return KindTransient
		}
	}
	return KindUnknown
}

// IsRetriable reports whether an error should be retried: explicitly
// transient kinds, plus untagged errors matching the transient heuristic.
func IsRetriable(err error) bool {
	return KindOf(err).Retriable()
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
