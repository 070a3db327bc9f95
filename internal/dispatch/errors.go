package dispatch

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoEligibleNodes means the subnet exists but has no healthy node.
	ErrNoEligibleNodes = errors.New("no eligible nodes")

	// ErrUnknownSubnet means the registry does not list the subnet.
	ErrUnknownSubnet = errors.New("unknown subnet")
)

// FailureKind classifies one failed attempt.
type FailureKind string

const (
	KindTimeout          FailureKind = "timeout"
	KindConnection       FailureKind = "connection"
	KindUpstreamStatus   FailureKind = "upstream_status"
	KindIdentityMismatch FailureKind = "identity_mismatch"
	KindResponseTooLarge FailureKind = "response_too_large"
)

// AttemptFailure records why one node did not answer.
type AttemptFailure struct {
	NodeID string
	Kind   FailureKind
	Status int
	Err    error
}

// AllAttemptsFailedError is returned when the attempt budget, the candidate
// list or the deadline ran out before any node succeeded.
type AllAttemptsFailedError struct {
	Subnet           string
	Failures         []AttemptFailure
	DeadlineExceeded bool
}

func (e *AllAttemptsFailedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %s", f.NodeID, f.Kind))
	}
	reason := "all attempts failed"
	if e.DeadlineExceeded {
		reason = "deadline exceeded"
	}
	return fmt.Sprintf("dispatch to subnet %s: %s after %d attempts [%s]",
		e.Subnet, reason, len(e.Failures), strings.Join(parts, ", "))
}

// Unwrap exposes every per-node cause, so errors.As can still find an
// identity mismatch inside the aggregate.
func (e *AllAttemptsFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// IdentityMismatches returns the ids of nodes that failed identity checks.
func (e *AllAttemptsFailedError) IdentityMismatches() []string {
	var ids []string
	for _, f := range e.Failures {
		if f.Kind == KindIdentityMismatch {
			ids = append(ids, f.NodeID)
		}
	}
	return ids
}

// NonRetriableError carries an upstream rejection that is relayed as-is.
type NonRetriableError struct {
	NodeID      string
	Status      int
	ContentType string
	Body        []byte
}

func (e *NonRetriableError) Error() string {
	return fmt.Sprintf("node %s rejected request with status %d", e.NodeID, e.Status)
}

// upstreamStatusError is the cause recorded for a retried upstream status.
type upstreamStatusError struct {
	Status int
}

func (e *upstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Status)
}
