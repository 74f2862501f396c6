package sender

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Outcome is the terminal state of a transfer. Exactly one outcome is
// produced per transfer and the coordinator reacts differently to each, so
// they must never collapse into one generic failure.
type Outcome int

const (
	Completed Outcome = iota
	Rejected
	TimedOut
	Failed
)

func (o Outcome) Name() string {
	switch o {
	case Completed:
		return "completed"
	case Rejected:
		return "rejected"
	case TimedOut:
		return "timed_out"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result summarizes a finished transfer.
type Result struct {
	Outcome  Outcome
	Objects  uint64
	Bytes    uint64
	Duration time.Duration
}

// Phase names where in the protocol a timeout occurred.
type Phase string

const (
	PhaseHandshake Phase = "handshake"
	PhaseStream    Phase = "stream"
	PhaseFinalSync Phase = "final_sync"
)

// RejectedError reports that the listener closed the connection before
// answering the handshake, the protocol's admission-rejection convention.
type RejectedError struct {
	Node string
}

func (e RejectedError) Error() string {
	return fmt.Sprintf("handoff to %s rejected: listener closed the connection during handshake", e.Node)
}

// TimeoutError reports an expired receive deadline.
type TimeoutError struct {
	Phase Phase
	Err   error
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("handoff receive timeout during %s: %v", e.Phase, e.Err)
}

func (e TimeoutError) Unwrap() error { return e.Err }

// streamError marks failures raised inside the streaming fold so the
// parent-facing event carries the fold_error kind.
type streamError struct {
	err error
}

func (e streamError) Error() string { return e.err.Error() }

func (e streamError) Unwrap() error { return e.err }

// wrapStream tags err as a stream-phase failure. Timeouts pass through
// unchanged: they classify as TimedOut, not as a generic failure.
func wrapStream(err error) error {
	var timeout TimeoutError
	if errors.As(err, &timeout) {
		return err
	}
	return streamError{err: err}
}

func kindOf(err error) EventKind {
	var stream streamError
	if errors.As(err, &stream) {
		return KindFoldError
	}
	return KindError
}
