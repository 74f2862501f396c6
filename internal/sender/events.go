package sender

import (
	"math/big"
	"time"
)

// StatusKey identifies the transfer a progress snapshot belongs to.
type StatusKey struct {
	Module          string
	SourcePartition string
	TargetPartition string
}

// ProgressSnapshot is a point-in-time copy of the transfer counters. One
// snapshot is emitted per reporting interval.
type ProgressSnapshot struct {
	Bytes     uint64
	Objects   uint64
	Timestamp time.Time
}

// StatusSink receives progress snapshots. Implementations must not block the
// send loop indefinitely.
type StatusSink interface {
	Report(key StatusKey, snapshot ProgressSnapshot)
}

// Parent receives lifecycle events from a transfer. Completion and error are
// mutually exclusive and delivered at most once per transfer.
type Parent interface {
	Signal(Event)
}

// Event is a lifecycle event signaled to the parent coordinator.
type Event interface {
	event()
}

// Complete is signaled when the final sync succeeds. Suppressed for repair
// transfers, which are a one-shot best-effort side channel.
type Complete struct {
	Module          string
	SourcePartition *big.Int
	TargetPartition *big.Int
	Objects         uint64
	Duration        time.Duration
}

func (Complete) event() {}

// EventKind labels the failure class carried by a HandoffError event.
type EventKind string

const (
	// KindFoldError covers failures raised inside the streaming fold:
	// transport errors, encoding errors and fold-engine failures.
	KindFoldError EventKind = "fold_error"
	// KindError covers everything else, resolution and connect failures
	// included.
	KindError EventKind = "error"
)

// HandoffError is signaled when a transfer terminates with a generic
// failure. Timeouts and admission rejections are reported through the
// returned outcome alone.
type HandoffError struct {
	Kind            EventKind
	Reason          error
	Module          string
	SourcePartition *big.Int
	TargetPartition *big.Int
}

func (HandoffError) event() {}

type nopSink struct{}

func (nopSink) Report(StatusKey, ProgressSnapshot) {}

type nopParent struct{}

func (nopParent) Signal(Event) {}
