package sender

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/ringfold/ringfold/internal/conn"
	"github.com/ringfold/ringfold/internal/metrics"
	"github.com/ringfold/ringfold/protocol/handoff"
)

// state is the accumulator threaded through every visitor invocation. It is
// owned exclusively by the streaming loop; nothing mutates it concurrently.
type state struct {
	// ack is the number of items sent since the last keep-alive exchange.
	// Invariant: 0 <= ack <= the configured ack interval.
	ack int
	// total counts items that passed through the visitor while the
	// transfer was healthy: transmitted, attempted or filtered out.
	total uint64
	// err is a latch. Once a transport error is recorded every subsequent
	// visit is a no-op, preserving the final tallies for reporting. The
	// only transition back to nil is a completed keep-alive round-trip.
	err   error
	stats stats
}

type stats struct {
	bytes       uint64
	objects     uint64
	lastUpdate  time.Time
	intervalEnd time.Time
}

func newState(now time.Time, reportInterval time.Duration) state {
	return state{stats: stats{lastUpdate: now, intervalEnd: now.Add(reportInterval)}}
}

// visit is invoked once per stored item by the fold engine. It runs two
// explicit steps, maybe exchange a keep-alive at the ack-window boundary and
// then process the item, rather than re-invoking itself after the exchange.
// Stack depth stays flat regardless of partition size and the boundary item
// is still handled under the fresh window.
func (s *Sender) visit(key, value []byte) {
	st := &s.state
	if st.err != nil {
		return
	}
	if st.ack >= s.cfg.AckInterval {
		if err := s.keepalive(); err != nil {
			st.ack = 0
			st.err = err
			return
		}
		st.ack = 0
		// A completed round-trip is direct evidence the transport is
		// usable right now.
		st.err = nil
		s.maybeReport()
	}
	s.sendItem(key, value)
}

func (s *Sender) sendItem(key, value []byte) {
	st := &s.state
	if s.req.Filter != nil && !s.req.Filter(key) {
		// Skipped items still count toward the total so sender and
		// receiver tallies can be reconciled.
		st.total++
		return
	}
	payload, err := s.req.Module.Encode(key, value)
	if err != nil {
		st.total++
		st.err = errors.Wrap(err, "encoding item")
		return
	}
	st.total++
	if err := s.hc.WriteMsg(s.ctx, handoff.Msg{Type: handoff.MsgObj, Payload: payload}); err != nil {
		st.err = errors.Wrap(err, "sending item")
		return
	}
	st.ack++
	st.stats.bytes += uint64(len(payload)) + 1
	st.stats.objects++
	st.stats.lastUpdate = s.opts.Clock()
	metrics.BytesSent.Add(float64(len(payload) + 1))
	metrics.ObjectsSent.Inc()
	s.maybeReport()
}

// keepalive performs the mid-stream OLDSYNC round-trip that bounds the
// amount of unacknowledged data in flight and detects a stalled listener
// within one receive-timeout window.
func (s *Sender) keepalive() error {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ReceiveTimeout)
	defer cancel()
	if err := s.hc.WriteMsg(ctx, handoff.Msg{Type: handoff.MsgOldSync, Payload: []byte(handoff.SyncBody)}); err != nil {
		if conn.IsTimeout(err) {
			return TimeoutError{Phase: PhaseStream, Err: err}
		}
		return errors.Wrap(err, "sending keep-alive")
	}
	reply, err := s.hc.ReadMsg(ctx, handoff.MsgOldSync)
	if err != nil {
		if conn.IsTimeout(err) {
			return TimeoutError{Phase: PhaseStream, Err: err}
		}
		return errors.Wrap(err, "reading keep-alive reply")
	}
	if !reply.IsSyncAck() {
		return errors.Errorf("unexpected keep-alive body %q", reply.Payload)
	}
	s.state.stats.bytes += uint64(len(handoff.SyncBody)) + 1
	return nil
}

// maybeReport emits a progress snapshot when the reporting deadline has
// passed. It is called inline after counter updates, never from a timer, so
// the cadence is approximate but it cannot block the send loop.
func (s *Sender) maybeReport() {
	st := &s.state.stats
	now := s.opts.Clock()
	if now.Before(st.intervalEnd) {
		return
	}
	s.opts.Sink.Report(s.key, ProgressSnapshot{
		Bytes:     st.bytes,
		Objects:   st.objects,
		Timestamp: st.lastUpdate,
	})
	st.intervalEnd = now.Add(s.cfg.ReportInterval)
}
