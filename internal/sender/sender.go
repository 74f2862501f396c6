// Package sender implements the sending side of the partition-handoff
// protocol: it opens a connection to the target node's handoff listener,
// performs the legacy-compatible handshake, streams every item of a partition
// through a fold-engine visitor under a sliding acknowledgment window, and
// classifies how the transfer ended.
package sender

import (
	"context"
	"crypto/tls"
	"math/big"
	"time"

	"github.com/pkg/errors"
	"github.com/ringfold/ringfold/internal/conn"
	"github.com/ringfold/ringfold/internal/membership"
	"github.com/ringfold/ringfold/internal/metrics"
	"github.com/ringfold/ringfold/protocol/handoff"
	"go.uber.org/zap"
)

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultReceiveTimeout = 60 * time.Second
	DefaultAckInterval    = 1000
	DefaultReportInterval = 2 * time.Second
)

// TransferType describes why a partition is being moved. The type only
// affects completion signaling: repair transfers complete silently.
type TransferType int

const (
	TypeOwnership TransferType = iota
	TypeRepair
	TypeResize
)

func (t TransferType) Name() string {
	switch t {
	case TypeOwnership:
		return "ownership"
	case TypeRepair:
		return "repair"
	case TypeResize:
		return "resize"
	default:
		return "unknown"
	}
}

// Module is the data module whose partition is being transferred. The engine
// is agnostic to payload structure beyond the encoding contract.
type Module interface {
	Name() string
	Encode(key, value []byte) ([]byte, error)
}

// Filter decides whether an item is transmitted. Filtered-out items are
// skipped on the wire but still counted toward the transfer total.
type Filter func(key []byte) bool

// Folder iterates every item of a partition, invoking visit once per item in
// an engine-determined order. The call blocks until iteration finishes.
type Folder interface {
	Fold(ctx context.Context, visit func(key, value []byte)) error
}

// Dialer opens the transport to a resolved listener address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (conn.Conn, error)
}

// Request describes a single transfer. Immutable for the transfer's lifetime.
type Request struct {
	TargetNode      string
	Module          Module
	Type            TransferType
	Filter          Filter
	SourcePartition *big.Int
	TargetPartition *big.Int
}

// Config carries the tunables of a transfer. Zero values fall back to the
// package defaults.
type Config struct {
	ConnectTimeout time.Duration
	ReceiveTimeout time.Duration
	AckInterval    int
	ReportInterval time.Duration
	TLS            *tls.Config
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = DefaultReceiveTimeout
	}
	if c.AckInterval <= 0 {
		c.AckInterval = DefaultAckInterval
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = DefaultReportInterval
	}
	return c
}

// Options wires the sender's collaborators. Every field is optional except
// the resolver.
type Options struct {
	Resolver membership.Resolver
	Dialer   Dialer
	Sink     StatusSink
	Parent   Parent
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Sender runs one transfer over one connection. A Sender is used once and is
// not safe for concurrent use; each transfer owns its transport and
// accumulator exclusively.
type Sender struct {
	req  Request
	cfg  Config
	opts Options
	key  StatusKey

	hc        conn.Handoff
	state     state
	ctx       context.Context
	foldStart time.Time
}

func New(req Request, cfg Config, opts Options) *Sender {
	if opts.Sink == nil {
		opts.Sink = nopSink{}
	}
	if opts.Parent == nil {
		opts.Parent = nopParent{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	cfg = cfg.withDefaults()
	if opts.Dialer == nil {
		opts.Dialer = netDialer{opts: conn.Options{ConnectTimeout: cfg.ConnectTimeout, TLS: cfg.TLS}}
	}
	return &Sender{
		req:  req,
		cfg:  cfg,
		opts: opts,
		key: StatusKey{
			Module:          req.Module.Name(),
			SourcePartition: req.SourcePartition.String(),
			TargetPartition: req.TargetPartition.String(),
		},
	}
}

// Run performs the transfer end to end and reports the terminal outcome both
// as a returned result and, for completion and generic failure, as an event
// to the parent. At most one event is signaled per transfer.
func (s *Sender) Run(ctx context.Context, folder Folder) (Result, error) {
	logger := s.opts.Logger.With(
		zap.String("module", s.key.Module),
		zap.String("target_node", s.req.TargetNode),
		zap.String("src_partition", s.key.SourcePartition),
		zap.String("dst_partition", s.key.TargetPartition),
		zap.String("type", s.req.Type.Name()),
	)

	res, err := s.run(ctx, folder)
	if !s.foldStart.IsZero() {
		res.Duration = s.opts.Clock().Sub(s.foldStart)
	}
	metrics.Transfers.WithLabelValues(res.Outcome.Name()).Inc()

	switch res.Outcome {
	case Completed:
		logger.Info("handoff completed",
			zap.Uint64("total_sent", res.Objects),
			zap.Uint64("bytes", res.Bytes),
			zap.Duration("duration", res.Duration),
		)
		if s.req.Type != TypeRepair {
			s.opts.Parent.Signal(Complete{
				Module:          s.key.Module,
				SourcePartition: s.req.SourcePartition,
				TargetPartition: s.req.TargetPartition,
				Objects:         res.Objects,
				Duration:        res.Duration,
			})
		}
	case Rejected:
		// Expected under the listener's concurrency cap; forwarded upward
		// without alarm.
		logger.Debug("handoff rejected by listener", zap.Error(err))
	case TimedOut:
		metrics.Timeouts.Inc()
		logger.Error("handoff timed out", zap.Uint64("total_sent", res.Objects), zap.Error(err))
	case Failed:
		logger.Error("handoff failed", zap.Uint64("total_sent", res.Objects), zap.Error(err))
		s.opts.Parent.Signal(HandoffError{
			Kind:            kindOf(err),
			Reason:          err,
			Module:          s.key.Module,
			SourcePartition: s.req.SourcePartition,
			TargetPartition: s.req.TargetPartition,
		})
	}
	return res, err
}

func (s *Sender) run(ctx context.Context, folder Folder) (Result, error) {
	if err := s.connect(ctx); err != nil {
		return s.classify(err)
	}
	defer s.hc.Close()

	s.ctx = ctx
	s.foldStart = s.opts.Clock()
	s.state = newState(s.foldStart, s.cfg.ReportInterval)

	if err := folder.Fold(ctx, s.visit); err != nil {
		return s.classify(wrapStream(errors.Wrap(err, "fold engine failure")))
	}
	if err := s.state.err; err != nil {
		return s.classify(wrapStream(err))
	}
	if err := s.finalSync(ctx); err != nil {
		return s.classify(err)
	}
	return s.classify(nil)
}

// connect resolves the target's handoff listener, opens the transport and
// performs the identification handshake followed by the init message.
func (s *Sender) connect(ctx context.Context) error {
	listener, err := s.opts.Resolver.ResolveListener(ctx, s.req.TargetNode)
	if err != nil {
		return errors.Wrap(err, "resolving handoff listener")
	}
	c, err := s.opts.Dialer.Dial(ctx, listener.Addr())
	if err != nil {
		return errors.Wrap(err, "connecting")
	}
	s.hc = conn.Handoff{Conn: c}

	// Legacy-compatible identification: an OLDSYNC frame carrying the
	// module name, answered by OLDSYNC "sync".
	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.ReceiveTimeout)
	defer cancel()
	if err := s.hc.WriteMsg(hsCtx, handoff.Msg{Type: handoff.MsgOldSync, Payload: []byte(s.key.Module)}); err != nil {
		s.hc.Close()
		switch {
		case conn.IsClosed(err):
			return RejectedError{Node: s.req.TargetNode}
		case conn.IsTimeout(err):
			return TimeoutError{Phase: PhaseHandshake, Err: err}
		}
		return errors.Wrap(err, "sending handshake")
	}
	reply, err := s.hc.ReadMsg(hsCtx, handoff.MsgOldSync)
	switch {
	case err == nil:
	case conn.IsTimeout(err):
		s.hc.Close()
		return TimeoutError{Phase: PhaseHandshake, Err: err}
	case conn.IsClosed(err):
		// The listener signals a full concurrency budget by closing the
		// socket instead of replying.
		s.hc.Close()
		return RejectedError{Node: s.req.TargetNode}
	default:
		s.hc.Close()
		return errors.Wrap(err, "reading handshake reply")
	}
	if !reply.IsSyncAck() {
		s.hc.Close()
		return errors.Errorf("unexpected handshake body %q", reply.Payload)
	}

	pid, err := handoff.EncodePartitionID(s.req.TargetPartition)
	if err != nil {
		s.hc.Close()
		return err
	}
	if err := s.hc.WriteMsg(ctx, handoff.Msg{Type: handoff.MsgInit, Payload: pid}); err != nil {
		s.hc.Close()
		return errors.Wrap(err, "sending init")
	}
	return nil
}

// finalSync confirms the listener has processed everything sent before the
// transfer is declared complete.
func (s *Sender) finalSync(ctx context.Context) error {
	fsCtx, cancel := context.WithTimeout(ctx, s.cfg.ReceiveTimeout)
	defer cancel()
	if err := s.hc.WriteMsg(fsCtx, handoff.Msg{Type: handoff.MsgSync}); err != nil {
		if conn.IsTimeout(err) {
			return TimeoutError{Phase: PhaseFinalSync, Err: err}
		}
		return wrapStream(errors.Wrap(err, "sending final sync"))
	}
	reply, err := s.hc.ReadMsg(fsCtx, handoff.MsgSync)
	switch {
	case err == nil:
	case conn.IsTimeout(err):
		return TimeoutError{Phase: PhaseFinalSync, Err: err}
	default:
		return wrapStream(errors.Wrap(err, "reading final sync reply"))
	}
	if !reply.IsSyncAck() {
		return wrapStream(errors.Errorf("unexpected final sync body %q", reply.Payload))
	}
	return nil
}

// classify maps err to the transfer's terminal outcome. Receive timeouts are
// converted to TimeoutError at the protocol exchange where they occur; a dial
// timeout is a connect failure, not a TimedOut outcome.
func (s *Sender) classify(err error) (Result, error) {
	res := Result{Objects: s.state.total, Bytes: s.state.stats.bytes}
	var (
		rejected RejectedError
		timeout  TimeoutError
	)
	switch {
	case err == nil:
		res.Outcome = Completed
	case errors.As(err, &rejected):
		res.Outcome = Rejected
	case errors.As(err, &timeout):
		res.Outcome = TimedOut
	default:
		res.Outcome = Failed
	}
	return res, err
}

type netDialer struct {
	opts conn.Options
}

func (d netDialer) Dial(ctx context.Context, addr string) (conn.Conn, error) {
	return conn.Dial(ctx, addr, d.opts)
}
