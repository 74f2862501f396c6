package sender_test

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/ringfold/ringfold/internal/conn"
	"github.com/ringfold/ringfold/internal/membership"
	"github.com/ringfold/ringfold/internal/metrics"
	"github.com/ringfold/ringfold/internal/sender"
	"github.com/ringfold/ringfold/protocol/handoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ------------------ in-memory transport ------------------

type link struct {
	once   sync.Once
	closed chan struct{}
}

type end struct {
	l *link
	r <-chan []byte
	w chan<- []byte
}

func newLink() (*end, *end) {
	l := &link{closed: make(chan struct{})}
	ab := make(chan []byte, 4096)
	ba := make(chan []byte, 4096)
	return &end{l: l, r: ba, w: ab}, &end{l: l, r: ab, w: ba}
}

func (e *end) Write(ctx context.Context, b []byte) error {
	select {
	case <-e.l.closed:
		return net.ErrClosed
	default:
	}
	select {
	case e.w <- b:
		return nil
	case <-e.l.closed:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *end) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-e.r:
		return b, nil
	case <-e.l.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *end) Close() error {
	e.l.once.Do(func() { close(e.l.closed) })
	return nil
}

// countingConn tracks object-frame writes so tests can assert that no
// transport calls happen after an error latches.
type countingConn struct {
	conn.Conn
	mu        sync.Mutex
	objWrites int
	failAt    int // fail the Nth object write and every later one
}

func (c *countingConn) Write(ctx context.Context, b []byte) error {
	if len(b) > 0 && handoff.MsgType(b[0]) == handoff.MsgObj {
		c.mu.Lock()
		c.objWrites++
		n := c.objWrites
		c.mu.Unlock()
		if c.failAt > 0 && n >= c.failAt {
			return errors.New("write: broken pipe")
		}
	}
	return c.Conn.Write(ctx, b)
}

func (c *countingConn) writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.objWrites
}

// ------------------ scripted listener ------------------

type peerConfig struct {
	rejectHandshake bool // close the socket instead of answering
	ackLimit        int  // OLDSYNC acks to give before going silent, -1 for unlimited
	silentFinal     bool // never answer the final SYNC
}

type peer struct {
	hc  conn.Handoff
	cfg peerConfig

	mu         sync.Mutex
	handshaken bool
	acks       int
	objs       int
	keepalives int
	window     int
	maxWindow  int
	partition  *big.Int
}

func startPeer(t *testing.T, c conn.Conn, cfg peerConfig) *peer {
	t.Helper()
	p := &peer{hc: conn.Handoff{Conn: c}, cfg: cfg}
	go p.run()
	t.Cleanup(func() { c.Close() })
	return p
}

func (p *peer) run() {
	ctx := context.Background()
	for {
		msg, err := p.hc.ReadMsg(ctx)
		if err != nil {
			return
		}
		switch msg.Type {
		case handoff.MsgOldSync:
			if !p.handshaken {
				p.handshaken = true
				if p.cfg.rejectHandshake {
					p.hc.Close()
					return
				}
			} else {
				p.mu.Lock()
				p.keepalives++
				if p.window > p.maxWindow {
					p.maxWindow = p.window
				}
				p.window = 0
				p.mu.Unlock()
			}
			if p.cfg.ackLimit >= 0 && p.acks >= p.cfg.ackLimit {
				continue
			}
			p.acks++
			_ = p.hc.WriteMsg(ctx, handoff.Msg{Type: handoff.MsgOldSync, Payload: []byte(handoff.SyncBody)})
		case handoff.MsgInit:
			p.mu.Lock()
			p.partition, _ = handoff.DecodePartitionID(msg.Payload)
			p.mu.Unlock()
		case handoff.MsgObj:
			p.mu.Lock()
			p.objs++
			p.window++
			p.mu.Unlock()
		case handoff.MsgSync:
			if p.cfg.silentFinal {
				continue
			}
			_ = p.hc.WriteMsg(ctx, handoff.Msg{Type: handoff.MsgSync, Payload: []byte(handoff.SyncBody)})
		}
	}
}

func (p *peer) stats() (objs, keepalives, maxWindow int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.objs, p.keepalives, p.maxWindow
}

// ------------------ collaborator fakes ------------------

type kv struct {
	k, v []byte
}

func items(n int) []kv {
	out := make([]kv, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, kv{
			k: []byte(fmt.Sprintf("key-%05d", i)),
			v: []byte(fmt.Sprintf("value-%05d", i)),
		})
	}
	return out
}

type sliceFolder struct {
	items []kv
	each  func(i int)
	err   error
}

func (f sliceFolder) Fold(ctx context.Context, visit func(key, value []byte)) error {
	if f.err != nil {
		return f.err
	}
	for i, item := range f.items {
		if f.each != nil {
			f.each(i)
		}
		visit(item.k, item.v)
	}
	return nil
}

type kvModule struct {
	encodeErrAt int // fail encoding the Nth encode call
	calls       int
}

func (m *kvModule) Name() string { return "kv" }

func (m *kvModule) Encode(key, value []byte) ([]byte, error) {
	m.calls++
	if m.encodeErrAt > 0 && m.calls >= m.encodeErrAt {
		return nil, errors.New("unencodable item")
	}
	b := make([]byte, 0, len(key)+len(value)+1)
	b = append(b, key...)
	b = append(b, '=')
	return append(b, value...), nil
}

type recorderParent struct {
	mu     sync.Mutex
	events []sender.Event
}

func (r *recorderParent) Signal(ev sender.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorderParent) all() []sender.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sender.Event(nil), r.events...)
}

type recorderSink struct {
	mu        sync.Mutex
	snapshots []sender.ProgressSnapshot
}

func (r *recorderSink) Report(_ sender.StatusKey, snapshot sender.ProgressSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, snapshot)
}

func (r *recorderSink) all() []sender.ProgressSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sender.ProgressSnapshot(nil), r.snapshots...)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type connDialer struct {
	conn conn.Conn
}

func (d connDialer) Dial(context.Context, string) (conn.Conn, error) {
	return d.conn, nil
}

// ------------------ harness ------------------

type harness struct {
	peer   *peer
	parent *recorderParent
	sink   *recorderSink
	clock  *manualClock
	conn   *countingConn
	module *kvModule
}

func newHarness(t *testing.T, pcfg peerConfig, failAt int) *harness {
	t.Helper()
	local, remote := newLink()
	return &harness{
		peer:   startPeer(t, remote, pcfg),
		parent: &recorderParent{},
		sink:   &recorderSink{},
		clock:  &manualClock{now: time.Unix(1700000000, 0)},
		conn:   &countingConn{Conn: local, failAt: failAt},
		module: &kvModule{},
	}
}

func (h *harness) newSender(t *testing.T, cfg sender.Config, mutate func(*sender.Request)) *sender.Sender {
	t.Helper()
	resolver := membership.NewStaticResolver()
	resolver.Add("node-b", membership.Listener{Host: "node-b.local", Port: 8099})
	req := sender.Request{
		TargetNode:      "node-b",
		Module:          h.module,
		Type:            sender.TypeOwnership,
		SourcePartition: big.NewInt(42),
		TargetPartition: big.NewInt(1042),
	}
	if mutate != nil {
		mutate(&req)
	}
	return sender.New(req, cfg, sender.Options{
		Resolver: resolver,
		Dialer:   connDialer{conn: h.conn},
		Sink:     h.sink,
		Parent:   h.parent,
		Clock:    h.clock.Now,
	})
}

func fastConfig() sender.Config {
	return sender.Config{
		ReceiveTimeout: 50 * time.Millisecond,
		AckInterval:    1000,
		ReportInterval: 2 * time.Second,
	}
}

// ------------------ tests ------------------

func TestAckWindow(t *testing.T) {
	h := newHarness(t, peerConfig{ackLimit: -1}, 0)
	s := h.newSender(t, fastConfig(), nil)

	res, err := s.Run(context.Background(), sliceFolder{items: items(2500)})
	require.NoError(t, err)

	assert.Equal(t, sender.Completed, res.Outcome)
	assert.Equal(t, uint64(2500), res.Objects)

	objs, keepalives, maxWindow := h.peer.stats()
	assert.Equal(t, 2500, objs)
	assert.Equal(t, 2, keepalives, "expected one keep-alive per full ack window")
	assert.LessOrEqual(t, maxWindow, 1000, "unacked items in flight must never exceed the window")

	h.peer.mu.Lock()
	partition := h.peer.partition
	h.peer.mu.Unlock()
	require.NotNil(t, partition)
	assert.Zero(t, partition.Cmp(big.NewInt(1042)))

	events := h.parent.all()
	require.Len(t, events, 1)
	complete, ok := events[0].(sender.Complete)
	require.True(t, ok)
	assert.Equal(t, uint64(2500), complete.Objects)
	assert.Equal(t, "kv", complete.Module)
}

func TestLatch(t *testing.T) {
	const total, failAt = 100, 60
	h := newHarness(t, peerConfig{ackLimit: -1}, failAt)
	s := h.newSender(t, fastConfig(), nil)

	res, err := s.Run(context.Background(), sliceFolder{items: items(total)})
	require.Error(t, err)

	assert.Equal(t, sender.Failed, res.Outcome)
	assert.Equal(t, uint64(failAt), res.Objects, "the failing item is counted as attempted, later items are not")
	assert.Equal(t, failAt, h.conn.writes(), "no transport calls after the latch")

	events := h.parent.all()
	require.Len(t, events, 1)
	handoffErr, ok := events[0].(sender.HandoffError)
	require.True(t, ok)
	assert.Equal(t, sender.KindFoldError, handoffErr.Kind)
}

func TestFilter(t *testing.T) {
	h := newHarness(t, peerConfig{ackLimit: -1}, 0)
	s := h.newSender(t, fastConfig(), func(req *sender.Request) {
		req.Filter = func(key []byte) bool {
			return key[len(key)-1]%2 == 0
		}
	})

	res, err := s.Run(context.Background(), sliceFolder{items: items(200)})
	require.NoError(t, err)

	assert.Equal(t, sender.Completed, res.Outcome)
	assert.Equal(t, uint64(200), res.Objects, "filtered-out items still count toward the total")

	objs, _, _ := h.peer.stats()
	assert.Equal(t, 100, objs, "filtered-out items are never transmitted")
}

func TestCompletionExclusivity(t *testing.T) {
	t.Run("ownership success signals complete once", func(t *testing.T) {
		h := newHarness(t, peerConfig{ackLimit: -1}, 0)
		s := h.newSender(t, fastConfig(), nil)
		_, err := s.Run(context.Background(), sliceFolder{items: items(10)})
		require.NoError(t, err)

		events := h.parent.all()
		require.Len(t, events, 1)
		assert.IsType(t, sender.Complete{}, events[0])
	})
	t.Run("repair success signals nothing", func(t *testing.T) {
		h := newHarness(t, peerConfig{ackLimit: -1}, 0)
		s := h.newSender(t, fastConfig(), func(req *sender.Request) {
			req.Type = sender.TypeRepair
		})
		res, err := s.Run(context.Background(), sliceFolder{items: items(10)})
		require.NoError(t, err)
		assert.Equal(t, sender.Completed, res.Outcome)
		assert.Empty(t, h.parent.all())
	})
	t.Run("failure signals error once, never complete", func(t *testing.T) {
		h := newHarness(t, peerConfig{ackLimit: -1}, 3)
		s := h.newSender(t, fastConfig(), nil)
		_, err := s.Run(context.Background(), sliceFolder{items: items(10)})
		require.Error(t, err)

		events := h.parent.all()
		require.Len(t, events, 1)
		assert.IsType(t, sender.HandoffError{}, events[0])
	})
}

func TestRejectionClassification(t *testing.T) {
	t.Run("socket closed before handshake reply", func(t *testing.T) {
		h := newHarness(t, peerConfig{rejectHandshake: true}, 0)
		s := h.newSender(t, fastConfig(), nil)

		res, err := s.Run(context.Background(), sliceFolder{items: items(10)})
		require.Error(t, err)
		assert.Equal(t, sender.Rejected, res.Outcome)

		var rejected sender.RejectedError
		assert.True(t, errors.As(err, &rejected))
		assert.Equal(t, "node-b", rejected.Node)
		assert.Empty(t, h.parent.all(), "rejection is reported through the outcome alone")
	})
	t.Run("handshake reply never arrives", func(t *testing.T) {
		before := testutil.ToFloat64(metrics.Timeouts)
		h := newHarness(t, peerConfig{ackLimit: 0}, 0)
		s := h.newSender(t, fastConfig(), nil)

		res, err := s.Run(context.Background(), sliceFolder{items: items(10)})
		require.Error(t, err)
		assert.Equal(t, sender.TimedOut, res.Outcome)

		var timeout sender.TimeoutError
		require.True(t, errors.As(err, &timeout))
		assert.Equal(t, sender.PhaseHandshake, timeout.Phase)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Timeouts)-before)
		assert.Empty(t, h.parent.all())
	})
}

func TestProgressCadence(t *testing.T) {
	h := newHarness(t, peerConfig{ackLimit: -1}, 0)
	cfg := fastConfig()
	cfg.ReportInterval = 2 * time.Second
	s := h.newSender(t, cfg, nil)

	// Half a second of simulated wall clock per item.
	folder := sliceFolder{
		items: items(20),
		each:  func(int) { h.clock.Advance(500 * time.Millisecond) },
	}
	res, err := s.Run(context.Background(), folder)
	require.NoError(t, err)
	assert.Equal(t, sender.Completed, res.Outcome)

	snapshots := h.sink.all()
	require.NotEmpty(t, snapshots)
	for i := 1; i < len(snapshots); i++ {
		assert.GreaterOrEqual(t, snapshots[i].Timestamp.Sub(snapshots[i-1].Timestamp), cfg.ReportInterval)
		assert.GreaterOrEqual(t, snapshots[i].Bytes, snapshots[i-1].Bytes)
		assert.GreaterOrEqual(t, snapshots[i].Objects, snapshots[i-1].Objects)
	}
	last := snapshots[len(snapshots)-1]
	assert.LessOrEqual(t, last.Objects, uint64(20))
}

func TestEndToEndTimeout(t *testing.T) {
	before := testutil.ToFloat64(metrics.Timeouts)

	// The listener acknowledges the handshake and the first keep-alive,
	// then stops responding. The second keep-alive boundary times out and
	// the remaining items are never attempted.
	h := newHarness(t, peerConfig{ackLimit: 2}, 0)
	s := h.newSender(t, fastConfig(), nil)

	res, err := s.Run(context.Background(), sliceFolder{items: items(2500)})
	require.Error(t, err)

	assert.Equal(t, sender.TimedOut, res.Outcome)
	assert.Equal(t, uint64(2000), res.Objects)
	assert.Equal(t, 2000, h.conn.writes(), "no items attempted after the stalled keep-alive")

	var timeout sender.TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, sender.PhaseStream, timeout.Phase)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Timeouts)-before, "timeout counter incremented exactly once")
	assert.Empty(t, h.parent.all())
}

func TestFinalSyncTimeout(t *testing.T) {
	h := newHarness(t, peerConfig{ackLimit: -1, silentFinal: true}, 0)
	s := h.newSender(t, fastConfig(), nil)

	res, err := s.Run(context.Background(), sliceFolder{items: items(10)})
	require.Error(t, err)
	assert.Equal(t, sender.TimedOut, res.Outcome)

	var timeout sender.TimeoutError
	require.True(t, errors.As(err, &timeout))
	assert.Equal(t, sender.PhaseFinalSync, timeout.Phase)
	assert.Empty(t, h.parent.all())
}

func TestFoldEngineFailure(t *testing.T) {
	h := newHarness(t, peerConfig{ackLimit: -1}, 0)
	s := h.newSender(t, fastConfig(), nil)

	res, err := s.Run(context.Background(), sliceFolder{err: errors.New("vnode crashed")})
	require.Error(t, err)
	assert.Equal(t, sender.Failed, res.Outcome)

	events := h.parent.all()
	require.Len(t, events, 1)
	handoffErr, ok := events[0].(sender.HandoffError)
	require.True(t, ok)
	assert.Equal(t, sender.KindFoldError, handoffErr.Kind)
	assert.Contains(t, handoffErr.Reason.Error(), "fold engine failure")
}

func TestEncodingFailure(t *testing.T) {
	h := newHarness(t, peerConfig{ackLimit: -1}, 0)
	h.module.encodeErrAt = 5
	s := h.newSender(t, fastConfig(), nil)

	res, err := s.Run(context.Background(), sliceFolder{items: items(10)})
	require.Error(t, err)

	assert.Equal(t, sender.Failed, res.Outcome)
	assert.Equal(t, uint64(5), res.Objects)
	assert.Equal(t, 4, h.conn.writes())
}

func TestResolveFailure(t *testing.T) {
	h := newHarness(t, peerConfig{ackLimit: -1}, 0)
	s := h.newSender(t, fastConfig(), func(req *sender.Request) {
		req.TargetNode = "node-that-left"
	})

	res, err := s.Run(context.Background(), sliceFolder{items: items(10)})
	require.Error(t, err)
	assert.Equal(t, sender.Failed, res.Outcome)

	events := h.parent.all()
	require.Len(t, events, 1)
	handoffErr, ok := events[0].(sender.HandoffError)
	require.True(t, ok)
	assert.Equal(t, sender.KindError, handoffErr.Kind)
}
