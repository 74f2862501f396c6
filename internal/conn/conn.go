package conn

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/ringfold/ringfold/protocol/handoff"
)

// MaxFrameLen bounds a single frame. A handoff item larger than this is a
// protocol violation, not a legitimate payload.
const MaxFrameLen = 64 << 20

// Conn is an interface that wraps a network connection at the level of frames.
type Conn interface {
	Write(ctx context.Context, b []byte) error
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// ------------------ Conn implementations ------------------

// TCP frames messages over a stream connection using a 4-byte big-endian
// length prefix. The prefix counts the tag byte and the payload.
type TCP struct {
	Conn net.Conn
}

func (t *TCP) Write(ctx context.Context, b []byte) error {
	if len(b) > MaxFrameLen {
		return errors.Errorf("frame of %d bytes exceeds maximum of %d", len(b), MaxFrameLen)
	}
	if err := t.setDeadline(ctx, t.Conn.SetWriteDeadline); err != nil {
		return err
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(b)))
	if _, err := t.Conn.Write(prefix[:]); err != nil {
		return err
	}
	_, err := t.Conn.Write(b)
	return err
}

func (t *TCP) Read(ctx context.Context) ([]byte, error) {
	if err := t.setDeadline(ctx, t.Conn.SetReadDeadline); err != nil {
		return nil, err
	}
	var prefix [4]byte
	if _, err := io.ReadFull(t.Conn, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameLen {
		return nil, errors.Errorf("frame of %d bytes exceeds maximum of %d", n, MaxFrameLen)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(t.Conn, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (t *TCP) Close() error {
	return t.Conn.Close()
}

func (t *TCP) setDeadline(ctx context.Context, set func(time.Time) error) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	return set(deadline)
}

// Options configures dialing a handoff listener.
type Options struct {
	ConnectTimeout time.Duration
	// TLS enables a TLS client handshake when non-nil.
	TLS *tls.Config
}

// Dial opens a framed connection to the given listener address.
func Dial(ctx context.Context, addr string, opts Options) (*TCP, error) {
	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to handoff listener %s", addr)
	}
	if opts.TLS != nil {
		tlsConn := tls.Client(nc, opts.TLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			nc.Close()
			return nil, errors.Wrapf(err, "tls handshake with handoff listener %s", addr)
		}
		nc = tlsConn
	}
	return &TCP{Conn: nc}, nil
}

// ------------------ Handoff Conn ------------------------

// Handoff specifies a connection speaking the handoff wire protocol.
type Handoff struct {
	Conn Conn
}

// WriteMsg writes a handoff message to the underlying connection.
func (h Handoff) WriteMsg(ctx context.Context, msg handoff.Msg) error {
	return h.Conn.Write(ctx, msg.Encode())
}

// ReadMsg reads a handoff message from the underlying connection.
func (h Handoff) ReadMsg(ctx context.Context, expected ...handoff.MsgType) (handoff.Msg, error) {
	b, err := h.Conn.Read(ctx)
	if err != nil {
		return handoff.Msg{}, err
	}
	msg, err := handoff.Decode(b)
	if err != nil {
		return handoff.Msg{}, err
	}
	if len(expected) != 0 && expected[0] != msg.Type {
		return handoff.Msg{}, handoff.Error{Expected: expected, Got: msg.Type}
	}
	return msg, nil
}

func (h Handoff) Close() error {
	return h.Conn.Close()
}

// IsTimeout reports whether err stems from a receive deadline expiring rather
// than the peer failing.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsClosed reports whether err indicates the peer closed the connection.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
