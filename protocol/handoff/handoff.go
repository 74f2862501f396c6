// handoff.go specifies the messaging needed for the partition-handoff wire protocol.
//
// The tag bytes and the OLDSYNC piggybacking are historical wire-format
// constants kept for interoperability with older listeners: the first OLDSYNC
// frame carries the data-module name instead of the "sync" literal.
package handoff

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/pkg/errors"
)

// MsgType is the 1-byte tag that leads every frame on the wire.
type MsgType byte

const (
	MsgInit    MsgType = 0   // Sender declares the target partition id
	MsgObj     MsgType = 1   // Sender streams one module-encoded item
	MsgOldSync MsgType = 2   // Handshake and mid-stream keep-alive exchange
	MsgSync    MsgType = 3   // Final-sync exchange at end of stream
	MsgUnknown MsgType = 255 // Never valid on the wire
)

// SyncBody is the literal acknowledgment body for OLDSYNC and SYNC replies.
const SyncBody = "sync"

// PartitionIDLen is the fixed width of a wire-encoded partition id:
// a 160-bit unsigned integer, big-endian.
const PartitionIDLen = 20

// Msg is a single frame in the handoff protocol, sans length prefix.
type Msg struct {
	Type    MsgType
	Payload []byte
}

// Encode serializes the message as it appears inside a frame.
func (m Msg) Encode() []byte {
	b := make([]byte, 1+len(m.Payload))
	b[0] = byte(m.Type)
	copy(b[1:], m.Payload)
	return b
}

// Decode parses the inside of a frame into a message.
func Decode(b []byte) (Msg, error) {
	if len(b) < 1 {
		return Msg{}, errors.New("empty handoff frame")
	}
	return Msg{Type: MsgType(b[0]), Payload: b[1:]}, nil
}

// IsSyncAck reports whether the message carries the literal "sync" body.
func (m Msg) IsSyncAck() bool {
	return string(m.Payload) == SyncBody
}

// EncodePartitionID encodes a partition id as a fixed-width 160-bit
// big-endian integer.
func EncodePartitionID(id *big.Int) ([]byte, error) {
	if id == nil || id.Sign() < 0 {
		return nil, errors.New("partition id must be a non-negative integer")
	}
	if id.BitLen() > PartitionIDLen*8 {
		return nil, errors.Errorf("partition id exceeds %d bits", PartitionIDLen*8)
	}
	b := make([]byte, PartitionIDLen)
	id.FillBytes(b)
	return b, nil
}

// DecodePartitionID decodes a fixed-width 160-bit big-endian partition id.
func DecodePartitionID(b []byte) (*big.Int, error) {
	if len(b) != PartitionIDLen {
		return nil, errors.Errorf("partition id must be %d bytes, got %d", PartitionIDLen, len(b))
	}
	return new(big.Int).SetBytes(b), nil
}

// Error is returned when an unexpected message type arrives.
type Error struct {
	Expected []MsgType
	Got      MsgType
}

func (e Error) Error() string {
	var expected []string
	for _, t := range e.Expected {
		expected = append(expected, t.Name())
	}
	return fmt.Sprintf("wrong message type, expected one of: (%s), got: (%s)", strings.Join(expected, ", "), e.Got.Name())
}

func (t MsgType) Name() string {
	switch t {
	case MsgInit:
		return "Init"
	case MsgObj:
		return "Obj"
	case MsgOldSync:
		return "OldSync"
	case MsgSync:
		return "Sync"
	default:
		return "Unknown"
	}
}
