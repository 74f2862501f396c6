// Package store is a bbolt-backed partition store: one bucket per partition,
// folded item by item on the sending side and filled back in on the
// receiving side.
package store

import (
	"context"
	"encoding/binary"
	"math/big"

	"github.com/pkg/errors"
	"github.com/ringfold/ringfold/protocol/handoff"
	"go.etcd.io/bbolt"
)

// Store holds the partitions owned by this node.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates a partition store at the given path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening partition store")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Partition scopes the store to a single partition's bucket.
func (s *Store) Partition(id *big.Int) (*Partition, error) {
	bucket, err := handoff.EncodePartitionID(id)
	if err != nil {
		return nil, err
	}
	return &Partition{db: s.db, bucket: bucket, id: id}, nil
}

// Put stores a wire-encoded KV object into its partition. Implements the
// receiver's sink contract.
func (s *Store) Put(partition *big.Int, obj []byte) error {
	key, value, err := DecodeKV(obj)
	if err != nil {
		return err
	}
	p, err := s.Partition(partition)
	if err != nil {
		return err
	}
	return p.Put(key, value)
}

// Partition is a single partition's key space.
type Partition struct {
	db     *bbolt.DB
	bucket []byte
	id     *big.Int
}

func (p *Partition) Put(key, value []byte) error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(p.bucket)
		if err != nil {
			return errors.Wrap(err, "creating partition bucket")
		}
		return b.Put(key, value)
	})
}

// Count returns the number of items in the partition.
func (p *Partition) Count() (int, error) {
	var n int
	err := p.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(p.bucket)
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

// Fold iterates every item in the partition, invoking visit once per item.
// Implements the sender's fold-engine contract; iteration order is the
// bucket's key order and callers must not rely on it.
func (p *Partition) Fold(ctx context.Context, visit func(key, value []byte)) error {
	return p.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(p.bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			visit(append([]byte(nil), k...), append([]byte(nil), v...))
			return nil
		})
	})
}

// KV is the data module used by the standalone tooling. Items are encoded as
// a 4-byte big-endian key length, the key, then the value.
type KV struct{}

func (KV) Name() string { return "kv" }

func (KV) Encode(key, value []byte) ([]byte, error) {
	b := make([]byte, 4, 4+len(key)+len(value))
	binary.BigEndian.PutUint32(b, uint32(len(key)))
	b = append(b, key...)
	return append(b, value...), nil
}

// DecodeKV splits a wire-encoded KV object back into key and value.
func DecodeKV(b []byte) (key, value []byte, err error) {
	if len(b) < 4 {
		return nil, nil, errors.New("kv object shorter than its header")
	}
	n := binary.BigEndian.Uint32(b[:4])
	if uint64(len(b)) < 4+uint64(n) {
		return nil, nil, errors.Errorf("kv object truncated: key length %d, %d bytes remain", n, len(b)-4)
	}
	return b[4 : 4+n], b[4+n:], nil
}
