// Package journal persists one record per handoff attempt so operators can
// audit what moved, where, and how each attempt ended.
package journal

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

// ErrRecordNotFound is returned when a transfer record is not in the journal.
var ErrRecordNotFound = errors.New("transfer record not found")

var transfersBucket = []byte("transfers")

// Record is the journaled state of one transfer attempt.
type Record struct {
	ID              string        `json:"id"`
	Module          string        `json:"module"`
	TargetNode      string        `json:"target_node"`
	SourcePartition string        `json:"source_partition"`
	TargetPartition string        `json:"target_partition"`
	Type            string        `json:"type"`
	Outcome         string        `json:"outcome"`
	Objects         uint64        `json:"objects"`
	Bytes           uint64        `json:"bytes"`
	Duration        time.Duration `json:"duration"`
	Error           string        `json:"error,omitempty"`
	StartedAt       time.Time     `json:"started_at"`
}

// Journal is a bbolt-backed transfer journal.
type Journal struct {
	db *bbolt.DB
}

// Open opens or creates a journal at the given path.
func Open(path string) (*Journal, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "opening journal database")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(transfersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating transfers bucket")
	}
	return &Journal{db: db}, nil
}

// Save writes a record, overwriting any previous state for the same attempt.
func (j *Journal) Save(record *Record) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		b, err := json.Marshal(record)
		if err != nil {
			return errors.Wrap(err, "marshaling transfer record")
		}
		return tx.Bucket(transfersBucket).Put([]byte(record.ID), b)
	})
}

// Get retrieves a record by attempt id.
func (j *Journal) Get(id string) (*Record, error) {
	var record Record
	err := j.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(transfersBucket).Get([]byte(id))
		if b == nil {
			return ErrRecordNotFound
		}
		return errors.Wrap(json.Unmarshal(b, &record), "unmarshaling transfer record")
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// List returns every journaled record.
func (j *Journal) List() ([]Record, error) {
	var records []Record
	err := j.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(transfersBucket).ForEach(func(_, v []byte) error {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return errors.Wrap(err, "unmarshaling transfer record")
			}
			records = append(records, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
