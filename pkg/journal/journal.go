// Package journal provides a durable append-only log of operational
// events: endpoint health transitions, fee recomputations and submission
// outcomes. The dashboard reads it; nothing in the control path does.
package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// ErrClosed is returned when operating on a closed journal.
	ErrClosed = errors.New("journal closed")
)

// Event kinds.
const (
	KindEndpointHealth = "endpoint_health"
	KindFeeEstimate    = "fee_estimate"
	KindSubmission     = "submission"
)

// bucketEvents stores events keyed by sequence number.
var bucketEvents = []byte("events")

// DefaultMaxEvents bounds journal growth; the oldest events are dropped
// once the bucket exceeds it.
const DefaultMaxEvents = 10_000

// Event is one recorded operational event.
type Event struct {
	Seq    uint64    `json:"seq"`
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
}

// Config holds journal configuration.
type Config struct {
	// Path is the bolt database file.
	Path string

	// MaxEvents bounds retention. Zero means DefaultMaxEvents.
	MaxEvents int

	// NoSync disables fsync after each write.
	NoSync bool
}

// Journal is a bbolt-backed event log.
type Journal struct {
	db     *bolt.DB
	max    int
	closed atomic.Bool
}

// Open creates or opens a journal at the configured path.
func Open(cfg Config) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{
		Timeout: 5 * time.Second,
		NoSync:  cfg.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEvents)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init bucket: %w", err)
	}

	max := cfg.MaxEvents
	if max <= 0 {
		max = DefaultMaxEvents
	}
	return &Journal{db: db, max: max}, nil
}

// Append records one event, trimming the oldest entries past the
// retention bound.
func (j *Journal) Append(kind, detail string) error {
	if j.closed.Load() {
		return ErrClosed
	}

	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		ev := Event{Seq: seq, At: time.Now().UTC(), Kind: kind, Detail: detail}
		raw, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), raw); err != nil {
			return err
		}

		// Trim from the front once retention is exceeded. KeyN counts
		// committed keys only, so the excess is computed once.
		if excess := b.Stats().KeyN + 1 - j.max; excess > 0 {
			c := b.Cursor()
			for k, _ := c.First(); k != nil && excess > 0; k, _ = c.Next() {
				if err := c.Delete(); err != nil {
					return err
				}
				excess--
			}
		}
		return nil
	})
}

// Recent returns up to limit events, newest first.
func (j *Journal) Recent(limit int) ([]Event, error) {
	if j.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}

	var events []Event
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Last(); k != nil && len(events) < limit; k, v = c.Prev() {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// Len returns the number of retained events.
func (j *Journal) Len() (int, error) {
	if j.closed.Load() {
		return 0, ErrClosed
	}
	var n int
	err := j.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketEvents).Stats().KeyN
		return nil
	})
	return n, err
}

// Close releases the underlying database.
func (j *Journal) Close() error {
	if j.closed.Swap(true) {
		return nil
	}
	return j.db.Close()
}

// seqKey encodes a sequence number as a sortable 8-byte key.
func seqKey(seq uint64) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, seq)
	return buf.Bytes()
}
