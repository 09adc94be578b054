// Package kvstore provides the durable key-value store used to persist
// derived state (endpoint health records, the cached fee estimate) across
// restarts.
//
// Values are JSON-encoded, zstd-compressed and prefixed with a BLAKE3
// checksum so a torn or corrupted snapshot is detected on read instead of
// being silently restored. Entries carry a TTL so stale snapshots are not
// resurrected after a long outage.
package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

var (
	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("kvstore closed")

	// ErrChecksumMismatch is returned when a stored value fails its
	// integrity check.
	ErrChecksumMismatch = errors.New("kvstore value checksum mismatch")
)

// checksumSize is the length of the BLAKE3 digest prefixed to each value.
const checksumSize = 32

// Config holds store configuration.
type Config struct {
	// Path is the directory for the Badger database. Ignored when
	// InMemory is set.
	Path string

	// InMemory runs the database fully in memory (used by tests).
	InMemory bool

	// SyncWrites forces an fsync after each write.
	SyncWrites bool
}

// DefaultConfig returns the default store configuration.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		InMemory:   false,
		SyncWrites: false,
	}
}

// Store is a Badger-backed durable key-value store with per-entry TTL.
type Store struct {
	db     *badger.DB
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	closed atomic.Bool
}

// Open creates or opens a store with the given configuration.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}

	return &Store{db: db, enc: enc, dec: dec}, nil
}

// Set stores a JSON-serializable value under key. A zero ttl stores the
// entry without expiry.
func (s *Store) Set(key string, value interface{}, ttl time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}

	compressed := s.enc.EncodeAll(raw, nil)
	sum := blake3.Sum256(compressed)

	data := make([]byte, 0, checksumSize+len(compressed))
	data = append(data, sum[:]...)
	data = append(data, compressed...)

	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// Get loads the value stored under key into out. It returns false when
// the key does not exist or its TTL has expired.
func (s *Store) Get(key string, out interface{}) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %q: %w", key, err)
	}

	if len(data) < checksumSize {
		return false, ErrChecksumMismatch
	}
	sum := blake3.Sum256(data[checksumSize:])
	for i := 0; i < checksumSize; i++ {
		if sum[i] != data[i] {
			return false, ErrChecksumMismatch
		}
	}

	raw, err := s.dec.DecodeAll(data[checksumSize:], nil)
	if err != nil {
		return false, fmt.Errorf("decompress %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("unmarshal %q: %w", key, err)
	}
	return true, nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}
