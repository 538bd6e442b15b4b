// Package store persists benchmark results and mining session summaries in
// a bbolt database so they survive restarts.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// DefaultFileName is the name of the database file inside the data
// directory.
const DefaultFileName = "acbcminer.db"

var (
	benchmarksBucket = []byte("benchmarks")
	sessionsBucket   = []byte("sessions")

	// ErrClosed is returned when the store is used after Close.
	ErrClosed = errors.New("store is closed")
)

// BenchmarkRecord is the outcome of benchmarking one factory on one
// resource.
type BenchmarkRecord struct {
	Resource string        `json:"resource"`
	Factory  string        `json:"factory"`
	Hashes   uint64        `json:"hashes"`
	Duration time.Duration `json:"duration"`
	Selected bool          `json:"selected"`
	Time     time.Time     `json:"time"`
}

// HashesPerSecond returns the rate measured by the benchmark.
func (r *BenchmarkRecord) HashesPerSecond() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Hashes) / r.Duration.Seconds()
}

// SessionRecord summarizes one start/stop cycle of the miner host.
type SessionRecord struct {
	Started  time.Time `json:"started"`
	Stopped  time.Time `json:"stopped"`
	Hashes   uint64    `json:"hashes"`
	Accepted uint64    `json:"accepted"`
	Rejected uint64    `json:"rejected"`
	Workers  int       `json:"workers"`
}

// Store is a bbolt backed record store.  It is safe for concurrent use.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the database at path and makes sure all buckets
// exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{benchmarksBucket, sessionsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	log.Debugf("Opened store %s", path)
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// benchmarkKey returns the key of the latest benchmark of a factory on a
// resource.
func benchmarkKey(r *BenchmarkRecord) []byte {
	return []byte(r.Resource + "/" + r.Factory)
}

// sessionKey orders sessions by their start time.
func sessionKey(r *SessionRecord) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(r.Started.UnixNano()))
	return key[:]
}

func (s *Store) put(bucket, key []byte, v interface{}) error {
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put(key, val)
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}

// RecordBenchmark stores r, replacing the previous benchmark of the same
// factory on the same resource.
func (s *Store) RecordBenchmark(r *BenchmarkRecord) error {
	log.Tracef("Recording benchmark %s/%s: %d hashes", r.Resource,
		r.Factory, r.Hashes)
	return s.put(benchmarksBucket, benchmarkKey(r), r)
}

// RecordSession stores a session summary.
func (s *Store) RecordSession(r *SessionRecord) error {
	log.Debugf("Recording session started %v: %d hashes, %d accepted, "+
		"%d rejected", r.Started, r.Hashes, r.Accepted, r.Rejected)
	return s.put(sessionsBucket, sessionKey(r), r)
}

// Benchmarks returns all stored benchmarks ordered by resource and factory.
func (s *Store) Benchmarks() ([]BenchmarkRecord, error) {
	var records []BenchmarkRecord
	err := s.forEach(benchmarksBucket, func(v []byte) error {
		var r BenchmarkRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		records = append(records, r)
		return nil
	})
	return records, err
}

// Sessions returns the most recent sessions, oldest first.  A limit of zero
// returns all of them.
func (s *Store) Sessions(limit int) ([]SessionRecord, error) {
	var records []SessionRecord
	err := s.forEach(sessionsBucket, func(v []byte) error {
		var r SessionRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}
		records = append(records, r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}

func (s *Store) forEach(bucket []byte, fn func(v []byte) error) error {
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(_, v []byte) error {
			return fn(v)
		})
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}
