// Package store persists the façade's only durable state (spec.md §6
// "Persisted state"): the stable endpoint id used across advertising
// sessions when use_stable_endpoint_id is set, and the set of unknown
// file paths queued for external cleanup, so a crash between
// "file received unexpectedly" and "cleanup collaborator runs" can't
// leak the file forever. Backed by go.etcd.io/bbolt, the same
// embedded-KV choice the teacher's authority packages make for
// small, infrequently-written durable state.
package store

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	bolt "go.etcd.io/bbolt"

	"github.com/nearbymesh/nearbycore/core/xlog"
	"github.com/nearbymesh/nearbycore/core/xrand"
)

var log = xlog.New("store")

var (
	bucketIdentity = []byte("identity")
	bucketUnknown  = []byte("unknown_paths")

	keyEndpointID    = []byte("endpoint_id")
	keyIdentitySeed  = []byte("identity_seed")
)

// Store wraps a single bbolt database file.
type Store struct {
	db *bolt.DB

	mu         sync.Mutex
	endpointID string

	seedMu  sync.Mutex
	seedBuf *memguard.LockedBuffer
}

// Open creates/opens the bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketIdentity); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketUnknown)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file and wipes the in-memory
// identity seed cache, if one was ever populated.
func (s *Store) Close() error {
	s.seedMu.Lock()
	if s.seedBuf != nil {
		s.seedBuf.Destroy()
		s.seedBuf = nil
	}
	s.seedMu.Unlock()
	return s.db.Close()
}

// StableEndpointID returns the persisted endpoint id, generating and
// storing a fresh one on first use.
func (s *Store) StableEndpointID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endpointID != "" {
		return s.endpointID, nil
	}

	var id string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentity)
		if v := b.Get(keyEndpointID); v != nil {
			id = string(v)
			return nil
		}
		fresh, err := xrand.HexBytes(4)
		if err != nil {
			return err
		}
		id = fresh
		return b.Put(keyEndpointID, []byte(fresh))
	})
	if err != nil {
		return "", fmt.Errorf("store: stable endpoint id: %w", err)
	}
	s.endpointID = id
	return id, nil
}

// IdentitySeed returns the persisted 32-byte handshake identity seed,
// generating and storing one on first use (spec §4.5's
// use_stable_endpoint_id-gated static identity). The seed is cached for
// the life of the Store in a memguard-locked buffer rather than a plain
// Go byte slice, so it can't be paged out or lifted from a heap dump
// once loaded, the same care the teacher's own static keys get.
func (s *Store) IdentitySeed() ([32]byte, error) {
	var seed [32]byte

	s.seedMu.Lock()
	defer s.seedMu.Unlock()
	if s.seedBuf != nil {
		copy(seed[:], s.seedBuf.Bytes())
		return seed, nil
	}

	var raw []byte
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentity)
		if v := b.Get(keyIdentitySeed); v != nil && len(v) == 64 {
			decoded, err := hex.DecodeString(string(v))
			if err != nil {
				return err
			}
			raw = decoded
			return nil
		}
		fresh, err := xrand.Bytes(32)
		if err != nil {
			return err
		}
		raw = fresh
		return b.Put(keyIdentitySeed, []byte(hex.EncodeToString(fresh)))
	})
	if err != nil {
		return seed, err
	}

	s.seedBuf = memguard.NewBufferFromBytes(raw)
	copy(seed[:], s.seedBuf.Bytes())
	return seed, nil
}

// AddUnknownPath records path as queued for external cleanup
// (spec §6's "unknown paths to delete" set), durably across restarts.
func (s *Store) AddUnknownPath(path string) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUnknown).Put([]byte(path), []byte{1})
	})
	if err != nil {
		log.Error("add unknown path", "path", path, "err", err)
	}
}

// GetAndClearUnknownFilePathsToDelete drains and returns the set,
// matching the method name the spec's external cleanup collaborator
// calls.
func (s *Store) GetAndClearUnknownFilePathsToDelete() []string {
	var paths []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnknown)
		return b.ForEach(func(k, _ []byte) error {
			paths = append(paths, string(k))
			return nil
		})
	})
	if err != nil {
		log.Error("enumerate unknown paths", "err", err)
		return nil
	}
	if len(paths) == 0 {
		return nil
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketUnknown)
		for _, p := range paths {
			if err := b.Delete([]byte(p)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Error("clear unknown paths", "err", err)
	}
	return paths
}
