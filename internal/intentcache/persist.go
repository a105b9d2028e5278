package intentcache

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"mediator/internal/domain"
)

var bucketIntents = []byte("intents")

// Store is a non-authoritative bbolt-backed warm-restart side-car for the
// Cache: the ledger remains the source of truth for which intents are
// pending, so a missing cache.bbolt file, or contents that fail to decode,
// simply degrade to an empty cache that reconciles itself on the next ingest
// tick. A file bbolt cannot open at all makes OpenStore return an error.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if absent) the bbolt database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("intentcache: open store: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIntents)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("intentcache: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save overwrites the side-car with the full current set of cached intents.
// Each snapshot replaces the bucket wholesale rather than diffing, since the
// cache itself is already bounded and this runs at ingest-tick frequency,
// not per-request.
func (s *Store) Save(intents []*domain.Intent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketIntents); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		bucket, err := tx.CreateBucket(bucketIntents)
		if err != nil {
			return err
		}
		for _, intent := range intents {
			payload, err := json.Marshal(intent)
			if err != nil {
				return fmt.Errorf("marshal intent %s: %w", intent.Fingerprint, err)
			}
			if err := bucket.Put([]byte(intent.Fingerprint), payload); err != nil {
				return err
			}
		}
		return nil
	})
}

// Load returns every intent persisted in the side-car, for cmd/mediatord to
// seed the in-memory Cache with at startup, before the first ingest tick
// reconciles against the chain.
func (s *Store) Load() ([]*domain.Intent, error) {
	var out []*domain.Intent
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketIntents)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, value []byte) error {
			var intent domain.Intent
			if err := json.Unmarshal(value, &intent); err != nil {
				return fmt.Errorf("unmarshal intent: %w", err)
			}
			out = append(out, &intent)
			return nil
		})
	})
	return out, err
}
