package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/burrowhq/burrow/pkg/audit"
	"github.com/burrowhq/burrow/pkg/types"
)

var (
	// Bucket names
	bucketAudit       = []byte("audit")
	bucketDeadLetters = []byte("dead_letters")
	bucketTopology    = []byte("topology")
)

// BoltArchive implements Archive using BoltDB
type BoltArchive struct {
	db *bolt.DB
}

// NewBoltArchive creates a new BoltDB-backed archive
func NewBoltArchive(dataDir string) (*BoltArchive, error) {
	dbPath := filepath.Join(dataDir, "burrow.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketAudit,
			bucketDeadLetters,
			bucketTopology,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltArchive{db: db}, nil
}

// Close closes the database
func (s *BoltArchive) Close() error {
	return s.db.Close()
}

// AppendAudit persists one audit entry keyed by its ID
func (s *BoltArchive) AppendAudit(e *audit.Entry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal audit entry: %w", err)
		}
		// timestamp-prefixed key keeps iteration in record order
		key := fmt.Sprintf("%d/%s", e.Timestamp.UnixNano(), e.ID)
		return b.Put([]byte(key), data)
	})
}

// SaveDeadLetter persists a dead-lettered envelope
func (s *BoltArchive) SaveDeadLetter(env *types.Envelope) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters)
		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to marshal envelope: %w", err)
		}
		// timestamp-prefixed key keeps iteration in record order
		key := fmt.Sprintf("%d/%s", env.CompletedAt.UnixNano(), env.ID)
		return b.Put([]byte(key), data)
	})
}

// SaveTopology persists one topology version, keyed so the newest
// version sorts last
func (s *BoltArchive) SaveTopology(version uint64, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTopology)
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, version)
		return b.Put(key, data)
	})
}

// LatestTopology returns the newest archived topology version, or
// (0, nil, nil) when none has been saved
func (s *BoltArchive) LatestTopology() (uint64, []byte, error) {
	var version uint64
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		k, v := tx.Bucket(bucketTopology).Cursor().Last()
		if k == nil {
			return nil
		}
		version = binary.BigEndian.Uint64(k)
		data = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return version, data, nil
}

// DeadLetters returns up to limit archived dead-lettered envelopes,
// newest first
func (s *BoltArchive) DeadLetters(limit int) ([]*types.Envelope, error) {
	var envelopes []*types.Envelope
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDeadLetters).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(envelopes) >= limit {
				break
			}
			var env types.Envelope
			if err := json.Unmarshal(v, &env); err != nil {
				return fmt.Errorf("failed to unmarshal envelope %s: %w", k, err)
			}
			envelopes = append(envelopes, &env)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return envelopes, nil
}
