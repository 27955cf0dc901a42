// Package history persists build records and small pieces of application
// state in a bbolt database.
package history

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// Bucket names
var (
	bucketBuilds = []byte("builds")
	bucketState  = []byte("state")
)

// State keys for selections that persist across invocations.
const (
	StateCurrentConfig = "current-config"
	StateCurrentDevice = "current-device"
)

// Store is a bbolt-backed build history.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBuilds, bucketState} {
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

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.db.Path()
}

// recordKey orders records by start time, then id.
func recordKey(r *BuildRecord) []byte {
	key := make([]byte, 8, 8+len(r.ID))
	binary.BigEndian.PutUint64(key, uint64(r.StartedAt.UnixNano()))
	return append(key, r.ID...)
}

func keyID(key []byte) string {
	if len(key) < 8 {
		return ""
	}
	return string(key[8:])
}

// Put stores r, assigning an id and start time when they are empty.
func (s *Store) Put(ctx context.Context, r *BuildRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode build record: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBuilds).Put(recordKey(r), data); err != nil {
			return fmt.Errorf("failed to store build record: %w", err)
		}
		return nil
	})
}

// Get returns the record with id.
func (s *Store) Get(ctx context.Context, id string) (*BuildRecord, error) {
	var rec *BuildRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBuilds).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if keyID(k) != id {
				continue
			}
			rec = &BuildRecord{}
			return json.Unmarshal(v, rec)
		}
		return &NotFoundError{Resource: "build", Name: id}
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListOptions filters List.
type ListOptions struct {
	// Limit caps the number of records; zero means no limit.
	Limit int

	// ConfigID keeps only records of one configuration.
	ConfigID string
}

// List returns records newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*BuildRecord, error) {
	var out []*BuildRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBuilds).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec BuildRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode build record %s: %w", keyID(k), err)
			}
			if opts.ConfigID != "" && rec.ConfigID != opts.ConfigID {
				continue
			}
			out = append(out, &rec)
			if opts.Limit > 0 && len(out) >= opts.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Prune keeps the newest keep records of project and deletes its older
// ones. Records of other projects are left alone. It returns how many were
// deleted.
func (s *Store) Prune(ctx context.Context, project string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuilds)

		var (
			stale [][]byte
			seen  int
		)
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec BuildRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode build record %s: %w", keyID(k), err)
			}
			if rec.Project != project {
				continue
			}
			seen++
			if seen > keep {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("failed to delete build record %s: %w", keyID(k), err)
			}
		}
		deleted = len(stale)
		return nil
	})
	return deleted, err
}

// SetState stores an application state value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketState)
		if value == "" {
			return b.Delete([]byte(key))
		}
		return b.Put([]byte(key), []byte(value))
	})
}

// State returns an application state value.
func (s *Store) State(ctx context.Context, key string) (string, error) {
	var value string

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketState).Get([]byte(key))
		if data == nil {
			return &NotFoundError{Resource: "state", Name: key}
		}
		value = string(data)
		return nil
	})
	return value, err
}
