// Package catalog keeps an index of capture sessions and the track logs they
// produced in a bbolt database.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const sessionsBucket = "sessions"

// ErrNotFound is returned for an unknown session ID.
var ErrNotFound = errors.New("session not found")

// Record describes one capture session.
type Record struct {
	ID         string    `json:"id"`
	File       string    `json:"file"`
	Source     string    `json:"source"`
	StartedAt  time.Time `json:"startedAt"`
	StoppedAt  time.Time `json:"stoppedAt,omitempty"`
	Points     uint64    `json:"points"`
	Dropped    uint64    `json:"dropped"`
	Failed     uint64    `json:"failed"`
	DistanceKm float64   `json:"distanceKm"`
	Lost       bool      `json:"lost,omitempty"`
}

// Active reports whether the session has not been finished yet.
func (r Record) Active() bool { return r.StoppedAt.IsZero() }

// Store is a bbolt-backed session catalog. It is safe for concurrent use.
type Store struct {
	db  *bolt.DB
	log logrus.FieldLogger
}

// Open opens or creates the catalog at path.
func Open(path string, logger logrus.FieldLogger) (*Store, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(sessionsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize catalog buckets: %w", err)
	}

	s := &Store{db: db, log: logger.WithField("component", "catalog")}
	s.log.WithField("path", path).Info("session catalog opened")
	return s, nil
}

// NewRecord returns an active record with a fresh ID. It is not stored
// until passed to Begin.
func NewRecord(file, source string, started time.Time) Record {
	return Record{
		ID:        uuid.NewString(),
		File:      file,
		Source:    source,
		StartedAt: started.UTC(),
	}
}

// Begin stores a new record.
func (s *Store) Begin(rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("catalog: record has no id")
	}
	return s.put(rec)
}

// Finish updates a record with its final counters.
func (s *Store) Finish(id string, update func(*Record)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(sessionsBucket))
		raw := b.Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("catalog: %s: %w", id, ErrNotFound)
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("catalog: decode %s: %w", id, err)
		}
		update(&rec)
		rec.ID = id
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

// Get returns one record.
func (s *Store) Get(id string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(sessionsBucket)).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("catalog: %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(raw, &rec)
	})
	return rec, err
}

// List returns every record, most recent first.
func (s *Store) List() ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				s.log.WithError(err).WithField("id", string(k)).Warn("skipping corrupt catalog record")
				return nil
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) put(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(sessionsBucket)).Put([]byte(rec.ID), data)
	})
}
