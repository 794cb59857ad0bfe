// Package history keeps a record of finished runs in a bbolt file.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"streamq/internal/stats"
)

const (
	BucketRuns = "runs"

	// MaxItems is how many runs are kept; older ones are pruned on Save.
	MaxItems = 100
)

var ErrNotFound = errors.New("run not found")

// Item is one finished run. ID is the job instance id, which sorts by
// start time.
type Item struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      string          `json:"kind"`
	Name      string          `json:"name"`
	Host      string          `json:"host"`
	Duration  time.Duration   `json:"duration"`
	Summary   RunSummary      `json:"summary"`
	Entries   []stats.Summary `json:"entries"`
}

type RunSummary struct {
	TotalRequests uint64 `json:"total_requests"`
	Fail          uint64 `json:"fail"`
	MaxUsers      int    `json:"max_users"`
}

type Store struct {
	db *bbolt.DB
}

// DefaultPath is ~/.streamq/history.db.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".streamq", "history.db"), nil
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}

	// Initialize Buckets
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(BucketRuns))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores item and prunes the oldest runs beyond MaxItems.
func (s *Store) Save(item Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketRuns))
		if err := b.Put([]byte(item.ID), data); err != nil {
			return err
		}
		n := 0
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			n++
		}
		for k, _ := c.First(); k != nil && n > MaxItems; k, _ = c.First() {
			if err := b.Delete(k); err != nil {
				return err
			}
			n--
		}
		return nil
	})
}

// List returns the stored runs, newest first.
func (s *Store) List() ([]Item, error) {
	var items []Item
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(BucketRuns)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var item Item
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decode run %s: %w", k, err)
			}
			items = append(items, item)
		}
		return nil
	})
	return items, err
}

func (s *Store) Get(id string) (*Item, error) {
	var item Item
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(BucketRuns)).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(v, &item)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}
