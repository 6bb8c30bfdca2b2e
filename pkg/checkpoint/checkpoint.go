package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lab/treebatch/pkg/bitext"
	"go.etcd.io/bbolt"
)

var progressBucket = []byte("Progress")

var ErrNotFound = errors.New("no progress recorded")

// Progress stores cumulative iteration counters for one corpus
type Progress struct {
	Corpus    string    `json:"corpus"`
	Epochs    int64     `json:"epochs"`
	Batches   int64     `json:"batches"`
	Records   int64     `json:"records"`
	Dropped   int64     `json:"dropped"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Add folds iterator counters into p
func (p Progress) Add(s bitext.Stats) Progress {
	p.Epochs += s.Epochs
	p.Batches += s.Batches
	p.Records += s.Records
	p.Dropped += s.Dropped
	return p
}

// Store persists Progress records in a bbolt database
type Store struct {
	db *bbolt.DB
}

// Open creates or opens the checkpoint database at path
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(progressBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the progress recorded for corpus, or ErrNotFound
func (s *Store) Load(corpus string) (Progress, error) {
	var p Progress
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(progressBucket).Get([]byte(corpus))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, corpus)
		}
		return json.Unmarshal(data, &p)
	})
	return p, err
}

// LoadOrNew is Load with a zero Progress for unknown corpora
func (s *Store) LoadOrNew(corpus string) (Progress, error) {
	p, err := s.Load(corpus)
	if errors.Is(err, ErrNotFound) {
		return Progress{Corpus: corpus}, nil
	}
	return p, err
}

// Save writes p under its corpus key
func (s *Store) Save(p Progress) error {
	if p.Corpus == "" {
		return errors.New("progress has no corpus key")
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal progress: %w", err)
		}
		return tx.Bucket(progressBucket).Put([]byte(p.Corpus), data)
	})
}

// List returns every recorded Progress ordered by corpus key
func (s *Store) List() ([]Progress, error) {
	var all []Progress
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(progressBucket).ForEach(func(k, v []byte) error {
			var p Progress
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			all = append(all, p)
			return nil
		})
	})
	return all, err
}

// Remove deletes the progress for corpus
func (s *Store) Remove(corpus string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(progressBucket).Delete([]byte(corpus))
	})
}
