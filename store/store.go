package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	// ErrRecordNotFound is returned when a record is not found in the journal.
	ErrRecordNotFound = errors.New("record not found")
)

var (
	transfersBucket = []byte("transfers")
)

// AnyJob matches records of every job in a Filter.
const AnyJob = -1

// RecordState is the outcome of a single file transfer.
type RecordState string

const (
	StateCompleted RecordState = "Completed"
	StateFailed    RecordState = "Failed"
	StateCancelled RecordState = "Cancelled"
)

// TransferRecord is one entry of the transfer history journal.
type TransferRecord struct {
	ID        string      `json:"id"`
	Run       string      `json:"run"`
	JobID     int         `json:"job_id"`
	Direction string      `json:"direction"`
	Bucket    string      `json:"bucket"`
	Object    string      `json:"object"`
	LocalPath string      `json:"local_path"`
	State     RecordState `json:"state"`
	Bytes     int64       `json:"bytes"`
	Error     string      `json:"error,omitempty"`
	Time      time.Time   `json:"time"`
}

// Filter selects records from the journal. Job ids are only unique within a
// run, so JobID is normally combined with Run.
type Filter struct {
	Run   string
	JobID int
	Limit int
}

func (f Filter) match(r *TransferRecord) bool {
	if f.Run != "" && r.Run != f.Run {
		return false
	}
	return f.JobID == AnyJob || r.JobID == f.JobID
}

// Store defines the interface for the transfer history journal.
type Store interface {
	SaveRecord(rec *TransferRecord) error
	GetRecord(id string) (*TransferRecord, error)
	List(f Filter) ([]*TransferRecord, error)
	LastRun() (string, error)
	Close() error
}

// prepare assigns a time-ordered id and a timestamp to new records.
func prepare(rec *TransferRecord) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate record id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	return nil
}

// limit keeps the newest n records of a list ordered oldest first.
func limit(recs []*TransferRecord, n int) []*TransferRecord {
	if n > 0 && len(recs) > n {
		return recs[len(recs)-n:]
	}
	return recs
}

// BoltStore is a Store implementation backed by bbolt.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates a new BoltStore at the given path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(transfersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create transfers bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// SaveRecord appends a record to the journal, or replaces it if its id is
// already present.
func (s *BoltStore) SaveRecord(rec *TransferRecord) error {
	if err := prepare(rec); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(transfersBucket)

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}

		if err := b.Put([]byte(rec.ID), data); err != nil {
			return fmt.Errorf("failed to put record: %w", err)
		}

		return nil
	})
}

// GetRecord retrieves a record from the journal.
func (s *BoltStore) GetRecord(id string) (*TransferRecord, error) {
	var rec TransferRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(transfersBucket).Get([]byte(id))
		if data == nil {
			return ErrRecordNotFound
		}

		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal record: %w", err)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// List returns the records matching f, oldest first. Record ids are UUIDv7,
// so key order is insertion order.
func (s *BoltStore) List(f Filter) ([]*TransferRecord, error) {
	var out []*TransferRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(transfersBucket).ForEach(func(k, v []byte) error {
			var rec TransferRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal record %s: %w", k, err)
			}
			if f.match(&rec) {
				out = append(out, &rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return limit(out, f.Limit), nil
}

// LastRun returns the run id of the newest record.
func (s *BoltStore) LastRun() (string, error) {
	var run string
	err := s.db.View(func(tx *bbolt.Tx) error {
		_, v := tx.Bucket(transfersBucket).Cursor().Last()
		if v == nil {
			return ErrRecordNotFound
		}
		var rec TransferRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal record: %w", err)
		}
		run = rec.Run
		return nil
	})
	return run, err
}

// Close closes the underlying store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// MemStore is an in-memory Store. Records are lost when the process exits,
// so it suits tests and short-lived embedders.
type MemStore struct {
	mu      sync.Mutex
	records map[string]*TransferRecord
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]*TransferRecord)}
}

func (s *MemStore) SaveRecord(rec *TransferRecord) error {
	if err := prepare(rec); err != nil {
		return err
	}
	cp := *rec
	s.mu.Lock()
	s.records[rec.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemStore) GetRecord(id string) (*TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemStore) List(f Filter) ([]*TransferRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*TransferRecord
	for _, rec := range s.records {
		if f.match(rec) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return limit(out, f.Limit), nil
}

func (s *MemStore) LastRun() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *TransferRecord
	for _, rec := range s.records {
		if last == nil || rec.ID > last.ID {
			last = rec
		}
	}
	if last == nil {
		return "", ErrRecordNotFound
	}
	return last.Run, nil
}

func (s *MemStore) Close() error { return nil }
