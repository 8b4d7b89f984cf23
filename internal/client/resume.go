package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/molpadia/molpadrive/internal/domain/entity"
)

const resumePrefix = "resume:"

// ErrNoRecord is returned by ResumeStore.Load for unknown fingerprints.
var ErrNoRecord = errors.New("no resume record")

// ResumeRecord is what the client keeps to resume an interrupted upload.
type ResumeRecord struct {
	Fingerprint    string         `json:"fingerprint"`
	FileName       string         `json:"fileName"`
	FileSize       int64          `json:"fileSize"`
	UploadID       string         `json:"uploadId"`
	Key            string         `json:"key"`
	CompletedParts []*entity.Part `json:"completedParts"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

type ResumeStore interface {
	Load(fingerprint string) (*ResumeRecord, error)
	Save(rec *ResumeRecord) error
	Delete(fingerprint string) error
	List() ([]*ResumeRecord, error)
}

// MemoryResumeStore keeps records for the lifetime of the process.
type MemoryResumeStore struct {
	mu      sync.Mutex
	records map[string][]byte
}

func NewMemoryResumeStore() *MemoryResumeStore {
	return &MemoryResumeStore{records: make(map[string][]byte)}
}

func (s *MemoryResumeStore) Load(fingerprint string) (*ResumeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.records[fingerprint]
	if !ok {
		return nil, ErrNoRecord
	}
	return decodeRecord(data)
}

func (s *MemoryResumeStore) Save(rec *ResumeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Fingerprint] = data
	return nil
}

func (s *MemoryResumeStore) Delete(fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, fingerprint)
	return nil
}

func (s *MemoryResumeStore) List() ([]*ResumeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ResumeRecord, 0, len(s.records))
	for _, data := range s.records {
		rec, err := decodeRecord(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// BadgerResumeStore persists records in a badger database so uploads can be
// resumed after the process exits.
type BadgerResumeStore struct {
	db *badgerdb.DB
}

// OpenBadgerResumeStore opens the database in dir. An empty dir keeps the
// database in memory.
func OpenBadgerResumeStore(dir string) (*BadgerResumeStore, error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open resume store: %w", err)
	}
	return &BadgerResumeStore{db: db}, nil
}

func (s *BadgerResumeStore) Close() error { return s.db.Close() }

func (s *BadgerResumeStore) Load(fingerprint string) (*ResumeRecord, error) {
	var rec *ResumeRecord
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(resumePrefix + fingerprint))
		if err == badgerdb.ErrKeyNotFound {
			return ErrNoRecord
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			rec, err = decodeRecord(val)
			return err
		})
	})
	return rec, err
}

func (s *BadgerResumeStore) Save(rec *ResumeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(resumePrefix+rec.Fingerprint), data)
	})
}

func (s *BadgerResumeStore) Delete(fingerprint string) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		err := txn.Delete([]byte(resumePrefix + fingerprint))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

func (s *BadgerResumeStore) List() ([]*ResumeRecord, error) {
	var out []*ResumeRecord
	err := s.db.View(func(txn *badgerdb.Txn) error {
		prefix := []byte(resumePrefix)
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				rec, err := decodeRecord(val)
				if err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func decodeRecord(data []byte) (*ResumeRecord, error) {
	var rec ResumeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt resume record: %w", err)
	}
	return &rec, nil
}
