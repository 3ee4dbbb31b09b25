package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	bolt "go.etcd.io/bbolt"

	"github.com/kettlelinna/shuttle/pkg/types"
)

var (
	// Bucket names
	bucketWorkers      = []byte("workers")
	bucketStages       = []byte("stages")
	bucketFlushRecords = []byte("flush_records")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "shuttle.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketWorkers,
			bucketStages,
			bucketFlushRecords,
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

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Worker operations
func (s *BoltStore) PutWorker(w *types.WorkerDetail) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		return b.Put([]byte(w.ID()), data)
	})
}

func (s *BoltStore) GetWorker(id string) (*types.WorkerDetail, error) {
	var w types.WorkerDetail
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("worker not found: %s", id)
		}
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *BoltStore) ListWorkers() ([]*types.WorkerDetail, error) {
	var workers []*types.WorkerDetail
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var w types.WorkerDetail
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			workers = append(workers, &w)
			return nil
		})
	})
	return workers, err
}

func (s *BoltStore) DeleteWorker(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.Delete([]byte(id))
	})
}

// Stage operations
func stageKey(stage types.StageShuffleId) []byte {
	return []byte(stage.String())
}

func (s *BoltStore) PutStage(rec *StageRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStages)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(stageKey(rec.Stage), data)
	})
}

func (s *BoltStore) GetStage(stage types.StageShuffleId) (*StageRecord, error) {
	var rec StageRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStages)
		data := b.Get(stageKey(stage))
		if data == nil {
			return fmt.Errorf("stage not found: %s", stage)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) ListStages() ([]*StageRecord, error) {
	var recs []*StageRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStages)
		return b.ForEach(func(k, v []byte) error {
			var rec StageRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) DeleteStage(stage types.StageShuffleId) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStages)
		return b.Delete(stageKey(stage))
	})
}

// Flush record operations. Records for one partition are stored under
// sequential sub-keys so appends never rewrite earlier entries.
func (s *BoltStore) AppendFlushRecord(p types.PartitionShuffleId, rec *FlushRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFlushRecords)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s/%020d", p, seq)
		return b.Put([]byte(key), data)
	})
}

func (s *BoltStore) ListFlushRecords(p types.PartitionShuffleId) ([]*FlushRecord, error) {
	prefix := []byte(p.String() + "/")
	var recs []*FlushRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketFlushRecords).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var rec FlushRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
		}
		return nil
	})
	return recs, err
}

func (s *BoltStore) DeleteFlushRecords(stage types.StageShuffleId) error {
	prefix := []byte(stage.String() + "/")
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketFlushRecords).Cursor()
		for k, _ := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}
