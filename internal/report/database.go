package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

const (
	snapshotBucketName = "snapshots"
	currentSnapshotKey = "current"
)

// DB defines the interface for snapshot persistence
type DB interface {
	// SaveSnapshot replaces the stored snapshot
	SaveSnapshot(snap Snapshot) error

	// LoadSnapshot returns the stored snapshot or ErrNoSnapshot
	LoadSnapshot() (*Snapshot, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db       *bbolt.DB
	maxBytes int
}

// NewBoltDB creates a new BoltDB instance without a size limit
func NewBoltDB(path string) (*BoltDB, error) {
	return NewBoltDBWithQuota(path, 0)
}

// NewBoltDBWithQuota creates a BoltDB that rejects snapshots larger than
// maxBytes once encoded. Zero disables the limit.
func NewBoltDBWithQuota(path string, maxBytes int) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(snapshotBucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db, maxBytes: maxBytes}, nil
}

// SaveSnapshot stores the sanitized form of snap
func (b *BoltDB) SaveSnapshot(snap Snapshot) error {
	data, err := json.Marshal(snap.Sanitized())
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	if b.maxBytes > 0 && len(data) > b.maxBytes {
		return fmt.Errorf("snapshot is %d bytes, limit %d: %w", len(data), b.maxBytes, ErrQuotaExceeded)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(snapshotBucketName))
		return bucket.Put([]byte(currentSnapshotKey), data)
	})
}

// LoadSnapshot retrieves the stored snapshot
func (b *BoltDB) LoadSnapshot() (*Snapshot, error) {
	var snap *Snapshot
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(snapshotBucketName))
		data := bucket.Get([]byte(currentSnapshotKey))
		if data == nil {
			return ErrNoSnapshot
		}
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}

// Persist restores the stored snapshot into store, then writes a fresh
// snapshot after every mutation. Write failures are logged; the in-memory
// state stays authoritative.
func Persist(store *Store, db DB) error {
	snap, err := db.LoadSnapshot()
	switch {
	case err == nil:
		store.Restore(*snap)
		slog.Info("Restored snapshot", "items", len(snap.Items), "next_id", snap.NextID)
	case errors.Is(err, ErrNoSnapshot):
		slog.Info("No stored snapshot, starting empty")
	default:
		return fmt.Errorf("loading snapshot: %w", err)
	}

	store.Subscribe(func(snap Snapshot) {
		if err := db.SaveSnapshot(snap); err != nil {
			slog.Error("Failed to persist snapshot", "items", len(snap.Items), "error", err)
		}
	})
	return nil
}
