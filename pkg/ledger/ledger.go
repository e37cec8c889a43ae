// Package ledger records the leftovers ledger: an operator-facing audit
// trail of files recovery quarantined into LEFTDIR and of stray files the
// disk scan deleted. It wraps a BoltDB
// store but intentionally does not sit on any invariant-bearing path:
// nothing in recovery or commit reads it back; it exists purely so
// `bbpctl leftovers list` can explain *why* a file ended up quarantined
// instead of forcing an operator to re-derive that from the filename.
package ledger

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var bucketLeftovers = []byte("leftovers")

// Entry is one quarantined or disk-scan-deleted file. ID is an audit-trail identifier
// distinct from OriginalPath (the bucket key): every tracked entity gets
// a uuid of its own rather than reusing a natural key for display
// purposes.
type Entry struct {
	ID            string `json:"id"`
	OriginalPath  string `json:"original_path"`
	DetectedID    int32  `json:"detected_id"`
	Reason        string `json:"reason"`
	QuarantinedAt int64  `json:"quarantined_at"` // unix seconds, stamped by the caller
}

// Ledger wraps a bbolt database holding the leftovers bucket.
type Ledger struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the ledger database under dataDir.
func Open(dataDir string) (*Ledger, error) {
	path := filepath.Join(dataDir, "leftovers.db")
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLeftovers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: init bucket: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error { return l.db.Close() }

// Record appends an entry keyed by its original path. If e.ID is empty a
// fresh one is assigned.
func (l *Ledger) Record(e Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeftovers)
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("ledger: marshal entry: %w", err)
		}
		return b.Put([]byte(e.OriginalPath), data)
	})
}

// List returns every recorded entry in bucket iteration order.
func (l *Ledger) List() ([]Entry, error) {
	var entries []Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeftovers)
		return b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("ledger: unmarshal entry %s: %w", k, err)
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

// Forget removes an entry once an operator has resolved it.
func (l *Ledger) Forget(originalPath string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLeftovers).Delete([]byte(originalPath))
	})
}
