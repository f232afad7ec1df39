// Package ingest runs the per-chain confirmed-block polling loops and owns
// the persisted ingestion state: the per-chain cursor and the seen-event set.
package ingest

import (
	"encoding/binary"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	cursorPrefix = []byte("c:")
	seenPrefix   = []byte("s:")
)

// DB persists ingestion progress. The cursor is the highest fully processed
// block per chain and only moves forward; seen-event keys filter replays
// after a crash between dispatch and cursor commit.
type DB struct {
	ldb *leveldb.DB
}

// Open opens (or creates) the ingestion database at path, recovering a
// corrupted store in place.
func Open(path string) (*DB, error) {
	ldb, err := leveldb.OpenFile(path, nil)
	if _, corrupted := err.(*errors.ErrCorrupted); corrupted {
		ldb, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	return &DB{ldb: ldb}, nil
}

// OpenMemory opens an ephemeral in-memory database, used in tests.
func OpenMemory() *DB {
	ldb, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		panic(err) // memory storage cannot fail to open
	}
	return &DB{ldb: ldb}
}

// Close flushes and closes the underlying store.
func (db *DB) Close() error {
	return db.ldb.Close()
}

func cursorKey(chain string) []byte {
	return append(append([]byte{}, cursorPrefix...), chain...)
}

// seenKey embeds the block height so the set can be pruned by range once the
// cursor has moved far enough past it.
func seenKey(chain string, height uint64, id string) []byte {
	key := append(append([]byte{}, seenPrefix...), chain...)
	key = append(key, ':')
	var h [8]byte
	binary.BigEndian.PutUint64(h[:], height)
	key = append(key, h[:]...)
	return append(key, id...)
}

// Cursor returns the persisted cursor for a chain, reporting whether one
// exists (a fresh service has none and cold-starts near the tip).
func (db *DB) Cursor(chain string) (uint64, bool, error) {
	val, err := db.ldb.Get(cursorKey(chain), nil)
	if err == leveldb.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if len(val) != 8 {
		return 0, false, fmt.Errorf("corrupt cursor for %s: %d bytes", chain, len(val))
	}
	return binary.BigEndian.Uint64(val), true, nil
}

// SetCursor advances the cursor. Regressions are rejected: the cursor is
// monotone by contract.
func (db *DB) SetCursor(chain string, height uint64) error {
	prev, ok, err := db.Cursor(chain)
	if err != nil {
		return err
	}
	if ok && height < prev {
		return fmt.Errorf("cursor regression for %s: %d -> %d", chain, prev, height)
	}
	var val [8]byte
	binary.BigEndian.PutUint64(val[:], height)
	return db.ldb.Put(cursorKey(chain), val[:], nil)
}

// MarkSeen records an event as dispatched.
func (db *DB) MarkSeen(chain string, height uint64, id string) error {
	return db.ldb.Put(seenKey(chain, height, id), nil, nil)
}

// Seen reports whether an event was already dispatched.
func (db *DB) Seen(chain string, height uint64, id string) (bool, error) {
	return db.ldb.Has(seenKey(chain, height, id), nil)
}

// PruneSeen deletes seen-event entries below the given height. Entries at or
// below the cursor can never be replayed, so keeping a margin of one query
// window is enough.
func (db *DB) PruneSeen(chain string, below uint64) error {
	start := seenKey(chain, 0, "")
	limit := seenKey(chain, below, "")
	iter := db.ldb.NewIterator(&util.Range{Start: start, Limit: limit}, nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte{}, iter.Key()...))
	}
	if err := iter.Error(); err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}
	return db.ldb.Write(batch, nil)
}
