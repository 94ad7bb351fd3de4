// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package kv is the key/value facade over the block heap and B+ tree.
//
// A Database is configured with setters, then opened against a Device.
// Mutations are staged in memory and reach the device on Commit, which
// happens after every mutation while auto-commit is on.
package kv

import (
	"bytes"
	"io"

	"github.com/cockroachdb/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dacapoday/btreedb"
	"github.com/dacapoday/btreedb/bptree"
	"github.com/dacapoday/btreedb/disk"
	"github.com/dacapoday/btreedb/internal/heap"
)

const (
	DefaultBlockSize      = 2048
	DefaultIndexCacheSize = 64

	MinBlockSize = 512
	MaxBlockSize = 1 << 20
)

var (
	ErrConfig  = btreedb.ErrConfig
	ErrIO      = btreedb.ErrIO
	ErrCorrupt = btreedb.ErrCorrupt
	ErrNotOpen = btreedb.ErrNotOpen
	ErrKeySize = btreedb.ErrKeySize

	ErrReleasePending = heap.ErrReleasePending
)

type state uint8

const (
	idle state = iota
	opened
	closed
)

// Database is a persistent ordered map from fixed-size keys to byte values.
// The zero value is ready to configure. A Database is not safe for
// concurrent use; wrap it in Locked to share it.
type Database struct {
	device    btreedb.Device
	blockSize int
	keySize   int
	contentID string
	cacheSize int
	logger    *zap.Logger

	cacheSizeSet          bool
	manualCommit          bool
	ignoreInvalidFreelist bool

	state state
	heap  heap.Heap
	tree  *bptree.Tree[*heap.Heap]

	records   uint64
	committed uint64 // records as of the last commit
}

// Open opens the database file at path on the OS filesystem, creating it if needed.
func Open(path string, keySize int, contentID string) (db *Database, err error) {
	dev, err := disk.OpenPath(path)
	if err != nil {
		return
	}
	db = new(Database)
	db.SetDevice(dev)
	db.SetKeySize(keySize)
	db.SetContentIdentifier(contentID)
	if _, err = db.Open(); err != nil {
		err = multierr.Append(err, dev.Close())
		db = nil
	}
	return
}

// SetDevice supplies the storage. The database takes ownership and closes
// it on Close when it implements io.Closer.
func (db *Database) SetDevice(device btreedb.Device) {
	if db.state == idle {
		db.device = device
	}
}

func (db *Database) SetBlockSize(size int) {
	if db.state == idle {
		db.blockSize = size
	}
}

func (db *Database) SetKeySize(size int) {
	if db.state == idle {
		db.keySize = size
	}
}

func (db *Database) SetContentIdentifier(id string) {
	if db.state == idle {
		db.contentID = id
	}
}

// SetIndexCacheSize bounds the number of decoded index nodes kept in memory.
// Zero disables the cache.
func (db *Database) SetIndexCacheSize(size int) {
	if db.state == idle {
		db.cacheSize = size
		db.cacheSizeSet = true
	}
}

// SetAutoCommit controls whether every mutation commits. It may be changed at any time.
func (db *Database) SetAutoCommit(on bool) {
	db.manualCommit = !on
}

func (db *Database) SetLogger(logger *zap.Logger) {
	if db.state == idle {
		db.logger = logger
	}
}

// SetIgnoreInvalidFreeList makes allocation drop a free list whose head is
// not a free block, instead of failing with ErrCorrupt.
func (db *Database) SetIgnoreInvalidFreeList(ignore bool) {
	if db.state == idle {
		db.ignoreInvalidFreelist = ignore
	}
}

func (db *Database) BlockSize() int {
	if db.blockSize == 0 {
		return DefaultBlockSize
	}
	return db.blockSize
}

func (db *Database) KeySize() int { return db.keySize }

func (db *Database) ContentIdentifier() string { return db.contentID }

func (db *Database) IndexCacheSize() int {
	if !db.cacheSizeSet {
		return DefaultIndexCacheSize
	}
	return db.cacheSize
}

func (db *Database) AutoCommit() bool { return !db.manualCommit }

func (db *Database) Logger() *zap.Logger {
	if db.logger == nil {
		return zap.NewNop()
	}
	return db.logger
}

// opt presents the configuration to the heap.
type opt struct {
	db *Database
}

func (o opt) ContentIdentifier() string   { return o.db.contentID }
func (o opt) BlockSize() int              { return o.db.BlockSize() }
func (o opt) KeySize() int                { return o.db.keySize }
func (o opt) IgnoreInvalidFreelist() bool { return o.db.ignoreInvalidFreelist }
func (o opt) Logger() *zap.Logger         { return o.db.Logger() }

// Open initializes an empty device or validates the header of an existing one.
// created reports the former.
func (db *Database) Open() (created bool, err error) {
	switch {
	case db.state == opened:
		return false, errors.Wrap(ErrConfig, "already open")
	case db.state == closed:
		return false, errors.Wrap(ErrConfig, "closed")
	case db.device == nil:
		return false, errors.Wrap(ErrConfig, "no device")
	case db.keySize <= 0:
		return false, errors.Wrapf(ErrConfig, "key size %d", db.keySize)
	case db.BlockSize() < MinBlockSize || db.BlockSize() > MaxBlockSize:
		return false, errors.Wrapf(ErrConfig, "block size %d not in [%d, %d]", db.BlockSize(), MinBlockSize, MaxBlockSize)
	case len(db.contentID) > heap.MaxContentIDSize:
		return false, errors.Wrapf(ErrConfig, "content identifier is %d bytes, max %d", len(db.contentID), heap.MaxContentIDSize)
	}

	if created, err = db.heap.Load(db.device, opt{db}); err != nil {
		return
	}
	if db.tree, err = bptree.New(&db.heap, db.keySize, db.IndexCacheSize()); err != nil {
		return
	}
	if created {
		if err = db.tree.Init(); err != nil {
			return
		}
		if err = db.heap.Commit(); err != nil {
			return
		}
	} else if db.records, err = db.tree.Count(); err != nil {
		return
	}
	db.committed = db.records
	db.state = opened

	db.Logger().Info("open",
		zap.Bool("created", created),
		zap.String("contentID", db.contentID),
		zap.Int("blockSize", db.BlockSize()),
		zap.Int("keySize", db.keySize),
		zap.Uint64("records", db.records))
	return
}

// Close commits pending changes and closes the device.
// Call Rollback first to discard them.
func (db *Database) Close() (err error) {
	if db.state != opened {
		return ErrNotOpen
	}
	err = db.commit()
	if closer, ok := db.device.(io.Closer); ok {
		err = multierr.Append(err, closer.Close())
	}
	db.tree.Purge()
	db.state = closed
	return
}

// Commit makes every change since the last commit durable.
//
// An error marked ErrReleasePending means the changes are durable but
// some freed blocks are not reusable yet; calling Commit again finishes.
func (db *Database) Commit() error {
	if db.state != opened {
		return ErrNotOpen
	}
	return db.commit()
}

func (db *Database) commit() error {
	err := db.heap.Commit()
	if err == nil || errors.Is(err, heap.ErrReleasePending) {
		db.committed = db.records
	}
	return err
}

// Rollback discards every change since the last commit without touching the device.
func (db *Database) Rollback() error {
	if db.state != opened {
		return ErrNotOpen
	}
	db.heap.Rollback()
	db.tree.Purge()
	db.records = db.committed
	return nil
}

func (db *Database) autoCommit() error {
	if db.manualCommit {
		return nil
	}
	return db.Commit()
}

func (db *Database) check(key []byte) error {
	if db.state != opened {
		return ErrNotOpen
	}
	if len(key) != db.keySize {
		return errors.Wrapf(ErrKeySize, "key is %d bytes, want %d", len(key), db.keySize)
	}
	return nil
}

func (db *Database) checkBound(key []byte) error {
	if key == nil {
		if db.state != opened {
			return ErrNotOpen
		}
		return nil
	}
	return db.check(key)
}

// Find returns a copy of the value stored under key.
func (db *Database) Find(key []byte) (val []byte, found bool, err error) {
	if err = db.check(key); err != nil {
		return
	}
	if val, found, err = db.tree.Find(key); found {
		val = bytes.Clone(val)
	}
	return
}

func (db *Database) Contains(key []byte) (bool, error) {
	_, found, err := db.Find(key)
	return found, err
}

// abort drops the pending transaction after a tree operation failed part
// way, leaving blocks of the transaction inconsistent.
func (db *Database) abort(err error) error {
	db.Logger().Warn("rolling back after failed update", zap.Error(err))
	db.Rollback()
	return err
}

// Insert stores val under key and reports whether key was already present.
// A failure inside the tree rolls back every uncommitted change.
func (db *Database) Insert(key, val []byte) (existed bool, err error) {
	if err = db.check(key); err != nil {
		return
	}
	if existed, err = db.tree.Insert(key, val); err != nil {
		return false, db.abort(err)
	}
	if !existed {
		db.records++
	}
	err = db.autoCommit()
	return
}

// Remove deletes key and reports whether it was present.
// A failure inside the tree rolls back every uncommitted change.
func (db *Database) Remove(key []byte) (removed bool, err error) {
	if err = db.check(key); err != nil {
		return
	}
	if removed, err = db.tree.Remove(key); err != nil {
		return false, db.abort(err)
	}
	if !removed {
		return
	}
	db.records--
	err = db.autoCommit()
	return
}

// Entry is a key/value pair returned by FindRange.
type Entry struct {
	Key []byte
	Val []byte
}

// FindRange returns copies of every entry with lower <= key <= upper.
func (db *Database) FindRange(lower, upper []byte) (entries []Entry, err error) {
	err = db.ForEach(lower, upper, func(key, val []byte) bool {
		entries = append(entries, Entry{Key: bytes.Clone(key), Val: bytes.Clone(val)})
		return true
	})
	return
}

// ForEach calls fn in ascending key order for every entry with
// lower <= key <= upper, stopping early when fn returns false. A nil bound
// is open. key and val are only valid during the call.
func (db *Database) ForEach(lower, upper []byte, fn func(key, val []byte) bool) error {
	if err := db.checkBound(lower); err != nil {
		return err
	}
	if err := db.checkBound(upper); err != nil {
		return err
	}
	return db.tree.ForEach(lower, upper, fn)
}

// ForAll calls fn for every entry in ascending key order.
func (db *Database) ForAll(fn func(key, val []byte) bool) error {
	return db.ForEach(nil, nil, fn)
}

// RecordCount returns the number of entries, including uncommitted changes.
func (db *Database) RecordCount() (uint64, error) {
	if db.state != opened {
		return 0, ErrNotOpen
	}
	return db.records, nil
}

// IndexLevels returns the number of index levels above the leaves.
func (db *Database) IndexLevels() (int, error) {
	if db.state != opened {
		return 0, ErrNotOpen
	}
	return db.tree.Levels()
}

// Stats describes how the device's blocks are used.
type Stats struct {
	Blocks      int // every block behind the header
	FreeBlocks  int
	IndexBlocks int
	LeafBlocks  int
	IndexLevels int
	Records     uint64
}

// Stats walks the tree and the free list.
func (db *Database) Stats() (stats Stats, err error) {
	if db.state != opened {
		return stats, ErrNotOpen
	}
	tree, err := db.tree.Stats()
	if err != nil {
		return
	}
	if stats.FreeBlocks, err = db.heap.FreeCount(); err != nil {
		return
	}
	stats.Blocks = int(db.heap.BlockCount())
	stats.IndexBlocks = tree.IndexBlocks
	stats.LeafBlocks = tree.LeafBlocks
	stats.IndexLevels = tree.Levels
	stats.Records = tree.Records
	return
}
