// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package kv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/src-d/go-billy.v4/memfs"

	"github.com/dacapoday/btreedb"
	"github.com/dacapoday/btreedb/disk"
	"github.com/dacapoday/btreedb/internal/heap"
	"github.com/dacapoday/btreedb/mem"
)

func openDB(t *testing.T, dev btreedb.Device, keySize int, autoCommit bool) (*Database, bool) {
	t.Helper()
	db := new(Database)
	db.SetDevice(dev)
	db.SetKeySize(keySize)
	db.SetBlockSize(512)
	db.SetContentIdentifier("test")
	db.SetAutoCommit(autoCommit)
	db.SetLogger(zaptest.NewLogger(t))
	created, err := db.Open()
	require.NoError(t, err)
	return db, created
}

func intKey(i int) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(i))
}

// TestDatabaseScenario runs the basic lifecycle on four-byte keys.
func TestDatabaseScenario(t *testing.T) {
	var dev mem.Device
	db, created := openDB(t, &dev, 4, false)
	require.True(t, created)

	for i := 1; i <= 3; i++ {
		existed, err := db.Insert(fmt.Appendf(nil, "key%d", i), fmt.Appendf(nil, "value%d", i))
		require.NoError(t, err)
		require.False(t, existed)
	}

	entries, err := db.FindRange([]byte("key1"), []byte("key2"))
	require.NoError(t, err)
	require.Equal(t, []Entry{
		{Key: []byte("key1"), Val: []byte("value1")},
		{Key: []byte("key2"), Val: []byte("value2")},
	}, entries)

	removed, err := db.Remove([]byte("key2"))
	require.NoError(t, err)
	require.True(t, removed)

	count, err := db.RecordCount()
	require.NoError(t, err)
	require.Equal(t, uint64(2), count)

	found, err := db.Contains([]byte("key2"))
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, db.Close())
}

func TestDatabaseFindBeforeCommit(t *testing.T) {
	var dev mem.Device
	db, _ := openDB(t, &dev, 8, false)
	defer db.Close()

	rng := rand.New(rand.NewPCG(3, 4))
	want := make(map[string][]byte)
	for range 500 {
		key := binary.BigEndian.AppendUint64(nil, rng.Uint64())
		val := make([]byte, rng.IntN(64))
		for i := range val {
			val[i] = byte(rng.Uint32())
		}
		_, err := db.Insert(key, val)
		require.NoError(t, err)
		want[string(key)] = val
	}
	for key, val := range want {
		got, found, err := db.Find([]byte(key))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, val, got)
	}
}

func TestDatabaseInsertIdempotent(t *testing.T) {
	var dev mem.Device
	db, _ := openDB(t, &dev, 4, true)
	defer db.Close()

	existed, err := db.Insert([]byte("abcd"), []byte("v"))
	require.NoError(t, err)
	require.False(t, existed)

	existed, err = db.Insert([]byte("abcd"), []byte("v"))
	require.NoError(t, err)
	require.True(t, existed)

	count, _ := db.RecordCount()
	require.Equal(t, uint64(1), count)

	// nil and empty values are the same
	_, err = db.Insert([]byte("efgh"), nil)
	require.NoError(t, err)
	val, found, err := db.Find([]byte("efgh"))
	require.NoError(t, err)
	require.True(t, found)
	require.Empty(t, val)
}

func TestDatabaseRemove(t *testing.T) {
	var dev mem.Device
	db, _ := openDB(t, &dev, 4, true)
	defer db.Close()

	for i := range 300 {
		_, err := db.Insert(intKey(i), []byte("x"))
		require.NoError(t, err)
	}

	removed, err := db.Remove(intKey(1000))
	require.NoError(t, err)
	require.False(t, removed)
	count, _ := db.RecordCount()
	require.Equal(t, uint64(300), count)

	for i := 0; i < 300; i += 2 {
		removed, err = db.Remove(intKey(i))
		require.NoError(t, err)
		require.True(t, removed)

		found, err := db.Contains(intKey(i))
		require.NoError(t, err)
		require.False(t, found)
	}
	count, _ = db.RecordCount()
	require.Equal(t, uint64(150), count)

	stats, err := db.Stats()
	require.NoError(t, err)
	require.Equal(t, uint64(150), stats.Records)
	require.Positive(t, stats.FreeBlocks)
	require.Equal(t, stats.Blocks, stats.FreeBlocks+stats.IndexBlocks+stats.LeafBlocks)
}

func TestDatabaseRollback(t *testing.T) {
	var dev mem.Device
	db, _ := openDB(t, &dev, 4, false)
	defer db.Close()

	for i := range 50 {
		_, err := db.Insert(intKey(i), []byte("committed"))
		require.NoError(t, err)
	}
	require.NoError(t, db.Commit())
	size := dev.Size()

	for i := 50; i < 400; i++ {
		_, err := db.Insert(intKey(i), []byte("pending"))
		require.NoError(t, err)
	}
	for i := range 25 {
		_, err := db.Remove(intKey(i))
		require.NoError(t, err)
	}
	require.NoError(t, db.Rollback())
	require.Equal(t, size, dev.Size())

	for i := 50; i < 400; i++ {
		found, err := db.Contains(intKey(i))
		require.NoError(t, err)
		require.False(t, found, "key %d", i)
	}
	for i := range 50 {
		val, found, err := db.Find(intKey(i))
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		require.Equal(t, "committed", string(val))
	}
	count, _ := db.RecordCount()
	require.Equal(t, uint64(50), count)

	stats, err := db.Stats()
	require.NoError(t, err)
	require.Equal(t, uint64(50), stats.Records)
}

func TestDatabaseDurability(t *testing.T) {
	var dev mem.Device
	db, created := openDB(t, &dev, 4, false)
	require.True(t, created)
	for i := range 1000 {
		_, err := db.Insert(intKey(i), fmt.Appendf(nil, "value-%d", i))
		require.NoError(t, err)
	}
	require.NoError(t, db.Commit())
	levels, err := db.IndexLevels()
	require.NoError(t, err)
	require.Positive(t, levels)
	require.NoError(t, db.Close())

	db, created = openDB(t, &dev, 4, false)
	require.False(t, created)
	defer db.Close()

	count, err := db.RecordCount()
	require.NoError(t, err)
	require.Equal(t, uint64(1000), count)
	for i := range 1000 {
		val, found, err := db.Find(intKey(i))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, fmt.Sprintf("value-%d", i), string(val))
	}
}

// TestDatabaseCloseCommits checks that Close keeps pending changes unless
// they were rolled back.
func TestDatabaseCloseCommits(t *testing.T) {
	var dev mem.Device
	db, _ := openDB(t, &dev, 4, false)
	_, err := db.Insert([]byte("kept"), []byte("1"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, _ = openDB(t, &dev, 4, false)
	_, err = db.Insert([]byte("lost"), []byte("2"))
	require.NoError(t, err)
	require.NoError(t, db.Rollback())
	require.NoError(t, db.Close())

	db, _ = openDB(t, &dev, 4, false)
	defer db.Close()
	found, _ := db.Contains([]byte("kept"))
	assert.True(t, found)
	found, _ = db.Contains([]byte("lost"))
	assert.False(t, found)
}

func TestDatabaseDisk(t *testing.T) {
	fs := memfs.New()
	dev, err := disk.Open(fs, "test.db")
	require.NoError(t, err)
	db, created := openDB(t, dev, 4, true)
	require.True(t, created)
	for i := range 200 {
		_, err = db.Insert(intKey(i), bytes.Repeat([]byte{byte(i)}, i))
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	dev, err = disk.Open(fs, "test.db")
	require.NoError(t, err)
	db, created = openDB(t, dev, 4, true)
	require.False(t, created)
	defer db.Close()
	for i := range 200 {
		val, found, err := db.Find(intKey(i))
		require.NoError(t, err)
		require.True(t, found)
		require.Len(t, val, i)
	}
}

func TestDatabaseReopenMismatch(t *testing.T) {
	var dev mem.Device
	db, _ := openDB(t, &dev, 4, true)
	require.NoError(t, db.Close())

	cases := map[string]func(db *Database){
		"content identifier": func(db *Database) { db.SetContentIdentifier("other") },
		"key size":           func(db *Database) { db.SetKeySize(8) },
		"block size":         func(db *Database) { db.SetBlockSize(1024) },
	}
	for name, change := range cases {
		t.Run(name, func(t *testing.T) {
			db := new(Database)
			db.SetDevice(&dev)
			db.SetKeySize(4)
			db.SetBlockSize(512)
			db.SetContentIdentifier("test")
			change(db)
			_, err := db.Open()
			require.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestDatabaseConfigErrors(t *testing.T) {
	var db Database
	_, err := db.Open()
	require.ErrorIs(t, err, ErrConfig, "no device")

	db.SetDevice(new(mem.Device))
	_, err = db.Open()
	require.ErrorIs(t, err, ErrConfig, "zero key size")

	db.SetKeySize(4)
	db.SetBlockSize(100)
	_, err = db.Open()
	require.ErrorIs(t, err, ErrConfig, "block size")

	db.SetBlockSize(512)
	db.SetKeySize(200)
	_, err = db.Open()
	require.ErrorIs(t, err, ErrConfig, "fan-out below 3")

	db.SetKeySize(4)
	_, _, err = db.Find([]byte("abcd"))
	require.ErrorIs(t, err, ErrNotOpen)
	_, err = db.Insert([]byte("abcd"), nil)
	require.ErrorIs(t, err, ErrNotOpen)
	require.ErrorIs(t, db.Commit(), ErrNotOpen)

	_, err = db.Open()
	require.NoError(t, err)
	_, err = db.Open()
	require.ErrorIs(t, err, ErrConfig, "double open")

	_, err = db.Insert([]byte("abc"), nil)
	require.ErrorIs(t, err, ErrKeySize)
	_, err = db.FindRange([]byte("a"), nil)
	require.ErrorIs(t, err, ErrKeySize)

	require.NoError(t, db.Close())
	_, _, err = db.Find([]byte("abcd"))
	require.ErrorIs(t, err, ErrNotOpen)
	require.ErrorIs(t, db.Close(), ErrNotOpen)
	require.ErrorIs(t, db.Rollback(), ErrNotOpen)
}

func TestDatabaseSettersAfterOpen(t *testing.T) {
	var dev mem.Device
	db, _ := openDB(t, &dev, 4, true)
	defer db.Close()

	db.SetKeySize(8)
	db.SetBlockSize(4096)
	db.SetContentIdentifier("other")
	db.SetIndexCacheSize(1)
	require.Equal(t, 4, db.KeySize())
	require.Equal(t, 512, db.BlockSize())
	require.Equal(t, "test", db.ContentIdentifier())
	require.Equal(t, DefaultIndexCacheSize, db.IndexCacheSize())

	db.SetAutoCommit(false)
	require.False(t, db.AutoCommit())
}

func TestDatabaseForEach(t *testing.T) {
	var dev mem.Device
	db, _ := openDB(t, &dev, 4, false)
	defer db.Close()

	rng := rand.New(rand.NewPCG(5, 6))
	for range 2000 {
		_, err := db.Insert(intKey(rng.IntN(1<<16)), []byte("v"))
		require.NoError(t, err)
	}

	lower, upper := intKey(1000), intKey(40000)
	entries, err := db.FindRange(lower, upper)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var i int
	err = db.ForEach(lower, upper, func(key, val []byte) bool {
		require.Equal(t, entries[i].Key, key)
		require.Equal(t, entries[i].Val, val)
		i++
		return true
	})
	require.NoError(t, err)
	require.Len(t, entries, i)

	for j := 1; j < len(entries); j++ {
		require.Negative(t, bytes.Compare(entries[j-1].Key, entries[j].Key))
	}
	require.GreaterOrEqual(t, bytes.Compare(entries[0].Key, lower), 0)
	require.LessOrEqual(t, bytes.Compare(entries[len(entries)-1].Key, upper), 0)

	var all uint64
	require.NoError(t, db.ForAll(func(_, _ []byte) bool {
		all++
		return true
	}))
	count, _ := db.RecordCount()
	require.Equal(t, count, all)
}

var errInjected = errors.New("injected write failure")

// faultyDevice fails one header write, after letting headerWrites more
// through, and fails every block read while failReads is set.
type faultyDevice struct {
	*mem.Device
	headerWrites int // negative never fails
	failReads    bool
}

func newFaultyDevice() *faultyDevice {
	return &faultyDevice{Device: new(mem.Device), headerWrites: -1}
}

func (dev *faultyDevice) Write(offset int64, p []byte) (int, error) {
	if offset == 0 && dev.headerWrites >= 0 {
		if dev.headerWrites == 0 {
			dev.headerWrites = -1
			return 0, errInjected
		}
		dev.headerWrites--
	}
	return dev.Device.Write(offset, p)
}

func (dev *faultyDevice) Read(offset int64, p []byte) (int, error) {
	if dev.failReads && offset >= btreedb.HeaderSize {
		return 0, errInjected
	}
	return dev.Device.Read(offset, p)
}

// TestDatabaseFailedCommit checks that a commit failing before the header
// is written leaves the previous state readable.
func TestDatabaseFailedCommit(t *testing.T) {
	dev := newFaultyDevice()
	db, _ := openDB(t, dev, 4, false)
	for i := range 300 {
		_, err := db.Insert(intKey(i), []byte("before"))
		require.NoError(t, err)
	}
	require.NoError(t, db.Commit())

	dev.headerWrites = 0
	for i := range 300 {
		if i%2 == 0 {
			_, err := db.Remove(intKey(i))
			require.NoError(t, err)
		} else {
			_, err := db.Insert(intKey(i), []byte("after"))
			require.NoError(t, err)
		}
	}
	for i := 300; i < 600; i++ {
		_, err := db.Insert(intKey(i), []byte("after"))
		require.NoError(t, err)
	}
	err := db.Commit()
	require.True(t, errors.Is(err, ErrIO), "%v", err)
	require.ErrorIs(t, err, errInjected)

	// blocks written by the failed commit may sit on the old free list
	db = new(Database)
	db.SetDevice(dev.Device)
	db.SetKeySize(4)
	db.SetBlockSize(512)
	db.SetContentIdentifier("test")
	db.SetIgnoreInvalidFreeList(true)
	db.SetLogger(zaptest.NewLogger(t))
	created, err := db.Open()
	require.NoError(t, err)
	require.False(t, created)
	defer db.Close()

	count, err := db.RecordCount()
	require.NoError(t, err)
	require.Equal(t, uint64(300), count)
	for i := range 300 {
		val, found, err := db.Find(intKey(i))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, "before", string(val))
	}

	_, err = db.Insert(intKey(1000), []byte("later"))
	require.NoError(t, err)
	for i := range 300 {
		val, _, err := db.Find(intKey(i))
		require.NoError(t, err)
		require.Equal(t, "before", string(val))
	}
}

func TestDatabaseInvalidFreeList(t *testing.T) {
	var dev mem.Device
	db, _ := openDB(t, &dev, 4, false)
	for i := range 300 {
		_, err := db.Insert(intKey(i), []byte("value"))
		require.NoError(t, err)
	}
	require.NoError(t, db.Commit())
	for i := range 200 {
		_, err := db.Remove(intKey(i))
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	buf := make([]byte, btreedb.HeaderSize)
	_, err := dev.Read(0, buf)
	require.NoError(t, err)
	var header heap.Header
	require.NoError(t, header.UnmarshalBinary(buf))
	require.True(t, header.FreeHead.Valid())
	_, err = dev.Write(header.FreeHead.Offset(512), []byte("XX"))
	require.NoError(t, err)

	db, _ = openDB(t, &dev, 4, false)
	_, err = db.Insert(intKey(5), []byte("value"))
	require.ErrorIs(t, err, ErrCorrupt)
	require.NoError(t, db.Rollback())
	require.NoError(t, db.Close())

	db = new(Database)
	db.SetDevice(&dev)
	db.SetKeySize(4)
	db.SetBlockSize(512)
	db.SetContentIdentifier("test")
	db.SetIgnoreInvalidFreeList(true)
	_, err = db.Open()
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Insert(intKey(5), []byte("value"))
	require.NoError(t, err)
	count, _ := db.RecordCount()
	require.Equal(t, uint64(101), count)
}

// TestDatabaseCommitRetry fails the header write that follows freeing the
// released blocks, then commits again.
func TestDatabaseCommitRetry(t *testing.T) {
	dev := newFaultyDevice()
	db, _ := openDB(t, dev, 4, false)
	defer db.Close()
	for i := range 300 {
		_, err := db.Insert(intKey(i), []byte("first"))
		require.NoError(t, err)
	}
	require.NoError(t, db.Commit())

	for i := range 300 {
		_, err := db.Insert(intKey(i), []byte("second"))
		require.NoError(t, err)
	}
	dev.headerWrites = 1
	err := db.Commit()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrReleasePending), "%v", err)
	require.True(t, errors.Is(err, ErrIO), "%v", err)

	require.NoError(t, db.Commit())
	stats, err := db.Stats()
	require.NoError(t, err)
	require.Equal(t, stats.Blocks, stats.FreeBlocks+stats.IndexBlocks+stats.LeafBlocks)
	require.Equal(t, uint64(300), stats.Records)

	for i := 300; i < 900; i++ {
		_, err := db.Insert(intKey(i), []byte("third"))
		require.NoError(t, err)
	}
	require.NoError(t, db.Commit())
	for i := range 900 {
		val, found, err := db.Find(intKey(i))
		require.NoError(t, err)
		require.True(t, found, "key %d", i)
		if i < 300 {
			require.Equal(t, "second", string(val))
		} else {
			require.Equal(t, "third", string(val))
		}
	}
	stats, err = db.Stats()
	require.NoError(t, err)
	require.Equal(t, stats.Blocks, stats.FreeBlocks+stats.IndexBlocks+stats.LeafBlocks)
	require.Equal(t, uint64(900), stats.Records)
}

// TestDatabaseRollbackAfterDurableHeader rolls back after a commit whose
// new header landed but whose free list update failed.
func TestDatabaseRollbackAfterDurableHeader(t *testing.T) {
	dev := newFaultyDevice()
	db, _ := openDB(t, dev, 4, false)
	defer db.Close()
	for i := range 100 {
		_, err := db.Insert(intKey(i), []byte("v"))
		require.NoError(t, err)
	}
	require.NoError(t, db.Commit())

	for i := 100; i < 150; i++ {
		_, err := db.Insert(intKey(i), []byte("v"))
		require.NoError(t, err)
	}
	dev.headerWrites = 1
	err := db.Commit()
	require.True(t, errors.Is(err, ErrReleasePending), "%v", err)
	require.NoError(t, db.Rollback())

	found, err := db.Contains(intKey(120))
	require.NoError(t, err)
	require.True(t, found)

	count, err := db.RecordCount()
	require.NoError(t, err)
	var walked uint64
	require.NoError(t, db.ForAll(func(_, _ []byte) bool {
		walked++
		return true
	}))
	require.Equal(t, uint64(150), count)
	require.Equal(t, walked, count)
}

// TestDatabaseFailedUpdate checks that a read failure inside the tree drops
// the pending transaction and keeps the record count consistent.
func TestDatabaseFailedUpdate(t *testing.T) {
	dev := newFaultyDevice()
	db, _ := openDB(t, dev, 4, false)
	defer db.Close()
	for i := range 300 {
		_, err := db.Insert(intKey(i), []byte("v"))
		require.NoError(t, err)
	}
	require.NoError(t, db.Commit())

	for i := 1000; i < 1010; i++ {
		_, err := db.Insert(intKey(i), []byte("pending"))
		require.NoError(t, err)
	}

	// the leaf holding key 5 is committed, so it comes from the device
	dev.failReads = true
	_, err := db.Insert(intKey(5), []byte("changed"))
	require.ErrorIs(t, err, errInjected)
	_, err = db.Remove(intKey(6))
	require.ErrorIs(t, err, errInjected)
	dev.failReads = false

	count, err := db.RecordCount()
	require.NoError(t, err)
	require.Equal(t, uint64(300), count)
	found, err := db.Contains(intKey(1005))
	require.NoError(t, err)
	require.False(t, found)
	val, _, err := db.Find(intKey(5))
	require.NoError(t, err)
	require.Equal(t, "v", string(val))
}
