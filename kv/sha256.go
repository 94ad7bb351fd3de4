package kv

import (
	"crypto/sha256"

	"go.uber.org/zap"

	"github.com/dacapoday/btreedb"
)

// Sha256Database stores arbitrary-length keys under their SHA-256 digest.
// Collisions are not detected.
type Sha256Database struct {
	db Database
}

func hashKey(key []byte) []byte {
	sum := sha256.Sum256(key)
	return sum[:]
}

func hashString(key string) []byte {
	return hashKey([]byte(key))
}

// Database returns the underlying database, whose keys are digests.
func (s *Sha256Database) Database() *Database { return &s.db }

func (s *Sha256Database) SetDevice(device btreedb.Device)  { s.db.SetDevice(device) }
func (s *Sha256Database) SetBlockSize(size int)            { s.db.SetBlockSize(size) }
func (s *Sha256Database) SetContentIdentifier(id string)   { s.db.SetContentIdentifier(id) }
func (s *Sha256Database) SetIndexCacheSize(size int)       { s.db.SetIndexCacheSize(size) }
func (s *Sha256Database) SetAutoCommit(on bool)            { s.db.SetAutoCommit(on) }
func (s *Sha256Database) SetLogger(logger *zap.Logger)     { s.db.SetLogger(logger) }
func (s *Sha256Database) SetIgnoreInvalidFreeList(ok bool) { s.db.SetIgnoreInvalidFreeList(ok) }

func (s *Sha256Database) Open() (created bool, err error) {
	s.db.SetKeySize(sha256.Size)
	return s.db.Open()
}

func (s *Sha256Database) Close() error    { return s.db.Close() }
func (s *Sha256Database) Commit() error   { return s.db.Commit() }
func (s *Sha256Database) Rollback() error { return s.db.Rollback() }

func (s *Sha256Database) RecordCount() (uint64, error) { return s.db.RecordCount() }

func (s *Sha256Database) Stats() (Stats, error) { return s.db.Stats() }

func (s *Sha256Database) Find(key []byte) ([]byte, bool, error) { return s.db.Find(hashKey(key)) }

func (s *Sha256Database) Contains(key []byte) (bool, error) { return s.db.Contains(hashKey(key)) }

func (s *Sha256Database) Insert(key, val []byte) (bool, error) {
	return s.db.Insert(hashKey(key), val)
}

func (s *Sha256Database) Remove(key []byte) (bool, error) { return s.db.Remove(hashKey(key)) }

func (s *Sha256Database) FindString(key string) ([]byte, bool, error) {
	return s.db.Find(hashString(key))
}

func (s *Sha256Database) ContainsString(key string) (bool, error) {
	return s.db.Contains(hashString(key))
}

func (s *Sha256Database) InsertString(key string, val []byte) (bool, error) {
	return s.db.Insert(hashString(key), val)
}

func (s *Sha256Database) RemoveString(key string) (bool, error) {
	return s.db.Remove(hashString(key))
}
