package kv

import "sync"

// Reader is the read-only part of Database.
type Reader interface {
	Find(key []byte) (val []byte, found bool, err error)
	Contains(key []byte) (bool, error)
	FindRange(lower, upper []byte) ([]Entry, error)
	ForEach(lower, upper []byte, fn func(key, val []byte) bool) error
	ForAll(fn func(key, val []byte) bool) error
	RecordCount() (uint64, error)
	IndexLevels() (int, error)
	Stats() (Stats, error)
}

var _ Reader = (*Database)(nil)

// Locked shares one Database between goroutines: any number of readers, or
// a single writer.
//
// A panic inside Write or Read releases the lock before propagating, so the
// database stays usable. Changes the panicking writer already made are kept
// in the pending transaction; call Rollback to drop them.
type Locked struct {
	mutex sync.RWMutex
	db    *Database
}

func NewLocked(db *Database) *Locked {
	return &Locked{db: db}
}

// Read runs fn holding the read lock.
func (l *Locked) Read(fn func(Reader) error) error {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return fn(l.db)
}

// Write runs fn holding the write lock.
func (l *Locked) Write(fn func(*Database) error) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return fn(l.db)
}

// ReadGuard takes the read lock until release is called. release is idempotent.
func (l *Locked) ReadGuard() (db Reader, release func()) {
	l.mutex.RLock()
	return l.db, sync.OnceFunc(l.mutex.RUnlock)
}

// WriteGuard takes the write lock until release is called. release is idempotent.
func (l *Locked) WriteGuard() (db *Database, release func()) {
	l.mutex.Lock()
	return l.db, sync.OnceFunc(l.mutex.Unlock)
}

// Close closes the database once every reader and writer is done.
func (l *Locked) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.db.Close()
}
