// Package btreedb defines the basic types shared by the block-based B-tree
// key-value store: the storage Device, block addressing and error kinds.
//
// The engine itself lives in package kv; memory and file devices live in
// packages mem and disk.
package btreedb

import "math"

// Device is byte-addressable random-access storage.
// A Device is exclusively owned by one database instance.
type Device interface {
	// Read reads up to len(p) bytes at offset and returns the number of
	// bytes actually read. Reading past the end of data is not an error;
	// it returns a short count, down to zero.
	Read(offset int64, p []byte) (n int, err error)

	// Write writes p at offset, extending the device if needed.
	// A short write is returned with a non-nil error and must be treated as fatal.
	Write(offset int64, p []byte) (n int, err error)

	// Size returns the total length of the device in bytes.
	Size() int64

	// Resize truncates or extends the device to size bytes.
	Resize(size int64) error

	// Flush commits written data to stable storage.
	Flush() error
}

// BlockID identifies a block's position on the device.
type BlockID uint32

// InvalidBlock denotes "no block".
const InvalidBlock BlockID = math.MaxUint32

// HeaderSize is the size of the header at device offset 0.
const HeaderSize = 512

// Offset returns the device offset of block id for the given block size.
func (id BlockID) Offset(blockSize int) int64 {
	return HeaderSize + int64(id)*int64(blockSize)
}

// Valid reports whether id addresses a block.
func (id BlockID) Valid() bool {
	return id != InvalidBlock
}
