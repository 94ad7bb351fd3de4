// Package overflow provides a method for reading and writing arbitrary-length
// byte streams on top of fixed-size blocks. It uses a singly-linked list to
// chain continuation blocks when the stream exceeds a single block.
//
// Every block of a chain has the same layout:
//
//	tag[2] | payload[blockSize-6] | u32 next
//
// next is btreedb.InvalidBlock on the last block.
package overflow

import (
	"encoding/binary"

	"github.com/dacapoday/btreedb"
)

type BlockID = btreedb.BlockID

// Tag is the two-byte type marker leading every block of a chain.
type Tag [2]byte

const (
	TagSize  = 2
	NextSize = 4
)

type ReadOnly interface {
	BlockSize() int
	ReadBlock(id BlockID) ([]byte, error)
}

type ReadWrite interface {
	ReadOnly
	WriteBlock(id BlockID, data []byte) error
	Allocate() (BlockID, error)
	Free(id BlockID) error
}

// PayloadSize returns the number of stream bytes one block carries.
func PayloadSize(blockSize int) int {
	return blockSize - TagSize - NextSize
}

// Next returns the continuation pointer stored in a chain block.
func Next(block []byte) BlockID {
	return BlockID(binary.BigEndian.Uint32(block[len(block)-NextSize:]))
}

// Read follows the chain from head and returns the concatenated payload,
// trailing padding included, and the continuation blocks after head.
func Read[B ReadOnly](block B, tag Tag, head BlockID) (stream []byte, chain []BlockID, err error) {
	blockSize := block.BlockSize()
	seen := map[BlockID]struct{}{head: {}}
	id := head
	for {
		var data []byte
		if data, err = block.ReadBlock(id); err != nil {
			return
		}
		if len(data) != blockSize || data[0] != tag[0] || data[1] != tag[1] {
			err = btreedb.Corrupt(id, "expected %q block, found %q", tag[:], data[:min(len(data), TagSize)])
			return
		}
		stream = append(stream, data[TagSize:blockSize-NextSize]...)

		next := Next(data)
		if !next.Valid() {
			return
		}
		if _, ok := seen[next]; ok {
			err = btreedb.Corrupt(id, "chain loops back to %d", next)
			return
		}
		seen[next] = struct{}{}
		chain = append(chain, next)
		id = next
	}
}

// Write stores stream in head followed by newly allocated continuation
// blocks, and returns the continuation blocks.
// head must already be writable by the caller.
func Write[B ReadWrite](block B, tag Tag, head BlockID, stream []byte) (chain []BlockID, err error) {
	blockSize := block.BlockSize()
	payload := PayloadSize(blockSize)

	count := (len(stream) + payload - 1) / payload
	for i := 1; i < count; i++ {
		var id BlockID
		if id, err = block.Allocate(); err != nil {
			return
		}
		chain = append(chain, id)
	}

	id := head
	for i := 0; ; i++ {
		buf := make([]byte, blockSize)
		copy(buf, tag[:])
		rest := stream[min(i*payload, len(stream)):]
		copy(buf[TagSize:blockSize-NextSize], rest)

		next := btreedb.InvalidBlock
		if i < len(chain) {
			next = chain[i]
		}
		binary.BigEndian.PutUint32(buf[blockSize-NextSize:], uint32(next))
		if err = block.WriteBlock(id, buf); err != nil {
			return
		}
		if !next.Valid() {
			return
		}
		id = next
	}
}

// Recycle frees the continuation blocks of a chain.
func Recycle[B ReadWrite](block B, chain []BlockID) error {
	for _, id := range chain {
		if err := block.Free(id); err != nil {
			return err
		}
	}
	return nil
}
