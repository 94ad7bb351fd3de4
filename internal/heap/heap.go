// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package heap manages the fixed-size blocks behind the header: block
// addressing, the free list and the overlay of pending writes that makes
// up a transaction.
//
// Committed blocks are never overwritten inside a transaction. Callers
// check Fresh before rewriting a block and relocate committed ones; Free of
// a committed block is deferred until the new header is durable.
package heap

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/dacapoday/btreedb"
)

type Heap struct {
	device    btreedb.Device
	logger    *zap.Logger
	blockSize int

	// committed is the header currently on the device.
	committed Header

	root       BlockID
	rootIsLeaf bool
	freeHead   BlockID
	blockCount uint32

	overlay  overlay
	fresh    map[BlockID]struct{}
	released []BlockID

	ignoreInvalidFreelist bool
}

// Load reads the header from device, or prepares a fresh one when the device
// is empty. created reports the latter; the caller must then set a root and Commit.
func (heap *Heap) Load(device btreedb.Device, opt Option) (created bool, err error) {
	heap.device = device
	heap.logger = opt.Logger()
	heap.blockSize = opt.BlockSize()
	heap.ignoreInvalidFreelist = opt.IgnoreInvalidFreelist()
	heap.overlay.init()
	heap.fresh = make(map[BlockID]struct{})
	heap.released = nil

	size := device.Size()
	if size == 0 {
		heap.committed = Header{
			ContentID:  opt.ContentIdentifier(),
			BlockSize:  uint32(opt.BlockSize()),
			KeySize:    uint32(opt.KeySize()),
			Root:       btreedb.InvalidBlock,
			RootIsLeaf: true,
			FreeHead:   btreedb.InvalidBlock,
			DeviceSize: btreedb.HeaderSize,
		}
		if _, err = heap.committed.MarshalBinary(); err != nil {
			return
		}
		heap.restore()
		created = true
		return
	}

	buf := make([]byte, btreedb.HeaderSize)
	n, err := device.Read(0, buf)
	if err != nil {
		err = btreedb.IOError(err, "read header")
		return
	}
	if err = heap.committed.UnmarshalBinary(buf[:n]); err != nil {
		return
	}

	header := &heap.committed
	if header.ContentID != opt.ContentIdentifier() {
		err = errors.Wrapf(ErrConfig, "content identifier %q, want %q", header.ContentID, opt.ContentIdentifier())
		return
	}
	if int(header.KeySize) != opt.KeySize() {
		err = errors.Wrapf(ErrConfig, "key size %d, want %d", header.KeySize, opt.KeySize())
		return
	}
	if int(header.BlockSize) != opt.BlockSize() {
		err = errors.Wrapf(ErrConfig, "block size %d, want %d", header.BlockSize, opt.BlockSize())
		return
	}
	if header.DeviceSize < btreedb.HeaderSize || (header.DeviceSize-btreedb.HeaderSize)%uint64(header.BlockSize) != 0 {
		err = errors.Wrapf(ErrCorrupt, "header: device size %d does not match block size %d", header.DeviceSize, header.BlockSize)
		return
	}
	heap.restore()
	if !header.Root.Valid() || uint32(header.Root) >= heap.blockCount {
		err = errors.Wrapf(ErrCorrupt, "header: root %d out of %d blocks", header.Root, heap.blockCount)
	}
	return
}

// restore resets the in-memory transaction state to the committed header.
func (heap *Heap) restore() {
	header := &heap.committed
	heap.root = header.Root
	heap.rootIsLeaf = header.RootIsLeaf
	heap.freeHead = header.FreeHead
	heap.blockCount = uint32((header.DeviceSize - btreedb.HeaderSize) / uint64(header.BlockSize))
}

func (heap *Heap) BlockSize() int { return heap.blockSize }

func (heap *Heap) KeySize() int { return int(heap.committed.KeySize) }

func (heap *Heap) ContentIdentifier() string { return heap.committed.ContentID }

// BlockCount returns the number of blocks including uncommitted allocations.
func (heap *Heap) BlockCount() uint32 { return heap.blockCount }

func (heap *Heap) Root() (id BlockID, isLeaf bool) {
	return heap.root, heap.rootIsLeaf
}

func (heap *Heap) SetRoot(id BlockID, isLeaf bool) {
	heap.root = id
	heap.rootIsLeaf = isLeaf
}

// Fresh reports whether id was allocated by the current transaction and may be rewritten in place.
func (heap *Heap) Fresh(id BlockID) bool {
	_, ok := heap.fresh[id]
	return ok
}

// Pending reports whether the current transaction holds uncommitted changes.
func (heap *Heap) Pending() bool {
	header := &heap.committed
	return heap.overlay.len() != 0 ||
		len(heap.released) != 0 ||
		heap.root != header.Root ||
		heap.rootIsLeaf != header.RootIsLeaf ||
		heap.freeHead != header.FreeHead ||
		heap.blockCount != uint32((header.DeviceSize-btreedb.HeaderSize)/uint64(header.BlockSize))
}

// ReadBlock returns the content of block id, including pending writes.
// The returned slice must not be modified.
func (heap *Heap) ReadBlock(id BlockID) ([]byte, error) {
	if uint32(id) >= heap.blockCount {
		return nil, btreedb.Corrupt(id, "out of range, %d blocks", heap.blockCount)
	}
	if data, ok := heap.overlay.get(id); ok {
		return data, nil
	}
	buf := make([]byte, heap.blockSize)
	if _, err := heap.device.Read(id.Offset(heap.blockSize), buf); err != nil {
		return nil, btreedb.IOError(err, "read block %d", id)
	}
	return buf, nil
}

// WriteBlock stages data as the new content of block id.
// data is padded to the block size and owned by the heap afterwards.
func (heap *Heap) WriteBlock(id BlockID, data []byte) error {
	if uint32(id) >= heap.blockCount {
		return btreedb.Corrupt(id, "write out of range, %d blocks", heap.blockCount)
	}
	if len(data) > heap.blockSize {
		return errors.AssertionFailedf("block %d: %d bytes exceed block size %d", id, len(data), heap.blockSize)
	}
	if len(data) < heap.blockSize {
		block := make([]byte, heap.blockSize)
		copy(block, data)
		data = block
	}
	heap.overlay.put(id, data)
	return nil
}

// Allocate pops the free list head, or grows the device by one block.
func (heap *Heap) Allocate() (id BlockID, err error) {
	if heap.freeHead.Valid() {
		id = heap.freeHead
		var block []byte
		var next BlockID
		if block, err = heap.ReadBlock(id); err == nil {
			next, err = decodeFree(id, block)
		}
		if err == nil {
			heap.freeHead = next
			heap.fresh[id] = struct{}{}
			return
		}
		if !heap.ignoreInvalidFreelist || errors.Is(err, ErrIO) {
			return btreedb.InvalidBlock, errors.Wrap(err, "allocate")
		}
		heap.logger.Warn("truncating invalid free list", zap.Uint32("head", uint32(id)), zap.Error(err))
		heap.freeHead = btreedb.InvalidBlock
		err = nil
	}

	if heap.blockCount >= uint32(btreedb.InvalidBlock) {
		return btreedb.InvalidBlock, ErrNoSpace
	}
	id = BlockID(heap.blockCount)
	heap.blockCount++
	heap.fresh[id] = struct{}{}
	return
}

// Free returns id to the free list. Blocks committed before this
// transaction are held back until Commit has written the new header.
func (heap *Heap) Free(id BlockID) error {
	if uint32(id) >= heap.blockCount {
		return btreedb.Corrupt(id, "free out of range, %d blocks", heap.blockCount)
	}
	if !heap.Fresh(id) {
		heap.released = append(heap.released, id)
		return nil
	}
	delete(heap.fresh, id)
	block := make([]byte, heap.blockSize)
	encodeFree(block, heap.freeHead)
	heap.overlay.put(id, block)
	heap.freeHead = id
	return nil
}

// FreeCount walks the free list, including blocks held back by this transaction.
func (heap *Heap) FreeCount() (count int, err error) {
	for id := heap.freeHead; id.Valid(); count++ {
		if uint32(count) > heap.blockCount {
			return 0, btreedb.Corrupt(id, "free list cycle")
		}
		block, err := heap.ReadBlock(id)
		if err != nil {
			return 0, err
		}
		if id, err = decodeFree(id, block); err != nil {
			return 0, err
		}
	}
	count += len(heap.released)
	return
}

// Commit writes pending blocks, then the header, then threads released
// blocks onto the free list and writes the header again.
//
// A failure before the first header write leaves the previous tree intact.
// Once that header is written the transaction is durable: a later failure
// is marked ErrReleasePending, and calling Commit again finishes threading
// the remaining released blocks. Rolling back instead leaks them.
func (heap *Heap) Commit() (err error) {
	if !heap.Pending() {
		return nil
	}

	size := btreedb.BlockID(heap.blockCount).Offset(heap.blockSize)
	if size > heap.device.Size() {
		if err = heap.device.Resize(size); err != nil {
			return btreedb.IOError(err, "resize to %d", size)
		}
	}

	written := heap.overlay.len()
	err = heap.overlay.ascend(func(id BlockID, data []byte) error {
		return heap.write(id.Offset(heap.blockSize), data)
	})
	if err != nil {
		return
	}
	if err = heap.flush(); err != nil {
		return
	}
	if err = heap.writeHeader(uint64(size)); err != nil {
		return
	}
	heap.overlay.reset()
	clear(heap.fresh)

	released := len(heap.released)
	if released > 0 {
		if err = heap.threadReleased(uint64(size)); err != nil {
			return errors.Mark(err, ErrReleasePending)
		}
	}

	heap.logger.Debug("commit",
		zap.Int("written", written),
		zap.Int("released", released),
		zap.Uint32("root", uint32(heap.root)),
		zap.Bool("rootIsLeaf", heap.rootIsLeaf),
		zap.Uint32("freeHead", uint32(heap.freeHead)),
		zap.Uint32("blocks", heap.blockCount))
	return nil
}

// threadReleased pushes released blocks onto the free list one at a time,
// dropping each from released once its marker is written, then writes the header.
func (heap *Heap) threadReleased(size uint64) error {
	block := make([]byte, heap.blockSize)
	for len(heap.released) > 0 {
		id := heap.released[0]
		encodeFree(block, heap.freeHead)
		if err := heap.write(id.Offset(heap.blockSize), block); err != nil {
			return err
		}
		heap.freeHead = id
		heap.released = heap.released[1:]
	}
	heap.released = nil
	if err := heap.flush(); err != nil {
		return err
	}
	return heap.writeHeader(size)
}

// Rollback discards the overlay and restores the committed header state.
func (heap *Heap) Rollback() {
	heap.logger.Debug("rollback",
		zap.Int("discarded", heap.overlay.len()),
		zap.Int("released", len(heap.released)))
	heap.overlay.reset()
	clear(heap.fresh)
	heap.released = heap.released[:0]
	heap.restore()
}

func (heap *Heap) writeHeader(size uint64) error {
	header := heap.committed
	header.Root = heap.root
	header.RootIsLeaf = heap.rootIsLeaf
	header.FreeHead = heap.freeHead
	header.DeviceSize = size
	data, err := header.MarshalBinary()
	if err != nil {
		return err
	}
	if err = heap.write(0, data); err != nil {
		return err
	}
	if err = heap.flush(); err != nil {
		return err
	}
	heap.committed = header
	return nil
}

func (heap *Heap) write(offset int64, data []byte) error {
	n, err := heap.device.Write(offset, data)
	if err == nil && n != len(data) {
		err = errors.Newf("short write %d of %d bytes", n, len(data))
	}
	return btreedb.IOError(err, "write at %d", offset)
}

func (heap *Heap) flush() error {
	return btreedb.IOError(heap.device.Flush(), "flush")
}
