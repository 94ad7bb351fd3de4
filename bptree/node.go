// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package bptree

import (
	"bytes"
	"encoding/binary"
	"slices"
	"sort"

	"github.com/dacapoday/btreedb"
	"github.com/dacapoday/btreedb/overflow"
)

type BlockID = btreedb.BlockID

var (
	IndexTag = overflow.Tag{'I', 'I'}
	LeafTag  = overflow.Tag{'L', 'L'}
)

// Index block layout (big-endian):
//
//	"II" | u8 level | u32 count | u32 begin | count × (key[keySize] | u32 child)
const IndexHeadSize = 2 + 1 + 4 + 4

// MaxIndexKeys returns the fan-out bound of an index node: the number of
// (separator, child) pairs that fit in one block.
func MaxIndexKeys(blockSize, keySize int) int {
	return (blockSize - IndexHeadSize) / (keySize + 4)
}

// Index is a decoded index node.
// Children[0] is the begin child for keys below Keys[0]; Keys[i] separates
// Children[i] and Children[i+1], and keys equal to a separator route right.
// Level 0 nodes point directly at leaves.
//
// A cached Index is shared: clone it before changing it.
type Index struct {
	Self     BlockID
	Level    uint8
	Keys     [][]byte
	Children []BlockID
}

func (node *Index) clone() *Index {
	return &Index{
		Self:     node.Self,
		Level:    node.Level,
		Keys:     slices.Clone(node.Keys),
		Children: slices.Clone(node.Children),
	}
}

// child returns the position in Children to descend into for key.
func (node *Index) child(key []byte) int {
	return sort.Search(len(node.Keys), func(i int) bool {
		return bytes.Compare(node.Keys[i], key) > 0
	})
}

func (node *Index) encode(blockSize, keySize int) []byte {
	buf := make([]byte, blockSize)
	copy(buf, IndexTag[:])
	buf[2] = node.Level
	binary.BigEndian.PutUint32(buf[3:], uint32(len(node.Keys)))
	binary.BigEndian.PutUint32(buf[7:], uint32(node.Children[0]))
	off := IndexHeadSize
	for i, key := range node.Keys {
		copy(buf[off:], key)
		off += keySize
		binary.BigEndian.PutUint32(buf[off:], uint32(node.Children[i+1]))
		off += 4
	}
	return buf
}

func decodeIndex(id BlockID, data []byte, keySize, maxKeys int) (*Index, error) {
	if len(data) < IndexHeadSize || data[0] != IndexTag[0] || data[1] != IndexTag[1] {
		return nil, btreedb.Corrupt(id, "expected index block, found %q", data[:min(len(data), 2)])
	}
	count := binary.BigEndian.Uint32(data[3:])
	if count > uint32(maxKeys) {
		return nil, btreedb.Corrupt(id, "index claims %d keys, max %d", count, maxKeys)
	}
	if need := IndexHeadSize + int(count)*(keySize+4); need > len(data) {
		return nil, btreedb.Corrupt(id, "index needs %d bytes, block has %d", need, len(data))
	}
	begin := BlockID(binary.BigEndian.Uint32(data[7:]))

	node := &Index{
		Self:     id,
		Level:    data[2],
		Keys:     make([][]byte, count),
		Children: make([]BlockID, 0, count+1),
	}
	if begin.Valid() {
		node.Children = append(node.Children, begin)
	}
	pairs := bytes.Clone(data[IndexHeadSize : IndexHeadSize+int(count)*(keySize+4)])
	for i := range node.Keys {
		node.Keys[i] = pairs[:keySize:keySize]
		node.Children = append(node.Children, BlockID(binary.BigEndian.Uint32(pairs[keySize:])))
		pairs = pairs[keySize+4:]
	}
	if !begin.Valid() {
		// Without a begin pointer the first pair's child also takes keys below its separator.
		if count == 0 {
			return nil, btreedb.Corrupt(id, "index has no children")
		}
		node.Keys = node.Keys[1:]
	}
	if !ascending(node.Keys) {
		return nil, btreedb.Corrupt(id, "index keys out of order")
	}
	return node, nil
}

// Leaf is a decoded leaf node. Its serialized form
//
//	uvarint count | count × (key[keySize] | uvarint len | val)
//
// is stored as a stream over the leaf block and its continuation chain.
type Leaf struct {
	Self  BlockID
	Keys  [][]byte
	Vals  [][]byte
	chain []BlockID
}

// search returns the position of key, or where it would be inserted.
func (leaf *Leaf) search(key []byte) (int, bool) {
	return sort.Find(len(leaf.Keys), func(i int) int {
		return bytes.Compare(key, leaf.Keys[i])
	})
}

func (leaf *Leaf) insert(i int, key, val []byte) {
	leaf.Keys = slices.Insert(leaf.Keys, i, key)
	leaf.Vals = slices.Insert(leaf.Vals, i, val)
}

func (leaf *Leaf) delete(i int) {
	leaf.Keys = slices.Delete(leaf.Keys, i, i+1)
	leaf.Vals = slices.Delete(leaf.Vals, i, i+1)
}

func entrySize(keySize int, val []byte) int {
	return keySize + sizeUvarint(len(val)) + len(val)
}

// size returns the length of the serialized leaf.
func (leaf *Leaf) size(keySize int) int {
	size := sizeUvarint(len(leaf.Keys))
	for _, val := range leaf.Vals {
		size += entrySize(keySize, val)
	}
	return size
}

func (leaf *Leaf) encode(keySize int) []byte {
	buf := make([]byte, 0, leaf.size(keySize))
	buf = binary.AppendUvarint(buf, uint64(len(leaf.Keys)))
	for i, key := range leaf.Keys {
		buf = append(buf, key...)
		buf = binary.AppendUvarint(buf, uint64(len(leaf.Vals[i])))
		buf = append(buf, leaf.Vals[i]...)
	}
	return buf
}

func decodeLeaf(id BlockID, stream []byte, chain []BlockID, keySize int) (*Leaf, error) {
	count, n := binary.Uvarint(stream)
	if n <= 0 {
		return nil, btreedb.Corrupt(id, "bad leaf entry count")
	}
	stream = stream[n:]
	if count > uint64(len(stream)/(keySize+1)) {
		return nil, btreedb.Corrupt(id, "leaf claims %d entries in %d bytes", count, len(stream))
	}

	leaf := &Leaf{
		Self:  id,
		Keys:  make([][]byte, count),
		Vals:  make([][]byte, count),
		chain: chain,
	}
	for i := range leaf.Keys {
		if len(stream) < keySize+1 {
			return nil, btreedb.Corrupt(id, "leaf entry %d truncated", i)
		}
		leaf.Keys[i] = stream[:keySize:keySize]
		stream = stream[keySize:]

		size, n := binary.Uvarint(stream)
		if n <= 0 || size > uint64(len(stream)-n) {
			return nil, btreedb.Corrupt(id, "leaf entry %d value overruns block", i)
		}
		stream = stream[n:]
		leaf.Vals[i] = stream[:size:size]
		stream = stream[size:]
	}
	if !ascending(leaf.Keys) {
		return nil, btreedb.Corrupt(id, "leaf keys out of order")
	}
	return leaf, nil
}

func ascending(keys [][]byte) bool {
	for i := 1; i < len(keys); i++ {
		if bytes.Compare(keys[i-1], keys[i]) >= 0 {
			return false
		}
	}
	return true
}

func sizeUvarint(x int) int {
	switch {
	case x < 1<<7:
		return 1
	case x < 1<<14:
		return 2
	case x < 1<<21:
		return 3
	case x < 1<<28:
		return 4
	case x < 1<<35:
		return 5
	case x < 1<<42:
		return 6
	case x < 1<<49:
		return 7
	case x < 1<<56:
		return 8
	default:
		return 9
	}
}
