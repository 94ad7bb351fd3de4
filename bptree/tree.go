// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

// Package bptree implements the on-disk B+ tree: index and leaf block
// encoding, search, insertion with splits, removal with merges and
// rebalancing, and ordered range scans.
//
// Nodes reference each other only by block index. A node stored in a block
// committed by an earlier transaction is never rewritten in place; it is
// relocated to a fresh block and the old block is released, so the previous
// header keeps pointing at an intact tree until the next commit.
package bptree

import (
	"bytes"
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/dacapoday/btreedb"
	"github.com/dacapoday/btreedb/internal/cache"
	"github.com/dacapoday/btreedb/overflow"
)

// Store is the block layer the tree is built on.
type Store interface {
	overflow.ReadWrite

	// Fresh reports whether id was allocated in the current transaction.
	Fresh(id BlockID) bool

	Root() (id BlockID, isLeaf bool)
	SetRoot(id BlockID, isLeaf bool)
}

// Tree runs B+ tree operations against a Store.
// Read operations may run concurrently; mutations need exclusive access.
type Tree[S Store] struct {
	store   S
	cache   *cache.LRU[BlockID, *Index]
	keySize int
	maxKeys int
	leafCap int
}

// New checks that the block size leaves room for a useful fan-out.
func New[S Store](store S, keySize, cacheSize int) (*Tree[S], error) {
	blockSize := store.BlockSize()
	if keySize <= 0 {
		return nil, errors.Wrapf(ErrConfig, "key size %d", keySize)
	}
	maxKeys := MaxIndexKeys(blockSize, keySize)
	if maxKeys < 3 {
		return nil, errors.Wrapf(ErrConfig, "block size %d holds %d keys of size %d, need 3", blockSize, maxKeys, keySize)
	}
	return &Tree[S]{
		store:   store,
		cache:   cache.New[BlockID, *Index](cacheSize),
		keySize: keySize,
		maxKeys: maxKeys,
		leafCap: overflow.PayloadSize(blockSize),
	}, nil
}

func (tree *Tree[S]) KeySize() int { return tree.keySize }

// MaxKeys returns the maximum number of separators in an index node.
func (tree *Tree[S]) MaxKeys() int { return tree.maxKeys }

func (tree *Tree[S]) minKeys() int { return tree.maxKeys / 2 }

// ResizeCache changes the index cache capacity, evicting immediately on shrink.
func (tree *Tree[S]) ResizeCache(size int) int { return tree.cache.Resize(size) }

// Purge drops every cached index node. Call it after a rollback.
func (tree *Tree[S]) Purge() { tree.cache.Purge() }

// Init writes an empty root leaf.
func (tree *Tree[S]) Init() error {
	id, err := tree.store.Allocate()
	if err != nil {
		return err
	}
	if err = tree.writeLeaf(&Leaf{Self: id}); err != nil {
		return err
	}
	tree.store.SetRoot(id, true)
	return nil
}

// readIndex decodes index block id through the cache.
// level is the expected node level, or -1 when unknown.
func (tree *Tree[S]) readIndex(id BlockID, level int) (*Index, error) {
	node, ok := tree.cache.Get(id)
	if !ok {
		data, err := tree.store.ReadBlock(id)
		if err != nil {
			return nil, err
		}
		if node, err = decodeIndex(id, data, tree.keySize, tree.maxKeys); err != nil {
			return nil, err
		}
		tree.cache.Add(id, node)
	}
	if level >= 0 && int(node.Level) != level {
		return nil, btreedb.Corrupt(id, "index level %d, expected %d", node.Level, level)
	}
	return node, nil
}

func (tree *Tree[S]) writeIndex(node *Index) error {
	if err := tree.store.WriteBlock(node.Self, node.encode(tree.store.BlockSize(), tree.keySize)); err != nil {
		return err
	}
	tree.cache.Add(node.Self, node)
	return nil
}

func (tree *Tree[S]) readLeaf(id BlockID) (*Leaf, error) {
	stream, chain, err := overflow.Read(tree.store, LeafTag, id)
	if err != nil {
		return nil, err
	}
	return decodeLeaf(id, stream, chain, tree.keySize)
}

// writeLeaf rewrites the leaf's stream, replacing its continuation chain.
func (tree *Tree[S]) writeLeaf(leaf *Leaf) (err error) {
	if err = overflow.Recycle(tree.store, leaf.chain); err != nil {
		return
	}
	leaf.chain, err = overflow.Write(tree.store, LeafTag, leaf.Self, leaf.encode(tree.keySize))
	return
}

func (tree *Tree[S]) freeLeaf(leaf *Leaf) error {
	if err := overflow.Recycle(tree.store, leaf.chain); err != nil {
		return err
	}
	leaf.chain = nil
	return tree.store.Free(leaf.Self)
}

func (tree *Tree[S]) freeIndex(id BlockID) error {
	tree.cache.Remove(id)
	return tree.store.Free(id)
}

// relocate returns a block the node in id may be written to: id itself when
// fresh, otherwise a newly allocated block, releasing id.
func (tree *Tree[S]) relocate(id BlockID) (BlockID, error) {
	if tree.store.Fresh(id) {
		return id, nil
	}
	next, err := tree.store.Allocate()
	if err != nil {
		return btreedb.InvalidBlock, err
	}
	tree.cache.Remove(id)
	if err = tree.store.Free(id); err != nil {
		return btreedb.InvalidBlock, err
	}
	return next, nil
}

// fits reports whether the leaf needs no split. A single entry always fits;
// it overflows into continuation blocks instead.
func (tree *Tree[S]) fits(leaf *Leaf) bool {
	return len(leaf.Keys) <= 1 || leaf.size(tree.keySize) <= tree.leafCap
}

func (tree *Tree[S]) underfull(leaf *Leaf) bool {
	return len(leaf.Keys) == 0 || leaf.size(tree.keySize) < tree.leafCap/4
}

// Find looks up key. The returned value must not be modified.
func (tree *Tree[S]) Find(key []byte) (val []byte, found bool, err error) {
	id, isLeaf := tree.store.Root()
	level := -1
	for !isLeaf {
		var node *Index
		if node, err = tree.readIndex(id, level); err != nil {
			return
		}
		id = node.Children[node.child(key)]
		level = int(node.Level) - 1
		isLeaf = node.Level == 0
	}

	leaf, err := tree.readLeaf(id)
	if err != nil {
		return
	}
	i, found := leaf.search(key)
	if found {
		val = leaf.Vals[i]
	}
	return
}

type insertion struct {
	id      BlockID
	existed bool
	level   uint8 // level of an index node, unused for leaves

	// set when the node split
	sep   []byte
	right BlockID
}

// Insert stores val under key, overwriting an existing entry and reporting it.
// Neither slice is retained.
func (tree *Tree[S]) Insert(key, val []byte) (existed bool, err error) {
	key = bytes.Clone(key)
	val = bytes.Clone(val)
	if val == nil {
		val = []byte{}
	}

	root, isLeaf := tree.store.Root()
	var res insertion
	if isLeaf {
		res, err = tree.insertLeaf(root, key, val)
	} else {
		res, err = tree.insertIndex(root, -1, key, val)
	}
	if err != nil {
		return
	}
	existed = res.existed

	if res.sep == nil {
		tree.store.SetRoot(res.id, isLeaf)
		return
	}

	node := &Index{
		Keys:     [][]byte{res.sep},
		Children: []BlockID{res.id, res.right},
	}
	if !isLeaf {
		node.Level = res.level + 1
	}
	if node.Self, err = tree.store.Allocate(); err != nil {
		return
	}
	if err = tree.writeIndex(node); err != nil {
		return
	}
	tree.store.SetRoot(node.Self, false)
	return
}

func (tree *Tree[S]) insertLeaf(id BlockID, key, val []byte) (res insertion, err error) {
	leaf, err := tree.readLeaf(id)
	if err != nil {
		return
	}
	i, found := leaf.search(key)
	if found {
		res.existed = true
		if bytes.Equal(leaf.Vals[i], val) {
			res.id = id
			return
		}
		leaf.Vals[i] = val
	} else {
		leaf.insert(i, key, val)
	}

	if tree.fits(leaf) {
		if leaf.Self, err = tree.relocate(id); err != nil {
			return
		}
		res.id = leaf.Self
		err = tree.writeLeaf(leaf)
		return
	}

	mid := tree.splitPoint(leaf)
	right := &Leaf{
		Keys: slices.Clone(leaf.Keys[mid:]),
		Vals: slices.Clone(leaf.Vals[mid:]),
	}
	leaf.Keys = leaf.Keys[:mid:mid]
	leaf.Vals = leaf.Vals[:mid:mid]

	if leaf.Self, err = tree.relocate(id); err != nil {
		return
	}
	if err = tree.writeLeaf(leaf); err != nil {
		return
	}
	if right.Self, err = tree.store.Allocate(); err != nil {
		return
	}
	if err = tree.writeLeaf(right); err != nil {
		return
	}
	res.id = leaf.Self
	res.sep = right.Keys[0]
	res.right = right.Self
	return
}

// splitPoint returns the median by serialized size, keeping both halves non-empty.
func (tree *Tree[S]) splitPoint(leaf *Leaf) int {
	total := leaf.size(tree.keySize)
	var acc int
	for i, val := range leaf.Vals {
		acc += entrySize(tree.keySize, val)
		if acc*2 >= total {
			return min(max(i, 1), len(leaf.Keys)-1)
		}
	}
	return len(leaf.Keys) / 2
}

func (tree *Tree[S]) insertIndex(id BlockID, level int, key, val []byte) (res insertion, err error) {
	node, err := tree.readIndex(id, level)
	if err != nil {
		return
	}
	i := node.child(key)
	child := node.Children[i]

	var sub insertion
	if node.Level == 0 {
		sub, err = tree.insertLeaf(child, key, val)
	} else {
		sub, err = tree.insertIndex(child, int(node.Level)-1, key, val)
	}
	if err != nil {
		return
	}
	res.existed = sub.existed
	res.level = node.Level
	if sub.id == child && sub.sep == nil {
		res.id = id
		return
	}

	node = node.clone()
	node.Children[i] = sub.id
	if sub.sep != nil {
		node.Keys = slices.Insert(node.Keys, i, sub.sep)
		node.Children = slices.Insert(node.Children, i+1, sub.right)
	}

	if len(node.Keys) <= tree.maxKeys {
		if node.Self, err = tree.relocate(id); err != nil {
			return
		}
		res.id = node.Self
		err = tree.writeIndex(node)
		return
	}

	mid := len(node.Keys) / 2
	right := &Index{
		Level:    node.Level,
		Keys:     slices.Clone(node.Keys[mid+1:]),
		Children: slices.Clone(node.Children[mid+1:]),
	}
	res.sep = node.Keys[mid]
	node.Keys = node.Keys[:mid:mid]
	node.Children = node.Children[: mid+1 : mid+1]

	if node.Self, err = tree.relocate(id); err != nil {
		return
	}
	if err = tree.writeIndex(node); err != nil {
		return
	}
	if right.Self, err = tree.store.Allocate(); err != nil {
		return
	}
	if err = tree.writeIndex(right); err != nil {
		return
	}
	res.id = node.Self
	res.right = right.Self
	return
}
