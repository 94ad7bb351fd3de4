// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package bptree

// Stats counts the blocks reachable from the root.
type Stats struct {
	IndexBlocks int
	LeafBlocks  int // leaf heads and their continuation blocks
	Levels      int // index levels above the leaves
	Records     uint64
}

// Levels returns the number of index levels above the leaves.
func (tree *Tree[S]) Levels() (int, error) {
	root, isLeaf := tree.store.Root()
	if isLeaf {
		return 0, nil
	}
	node, err := tree.readIndex(root, -1)
	if err != nil {
		return 0, err
	}
	return int(node.Level) + 1, nil
}

func (tree *Tree[S]) Stats() (stats Stats, err error) {
	if stats.Levels, err = tree.Levels(); err != nil {
		return
	}
	root, isLeaf := tree.store.Root()
	err = tree.stats(root, isLeaf, -1, &stats)
	return
}

func (tree *Tree[S]) stats(id BlockID, isLeaf bool, level int, stats *Stats) error {
	if isLeaf {
		leaf, err := tree.readLeaf(id)
		if err != nil {
			return err
		}
		stats.LeafBlocks += 1 + len(leaf.chain)
		stats.Records += uint64(len(leaf.Keys))
		return nil
	}
	node, err := tree.readIndex(id, level)
	if err != nil {
		return err
	}
	stats.IndexBlocks++
	for _, child := range node.Children {
		if err = tree.stats(child, node.Level == 0, int(node.Level)-1, stats); err != nil {
			return err
		}
	}
	return nil
}
