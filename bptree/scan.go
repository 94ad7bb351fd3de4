// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package bptree

import "bytes"

// ForEach calls fn for every entry with lower <= key <= upper in ascending
// byte order, until fn returns false. A nil bound is open.
// Slices passed to fn are only valid during the call.
func (tree *Tree[S]) ForEach(lower, upper []byte, fn func(key, val []byte) bool) error {
	root, isLeaf := tree.store.Root()
	_, err := tree.walk(root, isLeaf, -1, lower, upper, fn)
	return err
}

// walk descends into the child holding lower, then moves right through the
// following children, so each node on the scanned range is read once.
func (tree *Tree[S]) walk(id BlockID, isLeaf bool, level int, lower, upper []byte, fn func(key, val []byte) bool) (more bool, err error) {
	if isLeaf {
		leaf, err := tree.readLeaf(id)
		if err != nil {
			return false, err
		}
		i := 0
		if lower != nil {
			i, _ = leaf.search(lower)
		}
		for ; i < len(leaf.Keys); i++ {
			if upper != nil && bytes.Compare(leaf.Keys[i], upper) > 0 {
				return false, nil
			}
			if !fn(leaf.Keys[i], leaf.Vals[i]) {
				return false, nil
			}
		}
		return true, nil
	}

	node, err := tree.readIndex(id, level)
	if err != nil {
		return false, err
	}
	i := 0
	if lower != nil {
		i = node.child(lower)
	}
	for ; i < len(node.Children); i++ {
		if i > 0 && upper != nil && bytes.Compare(node.Keys[i-1], upper) > 0 {
			return false, nil
		}
		more, err = tree.walk(node.Children[i], node.Level == 0, int(node.Level)-1, lower, upper, fn)
		if err != nil || !more {
			return
		}
	}
	return true, nil
}

// Count returns the number of entries by walking every leaf.
func (tree *Tree[S]) Count() (count uint64, err error) {
	err = tree.ForEach(nil, nil, func(_, _ []byte) bool {
		count++
		return true
	})
	return
}
