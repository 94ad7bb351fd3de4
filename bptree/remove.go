// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package bptree

import (
	"slices"
)

type removal struct {
	id        BlockID
	removed   bool
	underflow bool
}

// Remove deletes key and reports whether it was present.
// Underfull nodes are merged with or borrow from a sibling; an index root
// left with a single child is collapsed into that child.
func (tree *Tree[S]) Remove(key []byte) (removed bool, err error) {
	root, isLeaf := tree.store.Root()
	var res removal
	if isLeaf {
		res, err = tree.removeLeaf(root, key)
	} else {
		res, err = tree.removeIndex(root, -1, key)
	}
	if err != nil || !res.removed {
		return
	}

	root = res.id
	for !isLeaf {
		var node *Index
		if node, err = tree.readIndex(root, -1); err != nil {
			return
		}
		if len(node.Keys) > 0 {
			break
		}
		if err = tree.freeIndex(root); err != nil {
			return
		}
		root = node.Children[0]
		isLeaf = node.Level == 0
	}
	tree.store.SetRoot(root, isLeaf)
	return true, nil
}

func (tree *Tree[S]) removeLeaf(id BlockID, key []byte) (res removal, err error) {
	res.id = id
	leaf, err := tree.readLeaf(id)
	if err != nil {
		return
	}
	i, found := leaf.search(key)
	if !found {
		return
	}
	leaf.delete(i)
	if leaf.Self, err = tree.relocate(id); err != nil {
		return
	}
	if err = tree.writeLeaf(leaf); err != nil {
		return
	}
	res.id = leaf.Self
	res.removed = true
	res.underflow = tree.underfull(leaf)
	return
}

func (tree *Tree[S]) removeIndex(id BlockID, level int, key []byte) (res removal, err error) {
	res.id = id
	node, err := tree.readIndex(id, level)
	if err != nil {
		return
	}
	i := node.child(key)

	var sub removal
	if node.Level == 0 {
		sub, err = tree.removeLeaf(node.Children[i], key)
	} else {
		sub, err = tree.removeIndex(node.Children[i], int(node.Level)-1, key)
	}
	if err != nil || !sub.removed {
		return
	}

	node = node.clone()
	node.Children[i] = sub.id
	if sub.underflow && len(node.Children) > 1 {
		if node.Level == 0 {
			err = tree.rebalanceLeaves(node, i)
		} else {
			err = tree.rebalanceIndexes(node, i)
		}
		if err != nil {
			return
		}
	}

	if node.Self, err = tree.relocate(id); err != nil {
		return
	}
	if err = tree.writeIndex(node); err != nil {
		return
	}
	res.id = node.Self
	res.removed = true
	res.underflow = len(node.Keys) < tree.minKeys()
	return
}

// siblings picks the pair (l, l+1) of children around the underfull child i.
func siblings(i int) (l, r int) {
	if i > 0 {
		return i - 1, i
	}
	return i, i + 1
}

// rebalanceLeaves merges the underfull leaf at position i of parent with a
// sibling, or moves one entry across their boundary when the merge would
// overflow a block. parent is updated in memory only.
func (tree *Tree[S]) rebalanceLeaves(parent *Index, i int) (err error) {
	l, r := siblings(i)
	left, err := tree.readLeaf(parent.Children[l])
	if err != nil {
		return
	}
	right, err := tree.readLeaf(parent.Children[r])
	if err != nil {
		return
	}

	merged := &Leaf{
		Self:  left.Self,
		Keys:  slices.Concat(left.Keys, right.Keys),
		Vals:  slices.Concat(left.Vals, right.Vals),
		chain: left.chain,
	}
	if tree.fits(merged) {
		if merged.Self, err = tree.relocate(left.Self); err != nil {
			return
		}
		if err = tree.writeLeaf(merged); err != nil {
			return
		}
		if err = tree.freeLeaf(right); err != nil {
			return
		}
		parent.Children[l] = merged.Self
		parent.Keys = slices.Delete(parent.Keys, l, l+1)
		parent.Children = slices.Delete(parent.Children, r, r+1)
		return
	}

	if i == l {
		if len(right.Keys) < 2 {
			return
		}
		left.insert(len(left.Keys), right.Keys[0], right.Vals[0])
		right.delete(0)
		if !tree.fits(left) {
			return
		}
	} else {
		last := len(left.Keys) - 1
		if last < 1 {
			return
		}
		right.insert(0, left.Keys[last], left.Vals[last])
		left.delete(last)
		if !tree.fits(right) {
			return
		}
	}

	if left.Self, err = tree.relocate(left.Self); err != nil {
		return
	}
	if err = tree.writeLeaf(left); err != nil {
		return
	}
	if right.Self, err = tree.relocate(right.Self); err != nil {
		return
	}
	if err = tree.writeLeaf(right); err != nil {
		return
	}
	parent.Children[l] = left.Self
	parent.Children[r] = right.Self
	parent.Keys[l] = right.Keys[0]
	return
}

// rebalanceIndexes is rebalanceLeaves for index children: merge through
// the parent separator, or rotate one child pointer across it.
func (tree *Tree[S]) rebalanceIndexes(parent *Index, i int) (err error) {
	level := int(parent.Level) - 1
	lpos, r := siblings(i)
	left, err := tree.readIndex(parent.Children[lpos], level)
	if err != nil {
		return
	}
	right, err := tree.readIndex(parent.Children[r], level)
	if err != nil {
		return
	}
	left, right = left.clone(), right.clone()
	sep := parent.Keys[lpos]

	if len(left.Keys)+len(right.Keys)+1 <= tree.maxKeys {
		left.Keys = slices.Concat(left.Keys, [][]byte{sep}, right.Keys)
		left.Children = slices.Concat(left.Children, right.Children)
		if left.Self, err = tree.relocate(left.Self); err != nil {
			return
		}
		if err = tree.writeIndex(left); err != nil {
			return
		}
		if err = tree.freeIndex(right.Self); err != nil {
			return
		}
		parent.Children[lpos] = left.Self
		parent.Keys = slices.Delete(parent.Keys, lpos, lpos+1)
		parent.Children = slices.Delete(parent.Children, r, r+1)
		return
	}

	if i == lpos {
		left.Keys = append(left.Keys, sep)
		left.Children = append(left.Children, right.Children[0])
		parent.Keys[lpos] = right.Keys[0]
		right.Keys = slices.Delete(right.Keys, 0, 1)
		right.Children = slices.Delete(right.Children, 0, 1)
	} else {
		last := len(left.Keys) - 1
		right.Keys = slices.Insert(right.Keys, 0, sep)
		right.Children = slices.Insert(right.Children, 0, left.Children[last+1])
		parent.Keys[lpos] = left.Keys[last]
		left.Keys = left.Keys[:last]
		left.Children = left.Children[:last+1]
	}

	if left.Self, err = tree.relocate(left.Self); err != nil {
		return
	}
	if err = tree.writeIndex(left); err != nil {
		return
	}
	if right.Self, err = tree.relocate(right.Self); err != nil {
		return
	}
	if err = tree.writeIndex(right); err != nil {
		return
	}
	parent.Children[lpos] = left.Self
	parent.Children[r] = right.Self
	return
}
