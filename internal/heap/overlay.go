// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package heap

import "github.com/google/btree"

// overlay holds pending block writes of the current transaction,
// ordered by block index so commit writes ascend through the device.
type overlay struct {
	tree *btree.BTreeG[pending]
}

type pending struct {
	id   BlockID
	data []byte
}

func lessPending(a, b pending) bool {
	return a.id < b.id
}

func (o *overlay) init() {
	o.tree = btree.NewG(16, lessPending)
}

func (o *overlay) get(id BlockID) ([]byte, bool) {
	p, ok := o.tree.Get(pending{id: id})
	return p.data, ok
}

func (o *overlay) put(id BlockID, data []byte) {
	o.tree.ReplaceOrInsert(pending{id, data})
}

func (o *overlay) len() int {
	return o.tree.Len()
}

func (o *overlay) ascend(fn func(id BlockID, data []byte) error) (err error) {
	o.tree.Ascend(func(p pending) bool {
		err = fn(p.id, p.data)
		return err == nil
	})
	return
}

func (o *overlay) reset() {
	o.tree.Clear(true)
}
