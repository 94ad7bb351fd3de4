// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package heap

import (
	"encoding/binary"

	"github.com/dacapoday/btreedb"
)

// FreeTag marks a free block. A free block stores only the next free index:
//
//	"FF" | u32 next
var FreeTag = [2]byte{'F', 'F'}

const freeSize = 2 + 4

func encodeFree(block []byte, next BlockID) {
	copy(block, FreeTag[:])
	binary.BigEndian.PutUint32(block[2:], uint32(next))
	clear(block[freeSize:])
}

func decodeFree(id BlockID, block []byte) (next BlockID, err error) {
	if len(block) < freeSize || block[0] != FreeTag[0] || block[1] != FreeTag[1] {
		err = btreedb.Corrupt(id, "not a free block")
		return
	}
	next = BlockID(binary.BigEndian.Uint32(block[2:]))
	return
}
