// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package heap

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/dacapoday/btreedb"
)

const Magic = "BTreeDB5"

// MaxContentIDSize bounds the content identifier so the header always fits.
const MaxContentIDSize = 255

// Header is the fixed 512-byte block at device offset 0.
//
// Layout (big-endian):
//
//	[0:8]  magic "BTreeDB5"
//	uvarint length + content identifier
//	u32 block size, u32 key size
//	u32 root, u8 root-is-leaf, u32 free head
//	u64 device size
//	zero padding to 512 bytes
type Header struct {
	ContentID  string
	BlockSize  uint32
	KeySize    uint32
	Root       BlockID
	RootIsLeaf bool
	FreeHead   BlockID
	DeviceSize uint64
}

type BlockID = btreedb.BlockID

func (header *Header) MarshalBinary() ([]byte, error) {
	if len(header.ContentID) > MaxContentIDSize {
		return nil, errors.Wrapf(ErrConfig, "content identifier is %d bytes, max %d", len(header.ContentID), MaxContentIDSize)
	}
	buf := make([]byte, 0, btreedb.HeaderSize)
	buf = append(buf, Magic...)
	buf = binary.AppendUvarint(buf, uint64(len(header.ContentID)))
	buf = append(buf, header.ContentID...)
	buf = binary.BigEndian.AppendUint32(buf, header.BlockSize)
	buf = binary.BigEndian.AppendUint32(buf, header.KeySize)
	buf = binary.BigEndian.AppendUint32(buf, uint32(header.Root))
	if header.RootIsLeaf {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(header.FreeHead))
	buf = binary.BigEndian.AppendUint64(buf, header.DeviceSize)
	return buf[:btreedb.HeaderSize], nil
}

func (header *Header) UnmarshalBinary(data []byte) error {
	if len(data) < btreedb.HeaderSize {
		return errors.Wrapf(ErrCorrupt, "header: %d bytes", len(data))
	}
	if string(data[:len(Magic)]) != Magic {
		return errors.Wrapf(ErrCorrupt, "header: bad magic %q", data[:len(Magic)])
	}
	data = data[len(Magic):btreedb.HeaderSize]

	size, n := binary.Uvarint(data)
	if n <= 0 || size > MaxContentIDSize {
		return errors.Wrap(ErrCorrupt, "header: bad content identifier length")
	}
	data = data[n:]
	header.ContentID = string(data[:size])
	data = data[size:]

	header.BlockSize = binary.BigEndian.Uint32(data)
	header.KeySize = binary.BigEndian.Uint32(data[4:])
	header.Root = BlockID(binary.BigEndian.Uint32(data[8:]))
	switch data[12] {
	case 0:
		header.RootIsLeaf = false
	case 1:
		header.RootIsLeaf = true
	default:
		return errors.Wrapf(ErrCorrupt, "header: bad root-is-leaf flag %d", data[12])
	}
	header.FreeHead = BlockID(binary.BigEndian.Uint32(data[13:]))
	header.DeviceSize = binary.BigEndian.Uint64(data[17:])
	return nil
}
