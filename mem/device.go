// Package mem provides an in-memory btreedb.Device for tests and
// ephemeral databases.
package mem

import (
	"io"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/dacapoday/btreedb"
)

var ErrNegativeOffset = errors.New("negative offset")

const chunkSize = 32 * 1024

// Device is a growable in-memory buffer.
// It is safe for concurrent use by multiple goroutines.
//
// Device requires no initialization - just declare and use:
//
//	var dev Device
//	dev.Write(0, []byte("hello"))
type Device struct {
	rw     sync.RWMutex
	chunks [][]byte
	size   int64
}

var _ btreedb.Device = new(Device)

// Size returns the current size of the device in bytes.
func (dev *Device) Size() int64 {
	dev.rw.RLock()
	defer dev.rw.RUnlock()
	return dev.size
}

// Read copies data at offset into p.
// Bytes past the end of the device are not read; the short count is returned with a nil error.
func (dev *Device) Read(offset int64, p []byte) (n int, err error) {
	if offset < 0 {
		return 0, ErrNegativeOffset
	}
	dev.rw.RLock()
	defer dev.rw.RUnlock()
	if offset >= dev.size {
		return 0, nil
	}
	if rest := dev.size - offset; int64(len(p)) > rest {
		p = p[:rest]
	}
	for len(p) > 0 {
		c := copy(p, dev.chunks[offset/chunkSize][offset%chunkSize:])
		n += c
		p = p[c:]
		offset += int64(c)
	}
	return
}

// Write copies p to offset, growing the device and zero filling any gap.
func (dev *Device) Write(offset int64, p []byte) (n int, err error) {
	if offset < 0 {
		return 0, ErrNegativeOffset
	}
	if len(p) == 0 {
		return 0, nil
	}
	dev.rw.Lock()
	defer dev.rw.Unlock()
	if end := offset + int64(len(p)); end > dev.size {
		dev.grow(end)
	}
	for len(p) > 0 {
		c := copy(dev.chunks[offset/chunkSize][offset%chunkSize:], p)
		n += c
		p = p[c:]
		offset += int64(c)
	}
	return
}

// Resize truncates or extends the device. New space reads as zero bytes.
func (dev *Device) Resize(size int64) error {
	if size < 0 {
		return ErrNegativeOffset
	}
	dev.rw.Lock()
	defer dev.rw.Unlock()
	if size >= dev.size {
		dev.grow(size)
		return nil
	}
	keep := (size + chunkSize - 1) / chunkSize
	if rem := size % chunkSize; rem != 0 {
		clear(dev.chunks[keep-1][rem:])
	}
	clear(dev.chunks[keep:])
	dev.chunks = dev.chunks[:keep]
	dev.size = size
	return nil
}

// Flush is a no-op for memory.
func (dev *Device) Flush() error {
	return nil
}

// Reset drops all data. The device may be used again afterwards.
func (dev *Device) Reset() {
	dev.rw.Lock()
	dev.chunks = nil
	dev.size = 0
	dev.rw.Unlock()
}

func (dev *Device) grow(size int64) {
	for int64(len(dev.chunks))*chunkSize < size {
		dev.chunks = append(dev.chunks, make([]byte, chunkSize))
	}
	dev.size = size
}

// ReadFrom replaces the device content with everything read from r until EOF.
// It implements io.ReaderFrom.
func (dev *Device) ReadFrom(r io.Reader) (n int64, err error) {
	dev.rw.Lock()
	defer dev.rw.Unlock()
	dev.chunks = nil
	dev.size = 0
	for {
		chunk := make([]byte, chunkSize)
		c, err := io.ReadFull(r, chunk)
		if c > 0 {
			dev.chunks = append(dev.chunks, chunk)
			dev.size += int64(c)
			n += int64(c)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
}

// WriteTo writes the whole device content to w.
// It implements io.WriterTo and holds the lock for a consistent snapshot.
func (dev *Device) WriteTo(w io.Writer) (n int64, err error) {
	dev.rw.RLock()
	defer dev.rw.RUnlock()
	rest := dev.size
	for _, chunk := range dev.chunks {
		if rest < chunkSize {
			chunk = chunk[:rest]
		}
		c, err := w.Write(chunk)
		n += int64(c)
		if err != nil {
			return n, err
		}
		rest -= int64(c)
	}
	return
}
