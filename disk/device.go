// Package disk provides a file-backed btreedb.Device.
//
// Files are opened through a billy.Filesystem, so the same device works on the
// OS filesystem (osfs) and on in-memory filesystems (memfs) in tests.
package disk

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"
	billy "gopkg.in/src-d/go-billy.v4"
	"gopkg.in/src-d/go-billy.v4/osfs"

	"github.com/dacapoday/btreedb"
)

// Device is a file-backed device.
// The file size is tracked locally after open, so Size never stats the file.
type Device struct {
	file billy.File
	name string

	mutex sync.Mutex // serializes seek+write pairs
	size  int64
}

var _ btreedb.Device = (*Device)(nil)

// Open opens or creates name in fs and takes an advisory lock on it.
func Open(fs billy.Filesystem, name string) (dev *Device, err error) {
	file, err := fs.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, btreedb.IOError(err, "open %s", name)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, file.Close())
		}
	}()

	if err = file.Lock(); err != nil {
		return nil, btreedb.IOError(err, "lock %s", name)
	}

	info, err := fs.Stat(name)
	if err != nil {
		return nil, btreedb.IOError(err, "stat %s", name)
	}

	return &Device{file: file, name: name, size: info.Size()}, nil
}

// OpenPath opens or creates the file at path on the OS filesystem.
func OpenPath(path string) (*Device, error) {
	return Open(osfs.New(filepath.Dir(path)), filepath.Base(path))
}

// Name returns the file name the device was opened with.
func (dev *Device) Name() string {
	return dev.name
}

func (dev *Device) Size() int64 {
	dev.mutex.Lock()
	defer dev.mutex.Unlock()
	return dev.size
}

func (dev *Device) Read(offset int64, p []byte) (n int, err error) {
	n, err = dev.file.ReadAt(p, offset)
	if err == io.EOF {
		err = nil
	}
	if err != nil {
		err = btreedb.IOError(err, "read %s at %d", dev.name, offset)
	}
	return
}

func (dev *Device) Write(offset int64, p []byte) (n int, err error) {
	dev.mutex.Lock()
	defer dev.mutex.Unlock()

	if _, err = dev.file.Seek(offset, io.SeekStart); err != nil {
		return 0, btreedb.IOError(err, "seek %s to %d", dev.name, offset)
	}
	n, err = dev.file.Write(p)
	if err == nil && n < len(p) {
		err = io.ErrShortWrite
	}
	if end := offset + int64(n); end > dev.size {
		dev.size = end
	}
	if err != nil {
		err = btreedb.IOError(err, "write %s at %d", dev.name, offset)
	}
	return
}

func (dev *Device) Resize(size int64) error {
	dev.mutex.Lock()
	defer dev.mutex.Unlock()

	if err := dev.file.Truncate(size); err != nil {
		return btreedb.IOError(err, "truncate %s to %d", dev.name, size)
	}
	dev.size = size
	return nil
}

// Flush syncs the file if the filesystem supports it.
func (dev *Device) Flush() error {
	syncer, ok := dev.file.(interface{ Sync() error })
	if !ok {
		return nil
	}
	if err := syncer.Sync(); err != nil {
		return btreedb.IOError(err, "sync %s", dev.name)
	}
	return nil
}

// Close releases the lock and closes the file.
func (dev *Device) Close() error {
	err := dev.file.Unlock()
	err = multierr.Append(err, dev.file.Close())
	if err != nil {
		return btreedb.IOError(err, "close %s", dev.name)
	}
	return nil
}
