package btreedb

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrConfig reports an invalid or mismatched configuration:
	// zero key size, missing device, double open, or a reopen whose
	// content identifier, key size or block size differ from the header.
	ErrConfig = errors.New("configuration error")

	// ErrIO reports a failure of the underlying medium.
	// The medium's own error text is kept in the chain.
	ErrIO = errors.New("i/o error")

	// ErrCorrupt reports a block whose type tag or element count is
	// inconsistent with the layout.
	ErrCorrupt = errors.New("corrupt block")

	// ErrNotOpen reports an operation before Open or after Close.
	ErrNotOpen = errors.New("not open")

	// ErrKeySize reports a key whose length differs from the configured key size.
	ErrKeySize = errors.New("invalid key size")
)

// IOError marks err as an I/O failure, keeping its message.
func IOError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrIO)
}

// Corrupt returns an ErrCorrupt error describing block id.
func Corrupt(id BlockID, format string, args ...any) error {
	return errors.Wrapf(ErrCorrupt, "block %d: %s", id, fmt.Sprintf(format, args...))
}
