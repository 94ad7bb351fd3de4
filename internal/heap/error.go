package heap

import (
	"github.com/cockroachdb/errors"

	"github.com/dacapoday/btreedb"
)

var (
	ErrConfig  = btreedb.ErrConfig
	ErrCorrupt = btreedb.ErrCorrupt
	ErrIO      = btreedb.ErrIO

	ErrNoSpace = errors.New("no block index left")

	// ErrReleasePending marks a commit whose new header is durable but
	// whose released blocks are not all on the free list yet.
	ErrReleasePending = errors.New("released blocks not yet freed")
)
