package bptree

import "github.com/dacapoday/btreedb"

var (
	ErrConfig  = btreedb.ErrConfig
	ErrCorrupt = btreedb.ErrCorrupt
)
