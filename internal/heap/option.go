// Copyright 2025 dacapoday
// SPDX-License-Identifier: Apache-2.0

package heap

import "go.uber.org/zap"

// Option carries the layout a caller expects from the device.
type Option interface {
	ContentIdentifier() string
	BlockSize() int
	KeySize() int
	IgnoreInvalidFreelist() bool
	Logger() *zap.Logger
}
