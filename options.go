// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package buffertree

import (
	"bytes"

	"github.com/scigolib/buffertree/internal/node"
)

// Comparator is the user key comparator: negative, zero or positive as
// a orders before, equal to, or after b. It must be a total order and must
// not change for the life of a dictionary.
type Comparator func(a, b []byte) int

// UpdateFunc is the read-modify-write callback run by Update and
// UpdateBroadcast against the record's current value (nil when the key is
// absent or deleted). Calling setVal with a value writes it, with nil
// deletes the key; not calling it leaves the record untouched.
type UpdateFunc func(key, oldVal, extra []byte, setVal func(newVal []byte))

// config collects the resolved options.
type config struct {
	nodesize           uint32
	cacheBytes         uint64
	cmp                node.Compare
	updateFn           node.UpdateFunc
	forceFsyncOnCommit bool
	disableOpLog       bool
	maxAcceptableLSN   uint64
}

// Defaults. The node size bounds a node's serialized image; the cache
// budget bounds resident node memory.
const (
	// DefaultNodeSize is 4MB.
	DefaultNodeSize = 4 << 20
	// DefaultCacheSize is 256MB.
	DefaultCacheSize = 256 << 20
)

func defaultConfig() config {
	return config{
		nodesize:         DefaultNodeSize,
		cacheBytes:       DefaultCacheSize,
		cmp:              bytes.Compare,
		maxAcceptableLSN: ^uint64(0),
	}
}

// Option configures Open.
type Option func(*config)

// WithNodeSize sets the soft byte budget of one node. Smaller nodes split
// and flush sooner; the default suits bulk workloads.
func WithNodeSize(bytes uint32) Option {
	return func(c *config) {
		if bytes > 0 {
			c.nodesize = bytes
		}
	}
}

// WithCacheSize sets the resident-node byte budget.
func WithCacheSize(bytes uint64) Option {
	return func(c *config) {
		if bytes > 0 {
			c.cacheBytes = bytes
		}
	}
}

// WithComparator replaces the default bytewise key order.
func WithComparator(cmp Comparator) Option {
	return func(c *config) {
		if cmp != nil {
			c.cmp = node.Compare(cmp)
		}
	}
}

// WithUpdateFunction installs the read-modify-write callback used by Update
// and UpdateBroadcast.
func WithUpdateFunction(fn UpdateFunc) Option {
	return func(c *config) {
		c.updateFn = node.UpdateFunc(fn)
	}
}

// WithForceFsyncOnCommit makes every transaction commit fsync the operation
// log before returning.
func WithForceFsyncOnCommit() Option {
	return func(c *config) {
		c.forceFsyncOnCommit = true
	}
}

// WithoutOperationLog disables the operation log entirely. Crash recovery
// then falls back to the last checkpoint alone.
func WithoutOperationLog() Option {
	return func(c *config) {
		c.disableOpLog = true
	}
}

// WithMaxAcceptableLSN caps the header checkpoint LSN accepted at open;
// recovery uses it to wind the dictionary back to a log position.
func WithMaxAcceptableLSN(lsn uint64) Option {
	return func(c *config) {
		c.maxAcceptableLSN = lsn
	}
}
