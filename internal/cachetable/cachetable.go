// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Package cachetable implements the pinning page cache the tree runs
// against.
//
// Values (nodes) live in the cache keyed by block number. A pinned value
// cannot be evicted; unpinned values sit in LRU order and are evicted when
// the byte budget is exceeded. A clean value is first offered to the partial
// evictor to shed payload (re-compress or drop cold partitions); a dirty
// value, or one the partial evictor frees nothing from, is flushed and
// dropped whole.
//
// Two pin modes exist. The blocking mode may perform I/O. The nonblocking
// mode refuses to do I/O while the caller holds other pins: it releases the
// caller's whole unlocker stack, completes the I/O, and returns ErrTryAgain
// so the caller restarts its descent against a warm cache.
package cachetable

import (
	"fmt"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"

	"github.com/scigolib/buffertree/internal/blocktable"
	"github.com/scigolib/buffertree/internal/utils"
)

// Callbacks connect the cache to the value owner (the tree layer).
type Callbacks struct {
	// Flush writes value to f. writeMe is false for clean drops; keepMe is
	// false when the value is leaving memory for good.
	Flush func(f *os.File, block blocktable.BlockNum, value interface{}, writeMe, keepMe, forCheckpoint bool) error

	// Fetch reads the value for block from f.
	Fetch func(f *os.File, block blocktable.BlockNum, hash uint32) (value interface{}, size uint64, dirty bool, err error)

	// PartialEvict sheds up to bytesRequested bytes from value without
	// removing it; it returns how much it freed.
	PartialEvict func(value interface{}, bytesRequested uint64) (freed uint64)

	// PartialFetchRequired reports whether value is missing pieces the
	// read described by readArgs needs.
	PartialFetchRequired func(value interface{}, readArgs interface{}) bool

	// PartialFetch loads those pieces and returns the bytes added.
	PartialFetch func(f *os.File, value interface{}, readArgs interface{}) (added uint64, err error)
}

// Unlockers is a stack of release functions, one per pin a descent holds.
// On ErrTryAgain the whole stack is run, innermost pin first and outward to
// the root.
type Unlockers struct {
	Locked bool
	Fn     func()
	Next   *Unlockers
}

// ReleaseAll runs every release function on the stack once.
func (u *Unlockers) ReleaseAll() {
	for p := u; p != nil; p = p.Next {
		if p.Locked {
			p.Locked = false
			p.Fn()
		}
	}
}

type entry struct {
	block blocktable.BlockNum
	hash  uint32
	value interface{}
	size  uint64
	dirty bool
	pins  int
}

// CacheTable is the pinning page cache.
//
// Thread safety: all methods are safe for concurrent use. Fetch I/O runs
// under the table lock; the nonblocking pin mode exists precisely so
// searchers do not stack pins while that happens.
type CacheTable struct {
	mu       sync.Mutex
	f        *os.File
	cb       Callbacks
	entries  map[blocktable.BlockNum]*entry
	order    *lru.Cache // unpinned blocks in eviction order
	maxBytes uint64
	curBytes uint64
}

// lruTrackingCap bounds the recency list by count; eviction itself is
// byte-driven, so the cap just needs to exceed any plausible resident set.
const lruTrackingCap = 1 << 20

// New creates a cache over f with the given byte budget.
func New(f *os.File, cb Callbacks, maxBytes uint64) (*CacheTable, error) {
	order, err := lru.New(lruTrackingCap)
	if err != nil {
		return nil, utils.WrapError("cachetable lru", err)
	}
	return &CacheTable{
		f:        f,
		cb:       cb,
		entries:  make(map[blocktable.BlockNum]*entry),
		order:    order,
		maxBytes: maxBytes,
	}, nil
}

// Put inserts a freshly created value, pinned once.
func (ct *CacheTable) Put(block blocktable.BlockNum, hash uint32, value interface{}, size uint64) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if _, ok := ct.entries[block]; ok {
		panic(fmt.Sprintf("cachetable: duplicate put of block %d", block))
	}
	ct.entries[block] = &entry{block: block, hash: hash, value: value, size: size, dirty: true, pins: 1}
	ct.curBytes += size
}

// GetAndPin returns the value for block, fetching it if necessary, pinned.
// It may block on I/O; callers must not hold other nonblocking pins.
func (ct *CacheTable) GetAndPin(block blocktable.BlockNum, hash uint32, readArgs interface{}) (interface{}, error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.pinLocked(block, hash, readArgs)
}

func (ct *CacheTable) pinLocked(block blocktable.BlockNum, hash uint32, readArgs interface{}) (interface{}, error) {
	e, ok := ct.entries[block]
	if !ok {
		value, size, dirty, err := ct.cb.Fetch(ct.f, block, hash)
		if err != nil {
			return nil, utils.WrapError("node fetch failed", err)
		}
		e = &entry{block: block, hash: hash, value: value, size: size, dirty: dirty}
		ct.entries[block] = e
		ct.curBytes += size
	}
	if readArgs != nil && ct.cb.PartialFetchRequired != nil &&
		ct.cb.PartialFetchRequired(e.value, readArgs) {
		added, err := ct.cb.PartialFetch(ct.f, e.value, readArgs)
		if err != nil {
			return nil, utils.WrapError("partial fetch failed", err)
		}
		e.size += added
		ct.curBytes += added
	}
	e.pins++
	ct.order.Remove(block)
	ct.evictLocked()
	return e.value, nil
}

// MaybeGetAndPin pins the value only if it is already resident and fully
// usable without I/O.
func (ct *CacheTable) MaybeGetAndPin(block blocktable.BlockNum) (interface{}, bool) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	e, ok := ct.entries[block]
	if !ok {
		return nil, false
	}
	e.pins++
	ct.order.Remove(block)
	return e.value, true
}

// GetAndPinNonblocking pins the value if that needs no I/O. Otherwise it
// releases the caller's entire unlocker stack, completes the I/O with no
// pins outstanding, and returns ErrTryAgain.
func (ct *CacheTable) GetAndPinNonblocking(block blocktable.BlockNum, hash uint32, unlockers *Unlockers, readArgs interface{}) (interface{}, error) {
	ct.mu.Lock()

	e, ok := ct.entries[block]
	if ok {
		needsPartial := readArgs != nil && ct.cb.PartialFetchRequired != nil &&
			ct.cb.PartialFetchRequired(e.value, readArgs)
		if !needsPartial {
			e.pins++
			ct.order.Remove(block)
			ct.mu.Unlock()
			return e.value, nil
		}
	}

	// I/O required: drop every pin the descent holds, then warm the cache
	// so the retry succeeds.
	ct.mu.Unlock()
	if unlockers != nil {
		unlockers.ReleaseAll()
	}
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if _, err := ct.pinLocked(block, hash, readArgs); err != nil {
		return nil, err
	}
	ct.unpinLocked(block, false, 0)
	return nil, utils.ErrTryAgain
}

// Prefetch warms the cache with block without pinning it.
func (ct *CacheTable) Prefetch(block blocktable.BlockNum, hash uint32) error {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if _, ok := ct.entries[block]; ok {
		return nil
	}
	if _, err := ct.pinLocked(block, hash, nil); err != nil {
		return err
	}
	ct.unpinLocked(block, false, 0)
	return nil
}

// Unpin releases one pin. dirty marks the value modified; newSize, when
// non-zero, replaces the accounted size.
func (ct *CacheTable) Unpin(block blocktable.BlockNum, dirty bool, newSize uint64) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.unpinLocked(block, dirty, newSize)
	ct.evictLocked()
}

func (ct *CacheTable) unpinLocked(block blocktable.BlockNum, dirty bool, newSize uint64) {
	e, ok := ct.entries[block]
	if !ok || e.pins <= 0 {
		panic(fmt.Sprintf("cachetable: unpin of unpinned block %d", block))
	}
	e.pins--
	if dirty {
		e.dirty = true
	}
	if newSize != 0 {
		ct.curBytes = ct.curBytes - e.size + newSize
		e.size = newSize
	}
	if e.pins == 0 {
		ct.order.Add(block, struct{}{})
	}
}

// UnpinAndRemove drops the value entirely; the caller has freed its block.
func (ct *CacheTable) UnpinAndRemove(block blocktable.BlockNum) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	e, ok := ct.entries[block]
	if !ok || e.pins <= 0 {
		panic(fmt.Sprintf("cachetable: remove of unpinned block %d", block))
	}
	ct.curBytes -= e.size
	delete(ct.entries, block)
	ct.order.Remove(block)
}

// Discard drops an unpinned resident value without flushing it. Used when
// the caller is abandoning the block's contents entirely.
func (ct *CacheTable) Discard(block blocktable.BlockNum) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	e, ok := ct.entries[block]
	if !ok {
		return
	}
	if e.pins > 0 {
		panic(fmt.Sprintf("cachetable: discard of pinned block %d", block))
	}
	ct.curBytes -= e.size
	delete(ct.entries, block)
	ct.order.Remove(block)
}

// evictLocked reclaims memory until the budget holds, oldest unpinned
// first: partial eviction of a clean value when it frees anything, full
// flush-and-drop otherwise.
func (ct *CacheTable) evictLocked() {
	for ct.curBytes > ct.maxBytes {
		key, _, ok := ct.order.GetOldest()
		if !ok {
			return // everything resident is pinned
		}
		block := key.(blocktable.BlockNum)
		e := ct.entries[block]
		if e == nil || e.pins > 0 {
			ct.order.Remove(key)
			continue
		}

		need := ct.curBytes - ct.maxBytes
		if ct.cb.PartialEvict != nil && !e.dirty {
			if freed := ct.cb.PartialEvict(e.value, need); freed > 0 {
				if freed > e.size {
					freed = e.size
				}
				e.size -= freed
				ct.curBytes -= freed
				ct.order.Remove(key)
				ct.order.Add(key, struct{}{})
				continue
			}
		}

		if err := ct.cb.Flush(ct.f, block, e.value, e.dirty, false, false); err != nil {
			// Eviction failure is surfaced at the next explicit flush; the
			// value stays resident rather than being lost.
			ct.order.Remove(key)
			continue
		}
		ct.curBytes -= e.size
		delete(ct.entries, block)
		ct.order.Remove(key)
	}
}

// flushConcurrency bounds the checkpoint writeback fan-out.
const flushConcurrency = 4

// FlushAll writes every dirty resident value. With forCheckpoint set the
// flush callback routes offsets through the checkpoint-aware translation.
func (ct *CacheTable) FlushAll(forCheckpoint bool) error {
	ct.mu.Lock()
	dirty := make([]*entry, 0)
	for _, e := range ct.entries {
		if e.dirty {
			dirty = append(dirty, e)
		}
	}
	ct.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(flushConcurrency)
	for _, e := range dirty {
		e := e
		g.Go(func() error {
			return ct.cb.Flush(ct.f, e.block, e.value, true, true, forCheckpoint)
		})
	}
	if err := g.Wait(); err != nil {
		return utils.WrapError("cache flush failed", err)
	}

	ct.mu.Lock()
	for _, e := range dirty {
		e.dirty = false
	}
	ct.mu.Unlock()
	return nil
}

// Resident reports whether block is in memory (for tests and stats).
func (ct *CacheTable) Resident(block blocktable.BlockNum) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	_, ok := ct.entries[block]
	return ok
}

// ResidentBlocks returns the blocks currently in memory.
func (ct *CacheTable) ResidentBlocks() []blocktable.BlockNum {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	out := make([]blocktable.BlockNum, 0, len(ct.entries))
	for b := range ct.entries {
		out = append(out, b)
	}
	return out
}

// SizeInMemory returns the accounted resident bytes.
func (ct *CacheTable) SizeInMemory() uint64 {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.curBytes
}
