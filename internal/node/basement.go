// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package node

import (
	"sort"

	"github.com/scigolib/buffertree/internal/leafentry"
	"github.com/scigolib/buffertree/internal/utils"
)

// Basement holds the ordered leaf entries of one leaf partition.
//
// softCopyUpToDate marks that every buffered ancestor message has been
// replayed into this basement; replay is a pure cache, so the flag never
// implies dirtiness. seqinsert counts consecutive inserts near the right
// edge; a basement in such a streak is exempt from fusible classification so
// bulk loads do not fight the merger.
type Basement struct {
	entries []*leafentry.Entry
	nBytes  uint64

	seqinsert           uint32
	softCopyUpToDate    bool
	optimizedForUpgrade uint32
}

// NewBasement returns an empty basement whose soft copy is trivially up to
// date.
func NewBasement() *Basement {
	return &Basement{softCopyUpToDate: true}
}

// Len returns the entry count.
func (b *Basement) Len() int { return len(b.entries) }

// NBytes returns the serialized-size total of the entries.
func (b *Basement) NBytes() uint64 { return b.nBytes }

// MemSize approximates the in-memory footprint.
func (b *Basement) MemSize() uint64 {
	var sz uint64
	for _, e := range b.entries {
		sz += e.MemSize()
	}
	return sz
}

// At returns entry i.
func (b *Basement) At(i int) *leafentry.Entry { return b.entries[i] }

// SoftCopyUpToDate reports whether ancestor replay has run since the last
// message arrived above this basement.
func (b *Basement) SoftCopyUpToDate() bool { return b.softCopyUpToDate }

// SetSoftCopyUpToDate records the replay state.
func (b *Basement) SetSoftCopyUpToDate(v bool) { b.softCopyUpToDate = v }

// OptimizedForUpgrade returns the layout version recorded by the last
// optimize-for-upgrade broadcast, zero if none.
func (b *Basement) OptimizedForUpgrade() uint32 { return b.optimizedForUpgrade }

// SetOptimizedForUpgrade records the sender's layout version.
func (b *Basement) SetOptimizedForUpgrade(v uint32) { b.optimizedForUpgrade = v }

// InSeqInsertStreak reports whether the basement is in a sequential-insert
// streak.
func (b *Basement) InSeqInsertStreak() bool { return b.seqinsert > 0 }

// Find locates key: the index where it lives, or where it would be
// inserted, plus whether it was found.
func (b *Basement) Find(key []byte, cmp Compare) (int, bool) {
	idx := sort.Search(len(b.entries), func(i int) bool {
		return cmp(b.entries[i].Key(), key) >= 0
	})
	if idx < len(b.entries) && cmp(b.entries[idx].Key(), key) == 0 {
		return idx, true
	}
	return idx, false
}

// InsertAt places e at index i.
func (b *Basement) InsertAt(i int, e *leafentry.Entry) {
	b.entries = append(b.entries, nil)
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = e
	b.nBytes += e.DiskSize()
}

// AppendLoaded bulk-appends an entry during deserialization or split,
// without touching the seqinsert streak.
func (b *Basement) AppendLoaded(e *leafentry.Entry) {
	b.entries = append(b.entries, e)
	b.nBytes += e.DiskSize()
}

// TruncateFrom drops entries [i, len) and returns them.
func (b *Basement) TruncateFrom(i int) []*leafentry.Entry {
	tail := make([]*leafentry.Entry, len(b.entries)-i)
	copy(tail, b.entries[i:])
	for _, e := range tail {
		b.nBytes = utils.SubtractNoUnderflow(b.nBytes, e.DiskSize())
	}
	for j := i; j < len(b.entries); j++ {
		b.entries[j] = nil
	}
	b.entries = b.entries[:i]
	return tail
}

// CalcEstimate computes the exact estimate for this basement.
func (b *Basement) CalcEstimate() SubtreeEstimate {
	est := SubtreeEstimate{Exact: true}
	for _, e := range b.entries {
		est.NKeys++
		est.NData++
		est.DSize += uint64(e.KeyLen() + e.LatestValLen())
	}
	return est
}

// DiskSize sums the serialized sizes of the entries.
func (b *Basement) DiskSize() uint64 {
	var sz uint64
	for _, e := range b.entries {
		sz += e.DiskSize()
	}
	return sz
}
