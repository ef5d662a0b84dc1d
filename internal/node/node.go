// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Package node implements the in-memory representation of buffered-tree
// nodes: partitions with their availability state machine, per-child message
// buffers, leaf basements, reactivity classification, and the split/merge
// primitives that operate on whole nodes.
//
// A node of height 0 is a leaf; its partitions hold basements of MVCC leaf
// entries. A node of height > 0 is a nonleaf; its partitions hold FIFO
// message buffers plus the child linkage. Pivot i separates partition i from
// partition i+1, so len(pivots) == len(partitions)-1 always.
package node

import (
	"fmt"
	"sync"

	"github.com/scigolib/buffertree/internal/blocktable"
	"github.com/scigolib/buffertree/internal/message"
)

// Compare is the user comparator: negative if a < b, zero if equal,
// positive if a > b. It must induce a total order.
type Compare func(a, b []byte) int

// Fanout is the target upper bound on a nonleaf's child count. A nonleaf
// with more children is fissible; one with fewer than Fanout/4 is fusible.
const Fanout = 16

// CurrentLayoutVersion is the node wire-format version written by this
// package.
const CurrentLayoutVersion = 1

// SubtreeEstimate carries the approximate shape of the subtree hanging off
// one partition. Estimates are exact for leaves whose messages have all been
// applied and inexact above non-empty buffers.
type SubtreeEstimate struct {
	NKeys uint64
	NData uint64
	DSize uint64
	Exact bool
}

// Add accumulates o into s.
func (s *SubtreeEstimate) Add(o SubtreeEstimate) {
	s.NKeys += o.NKeys
	s.NData += o.NData
	s.DSize += o.DSize
}

// PartitionState is the availability state of one partition.
type PartitionState uint8

const (
	// StateInvalid marks a partition under construction.
	StateInvalid PartitionState = iota
	// StateOnDisk means the partition has no in-memory payload.
	StateOnDisk
	// StateCompressed means the partition holds its compressed disk image.
	StateCompressed
	// StateAvailable means the partition holds its decoded payload: a
	// message buffer under a nonleaf, a basement under a leaf.
	StateAvailable
)

// String returns the state's name.
func (s PartitionState) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateOnDisk:
		return "on_disk"
	case StateCompressed:
		return "compressed"
	case StateAvailable:
		return "available"
	default:
		return "unknown"
	}
}

// Partition is one child slot of a node.
type Partition struct {
	State PartitionState

	// Child linkage, meaningful on nonleaf parents only.
	ChildBlock   blocktable.BlockNum
	FullHash     uint32
	HaveFullHash bool

	// Est is the subtree estimate used by keyrange and stat.
	Est SubtreeEstimate

	// Clock is the second-chance bit consulted by partial eviction.
	Clock bool

	// Compressed holds the partition's disk image while State is
	// StateCompressed.
	Compressed []byte

	// Buf is the pending-message FIFO (nonleaf parent, StateAvailable).
	Buf *MessageBuffer

	// BN is the basement (leaf parent, StateAvailable).
	BN *Basement
}

// Node is the in-memory form of one tree node.
type Node struct {
	// ReplayLock serializes ancestor replay into this node. Writers are
	// already exclusive under the engine lock; readers, who share it,
	// take this lock before mutating a stale basement's soft copy.
	ReplayLock sync.Mutex

	Block         blocktable.BlockNum
	FullHash      uint32
	Height        int
	Nodesize      uint32
	LayoutVersion uint32
	Flags         uint32
	Dirty         bool

	// MaxMSNInMemory is the largest MSN applied to (or buffered in) this
	// node's in-memory image; MaxMSNOnDisk is the same for the image the
	// node was read from. Replay drops messages at or below MaxMSNOnDisk.
	MaxMSNInMemory message.MSN
	MaxMSNOnDisk   message.MSN

	Pivots [][]byte
	Parts  []Partition
}

// NewEmpty returns a dirty node with nChildren freshly allocated empty
// partitions (empty basements for a leaf, empty buffers for a nonleaf).
func NewEmpty(block blocktable.BlockNum, height, nChildren int, nodesize, flags uint32) *Node {
	n := &Node{
		Block:         block,
		Height:        height,
		Nodesize:      nodesize,
		LayoutVersion: CurrentLayoutVersion,
		Flags:         flags,
		Dirty:         true,
		Parts:         make([]Partition, nChildren),
	}
	if nChildren > 1 {
		n.Pivots = make([][]byte, nChildren-1)
	}
	for i := range n.Parts {
		n.initEmptyPartition(i)
	}
	return n
}

func (n *Node) initEmptyPartition(i int) {
	p := &n.Parts[i]
	p.State = StateAvailable
	if n.Height == 0 {
		p.BN = NewBasement()
		p.Buf = nil
		p.Est = SubtreeEstimate{Exact: true}
	} else {
		p.Buf = NewMessageBuffer()
		p.BN = nil
	}
}

// IsLeaf reports whether the node is a leaf.
func (n *Node) IsLeaf() bool { return n.Height == 0 }

// NChildren returns the partition count.
func (n *Node) NChildren() int { return len(n.Parts) }

// AssertFullyAvailable panics unless every partition is decoded. It is the
// precondition of every operation that touches all children.
func (n *Node) AssertFullyAvailable() {
	for i := range n.Parts {
		if n.Parts[i].State != StateAvailable {
			panic(fmt.Sprintf("node %d: partition %d is %s, need available",
				n.Block, i, n.Parts[i].State))
		}
	}
}

// Basement returns partition i's basement. The node must be a leaf and the
// partition available.
func (n *Node) Basement(i int) *Basement {
	if n.Height != 0 || n.Parts[i].State != StateAvailable {
		panic(fmt.Sprintf("node %d: basement %d not available", n.Block, i))
	}
	return n.Parts[i].BN
}

// Buffer returns partition i's message buffer. The node must be a nonleaf
// and the partition available.
func (n *Node) Buffer(i int) *MessageBuffer {
	if n.Height == 0 || n.Parts[i].State != StateAvailable {
		panic(fmt.Sprintf("node %d: buffer %d not available", n.Block, i))
	}
	return n.Parts[i].Buf
}

// LeafEntryCount returns the number of entries across all basements.
func (n *Node) LeafEntryCount() uint64 {
	n.AssertFullyAvailable()
	var total uint64
	for i := range n.Parts {
		total += uint64(n.Parts[i].BN.Len())
	}
	return total
}

const (
	nodeFixedOverhead      = 64
	partitionFixedOverhead = 48
)

// MemorySize approximates the node's in-memory footprint for cache
// accounting: fixed overhead plus, per partition, nothing for on-disk, the
// compressed bytes, or the decoded payload bytes.
func (n *Node) MemorySize() uint64 {
	sz := uint64(nodeFixedOverhead)
	for _, p := range n.Pivots {
		sz += uint64(len(p))
	}
	for i := range n.Parts {
		p := &n.Parts[i]
		sz += partitionFixedOverhead
		switch p.State {
		case StateOnDisk, StateInvalid:
		case StateCompressed:
			sz += uint64(len(p.Compressed))
		case StateAvailable:
			if n.Height == 0 {
				sz += p.BN.MemSize()
			} else {
				sz += p.Buf.Bytes()
			}
		}
	}
	return sz
}

// SerializeSize estimates the node's on-disk size; reactivity is classified
// against it.
func (n *Node) SerializeSize() uint64 {
	sz := uint64(nodeFixedOverhead)
	for _, p := range n.Pivots {
		sz += uint64(len(p)) + 4
	}
	for i := range n.Parts {
		p := &n.Parts[i]
		sz += partitionFixedOverhead
		switch p.State {
		case StateOnDisk, StateInvalid:
		case StateCompressed:
			sz += uint64(len(p.Compressed))
		case StateAvailable:
			if n.Height == 0 {
				sz += p.BN.NBytes()
			} else {
				sz += p.Buf.Bytes()
			}
		}
	}
	return sz
}

// Reactivity classifies whether a node should split, merge, or stay.
type Reactivity uint8

const (
	// Stable needs no shape change.
	Stable Reactivity = iota
	// Fissible should split.
	Fissible
	// Fusible should merge with a sibling.
	Fusible
)

// String returns the class name.
func (r Reactivity) String() string {
	switch r {
	case Stable:
		return "stable"
	case Fissible:
		return "fissible"
	case Fusible:
		return "fusible"
	default:
		return "unknown"
	}
}

// GetReactivity classifies the node. Every partition must be available.
//
// A clean leaf is always stable. A dirty leaf is fissible when its
// serialized size exceeds the nodesize and it holds more than one entry; it
// is fusible when four times its size fits in
// the nodesize and its right-edge basement is not in a sequential-insert
// streak. A nonleaf is classified purely by child count against Fanout.
func (n *Node) GetReactivity() Reactivity {
	n.AssertFullyAvailable()
	if n.Height == 0 {
		return n.leafReactivity()
	}
	return n.nonleafReactivity()
}

func (n *Node) leafReactivity() Reactivity {
	if !n.Dirty {
		return Stable
	}
	size := n.SerializeSize()
	if size > uint64(n.Nodesize) && n.LeafEntryCount() > 1 {
		return Fissible
	}
	last := n.Parts[len(n.Parts)-1].BN
	if size*4 < uint64(n.Nodesize) && !last.InSeqInsertStreak() {
		return Fusible
	}
	return Stable
}

func (n *Node) nonleafReactivity() Reactivity {
	nc := n.NChildren()
	if nc > Fanout {
		return Fissible
	}
	if nc*4 < Fanout {
		return Fusible
	}
	return Stable
}

// IsGorged reports whether a nonleaf is ready to flush: serialized size over
// budget and at least one non-empty child buffer.
func (n *Node) IsGorged() bool {
	n.AssertFullyAvailable()
	if n.Height == 0 {
		return false
	}
	anyBuffered := false
	for i := range n.Parts {
		if n.Parts[i].Buf.Bytes() > 0 {
			anyBuffered = true
			break
		}
	}
	return anyBuffered && n.SerializeSize() > uint64(n.Nodesize)
}

// WhichChild returns the leftmost child that may contain key.
func (n *Node) WhichChild(key []byte, cmp Compare) int {
	if n.NChildren() <= 1 {
		return 0
	}

	// Check the last pivot first to keep sequential insertion cheap.
	last := n.NChildren() - 1
	if cmp(key, n.Pivots[last-1]) > 0 {
		return last
	}

	lo, hi := 0, last-1
	for lo < hi {
		mi := (lo + hi) / 2
		c := cmp(key, n.Pivots[mi])
		switch {
		case c > 0:
			lo = mi + 1
		case c < 0:
			hi = mi
		default:
			return mi
		}
	}
	return lo
}

// PivotBounds is a (lower-exclusive, upper-inclusive] key interval. Nil
// means unbounded on that side.
type PivotBounds struct {
	LowerExcl []byte
	UpperIncl []byte
}

// InfiniteBounds covers all keys.
var InfiniteBounds = PivotBounds{}

// Contains reports whether key lies in the interval.
func (b PivotBounds) Contains(key []byte, cmp Compare) bool {
	if b.LowerExcl != nil && cmp(b.LowerExcl, key) >= 0 {
		return false
	}
	if b.UpperIncl != nil && cmp(key, b.UpperIncl) > 0 {
		return false
	}
	return true
}

// ChildBounds narrows parent bounds to those of partition childnum.
func (n *Node) ChildBounds(childnum int, parent PivotBounds) PivotBounds {
	next := parent
	if childnum > 0 {
		next.LowerExcl = n.Pivots[childnum-1]
	}
	if childnum < n.NChildren()-1 {
		next.UpperIncl = n.Pivots[childnum]
	}
	return next
}

// RecalcLeafEstimates recomputes every partition estimate of a leaf from its
// basements. Leaf estimates are exact by construction.
func (n *Node) RecalcLeafEstimates() {
	if n.Height != 0 {
		panic("RecalcLeafEstimates on nonleaf")
	}
	n.AssertFullyAvailable()
	for i := range n.Parts {
		n.Parts[i].Est = n.Parts[i].BN.CalcEstimate()
	}
}

// EstimateTotal sums the partition estimates.
func (n *Node) EstimateTotal() SubtreeEstimate {
	total := SubtreeEstimate{Exact: true}
	for i := range n.Parts {
		total.Add(n.Parts[i].Est)
		if !n.Parts[i].Est.Exact {
			total.Exact = false
		}
	}
	return total
}

// FixupChildEstimate refreshes the parent's estimate for the slot holding
// child. The estimate is exact only if the child says so and the slot's
// buffer (if any) is empty.
func (n *Node) FixupChildEstimate(childnum int, child *Node, dirtyIt bool) {
	est := child.EstimateTotal()
	if n.Height > 0 && n.Parts[childnum].State == StateAvailable &&
		n.Parts[childnum].Buf.Len() > 0 {
		est.Exact = false
	}
	n.Parts[childnum].Est = est
	if dirtyIt {
		n.Dirty = true
	}
}
