// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package tree

import (
	"fmt"

	"github.com/scigolib/buffertree/internal/node"
)

// findHeaviestChild picks the child with the most buffered bytes, ties
// breaking to the lower index.
func findHeaviestChild(n *node.Node) int {
	maxChild := 0
	maxWeight := n.Buffer(0).Bytes()
	for i := 1; i < n.NChildren(); i++ {
		if w := n.Buffer(i).Bytes(); w > maxWeight {
			maxChild = i
			maxWeight = w
		}
	}
	return maxChild
}

// flushSomeChild flushes the heaviest child of an overfull nonleaf, then
// splits or merges the child if the flush left it reactive.
//
// flushRecursively allows the flush to continue into a grandchild that the
// drain left gorged; isFirstFlush lets only the first chain flush more than
// one grandchild, bounding how far one outer call can walk the tree.
func (t *Tree) flushSomeChild(n *node.Node, isFirstFlush, flushRecursively bool, anc *ancestors, bounds node.PivotBounds) error {
	childnum := findHeaviestChild(n)
	if n.Buffer(childnum).Len() == 0 {
		panic(fmt.Sprintf("flush of node %d with empty heaviest buffer", n.Block))
	}
	re, err := t.flushThisChild(n, childnum, isFirstFlush, flushRecursively, anc, bounds)
	if err != nil {
		return err
	}
	return t.handleReactiveChild(n, childnum, re, anc, bounds)
}

// flushThisChild empties the childnum buffer of n into that child in one
// call and returns the child's resulting reactivity. The write lock is held
// throughout; the child is pinned blocking, so no lock is released across
// the I/O.
func (t *Tree) flushThisChild(n *node.Node, childnum int, isFirstFlush, flushRecursively bool, anc *ancestors, bounds node.PivotBounds) (node.Reactivity, error) {
	nextAnc := &ancestors{node: n, childnum: childnum, next: anc}
	nextBounds := n.ChildBounds(childnum, bounds)

	// Make every basement decodable before replay so the whole leaf comes
	// up to date, not just the partitions that happened to be resident.
	child, err := t.pinNodeNoReplay(n.Parts[childnum].ChildBlock)
	if err != nil {
		return node.Stable, err
	}
	if err := t.ensureFullyAvailable(child); err != nil {
		t.unpinNode(child)
		return node.Stable, err
	}
	t.maybeApplyAncestorMessages(child, nextAnc, nextBounds)

	buf := n.Buffer(childnum)
	if child.Height == 0 {
		// Pinning the leaf replayed the path's buffered messages into its
		// basements, this buffer included; all that remains is to drop the
		// buffer contents and make the application durable.
		assertLeafUpToDate(child)
		for buf.Dequeue() != nil {
		}
		n.Dirty = true
		child.Dirty = true
	} else {
		for {
			m := buf.Dequeue()
			if m == nil {
				break
			}
			t.nonleafPut(child, m)
		}
		n.Dirty = true

		// A big drain can gorge the child in turn. Flush a little rather
		// than letting the first insert after a quiet period walk the whole
		// tree: only the first flush chain may keep going.
		if flushRecursively {
			nFlushed := 0
			for child.IsGorged() && (isFirstFlush || nFlushed == 0) {
				if err := t.flushSomeChild(child, isFirstFlush && nFlushed == 0, flushRecursively, nextAnc, nextBounds); err != nil {
					t.unpinNode(child)
					return node.Stable, err
				}
				nFlushed++
			}
		}
	}

	n.FixupChildEstimate(childnum, child, true)
	re := child.GetReactivity()
	t.unpinNode(child)
	return re, nil
}

func assertLeafUpToDate(n *node.Node) {
	n.AssertFullyAvailable()
	for i := range n.Parts {
		if !n.Parts[i].BN.SoftCopyUpToDate() {
			panic(fmt.Sprintf("leaf %d basement %d not replayed before flush", n.Block, i))
		}
	}
}

// handleReactiveChild splits or merges child childnum of n per re.
func (t *Tree) handleReactiveChild(n *node.Node, childnum int, re node.Reactivity, anc *ancestors, bounds node.PivotBounds) error {
	switch re {
	case node.Stable:
		return nil
	case node.Fissible:
		return t.splitChild(n, childnum)
	case node.Fusible:
		return t.mergeChild(n, childnum, anc, bounds)
	}
	panic("unknown reactivity")
}

// splitChild splits child childnum of n and links the new sibling in at
// childnum+1. The buffer for the split child must already be empty.
func (t *Tree) splitChild(n *node.Node, childnum int) error {
	if n.Height == 0 {
		panic("splitChild on leaf")
	}
	if n.Buffer(childnum).Len() != 0 {
		panic(fmt.Sprintf("split of node %d child %d with non-empty buffer", n.Block, childnum))
	}

	// The messages above were just flushed, so the plain pin suffices; a
	// stale leaf splits fine, replay will catch its basements up later.
	child, err := t.pinNodeNoReplay(n.Parts[childnum].ChildBlock)
	if err != nil {
		return err
	}
	if err := t.ensureFullyAvailable(child); err != nil {
		t.unpinNode(child)
		return err
	}

	bBlock := t.hdr.BT.AllocateBlockNum()
	shell := &node.Node{
		Block:    bBlock,
		FullHash: fullHash(bBlock),
		Height:   child.Height,
		Dirty:    true,
	}
	var splitKey []byte
	if child.Height == 0 {
		splitKey = node.SplitLeaf(child, shell)
	} else {
		splitKey = node.SplitNonleaf(child, shell)
	}
	t.ct.Put(bBlock, shell.FullHash, shell, shell.MemorySize())

	t.handleSplitOfChild(n, childnum, child, shell, splitKey)

	t.unpinNode(child)
	t.unpinNode(shell)
	return nil
}

// handleSplitOfChild inserts childb at slot childnum+1 of n with splitKey as
// the pivot between the halves.
func (t *Tree) handleSplitOfChild(n *node.Node, childnum int, childa, childb *node.Node, splitKey []byte) {
	n.Dirty = true

	newPart := node.Partition{
		State:        node.StateAvailable,
		ChildBlock:   childb.Block,
		FullHash:     childb.FullHash,
		HaveFullHash: true,
		Buf:          node.NewMessageBuffer(),
	}
	n.Parts = append(n.Parts, node.Partition{})
	copy(n.Parts[childnum+2:], n.Parts[childnum+1:])
	n.Parts[childnum+1] = newPart

	n.Pivots = append(n.Pivots, nil)
	copy(n.Pivots[childnum+1:], n.Pivots[childnum:])
	n.Pivots[childnum] = splitKey

	n.FixupChildEstimate(childnum, childa, true)
	n.FixupChildEstimate(childnum+1, childb, true)
}

// mergeChild merges (or rebalances) child childnum with a sibling: the left
// one, except slot 0 which merges with slot 1. Both parent-side buffers are
// flushed first, so the merge operates under empty buffers.
func (t *Tree) mergeChild(n *node.Node, childnum int, anc *ancestors, bounds node.PivotBounds) error {
	if n.NChildren() < 2 {
		return nil // no sibling; as merged as it gets
	}

	var slotA, slotB int
	if childnum > 0 {
		slotA, slotB = childnum-1, childnum
	} else {
		slotA, slotB = childnum, childnum+1
	}

	if n.Buffer(slotA).Len() > 0 {
		if _, err := t.flushThisChild(n, slotA, false, false, anc, bounds); err != nil {
			return err
		}
	}
	if n.Buffer(slotB).Len() > 0 {
		if _, err := t.flushThisChild(n, slotB, false, false, anc, bounds); err != nil {
			return err
		}
	}

	childa, err := t.pinNodeNoReplay(n.Parts[slotA].ChildBlock)
	if err != nil {
		return err
	}
	if err := t.ensureFullyAvailable(childa); err != nil {
		t.unpinNode(childa)
		return err
	}
	childb, err := t.pinNodeNoReplay(n.Parts[slotB].ChildBlock)
	if err != nil {
		t.unpinNode(childa)
		return err
	}
	if err := t.ensureFullyAvailable(childb); err != nil {
		t.unpinNode(childa)
		t.unpinNode(childb)
		return err
	}

	// Bring both leaves fully up to date before their basements change
	// owners; a merged node replays under the left sibling's disk MSN, so
	// nothing may be left pending against the right one.
	t.maybeApplyAncestorMessages(childa, &ancestors{node: n, childnum: slotA, next: anc}, n.ChildBounds(slotA, bounds))
	t.maybeApplyAncestorMessages(childb, &ancestors{node: n, childnum: slotB, next: anc}, n.ChildBounds(slotB, bounds))

	parentPivot := n.Pivots[slotA]
	didMerge, didRebalance, splitKey := node.MaybeMergePinned(childa, childb, parentPivot)
	n.Dirty = true

	switch {
	case didMerge:
		bBlock := childb.Block
		copy(n.Pivots[slotA:], n.Pivots[slotA+1:])
		n.Pivots = n.Pivots[:len(n.Pivots)-1]
		copy(n.Parts[slotB:], n.Parts[slotB+1:])
		n.Parts = n.Parts[:len(n.Parts)-1]
		n.FixupChildEstimate(slotA, childa, true)

		t.unpinNode(childa)
		t.ct.UnpinAndRemove(bBlock)
		t.hdr.BT.FreeBlockNum(bBlock)

	case didRebalance:
		n.Pivots[slotA] = splitKey
		n.FixupChildEstimate(slotA, childa, true)
		n.FixupChildEstimate(slotB, childb, true)
		t.unpinNode(childa)
		t.unpinNode(childb)

	default:
		t.unpinNode(childa)
		t.unpinNode(childb)
	}
	return nil
}

// handleReactiveRoot splits a fissible root, promoting a new root above the
// halves. A fusible root has nothing to merge with and stays. Returns the
// node the caller should unpin (the new root after a split).
func (t *Tree) handleReactiveRoot(n *node.Node) (*node.Node, error) {
	if err := t.ensureFullyAvailable(n); err != nil {
		return n, err
	}
	switch n.GetReactivity() {
	case node.Stable, node.Fusible:
		return n, nil
	case node.Fissible:
	}

	bBlock := t.hdr.BT.AllocateBlockNum()
	shell := &node.Node{
		Block:    bBlock,
		FullHash: fullHash(bBlock),
		Height:   n.Height,
		Dirty:    true,
	}
	var splitKey []byte
	if n.Height == 0 {
		splitKey = node.SplitLeaf(n, shell)
	} else {
		splitKey = node.SplitNonleaf(n, shell)
	}
	t.ct.Put(bBlock, shell.FullHash, shell, shell.MemorySize())

	rootBlock := t.hdr.BT.AllocateBlockNum()
	newRoot := node.NewEmpty(rootBlock, n.Height+1, 2, t.hdr.Nodesize, t.hdr.Flags)
	newRoot.FullHash = fullHash(rootBlock)
	newRoot.MaxMSNInMemory = n.MaxMSNInMemory
	newRoot.MaxMSNOnDisk = n.MaxMSNInMemory
	newRoot.Pivots[0] = splitKey
	newRoot.Parts[0].ChildBlock = n.Block
	newRoot.Parts[0].FullHash = n.FullHash
	newRoot.Parts[0].HaveFullHash = true
	newRoot.Parts[1].ChildBlock = bBlock
	newRoot.Parts[1].FullHash = shell.FullHash
	newRoot.Parts[1].HaveFullHash = true
	newRoot.FixupChildEstimate(0, n, true)
	newRoot.FixupChildEstimate(1, shell, true)

	t.ct.Put(rootBlock, newRoot.FullHash, newRoot, newRoot.MemorySize())
	t.hdr.Root = rootBlock
	t.hdr.RootHash = newRoot.FullHash
	t.hdr.Dirty = true

	t.unpinNode(n)
	t.unpinNode(shell)
	return newRoot, nil
}
