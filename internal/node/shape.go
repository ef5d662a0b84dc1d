// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package node

// Tree-shape primitives: split, merge and rebalance operate on whole pinned
// nodes. Linking the results back into a parent is the tree layer's job.

// SplitLeaf splits leaf a in the middle of its serialized size, moving the
// tail into b (an empty leaf shell carrying its own block number), and
// returns the new pivot: the key of the last entry remaining in a.
//
// a keeps basements [0..sb] with basement sb truncated after the split
// entry; b receives the truncated tail as its first basement plus every
// later basement wholesale. Both nodes end up dirty with equal in-memory
// MSNs.
func SplitLeaf(a, b *Node) []byte {
	if a.Height != 0 || b.Height != 0 {
		panic("SplitLeaf on nonleaf")
	}
	a.AssertFullyAvailable()

	// Locate the entry where the cumulative disk size first reaches half.
	var diskSize uint64
	for i := range a.Parts {
		diskSize += a.Parts[i].BN.DiskSize()
	}
	splitBN, splitIdx := 0, 0
	var sizeSoFar uint64
findLoc:
	for i := range a.Parts {
		bn := a.Parts[i].BN
		for j := 0; j < bn.Len(); j++ {
			sizeSoFar += bn.At(j).DiskSize()
			if sizeSoFar >= diskSize/2 {
				splitBN, splitIdx = i, j
				break findLoc
			}
		}
	}

	numA := splitBN + 1
	numB := a.NChildren() - splitBN

	// Set up b: first basement takes the tail of basement splitBN, the rest
	// move wholesale.
	b.Nodesize = a.Nodesize
	b.Flags = a.Flags
	b.LayoutVersion = a.LayoutVersion
	b.Parts = make([]Partition, numB)
	b.Parts[0].State = StateAvailable
	b.Parts[0].BN = NewBasement()
	tail := a.Parts[splitBN].BN.TruncateFrom(splitIdx + 1)
	for _, e := range tail {
		b.Parts[0].BN.AppendLoaded(e)
	}
	for i := numA; i < a.NChildren(); i++ {
		b.Parts[i-numA+1] = a.Parts[i]
		a.Parts[i] = Partition{}
	}

	// Pivots: a keeps the first splitBN, b takes the rest.
	if numB > 1 {
		b.Pivots = make([][]byte, numB-1)
		copy(b.Pivots, a.Pivots[splitBN:])
	} else {
		b.Pivots = nil
	}
	a.Parts = a.Parts[:numA]
	a.Pivots = a.Pivots[:splitBN]

	a.RecalcLeafEstimates()
	b.RecalcLeafEstimates()
	for i := range b.Parts {
		b.Parts[i].BN.SetSoftCopyUpToDate(true)
	}

	// The new pivot is the last surviving key on the left (key only).
	lastBN := a.Parts[numA-1].BN
	last := lastBN.At(lastBN.Len() - 1)
	splitKey := make([]byte, last.KeyLen())
	copy(splitKey, last.Key())

	b.MaxMSNInMemory = a.MaxMSNInMemory
	b.MaxMSNOnDisk = a.MaxMSNInMemory
	a.Dirty = true
	b.Dirty = true
	return splitKey
}

// SplitNonleaf splits nonleaf a at child n/2, moving the upper children and
// their buffers into b, and returns the pivot that separated the halves.
// No message redistribution happens; the buffers travel with their
// partitions.
func SplitNonleaf(a, b *Node) []byte {
	if a.Height == 0 {
		panic("SplitNonleaf on leaf")
	}
	a.AssertFullyAvailable()

	n := a.NChildren()
	numA := n / 2
	numB := n - numA

	b.Height = a.Height
	b.Nodesize = a.Nodesize
	b.Flags = a.Flags
	b.LayoutVersion = a.LayoutVersion
	b.Parts = make([]Partition, numB)
	for i := numA; i < n; i++ {
		b.Parts[i-numA] = a.Parts[i]
		a.Parts[i] = Partition{}
	}

	splitKey := a.Pivots[numA-1]
	if numB > 1 {
		b.Pivots = make([][]byte, numB-1)
		copy(b.Pivots, a.Pivots[numA:])
	}
	a.Parts = a.Parts[:numA]
	a.Pivots = a.Pivots[:numA-1]

	b.MaxMSNInMemory = a.MaxMSNInMemory
	b.MaxMSNOnDisk = a.MaxMSNInMemory
	a.Dirty = true
	b.Dirty = true
	return splitKey
}

// mergeLeafInto concatenates leaf b into leaf a. If a's right-most basement
// is empty it is dropped (there is no key to pivot on); otherwise the key of
// its last entry becomes the pivot between the old halves.
func mergeLeafInto(a, b *Node) {
	a.AssertFullyAvailable()
	b.AssertFullyAvailable()

	lastBN := a.Parts[len(a.Parts)-1].BN
	aHasTail := lastBN.Len() > 0

	if !aHasTail {
		a.Parts = a.Parts[:len(a.Parts)-1]
	} else {
		last := lastBN.At(lastBN.Len() - 1)
		pivot := make([]byte, last.KeyLen())
		copy(pivot, last.Key())
		a.Pivots = append(a.Pivots, pivot)
	}

	a.Parts = append(a.Parts, b.Parts...)
	a.Pivots = append(a.Pivots, b.Pivots...)
	b.Parts = nil
	b.Pivots = nil
	a.Dirty = true
	b.Dirty = true
}

// mergeNonleafInto concatenates nonleaf b into nonleaf a around the parent's
// pivot between them.
func mergeNonleafInto(a, b *Node, parentPivot []byte) {
	a.AssertFullyAvailable()
	b.AssertFullyAvailable()

	a.Pivots = append(a.Pivots, parentPivot)
	a.Pivots = append(a.Pivots, b.Pivots...)
	a.Parts = append(a.Parts, b.Parts...)
	b.Parts = nil
	b.Pivots = nil
	a.Dirty = true
	b.Dirty = true
}

// adoptContents moves shell's payload into b, which keeps its own identity
// (block number, hash, lock).
func (b *Node) adoptContents(shell *Node) {
	b.Height = shell.Height
	b.Nodesize = shell.Nodesize
	b.LayoutVersion = shell.LayoutVersion
	b.Flags = shell.Flags
	b.Dirty = shell.Dirty
	b.MaxMSNInMemory = shell.MaxMSNInMemory
	b.MaxMSNOnDisk = shell.MaxMSNOnDisk
	b.Pivots = shell.Pivots
	b.Parts = shell.Parts
}

// MaybeMergePinned either merges b into a (didMerge true), redistributes
// their contents evenly (didRebalance true, with the fresh pivot in
// splitKey), or leaves both alone.
//
// Leaves follow the size rules: no merge when the combined size exceeds 3/4
// of the nodesize; within that, rebalance only when one side has shrunk
// under a quarter. Nonleaves always merge; the caller only gets here when a
// child was classified fusible. Both siblings' parent-side buffers must have
// been flushed before the call.
func MaybeMergePinned(a, b *Node, parentPivot []byte) (didMerge, didRebalance bool, splitKey []byte) {
	if a.Height != b.Height {
		panic("merging nodes of different height")
	}

	msnMax := a.MaxMSNInMemory
	if b.MaxMSNInMemory > msnMax {
		msnMax = b.MaxMSNInMemory
	}

	if a.Height == 0 {
		sizeA := a.SerializeSize()
		sizeB := b.SerializeSize()
		switch {
		case (sizeA+sizeB)*4 > uint64(a.Nodesize)*3:
			// Combined they exceed 3/4 of a node: never merge.
			if sizeA*4 > uint64(a.Nodesize) && sizeB*4 > uint64(a.Nodesize) {
				return false, false, nil
			}
			// One side is under a quarter: even things out.
			mergeLeafInto(a, b)
			shell := &Node{Block: b.Block, FullHash: b.FullHash, Height: 0}
			splitKey = SplitLeaf(a, shell)
			b.adoptContents(shell)
			didRebalance = true
		default:
			mergeLeafInto(a, b)
			a.RecalcLeafEstimates()
			didMerge = true
		}
	} else {
		mergeNonleafInto(a, b, parentPivot)
		didMerge = true
	}

	a.MaxMSNInMemory = msnMax
	b.MaxMSNInMemory = msnMax
	return didMerge, didRebalance, splitKey
}
