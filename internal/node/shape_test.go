// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package node

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scigolib/buffertree/internal/blocktable"
	"github.com/scigolib/buffertree/internal/message"
)

func blockOf(i int) blocktable.BlockNum {
	return blocktable.BlockNum(i)
}

// collectKeys gathers every key of a leaf in basement order.
func collectKeys(n *Node) []string {
	var out []string
	for i := range n.Parts {
		bn := n.Parts[i].BN
		for j := 0; j < bn.Len(); j++ {
			out = append(out, string(bn.At(j).Key()))
		}
	}
	return out
}

// checkPivotOrder verifies pivots are strictly increasing and that
// len(pivots) == nChildren-1.
func checkPivotOrder(t *testing.T, n *Node) {
	t.Helper()
	require.Len(t, n.Pivots, n.NChildren()-1)
	for i := 1; i < len(n.Pivots); i++ {
		assert.Negative(t, bytes.Compare(n.Pivots[i-1], n.Pivots[i]),
			"pivot %d must order before pivot %d", i-1, i)
	}
}

func TestSplitLeaf(t *testing.T) {
	a := NewEmpty(1, 0, 1, 4096, 0)
	fillLeaf(a, 50)
	total := a.LeafEntryCount()
	msnBefore := a.MaxMSNInMemory

	b := &Node{Block: 2, Height: 0}
	splitKey := SplitLeaf(a, b)

	require.NotEmpty(t, splitKey)
	assert.True(t, a.Dirty)
	assert.True(t, b.Dirty)
	assert.Equal(t, msnBefore, a.MaxMSNInMemory)
	assert.Equal(t, msnBefore, b.MaxMSNInMemory)
	assert.Equal(t, total, a.LeafEntryCount()+b.LeafEntryCount())
	assert.Positive(t, a.LeafEntryCount())
	assert.Positive(t, b.LeafEntryCount())
	checkPivotOrder(t, a)
	checkPivotOrder(t, b)

	// The pivot is the last surviving key on the left.
	aKeys := collectKeys(a)
	assert.Equal(t, aKeys[len(aKeys)-1], string(splitKey))
	for _, k := range aKeys {
		assert.LessOrEqual(t, k, string(splitKey))
	}
	for _, k := range collectKeys(b) {
		assert.Greater(t, k, string(splitKey))
	}

}

func TestSplitNonleaf(t *testing.T) {
	a := NewEmpty(1, 2, 6, 4096, 0)
	for i := 0; i < 5; i++ {
		a.Pivots[i] = []byte(fmt.Sprintf("p%d", i))
	}
	for i := 0; i < 6; i++ {
		a.Parts[i].ChildBlock = blockOf(10 + i)
		a.Buffer(i).Enqueue(insertMsg(uint64(i+1), fmt.Sprintf("p%d-key", i), "v"))
	}
	a.MaxMSNInMemory = 6

	b := &Node{Block: 2, Height: 2}
	splitKey := SplitNonleaf(a, b)

	assert.Equal(t, []byte("p2"), splitKey)
	assert.Equal(t, 3, a.NChildren())
	assert.Equal(t, 3, b.NChildren())
	assert.Equal(t, [][]byte{[]byte("p0"), []byte("p1")}, a.Pivots)
	assert.Equal(t, [][]byte{[]byte("p3"), []byte("p4")}, b.Pivots)
	checkPivotOrder(t, a)
	checkPivotOrder(t, b)

	// Buffers travel with their partitions, no redistribution.
	assert.Equal(t, 1, a.Buffer(0).Len())
	assert.Equal(t, 1, b.Buffer(0).Len())
	assert.Equal(t, blockOf(13), b.Parts[0].ChildBlock)
	assert.Equal(t, a.MaxMSNInMemory, b.MaxMSNInMemory)
}

func TestMaybeMergePinnedLeafMerge(t *testing.T) {
	a := NewEmpty(1, 0, 1, 1<<20, 0)
	b := NewEmpty(2, 0, 1, 1<<20, 0)
	for i := 0; i < 5; i++ {
		ApplyToBasement(a.Basement(0), &a.Parts[0].Est, insertMsg(uint64(i+1), fmt.Sprintf("a%d", i), "v"), testEnv())
		ApplyToBasement(b.Basement(0), &b.Parts[0].Est, insertMsg(uint64(i+6), fmt.Sprintf("b%d", i), "v"), testEnv())
	}
	b.MaxMSNInMemory = 10

	didMerge, didRebalance, splitKey := MaybeMergePinned(a, b, []byte("a9"))
	assert.True(t, didMerge)
	assert.False(t, didRebalance)
	assert.Nil(t, splitKey)

	assert.Equal(t, uint64(10), a.LeafEntryCount())
	assert.Zero(t, len(b.Parts), "b is emptied")
	checkPivotOrder(t, a)
	assert.Equal(t, message.MSN(10), a.MaxMSNInMemory)

	keys := collectKeys(a)
	assert.IsIncreasing(t, keys)
}

func TestMaybeMergePinnedLeafRebalance(t *testing.T) {
	// Combined size over 3/4 of the nodesize with a starved right side
	// forces a rebalance rather than a merge.
	const nodesize = 2048
	a := NewEmpty(1, 0, 1, nodesize, 0)
	b := NewEmpty(2, 0, 1, nodesize, 0)
	for i := 0; i < 30; i++ {
		ApplyToBasement(a.Basement(0), &a.Parts[0].Est,
			insertMsg(uint64(i+1), fmt.Sprintf("a%02d", i), "0123456789012345678901234567890123456789"), testEnv())
	}
	ApplyToBasement(b.Basement(0), &b.Parts[0].Est, insertMsg(31, "z", "v"), testEnv())

	require.Greater(t, (a.SerializeSize()+b.SerializeSize())*4, uint64(nodesize)*3)
	require.Less(t, b.SerializeSize()*4, uint64(nodesize))

	didMerge, didRebalance, splitKey := MaybeMergePinned(a, b, []byte("y"))
	assert.False(t, didMerge)
	assert.True(t, didRebalance)
	require.NotEmpty(t, splitKey)

	assert.Positive(t, a.LeafEntryCount())
	assert.Positive(t, b.LeafEntryCount())
	assert.Equal(t, uint64(31), a.LeafEntryCount()+b.LeafEntryCount())
	for _, k := range collectKeys(a) {
		assert.LessOrEqual(t, k, string(splitKey))
	}
	for _, k := range collectKeys(b) {
		assert.Greater(t, k, string(splitKey))
	}
}

func TestMaybeMergePinnedLeafNothing(t *testing.T) {
	// Both sides over a quarter of the nodesize: leave them alone.
	const nodesize = 1024
	a := NewEmpty(1, 0, 1, nodesize, 0)
	b := NewEmpty(2, 0, 1, nodesize, 0)
	val := string(make([]byte, 100))
	for i := 0; i < 3; i++ {
		ApplyToBasement(a.Basement(0), &a.Parts[0].Est, insertMsg(uint64(i+1), fmt.Sprintf("a%d", i), val), testEnv())
		ApplyToBasement(b.Basement(0), &b.Parts[0].Est, insertMsg(uint64(i+4), fmt.Sprintf("b%d", i), val), testEnv())
	}
	require.Greater(t, a.SerializeSize()*4, uint64(nodesize))
	require.Greater(t, b.SerializeSize()*4, uint64(nodesize))

	didMerge, didRebalance, splitKey := MaybeMergePinned(a, b, []byte("a9"))
	assert.False(t, didMerge)
	assert.False(t, didRebalance)
	assert.Nil(t, splitKey)
	assert.Equal(t, uint64(3), a.LeafEntryCount())
	assert.Equal(t, uint64(3), b.LeafEntryCount())
}

func TestMaybeMergePinnedNonleafAlwaysMerges(t *testing.T) {
	a := NewEmpty(1, 1, 2, 4096, 0)
	a.Pivots[0] = []byte("b")
	b := NewEmpty(2, 1, 2, 4096, 0)
	b.Pivots[0] = []byte("f")
	for i, blk := range []int{10, 11} {
		a.Parts[i].ChildBlock = blockOf(blk)
	}
	for i, blk := range []int{12, 13} {
		b.Parts[i].ChildBlock = blockOf(blk)
	}

	didMerge, didRebalance, splitKey := MaybeMergePinned(a, b, []byte("d"))
	assert.True(t, didMerge)
	assert.False(t, didRebalance)
	assert.Nil(t, splitKey)

	assert.Equal(t, 4, a.NChildren())
	assert.Equal(t, [][]byte{[]byte("b"), []byte("d"), []byte("f")}, a.Pivots)
	checkPivotOrder(t, a)
	assert.Equal(t, blockOf(12), a.Parts[2].ChildBlock)
}
