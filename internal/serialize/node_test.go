// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package serialize

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scigolib/buffertree/internal/blocktable"
	"github.com/scigolib/buffertree/internal/message"
	"github.com/scigolib/buffertree/internal/node"
)

func testLeaf(t *testing.T, entries int) *node.Node {
	t.Helper()
	n := node.NewEmpty(1, 0, 1, 1<<20, 0)
	env := node.ApplyEnv{Cmp: bytes.Compare}
	for i := 0; i < entries; i++ {
		msg := &message.Msg{
			Kind: message.KindInsert,
			MSN:  message.MSN(i + 1),
			Key:  []byte(fmt.Sprintf("key-%04d", i)),
			Val:  []byte(fmt.Sprintf("val-%04d", i)),
		}
		node.ApplyToBasement(n.Basement(0), &n.Parts[0].Est, msg, env)
	}
	n.MaxMSNInMemory = message.MSN(entries)
	return n
}

func testNonleaf(t *testing.T) *node.Node {
	t.Helper()
	n := node.NewEmpty(2, 1, 3, 1<<20, 0)
	n.Pivots[0] = []byte("g")
	n.Pivots[1] = []byte("p")
	for i := 0; i < 3; i++ {
		n.Parts[i].ChildBlock = blocktable.BlockNum(10 + i)
		n.Parts[i].FullHash = uint32(100 + i)
		n.Parts[i].Est = node.SubtreeEstimate{NKeys: uint64(i), NData: uint64(i), DSize: uint64(i * 10), Exact: i%2 == 0}
	}
	n.Buffer(0).Enqueue(&message.Msg{Kind: message.KindInsert, MSN: 5, Key: []byte("a"), Val: []byte("1"), XIDs: message.XIDStack{3, 4}})
	n.Buffer(0).Enqueue(&message.Msg{Kind: message.KindDeleteAny, MSN: 6, Key: []byte("b")})
	n.Buffer(2).Enqueue(&message.Msg{Kind: message.KindOptimize, MSN: 7})
	n.MaxMSNInMemory = 7
	return n
}

func TestLeafRoundTrip(t *testing.T) {
	orig := testLeaf(t, 25)
	raw, err := EncodeNode(orig)
	require.NoError(t, err)

	got, err := DecodeNode(raw, orig.Block, true, -1)
	require.NoError(t, err)

	assert.Equal(t, orig.Height, got.Height)
	assert.Equal(t, orig.MaxMSNInMemory, got.MaxMSNInMemory)
	assert.Equal(t, orig.MaxMSNInMemory, got.MaxMSNOnDisk, "on-disk MSN adopts the written one")
	assert.False(t, got.Dirty)
	require.Equal(t, 1, got.NChildren())

	bn := got.Basement(0)
	require.Equal(t, 25, bn.Len())
	for i := 0; i < bn.Len(); i++ {
		assert.Equal(t, fmt.Sprintf("key-%04d", i), string(bn.At(i).Key()))
		assert.Equal(t, fmt.Sprintf("val-%04d", i), string(bn.At(i).LatestVal()))
	}
	assert.False(t, bn.SoftCopyUpToDate(), "fresh decode must replay before reads")
	assert.Equal(t, orig.Parts[0].Est.NKeys, got.Parts[0].Est.NKeys)
}

func TestLeafRoundTripWithVersions(t *testing.T) {
	n := node.NewEmpty(1, 0, 1, 1<<20, 0)
	env := node.ApplyEnv{Cmp: bytes.Compare, KeepHistory: true}
	node.ApplyToBasement(n.Basement(0), &n.Parts[0].Est,
		&message.Msg{Kind: message.KindInsert, MSN: 1, Key: []byte("k"), Val: []byte("v1")}, env)
	node.ApplyToBasement(n.Basement(0), &n.Parts[0].Est,
		&message.Msg{Kind: message.KindInsert, MSN: 2, Key: []byte("k"), Val: []byte("v2")}, env)
	node.ApplyToBasement(n.Basement(0), &n.Parts[0].Est,
		&message.Msg{Kind: message.KindInsert, MSN: 3, Key: []byte("k"), Val: []byte("dirty"), XIDs: message.XIDStack{9}}, env)

	raw, err := EncodeNode(n)
	require.NoError(t, err)
	got, err := DecodeNode(raw, n.Block, true, -1)
	require.NoError(t, err)

	e := got.Basement(0).At(0)
	assert.Equal(t, 2, e.NumCommitted())
	assert.Equal(t, 1, e.NumProvisional())
	assert.Equal(t, []byte("dirty"), e.LatestVal())
	assert.Equal(t, message.TxnID(9), e.ProvisionalAt(0).OwnerXID)

	// The committed history is preserved in order.
	assert.Equal(t, []byte("v2"), e.CommittedAt(0).Val)
	assert.Equal(t, []byte("v1"), e.CommittedAt(1).Val)
}

func TestNonleafRoundTrip(t *testing.T) {
	orig := testNonleaf(t)
	raw, err := EncodeNode(orig)
	require.NoError(t, err)

	got, err := DecodeNode(raw, orig.Block, true, -1)
	require.NoError(t, err)

	assert.Equal(t, 1, got.Height)
	require.Equal(t, 3, got.NChildren())
	assert.Equal(t, [][]byte{[]byte("g"), []byte("p")}, got.Pivots)

	for i := 0; i < 3; i++ {
		assert.Equal(t, orig.Parts[i].ChildBlock, got.Parts[i].ChildBlock, "child %d", i)
		assert.Equal(t, orig.Parts[i].Est, got.Parts[i].Est, "child %d", i)
	}

	require.Equal(t, 2, got.Buffer(0).Len())
	m := got.Buffer(0).Peek()
	assert.Equal(t, message.KindInsert, m.Kind)
	assert.Equal(t, message.MSN(5), m.MSN)
	assert.Equal(t, message.XIDStack{3, 4}, m.XIDs)
	assert.Equal(t, []byte("a"), m.Key)
	assert.Zero(t, got.Buffer(1).Len())
	require.Equal(t, 1, got.Buffer(2).Len())
	assert.Equal(t, message.KindOptimize, got.Buffer(2).Peek().Kind)
}

func TestPartialDecode(t *testing.T) {
	orig := testNonleaf(t)
	raw, err := EncodeNode(orig)
	require.NoError(t, err)

	got, err := DecodeNode(raw, orig.Block, false, 1)
	require.NoError(t, err)

	assert.Equal(t, node.StateCompressed, got.Parts[0].State)
	assert.Equal(t, node.StateAvailable, got.Parts[1].State)
	assert.Equal(t, node.StateCompressed, got.Parts[2].State)

	t.Run("compressed partition decodes in place", func(t *testing.T) {
		require.NoError(t, DecodePartitionInPlace(got, 0))
		assert.Equal(t, node.StateAvailable, got.Parts[0].State)
		assert.Equal(t, 2, got.Buffer(0).Len())
	})

	t.Run("on-disk partition decodes from raw", func(t *testing.T) {
		got.Parts[2].Compressed = nil
		got.Parts[2].State = node.StateOnDisk
		require.NoError(t, DecodePartitionFromRaw(raw, got, 2))
		assert.Equal(t, node.StateAvailable, got.Parts[2].State)
		assert.Equal(t, 1, got.Buffer(2).Len())
	})
}

func TestCompressPartitionRoundTrip(t *testing.T) {
	n := testLeaf(t, 10)
	require.NoError(t, CompressPartition(n, 0))
	assert.Equal(t, node.StateCompressed, n.Parts[0].State)

	// A node with compressed partitions can still be re-serialized.
	raw, err := EncodeNode(n)
	require.NoError(t, err)

	require.NoError(t, DecodePartitionInPlace(n, 0))
	assert.Equal(t, 10, n.Basement(0).Len())

	got, err := DecodeNode(raw, n.Block, true, -1)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Basement(0).Len())
}

func TestDecodeCorruption(t *testing.T) {
	orig := testLeaf(t, 5)
	raw, err := EncodeNode(orig)
	require.NoError(t, err)

	t.Run("bad signature", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		bad[4] = 'X'
		_, err := DecodeNode(bad, 1, true, -1)
		assert.Error(t, err)
	})

	t.Run("flipped head byte", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		bad[10] ^= 0xFF
		_, err := DecodeNode(bad, 1, true, -1)
		assert.Error(t, err)
	})

	t.Run("flipped payload byte", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		bad[len(bad)-10] ^= 0xFF
		_, err := DecodeNode(bad, 1, true, -1)
		assert.Error(t, err)
	})

	t.Run("truncated block", func(t *testing.T) {
		_, err := DecodeNode(raw[:16], 1, true, -1)
		assert.Error(t, err)
	})
}

func TestEncodeRejectsOnDiskPartition(t *testing.T) {
	n := testLeaf(t, 3)
	n.Parts[0].State = node.StateOnDisk
	n.Parts[0].BN = nil
	_, err := EncodeNode(n)
	assert.Error(t, err)
}
