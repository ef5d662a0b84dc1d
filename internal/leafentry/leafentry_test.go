// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package leafentry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scigolib/buffertree/internal/message"
)

func msg(kind message.Kind, xids message.XIDStack, key, val string) *message.Msg {
	return &message.Msg{Kind: kind, XIDs: xids, Key: []byte(key), Val: []byte(val)}
}

func TestNonTransactionalInsert(t *testing.T) {
	e := Apply(nil, msg(message.KindInsert, nil, "k", "v1"), false)
	require.NotNil(t, e)
	assert.Equal(t, []byte("k"), e.Key())
	assert.Equal(t, []byte("v1"), e.LatestVal())
	assert.False(t, e.LatestIsDel())
	assert.True(t, e.IsClean())

	e = Apply(e, msg(message.KindInsert, nil, "k", "v2"), false)
	assert.Equal(t, []byte("v2"), e.LatestVal())
	assert.True(t, e.IsClean(), "history dropped when no snapshot needs it")
}

func TestNonTransactionalInsertKeepsHistory(t *testing.T) {
	e := Apply(nil, msg(message.KindInsert, nil, "k", "v1"), false)
	e = Apply(e, msg(message.KindInsert, nil, "k", "v2"), true)
	require.NotNil(t, e)
	assert.Equal(t, []byte("v2"), e.LatestVal())
	assert.Equal(t, 2, e.NumCommitted())
	assert.False(t, e.IsClean())
}

func TestNonTransactionalDelete(t *testing.T) {
	t.Run("delete of absent key destroys nothing", func(t *testing.T) {
		assert.Nil(t, Apply(nil, msg(message.KindDeleteAny, nil, "k", ""), false))
	})

	t.Run("delete destroys committed entry", func(t *testing.T) {
		e := Apply(nil, msg(message.KindInsert, nil, "k", "v"), false)
		assert.Nil(t, Apply(e, msg(message.KindDeleteAny, nil, "k", ""), false))
	})

	t.Run("delete with history keeps entry for snapshots", func(t *testing.T) {
		e := Apply(nil, msg(message.KindInsert, nil, "k", "v"), false)
		e = Apply(e, msg(message.KindDeleteAny, nil, "k", ""), true)
		require.NotNil(t, e)
		assert.True(t, e.LatestIsDel())
		assert.Equal(t, 2, e.NumCommitted())
	})
}

func TestInsertNoOverwrite(t *testing.T) {
	e := Apply(nil, msg(message.KindInsert, nil, "k", "v1"), false)
	e = Apply(e, msg(message.KindInsertNoOverwrite, nil, "k", "v2"), false)
	assert.Equal(t, []byte("v1"), e.LatestVal(), "existing live value wins")

	e = Apply(e, msg(message.KindDeleteAny, nil, "k", ""), true) // keep tombstone
	require.NotNil(t, e)
	e = Apply(e, msg(message.KindInsertNoOverwrite, nil, "k", "v3"), false)
	assert.Equal(t, []byte("v3"), e.LatestVal(), "deleted key accepts the insert")
}

func TestProvisionalLifecycle(t *testing.T) {
	xids := message.XIDStack{5}

	e := Apply(nil, msg(message.KindInsert, xids, "k", "dirty"), false)
	require.NotNil(t, e)
	assert.False(t, e.IsClean())
	assert.True(t, e.HasXID(xids))
	assert.Equal(t, []byte("dirty"), e.LatestVal())

	t.Run("abort restores nothing when never committed", func(t *testing.T) {
		aborted := Apply(cloneForTest(e), msg(message.KindAbortAny, xids, "k", ""), false)
		assert.Nil(t, aborted)
	})

	t.Run("commit promotes to committed", func(t *testing.T) {
		committed := Apply(cloneForTest(e), msg(message.KindCommitAny, xids, "k", ""), false)
		require.NotNil(t, committed)
		assert.True(t, committed.IsClean())
		assert.Equal(t, []byte("dirty"), committed.LatestVal())
		assert.Equal(t, message.TxnID(5), committed.CommittedAt(0).RootXID)
	})
}

func TestProvisionalOverCommitted(t *testing.T) {
	e := Apply(nil, msg(message.KindInsert, nil, "k", "old"), false)
	e = Apply(e, msg(message.KindInsert, message.XIDStack{9}, "k", "new"), false)
	require.NotNil(t, e)
	assert.Equal(t, []byte("new"), e.LatestVal())
	assert.False(t, e.IsClean())

	t.Run("abort restores the committed value", func(t *testing.T) {
		aborted := Apply(cloneForTest(e), msg(message.KindAbortAny, message.XIDStack{9}, "k", ""), false)
		require.NotNil(t, aborted)
		assert.Equal(t, []byte("old"), aborted.LatestVal())
		assert.True(t, aborted.IsClean())
	})

	t.Run("provisional delete then abort", func(t *testing.T) {
		d := Apply(cloneForTest(e), msg(message.KindDeleteAny, message.XIDStack{9}, "k", ""), false)
		require.NotNil(t, d)
		assert.True(t, d.LatestIsDel())
		restored := Apply(d, msg(message.KindAbortAny, message.XIDStack{9}, "k", ""), false)
		require.NotNil(t, restored)
		assert.Equal(t, []byte("old"), restored.LatestVal())
	})
}

func TestNestedTransactions(t *testing.T) {
	outer := message.XIDStack{3}
	inner := message.XIDStack{3, 4}

	e := Apply(nil, msg(message.KindInsert, outer, "k", "vo"), false)
	e = Apply(e, msg(message.KindInsert, inner, "k", "vi"), false)
	require.NotNil(t, e)
	assert.Equal(t, 2, e.NumProvisional())
	assert.Equal(t, []byte("vi"), e.LatestVal())

	t.Run("inner abort restores outer", func(t *testing.T) {
		a := Apply(cloneForTest(e), msg(message.KindAbortAny, inner, "k", ""), false)
		require.NotNil(t, a)
		assert.Equal(t, 1, a.NumProvisional())
		assert.Equal(t, []byte("vo"), a.LatestVal())
	})

	t.Run("inner commit merges into outer", func(t *testing.T) {
		c := Apply(cloneForTest(e), msg(message.KindCommitAny, inner, "k", ""), false)
		require.NotNil(t, c)
		assert.Equal(t, 1, c.NumProvisional())
		assert.Equal(t, []byte("vi"), c.LatestVal())

		final := Apply(c, msg(message.KindCommitAny, outer, "k", ""), false)
		require.NotNil(t, final)
		assert.True(t, final.IsClean())
		assert.Equal(t, []byte("vi"), final.LatestVal())
	})
}

func TestCommitOfForeignTxnIsNoop(t *testing.T) {
	e := Apply(nil, msg(message.KindInsert, message.XIDStack{5}, "k", "v"), false)
	same := Apply(e, msg(message.KindCommitAny, message.XIDStack{6}, "k", ""), false)
	assert.Equal(t, e, same)
	assert.False(t, same.IsClean())
}

func TestFlatten(t *testing.T) {
	t.Run("flatten commits provisional stack", func(t *testing.T) {
		e := Apply(nil, msg(message.KindInsert, message.XIDStack{5}, "k", "v"), false)
		f := Apply(e, msg(message.KindOptimize, nil, "", ""), false)
		require.NotNil(t, f)
		assert.True(t, f.IsClean())
		assert.Equal(t, []byte("v"), f.LatestVal())
	})

	t.Run("flatten collapses committed history", func(t *testing.T) {
		e := Apply(nil, msg(message.KindInsert, nil, "k", "v1"), false)
		e = Apply(e, msg(message.KindInsert, nil, "k", "v2"), true)
		require.Equal(t, 2, e.NumCommitted())
		f := Apply(e, msg(message.KindCommitBroadcastAll, nil, "", ""), false)
		require.NotNil(t, f)
		assert.Equal(t, 1, f.NumCommitted())
		assert.Equal(t, []byte("v2"), f.LatestVal())
	})

	t.Run("flatten of deleted entry destroys it", func(t *testing.T) {
		e := Apply(nil, msg(message.KindInsert, nil, "k", "v"), false)
		e = Apply(e, msg(message.KindDeleteAny, nil, "k", ""), true)
		require.NotNil(t, e)
		assert.Nil(t, Apply(e, msg(message.KindOptimize, nil, "", ""), false))
	})
}

func TestSnapshotVisibility(t *testing.T) {
	// Committed v1 by txn 2, then committed v2 by txn 8 with history kept.
	e := Rebuild([]byte("k"), []Version{
		{RootXID: 8, Val: []byte("v2")},
		{RootXID: 2, Val: []byte("v1")},
	}, nil)

	oldSnapshot := func(xid message.TxnID) bool { return xid < 5 }
	newSnapshot := func(xid message.TxnID) bool { return xid < 10 }

	v, del := e.IterateVal(oldSnapshot)
	assert.False(t, del)
	assert.Equal(t, []byte("v1"), v)

	v, del = e.IterateVal(newSnapshot)
	assert.False(t, del)
	assert.Equal(t, []byte("v2"), v)

	v, del = e.IterateVal(nil)
	assert.False(t, del)
	assert.Equal(t, []byte("v2"), v)
}

func TestSnapshotSkipsProvisional(t *testing.T) {
	e := Rebuild([]byte("k"),
		[]Version{{RootXID: 2, Val: []byte("committed")}},
		[]Version{{OwnerXID: 9, RootXID: 9, Val: []byte("dirty")}})

	snapshot := func(xid message.TxnID) bool { return xid < 5 }
	v, del := e.IterateVal(snapshot)
	assert.False(t, del)
	assert.Equal(t, []byte("committed"), v)

	own := func(xid message.TxnID) bool { return xid == 9 || xid < 5 }
	v, del = e.IterateVal(own)
	assert.False(t, del)
	assert.Equal(t, []byte("dirty"), v)

	assert.True(t, e.IterateIsDel(func(message.TxnID) bool { return false }))
}

func TestDiskSizeTracksVersions(t *testing.T) {
	e := Apply(nil, msg(message.KindInsert, nil, "key", "value"), false)
	base := e.DiskSize()
	e = Apply(e, msg(message.KindInsert, message.XIDStack{4}, "key", "bigger-value"), false)
	assert.Greater(t, e.DiskSize(), base)
}

// cloneForTest deep-copies an entry through the codec surface so subtests
// can branch from a shared fixture.
func cloneForTest(e *Entry) *Entry {
	committed := make([]Version, e.NumCommitted())
	for i := 0; i < e.NumCommitted(); i++ {
		committed[i] = *e.CommittedAt(i)
	}
	prov := make([]Version, e.NumProvisional())
	for i := 0; i < e.NumProvisional(); i++ {
		prov[i] = *e.ProvisionalAt(i)
	}
	key := make([]byte, len(e.Key()))
	copy(key, e.Key())
	return Rebuild(key, committed, prov)
}
