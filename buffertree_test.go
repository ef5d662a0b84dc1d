// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package buffertree

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestTree(t *testing.T, opts ...Option) *Tree {
	t.Helper()
	tr, err := Open(filepath.Join(t.TempDir(), "dict.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// get fetches one key, returning the value and whether it was found.
func get(t *testing.T, tr *Tree, x *Txn, key string) (string, bool) {
	t.Helper()
	var got string
	err := tr.Lookup(x, []byte(key), func(k, v []byte) error {
		got = string(v)
		return nil
	})
	if err != nil {
		require.ErrorIs(t, err, ErrNotFound)
		return "", false
	}
	return got, true
}

func TestInsertLookupCursor(t *testing.T) {
	tr := openTestTree(t)

	require.NoError(t, tr.Insert(nil, []byte("a"), []byte("1")))
	require.NoError(t, tr.Insert(nil, []byte("b"), []byte("2")))
	require.NoError(t, tr.Insert(nil, []byte("c"), []byte("3")))

	v, ok := get(t, tr, nil, "b")
	require.True(t, ok)
	assert.Equal(t, "2", v)

	c, err := tr.OpenCursor(nil)
	require.NoError(t, err)
	defer c.Close()

	var walked []string
	collect := func(k, v []byte) error {
		walked = append(walked, string(k)+"="+string(v))
		return nil
	}

	require.NoError(t, c.First(collect))
	require.NoError(t, c.Next(collect))
	require.NoError(t, c.Next(collect))
	assert.ErrorIs(t, c.Next(collect), ErrNotFound)
	assert.Equal(t, []string{"a=1", "b=2", "c=3"}, walked)
}

func TestCursorBackwardAndSetRange(t *testing.T) {
	tr := openTestTree(t)
	for _, k := range []string{"b", "d", "f"} {
		require.NoError(t, tr.Insert(nil, []byte(k), []byte("v-"+k)))
	}

	c, err := tr.OpenCursor(nil)
	require.NoError(t, err)
	defer c.Close()

	var last string
	record := func(k, v []byte) error { last = string(k); return nil }

	require.NoError(t, c.Last(record))
	assert.Equal(t, "f", last)
	require.NoError(t, c.Prev(record))
	assert.Equal(t, "d", last)
	require.NoError(t, c.Prev(record))
	assert.Equal(t, "b", last)
	assert.ErrorIs(t, c.Prev(record), ErrNotFound)

	t.Run("set range lands on the next key", func(t *testing.T) {
		require.NoError(t, c.SetRange([]byte("c"), record))
		assert.Equal(t, "d", last)
	})

	t.Run("exact set misses between keys", func(t *testing.T) {
		assert.ErrorIs(t, c.Set([]byte("c"), record), ErrNotFound)
	})

	t.Run("current replays the position", func(t *testing.T) {
		require.NoError(t, c.Set([]byte("d"), record))
		last = ""
		require.NoError(t, c.Current(record))
		assert.Equal(t, "d", last)
	})
}

func TestCursorUnsetIsInvalid(t *testing.T) {
	tr := openTestTree(t)
	c, err := tr.OpenCursor(nil)
	require.NoError(t, err)
	defer c.Close()

	nop := func(k, v []byte) error { return nil }
	assert.ErrorIs(t, c.Next(nop), ErrInvalid)
	assert.ErrorIs(t, c.Prev(nop), ErrInvalid)
	assert.ErrorIs(t, c.Current(nop), ErrInvalid)
	assert.ErrorIs(t, c.Delete(nil), ErrInvalid)
}

func TestCursorDelete(t *testing.T) {
	tr := openTestTree(t)
	require.NoError(t, tr.Insert(nil, []byte("gone"), []byte("v")))

	c, err := tr.OpenCursor(nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set([]byte("gone"), func(k, v []byte) error { return nil }))
	require.NoError(t, c.Delete(nil))

	_, ok := get(t, tr, nil, "gone")
	assert.False(t, ok)
}

func TestInsertNoOverwrite(t *testing.T) {
	tr := openTestTree(t)

	require.NoError(t, tr.Insert(nil, []byte("k"), []byte("original")))
	require.NoError(t, tr.InsertNoOverwrite(nil, []byte("k"), []byte("usurper")))

	v, _ := get(t, tr, nil, "k")
	assert.Equal(t, "original", v)

	require.NoError(t, tr.Delete(nil, []byte("k")))
	require.NoError(t, tr.InsertNoOverwrite(nil, []byte("k"), []byte("second")))
	v, _ = get(t, tr, nil, "k")
	assert.Equal(t, "second", v)
}

func TestUpdateFunction(t *testing.T) {
	setTo := func(key, oldVal, extra []byte, setVal func([]byte)) {
		setVal(extra)
	}
	tr := openTestTree(t, WithUpdateFunction(setTo))

	require.NoError(t, tr.Insert(nil, []byte("k"), []byte("v1")))
	require.NoError(t, tr.Update(nil, []byte("k"), []byte("v2")))

	v, ok := get(t, tr, nil, "k")
	require.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestUpdateWithoutFunctionRejected(t *testing.T) {
	tr := openTestTree(t)
	assert.ErrorIs(t, tr.Update(nil, []byte("k"), []byte("x")), ErrInvalid)
	assert.ErrorIs(t, tr.UpdateBroadcast(nil, []byte("x")), ErrInvalid)
}

func TestUpdateBroadcast(t *testing.T) {
	redact := func(key, oldVal, extra []byte, setVal func([]byte)) {
		setVal(extra)
	}
	tr := openTestTree(t, WithUpdateFunction(redact))

	for i := 0; i < 10; i++ {
		require.NoError(t, tr.Insert(nil, []byte(fmt.Sprintf("k%02d", i)), []byte("secret")))
	}
	require.NoError(t, tr.UpdateBroadcast(nil, []byte("xxx")))

	for i := 0; i < 10; i++ {
		v, ok := get(t, tr, nil, fmt.Sprintf("k%02d", i))
		require.True(t, ok)
		assert.Equal(t, "xxx", v)
	}
}

func TestTransactionCommitAndAbort(t *testing.T) {
	tr := openTestTree(t)
	require.NoError(t, tr.Insert(nil, []byte("stable"), []byte("base")))

	t.Run("abort discards writes", func(t *testing.T) {
		x := tr.BeginTxn(nil, false)
		require.NoError(t, tr.Insert(x, []byte("temp"), []byte("v")))
		require.NoError(t, tr.Abort(x))

		_, ok := get(t, tr, nil, "temp")
		assert.False(t, ok)
	})

	t.Run("commit publishes writes", func(t *testing.T) {
		x := tr.BeginTxn(nil, false)
		require.NoError(t, tr.Insert(x, []byte("kept"), []byte("v")))
		require.NoError(t, tr.Commit(x))

		v, ok := get(t, tr, nil, "kept")
		require.True(t, ok)
		assert.Equal(t, "v", v)
	})

	t.Run("nested transactions resolve through the parent", func(t *testing.T) {
		parent := tr.BeginTxn(nil, false)
		child := tr.BeginTxn(parent, false)
		require.NoError(t, tr.Insert(child, []byte("nested"), []byte("v")))
		require.NoError(t, tr.Commit(child))
		require.NoError(t, tr.Commit(parent))

		v, ok := get(t, tr, nil, "nested")
		require.True(t, ok)
		assert.Equal(t, "v", v)
	})
}

func TestSnapshotIsolation(t *testing.T) {
	tr := openTestTree(t)

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Insert(nil, []byte(fmt.Sprintf("k%03d", i)), []byte("old")))
	}

	snap := tr.BeginTxn(nil, true)

	// A later transaction overwrites half the keys and stays open.
	writer := tr.BeginTxn(nil, false)
	for i := 0; i < n; i += 2 {
		require.NoError(t, tr.Insert(writer, []byte(fmt.Sprintf("k%03d", i)), []byte("new")))
	}

	t.Run("snapshot sees originals", func(t *testing.T) {
		for i := 0; i < n; i++ {
			v, ok := get(t, tr, snap, fmt.Sprintf("k%03d", i))
			require.True(t, ok, "key %d", i)
			assert.Equal(t, "old", v, "key %d", i)
		}
	})

	t.Run("non-snapshot reader sees the new values", func(t *testing.T) {
		v, ok := get(t, tr, nil, "k000")
		require.True(t, ok)
		assert.Equal(t, "new", v)
	})

	t.Run("snapshot survives the writer committing", func(t *testing.T) {
		require.NoError(t, tr.Commit(writer))
		v, ok := get(t, tr, snap, "k000")
		require.True(t, ok)
		assert.Equal(t, "old", v)

		v, ok = get(t, tr, nil, "k000")
		require.True(t, ok)
		assert.Equal(t, "new", v)
	})

	tr.mgr.Retire(snap)
}

func TestSnapshotCannotSeeNewerDictionary(t *testing.T) {
	tr := openTestTree(t)
	snap := tr.BeginTxn(nil, true)

	// Pretend the dictionary was created by a transaction the snapshot
	// cannot see.
	tr.eng.Header().RootXIDCreated = snap.ID() + 10

	assert.ErrorIs(t, tr.Lookup(snap, []byte("k"), func(k, v []byte) error { return nil }), ErrDictionaryTooNew)
	_, err := tr.OpenCursor(snap)
	assert.ErrorIs(t, err, ErrDictionaryTooNew)
}

func TestOptimize(t *testing.T) {
	tr := openTestTree(t)

	x := tr.BeginTxn(nil, false)
	for i := 0; i < 50; i++ {
		require.NoError(t, tr.Insert(x, []byte(fmt.Sprintf("k%03d", i)), []byte("v")))
	}
	require.NoError(t, tr.Commit(x))
	require.NoError(t, tr.Optimize())
	require.NoError(t, tr.OptimizeForUpgrade())

	v, ok := get(t, tr, nil, "k025")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestSplitsKeyrangeAndStat(t *testing.T) {
	tr := openTestTree(t, WithNodeSize(2048))

	const n = 1000
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Insert(nil, []byte(fmt.Sprintf("key-%08d", i)), []byte("0123456789abcdef")))
	}

	middle := []byte(fmt.Sprintf("key-%08d", n/2))
	less, equal, greater, err := tr.Keyrange(middle)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), equal)
	assert.Equal(t, uint64(n), less+equal+greater)

	st, err := tr.Stat()
	require.NoError(t, err)
	assert.Equal(t, uint64(n), st.NKeys)
	assert.Equal(t, uint64(n), st.NData)
	assert.Positive(t, st.DSize)
	assert.Positive(t, st.FSize)

	// Everything is still reachable after all the shape changes.
	for i := 0; i < n; i += 97 {
		_, ok := get(t, tr, nil, fmt.Sprintf("key-%08d", i))
		assert.True(t, ok, "key %d", i)
	}
}

func TestCheckpointAndReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dict.db")

	tr, err := Open(path, WithNodeSize(4096))
	require.NoError(t, err)
	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Insert(nil, []byte(fmt.Sprintf("k%04d", i)), []byte(fmt.Sprintf("v%04d", i))))
	}
	require.NoError(t, tr.Checkpoint())
	require.NoError(t, tr.Close())

	reopened, err := Open(path, WithNodeSize(4096))
	require.NoError(t, err)
	defer reopened.Close()

	for i := 0; i < n; i++ {
		v, ok := get(t, reopened, nil, fmt.Sprintf("k%04d", i))
		require.True(t, ok, "key %d", i)
		assert.Equal(t, fmt.Sprintf("v%04d", i), v)
	}

	// The reopened dictionary accepts writes.
	require.NoError(t, reopened.Insert(nil, []byte("post-reopen"), []byte("ok")))
	v, ok := get(t, reopened, nil, "post-reopen")
	require.True(t, ok)
	assert.Equal(t, "ok", v)
}

func TestTruncate(t *testing.T) {
	tr := openTestTree(t)
	for i := 0; i < 100; i++ {
		require.NoError(t, tr.Insert(nil, []byte(fmt.Sprintf("k%03d", i)), []byte("v")))
	}
	require.NoError(t, tr.Truncate())

	_, ok := get(t, tr, nil, "k000")
	assert.False(t, ok)

	require.NoError(t, tr.Insert(nil, []byte("again"), []byte("v")))
	_, ok = get(t, tr, nil, "again")
	assert.True(t, ok)
}

func TestChangeDescriptor(t *testing.T) {
	tr := openTestTree(t)
	require.NoError(t, tr.ChangeDescriptor([]byte("descriptor-v2")))
	assert.Equal(t, []byte("descriptor-v2"), tr.Descriptor())
}

func TestValidation(t *testing.T) {
	tr := openTestTree(t)

	assert.ErrorIs(t, tr.Insert(nil, nil, []byte("v")), ErrInvalid)
	assert.ErrorIs(t, tr.Delete(nil, nil), ErrInvalid)
	assert.ErrorIs(t, tr.Lookup(nil, nil, func(k, v []byte) error { return nil }), ErrInvalid)
	assert.ErrorIs(t, tr.Commit(nil), ErrInvalid)
	assert.ErrorIs(t, tr.Abort(nil), ErrInvalid)
}

func TestDeleteHeavyWorkload(t *testing.T) {
	tr := openTestTree(t, WithNodeSize(2048))

	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, tr.Insert(nil, []byte(fmt.Sprintf("k%06d", i)), []byte("some-reasonably-long-value-here")))
	}
	for i := 0; i < n; i++ {
		if i%10 != 0 {
			require.NoError(t, tr.Delete(nil, []byte(fmt.Sprintf("k%06d", i))))
		}
	}

	for i := 0; i < n; i++ {
		_, ok := get(t, tr, nil, fmt.Sprintf("k%06d", i))
		assert.Equal(t, i%10 == 0, ok, "key %d", i)
	}

	st, err := tr.Stat()
	require.NoError(t, err)
	assert.Equal(t, uint64(n/10), st.NKeys)
}

func TestWithoutOperationLog(t *testing.T) {
	tr := openTestTree(t, WithoutOperationLog())
	require.NoError(t, tr.Insert(nil, []byte("k"), []byte("v")))
	require.NoError(t, tr.Checkpoint())
	v, ok := get(t, tr, nil, "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestForceFsyncOnCommit(t *testing.T) {
	tr := openTestTree(t, WithForceFsyncOnCommit())
	x := tr.BeginTxn(nil, false)
	require.NoError(t, tr.Insert(x, []byte("k"), []byte("v")))
	require.NoError(t, tr.Commit(x))
	v, ok := get(t, tr, nil, "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestSuppressRollback(t *testing.T) {
	tr := openTestTree(t)
	x := tr.BeginTxn(nil, false)
	require.NoError(t, tr.SuppressRollback(x))
	assert.Equal(t, x.RootID(), tr.eng.Header().SuppressRollbackXID)
	require.NoError(t, tr.Commit(x))
}
