// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package buffertree

import (
	"errors"

	"github.com/scigolib/buffertree/internal/tree"
	"github.com/scigolib/buffertree/internal/utils"
)

// Cursor iterates the dictionary in key order under one transaction's
// visibility. Cursors are not safe for concurrent use.
type Cursor struct {
	t   *Tree
	txn *Txn
	c   *tree.Cursor
}

// OpenCursor opens a cursor reading under x (nil for latest-committed
// reads).
func (t *Tree) OpenCursor(x *Txn) (*Cursor, error) {
	if err := t.checkDictionaryAge(x); err != nil {
		return nil, err
	}
	return &Cursor{t: t, txn: x, c: tree.NewCursor(t.eng, visibilityOf(x))}, nil
}

// run executes one cursor motion under the shared engine lock, mapping the
// early-stop sentinel to ErrNotFound at this boundary.
func (c *Cursor) run(op func() error) error {
	lock := c.t.eng.Lock()
	lock.RLock()
	defer lock.RUnlock()

	err := op()
	if errors.Is(err, utils.ErrFoundButRejected) {
		return ErrNotFound
	}
	return err
}

// First positions at the smallest visible record.
func (c *Cursor) First(getf GetCallback) error {
	return c.run(func() error { return c.c.First(tree.GetCallback(getf)) })
}

// Last positions at the largest visible record.
func (c *Cursor) Last(getf GetCallback) error {
	return c.run(func() error { return c.c.Last(tree.GetCallback(getf)) })
}

// Set positions at key exactly.
func (c *Cursor) Set(key []byte, getf GetCallback) error {
	return c.run(func() error { return c.c.Set(key, tree.GetCallback(getf)) })
}

// SetRange positions at the smallest visible record with key >= target.
func (c *Cursor) SetRange(target []byte, getf GetCallback) error {
	return c.run(func() error { return c.c.SetRange(target, tree.GetCallback(getf)) })
}

// Next advances to the next visible record.
func (c *Cursor) Next(getf GetCallback) error {
	return c.run(func() error { return c.c.Next(tree.GetCallback(getf)) })
}

// Prev steps back to the previous visible record.
func (c *Cursor) Prev(getf GetCallback) error {
	return c.run(func() error { return c.c.Prev(tree.GetCallback(getf)) })
}

// Current re-reports the record the cursor points at; ErrInvalid when the
// cursor is unset.
func (c *Cursor) Current(getf GetCallback) error {
	return c.run(func() error { return c.c.Current(tree.GetCallback(getf)) })
}

// Delete removes the record the cursor points at, under x.
func (c *Cursor) Delete(x *Txn) error {
	if !c.c.IsSet() {
		return ErrInvalid
	}
	key := append([]byte(nil), c.c.Key()...)
	return c.t.Delete(x, key)
}

// Close releases the cursor. The cursor must not be used afterwards.
func (c *Cursor) Close() error {
	c.c = nil
	c.t = nil
	return nil
}
