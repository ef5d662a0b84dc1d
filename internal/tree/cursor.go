// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package tree

import (
	"errors"

	"github.com/scigolib/buffertree/internal/leafentry"
	"github.com/scigolib/buffertree/internal/node"
	"github.com/scigolib/buffertree/internal/utils"
)

// Cursor is a position in the tree. It remembers the basement and entry it
// last landed on; while the tree has not changed (the root-put counter is
// the cursor's witness), NEXT and PREV step inside the basement without a
// full descent.
type Cursor struct {
	t   *Tree
	vis leafentry.Visibility

	valid bool
	key   []byte
	val   []byte

	assoc      CursorAssoc
	putCounter uint64
}

// NewCursor opens a cursor reading under vis (nil for latest-committed
// reads).
func NewCursor(t *Tree, vis leafentry.Visibility) *Cursor {
	return &Cursor{t: t, vis: vis}
}

// IsSet reports whether the cursor points at a record.
func (c *Cursor) IsSet() bool { return c.valid }

// Key returns a copy-safe view of the current key. Valid until the next
// cursor motion.
func (c *Cursor) Key() []byte { return c.key }

// Val returns the current value.
func (c *Cursor) Val() []byte { return c.val }

// invalidate forgets the current position.
func (c *Cursor) invalidate() {
	c.valid = false
	c.assoc.Set = false
}

// capture wraps the user callback: on acceptance the cursor copies the
// record and adopts the new position.
func (c *Cursor) capture(getf GetCallback) GetCallback {
	return func(key, val []byte) error {
		if err := getf(key, val); err != nil {
			return err
		}
		c.key = append(c.key[:0], key...)
		c.val = append(c.val[:0], val...)
		c.valid = true
		return nil
	}
}

func (c *Cursor) search(s *Search, getf GetCallback) error {
	c.invalidate()
	err := c.t.Search(s, c.vis, c.capture(getf), &c.assoc)
	if err == nil {
		c.putCounter = c.t.hdr.RootPutCounter
		return nil
	}
	if errors.Is(err, utils.ErrFoundButRejected) {
		return utils.ErrNotFound
	}
	return err
}

// First positions at the smallest visible record.
func (c *Cursor) First(getf GetCallback) error {
	s := &Search{Want: func([]byte) bool { return true }, Direction: SearchLeft}
	return c.search(s, getf)
}

// Last positions at the largest visible record.
func (c *Cursor) Last(getf GetCallback) error {
	s := &Search{Want: func([]byte) bool { return true }, Direction: SearchRight}
	return c.search(s, getf)
}

// SetRange positions at the smallest visible record with key >= target.
func (c *Cursor) SetRange(target []byte, getf GetCallback) error {
	cmp := c.t.cmp
	s := &Search{
		Want:      func(k []byte) bool { return cmp(k, target) >= 0 },
		Direction: SearchLeft,
	}
	return c.search(s, getf)
}

// Set positions at target exactly; a near miss stops the search and reports
// not-found.
func (c *Cursor) Set(target []byte, getf GetCallback) error {
	cmp := c.t.cmp
	s := &Search{
		Want:      func(k []byte) bool { return cmp(k, target) >= 0 },
		Direction: SearchLeft,
	}
	return c.search(s, func(key, val []byte) error {
		if cmp(key, target) != 0 {
			return utils.ErrFoundButRejected
		}
		return getf(key, val)
	})
}

// Current re-reports the record the cursor points at.
func (c *Cursor) Current(getf GetCallback) error {
	if !c.valid {
		return utils.ErrInvalid
	}
	return getf(c.key, c.val)
}

// Next advances to the next visible record.
func (c *Cursor) Next(getf GetCallback) error {
	if !c.valid {
		return utils.ErrInvalid
	}
	if err := c.shortcut(1, getf); !errors.Is(err, utils.ErrInvalid) {
		return err
	}
	cmp := c.t.cmp
	prev := append([]byte(nil), c.key...)
	s := &Search{
		Want:      func(k []byte) bool { return cmp(k, prev) > 0 },
		Direction: SearchLeft,
	}
	return c.search(s, getf)
}

// Prev steps back to the previous visible record.
func (c *Cursor) Prev(getf GetCallback) error {
	if !c.valid {
		return utils.ErrInvalid
	}
	if err := c.shortcut(-1, getf); !errors.Is(err, utils.ErrInvalid) {
		return err
	}
	cmp := c.t.cmp
	prev := append([]byte(nil), c.key...)
	s := &Search{
		Want:      func(k []byte) bool { return cmp(k, prev) < 0 },
		Direction: SearchRight,
	}
	return c.search(s, getf)
}

// shortcut steps by one entry inside the associated basement, valid only
// while no message has entered the tree since the cursor was set. Any
// failure falls back to a full search.
func (c *Cursor) shortcut(direction int, getf GetCallback) error {
	if !c.assoc.Set || c.putCounter != c.t.hdr.RootPutCounter {
		return utils.ErrInvalid
	}
	v, ok := c.t.ct.MaybeGetAndPin(c.assoc.LeafBlock)
	if !ok {
		return utils.ErrInvalid
	}
	n := v.(*node.Node)
	defer c.t.unpinNode(n)

	if n.Height != 0 || c.assoc.BasementIdx >= n.NChildren() ||
		n.Parts[c.assoc.BasementIdx].State != node.StateAvailable {
		return utils.ErrInvalid
	}
	bn := n.Basement(c.assoc.BasementIdx)
	if c.assoc.EntryIdx >= bn.Len() {
		return utils.ErrInvalid
	}

	idx := c.assoc.EntryIdx
	for {
		idx += direction
		if idx < 0 || idx >= bn.Len() {
			return utils.ErrInvalid // edge of basement: full search decides
		}
		le := bn.At(idx)
		if le.IterateIsDel(c.vis) {
			continue
		}
		val, _ := le.IterateVal(c.vis)
		if err := getf(le.Key(), val); err != nil {
			return err
		}
		c.key = append(c.key[:0], le.Key()...)
		c.val = append(c.val[:0], val...)
		c.valid = true
		c.assoc.EntryIdx = idx
		return nil
	}
}
