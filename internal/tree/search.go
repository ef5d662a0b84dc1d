// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package tree

import (
	"errors"
	"sort"

	"github.com/scigolib/buffertree/internal/blocktable"
	"github.com/scigolib/buffertree/internal/cachetable"
	"github.com/scigolib/buffertree/internal/leafentry"
	"github.com/scigolib/buffertree/internal/node"
	"github.com/scigolib/buffertree/internal/serialize"
	"github.com/scigolib/buffertree/internal/utils"
)

// Direction orients a search.
type Direction int

const (
	// SearchLeft finds the smallest matching key.
	SearchLeft Direction = iota
	// SearchRight finds the largest matching key.
	SearchRight
)

// Search is one descent's parameterization: a monotone want-predicate (true
// on a suffix of the key space for left searches, on a prefix for right
// searches) plus a direction.
//
// The pivot bound records where a previous attempt gave up; retries resume
// strictly past it, which is what guarantees forward progress when pins are
// dropped for I/O.
type Search struct {
	Want      func(key []byte) bool
	Direction Direction

	pivotBound     []byte
	havePivotBound bool
}

// GetCallback receives the record a search lands on. Returning nil accepts
// it; utils.ErrFoundButRejected stops the search; utils.ErrNotFound makes
// the search skip the rest of the record's basement and continue in the
// next one.
type GetCallback func(key, val []byte) error

func (s *Search) saveBound(pivot []byte) {
	s.pivotBound = append(s.pivotBound[:0], pivot...)
	s.havePivotBound = true
}

// pivotIsBounded reports whether pivot is past the saved bound in the
// search direction.
func (s *Search) pivotIsBounded(cmp node.Compare, pivot []byte) bool {
	if !s.havePivotBound {
		return true
	}
	if s.Direction == SearchLeft {
		return cmp(pivot, s.pivotBound) > 0
	}
	return cmp(pivot, s.pivotBound) < 0
}

// CursorAssoc is filled in when a search accepts a record, so a cursor can
// step without re-descending.
type CursorAssoc struct {
	LeafBlock   blocktable.BlockNum
	BasementIdx int
	EntryIdx    int
	Set         bool
}

// Search performs a descent, restarting from the root whenever a
// nonblocking pin had to release the path for I/O.
func (t *Tree) Search(s *Search, vis leafentry.Visibility, getf GetCallback, assoc *CursorAssoc) error {
	for {
		if err := t.hdr.Panicked(); err != nil {
			return err
		}

		n, err := t.pinNode(t.hdr.Root, nil, node.InfiniteBounds)
		if err != nil {
			return err
		}
		unlockers := &cachetable.Unlockers{Locked: true, Fn: func() { t.unpinNode(n) }}

		err = t.searchNode(n, s, vis, getf, assoc, unlockers, nil, node.InfiniteBounds)
		if errors.Is(err, utils.ErrTryAgain) {
			// Either a deeper pin already released the whole path, or the
			// stop happened before any release; unpin what is still held.
			if unlockers.Locked {
				unlockers.Locked = false
				t.unpinNode(n)
			}
			continue
		}
		if unlockers.Locked {
			unlockers.Locked = false
			t.unpinNode(n)
		}
		return err
	}
}

// searchWhichChild picks the first child, in the search direction, whose
// pivot satisfies the want-predicate and lies past any saved bound.
func (t *Tree) searchWhichChild(n *node.Node, s *Search) int {
	nc := n.NChildren()
	for c := 0; c < nc-1; c++ {
		child := c
		pivotIdx := c
		if s.Direction == SearchRight {
			child = nc - 1 - c
			pivotIdx = child - 1
		}
		pivot := n.Pivots[pivotIdx]
		if s.pivotIsBounded(t.cmp, pivot) && s.Want(pivot) {
			return child
		}
	}
	if s.Direction == SearchLeft {
		return nc - 1
	}
	return 0
}

// maybeSaveBound records the pivot flanking the child just searched so a
// retry cannot revisit the same subtree.
func maybeSaveBound(n *node.Node, childSearched int, s *Search) {
	p := childSearched
	if s.Direction == SearchRight {
		p = childSearched - 1
	}
	if p >= 0 && p < n.NChildren()-1 {
		s.saveBound(n.Pivots[p])
	}
}

// ensureSearchPartition makes partition i usable by a searcher.
// A compressed image decodes in place with no I/O. An on-disk partition
// needs the file: the whole pinned path is released first and the search
// restarts against the warmed node.
func (t *Tree) ensureSearchPartition(n *node.Node, i int, unlockers *cachetable.Unlockers) error {
	switch n.Parts[i].State {
	case node.StateAvailable:
		return nil
	case node.StateCompressed:
		if err := serialize.DecodePartitionInPlace(n, i); err != nil {
			return t.hdr.SetPanic(err)
		}
		return nil
	case node.StateOnDisk:
		unlockers.ReleaseAll()
		raw, err := t.readRawBlock(n.Block)
		if err != nil {
			return t.hdr.SetPanic(err)
		}
		defer utils.ReleaseBuffer(raw)
		if err := serialize.DecodePartitionFromRaw(raw, n, i); err != nil {
			return t.hdr.SetPanic(err)
		}
		return utils.ErrTryAgain
	}
	return utils.ErrInvalid
}

func (t *Tree) searchNode(n *node.Node, s *Search, vis leafentry.Visibility, getf GetCallback, assoc *CursorAssoc, unlockers *cachetable.Unlockers, anc *ancestors, bounds node.PivotBounds) error {
	child := t.searchWhichChild(n, s)

	for child >= 0 && child < n.NChildren() {
		if err := t.ensureSearchPartition(n, child, unlockers); err != nil {
			return err
		}
		nextBounds := n.ChildBounds(child, bounds)

		var err error
		if n.Height > 0 {
			err = t.searchChild(n, child, s, vis, getf, assoc, unlockers, anc, &nextBounds)
		} else {
			// A basement decoded after the pin (partial eviction) is still
			// stale; replay is idempotent and cheap when nothing is pending.
			t.maybeApplyAncestorMessages(n, anc, bounds)
			n.Parts[child].Clock = true
			err = t.searchBasement(n, child, s, vis, getf, assoc)
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, utils.ErrNotFound) {
			return err // TryAgain, FoundButRejected, or a real failure
		}

		// Nothing visible in that subtree. Remember the pivot so a retry
		// makes forward progress, then move over one child.
		maybeSaveBound(n, child, s)
		if s.Direction == SearchLeft {
			child++
		} else {
			child--
		}
	}
	return utils.ErrNotFound
}

func (t *Tree) searchChild(n *node.Node, childnum int, s *Search, vis leafentry.Visibility, getf GetCallback, assoc *CursorAssoc, unlockers *cachetable.Unlockers, anc *ancestors, bounds *node.PivotBounds) error {
	nextAnc := &ancestors{node: n, childnum: childnum, next: anc}

	childnode, err := t.pinNodeNonblocking(n.Parts[childnum].ChildBlock, unlockers, nextAnc, *bounds)
	if err != nil {
		return err // ErrTryAgain: the whole path is already released
	}

	nextUnlockers := &cachetable.Unlockers{
		Locked: true,
		Fn:     func() { t.unpinNode(childnode) },
		Next:   unlockers,
	}

	err = t.searchNode(childnode, s, vis, getf, assoc, nextUnlockers, nextAnc, *bounds)
	if errors.Is(err, utils.ErrTryAgain) {
		// A deeper pin may have released the path already; if not, this
		// frame still owns its child pin.
		if nextUnlockers.Locked {
			nextUnlockers.Locked = false
			t.unpinNode(childnode)
		}
		return err
	}
	if !nextUnlockers.Locked {
		panic("search frame lost its pin without try-again")
	}
	nextUnlockers.Locked = false
	t.unpinNode(childnode)
	return err
}

// searchBasement runs the want-predicate over one basement, skips entries
// the reader cannot see, and hands the first visible record to getf.
func (t *Tree) searchBasement(n *node.Node, childnum int, s *Search, vis leafentry.Visibility, getf GetCallback, assoc *CursorAssoc) error {
	bn := n.Basement(childnum)

	var idx int
	if s.Direction == SearchLeft {
		idx = sort.Search(bn.Len(), func(i int) bool { return s.Want(bn.At(i).Key()) })
		if idx >= bn.Len() {
			return utils.ErrNotFound
		}
	} else {
		firstMiss := sort.Search(bn.Len(), func(i int) bool { return !s.Want(bn.At(i).Key()) })
		idx = firstMiss - 1
		if idx < 0 {
			return utils.ErrNotFound
		}
	}

	// Provisionally deleted records are invisible; scan onward in the
	// search direction for something the reader can see.
	le := bn.At(idx)
	for le.IterateIsDel(vis) {
		if s.Direction == SearchLeft {
			idx++
			if idx >= bn.Len() {
				return utils.ErrNotFound
			}
		} else {
			if idx == 0 {
				return utils.ErrNotFound
			}
			idx--
		}
		le = bn.At(idx)
	}

	val, _ := le.IterateVal(vis)
	if err := getf(le.Key(), val); err != nil {
		return err
	}
	if assoc != nil {
		assoc.LeafBlock = n.Block
		assoc.BasementIdx = childnum
		assoc.EntryIdx = idx
		assoc.Set = true
	}
	return nil
}

// Keyrange estimates how many keys order less than, equal to, and greater
// than key. Counts above non-empty buffers come from subtree estimates and
// are approximate.
func (t *Tree) Keyrange(key []byte) (less, equal, greater uint64, err error) {
	if err := t.hdr.Panicked(); err != nil {
		return 0, 0, 0, err
	}
	err = t.keyrangeInternal(t.hdr.Root, key, &less, &equal, &greater)
	return less, equal, greater, err
}

func (t *Tree) keyrangeInternal(block blocktable.BlockNum, key []byte, less, equal, greater *uint64) error {
	n, err := t.pinNodeNoReplay(block)
	if err != nil {
		return err
	}
	defer t.unpinNode(n)
	if err := t.ensureFullyAvailable(n); err != nil {
		return err
	}

	nKeys := n.NChildren() - 1
	compares := make([]int, nKeys)
	for i := 0; i < nKeys; i++ {
		compares[i] = t.cmp(n.Pivots[i], key)
	}
	for i := 0; i < n.NChildren(); i++ {
		prevComp := -1
		if i > 0 {
			prevComp = compares[i-1]
		}
		nextComp := 1
		if i < nKeys {
			nextComp = compares[i]
		}
		est := n.Parts[i].Est.NData

		switch {
		case nextComp < 0:
			*less += est
		case prevComp > 0:
			*greater += est
		case prevComp == 0 && nextComp == 0:
			*equal += est
		default:
			// The subtree straddles the key; recurse or count the basement.
			if n.Height > 0 {
				if err := t.keyrangeInternal(n.Parts[i].ChildBlock, key, less, equal, greater); err != nil {
					return err
				}
			} else {
				bn := n.Basement(i)
				idx, found := bn.Find(key, t.cmp)
				*less += uint64(idx)
				*greater += uint64(bn.Len() - idx)
				if found {
					*greater--
					*equal++
				}
			}
		}
	}
	return nil
}

// Stat returns the root's aggregate estimates; fsize is the file's end of
// allocation plus the bytes resident in the cache.
func (t *Tree) Stat() (nkeys, ndata, dsize, fsize uint64, err error) {
	if err := t.hdr.Panicked(); err != nil {
		return 0, 0, 0, 0, err
	}
	n, err := t.pinNodeNoReplay(t.hdr.Root)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	defer t.unpinNode(n)

	for i := range n.Parts {
		est := &n.Parts[i].Est
		nkeys += est.NKeys
		ndata += est.NData
		dsize += est.DSize
	}
	fsize = uint64(t.hdr.BT.EndOfFile()) + t.ct.SizeInMemory()
	return nkeys, ndata, dsize, fsize, nil
}
