// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package tree

import (
	"github.com/scigolib/buffertree/internal/message"
	"github.com/scigolib/buffertree/internal/node"
)

// ancestors is the stack of (node, child-taken) pairs a descent walked,
// nearest ancestor first. It is rebuilt from scratch on every retry; nodes
// never hold parent pointers.
type ancestors struct {
	node     *node.Node
	childnum int
	next     *ancestors
}

// maybeApplyAncestorMessages brings a just-pinned leaf up to date: for each
// stale basement it replays the buffered messages of every ancestor on the
// pinned path, nearest first, filtered by MSN (idempotence) and by the
// basement's pivot bounds (relevance).
//
// Replay is a pure cache: the leaf's dirty bit is left alone, so a replayed
// leaf can be dropped from memory without a write.
func (t *Tree) maybeApplyAncestorMessages(n *node.Node, anc *ancestors, bounds node.PivotBounds) {
	if n.Height > 0 {
		return
	}

	// Readers share the engine lock; two descents pinning the same cold
	// leaf must not replay into it at once. Locks are taken leaf-first,
	// then ancestor by ancestor toward the root, which is a consistent
	// order across all descents.
	n.ReplayLock.Lock()
	defer n.ReplayLock.Unlock()

	updated := false
	for i := range n.Parts {
		p := &n.Parts[i]
		if p.State != node.StateAvailable || p.BN.SoftCopyUpToDate() {
			continue
		}
		curBounds := n.ChildBounds(i, bounds)
		for a := anc; a != nil; a = a.next {
			t.applyBufferedMessages(p.BN, &p.Est, a.node, a.childnum, n.MaxMSNOnDisk, curBounds)
			if a.node.MaxMSNInMemory > n.MaxMSNInMemory {
				n.MaxMSNInMemory = a.node.MaxMSNInMemory
			}
		}
		p.BN.SetSoftCopyUpToDate(true)
		p.Clock = true
		updated = true
	}

	if updated {
		// The soft copy now holds the best estimates there are; push them
		// up the pinned path.
		n.RecalcLeafEstimates()
		prev := n
		for a := anc; a != nil; a = a.next {
			a.node.ReplayLock.Lock()
			a.node.FixupChildEstimate(a.childnum, prev, false)
			a.node.ReplayLock.Unlock()
			prev = a.node
		}
	}
}

// applyBufferedMessages replays one ancestor buffer into one basement.
// Messages at or below minApplied were already applied to the basement's
// disk image; key-directed messages outside the basement's bounds belong to
// a different basement.
func (t *Tree) applyBufferedMessages(bn *node.Basement, est *node.SubtreeEstimate, ancestor *node.Node, childnum int, minApplied message.MSN, bounds node.PivotBounds) {
	ancestor.Buffer(childnum).Iterate(func(m *message.Msg) {
		if m.MSN <= minApplied {
			return
		}
		if m.Kind.HasKey() && !bounds.Contains(m.Key, t.cmp) {
			return
		}
		node.ApplyToBasement(bn, est, m, t.applyEnv())
	})
}

// applyEnv builds the application environment for one batch of message
// applications.
func (t *Tree) applyEnv() node.ApplyEnv {
	keep := t.historyNeeded != nil && t.historyNeeded()
	return node.ApplyEnv{Cmp: t.cmp, UpdateFn: t.updateFn, KeepHistory: keep}
}
