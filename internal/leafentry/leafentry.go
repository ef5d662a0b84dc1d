// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Package leafentry implements the MVCC record stored for one key in a leaf
// basement: a stack of committed versions (newest first, kept for open
// snapshots) plus a stack of provisional versions, one per transaction in
// the writer's chain.
package leafentry

import (
	"github.com/scigolib/buffertree/internal/message"
)

// Visibility decides whether a reader sees a version written by the root
// transaction rootXID. The engine injects the snapshot predicate here; a nil
// Visibility means "latest" semantics.
type Visibility func(rootXID message.TxnID) bool

// Version is one value in an entry's version chain.
//
// OwnerXID is the transaction level that wrote the version and is what
// commit/abort messages match against; it is zero on committed versions.
// RootXID is the outermost transaction of the writer's chain and is what
// snapshot visibility tests.
type Version struct {
	OwnerXID message.TxnID
	RootXID  message.TxnID
	Val      []byte
	Del      bool
}

// Entry is the record for one key.
//
// The provisional stack mirrors the writer's transaction-id stack, outermost
// first. Committed versions stack newest first; older ones survive until a
// flatten (optimize or commit-broadcast-all) garbage-collects them, so open
// snapshots keep reading the value they saw. An entry with no versions at
// all does not exist; Apply returns nil to signal destruction.
type Entry struct {
	key       []byte
	committed []Version // newest first
	prov      []Version // outermost first
}

const entryOverhead = 16 // length prefixes and version counts on disk

// Key returns the entry's key. Callers must not modify it.
func (e *Entry) Key() []byte { return e.key }

// KeyLen returns the key length.
func (e *Entry) KeyLen() int { return len(e.key) }

// latest returns the innermost live version.
func (e *Entry) latest() *Version {
	if len(e.prov) > 0 {
		return &e.prov[len(e.prov)-1]
	}
	if len(e.committed) > 0 {
		return &e.committed[0]
	}
	return nil
}

// LatestVal returns the innermost version's value (nil for a tombstone).
func (e *Entry) LatestVal() []byte {
	v := e.latest()
	if v == nil || v.Del {
		return nil
	}
	return v.Val
}

// LatestValLen returns the length of the innermost live value.
func (e *Entry) LatestValLen() int {
	return len(e.LatestVal())
}

// LatestIsDel reports whether the innermost version is a tombstone.
func (e *Entry) LatestIsDel() bool {
	v := e.latest()
	return v == nil || v.Del
}

// IsClean reports whether the entry is a single committed version: no
// provisional stack and no committed history.
func (e *Entry) IsClean() bool {
	return len(e.prov) == 0 && len(e.committed) <= 1
}

// NumProvisional returns the provisional stack depth.
func (e *Entry) NumProvisional() int { return len(e.prov) }

// ProvisionalAt returns provisional version i, outermost first.
func (e *Entry) ProvisionalAt(i int) *Version { return &e.prov[i] }

// NumCommitted returns the committed stack depth.
func (e *Entry) NumCommitted() int { return len(e.committed) }

// CommittedAt returns committed version i, newest first.
func (e *Entry) CommittedAt(i int) *Version { return &e.committed[i] }

// HasXID reports whether the innermost id of xids owns a provisional version
// of this entry.
func (e *Entry) HasXID(xids message.XIDStack) bool {
	owner := xids.Innermost()
	if owner == message.TxnNone {
		return false
	}
	for i := range e.prov {
		if e.prov[i].OwnerXID == owner {
			return true
		}
	}
	return false
}

// IterateVal walks the version chain newest to oldest — provisional stack
// first, then committed history — and returns the first version visible
// under vis. A nil vis selects the latest version. The second result is
// true when the chosen version is a tombstone or when no version is
// visible at all.
func (e *Entry) IterateVal(vis Visibility) ([]byte, bool) {
	if vis == nil {
		return e.LatestVal(), e.LatestIsDel()
	}
	for i := len(e.prov) - 1; i >= 0; i-- {
		v := &e.prov[i]
		if v.RootXID == message.TxnNone || vis(v.RootXID) {
			return v.Val, v.Del
		}
	}
	for i := range e.committed {
		v := &e.committed[i]
		if v.RootXID == message.TxnNone || vis(v.RootXID) {
			return v.Val, v.Del
		}
	}
	return nil, true
}

// IterateIsDel reports whether the version chosen by vis is a tombstone.
func (e *Entry) IterateIsDel(vis Visibility) bool {
	_, del := e.IterateVal(vis)
	return del
}

// DiskSize is the entry's serialized size, the unit of split-point and
// reactivity accounting.
func (e *Entry) DiskSize() uint64 {
	sz := uint64(entryOverhead + len(e.key))
	for i := range e.committed {
		sz += uint64(len(e.committed[i].Val)) + 10
	}
	for i := range e.prov {
		sz += uint64(len(e.prov[i].Val)) + 18
	}
	return sz
}

// MemSize approximates the entry's in-memory footprint.
func (e *Entry) MemSize() uint64 {
	return e.DiskSize() + 48
}

// Rebuild reconstitutes an entry from its serialized parts. It is used by
// the codec; Apply is the only other way entries come into being.
func Rebuild(key []byte, committed, prov []Version) *Entry {
	return &Entry{key: key, committed: committed, prov: prov}
}

// Apply applies one message to an entry and returns the resulting entry.
//
// e may be nil (no record exists for the key yet). A nil result means the
// entry is destroyed: nothing but tombstones remain and no snapshot can
// resurrect anything. keepHistory preserves displaced committed versions
// for open snapshot readers; without it, committing garbage-collects
// eagerly. The message's MSN filtering happens above this layer; Apply is
// pure record surgery.
func Apply(e *Entry, msg *message.Msg, keepHistory bool) *Entry {
	switch msg.Kind {
	case message.KindInsert:
		return applyInsert(e, msg, false, keepHistory)
	case message.KindInsertNoOverwrite:
		if e != nil && !e.LatestIsDel() {
			return e
		}
		return applyInsert(e, msg, false, keepHistory)
	case message.KindDeleteAny:
		return applyInsert(e, msg, true, keepHistory)
	case message.KindCommitAny, message.KindCommitBroadcastTxn:
		return applyCommit(e, msg.XIDs, keepHistory)
	case message.KindAbortAny, message.KindAbortBroadcastTxn:
		return applyAbort(e, msg.XIDs)
	case message.KindCommitBroadcastAll, message.KindOptimize, message.KindOptimizeForUpgrade:
		return applyFlatten(e)
	case message.KindNone:
		return e
	case message.KindUpdate, message.KindUpdateBroadcastAll:
		// Updates are resolved into insert/delete messages by the applier
		// that owns the user callback.
		panic("update message reached leafentry.Apply")
	}
	panic("unknown message kind")
}

// destroyed reports whether nothing live or resurrectable remains.
func (e *Entry) destroyed() bool {
	if len(e.prov) > 0 {
		return false
	}
	for i := range e.committed {
		if !e.committed[i].Del {
			return false
		}
	}
	return true
}

// applyInsert writes a value (or tombstone) at the innermost level of the
// message's transaction chain, growing the provisional stack to mirror it.
func applyInsert(e *Entry, msg *message.Msg, del, keepHistory bool) *Entry {
	val := msg.Val
	if del {
		val = nil
	}
	if len(msg.XIDs) == 0 {
		// Non-transactional writes commit immediately. Displaced committed
		// versions stay behind only while a snapshot could read them.
		if e == nil {
			if del {
				return nil
			}
			return &Entry{
				key:       cloneBytes(msg.Key),
				committed: []Version{{Val: cloneBytes(val)}},
			}
		}
		e.setCommitted(Version{Val: cloneBytes(val), Del: del}, keepHistory)
		if e.destroyed() {
			return nil
		}
		return e
	}

	if e == nil {
		e = &Entry{key: cloneBytes(msg.Key)}
	}
	root := msg.XIDs.Outermost()

	// Reconcile the provisional stack with the writer's chain: keep the
	// longest prefix of levels owned by the same transactions, inherit the
	// prior latest value into any new intermediate levels.
	keep := 0
	for keep < len(e.prov) && keep < len(msg.XIDs) && e.prov[keep].OwnerXID == msg.XIDs[keep] {
		keep++
	}
	e.prov = e.prov[:keep]
	for lvl := keep; lvl < len(msg.XIDs); lvl++ {
		inherit := e.latest()
		v := Version{OwnerXID: msg.XIDs[lvl], RootXID: root, Del: true}
		if inherit != nil {
			v.Val = inherit.Val
			v.Del = inherit.Del
		}
		e.prov = append(e.prov, v)
	}
	top := &e.prov[len(e.prov)-1]
	top.Val = cloneBytes(val)
	top.Del = del
	return e
}

// setCommitted installs v as the newest committed version, stacking or
// replacing the history per keepHistory.
func (e *Entry) setCommitted(v Version, keepHistory bool) {
	if keepHistory {
		e.committed = append([]Version{v}, e.committed...)
	} else {
		e.committed = []Version{v}
	}
}

// applyCommit promotes the provisional version owned by the innermost id of
// xids: into the committed stack when the whole chain resolves, into the
// parent level otherwise.
func applyCommit(e *Entry, xids message.XIDStack, keepHistory bool) *Entry {
	if e == nil || len(e.prov) == 0 {
		return e
	}
	owner := xids.Innermost()
	lvl := -1
	for i := range e.prov {
		if e.prov[i].OwnerXID == owner {
			lvl = i
			break
		}
	}
	if lvl < 0 {
		return e
	}
	// Deeper levels belong to child transactions that have already
	// resolved; the innermost surviving value is what commits.
	v := e.prov[len(e.prov)-1]
	if lvl == 0 {
		e.prov = nil
		e.setCommitted(Version{RootXID: v.RootXID, Val: v.Val, Del: v.Del}, keepHistory)
		if e.destroyed() {
			return nil
		}
		return e
	}
	parent := &e.prov[lvl-1]
	parent.Val = v.Val
	parent.Del = v.Del
	e.prov = e.prov[:lvl]
	return e
}

// applyAbort discards the provisional version owned by the innermost id of
// xids along with every deeper level.
func applyAbort(e *Entry, xids message.XIDStack) *Entry {
	if e == nil || len(e.prov) == 0 {
		return e
	}
	owner := xids.Innermost()
	lvl := -1
	for i := range e.prov {
		if e.prov[i].OwnerXID == owner {
			lvl = i
			break
		}
	}
	if lvl < 0 {
		return e
	}
	e.prov = e.prov[:lvl]
	if len(e.committed) == 0 && len(e.prov) == 0 {
		return nil
	}
	if e.destroyed() {
		return nil
	}
	return e
}

// applyFlatten commits the whole provisional stack and garbage-collects the
// committed history down to the single newest version.
func applyFlatten(e *Entry) *Entry {
	if e == nil {
		return nil
	}
	v := e.latest()
	if v == nil || v.Del {
		return nil
	}
	e.prov = nil
	e.committed = []Version{{RootXID: v.RootXID, Val: v.Val}}
	return e
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
