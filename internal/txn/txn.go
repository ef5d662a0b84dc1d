// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Package txn tracks transaction identity: nested xid stacks, the set of
// live root transactions, and the snapshot state a reader needs to decide
// version visibility.
//
// The manager assigns ids; it does not apply or undo writes. Commit and
// abort of the data itself travel through the tree as broadcast messages.
package txn

import (
	"math"
	"sync"

	"github.com/scigolib/buffertree/internal/message"
)

// Manager is the process-wide transaction-id authority for one engine.
type Manager struct {
	mu            sync.Mutex
	next          message.TxnID
	liveRoots     map[message.TxnID]struct{}
	liveSnapshots int
}

// NewManager returns a manager whose first transaction gets id 1.
func NewManager() *Manager {
	return &Manager{
		next:      1,
		liveRoots: make(map[message.TxnID]struct{}),
	}
}

// Txn is one transaction handle.
type Txn struct {
	mgr    *Manager
	id     message.TxnID
	parent *Txn
	xids   message.XIDStack

	isSnapshot           bool
	retired              bool
	snapshotXID          message.TxnID
	oldestLiveInSnapshot message.TxnID
	liveRootsInSnapshot  map[message.TxnID]struct{}
}

// Begin starts a transaction. A nil parent starts a root transaction; a
// non-nil parent nests. When snapshot is set, the transaction captures the
// live-root set for snapshot-isolated reads.
func (m *Manager) Begin(parent *Txn, snapshot bool) *Txn {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.next
	m.next++

	t := &Txn{mgr: m, id: id, parent: parent}
	if parent == nil {
		t.xids = message.XIDStack{id}
		m.liveRoots[id] = struct{}{}
	} else {
		t.xids = append(parent.xids.Clone(), id)
	}

	if snapshot {
		t.isSnapshot = true
		m.liveSnapshots++
		t.snapshotXID = id
		t.oldestLiveInSnapshot = message.TxnID(math.MaxUint64)
		t.liveRootsInSnapshot = make(map[message.TxnID]struct{}, len(m.liveRoots))
		for live := range m.liveRoots {
			if live == t.xids.Outermost() {
				continue
			}
			t.liveRootsInSnapshot[live] = struct{}{}
			if live < t.oldestLiveInSnapshot {
				t.oldestLiveInSnapshot = live
			}
		}
	}
	return t
}

// ID returns the transaction's own id.
func (t *Txn) ID() message.TxnID { return t.id }

// RootID returns the id of the outermost ancestor.
func (t *Txn) RootID() message.TxnID { return t.xids.Outermost() }

// XIDs returns the transaction-id stack, outermost first. Callers must not
// modify it.
func (t *Txn) XIDs() message.XIDStack { return t.xids }

// IsRoot reports whether the transaction has no parent.
func (t *Txn) IsRoot() bool { return t.parent == nil }

// IsSnapshot reports whether the transaction captured a snapshot.
func (t *Txn) IsSnapshot() bool { return t.isSnapshot }

// SnapshotXID returns the id the snapshot was taken at.
func (t *Txn) SnapshotXID() message.TxnID { return t.snapshotXID }

// Retire removes a finished transaction from the live bookkeeping. The data
// effects travel separately as commit/abort broadcast messages. Retiring
// twice is a no-op.
func (m *Manager) Retire(t *Txn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.retired {
		return
	}
	t.retired = true
	if t.isSnapshot {
		m.liveSnapshots--
	}
	if t.IsRoot() {
		delete(m.liveRoots, t.id)
	}
}

// HasLiveSnapshots reports whether any snapshot transaction is still open;
// while one is, displaced committed versions must be kept.
func (m *Manager) HasLiveSnapshots() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveSnapshots > 0
}

// IsLiveRoot reports whether id is a currently open root transaction.
func (m *Manager) IsLiveRoot(id message.TxnID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.liveRoots[id]
	return ok
}

// ReadsEntry is the snapshot visibility predicate: whether this transaction
// sees a version whose writer's root transaction was xid.
//
// A version is visible when it is the reader's own, when it committed
// before every transaction live at snapshot time, or when it is older than
// the snapshot and its writer was not live at snapshot time.
func (t *Txn) ReadsEntry(xid message.TxnID) bool {
	if xid == message.TxnNone || !t.isSnapshot {
		return true
	}
	if xid == t.xids.Outermost() {
		return true
	}
	if xid > t.snapshotXID {
		return false
	}
	if xid < t.oldestLiveInSnapshot {
		return true
	}
	if _, live := t.liveRootsInSnapshot[xid]; live {
		return false
	}
	return true
}
