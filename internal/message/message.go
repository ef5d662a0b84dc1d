// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Package message defines the write messages that flow through the buffered
// tree: their kinds, the message sequence number (MSN) that orders them, and
// the transaction-id stacks they carry.
package message

// MSN is a message sequence number. MSNs are assigned at the root under the
// exclusive engine lock and increase monotonically; they are the global order
// of all messages and the basis for idempotent replay.
type MSN uint64

// ZeroMSN is the MSN of a freshly created node before any message reaches it.
const ZeroMSN MSN = 0

// TxnID identifies a transaction. TxnNone marks a non-transactional write;
// such writes commit immediately and are visible to every reader.
type TxnID uint64

// TxnNone is the xid of non-transactional writes.
const TxnNone TxnID = 0

// XIDStack is a transaction-id stack, outermost transaction first. An empty
// stack means the write is non-transactional.
type XIDStack []TxnID

// Outermost returns the root transaction of the stack, or TxnNone.
func (x XIDStack) Outermost() TxnID {
	if len(x) == 0 {
		return TxnNone
	}
	return x[0]
}

// Innermost returns the transaction that performed the write, or TxnNone.
func (x XIDStack) Innermost() TxnID {
	if len(x) == 0 {
		return TxnNone
	}
	return x[len(x)-1]
}

// Contains reports whether id appears anywhere in the stack.
func (x XIDStack) Contains(id TxnID) bool {
	for _, v := range x {
		if v == id {
			return true
		}
	}
	return false
}

// Clone returns an independent copy of the stack.
func (x XIDStack) Clone() XIDStack {
	if x == nil {
		return nil
	}
	out := make(XIDStack, len(x))
	copy(out, x)
	return out
}

// SerializeSize is the wire size of the stack: a count byte plus 8 bytes per id.
func (x XIDStack) SerializeSize() int {
	return 1 + 8*len(x)
}

// Kind discriminates the message variants.
//
// Key-directed kinds apply once, to the leaf entries matching the message
// key. Broadcast kinds apply to every leaf entry of the target subtree and
// are replicated into every child buffer at insertion time. KindNone does
// nothing and exists so a buffer can be drained without special cases.
type Kind uint8

const (
	// KindNone is a no-op message.
	KindNone Kind = iota
	// KindInsert inserts or overwrites one key.
	KindInsert
	// KindInsertNoOverwrite inserts only if the key is absent or deleted.
	KindInsertNoOverwrite
	// KindDeleteAny deletes one key regardless of which txn wrote it.
	KindDeleteAny
	// KindAbortAny discards the provisional versions of one key for the
	// message's transaction.
	KindAbortAny
	// KindCommitAny promotes the provisional version of one key for the
	// message's transaction.
	KindCommitAny
	// KindCommitBroadcastAll commits every provisional version in the subtree.
	KindCommitBroadcastAll
	// KindCommitBroadcastTxn commits the provisional versions belonging to
	// the message's transaction, everywhere in the subtree.
	KindCommitBroadcastTxn
	// KindAbortBroadcastTxn aborts the provisional versions belonging to
	// the message's transaction, everywhere in the subtree.
	KindAbortBroadcastTxn
	// KindOptimize flattens every non-clean entry in the subtree.
	KindOptimize
	// KindOptimizeForUpgrade is KindOptimize plus recording the sender's
	// layout version in each basement.
	KindOptimizeForUpgrade
	// KindUpdate runs the user update callback against one key.
	KindUpdate
	// KindUpdateBroadcastAll runs the user update callback against every
	// entry in the subtree.
	KindUpdateBroadcastAll
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInsert:
		return "insert"
	case KindInsertNoOverwrite:
		return "insert_no_overwrite"
	case KindDeleteAny:
		return "delete_any"
	case KindAbortAny:
		return "abort_any"
	case KindCommitAny:
		return "commit_any"
	case KindCommitBroadcastAll:
		return "commit_broadcast_all"
	case KindCommitBroadcastTxn:
		return "commit_broadcast_txn"
	case KindAbortBroadcastTxn:
		return "abort_broadcast_txn"
	case KindOptimize:
		return "optimize"
	case KindOptimizeForUpgrade:
		return "optimize_for_upgrade"
	case KindUpdate:
		return "update"
	case KindUpdateBroadcastAll:
		return "update_broadcast_all"
	default:
		return "unknown"
	}
}

// AppliesOnce reports whether the kind is key-directed.
func (k Kind) AppliesOnce() bool {
	switch k {
	case KindInsert, KindInsertNoOverwrite, KindDeleteAny, KindAbortAny,
		KindCommitAny, KindUpdate:
		return true
	case KindNone, KindCommitBroadcastAll, KindCommitBroadcastTxn,
		KindAbortBroadcastTxn, KindOptimize, KindOptimizeForUpgrade,
		KindUpdateBroadcastAll:
		return false
	}
	panic("unknown message kind")
}

// AppliesAll reports whether the kind is a broadcast.
func (k Kind) AppliesAll() bool {
	switch k {
	case KindCommitBroadcastAll, KindCommitBroadcastTxn, KindAbortBroadcastTxn,
		KindOptimize, KindOptimizeForUpgrade, KindUpdateBroadcastAll:
		return true
	case KindNone, KindInsert, KindInsertNoOverwrite, KindDeleteAny,
		KindAbortAny, KindCommitAny, KindUpdate:
		return false
	}
	panic("unknown message kind")
}

// DoesNothing reports whether the kind is a no-op.
func (k Kind) DoesNothing() bool {
	return k == KindNone
}

// HasKey reports whether replay should range-filter the message by its key.
// Broadcast messages have no key of their own and always pass the filter.
func (k Kind) HasKey() bool {
	return k.AppliesOnce()
}

// Per-message bookkeeping overheads, counted against buffer byte budgets the
// same way the serializer counts them.
const (
	keyValueOverhead = 8 // two uint32 length prefixes
	msgOverhead      = 9 // kind byte plus MSN
)

// Msg is one write message.
type Msg struct {
	Kind Kind
	MSN  MSN
	XIDs XIDStack
	Key  []byte
	// Val holds the value for inserts, the update-callback extra for
	// updates, and the sender's layout version for optimize-for-upgrade.
	Val []byte
}

// BufferSize is the number of bytes the message occupies in a child buffer.
func (m *Msg) BufferSize() uint64 {
	return uint64(len(m.Key) + len(m.Val) + keyValueOverhead + msgOverhead + m.XIDs.SerializeSize())
}
