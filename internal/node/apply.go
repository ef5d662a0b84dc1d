// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package node

import (
	"encoding/binary"

	"github.com/scigolib/buffertree/internal/leafentry"
	"github.com/scigolib/buffertree/internal/message"
	"github.com/scigolib/buffertree/internal/utils"
)

// UpdateFunc is the user update callback. oldVal is nil when the key is
// absent or deleted. Calling setVal with a value synthesizes an insert,
// with nil a delete; not calling it leaves the entry untouched.
type UpdateFunc func(key, oldVal, extra []byte, setVal func(newVal []byte))

// Sequential-insert window: an insert landing within min(seqInsertWindowMax,
// entries/seqInsertWindowFrac) positions of the right edge, and never fewer
// than one, extends the streak. The values are empirical.
const (
	seqInsertWindowMax  = 32
	seqInsertWindowFrac = 16
)

// ApplyEnv carries what message application needs from the engine: the
// comparator, the user update callback, and whether displaced committed
// versions must be kept for open snapshot readers.
type ApplyEnv struct {
	Cmp         Compare
	UpdateFn    UpdateFunc
	KeepHistory bool
}

// ApplyToBasement applies one message to one basement, updating the
// partition estimate est alongside. It reports whether anything changed.
//
// The basement may end up too big or too small; reactivity is the caller's
// problem. MSN filtering also happens above this layer.
func ApplyToBasement(bn *Basement, est *SubtreeEstimate, msg *message.Msg, env ApplyEnv) bool {
	cmp := env.Cmp
	doingSeq := bn.seqinsert
	bn.seqinsert = 0

	switch msg.Kind {
	case message.KindInsert, message.KindInsertNoOverwrite:
		idx, found := 0, false
		if doingSeq > 0 && bn.Len() > 0 &&
			cmp(bn.entries[bn.Len()-1].Key(), msg.Key) < 0 {
			idx = bn.Len()
		} else {
			idx, found = bn.Find(msg.Key, cmp)
		}
		var le *leafentry.Entry
		if found {
			le = bn.entries[idx]
		}
		applyOnce(bn, est, msg, idx, le, env.KeepHistory)

		// Within a window of the right edge the insert counts as
		// sequential, extending the streak.
		s := uint32(bn.Len())
		w := s / seqInsertWindowFrac
		if w == 0 {
			w = 1
		}
		if w > seqInsertWindowMax {
			w = seqInsertWindowMax
		}
		if s-uint32(idx) <= w {
			bn.seqinsert = doingSeq + 1
		}
		return true

	case message.KindDeleteAny, message.KindAbortAny, message.KindCommitAny:
		idx, found := bn.Find(msg.Key, cmp)
		if !found {
			return false
		}
		made := false
		for idx < bn.Len() {
			before := bn.Len()
			applyOnce(bn, est, msg, idx, bn.entries[idx], env.KeepHistory)
			made = true
			if bn.Len() == before {
				idx++ // entry survived, advance
			}
			if idx >= bn.Len() {
				break
			}
			if cmp(bn.entries[idx].Key(), msg.Key) != 0 {
				break
			}
		}
		return made

	case message.KindOptimizeForUpgrade:
		if len(msg.Val) >= 4 {
			bn.optimizedForUpgrade = binary.LittleEndian.Uint32(msg.Val)
		}
		fallthrough
	case message.KindCommitBroadcastAll, message.KindOptimize:
		made := msg.Kind == message.KindOptimizeForUpgrade
		for idx := 0; idx < bn.Len(); {
			le := bn.entries[idx]
			if le.IsClean() {
				idx++
				continue
			}
			before := bn.Len()
			applyOnce(bn, est, msg, idx, le, env.KeepHistory)
			made = true
			if bn.Len() == before {
				idx++
			}
		}
		return made

	case message.KindCommitBroadcastTxn, message.KindAbortBroadcastTxn:
		made := false
		for idx := 0; idx < bn.Len(); {
			le := bn.entries[idx]
			if !le.HasXID(msg.XIDs) {
				idx++
				continue
			}
			before := bn.Len()
			applyOnce(bn, est, msg, idx, le, env.KeepHistory)
			made = true
			if bn.Len() == before {
				idx++
			}
		}
		return made

	case message.KindUpdate:
		idx, found := bn.Find(msg.Key, cmp)
		var le *leafentry.Entry
		if found {
			le = bn.entries[idx]
		}
		return doUpdate(bn, est, msg, idx, le, env)

	case message.KindUpdateBroadcastAll:
		made := false
		for idx := 0; idx < bn.Len(); {
			before := bn.Len()
			if doUpdate(bn, est, msg, idx, bn.entries[idx], env) {
				made = true
			}
			if bn.Len() == before {
				idx++
			}
		}
		return made

	case message.KindNone:
		return false
	}
	panic("unknown message kind")
}

// applyOnce applies msg to the entry at idx (nil when the key is absent) and
// keeps the basement byte count and the subtree estimate in sync.
func applyOnce(bn *Basement, est *SubtreeEstimate, msg *message.Msg, idx int, le *leafentry.Entry, keepHistory bool) {
	var oldDisk, oldKV uint64
	if le != nil {
		oldDisk = le.DiskSize()
		oldKV = uint64(le.KeyLen() + le.LatestValLen())
	}

	newLE := leafentry.Apply(le, msg, keepHistory)

	switch {
	case le != nil && newLE != nil:
		// Replaced in place: counts unchanged, sizes move.
		est.DSize = utils.SubtractNoUnderflow(est.DSize, oldKV) +
			uint64(newLE.KeyLen()+newLE.LatestValLen())
		bn.nBytes = utils.SubtractNoUnderflow(bn.nBytes, oldDisk) + newLE.DiskSize()
		bn.entries[idx] = newLE

	case le != nil && newLE == nil:
		est.NKeys--
		est.NData--
		est.DSize = utils.SubtractNoUnderflow(est.DSize, oldKV)
		bn.nBytes = utils.SubtractNoUnderflow(bn.nBytes, oldDisk)
		copy(bn.entries[idx:], bn.entries[idx+1:])
		bn.entries[len(bn.entries)-1] = nil
		bn.entries = bn.entries[:len(bn.entries)-1]

	case le == nil && newLE != nil:
		bn.InsertAt(idx, newLE)
		est.NKeys++
		est.NData++
		est.DSize += uint64(newLE.KeyLen() + newLE.LatestValLen())
	}
}

// doUpdate runs the user update callback for one entry and applies whatever
// it sets. The synthesized message keeps the update's MSN and xid stack so
// replay filtering stays accountable at the lower layer.
func doUpdate(bn *Basement, est *SubtreeEstimate, msg *message.Msg, idx int, le *leafentry.Entry, env ApplyEnv) bool {
	if env.UpdateFn == nil {
		return false
	}

	var key []byte
	if msg.Kind == message.KindUpdate {
		key = msg.Key
	} else {
		// Broadcast updates have no key of their own.
		key = le.Key()
	}

	// Absent and deleted look the same to the callback: no old value. The
	// apply target stays as found so a synthesized insert lands on the
	// existing record instead of duplicating the key.
	var oldVal []byte
	if le != nil && !le.LatestIsDel() {
		oldVal = le.LatestVal()
	}

	made := false
	setVal := func(newVal []byte) {
		synth := &message.Msg{
			MSN:  msg.MSN,
			XIDs: msg.XIDs,
			Key:  key,
		}
		if newVal == nil {
			synth.Kind = message.KindDeleteAny
		} else {
			synth.Kind = message.KindInsert
			synth.Val = newVal
		}
		applyOnce(bn, est, synth, idx, le, env.KeepHistory)
		made = true
	}

	env.UpdateFn(key, oldVal, msg.Val, setVal)
	return made
}
