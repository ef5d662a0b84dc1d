// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Package buffertree provides an on-disk ordered key/value storage engine
// built around a buffered B-tree: internal nodes carry per-child message
// queues, writes are logged at the root and lazily flushed toward the
// leaves, and reads replay in-flight messages on their way down. The engine
// offers MVCC snapshot reads, transactional provisional versions, and fuzzy
// checkpointing of its header and block map.
package buffertree

import (
	"encoding/binary"
	"errors"
	"os"
	"sync/atomic"

	"github.com/scigolib/buffertree/internal/leafentry"
	"github.com/scigolib/buffertree/internal/message"
	"github.com/scigolib/buffertree/internal/oplog"
	"github.com/scigolib/buffertree/internal/tree"
	"github.com/scigolib/buffertree/internal/txn"
	"github.com/scigolib/buffertree/internal/utils"
)

// Public error sentinels; compare with errors.Is.
var (
	// ErrNotFound reports a missing key or an exhausted cursor.
	ErrNotFound = utils.ErrNotFound
	// ErrNoHeader reports a file with no valid header.
	ErrNoHeader = utils.ErrNoHeader
	// ErrDictionaryTooNew reports a snapshot older than the dictionary.
	ErrDictionaryTooNew = utils.ErrDictionaryTooNew
	// ErrInvalid reports API misuse.
	ErrInvalid = utils.ErrInvalid
)

// Txn is a transaction handle issued by BeginTxn.
type Txn = txn.Txn

// GetCallback receives a record from Lookup or a cursor. Returning nil
// accepts it; ErrNotFound asks the search to continue, skipping the rest of
// the leaf basement that holds the record.
type GetCallback func(key, val []byte) error

// Stat64 aggregates the dictionary's shape.
type Stat64 struct {
	NKeys uint64
	NData uint64
	DSize uint64
	FSize uint64
}

// Tree is one open dictionary.
type Tree struct {
	eng *tree.Tree
	mgr *txn.Manager
	log *oplog.Logger
	f   *os.File

	updateFnSet bool
	lsn         atomic.Uint64 // checkpoint LSN source when the oplog is off
	closed      bool
}

// Open opens (or creates) the dictionary at path.
func Open(path string, opts ...Option) (*Tree, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, utils.WrapError("file open failed", err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, utils.WrapError("file stat failed", err)
	}

	t := &Tree{f: f, mgr: txn.NewManager(), updateFnSet: cfg.updateFn != nil}

	if !cfg.disableOpLog {
		t.log, err = oplog.Open(path+".oplog", cfg.forceFsyncOnCommit)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	tcfg := tree.Config{
		Nodesize:      cfg.nodesize,
		CacheBytes:    cfg.cacheBytes,
		Compare:       cfg.cmp,
		UpdateFn:      cfg.updateFn,
		HistoryNeeded: t.mgr.HasLiveSnapshots,
	}
	if fi.Size() == 0 {
		t.eng, err = tree.Create(f, tcfg, message.TxnNone)
		if err == nil && t.log != nil {
			_, err = t.log.FCreate(t.eng.Header().DictionaryID, path)
		}
	} else {
		t.eng, err = tree.Open(f, tcfg, cfg.maxAcceptableLSN)
		if err == nil && t.log != nil {
			if _, lerr := t.log.FOpen(t.eng.Header().DictionaryID, path); lerr != nil {
				err = lerr
			} else {
				_, err = t.log.FAssociate(t.eng.Header().DictionaryID, path)
			}
		}
	}
	if err != nil {
		if t.log != nil {
			_ = t.log.Close()
		}
		_ = f.Close()
		return nil, err
	}
	return t, nil
}

func xidsOf(x *Txn) message.XIDStack {
	if x == nil {
		return nil
	}
	return x.XIDs()
}

// visibilityOf maps a transaction to the reader's visibility function: nil
// (latest committed) unless the transaction captured a snapshot.
func visibilityOf(x *Txn) leafentry.Visibility {
	if x == nil || !x.IsSnapshot() {
		return nil
	}
	return x.ReadsEntry
}

// checkDictionaryAge rejects snapshot readers older than the dictionary.
func (t *Tree) checkDictionaryAge(x *Txn) error {
	if x == nil || !x.IsSnapshot() {
		return nil
	}
	created := t.eng.Header().RootXIDCreated
	if created != message.TxnNone && !x.ReadsEntry(created) {
		return ErrDictionaryTooNew
	}
	return nil
}

// rootPut sends one message through the engine under the exclusive lock.
func (t *Tree) rootPut(msg *message.Msg) error {
	lock := t.eng.Lock()
	lock.Lock()
	defer lock.Unlock()
	return t.eng.RootPut(msg)
}

// BeginTxn starts a transaction. A nil parent starts a root transaction;
// snapshot captures a consistent read view.
func (t *Tree) BeginTxn(parent *Txn, snapshot bool) *Txn {
	return t.mgr.Begin(parent, snapshot)
}

// Commit makes x's writes durable and visible, then retires it.
func (t *Tree) Commit(x *Txn) error {
	if x == nil {
		return ErrInvalid
	}
	msg := &message.Msg{Kind: message.KindCommitBroadcastTxn, XIDs: x.XIDs()}
	if err := t.rootPut(msg); err != nil {
		return err
	}
	if t.log != nil {
		if _, err := t.log.Commit(x.XIDs()); err != nil {
			return err
		}
	}
	t.mgr.Retire(x)
	return nil
}

// Abort discards x's provisional writes, then retires it.
func (t *Tree) Abort(x *Txn) error {
	if x == nil {
		return ErrInvalid
	}
	msg := &message.Msg{Kind: message.KindAbortBroadcastTxn, XIDs: x.XIDs()}
	if err := t.rootPut(msg); err != nil {
		return err
	}
	if t.log != nil {
		if _, err := t.log.Abort(x.XIDs()); err != nil {
			return err
		}
	}
	t.mgr.Retire(x)
	return nil
}

func validateKV(key, val []byte) error {
	if len(key) == 0 {
		return utils.WrapError("empty key", ErrInvalid)
	}
	if uint64(len(key)) > utils.MaxKeySize {
		return utils.WrapError("key too large", ErrInvalid)
	}
	if uint64(len(val)) > utils.MaxValueSize {
		return utils.WrapError("value too large", ErrInvalid)
	}
	return nil
}

// Insert writes key = val. A nil txn commits immediately.
func (t *Tree) Insert(x *Txn, key, val []byte) error {
	if err := validateKV(key, val); err != nil {
		return err
	}
	dictID := t.eng.Header().DictionaryID
	if t.log != nil {
		if _, err := t.log.EnqInsert(dictID, xidsOf(x), key, val); err != nil {
			return err
		}
		if x != nil {
			if _, err := t.log.RollbackInsert(dictID, xidsOf(x), key); err != nil {
				return err
			}
		}
	}
	return t.rootPut(&message.Msg{
		Kind: message.KindInsert,
		XIDs: xidsOf(x),
		Key:  key,
		Val:  val,
	})
}

// InsertNoOverwrite writes key = val only if key is absent or deleted.
func (t *Tree) InsertNoOverwrite(x *Txn, key, val []byte) error {
	if err := validateKV(key, val); err != nil {
		return err
	}
	dictID := t.eng.Header().DictionaryID
	if t.log != nil {
		if _, err := t.log.EnqInsertNoOverwrite(dictID, xidsOf(x), key, val); err != nil {
			return err
		}
	}
	return t.rootPut(&message.Msg{
		Kind: message.KindInsertNoOverwrite,
		XIDs: xidsOf(x),
		Key:  key,
		Val:  val,
	})
}

// Delete removes key.
func (t *Tree) Delete(x *Txn, key []byte) error {
	if err := validateKV(key, nil); err != nil {
		return err
	}
	dictID := t.eng.Header().DictionaryID
	if t.log != nil {
		if _, err := t.log.EnqDeleteAny(dictID, xidsOf(x), key); err != nil {
			return err
		}
		if x != nil {
			if _, err := t.log.RollbackDelete(dictID, xidsOf(x), key, nil); err != nil {
				return err
			}
		}
	}
	return t.rootPut(&message.Msg{
		Kind: message.KindDeleteAny,
		XIDs: xidsOf(x),
		Key:  key,
	})
}

// Update runs the update function against key with extra.
func (t *Tree) Update(x *Txn, key, extra []byte) error {
	if err := validateKV(key, extra); err != nil {
		return err
	}
	if !t.updateFnSet {
		return utils.WrapError("no update function installed", ErrInvalid)
	}
	if t.log != nil {
		if _, err := t.log.EnqUpdate(t.eng.Header().DictionaryID, xidsOf(x), key, extra); err != nil {
			return err
		}
	}
	return t.rootPut(&message.Msg{
		Kind: message.KindUpdate,
		XIDs: xidsOf(x),
		Key:  key,
		Val:  extra,
	})
}

// UpdateBroadcast runs the update function against every record.
func (t *Tree) UpdateBroadcast(x *Txn, extra []byte) error {
	if !t.updateFnSet {
		return utils.WrapError("no update function installed", ErrInvalid)
	}
	if t.log != nil {
		if _, err := t.log.EnqUpdateBroadcast(t.eng.Header().DictionaryID, xidsOf(x), extra); err != nil {
			return err
		}
	}
	return t.rootPut(&message.Msg{
		Kind: message.KindUpdateBroadcastAll,
		XIDs: xidsOf(x),
		Val:  extra,
	})
}

// Optimize flattens every record's version chain, leaving only stable
// nodes behind once the broadcast has been flushed through.
func (t *Tree) Optimize() error {
	return t.rootPut(&message.Msg{Kind: message.KindOptimize})
}

// OptimizeForUpgrade is Optimize plus stamping each basement with this
// build's layout version.
func (t *Tree) OptimizeForUpgrade() error {
	var ver [4]byte
	binary.LittleEndian.PutUint32(ver[:], t.eng.Header().LayoutVersion)
	return t.rootPut(&message.Msg{Kind: message.KindOptimizeForUpgrade, Val: ver[:]})
}

// Lookup finds key and hands it to getf; ErrNotFound if no visible record
// exists.
func (t *Tree) Lookup(x *Txn, key []byte, getf GetCallback) error {
	if err := validateKV(key, nil); err != nil {
		return err
	}
	if err := t.checkDictionaryAge(x); err != nil {
		return err
	}

	lock := t.eng.Lock()
	lock.RLock()
	defer lock.RUnlock()

	c := tree.NewCursor(t.eng, visibilityOf(x))
	err := c.Set(key, tree.GetCallback(getf))
	if errors.Is(err, utils.ErrFoundButRejected) {
		return ErrNotFound
	}
	return err
}

// Keyrange estimates how many keys order before, at, and after key.
func (t *Tree) Keyrange(key []byte) (less, equal, greater uint64, err error) {
	lock := t.eng.Lock()
	lock.RLock()
	defer lock.RUnlock()
	return t.eng.Keyrange(key)
}

// Stat returns the dictionary's aggregate shape. Counts above unflushed
// buffers are estimates.
func (t *Tree) Stat() (Stat64, error) {
	lock := t.eng.Lock()
	lock.RLock()
	defer lock.RUnlock()

	nkeys, ndata, dsize, fsize, err := t.eng.Stat()
	if err != nil {
		return Stat64{}, err
	}
	return Stat64{NKeys: nkeys, NData: ndata, DSize: dsize, FSize: fsize}, nil
}

// Truncate discards every record.
func (t *Tree) Truncate() error {
	lock := t.eng.Lock()
	lock.Lock()
	defer lock.Unlock()
	return t.eng.Truncate()
}

// ChangeDescriptor replaces the user descriptor stored in the header.
func (t *Tree) ChangeDescriptor(desc []byte) error {
	return t.eng.ChangeDescriptor(desc)
}

// Descriptor returns the stored user descriptor.
func (t *Tree) Descriptor() []byte {
	return t.eng.Header().Descriptor
}

// Flush writes every dirty node to disk without checkpointing the header.
func (t *Tree) Flush() error {
	lock := t.eng.Lock()
	lock.RLock()
	defer lock.RUnlock()
	return t.eng.Flush()
}

// nextLSN draws from the operation log when it exists, else from a local
// counter, so checkpoints always carry increasing LSNs.
func (t *Tree) nextLSN() uint64 {
	if t.log != nil {
		return t.log.NextLSN()
	}
	return t.lsn.Add(1)
}

// Checkpoint runs a full checkpoint: shadow the header, write the dirty
// nodes, serialize the shadow to the alternate slot, fsync, swap.
func (t *Tree) Checkpoint() error {
	return t.eng.RunCheckpoint(t.nextLSN())
}

// BeginCheckpoint exposes the first checkpoint phase to callers that drive
// the protocol themselves (e.g. coordinated multi-file checkpoints).
func (t *Tree) BeginCheckpoint() (uint64, error) {
	lsn := t.nextLSN()
	return lsn, t.eng.BeginCheckpoint(lsn)
}

// CheckpointPhase writes dirty nodes and the shadow header.
func (t *Tree) CheckpointPhase() error {
	return t.eng.Checkpoint()
}

// EndCheckpoint finishes the protocol started by BeginCheckpoint.
func (t *Tree) EndCheckpoint() error {
	return t.eng.EndCheckpoint()
}

// SuppressRollback marks x as exempt from rollback (bulk loads into a
// dictionary the same transaction created).
func (t *Tree) SuppressRollback(x *Txn) error {
	if x == nil {
		return ErrInvalid
	}
	hdr := t.eng.Header()
	hdr.SuppressRollbackXID = x.RootID()
	hdr.Dirty = true
	if t.log != nil {
		if _, err := t.log.SuppressRollback(hdr.DictionaryID, x.RootID()); err != nil {
			return err
		}
	}
	return nil
}

// Close checkpoints, closes the operation log and the file. The first
// latched panic, if any, is returned.
func (t *Tree) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true

	err := t.eng.Close(t.nextLSN())
	if t.log != nil {
		if _, lerr := t.log.FClose(t.eng.Header().DictionaryID, t.f.Name()); err == nil {
			err = lerr
		}
		if cerr := t.log.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := t.f.Close(); err == nil {
		err = cerr
	}
	return err
}
