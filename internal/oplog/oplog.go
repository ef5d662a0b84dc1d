// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Package oplog appends the engine's operation log: one record per insert,
// delete or update, plus rollback records for transactional inserts and
// deletes and lifecycle records for files and dictionaries.
//
// The log is a single append-only file of length-prefixed, checksummed
// records. Durability is governed by the commit path: with
// force-fsync-on-commit set, a commit record fsyncs before returning.
package oplog

import (
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/scigolib/buffertree/internal/message"
	"github.com/scigolib/buffertree/internal/utils"
)

// RecordType discriminates log records.
type RecordType uint8

const (
	// RecFCreate records file creation.
	RecFCreate RecordType = iota + 1
	// RecFOpen records file open.
	RecFOpen
	// RecFClose records file close.
	RecFClose
	// RecFAssociate ties a dictionary id to a file name after recovery.
	RecFAssociate
	// RecEnqInsert records an insert.
	RecEnqInsert
	// RecEnqInsertNoOverwrite records an insert-if-absent.
	RecEnqInsertNoOverwrite
	// RecEnqDeleteAny records a delete.
	RecEnqDeleteAny
	// RecEnqUpdate records an update.
	RecEnqUpdate
	// RecEnqUpdateBroadcast records a broadcast update.
	RecEnqUpdateBroadcast
	// RecSuppressRollback marks a transaction whose rollback is suppressed.
	RecSuppressRollback
	// RecCommit records a transaction commit.
	RecCommit
	// RecAbort records a transaction abort.
	RecAbort
	// RecRollbackInsert is the inverse record of an insert.
	RecRollbackInsert
	// RecRollbackDelete is the inverse record of a delete.
	RecRollbackDelete
)

// Logger is the append-only operation log.
//
// Thread safety: all methods are safe for concurrent use.
type Logger struct {
	mu           sync.Mutex
	f            *os.File
	lsn          uint64
	fsyncOnWrite bool // force-fsync-on-commit
}

// Open opens (or creates) the log at path.
func Open(path string, forceFsyncOnCommit bool) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, utils.WrapError("oplog open failed", err)
	}
	return &Logger{f: f, fsyncOnWrite: forceFsyncOnCommit}, nil
}

// LSN returns the sequence number of the last appended record.
func (l *Logger) LSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lsn
}

// NextLSN reserves and returns the next sequence number without writing.
// The checkpoint path stamps headers with it.
func (l *Logger) NextLSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lsn++
	return l.lsn
}

func (l *Logger) append(rec RecordType, payload []byte, fsync bool) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lsn++
	body := make([]byte, 0, len(payload)+16)
	body = append(body, byte(rec))
	body = utils.AppendUint64(body, l.lsn)
	body = append(body, payload...)

	frame := make([]byte, 0, len(body)+12)
	frame = utils.AppendUint32(frame, uint32(len(body)))
	frame = append(frame, body...)
	frame = utils.AppendUint64(frame, xxhash.Sum64(body))

	if _, err := l.f.Write(frame); err != nil {
		return 0, utils.WrapError("oplog append failed", err)
	}
	if fsync {
		if err := l.f.Sync(); err != nil {
			return 0, utils.WrapError("oplog fsync failed", err)
		}
	}
	return l.lsn, nil
}

func payloadKV(dictID uint64, xids message.XIDStack, key, val []byte) []byte {
	out := make([]byte, 0, len(key)+len(val)+32)
	out = utils.AppendUint64(out, dictID)
	out = append(out, byte(len(xids)))
	for _, x := range xids {
		out = utils.AppendUint64(out, uint64(x))
	}
	out = utils.AppendBytes(out, key)
	out = utils.AppendBytes(out, val)
	return out
}

// EnqInsert logs an insert.
func (l *Logger) EnqInsert(dictID uint64, xids message.XIDStack, key, val []byte) (uint64, error) {
	return l.append(RecEnqInsert, payloadKV(dictID, xids, key, val), false)
}

// EnqInsertNoOverwrite logs an insert-if-absent.
func (l *Logger) EnqInsertNoOverwrite(dictID uint64, xids message.XIDStack, key, val []byte) (uint64, error) {
	return l.append(RecEnqInsertNoOverwrite, payloadKV(dictID, xids, key, val), false)
}

// EnqDeleteAny logs a delete.
func (l *Logger) EnqDeleteAny(dictID uint64, xids message.XIDStack, key []byte) (uint64, error) {
	return l.append(RecEnqDeleteAny, payloadKV(dictID, xids, key, nil), false)
}

// EnqUpdate logs an update.
func (l *Logger) EnqUpdate(dictID uint64, xids message.XIDStack, key, extra []byte) (uint64, error) {
	return l.append(RecEnqUpdate, payloadKV(dictID, xids, key, extra), false)
}

// EnqUpdateBroadcast logs a broadcast update.
func (l *Logger) EnqUpdateBroadcast(dictID uint64, xids message.XIDStack, extra []byte) (uint64, error) {
	return l.append(RecEnqUpdateBroadcast, payloadKV(dictID, xids, nil, extra), false)
}

// FCreate logs file creation.
func (l *Logger) FCreate(dictID uint64, name string) (uint64, error) {
	return l.append(RecFCreate, payloadKV(dictID, nil, []byte(name), nil), true)
}

// FOpen logs file open.
func (l *Logger) FOpen(dictID uint64, name string) (uint64, error) {
	return l.append(RecFOpen, payloadKV(dictID, nil, []byte(name), nil), false)
}

// FClose logs file close.
func (l *Logger) FClose(dictID uint64, name string) (uint64, error) {
	return l.append(RecFClose, payloadKV(dictID, nil, []byte(name), nil), true)
}

// FAssociate logs a dictionary/file association.
func (l *Logger) FAssociate(dictID uint64, name string) (uint64, error) {
	return l.append(RecFAssociate, payloadKV(dictID, nil, []byte(name), nil), false)
}

// SuppressRollback marks xid's rollback as suppressed.
func (l *Logger) SuppressRollback(dictID uint64, xid message.TxnID) (uint64, error) {
	return l.append(RecSuppressRollback, payloadKV(dictID, message.XIDStack{xid}, nil, nil), false)
}

// Commit logs a commit; with force-fsync-on-commit the record is durable
// before return.
func (l *Logger) Commit(xids message.XIDStack) (uint64, error) {
	return l.append(RecCommit, payloadKV(0, xids, nil, nil), l.fsyncOnWrite)
}

// Abort logs an abort.
func (l *Logger) Abort(xids message.XIDStack) (uint64, error) {
	return l.append(RecAbort, payloadKV(0, xids, nil, nil), false)
}

// RollbackInsert saves the inverse of an insert (a delete of key).
func (l *Logger) RollbackInsert(dictID uint64, xids message.XIDStack, key []byte) (uint64, error) {
	return l.append(RecRollbackInsert, payloadKV(dictID, xids, key, nil), false)
}

// RollbackDelete saves the inverse of a delete (the prior value).
func (l *Logger) RollbackDelete(dictID uint64, xids message.XIDStack, key, prevVal []byte) (uint64, error) {
	return l.append(RecRollbackDelete, payloadKV(dictID, xids, key, prevVal), false)
}

// Fsync forces the log to disk.
func (l *Logger) Fsync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Sync()
}

// Close fsyncs and closes the log. Safe to call more than once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Sync()
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
