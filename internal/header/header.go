// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Package header manages the per-file header: the single source of truth
// for the root block, the MSN counter, and the checkpoint state.
//
// The file begins with two fixed header slots; checkpoints alternate between
// them, so a crash mid-write always leaves one intact slot behind. The
// variable-size payload (user descriptor plus block translation) is written
// to a fresh end-of-file region each checkpoint and the slot points at it.
//
// A fuzzy checkpoint shadows the live header: begin-checkpoint shallow-
// copies it (and snapshots the block translation), writers keep dirtying the
// live header, checkpoint serializes the shadow, end-checkpoint fsyncs and
// retires the shadow. Any I/O failure latches a panic on the header; every
// later operation returns the stored error without doing work.
package header

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/scigolib/buffertree/internal/blocktable"
	"github.com/scigolib/buffertree/internal/message"
	"github.com/scigolib/buffertree/internal/utils"
)

// Signature identifies a buffertree file header slot.
const Signature = "BTHD"

// SlotSize is the fixed size of one header slot; the two slots occupy the
// first 2*SlotSize bytes of the file.
const SlotSize = 256

// InitialAllocOffset is where block allocation starts.
const InitialAllocOffset = 2 * SlotSize

// CurrentLayoutVersion is the header layout written by this package.
const CurrentLayoutVersion = 1

// Type distinguishes the live header from its checkpoint shadow.
type Type uint8

const (
	// TypeCurrent is the live header.
	TypeCurrent Type = iota
	// TypeCheckpointInProgress is the shadow taken at begin-checkpoint.
	TypeCheckpointInProgress
)

// dictIDSerial is the process-wide dictionary id source. It only ever
// increases; ids are never recycled within a process.
var dictIDSerial atomic.Uint64

// NextDictionaryID returns a fresh dictionary id.
func NextDictionaryID() uint64 {
	return dictIDSerial.Add(1)
}

// Header is the per-file header.
//
// Mutations happen under the engine's exclusive lock; the internal mutex
// only guards the checkpoint shadow swap and the panic latch, which the
// cachetable's writeback can race with.
type Header struct {
	mu sync.Mutex

	Type          Type
	LayoutVersion uint32
	Nodesize      uint32
	Flags         uint32

	Root     blocktable.BlockNum
	RootHash uint32

	DictionaryID uint64

	// MSN is the last message sequence number assigned at the root.
	MSN message.MSN

	// RootPutCounter counts root insertions since open; cursors use it to
	// detect tree changes. It is not persisted.
	RootPutCounter uint64

	CheckpointLSN   uint64
	CheckpointCount uint64

	// RootXIDCreated is the transaction that created the dictionary; a
	// snapshot older than it must not see the dictionary at all.
	RootXIDCreated message.TxnID

	// SuppressRollbackXID is the transaction whose rollback is suppressed
	// because it bulk-created the dictionary content.
	SuppressRollbackXID message.TxnID

	// Descriptor is the user descriptor blob stored alongside the header.
	Descriptor []byte

	Dirty bool

	BT *blocktable.BlockTable

	panicErr   error
	checkpoint *checkpointState
}

// checkpointState is the shadow taken at begin-checkpoint. The translation
// is not frozen here: checkpoint-driven node writes keep updating the
// in-progress epoch, and serialization reads it at checkpoint time.
type checkpointState struct {
	header *Header // field-wise copy, Type == TypeCheckpointInProgress
	dirty  bool
}

// shallowClone copies the serializable header fields; the lock, the panic
// latch and the shadow stay with the live header.
func (h *Header) shallowClone() *Header {
	return &Header{
		Type:                h.Type,
		LayoutVersion:       h.LayoutVersion,
		Nodesize:            h.Nodesize,
		Flags:               h.Flags,
		Root:                h.Root,
		RootHash:            h.RootHash,
		DictionaryID:        h.DictionaryID,
		MSN:                 h.MSN,
		CheckpointLSN:       h.CheckpointLSN,
		CheckpointCount:     h.CheckpointCount,
		RootXIDCreated:      h.RootXIDCreated,
		SuppressRollbackXID: h.SuppressRollbackXID,
		Descriptor:          h.Descriptor,
		BT:                  h.BT,
	}
}

// NewForCreate builds the header of a freshly created file.
func NewForCreate(nodesize, flags uint32, root blocktable.BlockNum, createdBy message.TxnID) *Header {
	return &Header{
		Type:           TypeCurrent,
		LayoutVersion:  CurrentLayoutVersion,
		Nodesize:       nodesize,
		Flags:          flags,
		Root:           root,
		DictionaryID:   NextDictionaryID(),
		RootXIDCreated: createdBy,
		Dirty:          true,
		BT:             blocktable.New(InitialAllocOffset),
	}
}

// SetPanic latches err (first error wins) and returns the stored panic.
func (h *Header) SetPanic(err error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.panicErr == nil && err != nil {
		h.panicErr = err
	}
	return h.panicErr
}

// Panicked returns the latched panic error, nil if healthy.
func (h *Header) Panicked() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.panicErr
}

// BeginCheckpoint shadows the live header under the header lock, clears the
// live dirty bit, and opens a block-translation epoch.
func (h *Header) BeginCheckpoint(lsn uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.panicErr != nil {
		return h.panicErr
	}
	if h.checkpoint != nil {
		return utils.WrapError("begin checkpoint", fmt.Errorf("checkpoint already in progress"))
	}
	shadow := h.shallowClone()
	shadow.Type = TypeCheckpointInProgress
	shadow.CheckpointLSN = lsn
	h.BT.NoteStartCheckpoint()
	h.checkpoint = &checkpointState{
		header: shadow,
		dirty:  h.Dirty,
	}
	h.Dirty = false // only place the live dirty bit is cleared
	return nil
}

// Checkpoint serializes the shadow header to its alternate slot if the
// shadow was dirty. Serialization errors latch the panic.
func (h *Header) Checkpoint(f *os.File) error {
	h.mu.Lock()
	ck := h.checkpoint
	h.mu.Unlock()

	if err := h.Panicked(); err != nil {
		return err
	}
	if ck == nil {
		return utils.WrapError("checkpoint", fmt.Errorf("no checkpoint in progress"))
	}
	if !ck.dirty {
		h.BT.NoteSkippedCheckpoint()
		return nil
	}

	ck.header.CheckpointCount = h.CheckpointCount + 1
	if err := writeSlot(f, ck.header, h.BT.CheckpointSnapshot()); err != nil {
		h.BT.NoteFailedCheckpoint()
		return h.SetPanic(utils.WrapError("header checkpoint write failed", err))
	}
	ck.dirty = false
	return nil
}

// EndCheckpoint fsyncs and, on success, adopts the shadow's LSN and retires
// the translation epoch. The shadow is always released.
func (h *Header) EndCheckpoint(f *os.File) error {
	h.mu.Lock()
	ck := h.checkpoint
	h.checkpoint = nil
	h.mu.Unlock()

	if err := h.Panicked(); err != nil {
		return err
	}
	if ck == nil {
		return utils.WrapError("end checkpoint", fmt.Errorf("no checkpoint in progress"))
	}

	if ck.header.CheckpointCount == h.CheckpointCount+1 && !ck.dirty {
		if err := f.Sync(); err != nil {
			h.BT.NoteFailedCheckpoint()
			return h.SetPanic(utils.WrapError("checkpoint fsync failed", err))
		}
		h.CheckpointCount++
		h.CheckpointLSN = ck.header.CheckpointLSN
	}
	h.BT.NoteEndCheckpoint()
	return nil
}

// writeSlot serializes hd plus its translation snapshot: the variable
// payload goes to a fresh end-of-file region, the fixed slot (chosen by
// checkpoint-count parity) points at it.
func writeSlot(f *os.File, hd *Header, snapshot map[blocktable.BlockNum]blocktable.DiskLoc) error {
	next, nextOffset, free := hd.BT.State()

	payload := make([]byte, 0, 1024)
	payload = utils.AppendBytes(payload, hd.Descriptor)
	payload = blocktable.Serialize(payload, snapshot, next, nextOffset, free)
	payload = utils.AppendUint64(payload, xxhash.Sum64(payload))

	payloadOff, err := hd.BT.AllocateRaw(int64(len(payload)))
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(payload, payloadOff); err != nil {
		return err
	}

	slot := make([]byte, 0, SlotSize)
	slot = append(slot, Signature...)
	slot = utils.AppendUint32(slot, hd.LayoutVersion)
	slot = utils.AppendUint32(slot, hd.Nodesize)
	slot = utils.AppendUint32(slot, hd.Flags)
	slot = utils.AppendUint64(slot, uint64(hd.Root))
	slot = utils.AppendUint32(slot, hd.RootHash)
	slot = utils.AppendUint64(slot, hd.DictionaryID)
	slot = utils.AppendUint64(slot, uint64(hd.MSN))
	slot = utils.AppendUint64(slot, hd.CheckpointLSN)
	slot = utils.AppendUint64(slot, hd.CheckpointCount)
	slot = utils.AppendUint64(slot, uint64(hd.RootXIDCreated))
	slot = utils.AppendUint64(slot, uint64(hd.SuppressRollbackXID))
	slot = utils.AppendUint64(slot, uint64(payloadOff))
	slot = utils.AppendUint64(slot, uint64(len(payload)))
	slot = utils.AppendUint64(slot, xxhash.Sum64(slot))
	if len(slot) > SlotSize {
		return fmt.Errorf("header slot overflow: %d bytes", len(slot))
	}
	padded := make([]byte, SlotSize)
	copy(padded, slot)

	slotIdx := hd.CheckpointCount % 2
	if _, err := f.WriteAt(padded, int64(slotIdx)*SlotSize); err != nil {
		return err
	}
	return nil
}

// WriteInitial writes the header of a new file into slot 0 and fsyncs, so
// an empty dictionary survives a crash before its first checkpoint.
func (h *Header) WriteInitial(f *os.File) error {
	if err := writeSlot(f, h, h.BT.CheckpointSnapshot()); err != nil {
		return h.SetPanic(utils.WrapError("initial header write failed", err))
	}
	if err := f.Sync(); err != nil {
		return h.SetPanic(utils.WrapError("initial header fsync failed", err))
	}
	return nil
}

// Read loads the freshest valid header whose checkpoint LSN does not exceed
// maxAcceptableLSN. It returns ErrNoHeader when neither slot validates.
func Read(f *os.File, maxAcceptableLSN uint64) (*Header, error) {
	var best *Header
	for slot := int64(0); slot < 2; slot++ {
		h, err := readSlot(f, slot)
		if err != nil {
			continue
		}
		if h.CheckpointLSN > maxAcceptableLSN {
			continue
		}
		if best == nil || h.CheckpointCount > best.CheckpointCount {
			best = h
		}
	}
	if best == nil {
		return nil, utils.ErrNoHeader
	}
	return best, nil
}

func readSlot(f *os.File, slot int64) (*Header, error) {
	raw := make([]byte, SlotSize)
	if _, err := f.ReadAt(raw, slot*SlotSize); err != nil {
		return nil, utils.WrapError("header slot read failed", err)
	}
	if string(raw[0:4]) != Signature {
		return nil, fmt.Errorf("bad header signature in slot %d", slot)
	}

	// The checksum covers everything written before it: the signature,
	// four uint32 fields, and nine uint64 fields.
	const fixedLen = 4 + 4*4 + 8*9
	sum := xxhash.Sum64(raw[:fixedLen])
	r := utils.NewReader(raw[4:])
	layout, _ := r.Uint32()
	nodesize, _ := r.Uint32()
	flags, _ := r.Uint32()
	root, _ := r.Uint64()
	rootHash, _ := r.Uint32()
	dictID, _ := r.Uint64()
	msn, _ := r.Uint64()
	ckLSN, _ := r.Uint64()
	ckCount, _ := r.Uint64()
	rootXID, _ := r.Uint64()
	suppressXID, _ := r.Uint64()
	payloadOff, _ := r.Uint64()
	payloadLen, _ := r.Uint64()
	stored, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	if stored != sum {
		return nil, fmt.Errorf("header checksum mismatch in slot %d", slot)
	}
	if layout > CurrentLayoutVersion {
		return nil, fmt.Errorf("header layout version %d too new", layout)
	}

	payload := make([]byte, payloadLen)
	if _, err := f.ReadAt(payload, int64(payloadOff)); err != nil {
		return nil, utils.WrapError("header payload read failed", err)
	}
	if payloadLen < 8 {
		return nil, fmt.Errorf("header payload truncated in slot %d", slot)
	}
	body := payload[:payloadLen-8]
	psum := xxhash.Sum64(body)
	pr := utils.NewReader(payload[payloadLen-8:])
	pstored, _ := pr.Uint64()
	if pstored != psum {
		return nil, fmt.Errorf("header payload checksum mismatch in slot %d", slot)
	}

	br := utils.NewReader(body)
	descriptor, err := br.Bytes()
	if err != nil {
		return nil, err
	}
	bt, err := blocktable.Deserialize(br)
	if err != nil {
		return nil, err
	}

	return &Header{
		Type:                TypeCurrent,
		LayoutVersion:       layout,
		Nodesize:            nodesize,
		Flags:               flags,
		Root:                blocktable.BlockNum(root),
		RootHash:            rootHash,
		DictionaryID:        dictID,
		MSN:                 message.MSN(msn),
		CheckpointLSN:       ckLSN,
		CheckpointCount:     ckCount,
		RootXIDCreated:      message.TxnID(rootXID),
		SuppressRollbackXID: message.TxnID(suppressXID),
		Descriptor:          descriptor,
		BT:                  bt,
	}, nil
}
