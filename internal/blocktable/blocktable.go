// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Package blocktable manages block numbers and their translation to file
// offsets.
//
// Nodes are addressed by stable 64-bit block numbers; every write of a node
// allocates a fresh region at the end of the file and retargets the block's
// translation, so a crash can never tear a node that an older header still
// points to. Space allocation is end-of-file with no freed-space reuse;
// freed block numbers are recycled through a free list.
//
// The table keeps up to two translations per block during a fuzzy
// checkpoint: the live one and the checkpoint-in-progress snapshot taken at
// begin-checkpoint. The note* methods are the checkpoint protocol the header
// manager drives.
package blocktable

import (
	"fmt"
	"sort"
	"sync"

	"github.com/scigolib/buffertree/internal/utils"
)

// BlockNum identifies a node block. Block numbers are never reinterpreted;
// only their translation changes.
type BlockNum int64

// NoBlock is the zero, never-allocated block number.
const NoBlock BlockNum = 0

// DiskLoc is a block's location in the file.
type DiskLoc struct {
	Offset int64
	Size   int64
}

// BlockTable tracks allocation and translation of node blocks.
//
// Thread safety: all methods are safe for concurrent use.
type BlockTable struct {
	mu sync.Mutex

	next       BlockNum
	free       []BlockNum
	live       map[BlockNum]DiskLoc
	inprogress map[BlockNum]DiskLoc // non-nil only between note-start and note-end
	nextOffset int64
}

// New creates a block table whose first allocation lands at initialOffset
// (past the two header slots).
func New(initialOffset int64) *BlockTable {
	return &BlockTable{
		next:       1,
		live:       make(map[BlockNum]DiskLoc),
		nextOffset: initialOffset,
	}
}

// AllocateBlockNum returns a fresh (or recycled) block number.
func (bt *BlockTable) AllocateBlockNum() BlockNum {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	if n := len(bt.free); n > 0 {
		b := bt.free[n-1]
		bt.free = bt.free[:n-1]
		return b
	}
	b := bt.next
	bt.next++
	return b
}

// FreeBlockNum releases a block number for reuse and drops its live
// translation. The checkpoint-in-progress translation, if any, survives so
// an in-flight checkpoint still reaches the old bytes.
func (bt *BlockTable) FreeBlockNum(b BlockNum) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	delete(bt.live, b)
	bt.free = append(bt.free, b)
}

// NoteWrite records that block b is about to be written with size bytes and
// returns the file offset to write at. Every write gets a fresh region.
//
// With forCheckpoint set (a write performed on behalf of an in-flight
// checkpoint), the checkpoint-in-progress translation adopts the new
// location too, so the checkpoint header reaches the bytes the checkpoint
// actually wrote.
func (bt *BlockTable) NoteWrite(b BlockNum, size int64, forCheckpoint bool) (int64, error) {
	if size <= 0 {
		return 0, fmt.Errorf("cannot allocate %d bytes for block %d", size, b)
	}
	if err := utils.ValidateBufferSize(uint64(size), utils.MaxBlockSize, "node block"); err != nil {
		return 0, err
	}

	bt.mu.Lock()
	defer bt.mu.Unlock()

	off := bt.nextOffset
	bt.nextOffset = off + size
	loc := DiskLoc{Offset: off, Size: size}
	bt.live[b] = loc
	if forCheckpoint && bt.inprogress != nil {
		bt.inprogress[b] = loc
	}
	return off, nil
}

// AllocateRaw reserves size bytes at the end of the file for data that is
// not a node block (the header's translation image) and returns its offset.
func (bt *BlockTable) AllocateRaw(size int64) (int64, error) {
	if size <= 0 {
		return 0, fmt.Errorf("cannot allocate %d raw bytes", size)
	}
	bt.mu.Lock()
	defer bt.mu.Unlock()

	off := bt.nextOffset
	bt.nextOffset = off + size
	return off, nil
}

// Translate returns the live location of b, falling back to the
// checkpoint-in-progress translation for blocks freed mid-checkpoint.
func (bt *BlockTable) Translate(b BlockNum) (DiskLoc, bool) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	if loc, ok := bt.live[b]; ok {
		return loc, true
	}
	if bt.inprogress != nil {
		if loc, ok := bt.inprogress[b]; ok {
			return loc, true
		}
	}
	return DiskLoc{}, false
}

// EndOfFile returns the next allocation offset, i.e. the file size implied
// by the allocations so far.
func (bt *BlockTable) EndOfFile() int64 {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return bt.nextOffset
}

// LiveBlocks returns every block with a live translation.
func (bt *BlockTable) LiveBlocks() []BlockNum {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	out := make([]BlockNum, 0, len(bt.live))
	for b := range bt.live {
		out = append(out, b)
	}
	return out
}

// NoteStartCheckpoint snapshots the live translation. Writes that happen
// while the checkpoint runs retarget only the live table, except writes made
// for the checkpoint itself (see NoteWrite).
func (bt *BlockTable) NoteStartCheckpoint() {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	snap := make(map[BlockNum]DiskLoc, len(bt.live))
	for k, v := range bt.live {
		snap[k] = v
	}
	bt.inprogress = snap
}

// NoteEndCheckpoint retires the checkpoint-in-progress translation after a
// successful end-checkpoint fsync.
func (bt *BlockTable) NoteEndCheckpoint() {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	bt.inprogress = nil
}

// NoteSkippedCheckpoint is called when the header was clean and nothing was
// serialized; the snapshot is discarded unchanged.
func (bt *BlockTable) NoteSkippedCheckpoint() {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	bt.inprogress = nil
}

// NoteFailedCheckpoint abandons the snapshot after a failed serialize or
// fsync. The previous durable header remains authoritative.
func (bt *BlockTable) NoteFailedCheckpoint() {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	bt.inprogress = nil
}

// CheckpointSnapshot returns the translation a checkpoint header should
// carry: the in-progress snapshot if one is open, else the live table.
func (bt *BlockTable) CheckpointSnapshot() map[BlockNum]DiskLoc {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	src := bt.live
	if bt.inprogress != nil {
		src = bt.inprogress
	}
	out := make(map[BlockNum]DiskLoc, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// Serialize encodes the table (translation plus allocator state) for the
// header. The snapshot argument selects which translation to persist.
func Serialize(buf []byte, snapshot map[BlockNum]DiskLoc, next BlockNum, nextOffset int64, free []BlockNum) []byte {
	buf = utils.AppendUint64(buf, uint64(next))
	buf = utils.AppendUint64(buf, uint64(nextOffset))

	blocks := make([]BlockNum, 0, len(snapshot))
	for b := range snapshot {
		blocks = append(blocks, b)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })

	buf = utils.AppendUint32(buf, uint32(len(blocks)))
	for _, b := range blocks {
		loc := snapshot[b]
		buf = utils.AppendUint64(buf, uint64(b))
		buf = utils.AppendUint64(buf, uint64(loc.Offset))
		buf = utils.AppendUint64(buf, uint64(loc.Size))
	}

	buf = utils.AppendUint32(buf, uint32(len(free)))
	for _, b := range free {
		buf = utils.AppendUint64(buf, uint64(b))
	}
	return buf
}

// State returns the allocator fields needed by Serialize.
func (bt *BlockTable) State() (next BlockNum, nextOffset int64, free []BlockNum) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	freeCopy := make([]BlockNum, len(bt.free))
	copy(freeCopy, bt.free)
	return bt.next, bt.nextOffset, freeCopy
}

// Deserialize rebuilds a table from a header payload.
func Deserialize(r *utils.Reader) (*BlockTable, error) {
	next, err := r.Uint64()
	if err != nil {
		return nil, utils.WrapError("block table next", err)
	}
	nextOffset, err := r.Uint64()
	if err != nil {
		return nil, utils.WrapError("block table end of file", err)
	}

	bt := &BlockTable{
		next:       BlockNum(next),
		live:       make(map[BlockNum]DiskLoc),
		nextOffset: int64(nextOffset),
	}

	n, err := r.Uint32()
	if err != nil {
		return nil, utils.WrapError("block table translation count", err)
	}
	for i := uint32(0); i < n; i++ {
		b, err := r.Uint64()
		if err != nil {
			return nil, err
		}
		off, err := r.Uint64()
		if err != nil {
			return nil, err
		}
		size, err := r.Uint64()
		if err != nil {
			return nil, err
		}
		bt.live[BlockNum(b)] = DiskLoc{Offset: int64(off), Size: int64(size)}
	}

	nf, err := r.Uint32()
	if err != nil {
		return nil, utils.WrapError("block table free count", err)
	}
	for i := uint32(0); i < nf; i++ {
		b, err := r.Uint64()
		if err != nil {
			return nil, err
		}
		bt.free = append(bt.free, BlockNum(b))
	}
	return bt, nil
}
