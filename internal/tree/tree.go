// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Package tree is the buffered-tree engine: root insertion, message
// flushing, tree-shape maintenance, ancestor replay and search, run against
// the cachetable and the per-file header.
package tree

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/scigolib/buffertree/internal/blocktable"
	"github.com/scigolib/buffertree/internal/cachetable"
	"github.com/scigolib/buffertree/internal/header"
	"github.com/scigolib/buffertree/internal/message"
	"github.com/scigolib/buffertree/internal/node"
	"github.com/scigolib/buffertree/internal/serialize"
	"github.com/scigolib/buffertree/internal/utils"
)

// Config carries the knobs the public layer resolves from its options.
type Config struct {
	Nodesize   uint32
	Flags      uint32
	CacheBytes uint64
	Compare    node.Compare
	UpdateFn   node.UpdateFunc

	// HistoryNeeded reports whether any open snapshot might still read
	// displaced committed versions; nil means never.
	HistoryNeeded func() bool
}

// Tree is one open dictionary.
//
// Writers take the engine lock exclusively for the duration of a root put
// or an explicit shape operation; readers share it. The cachetable has its
// own finer lock underneath.
type Tree struct {
	mu sync.RWMutex

	f   *os.File
	hdr *header.Header
	ct  *cachetable.CacheTable

	cmp           node.Compare
	updateFn      node.UpdateFunc
	historyNeeded func() bool
}

// fetchExtra tells a pin which partition the read needs; negative means the
// whole node.
type fetchExtra struct {
	childToRead int
}

// fullHash is the page-cache hash of a block.
func fullHash(b blocktable.BlockNum) uint32 {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], uint64(b))
	return uint32(xxhash.Sum64(raw[:]))
}

// Create initializes a new dictionary in f: a single empty leaf root and an
// fsynced header, so the empty dictionary survives a crash.
func Create(f *os.File, cfg Config, createdBy message.TxnID) (*Tree, error) {
	hdr := header.NewForCreate(cfg.Nodesize, cfg.Flags, blocktable.NoBlock, createdBy)

	t := &Tree{f: f, hdr: hdr, cmp: cfg.Compare, updateFn: cfg.UpdateFn, historyNeeded: cfg.HistoryNeeded}
	ct, err := cachetable.New(f, t.callbacks(), cfg.CacheBytes)
	if err != nil {
		return nil, err
	}
	t.ct = ct

	rootBlock := hdr.BT.AllocateBlockNum()
	root := node.NewEmpty(rootBlock, 0, 1, cfg.Nodesize, cfg.Flags)
	root.FullHash = fullHash(rootBlock)
	hdr.Root = rootBlock
	hdr.RootHash = root.FullHash

	ct.Put(rootBlock, root.FullHash, root, root.MemorySize())
	ct.Unpin(rootBlock, true, root.MemorySize())

	if err := ct.FlushAll(false); err != nil {
		return nil, hdr.SetPanic(err)
	}
	if err := hdr.WriteInitial(f); err != nil {
		return nil, err
	}
	return t, nil
}

// Open loads an existing dictionary from f, recovering from the freshest
// valid header slot with checkpoint LSN at most maxAcceptableLSN.
func Open(f *os.File, cfg Config, maxAcceptableLSN uint64) (*Tree, error) {
	hdr, err := header.Read(f, maxAcceptableLSN)
	if err != nil {
		return nil, err
	}
	if cfg.Flags != 0 && hdr.Flags != cfg.Flags {
		return nil, utils.WrapError("open", fmt.Errorf("%w: flag mismatch: file has %#x, caller wants %#x",
			utils.ErrInvalid, hdr.Flags, cfg.Flags))
	}

	t := &Tree{f: f, hdr: hdr, cmp: cfg.Compare, updateFn: cfg.UpdateFn, historyNeeded: cfg.HistoryNeeded}
	ct, err := cachetable.New(f, t.callbacks(), cfg.CacheBytes)
	if err != nil {
		return nil, err
	}
	t.ct = ct
	return t, nil
}

// callbacks wires the cachetable to the node codec and the block table.
func (t *Tree) callbacks() cachetable.Callbacks {
	return cachetable.Callbacks{
		Flush:                t.flushNode,
		Fetch:                t.fetchNode,
		PartialEvict:         t.partialEvictNode,
		PartialFetchRequired: t.partialFetchRequired,
		PartialFetch:         t.partialFetchNode,
	}
}

func (t *Tree) flushNode(f *os.File, block blocktable.BlockNum, value interface{}, writeMe, keepMe, forCheckpoint bool) error {
	n := value.(*node.Node)
	if !writeMe {
		return nil
	}
	raw, err := serialize.EncodeNode(n)
	if err != nil {
		return t.hdr.SetPanic(utils.WrapError("node serialize failed", err))
	}
	off, err := t.hdr.BT.NoteWrite(block, int64(len(raw)), forCheckpoint)
	if err != nil {
		return t.hdr.SetPanic(err)
	}
	if _, err := f.WriteAt(raw, off); err != nil {
		return t.hdr.SetPanic(utils.WrapError("node write failed", err))
	}
	if keepMe {
		n.Dirty = false
		n.MaxMSNOnDisk = n.MaxMSNInMemory
	}
	return nil
}

// readRawBlock reads a block image into a pooled buffer; callers release
// it once decoding is done (decoders copy what they keep).
func (t *Tree) readRawBlock(block blocktable.BlockNum) ([]byte, error) {
	loc, ok := t.hdr.BT.Translate(block)
	if !ok {
		return nil, fmt.Errorf("block %d has no translation", block)
	}
	raw := utils.GetBuffer(int(loc.Size))
	if _, err := t.f.ReadAt(raw, loc.Offset); err != nil {
		utils.ReleaseBuffer(raw)
		return nil, utils.WrapError("node read failed", err)
	}
	return raw, nil
}

func (t *Tree) fetchNode(_ *os.File, block blocktable.BlockNum, hash uint32) (interface{}, uint64, bool, error) {
	raw, err := t.readRawBlock(block)
	if err != nil {
		return nil, 0, false, err
	}
	defer utils.ReleaseBuffer(raw)
	n, err := serialize.DecodeNode(raw, block, true, -1)
	if err != nil {
		return nil, 0, false, err
	}
	n.FullHash = hash
	return n, n.MemorySize(), false, nil
}

// partialEvictNode sheds cold clean leaf partitions: available basements
// whose clock bit is cold are re-compressed; cold compressed images are
// dropped to on-disk state. Dirty nodes and nonleaf slots are ineligible.
func (t *Tree) partialEvictNode(value interface{}, bytesRequested uint64) uint64 {
	n := value.(*node.Node)
	if n.Dirty || n.Height != 0 {
		return 0
	}
	before := n.MemorySize()
	for i := range n.Parts {
		if n.MemorySize()+bytesRequested <= before {
			break
		}
		p := &n.Parts[i]
		if p.Clock {
			// Second chance: cool it down, reclaim next round.
			p.Clock = false
			continue
		}
		switch p.State {
		case node.StateAvailable:
			if err := serialize.CompressPartition(n, i); err != nil {
				return 0
			}
		case node.StateCompressed:
			p.Compressed = nil
			p.State = node.StateOnDisk
		}
	}
	after := n.MemorySize()
	if after >= before {
		return 0
	}
	return before - after
}

func (t *Tree) partialFetchRequired(value interface{}, readArgs interface{}) bool {
	n := value.(*node.Node)
	extra, ok := readArgs.(*fetchExtra)
	if !ok || extra == nil {
		return false
	}
	if extra.childToRead < 0 {
		for i := range n.Parts {
			if n.Parts[i].State != node.StateAvailable {
				return true
			}
		}
		return false
	}
	if extra.childToRead >= n.NChildren() {
		return false
	}
	return n.Parts[extra.childToRead].State != node.StateAvailable
}

func (t *Tree) partialFetchNode(_ *os.File, value interface{}, readArgs interface{}) (uint64, error) {
	n := value.(*node.Node)
	extra := readArgs.(*fetchExtra)
	before := n.MemorySize()

	restore := func(i int) error {
		p := &n.Parts[i]
		switch p.State {
		case node.StateAvailable:
			return nil
		case node.StateCompressed:
			return serialize.DecodePartitionInPlace(n, i)
		case node.StateOnDisk:
			raw, err := t.readRawBlock(n.Block)
			if err != nil {
				return err
			}
			defer utils.ReleaseBuffer(raw)
			return serialize.DecodePartitionFromRaw(raw, n, i)
		default:
			return fmt.Errorf("partition %d in state %s", i, p.State)
		}
	}

	if extra.childToRead < 0 {
		for i := range n.Parts {
			if err := restore(i); err != nil {
				return 0, err
			}
		}
	} else if err := restore(extra.childToRead); err != nil {
		return 0, err
	}

	after := n.MemorySize()
	if after > before {
		return after - before, nil
	}
	return 0, nil
}

var fullRead = &fetchExtra{childToRead: -1}

// pinNode pins block with every partition available, blocking on I/O, and
// replays the ancestor path onto it when it is a leaf. Callers that hold no
// ancestor information (and therefore must not mark basements replayed) use
// pinNodeNoReplay instead.
func (t *Tree) pinNode(block blocktable.BlockNum, anc *ancestors, bounds node.PivotBounds) (*node.Node, error) {
	n, err := t.pinNodeNoReplay(block)
	if err != nil {
		return nil, err
	}
	t.maybeApplyAncestorMessages(n, anc, bounds)
	return n, nil
}

// pinNodeNoReplay pins block without touching replay state. Stale basements
// stay stale; whoever reads them replays first.
func (t *Tree) pinNodeNoReplay(block blocktable.BlockNum) (*node.Node, error) {
	v, err := t.ct.GetAndPin(block, fullHash(block), fullRead)
	if err != nil {
		return nil, t.hdr.SetPanic(err)
	}
	return v.(*node.Node), nil
}

// pinNodeNonblocking is the descent's pin: it refuses I/O while other pins
// are held, returning ErrTryAgain after releasing them all. Partition
// availability is the searcher's own problem, so no read extra is passed; a
// cache miss fetches the whole node.
func (t *Tree) pinNodeNonblocking(block blocktable.BlockNum, unlockers *cachetable.Unlockers, anc *ancestors, bounds node.PivotBounds) (*node.Node, error) {
	v, err := t.ct.GetAndPinNonblocking(block, fullHash(block), unlockers, nil)
	if err != nil {
		return nil, err
	}
	n := v.(*node.Node)
	t.maybeApplyAncestorMessages(n, anc, bounds)
	return n, nil
}

// unpinNode releases one pin, propagating the node's dirtiness and size.
func (t *Tree) unpinNode(n *node.Node) {
	t.ct.Unpin(n.Block, n.Dirty, n.MemorySize())
}

// ensureFullyAvailable decodes any partitions of a pinned node that were
// partially evicted. Compressed images decode in place; on-disk partitions
// re-read the node's block.
func (t *Tree) ensureFullyAvailable(n *node.Node) error {
	var raw []byte
	defer func() {
		if raw != nil {
			utils.ReleaseBuffer(raw)
		}
	}()
	for i := range n.Parts {
		switch n.Parts[i].State {
		case node.StateAvailable:
		case node.StateCompressed:
			if err := serialize.DecodePartitionInPlace(n, i); err != nil {
				return t.hdr.SetPanic(err)
			}
		case node.StateOnDisk:
			if raw == nil {
				var err error
				if raw, err = t.readRawBlock(n.Block); err != nil {
					return t.hdr.SetPanic(err)
				}
			}
			if err := serialize.DecodePartitionFromRaw(raw, n, i); err != nil {
				return t.hdr.SetPanic(err)
			}
		default:
			return fmt.Errorf("node %d partition %d invalid", n.Block, i)
		}
	}
	return nil
}

// RootPut stamps msg with the next MSN and pushes it into the tree,
// flushing and splitting the root as needed. The caller holds the engine
// lock exclusively.
func (t *Tree) RootPut(msg *message.Msg) error {
	if err := t.hdr.Panicked(); err != nil {
		return err
	}

	t.hdr.RootPutCounter++

	n, err := t.pinNode(t.hdr.Root, nil, node.InfiniteBounds)
	if err != nil {
		return err
	}
	if err := t.ensureFullyAvailable(n); err != nil {
		t.unpinNode(n)
		return err
	}

	msg.MSN = n.MaxMSNInMemory + 1
	t.hdr.MSN = msg.MSN
	t.hdr.Dirty = true

	if n.Height == 0 {
		t.applyMsgToLeaf(n, msg)
		n.Dirty = true
	} else {
		t.nonleafPut(n, msg)
	}

	// Leaves resident in the cache absorb the message immediately; cold
	// leaves will pick it up from the buffers during ancestor replay.
	t.applyToInMemoryNonRootLeaves(t.hdr.Root, msg)

	if n.Height > 0 && n.IsGorged() {
		// One message went in, so flushing a single child suffices.
		if err := t.flushSomeChild(n, true, true, nil, node.InfiniteBounds); err != nil {
			t.unpinNode(n)
			return err
		}
	}

	n, err = t.handleReactiveRoot(n)
	if err != nil {
		t.unpinNode(n)
		return err
	}

	t.unpinNode(n)
	return nil
}

// applyMsgToLeaf applies msg to every resident basement of a leaf it
// concerns, with MSN idempotence filtering.
func (t *Tree) applyMsgToLeaf(n *node.Node, msg *message.Msg) {
	if msg.MSN <= n.MaxMSNInMemory {
		return
	}
	n.MaxMSNInMemory = msg.MSN

	env := t.applyEnv()
	switch {
	case msg.Kind.AppliesOnce():
		i := n.WhichChild(msg.Key, t.cmp)
		if n.Parts[i].State == node.StateAvailable {
			if node.ApplyToBasement(n.Basement(i), &n.Parts[i].Est, msg, env) {
				n.Dirty = true
			}
		}
	case msg.Kind.AppliesAll():
		for i := range n.Parts {
			if n.Parts[i].State == node.StateAvailable {
				if node.ApplyToBasement(n.Basement(i), &n.Parts[i].Est, msg, env) {
					n.Dirty = true
				}
			}
		}
	case msg.Kind.DoesNothing():
	default:
		panic("unroutable message kind")
	}
}

// nonleafPut routes msg into a nonleaf's child buffers: key-directed
// messages into the covering child, broadcasts into every child.
func (t *Tree) nonleafPut(n *node.Node, msg *message.Msg) {
	if msg.MSN <= n.MaxMSNInMemory {
		panic(fmt.Sprintf("nonleaf put of stale MSN %d (node at %d)", msg.MSN, n.MaxMSNInMemory))
	}
	n.MaxMSNInMemory = msg.MSN

	switch {
	case msg.Kind.AppliesOnce():
		i := n.WhichChild(msg.Key, t.cmp)
		n.Buffer(i).Enqueue(msg)
		n.Parts[i].Est.Exact = false
	case msg.Kind.AppliesAll():
		for i := range n.Parts {
			n.Buffer(i).Enqueue(msg)
			n.Parts[i].Est.Exact = false
		}
	case msg.Kind.DoesNothing():
		return
	default:
		panic("unroutable message kind")
	}
	n.Dirty = true
}

// applyToInMemoryNonRootLeaves walks the resident part of the subtree and
// applies msg to every leaf it reaches, so warm leaves never go stale.
func (t *Tree) applyToInMemoryNonRootLeaves(block blocktable.BlockNum, msg *message.Msg) {
	t.applyInMemory(block, msg, true, nil, -1)
}

func (t *Tree) applyInMemory(block blocktable.BlockNum, msg *message.Msg, isRoot bool, parent *node.Node, parentSlot int) {
	v, ok := t.ct.MaybeGetAndPin(block)
	if !ok {
		return
	}
	n := v.(*node.Node)

	if n.Height > 0 {
		switch {
		case msg.Kind.AppliesOnce():
			i := n.WhichChild(msg.Key, t.cmp)
			t.applyInMemory(n.Parts[i].ChildBlock, msg, false, n, i)
		case msg.Kind.AppliesAll():
			for i := range n.Parts {
				t.applyInMemory(n.Parts[i].ChildBlock, msg, false, n, i)
			}
		}
	} else if !isRoot {
		// The root leaf already absorbed the message in RootPut.
		t.applyMsgToLeaf(n, msg)
	}

	if parent != nil {
		parent.FixupChildEstimate(parentSlot, n, false)
	}
	t.unpinNode(n)
}

// RunCheckpoint performs the whole checkpoint protocol under the exclusive
// engine lock: shadow the header, write the dirty nodes, serialize the
// shadow to the alternate slot, fsync and swap.
func (t *Tree) RunCheckpoint(lsn uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.hdr.BeginCheckpoint(lsn); err != nil {
		return err
	}
	if err := t.ct.FlushAll(true); err != nil {
		_ = t.hdr.EndCheckpoint(t.f)
		return t.hdr.SetPanic(err)
	}
	if err := t.hdr.Checkpoint(t.f); err != nil {
		_ = t.hdr.EndCheckpoint(t.f)
		return err
	}
	return t.hdr.EndCheckpoint(t.f)
}

// BeginCheckpoint shadows the header and opens a translation epoch. The
// three-phase entry points serve callers coordinating checkpoints across
// several dictionaries; such callers must exclude writers themselves.
func (t *Tree) BeginCheckpoint(lsn uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hdr.BeginCheckpoint(lsn)
}

// Checkpoint writes the dirty nodes and the shadow header.
func (t *Tree) Checkpoint() error {
	if err := t.hdr.Panicked(); err != nil {
		return err
	}
	if err := t.ct.FlushAll(true); err != nil {
		return t.hdr.SetPanic(err)
	}
	return t.hdr.Checkpoint(t.f)
}

// EndCheckpoint fsyncs, adopts the checkpoint and retires the epoch.
func (t *Tree) EndCheckpoint() error {
	return t.hdr.EndCheckpoint(t.f)
}

// Flush writes every dirty node without a header checkpoint.
func (t *Tree) Flush() error {
	if err := t.hdr.Panicked(); err != nil {
		return err
	}
	if err := t.ct.FlushAll(false); err != nil {
		return t.hdr.SetPanic(err)
	}
	return nil
}

// Truncate discards every record: the tree becomes a single empty leaf
// root. The caller holds the engine lock exclusively.
func (t *Tree) Truncate() error {
	if err := t.hdr.Panicked(); err != nil {
		return err
	}

	// Every existing block is garbage now; drop the resident copies (some
	// dirty nodes may never have been written) and recycle the numbers.
	for _, b := range t.ct.ResidentBlocks() {
		t.ct.Discard(b)
	}
	for _, b := range t.hdr.BT.LiveBlocks() {
		t.hdr.BT.FreeBlockNum(b)
	}

	rootBlock := t.hdr.BT.AllocateBlockNum()
	root := node.NewEmpty(rootBlock, 0, 1, t.hdr.Nodesize, t.hdr.Flags)
	root.FullHash = fullHash(rootBlock)
	root.MaxMSNInMemory = t.hdr.MSN
	root.MaxMSNOnDisk = t.hdr.MSN

	t.hdr.Root = rootBlock
	t.hdr.RootHash = root.FullHash
	t.hdr.Dirty = true
	t.hdr.RootPutCounter++

	t.ct.Put(rootBlock, root.FullHash, root, root.MemorySize())
	t.ct.Unpin(rootBlock, true, root.MemorySize())
	return nil
}

// ChangeDescriptor replaces the user descriptor blob in the header.
func (t *Tree) ChangeDescriptor(desc []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.hdr.Panicked(); err != nil {
		return err
	}
	cp := make([]byte, len(desc))
	copy(cp, desc)
	t.hdr.Descriptor = cp
	t.hdr.Dirty = true
	return nil
}

// Header exposes the header to the public layer.
func (t *Tree) Header() *header.Header { return t.hdr }

// Compare exposes the comparator to the public layer.
func (t *Tree) Compare() node.Compare { return t.cmp }

// Lock returns the engine lock.
func (t *Tree) Lock() *sync.RWMutex { return &t.mu }

// Close flushes everything and runs a final checkpoint so the header is
// durable. When a panic is latched, nothing is written and the panic error
// is returned.
func (t *Tree) Close(lsn uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.hdr.Panicked(); err != nil {
		return err
	}
	if t.hdr.Dirty {
		if err := t.hdr.BeginCheckpoint(lsn); err != nil {
			return err
		}
		if err := t.ct.FlushAll(true); err != nil {
			return t.hdr.SetPanic(err)
		}
		if err := t.hdr.Checkpoint(t.f); err != nil {
			return err
		}
		if err := t.hdr.EndCheckpoint(t.f); err != nil {
			return err
		}
	}
	return nil
}
