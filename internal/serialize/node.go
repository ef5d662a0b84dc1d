// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Package serialize is the node wire codec.
//
// A node block is a fixed head, a partition directory, and one sub-block
// per partition. Sub-blocks are snappy-compressed and individually
// checksummed, so a partial fetch can validate and decode a single
// partition without touching its siblings. The head and directory carry
// their own checksum.
package serialize

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"

	"github.com/scigolib/buffertree/internal/blocktable"
	"github.com/scigolib/buffertree/internal/leafentry"
	"github.com/scigolib/buffertree/internal/message"
	"github.com/scigolib/buffertree/internal/node"
	"github.com/scigolib/buffertree/internal/utils"
)

// NodeSignature opens every serialized node block.
const NodeSignature = "BTND"

// EncodeNode serializes n. Every partition must be available or still hold
// its compressed image; on-disk partitions cannot be re-serialized.
func EncodeNode(n *node.Node) ([]byte, error) {
	subs := make([][]byte, n.NChildren())
	for i := range n.Parts {
		p := &n.Parts[i]
		switch p.State {
		case node.StateAvailable:
			var payload []byte
			if n.Height == 0 {
				payload = encodeBasement(p.BN)
			} else {
				payload = encodeBuffer(p.Buf)
			}
			subs[i] = packSubBlock(payload)
		case node.StateCompressed:
			subs[i] = p.Compressed
		default:
			return nil, fmt.Errorf("node %d: cannot serialize partition %d in state %s",
				n.Block, i, p.State)
		}
	}

	head := make([]byte, 0, 256)
	head = append(head, NodeSignature...)
	head = utils.AppendUint32(head, n.LayoutVersion)
	head = utils.AppendUint32(head, uint32(n.Height))
	head = utils.AppendUint32(head, n.Flags)
	head = utils.AppendUint32(head, n.Nodesize)
	head = utils.AppendUint32(head, uint32(n.NChildren()))
	head = utils.AppendUint64(head, uint64(n.MaxMSNInMemory))
	for _, p := range n.Pivots {
		head = utils.AppendBytes(head, p)
	}

	// Directory: per partition, the child linkage, estimate, and sub-block
	// extent (offsets are assigned after the directory size is known).
	dir := make([]byte, 0, 64*n.NChildren())
	offsets := make([]uint64, n.NChildren())
	var running uint64
	for i := range subs {
		offsets[i] = running
		running += uint64(len(subs[i]))
	}
	for i := range n.Parts {
		p := &n.Parts[i]
		dir = utils.AppendUint64(dir, uint64(p.ChildBlock))
		dir = utils.AppendUint32(dir, p.FullHash)
		dir = utils.AppendUint64(dir, p.Est.NKeys)
		dir = utils.AppendUint64(dir, p.Est.NData)
		dir = utils.AppendUint64(dir, p.Est.DSize)
		if p.Est.Exact {
			dir = append(dir, 1)
		} else {
			dir = append(dir, 0)
		}
		dir = utils.AppendUint64(dir, offsets[i])
		dir = utils.AppendUint64(dir, uint64(len(subs[i])))
	}

	out := make([]byte, 0, len(head)+len(dir)+16+int(running))
	out = utils.AppendUint32(out, uint32(len(head)+len(dir)))
	out = append(out, head...)
	out = append(out, dir...)
	out = utils.AppendUint64(out, xxhash.Sum64(out))
	for i := range subs {
		out = append(out, subs[i]...)
	}
	return out, nil
}

// packSubBlock compresses payload and frames it with lengths and checksum.
func packSubBlock(payload []byte) []byte {
	compressed := snappy.Encode(nil, payload)
	out := make([]byte, 0, len(compressed)+16)
	out = utils.AppendUint32(out, uint32(len(compressed)))
	out = utils.AppendUint32(out, uint32(len(payload)))
	out = append(out, compressed...)
	out = utils.AppendUint64(out, xxhash.Sum64(compressed))
	return out
}

// unpackSubBlock validates and decompresses one framed sub-block.
func unpackSubBlock(raw []byte) ([]byte, error) {
	r := utils.NewReader(raw)
	clen, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	ulen, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if r.Remaining() < int(clen)+8 {
		return nil, fmt.Errorf("truncated sub-block: need %d bytes, have %d", clen+8, r.Remaining())
	}
	compressed := raw[8 : 8+clen]
	sumr := utils.NewReader(raw[8+clen:])
	stored, err := sumr.Uint64()
	if err != nil {
		return nil, err
	}
	if stored != xxhash.Sum64(compressed) {
		return nil, fmt.Errorf("sub-block checksum mismatch")
	}
	payload, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, utils.WrapError("sub-block decompress failed", err)
	}
	if len(payload) != int(ulen) {
		return nil, fmt.Errorf("sub-block length mismatch: got %d, want %d", len(payload), ulen)
	}
	return payload, nil
}

func encodeBuffer(buf *node.MessageBuffer) []byte {
	out := make([]byte, 0, buf.Bytes()+16)
	out = utils.AppendUint32(out, uint32(buf.Len()))
	buf.Iterate(func(m *message.Msg) {
		out = append(out, byte(m.Kind))
		out = utils.AppendUint64(out, uint64(m.MSN))
		out = append(out, byte(len(m.XIDs)))
		for _, x := range m.XIDs {
			out = utils.AppendUint64(out, uint64(x))
		}
		out = utils.AppendBytes(out, m.Key)
		out = utils.AppendBytes(out, m.Val)
	})
	return out
}

func decodeBuffer(payload []byte) (*node.MessageBuffer, error) {
	r := utils.NewReader(payload)
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	buf := node.NewMessageBuffer()
	for i := uint32(0); i < n; i++ {
		kind, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		msn, err := r.Uint64()
		if err != nil {
			return nil, err
		}
		nx, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		var xids message.XIDStack
		for j := uint8(0); j < nx; j++ {
			x, err := r.Uint64()
			if err != nil {
				return nil, err
			}
			xids = append(xids, message.TxnID(x))
		}
		key, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		val, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		buf.Enqueue(&message.Msg{
			Kind: message.Kind(kind),
			MSN:  message.MSN(msn),
			XIDs: xids,
			Key:  key,
			Val:  val,
		})
	}
	return buf, nil
}

func encodeBasement(bn *node.Basement) []byte {
	out := make([]byte, 0, bn.NBytes()+16)
	out = utils.AppendUint32(out, bn.OptimizedForUpgrade())
	out = utils.AppendUint32(out, uint32(bn.Len()))
	for i := 0; i < bn.Len(); i++ {
		e := bn.At(i)
		out = utils.AppendBytes(out, e.Key())
		out = append(out, byte(e.NumCommitted()))
		for j := 0; j < e.NumCommitted(); j++ {
			out = appendVersion(out, e.CommittedAt(j))
		}
		out = append(out, byte(e.NumProvisional()))
		for j := 0; j < e.NumProvisional(); j++ {
			out = appendProvisional(out, e, j)
		}
	}
	return out
}

func appendVersion(out []byte, v *leafentry.Version) []byte {
	out = utils.AppendUint64(out, uint64(v.RootXID))
	if v.Del {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	return utils.AppendBytes(out, v.Val)
}

func appendProvisional(out []byte, e *leafentry.Entry, j int) []byte {
	v := e.ProvisionalAt(j)
	out = utils.AppendUint64(out, uint64(v.OwnerXID))
	return appendVersion(out, v)
}

func decodeBasement(payload []byte) (*node.Basement, error) {
	r := utils.NewReader(payload)
	optim, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	bn := node.NewBasement()
	bn.SetOptimizedForUpgrade(optim)
	for i := uint32(0); i < n; i++ {
		key, err := r.Bytes()
		if err != nil {
			return nil, err
		}
		nc, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		committed := make([]leafentry.Version, 0, nc)
		for j := uint8(0); j < nc; j++ {
			v, err := readVersion(r, 0)
			if err != nil {
				return nil, err
			}
			committed = append(committed, *v)
		}
		np, err := r.Uint8()
		if err != nil {
			return nil, err
		}
		prov := make([]leafentry.Version, 0, np)
		for j := uint8(0); j < np; j++ {
			owner, err := r.Uint64()
			if err != nil {
				return nil, err
			}
			v, err := readVersion(r, message.TxnID(owner))
			if err != nil {
				return nil, err
			}
			prov = append(prov, *v)
		}
		bn.AppendLoaded(leafentry.Rebuild(key, committed, prov))
	}
	// A basement straight off disk has not seen the messages still buffered
	// above it.
	bn.SetSoftCopyUpToDate(false)
	return bn, nil
}

func readVersion(r *utils.Reader, owner message.TxnID) (*leafentry.Version, error) {
	root, err := r.Uint64()
	if err != nil {
		return nil, err
	}
	del, err := r.Uint8()
	if err != nil {
		return nil, err
	}
	val, err := r.Bytes()
	if err != nil {
		return nil, err
	}
	v := &leafentry.Version{
		OwnerXID: owner,
		RootXID:  message.TxnID(root),
		Del:      del == 1,
	}
	if !v.Del {
		v.Val = val
	}
	return v, nil
}

// parsedHead is the decoded fixed head plus directory.
type parsedHead struct {
	layoutVersion uint32
	height        int
	flags         uint32
	nodesize      uint32
	nChildren     int
	msn           message.MSN
	pivots        [][]byte
	dir           []dirEntry
	subsStart     int
}

type dirEntry struct {
	childBlock blocktable.BlockNum
	fullHash   uint32
	est        node.SubtreeEstimate
	off        uint64
	length     uint64
}

func parseHead(raw []byte) (*parsedHead, error) {
	r := utils.NewReader(raw)
	headLen, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if len(raw) < 4+int(headLen)+8 {
		return nil, fmt.Errorf("truncated node block")
	}
	stored := raw[4+headLen : 4+headLen+8]
	sum := xxhash.Sum64(raw[:4+headLen])
	sr := utils.NewReader(stored)
	want, _ := sr.Uint64()
	if want != sum {
		return nil, fmt.Errorf("node head checksum mismatch")
	}

	if string(raw[4:8]) != NodeSignature {
		return nil, fmt.Errorf("bad node signature")
	}
	hr := utils.NewReader(raw[8 : 4+headLen])
	layout, err := hr.Uint32()
	if err != nil {
		return nil, err
	}
	height, err := hr.Uint32()
	if err != nil {
		return nil, err
	}
	flags, err := hr.Uint32()
	if err != nil {
		return nil, err
	}
	nodesize, err := hr.Uint32()
	if err != nil {
		return nil, err
	}
	nChildren, err := hr.Uint32()
	if err != nil {
		return nil, err
	}
	msn, err := hr.Uint64()
	if err != nil {
		return nil, err
	}

	ph := &parsedHead{
		layoutVersion: layout,
		height:        int(height),
		flags:         flags,
		nodesize:      nodesize,
		nChildren:     int(nChildren),
		msn:           message.MSN(msn),
		subsStart:     4 + int(headLen) + 8,
	}
	for i := 0; i < ph.nChildren-1; i++ {
		p, err := hr.Bytes()
		if err != nil {
			return nil, err
		}
		ph.pivots = append(ph.pivots, p)
	}
	for i := 0; i < ph.nChildren; i++ {
		var d dirEntry
		cb, err := hr.Uint64()
		if err != nil {
			return nil, err
		}
		d.childBlock = blocktable.BlockNum(cb)
		if d.fullHash, err = hr.Uint32(); err != nil {
			return nil, err
		}
		if d.est.NKeys, err = hr.Uint64(); err != nil {
			return nil, err
		}
		if d.est.NData, err = hr.Uint64(); err != nil {
			return nil, err
		}
		if d.est.DSize, err = hr.Uint64(); err != nil {
			return nil, err
		}
		exact, err := hr.Uint8()
		if err != nil {
			return nil, err
		}
		d.est.Exact = exact == 1
		if d.off, err = hr.Uint64(); err != nil {
			return nil, err
		}
		if d.length, err = hr.Uint64(); err != nil {
			return nil, err
		}
		ph.dir = append(ph.dir, d)
	}
	return ph, nil
}

// DecodeNode rebuilds a node from its block image. With fullRead every
// partition is decoded; otherwise only childToRead is (pass a negative
// child to decode none), the rest keeping their compressed images for
// later partial fetch.
func DecodeNode(raw []byte, block blocktable.BlockNum, fullRead bool, childToRead int) (*node.Node, error) {
	ph, err := parseHead(raw)
	if err != nil {
		return nil, utils.WrapError("node decode failed", err)
	}

	n := &node.Node{
		Block:          block,
		Height:         ph.height,
		Nodesize:       ph.nodesize,
		LayoutVersion:  ph.layoutVersion,
		Flags:          ph.flags,
		MaxMSNInMemory: ph.msn,
		MaxMSNOnDisk:   ph.msn,
		Pivots:         ph.pivots,
		Parts:          make([]node.Partition, ph.nChildren),
	}
	for i := range n.Parts {
		d := ph.dir[i]
		p := &n.Parts[i]
		p.ChildBlock = d.childBlock
		p.FullHash = d.fullHash
		p.HaveFullHash = d.fullHash != 0
		p.Est = d.est

		sub := raw[ph.subsStart+int(d.off) : ph.subsStart+int(d.off)+int(d.length)]
		if fullRead || i == childToRead {
			if err := decodePartitionPayload(n, i, sub); err != nil {
				return nil, err
			}
		} else {
			img := make([]byte, len(sub))
			copy(img, sub)
			p.State = node.StateCompressed
			p.Compressed = img
		}
	}
	return n, nil
}

// DecodePartitionFromRaw decodes partition i of n out of the node's block
// image; used when a partition was evicted all the way to on-disk state.
func DecodePartitionFromRaw(raw []byte, n *node.Node, i int) error {
	ph, err := parseHead(raw)
	if err != nil {
		return utils.WrapError("node decode failed", err)
	}
	if i < 0 || i >= len(ph.dir) {
		return fmt.Errorf("partition %d out of range", i)
	}
	d := ph.dir[i]
	sub := raw[ph.subsStart+int(d.off) : ph.subsStart+int(d.off)+int(d.length)]
	return decodePartitionPayload(n, i, sub)
}

// DecodePartitionInPlace decodes a partition that still holds its
// compressed image.
func DecodePartitionInPlace(n *node.Node, i int) error {
	p := &n.Parts[i]
	if p.State != node.StateCompressed {
		return fmt.Errorf("partition %d is %s, expected compressed", i, p.State)
	}
	return decodePartitionPayload(n, i, p.Compressed)
}

func decodePartitionPayload(n *node.Node, i int, sub []byte) error {
	payload, err := unpackSubBlock(sub)
	if err != nil {
		return utils.WrapError(fmt.Sprintf("partition %d decode failed", i), err)
	}
	p := &n.Parts[i]
	if n.Height == 0 {
		bn, err := decodeBasement(payload)
		if err != nil {
			return err
		}
		p.BN = bn
	} else {
		buf, err := decodeBuffer(payload)
		if err != nil {
			return err
		}
		p.Buf = buf
	}
	p.State = node.StateAvailable
	p.Compressed = nil
	return nil
}

// CompressPartition turns an available partition back into its compressed
// image (partial eviction step one). The caller must ensure the node is
// clean.
func CompressPartition(n *node.Node, i int) error {
	p := &n.Parts[i]
	if p.State != node.StateAvailable {
		return fmt.Errorf("partition %d is %s, expected available", i, p.State)
	}
	var payload []byte
	if n.Height == 0 {
		payload = encodeBasement(p.BN)
	} else {
		payload = encodeBuffer(p.Buf)
	}
	p.Compressed = packSubBlock(payload)
	p.BN = nil
	p.Buf = nil
	p.State = node.StateCompressed
	return nil
}
