// Copyright (c) 2025 SciGo BufferTree Library Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package node

import "github.com/scigolib/buffertree/internal/message"

// MessageBuffer is the FIFO of pending messages hanging off one nonleaf
// partition. Enqueue, head-peek and dequeue are O(1); the byte total feeds
// reactivity and heaviest-child selection.
type MessageBuffer struct {
	msgs  []*message.Msg
	head  int
	bytes uint64
}

// NewMessageBuffer returns an empty buffer.
func NewMessageBuffer() *MessageBuffer {
	return &MessageBuffer{}
}

// Len returns the number of queued messages.
func (b *MessageBuffer) Len() int {
	return len(b.msgs) - b.head
}

// Bytes returns the buffered byte total.
func (b *MessageBuffer) Bytes() uint64 {
	return b.bytes
}

// Enqueue appends msg.
func (b *MessageBuffer) Enqueue(msg *message.Msg) {
	b.msgs = append(b.msgs, msg)
	b.bytes += msg.BufferSize()
}

// Peek returns the head message without removing it, or nil when empty.
func (b *MessageBuffer) Peek() *message.Msg {
	if b.head >= len(b.msgs) {
		return nil
	}
	return b.msgs[b.head]
}

// Dequeue removes and returns the head message, or nil when empty.
func (b *MessageBuffer) Dequeue() *message.Msg {
	if b.head >= len(b.msgs) {
		return nil
	}
	m := b.msgs[b.head]
	b.msgs[b.head] = nil
	b.head++
	b.bytes -= m.BufferSize()
	if b.head == len(b.msgs) {
		b.msgs = b.msgs[:0]
		b.head = 0
	}
	return m
}

// Iterate calls fn for each queued message in FIFO order. fn must not
// mutate the buffer.
func (b *MessageBuffer) Iterate(fn func(*message.Msg)) {
	for i := b.head; i < len(b.msgs); i++ {
		fn(b.msgs[i])
	}
}
