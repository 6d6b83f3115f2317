// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package stream implements MessageStream, the bounded single-producer/
// single-consumer channel of user messages fed into an active session.
package stream

import (
	"context"
	"log"
	"sync"
)

// Message is one user-origin message enqueued into a session's input stream.
type Message struct {
	Content         string
	ParentToolUseID string
	SessionID       string
}

// MessageStream is a FIFO of pending user messages for one session, plus a
// terminal "ended" state. It mirrors the teacher's subscriber-channel idiom
// in internal/claude/manager.go: a mutex guards whether the stream may still
// accept sends, so enqueue-after-end is a safe no-op rather than a panic.
type MessageStream struct {
	mu      sync.Mutex
	ended   bool
	buf     []Message
	waiters []chan *Message // parked consumers, oldest first
}

// New creates an empty, not-yet-ended MessageStream.
func New() *MessageStream {
	return &MessageStream{}
}

// Enqueue adds a message to the stream. If the stream has ended, the call is
// a no-op (logged). If a consumer is already blocked in Next, the message is
// handed directly to the oldest one; otherwise it is buffered.
func (s *MessageStream) Enqueue(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		log.Printf("runner: enqueue on ended message stream ignored")
		return
	}

	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		m := msg
		w <- &m
		close(w)
		return
	}

	s.buf = append(s.buf, msg)
}

// End transitions the stream to its terminal state. Every consumer currently
// blocked in Next, and every subsequent call to Next, receives (nil, false).
func (s *MessageStream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended {
		return
	}
	s.ended = true
	for _, w := range s.waiters {
		close(w)
	}
	s.waiters = nil
}

// Next blocks until a message is available, the stream ends, or ctx is
// canceled. ok is false once the stream has ended and no buffered messages
// remain, or if ctx is canceled first.
func (s *MessageStream) Next(ctx context.Context) (msg *Message, ok bool) {
	s.mu.Lock()
	if len(s.buf) > 0 {
		m := s.buf[0]
		s.buf = s.buf[1:]
		s.mu.Unlock()
		return &m, true
	}
	if s.ended {
		s.mu.Unlock()
		return nil, false
	}

	ch := make(chan *Message, 1)
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case m, chOk := <-ch:
		if !chOk {
			return nil, false
		}
		return m, true
	case <-ctx.Done():
		return nil, false
	}
}
