// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageStream_EnqueueThenNext(t *testing.T) {
	s := New()
	s.Enqueue(Message{Content: "hello"})
	msg, ok := s.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, "hello", msg.Content)
}

func TestMessageStream_NextThenEnqueue_HandsOffDirectly(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	wg.Add(1)
	var got *Message
	go func() {
		defer wg.Done()
		m, ok := s.Next(context.Background())
		require.True(t, ok)
		got = m
	}()
	time.Sleep(20 * time.Millisecond)
	s.Enqueue(Message{Content: "direct"})
	wg.Wait()
	assert.Equal(t, "direct", got.Content)
}

func TestMessageStream_EndUnblocksWaiters(t *testing.T) {
	s := New()
	done := make(chan bool, 1)
	go func() {
		_, ok := s.Next(context.Background())
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	s.End()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Next did not unblock after End")
	}
}

func TestMessageStream_EnqueueAfterEndIsNoop(t *testing.T) {
	s := New()
	s.End()
	s.Enqueue(Message{Content: "too late"})
	_, ok := s.Next(context.Background())
	assert.False(t, ok)
}

func TestMessageStream_FIFOOrder(t *testing.T) {
	s := New()
	s.Enqueue(Message{Content: "1"})
	s.Enqueue(Message{Content: "2"})
	s.Enqueue(Message{Content: "3"})

	for _, want := range []string{"1", "2", "3"} {
		m, ok := s.Next(context.Background())
		require.True(t, ok)
		assert.Equal(t, want, m.Content)
	}
}

func TestMessageStream_NextRespectsContextCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := s.Next(ctx)
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Next did not respect context cancellation")
	}
}
