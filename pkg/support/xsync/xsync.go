// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements the synchronization tools used to track in-flight transfers.
package xsync

import (
	"sync"

	"github.com/pkg/errors"
)

// Latch is a one-shot signal: once triggered it stays triggered forever.
type Latch struct {
	once sync.Once
	wait chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{wait: make(chan struct{})}
}

// Trigger the latch. Triggering more than once is a no-op.
func (l *Latch) Trigger() {
	l.once.Do(func() { close(l.wait) })
}

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// Test checks whether the latch has been triggered.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns a channel closed when the latch triggers, to be used in a `select`.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}

// LatchWithValue is a Latch that carries a value, set by the first Trigger.
type LatchWithValue[T any] struct {
	once  sync.Once
	value T
	wait  chan struct{}
}

// NewLatchWithValue returns an un-triggered latch.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{wait: make(chan struct{})}
}

// Trigger the latch with the given value. Subsequent triggers are discarded.
func (l *LatchWithValue[T]) Trigger(value T) {
	l.once.Do(func() {
		l.value = value
		close(l.wait)
	})
}

// Wait blocks until the latch is triggered and returns its value.
func (l *LatchWithValue[T]) Wait() T {
	<-l.wait
	return l.value
}

// Test checks whether the latch has been triggered.
func (l *LatchWithValue[T]) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns a channel closed when the latch triggers. Read the value with Wait afterwards.
func (l *LatchWithValue[T]) WaitChan() <-chan struct{} {
	return l.wait
}

// Countdown is a one-shot counter that triggers once it has been decremented down to zero.
//
// Unlike sync.WaitGroup, completion can be selected on (see WaitChan), and the first error
// reported with Fail is kept.
type Countdown struct {
	mu        sync.Mutex
	remaining int
	err       error
	done      *Latch
}

// NewCountdown creates a Countdown for n events. If n == 0 it is created already triggered.
func NewCountdown(n int) *Countdown {
	if n < 0 {
		panic(errors.Errorf("xsync.NewCountdown(%d): negative count", n))
	}
	c := &Countdown{remaining: n, done: NewLatch()}
	if n == 0 {
		c.done.Trigger()
	}
	return c
}

// Done decrements the counter by one. It panics if the counter goes negative.
func (c *Countdown) Done() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remaining--
	if c.remaining < 0 {
		panic(errors.New("xsync.Countdown: negative counter"))
	}
	if c.remaining == 0 {
		c.done.Trigger()
	}
}

// Fail records err, if it is the first one, and decrements the counter.
func (c *Countdown) Fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.Done()
}

// Wait blocks until the counter reaches zero, and returns the first error reported with Fail.
func (c *Countdown) Wait() error {
	c.done.Wait()
	return c.Err()
}

// Err returns the first error reported with Fail so far.
func (c *Countdown) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// WaitChan returns a channel closed when the counter reaches zero.
func (c *Countdown) WaitChan() <-chan struct{} {
	return c.done.WaitChan()
}
