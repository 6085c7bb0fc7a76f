// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package actor provides the control invoker: a single goroutine
// that runs posted closures one at a time, in FIFO order. State owned
// by the invoker (jobs, the job controller) is only read or written
// by closures running on it, so it needs no locking.
package actor

import (
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned by Call after Stop.
var ErrStopped = errors.New("invoker stopped")

// Invoker runs closures sequentially on a dedicated goroutine. The
// queue is unbounded, so Post never blocks, even when called from a
// closure running on the invoker itself.
type Invoker struct {
	mtx     sync.Mutex
	queue   []func()
	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New returns a running Invoker.
func New() *Invoker {
	inv := &Invoker{
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go inv.run()
	return inv
}

func (inv *Invoker) run() {
	defer close(inv.stopped)
	for {
		inv.mtx.Lock()
		todo := inv.queue
		inv.queue = nil
		inv.mtx.Unlock()
		for _, f := range todo {
			select {
			case <-inv.stop:
				return
			default:
			}
			f()
		}
		if len(todo) > 0 {
			continue
		}
		select {
		case <-inv.wake:
		case <-inv.stop:
			return
		}
	}
}

// Post queues f to run on the invoker. It returns immediately.
// Closures posted after Stop are discarded.
func (inv *Invoker) Post(f func()) {
	inv.mtx.Lock()
	inv.queue = append(inv.queue, f)
	inv.mtx.Unlock()
	select {
	case inv.wake <- struct{}{}:
	default:
	}
}

// Call runs f on the invoker and waits for it to return. It must not
// be called from a closure running on the invoker.
func (inv *Invoker) Call(f func()) error {
	done := make(chan struct{})
	inv.Post(func() {
		defer close(done)
		f()
	})
	select {
	case <-done:
		return nil
	case <-inv.stopped:
		return ErrStopped
	}
}

// After posts f to the invoker after d has elapsed. The returned
// timer can be stopped to cancel it.
func (inv *Invoker) After(d time.Duration, f func()) *time.Timer {
	return time.AfterFunc(d, func() { inv.Post(f) })
}

// Stop stops the invoker. Closures that have not started yet are
// discarded. Stop waits for the currently running closure, if any,
// to return.
func (inv *Invoker) Stop() {
	inv.once.Do(func() { close(inv.stop) })
	<-inv.stopped
}
