// Package cos provides common low-level utilities for the strata core.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package cos

import (
	"sync"
)

type (
	// StopCh is a specialized channel for stopping things.
	StopCh struct {
		once sync.Once
		ch   chan struct{}
	}

	// NotifyCh is a broadcast point for condition-style waits: every state
	// transition that could satisfy a waiter calls Broadcast, which wakes
	// all current waiters at once. Waiters grab Listen() under the same
	// lock that guards the awaited state, release the lock, and select on
	// the returned channel (typically against a context).
	NotifyCh struct {
		mu sync.Mutex
		ch chan struct{}
	}
)

func NewStopCh() *StopCh {
	s := &StopCh{}
	s.Init()
	return s
}

func (s *StopCh) Init()                   { s.ch = make(chan struct{}) }
func (s *StopCh) Listen() <-chan struct{} { return s.ch }
func (s *StopCh) Close()                  { s.once.Do(func() { close(s.ch) }) }

func NewNotifyCh() *NotifyCh {
	return &NotifyCh{ch: make(chan struct{})}
}

func (n *NotifyCh) Listen() <-chan struct{} {
	n.mu.Lock()
	ch := n.ch
	n.mu.Unlock()
	return ch
}

func (n *NotifyCh) Broadcast() {
	n.mu.Lock()
	close(n.ch)
	n.ch = make(chan struct{})
	n.mu.Unlock()
}
