// Package hk provides the delayed-work scheduler shared by the strata
// core: registered callbacks are invoked at (and reschedule themselves by
// returning) deadlines kept in a single priority queue.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package hk

import (
	"container/heap"
	"time"

	"github.com/stratastore/strata/cmn/cos"
	"github.com/stratastore/strata/cmn/debug"
	"github.com/stratastore/strata/cmn/mono"
	"github.com/stratastore/strata/cmn/nlog"
)

const workChanCap = 48

// UnregInterval, returned from a callback, unregisters it.
const UnregInterval = 365 * 24 * time.Hour

type (
	// Callback receives the current monotonic time and returns the delay
	// until its next invocation (UnregInterval to stop).
	Callback func(now int64) time.Duration

	op struct {
		f        Callback
		name     string
		interval time.Duration
	}

	timedAction struct {
		f        Callback
		name     string
		deadline int64 // mono ns
	}
	timedActions []timedAction

	Housekeeper struct {
		stopCh  cos.StopCh
		actions *timedActions
		timer   *time.Timer
		workCh  chan op
	}
)

/////////////////////////////////
// timedActions (min-heap)     //
/////////////////////////////////

func (t timedActions) Len() int            { return len(t) }
func (t timedActions) Less(i, j int) bool  { return t[i].deadline < t[j].deadline }
func (t timedActions) Swap(i, j int)       { t[i], t[j] = t[j], t[i] }
func (t *timedActions) Push(x any)         { *t = append(*t, x.(timedAction)) }
func (t *timedActions) Pop() any {
	old := *t
	n := len(old)
	item := old[n-1]
	*t = old[:n-1]
	return item
}

/////////////////
// Housekeeper //
/////////////////

func New() *Housekeeper {
	h := &Housekeeper{
		workCh:  make(chan op, workChanCap),
		actions: &timedActions{},
	}
	h.stopCh.Init()
	heap.Init(h.actions)
	go h.run()
	return h
}

// Reg schedules f to first run after interval. A later Reg with the same
// name tombstones the prior entry (dropped when popped, never removed from
// the middle of the queue).
func (h *Housekeeper) Reg(name string, f Callback, interval time.Duration) {
	debug.Assert(interval != UnregInterval)
	h.workCh <- op{name: name, f: f, interval: interval}
	if l := len(h.workCh); l >= workChanCap-workChanCap>>3 {
		nlog.Errorln("hk work channel almost full, len", l)
	}
}

func (h *Housekeeper) Unreg(name string) {
	h.workCh <- op{name: name, interval: UnregInterval}
}

func (h *Housekeeper) Stop() { h.stopCh.Close() }

func (h *Housekeeper) run() {
	h.timer = time.NewTimer(time.Hour)
	defer h.timer.Stop()
	for {
		select {
		case <-h.timer.C:
			h.trigger()
		case o := <-h.workCh:
			h.update(o)
		case <-h.stopCh.Listen():
			return
		}
	}
}

func (h *Housekeeper) update(o op) {
	// tombstone any existing entry under the same name
	for i := range *h.actions {
		if (*h.actions)[i].name == o.name {
			(*h.actions)[i].f = nil
		}
	}
	if o.interval == UnregInterval {
		h.rearm()
		return
	}
	heap.Push(h.actions, timedAction{
		name:     o.name,
		f:        o.f,
		deadline: mono.NanoTime() + int64(o.interval),
	})
	h.rearm()
}

func (h *Housekeeper) trigger() {
	now := mono.NanoTime()
	for h.actions.Len() > 0 {
		next := (*h.actions)[0]
		if next.f == nil { // tombstoned
			heap.Pop(h.actions)
			continue
		}
		if next.deadline > now {
			break
		}
		heap.Pop(h.actions)
		interval := next.f(now)
		if interval != UnregInterval {
			next.deadline = now + int64(interval)
			heap.Push(h.actions, next)
		}
		now = mono.NanoTime()
	}
	h.rearm()
}

func (h *Housekeeper) rearm() {
	for h.actions.Len() > 0 && (*h.actions)[0].f == nil {
		heap.Pop(h.actions)
	}
	if h.actions.Len() == 0 {
		h.timer.Reset(time.Hour)
		return
	}
	d := time.Duration((*h.actions)[0].deadline - mono.NanoTime())
	if d < time.Millisecond {
		d = time.Millisecond
	}
	h.timer.Reset(d)
}
