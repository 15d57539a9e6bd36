// Package bus abstracts the messenger.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package bus

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/stratastore/strata/cmn"
	"github.com/stratastore/strata/cmn/nlog"
)

const lbQueueCap = 256

// Loopback is the in-process bus: every attached endpoint gets a dispatch
// goroutine draining an ordered queue. Tests can interpose a drop filter
// to simulate a lossy monitor link or a partition.
type Loopback struct {
	mu     sync.RWMutex
	eps    map[cmn.EntityAddr]*lbEndpoint
	dropFn func(Message) bool
}

type lbEndpoint struct {
	bus  *Loopback
	name cmn.EntityName
	addr cmn.EntityAddr
	h    Handler
	ch   chan Message
	stop chan struct{}
	once sync.Once
}

var _ Bus = (*Loopback)(nil)

func NewLoopback() *Loopback {
	return &Loopback{eps: make(map[cmn.EntityAddr]*lbEndpoint)}
}

// SetDropFn installs a filter invoked per message; returning true drops it.
func (lb *Loopback) SetDropFn(f func(Message) bool) {
	lb.mu.Lock()
	lb.dropFn = f
	lb.mu.Unlock()
}

func (lb *Loopback) Attach(name cmn.EntityName, addr cmn.EntityAddr, h Handler) (Endpoint, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if _, ok := lb.eps[addr]; ok {
		return nil, errors.Errorf("bus: %s already attached", addr)
	}
	ep := &lbEndpoint{
		bus:  lb,
		name: name,
		addr: addr,
		h:    h,
		ch:   make(chan Message, lbQueueCap),
		stop: make(chan struct{}),
	}
	lb.eps[addr] = ep
	go ep.dispatch()
	return ep, nil
}

func (lb *Loopback) MarkDown(addr cmn.EntityAddr) {
	lb.mu.Lock()
	ep, ok := lb.eps[addr]
	if ok {
		delete(lb.eps, addr)
	}
	lb.mu.Unlock()
	if ok {
		ep.shutdown()
	}
}

func (ep *lbEndpoint) Addr() cmn.EntityAddr { return ep.addr }

func (ep *lbEndpoint) Send(m Message) error {
	m.Src = ep.name
	m.SrcAddr = ep.addr
	lb := ep.bus
	lb.mu.RLock()
	dst, ok := lb.eps[m.DstAddr]
	drop := lb.dropFn != nil && lb.dropFn(m)
	lb.mu.RUnlock()
	if drop {
		return nil // lossy delivery is the peer's problem, not the sender's
	}
	if !ok {
		return errors.Wrapf(cmn.ErrNotFound, "bus: no endpoint at %s", m.DstAddr)
	}
	select {
	case dst.ch <- m:
		return nil
	case <-dst.stop:
		return errors.Wrapf(cmn.ErrNotFound, "bus: %s is down", m.DstAddr)
	}
}

func (ep *lbEndpoint) Close() {
	ep.bus.mu.Lock()
	delete(ep.bus.eps, ep.addr)
	ep.bus.mu.Unlock()
	ep.shutdown()
}

func (ep *lbEndpoint) shutdown() { ep.once.Do(func() { close(ep.stop) }) }

func (ep *lbEndpoint) dispatch() {
	for {
		select {
		case m := <-ep.ch:
			ep.h(m)
		case <-ep.stop:
			// drain what is already queued, then exit
			for {
				select {
				case m := <-ep.ch:
					nlog.Infof("bus: %s dropping %s from %s at shutdown", ep.name, m.Type, m.Src)
				default:
					return
				}
			}
		}
	}
}
