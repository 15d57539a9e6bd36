// Package mon implements the monitor side of map distribution and the map
// client.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package mon

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/stratastore/strata/bus"
	"github.com/stratastore/strata/cmap"
	"github.com/stratastore/strata/cmn"
	"github.com/stratastore/strata/cmn/cos"
	"github.com/stratastore/strata/cmn/nlog"
	"github.com/stratastore/strata/hk"
	"github.com/stratastore/strata/stats"
)

// Resend backoff: reset to base whenever a wanted map arrives, doubled on
// every unanswered resend up to the cap.
const (
	baseDelay = 200 * time.Millisecond
	maxDelay  = 30 * time.Second
)

const (
	hkGetTargetMap = "monc.get-targetmap"
	hkGetMonMap    = "monc.get-monmap"
	hkGetAuthMap   = "monc.get-authmap"
	hkUnmount      = "monc.unmount"
	hkStatfs       = "monc.statfs"
)

// Client keeps the monitor map and target map fresh: it requests maps with
// exponential-backoff resends against a sticky monitor, applies deltas in
// epoch order, and wakes anyone waiting on "epoch >= E".
type Client struct {
	mu   sync.Mutex // outermost lock of the client stack
	name cmn.EntityName
	fsid cmn.Fsid

	b  bus.Bus
	ep bus.Endpoint
	hk *hk.Housekeeper

	monmap  *cmap.MonMap
	tmap    *cmap.TargetMap
	authmap *cmap.AuthMap

	lastMon     int // sticky monitor; -1 until one answers
	wantTarget  cmn.Epoch
	needFull    bool
	targetDelay time.Duration
	wantMonmap  cmn.Epoch
	monDelay    time.Duration
	wantAuthmap cmn.Epoch
	authDelay   time.Duration

	lastTid uint64
	statfsq map[uint64]chan Statfs

	mounted   bool
	unmountCh chan struct{}

	notify *cos.NotifyCh

	// invoked (without the client lock) after every target-map change so
	// that outstanding work can be re-routed
	OnTargetMapChange func(*cmap.TargetMap)
}

// NewClient attaches a map client to the bus. seed is the initial monitor
// map (from mount configuration); it is replaced by the first authoritative
// monmap reply.
func NewClient(name cmn.EntityName, addr cmn.EntityAddr, seed *cmap.MonMap, b bus.Bus, h *hk.Housekeeper) (*Client, error) {
	c := &Client{
		name:        name,
		fsid:        seed.Fsid,
		b:           b,
		hk:          h,
		monmap:      seed,
		lastMon:     -1,
		targetDelay: baseDelay,
		monDelay:    baseDelay,
		authDelay:   baseDelay,
		statfsq:     make(map[uint64]chan Statfs),
		unmountCh:   make(chan struct{}),
		notify:      cos.NewNotifyCh(),
		mounted:     true,
	}
	ep, err := b.Attach(name, addr, c.handle)
	if err != nil {
		return nil, err
	}
	c.ep = ep
	return c, nil
}

func (c *Client) Close() {
	c.hk.Unreg(hkGetTargetMap)
	c.hk.Unreg(hkGetMonMap)
	c.hk.Unreg(hkGetAuthMap)
	c.hk.Unreg(hkUnmount)
	c.hk.Unreg(hkStatfs)
	c.ep.Close()
}

// pickMon returns the sticky monitor if one has answered, else a uniformly
// random member of the monmap.
func (c *Client) pickMon() MonInst {
	if c.lastMon >= 0 && c.lastMon < c.monmap.NumMon() {
		return c.monmap.Mons[c.lastMon]
	}
	i := rand.IntN(c.monmap.NumMon())
	c.lastMon = i
	return c.monmap.Mons[i]
}

// confirmMon makes the replying monitor sticky.
func (c *Client) confirmMon(addr cmn.EntityAddr) {
	for i := range c.monmap.Mons {
		if c.monmap.Mons[i].Addr.Equal(addr) {
			c.lastMon = i
			return
		}
	}
}

func (c *Client) send(t bus.MsgType, data []byte) {
	mon := c.pickMon()
	err := c.ep.Send(bus.Message{
		Type:    t,
		Dst:     cmn.EntityName{Type: cmn.EntityMon, Num: int32(mon.Rank)},
		DstAddr: mon.Addr,
		Data:    data,
	})
	if err != nil {
		nlog.Warningf("monc: send %s to mon%d: %v", t, mon.Rank, err)
	}
}

//
// target map
//

// TargetMap returns the current map handle (snapshot-stable; nil before
// the first fetch).
func (c *Client) TargetMap() *cmap.TargetMap {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tmap
}

func (c *Client) haveTarget() cmn.Epoch {
	if c.tmap == nil {
		return 0
	}
	return c.tmap.Epoch
}

// RequestTargetMap asks the monitors for epoch >= want and keeps resending
// with exponential backoff until one arrives.
func (c *Client) RequestTargetMap(want cmn.Epoch) {
	c.mu.Lock()
	if want <= c.haveTarget() || (c.wantTarget != 0 && want <= c.wantTarget) {
		c.mu.Unlock()
		return
	}
	c.wantTarget = want
	c.targetDelay = baseDelay
	c.sendGetTargetMap()
	d := c.targetDelayNext()
	c.mu.Unlock()
	c.hk.Reg(hkGetTargetMap, c.resendGetTargetMap, d)
}

func (c *Client) sendGetTargetMap() {
	req := GetMapReq{Fsid: c.fsid, Have: c.haveTarget(), WantFull: c.needFull}
	c.send(bus.MsgGetTargetMap, req.Encode())
}

func (c *Client) targetDelayNext() time.Duration {
	d := c.targetDelay
	c.targetDelay = min(c.targetDelay*2, maxDelay)
	return d
}

func (c *Client) resendGetTargetMap(int64) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wantTarget == 0 || c.wantTarget <= c.haveTarget() {
		return hk.UnregInterval
	}
	stats.AddMapRetry()
	c.sendGetTargetMap()
	return c.targetDelayNext()
}

// WaitForTargetEpoch blocks until the target map reaches epoch e; on
// context expiry the fetch is left to the backoff machinery and Timeout is
// returned.
func (c *Client) WaitForTargetEpoch(ctx context.Context, e cmn.Epoch) error {
	c.RequestTargetMap(e)
	for {
		c.mu.Lock()
		if c.haveTarget() >= e {
			c.mu.Unlock()
			return nil
		}
		ch := c.notify.Listen()
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return errors.Wrapf(cmn.ErrTimeout, "waiting for target epoch %d", e)
		}
	}
}

func (c *Client) handleTargetMap(m bus.Message) {
	rep, err := DecodeMapReply(m.Data)
	if err != nil {
		nlog.Warningf("monc: bad targetmap reply from %s: %v", m.Src, err)
		return // peer will resend
	}
	var changed *cmap.TargetMap
	c.mu.Lock()
	c.confirmMon(m.SrcAddr)
	switch {
	case rep.Full != nil:
		full, err := cmap.DecodeTargetMap(rep.Full)
		if err != nil {
			nlog.Warningf("monc: bad full map: %v", err)
			c.mu.Unlock()
			return
		}
		if full.Fsid == c.fsid && full.Epoch > c.haveTarget() {
			c.tmap = full
			c.needFull = false
			changed = full
		}
	default:
		for _, raw := range rep.Incs {
			inc, err := cmap.DecodeIncremental(raw)
			if err != nil {
				nlog.Warningf("monc: bad incremental: %v", err)
				break
			}
			if c.tmap == nil {
				c.needFull = true
				break
			}
			next, err := c.tmap.Apply(inc, c.b.MarkDown)
			if err != nil {
				if errors.Is(err, cmn.ErrEpochStale) {
					nlog.Infof("monc: delta gap (%v), requesting full map", err)
					c.needFull = true
					c.sendGetTargetMap()
				} else {
					nlog.Warningf("monc: apply incremental: %v", err)
				}
				break
			}
			c.tmap = next
			changed = next
		}
	}
	if changed != nil {
		stats.SetTargetEpoch(changed.Epoch)
		if c.wantTarget != 0 && c.haveTarget() >= c.wantTarget {
			c.wantTarget = 0
			c.targetDelay = baseDelay
			c.hk.Unreg(hkGetTargetMap)
		}
		c.notify.Broadcast()
	}
	cb := c.OnTargetMapChange
	c.mu.Unlock()
	if changed != nil {
		nlog.Infof("monc: target map now epoch %d", changed.Epoch)
		if cb != nil {
			cb(changed)
		}
	}
}

//
// monitor map
//

func (c *Client) MonMap() *cmap.MonMap {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.monmap
}

// RequestMonMap refreshes the monitor map itself.
func (c *Client) RequestMonMap(want cmn.Epoch) {
	c.mu.Lock()
	if want <= c.monmap.Epoch || (c.wantMonmap != 0 && want <= c.wantMonmap) {
		c.mu.Unlock()
		return
	}
	c.wantMonmap = want
	c.monDelay = baseDelay
	c.send(bus.MsgGetMonMap, nil)
	d := c.monDelay
	c.monDelay *= 2
	c.mu.Unlock()
	c.hk.Reg(hkGetMonMap, c.resendGetMonMap, d)
}

func (c *Client) resendGetMonMap(int64) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wantMonmap == 0 || c.wantMonmap <= c.monmap.Epoch {
		return hk.UnregInterval
	}
	stats.AddMapRetry()
	c.send(bus.MsgGetMonMap, nil)
	d := c.monDelay
	c.monDelay = min(c.monDelay*2, maxDelay)
	return d
}

func (c *Client) handleMonMap(m bus.Message) {
	mm, err := cmap.DecodeMonMap(m.Data)
	if err != nil {
		nlog.Warningf("monc: bad monmap from %s: %v", m.Src, err)
		return
	}
	c.mu.Lock()
	first := c.monmap.Epoch == 0
	if mm.Fsid == c.fsid && (first || mm.Epoch > c.monmap.Epoch) {
		c.monmap = mm
		c.lastMon = -1
		c.confirmMon(m.SrcAddr)
		if first && c.name.Num < 0 {
			// the first monmap reply establishes our assigned identity
			c.name.Num = m.Dst.Num
		}
	}
	if c.wantMonmap != 0 && c.monmap.Epoch >= c.wantMonmap {
		c.wantMonmap = 0
		c.monDelay = baseDelay
		c.hk.Unreg(hkGetMonMap)
	}
	c.notify.Broadcast()
	c.mu.Unlock()
}

//
// metadata-authority map
//

func (c *Client) AuthMap() *cmap.AuthMap {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authmap
}

func (c *Client) haveAuth() cmn.Epoch {
	if c.authmap == nil {
		return 0
	}
	return c.authmap.Epoch
}

// RequestAuthMap asks the monitors for authority-map epoch >= want, with
// the same resend discipline as the other map types.
func (c *Client) RequestAuthMap(want cmn.Epoch) {
	c.mu.Lock()
	if want <= c.haveAuth() || (c.wantAuthmap != 0 && want <= c.wantAuthmap) {
		c.mu.Unlock()
		return
	}
	c.wantAuthmap = want
	c.authDelay = baseDelay
	c.send(bus.MsgGetAuthMap, nil)
	d := c.authDelay
	c.authDelay *= 2
	c.mu.Unlock()
	c.hk.Reg(hkGetAuthMap, c.resendGetAuthMap, d)
}

func (c *Client) resendGetAuthMap(int64) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wantAuthmap == 0 || c.wantAuthmap <= c.haveAuth() {
		return hk.UnregInterval
	}
	stats.AddMapRetry()
	c.send(bus.MsgGetAuthMap, nil)
	d := c.authDelay
	c.authDelay = min(c.authDelay*2, maxDelay)
	return d
}

// WaitForAuthEpoch blocks until the authority map reaches epoch e.
func (c *Client) WaitForAuthEpoch(ctx context.Context, e cmn.Epoch) error {
	c.RequestAuthMap(e)
	for {
		c.mu.Lock()
		if c.haveAuth() >= e {
			c.mu.Unlock()
			return nil
		}
		ch := c.notify.Listen()
		c.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return errors.Wrapf(cmn.ErrTimeout, "waiting for authority epoch %d", e)
		}
	}
}

func (c *Client) handleAuthMap(m bus.Message) {
	am, err := cmap.DecodeAuthMap(m.Data)
	if err != nil {
		nlog.Warningf("monc: bad authmap from %s: %v", m.Src, err)
		return
	}
	c.mu.Lock()
	if am.Fsid == c.fsid && am.Epoch > c.haveAuth() {
		c.authmap = am
		nlog.Infof("monc: authority map now epoch %d (%d authorities)", am.Epoch, am.NumAuth())
	}
	if c.wantAuthmap != 0 && c.haveAuth() >= c.wantAuthmap {
		c.wantAuthmap = 0
		c.authDelay = baseDelay
		c.hk.Unreg(hkGetAuthMap)
	}
	c.confirmMon(m.SrcAddr)
	c.notify.Broadcast()
	c.mu.Unlock()
}

//
// statfs
//

// Statfs queries cluster usage, retrying against the monitors until the
// reply or the deadline.
func (c *Client) Statfs(ctx context.Context) (Statfs, error) {
	ch := make(chan Statfs, 1)
	c.mu.Lock()
	c.lastTid++
	tid := c.lastTid
	c.statfsq[tid] = ch
	req := StatfsReq{Tid: tid}
	c.send(bus.MsgStatfs, req.Encode())
	c.mu.Unlock()

	delay := baseDelay
	c.hk.Reg(hkStatfs, func(int64) time.Duration {
		c.mu.Lock()
		_, pending := c.statfsq[tid]
		if pending {
			c.send(bus.MsgStatfs, req.Encode())
		}
		c.mu.Unlock()
		if !pending {
			return hk.UnregInterval
		}
		delay = min(delay*2, maxDelay)
		return delay
	}, delay)

	select {
	case st := <-ch:
		return st, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.statfsq, tid)
		c.mu.Unlock()
		return Statfs{}, errors.Wrap(cmn.ErrTimeout, "statfs")
	}
}

func (c *Client) handleStatfsReply(m bus.Message) {
	rep, err := DecodeStatfsReply(m.Data)
	if err != nil {
		nlog.Warningf("monc: bad statfs reply: %v", err)
		return
	}
	c.mu.Lock()
	ch, ok := c.statfsq[rep.Tid]
	if ok {
		delete(c.statfsq, rep.Tid)
	}
	c.confirmMon(m.SrcAddr)
	c.mu.Unlock()
	if ok {
		ch <- rep.St
	}
}

//
// unmount
//

// Unmount notifies the monitors we are going away and blocks until the
// acknowledgment (resending with backoff); the cluster considers us
// mounted until then.
func (c *Client) Unmount(ctx context.Context) error {
	c.mu.Lock()
	if !c.mounted {
		c.mu.Unlock()
		return nil
	}
	c.send(bus.MsgUnmount, nil)
	c.mu.Unlock()

	delay := baseDelay
	c.hk.Reg(hkUnmount, func(int64) time.Duration {
		c.mu.Lock()
		mounted := c.mounted
		if mounted {
			c.send(bus.MsgUnmount, nil)
		}
		c.mu.Unlock()
		if !mounted {
			return hk.UnregInterval
		}
		delay = min(delay*2, maxDelay)
		return delay
	}, delay)

	select {
	case <-c.unmountCh:
		return nil
	case <-ctx.Done():
		return errors.Wrap(cmn.ErrTimeout, "unmount")
	}
}

func (c *Client) handleUnmountAck(m bus.Message) {
	c.mu.Lock()
	was := c.mounted
	c.mounted = false
	c.confirmMon(m.SrcAddr)
	c.mu.Unlock()
	if was {
		close(c.unmountCh)
	}
}

func (c *Client) handle(m bus.Message) {
	switch m.Type {
	case bus.MsgMonMap:
		c.handleMonMap(m)
	case bus.MsgTargetMap:
		c.handleTargetMap(m)
	case bus.MsgAuthMap:
		c.handleAuthMap(m)
	case bus.MsgStatfsReply:
		c.handleStatfsReply(m)
	case bus.MsgUnmountAck:
		c.handleUnmountAck(m)
	default:
		nlog.Warningf("monc: dropping unexpected %s from %s", m.Type, m.Src)
	}
}
