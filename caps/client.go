// Package caps implements capability-based cache coherence.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package caps

import (
	"sync"
	"time"

	"github.com/stratastore/strata/cmn"
	"github.com/stratastore/strata/cmn/debug"
	"github.com/stratastore/strata/cmn/mono"
	"github.com/stratastore/strata/cmn/nlog"
	"github.com/stratastore/strata/hk"
	"github.com/stratastore/strata/stats"
)

// Releases of no-longer-wanted caps are held back for a grace window so
// that quickly re-opened files keep their grants.
const capHoldDelay = 5 * time.Second

const (
	hkDelayedCaps = "caps.delayed"
	hkTrimInodes  = "caps.trim"
)

// SendFunc delivers an encoded capability message to an authority.
type SendFunc func(mds int32, addr cmn.EntityAddr, data []byte) error

// Client is the capability manager: it owns the session table, the inode
// table, the snap-realm tree, and the delayed-release queue.
//
// Lock order (outer to inner): snapMu -> inode mu -> session mu. The
// sessions/inodes tables (mu) and the delayed list (delayMu) are leaf
// locks.
type Client struct {
	mu       sync.Mutex
	sessions map[int32]*Session
	inodes   map[cmn.Vino]*Inode

	snapMu sync.RWMutex
	realms map[uint64]*Realm

	delayMu   sync.Mutex
	delayList []*Inode // ordered by holdUntil

	send       SendFunc
	hk         *hk.Housekeeper
	sessionTTL time.Duration
	cacheSize  int64
	stopping   bool
}

func New(cfg *cmn.Config, h *hk.Housekeeper, send SendFunc) *Client {
	c := &Client{
		sessions:   make(map[int32]*Session),
		inodes:     make(map[cmn.Vino]*Inode),
		realms:     make(map[uint64]*Realm),
		send:       send,
		hk:         h,
		sessionTTL: cfg.Duration(cmn.ConfSessionTTL),
		cacheSize:  cfg.Int64(cmn.ConfClientCacheSize),
	}
	h.Reg(hkDelayedCaps, c.runDelayedCaps, time.Second)
	h.Reg(hkTrimInodes, c.trimInodes, time.Minute)
	return c
}

func (c *Client) Stop() {
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()
	c.hk.Unreg(hkDelayedCaps)
	c.hk.Unreg(hkTrimInodes)
}

//
// sessions
//

// OpenSession registers (or returns) the session with authority mds and
// starts its cap lease.
func (c *Client) OpenSession(mds int32, addr cmn.EntityAddr) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[mds]; ok {
		return s
	}
	s := newSession(mds, addr)
	s.RenewedCaps(c.sessionTTL)
	c.sessions[mds] = s
	nlog.Infof("caps: opened session with mds%d at %s", mds, addr)
	return s
}

func (c *Client) Session(mds int32) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[mds]
}

//
// inode table
//

// GetInode returns (creating if needed) the inode for vino.
func (c *Client) GetInode(vino cmn.Vino) *Inode {
	c.mu.Lock()
	defer c.mu.Unlock()
	in, ok := c.inodes[vino]
	if !ok {
		in = newInode(c, vino)
		c.inodes[vino] = in
	}
	return in
}

func (c *Client) lookupInode(vino cmn.Vino) *Inode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inodes[vino]
}

// trimInodes evicts unpinned inodes beyond the configured cache size.
func (c *Client) trimInodes(int64) time.Duration {
	c.mu.Lock()
	excess := int64(len(c.inodes)) - c.cacheSize
	var victims []cmn.Vino
	if excess > 0 {
		for vino, in := range c.inodes {
			if excess <= 0 {
				break
			}
			// never block on an inode lock while holding the table lock
			if !in.mu.TryLock() {
				continue
			}
			idle := !in.pinned && len(in.capSnaps) == 0 && in.capsUsed() == 0
			in.mu.Unlock()
			if idle {
				victims = append(victims, vino)
				excess--
			}
		}
		for _, vino := range victims {
			delete(c.inodes, vino)
		}
	}
	c.mu.Unlock()
	if len(victims) > 0 {
		nlog.Infof("caps: trimmed %d idle inodes", len(victims))
	}
	return time.Minute
}

//
// add / remove
//

// AddCap installs or refreshes the capability from session's authority,
// grafting the accompanying snap trace into the realm tree first. fmode <
// 0 means "no open-file accounting". Re-adding for the same (inode,
// authority) updates the existing record in place.
func (c *Client) AddCap(in *Inode, session *Session, fmode int, issued, seq, mseq uint32, snapTrace []byte) error {
	realm, err := c.UpdateSnapTrace(snapTrace)
	if err != nil {
		return err
	}

	// associate the inode with its realm (realm lock, then inode lock)
	c.snapMu.Lock()
	in.mu.Lock()
	if in.realm == nil {
		r := realm
		if r == nil {
			r = c.rootRealmLocked()
		}
		r.context() // cache while the write lock allows building it
		in.realm = r
		r.nref++
		r.inodesWithCaps[in] = struct{}{}
	}
	in.mu.Unlock()
	c.snapMu.Unlock()

	in.mu.Lock()
	cap, ok := in.caps[session.mds]
	if !ok {
		cap = &Cap{inode: in, session: session, mds: session.mds}
		isFirst := len(in.caps) == 0
		in.caps[session.mds] = cap

		session.mu.Lock()
		_, dup := session.caps[cap]
		debug.Assert(!dup, "cap already on session list")
		session.caps[cap] = struct{}{}
		session.mu.Unlock()

		// clear out old exporting info (i.e. on cap import)
		if in.exportingMDS == session.mds {
			in.exportingIssued = 0
			in.exportingMSeq = 0
			in.exportingMDS = -1
		}
		if isFirst {
			in.pinned = true // hold the inode while any authority has a cap on it
		}
	}

	nlog.Infof("caps: add_cap %s mds%d %s -> %s seq %d", in.vino, session.mds,
		capString(issued), capString(issued|cap.issued), seq)
	cap.issued |= issued
	cap.implemented |= issued
	cap.seq = seq
	cap.mseq = mseq
	gen, _ := session.genTTL()
	cap.gen = gen
	if fmode >= 0 {
		in.nrByMode[fmode]++
	}
	in.mu.Unlock()
	in.notifyWaiters()
	return nil
}

// removeCapLocked drops one cap; caller holds in.mu. Returns true when it
// was the last cap on the inode; the caller then unpins, detaches the
// realm, and cancels any delayed release (outside the inode lock).
func (c *Client) removeCapLocked(cap *Cap) bool {
	in := cap.inode
	session := cap.session

	session.mu.Lock()
	delete(session.caps, cap)
	session.mu.Unlock()

	delete(in.caps, cap.mds)
	cap.session = nil
	return len(in.caps) == 0
}

// detachRealm releases the inode's realm membership once the last cap is
// gone. Takes the realm write lock first (lock order).
func (c *Client) detachRealm(in *Inode) {
	c.snapMu.Lock()
	in.mu.Lock()
	if len(in.caps) == 0 && in.realm != nil {
		delete(in.realm.inodesWithCaps, in)
		c.putRealmLocked(in.realm)
		in.realm = nil
		in.headSnapc = nil
	}
	in.mu.Unlock()
	c.snapMu.Unlock()
}

// RemoveCap drops the cap and unpins the inode when it was the last one.
func (c *Client) RemoveCap(cap *Cap) {
	in := cap.inode
	in.mu.Lock()
	wasLast := c.removeCapLocked(cap)
	if wasLast {
		in.pinned = false
	}
	in.mu.Unlock()
	if wasLast {
		c.detachRealm(in)
		c.capDelayCancel(in)
	}
}

//
// delayed release
//

// capDelayRequeue (re)schedules the inode at the tail of the delayed
// release list. Caller holds in.mu.
func (c *Client) capDelayRequeue(in *Inode) {
	in.holdUntil = mono.NanoTime() + int64(capHoldDelay)
	c.delayMu.Lock()
	if !c.stopping {
		if in.onDelayList {
			for i, d := range c.delayList {
				if d == in {
					c.delayList = append(c.delayList[:i], c.delayList[i+1:]...)
					break
				}
			}
		}
		in.onDelayList = true
		c.delayList = append(c.delayList, in)
	}
	c.delayMu.Unlock()
}

func (c *Client) capDelayCancel(in *Inode) {
	c.delayMu.Lock()
	if in.onDelayList {
		for i, d := range c.delayList {
			if d == in {
				c.delayList = append(c.delayList[:i], c.delayList[i+1:]...)
				break
			}
		}
		in.onDelayList = false
	}
	c.delayMu.Unlock()
}

// runDelayedCaps pops expired entries and reconciles them.
func (c *Client) runDelayedCaps(now int64) time.Duration {
	for {
		c.delayMu.Lock()
		if len(c.delayList) == 0 {
			c.delayMu.Unlock()
			break
		}
		in := c.delayList[0]
		if now < in.holdUntil {
			c.delayMu.Unlock()
			break
		}
		c.delayList = c.delayList[1:]
		in.onDelayList = false
		c.delayMu.Unlock()
		c.CheckCaps(in, true)
	}
	return time.Second
}

//
// send plumbing
//

func (c *Client) sendMsg(session *Session, msg *CapMessage) {
	stats.AddCapSent(OpName(msg.Op))
	if err := c.send(session.mds, session.addr, msg.Encode()); err != nil {
		// not retried here: the authority's own resend covers lost acks
		nlog.Warningf("caps: send %s ino %x to mds%d: %v", OpName(msg.Op), msg.Ino, session.mds, err)
	}
}

// FlushWriteCaps pushes out snap flushes and writable-cap state for every
// inode with caps from this session (session teardown path).
func (c *Client) FlushWriteCaps(session *Session) {
	session.mu.Lock()
	caps := make([]*Cap, 0, len(session.caps))
	for cap := range session.caps {
		caps = append(caps, cap)
	}
	session.mu.Unlock()

	for _, cap := range caps {
		in := cap.inode
		c.snapMu.RLock()
		in.mu.Lock()
		if len(in.capSnaps) > 0 {
			c.flushSnapsLocked(in)
		}
		if cap.session == nil { // raced with removal
			in.mu.Unlock()
			c.snapMu.RUnlock()
			continue
		}
		if cap.implemented&(CapWR|CapWRBuffer) == 0 {
			in.mu.Unlock()
			c.snapMu.RUnlock()
			continue
		}
		used := in.capsUsed()
		wanted := in.capsWanted()
		if used != 0 || wanted != 0 {
			nlog.Errorf("caps: residual caps on %s used %s wanted %s at session close",
				in.vino, capString(used), capString(wanted))
			used, wanted = 0, 0
		}
		session.mu.Lock()
		c.sendCapLocked(session, cap, used, wanted) // drops in.mu
		session.mu.Unlock()
		c.snapMu.RUnlock()
	}
}
