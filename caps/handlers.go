// Package caps implements capability-based cache coherence.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package caps

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/stratastore/strata/cmn"
	"github.com/stratastore/strata/cmn/nlog"
	"github.com/stratastore/strata/hk"
	"github.com/stratastore/strata/stats"
)

// HandleCapMessage dispatches one capability message from authority mds.
// Unknown inodes get an immediate RELEASE (never reply to cap messages out
// of turn beyond that: stale instances would confuse the authority).
// Decode failures drop the message; the authority resends.
func (c *Client) HandleCapMessage(mds int32, data []byte) error {
	msg, err := DecodeCapMessage(data)
	if err != nil {
		nlog.Warningf("caps: corrupt cap message from mds%d: %v", mds, err)
		return err
	}
	stats.AddCapRecv(OpName(msg.Op))

	session := c.Session(mds)
	if session == nil {
		nlog.Warningf("caps: got %s from mds%d but no session", OpName(msg.Op), mds)
		return errors.Wrapf(cmn.ErrNotFound, "session mds%d", mds)
	}
	session.capLock.Lock()
	session.seq++
	session.capLock.Unlock()

	vino := cmn.Vino{Ino: msg.Ino, Snap: cmn.NoSnap}
	in := c.lookupInode(vino)
	if in == nil {
		nlog.Infof("caps: no inode %x, sending release to mds%d", msg.Ino, mds)
		c.sendMsg(session, &CapMessage{
			Op:   OpRelease,
			Seq:  msg.Seq,
			Ino:  msg.Ino,
			Size: msg.Size,
		})
		return nil
	}

	checkCaps := false
	switch msg.Op {
	case OpGrant:
		c.handleGrant(in, session, msg)
	case OpTrunc:
		c.handleTrunc(in, session, msg)
	case OpReleased:
		c.handleReleased(in, session, msg)
	case OpFlushedSnap:
		c.handleFlushedSnap(in, session, msg)
	case OpExport:
		c.handleExport(in, session, msg)
	case OpImport:
		c.handleImport(in, session, msg)
		checkCaps = true // we may have sent a RELEASE to the old authority
	default:
		nlog.Errorf("caps: unknown cap op %d from mds%d", msg.Op, mds)
		return errors.Wrapf(cmn.ErrBadEncoding, "cap op %d", msg.Op)
	}

	if checkCaps {
		c.CheckCaps(in, true)
	}
	return nil
}

// applyTimes folds authority-provided times/size into the inode, honoring
// the time-warp sequence so locally-warped clocks never go backwards.
// Caller holds in.mu.
func (in *Inode) applyTimes(msg *CapMessage, issued uint32) {
	if issued&CapEXCL == 0 {
		in.size = msg.Size
		if msg.TimeWarpSeq >= in.timeWarpSeq {
			in.timeWarpSeq = msg.TimeWarpSeq
			if !msg.Mtime.IsZero() {
				in.mtime = msg.Mtime
			}
			if !msg.Atime.IsZero() {
				in.atime = msg.Atime
			}
			if !msg.Ctime.IsZero() {
				in.ctime = msg.Ctime
			}
		}
	}
}

// handleGrant processes a GRANT, which is a revocation when it names a
// smaller cap set.
func (c *Client) handleGrant(in *Inode, session *Session, msg *CapMessage) {
	var (
		reply *CapMessage
		wake  bool
	)
	in.mu.Lock()
	cap := in.caps[session.mds]
	if cap == nil {
		// never reply to a grant for a cap instance we do not hold
		in.mu.Unlock()
		nlog.Infof("caps: grant on %s from mds%d but no cap, ignoring", in.vino, session.mds)
		return
	}
	gen, _ := session.genTTL()
	cap.gen = gen

	issued := in.capsIssued(nil)
	in.applyTimes(msg, issued)

	// max size increase?
	if msg.MaxSize != in.maxSize {
		nlog.Infof("caps: max_size %d -> %d on %s", in.maxSize, msg.MaxSize, in.vino)
		in.maxSize = msg.MaxSize
		if msg.MaxSize >= in.wantedMaxSize {
			in.wantedMaxSize = 0
			in.requestedMaxSize = 0
		}
		wake = true
	}

	wanted := in.capsWanted()
	used := in.capsUsed()
	newcaps := msg.Caps
	cap.seq = msg.Seq

	switch {
	case cap.issued&^newcaps != 0:
		// revocation
		nlog.Infof("caps: revocation on %s: %s -> %s", in.vino,
			capString(cap.issued), capString(newcaps))
		if used&^newcaps != 0 {
			// revoked bits still in use (dirty buffers, cached pages,
			// active readers/writers): implemented keeps the old set and
			// the ack goes out when the last reference drains through
			// PutCapRefs -> CheckCaps
		} else {
			// not using the revoked bits: ack right away
			cap.implemented = newcaps
			var follows uint64
			if in.realm != nil {
				follows = in.realm.Seq
			}
			reply = &CapMessage{
				Op:          OpAck,
				Seq:         msg.Seq,
				MigrateSeq:  cap.mseq,
				Caps:        newcaps,
				Wanted:      wanted,
				Ino:         in.vino.Ino,
				Size:        in.size,
				Mtime:       in.mtime,
				Atime:       in.atime,
				TimeWarpSeq: in.timeWarpSeq,
				SnapFollows: follows,
			}
			wake = true
		}
		cap.issued = newcaps
	case cap.issued == newcaps:
		// no-op
	default:
		nlog.Infof("caps: grant on %s: %s -> %s", in.vino,
			capString(cap.issued), capString(newcaps))
		cap.issued = newcaps
		cap.implemented |= newcaps // add bits only; a pending revocation
		// of other bits keeps draining
		wake = true
	}
	in.mu.Unlock()

	if reply != nil {
		c.sendMsg(session, reply)
	}
	if wake {
		in.notifyWaiters()
	}
}

// handleTrunc applies an authoritative truncation. Shrinks queue a
// background truncate; the in-memory size reflects the new value
// immediately while the pending watermark fences further work.
func (c *Client) handleTrunc(in *Inode, session *Session, msg *CapMessage) {
	var queueTrunc bool
	size := int64(msg.Size)
	in.mu.Lock()
	switch {
	case in.truncateTo < 0 && msg.Size > in.size:
		// clean forward truncate (expansion); nothing to discard
	case in.truncateTo >= 0 && size >= in.truncateTo:
		// an even smaller truncate is already queued
	default:
		in.truncateTo = size
		queueTrunc = true
	}
	in.size = msg.Size
	in.reportedSize = msg.Size
	in.mu.Unlock()

	if queueTrunc {
		name := fmt.Sprintf("caps.trunc.%x", in.vino.Ino)
		c.hk.Reg(name, func(int64) time.Duration {
			in.runTruncate()
			return hk.UnregInterval
		}, 0)
	}
	in.notifyWaiters()
}

// runTruncate is the background truncate worker: discards local state past
// the watermark and clears it.
func (in *Inode) runTruncate() {
	in.mu.Lock()
	to := in.truncateTo
	in.truncateTo = -1
	in.mu.Unlock()
	if to >= 0 {
		nlog.Infof("caps: truncated %s to %d", in.vino, to)
		in.notifyWaiters()
	}
}

// handleReleased drops the cap: the authority has fully flushed the
// metadata it covered.
func (c *Client) handleReleased(in *Inode, session *Session, msg *CapMessage) {
	in.mu.Lock()
	cap := in.caps[session.mds]
	if cap == nil {
		in.mu.Unlock()
		nlog.Warningf("caps: RELEASED on %s from mds%d but no cap", in.vino, session.mds)
		return
	}
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

// handleFlushedSnap retires the acked cap-snap.
func (c *Client) handleFlushedSnap(in *Inode, session *Session, msg *CapMessage) {
	in.mu.Lock()
	ok := in.retireCapSnap(msg.SnapFollows)
	more := len(in.capSnaps) > 0
	in.mu.Unlock()
	if !ok {
		nlog.Warningf("caps: FLUSHEDSNAP follows %d on %s matches nothing", msg.SnapFollows, in.vino)
		return
	}
	nlog.Infof("caps: flushed snap follows %d on %s", msg.SnapFollows, in.vino)
	if more {
		// an older capture was the gate; younger ones may be ready now
		c.FlushSnaps(in)
	}
}

// handleExport notes the migrating cap bits until the matching IMPORT, as
// long as this is the most recent migration seen (by mseq).
func (c *Client) handleExport(in *Inode, session *Session, msg *CapMessage) {
	mseq := msg.MigrateSeq
	in.mu.Lock()
	remember := true
	var cap *Cap
	for _, id := range in.mdsOrder() {
		t := in.caps[id]
		if t.mseq > mseq {
			remember = false
		}
		if t.mds == session.mds {
			cap = t
		}
	}
	if cap == nil {
		in.mu.Unlock()
		nlog.Warningf("caps: EXPORT on %s from mds%d but no cap", in.vino, session.mds)
		return
	}
	if remember {
		in.exportingMDS = session.mds
		in.exportingMSeq = mseq
		in.exportingIssued = cap.issued
	}
	wasLast := c.removeCapLocked(cap)
	if wasLast {
		in.pinned = false
	}
	in.mu.Unlock()
	if wasLast {
		c.detachRealm(in)
		c.capDelayCancel(in)
	}
	nlog.Infof("caps: exported %s from mds%d mseq %d", in.vino, session.mds, mseq)
}

// handleImport installs the migrated cap at the new authority, clearing
// any older export scratch state.
func (c *Client) handleImport(in *Inode, session *Session, msg *CapMessage) {
	in.mu.Lock()
	if in.exportingMDS >= 0 && in.exportingMSeq < msg.MigrateSeq {
		nlog.Infof("caps: import on %s from mds%d mseq %d clears export from mds%d",
			in.vino, session.mds, msg.MigrateSeq, in.exportingMDS)
		in.exportingIssued = 0
		in.exportingMSeq = 0
		in.exportingMDS = -1
	}
	in.mu.Unlock()

	if err := c.AddCap(in, session, -1, msg.Caps, msg.Seq, msg.MigrateSeq, msg.SnapTrace); err != nil {
		nlog.Errorf("caps: import on %s: %v", in.vino, err)
	}
}
