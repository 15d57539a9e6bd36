// Package caps implements capability-based cache coherence.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package caps

import (
	"github.com/stratastore/strata/cmn/mono"
	"github.com/stratastore/strata/cmn/nlog"
)

// CheckCaps is the central reconciler: under the inode lock it walks every
// cap in authority-id order and decides, per cap, whether to (i) request a
// larger max_size, (ii) acknowledge a completed revocation, (iii) release
// bits nobody wants. Releases are deferred within the hold-until grace
// window to coalesce them (isDelayed marks the delayed-work pass, which
// must not defer again).
//
// Lock discipline: realm read lock and session mutex are taken outside-in
// (realm -> inode -> session); when either cannot be acquired in order,
// the inode lock is dropped, the outer lock taken, and the walk restarts.
func (c *Client) CheckCaps(in *Inode, isDelayed bool) {
	var (
		session  *Session
		tookSnap bool
		mds      = int32(-1) // how far the walk got, to avoid looping
	)
	in.mu.Lock()
	if len(in.capSnaps) > 0 {
		c.flushSnapsLocked(in)
	}

restart:
	for {
		wanted := in.capsWanted()
		used := in.capsUsed()
		if !isDelayed {
			c.capDelayRequeue(in)
			isDelayed = true // requeue once per call
		}

		for _, id := range in.mdsOrder() {
			if id <= mds {
				continue
			}
			cap := in.caps[id]
			revoking := cap.revoking()
			if revoking != 0 {
				nlog.Infof("caps: mds%d revoking %s on %s", cap.mds, capString(revoking), in.vino)
			}

			// no side effects before the outer locks are held
			switch {
			case in.wantedMaxSize > in.maxSize && in.wantedMaxSize > in.requestedMaxSize:
				// request a larger ceiling
			case cap.issued&CapWR != 0 && in.size<<1 >= in.maxSize &&
				in.reportedSize<<1 < in.maxSize:
				// approaching the ceiling; ask early
			case revoking != 0 && revoking&used == 0:
				// completed revocation: acknowledge
			case cap.issued&^wanted == 0:
				continue // nothing extra, all good
			case mono.NanoTime() < in.holdUntil:
				continue // coalesce releases within the grace window
			}

			// take the realm read lock before the session mutex
			if !tookSnap {
				if !c.snapMu.TryRLock() {
					in.mu.Unlock()
					c.snapMu.RLock()
					tookSnap = true
					in.mu.Lock()
					continue restart
				}
				tookSnap = true
			}
			if session != nil && session != cap.session {
				session.mu.Unlock()
				session = nil
			}
			if session == nil {
				session = cap.session
				if !session.mu.TryLock() {
					in.mu.Unlock()
					session.mu.Lock()
					in.mu.Lock()
					continue restart
				}
			}

			mds = cap.mds // do not repeat this authority after restart

			c.sendCapLocked(session, cap, used, wanted) // drops in.mu
			in.mu.Lock()
			continue restart
		}
		break
	}
	in.mu.Unlock()

	if session != nil {
		session.mu.Unlock()
	}
	if tookSnap {
		c.snapMu.RUnlock()
	}
}

// sendCapLocked emits one ACK/RELEASE for cap, narrowing issued to the
// wanted set and completing any drained revocation. Drops in.mu; the
// caller holds the realm read lock and session's mutex.
func (c *Client) sendCapLocked(session *Session, cap *Cap, used, wanted uint32) {
	var (
		in       = cap.inode
		revoking = cap.implemented &^ cap.issued
		dropping = cap.issued &^ wanted
		op       = OpAck
		wake     bool
	)
	if wanted == 0 {
		op = OpRelease
	}

	nlog.Infof("caps: send_cap %s mds%d %s -> %s", in.vino, cap.mds,
		capString(cap.issued), capString(cap.issued&wanted))
	cap.issued &= wanted // drop bits we no longer want

	if revoking != 0 && revoking&used == 0 {
		cap.implemented = cap.issued
		// waiters may be blocked on the wanted -> needed transition
		// (buffered data must flush before new sync writes)
		wake = true
	}

	keep := cap.issued
	seq := cap.seq
	mseq := cap.mseq
	size := in.size
	in.reportedSize = size
	maxSize := in.wantedMaxSize
	in.requestedMaxSize = maxSize
	mtime, atime := in.mtime, in.atime
	timeWarp := in.timeWarpSeq
	var follows uint64
	if in.realm != nil {
		follows = in.realm.currentContext().Seq
	}
	if dropping&CapRDCache != 0 {
		// dropping the cached-read bit invalidates whatever was cached
		in.rdcacheGen = 0
	}
	in.mu.Unlock()

	c.sendMsg(session, &CapMessage{
		Op:          op,
		Seq:         seq,
		MigrateSeq:  mseq,
		Caps:        keep,
		Wanted:      wanted,
		Ino:         in.vino.Ino,
		Size:        size,
		MaxSize:     maxSize,
		Mtime:       mtime,
		Atime:       atime,
		TimeWarpSeq: timeWarp,
		SnapFollows: follows,
	})

	if wake {
		in.notifyWaiters()
	}
}
