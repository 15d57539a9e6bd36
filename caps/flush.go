// Package caps implements capability-based cache coherence.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package caps

import (
	"github.com/stratastore/strata/cmn/nlog"
)

// sessionPreferWrite picks the authority to flush snapped state to: any
// authority with a cap, preferring one that granted WR|WRBUFFER|EXCL.
// Caller holds in.mu. Returns (nil, 0) when no caps remain.
func (in *Inode) sessionPreferWrite() (*Session, uint32) {
	var (
		session *Session
		mseq    uint32
	)
	for _, id := range in.mdsOrder() {
		cap := in.caps[id]
		session = cap.session
		mseq = cap.mseq
		if cap.issued&(CapWR|CapWRBuffer|CapEXCL) != 0 {
			break
		}
	}
	return session, mseq
}

// flushSnapsLocked walks the cap-snap queue head-first and sends FLUSHSNAP
// for the oldest capture whose sync writes and dirty data have drained.
// Strict follows order is preserved: a busy older capture blocks younger
// ones, and a younger capture's flush waits for the older one's
// FLUSHEDSNAP. Records stay queued until the authority retires them.
//
// Caller holds in.mu. Acquiring the chosen session's mutex must not block
// while the inode lock is held: on contention the inode lock is dropped,
// the session mutex taken, and the scan restarts from the head. The
// follows watermark keeps restarts finite; re-sending an already-sent
// capture is idempotent on the authority (keyed by follows).
func (c *Client) flushSnapsLocked(in *Inode) {
	var (
		session *Session
		follows uint64
		restart = true
	)
	for restart {
		restart = false
		for _, cs := range in.capSnaps {
			if cs.follows <= follows {
				continue // processed earlier in this pass
			}
			if cs.dirty > 0 || cs.writing {
				// the oldest capture has not drained; younger ones wait
				// behind it, never overtaking
				break
			}

			target, mseq := in.sessionPreferWrite()
			if target == nil {
				break
			}
			if session != nil && session != target {
				session.mu.Unlock()
				session = nil
			}
			if session == nil {
				session = target
				if !session.mu.TryLock() {
					in.mu.Unlock()
					session.mu.Lock()
					in.mu.Lock()
					restart = true
					break // rescan: caps may have changed while unlocked
				}
			}

			follows = cs.follows
			msg := &CapMessage{
				Op:          OpFlushSnap,
				MigrateSeq:  mseq,
				Caps:        cs.issued,
				Ino:         in.vino.Ino,
				Size:        cs.size,
				Mtime:       cs.mtime,
				Atime:       cs.atime,
				Ctime:       cs.ctime,
				TimeWarpSeq: cs.timeWarpSeq,
				SnapFollows: cs.follows,
			}
			in.mu.Unlock()
			nlog.Infof("caps: flushsnap %s follows %d size %d to mds%d",
				in.vino, cs.follows, cs.size, session.mds)
			c.sendMsg(session, msg)
			in.mu.Lock()
			// one capture in flight at a time: the next one goes out when
			// FLUSHEDSNAP retires this one
			break
		}
	}
	if session != nil {
		session.mu.Unlock()
	}
}

// FlushSnaps is the exported entry point (writeback completion and ref
// drains call it).
func (c *Client) FlushSnaps(in *Inode) {
	in.mu.Lock()
	c.flushSnapsLocked(in)
	in.mu.Unlock()
}
