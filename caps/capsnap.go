// Package caps implements capability-based cache coherence.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package caps

import (
	"time"

	"github.com/stratastore/strata/cmn/debug"
	"github.com/stratastore/strata/cmn/nlog"
	"github.com/stratastore/strata/stats"
)

// CapSnap captures an inode's mutable metadata at a snapshot boundary,
// pending asynchronous flush to the authority. Immutable once captured,
// except for the writing/dirty drain accounting.
type CapSnap struct {
	follows     uint64 // last snap id visible to the pre-change context
	issued      uint32
	size        uint64
	mtime       time.Time
	atime       time.Time
	ctime       time.Time
	timeWarpSeq uint64
	context     *SnapContext

	writing bool // a sync write to the pre-change context is in flight
	dirty   int  // dirty buffers still accounted to the pre-change context
}

func (cs *CapSnap) Follows() uint64 { return cs.follows }

// queueCapSnap captures in's state against the pre-change context old, if
// there is anything to preserve (in-flight writes or dirty buffers).
// Caller holds snapMu for writing; takes the inode lock.
func (c *Client) queueCapSnap(in *Inode, old *SnapContext) {
	in.mu.Lock()
	defer in.mu.Unlock()

	used := in.capsUsed()
	if used&(CapWR|CapWRBuffer) == 0 && in.wrbufferRefHead == 0 {
		return
	}
	if len(in.capSnaps) > 0 && in.capSnaps[len(in.capSnaps)-1].follows == old.Seq {
		return // already captured for this boundary
	}
	cs := &CapSnap{
		follows:     old.Seq,
		issued:      in.capsIssued(nil),
		size:        in.size,
		mtime:       in.mtime,
		atime:       in.atime,
		ctime:       in.ctime,
		timeWarpSeq: in.timeWarpSeq,
		context:     old,
		writing:     in.wrRef > 0,
		dirty:       in.wrbufferRefHead,
	}
	// the head context's dirty accounting now belongs to the capture
	in.wrbufferRefHead = 0
	in.headSnapc = nil
	in.capSnaps = append(in.capSnaps, cs)
	stats.AddCapSnap()
	nlog.Infof("caps: queued cap_snap on %s follows %d (writing %v dirty %d)",
		in.vino, cs.follows, cs.writing, cs.dirty)
}

// finishCapSnap marks the capture ready once both drains are complete;
// returns true when the caller should flush. Caller holds in.mu.
func (in *Inode) finishCapSnap(cs *CapSnap) bool {
	debug.Assert(!cs.writing)
	return cs.dirty == 0
}

// retireCapSnap removes a flushed-and-acked capture. Caller holds in.mu.
func (in *Inode) retireCapSnap(follows uint64) bool {
	for i, cs := range in.capSnaps {
		if cs.follows != follows {
			continue
		}
		if cs.dirty != 0 || cs.writing {
			nlog.Errorf("caps: retiring busy cap_snap on %s follows %d (writing %v dirty %d)",
				in.vino, follows, cs.writing, cs.dirty)
		}
		cs.context = nil
		in.capSnaps = append(in.capSnaps[:i], in.capSnaps[i+1:]...)
		stats.DoneCapSnap()
		return true
	}
	return false
}
