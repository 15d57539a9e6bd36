// Package caps implements capability-based cache coherence.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package caps

import (
	"context"

	"github.com/pkg/errors"
	"github.com/stratastore/strata/cmn"
	"github.com/stratastore/strata/cmn/debug"
	"github.com/stratastore/strata/cmn/nlog"
)

// takeCapRefs bumps the per-bit reference counters. Caller holds in.mu.
func (in *Inode) takeCapRefs(got uint32) {
	if got&CapRD != 0 {
		in.rdRef++
	}
	if got&CapRDCache != 0 {
		in.rdcacheRef++
	}
	if got&CapWR != 0 {
		in.wrRef++
	}
	if got&CapWRBuffer != 0 {
		in.wrbufferRef++
		in.wrbufferRefHead++
	}
}

// GetCapRefs tries to take references for the minimal set need plus
// whatever of want is also available. endoff (>= 0) is the write end
// offset, checked against the authorized max size. Returns (false, 0)
// when:
//   - a WR need would write past maxSize (the caller should request a
//     larger ceiling and wait),
//   - a pending cap-snap still has sync writes to drain, or
//   - the issued-and-not-revoking set does not cover need.
func (c *Client) GetCapRefs(in *Inode, need, want uint32, endoff int64) (bool, uint32) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return c.getCapRefsLocked(in, need, want, endoff)
}

func (c *Client) getCapRefsLocked(in *Inode, need, want uint32, endoff int64) (bool, uint32) {
	if need&CapWR != 0 {
		if endoff >= 0 && uint64(endoff) > in.maxSize {
			nlog.Infof("caps: get_refs %s endoff %d > max_size %d", in.vino, endoff, in.maxSize)
			if uint64(endoff) > in.wantedMaxSize {
				in.wantedMaxSize = uint64(endoff)
			}
			return false, 0
		}
		// a final size+mtime capture is pending; sync writes must drain
		// before new ones start
		if in.pendingCapSnap() {
			nlog.Infof("caps: get_refs %s cap_snap pending", in.vino)
			return false, 0
		}
	}
	var implemented uint32
	have := in.capsIssued(&implemented)
	if have&need != need {
		return false, 0
	}
	// keep waiting on a wanted -> needed transition: a bit still being
	// revoked must fully drain before it is re-taken (WRBUFFER|WR -> WR
	// must not reorder a sync write ahead of prior buffered data)
	not := want &^ (have & need)
	revoking := implemented &^ have
	if revoking&not != 0 {
		return false, 0
	}
	got := need | (want & have)
	in.takeCapRefs(got)
	return true, got
}

// WaitForCapRefs blocks until the refs are granted, a TRUNC/GRANT widens
// the ceiling, or the deadline expires.
func (c *Client) WaitForCapRefs(ctx context.Context, in *Inode, need, want uint32, endoff int64) (uint32, error) {
	for {
		in.mu.Lock()
		ok, got := c.getCapRefsLocked(in, need, want, endoff)
		wantedMax := in.wantedMaxSize
		ch := in.capNotify.Listen()
		in.mu.Unlock()
		if ok {
			return got, nil
		}
		// ask for a bigger ceiling if that is what blocks us
		if need&CapWR != 0 && endoff >= 0 && uint64(endoff) == wantedMax {
			c.CheckCaps(in, false)
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return 0, errors.Wrapf(cmn.ErrTimeout, "caps %s on %s", capString(need), in.vino)
		}
	}
}

// PutCapRefs releases references taken by GetCapRefs. Dropping the last
// reference of a bit triggers reconciliation; dropping the last WR ref
// finalizes the newest cap-snap's write drain.
func (c *Client) PutCapRefs(in *Inode, had uint32) {
	var (
		last       int
		flushsnaps bool
		wake       bool
	)
	in.mu.Lock()
	if had&CapRD != 0 {
		if in.rdRef--; in.rdRef == 0 {
			last++
		}
	}
	if had&CapRDCache != 0 {
		if in.rdcacheRef--; in.rdcacheRef == 0 {
			last++
		}
	}
	if had&CapWRBuffer != 0 {
		if in.wrbufferRef--; in.wrbufferRef == 0 {
			last++
		}
		debug.Assert(in.wrbufferRef >= 0)
	}
	if had&CapWR != 0 {
		if in.wrRef--; in.wrRef == 0 {
			last++
			if n := len(in.capSnaps); n > 0 {
				cs := in.capSnaps[n-1]
				if cs.writing {
					cs.writing = false
					flushsnaps = in.finishCapSnap(cs)
					wake = true
				}
			}
		}
	}
	in.mu.Unlock()

	if last > 0 && !flushsnaps {
		c.CheckCaps(in, false)
	} else if flushsnaps {
		c.FlushSnaps(in)
	}
	if wake {
		in.notifyWaiters()
	}
}

// PutWRBufferRefs releases nr buffered-write references against the given
// snap context, maintaining per-capture dirty accounting. Once a capture's
// dirty count reaches zero (with writes already drained) its flush is
// kicked.
func (c *Client) PutWRBufferRefs(in *Inode, nr int, snapc *SnapContext) {
	var (
		last     bool
		lastSnap bool
	)
	in.mu.Lock()
	in.wrbufferRef -= nr
	last = in.wrbufferRef == 0
	debug.Assert(in.wrbufferRef >= 0)
	if snapc == nil || snapc == in.headSnapc || len(in.capSnaps) == 0 {
		in.wrbufferRefHead -= nr
		debug.Assert(in.wrbufferRefHead >= 0)
	} else {
		found := false
		for _, cs := range in.capSnaps {
			if cs.context == snapc {
				cs.dirty -= nr
				debug.Assert(cs.dirty >= 0)
				lastSnap = !cs.writing && cs.dirty == 0
				found = true
				break
			}
		}
		if !found {
			// context not captured (head writes before any snap)
			in.wrbufferRefHead -= nr
		}
	}
	in.mu.Unlock()

	if last {
		c.CheckCaps(in, false)
	} else if lastSnap {
		c.FlushSnaps(in)
		in.notifyWaiters()
	}
}
