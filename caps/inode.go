// Package caps implements capability-based cache coherence.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package caps

import (
	"sort"
	"sync"
	"time"

	"github.com/stratastore/strata/cmn"
	"github.com/stratastore/strata/cmn/cos"
)

// Inode is the client-side metadata state coordinated through
// capabilities. The inode lock (mu) guards everything here; the cap
// records additionally require the owning session's mutex for list
// membership changes.
type Inode struct {
	mu     sync.Mutex
	client *Client
	vino   cmn.Vino

	caps      map[int32]*Cap // by authority id
	capNotify *cos.NotifyCh  // broadcast on grants, truncations, snap drains

	// delayed release
	holdUntil   int64 // mono ns
	onDelayList bool

	// authority migration scratch, held between EXPORT and IMPORT
	exportingMDS    int32
	exportingMSeq   uint32
	exportingIssued uint32

	// snapshots
	capSnaps  []*CapSnap // FIFO by follows
	headSnapc *SnapContext
	snapCaps  uint32
	realm     *Realm

	// open-file accounting
	nrByMode [NumModes]int

	// sizes and times
	size             uint64
	reportedSize     uint64
	maxSize          uint64
	wantedMaxSize    uint64
	requestedMaxSize uint64
	truncateTo       int64 // pending background truncate; -1 none
	timeWarpSeq      uint64
	mtime            time.Time
	atime            time.Time
	ctime            time.Time

	// held references to caps
	rdRef           int
	rdcacheRef      int
	wrRef           int
	wrbufferRef     int
	wrbufferRefHead int
	rdcacheGen      uint32

	pinned bool // kept in the client's inode table while any cap exists
}

func newInode(c *Client, vino cmn.Vino) *Inode {
	return &Inode{
		client:       c,
		vino:         vino,
		caps:         make(map[int32]*Cap),
		capNotify:    cos.NewNotifyCh(),
		exportingMDS: -1,
		truncateTo:   -1,
	}
}

func (in *Inode) Vino() cmn.Vino { return in.vino }

func (in *Inode) Size() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.size
}

func (in *Inode) MaxSize() uint64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.maxSize
}

// mdsOrder returns the authority ids with caps, ascending; every cap walk
// uses this order so that restarts cannot loop.
func (in *Inode) mdsOrder() []int32 {
	ids := make([]int32, 0, len(in.caps))
	for mds := range in.caps {
		ids = append(ids, mds)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// capsIssued returns the merged bitmask across all non-stale caps plus the
// snap caps. Caller holds in.mu.
func (in *Inode) capsIssued(implemented *uint32) uint32 {
	have := in.snapCaps
	for _, cap := range in.caps {
		if cap.session.staleCap(cap) {
			continue
		}
		have |= cap.issued
		if implemented != nil {
			*implemented |= cap.implemented
		}
	}
	return have
}

// Issued is the exported, locking form.
func (in *Inode) Issued() uint32 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.capsIssued(nil)
}

// capsUsed derives the in-use bits from the reference counters. Caller
// holds in.mu.
func (in *Inode) capsUsed() uint32 {
	var used uint32
	if in.rdRef > 0 {
		used |= CapRD
	}
	if in.rdcacheRef > 0 {
		used |= CapRDCache
	}
	if in.wrRef > 0 {
		used |= CapWR
	}
	if in.wrbufferRef > 0 {
		used |= CapWRBuffer
	}
	return used
}

// capsFileWanted derives wanted bits from open-file modes.
func (in *Inode) capsFileWanted() uint32 {
	var want uint32
	for mode := range NumModes {
		if in.nrByMode[mode] > 0 {
			want |= capsForMode(mode)
		}
	}
	return want
}

// capsWanted = file wants + used; dirty buffers additionally want EXCL.
func (in *Inode) capsWanted() uint32 {
	w := in.capsFileWanted() | in.capsUsed()
	if w&CapWRBuffer != 0 {
		w |= CapEXCL
	}
	return w
}

// GetFmode counts an open file of the given mode.
func (in *Inode) GetFmode(mode int) {
	in.mu.Lock()
	in.nrByMode[mode]++
	in.mu.Unlock()
}

// PutFmode drops an open file; the release of now-unwanted caps goes
// through the delayed-release path.
func (in *Inode) PutFmode(mode int) {
	in.mu.Lock()
	in.nrByMode[mode]--
	last := in.nrByMode[mode] == 0
	in.mu.Unlock()
	if last {
		in.client.CheckCaps(in, false)
	}
}

// pendingCapSnap reports whether the newest cap-snap is still accumulating
// (sync writes must drain before new writers proceed). Caller holds in.mu.
func (in *Inode) pendingCapSnap() bool {
	n := len(in.capSnaps)
	return n > 0 && in.capSnaps[n-1].writing
}

// notifyWaiters wakes everyone blocked on this inode's cap state.
func (in *Inode) notifyWaiters() { in.capNotify.Broadcast() }
