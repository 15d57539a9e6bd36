// Package caps implements capability-based cache coherence.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package caps

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/stratastore/strata/cmn"
	"github.com/stratastore/strata/cmn/cos"
	"github.com/stratastore/strata/cmn/nlog"
)

// SnapContext is the set of snapshots in effect when data is written: the
// highest snap seq plus every applicable snap id, sorted descending. It
// rides along with every mutation so the storage layer can copy-on-write,
// and it is shared: cap-snaps and dirty buffers hold it immutable.
type SnapContext struct {
	Seq   uint64
	Snaps []uint64 // descending
}

const rootRealmIno = 1

// Realm is a node of the snapshot hierarchy: the subtree of the namespace
// sharing one set of snapshots. Children inherit the parent's snaps;
// PriorParentSnaps preserves what was inherited from parents the realm had
// before ParentSince. Guarded by the client's realm RW lock.
type Realm struct {
	Ino     uint64
	Created uint64
	Seq     uint64

	ParentIno        uint64
	ParentSince      uint64
	PriorParentSnaps []uint64
	LocalSnaps       []uint64

	parent   *Realm
	children []*Realm

	cached *SnapContext

	inodesWithCaps map[*Inode]struct{}
	nref           int
}

//
// realm arena
//

// getRealmLocked returns (creating if needed) the realm for ino. Caller
// holds snapMu for writing.
func (c *Client) getRealmLocked(ino uint64) *Realm {
	r, ok := c.realms[ino]
	if !ok {
		r = &Realm{Ino: ino, inodesWithCaps: make(map[*Inode]struct{})}
		c.realms[ino] = r
	}
	return r
}

func (c *Client) rootRealmLocked() *Realm { return c.getRealmLocked(rootRealmIno) }

// putRealmLocked drops one reference; an unreferenced realm with no
// children and no member inodes is detached and deleted.
func (c *Client) putRealmLocked(r *Realm) {
	r.nref--
	if r.nref > 0 || len(r.children) > 0 || len(r.inodesWithCaps) > 0 {
		return
	}
	if r.parent != nil {
		r.parent.unlinkChild(r)
		r.parent = nil
	}
	delete(c.realms, r.Ino)
}

func (r *Realm) unlinkChild(child *Realm) {
	for i, ch := range r.children {
		if ch == child {
			r.children = append(r.children[:i], r.children[i+1:]...)
			return
		}
	}
}

// invalidate drops the cached context of r and every descendant.
func (r *Realm) invalidate() {
	r.cached = nil
	for _, ch := range r.children {
		ch.invalidate()
	}
}

// context returns (building if needed) the realm's snap context: seq is
// the max over the realm and its ancestors; the snap set is the realm's
// own snaps, the prior-parent snaps, and everything inherited through the
// current parent. Caller holds snapMu (write, so the cache can be filled).
func (r *Realm) context() *SnapContext {
	if r.cached != nil {
		return r.cached
	}
	var (
		seq   = r.Seq
		snaps = make([]uint64, 0, len(r.LocalSnaps)+len(r.PriorParentSnaps))
	)
	snaps = append(snaps, r.LocalSnaps...)
	snaps = append(snaps, r.PriorParentSnaps...)
	if r.parent != nil {
		pc := r.parent.context()
		if pc.Seq > seq {
			seq = pc.Seq
		}
		for _, s := range pc.Snaps {
			if s >= r.ParentSince {
				snaps = append(snaps, s)
			}
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i] > snaps[j] })
	// dedup (a snap can arrive via both prior-parent and parent paths)
	out := snaps[:0]
	for i, s := range snaps {
		if i == 0 || s != snaps[i-1] {
			out = append(out, s)
		}
	}
	r.cached = &SnapContext{Seq: seq, Snaps: out}
	return r.cached
}

// currentContext is the read-side accessor: contexts are rebuilt eagerly
// under the write lock whenever a trace is grafted, so readers only ever
// see the cached value.
func (r *Realm) currentContext() *SnapContext {
	if r.cached != nil {
		return r.cached
	}
	return &SnapContext{Seq: r.Seq}
}

//
// snap trace
//

// snapTraceRec is one realm record of a snap trace: the blob the authority
// attaches to cap messages describing the realm chain from the affected
// inode up toward the root.
type snapTraceRec struct {
	Ino              uint64
	Created          uint64
	Seq              uint64
	ParentIno        uint64
	ParentSince      uint64
	PriorParentSnaps []uint64
	LocalSnaps       []uint64
}

// encodeSnapTrace packs realm records (first record = the inode's own
// realm, then ancestors).
func encodeSnapTrace(recs []snapTraceRec) []byte {
	p := cos.NewPacker(nil, 64)
	p.WriteUint32(uint32(len(recs)))
	for i := range recs {
		r := &recs[i]
		p.WriteUint64(r.Ino)
		p.WriteUint64(r.Created)
		p.WriteUint64(r.Seq)
		p.WriteUint64(r.ParentIno)
		p.WriteUint64(r.ParentSince)
		p.WriteUint32(uint32(len(r.PriorParentSnaps)))
		for _, s := range r.PriorParentSnaps {
			p.WriteUint64(s)
		}
		p.WriteUint32(uint32(len(r.LocalSnaps)))
		for _, s := range r.LocalSnaps {
			p.WriteUint64(s)
		}
	}
	return p.Bytes()
}

func decodeSnapTrace(b []byte) ([]snapTraceRec, error) {
	u := cos.NewUnpacker(b)
	n, err := u.ReadUint32()
	if err != nil {
		return nil, errors.Wrap(cmn.ErrBadEncoding, err.Error())
	}
	if int(n) > u.Remaining()/(5*cos.SizeofI64) {
		return nil, errors.Wrap(cmn.ErrBadEncoding, cos.ErrBufferUnderrun.Error())
	}
	recs := make([]snapTraceRec, n)
	readSnaps := func() ([]uint64, error) {
		cnt, err := u.ReadUint32()
		if err != nil {
			return nil, err
		}
		if int(cnt) > u.Remaining()/cos.SizeofI64 {
			return nil, cos.ErrBufferUnderrun
		}
		s := make([]uint64, cnt)
		for i := range s {
			if s[i], err = u.ReadUint64(); err != nil {
				return nil, err
			}
		}
		return s, nil
	}
	for i := range recs {
		r := &recs[i]
		for _, dst := range []*uint64{&r.Ino, &r.Created, &r.Seq, &r.ParentIno, &r.ParentSince} {
			if *dst, err = u.ReadUint64(); err != nil {
				return nil, errors.Wrap(cmn.ErrBadEncoding, err.Error())
			}
		}
		if r.PriorParentSnaps, err = readSnaps(); err != nil {
			return nil, errors.Wrap(cmn.ErrBadEncoding, err.Error())
		}
		if r.LocalSnaps, err = readSnaps(); err != nil {
			return nil, errors.Wrap(cmn.ErrBadEncoding, err.Error())
		}
	}
	return recs, nil
}

// UpdateSnapTrace grafts a snap trace into the realm tree under the realm
// write lock and returns the realm of the trace's first record (nil for an
// empty trace). Whenever a realm's effective context is about to change,
// every member inode's pre-change state is captured as a cap-snap first.
func (c *Client) UpdateSnapTrace(blob []byte) (*Realm, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	recs, err := decodeSnapTrace(blob)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}

	c.snapMu.Lock()
	defer c.snapMu.Unlock()

	var first *Realm
	for i := range recs {
		rec := &recs[i]
		r := c.getRealmLocked(rec.Ino)
		if first == nil {
			first = r
		}
		if rec.Seq <= r.Seq && r.Created != 0 {
			continue // nothing new for this realm
		}

		// capture pre-change state of every member inode, then apply
		c.queueRealmCapSnaps(r)

		r.Created = rec.Created
		r.Seq = rec.Seq
		r.PriorParentSnaps = rec.PriorParentSnaps
		r.LocalSnaps = rec.LocalSnaps
		r.ParentSince = rec.ParentSince

		if r.ParentIno != rec.ParentIno {
			if r.parent != nil {
				r.parent.unlinkChild(r)
				c.putRealmLocked(r.parent)
			}
			r.ParentIno = rec.ParentIno
			if rec.ParentIno != 0 {
				p := c.getRealmLocked(rec.ParentIno)
				p.nref++
				p.children = append(p.children, r)
				r.parent = p
			} else {
				r.parent = nil
			}
		}
		r.invalidate()
		nlog.Infof("caps: snap realm %x now seq %d (%d local, %d inherited-prior)",
			r.Ino, r.Seq, len(r.LocalSnaps), len(r.PriorParentSnaps))
	}
	// rebuild every invalidated context while the write lock still allows
	// it; read-side paths only consume cached contexts
	for _, r := range c.realms {
		r.context()
	}
	return first, nil
}

// HeadSnapContext returns the context to tag new buffered writes with:
// the inode realm's current context, cached on the inode until the next
// snapshot boundary.
func (c *Client) HeadSnapContext(in *Inode) *SnapContext {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.headSnapc == nil && in.realm != nil {
		in.headSnapc = in.realm.context()
	}
	return in.headSnapc
}

// queueRealmCapSnaps captures a cap-snap for every inode holding caps in r
// and its descendants, against the still-cached pre-change context. Caller
// holds snapMu for writing.
func (c *Client) queueRealmCapSnaps(r *Realm) {
	old := r.context()
	for in := range r.inodesWithCaps {
		c.queueCapSnap(in, old)
	}
	for _, ch := range r.children {
		c.queueRealmCapSnaps(ch)
	}
}
