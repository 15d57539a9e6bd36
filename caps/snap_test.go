// Package caps implements capability-based cache coherence.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package caps

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trace(ino, seq uint64, snaps ...uint64) []byte {
	return encodeSnapTrace([]snapTraceRec{{
		Ino:        ino,
		Created:    1,
		Seq:        seq,
		LocalSnaps: snaps,
	}})
}

func TestSnapTraceGraft(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)
	in := h.inode(0x1000)

	require.NoError(t, h.c.AddCap(in, s, -1, CapRD, 1, 1, trace(rootRealmIno, 100, 100)))

	ctx := h.c.HeadSnapContext(in)
	require.NotNil(t, ctx)
	assert.EqualValues(t, 100, ctx.Seq)
	assert.Equal(t, []uint64{100}, ctx.Snaps)

	// an older trace is a no-op
	_, err := h.c.UpdateSnapTrace(trace(rootRealmIno, 50, 50))
	require.NoError(t, err)
	h.c.snapMu.Lock()
	r := h.c.realms[rootRealmIno]
	assert.EqualValues(t, 100, r.Seq)
	h.c.snapMu.Unlock()
}

func TestSnapContextInheritance(t *testing.T) {
	h := newHarness(t)

	// child realm 0x2000 under the root, acquired at snap 100
	_, err := h.c.UpdateSnapTrace(encodeSnapTrace([]snapTraceRec{
		{Ino: 0x2000, Created: 1, Seq: 150, ParentIno: rootRealmIno,
			ParentSince: 100, LocalSnaps: []uint64{150},
			PriorParentSnaps: []uint64{90}},
		{Ino: rootRealmIno, Created: 1, Seq: 120, LocalSnaps: []uint64{80, 120}},
	}))
	require.NoError(t, err)

	h.c.snapMu.Lock()
	child := h.c.realms[0x2000]
	ctx := child.context()
	h.c.snapMu.Unlock()

	// own snap 150, prior-parent 90, inherited 120 (>= parent_since);
	// parent snap 80 predates parent_since and is not inherited
	assert.EqualValues(t, 150, ctx.Seq)
	assert.Equal(t, []uint64{150, 120, 90}, ctx.Snaps, "descending, parent snaps filtered by parent_since")
}

// S5 + P8: captures flush strictly in follows order, each gated on the
// previous FLUSHEDSNAP.
func TestSnapFlushOrdering(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)
	in := h.inode(0x3000)

	require.NoError(t, h.c.AddCap(in, s, -1, allCaps, 1, 1, trace(rootRealmIno, 100, 100)))

	// writer with one dirty buffer against the seq-100 context
	ok, _ := h.c.GetCapRefs(in, CapWR|CapWRBuffer, 0, -1)
	require.True(t, ok)
	ctx100 := h.c.HeadSnapContext(in)
	require.EqualValues(t, 100, ctx100.Seq)

	// first snapshot boundary: capture follows=100, writing, dirty=1
	_, err := h.c.UpdateSnapTrace(trace(rootRealmIno, 110, 100, 110))
	require.NoError(t, err)
	in.mu.Lock()
	require.Len(t, in.capSnaps, 1)
	cs1 := in.capSnaps[0]
	assert.EqualValues(t, 100, cs1.follows)
	assert.True(t, cs1.writing)
	assert.Equal(t, 1, cs1.dirty)
	in.mu.Unlock()

	// the sync write completes; dirty data still pending
	h.c.PutCapRefs(in, CapWR)
	in.mu.Lock()
	assert.False(t, cs1.writing)
	in.mu.Unlock()
	assert.Empty(t, h.msgs(OpFlushSnap), "dirty capture must not flush")

	// new head writes against the seq-110 context
	ok, _ = h.c.GetCapRefs(in, CapWRBuffer, 0, -1)
	require.True(t, ok)
	ctx110 := h.c.HeadSnapContext(in)
	require.EqualValues(t, 110, ctx110.Seq)

	// second boundary: capture follows=110, not writing, dirty=1
	_, err = h.c.UpdateSnapTrace(trace(rootRealmIno, 120, 100, 110, 120))
	require.NoError(t, err)
	in.mu.Lock()
	require.Len(t, in.capSnaps, 2)
	cs2 := in.capSnaps[1]
	assert.EqualValues(t, 110, cs2.follows)
	assert.False(t, cs2.writing)
	assert.Equal(t, 1, cs2.dirty)
	in.mu.Unlock()

	// the younger capture drains first; it must still wait for the older
	h.c.PutWRBufferRefs(in, 1, ctx110)
	assert.Empty(t, h.msgs(OpFlushSnap), "younger capture must not overtake")

	// the older capture drains: exactly one FLUSHSNAP, follows=100
	h.c.PutWRBufferRefs(in, 1, ctx100)
	fl := h.msgs(OpFlushSnap)
	require.Len(t, fl, 1)
	assert.EqualValues(t, 100, fl[0].msg.SnapFollows)
	assert.EqualValues(t, 1, fl[0].mds)

	// FLUSHEDSNAP retires it and releases the next capture
	ack := &CapMessage{Op: OpFlushedSnap, Ino: 0x3000, SnapFollows: 100}
	require.NoError(t, h.c.HandleCapMessage(1, ack.Encode()))

	fl = h.msgs(OpFlushSnap)
	require.Len(t, fl, 2)
	assert.EqualValues(t, 110, fl[1].msg.SnapFollows)

	ack = &CapMessage{Op: OpFlushedSnap, Ino: 0x3000, SnapFollows: 110}
	require.NoError(t, h.c.HandleCapMessage(1, ack.Encode()))
	in.mu.Lock()
	assert.Empty(t, in.capSnaps)
	in.mu.Unlock()
}

// A snapshot boundary with no writer state captures nothing.
func TestSnapBoundaryWithoutWrites(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)
	in := h.inode(0x4000)
	require.NoError(t, h.c.AddCap(in, s, -1, CapRD|CapRDCache, 1, 1, trace(rootRealmIno, 10, 10)))

	_, err := h.c.UpdateSnapTrace(trace(rootRealmIno, 20, 10, 20))
	require.NoError(t, err)
	in.mu.Lock()
	assert.Empty(t, in.capSnaps)
	in.mu.Unlock()
}

// New writers needing WR wait while the newest capture still has a sync
// write in flight.
func TestPendingCapSnapBlocksWriters(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)
	in := h.inode(0x5000)
	require.NoError(t, h.c.AddCap(in, s, -1, allCaps, 1, 1, trace(rootRealmIno, 10, 10)))

	ok, _ := h.c.GetCapRefs(in, CapWR, 0, -1)
	require.True(t, ok)
	_, err := h.c.UpdateSnapTrace(trace(rootRealmIno, 20, 10, 20))
	require.NoError(t, err)

	ok, _ = h.c.GetCapRefs(in, CapWR, 0, -1)
	assert.False(t, ok, "pending cap-snap must gate new sync writes")

	h.c.PutCapRefs(in, CapWR)
	ok, got := h.c.GetCapRefs(in, CapWR, 0, -1)
	require.True(t, ok, "drained capture no longer gates")
	h.c.PutCapRefs(in, got)
}

func TestFlushWriteCapsOnSessionClose(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)
	in := h.inode(0x6000)
	require.NoError(t, h.c.AddCap(in, s, -1, allCaps, 1, 1, trace(rootRealmIno, 10, 10)))

	h.c.FlushWriteCaps(s)
	// the writable cap state goes out as a release (nothing wanted)
	rels := h.msgs(OpRelease)
	require.Len(t, rels, 1)
	assert.EqualValues(t, 0x6000, rels[0].msg.Ino)
	assert.Zero(t, rels[0].msg.Wanted)
}

func TestSnapTraceDecodeErrors(t *testing.T) {
	h := newHarness(t)
	b := trace(rootRealmIno, 100, 100)
	_, err := h.c.UpdateSnapTrace(b[:len(b)-2])
	assert.Error(t, err)
}
