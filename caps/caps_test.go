// Package caps implements capability-based cache coherence.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package caps

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stratastore/strata/cmn"
	"github.com/stratastore/strata/hk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func timeoutCtx(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

type sentMsg struct {
	mds int32
	msg *CapMessage
}

// harness captures every outbound capability message instead of putting it
// on a bus.
type harness struct {
	t  *testing.T
	hk *hk.Housekeeper
	c  *Client

	mu   sync.Mutex
	sent []sentMsg
}

func newHarness(t *testing.T) *harness {
	h := &harness{t: t, hk: hk.New()}
	cfg := cmn.NewConfig()
	h.c = New(cfg, h.hk, func(mds int32, _ cmn.EntityAddr, data []byte) error {
		msg, err := DecodeCapMessage(data)
		require.NoError(t, err)
		h.mu.Lock()
		h.sent = append(h.sent, sentMsg{mds: mds, msg: msg})
		h.mu.Unlock()
		return nil
	})
	t.Cleanup(func() {
		h.c.Stop()
		h.hk.Stop()
	})
	return h
}

func (h *harness) msgs(op uint32) []sentMsg {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []sentMsg
	for _, s := range h.sent {
		if s.msg.Op == op {
			out = append(out, s)
		}
	}
	return out
}

func (h *harness) session(mds int32) *Session {
	addr, err := cmn.ParseAddr("10.1.0.1:7000")
	require.NoError(h.t, err)
	addr.Port += uint16(mds)
	return h.c.OpenSession(mds, addr)
}

func (h *harness) inode(ino uint64) *Inode {
	return h.c.GetInode(cmn.Vino{Ino: ino, Snap: cmn.NoSnap})
}

const allCaps = CapRD | CapRDCache | CapWR | CapWRBuffer | CapEXCL

func TestAddCapIdempotent(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)
	in := h.inode(0x100)

	require.NoError(t, h.c.AddCap(in, s, ModeRD, CapRD|CapRDCache, 1, 1, nil))
	require.NoError(t, h.c.AddCap(in, s, -1, CapRD|CapRDCache|CapWR, 2, 1, nil))

	assert.Equal(t, 1, s.NumCaps(), "session cap list must not grow duplicates")
	in.mu.Lock()
	require.Len(t, in.caps, 1)
	cap := in.caps[1]
	assert.Equal(t, CapRD|CapRDCache|CapWR, cap.issued)
	assert.EqualValues(t, 2, cap.seq)
	in.mu.Unlock()
}

func TestIssuedUnionAndStaleness(t *testing.T) {
	h := newHarness(t)
	s1, s2 := h.session(1), h.session(2)
	in := h.inode(0x200)

	require.NoError(t, h.c.AddCap(in, s1, -1, CapRD|CapRDCache, 1, 1, nil))
	require.NoError(t, h.c.AddCap(in, s2, -1, CapWR|CapWRBuffer, 1, 1, nil))
	assert.Equal(t, CapRD|CapRDCache|CapWR|CapWRBuffer, in.Issued())

	// snap caps contribute
	in.mu.Lock()
	in.snapCaps = CapEXCL
	in.mu.Unlock()
	assert.Equal(t, allCaps, in.Issued())

	// a stale session contributes nothing
	s2.Stale()
	assert.Equal(t, CapRD|CapRDCache|CapEXCL, in.Issued())

	// refresh: a new grant under the current generation revives the cap
	g := &CapMessage{Op: OpGrant, Seq: 2, Caps: CapWR | CapWRBuffer, Ino: 0x200}
	require.NoError(t, h.c.HandleCapMessage(2, g.Encode()))
	assert.Equal(t, allCaps|CapWR|CapWRBuffer, in.Issued())
}

func TestGetPutCapRefs(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)
	in := h.inode(0x300)
	require.NoError(t, h.c.AddCap(in, s, ModeRD, CapRD|CapRDCache, 1, 1, nil))

	ok, got := h.c.GetCapRefs(in, CapRD, CapRDCache, -1)
	require.True(t, ok)
	assert.Equal(t, CapRD|CapRDCache, got)

	// WR is not issued
	ok, _ = h.c.GetCapRefs(in, CapWR, 0, -1)
	assert.False(t, ok)

	h.c.PutCapRefs(in, got)
	in.mu.Lock()
	assert.Zero(t, in.rdRef)
	assert.Zero(t, in.rdcacheRef)
	in.mu.Unlock()
}

// S4 + P7: revocation drains through reference release and the ack carries
// implemented == issued.
func TestRevocationDrain(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)
	in := h.inode(0x400)
	require.NoError(t, h.c.AddCap(in, s, ModeRD, CapRD|CapRDCache|CapWR|CapWRBuffer, 1, 1, nil))

	ok, got := h.c.GetCapRefs(in, CapRD|CapRDCache, 0, -1)
	require.True(t, ok)
	require.Equal(t, CapRD|CapRDCache, got)

	// authority narrows to RD while RDCACHE is still in use
	g := &CapMessage{Op: OpGrant, Seq: 2, Caps: CapRD, Ino: 0x400}
	require.NoError(t, h.c.HandleCapMessage(1, g.Encode()))

	in.mu.Lock()
	cap := in.caps[1]
	assert.Equal(t, CapRD, cap.issued)
	assert.Equal(t, CapRD|CapRDCache|CapWR|CapWRBuffer, cap.implemented,
		"implemented keeps the old set while revoked bits are in use")
	in.mu.Unlock()
	assert.Empty(t, h.msgs(OpAck), "no ack while the revoked bit is held")

	// the last RDCACHE ref drains: the ack completes the revocation
	h.c.PutCapRefs(in, CapRDCache)

	acks := h.msgs(OpAck)
	require.Len(t, acks, 1)
	assert.Equal(t, CapRD, acks[0].msg.Caps, "ack carries implemented == issued")
	assert.EqualValues(t, 1, acks[0].mds)
	in.mu.Lock()
	assert.Equal(t, CapRD, cap.implemented)
	assert.Equal(t, CapRD, cap.issued)
	in.mu.Unlock()
}

// P10: the max-size request goes out exactly once until granted.
func TestMaxSizeHandshake(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)
	in := h.inode(0x500)
	require.NoError(t, h.c.AddCap(in, s, ModeWR, CapWR|CapWRBuffer, 1, 1, nil))

	ok, _ := h.c.GetCapRefs(in, CapWR, 0, 4096)
	assert.False(t, ok, "write past max_size must not proceed")

	h.c.CheckCaps(in, false)
	reqs := h.msgs(OpAck)
	require.Len(t, reqs, 1)
	assert.EqualValues(t, 4096, reqs[0].msg.MaxSize)

	// no duplicate request until a grant or a larger want
	h.c.CheckCaps(in, false)
	h.c.CheckCaps(in, true)
	assert.Len(t, h.msgs(OpAck), 1)

	// the authority grants a larger ceiling
	g := &CapMessage{Op: OpGrant, Seq: 2, Caps: CapWR | CapWRBuffer, Ino: 0x500, MaxSize: 1 << 20}
	require.NoError(t, h.c.HandleCapMessage(1, g.Encode()))
	assert.EqualValues(t, 1<<20, in.MaxSize())

	ok, got := h.c.GetCapRefs(in, CapWR, 0, 4096)
	require.True(t, ok)
	h.c.PutCapRefs(in, got)
}

// S6: EXPORT parks the cap in the migration scratch slots; IMPORT with a
// higher mseq installs the cap at the new authority and clears them.
func TestAuthorityMigration(t *testing.T) {
	h := newHarness(t)
	s1, s2 := h.session(1), h.session(2)
	in := h.inode(0x600)
	require.NoError(t, h.c.AddCap(in, s1, -1, CapRD|CapWR, 1, 3, nil))

	// hold refs so reconciliation does not release anything mid-flight
	ok, got := h.c.GetCapRefs(in, CapRD|CapWR, 0, -1)
	require.True(t, ok)

	ex := &CapMessage{Op: OpExport, MigrateSeq: 4, Ino: 0x600}
	require.NoError(t, h.c.HandleCapMessage(1, ex.Encode()))

	in.mu.Lock()
	assert.Empty(t, in.caps)
	assert.EqualValues(t, 1, in.exportingMDS)
	assert.EqualValues(t, 4, in.exportingMSeq)
	assert.Equal(t, CapRD|CapWR, in.exportingIssued)
	in.mu.Unlock()
	assert.Equal(t, 0, s1.NumCaps())

	im := &CapMessage{Op: OpImport, Caps: CapRD | CapWR, Seq: 1, MigrateSeq: 5, Ino: 0x600}
	require.NoError(t, h.c.HandleCapMessage(2, im.Encode()))

	in.mu.Lock()
	assert.EqualValues(t, -1, in.exportingMDS)
	assert.Zero(t, in.exportingMSeq)
	require.NotNil(t, in.caps[2])
	assert.Equal(t, CapRD|CapWR, in.caps[2].issued)
	assert.EqualValues(t, 5, in.caps[2].mseq)
	in.mu.Unlock()
	assert.Equal(t, 1, s2.NumCaps())

	h.c.PutCapRefs(in, got)
}

// An EXPORT older than an already-seen migration is not remembered.
func TestStaleExportIgnored(t *testing.T) {
	h := newHarness(t)
	s1, s2 := h.session(1), h.session(2)
	in := h.inode(0x700)
	require.NoError(t, h.c.AddCap(in, s1, -1, CapRD, 1, 3, nil))
	require.NoError(t, h.c.AddCap(in, s2, -1, CapRD, 1, 9, nil))

	ex := &CapMessage{Op: OpExport, MigrateSeq: 4, Ino: 0x700}
	require.NoError(t, h.c.HandleCapMessage(1, ex.Encode()))

	in.mu.Lock()
	assert.EqualValues(t, -1, in.exportingMDS, "older mseq must not be remembered")
	assert.Nil(t, in.caps[1], "the cap is removed regardless")
	assert.NotNil(t, in.caps[2])
	in.mu.Unlock()
}

func TestReleasedRemovesCap(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)
	in := h.inode(0x800)
	require.NoError(t, h.c.AddCap(in, s, -1, CapRD, 1, 1, nil))

	rel := &CapMessage{Op: OpReleased, Seq: 2, Ino: 0x800}
	require.NoError(t, h.c.HandleCapMessage(1, rel.Encode()))

	in.mu.Lock()
	assert.Empty(t, in.caps)
	assert.False(t, in.pinned)
	assert.Nil(t, in.realm)
	in.mu.Unlock()
	assert.Equal(t, 0, s.NumCaps())
}

func TestUnknownInodeGetsRelease(t *testing.T) {
	h := newHarness(t)
	h.session(1)

	g := &CapMessage{Op: OpGrant, Seq: 7, Caps: CapRD, Ino: 0xdead}
	require.NoError(t, h.c.HandleCapMessage(1, g.Encode()))

	rels := h.msgs(OpRelease)
	require.Len(t, rels, 1)
	assert.EqualValues(t, 0xdead, rels[0].msg.Ino)
	assert.EqualValues(t, 7, rels[0].msg.Seq)
}

func TestTruncation(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)
	in := h.inode(0x900)
	require.NoError(t, h.c.AddCap(in, s, -1, CapRD, 1, 1, nil))
	in.mu.Lock()
	in.size = 8192
	in.mu.Unlock()

	tr := &CapMessage{Op: OpTrunc, Seq: 2, Ino: 0x900, Size: 4096}
	require.NoError(t, h.c.HandleCapMessage(1, tr.Encode()))

	// the in-memory size reflects the new value immediately; the pending
	// watermark fences until the background job runs
	assert.EqualValues(t, 4096, in.Size())
	in.mu.Lock()
	pending := in.truncateTo
	in.mu.Unlock()
	assert.EqualValues(t, 4096, pending)

	assert.Eventually(t, func() bool {
		in.mu.Lock()
		defer in.mu.Unlock()
		return in.truncateTo == -1
	}, 3*time.Second, 10*time.Millisecond, "background truncate should clear the watermark")
}

func TestWaitForCapRefsTimeout(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)
	in := h.inode(0xa00)
	require.NoError(t, h.c.AddCap(in, s, -1, CapRD, 1, 1, nil))

	ctx, cancel := timeoutCtx(200 * time.Millisecond)
	defer cancel()
	_, err := h.c.WaitForCapRefs(ctx, in, CapWR, 0, -1)
	assert.ErrorIs(t, err, cmn.ErrTimeout)
}

func TestWaitForCapRefsWakesOnGrant(t *testing.T) {
	h := newHarness(t)
	s := h.session(1)
	in := h.inode(0xb00)
	require.NoError(t, h.c.AddCap(in, s, -1, CapRD, 1, 1, nil))

	done := make(chan uint32, 1)
	go func() {
		ctx, cancel := timeoutCtx(5 * time.Second)
		defer cancel()
		got, err := h.c.WaitForCapRefs(ctx, in, CapWR, 0, -1)
		if err == nil {
			done <- got
		}
	}()

	time.Sleep(50 * time.Millisecond)
	g := &CapMessage{Op: OpGrant, Seq: 2, Caps: CapRD | CapWR, Ino: 0xb00}
	require.NoError(t, h.c.HandleCapMessage(1, g.Encode()))

	select {
	case got := <-done:
		assert.Equal(t, CapWR, got&CapWR)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter not woken by grant")
	}
	h.c.PutCapRefs(in, CapWR)
}

func TestCapMessageRoundTrip(t *testing.T) {
	m := &CapMessage{
		Op:          OpGrant,
		Seq:         3,
		MigrateSeq:  1,
		Caps:        CapRD | CapWR,
		Wanted:      CapRD,
		Ino:         0x42,
		Size:        123,
		MaxSize:     1 << 20,
		SnapFollows: 99,
		Mtime:       time.Unix(1000, 500),
		Atime:       time.Unix(2000, 600),
		Ctime:       time.Unix(3000, 700),
		TimeWarpSeq: 5,
		SnapTrace:   []byte{1, 2, 3},
	}
	b := m.Encode()
	dec, err := DecodeCapMessage(b)
	require.NoError(t, err)
	assert.Equal(t, m.Op, dec.Op)
	assert.Equal(t, m.Caps, dec.Caps)
	assert.Equal(t, m.Ino, dec.Ino)
	assert.True(t, m.Mtime.Equal(dec.Mtime))
	assert.Equal(t, m.SnapTrace, dec.SnapTrace)
	assert.Equal(t, b, dec.Encode())

	_, err = DecodeCapMessage(b[:10])
	assert.ErrorIs(t, err, cmn.ErrBadEncoding)
}
