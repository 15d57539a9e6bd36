// Package cmap implements the versioned cluster maps.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package cmap

import (
	"testing"

	"github.com/stratastore/strata/cmn"
	"github.com/stratastore/strata/crush"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAddr(t *testing.T, s string) cmn.EntityAddr {
	a, err := cmn.ParseAddr(s)
	require.NoError(t, err)
	return a
}

func sampleCrush(t *testing.T, numDev int) *crush.Map {
	cm := crush.NewMap(numDev)
	items := make([]int32, numDev)
	weights := make([]uint32, numDev)
	for i := range items {
		items[i] = int32(i)
		weights[i] = crush.WeightIn
	}
	root, err := cm.AddBucket(crush.AlgStraw, 1, items, weights)
	require.NoError(t, err)
	cm.AddRule(
		crush.RuleMask{Ruleset: PGTypeRep, Type: PGTypeRep, MinSize: 1, MaxSize: 4},
		[]crush.RuleStep{
			{Op: crush.RuleTake, Arg1: uint32(root)},
			{Op: crush.RuleChooseFirstN, Arg1: 0, Arg2: 0},
			{Op: crush.RuleEmit},
		})
	cm.Finalize()
	return cm
}

func sampleTargetMap(t *testing.T, fsid cmn.Fsid, numTargets int) *TargetMap {
	m := &TargetMap{
		Fsid:    fsid,
		Epoch:   5,
		Ctime:   Utime{Sec: 100, Nsec: 1},
		Mtime:   Utime{Sec: 200, Nsec: 2},
		PGNum:   64,
		PGPNum:  64,
		LPGNum:  16,
		LPGPNum: 16,
		Crush:   sampleCrush(t, numTargets),
	}
	m.CalcPGMasks()
	m.SetMaxTarget(numTargets)
	for i := range numTargets {
		m.State[i] = StateUp
		m.Addrs[i] = testAddr(t, "10.0.0.1:6800")
		m.Addrs[i].Port += uint16(i)
		m.UpFrom[i] = 1
	}
	m.SwapPrimary = []PGSwap{{PG: MakePGID(7, PGTypeRep, 2, -1, 0), Target: 3}}
	return m
}

func TestPGMasks(t *testing.T) {
	m := &TargetMap{PGNum: 64, PGPNum: 100, LPGNum: 1, LPGPNum: 0}
	m.CalcPGMasks()
	assert.EqualValues(t, 63, m.PGNumMask)
	assert.EqualValues(t, 127, m.PGPNumMask)
	assert.EqualValues(t, 0, m.LPGNumMask)
	assert.EqualValues(t, 0, m.LPGPNumMask)
}

func TestPGIDPacking(t *testing.T) {
	pg := MakePGID(0xbeef, PGTypeRep, 3, -1, 42)
	assert.EqualValues(t, 0xbeef, pg.PS())
	assert.EqualValues(t, PGTypeRep, pg.Type())
	assert.EqualValues(t, 3, pg.Size())
	assert.EqualValues(t, -1, pg.Preferred())
	assert.EqualValues(t, 42, pg.Pool())

	pg2 := MakePGID(1, PGTypeRep, 2, 7, 0)
	assert.EqualValues(t, 7, pg2.Preferred())
}

func TestStableMod(t *testing.T) {
	// every value folds into [0, b) for a non-power-of-two b
	for v := uint32(0); v < 1000; v++ {
		got := stableMod(v, 12, 15)
		assert.Less(t, got, uint32(12), "v=%d", v)
	}
	// power-of-two b degenerates to a plain mask
	for v := uint32(0); v < 100; v++ {
		assert.Equal(t, v&63, stableMod(v, 64, 63))
	}
}

func TestMonMapRoundTrip(t *testing.T) {
	m := &MonMap{
		Epoch: 3,
		Fsid:  cmn.Fsid{Major: 0x1111, Minor: 0x2222},
		Mons: []MonInst{
			{Rank: 0, Addr: testAddr(t, "10.0.0.1:6789")},
			{Rank: 1, Addr: testAddr(t, "10.0.0.2:6789")},
		},
	}
	b := m.Encode()
	require.Len(t, b, m.PackedSize())
	dec, err := DecodeMonMap(b)
	require.NoError(t, err)
	assert.Equal(t, m, dec)
	assert.Equal(t, b, dec.Encode())

	assert.True(t, m.Contains(testAddr(t, "10.0.0.2:6789")))
	assert.False(t, m.Contains(testAddr(t, "10.0.0.9:6789")))

	for _, cut := range []int{3, 20, len(b) - 1} {
		_, err := DecodeMonMap(b[:cut])
		assert.ErrorIs(t, err, cmn.ErrBadEncoding, "cut=%d", cut)
	}
}

func TestTargetMapRoundTrip(t *testing.T) {
	fsid := cmn.Fsid{Major: 7, Minor: 9}
	m := sampleTargetMap(t, fsid, 6)
	b := m.Encode()
	require.Len(t, b, m.PackedSize())

	dec, err := DecodeTargetMap(b)
	require.NoError(t, err)
	assert.Equal(t, b, dec.Encode(), "decode(encode(M)) must re-encode byte-for-byte")
	assert.Equal(t, m.Epoch, dec.Epoch)
	assert.Equal(t, m.PGNumMask, dec.PGNumMask)
	assert.Equal(t, m.Addrs, dec.Addrs)
	assert.Equal(t, m.SwapPrimary, dec.SwapPrimary)

	for _, cut := range []int{5, 40, len(b) / 2, len(b) - 2} {
		_, err := DecodeTargetMap(b[:cut])
		assert.ErrorIs(t, err, cmn.ErrBadEncoding, "cut=%d", cut)
	}
}

func TestIncrementalRoundTrip(t *testing.T) {
	fsid := cmn.Fsid{Major: 7, Minor: 9}
	inc := NewIncremental(fsid, 6)
	inc.Ctime = Utime{Sec: 42}
	inc.NewUp = []TargetUp{{Target: 7, Addr: testAddr(t, "10.0.0.7:6800")}}
	inc.NewDown = []TargetDown{{Target: 3, Clean: true}}
	inc.NewWeight = []TargetWeight{{Target: 1, Weight: 0x8000}}
	inc.NewAliveThru = []TargetAliveThru{{Target: 2, Epoch: 5}}
	inc.NewSwapPrimary = []PGSwap{{PG: MakePGID(9, PGTypeRep, 2, -1, 0), Target: 1}}
	inc.OldSwapPrimary = []PGID{MakePGID(7, PGTypeRep, 2, -1, 0)}

	b := inc.Encode()
	dec, err := DecodeIncremental(b)
	require.NoError(t, err)
	assert.Equal(t, inc.NewEpoch, dec.NewEpoch)
	assert.Equal(t, inc.NewUp, dec.NewUp)
	assert.Equal(t, inc.NewDown, dec.NewDown)
	assert.Equal(t, inc.NewWeight, dec.NewWeight)
	assert.Equal(t, b, dec.Encode())

	_, err = DecodeIncremental(b[:len(b)-3])
	assert.ErrorIs(t, err, cmn.ErrBadEncoding)
	_, err = DecodeIncremental(append(append([]byte(nil), b...), 0))
	assert.ErrorIs(t, err, cmn.ErrBadEncoding, "trailing gunk")
}

// S3: apply {new_up=[(7, 10.0.0.7:6800)], new_down=[(3, clean)]} to epoch 5.
func TestIncrementalHappyPath(t *testing.T) {
	fsid := cmn.Fsid{Major: 7, Minor: 9}
	m := sampleTargetMap(t, fsid, 10)

	inc := NewIncremental(fsid, 6)
	inc.NewUp = []TargetUp{{Target: 7, Addr: testAddr(t, "10.0.0.7:6800")}}
	inc.NewDown = []TargetDown{{Target: 3, Clean: true}}

	var downed []cmn.EntityAddr
	next, err := m.Apply(inc, func(a cmn.EntityAddr) { downed = append(downed, a) })
	require.NoError(t, err)

	assert.EqualValues(t, 6, next.Epoch)
	assert.True(t, next.IsUp(7))
	addr, _ := next.AddrOf(7)
	assert.Equal(t, "10.0.0.7:6800", addr.String())
	assert.EqualValues(t, 6, next.UpFrom[7])
	assert.False(t, next.IsUp(3))
	assert.NotEmpty(t, downed)

	// everything else preserved; the source map untouched
	assert.True(t, next.IsUp(2))
	assert.EqualValues(t, 5, m.Epoch)
	assert.True(t, m.IsUp(3))
}

// P5: a delta whose epoch is not current+1 leaves the map unchanged.
func TestIncrementalEpochMonotonicity(t *testing.T) {
	fsid := cmn.Fsid{Major: 7, Minor: 9}
	m := sampleTargetMap(t, fsid, 4)
	before := m.Encode()

	for _, e := range []cmn.Epoch{5, 7, 100} {
		inc := NewIncremental(fsid, e)
		_, err := m.Apply(inc, nil)
		assert.ErrorIs(t, err, cmn.ErrEpochStale, "epoch %d", e)
		assert.Equal(t, before, m.Encode(), "map mutated on rejected delta")
	}

	inc := NewIncremental(cmn.Fsid{Major: 1}, 6)
	_, err := m.Apply(inc, nil)
	assert.Error(t, err, "wrong fsid must fail")
}

func TestIncrementalFullMap(t *testing.T) {
	fsid := cmn.Fsid{Major: 7, Minor: 9}
	m := sampleTargetMap(t, fsid, 4)
	full := sampleTargetMap(t, fsid, 8)
	full.Epoch = 9

	inc := NewIncremental(fsid, 9)
	inc.FullMap = full.Encode()
	next, err := m.Apply(inc, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 9, next.Epoch)
	assert.Equal(t, 8, next.MaxTarget())
}

func TestIncrementalWeightUpdateIsolation(t *testing.T) {
	fsid := cmn.Fsid{Major: 7, Minor: 9}
	m := sampleTargetMap(t, fsid, 4)

	inc := NewIncremental(fsid, 6)
	inc.NewWeight = []TargetWeight{{Target: 1, Weight: 0x4000}}
	next, err := m.Apply(inc, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 0x4000, next.WeightOf(1))
	assert.EqualValues(t, crush.WeightIn, m.WeightOf(1), "published epoch mutated")
}

func TestPGToTargets(t *testing.T) {
	fsid := cmn.Fsid{Major: 7, Minor: 9}
	m := sampleTargetMap(t, fsid, 6)

	pg := MakePGID(0x1234, PGTypeRep, 3, -1, 0)
	out, err := m.PGToTargets(pg)
	require.NoError(t, err)
	require.Len(t, out, 3)
	seen := make(map[int32]bool)
	for _, tgt := range out {
		assert.False(t, seen[tgt])
		seen[tgt] = true
	}

	// determinism
	out2, err := m.PGToTargets(pg)
	require.NoError(t, err)
	assert.Equal(t, out, out2)

	// acting set drops down targets
	m.State[out[0]] &^= StateUp
	acting, err := m.PGToActingTargets(pg)
	require.NoError(t, err)
	assert.NotContains(t, acting, out[0])
}

func TestCalcObjectPG(t *testing.T) {
	fl := &FileLayout{
		StripeUnit:  1 << 20,
		StripeCount: 2,
		ObjectSize:  4 << 20,
		PGSize:      2,
		PGType:      PGTypeRep,
		PGPreferred: -1,
		Pool:        1,
	}
	a := CalcObjectPG(ObjectID{Ino: 10, BNo: 0}, fl)
	b := CalcObjectPG(ObjectID{Ino: 10, BNo: 1}, fl)
	assert.NotEqual(t, a.PS(), b.PS(), "objects of a file spread over groups")
	assert.EqualValues(t, 2, a.Size())
	assert.EqualValues(t, 1, a.Pool())

	n1 := NamedObjectPG("bucket/key-1", fl)
	n2 := NamedObjectPG("bucket/key-2", fl)
	assert.Equal(t, NamedObjectPG("bucket/key-1", fl), n1)
	assert.NotEqual(t, n1.PS(), n2.PS())
}

func TestCalcFileObjectMapping(t *testing.T) {
	fl := &FileLayout{
		StripeUnit:  1 << 20,
		StripeCount: 2,
		ObjectSize:  4 << 20,
	}
	// an extent inside the first stripe unit
	oid, oxoff, oxlen, next, rem := CalcFileObjectMapping(42, fl, 0, 4096)
	assert.EqualValues(t, 42, oid.Ino)
	assert.EqualValues(t, 0, oid.BNo)
	assert.EqualValues(t, 0, oxoff)
	assert.EqualValues(t, 4096, oxlen)
	assert.EqualValues(t, 4096, next)
	assert.EqualValues(t, 0, rem)

	// the second stripe unit lands on the second object
	oid, oxoff, _, _, _ = CalcFileObjectMapping(42, fl, 1<<20, 4096)
	assert.EqualValues(t, 1, oid.BNo)
	assert.EqualValues(t, 0, oxoff)
}
