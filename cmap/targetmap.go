// Package cmap implements the versioned cluster maps.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package cmap

import (
	"time"

	"github.com/pkg/errors"
	"github.com/stratastore/strata/cmn"
	"github.com/stratastore/strata/cmn/cos"
	"github.com/stratastore/strata/crush"
)

// Per-target state bits.
const (
	StateUp uint8 = 1 << iota
	StateClean
)

// Utime is the map timestamp: seconds + nanoseconds, 8 bytes on the wire.
type Utime struct {
	Sec  uint32
	Nsec uint32
}

func UtimeNow() Utime {
	now := time.Now()
	return Utime{Sec: uint32(now.Unix()), Nsec: uint32(now.Nanosecond())}
}

// PGSwap pins an explicit primary for one placement group.
type PGSwap struct {
	PG     PGID
	Target uint32
}

// TargetMap describes the storage-target cluster at one epoch: membership,
// per-target state and addresses, placement-group geometry, and the
// embedded CRUSH topology (which also carries the per-target in/out
// weights). Immutable once published; mutations go through incrementals
// and produce the next epoch.
type TargetMap struct {
	Fsid  cmn.Fsid
	Epoch cmn.Epoch
	Ctime Utime
	Mtime Utime

	PGNum, PGNumMask     uint32
	PGPNum, PGPNumMask   uint32
	LPGNum, LPGNumMask   uint32
	LPGPNum, LPGPNumMask uint32
	LastPGChange         cmn.Epoch

	Flags uint32

	State  []uint8 // len == MaxTarget
	Addrs  []cmn.EntityAddr
	UpFrom []uint32
	UpThru []uint32

	SwapPrimary []PGSwap

	Crush *crush.Map
}

func (m *TargetMap) MaxTarget() int { return len(m.State) }

func (m *TargetMap) IsUp(t int) bool {
	return t >= 0 && t < len(m.State) && m.State[t]&StateUp != 0
}

func (m *TargetMap) AddrOf(t int) (cmn.EntityAddr, bool) {
	if t < 0 || t >= len(m.Addrs) {
		return cmn.EntityAddr{}, false
	}
	return m.Addrs[t], true
}

func (m *TargetMap) WeightOf(t int) uint32 {
	if m.Crush == nil || t < 0 || t >= len(m.Crush.DeviceWeights) {
		return 0
	}
	return m.Crush.DeviceWeights[t]
}

func calcBitsOf(t uint32) uint32 {
	b := uint32(0)
	for t != 0 {
		t >>= 1
		b++
	}
	return b
}

func pgMask(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	return 1<<calcBitsOf(n-1) - 1
}

// CalcPGMasks rederives the four masks from the counts; every constructor
// and decoder calls it.
func (m *TargetMap) CalcPGMasks() {
	m.PGNumMask = pgMask(m.PGNum)
	m.PGPNumMask = pgMask(m.PGPNum)
	m.LPGNumMask = pgMask(m.LPGNum)
	m.LPGPNumMask = pgMask(m.LPGPNum)
}

// SetMaxTarget grows (or shrinks) the per-target arrays, preserving
// existing entries.
func (m *TargetMap) SetMaxTarget(max int) {
	state := make([]uint8, max)
	addrs := make([]cmn.EntityAddr, max)
	upFrom := make([]uint32, max)
	upThru := make([]uint32, max)
	copy(state, m.State)
	copy(addrs, m.Addrs)
	copy(upFrom, m.UpFrom)
	copy(upThru, m.UpThru)
	m.State, m.Addrs, m.UpFrom, m.UpThru = state, addrs, upFrom, upThru
}

// Clone returns a deep-enough copy for incremental application: per-target
// arrays are copied; the CRUSH topology is shared until replaced.
func (m *TargetMap) Clone() *TargetMap {
	n := *m
	n.State = append([]uint8(nil), m.State...)
	n.Addrs = append([]cmn.EntityAddr(nil), m.Addrs...)
	n.UpFrom = append([]uint32(nil), m.UpFrom...)
	n.UpThru = append([]uint32(nil), m.UpThru...)
	n.SwapPrimary = append([]PGSwap(nil), m.SwapPrimary...)
	return &n
}

// PGToTargets computes the raw CRUSH mapping for a placement group: an
// ordered set of distinct target ids, at most pg.Size() of them.
func (m *TargetMap) PGToTargets(pg PGID) ([]int32, error) {
	if m.Crush == nil {
		return nil, errors.Wrap(cmn.ErrNotFound, "map has no crush topology")
	}
	var (
		ps        = uint32(pg.PS())
		preferred = int32(pg.Preferred())
		size      = int(pg.Size())
		x         uint32
		force     = int32(-1)
	)
	if preferred >= 0 {
		x = stableMod(ps, m.LPGPNum, m.LPGPNumMask)
		force = preferred
	} else {
		x = stableMod(ps, m.PGPNum, m.PGPNumMask)
	}
	ruleno := m.Crush.FindRule(int(pg.Type()), int(pg.Type()), size)
	if ruleno < 0 {
		return nil, errors.Wrapf(cmn.ErrNotFound, "no rule for type %d size %d", pg.Type(), size)
	}
	out, err := m.Crush.DoRule(ruleno, x, size, force, m.Crush.DeviceWeights)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PGToActingTargets filters the raw mapping down to targets that exist and
// are up, applying any primary-swap override for this group.
func (m *TargetMap) PGToActingTargets(pg PGID) ([]int32, error) {
	raw, err := m.PGToTargets(pg)
	if err != nil {
		return nil, err
	}
	acting := raw[:0]
	for _, t := range raw {
		if m.IsUp(int(t)) {
			acting = append(acting, t)
		}
	}
	for i := range m.SwapPrimary {
		if m.SwapPrimary[i].PG != pg {
			continue
		}
		want := int32(m.SwapPrimary[i].Target)
		for j, t := range acting {
			if t == want && j > 0 {
				copy(acting[1:j+1], acting[:j])
				acting[0] = want
				break
			}
		}
		break
	}
	return acting, nil
}

//
// wire codec
//

func packUtime(p *cos.BytePack, t Utime) {
	p.WriteUint32(t.Sec)
	p.WriteUint32(t.Nsec)
}

func unpackUtime(u *cos.ByteUnpack) (t Utime, err error) {
	if t.Sec, err = u.ReadUint32(); err != nil {
		return t, err
	}
	t.Nsec, err = u.ReadUint32()
	return t, err
}

func (m *TargetMap) Pack(p *cos.BytePack) {
	p.WriteUint64(m.Fsid.Major)
	p.WriteUint64(m.Fsid.Minor)
	p.WriteUint32(m.Epoch)
	packUtime(p, m.Ctime)
	packUtime(p, m.Mtime)
	p.WriteUint32(m.PGNum)
	p.WriteUint32(m.PGPNum)
	p.WriteUint32(m.LPGNum)
	p.WriteUint32(m.LPGPNum)
	p.WriteUint32(m.LastPGChange)
	p.WriteUint32(m.Flags)

	max := uint32(m.MaxTarget())
	p.WriteUint32(max)
	p.WriteUint32(max)
	p.WriteBytesRaw(m.State)
	p.WriteUint32(max)
	for i := range m.Addrs {
		packAddr(p, m.Addrs[i])
	}
	p.WriteUint32(max)
	for _, v := range m.UpFrom {
		p.WriteUint32(v)
	}
	p.WriteUint32(max)
	for _, v := range m.UpThru {
		p.WriteUint32(v)
	}

	p.WriteUint32(uint32(len(m.SwapPrimary)))
	for i := range m.SwapPrimary {
		p.WriteUint64(uint64(m.SwapPrimary[i].PG))
		p.WriteUint32(m.SwapPrimary[i].Target)
	}

	if m.Crush != nil {
		p.WriteBytes(m.Crush.Encode())
	} else {
		p.WriteUint32(0)
	}
}

func (m *TargetMap) PackedSize() int {
	size := 2*cos.SizeofI64 + 12*cos.SizeofI32 // fsid | epoch | ctime | mtime | pg counts | flags | max
	max := m.MaxTarget()
	size += 4*cos.SizeofI32 + max*(1+cmn.EntityAddrLen+2*cos.SizeofI32)
	size += cos.SizeofI32 + len(m.SwapPrimary)*(cos.SizeofI64+cos.SizeofI32)
	size += cos.SizeofI32
	if m.Crush != nil {
		size += m.Crush.PackedSize()
	}
	return size
}

func (m *TargetMap) Encode() []byte {
	p := cos.NewPacker(nil, m.PackedSize())
	m.Pack(p)
	return p.Bytes()
}

// DecodeTargetMap parses a full target-map encoding. Nothing is mutated on
// error.
func DecodeTargetMap(buf []byte) (*TargetMap, error) {
	var (
		u   = cos.NewUnpacker(buf)
		m   = &TargetMap{}
		err error
	)
	if m.Fsid.Major, err = u.ReadUint64(); err != nil {
		return nil, badMap(err)
	}
	if m.Fsid.Minor, err = u.ReadUint64(); err != nil {
		return nil, badMap(err)
	}
	if m.Epoch, err = u.ReadUint32(); err != nil {
		return nil, badMap(err)
	}
	if m.Ctime, err = unpackUtime(u); err != nil {
		return nil, badMap(err)
	}
	if m.Mtime, err = unpackUtime(u); err != nil {
		return nil, badMap(err)
	}
	for _, dst := range []*uint32{&m.PGNum, &m.PGPNum, &m.LPGNum, &m.LPGPNum, &m.LastPGChange, &m.Flags} {
		if *dst, err = u.ReadUint32(); err != nil {
			return nil, badMap(err)
		}
	}
	m.CalcPGMasks()

	max, err := u.ReadUint32()
	if err != nil {
		return nil, badMap(err)
	}
	if int(max) > u.Remaining() {
		return nil, badMap(cos.ErrBufferUnderrun)
	}
	m.SetMaxTarget(int(max))

	if err = expectLen(u, max); err != nil {
		return nil, err
	}
	state, err := u.ReadBytesRaw(int(max))
	if err != nil {
		return nil, badMap(err)
	}
	copy(m.State, state)

	if err = expectLen(u, max); err != nil {
		return nil, err
	}
	for i := range m.Addrs {
		if m.Addrs[i], err = unpackAddr(u); err != nil {
			return nil, badMap(err)
		}
	}
	if err = expectLen(u, max); err != nil {
		return nil, err
	}
	for i := range m.UpFrom {
		if m.UpFrom[i], err = u.ReadUint32(); err != nil {
			return nil, badMap(err)
		}
	}
	if err = expectLen(u, max); err != nil {
		return nil, err
	}
	for i := range m.UpThru {
		if m.UpThru[i], err = u.ReadUint32(); err != nil {
			return nil, badMap(err)
		}
	}

	nswap, err := u.ReadUint32()
	if err != nil {
		return nil, badMap(err)
	}
	if int(nswap) > u.Remaining()/(cos.SizeofI64+cos.SizeofI32) {
		return nil, badMap(cos.ErrBufferUnderrun)
	}
	m.SwapPrimary = make([]PGSwap, nswap)
	for i := range m.SwapPrimary {
		pg, err := u.ReadUint64()
		if err != nil {
			return nil, badMap(err)
		}
		m.SwapPrimary[i].PG = PGID(pg)
		if m.SwapPrimary[i].Target, err = u.ReadUint32(); err != nil {
			return nil, badMap(err)
		}
	}

	blob, err := u.ReadBytes()
	if err != nil {
		return nil, badMap(err)
	}
	if len(blob) > 0 {
		cu := cos.NewUnpacker(blob)
		if m.Crush, err = crush.Decode(cu); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func expectLen(u *cos.ByteUnpack, want uint32) error {
	got, err := u.ReadUint32()
	if err != nil {
		return badMap(err)
	}
	if got != want {
		return errors.Wrapf(cmn.ErrBadEncoding, "section length %d, want %d", got, want)
	}
	return nil
}
