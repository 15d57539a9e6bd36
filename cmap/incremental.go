// Package cmap implements the versioned cluster maps.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package cmap

import (
	"github.com/pkg/errors"
	"github.com/stratastore/strata/cmn"
	"github.com/stratastore/strata/cmn/cos"
	"github.com/stratastore/strata/crush"
)

type (
	// TargetUp records a target coming up at a new address.
	TargetUp struct {
		Target uint32
		Addr   cmn.EntityAddr
	}
	// TargetDown records a target going down; Clean means it shut down
	// in an orderly fashion.
	TargetDown struct {
		Target uint32
		Clean  bool
	}
	// TargetWeight updates one target's in/out weight.
	TargetWeight struct {
		Target uint32
		Weight uint32
	}
	// TargetAliveThru is informational liveness (highest epoch the target
	// was confirmed alive through).
	TargetAliveThru struct {
		Target uint32
		Epoch  cmn.Epoch
	}

	// Incremental is the compact delta between epoch NewEpoch-1 and
	// NewEpoch. If FullMap is non-empty, it supersedes everything else
	// and carries a complete encoded map. NewFlags and NewMax use -1 for
	// "unchanged".
	Incremental struct {
		Fsid     cmn.Fsid
		NewEpoch cmn.Epoch
		Ctime    Utime
		NewFlags int32

		FullMap  []byte
		NewCrush *crush.Map
		NewMax   int32

		NewUp        []TargetUp
		NewDown      []TargetDown
		NewWeight    []TargetWeight
		NewAliveThru []TargetAliveThru

		NewSwapPrimary []PGSwap
		OldSwapPrimary []PGID
	}
)

// NewIncremental starts an empty delta targeting newEpoch, with flags and
// max marked unchanged.
func NewIncremental(fsid cmn.Fsid, newEpoch cmn.Epoch) *Incremental {
	return &Incremental{
		Fsid:     fsid,
		NewEpoch: newEpoch,
		Ctime:    UtimeNow(),
		NewFlags: -1,
		NewMax:   -1,
	}
}

func (inc *Incremental) Pack(p *cos.BytePack) {
	p.WriteUint64(inc.Fsid.Major)
	p.WriteUint64(inc.Fsid.Minor)
	p.WriteUint32(inc.NewEpoch)
	packUtime(p, inc.Ctime)
	p.WriteInt32(inc.NewFlags)

	p.WriteBytes(inc.FullMap)
	if len(inc.FullMap) > 0 {
		return
	}

	if inc.NewCrush != nil {
		p.WriteBytes(inc.NewCrush.Encode())
	} else {
		p.WriteUint32(0)
	}
	p.WriteInt32(inc.NewMax)
	// reserved: pg_num/pgp_num/lpg_num/lpgp_num changes
	for range 4 {
		p.WriteUint32(0)
	}

	p.WriteUint32(uint32(len(inc.NewUp)))
	for i := range inc.NewUp {
		p.WriteUint32(inc.NewUp[i].Target)
		packAddr(p, inc.NewUp[i].Addr)
	}
	p.WriteUint32(uint32(len(inc.NewDown)))
	for i := range inc.NewDown {
		p.WriteUint32(inc.NewDown[i].Target)
		if inc.NewDown[i].Clean {
			p.WriteUint8(1)
		} else {
			p.WriteUint8(0)
		}
	}
	p.WriteUint32(uint32(len(inc.NewWeight)))
	for i := range inc.NewWeight {
		p.WriteUint32(inc.NewWeight[i].Target)
		p.WriteUint32(inc.NewWeight[i].Weight)
	}
	p.WriteUint32(uint32(len(inc.NewAliveThru)))
	for i := range inc.NewAliveThru {
		p.WriteUint32(inc.NewAliveThru[i].Target)
		p.WriteUint32(inc.NewAliveThru[i].Epoch)
	}
	p.WriteUint32(uint32(len(inc.NewSwapPrimary)))
	for i := range inc.NewSwapPrimary {
		p.WriteUint64(uint64(inc.NewSwapPrimary[i].PG))
		p.WriteUint32(inc.NewSwapPrimary[i].Target)
	}
	p.WriteUint32(uint32(len(inc.OldSwapPrimary)))
	for i := range inc.OldSwapPrimary {
		p.WriteUint64(uint64(inc.OldSwapPrimary[i]))
	}
}

func (inc *Incremental) Encode() []byte {
	p := cos.NewPacker(nil, 256)
	inc.Pack(p)
	return p.Bytes()
}

// DecodeIncremental parses a delta; the buffer must be consumed exactly
// (unless it embeds a full map, which owns the tail).
func DecodeIncremental(buf []byte) (*Incremental, error) {
	var (
		u   = cos.NewUnpacker(buf)
		inc = &Incremental{}
		err error
	)
	if inc.Fsid.Major, err = u.ReadUint64(); err != nil {
		return nil, badMap(err)
	}
	if inc.Fsid.Minor, err = u.ReadUint64(); err != nil {
		return nil, badMap(err)
	}
	if inc.NewEpoch, err = u.ReadUint32(); err != nil {
		return nil, badMap(err)
	}
	if inc.Ctime, err = unpackUtime(u); err != nil {
		return nil, badMap(err)
	}
	if inc.NewFlags, err = u.ReadInt32(); err != nil {
		return nil, badMap(err)
	}

	if inc.FullMap, err = u.ReadBytes(); err != nil {
		return nil, badMap(err)
	}
	if len(inc.FullMap) > 0 {
		return inc, nil
	}

	blob, err := u.ReadBytes()
	if err != nil {
		return nil, badMap(err)
	}
	if len(blob) > 0 {
		cu := cos.NewUnpacker(blob)
		if inc.NewCrush, err = crush.Decode(cu); err != nil {
			return nil, err
		}
	}
	if inc.NewMax, err = u.ReadInt32(); err != nil {
		return nil, badMap(err)
	}
	if err = u.Skip(4 * cos.SizeofI32); err != nil { // reserved pg counts
		return nil, badMap(err)
	}

	n, err := u.ReadUint32()
	if err != nil {
		return nil, badMap(err)
	}
	if int(n) > u.Remaining()/(cos.SizeofI32+cmn.EntityAddrLen) {
		return nil, badMap(cos.ErrBufferUnderrun)
	}
	inc.NewUp = make([]TargetUp, n)
	for i := range inc.NewUp {
		if inc.NewUp[i].Target, err = u.ReadUint32(); err != nil {
			return nil, badMap(err)
		}
		if inc.NewUp[i].Addr, err = unpackAddr(u); err != nil {
			return nil, badMap(err)
		}
	}

	if n, err = u.ReadUint32(); err != nil {
		return nil, badMap(err)
	}
	if int(n) > u.Remaining()/(cos.SizeofI32+1) {
		return nil, badMap(cos.ErrBufferUnderrun)
	}
	inc.NewDown = make([]TargetDown, n)
	for i := range inc.NewDown {
		if inc.NewDown[i].Target, err = u.ReadUint32(); err != nil {
			return nil, badMap(err)
		}
		clean, err := u.ReadUint8()
		if err != nil {
			return nil, badMap(err)
		}
		inc.NewDown[i].Clean = clean != 0
	}

	if n, err = u.ReadUint32(); err != nil {
		return nil, badMap(err)
	}
	if int(n) > u.Remaining()/(2*cos.SizeofI32) {
		return nil, badMap(cos.ErrBufferUnderrun)
	}
	inc.NewWeight = make([]TargetWeight, n)
	for i := range inc.NewWeight {
		if inc.NewWeight[i].Target, err = u.ReadUint32(); err != nil {
			return nil, badMap(err)
		}
		if inc.NewWeight[i].Weight, err = u.ReadUint32(); err != nil {
			return nil, badMap(err)
		}
	}

	if n, err = u.ReadUint32(); err != nil {
		return nil, badMap(err)
	}
	if int(n) > u.Remaining()/(2*cos.SizeofI32) {
		return nil, badMap(cos.ErrBufferUnderrun)
	}
	inc.NewAliveThru = make([]TargetAliveThru, n)
	for i := range inc.NewAliveThru {
		if inc.NewAliveThru[i].Target, err = u.ReadUint32(); err != nil {
			return nil, badMap(err)
		}
		if inc.NewAliveThru[i].Epoch, err = u.ReadUint32(); err != nil {
			return nil, badMap(err)
		}
	}

	if n, err = u.ReadUint32(); err != nil {
		return nil, badMap(err)
	}
	if int(n) > u.Remaining()/(cos.SizeofI64+cos.SizeofI32) {
		return nil, badMap(cos.ErrBufferUnderrun)
	}
	inc.NewSwapPrimary = make([]PGSwap, n)
	for i := range inc.NewSwapPrimary {
		pg, err := u.ReadUint64()
		if err != nil {
			return nil, badMap(err)
		}
		inc.NewSwapPrimary[i].PG = PGID(pg)
		if inc.NewSwapPrimary[i].Target, err = u.ReadUint32(); err != nil {
			return nil, badMap(err)
		}
	}

	if n, err = u.ReadUint32(); err != nil {
		return nil, badMap(err)
	}
	if int(n) > u.Remaining()/cos.SizeofI64 {
		return nil, badMap(cos.ErrBufferUnderrun)
	}
	inc.OldSwapPrimary = make([]PGID, n)
	for i := range inc.OldSwapPrimary {
		pg, err := u.ReadUint64()
		if err != nil {
			return nil, badMap(err)
		}
		inc.OldSwapPrimary[i] = PGID(pg)
	}

	if u.Remaining() != 0 {
		return nil, errors.Wrapf(cmn.ErrBadEncoding, "incremental: %d trailing bytes", u.Remaining())
	}
	return inc, nil
}

// Apply produces the map at inc.NewEpoch from m. m itself is never
// mutated: violations (wrong fsid, non-contiguous epoch) return an error,
// success returns a fresh map. markDown, if non-nil, is invoked for every
// address whose target went down or moved.
func (m *TargetMap) Apply(inc *Incremental, markDown func(cmn.EntityAddr)) (*TargetMap, error) {
	if inc.Fsid != m.Fsid {
		return nil, errors.Wrapf(cmn.ErrBadEncoding, "incremental fsid %s vs map %s", inc.Fsid, m.Fsid)
	}
	if len(inc.FullMap) > 0 {
		full, err := DecodeTargetMap(inc.FullMap)
		if err != nil {
			return nil, err
		}
		return full, nil
	}
	if inc.NewEpoch != m.Epoch+1 {
		return nil, &cmn.ErrSkippedEpoch{Cur: m.Epoch, New: inc.NewEpoch}
	}

	n := m.Clone()
	n.Epoch = inc.NewEpoch
	n.Mtime = inc.Ctime
	if inc.NewFlags >= 0 {
		n.Flags = uint32(inc.NewFlags)
	}
	if inc.NewCrush != nil {
		n.Crush = inc.NewCrush
	} else if m.Crush != nil {
		// per-target weight updates below must not leak into the
		// published previous epoch
		cm := *m.Crush
		cm.DeviceWeights = append([]uint32(nil), m.Crush.DeviceWeights...)
		n.Crush = &cm
	}
	if inc.NewMax >= 0 {
		n.SetMaxTarget(int(inc.NewMax))
	}

	for i := range inc.NewUp {
		t := int(inc.NewUp[i].Target)
		if t >= n.MaxTarget() {
			return nil, errors.Wrapf(cmn.ErrBadEncoding, "new_up target %d >= max %d", t, n.MaxTarget())
		}
		if old := n.Addrs[t]; !old.IsZero() && !old.Equal(inc.NewUp[i].Addr) && markDown != nil {
			markDown(old)
		}
		n.State[t] |= StateUp
		n.Addrs[t] = inc.NewUp[i].Addr
		n.UpFrom[t] = inc.NewEpoch
	}
	for i := range inc.NewDown {
		t := int(inc.NewDown[i].Target)
		if t >= n.MaxTarget() {
			continue
		}
		n.State[t] &^= StateUp
		if inc.NewDown[i].Clean {
			n.State[t] |= StateClean
		}
		if markDown != nil && !n.Addrs[t].IsZero() {
			markDown(n.Addrs[t])
		}
	}
	for i := range inc.NewWeight {
		t := int(inc.NewWeight[i].Target)
		if n.Crush != nil && t < len(n.Crush.DeviceWeights) {
			n.Crush.DeviceWeights[t] = inc.NewWeight[i].Weight
		}
	}
	for i := range inc.NewAliveThru {
		t := int(inc.NewAliveThru[i].Target)
		if t < n.MaxTarget() {
			n.UpThru[t] = inc.NewAliveThru[i].Epoch
		}
	}

	for i := range inc.NewSwapPrimary {
		sw := inc.NewSwapPrimary[i]
		found := false
		for j := range n.SwapPrimary {
			if n.SwapPrimary[j].PG == sw.PG {
				n.SwapPrimary[j].Target = sw.Target
				found = true
				break
			}
		}
		if !found {
			n.SwapPrimary = append(n.SwapPrimary, sw)
		}
	}
	for _, pg := range inc.OldSwapPrimary {
		for j := range n.SwapPrimary {
			if n.SwapPrimary[j].PG == pg {
				n.SwapPrimary = append(n.SwapPrimary[:j], n.SwapPrimary[j+1:]...)
				break
			}
		}
	}
	return n, nil
}
