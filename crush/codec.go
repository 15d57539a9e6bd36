// Package crush implements the deterministic pseudo-random placement
// algorithm.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package crush

import (
	"github.com/pkg/errors"
	"github.com/stratastore/strata/cmn"
	"github.com/stratastore/strata/cmn/cos"
)

// Self-describing blob layout:
//
//	max_buckets u32 | max_rules u32 | max_devices u32 |
//	device weight u32 × max_devices |
//	per bucket: 0 for absent, or alg-tag u32 +
//	    header{id s32, type u16, alg u16, weight u32, size u32} +
//	    size × item s32 + variant-specific arrays |
//	per rule: 0 for absent, or 1 + {len u32, mask 4×u8,
//	    len × step{op u32, arg1 u32, arg2 u32}} |
//	optional trailing name tables (ignored on decode).
//
// All scalars little-endian. Decoders validate every read against the
// remaining buffer; a malformed blob yields BadEncoding and no partial map.

func (m *Map) Pack(p *cos.BytePack) {
	p.WriteUint32(uint32(len(m.Buckets)))
	p.WriteUint32(uint32(len(m.Rules)))
	p.WriteUint32(uint32(len(m.DeviceWeights)))
	for _, w := range m.DeviceWeights {
		p.WriteUint32(w)
	}
	for _, b := range m.Buckets {
		if b == nil {
			p.WriteUint32(0)
			continue
		}
		p.WriteUint32(uint32(b.Alg))
		p.WriteInt32(b.ID)
		p.WriteUint16(b.Type)
		p.WriteUint16(b.Alg)
		p.WriteUint32(b.Weight)
		p.WriteUint32(uint32(len(b.Items)))
		for _, item := range b.Items {
			p.WriteInt32(item)
		}
		switch b.Alg {
		case AlgUniform:
			for _, pr := range b.Primes {
				p.WriteUint32(pr)
			}
			p.WriteUint32(b.ItemWeight)
		case AlgList:
			for i := range b.Items {
				p.WriteUint32(b.ItemWeights[i])
				p.WriteUint32(b.SumWeights[i])
			}
		case AlgTree:
			for _, w := range b.NodeWeights {
				p.WriteUint32(w)
			}
		case AlgStraw:
			for i := range b.Items {
				p.WriteUint32(b.ItemWeights[i])
				p.WriteUint32(b.StrawValues[i])
			}
		}
	}
	for _, r := range m.Rules {
		if r == nil {
			p.WriteUint32(0)
			continue
		}
		p.WriteUint32(1)
		p.WriteUint32(uint32(len(r.Steps)))
		p.WriteUint8(r.Mask.Ruleset)
		p.WriteUint8(r.Mask.Type)
		p.WriteUint8(r.Mask.MinSize)
		p.WriteUint8(r.Mask.MaxSize)
		for _, s := range r.Steps {
			p.WriteUint32(s.Op)
			p.WriteUint32(s.Arg1)
			p.WriteUint32(s.Arg2)
		}
	}
}

func (m *Map) PackedSize() int {
	size := 3 * cos.SizeofI32
	size += len(m.DeviceWeights) * cos.SizeofI32
	for _, b := range m.Buckets {
		size += cos.SizeofI32
		if b == nil {
			continue
		}
		size += 4*cos.SizeofI32 + len(b.Items)*cos.SizeofI32
		switch b.Alg {
		case AlgUniform:
			size += (len(b.Primes) + 1) * cos.SizeofI32
		case AlgList, AlgStraw:
			size += 2 * len(b.Items) * cos.SizeofI32
		case AlgTree:
			size += len(b.NodeWeights) * cos.SizeofI32
		}
	}
	for _, r := range m.Rules {
		size += cos.SizeofI32
		if r == nil {
			continue
		}
		size += cos.SizeofI32 + 4 + len(r.Steps)*3*cos.SizeofI32 // len | mask | steps
	}
	return size
}

// Encode serializes the map as a standalone blob.
func (m *Map) Encode() []byte {
	p := cos.NewPacker(nil, m.PackedSize())
	m.Pack(p)
	return p.Bytes()
}

func decodeBucket(u *cos.ByteUnpack, alg uint16) (*Bucket, error) {
	b := &Bucket{}
	id, err := u.ReadInt32()
	if err != nil {
		return nil, err
	}
	b.ID = id
	if b.Type, err = u.ReadUint16(); err != nil {
		return nil, err
	}
	if b.Alg, err = u.ReadUint16(); err != nil {
		return nil, err
	}
	if b.Alg != alg {
		return nil, errors.Wrapf(cmn.ErrBadEncoding, "bucket %d: alg tag %d vs header %d", id, alg, b.Alg)
	}
	if b.Weight, err = u.ReadUint32(); err != nil {
		return nil, err
	}
	size, err := u.ReadUint32()
	if err != nil {
		return nil, err
	}
	if int(size) > u.Remaining()/cos.SizeofI32 {
		return nil, cos.ErrBufferUnderrun
	}
	b.Items = make([]int32, size)
	for j := range b.Items {
		if b.Items[j], err = u.ReadInt32(); err != nil {
			return nil, err
		}
	}
	readArr := func(n int) ([]uint32, error) {
		arr := make([]uint32, n)
		for j := range arr {
			if arr[j], err = u.ReadUint32(); err != nil {
				return nil, err
			}
		}
		return arr, nil
	}
	switch alg {
	case AlgUniform:
		if b.Primes, err = readArr(int(size)); err != nil {
			return nil, err
		}
		if b.ItemWeight, err = u.ReadUint32(); err != nil {
			return nil, err
		}
	case AlgList:
		b.ItemWeights = make([]uint32, size)
		b.SumWeights = make([]uint32, size)
		for j := range int(size) {
			if b.ItemWeights[j], err = u.ReadUint32(); err != nil {
				return nil, err
			}
			if b.SumWeights[j], err = u.ReadUint32(); err != nil {
				return nil, err
			}
		}
	case AlgTree:
		if b.NodeWeights, err = readArr(int(size)); err != nil {
			return nil, err
		}
	case AlgStraw:
		b.ItemWeights = make([]uint32, size)
		b.StrawValues = make([]uint32, size)
		for j := range int(size) {
			if b.ItemWeights[j], err = u.ReadUint32(); err != nil {
				return nil, err
			}
			if b.StrawValues[j], err = u.ReadUint32(); err != nil {
				return nil, err
			}
		}
	default:
		return nil, errors.Wrapf(cmn.ErrBadEncoding, "unknown bucket alg %d", alg)
	}
	return b, nil
}

// Decode parses a blob back into a Map, rederiving parent links. Trailing
// name tables, if any, are left unread.
func Decode(u *cos.ByteUnpack) (*Map, error) {
	var (
		m   = &Map{}
		err error
	)
	maxBuckets, err := u.ReadUint32()
	if err != nil {
		return nil, badBlob(err)
	}
	maxRules, err := u.ReadUint32()
	if err != nil {
		return nil, badBlob(err)
	}
	maxDevices, err := u.ReadUint32()
	if err != nil {
		return nil, badBlob(err)
	}
	if int(maxDevices) > u.Remaining()/cos.SizeofI32 {
		return nil, badBlob(cos.ErrBufferUnderrun)
	}
	m.DeviceWeights = make([]uint32, maxDevices)
	for i := range m.DeviceWeights {
		if m.DeviceWeights[i], err = u.ReadUint32(); err != nil {
			return nil, badBlob(err)
		}
	}

	if int(maxBuckets) > u.Remaining()/cos.SizeofI32 {
		return nil, badBlob(cos.ErrBufferUnderrun)
	}
	m.Buckets = make([]*Bucket, maxBuckets)
	for i := range m.Buckets {
		tag, err := u.ReadUint32()
		if err != nil {
			return nil, badBlob(err)
		}
		if tag == 0 {
			continue
		}
		b, err := decodeBucket(u, uint16(tag))
		if err != nil {
			return nil, badBlob(err)
		}
		if int(-1-b.ID) != i {
			return nil, errors.Wrapf(cmn.ErrBadEncoding, "bucket id %d at index %d", b.ID, i)
		}
		m.Buckets[i] = b
	}

	if int(maxRules) > u.Remaining()/cos.SizeofI32 {
		return nil, badBlob(cos.ErrBufferUnderrun)
	}
	m.Rules = make([]*Rule, maxRules)
	for i := range m.Rules {
		yes, err := u.ReadUint32()
		if err != nil {
			return nil, badBlob(err)
		}
		if yes == 0 {
			continue
		}
		rlen, err := u.ReadUint32()
		if err != nil {
			return nil, badBlob(err)
		}
		r := &Rule{}
		maskb, err := u.ReadBytesRaw(4)
		if err != nil {
			return nil, badBlob(err)
		}
		r.Mask = RuleMask{Ruleset: maskb[0], Type: maskb[1], MinSize: maskb[2], MaxSize: maskb[3]}
		if int(rlen) > u.Remaining()/(3*cos.SizeofI32) {
			return nil, badBlob(cos.ErrBufferUnderrun)
		}
		r.Steps = make([]RuleStep, rlen)
		for j := range r.Steps {
			s := &r.Steps[j]
			if s.Op, err = u.ReadUint32(); err != nil {
				return nil, badBlob(err)
			}
			if s.Arg1, err = u.ReadUint32(); err != nil {
				return nil, badBlob(err)
			}
			if s.Arg2, err = u.ReadUint32(); err != nil {
				return nil, badBlob(err)
			}
		}
		m.Rules[i] = r
	}

	m.finalizeParents()
	return m, nil
}

func badBlob(err error) error {
	if errors.Is(err, cmn.ErrBadEncoding) {
		return err
	}
	return errors.Wrap(cmn.ErrBadEncoding, err.Error())
}
