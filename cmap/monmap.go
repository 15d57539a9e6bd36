// Package cmap implements the versioned cluster maps.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package cmap

import (
	"github.com/pkg/errors"
	"github.com/stratastore/strata/cmn"
	"github.com/stratastore/strata/cmn/cos"
)

// MonInst is one monitor instance: its rank and address.
type MonInst struct {
	Rank uint32
	Addr cmn.EntityAddr
}

// MonMap lists the monitor quorum. The encoding is self-describing: a
// decoder consumes instances until end-of-buffer.
type MonMap struct {
	Epoch cmn.Epoch
	Fsid  cmn.Fsid
	Mons  []MonInst
}

func (m *MonMap) NumMon() int { return len(m.Mons) }

// Contains reports whether addr belongs to the quorum.
func (m *MonMap) Contains(addr cmn.EntityAddr) bool {
	for i := range m.Mons {
		if m.Mons[i].Addr.Equal(addr) {
			return true
		}
	}
	return false
}

func packAddr(p *cos.BytePack, a cmn.EntityAddr) {
	p.WriteUint32(a.Nonce)
	p.WriteBytesRaw(a.IP[:])
	p.WriteUint16(a.Port)
}

func unpackAddr(u *cos.ByteUnpack) (a cmn.EntityAddr, err error) {
	if a.Nonce, err = u.ReadUint32(); err != nil {
		return a, err
	}
	b, err := u.ReadBytesRaw(4)
	if err != nil {
		return a, err
	}
	copy(a.IP[:], b)
	a.Port, err = u.ReadUint16()
	return a, err
}

func (m *MonMap) Pack(p *cos.BytePack) {
	p.WriteUint32(m.Epoch)
	p.WriteUint64(m.Fsid.Major)
	p.WriteUint64(m.Fsid.Minor)
	p.WriteUint32(uint32(len(m.Mons)))
	for i := range m.Mons {
		p.WriteUint32(m.Mons[i].Rank)
		packAddr(p, m.Mons[i].Addr)
	}
}

func (m *MonMap) PackedSize() int {
	return 2*cos.SizeofI32 + 2*cos.SizeofI64 +
		len(m.Mons)*(cos.SizeofI32+cmn.EntityAddrLen)
}

func (m *MonMap) Encode() []byte {
	p := cos.NewPacker(nil, m.PackedSize())
	m.Pack(p)
	return p.Bytes()
}

// DecodeMonMap parses an encoded monitor map; the buffer must be consumed
// exactly.
func DecodeMonMap(buf []byte) (*MonMap, error) {
	var (
		u   = cos.NewUnpacker(buf)
		m   = &MonMap{}
		err error
	)
	if m.Epoch, err = u.ReadUint32(); err != nil {
		return nil, badMap(err)
	}
	if m.Fsid.Major, err = u.ReadUint64(); err != nil {
		return nil, badMap(err)
	}
	if m.Fsid.Minor, err = u.ReadUint64(); err != nil {
		return nil, badMap(err)
	}
	num, err := u.ReadUint32()
	if err != nil {
		return nil, badMap(err)
	}
	if int(num)*(cos.SizeofI32+cmn.EntityAddrLen) != u.Remaining() {
		return nil, errors.Wrapf(cmn.ErrBadEncoding, "monmap: %d mons vs %d trailing bytes", num, u.Remaining())
	}
	m.Mons = make([]MonInst, num)
	for i := range m.Mons {
		if m.Mons[i].Rank, err = u.ReadUint32(); err != nil {
			return nil, badMap(err)
		}
		if m.Mons[i].Addr, err = unpackAddr(u); err != nil {
			return nil, badMap(err)
		}
	}
	return m, nil
}

func badMap(err error) error {
	if errors.Is(err, cmn.ErrBadEncoding) {
		return err
	}
	return errors.Wrap(cmn.ErrBadEncoding, err.Error())
}
