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

// Authority states.
const (
	AuthDown uint8 = iota
	AuthUp
)

// AuthInst is one metadata authority: its state and address, indexed by
// rank.
type AuthInst struct {
	State uint8
	Addr  cmn.EntityAddr
}

// AuthMap lists the metadata-authority cluster. Clients resolve a cap
// session's address through it.
type AuthMap struct {
	Epoch cmn.Epoch
	Fsid  cmn.Fsid
	Auths []AuthInst
}

func (m *AuthMap) NumAuth() int { return len(m.Auths) }

// AddrOf resolves an authority rank; false when absent or down.
func (m *AuthMap) AddrOf(mds int32) (cmn.EntityAddr, bool) {
	if mds < 0 || int(mds) >= len(m.Auths) || m.Auths[mds].State != AuthUp {
		return cmn.EntityAddr{}, false
	}
	return m.Auths[mds].Addr, true
}

func (m *AuthMap) Pack(p *cos.BytePack) {
	p.WriteUint32(m.Epoch)
	p.WriteUint64(m.Fsid.Major)
	p.WriteUint64(m.Fsid.Minor)
	p.WriteUint32(uint32(len(m.Auths)))
	for i := range m.Auths {
		p.WriteUint8(m.Auths[i].State)
		packAddr(p, m.Auths[i].Addr)
	}
}

func (m *AuthMap) PackedSize() int {
	return 2*cos.SizeofI32 + 2*cos.SizeofI64 +
		len(m.Auths)*(1+cmn.EntityAddrLen)
}

func (m *AuthMap) Encode() []byte {
	p := cos.NewPacker(nil, m.PackedSize())
	m.Pack(p)
	return p.Bytes()
}

// DecodeAuthMap parses an encoded authority map; the buffer must be
// consumed exactly.
func DecodeAuthMap(buf []byte) (*AuthMap, error) {
	var (
		u   = cos.NewUnpacker(buf)
		m   = &AuthMap{}
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
	if int(num)*(1+cmn.EntityAddrLen) != u.Remaining() {
		return nil, errors.Wrapf(cmn.ErrBadEncoding, "authmap: %d auths vs %d trailing bytes", num, u.Remaining())
	}
	m.Auths = make([]AuthInst, num)
	for i := range m.Auths {
		if m.Auths[i].State, err = u.ReadUint8(); err != nil {
			return nil, badMap(err)
		}
		if m.Auths[i].Addr, err = unpackAddr(u); err != nil {
			return nil, badMap(err)
		}
	}
	return m, nil
}
