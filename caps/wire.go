// Package caps implements capability-based cache coherence.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package caps

import (
	"time"

	"github.com/pkg/errors"
	"github.com/stratastore/strata/cmn"
	"github.com/stratastore/strata/cmn/cos"
)

// CapMessage is the packed little-endian capability message:
//
//	op u32 | seq u32 | migrate_seq u32 | caps u32 | wanted u32 |
//	ino u64 | size u64 | max_size u64 | snap_follows u64 |
//	mtime 16B | atime 16B | ctime 16B | time_warp_seq u64 |
//	optional snap-trace blob (remainder of the buffer)
//
// Timestamps are 16 bytes each: seconds u64 + nanoseconds u64.
type CapMessage struct {
	Op          uint32
	Seq         uint32
	MigrateSeq  uint32
	Caps        uint32
	Wanted      uint32
	Ino         uint64
	Size        uint64
	MaxSize     uint64
	SnapFollows uint64
	Mtime       time.Time
	Atime       time.Time
	Ctime       time.Time
	TimeWarpSeq uint64
	SnapTrace   []byte
}

const capMsgFixedLen = 5*cos.SizeofI32 + 5*cos.SizeofI64 + 3*16

func packTime(p *cos.BytePack, t time.Time) {
	if t.IsZero() {
		p.WriteUint64(0)
		p.WriteUint64(0)
		return
	}
	p.WriteUint64(uint64(t.Unix()))
	p.WriteUint64(uint64(t.Nanosecond()))
}

func unpackTime(u *cos.ByteUnpack) (time.Time, error) {
	sec, err := u.ReadUint64()
	if err != nil {
		return time.Time{}, err
	}
	nsec, err := u.ReadUint64()
	if err != nil {
		return time.Time{}, err
	}
	if sec == 0 && nsec == 0 {
		return time.Time{}, nil
	}
	return time.Unix(int64(sec), int64(nsec)), nil
}

func (m *CapMessage) Encode() []byte {
	p := cos.NewPacker(nil, capMsgFixedLen+len(m.SnapTrace))
	p.WriteUint32(m.Op)
	p.WriteUint32(m.Seq)
	p.WriteUint32(m.MigrateSeq)
	p.WriteUint32(m.Caps)
	p.WriteUint32(m.Wanted)
	p.WriteUint64(m.Ino)
	p.WriteUint64(m.Size)
	p.WriteUint64(m.MaxSize)
	p.WriteUint64(m.SnapFollows)
	packTime(p, m.Mtime)
	packTime(p, m.Atime)
	packTime(p, m.Ctime)
	p.WriteUint64(m.TimeWarpSeq)
	p.WriteBytesRaw(m.SnapTrace)
	return p.Bytes()
}

func DecodeCapMessage(b []byte) (*CapMessage, error) {
	if len(b) < capMsgFixedLen {
		return nil, errors.Wrapf(cmn.ErrBadEncoding, "cap message: %d bytes", len(b))
	}
	var (
		u   = cos.NewUnpacker(b)
		m   = &CapMessage{}
		err error
	)
	for _, dst := range []*uint32{&m.Op, &m.Seq, &m.MigrateSeq, &m.Caps, &m.Wanted} {
		if *dst, err = u.ReadUint32(); err != nil {
			return nil, errors.Wrap(cmn.ErrBadEncoding, err.Error())
		}
	}
	for _, dst := range []*uint64{&m.Ino, &m.Size, &m.MaxSize, &m.SnapFollows} {
		if *dst, err = u.ReadUint64(); err != nil {
			return nil, errors.Wrap(cmn.ErrBadEncoding, err.Error())
		}
	}
	if m.Mtime, err = unpackTime(u); err != nil {
		return nil, errors.Wrap(cmn.ErrBadEncoding, err.Error())
	}
	if m.Atime, err = unpackTime(u); err != nil {
		return nil, errors.Wrap(cmn.ErrBadEncoding, err.Error())
	}
	if m.Ctime, err = unpackTime(u); err != nil {
		return nil, errors.Wrap(cmn.ErrBadEncoding, err.Error())
	}
	if m.TimeWarpSeq, err = u.ReadUint64(); err != nil {
		return nil, errors.Wrap(cmn.ErrBadEncoding, err.Error())
	}
	if u.Remaining() > 0 {
		m.SnapTrace, _ = u.ReadBytesRaw(u.Remaining())
	}
	return m, nil
}
