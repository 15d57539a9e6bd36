// Package mon implements the monitor side of map distribution and the map
// client.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package mon

import (
	"github.com/pkg/errors"
	"github.com/stratastore/strata/cmn"
	"github.com/stratastore/strata/cmn/cos"
)

// Map request/reply payloads. Requests carry the fsid plus what the
// requester already has; replies carry either a batch of contiguous
// incrementals or a full map when the requester lags past the retained
// window.

const (
	replyFull uint8 = 1
	replyIncs uint8 = 2
)

type GetMapReq struct {
	Fsid     cmn.Fsid
	Have     cmn.Epoch
	WantFull bool
}

func (r *GetMapReq) Encode() []byte {
	p := cos.NewPacker(nil, 2*cos.SizeofI64+cos.SizeofI32+1)
	p.WriteUint64(r.Fsid.Major)
	p.WriteUint64(r.Fsid.Minor)
	p.WriteUint32(r.Have)
	if r.WantFull {
		p.WriteUint8(1)
	} else {
		p.WriteUint8(0)
	}
	return p.Bytes()
}

func DecodeGetMapReq(b []byte) (*GetMapReq, error) {
	u := cos.NewUnpacker(b)
	r := &GetMapReq{}
	var err error
	if r.Fsid.Major, err = u.ReadUint64(); err != nil {
		return nil, errors.Wrap(cmn.ErrBadEncoding, err.Error())
	}
	if r.Fsid.Minor, err = u.ReadUint64(); err != nil {
		return nil, errors.Wrap(cmn.ErrBadEncoding, err.Error())
	}
	if r.Have, err = u.ReadUint32(); err != nil {
		return nil, errors.Wrap(cmn.ErrBadEncoding, err.Error())
	}
	full, err := u.ReadUint8()
	if err != nil {
		return nil, errors.Wrap(cmn.ErrBadEncoding, err.Error())
	}
	r.WantFull = full != 0
	return r, nil
}

type MapReply struct {
	Full []byte   // encoded full target map, or
	Incs [][]byte // contiguous encoded incrementals
}

func (r *MapReply) Encode() []byte {
	p := cos.NewPacker(nil, 64)
	if r.Full != nil {
		p.WriteUint8(replyFull)
		p.WriteBytes(r.Full)
		return p.Bytes()
	}
	p.WriteUint8(replyIncs)
	p.WriteUint32(uint32(len(r.Incs)))
	for _, b := range r.Incs {
		p.WriteBytes(b)
	}
	return p.Bytes()
}

func DecodeMapReply(b []byte) (*MapReply, error) {
	u := cos.NewUnpacker(b)
	kind, err := u.ReadUint8()
	if err != nil {
		return nil, errors.Wrap(cmn.ErrBadEncoding, err.Error())
	}
	r := &MapReply{}
	switch kind {
	case replyFull:
		if r.Full, err = u.ReadBytes(); err != nil {
			return nil, errors.Wrap(cmn.ErrBadEncoding, err.Error())
		}
	case replyIncs:
		n, err := u.ReadUint32()
		if err != nil {
			return nil, errors.Wrap(cmn.ErrBadEncoding, err.Error())
		}
		if int(n) > u.Remaining()/cos.SizeofLen {
			return nil, errors.Wrap(cmn.ErrBadEncoding, cos.ErrBufferUnderrun.Error())
		}
		r.Incs = make([][]byte, n)
		for i := range r.Incs {
			if r.Incs[i], err = u.ReadBytes(); err != nil {
				return nil, errors.Wrap(cmn.ErrBadEncoding, err.Error())
			}
		}
	default:
		return nil, errors.Wrapf(cmn.ErrBadEncoding, "map reply kind %d", kind)
	}
	return r, nil
}

// Statfs carries cluster-wide usage, all in objects/bytes.
type Statfs struct {
	Total   uint64
	Free    uint64
	Avail   uint64
	Objects uint64
}

type StatfsReq struct {
	Tid uint64
}

func (r *StatfsReq) Encode() []byte {
	p := cos.NewPacker(nil, cos.SizeofI64)
	p.WriteUint64(r.Tid)
	return p.Bytes()
}

func DecodeStatfsReq(b []byte) (*StatfsReq, error) {
	u := cos.NewUnpacker(b)
	tid, err := u.ReadUint64()
	if err != nil {
		return nil, errors.Wrap(cmn.ErrBadEncoding, err.Error())
	}
	return &StatfsReq{Tid: tid}, nil
}

type StatfsReply struct {
	Tid uint64
	St  Statfs
}

func (r *StatfsReply) Encode() []byte {
	p := cos.NewPacker(nil, 5*cos.SizeofI64)
	p.WriteUint64(r.Tid)
	p.WriteUint64(r.St.Total)
	p.WriteUint64(r.St.Free)
	p.WriteUint64(r.St.Avail)
	p.WriteUint64(r.St.Objects)
	return p.Bytes()
}

func DecodeStatfsReply(b []byte) (*StatfsReply, error) {
	u := cos.NewUnpacker(b)
	r := &StatfsReply{}
	var err error
	if r.Tid, err = u.ReadUint64(); err != nil {
		return nil, errors.Wrap(cmn.ErrBadEncoding, err.Error())
	}
	for _, dst := range []*uint64{&r.St.Total, &r.St.Free, &r.St.Avail, &r.St.Objects} {
		if *dst, err = u.ReadUint64(); err != nil {
			return nil, errors.Wrap(cmn.ErrBadEncoding, err.Error())
		}
	}
	return r, nil
}

// retained delta window on the monitor
const defaultIncWindow = 32
