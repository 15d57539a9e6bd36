// Package cmap implements the versioned cluster maps: the monitor map and
// the target map, their byte-exact wire encodings, incremental evolution,
// and the object → placement-group → target resolution path.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package cmap

import (
	"fmt"

	"github.com/OneOfOne/xxhash"
	"github.com/stratastore/strata/crush"
)

// PGID packs a placement-group identity into 64 bits:
//
//	bits  0..15  ps         pseudo-random placement seed
//	bits 16..23  type       placement strategy (PGTypeRep, ...)
//	bits 24..31  size       replica count
//	bits 32..47  preferred  preferred primary target, -1 for none
//	bits 48..63  pool       storage pool
type PGID uint64

const PGTypeRep = 1

func MakePGID(ps uint16, typ, size uint8, preferred int16, pool uint16) PGID {
	return PGID(uint64(ps) |
		uint64(typ)<<16 |
		uint64(size)<<24 |
		uint64(uint16(preferred))<<32 |
		uint64(pool)<<48)
}

func (p PGID) PS() uint16       { return uint16(p) }
func (p PGID) Type() uint8      { return uint8(p >> 16) }
func (p PGID) Size() uint8      { return uint8(p >> 24) }
func (p PGID) Preferred() int16 { return int16(uint16(p >> 32)) }
func (p PGID) Pool() uint16     { return uint16(p >> 48) }

func (p PGID) String() string {
	return fmt.Sprintf("%d.%xs%d", p.Pool(), p.PS(), p.Size())
}

// stableMod folds value v into [0, b) such that growing b to the next
// power of two relocates at most half the values: bmask is the smallest
// 2^n - 1 >= b - 1.
func stableMod(v, b, bmask uint32) uint32 {
	if v&bmask < b {
		return v & bmask
	}
	return v & (bmask >> 1)
}

// ObjectID names one striped object of a file: the inode plus the block
// (stripe) number within it.
type ObjectID struct {
	Ino uint64
	BNo uint32
}

// FileLayout parameterizes striping and placement for a file's objects.
type FileLayout struct {
	StripeUnit  uint32
	StripeCount uint32
	ObjectSize  uint32
	PGSize      uint8 // replica count
	PGType      uint8
	PGPreferred int16
	Pool        uint16
}

// CalcObjectPG derives the placement group for an object: the seed mixes
// the block number with a hash of the inode, so a file's objects spread
// across groups.
func CalcObjectPG(oid ObjectID, fl *FileLayout) PGID {
	ps := uint16(oid.BNo + crush.Hash32_2(uint32(oid.Ino), uint32(oid.Ino>>32)))
	return MakePGID(ps, fl.PGType, fl.PGSize, fl.PGPreferred, fl.Pool)
}

// NamedObjectPG derives the placement group for a flat named object
// (gateway-style access, no inode).
func NamedObjectPG(name string, fl *FileLayout) PGID {
	d := xxhash.ChecksumString64(name)
	ps := uint16(d) ^ uint16(d>>16) ^ uint16(d>>32) ^ uint16(d>>48)
	return MakePGID(ps, fl.PGType, fl.PGSize, fl.PGPreferred, fl.Pool)
}

// CalcFileObjectMapping maps a file extent (off, length) onto the first
// object it touches: returns the object, the offset and length within it,
// the file offset just past the first stripe-unit piece (nextOff), and the
// extent length not placed in this object (remLen). When later stripe
// units of the extent land in the same object, the part left over is not
// one contiguous range starting at nextOff.
func CalcFileObjectMapping(ino uint64, fl *FileLayout, off, length uint64) (oid ObjectID, oxoff, oxlen, nextOff, remLen uint64) {
	oid.Ino = ino
	var (
		osize       = uint64(fl.ObjectSize)
		su          = uint64(fl.StripeUnit)
		sc          = uint64(fl.StripeCount)
		stripeLen   = su * sc
		suPerObject = osize / su
	)
	bl := off / su
	stripeno := bl / sc
	stripepos := bl % sc
	objsetno := stripeno / suPerObject

	oid.BNo = uint32(objsetno*sc + stripepos)
	oxoff = (stripeno%suPerObject)*su + off%su
	first := min(length, su-off%su)
	oxlen = first

	// additional stripe units landing in this same object?
	t := length
	for t > stripeLen && oxoff+oxlen < osize {
		oxlen += min(su, t)
		t -= stripeLen
	}

	nextOff = off + first
	remLen = length - oxlen
	return oid, oxoff, oxlen, nextOff, remLen
}
