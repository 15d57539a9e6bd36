// Package cos provides common low-level utilities for the strata core.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package cos

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Compact binary serialization for the cluster-map and capability wire
// formats. All scalars are little-endian and fixed-width; variable-length
// sections carry a u32 length prefix. Packing never fails; unpacking
// validates every read against the remaining buffer and returns
// ErrBufferUnderrun without partial mutation of the caller's state.

var ErrBufferUnderrun = errors.New("buffer underrun")

type (
	BytePack struct {
		b []byte
	}

	ByteUnpack struct {
		off int
		b   []byte
	}

	// Packer/Unpacker are implemented by every struct with a binary wire
	// representation.
	Packer interface {
		Pack(p *BytePack)
		PackedSize() int
	}
	Unpacker interface {
		Unpack(u *ByteUnpack) error
	}
)

const (
	SizeofI8  = 1
	SizeofI16 = 2
	SizeofI32 = 4
	SizeofI64 = 8
	SizeofLen = SizeofI32
)

func NewPacker(buf []byte, size int) *BytePack {
	if buf == nil {
		buf = make([]byte, 0, size)
	}
	return &BytePack{b: buf}
}

func (p *BytePack) Bytes() []byte { return p.b }

func (p *BytePack) WriteByte(v byte)    { p.b = append(p.b, v) }
func (p *BytePack) WriteUint8(v uint8)  { p.b = append(p.b, v) }
func (p *BytePack) WriteUint16(v uint16) {
	p.b = binary.LittleEndian.AppendUint16(p.b, v)
}
func (p *BytePack) WriteUint32(v uint32) {
	p.b = binary.LittleEndian.AppendUint32(p.b, v)
}
func (p *BytePack) WriteUint64(v uint64) {
	p.b = binary.LittleEndian.AppendUint64(p.b, v)
}
func (p *BytePack) WriteInt32(v int32) { p.WriteUint32(uint32(v)) }

// WriteBytesRaw appends bytes with no length prefix (fixed-width sections).
func (p *BytePack) WriteBytesRaw(v []byte) { p.b = append(p.b, v...) }

// WriteBytes appends a u32 length prefix followed by the bytes.
func (p *BytePack) WriteBytes(v []byte) {
	p.WriteUint32(uint32(len(v)))
	p.b = append(p.b, v...)
}

func (p *BytePack) WriteString(s string) {
	p.WriteUint32(uint32(len(s)))
	p.b = append(p.b, s...)
}

func NewUnpacker(b []byte) *ByteUnpack { return &ByteUnpack{b: b} }

func (u *ByteUnpack) Remaining() int { return len(u.b) - u.off }
func (u *ByteUnpack) Offset() int    { return u.off }

// Skip advances past n bytes without reading them.
func (u *ByteUnpack) Skip(n int) error {
	if n < 0 || u.Remaining() < n {
		return ErrBufferUnderrun
	}
	u.off += n
	return nil
}

func (u *ByteUnpack) ReadByte() (byte, error) {
	if u.Remaining() < 1 {
		return 0, ErrBufferUnderrun
	}
	b := u.b[u.off]
	u.off++
	return b, nil
}

func (u *ByteUnpack) ReadUint8() (uint8, error) { return u.ReadByte() }

func (u *ByteUnpack) ReadUint16() (uint16, error) {
	if u.Remaining() < SizeofI16 {
		return 0, ErrBufferUnderrun
	}
	v := binary.LittleEndian.Uint16(u.b[u.off:])
	u.off += SizeofI16
	return v, nil
}

func (u *ByteUnpack) ReadUint32() (uint32, error) {
	if u.Remaining() < SizeofI32 {
		return 0, ErrBufferUnderrun
	}
	v := binary.LittleEndian.Uint32(u.b[u.off:])
	u.off += SizeofI32
	return v, nil
}

func (u *ByteUnpack) ReadUint64() (uint64, error) {
	if u.Remaining() < SizeofI64 {
		return 0, ErrBufferUnderrun
	}
	v := binary.LittleEndian.Uint64(u.b[u.off:])
	u.off += SizeofI64
	return v, nil
}

func (u *ByteUnpack) ReadInt32() (int32, error) {
	v, err := u.ReadUint32()
	return int32(v), err
}

// ReadBytesRaw reads exactly n bytes (fixed-width sections). The returned
// slice aliases the underlying buffer.
func (u *ByteUnpack) ReadBytesRaw(n int) ([]byte, error) {
	if n < 0 || u.Remaining() < n {
		return nil, ErrBufferUnderrun
	}
	b := u.b[u.off : u.off+n]
	u.off += n
	return b, nil
}

// ReadBytes reads a u32 length prefix followed by that many bytes.
func (u *ByteUnpack) ReadBytes() ([]byte, error) {
	n, err := u.ReadUint32()
	if err != nil {
		return nil, err
	}
	return u.ReadBytesRaw(int(n))
}

func (u *ByteUnpack) ReadString() (string, error) {
	b, err := u.ReadBytes()
	return string(b), err
}
