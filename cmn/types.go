// Package cmn provides common low-level types and constants shared by the
// strata core: cluster identity, epochs, inode instances, and entity
// addressing.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package cmn

import (
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Epoch versions a cluster map. Zero means "unknown"; published maps start
// at 1 and increase by exactly one per mutation.
type Epoch = uint32

// Fsid is the immutable 128-bit cluster identity, kept as two 64-bit halves
// to match the wire layout.
type Fsid struct {
	Major uint64
	Minor uint64
}

func NewFsid() Fsid {
	u := uuid.New()
	var f Fsid
	for i := range 8 {
		f.Major = f.Major<<8 | uint64(u[i])
		f.Minor = f.Minor<<8 | uint64(u[i+8])
	}
	return f
}

func (f Fsid) IsZero() bool { return f.Major == 0 && f.Minor == 0 }

func (f Fsid) String() string { return fmt.Sprintf("%016x.%016x", f.Major, f.Minor) }

// NoSnap marks the "current" (non-snapshot) instance of an inode.
const NoSnap = ^uint64(0) - 1

// Vino identifies an inode instance: the inode number plus the snapshot id
// (NoSnap for the head version).
type Vino struct {
	Ino  uint64
	Snap uint64
}

func (v Vino) String() string {
	if v.Snap == NoSnap {
		return fmt.Sprintf("%x.head", v.Ino)
	}
	return fmt.Sprintf("%x.%x", v.Ino, v.Snap)
}

// Entity types, used in bus addressing and daemon identities.
const (
	EntityMon = iota + 1
	EntityTarget
	EntityMDS
	EntityClient
)

// EntityName names a daemon instance: (type, instance number).
type EntityName struct {
	Type int32
	Num  int32
}

func (n EntityName) String() string {
	switch n.Type {
	case EntityMon:
		return "mon" + strconv.Itoa(int(n.Num))
	case EntityTarget:
		return "tgt" + strconv.Itoa(int(n.Num))
	case EntityMDS:
		return "mds" + strconv.Itoa(int(n.Num))
	case EntityClient:
		return "client" + strconv.Itoa(int(n.Num))
	}
	return "?" + strconv.Itoa(int(n.Num))
}

// EntityAddr is a fixed-size wire address: a connection nonce plus IPv4
// endpoint. The nonce distinguishes reincarnations of a daemon on the same
// endpoint.
type EntityAddr struct {
	Nonce uint32
	IP    [4]byte
	Port  uint16
}

// EntityAddrLen is the encoded size of an EntityAddr (see cos packers).
const EntityAddrLen = 4 + 4 + 2

func (a EntityAddr) IsZero() bool { return a.IP == [4]byte{} && a.Port == 0 }

func (a EntityAddr) Equal(b EntityAddr) bool { return a.IP == b.IP && a.Port == b.Port }

func (a EntityAddr) String() string {
	return net.JoinHostPort(net.IP(a.IP[:]).String(), strconv.Itoa(int(a.Port)))
}

// ParseAddr parses "a.b.c.d:port" into an EntityAddr (nonce zero).
func ParseAddr(s string) (EntityAddr, error) {
	var ea EntityAddr
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return ea, errors.Wrapf(ErrInvalidAddr, "%q: %v", s, err)
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return ea, errors.Wrapf(ErrInvalidAddr, "%q: not an IPv4 address", host)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return ea, errors.Wrapf(ErrInvalidAddr, "%q: bad port", s)
	}
	copy(ea.IP[:], ip.To4())
	ea.Port = uint16(p)
	return ea, nil
}
