// Package caps implements the client side of capability-based cache
// coherence: per-inode capability records granted by metadata authorities,
// the revocation and migration handshakes, and the snapshot-aware flushing
// discipline that preserves point-in-time consistency.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package caps

// Capability bits. "issued" is what the authority granted; "implemented"
// is what we have actually applied locally and is a superset of issued
// while a revocation is draining.
const (
	CapRD uint32 = 1 << iota
	CapRDCache
	CapWR
	CapWRBuffer
	CapEXCL
)

func capString(c uint32) string {
	if c == 0 {
		return "-"
	}
	var s []byte
	if c&CapRD != 0 {
		s = append(s, 'r')
	}
	if c&CapRDCache != 0 {
		s = append(s, 'c')
	}
	if c&CapWR != 0 {
		s = append(s, 'w')
	}
	if c&CapWRBuffer != 0 {
		s = append(s, 'b')
	}
	if c&CapEXCL != 0 {
		s = append(s, 'x')
	}
	return string(s)
}

// Open-file modes, for the wanted-bits derivation.
const (
	ModeRD = iota
	ModeRDWR
	ModeWR
	ModeLazy
	NumModes
)

func capsForMode(mode int) uint32 {
	switch mode {
	case ModeRD:
		return CapRD | CapRDCache
	case ModeRDWR:
		return CapRD | CapRDCache | CapWR | CapWRBuffer
	case ModeWR:
		return CapWR | CapWRBuffer
	case ModeLazy:
		return CapRD | CapRDCache | CapWR | CapWRBuffer
	}
	return 0
}

// Capability message ops.
const (
	OpGrant uint32 = iota + 1
	OpAck
	OpRelease
	OpReleased
	OpTrunc
	OpFlushSnap
	OpFlushedSnap
	OpExport
	OpImport
)

func OpName(op uint32) string {
	switch op {
	case OpGrant:
		return "grant"
	case OpAck:
		return "ack"
	case OpRelease:
		return "release"
	case OpReleased:
		return "released"
	case OpTrunc:
		return "trunc"
	case OpFlushSnap:
		return "flushsnap"
	case OpFlushedSnap:
		return "flushedsnap"
	case OpExport:
		return "export"
	case OpImport:
		return "import"
	}
	return "?"
}

// Cap is one authority's grant on one inode. It is referenced from both
// the inode's cap table and the issuing session's cap set; both references
// are maintained together under the inode lock plus the session mutex.
type Cap struct {
	inode   *Inode
	session *Session

	mds         int32
	issued      uint32
	implemented uint32
	seq         uint32
	mseq        uint32
	gen         uint32
}

// revoking returns the bits the authority has taken back that we have not
// yet released.
func (c *Cap) revoking() uint32 { return c.implemented &^ c.issued }
