// Package bus abstracts the messenger: a reliable, ordered, bidirectional
// message substrate between named daemons. Byte framing, reconnect policy,
// and per-peer-class delivery guarantees live behind this interface; the
// core only sees typed payloads.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package bus

import (
	"github.com/stratastore/strata/cmn"
)

type MsgType uint16

const (
	MsgGetMonMap MsgType = iota + 1
	MsgMonMap
	MsgGetTargetMap
	MsgTargetMap
	MsgGetAuthMap
	MsgAuthMap
	MsgStatfs
	MsgStatfsReply
	MsgUnmount
	MsgUnmountAck
	MsgCaps
)

func (t MsgType) String() string {
	switch t {
	case MsgGetMonMap:
		return "get-monmap"
	case MsgMonMap:
		return "monmap"
	case MsgGetTargetMap:
		return "get-targetmap"
	case MsgTargetMap:
		return "targetmap"
	case MsgGetAuthMap:
		return "get-authmap"
	case MsgAuthMap:
		return "authmap"
	case MsgStatfs:
		return "statfs"
	case MsgStatfsReply:
		return "statfs-reply"
	case MsgUnmount:
		return "unmount"
	case MsgUnmountAck:
		return "unmount-ack"
	case MsgCaps:
		return "caps"
	}
	return "unknown"
}

type Message struct {
	Type MsgType
	Src  cmn.EntityName
	Dst  cmn.EntityName

	SrcAddr cmn.EntityAddr
	DstAddr cmn.EntityAddr

	Data []byte
}

// Handler runs on the endpoint's dispatch goroutine; per-peer ordering is
// preserved.
type Handler func(Message)

type (
	// Endpoint is one attached daemon's view of the bus.
	Endpoint interface {
		Send(m Message) error
		Addr() cmn.EntityAddr
		Close()
	}

	// Bus attaches endpoints and tears down dead peers.
	Bus interface {
		Attach(name cmn.EntityName, addr cmn.EntityAddr, h Handler) (Endpoint, error)
		// MarkDown drops any state associated with a peer address (stale
		// connections after a target moved or died).
		MarkDown(addr cmn.EntityAddr)
	}
)
