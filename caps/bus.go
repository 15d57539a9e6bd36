// Package caps implements capability-based cache coherence.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package caps

import (
	"github.com/stratastore/strata/bus"
	"github.com/stratastore/strata/cmn"
)

// BusSender adapts a bus endpoint into the manager's SendFunc: capability
// messages go to the metadata authority's address as MsgCaps payloads.
func BusSender(ep bus.Endpoint) SendFunc {
	return func(mds int32, addr cmn.EntityAddr, data []byte) error {
		return ep.Send(bus.Message{
			Type:    bus.MsgCaps,
			Dst:     cmn.EntityName{Type: cmn.EntityMDS, Num: mds},
			DstAddr: addr,
			Data:    data,
		})
	}
}

// BusHandler dispatches inbound MsgCaps to the manager; wire it as (part
// of) the client endpoint's bus handler.
func (c *Client) BusHandler(m bus.Message) {
	if m.Type != bus.MsgCaps {
		return
	}
	_ = c.HandleCapMessage(m.Src.Num, m.Data)
}
