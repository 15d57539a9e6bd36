// Package mon implements the monitor side of map distribution and the map
// client.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package mon

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/stratastore/strata/bus"
	"github.com/stratastore/strata/cmap"
	"github.com/stratastore/strata/cmn"
	"github.com/stratastore/strata/cmn/nlog"
)

// Server is one monitor's map service. It owns the authoritative monitor
// map and target map, persists every published epoch, and retains a
// bounded window of recent incrementals so lagging clients can catch up
// with deltas instead of full maps.
type Server struct {
	mu    sync.Mutex
	rank  int32
	store *Store

	monmap  *cmap.MonMap
	tmap    *cmap.TargetMap
	authmap *cmap.AuthMap
	incs    map[cmn.Epoch]*cmap.Incremental
	window  int

	statfs Statfs // current totals, updated by target reports

	ep bus.Endpoint
}

// NewServer boots the map service from the persisted store. Missing
// "whoami" or "monmap" keys fail startup.
func NewServer(store *Store, b bus.Bus) (*Server, error) {
	rank, err := store.Whoami()
	if err != nil {
		return nil, err
	}
	monmap, err := store.MonMap()
	if err != nil {
		return nil, err
	}
	if int(rank) >= monmap.NumMon() {
		return nil, errors.Wrapf(cmn.ErrRange, "whoami %d vs %d monitors", rank, monmap.NumMon())
	}
	s := &Server{
		rank:   rank,
		store:  store,
		monmap: monmap,
		incs:   make(map[cmn.Epoch]*cmap.Incremental),
		window: defaultIncWindow,
	}
	if s.tmap, err = store.LatestTargetMap(); err != nil {
		if !errors.Is(err, cmn.ErrNotFound) {
			return nil, err
		}
		// fresh cluster: no target map published yet
		s.tmap = nil
	}
	if s.authmap, err = store.AuthMap(); err != nil {
		if !errors.Is(err, cmn.ErrNotFound) {
			return nil, err
		}
		s.authmap = nil
	}
	self := monmap.Mons[rank]
	name := cmn.EntityName{Type: cmn.EntityMon, Num: rank}
	if s.ep, err = b.Attach(name, self.Addr, s.handle); err != nil {
		return nil, err
	}
	nlog.Infof("mon%d: serving maps for %s at %s", rank, monmap.Fsid, self.Addr)
	return s, nil
}

func (s *Server) Close() {
	if s.ep != nil {
		s.ep.Close()
	}
}

func (s *Server) Rank() int32 { return s.rank }

// TargetMap returns the latest published map (nil on a fresh cluster).
func (s *Server) TargetMap() *cmap.TargetMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tmap
}

// SetAuthMap publishes a new metadata-authority map; the epoch must grow.
func (s *Server) SetAuthMap(m *cmap.AuthMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.Fsid != s.monmap.Fsid {
		return errors.Wrapf(cmn.ErrBadEncoding, "authmap fsid %s vs cluster %s", m.Fsid, s.monmap.Fsid)
	}
	if s.authmap != nil && m.Epoch <= s.authmap.Epoch {
		return &cmn.ErrStaleEpoch{Have: s.authmap.Epoch, Got: m.Epoch}
	}
	if err := s.store.SetAuthMap(m); err != nil {
		return err
	}
	s.authmap = m
	return nil
}

// SetStatfs updates the totals returned to statfs requests.
func (s *Server) SetStatfs(st Statfs) {
	s.mu.Lock()
	s.statfs = st
	s.mu.Unlock()
}

// Bootstrap publishes the initial full map (epoch 1) of a fresh cluster.
func (s *Server) Bootstrap(tm *cmap.TargetMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tmap != nil {
		return errors.Wrapf(cmn.ErrRetry, "target map already at epoch %d", s.tmap.Epoch)
	}
	if tm.Fsid != s.monmap.Fsid {
		return errors.Wrapf(cmn.ErrBadEncoding, "target map fsid %s vs cluster %s", tm.Fsid, s.monmap.Fsid)
	}
	if err := s.store.SetLatestTargetMap(tm); err != nil {
		return err
	}
	s.tmap = tm
	nlog.Infof("mon%d: bootstrapped target map epoch %d", s.rank, tm.Epoch)
	return nil
}

// Publish applies an incremental to the authoritative map, persists the
// result, and retains the delta. The delta must target the next epoch.
func (s *Server) Publish(inc *cmap.Incremental) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tmap == nil {
		return errors.Wrap(cmn.ErrNotFound, "no target map to evolve")
	}
	next, err := s.tmap.Apply(inc, nil)
	if err != nil {
		return err
	}
	if err := s.store.SetLatestTargetMap(next); err != nil {
		return err
	}
	if err := s.store.SetIncremental(inc); err != nil {
		return err
	}
	s.tmap = next
	s.incs[inc.NewEpoch] = inc
	if old := inc.NewEpoch - cmn.Epoch(s.window); old > 0 {
		delete(s.incs, old)
		_ = s.store.DeleteIncremental(old)
	}
	nlog.Infof("mon%d: published epoch %d", s.rank, next.Epoch)
	return nil
}

func (s *Server) handle(m bus.Message) {
	switch m.Type {
	case bus.MsgGetMonMap:
		s.handleGetMonMap(m)
	case bus.MsgGetTargetMap:
		s.handleGetTargetMap(m)
	case bus.MsgGetAuthMap:
		s.handleGetAuthMap(m)
	case bus.MsgStatfs:
		s.handleStatfs(m)
	case bus.MsgUnmount:
		s.reply(m, bus.MsgUnmountAck, nil)
	default:
		nlog.Warningf("mon%d: dropping unexpected %s from %s", s.rank, m.Type, m.Src)
	}
}

func (s *Server) reply(req bus.Message, t bus.MsgType, data []byte) {
	err := s.ep.Send(bus.Message{
		Type:    t,
		Dst:     req.Src,
		DstAddr: req.SrcAddr,
		Data:    data,
	})
	if err != nil {
		nlog.Warningf("mon%d: reply %s to %s: %v", s.rank, t, req.Src, err)
	}
}

func (s *Server) handleGetMonMap(m bus.Message) {
	s.mu.Lock()
	data := s.monmap.Encode()
	s.mu.Unlock()
	s.reply(m, bus.MsgMonMap, data)
}

func (s *Server) handleGetAuthMap(m bus.Message) {
	s.mu.Lock()
	am := s.authmap
	s.mu.Unlock()
	if am == nil {
		return // nothing published yet; the requester keeps resending
	}
	s.reply(m, bus.MsgAuthMap, am.Encode())
}

func (s *Server) handleGetTargetMap(m bus.Message) {
	req, err := DecodeGetMapReq(m.Data)
	if err != nil {
		nlog.Warningf("mon%d: bad get-targetmap from %s: %v", s.rank, m.Src, err)
		return // decode errors are dropped; the peer will resend
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tmap == nil || req.Fsid != s.monmap.Fsid {
		return
	}
	cur := s.tmap.Epoch
	if req.Have >= cur {
		// nothing newer; reply with an empty delta batch so the
		// requester can confirm it is current
		s.replyLocked(m, &MapReply{Incs: [][]byte{}})
		return
	}
	if !req.WantFull && req.Have+cmn.Epoch(s.window) >= cur {
		incs := make([][]byte, 0, cur-req.Have)
		for e := req.Have + 1; e <= cur; e++ {
			inc, ok := s.incs[e]
			if !ok {
				if inc, _ = s.store.Incremental(e); inc == nil {
					incs = nil
					break
				}
			}
			incs = append(incs, inc.Encode())
		}
		if incs != nil {
			s.replyLocked(m, &MapReply{Incs: incs})
			return
		}
	}
	s.replyLocked(m, &MapReply{Full: s.tmap.Encode()})
}

func (s *Server) replyLocked(m bus.Message, r *MapReply) {
	s.reply(m, bus.MsgTargetMap, r.Encode())
}

func (s *Server) handleStatfs(m bus.Message) {
	req, err := DecodeStatfsReq(m.Data)
	if err != nil {
		nlog.Warningf("mon%d: bad statfs from %s: %v", s.rank, m.Src, err)
		return
	}
	s.mu.Lock()
	rep := &StatfsReply{Tid: req.Tid, St: s.statfs}
	s.mu.Unlock()
	s.reply(m, bus.MsgStatfsReply, rep.Encode())
}
