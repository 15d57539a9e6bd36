// Package caps implements capability-based cache coherence.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package caps

import (
	"sync"
	"time"

	"github.com/stratastore/strata/cmn"
	"github.com/stratastore/strata/cmn/mono"
)

// Session is the stateful association with one metadata authority. Its
// capability set and the per-inode cap tables reference the same Cap
// records; consistency of the two is maintained under the inode lock plus
// this session's mutex.
type Session struct {
	mds  int32
	addr cmn.EntityAddr

	mu sync.Mutex // serializes session messages; inner to the inode lock

	capLock sync.Mutex // protects capGen, capTTL
	capGen  uint32
	capTTL  int64 // mono ns; 0 = never expires

	seq  uint64 // incoming message seq
	caps map[*Cap]struct{}
}

func newSession(mds int32, addr cmn.EntityAddr) *Session {
	return &Session{mds: mds, addr: addr, caps: make(map[*Cap]struct{})}
}

func (s *Session) MDS() int32 { return s.mds }

func (s *Session) NumCaps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.caps)
}

func (s *Session) genTTL() (uint32, int64) {
	s.capLock.Lock()
	defer s.capLock.Unlock()
	return s.capGen, s.capTTL
}

// RenewedCaps extends the session lease: caps granted from now on are
// valid until the new TTL.
func (s *Session) RenewedCaps(ttl time.Duration) {
	s.capLock.Lock()
	s.capTTL = mono.NanoTime() + int64(ttl)
	s.capLock.Unlock()
}

// Stale bumps the generation: every cap issued under the old generation
// stops contributing until the authority refreshes it.
func (s *Session) Stale() {
	s.capLock.Lock()
	s.capGen++
	s.capTTL = 0
	s.capLock.Unlock()
}

// expired reports whether the lease has lapsed.
func (s *Session) expired() bool {
	s.capLock.Lock()
	defer s.capLock.Unlock()
	return s.capTTL != 0 && mono.NanoTime() >= s.capTTL
}

// staleCap reports whether cap c contributes nothing: it was issued under
// an older generation, or the session lease has lapsed.
func (s *Session) staleCap(c *Cap) bool {
	s.capLock.Lock()
	defer s.capLock.Unlock()
	if c.gen < s.capGen {
		return true
	}
	return s.capTTL != 0 && mono.NanoTime() >= s.capTTL
}
