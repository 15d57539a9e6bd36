// Package mon implements the monitor side of map distribution (persisted
// state, the map service) and the client that keeps maps fresh.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package mon

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
	"github.com/stratastore/strata/cmap"
	"github.com/stratastore/strata/cmn"
	"github.com/tidwall/buntdb"
)

// Required store keys; both are fatal at startup when missing.
const (
	KeyWhoami = "whoami"
	KeyMonMap = "monmap"

	keyLatestTMap = "targetmap:latest"
	keyAuthMap    = "authmap"
	keyIncPrefix  = "inc:"
)

// Store is the monitor's persisted key-value state: short ASCII keys to
// opaque byte blobs.
type Store struct {
	db *buntdb.DB
}

// OpenStore opens (creating if needed) the store at path; ":memory:" for
// tests.
func OpenStore(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open store %q", path)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Get(key string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		val, err = base64.StdEncoding.DecodeString(v)
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, errors.Wrapf(cmn.ErrNotFound, "store key %q", key)
	}
	return val, err
}

func (s *Store) Set(key string, val []byte) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, base64.StdEncoding.EncodeToString(val), nil)
		return err
	})
}

func (s *Store) Delete(key string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		return err
	})
}

// Whoami returns the monitor's rank (persisted as 4 LE bytes).
func (s *Store) Whoami() (int32, error) {
	b, err := s.Get(KeyWhoami)
	if err != nil {
		return -1, err
	}
	if len(b) != 4 {
		return -1, errors.Wrapf(cmn.ErrBadEncoding, "whoami: %d bytes", len(b))
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (s *Store) SetWhoami(rank int32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(rank))
	return s.Set(KeyWhoami, b[:])
}

func (s *Store) MonMap() (*cmap.MonMap, error) {
	b, err := s.Get(KeyMonMap)
	if err != nil {
		return nil, err
	}
	return cmap.DecodeMonMap(b)
}

func (s *Store) SetMonMap(m *cmap.MonMap) error {
	return s.Set(KeyMonMap, m.Encode())
}

func (s *Store) LatestTargetMap() (*cmap.TargetMap, error) {
	b, err := s.Get(keyLatestTMap)
	if err != nil {
		return nil, err
	}
	return cmap.DecodeTargetMap(b)
}

func (s *Store) SetLatestTargetMap(m *cmap.TargetMap) error {
	return s.Set(keyLatestTMap, m.Encode())
}

func (s *Store) AuthMap() (*cmap.AuthMap, error) {
	b, err := s.Get(keyAuthMap)
	if err != nil {
		return nil, err
	}
	return cmap.DecodeAuthMap(b)
}

func (s *Store) SetAuthMap(m *cmap.AuthMap) error {
	return s.Set(keyAuthMap, m.Encode())
}

func incKey(e cmn.Epoch) string { return fmt.Sprintf("%s%010d", keyIncPrefix, e) }

func (s *Store) Incremental(e cmn.Epoch) (*cmap.Incremental, error) {
	b, err := s.Get(incKey(e))
	if err != nil {
		return nil, err
	}
	return cmap.DecodeIncremental(b)
}

func (s *Store) SetIncremental(inc *cmap.Incremental) error {
	return s.Set(incKey(inc.NewEpoch), inc.Encode())
}

func (s *Store) DeleteIncremental(e cmn.Epoch) error {
	return s.Delete(incKey(e))
}
