// Package bus abstracts the messenger.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stratastore/strata/cmn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(t *testing.T, s string) cmn.EntityAddr {
	a, err := cmn.ParseAddr(s)
	require.NoError(t, err)
	return a
}

func TestLoopbackDelivery(t *testing.T) {
	lb := NewLoopback()

	var (
		mu  sync.Mutex
		got []Message
	)
	aAddr := addr(t, "10.0.0.1:7000")
	bAddr := addr(t, "10.0.0.2:7000")

	a, err := lb.Attach(cmn.EntityName{Type: cmn.EntityClient, Num: 1}, aAddr, func(Message) {})
	require.NoError(t, err)
	_, err = lb.Attach(cmn.EntityName{Type: cmn.EntityMon, Num: 0}, bAddr, func(m Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	require.NoError(t, err)

	for i := range 5 {
		require.NoError(t, a.Send(Message{Type: MsgStatfs, DstAddr: bAddr, Data: []byte{byte(i)}}))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, 2*time.Second, 5*time.Millisecond)

	// per-peer ordering
	mu.Lock()
	for i, m := range got {
		assert.Equal(t, []byte{byte(i)}, m.Data)
		assert.Equal(t, aAddr, m.SrcAddr, "source stamped by the bus")
	}
	mu.Unlock()
}

func TestLoopbackUnknownPeer(t *testing.T) {
	lb := NewLoopback()
	a, err := lb.Attach(cmn.EntityName{Type: cmn.EntityClient, Num: 1}, addr(t, "10.0.0.1:7000"), func(Message) {})
	require.NoError(t, err)

	err = a.Send(Message{Type: MsgStatfs, DstAddr: addr(t, "10.9.9.9:1")})
	assert.ErrorIs(t, err, cmn.ErrNotFound)
}

func TestLoopbackMarkDown(t *testing.T) {
	lb := NewLoopback()
	aAddr := addr(t, "10.0.0.1:7000")
	bAddr := addr(t, "10.0.0.2:7000")
	a, err := lb.Attach(cmn.EntityName{Type: cmn.EntityClient, Num: 1}, aAddr, func(Message) {})
	require.NoError(t, err)
	_, err = lb.Attach(cmn.EntityName{Type: cmn.EntityTarget, Num: 3}, bAddr, func(Message) {})
	require.NoError(t, err)

	lb.MarkDown(bAddr)
	err = a.Send(Message{Type: MsgStatfs, DstAddr: bAddr})
	assert.Error(t, err)

	// a duplicate attach at the same address is rejected while alive
	_, err = lb.Attach(cmn.EntityName{Type: cmn.EntityTarget, Num: 4}, aAddr, func(Message) {})
	assert.Error(t, err)
}

func TestLoopbackDropFn(t *testing.T) {
	lb := NewLoopback()
	aAddr := addr(t, "10.0.0.1:7000")
	bAddr := addr(t, "10.0.0.2:7000")

	var delivered sync.WaitGroup
	a, err := lb.Attach(cmn.EntityName{Type: cmn.EntityClient, Num: 1}, aAddr, func(Message) {})
	require.NoError(t, err)
	_, err = lb.Attach(cmn.EntityName{Type: cmn.EntityMon, Num: 0}, bAddr, func(Message) {
		delivered.Done()
	})
	require.NoError(t, err)

	lb.SetDropFn(func(m Message) bool { return m.Type == MsgUnmount })
	require.NoError(t, a.Send(Message{Type: MsgUnmount, DstAddr: bAddr}), "dropped silently")

	delivered.Add(1)
	require.NoError(t, a.Send(Message{Type: MsgStatfs, DstAddr: bAddr}))
	done := make(chan struct{})
	go func() { delivered.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("undropped message not delivered")
	}
}
