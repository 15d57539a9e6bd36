// Package hk provides the delayed-work scheduler shared by the strata
// core.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package hk

import (
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Housekeeper", func() {
	var h *Housekeeper

	BeforeEach(func() {
		h = New()
	})
	AfterEach(func() {
		h.Stop()
	})

	It("should invoke a registered callback at its interval", func() {
		var fired atomic.Int32
		h.Reg("tick", func(int64) time.Duration {
			fired.Add(1)
			return 10 * time.Millisecond
		}, 10*time.Millisecond)
		Eventually(func() int32 { return fired.Load() }, "3s", "10ms").Should(BeNumerically(">=", 3))
	})

	It("should stop invoking after Unreg", func() {
		var fired atomic.Int32
		h.Reg("once", func(int64) time.Duration {
			fired.Add(1)
			return 10 * time.Millisecond
		}, 10*time.Millisecond)
		Eventually(func() int32 { return fired.Load() }, "3s", "10ms").Should(BeNumerically(">=", 1))

		h.Unreg("once")
		time.Sleep(50 * time.Millisecond)
		n := fired.Load()
		Consistently(func() int32 { return fired.Load() }, "300ms", "50ms").Should(Equal(n))
	})

	It("should unregister a callback returning UnregInterval", func() {
		var fired atomic.Int32
		h.Reg("one-shot", func(int64) time.Duration {
			fired.Add(1)
			return UnregInterval
		}, 10*time.Millisecond)
		Eventually(func() int32 { return fired.Load() }, "3s", "10ms").Should(Equal(int32(1)))
		Consistently(func() int32 { return fired.Load() }, "300ms", "50ms").Should(Equal(int32(1)))
	})

	It("should replace an entry re-registered under the same name", func() {
		var a, b atomic.Int32
		h.Reg("job", func(int64) time.Duration {
			a.Add(1)
			return 10 * time.Millisecond
		}, time.Hour)
		h.Reg("job", func(int64) time.Duration {
			b.Add(1)
			return 10 * time.Millisecond
		}, 10*time.Millisecond)
		Eventually(func() int32 { return b.Load() }, "3s", "10ms").Should(BeNumerically(">=", 2))
		Expect(a.Load()).To(Equal(int32(0)))
	})

	It("should run independent callbacks independently", func() {
		var fast, slow atomic.Int32
		h.Reg("fast", func(int64) time.Duration {
			fast.Add(1)
			return 10 * time.Millisecond
		}, 10*time.Millisecond)
		h.Reg("slow", func(int64) time.Duration {
			slow.Add(1)
			return 150 * time.Millisecond
		}, 150*time.Millisecond)
		Eventually(func() int32 { return fast.Load() }, "3s", "10ms").Should(BeNumerically(">", slow.Load()))
	})
})
