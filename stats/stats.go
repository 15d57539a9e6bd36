// Package stats exposes the core's prometheus metrics: capability traffic
// by op, map fetch retries, and current epochs.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package stats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/stratastore/strata/cmn"
)

var (
	capMsgsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "caps",
		Name:      "msgs_sent_total",
		Help:      "Capability messages sent, by op.",
	}, []string{"op"})

	capMsgsRecv = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "caps",
		Name:      "msgs_received_total",
		Help:      "Capability messages received, by op.",
	}, []string{"op"})

	mapRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "strata",
		Subsystem: "monc",
		Name:      "map_fetch_retries_total",
		Help:      "Map requests re-sent after backoff expiry.",
	})

	targetEpoch = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "strata",
		Subsystem: "monc",
		Name:      "target_map_epoch",
		Help:      "Epoch of the current target map.",
	})

	capSnapsPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "strata",
		Subsystem: "caps",
		Name:      "snaps_pending",
		Help:      "Cap-snap records awaiting flush.",
	})
)

func AddCapSent(op string)       { capMsgsSent.WithLabelValues(op).Inc() }
func AddCapRecv(op string)       { capMsgsRecv.WithLabelValues(op).Inc() }
func AddMapRetry()               { mapRetries.Inc() }
func SetTargetEpoch(e cmn.Epoch) { targetEpoch.Set(float64(e)) }
func AddCapSnap()                { capSnapsPending.Inc() }
func DoneCapSnap()               { capSnapsPending.Dec() }
