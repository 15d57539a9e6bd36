// Package mono provides a process-local monotonic clock, used for backoff
// deadlines, cap TTLs, and delayed-work scheduling.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package mono

import "time"

var t0 = time.Now()

// NanoTime returns monotonic nanoseconds since process start.
func NanoTime() int64 { return int64(time.Since(t0)) }

func Since(started int64) time.Duration { return time.Duration(NanoTime() - started) }
