// Package cmn provides common low-level types and constants shared by the
// strata core.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package cmn

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds distinguishable by callers. Wrap these (pkg/errors or %w) to
// add context; test with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrBadEncoding      = errors.New("bad encoding")
	ErrEpochStale       = errors.New("epoch stale")
	ErrPermissionDenied = errors.New("permission denied")
	ErrRange            = errors.New("out of range")
	ErrTimeout          = errors.New("timeout")
	ErrRetry            = errors.New("retry")
	ErrFatal            = errors.New("fatal")

	ErrInvalidAddr = errors.New("invalid address")
)

// Stable numeric codes for user-visible failures.
const (
	ENOENT = 2
	EACCES = 13
	EINVAL = 22
	ERANGE = 34
	ETIME  = 62
	EAGAIN = 11
	EIO    = 5
)

// Errno maps an error to its stable negative code; 0 for nil.
func Errno(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return -ENOENT
	case errors.Is(err, ErrPermissionDenied):
		return -EACCES
	case errors.Is(err, ErrRange):
		return -ERANGE
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return -ETIME
	case errors.Is(err, ErrRetry):
		return -EAGAIN
	case errors.Is(err, ErrBadEncoding):
		return -EINVAL
	default:
		return -EIO
	}
}

// ErrStaleEpoch reports a request that carried an older epoch than the
// responder now holds.
type ErrStaleEpoch struct {
	Have Epoch
	Got  Epoch
}

func (e *ErrStaleEpoch) Error() string {
	return fmt.Sprintf("stale epoch %d (have %d)", e.Got, e.Have)
}

func (*ErrStaleEpoch) Is(target error) bool { return target == ErrEpochStale }

// ErrSkippedEpoch reports an incremental delta that does not target
// current+1. The map is left unchanged; the caller should fetch a full map.
type ErrSkippedEpoch struct {
	Cur Epoch
	New Epoch
}

func (e *ErrSkippedEpoch) Error() string {
	return fmt.Sprintf("non-contiguous incremental: have epoch %d, delta targets %d", e.Cur, e.New)
}

func (*ErrSkippedEpoch) Is(target error) bool { return target == ErrEpochStale }
