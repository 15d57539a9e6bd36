// Package debug provides internal invariant checks. A failed assertion is
// a Fatal condition: it panics, and daemon top levels convert the panic
// into a structured shutdown.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package debug

import "fmt"

func Assert(cond bool, a ...any) {
	if !cond {
		if len(a) > 0 {
			panic("assertion failed: " + fmt.Sprint(a...))
		}
		panic("assertion failed")
	}
}

func Assertf(cond bool, f string, a ...any) {
	if !cond {
		panic("assertion failed: " + fmt.Sprintf(f, a...))
	}
}

func AssertNoErr(err error) {
	if err != nil {
		panic(err)
	}
}
