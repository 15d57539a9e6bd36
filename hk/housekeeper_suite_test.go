// Package hk provides the delayed-work scheduler shared by the strata
// core.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package hk

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestHousekeeper(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Housekeeper Suite")
}
