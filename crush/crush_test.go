// Package crush implements the deterministic pseudo-random placement
// algorithm.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package crush

import (
	"testing"

	"github.com/stratastore/strata/cmn/cos"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	typeDevice uint16 = 0
	typeHost   uint16 = 1
	typeRack   uint16 = 2
	typeRoot   uint16 = 3
)

// twelveDeviceMap builds one root of two racks, each of three hosts of two
// devices, uniformly weighted, plus a "3 hosts, 1 device each" rule.
func twelveDeviceMap(t *testing.T, alg uint16) (*Map, int) {
	m := NewMap(12)
	dev := int32(0)
	var racks []int32
	for range 2 {
		var hosts []int32
		for range 3 {
			items := []int32{dev, dev + 1}
			dev += 2
			host, err := m.AddBucket(alg, typeHost, items, []uint32{WeightIn, WeightIn})
			require.NoError(t, err)
			hosts = append(hosts, host)
		}
		rack, err := m.AddBucket(alg, typeRack, hosts, make([]uint32, 3))
		require.NoError(t, err)
		racks = append(racks, rack)
	}
	root, err := m.AddBucket(alg, typeRoot, racks, make([]uint32, 2))
	require.NoError(t, err)

	ruleno := m.AddRule(
		RuleMask{Ruleset: 1, Type: 1, MinSize: 1, MaxSize: 4},
		[]RuleStep{
			{Op: RuleTake, Arg1: uint32(root)},
			{Op: RuleChooseFirstN, Arg1: 3, Arg2: uint32(typeHost)},
			{Op: RuleChooseFirstN, Arg1: 1, Arg2: uint32(typeDevice)},
			{Op: RuleEmit},
		})
	m.Finalize()
	return m, ruleno
}

func hostOf(dev int32) int32 { return dev / 2 }
func rackOf(dev int32) int32 { return dev / 6 }

func TestSingleRulePlacement(t *testing.T) {
	for _, alg := range []uint16{AlgUniform, AlgList, AlgTree, AlgStraw} {
		m, ruleno := twelveDeviceMap(t, alg)
		out, err := m.DoRule(ruleno, 42, 3, -1, m.DeviceWeights)
		require.NoError(t, err, "alg %d", alg)
		require.Len(t, out, 3, "alg %d", alg)

		hosts := make(map[int32]bool)
		racks := make(map[int32]bool)
		for _, d := range out {
			require.GreaterOrEqual(t, d, int32(0))
			require.Less(t, d, int32(12))
			assert.False(t, hosts[hostOf(d)], "two replicas under host %d", hostOf(d))
			hosts[hostOf(d)] = true
			racks[rackOf(d)] = true
		}
		assert.LessOrEqual(t, len(racks), 2)
	}
}

func TestDeterminism(t *testing.T) {
	m, ruleno := twelveDeviceMap(t, AlgStraw)
	for x := uint32(0); x < 1000; x++ {
		a, err := m.DoRule(ruleno, x, 3, -1, m.DeviceWeights)
		require.NoError(t, err)
		b, err := m.DoRule(ruleno, x, 3, -1, m.DeviceWeights)
		require.NoError(t, err)
		assert.Equal(t, a, b, "x=%d", x)
	}
}

func TestDistinctness(t *testing.T) {
	m, ruleno := twelveDeviceMap(t, AlgStraw)
	for x := uint32(0); x < 2000; x++ {
		out, err := m.DoRule(ruleno, x, 3, -1, m.DeviceWeights)
		require.NoError(t, err)
		seen := make(map[int32]bool, len(out))
		for _, d := range out {
			assert.False(t, seen[d], "x=%d repeated %d", x, d)
			seen[d] = true
		}
	}
}

// Reducing one device's weight from fully-in to half relocates exactly the
// inputs that mapped to it and whose 16-bit hash falls in the removed
// upper half.
func TestStabilityUnderWeightReduction(t *testing.T) {
	const dev = int32(7)
	m, ruleno := twelveDeviceMap(t, AlgStraw)

	reduced := append([]uint32(nil), m.DeviceWeights...)
	reduced[dev] = 0x8000

	var moved, kept int
	for x := uint32(0); x < 10000; x++ {
		before, err := m.DoRule(ruleno, x, 1, -1, m.DeviceWeights)
		require.NoError(t, err)
		after, err := m.DoRule(ruleno, x, 1, -1, reduced)
		require.NoError(t, err)
		require.Len(t, before, 1)
		require.Len(t, after, 1)

		h := Hash32_2(x, uint32(dev)) & 0xffff
		if before[0] != dev {
			assert.Equal(t, before, after, "x=%d: unrelated mapping moved", x)
			continue
		}
		if h >= 0x8000 {
			assert.NotEqual(t, dev, after[0], "x=%d: offloaded input stayed", x)
			moved++
		} else {
			assert.Equal(t, dev, after[0], "x=%d: retained input moved", x)
			kept++
		}
	}
	assert.Positive(t, moved)
	assert.Positive(t, kept)
}

func TestZeroWeightIsOut(t *testing.T) {
	const dev = int32(3)
	m, ruleno := twelveDeviceMap(t, AlgStraw)
	w := append([]uint32(nil), m.DeviceWeights...)
	w[dev] = 0
	for x := uint32(0); x < 3000; x++ {
		out, err := m.DoRule(ruleno, x, 3, -1, w)
		require.NoError(t, err)
		for _, d := range out {
			assert.NotEqual(t, dev, d, "x=%d placed on out device", x)
		}
	}
}

func TestForcedReplica(t *testing.T) {
	m, ruleno := twelveDeviceMap(t, AlgStraw)
	for x := uint32(0); x < 200; x++ {
		out, err := m.DoRule(ruleno, x, 3, 5, m.DeviceWeights)
		require.NoError(t, err)
		require.NotEmpty(t, out)
		assert.Equal(t, int32(5), out[0], "x=%d", x)
	}

	// a forced device outside the topology is an error
	_, err := m.DoRule(ruleno, 1, 3, 99, m.DeviceWeights)
	assert.Error(t, err)
}

func TestChooseLeaf(t *testing.T) {
	m, _ := twelveDeviceMap(t, AlgStraw)
	root := int32(-9) // the last bucket added
	ruleno := m.AddRule(
		RuleMask{Ruleset: 2, Type: 2, MinSize: 1, MaxSize: 4},
		[]RuleStep{
			{Op: RuleTake, Arg1: uint32(root)},
			{Op: RuleChooseLeafFirstN, Arg1: 3, Arg2: uint32(typeHost)},
			{Op: RuleEmit},
		})
	for x := uint32(0); x < 500; x++ {
		out, err := m.DoRule(ruleno, x, 3, -1, m.DeviceWeights)
		require.NoError(t, err)
		require.Len(t, out, 3)
		hosts := make(map[int32]bool)
		for _, d := range out {
			require.GreaterOrEqual(t, d, int32(0), "leaf expected")
			assert.False(t, hosts[hostOf(d)], "x=%d host collision", x)
			hosts[hostOf(d)] = true
		}
	}
}

func TestFindRule(t *testing.T) {
	m, ruleno := twelveDeviceMap(t, AlgList)
	assert.Equal(t, ruleno, m.FindRule(1, 1, 3))
	assert.Equal(t, -1, m.FindRule(1, 1, 5)) // beyond max size
	assert.Equal(t, -1, m.FindRule(9, 1, 3)) // no such ruleset
}

func TestCodecRoundTrip(t *testing.T) {
	for _, alg := range []uint16{AlgUniform, AlgList, AlgTree, AlgStraw} {
		m, ruleno := twelveDeviceMap(t, alg)
		m.DeviceWeights[4] = 0x9000

		blob := m.Encode()
		dec, err := Decode(cos.NewUnpacker(blob))
		require.NoError(t, err, "alg %d", alg)

		// byte-identical re-encoding
		assert.Equal(t, blob, dec.Encode(), "alg %d", alg)

		// identical placements
		for x := uint32(0); x < 300; x++ {
			a, err := m.DoRule(ruleno, x, 3, -1, m.DeviceWeights)
			require.NoError(t, err)
			b, err := dec.DoRule(ruleno, x, 3, -1, dec.DeviceWeights)
			require.NoError(t, err)
			assert.Equal(t, a, b, "alg %d x=%d", alg, x)
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	m, _ := twelveDeviceMap(t, AlgStraw)
	blob := m.Encode()
	for _, cut := range []int{1, 7, len(blob) / 2, len(blob) - 1} {
		_, err := Decode(cos.NewUnpacker(blob[:cut]))
		assert.Error(t, err, "cut=%d", cut)
	}
}

func TestHashVectorsStable(t *testing.T) {
	// pin a few values so an accidental change to the mix shows up
	assert.Equal(t, uint32(430787817), Hash32_2(0, 0))
	assert.NotEqual(t, Hash32_2(1, 2), Hash32_2(2, 1))
	assert.NotEqual(t, Hash32_3(1, 2, 3), Hash32_3(3, 2, 1))
	assert.NotEqual(t, Hash32_4(1, 2, 3, 4), Hash32_4(4, 3, 2, 1))
}
