// Package crush implements the deterministic pseudo-random placement
// algorithm.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package crush

import (
	"math"

	"github.com/pkg/errors"
	"github.com/stratastore/strata/cmn"
	"github.com/stratastore/strata/cmn/debug"
)

// Builder-side construction of a Map. The per-variant derived arrays
// (primes, cumulative sums, interior node weights, straw lengths) are
// computed here so that the mapper can stay a pure table-driven descent.

func NewMap(maxDevices int) *Map {
	m := &Map{DeviceWeights: make([]uint32, maxDevices)}
	for i := range m.DeviceWeights {
		m.DeviceWeights[i] = WeightIn
	}
	return m
}

func (m *Map) SetDeviceWeight(dev int, w uint32) error {
	if dev < 0 || dev >= len(m.DeviceWeights) {
		return errors.Wrapf(cmn.ErrRange, "device %d", dev)
	}
	m.DeviceWeights[dev] = w
	return nil
}

// itemWeight resolves the weight of a child: nested buckets contribute
// their own (already computed) total.
func (m *Map) itemWeight(item int32, given uint32) (uint32, error) {
	if item >= 0 {
		return given, nil
	}
	b := m.BucketByID(item)
	if b == nil {
		return 0, errors.Wrapf(cmn.ErrNotFound, "bucket %d", item)
	}
	return b.Weight, nil
}

// AddBucket appends a bucket of the given algorithm and type. weights is
// parallel to items; entries for nested buckets are ignored in favor of
// the nested bucket's total. Returns the new (negative) bucket id.
// Buckets must be added bottom-up.
func (m *Map) AddBucket(alg, typ uint16, items []int32, weights []uint32) (int32, error) {
	if len(items) == 0 {
		return 0, errors.Wrap(cmn.ErrRange, "empty bucket")
	}
	debug.Assert(len(items) == len(weights), "items/weights length mismatch")
	id := int32(-1 - len(m.Buckets))
	b := &Bucket{ID: id, Type: typ, Alg: alg}

	w := make([]uint32, len(items))
	var total uint32
	for i, item := range items {
		ww, err := m.itemWeight(item, weights[i])
		if err != nil {
			return 0, err
		}
		w[i] = ww
		total += ww
	}
	b.Weight = total

	switch alg {
	case AlgUniform:
		for _, ww := range w {
			if ww != w[0] {
				return 0, errors.Wrap(cmn.ErrRange, "uniform bucket requires equal weights")
			}
		}
		b.Items = append([]int32(nil), items...)
		b.ItemWeight = w[0]
		b.Primes = genPrimes(len(items))
	case AlgList:
		b.Items = append([]int32(nil), items...)
		b.ItemWeights = w
		b.SumWeights = make([]uint32, len(items))
		var sum uint32
		for i, ww := range w {
			sum += ww
			b.SumWeights[i] = sum
		}
	case AlgTree:
		buildTree(b, items, w)
	case AlgStraw:
		b.Items = append([]int32(nil), items...)
		b.ItemWeights = w
		calcStraws(b)
	default:
		return 0, errors.Wrapf(cmn.ErrRange, "unknown bucket alg %d", alg)
	}

	m.Buckets = append(m.Buckets, b)
	return id, nil
}

func (m *Map) AddRule(mask RuleMask, steps []RuleStep) int {
	m.Rules = append(m.Rules, &Rule{Mask: mask, Steps: steps})
	return len(m.Rules) - 1
}

// Finalize derives parent links; call once after the topology is complete
// (and again after any structural mutation).
func (m *Map) Finalize() { m.finalizeParents() }

// genPrimes returns n primes strictly greater than n, used to drive the
// uniform bucket's permutations.
func genPrimes(n int) []uint32 {
	primes := make([]uint32, 0, n)
	for c := uint32(n) + 1; len(primes) < n; c++ {
		if isPrime(c) {
			primes = append(primes, c)
		}
	}
	return primes
}

func isPrime(v uint32) bool {
	if v < 2 {
		return false
	}
	for d := uint32(2); d*d <= v; d++ {
		if v%d == 0 {
			return false
		}
	}
	return true
}

// buildTree lays the items out as leaves (odd node indices) of a balanced
// binary tree and fills interior node weights with subtree sums. The
// bucket's Items/NodeWeights arrays are sized to the node count, which is
// what goes on the wire.
func buildTree(b *Bucket, items []int32, w []uint32) {
	leaves := 1
	for leaves < len(items) {
		leaves <<= 1
	}
	numNodes := leaves << 1
	b.Items = make([]int32, numNodes)
	b.NodeWeights = make([]uint32, numNodes)
	for i, item := range items {
		node := (i << 1) + 1
		b.Items[node] = item
		b.NodeWeights[node] = w[i]
	}
	for h := 1; 1<<h < numNodes; h++ {
		span := 1 << (h - 1)
		for x := 1 << h; x < numNodes; x += 1 << (h + 1) {
			b.NodeWeights[x] = b.NodeWeights[x-span]
			if x+span < numNodes {
				b.NodeWeights[x] += b.NodeWeights[x+span]
			}
		}
	}
}

// calcStraws computes the fixed-point straw lengths from the item weights
// so that selection probability is proportional to weight. The lightest
// item draws with scale 1.0; each heavier weight class scales its straw up
// by exactly the factor that restores proportionality.
func calcStraws(b *Bucket) {
	size := len(b.Items)
	straws := make([]uint32, size)

	// item positions sorted by ascending weight
	order := make([]int, size)
	for i := range order {
		order[i] = i
	}
	for i := 1; i < size; i++ {
		for j := i; j > 0 && b.ItemWeights[order[j]] < b.ItemWeights[order[j-1]]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}

	straw := 1.0
	var wbelow, lastw float64
	numleft := size
	i := 0
	for i < size {
		k := order[i]
		if b.ItemWeights[k] == 0 {
			straws[k] = 0
			i++
			numleft--
			continue
		}
		straws[k] = uint32(straw * 0x10000)
		i++
		if i == size {
			break
		}
		if b.ItemWeights[order[i]] == b.ItemWeights[k] {
			continue // same weight class, same straw
		}
		// adjust straw for the next (heavier) weight class
		wbelow += (float64(b.ItemWeights[k]) - lastw) * float64(numleft)
		numleft = 0
		for j := i; j < size; j++ {
			if b.ItemWeights[order[j]] >= b.ItemWeights[order[i]] {
				numleft++
			}
		}
		wnext := float64(numleft) * float64(b.ItemWeights[order[i]]-b.ItemWeights[k])
		pbelow := wbelow / (wbelow + wnext)
		straw *= math.Pow(1.0/pbelow, 1.0/float64(numleft))
		lastw = float64(b.ItemWeights[k])
	}
	b.StrawValues = straws
}
