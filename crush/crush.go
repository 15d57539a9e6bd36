// Package crush implements the deterministic pseudo-random placement
// algorithm.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package crush

// Bucket algorithms. Each implements "choose one child given (x, r, shift)"
// with a different tradeoff between speed and stability under reweighting.
const (
	AlgUniform uint16 = 1
	AlgList    uint16 = 2
	AlgTree    uint16 = 3
	AlgStraw   uint16 = 4
)

// Rule step opcodes.
const (
	RuleTake             uint32 = 1
	RuleChooseFirstN     uint32 = 2
	RuleChooseIndep      uint32 = 3
	RuleEmit             uint32 = 4
	RuleChooseLeafFirstN uint32 = 6
	RuleChooseLeafIndep  uint32 = 7
)

// Device weight 0x10000 is "fully in"; 0 is "fully out"; intermediate
// values offload probabilistically (see isOut).
const WeightIn uint32 = 0x10000

// LeafType is the item type of leaf devices.
const LeafType uint16 = 0

type (
	// Bucket is the header common to the four variants. ID is negative;
	// (-1 - ID) indexes Buckets. Items holds child ids: non-negative for
	// devices, negative for nested buckets. Weight is the sum of child
	// weights in 16.16 fixed point.
	Bucket struct {
		ID     int32
		Type   uint16
		Alg    uint16
		Weight uint32
		Items  []int32

		// variant-specific
		Primes      []uint32 // uniform: permutation primes, one per item
		ItemWeight  uint32   // uniform: the per-child constant weight
		ItemWeights []uint32 // list, straw
		SumWeights  []uint32 // list: cumulative weight through position i
		NodeWeights []uint32 // tree: per-node subtree weights
		StrawValues []uint32 // straw: fixed-point straw length per item
	}

	RuleStep struct {
		Op   uint32
		Arg1 uint32
		Arg2 uint32
	}

	// RuleMask selects a rule by (ruleset, type) for output sizes within
	// [MinSize, MaxSize].
	RuleMask struct {
		Ruleset uint8
		Type    uint8
		MinSize uint8
		MaxSize uint8
	}

	Rule struct {
		Mask  RuleMask
		Steps []RuleStep
	}

	// Map is the full CRUSH topology. Immutable once built or decoded.
	Map struct {
		Buckets []*Bucket // nil slots allowed
		Rules   []*Rule   // nil slots allowed

		// per-device probabilistic in/out weight (see WeightIn)
		DeviceWeights []uint32

		// parent links, for the forced-replica context walk
		deviceParents []int32
		bucketParents []int32
	}
)

func (m *Map) MaxDevices() int { return len(m.DeviceWeights) }

// BucketByID returns the bucket for a negative id, nil if absent.
func (m *Map) BucketByID(id int32) *Bucket {
	idx := int(-1 - id)
	if idx < 0 || idx >= len(m.Buckets) {
		return nil
	}
	return m.Buckets[idx]
}

// FindRule locates a rule by ruleset, type, and output size.
func (m *Map) FindRule(ruleset, typ, size int) int {
	for i, r := range m.Rules {
		if r == nil {
			continue
		}
		if int(r.Mask.Ruleset) == ruleset && int(r.Mask.Type) == typ &&
			int(r.Mask.MinSize) <= size && int(r.Mask.MaxSize) >= size {
			return i
		}
	}
	return -1
}

// finalizeParents (re)derives the device→bucket and bucket→bucket parent
// links by scanning every bucket's items. Called by the builder and after
// decode.
func (m *Map) finalizeParents() {
	m.deviceParents = make([]int32, len(m.DeviceWeights))
	m.bucketParents = make([]int32, len(m.Buckets))
	for _, b := range m.Buckets {
		if b == nil {
			continue
		}
		for _, item := range b.Items {
			if item >= 0 {
				if int(item) < len(m.deviceParents) {
					m.deviceParents[item] = b.ID
				}
			} else if idx := int(-1 - item); idx < len(m.bucketParents) {
				m.bucketParents[idx] = b.ID
			}
		}
	}
}
