// Package crush implements the deterministic pseudo-random placement
// algorithm.
/*
 * Copyright (c) 2024-2026, Strata Authors. All rights reserved.
 */
package crush

import (
	"github.com/pkg/errors"
	"github.com/stratastore/strata/cmn"
	"github.com/stratastore/strata/cmn/debug"
)

// Retry policy of the descent. After ftotalShift failures the retry shift
// starts rotating bucket preference to increase diversity without
// disturbing earlier replica choices.
const (
	maxLocalRetries = 3
	maxTotalRetries = 10
	ftotalShift     = 4

	maxDepth = 10
	maxSet   = 32
)

// isOut reports whether a device is excluded for input x. weight[t] is a
// probabilistic in/out threshold: >= 0x10000 fully in, 0 fully out, else in
// iff hash(x,t)&0xffff < weight[t]. Halving a full weight therefore
// relocates exactly the inputs whose 16-bit hash lands in the removed
// upper half.
func (m *Map) isOut(weight []uint32, item int32, x uint32) bool {
	w := weight[item]
	if w >= WeightIn {
		return false
	}
	if w == 0 {
		return true
	}
	return Hash32_2(x, uint32(item))&0xffff >= w
}

// bucketChoose picks one child of in for (x, replica position r, retry
// shift).
func bucketChoose(in *Bucket, x uint32, r, shift int) int32 {
	size := len(in.Items)
	switch in.Alg {
	case AlgUniform:
		o := Hash32_2(x, uint32(in.ID)) & 0xffff
		oo := Hash32_3(uint32(r>>2), uint32(in.ID), x)
		p := in.Primes[oo%uint32(size)]
		s := (x + o + uint32(r+1)*p) % uint32(size)
		if shift != 0 {
			s = (s + uint32(shift)) % uint32(size)
		}
		return in.Items[s]

	case AlgList:
		for i := size - 1; i >= 0; i-- {
			w := uint64(Hash32_4(x, uint32(in.Items[i]), uint32(r), uint32(in.ID)) & 0xffff)
			w *= uint64(in.SumWeights[i])
			w >>= 16
			if w < uint64(in.ItemWeights[i]) {
				if shift != 0 {
					i = (i + shift) % size
				}
				return in.Items[i]
			}
		}
		debug.Assert(false, "list bucket: fell off the end")
		return in.Items[0]

	case AlgTree:
		n := size >> 1
		for n&1 == 0 {
			w := in.NodeWeights[n]
			t := uint64(Hash32_4(x, uint32(n), uint32(r), uint32(in.ID))) * uint64(w)
			t >>= 32
			l := treeLeft(n)
			if t < uint64(in.NodeWeights[l]) {
				n = l
			} else {
				n = treeRight(n)
			}
		}
		for s := shift; s > 0; {
			n = (n + 2) % size
			if in.NodeWeights[n] != 0 {
				s--
			}
		}
		return in.Items[n]

	case AlgStraw:
		var (
			high     int
			highDraw uint64
		)
		for i := range size {
			draw := uint64(Hash32_3(x, uint32(in.Items[i]), uint32(r)) & 0xffff)
			draw *= uint64(in.StrawValues[i])
			if i == 0 || draw > highDraw {
				high = i
				highDraw = draw
			}
		}
		if shift != 0 {
			high = (high + shift) % size
		}
		return in.Items[high]
	}
	debug.Assert(false, "unknown bucket alg ", in.Alg)
	return in.Items[0]
}

func treeHeight(n int) int {
	h := 0
	for n&1 == 0 {
		h++
		n >>= 1
	}
	return h
}

func treeLeft(n int) int  { return n - 1<<(treeHeight(n)-1) }
func treeRight(n int) int { return n + 1<<(treeHeight(n)-1) }

// choose selects numrep distinct items of the requested type starting from
// bucket, appending to out from outpos. When recurseToLeaf is set, each
// chosen item is further descended to a leaf device collected into out2.
// Returns the new output position.
func (m *Map) choose(bucket *Bucket, weight []uint32, x uint32, numrep int, typ uint16,
	out []int32, outpos int, firstn, recurseToLeaf bool, out2 []int32) int {
	for rep := outpos; rep < numrep; rep++ {
		var (
			ftotal, shift int
			skipRep       bool
			item          int32
		)
		retryDescent := true
		for retryDescent {
			retryDescent = false
			in := bucket
			flocal := 0
			retryBucket := true
			for retryBucket {
				retryBucket = false
				r := rep
				if in.Alg == AlgUniform {
					if firstn || numrep >= len(in.Items) {
						r += ftotal - shift
					} else if len(in.Items)%numrep == 0 {
						r += (numrep + 1) * (flocal + ftotal - shift)
					} else {
						r += numrep * (flocal + ftotal - shift)
					}
				} else {
					if firstn {
						r += ftotal - shift
					} else {
						r += numrep * (flocal + ftotal - shift)
					}
				}

				item = bucketChoose(in, x, r, shift)
				debug.Assert(int(item) < m.MaxDevices(), "item out of range")

				var itemtype uint16
				if item < 0 {
					itemtype = m.BucketByID(item).Type
				} else {
					itemtype = LeafType
				}

				if itemtype != typ {
					debug.Assert(item < 0 && int(-1-item) < len(m.Buckets))
					in = m.BucketByID(item)
					retryBucket = true
					continue
				}

				collide := false
				for i := range outpos {
					if out[i] == item {
						collide = true
						break
					}
				}

				var reject bool
				if recurseToLeaf && item < 0 &&
					m.choose(m.BucketByID(item), weight, x, outpos+1, LeafType,
						out2, outpos, firstn, false, nil) <= outpos {
					reject = true
				} else if itemtype == LeafType {
					reject = m.isOut(weight, item, x)
				}

				if reject || collide {
					ftotal++
					flocal++
					if ftotal > ftotalShift {
						shift++
					}
					switch {
					case collide && flocal < maxLocalRetries:
						retryBucket = true // retry the same bucket a few times
					case ftotal < maxTotalRetries:
						retryDescent = true // then retry the whole descent
					default:
						skipRep = true // give up on this replica position
					}
				}
			}
		}
		if skipRep {
			continue
		}
		out[outpos] = item
		outpos++
	}
	return outpos
}

// DoRule computes the ordered target set for (rule, x) honoring weights,
// device status, and an optional forced first replica. The result holds at
// most maxResult distinct non-negative target ids; fewer if the rule
// cannot satisfy the request. force < 0 means no pin; a forced device
// absent from the topology is an error.
func (m *Map) DoRule(ruleNo int, x uint32, maxResult int, force int32, weight []uint32) ([]int32, error) {
	if ruleNo < 0 || ruleNo >= len(m.Rules) || m.Rules[ruleNo] == nil {
		return nil, errors.Wrapf(cmn.ErrNotFound, "crush rule %d", ruleNo)
	}
	debug.Assert(len(weight) == m.MaxDevices(), "weight vector size mismatch")
	var (
		rule   = m.Rules[ruleNo]
		result = make([]int32, 0, maxResult)

		a = make([]int32, maxSet)
		b = make([]int32, maxSet)
		c = make([]int32, maxSet)

		w, o  = a, b
		wsize int

		forceContext [maxDepth]int32
		forcePos     = -1
	)

	// hierarchical context of the forced device, if any
	if force >= 0 {
		if int(force) >= m.MaxDevices() || m.deviceParents[force] == 0 {
			return nil, errors.Wrapf(cmn.ErrNotFound, "forced device %d", force)
		}
		if !m.isOut(weight, force, x) {
			cur := force
			for {
				forcePos++
				forceContext[forcePos] = cur
				if cur >= 0 {
					cur = m.deviceParents[cur]
				} else {
					cur = m.bucketParents[-1-cur]
				}
				if cur == 0 {
					break
				}
			}
		}
	}

	for _, step := range rule.Steps {
		firstn := false
		switch step.Op {
		case RuleTake:
			w[0] = int32(step.Arg1)
			if forcePos >= 0 {
				debug.Assert(forceContext[forcePos] == w[0], "forced context mismatch")
				forcePos--
			}
			wsize = 1

		case RuleChooseLeafFirstN, RuleChooseFirstN:
			firstn = true
			fallthrough
		case RuleChooseLeafIndep, RuleChooseIndep:
			debug.Assert(wsize > 0, "choose with empty working set")
			recurseToLeaf := step.Op == RuleChooseLeafFirstN || step.Op == RuleChooseLeafIndep
			osize := 0
			for i := range wsize {
				numrep := int(int32(step.Arg1))
				if numrep <= 0 {
					numrep += maxResult
					if numrep <= 0 {
						continue
					}
				}
				j := 0
				if osize == 0 && forcePos >= 0 {
					// skip forced-context entries of intermediate types
					for forcePos > 0 && forceContext[forcePos] < 0 &&
						uint16(step.Arg2) != m.BucketByID(forceContext[forcePos]).Type {
						forcePos--
					}
					o[osize] = forceContext[forcePos]
					if recurseToLeaf {
						c[osize] = forceContext[0]
					}
					j++
					forcePos--
				}
				osize = m.choose(m.BucketByID(w[i]), weight, x, numrep,
					uint16(step.Arg2), o[osize:], j, firstn, recurseToLeaf,
					c[osize:]) + osize
			}
			if recurseToLeaf {
				copy(o[:osize], c[:osize])
			}
			w, o = o, w
			wsize = osize

		case RuleEmit:
			for i := 0; i < wsize && len(result) < maxResult; i++ {
				result = append(result, w[i])
			}
			wsize = 0

		default:
			debug.Assert(false, "unknown rule op ", step.Op)
		}
	}
	return result, nil
}
