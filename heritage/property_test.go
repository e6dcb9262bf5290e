// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package heritage

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

const maxPropertyTiers = 8

// blockSchedule builds a schedule of n tiers where each heir waits steps[i]
// more blocks than the previous tier.
func blockSchedule(n int, steps []uint32) (*Schedule, error) {
	tiers := make([]Tier, n)
	wait := uint32(0)
	for i := range tiers {
		if i > 0 {
			wait += steps[i]
		}

		tiers[i] = Tier{
			Rank:        uint32(i),
			SpendingKey: testPubKey(byte(i + 1)),
			Unlock:      AfterBlocks(wait),
		}
	}

	return NewSchedule("prop", tiers, testOrigin)
}

func propertyParams() *gopter.Properties {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	return gopter.NewProperties(parameters)
}

// TestPropertyOwnerAlwaysEligible checks the owner is eligible at any chain
// state.
func TestPropertyOwnerAlwaysEligible(t *testing.T) {
	properties := propertyParams()

	properties.Property("rank 0 is always eligible", prop.ForAll(
		func(n int, steps []uint32, refHeight, tipHeight uint32,
			refSecs, tipSecs int64) bool {

			s, err := blockSchedule(n, steps)
			if err != nil {
				return false
			}

			ref := NewChainPoint(refHeight, time.Unix(refSecs, 0))
			tip := NewChainPoint(tipHeight, time.Unix(tipSecs, 0))

			ranks := EligiblePaths(s, ref, tip)

			return len(ranks) > 0 && ranks[0] == OwnerRank
		},
		gen.IntRange(1, maxPropertyTiers),
		gen.SliceOfN(maxPropertyTiers, gen.UInt32Range(1, 5000)),
		gen.UInt32Range(0, 1_000_000),
		gen.UInt32Range(0, 1_000_000),
		gen.Int64Range(0, 4_000_000_000),
		gen.Int64Range(0, 4_000_000_000),
	))

	properties.TestingRun(t)
}

// TestPropertyEligibleMonotonic checks that moving the tip forward never
// removes an eligible rank.
func TestPropertyEligibleMonotonic(t *testing.T) {
	properties := propertyParams()

	properties.Property("eligibility only grows", prop.ForAll(
		func(n int, steps []uint32, a, b uint32) bool {
			s, err := blockSchedule(n, steps)
			if err != nil {
				return false
			}

			if a > b {
				a, b = b, a
			}

			ref := s.ResetReference
			early := EligiblePaths(s, ref, NewChainPoint(
				ref.Height+a, ref.Time,
			))
			late := EligiblePaths(s, ref, NewChainPoint(
				ref.Height+b, ref.Time,
			))

			if len(late) < len(early) {
				return false
			}
			for i := range early {
				if early[i] != late[i] {
					return false
				}
			}

			return true
		},
		gen.IntRange(1, maxPropertyTiers),
		gen.SliceOfN(maxPropertyTiers, gen.UInt32Range(1, 5000)),
		gen.UInt32Range(0, 50_000),
		gen.UInt32Range(0, 50_000),
	))

	properties.TestingRun(t)
}

// TestPropertyCompileDeterministic checks compilation is byte-for-byte
// reproducible.
func TestPropertyCompileDeterministic(t *testing.T) {
	properties := propertyParams()

	properties.Property("compile is deterministic", prop.ForAll(
		func(n int, steps []uint32) bool {
			s, err := blockSchedule(n, steps)
			if err != nil {
				return false
			}

			first, err := Compile(s)
			if err != nil {
				return false
			}
			second, err := Compile(s.Clone())
			if err != nil {
				return false
			}

			a, errA := first.Bytes()
			b, errB := second.Bytes()

			return errA == nil && errB == nil && bytes.Equal(a, b) &&
				first.Descriptor() == second.Descriptor()
		},
		gen.IntRange(1, maxPropertyTiers),
		gen.SliceOfN(maxPropertyTiers, gen.UInt32Range(1, 5000)),
	))

	properties.TestingRun(t)
}

// TestPropertyOrderingViolation checks that a tier not waiting longer than
// its predecessor is always rejected.
func TestPropertyOrderingViolation(t *testing.T) {
	properties := propertyParams()

	properties.Property("shorter or equal waits are rejected", prop.ForAll(
		func(n int, steps []uint32, victim int, cut uint32) bool {
			s, err := blockSchedule(n, steps)
			if err != nil {
				return false
			}

			// Pick an heir and make it wait no longer than the tier
			// before it.
			i := 1 + victim%(n-1)
			prev := s.Tiers[i-1].Unlock.RelativeBlocks.UnwrapOr(0)
			wait := prev - cut%(prev+1)

			tiers := s.Tiers
			tiers[i].Unlock = AfterBlocks(wait)

			_, err = NewSchedule("prop", tiers, testOrigin)

			return errors.Is(err, ErrInvalidSchedule)
		},
		gen.IntRange(2, maxPropertyTiers),
		gen.SliceOfN(maxPropertyTiers, gen.UInt32Range(1, 5000)),
		gen.IntRange(0, maxPropertyTiers),
		gen.UInt32Range(0, 10_000),
	))

	properties.TestingRun(t)
}
