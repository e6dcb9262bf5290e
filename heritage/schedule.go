// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package heritage

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
)

const (
	// MaxTiers is the maximum number of tiers a schedule may hold. It keeps
	// the deepest leaf well inside the 128 level taproot limit.
	MaxTiers = 32

	// InitialVersion is the descriptor version of a freshly created
	// schedule.
	InitialVersion uint32 = 1
)

var (
	// ErrInvalidSchedule is returned when a schedule violates its
	// structural invariants. Invalid schedules are never repaired.
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// ScheduleID identifies a schedule.
type ScheduleID string

// Schedule is the full dead-man switch policy of one wallet: an ordered set
// of tiers and the reference point from which relative locks are measured.
//
// A Schedule value is treated as immutable. Edits produce new values through
// EditTiers and WithResetReference.
type Schedule struct {
	// ID identifies the schedule.
	ID ScheduleID

	// Tiers are the tiers sorted by ascending rank.
	Tiers []Tier

	// ResetReference is the chain point relative locks are measured from.
	// It only advances through the activity monitor.
	ResetReference ChainPoint

	// Origin is the chain point the schedule was created at. It is the
	// floor the reset reference is recomputed from.
	Origin ChainPoint

	// Version is the descriptor version of the current tier list. It
	// increases with every tier edit.
	Version uint32
}

// NewSchedule validates the tiers and returns a new schedule whose reset
// reference starts at origin.
func NewSchedule(id ScheduleID, tiers []Tier, origin ChainPoint) (*Schedule,
	error) {

	if id == "" {
		return nil, fmt.Errorf("%w: empty schedule id",
			ErrInvalidSchedule)
	}

	s := &Schedule{
		ID:             id,
		Tiers:          sortedTiers(tiers),
		ResetReference: origin,
		Origin:         origin,
		Version:        InitialVersion,
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}

// sortedTiers returns a deep copy of tiers sorted by rank.
func sortedTiers(tiers []Tier) []Tier {
	out := make([]Tier, len(tiers))
	for i, t := range tiers {
		out[i] = t.clone()
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Rank < out[j].Rank
	})

	return out
}

// Validate checks the structural invariants of the schedule.
func (s *Schedule) Validate() error {
	return validateTiers(s.Tiers)
}

// validateTiers checks a tier list that is already sorted by rank.
func validateTiers(tiers []Tier) error {
	switch {
	case len(tiers) == 0:
		return fmt.Errorf("%w: no tiers", ErrInvalidSchedule)

	case len(tiers) > MaxTiers:
		return fmt.Errorf("%w: %d tiers exceed the maximum of %d",
			ErrInvalidSchedule, len(tiers), MaxTiers)

	case tiers[0].Rank != OwnerRank:
		return fmt.Errorf("%w: owner tier (rank 0) missing",
			ErrInvalidSchedule)
	}

	keys := make(map[string]uint32, len(tiers))
	for i, t := range tiers {
		if t.SpendingKey == nil {
			return fmt.Errorf("%w: rank %d has no spending key",
				ErrInvalidSchedule, t.Rank)
		}

		if err := t.Unlock.Validate(); err != nil {
			return fmt.Errorf("%w: rank %d: %w", ErrInvalidSchedule,
				t.Rank, err)
		}

		xonly := string(t.XOnlyKey())
		if other, ok := keys[xonly]; ok {
			return fmt.Errorf("%w: ranks %d and %d share a key",
				ErrInvalidSchedule, other, t.Rank)
		}
		keys[xonly] = t.Rank

		if i == 0 {
			if !t.Unlock.IsZero() {
				return fmt.Errorf("%w: owner tier must be "+
					"spendable immediately, got lock [%v]",
					ErrInvalidSchedule, t.Unlock)
			}

			continue
		}

		prev := tiers[i-1]
		if t.Rank == prev.Rank {
			return fmt.Errorf("%w: duplicate rank %d",
				ErrInvalidSchedule, t.Rank)
		}

		if !t.Unlock.Covers(prev.Unlock) {
			return fmt.Errorf("%w: rank %d [%v] does not wait "+
				"strictly longer than rank %d [%v]",
				ErrInvalidSchedule, t.Rank, t.Unlock, prev.Rank,
				prev.Unlock)
		}
	}

	return nil
}

// EditTiers returns a new schedule with the given tiers and the next
// descriptor version. The identifier, origin and reset reference carry over.
// Coins received under earlier versions stay spendable through the compiled
// outputs of those versions, which must be kept.
func (s *Schedule) EditTiers(tiers []Tier) (*Schedule, error) {
	sorted := sortedTiers(tiers)
	if err := validateTiers(sorted); err != nil {
		return nil, err
	}

	return &Schedule{
		ID:             s.ID,
		Tiers:          sorted,
		ResetReference: s.ResetReference,
		Origin:         s.Origin,
		Version:        s.Version + 1,
	}, nil
}

// WithResetReference returns a copy of the schedule using ref as its reset
// reference.
func (s *Schedule) WithResetReference(ref ChainPoint) *Schedule {
	c := s.Clone()
	c.ResetReference = ref

	return c
}

// Clone returns a deep copy of the schedule.
func (s *Schedule) Clone() *Schedule {
	c := *s
	c.Tiers = sortedTiers(s.Tiers)

	return &c
}

// Tier returns the tier with the given rank.
func (s *Schedule) Tier(rank uint32) (Tier, bool) {
	i := sort.Search(len(s.Tiers), func(i int) bool {
		return s.Tiers[i].Rank >= rank
	})
	if i < len(s.Tiers) && s.Tiers[i].Rank == rank {
		return s.Tiers[i], true
	}

	return Tier{}, false
}

// Owner returns the owner tier.
func (s *Schedule) Owner() Tier {
	return s.Tiers[0]
}

// Ranks returns the ranks of the schedule in ascending order.
func (s *Schedule) Ranks() []uint32 {
	ranks := make([]uint32, len(s.Tiers))
	for i, t := range s.Tiers {
		ranks[i] = t.Rank
	}

	return ranks
}

// TierForKey returns the tier whose spending key has the given x-only
// serialization.
func (s *Schedule) TierForKey(xonly []byte) (Tier, bool) {
	for _, t := range s.Tiers {
		if bytes.Equal(t.XOnlyKey(), xonly) {
			return t, true
		}
	}

	return Tier{}, false
}
