// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package heritage

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrIneligiblePath is returned when spend data is requested for a
	// tier whose lock has not matured yet.
	ErrIneligiblePath = errors.New("spend path not eligible")

	// ErrUnknownRank is returned when a rank does not exist in the
	// schedule or in the compiled output.
	ErrUnknownRank = errors.New("unknown rank")
)

// EligiblePaths returns the ranks of every tier whose lock is satisfied at
// tip, measuring relative bounds from ref. The result is in ascending rank
// order and always starts with the owner.
func EligiblePaths(s *Schedule, ref, tip ChainPoint) []uint32 {
	ranks := make([]uint32, 0, len(s.Tiers))
	for _, t := range s.Tiers {
		if t.IsOwner() || t.Unlock.Satisfied(ref, tip) {
			ranks = append(ranks, t.Rank)
		}
	}

	return ranks
}

// SpendPath is everything needed to spend a compiled output through the
// leaf of one tier.
type SpendPath struct {
	// Rank is the tier rank of the path.
	Rank uint32

	// Version is the descriptor version of the compiled output.
	Version uint32

	// Leaf is the leaf being spent.
	Leaf Leaf

	// LeafHash is the tagged hash of the leaf, committed to by the
	// signature.
	LeafHash chainhash.Hash

	// Sequence is the nSequence each input must carry.
	Sequence uint32

	// LockTime is the nLockTime the transaction must carry.
	LockTime uint32

	// Origin is the BIP32 origin of the tier key, if known.
	Origin fn.Option[KeyOrigin]
}

// Script returns the leaf script revealed in the witness.
func (p *SpendPath) Script() []byte {
	return p.Leaf.Script
}

// ControlBlock returns the serialized control block revealed in the witness.
func (p *SpendPath) ControlBlock() []byte {
	return p.Leaf.ControlBlock
}

// XOnlyKey returns the key that must sign for the path.
func (p *SpendPath) XOnlyKey() []byte {
	return p.Leaf.Key
}

// Selector answers eligibility questions for one schedule at a fixed chain
// state. It holds no mutable state and is safe for concurrent use.
type Selector struct {
	schedule *Schedule
	ref      ChainPoint
	tip      ChainPoint
	eligible []uint32
}

// NewSelector returns a selector over a snapshot of s. Relative bounds are
// measured from ref, the absolute bound at tip.
func NewSelector(s *Schedule, ref, tip ChainPoint) *Selector {
	snapshot := s.Clone()

	return &Selector{
		schedule: snapshot,
		ref:      ref,
		tip:      tip,
		eligible: EligiblePaths(snapshot, ref, tip),
	}
}

// Eligible returns the eligible ranks in ascending order.
func (sel *Selector) Eligible() []uint32 {
	return append([]uint32(nil), sel.eligible...)
}

// IsEligible reports whether rank is currently eligible.
func (sel *Selector) IsEligible(rank uint32) bool {
	for _, r := range sel.eligible {
		if r == rank {
			return true
		}
	}

	return false
}

// Preferred returns the lowest eligible rank. Spending through the least
// escalated path is the expected behaviour; higher ranks remain available to
// callers that know the owner is gone.
func (sel *Selector) Preferred() uint32 {
	return sel.eligible[0]
}

// Maturities returns, per rank, when the tier's lock matures.
func (sel *Selector) Maturities() map[uint32]Maturity {
	m := make(map[uint32]Maturity, len(sel.schedule.Tiers))
	for _, t := range sel.schedule.Tiers {
		m[t.Rank] = t.Unlock.Maturity(sel.ref)
	}

	return m
}

// SpendData returns the spend path of rank in out. It fails with
// ErrUnknownRank if the rank has no leaf in the output, or for an output of
// the current version, no tier in the schedule. It fails with
// ErrIneligiblePath if the rank is not currently eligible.
func (sel *Selector) SpendData(out *CompiledOutput, rank uint32) (*SpendPath,
	error) {

	current := out.Version == sel.schedule.Version

	tier, inSchedule := sel.schedule.Tier(rank)
	if current && !inSchedule {
		return nil, fmt.Errorf("%w: rank %d not in schedule %v",
			ErrUnknownRank, rank, sel.schedule.ID)
	}

	leaf, ok := out.Leaf(rank)
	if !ok {
		return nil, fmt.Errorf("%w: rank %d not in output version %d",
			ErrUnknownRank, rank, out.Version)
	}

	// Outputs compiled under an earlier schedule version are judged by
	// the lock their own leaf enforces, and stay spendable by tiers the
	// schedule has since dropped.
	eligible := sel.IsEligible(rank)
	if !current {
		eligible = rank == OwnerRank ||
			leaf.Lock().Satisfied(sel.ref, sel.tip)
	}

	if !eligible {
		return nil, fmt.Errorf("%w: rank %d matures at %+v, tip is %v",
			ErrIneligiblePath, rank, leaf.Lock().Maturity(sel.ref),
			sel.tip)
	}

	origin := fn.None[KeyOrigin]()
	if inSchedule && bytes.Equal(leaf.Key, tier.XOnlyKey()) {
		origin = tier.Origin
	}

	sequence := nonFinalSequence
	if leaf.RelativeLock > 0 {
		sequence = leaf.RelativeLock
	}

	log.Tracef("Selected rank %d of schedule %v version %d", rank,
		sel.schedule.ID, out.Version)

	return &SpendPath{
		Rank:     rank,
		Version:  out.Version,
		Leaf:     leaf,
		LeafHash: leaf.LeafHash(),
		Sequence: sequence,
		LockTime: leaf.AbsoluteLock,
		Origin:   origin,
	}, nil
}

// SpendData is a convenience wrapper around NewSelector and
// Selector.SpendData.
func SpendData(s *Schedule, out *CompiledOutput, rank uint32, ref,
	tip ChainPoint) (*SpendPath, error) {

	return NewSelector(s, ref, tip).SpendData(out, rank)
}

// HeirEntry describes the standing of one heir key in one schedule.
type HeirEntry struct {
	// ScheduleID is the schedule the key is an heir of.
	ScheduleID ScheduleID

	// Rank is the tier rank of the key.
	Rank uint32

	// Label is the tier label.
	Label string

	// Maturity is when the tier's lock matures.
	Maturity Maturity

	// Eligible reports whether the tier can spend now.
	Eligible bool
}

// HeirView lists, for every schedule naming xonly as a tier key, when that
// tier matures and whether it is already eligible at tip. Each schedule is
// measured from its own reset reference.
func HeirView(schedules []*Schedule, xonly []byte,
	tip ChainPoint) []HeirEntry {

	var entries []HeirEntry
	for _, s := range schedules {
		t, ok := s.TierForKey(xonly)
		if !ok {
			continue
		}

		entries = append(entries, HeirEntry{
			ScheduleID: s.ID,
			Rank:       t.Rank,
			Label:      t.Label,
			Maturity:   t.Unlock.Maturity(s.ResetReference),
			Eligible: t.IsOwner() ||
				t.Unlock.Satisfied(s.ResetReference, tip),
		})
	}

	return entries
}
