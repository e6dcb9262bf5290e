// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package monitor derives the reset reference of a heritage schedule from
// the spends of its compiled outputs.
package monitor

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/btcheritage/heritage/chain"
	"github.com/btcheritage/heritage/heritage"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrForeignOutput is returned when a compiled output of another
	// schedule is passed to Observe.
	ErrForeignOutput = errors.New("compiled output of another schedule")
)

// Aggregation decides how a transaction spending several compiled outputs is
// judged.
type Aggregation uint8

const (
	// AggregateAnyOwnerInput resets the schedule when any input of a
	// confirmed transaction spends through the owner leaf.
	AggregateAnyOwnerInput Aggregation = iota

	// AggregateUnanimous resets the schedule only when every input of the
	// transaction spending a compiled output used the owner leaf.
	// Transactions mixing owner and other paths are reported as ambiguous
	// and ignored.
	AggregateUnanimous
)

// String returns the name of the policy.
func (a Aggregation) String() string {
	switch a {
	case AggregateAnyOwnerInput:
		return "any-owner-input"
	case AggregateUnanimous:
		return "unanimous"
	default:
		return fmt.Sprintf("Aggregation(%d)", uint8(a))
	}
}

// ParseAggregation parses the name of a policy.
func ParseAggregation(s string) (Aggregation, error) {
	switch s {
	case "any-owner-input", "":
		return AggregateAnyOwnerInput, nil
	case "unanimous":
		return AggregateUnanimous, nil
	default:
		return 0, fmt.Errorf("unknown aggregation policy %q", s)
	}
}

// Config holds the monitor options.
type Config struct {
	// Aggregation is the cross-output aggregation policy.
	Aggregation Aggregation
}

// DefaultConfig returns the default monitor options.
func DefaultConfig() Config {
	return Config{Aggregation: AggregateAnyOwnerInput}
}

// State is the reset state of a schedule: the chain point relative locks are
// measured from, and the transaction that moved it there.
type State struct {
	// Reference is the current reset reference.
	Reference heritage.ChainPoint

	// Trigger is the owner spend that set the reference. It is None while
	// the reference is still the schedule origin.
	Trigger fn.Option[chainhash.Hash]
}

// Transition applies one classified event to the state. Only a confirmed
// owner spend confirmed later than the current reference moves it; anything
// else leaves the state untouched. Applying the same event twice has the
// same effect as applying it once, and the result does not depend on the
// order events are applied in.
func Transition(s State, ev chain.SpendEvent, c Classification) State {
	if !ev.Confirmed || c.Kind != OwnerSpend {
		return s
	}

	switch {
	case ev.Block.After(s.Reference):
		return State{Reference: ev.Block, Trigger: fn.Some(ev.Txid)}

	// Several owner spends in one block: keep the smallest txid so the
	// trigger is independent of the order of events.
	case ev.Block.Equal(s.Reference) && s.Trigger.IsSome():
		current := s.Trigger.UnwrapOr(chainhash.Hash{})
		if bytes.Compare(ev.Txid[:], current[:]) < 0 {
			s.Trigger = fn.Some(ev.Txid)
		}
	}

	return s
}

// HeirClaim is a spend of a compiled output through an heir leaf.
type HeirClaim struct {
	// Event is the spend.
	Event chain.SpendEvent

	// Rank is the rank of the heir leaf used.
	Rank uint32

	// Version is the descriptor version of the spent output.
	Version uint32
}

// Observation is the outcome of observing the spends of a schedule.
type Observation struct {
	// State is the reset state derived from confirmed owner spends.
	State

	// Changed reports whether the reference differs from the schedule's
	// current reset reference.
	Changed bool

	// Pending are unconfirmed owner spends. They never move the
	// reference.
	Pending []chain.SpendEvent

	// HeirClaims are spends through heir leaves. They never move the
	// reference.
	HeirClaims []HeirClaim

	// Ambiguous are confirmed transactions ignored by the unanimous
	// aggregation policy.
	Ambiguous []chainhash.Hash

	// Unrelated is the number of events that did not spend a compiled
	// output of the schedule.
	Unrelated int
}

// Monitor observes the spends of compiled outputs.
type Monitor struct {
	cfg Config
}

// New returns a monitor using cfg.
func New(cfg Config) *Monitor {
	return &Monitor{cfg: cfg}
}

// Config returns the monitor options.
func (m *Monitor) Config() Config {
	return m.cfg
}

// classified is an event together with its classification.
type classified struct {
	ev    chain.SpendEvent
	class Classification
}

// Observe derives the reset reference of s from events spending any of the
// outputs compiled for it. The reference is recomputed from the schedule
// origin on every call and only confirmed events are trusted, so a reorg
// that drops an owner spend is corrected by the next observation. Events may
// be passed in any order and may repeat.
func (m *Monitor) Observe(s *heritage.Schedule,
	outputs []*heritage.CompiledOutput,
	events []chain.SpendEvent) (Observation, error) {

	for _, out := range outputs {
		if out.ScheduleID != s.ID {
			return Observation{}, fmt.Errorf("%w: output %v/%d "+
				"observed for schedule %v", ErrForeignOutput,
				out.ScheduleID, out.Version, s.ID)
		}
	}

	var (
		obs     Observation
		entries []classified
	)

	for _, ev := range dedupEvents(events) {
		class := Classify(outputs, ev)

		log.Tracef("Classified %v as %v: %v", ev, class.Kind,
			newLogClosure(func() string {
				return spew.Sdump(class)
			}))

		switch class.Kind {
		case Unrelated:
			obs.Unrelated++
			continue

		case HeirSpend:
			obs.HeirClaims = append(obs.HeirClaims, HeirClaim{
				Event:   ev,
				Rank:    class.Rank,
				Version: class.Version,
			})

		case OwnerSpend:
			if !ev.Confirmed {
				obs.Pending = append(obs.Pending, ev)
			}

		case UnknownPath:
			log.Warnf("Spend %v of schedule %v version %d reveals "+
				"no known leaf", ev, s.ID, class.Version)
		}

		entries = append(entries, classified{ev: ev, class: class})
	}

	ambiguous := make(map[chainhash.Hash]struct{})
	if m.cfg.Aggregation == AggregateUnanimous {
		ambiguous = mixedTransactions(entries)
		for txid := range ambiguous {
			obs.Ambiguous = append(obs.Ambiguous, txid)
		}
		sortHashes(obs.Ambiguous)
	}

	state := State{Reference: s.Origin}
	for _, e := range entries {
		if _, ok := ambiguous[e.ev.Txid]; ok {
			continue
		}

		state = Transition(state, e.ev, e.class)
	}

	obs.State = state
	obs.Changed = !state.Reference.Equal(s.ResetReference)

	if obs.Changed {
		log.Infof("Reset reference of schedule %v moves from %v to %v",
			s.ID, s.ResetReference, state.Reference)
	}

	return obs, nil
}

// dedupEvents keeps one event per spent input. A confirmed copy always wins
// over an unconfirmed one, so the result does not depend on the order the
// copies arrive in.
func dedupEvents(events []chain.SpendEvent) []chain.SpendEvent {
	var (
		unique = make([]chain.SpendEvent, 0, len(events))
		index  = make(map[wire.OutPoint]int, len(events))
	)

	for _, ev := range events {
		key := wire.OutPoint{Hash: ev.Txid, Index: ev.InputIndex}

		i, ok := index[key]
		switch {
		case !ok:
			index[key] = len(unique)
			unique = append(unique, ev)

		case ev.Confirmed && !unique[i].Confirmed:
			unique[i] = ev
		}
	}

	return unique
}

// mixedTransactions returns the confirmed transactions that spend compiled
// outputs through both the owner leaf and another path.
func mixedTransactions(entries []classified) map[chainhash.Hash]struct{} {
	type paths struct {
		owner, other bool
	}

	byTx := make(map[chainhash.Hash]*paths)
	for _, e := range entries {
		if !e.ev.Confirmed {
			continue
		}

		p, ok := byTx[e.ev.Txid]
		if !ok {
			p = &paths{}
			byTx[e.ev.Txid] = p
		}

		if e.class.Kind == OwnerSpend {
			p.owner = true
		} else {
			p.other = true
		}
	}

	mixed := make(map[chainhash.Hash]struct{})
	for txid, p := range byTx {
		if p.owner && p.other {
			mixed[txid] = struct{}{}
		}
	}

	return mixed
}

func sortHashes(hashes []chainhash.Hash) {
	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i][:], hashes[j][:]) < 0
	})
}
