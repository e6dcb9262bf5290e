// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package monitor

import (
	"bytes"
	"fmt"

	"github.com/btcheritage/heritage/chain"
	"github.com/btcheritage/heritage/heritage"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Kind is the kind of a classified spend event.
type Kind uint8

const (
	// Unrelated marks an event that does not spend a compiled output of
	// the schedule.
	Unrelated Kind = iota

	// OwnerSpend marks a spend through the owner leaf.
	OwnerSpend

	// HeirSpend marks a spend through an heir leaf.
	HeirSpend

	// UnknownPath marks a spend of a compiled output whose witness does
	// not reveal one of its leaves.
	UnknownPath
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case Unrelated:
		return "unrelated"
	case OwnerSpend:
		return "owner spend"
	case HeirSpend:
		return "heir spend"
	case UnknownPath:
		return "unknown path"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Classification is the outcome of matching a spend event against the
// compiled outputs of a schedule.
type Classification struct {
	// Kind is the kind of spend.
	Kind Kind

	// Version is the descriptor version of the spent output.
	Version uint32

	// Rank is the rank of the leaf used. Only meaningful for owner and
	// heir spends.
	Rank uint32
}

// Classify identifies the descriptor version spent by ev and the rank of the
// leaf it revealed.
func Classify(outputs []*heritage.CompiledOutput,
	ev chain.SpendEvent) Classification {

	out := outputForScript(outputs, ev.PkScript)
	if out == nil {
		return Classification{Kind: Unrelated}
	}

	class := Classification{Kind: UnknownPath, Version: out.Version}

	script, ok := revealedScript(ev.Witness)
	if !ok {
		return class
	}

	rank, ok := out.RankForScript(script)
	if !ok {
		return class
	}

	class.Rank = rank
	class.Kind = HeirSpend
	if rank == heritage.OwnerRank {
		class.Kind = OwnerSpend
	}

	return class
}

func outputForScript(outputs []*heritage.CompiledOutput,
	pkScript []byte) *heritage.CompiledOutput {

	for _, out := range outputs {
		script, err := out.PkScript()
		if err != nil {
			continue
		}

		if bytes.Equal(script, pkScript) {
			return out
		}
	}

	return nil
}

// revealedScript returns the leaf script of a taproot script path witness.
// An annex, if present, is skipped.
func revealedScript(witness wire.TxWitness) ([]byte, bool) {
	if len(witness) >= 2 {
		last := witness[len(witness)-1]
		if len(last) > 0 && last[0] == txscript.TaprootAnnexTag {
			witness = witness[:len(witness)-1]
		}
	}

	// A key path spend carries a single signature.
	if len(witness) < 2 {
		return nil, false
	}

	return witness[len(witness)-2], true
}
