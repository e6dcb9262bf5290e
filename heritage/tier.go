// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package heritage

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// OwnerRank is the rank of the owner tier.
const OwnerRank uint32 = 0

// KeyOrigin records where a tier key was derived from, so that an external
// signer can locate the private key without the core ever holding it.
type KeyOrigin struct {
	// Fingerprint is the BIP32 fingerprint of the master key.
	Fingerprint uint32

	// Path is the BIP32 derivation path from the master key.
	Path []uint32
}

// Tier is one inheritance level of a schedule: a spending key and the lock
// guarding it. Rank 0 is the owner, higher ranks are heirs in priority order.
type Tier struct {
	// Rank orders the tier within its schedule.
	Rank uint32

	// SpendingKey is the public key that must sign a spend through this
	// tier. The private key lives with an external key provider.
	SpendingKey *btcec.PublicKey

	// Unlock is the lock that must be satisfied before this tier can
	// spend.
	Unlock TimeLock

	// Origin optionally carries the BIP32 origin of SpendingKey.
	Origin fn.Option[KeyOrigin]

	// Label is a human readable name for the tier, e.g. an heir's name.
	Label string
}

// IsOwner reports whether the tier is the owner tier.
func (t Tier) IsOwner() bool {
	return t.Rank == OwnerRank
}

// XOnlyKey returns the BIP340 serialization of the spending key.
func (t Tier) XOnlyKey() []byte {
	if t.SpendingKey == nil {
		return nil
	}

	return schnorr.SerializePubKey(t.SpendingKey)
}

// String returns a short description of the tier.
func (t Tier) String() string {
	name := t.Label
	if name == "" {
		name = "heir"
		if t.IsOwner() {
			name = "owner"
		}
	}

	return fmt.Sprintf("rank=%d (%s) key=%x lock=[%v]", t.Rank, name,
		t.XOnlyKey(), t.Unlock)
}

// clone returns a deep copy of the tier. Public keys are immutable so the
// pointer is shared.
func (t Tier) clone() Tier {
	t.Origin = fn.MapOption(func(o KeyOrigin) KeyOrigin {
		o.Path = append([]uint32(nil), o.Path...)
		return o
	})(t.Origin)

	return t
}
