// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package keys provides the signers of heritage spends. The core never sees
// private keys: it hands a provider a sighash and the script path being
// spent and gets a schnorr signature back.
package keys

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcheritage/heritage/heritage"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrUserRejected is returned when the user declines a signing
	// request on the signer.
	ErrUserRejected = errors.New("signing rejected by user")

	// ErrDeviceUnavailable is returned when a hardware signer cannot be
	// reached.
	ErrDeviceUnavailable = errors.New("signing device unavailable")

	// ErrUnknownKey is returned when the provider holds no key for the
	// requested rank or the key does not match the one requested.
	ErrUnknownKey = errors.New("unknown key")

	// ErrLocked is returned when signing with a locked key store.
	ErrLocked = errors.New("key store locked")

	// ErrInvalidSignature is returned when a provider hands back a
	// signature that does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
)

// SigningRequest is what a provider gets to sign one input. It carries the
// BIP341 tapscript sighash and enough about the script path for a hardware
// signer to display what it is signing.
type SigningRequest struct {
	// InputIndex is the index of the input being signed.
	InputIndex int

	// SigHash is the tapscript signature hash.
	SigHash [32]byte

	// LeafHash is the hash of the leaf being spent.
	LeafHash chainhash.Hash

	// XOnlyKey is the key that must sign.
	XOnlyKey []byte

	// Rank is the tier rank of the key.
	Rank uint32

	// Origin is the BIP32 origin of the key, if known.
	Origin fn.Option[heritage.KeyOrigin]
}

// String returns a short description of the request.
func (r *SigningRequest) String() string {
	return fmt.Sprintf("input=%d rank=%d key=%x leaf=%v", r.InputIndex,
		r.Rank, r.XOnlyKey, r.LeafHash)
}

// Provider holds or reaches the private keys of heritage tiers.
type Provider interface {
	// PublicKey returns the public key of the tier with the given rank.
	PublicKey(ctx context.Context, rank uint32) (*btcec.PublicKey, error)

	// Sign signs a request. Errors of the signer are returned unchanged
	// and nothing is retried.
	Sign(ctx context.Context, req *SigningRequest) (*schnorr.Signature,
		error)
}
