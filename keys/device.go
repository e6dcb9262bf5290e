// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keys

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcheritage/heritage/heritage"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Transport talks to a hardware signer. Implementations return
// ErrUserRejected when the user declines on the device; any other error is
// treated as the device being unreachable.
type Transport interface {
	// XOnlyPubKey returns the key derived at origin.
	XOnlyPubKey(ctx context.Context, origin heritage.KeyOrigin) ([]byte,
		error)

	// SignTapscript returns the 64 byte schnorr signature of req.
	SignTapscript(ctx context.Context, origin heritage.KeyOrigin,
		req *SigningRequest) ([]byte, error)
}

// Device is a provider backed by a hardware signer. It knows the BIP32 origin
// of each tier key it controls.
type Device struct {
	transport Transport
	origins   map[uint32]heritage.KeyOrigin
}

var _ Provider = (*Device)(nil)

// NewDevice returns a device provider over transport for the tiers whose
// origins are given.
func NewDevice(transport Transport,
	origins map[uint32]heritage.KeyOrigin) *Device {

	return &Device{transport: transport, origins: origins}
}

// PublicKey asks the device for the key of rank.
func (d *Device) PublicKey(ctx context.Context, rank uint32) (
	*btcec.PublicKey, error) {

	origin, ok := d.origins[rank]
	if !ok {
		return nil, fmt.Errorf("%w: no origin for rank %d",
			ErrUnknownKey, rank)
	}

	xonly, err := d.transport.XOnlyPubKey(ctx, origin)
	if err != nil {
		return nil, deviceError(err)
	}

	pub, err := schnorr.ParsePubKey(xonly)
	if err != nil {
		return nil, fmt.Errorf("%w: device returned bad key: %w",
			ErrDeviceUnavailable, err)
	}

	return pub, nil
}

// Sign forwards req to the device. The origin carried by the request wins
// over the one configured for its rank.
func (d *Device) Sign(ctx context.Context, req *SigningRequest) (
	*schnorr.Signature, error) {

	origin, ok := d.origins[req.Rank]
	origin = req.Origin.UnwrapOr(origin)
	if !ok && req.Origin.IsNone() {
		return nil, fmt.Errorf("%w: no origin for rank %d",
			ErrUnknownKey, req.Rank)
	}

	log.Debugf("Requesting device signature for %v", req)

	raw, err := d.transport.SignTapscript(ctx, origin, req)
	if err != nil {
		return nil, deviceError(err)
	}

	sig, err := schnorr.ParseSignature(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	pub, err := schnorr.ParsePubKey(req.XOnlyKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownKey, err)
	}

	if !sig.Verify(req.SigHash[:], pub) {
		return nil, fmt.Errorf("%w: device signed with a key other "+
			"than %x", ErrInvalidSignature, req.XOnlyKey)
	}

	return sig, nil
}

// deviceError maps a transport failure to the provider error taxonomy.
func deviceError(err error) error {
	switch {
	case errors.Is(err, ErrUserRejected),
		errors.Is(err, ErrDeviceUnavailable):

		return err

	default:
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
}

// xOnlyMatches reports whether pub serializes to xonly.
func xOnlyMatches(pub *btcec.PublicKey, xonly []byte) bool {
	return bytes.Equal(schnorr.SerializePubKey(pub), xonly)
}
