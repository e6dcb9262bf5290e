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
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
)

var (
	// ErrIncompletePacket is returned when a PSBT input lacks the data
	// needed to sign through a heritage leaf.
	ErrIncompletePacket = errors.New("incomplete psbt input")
)

// SignPacket signs every input of packet with the key of rank through the
// leaf script attached to the input. Signatures are only attached once all
// inputs are signed; the first provider error aborts and is returned as is.
func SignPacket(ctx context.Context, provider Provider, packet *psbt.Packet,
	rank uint32) error {

	pub, err := provider.PublicKey(ctx, rank)
	if err != nil {
		return err
	}

	tx := packet.UnsignedTx

	fetcher, err := prevOutFetcher(packet)
	if err != nil {
		return err
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	sigs := make([]*psbt.TaprootScriptSpendSig, len(tx.TxIn))
	for i := range tx.TxIn {
		in := &packet.Inputs[i]

		if len(in.TaprootLeafScript) != 1 {
			return fmt.Errorf("%w: input %d has %d leaf scripts",
				ErrIncompletePacket, i, len(in.TaprootLeafScript))
		}
		leafScript := in.TaprootLeafScript[0]

		if !xOnlyMatches(pub, leafKey(leafScript.Script)) {
			return fmt.Errorf("%w: leaf of input %d is not signed "+
				"by rank %d", ErrUnknownKey, i, rank)
		}

		leaf := txscript.NewTapLeaf(
			leafScript.LeafVersion, leafScript.Script,
		)
		leafHash := leaf.TapHash()

		sigHash, err := txscript.CalcTapscriptSignaturehash(
			sigHashes, in.SighashType, tx, i, fetcher, leaf,
		)
		if err != nil {
			return fmt.Errorf("input %d sighash: %w", i, err)
		}

		req := &SigningRequest{
			InputIndex: i,
			LeafHash:   leafHash,
			Rank:       rank,
			Origin:     inputOrigin(in, leafHash),
		}
		req.XOnlyKey = leafKey(leafScript.Script)
		copy(req.SigHash[:], sigHash)

		log.Tracef("Signing request %v", newLogClosure(func() string {
			return spew.Sdump(req)
		}))

		sig, err := provider.Sign(ctx, req)
		if err != nil {
			return err
		}

		if !sig.Verify(sigHash, pub) {
			return fmt.Errorf("%w: input %d", ErrInvalidSignature, i)
		}

		sigs[i] = &psbt.TaprootScriptSpendSig{
			XOnlyPubKey: req.XOnlyKey,
			LeafHash:    leafHash[:],
			Signature:   sig.Serialize(),
			SigHash:     in.SighashType,
		}
	}

	for i, sig := range sigs {
		packet.Inputs[i].TaprootScriptSpendSig = append(
			packet.Inputs[i].TaprootScriptSpendSig, sig,
		)
	}

	log.Debugf("Signed %d inputs with rank %d", len(sigs), rank)

	return nil
}

// Finalize builds the script path witness of every signed input and
// extracts the final transaction.
func Finalize(packet *psbt.Packet) (*wire.MsgTx, error) {
	if err := psbt.MaybeFinalizeAll(packet); err != nil {
		return nil, fmt.Errorf("finalize psbt: %w", err)
	}

	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, fmt.Errorf("extract tx: %w", err)
	}

	return tx, nil
}

// prevOutFetcher collects the witness UTXOs of the packet.
func prevOutFetcher(packet *psbt.Packet) (*txscript.MultiPrevOutFetcher,
	error) {

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, txIn := range packet.UnsignedTx.TxIn {
		utxo := packet.Inputs[i].WitnessUtxo
		if utxo == nil {
			return nil, fmt.Errorf("%w: input %d has no witness utxo",
				ErrIncompletePacket, i)
		}

		fetcher.AddPrevOut(txIn.PreviousOutPoint, utxo)
	}

	return fetcher, nil
}

// inputOrigin returns the BIP32 origin recorded for the leaf, if any.
func inputOrigin(in *psbt.PInput,
	leafHash chainhash.Hash) fn.Option[heritage.KeyOrigin] {

	for _, d := range in.TaprootBip32Derivation {
		for _, h := range d.LeafHashes {
			if bytes.Equal(h, leafHash[:]) {
				return fn.Some(heritage.KeyOrigin{
					Fingerprint: d.MasterKeyFingerprint,
					Path:        d.Bip32Path,
				})
			}
		}
	}

	return fn.None[heritage.KeyOrigin]()
}

// leafKey returns the key checked by a heritage leaf script, which always
// ends with <32 byte key> OP_CHECKSIG.
func leafKey(script []byte) []byte {
	if len(script) < 34 || script[len(script)-1] != txscript.OP_CHECKSIG ||
		script[len(script)-34] != txscript.OP_DATA_32 {

		return nil
	}

	return script[len(script)-33 : len(script)-1]
}
