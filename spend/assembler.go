// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package spend assembles unsigned PSBTs spending heritage outputs through
// one leaf of their script tree.
package spend

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcheritage/heritage/heritage"
	"github.com/btcheritage/heritage/pkg/btcunit"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/davecgh/go-spew/spew"
)

var (
	// ErrNoInputs is returned when a request carries no UTXOs.
	ErrNoInputs = errors.New("no inputs to spend")

	// ErrNoOutputs is returned when a request neither pays anyone nor
	// drains to an address.
	ErrNoOutputs = errors.New("no outputs and no drain address")

	// ErrMixedDescriptorVersions is returned when the UTXOs of a request
	// do not all belong to the compiled output of the spend path.
	ErrMixedDescriptorVersions = errors.New("inputs belong to different " +
		"descriptor versions")

	// ErrInsufficientFunds is returned when the inputs do not cover the
	// outputs plus the fee, or when the remainder sent to the drain
	// address would be dust.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateInput is returned when the same outpoint is passed
	// twice.
	ErrDuplicateInput = errors.New("duplicate input")

	// ErrInvalidRequest is returned when a request misses required
	// fields.
	ErrInvalidRequest = errors.New("invalid spend request")
)

// UTXO is an unspent output of a compiled heritage output.
type UTXO struct {
	// OutPoint identifies the output.
	OutPoint wire.OutPoint

	// Value is the amount held by the output.
	Value btcutil.Amount

	// PkScript is the output script.
	PkScript []byte

	// Version is the descriptor version the output was received under.
	Version uint32
}

// FeePolicy decides the fee of the assembled transaction.
type FeePolicy interface {
	// feeFor returns the fee for a transaction of the given weight.
	feeFor(weight btcunit.WeightUnit) btcutil.Amount

	fmt.Stringer
}

// AbsoluteFee pays exactly the given amount regardless of size.
type AbsoluteFee btcutil.Amount

func (f AbsoluteFee) feeFor(btcunit.WeightUnit) btcutil.Amount {
	return btcutil.Amount(f)
}

// String returns the fee amount.
func (f AbsoluteFee) String() string {
	return fmt.Sprintf("absolute %v", btcutil.Amount(f))
}

// FeeRate pays the given rate for the estimated size of the transaction.
type FeeRate struct {
	Rate btcunit.SatPerVByte
}

func (f FeeRate) feeFor(weight btcunit.WeightUnit) btcutil.Amount {
	return f.Rate.FeeForWeight(weight)
}

// String returns the fee rate.
func (f FeeRate) String() string {
	return fmt.Sprintf("rate %v", f.Rate)
}

// Request describes a spend of heritage UTXOs through one path.
type Request struct {
	// UTXOs are the outputs to spend. They must all belong to Output.
	UTXOs []UTXO

	// Output is the compiled output the UTXOs were received under.
	Output *heritage.CompiledOutput

	// Path is the spend path to use, obtained from the selector for the
	// same descriptor version.
	Path *heritage.SpendPath

	// Outputs are the payments of the transaction.
	Outputs []*wire.TxOut

	// Fee is the fee policy.
	Fee FeePolicy

	// DrainTo optionally receives whatever is left after the outputs and
	// the fee. Without it the remainder is left to the miner.
	DrainTo []byte
}

// Config holds the assembler options.
type Config struct {
	// RelayFeePerKb is the relay fee used to decide whether an output is
	// dust.
	RelayFeePerKb btcutil.Amount
}

// Assembler builds unsigned PSBTs for heritage spends.
type Assembler struct {
	cfg Config
}

// NewAssembler returns an assembler using cfg. A zero relay fee selects the
// default relay policy.
func NewAssembler(cfg Config) *Assembler {
	if cfg.RelayFeePerKb == 0 {
		cfg.RelayFeePerKb = txrules.DefaultRelayFeePerKb
	}

	return &Assembler{cfg: cfg}
}

// Assemble builds an unsigned PSBT for req using the default relay policy.
func Assemble(req *Request) (*psbt.Packet, error) {
	return NewAssembler(Config{}).Assemble(req)
}

// Assemble builds an unsigned PSBT for req. Every input carries the witness
// UTXO, the leaf script and control block of the path, the internal key and,
// when known, the BIP32 origin of the signing key. Nothing is returned on
// failure.
func (a *Assembler) Assemble(req *Request) (*psbt.Packet, error) {
	total, err := a.validate(req)
	if err != nil {
		return nil, err
	}

	var payments btcutil.Amount
	for _, out := range req.Outputs {
		payments += btcutil.Amount(out.Value)
	}

	path := req.Path

	var est btcunit.SpendEstimator
	for range req.UTXOs {
		est.AddTapscriptInput(
			len(path.Script()), len(path.ControlBlock()),
		)
	}
	for _, out := range req.Outputs {
		est.AddOutput(out.PkScript)
	}
	if len(req.DrainTo) > 0 {
		est.AddOutput(req.DrainTo)
	}

	fee := req.Fee.feeFor(est.Weight())

	remainder := total - payments - fee
	if remainder < 0 {
		return nil, fmt.Errorf("%w: inputs %v, outputs %v, fee %v",
			ErrInsufficientFunds, total, payments, fee)
	}

	outputs := make([]*wire.TxOut, 0, len(req.Outputs)+1)
	for _, out := range req.Outputs {
		outputs = append(outputs, wire.NewTxOut(out.Value, out.PkScript))
	}

	if len(req.DrainTo) > 0 {
		drain := wire.NewTxOut(int64(remainder), req.DrainTo)
		if txrules.IsDustOutput(drain, a.cfg.RelayFeePerKb) {
			return nil, fmt.Errorf("%w: drain remainder %v is dust",
				ErrInsufficientFunds, remainder)
		}

		outputs = append(outputs, drain)
	} else if remainder > 0 {
		log.Debugf("Leaving %v above the %v fee to miners", remainder,
			fee)
	}

	tx := wire.NewMsgTx(2)
	tx.LockTime = path.LockTime
	for _, utxo := range req.UTXOs {
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: utxo.OutPoint,
			Sequence:         path.Sequence,
		})
	}
	for _, out := range outputs {
		tx.AddTxOut(out)
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, fmt.Errorf("create psbt: %w", err)
	}

	for i, utxo := range req.UTXOs {
		addInputInfo(&packet.Inputs[i], utxo, req.Output, path)
	}

	log.Debugf("Assembled spend of %d inputs (%v) through rank %d of "+
		"version %d, fee %v: %v", len(req.UTXOs), total, path.Rank,
		path.Version, fee, newLogClosure(func() string {
			return spew.Sdump(tx)
		}))

	return packet, nil
}

// validate checks the request and returns the total input value.
func (a *Assembler) validate(req *Request) (btcutil.Amount, error) {
	switch {
	case req == nil:
		return 0, fmt.Errorf("%w: nil request", ErrInvalidRequest)

	case len(req.UTXOs) == 0:
		return 0, ErrNoInputs

	case req.Output == nil || req.Path == nil:
		return 0, fmt.Errorf("%w: compiled output and spend path "+
			"required", ErrInvalidRequest)

	case req.Fee == nil:
		return 0, fmt.Errorf("%w: fee policy required",
			ErrInvalidRequest)

	case len(req.Outputs) == 0 && len(req.DrainTo) == 0:
		return 0, ErrNoOutputs
	}

	if req.Path.Version != req.Output.Version {
		return 0, fmt.Errorf("%w: path of version %d for output of "+
			"version %d", ErrMixedDescriptorVersions,
			req.Path.Version, req.Output.Version)
	}

	leaf, ok := req.Output.Leaf(req.Path.Rank)
	if !ok || !bytes.Equal(leaf.Script, req.Path.Script()) ||
		!bytes.Equal(leaf.ControlBlock, req.Path.ControlBlock()) {

		return 0, fmt.Errorf("%w: path of rank %d is not a leaf of "+
			"the output being spent", ErrMixedDescriptorVersions,
			req.Path.Rank)
	}

	pkScript, err := req.Output.PkScript()
	if err != nil {
		return 0, err
	}

	var (
		total btcutil.Amount
		seen  = make(map[wire.OutPoint]struct{}, len(req.UTXOs))
	)
	for _, utxo := range req.UTXOs {
		if _, ok := seen[utxo.OutPoint]; ok {
			return 0, fmt.Errorf("%w: %v", ErrDuplicateInput,
				utxo.OutPoint)
		}
		seen[utxo.OutPoint] = struct{}{}

		if utxo.Version != req.Output.Version ||
			!bytes.Equal(utxo.PkScript, pkScript) {

			return 0, fmt.Errorf("%w: %v is version %d, spending "+
				"version %d", ErrMixedDescriptorVersions,
				utxo.OutPoint, utxo.Version, req.Output.Version)
		}

		total += utxo.Value
	}

	for i, out := range req.Outputs {
		err := txrules.CheckOutput(out, a.cfg.RelayFeePerKb)
		if err != nil {
			return 0, fmt.Errorf("%w: output %d: %w",
				ErrInvalidRequest, i, err)
		}
	}

	return total, nil
}

// addInputInfo attaches the taproot script path data of path to in.
func addInputInfo(in *psbt.PInput, utxo UTXO, out *heritage.CompiledOutput,
	path *heritage.SpendPath) {

	in.WitnessUtxo = wire.NewTxOut(int64(utxo.Value), utxo.PkScript)
	in.SighashType = txscript.SigHashDefault
	in.TaprootInternalKey = schnorr.SerializePubKey(out.InternalKey)
	in.TaprootMerkleRoot = append([]byte(nil), out.MerkleRoot[:]...)

	in.TaprootLeafScript = []*psbt.TaprootTapLeafScript{{
		ControlBlock: path.ControlBlock(),
		Script:       path.Script(),
		LeafVersion:  path.Leaf.LeafVersion,
	}}

	path.Origin.WhenSome(func(o heritage.KeyOrigin) {
		in.TaprootBip32Derivation = []*psbt.TaprootBip32Derivation{{
			XOnlyPubKey:          path.XOnlyKey(),
			LeafHashes: [][]byte{
				append([]byte(nil), path.LeafHash[:]...),
			},
			MasterKeyFingerprint: o.Fingerprint,
			Bip32Path:            o.Path,
		}}
	})
}
