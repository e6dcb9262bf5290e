// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package btcunit

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/wire"
)

// WeightUnit expresses a transaction size in weight units: the size without
// witness data times three plus the full BIP144 size.
type WeightUnit struct {
	wu uint64
}

// NewWeightUnit creates a new WeightUnit.
func NewWeightUnit(val uint64) WeightUnit {
	return WeightUnit{wu: val}
}

// Uint64 returns the weight as a plain integer.
func (w WeightUnit) Uint64() uint64 {
	return w.wu
}

// ToVB converts the weight to virtual bytes.
func (w WeightUnit) ToVB() VByte {
	return VByte{wu: w.wu}
}

// String returns the weight in wu.
func (w WeightUnit) String() string {
	return formatAmount(w.wu, "wu")
}

// VByte expresses a transaction size in virtual bytes, a quarter of a weight
// unit. The weight is kept so that conversions never lose precision.
type VByte struct {
	wu uint64
}

// NewVByte creates a new VByte.
func NewVByte(val uint64) VByte {
	return VByte{wu: val * blockchain.WitnessScaleFactor}
}

// ToWU converts the size to weight units.
func (v VByte) ToWU() WeightUnit {
	return WeightUnit{wu: v.wu}
}

// Uint64 returns the size in virtual bytes, rounded up.
func (v VByte) Uint64() uint64 {
	return (v.wu + blockchain.WitnessScaleFactor - 1) /
		blockchain.WitnessScaleFactor
}

// String returns the size in vb.
func (v VByte) String() string {
	return formatAmount(v.Uint64(), "vb")
}

const (
	// baseTxSize is the non-witness size of version and lock time.
	baseTxSize = 4 + 4

	// witnessHeaderSize is the size of the segwit marker and flag.
	witnessHeaderSize = 2

	// baseInputSize is the non-witness size of an input with an empty
	// signature script: outpoint, script length and sequence.
	baseInputSize = 32 + 4 + 1 + 4

	// SchnorrSigSize is the size of a schnorr signature using the default
	// sighash type.
	SchnorrSigSize = 64
)

// SpendEstimator estimates the weight of a transaction spending taproot
// outputs through their script path.
type SpendEstimator struct {
	inputs      int
	outputs     int
	inputSize   uint64
	outputSize  uint64
	witnessSize uint64
}

// AddTapscriptInput accounts for an input whose witness is a single schnorr
// signature, the leaf script and its control block.
func (e *SpendEstimator) AddTapscriptInput(scriptLen, controlBlockLen int) {
	e.inputs++
	e.inputSize += baseInputSize

	e.witnessSize += uint64(wire.VarIntSerializeSize(3))
	e.witnessSize += uint64(wire.VarIntSerializeSize(SchnorrSigSize)) +
		SchnorrSigSize
	e.witnessSize += uint64(wire.VarIntSerializeSize(uint64(scriptLen))) +
		uint64(scriptLen)
	e.witnessSize += uint64(
		wire.VarIntSerializeSize(uint64(controlBlockLen)),
	) + uint64(controlBlockLen)
}

// AddOutput accounts for an output paying to pkScript.
func (e *SpendEstimator) AddOutput(pkScript []byte) {
	e.AddOutputSize(len(pkScript))
}

// AddOutputSize accounts for an output whose script is scriptLen bytes.
func (e *SpendEstimator) AddOutputSize(scriptLen int) {
	e.outputs++
	e.outputSize += 8 + uint64(wire.VarIntSerializeSize(uint64(scriptLen))) +
		uint64(scriptLen)
}

// Weight returns the estimated weight of the transaction.
func (e *SpendEstimator) Weight() WeightUnit {
	base := uint64(baseTxSize) +
		uint64(wire.VarIntSerializeSize(uint64(e.inputs))) +
		uint64(wire.VarIntSerializeSize(uint64(e.outputs))) +
		e.inputSize + e.outputSize

	weight := base * blockchain.WitnessScaleFactor
	if e.witnessSize > 0 {
		weight += witnessHeaderSize + e.witnessSize
	}

	return NewWeightUnit(weight)
}

// VSize returns the estimated virtual size of the transaction.
func (e *SpendEstimator) VSize() VByte {
	return e.Weight().ToVB()
}
