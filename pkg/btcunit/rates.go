// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package btcunit provides fee rate and transaction size units.
package btcunit

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
)

const (
	// kilo is a generic multiplier for kilo units.
	kilo = 1000

	// floatStringPrecision is the number of decimal places used when a fee
	// rate is printed, so that rates below 1 sat/vb stay readable.
	floatStringPrecision = 3
)

// ZeroSatPerVByte is a fee rate of 0 sat/vb.
var ZeroSatPerVByte = NewSatPerVByte(0)

// feeRate stores a fee rate as satoshis per kilo-weight-unit. Every unit in
// this package converts to and from this representation.
type feeRate struct {
	satsPerKWU *big.Rat
}

func newFeeRate(numerator btcutil.Amount, denominator uint64) feeRate {
	if denominator == 0 {
		return feeRate{satsPerKWU: big.NewRat(0, 1)}
	}

	return feeRate{satsPerKWU: big.NewRat(
		int64(numerator), clampInt64(denominator),
	)}
}

// feeForWeight returns the fee for w at this rate, rounded up to the next
// satoshi so that the rate actually paid is never below the requested one.
func (f feeRate) feeForWeight(w WeightUnit) btcutil.Amount {
	if f.satsPerKWU == nil {
		return 0
	}

	fee := new(big.Rat).Mul(f.satsPerKWU, big.NewRat(clampInt64(w.wu), kilo))

	// Ceiling division: (num + denom - 1) / denom.
	num, denom := fee.Num(), fee.Denom()
	res := new(big.Int).Add(num, denom)
	res.Sub(res, big.NewInt(1))
	res.Div(res, denom)

	return btcutil.Amount(res.Int64())
}

func (f feeRate) cmp(other feeRate) int {
	a, b := f.satsPerKWU, other.satsPerKWU
	if a == nil {
		a = new(big.Rat)
	}
	if b == nil {
		b = new(big.Rat)
	}

	return a.Cmp(b)
}

// SatPerVByte is a fee rate in sat/vbyte.
type SatPerVByte struct {
	feeRate
}

// NewSatPerVByte creates a new fee rate in sat/vb.
func NewSatPerVByte(rate btcutil.Amount) SatPerVByte {
	return CalcSatPerVByte(rate, NewVByte(1))
}

// CalcSatPerVByte returns the rate paid by fee for a transaction of size vb.
func CalcSatPerVByte(fee btcutil.Amount, vb VByte) SatPerVByte {
	// vb.wu already includes the witness scale factor.
	return SatPerVByte{newFeeRate(fee*kilo, vb.wu)}
}

// ParseSatPerVByte parses a decimal sat/vb rate such as "2.5".
func ParseSatPerVByte(s string) (SatPerVByte, error) {
	s = strings.TrimSpace(strings.TrimSuffix(s, "sat/vb"))

	r, ok := new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok || r.Sign() < 0 {
		return SatPerVByte{}, fmt.Errorf("invalid fee rate %q", s)
	}

	// sat/vb to sat/kwu: multiply by 1000 / 4.
	r.Mul(r, big.NewRat(kilo, blockchain.WitnessScaleFactor))

	return SatPerVByte{feeRate{satsPerKWU: r}}, nil
}

// FeeForWeight returns the fee for a transaction of weight w, rounded up.
func (s SatPerVByte) FeeForWeight(w WeightUnit) btcutil.Amount {
	return s.feeForWeight(w)
}

// FeeForVByte returns the fee for a transaction of size vb, rounded up.
func (s SatPerVByte) FeeForVByte(vb VByte) btcutil.Amount {
	return s.feeForWeight(vb.ToWU())
}

// ToSatPerKWeight converts the rate to sat/kw.
func (s SatPerVByte) ToSatPerKWeight() SatPerKWeight {
	return SatPerKWeight{s.feeRate}
}

// IsZero reports whether the rate is zero.
func (s SatPerVByte) IsZero() bool {
	return s.satsPerKWU == nil || s.satsPerKWU.Sign() == 0
}

// Equal reports whether both rates are the same.
func (s SatPerVByte) Equal(other SatPerVByte) bool {
	return s.cmp(other.feeRate) == 0
}

// LessThan reports whether s is lower than other.
func (s SatPerVByte) LessThan(other SatPerVByte) bool {
	return s.cmp(other.feeRate) < 0
}

// GreaterThan reports whether s is higher than other.
func (s SatPerVByte) GreaterThan(other SatPerVByte) bool {
	return s.cmp(other.feeRate) > 0
}

// String returns the rate in sat/vb.
func (s SatPerVByte) String() string {
	r := new(big.Rat)
	if s.satsPerKWU != nil {
		r.Mul(s.satsPerKWU,
			big.NewRat(blockchain.WitnessScaleFactor, kilo))
	}

	return r.FloatString(floatStringPrecision) + " sat/vb"
}

// SatPerKWeight is a fee rate in sat/kw.
type SatPerKWeight struct {
	feeRate
}

// NewSatPerKWeight creates a new fee rate in sat/kw.
func NewSatPerKWeight(rate btcutil.Amount) SatPerKWeight {
	return SatPerKWeight{newFeeRate(rate, 1)}
}

// FeeForWeight returns the fee for a transaction of weight w, rounded up.
func (s SatPerKWeight) FeeForWeight(w WeightUnit) btcutil.Amount {
	return s.feeForWeight(w)
}

// ToSatPerVByte converts the rate to sat/vb.
func (s SatPerKWeight) ToSatPerVByte() SatPerVByte {
	return SatPerVByte{s.feeRate}
}

// String returns the rate in sat/kw.
func (s SatPerKWeight) String() string {
	r := new(big.Rat)
	if s.satsPerKWU != nil {
		r.Set(s.satsPerKWU)
	}

	return r.FloatString(floatStringPrecision) + " sat/kw"
}

// clampInt64 converts u to an int64, capping at math.MaxInt64. Weights are
// bounded by consensus so the cap is never hit in practice.
func clampInt64(u uint64) int64 {
	if u > math.MaxInt64 {
		return math.MaxInt64
	}

	return int64(u)
}

// formatAmount is used by the size stringers.
func formatAmount(v uint64, unit string) string {
	return strconv.FormatUint(v, 10) + " " + unit
}
