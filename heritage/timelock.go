// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package heritage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
)

const (
	// MaxRelativeBlocks is the largest block count a BIP68 relative lock
	// can encode.
	MaxRelativeBlocks = wire.SequenceLockTimeMask

	// SequenceTimeGranularity is the number of seconds a single BIP68
	// time-based unit represents.
	SequenceTimeGranularity = 1 << wire.SequenceLockTimeGranularity

	// MaxRelativeTime is the longest duration a BIP68 relative lock can
	// encode.
	MaxRelativeTime = time.Duration(MaxRelativeBlocks) *
		SequenceTimeGranularity * time.Second

	// MaxAbsoluteHeight is the first nLockTime value interpreted as a
	// timestamp rather than a block height.
	MaxAbsoluteHeight = txscript.LockTimeThreshold

	// nonFinalSequence is the sequence used by inputs without a relative
	// lock. It keeps nLockTime enforced and signals replaceability.
	nonFinalSequence = wire.MaxTxInSequenceNum - 2
)

var (
	// ErrInvalidTimeLock is returned when a TimeLock violates its
	// structural constraints.
	ErrInvalidTimeLock = errors.New("invalid time lock")
)

// ChainPoint identifies a position on the chain by height and by time. The
// time is the median-time-past of the block so that it matches the clock
// consensus uses to evaluate time locks.
type ChainPoint struct {
	// Height is the block height.
	Height uint32

	// Time is the block's median time past.
	Time time.Time
}

// NewChainPoint creates a ChainPoint normalising the time to UTC seconds.
func NewChainPoint(height uint32, t time.Time) ChainPoint {
	return ChainPoint{Height: height, Time: t.UTC().Truncate(time.Second)}
}

// After reports whether p is strictly later than other. Height is compared
// first, time breaks ties.
func (p ChainPoint) After(other ChainPoint) bool {
	if p.Height != other.Height {
		return p.Height > other.Height
	}

	return p.Time.After(other.Time)
}

// Equal reports whether p and other denote the same point.
func (p ChainPoint) Equal(other ChainPoint) bool {
	return p.Height == other.Height && p.Time.Equal(other.Time)
}

// IsZero reports whether the point is unset.
func (p ChainPoint) IsZero() bool {
	return p.Height == 0 && p.Time.IsZero()
}

// String returns a human readable representation of the point.
func (p ChainPoint) String() string {
	return fmt.Sprintf("height=%d time=%v", p.Height,
		p.Time.UTC().Format(time.RFC3339))
}

// TimeLock expresses when coins guarded by a tier become spendable. Relative
// bounds are measured from the schedule's reset reference, the absolute
// bound from the chain tip. A path is eligible once every set bound holds.
//
// TimeLock is a value type; once compiled into a script it must not change.
type TimeLock struct {
	// RelativeBlocks is the number of blocks that must have passed since
	// the reset reference.
	RelativeBlocks fn.Option[uint32]

	// RelativeTime is the duration that must have passed since the reset
	// reference. On chain it is rounded up to 512 second units.
	RelativeTime fn.Option[time.Duration]

	// AbsoluteHeight is the block height the chain tip must have reached.
	AbsoluteHeight fn.Option[uint32]
}

// NoWait returns a lock that is satisfied immediately. It is the lock used by
// the owner tier.
func NoWait() TimeLock {
	return TimeLock{RelativeBlocks: fn.Some(uint32(0))}
}

// AfterBlocks returns a lock requiring n blocks since the reset reference.
func AfterBlocks(n uint32) TimeLock {
	return TimeLock{RelativeBlocks: fn.Some(n)}
}

// AfterDuration returns a lock requiring d to pass since the reset
// reference.
func AfterDuration(d time.Duration) TimeLock {
	return TimeLock{RelativeTime: fn.Some(d)}
}

// AtHeight returns a lock requiring the chain tip to reach height h.
func AtHeight(h uint32) TimeLock {
	return TimeLock{AbsoluteHeight: fn.Some(h)}
}

// WithAbsoluteHeight returns a copy of the lock that additionally requires
// the chain tip to reach height h.
func (l TimeLock) WithAbsoluteHeight(h uint32) TimeLock {
	l.AbsoluteHeight = fn.Some(h)
	return l
}

// WithRelativeBlocks returns a copy of the lock that additionally requires n
// blocks since the reset reference.
func (l TimeLock) WithRelativeBlocks(n uint32) TimeLock {
	l.RelativeBlocks = fn.Some(n)
	return l
}

// WithRelativeTime returns a copy of the lock that additionally requires d
// since the reset reference.
func (l TimeLock) WithRelativeTime(d time.Duration) TimeLock {
	l.RelativeTime = fn.Some(d)
	return l
}

// Validate checks the structural constraints of the lock.
func (l TimeLock) Validate() error {
	if l.RelativeBlocks.IsNone() && l.RelativeTime.IsNone() &&
		l.AbsoluteHeight.IsNone() {

		return fmt.Errorf("%w: no bound set", ErrInvalidTimeLock)
	}

	// A single nSequence value is either block based or time based, so a
	// script demanding both could never be satisfied.
	if l.RelativeBlocks.IsSome() && l.RelativeTime.IsSome() {
		return fmt.Errorf("%w: relative blocks and relative time "+
			"cannot be combined", ErrInvalidTimeLock)
	}

	blocks := l.RelativeBlocks.UnwrapOr(0)
	if blocks > MaxRelativeBlocks {
		return fmt.Errorf("%w: relative blocks %d exceed %d",
			ErrInvalidTimeLock, blocks, MaxRelativeBlocks)
	}

	d := l.RelativeTime.UnwrapOr(0)
	switch {
	case d < 0:
		return fmt.Errorf("%w: negative relative time %v",
			ErrInvalidTimeLock, d)

	case d > MaxRelativeTime:
		return fmt.Errorf("%w: relative time %v exceeds %v",
			ErrInvalidTimeLock, d, MaxRelativeTime)
	}

	height := l.AbsoluteHeight.UnwrapOr(0)
	if height >= MaxAbsoluteHeight {
		return fmt.Errorf("%w: absolute height %d is not a block "+
			"height", ErrInvalidTimeLock, height)
	}

	return nil
}

// IsZero reports whether every set bound is zero, meaning the lock is
// satisfied at any chain point.
func (l TimeLock) IsZero() bool {
	return l.RelativeBlocks.UnwrapOr(0) == 0 &&
		l.sequenceUnits() == 0 &&
		l.AbsoluteHeight.UnwrapOr(0) == 0
}

// sequenceUnits returns the relative time expressed in BIP68 units, rounded
// up so that the on-chain lock is never shorter than requested.
func (l TimeLock) sequenceUnits() uint32 {
	d := l.RelativeTime.UnwrapOr(0)
	if d <= 0 {
		return 0
	}

	secs := int64((d + time.Second - 1) / time.Second)

	return uint32((secs + SequenceTimeGranularity - 1) /
		SequenceTimeGranularity)
}

// EffectiveRelativeTime returns the relative duration the script actually
// enforces.
func (l TimeLock) EffectiveRelativeTime() time.Duration {
	return time.Duration(l.sequenceUnits()) * SequenceTimeGranularity *
		time.Second
}

// HasRelative reports whether the lock carries a non-zero relative bound.
func (l TimeLock) HasRelative() bool {
	return l.RelativeBlocks.UnwrapOr(0) > 0 || l.sequenceUnits() > 0
}

// Sequence returns the BIP68 encoded nSequence a spending input must carry,
// or the non-final default if the lock has no relative bound.
func (l TimeLock) Sequence() uint32 {
	if units := l.sequenceUnits(); units > 0 {
		return wire.SequenceLockTimeIsSeconds | units
	}

	if blocks := l.RelativeBlocks.UnwrapOr(0); blocks > 0 {
		return blocks
	}

	return nonFinalSequence
}

// LockTime returns the nLockTime a spending transaction must carry.
func (l TimeLock) LockTime() uint32 {
	return l.AbsoluteHeight.UnwrapOr(0)
}

// Satisfied reports whether every bound of the lock holds, measuring the
// relative bounds from ref and the absolute bound at tip.
func (l TimeLock) Satisfied(ref, tip ChainPoint) bool {
	if blocks := l.RelativeBlocks.UnwrapOr(0); blocks > 0 {
		if uint64(tip.Height) < uint64(ref.Height)+uint64(blocks) {
			return false
		}
	}

	if l.sequenceUnits() > 0 {
		due := ref.Time.Add(l.EffectiveRelativeTime())
		if tip.Time.Before(due) {
			return false
		}
	}

	if h := l.AbsoluteHeight.UnwrapOr(0); h > 0 && tip.Height < h {
		return false
	}

	return true
}

// Maturity describes the earliest chain point at which a lock is satisfied.
// A zero field means the corresponding dimension does not constrain the lock.
type Maturity struct {
	// Height is the first block height at which the height bounds hold.
	Height uint32

	// Time is the first median time past at which the time bound holds.
	Time time.Time
}

// Reached reports whether tip has reached the maturity.
func (m Maturity) Reached(tip ChainPoint) bool {
	if m.Height > 0 && tip.Height < m.Height {
		return false
	}

	return m.Time.IsZero() || !tip.Time.Before(m.Time)
}

// Maturity returns when the lock matures given the reset reference.
func (l TimeLock) Maturity(ref ChainPoint) Maturity {
	var m Maturity

	if blocks := l.RelativeBlocks.UnwrapOr(0); blocks > 0 {
		m.Height = ref.Height + blocks
	}

	if h := l.AbsoluteHeight.UnwrapOr(0); h > m.Height {
		m.Height = h
	}

	if l.sequenceUnits() > 0 {
		m.Time = ref.Time.Add(l.EffectiveRelativeTime())
	}

	return m
}

// Covers reports whether l waits at least as long as prev on every bound
// prev sets, and strictly longer on at least one of them or on a bound prev
// leaves unset. A lock that covers its predecessor can never be satisfied
// before it.
func (l TimeLock) Covers(prev TimeLock) bool {
	strict := false

	cmp := func(prevSet, curSet bool, prevVal, curVal int64) bool {
		switch {
		case !prevSet && !curSet:
			return true

		case !prevSet:
			if curVal > 0 {
				strict = true
			}

			return true

		case !curSet:
			// prev constrains a dimension l ignores; a zero bound
			// constrains nothing.
			return prevVal == 0

		default:
			if curVal > prevVal {
				strict = true
			}

			return curVal >= prevVal
		}
	}

	ok := cmp(
		prev.RelativeBlocks.IsSome(), l.RelativeBlocks.IsSome(),
		int64(prev.RelativeBlocks.UnwrapOr(0)),
		int64(l.RelativeBlocks.UnwrapOr(0)),
	) && cmp(
		prev.RelativeTime.IsSome(), l.RelativeTime.IsSome(),
		int64(prev.sequenceUnits()), int64(l.sequenceUnits()),
	) && cmp(
		prev.AbsoluteHeight.IsSome(), l.AbsoluteHeight.IsSome(),
		int64(prev.AbsoluteHeight.UnwrapOr(0)),
		int64(l.AbsoluteHeight.UnwrapOr(0)),
	)

	return ok && strict
}

// String returns a compact description such as "blocks=144 height=900000".
func (l TimeLock) String() string {
	var parts []string

	l.RelativeBlocks.WhenSome(func(n uint32) {
		parts = append(parts, fmt.Sprintf("blocks=%d", n))
	})
	l.RelativeTime.WhenSome(func(d time.Duration) {
		parts = append(parts, fmt.Sprintf("time=%v", d))
	})
	l.AbsoluteHeight.WhenSome(func(h uint32) {
		parts = append(parts, fmt.Sprintf("height=%d", h))
	})

	if len(parts) == 0 {
		return "none"
	}

	return strings.Join(parts, " ")
}
