// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package heritage

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// TestTimeLockValidate checks the structural constraints of time locks.
func TestTimeLockValidate(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		lock  TimeLock
		valid bool
	}{{
		name:  "no wait",
		lock:  NoWait(),
		valid: true,
	}, {
		name:  "blocks",
		lock:  AfterBlocks(MaxRelativeBlocks),
		valid: true,
	}, {
		name:  "time",
		lock:  AfterDuration(MaxRelativeTime),
		valid: true,
	}, {
		name:  "time and height",
		lock:  AfterDuration(Day).WithAbsoluteHeight(900_000),
		valid: true,
	}, {
		name:  "nothing set",
		lock:  TimeLock{},
		valid: false,
	}, {
		name:  "too many blocks",
		lock:  AfterBlocks(MaxRelativeBlocks + 1),
		valid: false,
	}, {
		name:  "too long",
		lock:  AfterDuration(MaxRelativeTime + time.Second),
		valid: false,
	}, {
		name:  "negative",
		lock:  AfterDuration(-time.Second),
		valid: false,
	}, {
		name:  "blocks and time",
		lock:  AfterBlocks(10).WithRelativeTime(Day),
		valid: false,
	}, {
		name:  "timestamp height",
		lock:  AtHeight(MaxAbsoluteHeight),
		valid: false,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			err := tc.lock.Validate()
			if tc.valid {
				require.NoError(t, err)
				return
			}

			require.ErrorIs(t, err, ErrInvalidTimeLock)
		})
	}
}

// TestTimeLockSequence checks the BIP68 encoding of relative locks.
func TestTimeLockSequence(t *testing.T) {
	t.Parallel()

	require.EqualValues(t, wire.MaxTxInSequenceNum-2, NoWait().Sequence())
	require.EqualValues(t, 144, AfterBlocks(144).Sequence())
	require.EqualValues(t, 1<<22|1, AfterDuration(time.Second).Sequence())
	require.EqualValues(t, 1<<22|1, AfterDuration(512*time.Second).Sequence())
	require.EqualValues(t, 1<<22|2, AfterDuration(513*time.Second).Sequence())
	require.EqualValues(
		t, 4224679, AfterDuration(180*Day).Sequence(),
	)

	// Rounding never shortens the lock.
	lock := AfterDuration(180 * Day)
	require.GreaterOrEqual(t, lock.EffectiveRelativeTime(), 180*Day)
	require.Less(t, lock.EffectiveRelativeTime()-180*Day, 512*time.Second)

	require.EqualValues(t, 0, AfterBlocks(5).LockTime())
	require.EqualValues(t, 900_000, AtHeight(900_000).LockTime())

	require.True(t, NoWait().IsZero())
	require.True(t, AtHeight(0).IsZero())
	require.False(t, AfterBlocks(1).IsZero())
	require.False(t, NoWait().HasRelative())
	require.True(t, AfterBlocks(1).HasRelative())
}

// TestTimeLockSatisfied checks relative bounds are measured from the
// reference and the absolute bound at the tip.
func TestTimeLockSatisfied(t *testing.T) {
	t.Parallel()

	ref := testOrigin
	at := func(blocks uint32, d time.Duration) ChainPoint {
		return NewChainPoint(ref.Height+blocks, ref.Time.Add(d))
	}

	blocks := AfterBlocks(144)
	require.False(t, blocks.Satisfied(ref, at(143, 10*Day)))
	require.True(t, blocks.Satisfied(ref, at(144, 0)))

	lock := AfterDuration(30 * Day)
	require.False(t, lock.Satisfied(ref, at(10_000, 29*Day)))
	require.True(t, lock.Satisfied(ref, at(0, lock.EffectiveRelativeTime())))

	// The 30 day lock rounds up to whole 512 second units.
	require.False(t, lock.Satisfied(ref, at(0, 30*Day)))

	combined := AfterDuration(Day).WithAbsoluteHeight(ref.Height + 500)
	require.False(t, combined.Satisfied(ref, at(499, 10*Day)))
	require.False(t, combined.Satisfied(ref, at(600, time.Hour)))
	require.True(t, combined.Satisfied(ref, at(500, 2*Day)))

	require.True(t, NoWait().Satisfied(ref, ref))
}

// TestTimeLockMaturity checks the maturity of each kind of lock.
func TestTimeLockMaturity(t *testing.T) {
	t.Parallel()

	ref := testOrigin

	m := AfterBlocks(144).Maturity(ref)
	require.Equal(t, ref.Height+144, m.Height)
	require.True(t, m.Time.IsZero())

	lock := AfterDuration(180 * Day).WithAbsoluteHeight(ref.Height + 10)
	m = lock.Maturity(ref)
	require.Equal(t, ref.Height+10, m.Height)
	require.Equal(t, ref.Time.Add(lock.EffectiveRelativeTime()), m.Time)

	require.False(t, m.Reached(ref))
	require.True(t, m.Reached(NewChainPoint(ref.Height+10, m.Time)))

	require.Equal(t, Maturity{}, NoWait().Maturity(ref))
}

// TestTimeLockCovers checks the wait ordering between consecutive tiers.
func TestTimeLockCovers(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		prev   TimeLock
		next   TimeLock
		covers bool
	}{{
		name:   "longer blocks",
		prev:   AfterBlocks(10),
		next:   AfterBlocks(11),
		covers: true,
	}, {
		name:   "equal blocks",
		prev:   AfterBlocks(10),
		next:   AfterBlocks(10),
		covers: false,
	}, {
		name:   "owner to time",
		prev:   NoWait(),
		next:   AfterDuration(Day),
		covers: true,
	}, {
		name:   "added height",
		prev:   AfterDuration(Day),
		next:   AfterDuration(Day).WithAbsoluteHeight(100),
		covers: true,
	}, {
		name:   "dropped height",
		prev:   AfterDuration(Day).WithAbsoluteHeight(100),
		next:   AfterDuration(2 * Day),
		covers: false,
	}, {
		name:   "shorter time longer height",
		prev:   AfterDuration(2 * Day).WithAbsoluteHeight(100),
		next:   AfterDuration(Day).WithAbsoluteHeight(200),
		covers: false,
	}, {
		name:   "same units",
		prev:   AfterDuration(time.Second),
		next:   AfterDuration(2 * time.Second),
		covers: false,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tc.covers, tc.next.Covers(tc.prev))
		})
	}
}
