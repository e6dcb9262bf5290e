// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package dbtest holds the behaviour tests shared by every db.Store
// backend.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/btcheritage/heritage/heritage"
	"github.com/btcheritage/heritage/internal/db"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
)

// Origin is the chain point fixture schedules are created at.
var Origin = heritage.NewChainPoint(
	800_000, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
)

// PubKey returns the public key with private scalar k.
func PubKey(k byte) *btcec.PublicKey {
	var scalar [32]byte
	scalar[31] = k
	_, pub := btcec.PrivKeyFromBytes(scalar[:])

	return pub
}

// Schedule returns a fresh three tier schedule named id.
func Schedule(t *testing.T, id heritage.ScheduleID) *heritage.Schedule {
	t.Helper()

	s, err := heritage.NewSchedule(id, []heritage.Tier{
		{Rank: 0, SpendingKey: PubKey(1), Unlock: heritage.NoWait()},
		{
			Rank:        1,
			SpendingKey: PubKey(2),
			Unlock:      heritage.AfterDuration(180 * heritage.Day),
			Label:       "alice",
		},
		{
			Rank:        2,
			SpendingKey: PubKey(3),
			Unlock: heritage.AfterDuration(365 * heritage.Day).
				WithAbsoluteHeight(850_000),
		},
	}, Origin)
	require.NoError(t, err)

	return s
}

// Edited returns s with its last heir waiting longer, at the next version.
func Edited(t *testing.T, s *heritage.Schedule) *heritage.Schedule {
	t.Helper()

	tiers := append([]heritage.Tier(nil), s.Tiers...)
	last := &tiers[len(tiers)-1]
	last.Unlock = last.Unlock.WithRelativeTime(
		last.Unlock.RelativeTime.UnwrapOr(0) + 10*heritage.Day,
	)

	next, err := s.EditTiers(tiers)
	require.NoError(t, err)

	return next
}

// Compile compiles s.
func Compile(t *testing.T, s *heritage.Schedule) *heritage.CompiledOutput {
	t.Helper()

	out, err := heritage.Compile(s)
	require.NoError(t, err)

	return out
}

// RunStoreTests runs the shared store behaviour against stores returned by
// newStore. Every call of newStore must return an empty store.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) db.Store) {
	t.Run("schedules", func(t *testing.T) {
		testSchedules(t, newStore(t))
	})
	t.Run("version guard", func(t *testing.T) {
		testVersionGuard(t, newStore(t))
	})
	t.Run("archive", func(t *testing.T) {
		testArchive(t, newStore(t))
	})
	t.Run("reset reference", func(t *testing.T) {
		testResetReference(t, newStore(t))
	})
	t.Run("not found", func(t *testing.T) {
		testNotFound(t, newStore(t))
	})
}

func requireSchedule(t *testing.T, want, got *heritage.Schedule) {
	t.Helper()

	wantBytes, err := want.Bytes()
	require.NoError(t, err)
	gotBytes, err := got.Bytes()
	require.NoError(t, err)

	require.Equal(t, wantBytes, gotBytes)
}

func testSchedules(t *testing.T, store db.Store) {
	ctx := context.Background()

	ids, err := store.ListSchedules(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)

	bob := Schedule(t, "bob")
	alice := Schedule(t, "alice")
	require.NoError(t, store.PutSchedule(ctx, bob))
	require.NoError(t, store.PutSchedule(ctx, alice))

	// Writing the same schedule again is fine.
	require.NoError(t, store.PutSchedule(ctx, alice))

	ids, err = store.ListSchedules(ctx)
	require.NoError(t, err)
	require.Equal(t, []heritage.ScheduleID{"alice", "bob"}, ids)

	got, err := store.GetSchedule(ctx, "bob")
	require.NoError(t, err)
	requireSchedule(t, bob, got)

	next := Edited(t, bob)
	require.NoError(t, store.PutSchedule(ctx, next))

	got, err = store.GetSchedule(ctx, "bob")
	require.NoError(t, err)
	require.Equal(t, uint32(2), got.Version)
	requireSchedule(t, next, got)
}

func testVersionGuard(t *testing.T, store db.Store) {
	ctx := context.Background()

	v1 := Schedule(t, "guard")
	v2 := Edited(t, v1)
	require.NoError(t, store.PutSchedule(ctx, v2))

	// Going back to an older version would orphan the newer descriptor.
	err := store.PutSchedule(ctx, v1)
	require.ErrorIs(t, err, db.ErrVersionConflict)

	// Other tiers under the stored version are rejected too.
	forged := Edited(t, v1)
	forged.Tiers[1].Label = "mallory"
	err = store.PutSchedule(ctx, forged)
	require.ErrorIs(t, err, db.ErrVersionConflict)

	got, err := store.GetSchedule(ctx, "guard")
	require.NoError(t, err)
	requireSchedule(t, v2, got)
}

func testArchive(t *testing.T, store db.Store) {
	ctx := context.Background()

	v1 := Schedule(t, "archive")
	out1 := Compile(t, v1)

	// Outputs need their schedule.
	err := store.PutCompiledOutput(ctx, out1)
	require.ErrorIs(t, err, db.ErrScheduleNotFound)

	require.NoError(t, store.PutSchedule(ctx, v1))
	require.NoError(t, store.PutCompiledOutput(ctx, out1))

	// Archiving the same output twice is a no-op.
	require.NoError(t, store.PutCompiledOutput(ctx, out1))

	// An output ahead of the stored schedule is refused.
	v2 := Edited(t, v1)
	out2 := Compile(t, v2)
	err = store.PutCompiledOutput(ctx, out2)
	require.ErrorIs(t, err, db.ErrVersionConflict)

	require.NoError(t, store.PutSchedule(ctx, v2))
	require.NoError(t, store.PutCompiledOutput(ctx, out2))

	// Different content under an archived version never replaces it.
	forged := *out2
	forged.Version = 1
	err = store.PutCompiledOutput(ctx, &forged)
	require.ErrorIs(t, err, db.ErrVersionConflict)

	outputs, err := store.ListCompiledOutputs(ctx, "archive")
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	for i, want := range []*heritage.CompiledOutput{out1, out2} {
		require.Equal(t, want.Version, outputs[i].Version)
		require.Equal(t, want.OutputKey.SerializeCompressed(),
			outputs[i].OutputKey.SerializeCompressed())
		require.Equal(t, want.MerkleRoot, outputs[i].MerkleRoot)
	}

	got, err := store.GetCompiledOutput(ctx, "archive", 1)
	require.NoError(t, err)

	wantBytes, err := out1.Bytes()
	require.NoError(t, err)
	gotBytes, err := got.Bytes()
	require.NoError(t, err)
	require.Equal(t, wantBytes, gotBytes)
}

func testResetReference(t *testing.T, store db.Store) {
	ctx := context.Background()

	s := Schedule(t, "reset")
	require.NoError(t, store.PutSchedule(ctx, s))

	ref := heritage.NewChainPoint(
		Origin.Height+1_000, Origin.Time.Add(7*heritage.Day),
	)
	require.NoError(t, store.UpdateResetReference(ctx, "reset", ref))

	got, err := store.GetSchedule(ctx, "reset")
	require.NoError(t, err)
	require.True(t, got.ResetReference.Equal(ref))
	require.True(t, got.Origin.Equal(Origin))
	require.Equal(t, s.Version, got.Version)

	err = store.UpdateResetReference(ctx, "missing", ref)
	require.ErrorIs(t, err, db.ErrScheduleNotFound)
}

func testNotFound(t *testing.T, store db.Store) {
	ctx := context.Background()

	_, err := store.GetSchedule(ctx, "missing")
	require.ErrorIs(t, err, db.ErrScheduleNotFound)

	_, err = store.ListCompiledOutputs(ctx, "missing")
	require.ErrorIs(t, err, db.ErrScheduleNotFound)

	require.NoError(t, store.PutSchedule(ctx, Schedule(t, "present")))

	_, err = store.GetCompiledOutput(ctx, "present", 1)
	require.ErrorIs(t, err, db.ErrOutputNotFound)

	outputs, err := store.ListCompiledOutputs(ctx, "present")
	require.NoError(t, err)
	require.Empty(t, outputs)
}
