// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package heritage

import (
	"fmt"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/stretchr/testify/require"
)

// TestParseDescriptor checks a descriptor parses back into tiers compiling
// to the same leaf scripts.
func TestParseDescriptor(t *testing.T) {
	t.Parallel()

	tiers := append(testTiers(), Tier{
		Rank:        3,
		SpendingKey: testPubKey(4),
		Unlock:      AfterDuration(380 * Day).WithAbsoluteHeight(900_000),
	})
	s, err := NewSchedule("desc", tiers, testOrigin)
	require.NoError(t, err)
	out := compileTest(t, s)

	parsed, err := ParseDescriptor(out.Descriptor())
	require.NoError(t, err)
	require.Len(t, parsed, len(tiers))

	for i, tier := range parsed {
		require.EqualValues(t, i, tier.Rank)
		require.Equal(t, tiers[i].XOnlyKey(), tier.XOnlyKey())

		want, err := LeafScript(tiers[i])
		require.NoError(t, err)
		got, err := LeafScript(tier)
		require.NoError(t, err)
		require.Equal(t, want, got, "rank %d", i)
	}
}

// TestParseDescriptorRejects checks malformed descriptors are refused.
func TestParseDescriptorRejects(t *testing.T) {
	t.Parallel()

	nums := schnorr.SerializePubKey(NUMSKey)
	other := schnorr.SerializePubKey(testPubKey(9))
	k1 := schnorr.SerializePubKey(testPubKey(1))

	withChecksum := func(body string) string {
		desc, err := AddDescriptorChecksum(body)
		require.NoError(t, err)

		return desc
	}

	valid := compileTest(t, testSchedule(t)).Descriptor()

	tests := []struct {
		name string
		desc string
	}{{
		name: "missing checksum",
		desc: strings.Split(valid, "#")[0],
	}, {
		name: "wrong checksum",
		desc: strings.Split(valid, "#")[0] + "#qqqqqqqq",
	}, {
		name: "spendable internal key",
		desc: withChecksum(fmt.Sprintf("tr(%x,pk(%x))", other, k1)),
	}, {
		name: "not taproot",
		desc: withChecksum(fmt.Sprintf("wpkh(%x)", k1)),
	}, {
		name: "unknown fragment",
		desc: withChecksum(fmt.Sprintf("tr(%x,multi_a(1,%x))", nums,
			k1)),
	}, {
		name: "trailing data",
		desc: withChecksum(fmt.Sprintf("tr(%x,pk(%x))x", nums, k1)),
	}, {
		name: "older outside after",
		desc: withChecksum(fmt.Sprintf("tr(%x,and_v(v:older(5),"+
			"and_v(v:after(10),pk(%x))))", nums, k1)),
	}, {
		name: "disabled sequence",
		desc: withChecksum(fmt.Sprintf("tr(%x,and_v(v:older(%d),"+
			"pk(%x)))", nums, uint32(1)<<31|5, k1)),
	}, {
		name: "truncated key",
		desc: withChecksum(fmt.Sprintf("tr(%x,pk(abcd))", nums)),
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := ParseDescriptor(tc.desc)
			require.ErrorIs(t, err, ErrInvalidDescriptor)
		})
	}
}

// TestRestore checks every version of an edited schedule comes back from its
// descriptors with identical outputs.
func TestRestore(t *testing.T) {
	t.Parallel()

	v1 := testSchedule(t)

	tiers := testTiers()[:2]
	tiers[1].Unlock = AfterDuration(200 * Day)
	v2, err := v1.EditTiers(tiers)
	require.NoError(t, err)

	want := []*CompiledOutput{compileTest(t, v1), compileTest(t, v2)}
	descs := []string{want[0].Descriptor(), want[1].Descriptor()}

	s, outputs, err := Restore("restored", descs, testOrigin)
	require.NoError(t, err)
	require.Equal(t, uint32(2), s.Version)
	require.Len(t, s.Tiers, 2)
	require.True(t, s.ResetReference.Equal(testOrigin))

	require.Len(t, outputs, 2)
	for i, out := range outputs {
		require.Equal(t, ScheduleID("restored"), out.ScheduleID)
		require.Equal(t, uint32(i+1), out.Version)

		wantScript, err := want[i].PkScript()
		require.NoError(t, err)
		gotScript, err := out.PkScript()
		require.NoError(t, err)
		require.Equal(t, wantScript, gotScript)

		require.Len(t, out.Leaves, len(want[i].Leaves))
		for j, leaf := range out.Leaves {
			require.Equal(t, want[i].Leaves[j].Script, leaf.Script)
			require.Equal(t, want[i].Leaves[j].ControlBlock,
				leaf.ControlBlock)
		}
	}
}

// TestRestoreRejects checks restores that would not reproduce the backed up
// outputs.
func TestRestoreRejects(t *testing.T) {
	t.Parallel()

	_, _, err := Restore("r", nil, testOrigin)
	require.ErrorIs(t, err, ErrNoDescriptors)

	desc := compileTest(t, testSchedule(t)).Descriptor()
	_, _, err = Restore("", []string{desc}, testOrigin)
	require.ErrorIs(t, err, ErrInvalidSchedule)

	// A tree of another shape parses but compiles to another output.
	nums := schnorr.SerializePubKey(NUMSKey)
	keys := [3][]byte{}
	for i := range keys {
		keys[i] = schnorr.SerializePubKey(testPubKey(byte(i + 1)))
	}
	reshaped, err := AddDescriptorChecksum(fmt.Sprintf(
		"tr(%x,{{pk(%x),and_v(v:older(144),pk(%x))},"+
			"and_v(v:older(288),pk(%x))})", nums, keys[0], keys[1],
		keys[2],
	))
	require.NoError(t, err)

	_, err = ParseDescriptor(reshaped)
	require.NoError(t, err)

	_, _, err = Restore("r", []string{reshaped}, testOrigin)
	require.ErrorIs(t, err, ErrInvalidDescriptor)

	// Heirs out of order fail schedule validation.
	unordered, err := AddDescriptorChecksum(fmt.Sprintf(
		"tr(%x,{pk(%x),{and_v(v:older(288),pk(%x)),"+
			"and_v(v:older(144),pk(%x))}})", nums, keys[0], keys[1],
		keys[2],
	))
	require.NoError(t, err)

	_, _, err = Restore("r", []string{unordered}, testOrigin)
	require.ErrorIs(t, err, ErrInvalidSchedule)
}
