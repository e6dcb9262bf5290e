// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package heritage

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/require"
)

const (
	xonly1 = "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"
	xonly2 = "c6047f9441ed7d6d3045406e95c07cd85c778e4b8cef3ca7abac09b95c709ee5"
	xonly3 = "f9308a019258c31049344f85f89d5229b531c845836f99b08601f113bce036f9"
)

func compileTest(t *testing.T, s *Schedule) *CompiledOutput {
	t.Helper()

	out, err := Compile(s)
	require.NoError(t, err)

	return out
}

// TestLeafScript checks the leaf script of each kind of lock.
func TestLeafScript(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		lock   TimeLock
		disasm string
	}{{
		name:   "owner",
		lock:   NoWait(),
		disasm: xonly2 + " OP_CHECKSIG",
	}, {
		name: "blocks",
		lock: AfterBlocks(144),
		disasm: "9000 OP_CHECKSEQUENCEVERIFY OP_VERIFY " + xonly2 +
			" OP_CHECKSIG",
	}, {
		name: "time",
		lock: AfterDuration(180 * Day),
		disasm: "a77640 OP_CHECKSEQUENCEVERIFY OP_VERIFY " + xonly2 +
			" OP_CHECKSIG",
	}, {
		name: "height",
		lock: AtHeight(900_000),
		disasm: "a0bb0d OP_CHECKLOCKTIMEVERIFY OP_VERIFY " + xonly2 +
			" OP_CHECKSIG",
	}, {
		name: "height and blocks",
		lock: AfterBlocks(5).WithAbsoluteHeight(900_000),
		disasm: "a0bb0d OP_CHECKLOCKTIMEVERIFY OP_VERIFY 5 " +
			"OP_CHECKSEQUENCEVERIFY OP_VERIFY " + xonly2 +
			" OP_CHECKSIG",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			script, err := LeafScript(Tier{
				Rank:        1,
				SpendingKey: testPubKey(2),
				Unlock:      tc.lock,
			})
			require.NoError(t, err)

			disasm, err := txscript.DisasmString(script)
			require.NoError(t, err)
			require.Equal(t, tc.disasm, disasm)
		})
	}
}

// TestCompileDeterministic checks two compilations encode identically.
func TestCompileDeterministic(t *testing.T) {
	t.Parallel()

	s := testSchedule(t)

	first, err := compileTest(t, s).Bytes()
	require.NoError(t, err)

	second, err := compileTest(t, s.Clone()).Bytes()
	require.NoError(t, err)

	require.Equal(t, first, second)
}

// TestCompileTree checks the shape of the script tree and that every control
// block proves its leaf against the output key.
func TestCompileTree(t *testing.T) {
	t.Parallel()

	for n := 1; n <= 6; n++ {
		t.Run(fmt.Sprintf("%d tiers", n), func(t *testing.T) {
			t.Parallel()

			tiers := make([]Tier, n)
			for i := range tiers {
				tiers[i] = Tier{
					Rank:        uint32(i),
					SpendingKey: testPubKey(byte(i + 1)),
					Unlock:      AfterBlocks(uint32(i * 10)),
				}
			}

			s, err := NewSchedule("tree", tiers, testOrigin)
			require.NoError(t, err)

			out := compileTest(t, s)
			require.Len(t, out.Leaves, n)
			require.True(t, out.InternalKey.IsEqual(NUMSKey))

			pkScript, err := out.PkScript()
			require.NoError(t, err)
			witnessProgram := pkScript[2:]

			for i, leaf := range out.Leaves {
				want := i + 1
				switch {
				case n == 1:
					want = 0
				case i == n-1:
					want = n - 1
				}
				require.EqualValues(t, want, leaf.Depth)
				require.Len(
					t, leaf.ControlBlock, 33+32*int(leaf.Depth),
				)

				ctrlBlock, err := txscript.ParseControlBlock(
					leaf.ControlBlock,
				)
				require.NoError(t, err)

				err = txscript.VerifyTaprootLeafCommitment(
					ctrlBlock, witnessProgram, leaf.Script,
				)
				require.NoError(t, err)

				rank, ok := out.RankForScript(leaf.Script)
				require.True(t, ok)
				require.Equal(t, leaf.Rank, rank)
			}

			// Lower ranks never sit deeper than higher ones.
			for i := 1; i < n; i++ {
				require.LessOrEqual(
					t, out.Leaves[i-1].Depth, out.Leaves[i].Depth,
				)
			}
		})
	}
}

// TestCompileRejectsInvalid checks an invalid schedule does not compile.
func TestCompileRejectsInvalid(t *testing.T) {
	t.Parallel()

	s := testSchedule(t)
	s.Tiers[2].Rank = 1

	_, err := Compile(s)
	require.ErrorIs(t, err, ErrInvalidSchedule)
}

// TestCompiledOutputEncoding checks the binary encoding round trips and that
// tampering is detected.
func TestCompiledOutputEncoding(t *testing.T) {
	t.Parallel()

	out := compileTest(t, testSchedule(t))

	encoded, err := out.Bytes()
	require.NoError(t, err)

	decoded, err := DecodeCompiledOutputBytes(encoded)
	require.NoError(t, err)
	require.Equal(t, out.ScheduleID, decoded.ScheduleID)
	require.Equal(t, out.Version, decoded.Version)
	require.Equal(t, out.MerkleRoot, decoded.MerkleRoot)
	require.True(t, out.OutputKey.IsEqual(decoded.OutputKey))
	require.Equal(t, out.Leaves, decoded.Leaves)

	reencoded, err := decoded.Bytes()
	require.NoError(t, err)
	require.Equal(t, encoded, reencoded)

	// Swapping a control block for one of another tree is caught.
	other := testTiers()
	other[2].Unlock = AfterDuration(200 * Day)
	otherSchedule, err := NewSchedule("test", other, testOrigin)
	require.NoError(t, err)
	otherOut := compileTest(t, otherSchedule)

	tampered := *out
	tampered.Leaves = append([]Leaf(nil), out.Leaves...)
	tampered.Leaves[0].ControlBlock = otherOut.Leaves[0].ControlBlock

	encoded, err = tampered.Bytes()
	require.NoError(t, err)

	_, err = DecodeCompiledOutput(bytes.NewReader(encoded))
	require.ErrorIs(t, err, ErrCorruptOutput)
}

// TestCompiledOutputAddress checks the address commits to the output key.
func TestCompiledOutputAddress(t *testing.T) {
	t.Parallel()

	out := compileTest(t, testSchedule(t))

	addr, err := out.Address(&chaincfg.RegressionNetParams)
	require.NoError(t, err)

	decoded, err := btcutil.DecodeAddress(
		addr.EncodeAddress(), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)
	require.Equal(t, out.XOnlyOutputKey(), decoded.ScriptAddress())
}

// TestLeafLock checks that the lock recovered from a leaf enforces the same
// wait as the tier it was compiled from.
func TestLeafLock(t *testing.T) {
	t.Parallel()

	s := testSchedule(t)
	out := compileTest(t, s)

	for _, tier := range s.Tiers {
		leaf, ok := out.Leaf(tier.Rank)
		require.True(t, ok)

		lock := leaf.Lock()
		require.NoError(t, lock.Validate())
		require.Equal(t, tier.Unlock.Sequence(), lock.Sequence())
		require.Equal(t, tier.Unlock.Maturity(testOrigin),
			lock.Maturity(testOrigin))
	}

	leaf := Leaf{AbsoluteLock: 900_000}
	require.Equal(t, AtHeight(900_000), leaf.Lock())
}

// TestDescriptor checks the textual descriptor and its checksum.
func TestDescriptor(t *testing.T) {
	t.Parallel()

	tiers := testTiers()
	tiers[2].Unlock = tiers[2].Unlock.WithAbsoluteHeight(900_000)
	s, err := NewSchedule("test", tiers, testOrigin)
	require.NoError(t, err)

	nums := hex.EncodeToString(NUMSKey.SerializeCompressed()[1:])

	want := "tr(" + nums + ",{pk(" + xonly1 + ")," +
		"{and_v(v:older(4224679),pk(" + xonly2 + "))," +
		"and_v(v:after(900000),and_v(v:older(4255898),pk(" +
		xonly3 + ")))}})#r7swmt9h"
	require.Equal(t, want, compileTest(t, s).Descriptor())

	single, err := NewSchedule("single", tiers[:1], testOrigin)
	require.NoError(t, err)
	require.Equal(
		t, "tr("+nums+",pk("+xonly1+"))#5k3qptkd",
		compileTest(t, single).Descriptor(),
	)
}

// TestDescriptorChecksum checks the checksum against known vectors.
func TestDescriptorChecksum(t *testing.T) {
	t.Parallel()

	checksum, err := DescriptorChecksum("raw(deadbeef)")
	require.NoError(t, err)
	require.Equal(t, "89f8spxm", checksum)

	desc, err := AddDescriptorChecksum(
		"addr(mkmZxiEcEd8ZqjQWVZuC6so5dFMKEFpN2j)",
	)
	require.NoError(t, err)
	require.Equal(
		t, "addr(mkmZxiEcEd8ZqjQWVZuC6so5dFMKEFpN2j)#02wpgw69", desc,
	)

	body, err := VerifyDescriptorChecksum(desc)
	require.NoError(t, err)
	require.Equal(t, "addr(mkmZxiEcEd8ZqjQWVZuC6so5dFMKEFpN2j)", body)

	_, err = VerifyDescriptorChecksum("raw(deadbeef)#89f8spxn")
	require.ErrorIs(t, err, ErrInvalidDescriptor)

	_, err = VerifyDescriptorChecksum("raw(deadbeef)")
	require.ErrorIs(t, err, ErrInvalidDescriptor)

	_, err = DescriptorChecksum("raw(é)")
	require.ErrorIs(t, err, ErrInvalidDescriptor)
}
