// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package heritage

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/txscript"
)

// numsKeyHex is the BIP341 point H, lift_x(SHA256(G)), which has no known
// discrete logarithm.
const numsKeyHex = "0250929b74c1a04954b78b4b6035e97a5e078a5a0f28ec96d547b" +
	"fee9ace803ac0"

// NUMSKey is the taproot internal key of every compiled output. Nobody can
// spend through the key path, so every spend reveals the leaf it used.
var NUMSKey = mustParsePubKey(numsKeyHex)

func mustParsePubKey(keyHex string) *btcec.PublicKey {
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		panic(err)
	}

	key, err := btcec.ParsePubKey(keyBytes)
	if err != nil {
		panic(err)
	}

	return key
}

// LeafScript returns the tapscript guarding a tier:
//
//	[<height> OP_CHECKLOCKTIMEVERIFY OP_VERIFY]
//	[<sequence> OP_CHECKSEQUENCEVERIFY OP_VERIFY]
//	<xonly key> OP_CHECKSIG
//
// Each lock fragment is omitted when the lock does not constrain that
// dimension. The script is the miniscript and_v(v:after(h),and_v(v:older(s),
// pk(K))) with the absent fragments dropped.
func LeafScript(t Tier) ([]byte, error) {
	builder := txscript.NewScriptBuilder()

	if h := t.Unlock.LockTime(); h > 0 {
		builder.AddInt64(int64(h))
		builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
		builder.AddOp(txscript.OP_VERIFY)
	}

	if t.Unlock.HasRelative() {
		builder.AddInt64(int64(t.Unlock.Sequence()))
		builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
		builder.AddOp(txscript.OP_VERIFY)
	}

	builder.AddData(t.XOnlyKey())
	builder.AddOp(txscript.OP_CHECKSIG)

	return builder.Script()
}

// Compile turns a schedule into its taproot output. It is a pure function:
// the same schedule always yields a byte-identical output, which is what lets
// a wallet be recovered from its schedule parameters alone.
//
// The script tree places lower ranks closer to the root since the owner path
// is by far the most used one and a shallow leaf means a shorter control
// block. The tree for ranks r0..rN is {r0,{r1,{...,{rN-1,rN}}}}.
func Compile(s *Schedule) (*CompiledOutput, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	tapLeaves := make([]txscript.TapLeaf, len(s.Tiers))
	for i, t := range s.Tiers {
		script, err := LeafScript(t)
		if err != nil {
			return nil, fmt.Errorf("rank %d: unable to build leaf "+
				"script: %w", t.Rank, err)
		}

		tapLeaves[i] = txscript.NewBaseTapLeaf(script)
	}

	tree := buildRankedTree(tapLeaves)
	rootHash := tree.root.TapHash()

	out := &CompiledOutput{
		ScheduleID:  s.ID,
		Version:     s.Version,
		InternalKey: NUMSKey,
		OutputKey: txscript.ComputeTaprootOutputKey(
			NUMSKey, rootHash[:],
		),
		MerkleRoot: rootHash,
		Leaves:     make([]Leaf, len(s.Tiers)),
	}

	for i, t := range s.Tiers {
		proof := txscript.TapscriptProof{
			TapLeaf:        tapLeaves[i],
			RootNode:       tree.root,
			InclusionProof: tree.proofs[i],
		}

		ctrlBlock := proof.ToControlBlock(NUMSKey)
		ctrlBytes, err := ctrlBlock.ToBytes()
		if err != nil {
			return nil, fmt.Errorf("rank %d: unable to serialize "+
				"control block: %w", t.Rank, err)
		}

		var relative uint32
		if t.Unlock.HasRelative() {
			relative = t.Unlock.Sequence()
		}

		out.Leaves[i] = Leaf{
			Rank:         t.Rank,
			Key:          t.XOnlyKey(),
			RelativeLock: relative,
			AbsoluteLock: t.Unlock.LockTime(),
			Script:       tapLeaves[i].Script,
			LeafVersion:  tapLeaves[i].LeafVersion,
			ControlBlock: ctrlBytes,
			Depth:        tree.depths[i],
		}
	}

	log.Debugf("Compiled schedule %v version %d: %d leaves, output key %x",
		s.ID, s.Version, len(out.Leaves), out.XOnlyOutputKey())

	return out, nil
}

// rankedTree is a script tree together with the inclusion proof and depth of
// every leaf, indexed like the leaves it was built from.
type rankedTree struct {
	root   txscript.TapNode
	proofs [][]byte
	depths []uint8
}

// buildRankedTree builds the caterpillar tree {l0,{l1,{...,{ln-1,ln}}}}.
// Leaf i sits at depth i+1, except the last leaf which shares the deepest
// level with its sibling. A single leaf is the root itself.
func buildRankedTree(leaves []txscript.TapLeaf) rankedTree {
	n := len(leaves)
	tree := rankedTree{
		proofs: make([][]byte, n),
		depths: make([]uint8, n),
	}

	// suffix[i] is the subtree holding leaves i..n-1.
	suffix := make([]txscript.TapNode, n)
	suffix[n-1] = leaves[n-1]
	for i := n - 2; i >= 0; i-- {
		suffix[i] = txscript.NewTapBranch(leaves[i], suffix[i+1])
	}
	tree.root = suffix[0]

	for i := 0; i < n; i++ {
		var proof []byte

		// The first sibling is the subtree to the right of the leaf,
		// or the leaf to its left for the deepest one.
		switch {
		case i < n-1:
			h := suffix[i+1].TapHash()
			proof = append(proof, h[:]...)
			tree.depths[i] = uint8(i + 1)

		case n > 1:
			h := leaves[n-2].TapHash()
			proof = append(proof, h[:]...)
			tree.depths[i] = uint8(n - 1)
		}

		// Walking up, every remaining sibling is a shallower leaf.
		start := i - 1
		if i == n-1 {
			start = n - 3
		}
		for j := start; j >= 0; j-- {
			h := leaves[j].TapHash()
			proof = append(proof, h[:]...)
		}

		tree.proofs[i] = proof
	}

	return tree
}
