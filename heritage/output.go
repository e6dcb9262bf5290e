// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package heritage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// encodingVersion is the version of the binary compiled output
	// encoding.
	encodingVersion uint8 = 0

	// maxEncodedLeaves bounds the leaf count accepted while decoding.
	maxEncodedLeaves = MaxTiers

	// maxEncodedLeafSize bounds the size of a single encoded leaf.
	maxEncodedLeafSize = 1 << 16
)

const (
	typeEncoding    tlv.Type = 0
	typeScheduleID  tlv.Type = 1
	typeVersion     tlv.Type = 2
	typeInternalKey tlv.Type = 3
	typeLeaves      tlv.Type = 4
)

const (
	typeLeafRank         tlv.Type = 0
	typeLeafKey          tlv.Type = 1
	typeLeafRelative     tlv.Type = 2
	typeLeafAbsolute     tlv.Type = 3
	typeLeafVersion      tlv.Type = 4
	typeLeafScript       tlv.Type = 5
	typeLeafControlBlock tlv.Type = 6
	typeLeafDepth        tlv.Type = 7
)

var (
	// ErrCorruptOutput is returned when decoded compiled output data is
	// internally inconsistent.
	ErrCorruptOutput = errors.New("corrupt compiled output")
)

// Leaf is the compiled script path of one tier.
type Leaf struct {
	// Rank is the rank of the tier the leaf belongs to.
	Rank uint32

	// Key is the x-only spending key of the tier.
	Key []byte

	// RelativeLock is the BIP68 value checked by OP_CHECKSEQUENCEVERIFY,
	// or zero if the leaf has no relative lock.
	RelativeLock uint32

	// AbsoluteLock is the height checked by OP_CHECKLOCKTIMEVERIFY, or
	// zero if the leaf has no absolute lock.
	AbsoluteLock uint32

	// Script is the leaf script.
	Script []byte

	// LeafVersion is the tapscript leaf version.
	LeafVersion txscript.TapscriptLeafVersion

	// ControlBlock is the serialized control block proving the leaf's
	// inclusion in the output key.
	ControlBlock []byte

	// Depth is the depth of the leaf in the script tree.
	Depth uint8
}

// TapLeaf returns the leaf in txscript form.
func (l Leaf) TapLeaf() txscript.TapLeaf {
	return txscript.NewTapLeaf(l.LeafVersion, l.Script)
}

// Lock returns the time lock enforced by the leaf script.
func (l Leaf) Lock() TimeLock {
	lock := NoWait()

	switch {
	case l.RelativeLock&wire.SequenceLockTimeIsSeconds != 0:
		units := l.RelativeLock & wire.SequenceLockTimeMask
		lock = AfterDuration(time.Duration(units) *
			SequenceTimeGranularity * time.Second)

	case l.RelativeLock > 0:
		lock = AfterBlocks(l.RelativeLock & wire.SequenceLockTimeMask)
	}

	if l.AbsoluteLock > 0 {
		lock = lock.WithAbsoluteHeight(l.AbsoluteLock)
		if l.RelativeLock == 0 {
			lock.RelativeBlocks = fn.None[uint32]()
		}
	}

	return lock
}

// LeafHash returns the tagged hash of the leaf.
func (l Leaf) LeafHash() chainhash.Hash {
	return l.TapLeaf().TapHash()
}

// CompiledOutput is the taproot output derived from one version of a
// schedule. It is the descriptor that must be backed up: it alone is enough to
// spend coins sent to it. Compiled outputs are never modified once created.
type CompiledOutput struct {
	// ScheduleID is the schedule the output was compiled from.
	ScheduleID ScheduleID

	// Version is the schedule version the output was compiled from.
	Version uint32

	// InternalKey is the taproot internal key.
	InternalKey *btcec.PublicKey

	// OutputKey is the tweaked taproot output key.
	OutputKey *btcec.PublicKey

	// MerkleRoot is the root of the script tree.
	MerkleRoot chainhash.Hash

	// Leaves are the script paths sorted by rank.
	Leaves []Leaf
}

// XOnlyOutputKey returns the x-only output key.
func (o *CompiledOutput) XOnlyOutputKey() []byte {
	return schnorr.SerializePubKey(o.OutputKey)
}

// PkScript returns the pay-to-taproot output script.
func (o *CompiledOutput) PkScript() ([]byte, error) {
	return txscript.PayToTaprootScript(o.OutputKey)
}

// Address returns the taproot address of the output on the given network.
func (o *CompiledOutput) Address(params *chaincfg.Params) (
	*btcutil.AddressTaproot, error) {

	return btcutil.NewAddressTaproot(o.XOnlyOutputKey(), params)
}

// Leaf returns the leaf of the given rank.
func (o *CompiledOutput) Leaf(rank uint32) (Leaf, bool) {
	for _, l := range o.Leaves {
		if l.Rank == rank {
			return l, true
		}
	}

	return Leaf{}, false
}

// RankForScript returns the rank whose leaf script equals script.
func (o *CompiledOutput) RankForScript(script []byte) (uint32, bool) {
	for _, l := range o.Leaves {
		if bytes.Equal(l.Script, script) {
			return l.Rank, true
		}
	}

	return 0, false
}

// Encode writes the binary encoding of the output to w. The encoding is
// deterministic.
func (o *CompiledOutput) Encode(w io.Writer) error {
	var leaves bytes.Buffer
	var scratch [8]byte

	err := tlv.WriteVarInt(&leaves, uint64(len(o.Leaves)), &scratch)
	if err != nil {
		return err
	}

	for _, l := range o.Leaves {
		var buf bytes.Buffer
		if err := encodeLeaf(&buf, l); err != nil {
			return fmt.Errorf("rank %d: %w", l.Rank, err)
		}

		err := tlv.WriteVarInt(&leaves, uint64(buf.Len()), &scratch)
		if err != nil {
			return err
		}

		if _, err := leaves.Write(buf.Bytes()); err != nil {
			return err
		}
	}

	var (
		encoding    = encodingVersion
		scheduleID  = []byte(o.ScheduleID)
		version     = o.Version
		internalKey = o.InternalKey
		leafBytes   = leaves.Bytes()
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeEncoding, &encoding),
		tlv.MakePrimitiveRecord(typeScheduleID, &scheduleID),
		tlv.MakePrimitiveRecord(typeVersion, &version),
		tlv.MakePrimitiveRecord(typeInternalKey, &internalKey),
		tlv.MakePrimitiveRecord(typeLeaves, &leafBytes),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Bytes returns the binary encoding of the output.
func (o *CompiledOutput) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := o.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func encodeLeaf(w io.Writer, l Leaf) error {
	var (
		rank     = l.Rank
		key      = l.Key
		relative = l.RelativeLock
		absolute = l.AbsoluteLock
		version  = uint8(l.LeafVersion)
		script   = l.Script
		ctrl     = l.ControlBlock
		depth    = l.Depth
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeLeafRank, &rank),
		tlv.MakePrimitiveRecord(typeLeafKey, &key),
		tlv.MakePrimitiveRecord(typeLeafRelative, &relative),
		tlv.MakePrimitiveRecord(typeLeafAbsolute, &absolute),
		tlv.MakePrimitiveRecord(typeLeafVersion, &version),
		tlv.MakePrimitiveRecord(typeLeafScript, &script),
		tlv.MakePrimitiveRecord(typeLeafControlBlock, &ctrl),
		tlv.MakePrimitiveRecord(typeLeafDepth, &depth),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

func decodeLeaf(r io.Reader) (Leaf, error) {
	var (
		l       Leaf
		version uint8
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeLeafRank, &l.Rank),
		tlv.MakePrimitiveRecord(typeLeafKey, &l.Key),
		tlv.MakePrimitiveRecord(typeLeafRelative, &l.RelativeLock),
		tlv.MakePrimitiveRecord(typeLeafAbsolute, &l.AbsoluteLock),
		tlv.MakePrimitiveRecord(typeLeafVersion, &version),
		tlv.MakePrimitiveRecord(typeLeafScript, &l.Script),
		tlv.MakePrimitiveRecord(typeLeafControlBlock, &l.ControlBlock),
		tlv.MakePrimitiveRecord(typeLeafDepth, &l.Depth),
	)
	if err != nil {
		return Leaf{}, err
	}

	if err := stream.Decode(r); err != nil {
		return Leaf{}, err
	}

	l.LeafVersion = txscript.TapscriptLeafVersion(version)

	return l, nil
}

// DecodeCompiledOutput parses an encoded output and verifies that every leaf
// commits to the same output key.
func DecodeCompiledOutput(r io.Reader) (*CompiledOutput, error) {
	var (
		encoding    uint8
		scheduleID  []byte
		version     uint32
		internalKey *btcec.PublicKey
		leafBytes   []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeEncoding, &encoding),
		tlv.MakePrimitiveRecord(typeScheduleID, &scheduleID),
		tlv.MakePrimitiveRecord(typeVersion, &version),
		tlv.MakePrimitiveRecord(typeInternalKey, &internalKey),
		tlv.MakePrimitiveRecord(typeLeaves, &leafBytes),
	)
	if err != nil {
		return nil, err
	}

	if err := stream.Decode(r); err != nil {
		return nil, err
	}

	if encoding != encodingVersion {
		return nil, fmt.Errorf("%w: unknown encoding version %d",
			ErrCorruptOutput, encoding)
	}

	if internalKey == nil {
		return nil, fmt.Errorf("%w: missing internal key",
			ErrCorruptOutput)
	}

	leaves, err := decodeLeaves(bytes.NewReader(leafBytes))
	if err != nil {
		return nil, err
	}

	out := &CompiledOutput{
		ScheduleID:  ScheduleID(scheduleID),
		Version:     version,
		InternalKey: internalKey,
		Leaves:      leaves,
	}

	if err := out.restoreCommitment(); err != nil {
		return nil, err
	}

	return out, nil
}

// DecodeCompiledOutputBytes is DecodeCompiledOutput over a byte slice.
func DecodeCompiledOutputBytes(b []byte) (*CompiledOutput, error) {
	return DecodeCompiledOutput(bytes.NewReader(b))
}

func decodeLeaves(r io.Reader) ([]Leaf, error) {
	var scratch [8]byte

	count, err := tlv.ReadVarInt(r, &scratch)
	if err != nil {
		return nil, err
	}

	if count == 0 || count > maxEncodedLeaves {
		return nil, fmt.Errorf("%w: %d leaves", ErrCorruptOutput,
			count)
	}

	leaves := make([]Leaf, 0, count)
	for i := uint64(0); i < count; i++ {
		size, err := tlv.ReadVarInt(r, &scratch)
		if err != nil {
			return nil, err
		}

		if size > maxEncodedLeafSize {
			return nil, fmt.Errorf("%w: leaf of %d bytes",
				ErrCorruptOutput, size)
		}

		leaf, err := decodeLeaf(io.LimitReader(r, int64(size)))
		if err != nil {
			return nil, fmt.Errorf("leaf %d: %w", i, err)
		}

		if i > 0 && leaf.Rank <= leaves[i-1].Rank {
			return nil, fmt.Errorf("%w: leaves not sorted by rank",
				ErrCorruptOutput)
		}

		leaves = append(leaves, leaf)
	}

	return leaves, nil
}

// restoreCommitment recomputes the merkle root and output key from the
// control blocks and checks that every leaf agrees on them.
func (o *CompiledOutput) restoreCommitment() error {
	for i, l := range o.Leaves {
		ctrlBlock, err := txscript.ParseControlBlock(l.ControlBlock)
		if err != nil {
			return fmt.Errorf("%w: rank %d: %w", ErrCorruptOutput,
				l.Rank, err)
		}

		if !ctrlBlock.InternalKey.IsEqual(o.InternalKey) {
			return fmt.Errorf("%w: rank %d commits to another "+
				"internal key", ErrCorruptOutput, l.Rank)
		}

		root, err := chainhash.NewHash(ctrlBlock.RootHash(l.Script))
		if err != nil {
			return err
		}

		if i == 0 {
			o.MerkleRoot = *root
			o.OutputKey = txscript.ComputeTaprootOutputKey(
				o.InternalKey, root[:],
			)

			continue
		}

		if *root != o.MerkleRoot {
			return fmt.Errorf("%w: rank %d commits to another "+
				"script tree", ErrCorruptOutput, l.Rank)
		}
	}

	return nil
}
