// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package heritage

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/wire"
)

const (
	descInputCharset = "0123456789()[],'/*abcdefgh@:$%{}" +
		"IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~" +
		"ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "

	descChecksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

	descChecksumLen = 8
)

var descGenerator = [5]uint64{
	0xf5dee51989, 0xa9fdca3312, 0x1bab10e32d, 0x3706b1677a, 0x644d626ffd,
}

var (
	// ErrInvalidDescriptor is returned for a descriptor whose checksum is
	// missing or wrong, or which contains characters outside the
	// descriptor character set.
	ErrInvalidDescriptor = errors.New("invalid descriptor")
)

// Descriptor returns the output descriptor of the compiled output with its
// checksum appended, e.g.
//
//	tr(<nums>,{pk(K0),{and_v(v:older(n),pk(K1)),and_v(v:older(m),pk(K2))}})
//
// The descriptor is the backup artifact for the output: any descriptor wallet
// can rebuild the scripts from it.
func (o *CompiledOutput) Descriptor() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "tr(%x,", schnorr.SerializePubKey(o.InternalKey))
	writeTree(&sb, o.Leaves)
	sb.WriteString(")")

	desc, err := AddDescriptorChecksum(sb.String())
	if err != nil {
		// Only hex, digits and fragment names are written above.
		panic(err)
	}

	return desc
}

// writeTree writes the caterpillar tree {l0,{l1,{...,{ln-1,ln}}}}.
func writeTree(sb *strings.Builder, leaves []Leaf) {
	if len(leaves) == 1 {
		writeLeaf(sb, leaves[0])
		return
	}

	sb.WriteString("{")
	writeLeaf(sb, leaves[0])
	sb.WriteString(",")
	writeTree(sb, leaves[1:])
	sb.WriteString("}")
}

// writeLeaf writes the miniscript of a leaf. It mirrors LeafScript.
func writeLeaf(sb *strings.Builder, l Leaf) {
	closing := 0

	if l.AbsoluteLock > 0 {
		fmt.Fprintf(sb, "and_v(v:after(%d),", l.AbsoluteLock)
		closing++
	}

	if l.RelativeLock > 0 {
		fmt.Fprintf(sb, "and_v(v:older(%d),", l.RelativeLock)
		closing++
	}

	fmt.Fprintf(sb, "pk(%x)", l.Key)
	sb.WriteString(strings.Repeat(")", closing))
}

// ParseDescriptor parses a descriptor written by CompiledOutput.Descriptor
// back into tiers. Descriptors carry no rank numbers, so tiers are ranked by
// their position in the script tree, the owner first. The checksum must be
// present and the internal key must be NUMSKey.
func ParseDescriptor(desc string) ([]Tier, error) {
	body, err := VerifyDescriptorChecksum(desc)
	if err != nil {
		return nil, err
	}

	p := &descParser{s: body}
	if err := p.expect("tr("); err != nil {
		return nil, err
	}

	internal, err := p.key()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(internal, schnorr.SerializePubKey(NUMSKey)) {
		return nil, fmt.Errorf("%w: internal key %x is not the "+
			"unspendable point", ErrInvalidDescriptor, internal)
	}

	if err := p.expect(","); err != nil {
		return nil, err
	}

	leaves, err := p.tree()
	if err != nil {
		return nil, err
	}

	if err := p.expect(")"); err != nil {
		return nil, err
	}
	if p.pos != len(p.s) {
		return nil, p.errorf("trailing data")
	}

	tiers := make([]Tier, len(leaves))
	for i, l := range leaves {
		key, err := schnorr.ParsePubKey(l.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: leaf %d key: %w",
				ErrInvalidDescriptor, i, err)
		}

		tiers[i] = Tier{
			Rank:        uint32(i),
			SpendingKey: key,
			Unlock:      l.Lock(),
		}
	}

	return tiers, nil
}

// descParser reads the tr() descriptors this package writes.
type descParser struct {
	s   string
	pos int
}

func (p *descParser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: at position %d: %s", ErrInvalidDescriptor,
		p.pos, fmt.Sprintf(format, args...))
}

func (p *descParser) consume(tok string) bool {
	if !strings.HasPrefix(p.s[p.pos:], tok) {
		return false
	}
	p.pos += len(tok)

	return true
}

func (p *descParser) expect(tok string) error {
	if !p.consume(tok) {
		return p.errorf("expected %q", tok)
	}

	return nil
}

func (p *descParser) number() (uint32, error) {
	end := p.pos
	for end < len(p.s) && p.s[end] >= '0' && p.s[end] <= '9' {
		end++
	}

	n, err := strconv.ParseUint(p.s[p.pos:end], 10, 32)
	if err != nil {
		return 0, p.errorf("bad number: %v", err)
	}
	p.pos = end

	return uint32(n), nil
}

func (p *descParser) key() ([]byte, error) {
	const keyHexLen = 2 * schnorr.PubKeyBytesLen

	if len(p.s)-p.pos < keyHexLen {
		return nil, p.errorf("truncated key")
	}

	key, err := hex.DecodeString(p.s[p.pos : p.pos+keyHexLen])
	if err != nil {
		return nil, p.errorf("bad key: %v", err)
	}
	p.pos += keyHexLen

	return key, nil
}

// tree parses {left,right} branches down to their leaves, left to right.
func (p *descParser) tree() ([]Leaf, error) {
	if !p.consume("{") {
		leaf, err := p.leaf()
		if err != nil {
			return nil, err
		}

		return []Leaf{leaf}, nil
	}

	left, err := p.tree()
	if err != nil {
		return nil, err
	}

	if err := p.expect(","); err != nil {
		return nil, err
	}

	right, err := p.tree()
	if err != nil {
		return nil, err
	}

	if err := p.expect("}"); err != nil {
		return nil, err
	}

	return append(left, right...), nil
}

// leaf parses the miniscript written by writeLeaf. An after() fragment must
// enclose an older() one.
func (p *descParser) leaf() (Leaf, error) {
	switch {
	case p.consume("and_v(v:after("):
		height, err := p.number()
		if err != nil {
			return Leaf{}, err
		}
		if height == 0 {
			return Leaf{}, p.errorf("zero height")
		}

		inner, err := p.lockedLeaf()
		if err != nil {
			return Leaf{}, err
		}
		if inner.AbsoluteLock != 0 {
			return Leaf{}, p.errorf("nested after()")
		}
		inner.AbsoluteLock = height

		return inner, nil

	case p.consume("and_v(v:older("):
		seq, err := p.number()
		if err != nil {
			return Leaf{}, err
		}

		valid := wire.SequenceLockTimeIsSeconds |
			wire.SequenceLockTimeMask
		if seq&^valid != 0 || seq&wire.SequenceLockTimeMask == 0 {
			return Leaf{}, p.errorf("unsupported older(%d)", seq)
		}

		inner, err := p.lockedLeaf()
		if err != nil {
			return Leaf{}, err
		}
		if inner.AbsoluteLock != 0 || inner.RelativeLock != 0 {
			return Leaf{}, p.errorf("misplaced older()")
		}
		inner.RelativeLock = seq

		return inner, nil

	case p.consume("pk("):
		key, err := p.key()
		if err != nil {
			return Leaf{}, err
		}

		if err := p.expect(")"); err != nil {
			return Leaf{}, err
		}

		return Leaf{Key: key}, nil
	}

	return Leaf{}, p.errorf("unknown fragment")
}

// lockedLeaf parses the "),<leaf>)" tail of an and_v(v:...) fragment.
func (p *descParser) lockedLeaf() (Leaf, error) {
	if err := p.expect("),"); err != nil {
		return Leaf{}, err
	}

	inner, err := p.leaf()
	if err != nil {
		return Leaf{}, err
	}

	if err := p.expect(")"); err != nil {
		return Leaf{}, err
	}

	return inner, nil
}

func descPolymod(symbols []uint64) uint64 {
	chk := uint64(1)
	for _, value := range symbols {
		top := chk >> 35
		chk = (chk&0x7ffffffff)<<5 ^ value
		for i := 0; i < 5; i++ {
			if (top>>uint(i))&1 == 1 {
				chk ^= descGenerator[i]
			}
		}
	}

	return chk
}

// DescriptorChecksum computes the BIP380 checksum of a descriptor without
// its checksum suffix.
func DescriptorChecksum(desc string) (string, error) {
	symbols := make([]uint64, 0, len(desc)+len(desc)/3+descChecksumLen+1)
	groups := make([]uint64, 0, 3)

	for i, c := range desc {
		v := strings.IndexRune(descInputCharset, c)
		if v < 0 {
			return "", fmt.Errorf("%w: invalid character %q at "+
				"position %d", ErrInvalidDescriptor, c, i)
		}

		symbols = append(symbols, uint64(v&31))
		groups = append(groups, uint64(v>>5))
		if len(groups) == 3 {
			symbols = append(symbols,
				groups[0]*9+groups[1]*3+groups[2])
			groups = groups[:0]
		}
	}

	switch len(groups) {
	case 1:
		symbols = append(symbols, groups[0])
	case 2:
		symbols = append(symbols, groups[0]*3+groups[1])
	}

	for i := 0; i < descChecksumLen; i++ {
		symbols = append(symbols, 0)
	}

	checksum := descPolymod(symbols) ^ 1

	var out [descChecksumLen]byte
	for i := 0; i < descChecksumLen; i++ {
		out[i] = descChecksumCharset[(checksum>>(5*(7-uint(i))))&31]
	}

	return string(out[:]), nil
}

// AddDescriptorChecksum returns desc with its checksum appended.
func AddDescriptorChecksum(desc string) (string, error) {
	checksum, err := DescriptorChecksum(desc)
	if err != nil {
		return "", err
	}

	return desc + "#" + checksum, nil
}

// VerifyDescriptorChecksum checks the checksum of a descriptor and returns
// the descriptor without it.
func VerifyDescriptorChecksum(desc string) (string, error) {
	body, checksum, ok := strings.Cut(desc, "#")
	if !ok {
		return "", fmt.Errorf("%w: missing checksum",
			ErrInvalidDescriptor)
	}

	want, err := DescriptorChecksum(body)
	if err != nil {
		return "", err
	}

	if checksum != want {
		return "", fmt.Errorf("%w: checksum %q, expected %q",
			ErrInvalidDescriptor, checksum, want)
	}

	return body, nil
}
