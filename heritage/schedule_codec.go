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
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/lnd/tlv"
)

// ErrCorruptSchedule is returned when an encoded schedule cannot be parsed.
var ErrCorruptSchedule = errors.New("corrupt schedule encoding")

const (
	typeSchedEncoding  tlv.Type = 0
	typeSchedID        tlv.Type = 1
	typeSchedVersion   tlv.Type = 2
	typeSchedOriginH   tlv.Type = 3
	typeSchedOriginT   tlv.Type = 4
	typeSchedResetH    tlv.Type = 5
	typeSchedResetT    tlv.Type = 6
	typeSchedTierBytes tlv.Type = 7
)

const (
	typeTierRank        tlv.Type = 0
	typeTierKey         tlv.Type = 1
	typeTierFlags       tlv.Type = 2
	typeTierRelBlocks   tlv.Type = 3
	typeTierRelTime     tlv.Type = 4
	typeTierAbsHeight   tlv.Type = 5
	typeTierFingerprint tlv.Type = 6
	typeTierPath        tlv.Type = 7
	typeTierLabel       tlv.Type = 8
)

// Presence bits of the optional tier fields.
const (
	flagRelBlocks uint8 = 1 << iota
	flagRelTime
	flagAbsHeight
	flagOrigin
)

// maxEncodedTierSize bounds a single encoded tier.
const maxEncodedTierSize = 1 << 12

// EncodeTiers writes a tier list. The encoding is stable so that stored
// schedules survive upgrades.
func EncodeTiers(w io.Writer, tiers []Tier) error {
	var scratch [8]byte
	if err := tlv.WriteVarInt(w, uint64(len(tiers)), &scratch); err != nil {
		return err
	}

	for _, t := range tiers {
		var buf bytes.Buffer
		if err := encodeTier(&buf, t); err != nil {
			return fmt.Errorf("rank %d: %w", t.Rank, err)
		}

		err := tlv.WriteVarInt(w, uint64(buf.Len()), &scratch)
		if err != nil {
			return err
		}

		if _, err := w.Write(buf.Bytes()); err != nil {
			return err
		}
	}

	return nil
}

// DecodeTiers reads a tier list written by EncodeTiers. The tiers are not
// validated.
func DecodeTiers(r io.Reader) ([]Tier, error) {
	var scratch [8]byte

	count, err := tlv.ReadVarInt(r, &scratch)
	if err != nil {
		return nil, err
	}

	if count == 0 || count > MaxTiers {
		return nil, fmt.Errorf("%w: %d tiers", ErrCorruptSchedule, count)
	}

	tiers := make([]Tier, 0, count)
	for i := uint64(0); i < count; i++ {
		size, err := tlv.ReadVarInt(r, &scratch)
		if err != nil {
			return nil, err
		}

		if size > maxEncodedTierSize {
			return nil, fmt.Errorf("%w: tier of %d bytes",
				ErrCorruptSchedule, size)
		}

		t, err := decodeTier(io.LimitReader(r, int64(size)))
		if err != nil {
			return nil, fmt.Errorf("tier %d: %w", i, err)
		}

		tiers = append(tiers, t)
	}

	return tiers, nil
}

func encodeTier(w io.Writer, t Tier) error {
	if t.SpendingKey == nil {
		return fmt.Errorf("%w: no spending key", ErrInvalidSchedule)
	}

	var (
		rank      = t.Rank
		key       [33]byte
		flags     uint8
		relBlocks uint32
		relTime   uint64
		absHeight uint32
		finger    uint32
		path      []byte
		label     = []byte(t.Label)
	)
	copy(key[:], t.SpendingKey.SerializeCompressed())

	t.Unlock.RelativeBlocks.WhenSome(func(n uint32) {
		flags |= flagRelBlocks
		relBlocks = n
	})
	t.Unlock.RelativeTime.WhenSome(func(d time.Duration) {
		flags |= flagRelTime
		relTime = uint64(d)
	})
	t.Unlock.AbsoluteHeight.WhenSome(func(h uint32) {
		flags |= flagAbsHeight
		absHeight = h
	})
	t.Origin.WhenSome(func(o KeyOrigin) {
		flags |= flagOrigin
		finger = o.Fingerprint
		for _, idx := range o.Path {
			path = append(path, byte(idx>>24), byte(idx>>16),
				byte(idx>>8), byte(idx))
		}
	})

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeTierRank, &rank),
		tlv.MakePrimitiveRecord(typeTierKey, &key),
		tlv.MakePrimitiveRecord(typeTierFlags, &flags),
		tlv.MakePrimitiveRecord(typeTierRelBlocks, &relBlocks),
		tlv.MakePrimitiveRecord(typeTierRelTime, &relTime),
		tlv.MakePrimitiveRecord(typeTierAbsHeight, &absHeight),
		tlv.MakePrimitiveRecord(typeTierFingerprint, &finger),
		tlv.MakePrimitiveRecord(typeTierPath, &path),
		tlv.MakePrimitiveRecord(typeTierLabel, &label),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

func decodeTier(r io.Reader) (Tier, error) {
	var (
		t         Tier
		key       [33]byte
		flags     uint8
		relBlocks uint32
		relTime   uint64
		absHeight uint32
		finger    uint32
		path      []byte
		label     []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeTierRank, &t.Rank),
		tlv.MakePrimitiveRecord(typeTierKey, &key),
		tlv.MakePrimitiveRecord(typeTierFlags, &flags),
		tlv.MakePrimitiveRecord(typeTierRelBlocks, &relBlocks),
		tlv.MakePrimitiveRecord(typeTierRelTime, &relTime),
		tlv.MakePrimitiveRecord(typeTierAbsHeight, &absHeight),
		tlv.MakePrimitiveRecord(typeTierFingerprint, &finger),
		tlv.MakePrimitiveRecord(typeTierPath, &path),
		tlv.MakePrimitiveRecord(typeTierLabel, &label),
	)
	if err != nil {
		return Tier{}, err
	}

	if err := stream.Decode(r); err != nil {
		return Tier{}, err
	}

	t.SpendingKey, err = btcec.ParsePubKey(key[:])
	if err != nil {
		return Tier{}, fmt.Errorf("%w: rank %d key: %w",
			ErrCorruptSchedule, t.Rank, err)
	}

	if flags&flagRelBlocks != 0 {
		t.Unlock.RelativeBlocks = fn.Some(relBlocks)
	}
	if flags&flagRelTime != 0 {
		if relTime > uint64(1<<63-1) {
			return Tier{}, fmt.Errorf("%w: rank %d relative time "+
				"overflows", ErrCorruptSchedule, t.Rank)
		}
		t.Unlock.RelativeTime = fn.Some(time.Duration(relTime))
	}
	if flags&flagAbsHeight != 0 {
		t.Unlock.AbsoluteHeight = fn.Some(absHeight)
	}

	if flags&flagOrigin != 0 {
		if len(path)%4 != 0 {
			return Tier{}, fmt.Errorf("%w: rank %d bad origin path",
				ErrCorruptSchedule, t.Rank)
		}

		origin := KeyOrigin{Fingerprint: finger}
		for off := 0; off < len(path); off += 4 {
			origin.Path = append(origin.Path,
				uint32(path[off])<<24|uint32(path[off+1])<<16|
					uint32(path[off+2])<<8|uint32(path[off+3]))
		}
		t.Origin = fn.Some(origin)
	}

	t.Label = string(label)

	return t, nil
}

// Encode writes the schedule, including its reset reference and origin.
func (s *Schedule) Encode(w io.Writer) error {
	var tierBuf bytes.Buffer
	if err := EncodeTiers(&tierBuf, s.Tiers); err != nil {
		return err
	}

	var (
		encoding  = encodingVersion
		id        = []byte(s.ID)
		version   = s.Version
		originH   = s.Origin.Height
		originT   = uint64(s.Origin.Time.Unix())
		resetH    = s.ResetReference.Height
		resetT    = uint64(s.ResetReference.Time.Unix())
		tierBytes = tierBuf.Bytes()
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeSchedEncoding, &encoding),
		tlv.MakePrimitiveRecord(typeSchedID, &id),
		tlv.MakePrimitiveRecord(typeSchedVersion, &version),
		tlv.MakePrimitiveRecord(typeSchedOriginH, &originH),
		tlv.MakePrimitiveRecord(typeSchedOriginT, &originT),
		tlv.MakePrimitiveRecord(typeSchedResetH, &resetH),
		tlv.MakePrimitiveRecord(typeSchedResetT, &resetT),
		tlv.MakePrimitiveRecord(typeSchedTierBytes, &tierBytes),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// Bytes returns the binary encoding of the schedule.
func (s *Schedule) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := s.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// DecodeSchedule parses and validates a schedule written by Encode.
func DecodeSchedule(r io.Reader) (*Schedule, error) {
	var (
		encoding  uint8
		id        []byte
		version   uint32
		originH   uint32
		originT   uint64
		resetH    uint32
		resetT    uint64
		tierBytes []byte
	)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeSchedEncoding, &encoding),
		tlv.MakePrimitiveRecord(typeSchedID, &id),
		tlv.MakePrimitiveRecord(typeSchedVersion, &version),
		tlv.MakePrimitiveRecord(typeSchedOriginH, &originH),
		tlv.MakePrimitiveRecord(typeSchedOriginT, &originT),
		tlv.MakePrimitiveRecord(typeSchedResetH, &resetH),
		tlv.MakePrimitiveRecord(typeSchedResetT, &resetT),
		tlv.MakePrimitiveRecord(typeSchedTierBytes, &tierBytes),
	)
	if err != nil {
		return nil, err
	}

	if err := stream.Decode(r); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptSchedule, err)
	}

	if encoding != encodingVersion {
		return nil, fmt.Errorf("%w: unknown encoding version %d",
			ErrCorruptSchedule, encoding)
	}

	tiers, err := DecodeTiers(bytes.NewReader(tierBytes))
	if err != nil {
		return nil, err
	}

	return RestoreSchedule(
		ScheduleID(id), version, tiers,
		NewChainPoint(originH, time.Unix(int64(originT), 0)),
		NewChainPoint(resetH, time.Unix(int64(resetT), 0)),
	)
}

// DecodeScheduleBytes is DecodeSchedule over a byte slice.
func DecodeScheduleBytes(b []byte) (*Schedule, error) {
	return DecodeSchedule(bytes.NewReader(b))
}

// RestoreSchedule rebuilds a stored schedule from its parts and validates it.
// The reset reference may not precede the origin.
func RestoreSchedule(id ScheduleID, version uint32, tiers []Tier, origin,
	reset ChainPoint) (*Schedule, error) {

	switch {
	case id == "":
		return nil, fmt.Errorf("%w: empty schedule id",
			ErrCorruptSchedule)

	case version < InitialVersion:
		return nil, fmt.Errorf("%w: version %d", ErrCorruptSchedule,
			version)

	case origin.After(reset):
		return nil, fmt.Errorf("%w: reset reference %v precedes "+
			"origin %v", ErrCorruptSchedule, reset, origin)
	}

	s := &Schedule{
		ID:             id,
		Tiers:          sortedTiers(tiers),
		ResetReference: reset,
		Origin:         origin,
		Version:        version,
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}

	return s, nil
}
