// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package heritage

import (
	"errors"
	"fmt"
)

// ErrNoDescriptors is returned when a restore is given no descriptors.
var ErrNoDescriptors = errors.New("no descriptors to restore")

// Restore rebuilds a schedule and the compiled outputs of all its versions
// from the descriptors exported for it, oldest version first. Descriptor i
// becomes version i+1 and the last one is the current schedule, measured
// from origin until the chain says otherwise.
//
// Every descriptor is compiled again and must come out byte for byte the
// same, so a restored output always pays to the script the backup names.
// Tier labels and key origins are not part of a descriptor and come back
// empty.
func Restore(id ScheduleID, descs []string, origin ChainPoint) (*Schedule,
	[]*CompiledOutput, error) {

	if id == "" {
		return nil, nil, fmt.Errorf("%w: empty schedule id",
			ErrInvalidSchedule)
	}
	if len(descs) == 0 {
		return nil, nil, ErrNoDescriptors
	}

	var (
		s       *Schedule
		outputs = make([]*CompiledOutput, 0, len(descs))
	)
	for i, desc := range descs {
		version := InitialVersion + uint32(i)

		tiers, err := ParseDescriptor(desc)
		if err != nil {
			return nil, nil, fmt.Errorf("version %d: %w", version,
				err)
		}

		s = &Schedule{
			ID:             id,
			Tiers:          tiers,
			ResetReference: origin,
			Origin:         origin,
			Version:        version,
		}

		out, err := Compile(s)
		if err != nil {
			return nil, nil, fmt.Errorf("version %d: %w", version,
				err)
		}

		if out.Descriptor() != desc {
			return nil, nil, fmt.Errorf("%w: version %d does not "+
				"compile back to the same output",
				ErrInvalidDescriptor, version)
		}

		outputs = append(outputs, out)
	}

	log.Debugf("Restored schedule %v from %d descriptors", id, len(descs))

	return s, outputs, nil
}
