// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package heritage

import (
	"fmt"
	"time"
)

// Day is a convenience duration of 24 hours.
const Day = 24 * time.Hour

// Rules are optional guard rails applied on top of the structural schedule
// invariants. They bound how long heirs wait so that a misconfigured schedule
// neither hands coins over too early nor locks them for decades.
//
// Rules only reason about relative time locks. Tiers locked purely by block
// counts or heights are left to the structural checks.
type Rules struct {
	// MinFirstHeirWait is the minimum wait of the first heir.
	MinFirstHeirWait time.Duration

	// MaxFirstHeirWait is the maximum wait of the first heir.
	MaxFirstHeirWait time.Duration

	// MinStep is the minimum extra wait of each heir over the previous
	// one.
	MinStep time.Duration

	// MaxStep is the maximum extra wait of each heir over the previous
	// one.
	MaxStep time.Duration

	// MaxTotalWait caps the wait of any heir.
	MaxTotalWait time.Duration
}

// DefaultRules mirrors the constraints of the heritage configuration form:
// the first heir waits between six months and five years, each following heir
// waits one month to two years more, and nobody waits more than ten years.
// Relative time locks never exceed MaxRelativeTime, so a schedule built only
// from relative waits hits that bound well before the upper rule limits.
var DefaultRules = Rules{
	MinFirstHeirWait: 180 * Day,
	MaxFirstHeirWait: 1825 * Day,
	MinStep:          30 * Day,
	MaxStep:          730 * Day,
	MaxTotalWait:     3650 * Day,
}

// ValidateRules checks the schedule against the rules. Violations are
// reported as ErrInvalidSchedule.
func ValidateRules(s *Schedule, r Rules) error {
	var prev time.Duration
	for i, t := range s.Tiers {
		if t.IsOwner() {
			continue
		}

		if t.Unlock.RelativeTime.IsNone() {
			continue
		}
		wait := t.Unlock.RelativeTime.UnwrapOr(0)

		if wait > r.MaxTotalWait {
			return fmt.Errorf("%w: rank %d waits %v, more than %v",
				ErrInvalidSchedule, t.Rank, wait, r.MaxTotalWait)
		}

		// The first heir is the tier right after the owner.
		if i == 1 {
			if wait < r.MinFirstHeirWait ||
				wait > r.MaxFirstHeirWait {

				return fmt.Errorf("%w: first heir waits %v, "+
					"must be within [%v, %v]",
					ErrInvalidSchedule, wait,
					r.MinFirstHeirWait, r.MaxFirstHeirWait)
			}

			prev = wait

			continue
		}

		step := wait - prev
		if step < r.MinStep || step > r.MaxStep {
			return fmt.Errorf("%w: rank %d waits %v more than the "+
				"previous heir, must be within [%v, %v]",
				ErrInvalidSchedule, t.Rank, step, r.MinStep,
				r.MaxStep)
		}

		prev = wait
	}

	return nil
}
