// Package jobid allocates and validates 12-digit job identifiers.
//
// A job identifier has the form YYYYMMDDNNNN: the UTC date the job was
// submitted followed by a zero-padded sequence number unique within that
// day. Identifiers are strictly increasing over the lifetime of the
// system; the allocator derives the next value from the highest identifier
// already recorded in the ledger.
//
// The identifier alone is not a unique job key. Two users can race and be
// handed the same candidate identifier; the ledger's (job_id, username)
// composite key resolves that, not this package.
package jobid

import (
	"fmt"
	"time"
)

// MinYear and MaxYear bound the epoch an identifier may decode to.
// Anything outside this range is rejected before a row is written.
const (
	MinYear = 2000
	MaxYear = 3000
)

// MaxSeq is the number of jobs a single day can hold (NNNN is 4 digits).
const MaxSeq = 10000

// Format builds an identifier from a date and an intra-day sequence number.
func Format(t time.Time, seq int) (int64, error) {
	if seq < 0 || seq >= MaxSeq {
		return 0, fmt.Errorf("sequence number %d out of range [0, %d)", seq, MaxSeq)
	}
	t = t.UTC()
	day := int64(t.Year())*10000 + int64(t.Month())*100 + int64(t.Day())
	return day*int64(MaxSeq) + int64(seq), nil
}

// Parse splits an identifier into its date and sequence components.
// The date portion is validated as a real calendar date within the epoch
// bounds.
func Parse(id int64) (date time.Time, seq int, err error) {
	if err := Validate(id); err != nil {
		return time.Time{}, 0, err
	}
	day := id / int64(MaxSeq)
	seq = int(id % int64(MaxSeq))

	year := int(day / 10000)
	month := int(day / 100 % 100)
	dom := int(day % 100)

	date = time.Date(year, time.Month(month), dom, 0, 0, 0, 0, time.UTC)
	if date.Year() != year || date.Month() != time.Month(month) || date.Day() != dom {
		return time.Time{}, 0, fmt.Errorf("job id %d does not encode a valid calendar date", id)
	}
	return date, seq, nil
}

// Validate checks that an identifier is 12 digits and decodes to a year
// within [MinYear, MaxYear].
func Validate(id int64) error {
	year := id / int64(MaxSeq) / 10000
	if year < MinYear || year > MaxYear {
		return fmt.Errorf("job id %d decodes to year %d, outside [%d, %d]", id, year, MinYear, MaxYear)
	}
	month := id / int64(MaxSeq) / 100 % 100
	dom := id / int64(MaxSeq) % 100
	if month < 1 || month > 12 || dom < 1 || dom > 31 {
		return fmt.Errorf("job id %d does not encode a valid calendar date", id)
	}
	return nil
}

// Next returns the next unused identifier given the current time and the
// highest identifier allocated so far (0 when the ledger is empty).
//
// If the highest identifier falls on today's date the sequence number is
// incremented; otherwise the sequence restarts at 0000 for today. The
// returned value is always strictly greater than lastAllocated.
func Next(now time.Time, lastAllocated int64) (int64, error) {
	now = now.UTC()
	todayBase, err := Format(now, 0)
	if err != nil {
		return 0, err
	}

	if lastAllocated < todayBase {
		return todayBase, nil
	}

	// Same day (or a clock anomaly put lastAllocated in the future):
	// continue the sequence so ids never move backwards.
	seq := lastAllocated%int64(MaxSeq) + 1
	if seq >= int64(MaxSeq) {
		return 0, fmt.Errorf("daily job id space exhausted after %d", lastAllocated)
	}
	return lastAllocated/int64(MaxSeq)*int64(MaxSeq) + seq, nil
}
