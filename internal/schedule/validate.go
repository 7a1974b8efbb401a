package schedule

import (
	"fmt"
	"math"
	"sort"

	"homeschedule/internal/presence"
)

// interval is a half-open [start, end) span within one day
type interval struct {
	start, end TimeOfDay
	// origin for error messages
	day   Day
	index int
}

// Validate checks every document invariant. Errors wrap ErrInvalid.
func (d *Document) Validate() error {
	if !validResolution(d.Resolution) {
		return fmt.Errorf("%w: resolution_minutes must be one of %v, got %d", ErrInvalid, Resolutions, d.Resolution)
	}

	seen := make(map[string]bool, len(d.Entities))
	for _, id := range d.Entities {
		if EntityDomain(id) == "" || EntityDomain(id) == id {
			return fmt.Errorf("%w: entity id %q must be <domain>.<object_id>", ErrInvalid, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: entity %s listed twice", ErrInvalid, id)
		}
		seen[id] = true
	}

	if err := d.Presence.Validate(); err != nil {
		return fmt.Errorf("%w: presence: %v", ErrInvalid, err)
	}
	if err := d.Buffer.Validate(); err != nil {
		return fmt.Errorf("%w: buffer: %v", ErrInvalid, err)
	}

	for mode, week := range d.Schedules {
		if _, err := presence.ParseMode(string(mode)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		for day := range week {
			parsed, err := ParseDay(string(day))
			if err != nil {
				return err
			}
			if parsed != day {
				return fmt.Errorf("%w: %s day key %q must be written %q", ErrInvalid, mode, day, parsed)
			}
		}
		if err := validateWeek(mode, week, d.Resolution); err != nil {
			return err
		}
	}
	return nil
}

func validResolution(r int) bool {
	for _, allowed := range Resolutions {
		if r == allowed {
			return true
		}
	}
	return false
}

// ValidateSlot checks a single slot's own fields
func ValidateSlot(s Slot, resolution int) error {
	if s.Start < 0 || s.Start >= MinutesPerDay {
		return fmt.Errorf("%w: start %s out of range", ErrInvalid, s.Start)
	}
	if s.End < 0 || s.End > MinutesPerDay {
		return fmt.Errorf("%w: end %s out of range", ErrInvalid, s.End)
	}
	if s.CrossesMidnight {
		if s.End == MinutesPerDay || s.End == 0 || s.Start <= s.End {
			return fmt.Errorf("%w: midnight-crossing slot %s-%s must have start after end", ErrInvalid, s.Start, s.End)
		}
	} else if s.End <= s.Start {
		return fmt.Errorf("%w: slot %s-%s must end after it starts (set crosses_midnight for overnight slots)", ErrInvalid, s.Start, s.End)
	}
	if resolution > 0 && (int(s.Start)%resolution != 0 || int(s.End)%resolution != 0) {
		return fmt.Errorf("%w: slot %s-%s not aligned to %d minutes", ErrInvalid, s.Start, s.End, resolution)
	}
	if math.IsNaN(s.Target) || math.IsInf(s.Target, 0) {
		return fmt.Errorf("%w: slot %s-%s target is not finite", ErrInvalid, s.Start, s.End)
	}
	if err := s.Buffer.Validate(); err != nil {
		return fmt.Errorf("%w: slot %s-%s buffer: %v", ErrInvalid, s.Start, s.End, err)
	}
	return nil
}

// validateWeek checks each slot and that no two intervals of one day
// intersect, counting the tails that midnight-crossing slots spill into the
// following day.
func validateWeek(mode presence.Mode, week Week, resolution int) error {
	perDay := make(map[Day][]interval, len(Days))

	for _, day := range Days {
		for i, s := range week[day] {
			if err := ValidateSlot(s, resolution); err != nil {
				return fmt.Errorf("%s %s slot %d: %w", mode, day, i, err)
			}
			if s.CrossesMidnight {
				perDay[day] = append(perDay[day], interval{start: s.Start, end: MinutesPerDay, day: day, index: i})
				next := day.Next()
				perDay[next] = append(perDay[next], interval{start: 0, end: s.End, day: day, index: i})
				continue
			}
			perDay[day] = append(perDay[day], interval{start: s.Start, end: s.End, day: day, index: i})
		}
	}

	for _, day := range Days {
		spans := perDay[day]
		sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
		for i := 1; i < len(spans); i++ {
			prev, cur := spans[i-1], spans[i]
			if cur.start < prev.end {
				return fmt.Errorf("%w: %s %s: %s overlaps %s", ErrInvalid, mode, day, describe(prev), describe(cur))
			}
		}
	}
	return nil
}

func describe(iv interval) string {
	return fmt.Sprintf("%s slot %d [%s-%s)", iv.day, iv.index, iv.start, iv.end)
}
