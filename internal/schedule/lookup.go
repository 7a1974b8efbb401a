package schedule

import (
	"fmt"
	"time"

	"homeschedule/internal/buffer"
	"homeschedule/internal/presence"
)

// Match is a slot found by SlotAt, with where it lives in the document
type Match struct {
	Slot  Slot
	Day   Day
	Index int
}

// SlotAt returns the slot of (mode, weekday of t) whose [start, end) holds
// t's wall-clock time, in t's location. Only slots applying to domain are
// returned.
func (d *Document) SlotAt(mode presence.Mode, t time.Time, domain string) (Match, bool) {
	return d.SlotOn(mode, DayOf(t.Weekday()), TimeOf(t), domain)
}

// SlotOn is SlotAt for an explicit day and time. The previous day's
// midnight-crossing slots are considered too.
func (d *Document) SlotOn(mode presence.Mode, day Day, now TimeOfDay, domain string) (Match, bool) {
	for i, s := range d.Slots(mode, day) {
		if !s.Applies(domain) {
			continue
		}
		if s.CrossesMidnight {
			if now >= s.Start {
				return Match{Slot: s, Day: day, Index: i}, true
			}
			continue
		}
		if now >= s.Start && now < s.End {
			return Match{Slot: s, Day: day, Index: i}, true
		}
	}

	prev := day.Prev()
	for i, s := range d.Slots(mode, prev) {
		if s.CrossesMidnight && s.Applies(domain) && now < s.End {
			return Match{Slot: s, Day: prev, Index: i}, true
		}
	}
	return Match{}, false
}

// SlotUpdate adds, replaces or removes one slot of a (mode, day) sequence.
// Index < 0 adds Slot; a nil Slot removes the slot at Index.
type SlotUpdate struct {
	Mode  presence.Mode `json:"mode"`
	Day   Day           `json:"day"`
	Index int           `json:"index"`
	Slot  *Slot         `json:"slot,omitempty"`
}

// WithSlot returns a validated copy of d with the update applied. d itself is
// never modified.
func (d *Document) WithSlot(u SlotUpdate) (*Document, error) {
	if _, err := presence.ParseMode(string(u.Mode)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	day, err := ParseDay(string(u.Day))
	if err != nil {
		return nil, err
	}
	u.Day = day

	next := d.Clone()
	week, ok := next.Schedules[u.Mode]
	if !ok {
		week = make(Week)
		next.Schedules[u.Mode] = week
	}
	slots := week[u.Day]

	switch {
	case u.Index < 0:
		if u.Slot == nil {
			return nil, fmt.Errorf("%w: add requires a slot", ErrInvalid)
		}
		slots = append(slots, *u.Slot)
	case u.Index >= len(slots):
		return nil, fmt.Errorf("%w: %s %s has no slot %d", ErrInvalid, u.Mode, u.Day, u.Index)
	case u.Slot == nil:
		slots = append(slots[:u.Index], slots[u.Index+1:]...)
	default:
		slots[u.Index] = *u.Slot
	}

	if len(slots) == 0 {
		delete(week, u.Day)
	} else {
		week[u.Day] = slots
	}

	next.Normalize()
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

// GridSlot is one slot in a grid view. Index addresses the slot in its
// day's full sequence.
type GridSlot struct {
	Index           int              `json:"index"`
	Start           TimeOfDay        `json:"start"`
	End             TimeOfDay        `json:"end"`
	CrossesMidnight bool             `json:"crosses_midnight,omitempty"`
	Target          float64          `json:"target"`
	Buffer          *buffer.Override `json:"buffer,omitempty"`
}

// GridDay is one day row of a grid view
type GridDay struct {
	Day   Day        `json:"day"`
	Slots []GridSlot `json:"slots"`
}

// Grid is the read projection of one entity's week in one mode
type Grid struct {
	EntityID   string        `json:"entity_id"`
	Mode       presence.Mode `json:"mode"`
	Resolution int           `json:"resolution_minutes"`
	Days       []GridDay     `json:"days"`
}

// Grid projects the slots applying to entityID in mode
func (d *Document) Grid(entityID string, mode presence.Mode) Grid {
	domain := EntityDomain(entityID)
	g := Grid{
		EntityID:   entityID,
		Mode:       mode,
		Resolution: d.Resolution,
		Days:       make([]GridDay, 0, len(Days)),
	}
	for _, day := range Days {
		row := GridDay{Day: day, Slots: []GridSlot{}}
		for i, s := range d.Slots(mode, day) {
			if !s.Applies(domain) {
				continue
			}
			row.Slots = append(row.Slots, GridSlot{
				Index:           i,
				Start:           s.Start,
				End:             s.End,
				CrossesMidnight: s.CrossesMidnight,
				Target:          s.Target,
				Buffer:          s.Buffer,
			})
		}
		g.Days = append(g.Days, row)
	}
	return g
}
