// Package schedule holds the week-structured schedule document and the pure
// lookups over it.
package schedule

import (
	"errors"
	"sort"
	"strings"

	"homeschedule/internal/buffer"
	"homeschedule/internal/presence"
)

// ErrInvalid is returned when a document or mutation breaks a schedule invariant
var ErrInvalid = errors.New("configuration invalid")

// CurrentVersion is written into new documents
const CurrentVersion = 1

// DefaultResolution is the slot granularity in minutes
const DefaultResolution = 15

// Resolutions lists the accepted slot granularities in minutes
var Resolutions = []int{1, 5, 10, 15, 30, 60}

// Slot is one scheduled interval. Start is inclusive, End exclusive.
type Slot struct {
	Start           TimeOfDay        `yaml:"start" json:"start"`
	End             TimeOfDay        `yaml:"end" json:"end"`
	CrossesMidnight bool             `yaml:"crosses_midnight,omitempty" json:"crosses_midnight,omitempty"`
	Target          float64          `yaml:"target" json:"target"`
	Domain          string           `yaml:"domain,omitempty" json:"domain,omitempty"`
	Buffer          *buffer.Override `yaml:"buffer,omitempty" json:"buffer,omitempty"`
}

// Applies reports whether the slot governs entities of domain
func (s Slot) Applies(domain string) bool {
	return s.Domain == "" || s.Domain == domain
}

// Week is the per-day slot sequences of one mode
type Week map[Day][]Slot

// Document is the persisted schedule aggregate
type Document struct {
	Version    int                    `yaml:"version" json:"version"`
	Entities   []string               `yaml:"entities" json:"entities"`
	Presence   presence.Config        `yaml:"presence" json:"presence"`
	Buffer     buffer.Settings        `yaml:"buffer" json:"buffer"`
	Resolution int                    `yaml:"resolution_minutes,omitempty" json:"resolution_minutes,omitempty"`
	Schedules  map[presence.Mode]Week `yaml:"schedules" json:"schedules"`
}

// NewDocument returns an empty document with default settings
func NewDocument() *Document {
	return &Document{
		Version:    CurrentVersion,
		Presence:   presence.DefaultConfig(),
		Buffer:     buffer.Settings{Default: buffer.DefaultConfig()},
		Resolution: DefaultResolution,
		Schedules:  make(map[presence.Mode]Week),
	}
}

// EntityDomain returns the domain part of an entity id
func EntityDomain(entityID string) string {
	domain, _, _ := strings.Cut(entityID, ".")
	return domain
}

// Tracks reports whether entityID is under management
func (d *Document) Tracks(entityID string) bool {
	for _, id := range d.Entities {
		if id == entityID {
			return true
		}
	}
	return false
}

// Slots returns the sequence for (mode, day); nil if none
func (d *Document) Slots(mode presence.Mode, day Day) []Slot {
	week, ok := d.Schedules[mode]
	if !ok {
		return nil
	}
	return week[day]
}

// Normalize fills zero-valued scalars, rewrites day keys to their lowercase
// form and orders every sequence by start time. Decode documents into
// NewDocument so absent sections keep their defaults.
func (d *Document) Normalize() {
	if d.Version == 0 {
		d.Version = CurrentVersion
	}
	if d.Resolution == 0 {
		d.Resolution = DefaultResolution
	}
	if d.Schedules == nil {
		d.Schedules = make(map[presence.Mode]Week)
	}
	for mode, week := range d.Schedules {
		canonical := make(Week, len(week))
		for day, slots := range week {
			key := day
			if parsed, err := ParseDay(string(day)); err == nil {
				key = parsed
			}
			canonical[key] = append(canonical[key], slots...)
		}
		for day, slots := range canonical {
			sort.SliceStable(slots, func(i, j int) bool { return slots[i].Start < slots[j].Start })
			canonical[day] = slots
		}
		d.Schedules[mode] = canonical
	}
}

// Clone returns a deep copy
func (d *Document) Clone() *Document {
	c := *d
	c.Entities = append([]string(nil), d.Entities...)
	c.Presence.Entities = append([]string(nil), d.Presence.Entities...)

	if d.Buffer.Overrides != nil {
		c.Buffer.Overrides = make(map[string]buffer.Override, len(d.Buffer.Overrides))
		for id, o := range d.Buffer.Overrides {
			c.Buffer.Overrides[id] = copyOverride(o)
		}
	}

	c.Schedules = make(map[presence.Mode]Week, len(d.Schedules))
	for mode, week := range d.Schedules {
		cw := make(Week, len(week))
		for day, slots := range week {
			cs := make([]Slot, len(slots))
			for i, s := range slots {
				cs[i] = s
				if s.Buffer != nil {
					o := copyOverride(*s.Buffer)
					cs[i].Buffer = &o
				}
			}
			cw[day] = cs
		}
		c.Schedules[mode] = cw
	}
	return &c
}

func copyOverride(o buffer.Override) buffer.Override {
	var c buffer.Override
	if o.Tolerance != nil {
		v := *o.Tolerance
		c.Tolerance = &v
	}
	if o.Window != nil {
		v := *o.Window
		c.Window = &v
	}
	if o.Enabled != nil {
		v := *o.Enabled
		c.Enabled = &v
	}
	return c
}
