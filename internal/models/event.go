package models

import "time"

// EventCategory is the hazard type of an Event.
type EventCategory string

const (
	CategoryFire  EventCategory = "fire"
	CategoryFlood EventCategory = "flood"
	CategoryStorm EventCategory = "storm"
	CategoryOther EventCategory = "other"
)

// ParseEventCategory maps upstream category names onto the known set.
// Unknown names become CategoryOther.
func ParseEventCategory(s string) EventCategory {
	switch EventCategory(s) {
	case CategoryFire, CategoryFlood, CategoryStorm:
		return EventCategory(s)
	}
	switch s {
	case "wildfires", "wildfire":
		return CategoryFire
	case "floods":
		return CategoryFlood
	case "severeStorms", "severe_storms", "storms":
		return CategoryStorm
	}
	return CategoryOther
}

// EventStatus is open while the hazard is ongoing.
type EventStatus string

const (
	StatusOpen   EventStatus = "open"
	StatusClosed EventStatus = "closed"
)

// Valid reports whether s is a known status.
func (s EventStatus) Valid() bool {
	return s == StatusOpen || s == StatusClosed
}

// Event is a point hazard ingested from an upstream feed. ExternalSourceID
// is unique; re-ingesting it updates the existing record.
type Event struct {
	ObservedAt       time.Time     `json:"observedAt"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
	ID               string        `json:"id"`
	ExternalSourceID string        `json:"externalSourceId"`
	Category         EventCategory `json:"category"`
	Status           EventStatus   `json:"status"`
	Payload          []byte        `json:"payload,omitempty"`
	Point            Point         `json:"point"`
	Seq              int64         `json:"-"`
}

// EventFilter narrows a proximity query over events. An empty Categories
// set matches every category; closed events are excluded unless
// IncludeClosed is set.
type EventFilter struct {
	Categories    []EventCategory
	IncludeClosed bool
}

// Matches applies the filter to a single event.
func (f EventFilter) Matches(e Event) bool {
	if !f.IncludeClosed && e.Status != StatusOpen {
		return false
	}
	if len(f.Categories) == 0 {
		return true
	}
	for _, c := range f.Categories {
		if c == e.Category {
			return true
		}
	}
	return false
}

// CategoryStrings returns the category set as plain strings for SQL arrays.
func (f EventFilter) CategoryStrings() []string {
	out := make([]string, len(f.Categories))
	for i, c := range f.Categories {
		out[i] = string(c)
	}
	return out
}
