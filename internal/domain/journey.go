package domain

import "time"

type LegKind string

const (
	LegRide LegKind = "ride"
	LegWalk LegKind = "walk"
)

// Leg is either a ride on a trip or a walk between two stops.
// When From/To were rewritten to a queried station, the platform actually
// used is kept in FromPlatform/ToPlatform.
type Leg struct {
	Kind         LegKind      `json:"kind"`
	TripID       string       `json:"trip_id,omitempty"`
	RouteID      string       `json:"route_id,omitempty"`
	Line         string       `json:"line,omitempty"`
	Headsign     string       `json:"headsign,omitempty"`
	From         string       `json:"from"`
	To           string       `json:"to"`
	FromPlatform string       `json:"from_platform,omitempty"`
	ToPlatform   string       `json:"to_platform,omitempty"`
	Depart       ScheduleTime `json:"depart"`
	Arrive       ScheduleTime `json:"arrive"`
	Duration     int          `json:"duration_seconds"`
	Delay        int          `json:"delay_seconds,omitempty"`
}

// Journey is an ordered list of legs from Origin to Destination
type Journey struct {
	Origin      string       `json:"origin"`
	Destination string       `json:"destination"`
	Depart      ScheduleTime `json:"depart"`
	Arrive      ScheduleTime `json:"arrive"`
	Boardings   int          `json:"boardings"`
	WalkSeconds int          `json:"walk_seconds"`
	Legs        []Leg        `json:"legs"`
}

// Duration is the time between the first departure and the final arrival
func (j *Journey) Duration() time.Duration {
	return time.Duration(j.Arrive-j.Depart) * time.Second
}

// Departure is one row of a departure board
type Departure struct {
	TripID        *string   `json:"canonical_trip_id"`
	ProvisionalID string    `json:"provisional_id,omitempty"`
	Operator      string    `json:"operator,omitempty"`
	RouteID       string    `json:"route_id,omitempty"`
	Line          string    `json:"line"`
	Headsign      string    `json:"headsign"`
	StopID        string    `json:"stop_id"`
	Platform      string    `json:"platform,omitempty"`
	Scheduled     time.Time `json:"scheduled,omitempty"`
	Expected      time.Time `json:"expected"`
	Delay         *int      `json:"delay_seconds,omitempty"`
	Occupancy     Occupancy `json:"occupancy,omitempty"`
	Source        Source    `json:"source"`
}
