package domain

import "time"

// VehicleStatus mirrors the GTFS-RT vehicle stop status
type VehicleStatus string

const (
	VehicleIncomingAt  VehicleStatus = "incoming_at"
	VehicleStoppedAt   VehicleStatus = "stopped_at"
	VehicleInTransitTo VehicleStatus = "in_transit_to"
)

// Occupancy is a coarse crowding level
type Occupancy string

const (
	OccupancyUnknown      Occupancy = ""
	OccupancyEmpty        Occupancy = "empty"
	OccupancyManySeats    Occupancy = "many_seats"
	OccupancyFewSeats     Occupancy = "few_seats"
	OccupancyStandingRoom Occupancy = "standing_room"
	OccupancyCrushed      Occupancy = "crushed"
	OccupancyFull         Occupancy = "full"
	OccupancyNotAccepting Occupancy = "not_accepting"
)

// VehicleFix is the position part of a reconciled vehicle observation
type VehicleFix struct {
	VehicleID string        `json:"vehicle_id"`
	Lat       float64       `json:"lat"`
	Lon       float64       `json:"lon"`
	Bearing   *float64      `json:"bearing,omitempty"`
	Status    VehicleStatus `json:"status,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// AlertInfo is the reconciled payload of an Alert observation
type AlertInfo struct {
	ID          string    `json:"id"`
	RouteIDs    []string  `json:"route_ids,omitempty"`
	StopIDs     []string  `json:"stop_ids,omitempty"`
	TripIDs     []string  `json:"trip_ids,omitempty"`
	Header      string    `json:"header"`
	Description string    `json:"description,omitempty"`
	ActiveFrom  time.Time `json:"active_from,omitempty"`
	ActiveUntil time.Time `json:"active_until,omitempty"`
}

// ActiveAt reports whether the alert's window contains t. Zero bounds are open.
func (a *AlertInfo) ActiveAt(t time.Time) bool {
	if !a.ActiveFrom.IsZero() && t.Before(a.ActiveFrom) {
		return false
	}
	if !a.ActiveUntil.IsZero() && !t.Before(a.ActiveUntil) {
		return false
	}
	return true
}
