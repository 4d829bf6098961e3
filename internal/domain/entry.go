package domain

import "time"

// Source records how an entry relates to the static schedule
type Source string

const (
	SourceJoined   Source = "joined"
	SourceRTDirect Source = "rt-direct"
	SourceStale    Source = "stale"
	// SourceStatic is only used on departures with no real-time data
	SourceStatic Source = "static"
)

// ReconciledEntry is a real-time fact expressed in canonical ids.
// Kind tells which payload is populated: stop-time entries are keyed by
// (trip or provisional id, stop); vehicle and alert entries by their own ids.
type ReconciledEntry struct {
	Kind          ObservationKind `json:"kind"`
	Operator      string          `json:"operator"`
	TripID        *string         `json:"canonical_trip_id"`
	ProvisionalID string          `json:"provisional_id,omitempty"`
	StopID        string          `json:"canonical_stop_id,omitempty"`
	RouteID       string          `json:"route_id,omitempty"`
	Line          string          `json:"line,omitempty"`
	Headsign      string          `json:"headsign,omitempty"`
	Delay         *int            `json:"delay_seconds,omitempty"`
	Platform      *string         `json:"platform,omitempty"`
	Occupancy     Occupancy       `json:"occupancy,omitempty"`
	Source        Source          `json:"source"`
	// Expected is the predicted departure instant, when known
	Expected   time.Time   `json:"expected,omitempty"`
	ObservedAt time.Time   `json:"observed_at"`
	Vehicle    *VehicleFix `json:"vehicle,omitempty"`
	Alert      *AlertInfo  `json:"alert,omitempty"`
}

// TripKey is the canonical trip id, or the provisional id for rt-direct entries
func (e *ReconciledEntry) TripKey() string {
	if e.TripID != nil {
		return *e.TripID
	}
	return e.ProvisionalID
}

// Key identifies the slot an entry overwrites in the real-time store
func (e *ReconciledEntry) Key() string {
	switch e.Kind {
	case KindVehiclePosition:
		return "vehicle|" + e.Operator + "|" + e.vehicleID()
	case KindAlert:
		if e.Alert != nil {
			return "alert|" + e.Operator + "|" + e.Alert.ID
		}
		return "alert|" + e.Operator + "|"
	default:
		return e.TripKey() + "|" + e.StopID
	}
}

func (e *ReconciledEntry) vehicleID() string {
	if e.Vehicle != nil {
		return e.Vehicle.VehicleID
	}
	return ""
}

// DelaySeconds returns the delay or zero
func (e *ReconciledEntry) DelaySeconds() int {
	if e.Delay == nil {
		return 0
	}
	return *e.Delay
}

// StringPtr returns a pointer to a copy of s
func StringPtr(s string) *string { return &s }

// IntPtr returns a pointer to a copy of v
func IntPtr(v int) *int { return &v }
