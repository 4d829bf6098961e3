package domain

import "time"

type ObservationKind string

const (
	KindVehiclePosition ObservationKind = "vehicle_position"
	KindStopTimeUpdate  ObservationKind = "stop_time_update"
	KindAlert           ObservationKind = "alert"
)

// Observation is a canonical real-time fact produced by a feed adapter.
// Raw ids are operator-native and must be reconciled before use.
type Observation interface {
	Kind() ObservationKind
	OperatorID() string
	ObservedAt() time.Time
	observation()
}

type VehiclePosition struct {
	Operator   string
	VehicleID  string
	RawTripID  string
	RawRouteID string
	RawStopID  string
	Lat        float64
	Lon        float64
	Bearing    *float64
	Status     VehicleStatus
	Occupancy  Occupancy
	Timestamp  time.Time
}

// StopTimeUpdate carries a prediction for one trip at one stop.
// Delays are in seconds; absolute times are used when the feed gives no delay.
type StopTimeUpdate struct {
	Operator       string
	RawTripID      string
	RawRouteID     string
	RawStopID      string
	DirectionID    *int
	StartDate      string // YYYYMMDD, optional
	StopSequence   *int
	ArrivalDelay   *int
	DepartureDelay *int
	ArrivalTime    *time.Time
	DepartureTime  *time.Time
	Platform       *string
	Occupancy      Occupancy
	Line           string
	Headsign       string
	// Provisional marks RawTripID as synthesized by the adapter
	Provisional bool
	Timestamp   time.Time
}

type Alert struct {
	Operator    string
	ID          string
	RawTripIDs  []string
	RawStopIDs  []string
	RawRouteIDs []string
	Header      string
	Description string
	ActiveFrom  time.Time
	ActiveUntil time.Time
	Timestamp   time.Time
}

func (*VehiclePosition) Kind() ObservationKind { return KindVehiclePosition }
func (*StopTimeUpdate) Kind() ObservationKind  { return KindStopTimeUpdate }
func (*Alert) Kind() ObservationKind           { return KindAlert }

func (o *VehiclePosition) OperatorID() string { return o.Operator }
func (o *StopTimeUpdate) OperatorID() string  { return o.Operator }
func (o *Alert) OperatorID() string           { return o.Operator }

func (o *VehiclePosition) ObservedAt() time.Time { return o.Timestamp }
func (o *StopTimeUpdate) ObservedAt() time.Time  { return o.Timestamp }
func (o *Alert) ObservedAt() time.Time           { return o.Timestamp }

func (*VehiclePosition) observation() {}
func (*StopTimeUpdate) observation()  {}
func (*Alert) observation()           {}

// Delay returns the departure delay, falling back to the arrival delay
func (u *StopTimeUpdate) Delay() *int {
	if u.DepartureDelay != nil {
		return u.DepartureDelay
	}
	return u.ArrivalDelay
}

// EventTime returns the predicted departure instant, falling back to arrival
func (u *StopTimeUpdate) EventTime() *time.Time {
	if u.DepartureTime != nil {
		return u.DepartureTime
	}
	return u.ArrivalTime
}
