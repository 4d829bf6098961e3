package domain

// RouteType distinguishes transport types in GTFS
type RouteType int

const (
	RouteTypeTram       RouteType = 0
	RouteTypeSubway     RouteType = 1
	RouteTypeRail       RouteType = 2
	RouteTypeBus        RouteType = 3
	RouteTypeFerry      RouteType = 4
	RouteTypeCableTram  RouteType = 5
	RouteTypeAerialLift RouteType = 6
	RouteTypeFunicular  RouteType = 7
)

func (t RouteType) String() string {
	switch t {
	case RouteTypeTram:
		return "tram"
	case RouteTypeSubway:
		return "subway"
	case RouteTypeRail:
		return "rail"
	case RouteTypeBus:
		return "bus"
	case RouteTypeFerry:
		return "ferry"
	case RouteTypeCableTram:
		return "cable_tram"
	case RouteTypeAerialLift:
		return "aerial_lift"
	case RouteTypeFunicular:
		return "funicular"
	default:
		return "unknown"
	}
}

// StopKind maps GTFS location_type onto the three kinds the router cares about
type StopKind string

const (
	StopKindPlatform StopKind = "platform"
	StopKindStation  StopKind = "station"
	StopKindEntrance StopKind = "entrance"
)

// StopKindFromLocationType converts a GTFS location_type value.
// Generic nodes and boarding areas are treated as entrances: they are never boarded from.
func StopKindFromLocationType(v int) StopKind {
	switch v {
	case 0:
		return StopKindPlatform
	case 1:
		return StopKindStation
	default:
		return StopKindEntrance
	}
}

// Route represents a transit route from GTFS
type Route struct {
	ID        string    `json:"id"`
	AgencyID  string    `json:"agency_id,omitempty"`
	ShortName string    `json:"short_name"`
	LongName  string    `json:"long_name"`
	Type      RouteType `json:"type"`
	Color     string    `json:"color,omitempty"`
}

// Line returns the public-facing line label
func (r *Route) Line() string {
	if r.ShortName != "" {
		return r.ShortName
	}
	return r.LongName
}

// Stop represents a transit stop, station or entrance.
// IDs are canonical: operator-prefixed, e.g. RENFE_71801.
type Stop struct {
	ID           string   `json:"id"`
	Code         string   `json:"code,omitempty"`
	Name         string   `json:"name"`
	Lat          float64  `json:"lat"`
	Lon          float64  `json:"lon"`
	ParentID     string   `json:"parent_id,omitempty"`
	Kind         StopKind `json:"kind"`
	Network      string   `json:"network"`
	PlatformCode string   `json:"platform_code,omitempty"`
}

// StopTimeEntry is a scheduled call of a trip at a stop
type StopTimeEntry struct {
	StopID    string       `json:"stop_id"`
	Sequence  int          `json:"stop_sequence"`
	Arrival   ScheduleTime `json:"arrival"`
	Departure ScheduleTime `json:"departure"`
}

// Trip belongs to one route and one service calendar
type Trip struct {
	ID          string          `json:"id"`
	RouteID     string          `json:"route_id"`
	ServiceID   string          `json:"service_id"`
	Headsign    string          `json:"headsign"`
	DirectionID int             `json:"direction_id"`
	StopTimes   []StopTimeEntry `json:"stop_times"`
}

// StopIndex returns the position of stopID within the trip, or -1
func (t *Trip) StopIndex(stopID string) int {
	for i := range t.StopTimes {
		if t.StopTimes[i].StopID == stopID {
			return i
		}
	}
	return -1
}

// Calendar represents service availability by day of week
type Calendar struct {
	ServiceID string
	Weekdays  [7]bool // indexed by time.Weekday
	StartDate string  // YYYYMMDD
	EndDate   string  // YYYYMMDD
}

// CalendarDate represents service exceptions
type CalendarDate struct {
	ServiceID     string
	Date          string // YYYYMMDD
	ExceptionType int    // 1 = added, 2 = removed
}

// TransferKind classifies a transfer edge
type TransferKind string

const (
	TransferSameStation       TransferKind = "same-station"
	TransferIntraOperator     TransferKind = "intra-operator"
	TransferInterOperatorWalk TransferKind = "inter-operator-walk"
)

// TransferEdge is a directed footpath between two stops
type TransferEdge struct {
	From       string       `json:"from"`
	To         string       `json:"to"`
	MinSeconds int          `json:"min_transfer_seconds"`
	Kind       TransferKind `json:"kind"`
}
