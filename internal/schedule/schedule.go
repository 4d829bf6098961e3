// Package schedule holds the immutable, indexed form of the static timetable.
//
// A Schedule is built once per schedule version and never mutated, so any
// number of router and departure queries can read it without locking. The
// store package swaps whole Schedules atomically.
package schedule

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"transitfuse/internal/domain"
	"transitfuse/pkg/gtfs"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

type Options struct {
	Version string
	// StationTransferSeconds is the implicit cost between two platforms of one station
	StationTransferSeconds int
	// WalkRadiusMeters enables generated walking edges between stops of different networks
	WalkRadiusMeters float64
	WalkSpeedMPS     float64
	Location         *time.Location
}

// Pattern is a RAPTOR route: trips of one route sharing a stop sequence,
// ordered by departure with no trip overtaking another.
type Pattern struct {
	ID      int
	RouteID string
	Stops   []int
	Trips   []*domain.Trip
}

// PatternStop locates a stop within a pattern
type PatternStop struct {
	Pattern  int
	Position int
}

// Transfer is an outgoing footpath in stop-index space
type Transfer struct {
	To      int
	Seconds int
	Kind    domain.TransferKind
}

// Call is one trip calling at a stop
type Call struct {
	Trip  *domain.Trip
	Index int
}

func (c Call) Entry() domain.StopTimeEntry { return c.Trip.StopTimes[c.Index] }

type Schedule struct {
	version  string
	loadedAt time.Time
	location *time.Location

	stops      map[string]*domain.Stop
	routes     map[string]*domain.Route
	trips      map[string]*domain.Trip
	calendars  map[string]*domain.Calendar
	exceptions map[string]map[string]int
	children   map[string][]string

	stopIDs      []string
	stopIndex    map[string]int
	patterns     []*Pattern
	stopPatterns [][]PatternStop
	transfers    [][]Transfer
	minChange    []int
	calls        map[string][]Call

	droppedTrips int
}

// Build validates and indexes a parsed feed. Stop hierarchy violations fail the
// build; trips with inconsistent stop times are dropped and counted.
func Build(res *gtfs.ParseResult, opts Options) (*Schedule, error) {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
		if res.Timezone != "" {
			if l, err := time.LoadLocation(res.Timezone); err == nil {
				loc = l
			}
		}
	}

	s := &Schedule{
		version:      opts.Version,
		loadedAt:     time.Now(),
		location:     loc,
		stops:        res.Stops,
		routes:       res.Routes,
		trips:        make(map[string]*domain.Trip, len(res.Trips)),
		calendars:    res.Calendars,
		exceptions:   make(map[string]map[string]int),
		children:     make(map[string][]string),
		calls:        make(map[string][]Call),
		droppedTrips: res.DroppedTrips,
	}
	if s.stops == nil {
		s.stops = make(map[string]*domain.Stop)
	}
	if s.routes == nil {
		s.routes = make(map[string]*domain.Route)
	}
	if s.calendars == nil {
		s.calendars = make(map[string]*domain.Calendar)
	}

	if err := s.indexStops(); err != nil {
		return nil, err
	}

	for id, trip := range res.Trips {
		if err := s.validTrip(trip); err != nil {
			s.droppedTrips++
			continue
		}
		s.trips[id] = trip
	}

	for _, cd := range res.CalendarDates {
		if s.exceptions[cd.ServiceID] == nil {
			s.exceptions[cd.ServiceID] = make(map[string]int)
		}
		s.exceptions[cd.ServiceID][cd.Date] = cd.ExceptionType
	}

	s.buildPatterns()
	s.buildCalls()
	s.buildTransfers(res.Transfers, opts)

	return s, nil
}

func (s *Schedule) indexStops() error {
	s.stopIDs = make([]string, 0, len(s.stops))
	for id := range s.stops {
		s.stopIDs = append(s.stopIDs, id)
	}
	sort.Strings(s.stopIDs)

	s.stopIndex = make(map[string]int, len(s.stopIDs))
	for i, id := range s.stopIDs {
		s.stopIndex[id] = i
	}

	for _, id := range s.stopIDs {
		stop := s.stops[id]
		if stop.ParentID == "" {
			continue
		}
		parent, ok := s.stops[stop.ParentID]
		if !ok {
			return fmt.Errorf("stop %s: parent %s does not exist: %w", id, stop.ParentID, ErrInvalidSchedule)
		}
		if parent.Kind != domain.StopKindStation {
			return fmt.Errorf("stop %s: parent %s is a %s: %w", id, parent.ID, parent.Kind, ErrInvalidSchedule)
		}
		if parent.Network != stop.Network {
			return fmt.Errorf("stop %s: network %q differs from station %s (%q): %w",
				id, stop.Network, parent.ID, parent.Network, ErrInvalidSchedule)
		}
		s.children[parent.ID] = append(s.children[parent.ID], id)
	}
	return nil
}

func (s *Schedule) validTrip(trip *domain.Trip) error {
	if _, ok := s.routes[trip.RouteID]; !ok {
		return fmt.Errorf("trip %s: unknown route %s", trip.ID, trip.RouteID)
	}
	if len(trip.StopTimes) < 2 {
		return fmt.Errorf("trip %s: fewer than two stop times", trip.ID)
	}
	for i, st := range trip.StopTimes {
		if _, ok := s.stops[st.StopID]; !ok {
			return fmt.Errorf("trip %s: unknown stop %s", trip.ID, st.StopID)
		}
		if st.Arrival > st.Departure {
			return fmt.Errorf("trip %s: arrival after departure at %s", trip.ID, st.StopID)
		}
		if i == 0 {
			continue
		}
		prev := trip.StopTimes[i-1]
		if st.Sequence <= prev.Sequence {
			return fmt.Errorf("trip %s: stop_sequence not increasing", trip.ID)
		}
		if st.Arrival < prev.Departure {
			return fmt.Errorf("trip %s: times decrease at %s", trip.ID, st.StopID)
		}
	}
	return nil
}

func (s *Schedule) buildPatterns() {
	groups := make(map[string][]*domain.Trip)
	var keys []string
	for _, trip := range s.trips {
		var b strings.Builder
		b.WriteString(trip.RouteID)
		for _, st := range trip.StopTimes {
			b.WriteByte('|')
			b.WriteString(st.StopID)
		}
		key := b.String()
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], trip)
	}
	sort.Strings(keys)

	s.stopPatterns = make([][]PatternStop, len(s.stopIDs))
	for _, key := range keys {
		trips := groups[key]
		sort.Slice(trips, func(i, j int) bool {
			a, b := trips[i].StopTimes[0].Departure, trips[j].StopTimes[0].Departure
			if a != b {
				return a < b
			}
			return trips[i].ID < trips[j].ID
		})

		// Split into sub-patterns so trips never overtake within one pattern.
		var subs [][]*domain.Trip
		for _, trip := range trips {
			placed := false
			for i, sub := range subs {
				if !overtakes(sub[len(sub)-1], trip) {
					subs[i] = append(sub, trip)
					placed = true
					break
				}
			}
			if !placed {
				subs = append(subs, []*domain.Trip{trip})
			}
		}

		for _, sub := range subs {
			p := &Pattern{ID: len(s.patterns), RouteID: sub[0].RouteID, Trips: sub}
			for pos, st := range sub[0].StopTimes {
				idx := s.stopIndex[st.StopID]
				p.Stops = append(p.Stops, idx)
				s.stopPatterns[idx] = append(s.stopPatterns[idx], PatternStop{Pattern: p.ID, Position: pos})
			}
			s.patterns = append(s.patterns, p)
		}
	}
}

// overtakes reports whether next is earlier than prev at any stop
func overtakes(prev, next *domain.Trip) bool {
	for i := range prev.StopTimes {
		if next.StopTimes[i].Departure < prev.StopTimes[i].Departure ||
			next.StopTimes[i].Arrival < prev.StopTimes[i].Arrival {
			return true
		}
	}
	return false
}

func (s *Schedule) buildCalls() {
	for _, trip := range s.trips {
		for i, st := range trip.StopTimes {
			s.calls[st.StopID] = append(s.calls[st.StopID], Call{Trip: trip, Index: i})
		}
	}
	for stopID, calls := range s.calls {
		sort.Slice(calls, func(i, j int) bool {
			a, b := calls[i].Entry().Departure, calls[j].Entry().Departure
			if a != b {
				return a < b
			}
			return calls[i].Trip.ID < calls[j].Trip.ID
		})
		s.calls[stopID] = calls
	}
}

func (s *Schedule) Version() string          { return s.version }
func (s *Schedule) LoadedAt() time.Time      { return s.loadedAt }
func (s *Schedule) Location() *time.Location { return s.location }

func (s *Schedule) Stop(id string) (*domain.Stop, bool) {
	stop, ok := s.stops[id]
	return stop, ok
}

func (s *Schedule) Route(id string) (*domain.Route, bool) {
	r, ok := s.routes[id]
	return r, ok
}

func (s *Schedule) Trip(id string) (*domain.Trip, bool) {
	t, ok := s.trips[id]
	return t, ok
}

// Stops lists every stop ordered by id
func (s *Schedule) Stops() []*domain.Stop {
	out := make([]*domain.Stop, 0, len(s.stops))
	for _, stop := range s.stops {
		out = append(out, stop)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Schedule) Routes() []*domain.Route {
	out := make([]*domain.Route, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lines lists the distinct line labels calling at a stop
func (s *Schedule) Lines(stopID string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range s.calls[stopID] {
		r, ok := s.routes[c.Trip.RouteID]
		if !ok || seen[r.Line()] {
			continue
		}
		seen[r.Line()] = true
		out = append(out, r.Line())
	}
	sort.Strings(out)
	return out
}

// Station returns the parent station of a platform, or the stop itself
func (s *Schedule) Station(id string) string {
	if stop, ok := s.stops[id]; ok && stop.ParentID != "" {
		return stop.ParentID
	}
	return id
}

// Platforms expands a station to its boardable child stops. A platform or
// stand-alone stop expands to itself; unknown ids expand to nil.
func (s *Schedule) Platforms(id string) []string {
	stop, ok := s.stops[id]
	if !ok {
		return nil
	}
	if stop.Kind != domain.StopKindStation {
		return []string{id}
	}
	var out []string
	for _, child := range s.children[id] {
		if s.stops[child].Kind == domain.StopKindPlatform {
			out = append(out, child)
		}
	}
	sort.Strings(out)
	return out
}

// SameStation reports whether two stops share a parent station
func (s *Schedule) SameStation(a, b string) bool {
	if a == b {
		return true
	}
	sa, sb := s.stops[a], s.stops[b]
	return sa != nil && sb != nil && sa.ParentID != "" && sa.ParentID == sb.ParentID
}

// ServiceActive reports whether a service runs on date. A zero date matches
// every service; a service id with neither calendar nor exceptions runs daily.
func (s *Schedule) ServiceActive(serviceID string, date time.Time) bool {
	if date.IsZero() {
		return true
	}
	ymd := date.Format("20060102")
	if ex, ok := s.exceptions[serviceID][ymd]; ok {
		return ex == 1
	}
	cal, ok := s.calendars[serviceID]
	if !ok {
		_, hasExceptions := s.exceptions[serviceID]
		return !hasExceptions
	}
	if ymd < cal.StartDate || (cal.EndDate != "" && ymd > cal.EndDate) {
		return false
	}
	return cal.Weekdays[date.Weekday()]
}

// Calls returns the trips calling at stopID ordered by scheduled departure
func (s *Schedule) Calls(stopID string) []Call {
	return s.calls[stopID]
}

// Candidate is a scheduled call considered by time-window matching.
// Time is relative to the service date the caller asked for.
type Candidate struct {
	TripID string
	StopID string
	Time   domain.ScheduleTime
}

// Candidates lists calls of routeID at stopID (or a sibling platform) on date,
// including previous-day trips running past midnight.
func (s *Schedule) Candidates(routeID string, directionID *int, stopID string, date time.Time) []Candidate {
	stopIDs := []string{stopID}
	if station := s.Station(stopID); station != stopID {
		stopIDs = s.Platforms(station)
	}

	prevDay := date.AddDate(0, 0, -1)
	var out []Candidate
	for _, sid := range stopIDs {
		for _, c := range s.calls[sid] {
			trip := c.Trip
			if trip.RouteID != routeID {
				continue
			}
			if directionID != nil && trip.DirectionID != *directionID {
				continue
			}
			dep := c.Entry().Departure
			if s.ServiceActive(trip.ServiceID, date) {
				out = append(out, Candidate{TripID: trip.ID, StopID: sid, Time: dep})
			}
			if dep >= domain.Day && s.ServiceActive(trip.ServiceID, prevDay) {
				out = append(out, Candidate{TripID: trip.ID, StopID: sid, Time: dep - domain.Day})
			}
		}
	}
	return out
}

// Stats summarises a schedule version
type Stats struct {
	Version      string    `json:"version"`
	Stops        int       `json:"stops"`
	Routes       int       `json:"routes"`
	Trips        int       `json:"trips"`
	Patterns     int       `json:"patterns"`
	Transfers    int       `json:"transfers"`
	DroppedTrips int       `json:"dropped_trips"`
	LoadedAt     time.Time `json:"loaded_at"`
}

func (s *Schedule) Stats() Stats {
	transfers := 0
	for _, t := range s.transfers {
		transfers += len(t)
	}
	return Stats{
		Version:      s.version,
		Stops:        len(s.stops),
		Routes:       len(s.routes),
		Trips:        len(s.trips),
		Patterns:     len(s.patterns),
		Transfers:    transfers,
		DroppedTrips: s.droppedTrips,
		LoadedAt:     s.loadedAt,
	}
}

// Router-facing index accessors.

func (s *Schedule) NumStops() int { return len(s.stopIDs) }

func (s *Schedule) StopIndex(id string) (int, bool) {
	i, ok := s.stopIndex[id]
	return i, ok
}

func (s *Schedule) StopID(idx int) string { return s.stopIDs[idx] }

func (s *Schedule) Pattern(id int) *Pattern { return s.patterns[id] }

func (s *Schedule) PatternsAt(idx int) []PatternStop { return s.stopPatterns[idx] }

func (s *Schedule) TransfersFrom(idx int) []Transfer { return s.transfers[idx] }

// MinChange is the minimum time to re-board at the stop a ride alighted at
func (s *Schedule) MinChange(idx int) int { return s.minChange[idx] }
