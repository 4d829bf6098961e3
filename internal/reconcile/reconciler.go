package reconcile

import (
	"fmt"
	"time"

	"transitfuse/internal/domain"
	"transitfuse/internal/schedule"
)

// ScheduleSource yields the schedule version observations are matched against
type ScheduleSource interface {
	Current() *schedule.Schedule
}

// Reconciler is stateless: the same observation and rules always produce the
// same entry or the same error.
type Reconciler struct {
	schedules ScheduleSource
}

func New(schedules ScheduleSource) *Reconciler {
	return &Reconciler{schedules: schedules}
}

func (r *Reconciler) Reconcile(obs domain.Observation, rules *Rules) (domain.ReconciledEntry, error) {
	sch := r.schedules.Current()
	switch o := obs.(type) {
	case *domain.StopTimeUpdate:
		return r.stopTimeUpdate(sch, o, rules)
	case *domain.VehiclePosition:
		return r.vehiclePosition(sch, o, rules)
	case *domain.Alert:
		return r.alert(sch, o, rules), nil
	}
	return domain.ReconciledEntry{}, fmt.Errorf("unsupported observation %T", obs)
}

func (r *Reconciler) stopTimeUpdate(sch *schedule.Schedule, u *domain.StopTimeUpdate, rules *Rules) (domain.ReconciledEntry, error) {
	if rules.IsSentinel(u.RawTripID) {
		return domain.ReconciledEntry{}, domain.ErrSentinelTrip
	}

	entry := domain.ReconciledEntry{
		Kind:       domain.KindStopTimeUpdate,
		Operator:   rules.Operator,
		StopID:     rules.Stop.Apply(u.RawStopID),
		RouteID:    rules.Route.Apply(u.RawRouteID),
		Line:       u.Line,
		Headsign:   u.Headsign,
		Delay:      copyInt(u.Delay()),
		Platform:   copyString(u.Platform),
		Occupancy:  u.Occupancy,
		ObservedAt: u.Timestamp,
	}
	if ev := u.EventTime(); ev != nil {
		entry.Expected = *ev
	}

	if rules.Strategy == StrategyUnjoinable {
		if u.RawTripID == "" {
			return domain.ReconciledEntry{}, fmt.Errorf("no provisional id: %w", domain.ErrUnresolved)
		}
		entry.ProvisionalID = u.RawTripID
		entry.Source = domain.SourceRTDirect
		return entry, nil
	}

	if sch == nil {
		return domain.ReconciledEntry{}, fmt.Errorf("no schedule loaded: %w", domain.ErrScheduleStale)
	}
	if entry.StopID != "" {
		if _, ok := sch.Stop(entry.StopID); !ok {
			return domain.ReconciledEntry{}, fmt.Errorf("stop %s: %w", entry.StopID, domain.ErrScheduleStale)
		}
	}

	var (
		tripID string
		date   time.Time
	)
	switch rules.Strategy {
	case StrategyTimeWindow:
		c, d, err := matchByTime(sch, u, entry, rules)
		if err != nil {
			return domain.ReconciledEntry{}, err
		}
		tripID, date = c.TripID, d
	default:
		tripID = rules.Trip.Apply(u.RawTripID)
		if tripID == "" {
			return domain.ReconciledEntry{}, fmt.Errorf("empty trip id: %w", domain.ErrUnresolved)
		}
	}

	trip, ok := sch.Trip(tripID)
	if !ok {
		return domain.ReconciledEntry{}, fmt.Errorf("trip %s: %w", tripID, domain.ErrScheduleStale)
	}

	idx := callIndex(sch, trip, entry.StopID, u.StopSequence)
	if idx < 0 {
		return domain.ReconciledEntry{}, fmt.Errorf("trip %s does not call at %q: %w", tripID, entry.StopID, domain.ErrUnresolved)
	}
	call := trip.StopTimes[idx]

	if entry.StopID != "" && entry.StopID != call.StopID && entry.Platform == nil {
		if actual, ok := sch.Stop(entry.StopID); ok && actual.PlatformCode != "" {
			entry.Platform = domain.StringPtr(actual.PlatformCode)
		} else {
			entry.Platform = domain.StringPtr(entry.StopID)
		}
	}

	entry.TripID = domain.StringPtr(trip.ID)
	entry.StopID = call.StopID
	entry.RouteID = trip.RouteID
	entry.Source = domain.SourceJoined
	if entry.Headsign == "" {
		entry.Headsign = trip.Headsign
	}
	if entry.Line == "" {
		if route, ok := sch.Route(trip.RouteID); ok {
			entry.Line = route.Line()
		}
	}

	scheduled := call.Departure
	if u.DepartureTime == nil && u.ArrivalTime != nil {
		scheduled = call.Arrival
	}
	if date.IsZero() {
		date = serviceDate(u, scheduled, rules.Location)
	}
	if date.IsZero() {
		return entry, nil
	}

	if entry.Delay == nil && u.EventTime() != nil {
		entry.Delay = domain.IntPtr(int(domain.SinceServiceDay(u.EventTime().In(rules.Location), date) - scheduled))
	}
	if entry.Expected.IsZero() {
		entry.Expected = call.Departure.On(date).Add(time.Duration(entry.DelaySeconds()) * time.Second)
	}
	return entry, nil
}

// matchByTime resolves a trip-less update by route, direction and stop. The
// reference is the scheduled-equivalent time: the event time minus any known delay.
func matchByTime(sch *schedule.Schedule, u *domain.StopTimeUpdate, entry domain.ReconciledEntry, rules *Rules) (schedule.Candidate, time.Time, error) {
	if entry.RouteID == "" || entry.StopID == "" {
		return schedule.Candidate{}, time.Time{}, fmt.Errorf("time-window needs route and stop: %w", domain.ErrUnresolved)
	}

	ref := u.Timestamp
	if ev := u.EventTime(); ev != nil {
		ref = *ev
	}
	if ref.IsZero() {
		return schedule.Candidate{}, time.Time{}, fmt.Errorf("time-window needs a timestamp: %w", domain.ErrUnresolved)
	}
	if d := u.Delay(); d != nil {
		ref = ref.Add(-time.Duration(*d) * time.Second)
	}
	ref = ref.In(rules.Location)

	date := domain.ServiceDate(ref)
	if u.StartDate != "" {
		if d, err := domain.ParseServiceDate(u.StartDate, rules.Location); err == nil {
			date = d
		}
	}

	cands := sch.Candidates(entry.RouteID, u.DirectionID, entry.StopID, date)
	c, err := MatchWindow(cands, domain.SinceServiceDay(ref, date), rules.Window)
	if err != nil {
		return schedule.Candidate{}, time.Time{}, fmt.Errorf("route %s at %s: %w", entry.RouteID, entry.StopID, err)
	}

	// Previous-day candidates are shifted back by one day; their trips run on
	// the earlier service date.
	if c.Time < domain.Day && onPreviousDay(sch, c) {
		date = date.AddDate(0, 0, -1)
	}
	return c, date, nil
}

func onPreviousDay(sch *schedule.Schedule, c schedule.Candidate) bool {
	trip, ok := sch.Trip(c.TripID)
	if !ok {
		return false
	}
	for _, st := range trip.StopTimes {
		if st.StopID == c.StopID {
			return st.Departure >= domain.Day
		}
	}
	return false
}

// callIndex finds the trip's call at stopID, accepting a sibling platform of
// the same station, or by stop sequence when the update has no stop.
func callIndex(sch *schedule.Schedule, trip *domain.Trip, stopID string, seq *int) int {
	if stopID == "" {
		if seq == nil {
			return -1
		}
		for i, st := range trip.StopTimes {
			if st.Sequence == *seq {
				return i
			}
		}
		return -1
	}
	if i := trip.StopIndex(stopID); i >= 0 {
		return i
	}
	for i, st := range trip.StopTimes {
		if sch.SameStation(st.StopID, stopID) {
			return i
		}
	}
	return -1
}

// serviceDate picks the service day the update refers to: the declared start
// date, otherwise whichever of today and yesterday puts the event closest to
// the scheduled time.
func serviceDate(u *domain.StopTimeUpdate, scheduled domain.ScheduleTime, loc *time.Location) time.Time {
	if u.StartDate != "" {
		if d, err := domain.ParseServiceDate(u.StartDate, loc); err == nil {
			return d
		}
	}

	ref := u.Timestamp
	if ev := u.EventTime(); ev != nil {
		ref = *ev
	}
	if ref.IsZero() {
		return time.Time{}
	}
	ref = ref.In(loc)

	today := domain.ServiceDate(ref)
	yesterday := today.AddDate(0, 0, -1)
	if absDiff(domain.SinceServiceDay(ref, yesterday), scheduled) < absDiff(domain.SinceServiceDay(ref, today), scheduled) {
		return yesterday
	}
	return today
}

func (r *Reconciler) vehiclePosition(sch *schedule.Schedule, v *domain.VehiclePosition, rules *Rules) (domain.ReconciledEntry, error) {
	if rules.IsSentinel(v.RawTripID) {
		return domain.ReconciledEntry{}, domain.ErrSentinelTrip
	}

	entry := domain.ReconciledEntry{
		Kind:       domain.KindVehiclePosition,
		Operator:   rules.Operator,
		StopID:     rules.Stop.Apply(v.RawStopID),
		RouteID:    rules.Route.Apply(v.RawRouteID),
		Occupancy:  v.Occupancy,
		Source:     domain.SourceRTDirect,
		ObservedAt: v.Timestamp,
		Vehicle: &domain.VehicleFix{
			VehicleID: v.VehicleID,
			Lat:       v.Lat,
			Lon:       v.Lon,
			Bearing:   v.Bearing,
			Status:    v.Status,
			Timestamp: v.Timestamp,
		},
	}

	switch rules.Strategy {
	case StrategyExact, StrategyPrefixRepair:
		tripID := rules.Trip.Apply(v.RawTripID)
		if tripID == "" {
			return entry, nil
		}
		if sch == nil {
			return domain.ReconciledEntry{}, fmt.Errorf("no schedule loaded: %w", domain.ErrScheduleStale)
		}
		trip, ok := sch.Trip(tripID)
		if !ok {
			return domain.ReconciledEntry{}, fmt.Errorf("trip %s: %w", tripID, domain.ErrScheduleStale)
		}
		entry.TripID = domain.StringPtr(trip.ID)
		entry.RouteID = trip.RouteID
		entry.Headsign = trip.Headsign
		entry.Source = domain.SourceJoined
		if route, ok := sch.Route(trip.RouteID); ok {
			entry.Line = route.Line()
		}
	default:
		entry.ProvisionalID = v.RawTripID
	}
	return entry, nil
}

func (r *Reconciler) alert(sch *schedule.Schedule, a *domain.Alert, rules *Rules) domain.ReconciledEntry {
	info := &domain.AlertInfo{
		ID:          a.ID,
		Header:      a.Header,
		Description: a.Description,
		ActiveFrom:  a.ActiveFrom,
		ActiveUntil: a.ActiveUntil,
	}
	for _, id := range a.RawStopIDs {
		if id = rules.Stop.Apply(id); id != "" {
			info.StopIDs = append(info.StopIDs, id)
		}
	}
	for _, id := range a.RawRouteIDs {
		if id = rules.Route.Apply(id); id != "" {
			info.RouteIDs = append(info.RouteIDs, id)
		}
	}

	source := domain.SourceRTDirect
	if rules.Strategy == StrategyExact || rules.Strategy == StrategyPrefixRepair {
		source = domain.SourceJoined
		for _, raw := range a.RawTripIDs {
			if rules.IsSentinel(raw) {
				continue
			}
			id := rules.Trip.Apply(raw)
			if id == "" {
				continue
			}
			if sch != nil {
				if _, ok := sch.Trip(id); !ok {
					continue
				}
			}
			info.TripIDs = append(info.TripIDs, id)
		}
	}

	return domain.ReconciledEntry{
		Kind:       domain.KindAlert,
		Operator:   rules.Operator,
		Source:     source,
		ObservedAt: a.Timestamp,
		Alert:      info,
	}
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	return domain.IntPtr(*v)
}

func copyString(v *string) *string {
	if v == nil {
		return nil
	}
	return domain.StringPtr(*v)
}
