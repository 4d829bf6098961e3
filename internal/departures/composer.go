// Package departures composes per-stop departure boards from the static
// schedule and the real-time store.
package departures

import (
	"slices"
	"sort"
	"time"

	"transitfuse/internal/domain"
	"transitfuse/internal/reconcile"
	"transitfuse/internal/schedule"
)

const (
	DefaultLimit     = 20
	MaxLimit         = 200
	DefaultLookahead = 2 * time.Hour
)

type ScheduleSource interface {
	Current() *schedule.Schedule
}

type EntrySource interface {
	ByStop(stopID string) []domain.ReconciledEntry
	ByTrip(tripID string) []domain.ReconciledEntry
}

// StrategySource tells which operators cannot be joined to the schedule
type StrategySource interface {
	Strategy(operator string) reconcile.Strategy
}

type Options struct {
	Lookahead time.Duration
	// Grace keeps departures that left this long ago on the board
	Grace time.Duration
	Now   func() time.Time
}

type Composer struct {
	schedules  ScheduleSource
	entries    EntrySource
	strategies StrategySource
	lookahead  time.Duration
	grace      time.Duration
	now        func() time.Time
}

func New(schedules ScheduleSource, entries EntrySource, strategies StrategySource, opts Options) *Composer {
	if opts.Lookahead <= 0 {
		opts.Lookahead = DefaultLookahead
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Composer{
		schedules:  schedules,
		entries:    entries,
		strategies: strategies,
		lookahead:  opts.Lookahead,
		grace:      opts.Grace,
		now:        opts.Now,
	}
}

// rank orders departures sharing an expected time
var rank = map[domain.Source]int{
	domain.SourceJoined:   0,
	domain.SourceStale:    1,
	domain.SourceStatic:   2,
	domain.SourceRTDirect: 3,
}

// Departures lists upcoming departures at a stop or at every platform of a
// station, ordered by expected time. It never fails: an unknown stop or a
// store with no entries yields fewer rows, not an error.
func (c *Composer) Departures(stopID string, limit int) []domain.Departure {
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	sch := c.schedules.Current()
	var platforms []string
	if sch != nil {
		platforms = sch.Platforms(stopID)
	} else {
		platforms = []string{stopID}
	}

	now := c.now()
	if sch != nil {
		now = now.In(sch.Location())
	}
	from := now.Add(-c.grace)
	until := now.Add(c.lookahead)

	out := make([]domain.Departure, 0, limit)
	for _, p := range platforms {
		stopEntries := c.entries.ByStop(p)
		if sch != nil && !c.unjoinable(sch, p) {
			out = append(out, c.scheduled(sch, p, stopEntries, from, until)...)
		}
		out = append(out, direct(sch, p, stopEntries, from, until)...)
	}
	// per-station feeds report at the station itself
	if sch != nil && !slices.Contains(platforms, stopID) {
		if stop, ok := sch.Stop(stopID); ok && stop.Kind == domain.StopKindStation {
			out = append(out, direct(sch, stopID, c.entries.ByStop(stopID), from, until)...)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Expected.Equal(out[j].Expected) {
			return out[i].Expected.Before(out[j].Expected)
		}
		if rank[out[i].Source] != rank[out[j].Source] {
			return rank[out[i].Source] < rank[out[j].Source]
		}
		return out[i].Line < out[j].Line
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (c *Composer) unjoinable(sch *schedule.Schedule, stopID string) bool {
	if c.strategies == nil {
		return false
	}
	stop, ok := sch.Stop(stopID)
	if !ok {
		return false
	}
	return c.strategies.Strategy(stop.Network) == reconcile.StrategyUnjoinable
}

// scheduled lists static calls at a platform on yesterday's and today's
// service days, attaching real-time data by trip id
func (c *Composer) scheduled(sch *schedule.Schedule, stopID string, stopEntries []domain.ReconciledEntry, from, until time.Time) []domain.Departure {
	byTrip := make(map[string]domain.ReconciledEntry)
	for _, e := range stopEntries {
		if e.Kind == domain.KindStopTimeUpdate && e.TripID != nil {
			byTrip[*e.TripID] = e
		}
	}

	stop, _ := sch.Stop(stopID)
	today := domain.ServiceDate(from)
	var out []domain.Departure
	for _, date := range []time.Time{today.AddDate(0, 0, -1), today} {
		for _, call := range sch.Calls(stopID) {
			entry := call.Entry()
			scheduled := entry.Departure.On(date)
			if scheduled.After(until) {
				break
			}
			if !sch.ServiceActive(call.Trip.ServiceID, date) {
				continue
			}

			d := domain.Departure{
				TripID:    domain.StringPtr(call.Trip.ID),
				Operator:  stop.Network,
				RouteID:   call.Trip.RouteID,
				Headsign:  call.Trip.Headsign,
				StopID:    stopID,
				Platform:  stop.PlatformCode,
				Scheduled: scheduled,
				Expected:  scheduled,
				Source:    domain.SourceStatic,
			}
			if route, ok := sch.Route(call.Trip.RouteID); ok {
				d.Line = route.Line()
			}

			rt, ok := byTrip[call.Trip.ID]
			if !ok {
				rt, ok = c.upstream(call)
			}
			if ok {
				attach(&d, rt)
			}
			if d.Expected.Before(from) {
				continue
			}
			out = append(out, d)
		}
	}
	return out
}

// upstream finds the last delay reported before this call on the trip
func (c *Composer) upstream(call schedule.Call) (domain.ReconciledEntry, bool) {
	entries := c.entries.ByTrip(call.Trip.ID)
	if len(entries) == 0 {
		return domain.ReconciledEntry{}, false
	}
	byStop := make(map[string]domain.ReconciledEntry, len(entries))
	for _, e := range entries {
		if e.Kind == domain.KindStopTimeUpdate && e.Delay != nil {
			byStop[e.StopID] = e
		}
	}
	for i := call.Index - 1; i >= 0; i-- {
		if e, ok := byStop[call.Trip.StopTimes[i].StopID]; ok {
			e.Platform = nil
			e.Occupancy = domain.OccupancyUnknown
			return e, true
		}
	}
	return domain.ReconciledEntry{}, false
}

func attach(d *domain.Departure, e domain.ReconciledEntry) {
	d.Source = domain.SourceJoined
	if e.Source == domain.SourceStale {
		d.Source = domain.SourceStale
	}
	if e.Delay != nil {
		d.Delay = domain.IntPtr(*e.Delay)
		d.Expected = d.Scheduled.Add(time.Duration(*e.Delay) * time.Second)
	}
	if e.Platform != nil && *e.Platform != "" {
		d.Platform = *e.Platform
	}
	d.Occupancy = e.Occupancy
}

type dedupKey struct {
	line     string
	headsign string
	minute   int64
}

// direct lists stop-time entries with no canonical trip, collapsing repeated
// polls of one vehicle into a single row. An entry without an absolute time
// cannot be placed on the board and is left out.
func direct(sch *schedule.Schedule, stopID string, stopEntries []domain.ReconciledEntry, from, until time.Time) []domain.Departure {
	seen := make(map[dedupKey]struct{})
	var out []domain.Departure
	for _, e := range stopEntries {
		if e.Kind != domain.KindStopTimeUpdate || e.TripID != nil || e.Expected.IsZero() {
			continue
		}
		if e.Expected.Before(from) || e.Expected.After(until) {
			continue
		}

		line := e.Line
		if line == "" && sch != nil {
			if route, ok := sch.Route(e.RouteID); ok {
				line = route.Line()
			}
		}
		key := dedupKey{line: line, headsign: e.Headsign, minute: e.Expected.Unix() / 60}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		d := domain.Departure{
			ProvisionalID: e.ProvisionalID,
			Operator:      e.Operator,
			RouteID:       e.RouteID,
			Line:          line,
			Headsign:      e.Headsign,
			StopID:        stopID,
			Expected:      e.Expected,
			Occupancy:     e.Occupancy,
			Source:        domain.SourceRTDirect,
		}
		if e.Delay != nil {
			d.Delay = domain.IntPtr(*e.Delay)
			d.Scheduled = e.Expected.Add(-time.Duration(*e.Delay) * time.Second)
		}
		if e.Platform != nil {
			d.Platform = *e.Platform
		}
		if sch != nil && d.Platform == "" {
			if stop, ok := sch.Stop(stopID); ok {
				d.Platform = stop.PlatformCode
			}
		}
		out = append(out, d)
	}
	return out
}
