// Package router answers point-to-point journey queries over a Schedule with
// a round-based RAPTOR search.
//
// Round k holds the best arrivals found with exactly k boardings. Every round
// that improves the arrival at the destination contributes one journey, so the
// result is the Pareto set over (arrival time, boardings).
package router

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"transitfuse/internal/domain"
	"transitfuse/internal/schedule"
)

const (
	DefaultMaxRounds = 4
	MaxRoundsLimit   = 8
)

const infinity = domain.ScheduleTime(math.MaxInt32)

// ScheduleSource returns the snapshot a query runs against
type ScheduleSource interface {
	Current() *schedule.Schedule
}

// DelaySource supplies real-time entries of one trip
type DelaySource interface {
	ByTrip(tripID string) []domain.ReconciledEntry
}

type Request struct {
	Origin      string
	Destination string
	Departure   domain.ScheduleTime
	// Date selects active services; zero treats every service as running
	Date      time.Time
	MaxRounds int
	Realtime  bool
}

type Router struct {
	schedules ScheduleSource
	delays    DelaySource
	logger    *slog.Logger
}

func New(schedules ScheduleSource, delays DelaySource, logger *slog.Logger) *Router {
	return &Router{
		schedules: schedules,
		delays:    delays,
		logger:    logger.With("component", "router"),
	}
}

// Plan returns the journeys from Origin to Destination departing no earlier
// than Departure, sorted by arrival. Stations expand to their platforms at
// both ends.
func (r *Router) Plan(ctx context.Context, req Request) ([]domain.Journey, error) {
	sch := r.schedules.Current()
	if sch == nil {
		return nil, fmt.Errorf("no schedule loaded: %w", domain.ErrNotFound)
	}
	if err := validate(sch, &req); err != nil {
		return nil, err
	}

	start := time.Now()
	s := newSearch(sch, req)
	if req.Realtime && r.delays != nil {
		s.rt = newDelayProfiles(r.delays)
	}
	if err := s.run(ctx); err != nil {
		return nil, err
	}
	journeys := s.journeys()

	r.logger.Debug("plan finished",
		"origin", req.Origin,
		"destination", req.Destination,
		"journeys", len(journeys),
		"rounds", len(s.rounds)-1,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if len(journeys) == 0 {
		return nil, fmt.Errorf("no journey from %s to %s: %w", req.Origin, req.Destination, domain.ErrNotFound)
	}
	return journeys, nil
}

func validate(sch *schedule.Schedule, req *Request) error {
	if req.Origin == "" || req.Destination == "" {
		return fmt.Errorf("origin and destination are required: %w", domain.ErrInvalidInput)
	}
	if _, ok := sch.Stop(req.Origin); !ok {
		return fmt.Errorf("unknown origin %q: %w", req.Origin, domain.ErrInvalidInput)
	}
	if _, ok := sch.Stop(req.Destination); !ok {
		return fmt.Errorf("unknown destination %q: %w", req.Destination, domain.ErrInvalidInput)
	}
	if req.Origin == req.Destination || sch.SameStation(req.Origin, req.Destination) {
		return fmt.Errorf("origin and destination are the same place: %w", domain.ErrInvalidInput)
	}
	if len(sch.Platforms(req.Origin)) == 0 || len(sch.Platforms(req.Destination)) == 0 {
		return fmt.Errorf("station without platforms: %w", domain.ErrInvalidInput)
	}
	if req.Departure < 0 {
		return fmt.Errorf("negative departure time: %w", domain.ErrInvalidInput)
	}
	switch {
	case req.MaxRounds <= 0:
		req.MaxRounds = DefaultMaxRounds
	case req.MaxRounds > MaxRoundsLimit:
		req.MaxRounds = MaxRoundsLimit
	}
	return nil
}

type labelKind uint8

const (
	labelNone labelKind = iota
	labelOrigin
	labelRide
	labelWalk
)

// ref points at the label a boarding was made from
type ref struct {
	round int
	kind  labelKind
}

type rideLabel struct {
	pattern   *schedule.Pattern
	trip      *domain.Trip
	boardPos  int
	alightPos int
	board     ref
}

type walkLabel struct {
	from    int
	seconds int
}

type round struct {
	rideArr []domain.ScheduleTime
	walkArr []domain.ScheduleTime
	ride    []rideLabel
	walk    []walkLabel
}

func newRound(n int) *round {
	r := &round{
		rideArr: make([]domain.ScheduleTime, n),
		walkArr: make([]domain.ScheduleTime, n),
		ride:    make([]rideLabel, n),
		walk:    make([]walkLabel, n),
	}
	for i := range r.rideArr {
		r.rideArr[i] = infinity
		r.walkArr[i] = infinity
	}
	return r
}

type search struct {
	sch *schedule.Schedule
	req Request
	rt  *delayProfiles

	rounds []*round
	// best is the earliest arrival by any means and prunes rides
	best []domain.ScheduleTime
	// bestWalk is the earliest arrival on foot
	bestWalk []domain.ScheduleTime
	ready    []domain.ScheduleTime
	readyRef []ref

	origins    map[int]bool
	targets    map[int]bool
	targetBest domain.ScheduleTime
}

func newSearch(sch *schedule.Schedule, req Request) *search {
	n := sch.NumStops()
	s := &search{
		sch:        sch,
		req:        req,
		best:       make([]domain.ScheduleTime, n),
		bestWalk:   make([]domain.ScheduleTime, n),
		ready:      make([]domain.ScheduleTime, n),
		readyRef:   make([]ref, n),
		origins:    make(map[int]bool),
		targets:    make(map[int]bool),
		targetBest: infinity,
	}
	for i := range s.best {
		s.best[i] = infinity
		s.bestWalk[i] = infinity
		s.ready[i] = infinity
	}
	for _, id := range sch.Platforms(req.Origin) {
		if idx, ok := sch.StopIndex(id); ok {
			s.origins[idx] = true
		}
	}
	for _, id := range sch.Platforms(req.Destination) {
		if idx, ok := sch.StopIndex(id); ok {
			s.targets[idx] = true
		}
	}
	return s
}

func (s *search) run(ctx context.Context) error {
	n := s.sch.NumStops()

	r0 := newRound(n)
	s.rounds = append(s.rounds, r0)
	marked := make(map[int]bool)
	for idx := range s.origins {
		s.best[idx] = s.req.Departure
		s.ready[idx] = s.req.Departure
		s.readyRef[idx] = ref{round: 0, kind: labelOrigin}
		marked[idx] = true
	}
	// walking from the origin before the first boarding
	for idx := range s.origins {
		s.relaxWalks(0, idx, s.req.Departure, marked)
	}

	for k := 1; k <= s.req.MaxRounds && len(marked) > 0; k++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur := newRound(n)
		s.rounds = append(s.rounds, cur)

		rode := s.scanPatterns(k, marked)

		improved := make(map[int]bool)
		for _, idx := range rode {
			s.relaxWalks(k, idx, cur.rideArr[idx], improved)
			improved[idx] = true
		}

		marked = make(map[int]bool)
		for idx := range improved {
			if s.updateReady(k, idx) {
				marked[idx] = true
			}
		}
	}
	return nil
}

// scanPatterns runs the route scan of round k and returns the stops whose
// arrival improved by riding
func (s *search) scanPatterns(k int, marked map[int]bool) []int {
	cur := s.rounds[k]

	queue := make(map[int]int)
	for idx := range marked {
		for _, ps := range s.sch.PatternsAt(idx) {
			if pos, ok := queue[ps.Pattern]; !ok || ps.Position < pos {
				queue[ps.Pattern] = ps.Position
			}
		}
	}
	ids := make([]int, 0, len(queue))
	for id := range queue {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var rode []int
	for _, id := range ids {
		p := s.sch.Pattern(id)
		var (
			trip     *domain.Trip
			boardPos int
			boardRef ref
		)
		for pos := queue[id]; pos < len(p.Stops); pos++ {
			stop := p.Stops[pos]

			if trip != nil {
				arr := s.arrival(trip, pos)
				if arr < s.best[stop] && arr < s.targetBest {
					if cur.rideArr[stop] == infinity {
						rode = append(rode, stop)
					}
					cur.rideArr[stop] = arr
					cur.ride[stop] = rideLabel{pattern: p, trip: trip, boardPos: boardPos, alightPos: pos, board: boardRef}
					s.best[stop] = arr
					if s.targets[stop] {
						s.targetBest = arr
					}
				}
			}

			if pos == len(p.Stops)-1 || s.ready[stop] == infinity {
				continue
			}
			if trip != nil && s.ready[stop] > s.departure(trip, pos) {
				continue
			}
			if next := s.earliestTrip(p, pos, s.ready[stop]); next != nil {
				if trip == nil || s.departure(next, pos) < s.departure(trip, pos) {
					trip = next
					boardPos = pos
					boardRef = s.readyRef[stop]
				}
			}
		}
	}
	return rode
}

// relaxWalks follows footpaths out of from, reached at arrival in round k.
// A walk is kept when it makes a trip boardable earlier, so it is compared
// with ride arrivals plus the stop's minimum change time.
func (s *search) relaxWalks(k, from int, arrival domain.ScheduleTime, improved map[int]bool) {
	cur := s.rounds[k]
	for _, tr := range s.sch.TransfersFrom(from) {
		arr := arrival + domain.ScheduleTime(tr.Seconds)
		if arr >= s.bestWalk[tr.To] || arr >= s.ready[tr.To] || arr >= s.targetBest {
			continue
		}
		if ride := cur.rideArr[tr.To]; ride != infinity && arr >= ride+domain.ScheduleTime(s.sch.MinChange(tr.To)) {
			continue
		}
		cur.walkArr[tr.To] = arr
		cur.walk[tr.To] = walkLabel{from: from, seconds: tr.Seconds}
		s.bestWalk[tr.To] = arr
		s.best[tr.To] = min(s.best[tr.To], arr)
		if s.targets[tr.To] {
			s.targetBest = arr
		}
		improved[tr.To] = true
		if k == 0 {
			s.updateReady(0, tr.To)
		}
	}
}

// updateReady records the earliest time a trip can be boarded at idx after
// round k. Re-boarding where a ride alighted waits out the stop's minimum
// change time.
func (s *search) updateReady(k, idx int) bool {
	cur := s.rounds[k]
	changed := false
	if t := cur.rideArr[idx]; t != infinity {
		t += domain.ScheduleTime(s.sch.MinChange(idx))
		if t < s.ready[idx] {
			s.ready[idx] = t
			s.readyRef[idx] = ref{round: k, kind: labelRide}
			changed = true
		}
	}
	if t := cur.walkArr[idx]; t != infinity && t < s.ready[idx] {
		s.ready[idx] = t
		s.readyRef[idx] = ref{round: k, kind: labelWalk}
		changed = true
	}
	return changed
}

// earliestTrip finds the first active trip of p leaving position pos at or
// after t
func (s *search) earliestTrip(p *schedule.Pattern, pos int, t domain.ScheduleTime) *domain.Trip {
	if s.rt != nil {
		var (
			best    *domain.Trip
			bestDep domain.ScheduleTime
		)
		for _, trip := range p.Trips {
			if !s.sch.ServiceActive(trip.ServiceID, s.req.Date) {
				continue
			}
			dep := s.departure(trip, pos)
			if dep >= t && (best == nil || dep < bestDep) {
				best, bestDep = trip, dep
			}
		}
		return best
	}

	i := sort.Search(len(p.Trips), func(i int) bool {
		return p.Trips[i].StopTimes[pos].Departure >= t
	})
	for ; i < len(p.Trips); i++ {
		if s.sch.ServiceActive(p.Trips[i].ServiceID, s.req.Date) {
			return p.Trips[i]
		}
	}
	return nil
}

func (s *search) arrival(trip *domain.Trip, pos int) domain.ScheduleTime {
	return trip.StopTimes[pos].Arrival + domain.ScheduleTime(s.delay(trip, pos))
}

func (s *search) departure(trip *domain.Trip, pos int) domain.ScheduleTime {
	return trip.StopTimes[pos].Departure + domain.ScheduleTime(s.delay(trip, pos))
}

func (s *search) delay(trip *domain.Trip, pos int) int {
	if s.rt == nil {
		return 0
	}
	return s.rt.at(trip, pos)
}
