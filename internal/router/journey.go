package router

import (
	"sort"

	"transitfuse/internal/domain"
)

// journeys turns every round that improved the destination into one journey
func (s *search) journeys() []domain.Journey {
	var (
		out  []domain.Journey
		last = infinity
	)
	for k, rd := range s.rounds {
		var (
			best    *domain.Journey
			bestArr = infinity
		)
		for idx := range s.targets {
			for _, kind := range []labelKind{labelRide, labelWalk} {
				arr := rd.rideArr[idx]
				if kind == labelWalk {
					arr = rd.walkArr[idx]
				}
				if arr == infinity || arr > bestArr {
					continue
				}
				j := s.reconstruct(ref{round: k, kind: kind}, idx)
				if arr < bestArr || j.WalkSeconds < best.WalkSeconds {
					best, bestArr = &j, arr
				}
			}
		}
		if best != nil && bestArr < last {
			out = append(out, *best)
			last = bestArr
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Arrive != out[j].Arrive {
			return out[i].Arrive < out[j].Arrive
		}
		return out[i].Boardings < out[j].Boardings
	})
	return out
}

func (s *search) reconstruct(at ref, stop int) domain.Journey {
	var legs []domain.Leg
	for at.kind != labelOrigin && at.kind != labelNone {
		rd := s.rounds[at.round]
		switch at.kind {
		case labelRide:
			lbl := rd.ride[stop]
			legs = append(legs, s.rideLeg(lbl))
			stop = lbl.pattern.Stops[lbl.boardPos]
			at = lbl.board
		case labelWalk:
			lbl := rd.walk[stop]
			var depart domain.ScheduleTime
			prev := ref{round: at.round, kind: labelRide}
			if at.round == 0 {
				depart = s.req.Departure
				prev = ref{kind: labelOrigin}
			} else {
				depart = rd.rideArr[lbl.from]
			}
			legs = append(legs, domain.Leg{
				Kind:     domain.LegWalk,
				From:     s.sch.StopID(lbl.from),
				To:       s.sch.StopID(stop),
				Depart:   depart,
				Arrive:   depart + domain.ScheduleTime(lbl.seconds),
				Duration: lbl.seconds,
			})
			stop = lbl.from
			at = prev
		}
	}

	for i, j := 0, len(legs)-1; i < j; i, j = i+1, j-1 {
		legs[i], legs[j] = legs[j], legs[i]
	}

	j := domain.Journey{
		Origin:      s.req.Origin,
		Destination: s.req.Destination,
		Legs:        legs,
	}
	if len(legs) == 0 {
		return j
	}
	s.anchor(&legs[0], &legs[len(legs)-1])
	j.Depart = legs[0].Depart
	j.Arrive = legs[len(legs)-1].Arrive
	for _, l := range legs {
		if l.Kind == domain.LegRide {
			j.Boardings++
		} else {
			j.WalkSeconds += l.Duration
		}
	}
	return j
}

func (s *search) rideLeg(lbl rideLabel) domain.Leg {
	from := lbl.pattern.Stops[lbl.boardPos]
	to := lbl.pattern.Stops[lbl.alightPos]
	leg := domain.Leg{
		Kind:         domain.LegRide,
		TripID:       lbl.trip.ID,
		RouteID:      lbl.trip.RouteID,
		Headsign:     lbl.trip.Headsign,
		From:         s.sch.StopID(from),
		To:           s.sch.StopID(to),
		FromPlatform: s.platformCode(s.sch.StopID(from)),
		ToPlatform:   s.platformCode(s.sch.StopID(to)),
		Depart:       s.departure(lbl.trip, lbl.boardPos),
		Arrive:       s.arrival(lbl.trip, lbl.alightPos),
		Delay:        s.delay(lbl.trip, lbl.boardPos),
	}
	leg.Duration = int(leg.Arrive - leg.Depart)
	if route, ok := s.sch.Route(lbl.trip.RouteID); ok {
		leg.Line = route.Line()
	}
	return leg
}

func (s *search) platformCode(stopID string) string {
	if st, ok := s.sch.Stop(stopID); ok {
		return st.PlatformCode
	}
	return ""
}

// anchor rewrites the journey ends to the queried station ids when a
// platform of that station was used
func (s *search) anchor(first, last *domain.Leg) {
	if first.From != s.req.Origin && s.sch.Station(first.From) == s.req.Origin {
		if first.FromPlatform == "" {
			first.FromPlatform = first.From
		}
		first.From = s.req.Origin
	}
	if last.To != s.req.Destination && s.sch.Station(last.To) == s.req.Destination {
		if last.ToPlatform == "" {
			last.ToPlatform = last.To
		}
		last.To = s.req.Destination
	}
}
