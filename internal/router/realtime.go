package router

import "transitfuse/internal/domain"

// delayProfiles caches the per-position delay of trips touched by one query
type delayProfiles struct {
	src   DelaySource
	cache map[string][]int
}

func newDelayProfiles(src DelaySource) *delayProfiles {
	return &delayProfiles{src: src, cache: make(map[string][]int)}
}

func (d *delayProfiles) at(trip *domain.Trip, pos int) int {
	prof, ok := d.cache[trip.ID]
	if !ok {
		prof = d.build(trip)
		d.cache[trip.ID] = prof
	}
	if prof == nil {
		return 0
	}
	return prof[pos]
}

// build carries the last known upstream delay forward along the trip. Stops
// before the first observation keep their static time.
func (d *delayProfiles) build(trip *domain.Trip) []int {
	byStop := make(map[string]int)
	for _, e := range d.src.ByTrip(trip.ID) {
		if e.Kind != domain.KindStopTimeUpdate || e.Delay == nil {
			continue
		}
		byStop[e.StopID] = *e.Delay
	}
	if len(byStop) == 0 {
		return nil
	}

	prof := make([]int, len(trip.StopTimes))
	cur := 0
	for i, st := range trip.StopTimes {
		if v, ok := byStop[st.StopID]; ok {
			cur = v
		}
		prof[i] = cur
	}
	return prof
}
