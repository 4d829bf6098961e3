package reconcile

import (
	"time"

	"transitfuse/internal/domain"
	"transitfuse/internal/schedule"
)

// MatchWindow picks the single candidate within window of ref. It never
// chooses between several candidates: two or more inside the window is
// ErrAmbiguous, none is ErrUnresolved.
func MatchWindow(candidates []schedule.Candidate, ref domain.ScheduleTime, window time.Duration) (schedule.Candidate, error) {
	limit := domain.ScheduleTime(window / time.Second)
	inside := make(map[string]schedule.Candidate)
	for _, c := range candidates {
		d := c.Time - ref
		if d < 0 {
			d = -d
		}
		if d > limit {
			continue
		}
		if prev, ok := inside[c.TripID]; ok && absDiff(prev.Time, ref) <= d {
			continue
		}
		inside[c.TripID] = c
	}

	switch len(inside) {
	case 0:
		return schedule.Candidate{}, domain.ErrUnresolved
	case 1:
		for _, c := range inside {
			return c, nil
		}
	}
	return schedule.Candidate{}, domain.ErrAmbiguous
}

func absDiff(a, b domain.ScheduleTime) domain.ScheduleTime {
	if a > b {
		return a - b
	}
	return b - a
}
