package schedule

import (
	"math"
	"sort"

	"transitfuse/internal/domain"
)

const earthRadiusMeters = 6371000.0

// HaversineMeters returns the great-circle distance between two points
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func (s *Schedule) buildTransfers(explicit []*domain.TransferEdge, opts Options) {
	n := len(s.stopIDs)
	s.transfers = make([][]Transfer, n)
	s.minChange = make([]int, n)
	seen := make(map[[2]int]bool)

	add := func(from, to, seconds int, kind domain.TransferKind) {
		key := [2]int{from, to}
		if seen[key] {
			return
		}
		seen[key] = true
		s.transfers[from] = append(s.transfers[from], Transfer{To: to, Seconds: seconds, Kind: kind})
	}

	// station endpoints apply to every child platform
	for _, e := range explicit {
		for _, a := range s.Platforms(e.From) {
			for _, b := range s.Platforms(e.To) {
				from, to := s.stopIndex[a], s.stopIndex[b]
				if from == to {
					if e.MinSeconds > s.minChange[from] {
						s.minChange[from] = e.MinSeconds
					}
					continue
				}
				add(from, to, e.MinSeconds, s.classify(a, b))
			}
		}
	}

	stations := make([]string, 0, len(s.children))
	for id := range s.children {
		stations = append(stations, id)
	}
	sort.Strings(stations)
	for _, station := range stations {
		platforms := s.Platforms(station)
		for _, a := range platforms {
			for _, b := range platforms {
				if a == b {
					continue
				}
				add(s.stopIndex[a], s.stopIndex[b], opts.StationTransferSeconds, domain.TransferSameStation)
			}
		}
	}

	if opts.WalkRadiusMeters > 0 && opts.WalkSpeedMPS > 0 {
		s.buildWalkEdges(opts, add)
	}

	for i := range s.transfers {
		sort.Slice(s.transfers[i], func(a, b int) bool {
			return s.transfers[i][a].To < s.transfers[i][b].To
		})
	}
}

func (s *Schedule) classify(from, to string) domain.TransferKind {
	if s.SameStation(from, to) {
		return domain.TransferSameStation
	}
	if s.stops[from].Network == s.stops[to].Network {
		return domain.TransferIntraOperator
	}
	return domain.TransferInterOperatorWalk
}

type cell struct{ x, y int }

// buildWalkEdges links platforms of different networks within walking radius.
// Stops are bucketed on a grid of radius-sized cells so only neighbours are compared.
func (s *Schedule) buildWalkEdges(opts Options, add func(from, to, seconds int, kind domain.TransferKind)) {
	var platforms []int
	meanLat := 0.0
	for i, id := range s.stopIDs {
		stop := s.stops[id]
		if stop.Kind != domain.StopKindPlatform || (stop.Lat == 0 && stop.Lon == 0) {
			continue
		}
		platforms = append(platforms, i)
		meanLat += stop.Lat
	}
	if len(platforms) == 0 {
		return
	}
	meanLat /= float64(len(platforms))

	latStep := opts.WalkRadiusMeters / 111320.0
	lonStep := latStep / math.Max(math.Cos(meanLat*math.Pi/180), 0.01)
	cellOf := func(st *domain.Stop) cell {
		return cell{int(math.Floor(st.Lon / lonStep)), int(math.Floor(st.Lat / latStep))}
	}

	grid := make(map[cell][]int)
	for _, i := range platforms {
		c := cellOf(s.stops[s.stopIDs[i]])
		grid[c] = append(grid[c], i)
	}

	for _, i := range platforms {
		a := s.stops[s.stopIDs[i]]
		c := cellOf(a)
		for dx := -1; dx <= 1; dx++ {
			for dy := -1; dy <= 1; dy++ {
				for _, j := range grid[cell{c.x + dx, c.y + dy}] {
					b := s.stops[s.stopIDs[j]]
					if i == j || a.Network == b.Network {
						continue
					}
					d := HaversineMeters(a.Lat, a.Lon, b.Lat, b.Lon)
					if d > opts.WalkRadiusMeters {
						continue
					}
					add(i, j, int(math.Ceil(d/opts.WalkSpeedMPS)), domain.TransferInterOperatorWalk)
				}
			}
		}
	}
}

// TransferSeconds returns the footpath cost between two stops, if any
func (s *Schedule) TransferSeconds(from, to string) (int, bool) {
	i, ok := s.stopIndex[from]
	if !ok {
		return 0, false
	}
	j, ok := s.stopIndex[to]
	if !ok {
		return 0, false
	}
	for _, t := range s.transfers[i] {
		if t.To == j {
			return t.Seconds, true
		}
	}
	return 0, false
}

// Transfers lists outgoing edges of a stop with canonical ids
func (s *Schedule) Transfers(stopID string) []domain.TransferEdge {
	i, ok := s.stopIndex[stopID]
	if !ok {
		return nil
	}
	out := make([]domain.TransferEdge, 0, len(s.transfers[i]))
	for _, t := range s.transfers[i] {
		out = append(out, domain.TransferEdge{From: stopID, To: s.stopIDs[t.To], MinSeconds: t.Seconds, Kind: t.Kind})
	}
	return out
}
