package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"transitfuse/internal/domain"
)

// RESTAdapter polls a per-station "next trains" endpoint. The endpoint has no
// schedule trip ids, so each train gets a provisional id built from operator,
// service number, line and direction. Those ids are never expected to join
// the static schedule; they only let one vehicle be tracked across polls.
type RESTAdapter struct {
	fetcher *Fetcher
	now     func() time.Time
}

type restResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error,omitempty"`
}

type restTrain struct {
	Service     string  `json:"service"`
	Line        string  `json:"line"`
	Direction   string  `json:"direction"`
	Destination string  `json:"destination"`
	Departure   string  `json:"departure"`
	Delay       *int    `json:"delay"`
	Platform    *string `json:"platform"`
	Occupancy   *string `json:"occupancy"`
}

// StationPlaceholder is replaced by the station code in a REST source URL
const StationPlaceholder = "{station}"

func (a *RESTAdapter) Poll(ctx context.Context, src Source) ([]domain.Observation, error) {
	if len(src.URLs) == 0 {
		return nil, domain.PermanentFeedError(src.Operator, fmt.Errorf("no endpoint configured"))
	}
	now := time.Now
	if a.now != nil {
		now = a.now
	}
	polledAt := now()

	seen := make(map[string]struct{})
	var out []domain.Observation
	for _, station := range src.Stations {
		reqURL := strings.ReplaceAll(src.URLs[0], StationPlaceholder, url.PathEscape(station))
		body, err := a.fetcher.Get(ctx, src.Operator, reqURL, src.Headers)
		if err != nil {
			return nil, err
		}

		trains, err := decodeTrains(body)
		if err != nil {
			return nil, domain.TransientFeedError(src.Operator, fmt.Errorf("station %s: %w", station, err))
		}

		for _, tr := range trains {
			id := ProvisionalID(src.Operator, tr.Service, tr.Line, tr.Direction)
			key := id + "|" + station
			if _, dup := seen[key]; dup {
				continue
			}
			dep, ok := parseDeparture(tr.Departure, location(src))
			if !ok {
				continue
			}
			seen[key] = struct{}{}

			out = append(out, &domain.StopTimeUpdate{
				Operator:       src.Operator,
				RawTripID:      id,
				RawStopID:      station,
				DepartureDelay: tr.Delay,
				DepartureTime:  &dep,
				Platform:       tr.Platform,
				Occupancy:      parseOccupancy(tr.Occupancy),
				Line:           tr.Line,
				Headsign:       tr.Destination,
				Provisional:    true,
				Timestamp:      polledAt,
			})
		}
	}
	return out, nil
}

func decodeTrains(body []byte) ([]restTrain, error) {
	if len(body) == 0 {
		return nil, nil
	}
	var resp restResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("API error: %s", resp.Error)
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return nil, nil
	}
	var trains []restTrain
	if err := json.Unmarshal(resp.Result, &trains); err != nil {
		return nil, fmt.Errorf("decoding trains: %w", err)
	}
	return trains, nil
}

// ProvisionalID builds the tracking id of a real-time-only train
func ProvisionalID(operator, service, line, direction string) string {
	parts := []string{operator}
	for _, p := range []string{service, line, direction} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "_")
}

func parseDeparture(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", s, loc); err == nil {
		return t, true
	}
	return time.Time{}, false
}
