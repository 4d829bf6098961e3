package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"transitfuse/internal/domain"
)

// JSONAdapter polls operators publishing a JSON rendition of trip updates,
// vehicles and alerts. Every scalar except ids may be null or absent.
type JSONAdapter struct {
	fetcher *Fetcher
}

type jsonDocument struct {
	Timestamp *int64        `json:"timestamp"`
	Updates   []jsonUpdate  `json:"updates"`
	Vehicles  []jsonVehicle `json:"vehicles"`
	Alerts    []jsonAlert   `json:"alerts"`
}

type jsonUpdate struct {
	TripID         string  `json:"trip_id"`
	RouteID        string  `json:"route_id"`
	DirectionID    *int    `json:"direction_id"`
	StartDate      string  `json:"start_date"`
	StopID         string  `json:"stop_id"`
	StopSequence   *int    `json:"stop_sequence"`
	Delay          *int    `json:"delay"`
	ArrivalDelay   *int    `json:"arrival_delay"`
	DepartureDelay *int    `json:"departure_delay"`
	Expected       *int64  `json:"expected"`
	Platform       *string `json:"platform"`
	Occupancy      *string `json:"occupancy"`
	Line           string  `json:"line"`
	Headsign       string  `json:"headsign"`
	Timestamp      *int64  `json:"timestamp"`
}

type jsonVehicle struct {
	ID        string   `json:"id"`
	TripID    string   `json:"trip_id"`
	RouteID   string   `json:"route_id"`
	StopID    string   `json:"stop_id"`
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
	Bearing   *float64 `json:"bearing"`
	Status    string   `json:"status"`
	Occupancy *string  `json:"occupancy"`
	Timestamp *int64   `json:"timestamp"`
}

type jsonAlert struct {
	ID          string   `json:"id"`
	Header      string   `json:"header"`
	Description string   `json:"description"`
	TripIDs     []string `json:"trip_ids"`
	StopIDs     []string `json:"stop_ids"`
	RouteIDs    []string `json:"route_ids"`
	ActiveFrom  *int64   `json:"active_from"`
	ActiveUntil *int64   `json:"active_until"`
}

func (a *JSONAdapter) Poll(ctx context.Context, src Source) ([]domain.Observation, error) {
	var out []domain.Observation
	for _, url := range src.URLs {
		body, err := a.fetcher.Get(ctx, src.Operator, url, src.Headers)
		if err != nil {
			return nil, err
		}
		obs, err := DecodeJSON(src.Operator, body)
		if err != nil {
			return nil, domain.TransientFeedError(src.Operator, fmt.Errorf("decode %s: %w", url, err))
		}
		out = append(out, obs...)
	}
	return out, nil
}

// DecodeJSON converts one operator JSON document; an empty body has no data
func DecodeJSON(operator string, body []byte) ([]domain.Observation, error) {
	if len(body) == 0 {
		return nil, nil
	}

	var doc jsonDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}

	docTS := unixSeconds(doc.Timestamp)
	out := make([]domain.Observation, 0, len(doc.Updates)+len(doc.Vehicles)+len(doc.Alerts))

	for _, u := range doc.Updates {
		if u.TripID == "" && u.RouteID == "" {
			continue
		}
		obs := &domain.StopTimeUpdate{
			Operator:       operator,
			RawTripID:      u.TripID,
			RawRouteID:     u.RouteID,
			RawStopID:      u.StopID,
			DirectionID:    u.DirectionID,
			StartDate:      u.StartDate,
			StopSequence:   u.StopSequence,
			ArrivalDelay:   u.ArrivalDelay,
			DepartureDelay: u.DepartureDelay,
			Platform:       u.Platform,
			Occupancy:      parseOccupancy(u.Occupancy),
			Line:           u.Line,
			Headsign:       u.Headsign,
			Timestamp:      orTime(unixSeconds(u.Timestamp), docTS),
		}
		if obs.DepartureDelay == nil && u.Delay != nil {
			obs.DepartureDelay = u.Delay
		}
		if u.Expected != nil {
			t := time.Unix(*u.Expected, 0)
			obs.DepartureTime = &t
		}
		out = append(out, obs)
	}

	for _, v := range doc.Vehicles {
		if v.ID == "" || v.Lat == nil || v.Lon == nil {
			continue
		}
		out = append(out, &domain.VehiclePosition{
			Operator:   operator,
			VehicleID:  v.ID,
			RawTripID:  v.TripID,
			RawRouteID: v.RouteID,
			RawStopID:  v.StopID,
			Lat:        *v.Lat,
			Lon:        *v.Lon,
			Bearing:    v.Bearing,
			Status:     domain.VehicleStatus(v.Status),
			Occupancy:  parseOccupancy(v.Occupancy),
			Timestamp:  orTime(unixSeconds(v.Timestamp), docTS),
		})
	}

	for _, al := range doc.Alerts {
		if al.ID == "" {
			continue
		}
		out = append(out, &domain.Alert{
			Operator:    operator,
			ID:          al.ID,
			RawTripIDs:  al.TripIDs,
			RawStopIDs:  al.StopIDs,
			RawRouteIDs: al.RouteIDs,
			Header:      al.Header,
			Description: al.Description,
			ActiveFrom:  unixSeconds(al.ActiveFrom),
			ActiveUntil: unixSeconds(al.ActiveUntil),
			Timestamp:   docTS,
		})
	}
	return out, nil
}

func parseOccupancy(v *string) domain.Occupancy {
	if v == nil {
		return domain.OccupancyUnknown
	}
	switch o := domain.Occupancy(*v); o {
	case domain.OccupancyEmpty, domain.OccupancyManySeats, domain.OccupancyFewSeats, domain.OccupancyStandingRoom,
		domain.OccupancyCrushed, domain.OccupancyFull, domain.OccupancyNotAccepting:
		return o
	}
	return domain.OccupancyUnknown
}

func unixSeconds(v *int64) time.Time {
	if v == nil || *v <= 0 {
		return time.Time{}
	}
	return time.Unix(*v, 0)
}

func orTime(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}
