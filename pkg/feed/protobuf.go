package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"transitfuse/internal/domain"
)

// ProtobufAdapter polls GTFS-Realtime FeedMessages
type ProtobufAdapter struct {
	fetcher *Fetcher
}

func (a *ProtobufAdapter) Poll(ctx context.Context, src Source) ([]domain.Observation, error) {
	var out []domain.Observation
	for _, url := range src.URLs {
		body, err := a.fetcher.Get(ctx, src.Operator, url, src.Headers)
		if err != nil {
			return nil, err
		}
		obs, err := DecodeFeedMessage(src.Operator, body)
		if err != nil {
			return nil, domain.TransientFeedError(src.Operator, fmt.Errorf("decode %s: %w", url, err))
		}
		out = append(out, obs...)
	}
	return out, nil
}

// DecodeFeedMessage converts a serialized FeedMessage. An empty payload is a
// valid feed with no data.
func DecodeFeedMessage(operator string, body []byte) ([]domain.Observation, error) {
	if len(body) == 0 {
		return nil, nil
	}

	var fm gtfsrtpb.FeedMessage
	if err := proto.Unmarshal(body, &fm); err != nil {
		return nil, err
	}

	headerTS := unixTime(fm.GetHeader().GetTimestamp())
	var out []domain.Observation
	for _, entity := range fm.GetEntity() {
		if entity.GetIsDeleted() {
			continue
		}
		if tu := entity.GetTripUpdate(); tu != nil {
			out = append(out, tripUpdate(operator, tu, headerTS)...)
		}
		if vp := entity.GetVehicle(); vp != nil {
			if obs := vehiclePosition(operator, entity.GetId(), vp, headerTS); obs != nil {
				out = append(out, obs)
			}
		}
		if al := entity.GetAlert(); al != nil {
			out = append(out, alert(operator, entity.GetId(), al, headerTS))
		}
	}
	return out, nil
}

func tripUpdate(operator string, tu *gtfsrtpb.TripUpdate, headerTS time.Time) []domain.Observation {
	trip := tu.GetTrip()
	if trip.GetScheduleRelationship() == gtfsrtpb.TripDescriptor_CANCELED {
		return nil
	}

	ts := headerTS
	if tu.Timestamp != nil {
		ts = unixTime(tu.GetTimestamp())
	}

	var direction *int
	if trip.DirectionId != nil {
		direction = domain.IntPtr(int(trip.GetDirectionId()))
	}

	out := make([]domain.Observation, 0, len(tu.GetStopTimeUpdate()))
	for _, stu := range tu.GetStopTimeUpdate() {
		switch stu.GetScheduleRelationship() {
		case gtfsrtpb.TripUpdate_StopTimeUpdate_SKIPPED, gtfsrtpb.TripUpdate_StopTimeUpdate_NO_DATA:
			continue
		}

		u := &domain.StopTimeUpdate{
			Operator:    operator,
			RawTripID:   trip.GetTripId(),
			RawRouteID:  trip.GetRouteId(),
			RawStopID:   stu.GetStopId(),
			DirectionID: direction,
			StartDate:   trip.GetStartDate(),
			Timestamp:   ts,
		}
		if stu.StopSequence != nil {
			u.StopSequence = domain.IntPtr(int(stu.GetStopSequence()))
		}
		u.ArrivalDelay, u.ArrivalTime = stopTimeEvent(stu.GetArrival())
		u.DepartureDelay, u.DepartureTime = stopTimeEvent(stu.GetDeparture())
		if u.Delay() == nil && u.EventTime() == nil {
			continue
		}
		out = append(out, u)
	}
	return out
}

func stopTimeEvent(ev *gtfsrtpb.TripUpdate_StopTimeEvent) (*int, *time.Time) {
	if ev == nil {
		return nil, nil
	}
	var (
		delay *int
		at    *time.Time
	)
	if ev.Delay != nil {
		delay = domain.IntPtr(int(ev.GetDelay()))
	}
	if ev.Time != nil && ev.GetTime() > 0 {
		t := time.Unix(ev.GetTime(), 0)
		at = &t
	}
	return delay, at
}

func vehiclePosition(operator, entityID string, vp *gtfsrtpb.VehiclePosition, headerTS time.Time) domain.Observation {
	pos := vp.GetPosition()
	if pos == nil {
		return nil
	}

	id := vp.GetVehicle().GetId()
	if id == "" {
		id = vp.GetVehicle().GetLabel()
	}
	if id == "" {
		id = entityID
	}

	ts := headerTS
	if vp.Timestamp != nil {
		ts = unixTime(vp.GetTimestamp())
	}

	v := &domain.VehiclePosition{
		Operator:   operator,
		VehicleID:  id,
		RawTripID:  vp.GetTrip().GetTripId(),
		RawRouteID: vp.GetTrip().GetRouteId(),
		RawStopID:  vp.GetStopId(),
		Lat:        float64(pos.GetLatitude()),
		Lon:        float64(pos.GetLongitude()),
		Occupancy:  occupancy(vp),
		Timestamp:  ts,
	}
	if pos.Bearing != nil {
		b := float64(pos.GetBearing())
		v.Bearing = &b
	}
	if vp.CurrentStatus != nil {
		switch vp.GetCurrentStatus() {
		case gtfsrtpb.VehiclePosition_INCOMING_AT:
			v.Status = domain.VehicleIncomingAt
		case gtfsrtpb.VehiclePosition_STOPPED_AT:
			v.Status = domain.VehicleStoppedAt
		case gtfsrtpb.VehiclePosition_IN_TRANSIT_TO:
			v.Status = domain.VehicleInTransitTo
		}
	}
	return v
}

func occupancy(vp *gtfsrtpb.VehiclePosition) domain.Occupancy {
	if vp.OccupancyStatus == nil {
		return domain.OccupancyUnknown
	}
	switch vp.GetOccupancyStatus() {
	case gtfsrtpb.VehiclePosition_EMPTY:
		return domain.OccupancyEmpty
	case gtfsrtpb.VehiclePosition_MANY_SEATS_AVAILABLE:
		return domain.OccupancyManySeats
	case gtfsrtpb.VehiclePosition_FEW_SEATS_AVAILABLE:
		return domain.OccupancyFewSeats
	case gtfsrtpb.VehiclePosition_STANDING_ROOM_ONLY:
		return domain.OccupancyStandingRoom
	case gtfsrtpb.VehiclePosition_CRUSHED_STANDING_ROOM_ONLY:
		return domain.OccupancyCrushed
	case gtfsrtpb.VehiclePosition_FULL:
		return domain.OccupancyFull
	case gtfsrtpb.VehiclePosition_NOT_ACCEPTING_PASSENGERS:
		return domain.OccupancyNotAccepting
	}
	return domain.OccupancyUnknown
}

func alert(operator, entityID string, al *gtfsrtpb.Alert, headerTS time.Time) domain.Observation {
	a := &domain.Alert{
		Operator:    operator,
		ID:          entityID,
		Header:      translation(al.GetHeaderText()),
		Description: translation(al.GetDescriptionText()),
		Timestamp:   headerTS,
	}
	if periods := al.GetActivePeriod(); len(periods) > 0 {
		a.ActiveFrom = unixTime(periods[0].GetStart())
		a.ActiveUntil = unixTime(periods[0].GetEnd())
	}
	for _, ie := range al.GetInformedEntity() {
		if id := ie.GetStopId(); id != "" {
			a.RawStopIDs = append(a.RawStopIDs, id)
		}
		if id := ie.GetRouteId(); id != "" {
			a.RawRouteIDs = append(a.RawRouteIDs, id)
		}
		if id := ie.GetTrip().GetTripId(); id != "" {
			a.RawTripIDs = append(a.RawTripIDs, id)
		}
	}
	return a
}

// translation prefers an untagged or English text, then the first one
func translation(ts *gtfsrtpb.TranslatedString) string {
	var first string
	for _, t := range ts.GetTranslation() {
		text := strings.TrimSpace(t.GetText())
		if text == "" {
			continue
		}
		lang := strings.ToLower(t.GetLanguage())
		if lang == "" || lang == "en" {
			return text
		}
		if first == "" {
			first = text
		}
	}
	return first
}

func unixTime(sec uint64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(int64(sec), 0)
}
