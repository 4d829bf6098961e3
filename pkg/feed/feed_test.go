package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"transitfuse/internal/domain"
)

func testFetcher() *Fetcher {
	return NewFetcher(slog.New(slog.NewTextHandler(io.Discard, nil)), FetcherOptions{
		InitialInterval: time.Millisecond,
		MaxElapsedTime:  200 * time.Millisecond,
	})
}

func ptr[T any](v T) *T { return &v }

func testFeedMessage(t *testing.T) []byte {
	t.Helper()
	fm := &gtfsrtpb.FeedMessage{
		Header: &gtfsrtpb.FeedHeader{
			GtfsRealtimeVersion: ptr("2.0"),
			Incrementality:      ptr(gtfsrtpb.FeedHeader_FULL_DATASET),
			Timestamp:           ptr(uint64(1741075200)),
		},
		Entity: []*gtfsrtpb.FeedEntity{
			{
				Id: ptr("tu1"),
				TripUpdate: &gtfsrtpb.TripUpdate{
					Trip: &gtfsrtpb.TripDescriptor{TripId: ptr("T1"), RouteId: ptr("R1"), DirectionId: ptr(uint32(1)), StartDate: ptr("20250304")},
					StopTimeUpdate: []*gtfsrtpb.TripUpdate_StopTimeUpdate{
						{
							StopSequence: ptr(uint32(1)),
							StopId:       ptr("100"),
							Departure:    &gtfsrtpb.TripUpdate_StopTimeEvent{Delay: ptr(int32(120))},
						},
						{
							StopId:               ptr("101"),
							ScheduleRelationship: ptr(gtfsrtpb.TripUpdate_StopTimeUpdate_SKIPPED),
						},
						{
							StopId:  ptr("102"),
							Arrival: &gtfsrtpb.TripUpdate_StopTimeEvent{Time: ptr(int64(1741076000))},
						},
					},
				},
			},
			{
				Id: ptr("cancelled"),
				TripUpdate: &gtfsrtpb.TripUpdate{
					Trip: &gtfsrtpb.TripDescriptor{TripId: ptr("T2"), ScheduleRelationship: ptr(gtfsrtpb.TripDescriptor_CANCELED)},
					StopTimeUpdate: []*gtfsrtpb.TripUpdate_StopTimeUpdate{
						{StopId: ptr("100"), Departure: &gtfsrtpb.TripUpdate_StopTimeEvent{Delay: ptr(int32(0))}},
					},
				},
			},
			{
				Id: ptr("vp1"),
				Vehicle: &gtfsrtpb.VehiclePosition{
					Trip:            &gtfsrtpb.TripDescriptor{TripId: ptr("T1")},
					Vehicle:         &gtfsrtpb.VehicleDescriptor{Id: ptr("V9")},
					Position:        &gtfsrtpb.Position{Latitude: ptr(float32(41.5)), Longitude: ptr(float32(2.25)), Bearing: ptr(float32(90))},
					CurrentStatus:   ptr(gtfsrtpb.VehiclePosition_STOPPED_AT),
					OccupancyStatus: ptr(gtfsrtpb.VehiclePosition_FEW_SEATS_AVAILABLE),
					Timestamp:       ptr(uint64(1741075190)),
				},
			},
			{
				Id: ptr("al1"),
				Alert: &gtfsrtpb.Alert{
					ActivePeriod:   []*gtfsrtpb.TimeRange{{Start: ptr(uint64(1741075000)), End: ptr(uint64(1741080000))}},
					InformedEntity: []*gtfsrtpb.EntitySelector{{StopId: ptr("100")}, {RouteId: ptr("R1")}},
					HeaderText: &gtfsrtpb.TranslatedString{Translation: []*gtfsrtpb.TranslatedString_Translation{
						{Text: ptr("Obres"), Language: ptr("ca")},
						{Text: ptr("Works"), Language: ptr("en")},
					}},
				},
			},
		},
	}
	data, err := proto.Marshal(fm)
	require.NoError(t, err)
	return data
}

func TestDecodeFeedMessage(t *testing.T) {
	obs, err := DecodeFeedMessage("OP", testFeedMessage(t))
	require.NoError(t, err)

	var (
		updates  []*domain.StopTimeUpdate
		vehicles []*domain.VehiclePosition
		alerts   []*domain.Alert
	)
	for _, o := range obs {
		switch v := o.(type) {
		case *domain.StopTimeUpdate:
			updates = append(updates, v)
		case *domain.VehiclePosition:
			vehicles = append(vehicles, v)
		case *domain.Alert:
			alerts = append(alerts, v)
		}
	}

	require.Len(t, updates, 2, "skipped stops and cancelled trips produce nothing")
	assert.Equal(t, "T1", updates[0].RawTripID)
	assert.Equal(t, "100", updates[0].RawStopID)
	assert.Equal(t, 120, *updates[0].DepartureDelay)
	assert.Equal(t, 1, *updates[0].StopSequence)
	assert.Equal(t, 1, *updates[0].DirectionID)
	assert.Equal(t, "20250304", updates[0].StartDate)
	assert.Nil(t, updates[1].Delay())
	assert.Equal(t, int64(1741076000), updates[1].EventTime().Unix())

	require.Len(t, vehicles, 1)
	assert.Equal(t, "V9", vehicles[0].VehicleID)
	assert.InDelta(t, 41.5, vehicles[0].Lat, 1e-6)
	assert.Equal(t, domain.VehicleStoppedAt, vehicles[0].Status)
	assert.Equal(t, domain.OccupancyFewSeats, vehicles[0].Occupancy)
	require.NotNil(t, vehicles[0].Bearing)

	require.Len(t, alerts, 1)
	assert.Equal(t, "Works", alerts[0].Header)
	assert.Equal(t, []string{"100"}, alerts[0].RawStopIDs)
	assert.Equal(t, []string{"R1"}, alerts[0].RawRouteIDs)
	assert.Equal(t, int64(1741080000), alerts[0].ActiveUntil.Unix())
}

func TestProtobufEmptyAndGarbage(t *testing.T) {
	obs, err := DecodeFeedMessage("OP", nil)
	assert.NoError(t, err)
	assert.Empty(t, obs)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte{0xff, 0xff, 0xff})
	}))
	defer srv.Close()

	a, err := New(FormatProtobuf, testFetcher())
	require.NoError(t, err)
	_, err = a.Poll(context.Background(), Source{Operator: "OP", URLs: []string{srv.URL}})

	var fe *domain.FeedError
	require.True(t, errors.As(err, &fe))
	assert.False(t, fe.Permanent())
}

func TestFetcherRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	body, err := testFetcher().Get(context.Background(), "OP", srv.URL, map[string]string{"X-Api-Key": "secret"})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetcherClientErrorsArePermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := testFetcher().Get(context.Background(), "OP", srv.URL, nil)
	var fe *domain.FeedError
	require.True(t, errors.As(err, &fe))
	assert.True(t, fe.Permanent())
	assert.Equal(t, "OP", fe.Operator)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetcherGivesUpTransiently(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testFetcher().Get(context.Background(), "OP", srv.URL, nil)
	var fe *domain.FeedError
	require.True(t, errors.As(err, &fe))
	assert.False(t, fe.Permanent())
}

func TestDecodeJSONToleratesNulls(t *testing.T) {
	doc := `{
		"timestamp": 1741075200,
		"updates": [
			{"trip_id": "T1", "stop_id": "100", "delay": null, "platform": null, "expected": 1741075320},
			{"trip_id": "T1", "stop_id": "101", "delay": 60, "platform": "3", "occupancy": "full"},
			{"stop_id": "orphan"}
		],
		"vehicles": [
			{"id": "V1", "lat": 41.1, "lon": 2.1, "trip_id": "T1"},
			{"id": "V2", "lat": null, "lon": 2.1}
		],
		"alerts": [{"id": "A1", "header": "Strike", "stop_ids": ["100"], "active_until": null}]
	}`
	obs, err := DecodeJSON("OP", []byte(doc))
	require.NoError(t, err)
	require.Len(t, obs, 4)

	first := obs[0].(*domain.StopTimeUpdate)
	assert.Nil(t, first.Delay())
	assert.Nil(t, first.Platform)
	assert.Equal(t, int64(1741075320), first.EventTime().Unix())
	assert.Equal(t, int64(1741075200), first.Timestamp.Unix())

	second := obs[1].(*domain.StopTimeUpdate)
	assert.Equal(t, 60, *second.Delay())
	assert.Equal(t, "3", *second.Platform)
	assert.Equal(t, domain.OccupancyFull, second.Occupancy)

	assert.Equal(t, "V1", obs[2].(*domain.VehiclePosition).VehicleID)
	assert.True(t, obs[3].(*domain.Alert).ActiveUntil.IsZero())
}

func TestRESTAdapterBuildsProvisionalIds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/200"))
		_, _ = w.Write([]byte(`{"result": [
			{"service": "109", "line": "L1", "direction": "0011", "destination": "Airport", "departure": "2025-03-04 08:30:00", "platform": "2"},
			{"service": "109", "line": "L1", "direction": "0011", "destination": "Airport", "departure": "2025-03-04 08:30:00"},
			{"service": "110", "line": "L1", "direction": "0011", "destination": "Airport", "departure": "bad"}
		]}`))
	}))
	defer srv.Close()

	now := time.Date(2025, 3, 4, 8, 20, 0, 0, time.UTC)
	a := &RESTAdapter{fetcher: testFetcher(), now: func() time.Time { return now }}
	obs, err := a.Poll(context.Background(), Source{
		Operator: "OP",
		URLs:     []string{srv.URL + "/next/" + StationPlaceholder},
		Stations: []string{"200"},
		Location: time.UTC,
	})
	require.NoError(t, err)
	require.Len(t, obs, 1, "duplicates and unparsable times are dropped")

	u := obs[0].(*domain.StopTimeUpdate)
	assert.Equal(t, "OP_109_L1_0011", u.RawTripID)
	assert.True(t, u.Provisional)
	assert.Equal(t, "200", u.RawStopID)
	assert.Equal(t, "Airport", u.Headsign)
	assert.Equal(t, now, u.Timestamp)
	assert.True(t, time.Date(2025, 3, 4, 8, 30, 0, 0, time.UTC).Equal(*u.DepartureTime))
}

func TestRESTAdapterSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result": null, "error": "station unknown"}`))
	}))
	defer srv.Close()

	a, err := New(FormatREST, testFetcher())
	require.NoError(t, err)
	_, err = a.Poll(context.Background(), Source{Operator: "OP", URLs: []string{srv.URL + "/{station}"}, Stations: []string{"X"}})
	assert.ErrorContains(t, err, "station unknown")
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New("siri", testFetcher())
	assert.Error(t, err)
}
