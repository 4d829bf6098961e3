package router

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitfuse/internal/domain"
	"transitfuse/internal/schedule"
	"transitfuse/internal/schedule/schedtest"
)

type staticSource struct{ s *schedule.Schedule }

func (s staticSource) Current() *schedule.Schedule { return s.s }

type delayMap map[string][]domain.ReconciledEntry

func (d delayMap) ByTrip(tripID string) []domain.ReconciledEntry { return d[tripID] }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func hm(s string) domain.ScheduleTime { return domain.MustScheduleTime(s) }

// two rides A -> B -> C with a three minute minimum change at B
func twoLegNetwork(t *testing.T) *schedtest.Builder {
	t.Helper()
	return schedtest.New().
		Stop("A", "OP", 0, 0).
		Stop("B", "OP", 0, 0).
		Stop("C", "OP", 0, 0).
		Route("R1", "1").
		Route("R2", "2").
		Trip("T1", "R1", "WK", 0, "A@08:00", "B@08:10").
		Trip("T2", "R2", "WK", 0, "B@08:15", "C@08:30").
		Trip("T3", "R2", "WK", 0, "B@08:45", "C@09:00").
		Transfer("B", "B", 180)
}

func TestPlanTwoLegs(t *testing.T) {
	sch := twoLegNetwork(t).Build(t, schedule.Options{})
	r := New(staticSource{sch}, nil, discard())

	journeys, err := r.Plan(context.Background(), Request{Origin: "A", Destination: "C", Departure: hm("08:00")})
	require.NoError(t, err)
	require.Len(t, journeys, 1)

	j := journeys[0]
	assert.Equal(t, hm("08:30"), j.Arrive)
	assert.Equal(t, hm("08:00"), j.Depart)
	assert.Equal(t, 2, j.Boardings)
	require.Len(t, j.Legs, 2)

	assert.Equal(t, domain.LegRide, j.Legs[0].Kind)
	assert.Equal(t, "T1", j.Legs[0].TripID)
	assert.Equal(t, "A", j.Legs[0].From)
	assert.Equal(t, "B", j.Legs[0].To)
	assert.Equal(t, "1", j.Legs[0].Line)
	assert.Equal(t, "T2", j.Legs[1].TripID)
	assert.Equal(t, "C", j.Legs[1].To)
	assert.LessOrEqual(t, j.Legs[0].Arrive, j.Legs[1].Depart)
}

func TestPlanMinimumChangeTime(t *testing.T) {
	sch := twoLegNetwork(t).Transfer("B", "B", 360).Build(t, schedule.Options{})
	r := New(staticSource{sch}, nil, discard())

	journeys, err := r.Plan(context.Background(), Request{Origin: "A", Destination: "C", Departure: hm("08:00")})
	require.NoError(t, err)
	require.Len(t, journeys, 1)
	assert.Equal(t, "T3", journeys[0].Legs[1].TripID)
	assert.Equal(t, hm("09:00"), journeys[0].Arrive)
}

func TestPlanParetoSet(t *testing.T) {
	sch := twoLegNetwork(t).
		Route("R3", "3").
		Trip("SLOW", "R3", "WK", 0, "A@08:05", "C@09:10").
		Build(t, schedule.Options{})
	r := New(staticSource{sch}, nil, discard())

	journeys, err := r.Plan(context.Background(), Request{Origin: "A", Destination: "C", Departure: hm("08:00")})
	require.NoError(t, err)
	require.Len(t, journeys, 2)

	assert.Equal(t, hm("08:30"), journeys[0].Arrive)
	assert.Equal(t, 2, journeys[0].Boardings)
	assert.Equal(t, hm("09:10"), journeys[1].Arrive)
	assert.Equal(t, 1, journeys[1].Boardings)
	assert.Equal(t, "SLOW", journeys[1].Legs[0].TripID)
}

func TestPlanFewerBoardingsOnEqualArrival(t *testing.T) {
	sch := twoLegNetwork(t).
		Route("R3", "3").
		Trip("DIRECT", "R3", "WK", 0, "A@08:02", "C@08:30").
		Build(t, schedule.Options{})
	r := New(staticSource{sch}, nil, discard())

	journeys, err := r.Plan(context.Background(), Request{Origin: "A", Destination: "C", Departure: hm("08:00")})
	require.NoError(t, err)
	require.Len(t, journeys, 1)
	assert.Equal(t, 1, journeys[0].Boardings)
	assert.Equal(t, "DIRECT", journeys[0].Legs[0].TripID)
}

func TestPlanPlatformEquivalence(t *testing.T) {
	sch := schedtest.New().
		Stop("A", "OP", 0, 0).
		Station("S", "OP", 0, 0).
		Platform("S_1", "S", "OP", 0, 0).
		Platform("S_2", "S", "OP", 0, 0).
		Stop("C", "OP", 0, 0).
		Route("R1", "1").
		Route("R2", "2").
		Trip("T1", "R1", "WK", 0, "A@08:00", "S_1@08:10").
		Trip("T2", "R2", "WK", 0, "S_2@08:15", "C@08:30").
		Build(t, schedule.Options{StationTransferSeconds: 120})
	r := New(staticSource{sch}, nil, discard())

	t.Run("change platforms inside a station", func(t *testing.T) {
		journeys, err := r.Plan(context.Background(), Request{Origin: "A", Destination: "C", Departure: hm("08:00")})
		require.NoError(t, err)
		require.Len(t, journeys, 1)

		legs := journeys[0].Legs
		require.Len(t, legs, 3)
		assert.Equal(t, domain.LegWalk, legs[1].Kind)
		assert.Equal(t, "S_1", legs[1].From)
		assert.Equal(t, "S_2", legs[1].To)
		assert.Equal(t, 120, legs[1].Duration)
		assert.Equal(t, 120, journeys[0].WalkSeconds)
		assert.Equal(t, 2, journeys[0].Boardings)
	})

	t.Run("station as destination", func(t *testing.T) {
		journeys, err := r.Plan(context.Background(), Request{Origin: "A", Destination: "S", Departure: hm("08:00")})
		require.NoError(t, err)
		require.Len(t, journeys, 1)
		last := journeys[0].Legs[len(journeys[0].Legs)-1]
		assert.Equal(t, "S", last.To)
		assert.Equal(t, "1", last.ToPlatform)
		assert.Equal(t, hm("08:10"), journeys[0].Arrive)
	})

	t.Run("station as origin", func(t *testing.T) {
		journeys, err := r.Plan(context.Background(), Request{Origin: "S", Destination: "C", Departure: hm("08:00")})
		require.NoError(t, err)
		require.Len(t, journeys, 1)
		first := journeys[0].Legs[0]
		assert.Equal(t, "S", first.From)
		assert.Equal(t, "2", first.FromPlatform)
		assert.Len(t, journeys[0].Legs, 1)
	})
}

func TestPlanRealtimeDelays(t *testing.T) {
	sch := twoLegNetwork(t).Build(t, schedule.Options{})
	delays := delayMap{
		"T1": {{
			Kind:   domain.KindStopTimeUpdate,
			TripID: domain.StringPtr("T1"),
			StopID: "A",
			Delay:  domain.IntPtr(600),
			Source: domain.SourceJoined,
		}},
	}
	r := New(staticSource{sch}, delays, discard())

	static, err := r.Plan(context.Background(), Request{Origin: "A", Destination: "C", Departure: hm("08:00")})
	require.NoError(t, err)
	assert.Equal(t, hm("08:30"), static[0].Arrive)

	// the delay at A carries forward to B, so T2 is missed
	live, err := r.Plan(context.Background(), Request{Origin: "A", Destination: "C", Departure: hm("08:00"), Realtime: true})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, hm("09:00"), live[0].Arrive)
	assert.Equal(t, 600, live[0].Legs[0].Delay)
	assert.Equal(t, hm("08:20"), live[0].Legs[0].Arrive)
}

func TestPlanServiceDate(t *testing.T) {
	sch := twoLegNetwork(t).
		Calendar("WK", "20250101", "20251231", time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday).
		Build(t, schedule.Options{})
	r := New(staticSource{sch}, nil, discard())

	weekday := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)
	_, err := r.Plan(context.Background(), Request{Origin: "A", Destination: "C", Departure: hm("08:00"), Date: weekday})
	require.NoError(t, err)

	saturday := time.Date(2025, 3, 8, 0, 0, 0, 0, time.UTC)
	_, err = r.Plan(context.Background(), Request{Origin: "A", Destination: "C", Departure: hm("08:00"), Date: saturday})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPlanErrors(t *testing.T) {
	sch := twoLegNetwork(t).Build(t, schedule.Options{})
	r := New(staticSource{sch}, nil, discard())
	ctx := context.Background()

	_, err := r.Plan(ctx, Request{Origin: "NOPE", Destination: "C", Departure: hm("08:00")})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = r.Plan(ctx, Request{Origin: "A", Destination: "A", Departure: hm("08:00")})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = r.Plan(ctx, Request{Origin: "A", Destination: "C", Departure: hm("23:00")})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = r.Plan(ctx, Request{Origin: "C", Destination: "A", Departure: hm("08:00")})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	empty := New(staticSource{}, nil, discard())
	_, err = empty.Plan(ctx, Request{Origin: "A", Destination: "C"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPlanRoundCap(t *testing.T) {
	sch := twoLegNetwork(t).Build(t, schedule.Options{})
	r := New(staticSource{sch}, nil, discard())

	_, err := r.Plan(context.Background(), Request{Origin: "A", Destination: "C", Departure: hm("08:00"), MaxRounds: 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPlanStationToStationTransfer(t *testing.T) {
	sch := schedtest.New().
		Stop("A", "OP", 0, 0).
		Station("S1", "OP", 0, 0).
		Platform("S1_1", "S1", "OP", 0, 0).
		Station("S2", "OP", 0, 0).
		Platform("S2_1", "S2", "OP", 0, 0).
		Stop("C", "OP", 0, 0).
		Route("R1", "1").
		Route("R2", "2").
		Trip("T1", "R1", "WK", 0, "A@08:00", "S1_1@08:10").
		Trip("T2", "R2", "WK", 0, "S2_1@08:20", "C@08:30").
		Transfer("S1", "S2", 120).
		Build(t, schedule.Options{})
	r := New(staticSource{sch}, nil, discard())

	journeys, err := r.Plan(context.Background(), Request{Origin: "A", Destination: "C", Departure: hm("08:00")})
	require.NoError(t, err)
	require.Len(t, journeys, 1)

	j := journeys[0]
	assert.Equal(t, hm("08:30"), j.Arrive)
	require.Len(t, j.Legs, 3)
	assert.Equal(t, domain.LegWalk, j.Legs[1].Kind)
	assert.Equal(t, "S1_1", j.Legs[1].From)
	assert.Equal(t, "S2_1", j.Legs[1].To)
	assert.Equal(t, "T2", j.Legs[2].TripID)
}

// walking off one stop early beats the minimum change at the next one
func TestPlanWalkAvoidsMinimumChange(t *testing.T) {
	sch := schedtest.New().
		Stop("A", "OP", 0, 0).
		Stop("B", "OP", 0, 0).
		Stop("C", "OP", 0, 0).
		Stop("D", "OP", 0, 0).
		Route("R1", "1").
		Route("R2", "2").
		Trip("T1", "R1", "WK", 0, "A@08:00", "B@08:10", "D@08:11").
		Trip("T2", "R2", "WK", 0, "B@08:12:30", "C@08:20").
		Trip("T3", "R2", "WK", 0, "B@08:30", "C@08:40").
		Transfer("D", "B", 60).
		Transfer("B", "B", 180).
		Build(t, schedule.Options{})
	r := New(staticSource{sch}, nil, discard())

	journeys, err := r.Plan(context.Background(), Request{Origin: "A", Destination: "C", Departure: hm("08:00")})
	require.NoError(t, err)
	require.Len(t, journeys, 1)

	j := journeys[0]
	assert.Equal(t, hm("08:20"), j.Arrive)
	assert.Equal(t, 2, j.Boardings)
	require.Len(t, j.Legs, 3)
	assert.Equal(t, "T1", j.Legs[0].TripID)
	assert.Equal(t, "D", j.Legs[0].To)
	assert.Equal(t, domain.LegWalk, j.Legs[1].Kind)
	assert.Equal(t, "B", j.Legs[1].To)
	assert.Equal(t, "T2", j.Legs[2].TripID)
}
