package schedule_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitfuse/internal/domain"
	"transitfuse/internal/schedule"
	"transitfuse/internal/schedule/schedtest"
)

func stationFixture() *schedtest.Builder {
	return schedtest.New().
		Station("OP_S", "OP", 41.0, 2.0).
		Platform("OP_S_1", "OP_S", "OP", 41.0, 2.0).
		Platform("OP_S_2", "OP_S", "OP", 41.0, 2.0).
		Stop("OP_A", "OP", 41.01, 2.0).
		Route("OP_R", "R1").
		Trip("OP_T1", "OP_R", "WK", 0, "OP_A@08:00", "OP_S_1@08:10").
		Trip("OP_T2", "OP_R", "WK", 0, "OP_A@09:00", "OP_S_1@09:10")
}

func TestBuildIndexesStationPlatforms(t *testing.T) {
	s := stationFixture().Build(t, schedule.Options{StationTransferSeconds: 60})

	assert.Equal(t, []string{"OP_S_1", "OP_S_2"}, s.Platforms("OP_S"))
	assert.Equal(t, []string{"OP_A"}, s.Platforms("OP_A"))
	assert.Nil(t, s.Platforms("missing"))
	assert.Equal(t, "OP_S", s.Station("OP_S_2"))
	assert.True(t, s.SameStation("OP_S_1", "OP_S_2"))
	assert.False(t, s.SameStation("OP_S_1", "OP_A"))
}

func TestImplicitPlatformTransfers(t *testing.T) {
	s := stationFixture().Build(t, schedule.Options{StationTransferSeconds: 60})

	for _, pair := range [][2]string{{"OP_S_1", "OP_S_2"}, {"OP_S_2", "OP_S_1"}} {
		secs, ok := s.TransferSeconds(pair[0], pair[1])
		require.True(t, ok, "%s -> %s", pair[0], pair[1])
		assert.Equal(t, 60, secs)
	}

	edges := s.Transfers("OP_S_1")
	require.Len(t, edges, 1)
	assert.Equal(t, domain.TransferSameStation, edges[0].Kind)
}

func TestExplicitTransferOverridesImplicit(t *testing.T) {
	s := stationFixture().
		Transfer("OP_S_1", "OP_S_2", 240).
		Transfer("OP_S_1", "OP_S_1", 180).
		Build(t, schedule.Options{StationTransferSeconds: 60})

	secs, ok := s.TransferSeconds("OP_S_1", "OP_S_2")
	require.True(t, ok)
	assert.Equal(t, 240, secs)

	idx, ok := s.StopIndex("OP_S_1")
	require.True(t, ok)
	assert.Equal(t, 180, s.MinChange(idx))
}

func TestStationTransferAppliesToPlatforms(t *testing.T) {
	s := stationFixture().
		Station("OP_Q", "OP", 41.0, 2.01).
		Platform("OP_Q_1", "OP_Q", "OP", 41.0, 2.01).
		Transfer("OP_S", "OP_Q", 120).
		Build(t, schedule.Options{StationTransferSeconds: 60})

	for _, from := range []string{"OP_S_1", "OP_S_2"} {
		secs, ok := s.TransferSeconds(from, "OP_Q_1")
		require.True(t, ok, from)
		assert.Equal(t, 120, secs)
	}
	_, ok := s.TransferSeconds("OP_Q_1", "OP_S_1")
	assert.False(t, ok)

	secs, ok := s.TransferSeconds("OP_S_1", "OP_S_2")
	require.True(t, ok)
	assert.Equal(t, 60, secs)
}

func TestBuildRejectsBrokenHierarchy(t *testing.T) {
	b := schedtest.New().
		Stop("OP_A", "OP", 0, 0).
		Platform("OP_P", "OP_A", "OP", 0, 0)
	_, err := schedule.Build(b.Result(), schedule.Options{})
	assert.ErrorIs(t, err, schedule.ErrInvalidSchedule)

	b = schedtest.New().
		Station("OP_S", "OP", 0, 0).
		Platform("OTHER_P", "OP_S", "OTHER", 0, 0)
	_, err = schedule.Build(b.Result(), schedule.Options{})
	assert.ErrorIs(t, err, schedule.ErrInvalidSchedule)

	b = schedtest.New().Platform("OP_P", "OP_NOPE", "OP", 0, 0)
	_, err = schedule.Build(b.Result(), schedule.Options{})
	assert.ErrorIs(t, err, schedule.ErrInvalidSchedule)
}

func TestBuildDropsInconsistentTrips(t *testing.T) {
	s := stationFixture().
		Trip("OP_BACKWARDS", "OP_R", "WK", 0, "OP_A@08:30", "OP_S_1@08:20").
		Trip("OP_DWELL", "OP_R", "WK", 0, "OP_A@08:30/08:29", "OP_S_1@08:40").
		Trip("OP_GHOST", "OP_R", "WK", 0, "OP_A@08:30", "OP_NOWHERE@08:40").
		Build(t, schedule.Options{})

	_, ok := s.Trip("OP_T1")
	assert.True(t, ok)
	for _, id := range []string{"OP_BACKWARDS", "OP_DWELL", "OP_GHOST"} {
		_, ok := s.Trip(id)
		assert.False(t, ok, id)
	}
	assert.Equal(t, 3, s.Stats().DroppedTrips)
}

func TestPatternsSplitOvertakingTrips(t *testing.T) {
	s := schedtest.New().
		Stop("A", "OP", 0, 0).
		Stop("B", "OP", 0, 0).
		Route("R", "R").
		Trip("SLOW", "R", "WK", 0, "A@08:00", "B@09:00").
		Trip("FAST", "R", "WK", 0, "A@08:10", "B@08:30").
		Trip("NEXT", "R", "WK", 0, "A@08:20", "B@09:20").
		Build(t, schedule.Options{})

	require.Equal(t, 2, s.Stats().Patterns)
	for id := 0; id < 2; id++ {
		p := s.Pattern(id)
		for i := 1; i < len(p.Trips); i++ {
			prev, next := p.Trips[i-1], p.Trips[i]
			for k := range prev.StopTimes {
				assert.LessOrEqual(t, prev.StopTimes[k].Departure, next.StopTimes[k].Departure)
			}
		}
	}
}

func TestServiceActive(t *testing.T) {
	s := stationFixture().
		Calendar("WK", "20250101", "20251231", time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday).
		Exception("WK", "20250303", 2).
		Exception("WK", "20250301", 1).
		Exception("XMAS", "20251225", 1).
		Build(t, schedule.Options{})

	day := func(s string) time.Time {
		d, err := time.Parse("20060102", s)
		require.NoError(t, err)
		return d
	}

	assert.True(t, s.ServiceActive("WK", day("20250304")), "tuesday")
	assert.False(t, s.ServiceActive("WK", day("20250302")), "sunday")
	assert.False(t, s.ServiceActive("WK", day("20250303")), "removed monday")
	assert.True(t, s.ServiceActive("WK", day("20250301")), "added saturday")
	assert.False(t, s.ServiceActive("WK", day("20260105")), "after end date")
	assert.True(t, s.ServiceActive("XMAS", day("20251225")))
	assert.False(t, s.ServiceActive("XMAS", day("20251226")))
	assert.True(t, s.ServiceActive("UNDECLARED", day("20251226")))
	assert.True(t, s.ServiceActive("WK", time.Time{}))
}

func TestCandidatesIncludeSiblingPlatformsAndPreviousDay(t *testing.T) {
	s := stationFixture().
		Trip("OP_LATE", "OP_R", "WK", 0, "OP_A@24:05", "OP_S_2@24:15").
		Trip("OP_BACK", "OP_R", "WK", 1, "OP_S_2@08:00", "OP_A@08:10").
		Build(t, schedule.Options{})

	date := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)
	dir := 0
	cands := s.Candidates("OP_R", &dir, "OP_S_1", date)

	byTrip := map[string]schedule.Candidate{}
	for _, c := range cands {
		byTrip[c.TripID] = c
	}
	assert.Contains(t, byTrip, "OP_T1")
	assert.Contains(t, byTrip, "OP_T2")
	assert.NotContains(t, byTrip, "OP_BACK")
	require.Contains(t, byTrip, "OP_LATE")
	assert.Equal(t, domain.MustScheduleTime("00:15:00"), byTrip["OP_LATE"].Time)
	assert.Equal(t, "OP_S_2", byTrip["OP_LATE"].StopID)
}

func TestWalkEdgesBetweenNetworks(t *testing.T) {
	s := schedtest.New().
		Stop("A_1", "A", 41.3870, 2.1700).
		Stop("B_1", "B", 41.3875, 2.1700).
		Stop("B_FAR", "B", 41.4000, 2.1700).
		Stop("A_2", "A", 41.3871, 2.1700).
		Build(t, schedule.Options{WalkRadiusMeters: 200, WalkSpeedMPS: 1.0})

	secs, ok := s.TransferSeconds("A_1", "B_1")
	require.True(t, ok)
	d := schedule.HaversineMeters(41.3870, 2.1700, 41.3875, 2.1700)
	assert.InDelta(t, d, float64(secs), 1)

	_, ok = s.TransferSeconds("B_1", "A_1")
	assert.True(t, ok)
	_, ok = s.TransferSeconds("A_1", "B_FAR")
	assert.False(t, ok)
	_, ok = s.TransferSeconds("A_1", "A_2")
	assert.False(t, ok, "same network is never walked implicitly")

	edges := s.Transfers("A_1")
	require.NotEmpty(t, edges)
	assert.Equal(t, domain.TransferInterOperatorWalk, edges[0].Kind)
}
