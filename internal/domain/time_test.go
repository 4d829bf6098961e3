package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScheduleTime(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want ScheduleTime
	}{
		{"08:00:00", 8 * 3600},
		{"8:02:30", 8*3600 + 2*60 + 30},
		{"25:10:00", 25*3600 + 10*60},
		{"07:45", 7*3600 + 45*60},
		{" 00:00:00 ", 0},
	} {
		got, err := ParseScheduleTime(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"", "8", "08:60:00", "aa:00:00", "-1:00:00", "1:2:3:4"} {
		_, err := ParseScheduleTime(bad)
		assert.Error(t, err, bad)
	}
}

func TestScheduleTimeString(t *testing.T) {
	assert.Equal(t, "08:02:00", MustScheduleTime("08:02:00").String())
	assert.Equal(t, "26:00:05", ScheduleTime(26*3600+5).String())
	assert.Equal(t, "-00:02:00", ScheduleTime(-120).String())
}

func TestScheduleTimeOn(t *testing.T) {
	loc := time.FixedZone("CET", 3600)

	date := time.Date(2025, 3, 14, 0, 0, 0, 0, loc)
	assert.True(t, time.Date(2025, 3, 14, 8, 0, 0, 0, loc).Equal(MustScheduleTime("08:00:00").On(date)))
	assert.True(t, time.Date(2025, 3, 15, 1, 30, 0, 0, loc).Equal(MustScheduleTime("25:30:00").On(date)))

	ts := time.Date(2025, 3, 15, 0, 30, 0, 0, loc)
	assert.Equal(t, MustScheduleTime("24:30:00"), SinceServiceDay(ts, date))
}

func TestAsFeedError(t *testing.T) {
	perm := PermanentFeedError("OP", errors.New("unauthorized"))
	wrapped := fmt.Errorf("poll: %w", perm)

	fe := AsFeedError("OP", wrapped)
	assert.True(t, fe.Permanent())

	fe = AsFeedError("OP", errors.New("boom"))
	assert.False(t, fe.Permanent())
	assert.Equal(t, "OP", fe.Operator)
}

func TestReconciledEntryKey(t *testing.T) {
	joined := ReconciledEntry{Kind: KindStopTimeUpdate, TripID: StringPtr("T1"), StopID: "X_100"}
	assert.Equal(t, "T1|X_100", joined.Key())

	direct := ReconciledEntry{Kind: KindStopTimeUpdate, ProvisionalID: "OP_109_L1_0011", StopID: "X_200"}
	assert.Equal(t, "OP_109_L1_0011|X_200", direct.Key())

	vehicle := ReconciledEntry{Kind: KindVehiclePosition, Operator: "OP", Vehicle: &VehicleFix{VehicleID: "v1"}}
	assert.Equal(t, "vehicle|OP|v1", vehicle.Key())
}

func TestScheduleTimeJSON(t *testing.T) {
	b, err := json.Marshal(Leg{Depart: MustScheduleTime("25:10")})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"depart":"25:10:00"`)

	var v struct{ At ScheduleTime }
	require.NoError(t, json.Unmarshal([]byte(`{"At":3600}`), &v))
	assert.Equal(t, MustScheduleTime("01:00"), v.At)
	assert.Error(t, json.Unmarshal([]byte(`{"At":"soon"}`), &v))
}
