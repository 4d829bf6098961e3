package reconcile

import (
	"errors"
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

func fixture(t *testing.T) *Reconciler {
	t.Helper()
	s := schedtest.New().
		Stop("OP_A", "OP", 0, 0).
		Station("OP_S", "OP", 0, 0).
		Platform("OP_S_1", "OP_S", "OP", 0, 0).
		Platform("OP_S_2", "OP_S", "OP", 0, 0).
		Stop("OP_B", "OP", 0, 0).
		Route("OP_R", "R1").
		Trip("OP_T1", "OP_R", "WK", 0, "OP_A@08:00", "OP_S_1@08:10", "OP_B@08:20").
		Trip("OP_T2", "OP_R", "WK", 0, "OP_A@08:04", "OP_S_1@08:14", "OP_B@08:24").
		Stop("RENFE_71801", "RENFE", 0, 0).
		Stop("RENFE_79600", "RENFE", 0, 0).
		Route("R2", "R2").
		Trip("12345", "R2", "WK", 0, "RENFE_71801@09:00", "RENFE_79600@09:06").
		Stop("X_200", "X", 0, 0).
		Build(t, schedule.Options{})
	return New(staticSource{s})
}

func mustCompile(t *testing.T, spec RuleSpec) *Rules {
	t.Helper()
	r, err := Compile(spec)
	require.NoError(t, err)
	return r
}

func at(hhmm string) *time.Time {
	ts := domain.MustScheduleTime(hhmm).On(time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC))
	return &ts
}

func TestExactJoinIsIdempotent(t *testing.T) {
	r := fixture(t)
	rules := mustCompile(t, RuleSpec{Operator: "OP", Strategy: StrategyExact, IDPrefix: "OP_"})
	obs := &domain.StopTimeUpdate{
		Operator:       "OP",
		RawTripID:      "T1",
		RawStopID:      "A",
		DepartureDelay: domain.IntPtr(120),
		Timestamp:      *at("07:59"),
	}

	first, err := r.Reconcile(obs, rules)
	require.NoError(t, err)
	second, err := r.Reconcile(obs, rules)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	require.NotNil(t, first.TripID)
	assert.Equal(t, "OP_T1", *first.TripID)
	assert.Equal(t, "OP_A", first.StopID)
	assert.Equal(t, domain.SourceJoined, first.Source)
	assert.Equal(t, "R1", first.Line)
	assert.True(t, at("08:02").Equal(first.Expected))
}

func TestPrefixRepairAppliesToEveryKind(t *testing.T) {
	r := fixture(t)
	rules := mustCompile(t, RuleSpec{Operator: "RENFE", Strategy: StrategyPrefixRepair, IDPrefix: "RENFE_"})

	stu, err := r.Reconcile(&domain.StopTimeUpdate{RawTripID: "12345", RawStopID: "71801", DepartureDelay: domain.IntPtr(0)}, rules)
	require.NoError(t, err)
	assert.Equal(t, "12345", *stu.TripID)
	assert.Equal(t, "RENFE_71801", stu.StopID)

	veh, err := r.Reconcile(&domain.VehiclePosition{VehicleID: "V1", RawTripID: "12345", RawStopID: "79600"}, rules)
	require.NoError(t, err)
	assert.Equal(t, "12345", *veh.TripID)
	assert.Equal(t, "RENFE_79600", veh.StopID)
	assert.Equal(t, domain.SourceJoined, veh.Source)

	alert, err := r.Reconcile(&domain.Alert{ID: "A", RawStopIDs: []string{"71801"}, RawTripIDs: []string{"12345", "99999"}}, rules)
	require.NoError(t, err)
	assert.Equal(t, []string{"RENFE_71801"}, alert.Alert.StopIDs)
	assert.Equal(t, []string{"12345"}, alert.Alert.TripIDs)
}

func TestSentinelTripsAreDiscarded(t *testing.T) {
	r := fixture(t)
	rules := mustCompile(t, RuleSpec{Operator: "OP", Strategy: StrategyExact, IDPrefix: "OP_", Sentinels: []string{"UNKNOWN"}})

	for _, raw := range []string{"0", "0000", "UNKNOWN"} {
		_, err := r.Reconcile(&domain.StopTimeUpdate{RawTripID: raw, RawStopID: "A"}, rules)
		assert.ErrorIs(t, err, domain.ErrSentinelTrip, raw)

		_, err = r.Reconcile(&domain.VehiclePosition{RawTripID: raw}, rules)
		assert.ErrorIs(t, err, domain.ErrSentinelTrip, raw)
	}
}

func TestUnknownIdsAreScheduleStale(t *testing.T) {
	r := fixture(t)
	rules := mustCompile(t, RuleSpec{Operator: "OP", Strategy: StrategyExact, IDPrefix: "OP_"})

	_, err := r.Reconcile(&domain.StopTimeUpdate{RawTripID: "T9", RawStopID: "A"}, rules)
	assert.ErrorIs(t, err, domain.ErrScheduleStale)

	_, err = r.Reconcile(&domain.StopTimeUpdate{RawTripID: "T1", RawStopID: "NOPE"}, rules)
	assert.ErrorIs(t, err, domain.ErrScheduleStale)

	_, err = New(staticSource{}).Reconcile(&domain.StopTimeUpdate{RawTripID: "T1", RawStopID: "A"}, rules)
	assert.ErrorIs(t, err, domain.ErrScheduleStale)
}

func TestSiblingPlatformRecordsPlatform(t *testing.T) {
	r := fixture(t)
	rules := mustCompile(t, RuleSpec{Operator: "OP", Strategy: StrategyExact, IDPrefix: "OP_"})

	e, err := r.Reconcile(&domain.StopTimeUpdate{RawTripID: "T1", RawStopID: "S_2", DepartureDelay: domain.IntPtr(60)}, rules)
	require.NoError(t, err)
	assert.Equal(t, "OP_S_1", e.StopID)
	require.NotNil(t, e.Platform)
	assert.Equal(t, "2", *e.Platform)
}

func TestDelayDerivedFromAbsoluteTime(t *testing.T) {
	r := fixture(t)
	rules := mustCompile(t, RuleSpec{Operator: "OP", Strategy: StrategyExact, IDPrefix: "OP_"})

	e, err := r.Reconcile(&domain.StopTimeUpdate{
		RawTripID:     "T1",
		RawStopID:     "B",
		StartDate:     "20250304",
		DepartureTime: at("08:22:30"),
	}, rules)
	require.NoError(t, err)
	require.NotNil(t, e.Delay)
	assert.Equal(t, 150, *e.Delay)
}

func TestTimeWindowNeverGuesses(t *testing.T) {
	r := fixture(t)
	rules := mustCompile(t, RuleSpec{Operator: "OP", Strategy: StrategyTimeWindow, IDPrefix: "OP_", Window: 120 * time.Second})
	dir := 0

	_, err := r.Reconcile(&domain.StopTimeUpdate{
		RawRouteID:    "R",
		RawStopID:     "A",
		DirectionID:   &dir,
		DepartureTime: at("08:02"),
	}, rules)
	assert.ErrorIs(t, err, domain.ErrAmbiguous)
	assert.ErrorIs(t, err, domain.ErrUnresolved)

	rules = mustCompile(t, RuleSpec{Operator: "OP", Strategy: StrategyTimeWindow, IDPrefix: "OP_", Window: 60 * time.Second})
	e, err := r.Reconcile(&domain.StopTimeUpdate{
		RawRouteID:    "R",
		RawStopID:     "A",
		DepartureTime: at("08:01"),
	}, rules)
	require.NoError(t, err)
	assert.Equal(t, "OP_T1", *e.TripID)
	assert.Equal(t, 60, *e.Delay)

	_, err = r.Reconcile(&domain.StopTimeUpdate{RawRouteID: "R", RawStopID: "A", DepartureTime: at("10:00")}, rules)
	assert.ErrorIs(t, err, domain.ErrUnresolved)
	assert.False(t, errors.Is(err, domain.ErrAmbiguous))
}

func TestMatchWindow(t *testing.T) {
	ref := domain.MustScheduleTime("08:02")
	cands := []schedule.Candidate{
		{TripID: "A", Time: domain.MustScheduleTime("08:00")},
		{TripID: "B", Time: domain.MustScheduleTime("08:04")},
	}

	_, err := MatchWindow(cands, ref, 2*time.Minute)
	assert.ErrorIs(t, err, domain.ErrAmbiguous)

	c, err := MatchWindow(cands, domain.MustScheduleTime("07:59"), 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "A", c.TripID)

	_, err = MatchWindow(nil, ref, time.Hour)
	assert.ErrorIs(t, err, domain.ErrUnresolved)

	dup := append(cands[:1:1], schedule.Candidate{TripID: "A", Time: domain.MustScheduleTime("08:01")})
	c, err = MatchWindow(dup, ref, 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, domain.MustScheduleTime("08:01"), c.Time)
}

func TestUnjoinableServesProvisionalIds(t *testing.T) {
	r := fixture(t)
	rules := mustCompile(t, RuleSpec{Operator: "X", Strategy: StrategyUnjoinable, IDPrefix: "X_"})

	e, err := r.Reconcile(&domain.StopTimeUpdate{
		RawTripID:     "OP_109_L1_0011",
		RawStopID:     "200",
		Provisional:   true,
		Line:          "L1",
		DepartureTime: at("08:30"),
	}, rules)
	require.NoError(t, err)
	assert.Nil(t, e.TripID)
	assert.Equal(t, "OP_109_L1_0011", e.ProvisionalID)
	assert.Equal(t, "X_200", e.StopID)
	assert.Equal(t, domain.SourceRTDirect, e.Source)
	assert.Equal(t, "OP_109_L1_0011|X_200", e.Key())
}

func TestTransformApply(t *testing.T) {
	tr := Transform{Strip: "ES-", Prefix: "RENFE_"}
	assert.Equal(t, "RENFE_71801", tr.Apply("ES-71801"))
	assert.Equal(t, "RENFE_71801", tr.Apply("71801"))
	assert.Equal(t, "RENFE_71801", tr.Apply(tr.Apply("71801")))
	assert.Equal(t, "", tr.Apply("  "))
	assert.Equal(t, "abc", Transform{}.Apply("abc"))
}

func TestCompileValidates(t *testing.T) {
	_, err := Compile(RuleSpec{Operator: "R", Strategy: StrategyPrefixRepair})
	assert.Error(t, err)

	_, err = Compile(RuleSpec{Operator: "R", Strategy: "fuzzy"})
	assert.Error(t, err)

	r, err := Compile(RuleSpec{Operator: "R", Strategy: StrategyTimeWindow})
	require.NoError(t, err)
	assert.Equal(t, DefaultWindow, r.Window)
	assert.Equal(t, time.UTC, r.Location)
}

func TestTallyCountsOutcomes(t *testing.T) {
	tally := NewTally()
	tally.Add(Outcome(domain.ReconciledEntry{Source: domain.SourceJoined}, nil), "T1")
	tally.Add(Outcome(domain.ReconciledEntry{Source: domain.SourceRTDirect}, nil), "P1")
	tally.Add(Outcome(domain.ReconciledEntry{}, domain.ErrAmbiguous), "T2")
	tally.Add(Outcome(domain.ReconciledEntry{}, domain.ErrScheduleStale), "T3")
	tally.Add(Outcome(domain.ReconciledEntry{}, domain.ErrSentinelTrip), "0")

	assert.Equal(t, 2, tally.Stored())
	assert.Equal(t, 3, tally.Dropped())
	assert.Equal(t, 1, tally.Count(OutcomeAmbiguous))
	assert.Equal(t, 0, tally.Count(OutcomeUnresolved))
}
