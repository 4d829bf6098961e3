package ingestor

import (
	"archive/zip"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitfuse/internal/config"
	"transitfuse/internal/domain"
	"transitfuse/internal/reconcile"
	"transitfuse/internal/schedule"
	"transitfuse/internal/schedule/schedtest"
	"transitfuse/internal/store"
	"transitfuse/pkg/feed"
	"transitfuse/pkg/gtfs"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeAdapter struct {
	obs   []domain.Observation
	err   error
	block bool
	calls atomic.Int32
}

func (a *fakeAdapter) Poll(ctx context.Context, _ feed.Source) ([]domain.Observation, error) {
	a.calls.Add(1)
	if a.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return a.obs, a.err
}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]domain.ReconciledEntry
}

func (s *recordingSink) Publish(_ context.Context, entries []domain.ReconciledEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, entries)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type staticSchedule struct{ s *schedule.Schedule }

func (s staticSchedule) Current() *schedule.Schedule { return s.s }

var serviceDay = time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)

func pollerFixture(t *testing.T) (*reconcile.Reconciler, *reconcile.Rules) {
	t.Helper()
	s := schedtest.New().
		Stop("OP_A", "OP", 0, 0).
		Stop("OP_B", "OP", 0, 0).
		Route("OP_R", "R1").
		Trip("OP_T1", "OP_R", "WK", 0, "OP_A@08:00", "OP_B@08:10").
		Build(t, schedule.Options{})
	rules, err := reconcile.Compile(reconcile.RuleSpec{Operator: "OP", Strategy: reconcile.StrategyExact, IDPrefix: "OP_"})
	require.NoError(t, err)
	return reconcile.New(staticSchedule{s}), rules
}

func update(trip, stop string, delay int) *domain.StopTimeUpdate {
	return &domain.StopTimeUpdate{
		Operator:       "OP",
		RawTripID:      trip,
		RawStopID:      stop,
		DepartureDelay: domain.IntPtr(delay),
		Timestamp:      domain.MustScheduleTime("07:58").On(serviceDay),
	}
}

func TestCyclePublishesOnlyChanges(t *testing.T) {
	rec, rules := pollerFixture(t)
	adapter := &fakeAdapter{obs: []domain.Observation{
		update("T1", "A", 120),
		update("T1", "B", 120),
		update("T9", "A", 60),
	}}
	st := store.New(store.Options{})
	sink := &recordingSink{}
	clk := &clock{t: serviceDay.Add(8 * time.Hour)}

	p := NewPoller([]Operator{{ID: "OP", Rules: rules, Adapter: adapter, Interval: 30 * time.Second}},
		rec, st, PollerOptions{Now: clk.now}, discard(), sink)
	assert.False(t, p.IsReady())

	report := p.Cycle(context.Background())
	require.Len(t, report.Operators, 1)
	op := report.Operators[0]
	assert.NoError(t, op.Err())
	assert.Equal(t, 3, op.Observations)
	assert.Equal(t, 2, op.Stored)
	assert.Equal(t, 2, op.Changed)
	assert.Equal(t, 1, op.Dropped)
	assert.Equal(t, 1, op.Outcomes[reconcile.OutcomeScheduleStale])
	assert.True(t, p.IsReady())

	require.Len(t, sink.batches, 1)
	assert.Len(t, sink.batches[0], 2)
	assert.Len(t, st.ByTrip("OP_T1"), 2)

	// not due yet
	report = p.Cycle(context.Background())
	assert.Empty(t, report.Operators)
	assert.Equal(t, int32(1), adapter.calls.Load())

	// due again, same data
	clk.t = clk.t.Add(31 * time.Second)
	report = p.Cycle(context.Background())
	require.Len(t, report.Operators, 1)
	assert.Equal(t, 0, report.Operators[0].Changed)
	assert.Len(t, sink.batches, 1)
}

func TestPermanentErrorDisablesOperator(t *testing.T) {
	rec, rules := pollerFixture(t)
	bad := &fakeAdapter{err: domain.PermanentFeedError("BAD", errors.New("status 404"))}
	good := &fakeAdapter{obs: []domain.Observation{update("T1", "A", 0)}}
	clk := &clock{t: serviceDay.Add(8 * time.Hour)}

	p := NewPoller([]Operator{
		{ID: "BAD", Rules: rules, Adapter: bad},
		{ID: "OP", Rules: rules, Adapter: good},
	}, rec, store.New(store.Options{}), PollerOptions{Now: clk.now, Tick: time.Second}, discard())

	report := p.Cycle(context.Background())
	require.Len(t, report.Operators, 2)
	assert.True(t, report.Operators[0].Disabled)
	assert.NoError(t, report.Operators[1].Err())

	clk.t = clk.t.Add(time.Minute)
	report = p.Cycle(context.Background())
	require.Len(t, report.Operators, 1)
	assert.Equal(t, "OP", report.Operators[0].Operator)
	assert.Equal(t, int32(1), bad.calls.Load())

	statuses := p.Operators()
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Disabled)
	assert.Contains(t, statuses[0].LastErr, "404")
	assert.Equal(t, string(reconcile.StrategyExact), statuses[1].Strategy)
	assert.False(t, statuses[1].Disabled)
}

func TestSlowOperatorTimesOutAsTransient(t *testing.T) {
	rec, rules := pollerFixture(t)
	slow := &fakeAdapter{block: true}
	clk := &clock{t: serviceDay.Add(8 * time.Hour)}

	p := NewPoller([]Operator{{ID: "SLOW", Rules: rules, Adapter: slow}},
		rec, store.New(store.Options{}), PollerOptions{Now: clk.now, Timeout: 20 * time.Millisecond}, discard())

	report := p.Cycle(context.Background())
	require.Len(t, report.Operators, 1)
	err := report.Operators[0].Err()
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	var fe *domain.FeedError
	require.ErrorAs(t, err, &fe)
	assert.False(t, fe.Permanent())
	assert.False(t, report.Operators[0].Disabled)
	assert.False(t, p.IsReady())
}

func TestBuildOperators(t *testing.T) {
	cfgs := []config.Operator{
		{
			ID:        "RENFE",
			Strategy:  "prefix-repair",
			IDPrefix:  "RENFE_",
			Sentinels: []string{"0"},
			Static:    config.StaticFeed{URL: "https://example.org/renfe.zip"},
			Feed:      config.LiveFeed{Format: "gtfs-rt", URLs: []string{"https://example.org/rt.pb"}},
		},
		{
			ID:       "FGC",
			Strategy: "unjoinable",
			Disabled: true,
			Feed:     config.LiveFeed{Format: "rest", URLs: []string{"https://example.org/fgc"}, Stations: []string{"PC"}},
		},
	}

	ops, rules, err := BuildOperators(cfgs, feed.NewFetcher(discard(), feed.FetcherOptions{}))
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "RENFE", ops[0].ID)
	assert.IsType(t, &feed.ProtobufAdapter{}, ops[0].Adapter)
	assert.Equal(t, []string{"https://example.org/rt.pb"}, ops[0].Source.URLs)

	assert.Equal(t, reconcile.StrategyPrefixRepair, rules.Strategy("RENFE"))
	assert.Equal(t, reconcile.StrategyUnjoinable, rules.Strategy("FGC"))

	sources := StaticSources(cfgs)
	require.Len(t, sources, 1)
	assert.Equal(t, "RENFE", sources[0].Options.Network)
	assert.True(t, sources[0].Options.PrefixStopsOnly)

	_, _, err = BuildOperators([]config.Operator{{ID: "X", Strategy: "guess"}}, nil)
	assert.Error(t, err)
}

func writeGTFSZip(t *testing.T, path string, files map[string][]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	for name, lines := range files {
		zf, err := w.Create(name)
		require.NoError(t, err)
		_, err = zf.Write([]byte(strings.Join(lines, "\n")))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

func TestGTFSIngestorSwapsOnlyOnNewVersion(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "op.zip")
	writeGTFSZip(t, archive, map[string][]string{
		"agency.txt": {"agency_id,agency_name,agency_url,agency_timezone", "A,Op,http://x,Europe/Madrid"},
		"stops.txt":  {"stop_id,stop_name,stop_lat,stop_lon", "A,Alpha,41.0,2.0", "B,Beta,41.01,2.01"},
		"routes.txt": {"route_id,route_short_name,route_long_name,route_type", "R1,R1,Line 1,3"},
		"trips.txt":  {"route_id,service_id,trip_id,trip_headsign,direction_id", "R1,WK,T1,Beta,0"},
		"stop_times.txt": {
			"trip_id,arrival_time,departure_time,stop_id,stop_sequence",
			"T1,08:00:00,08:00:00,A,1",
			"T1,08:10:00,08:10:00,B,2",
		},
		"calendar.txt": {
			"service_id,monday,tuesday,wednesday,thursday,friday,saturday,sunday,start_date,end_date",
			"WK,1,1,1,1,1,0,0,20250101,20251231",
		},
	})

	st := store.NewScheduleStore()
	swaps := 0
	st.Subscribe(func(*schedule.Schedule) { swaps++ })

	ing := NewGTFSIngestor(
		[]StaticSource{{Operator: "OP", Location: archive, Options: gtfs.Options{Network: "OP", IDPrefix: "OP_"}}},
		nil, st, ScheduleOptions{CacheDir: filepath.Join(dir, "cache")}, discard())

	var hooked *schedule.Schedule
	ing.SetOnUpdate(func(_ context.Context, s *schedule.Schedule) { hooked = s })

	require.NoError(t, ing.Update(context.Background()))
	assert.True(t, ing.IsReady())
	require.NotNil(t, st.Current())
	assert.Same(t, st.Current(), hooked)
	_, ok := st.Current().Stop("OP_A")
	assert.True(t, ok)
	version := st.Version()
	assert.NotEmpty(t, version)

	require.NoError(t, ing.Update(context.Background()))
	assert.Equal(t, version, st.Version())
	assert.Equal(t, 1, swaps)
}

func TestGTFSIngestorKeepsScheduleOnFailure(t *testing.T) {
	st := store.NewScheduleStore()
	ing := NewGTFSIngestor(
		[]StaticSource{{Operator: "OP", Location: filepath.Join(t.TempDir(), "missing.zip")}},
		nil, st, ScheduleOptions{CacheDir: t.TempDir()}, discard())

	err := ing.Update(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load OP")
	assert.Nil(t, st.Current())
	assert.False(t, ing.IsReady())

	empty := NewGTFSIngestor(nil, nil, st, ScheduleOptions{CacheDir: t.TempDir()}, discard())
	assert.Error(t, empty.Update(context.Background()))
}
