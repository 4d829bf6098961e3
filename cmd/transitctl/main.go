package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"transitfuse/internal/config"
	"transitfuse/internal/departures"
	"transitfuse/internal/domain"
	"transitfuse/internal/ingestor"
	"transitfuse/internal/reconcile"
	"transitfuse/internal/router"
	"transitfuse/internal/schedule"
	"transitfuse/internal/store"
	"transitfuse/pkg/feed"
)

// Globals are shared by every subcommand
type Globals struct {
	Operators string   `help:"Operators file (YAML)" type:"existingfile" env:"OPERATORS_FILE"`
	GTFS      []string `help:"Extra GTFS archives (path or URL) loaded without id prefixes" name:"gtfs"`
	CacheDir  string   `help:"Parsed GTFS cache directory" type:"path" env:"GTFS_CACHE_DIR"`
	Debug     bool     `help:"Enable debug logging"`
}

type PlanCmd struct {
	From     string `help:"Origin stop or station id" required:""`
	To       string `help:"Destination stop or station id" required:""`
	Time     string `help:"Departure time HH:MM[:SS], defaults to now"`
	Date     string `help:"Service date YYYYMMDD, defaults to today"`
	Rounds   int    `help:"Maximum number of boardings" default:"4"`
	Realtime bool   `help:"Poll live feeds once and apply delays"`
}

type DeparturesCmd struct {
	Stop  string `help:"Stop or station id" required:""`
	Limit int    `help:"Maximum number of rows" default:"20"`
	Live  bool   `help:"Poll live feeds once before composing the board" default:"true" negatable:""`
}

type PollCmd struct {
	Entries bool `help:"Print the stored entries instead of the cycle report"`
}

var cli struct {
	Globals

	Plan       PlanCmd       `cmd:"" help:"Plan journeys between two stops"`
	Departures DeparturesCmd `cmd:"" help:"Show the departure board of a stop"`
	Poll       PollCmd       `cmd:"" help:"Poll every live feed once and report reconciliation outcomes"`
}

// env holds what the subcommands build from the global flags
type env struct {
	operators []config.Operator
	schedules *store.ScheduleStore
	realtime  *store.Store
	rules     reconcile.RuleSet
	poller    *ingestor.Poller
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("transitctl"),
		kong.Description("Inspect schedules, live feeds and journeys offline."),
		kong.UsageOnError(),
	)

	level := slog.LevelInfo
	if cli.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	kctx.Bind(logger)
	err := kctx.Run(&cli.Globals)
	kctx.FatalIfErrorf(err)
}

func (g *Globals) setup(ctx context.Context, logger *slog.Logger, live bool) (*env, error) {
	e := &env{
		schedules: store.NewScheduleStore(),
		realtime:  store.New(store.Options{}),
	}

	if g.Operators != "" {
		ops, err := config.LoadOperators(g.Operators)
		if err != nil {
			return nil, err
		}
		e.operators = ops
	}

	fetcher := feed.NewFetcher(logger, feed.FetcherOptions{})
	operators, rules, err := ingestor.BuildOperators(e.operators, fetcher)
	if err != nil {
		return nil, err
	}
	e.rules = rules

	sources := ingestor.StaticSources(e.operators)
	for _, location := range g.GTFS {
		sources = append(sources, ingestor.StaticSource{Operator: location, Location: location})
	}
	ing := ingestor.NewGTFSIngestor(sources, nil, e.schedules, ingestor.ScheduleOptions{CacheDir: g.CacheDir}, logger)
	if err := ing.Update(ctx); err != nil {
		return nil, err
	}

	if live && len(operators) > 0 {
		e.poller = ingestor.NewPoller(operators, reconcile.New(e.schedules), e.realtime, ingestor.PollerOptions{}, logger)
	}
	return e, nil
}

func (c *PlanCmd) Run(ctx context.Context, g *Globals, logger *slog.Logger) error {
	e, err := g.setup(ctx, logger, c.Realtime)
	if err != nil {
		return err
	}
	if e.poller != nil {
		e.poller.Cycle(ctx)
	}

	sch := e.schedules.Current()
	req := router.Request{
		Origin:      c.From,
		Destination: c.To,
		MaxRounds:   c.Rounds,
		Realtime:    c.Realtime,
	}
	if err := planTime(sch, c.Time, c.Date, &req); err != nil {
		return err
	}

	journeys, err := router.New(e.schedules, e.realtime, logger).Plan(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(journeys)
}

func planTime(sch *schedule.Schedule, clock, date string, req *router.Request) error {
	now := time.Now().In(sch.Location())
	req.Date = domain.ServiceDate(now)
	req.Departure = domain.SinceServiceDay(now, req.Date)

	if date != "" {
		d, err := domain.ParseServiceDate(date, sch.Location())
		if err != nil {
			return fmt.Errorf("invalid --date %q: %w", date, err)
		}
		req.Date = d
	}
	if clock != "" {
		t, err := domain.ParseScheduleTime(clock)
		if err != nil {
			return fmt.Errorf("invalid --time %q: %w", clock, err)
		}
		req.Departure = t
	}
	return nil
}

func (c *DeparturesCmd) Run(ctx context.Context, g *Globals, logger *slog.Logger) error {
	e, err := g.setup(ctx, logger, c.Live)
	if err != nil {
		return err
	}
	if e.poller != nil {
		e.poller.Cycle(ctx)
	}

	board := departures.New(e.schedules, e.realtime, e.rules, departures.Options{}).Departures(c.Stop, c.Limit)
	return printJSON(board)
}

func (c *PollCmd) Run(ctx context.Context, g *Globals, logger *slog.Logger) error {
	e, err := g.setup(ctx, logger, true)
	if err != nil {
		return err
	}
	if e.poller == nil {
		return fmt.Errorf("no enabled operators to poll")
	}
	report := e.poller.Cycle(ctx)
	if !c.Entries {
		return printJSON(report)
	}

	for _, op := range report.Operators {
		if op.Err() != nil {
			logger.Warn("operator failed", "operator", op.Operator, "error", op.Err())
		}
	}
	var entries []domain.ReconciledEntry
	entries = append(entries, e.realtime.Vehicles()...)
	entries = append(entries, e.realtime.Alerts(time.Now())...)
	for _, stop := range e.schedules.Current().Stops() {
		entries = append(entries, e.realtime.ByStop(stop.ID)...)
	}
	return printJSON(entries)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
