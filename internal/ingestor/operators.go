package ingestor

import (
	"fmt"

	"transitfuse/internal/config"
	"transitfuse/internal/reconcile"
	"transitfuse/pkg/feed"
	"transitfuse/pkg/gtfs"
)

// BuildOperators compiles the operators file into pollable operators and the
// rule set shared with the departure composer. Disabled entries keep their
// rules so their static stops still resolve.
func BuildOperators(cfgs []config.Operator, fetcher *feed.Fetcher) ([]Operator, reconcile.RuleSet, error) {
	rules := make(reconcile.RuleSet, len(cfgs))
	var ops []Operator
	for _, c := range cfgs {
		strategy, err := reconcile.ParseStrategy(c.Strategy)
		if err != nil {
			return nil, nil, fmt.Errorf("operator %s: %w", c.ID, err)
		}
		r, err := reconcile.Compile(reconcile.RuleSpec{
			Operator:    c.ID,
			Strategy:    strategy,
			IDPrefix:    c.IDPrefix,
			StripPrefix: c.StripPrefix,
			Sentinels:   c.Sentinels,
			Window:      c.Window,
			Location:    c.Location(),
		})
		if err != nil {
			return nil, nil, err
		}
		rules[c.ID] = r
		if c.Disabled {
			continue
		}

		adapter, err := feed.New(feed.Format(c.Feed.Format), fetcher)
		if err != nil {
			return nil, nil, fmt.Errorf("operator %s: %w", c.ID, err)
		}
		ops = append(ops, Operator{
			ID:      c.ID,
			Rules:   r,
			Adapter: adapter,
			Source: feed.Source{
				Operator: c.ID,
				URLs:     c.Feed.URLs,
				Headers:  c.Feed.Headers,
				Stations: c.Feed.Stations,
				Location: c.Location(),
			},
			Interval: c.PollInterval,
		})
	}
	return ops, rules, nil
}

// StaticSource is one operator's GTFS archive and the id options it is parsed with
type StaticSource struct {
	Operator string
	Location string
	Options  gtfs.Options
}

// StaticSources lists the GTFS archives of the operators file. Operators
// whose live feed keeps native trip ids get their prefix on stops only.
func StaticSources(cfgs []config.Operator) []StaticSource {
	var out []StaticSource
	for _, c := range cfgs {
		if c.Static.URL == "" {
			continue
		}
		out = append(out, StaticSource{
			Operator: c.ID,
			Location: c.Static.URL,
			Options: gtfs.Options{
				Network:         c.ID,
				IDPrefix:        c.IDPrefix,
				PrefixStopsOnly: c.Strategy == string(reconcile.StrategyPrefixRepair),
			},
		})
	}
	return out
}
