// Package reconcile maps operator-native real-time ids onto canonical schedule ids.
//
// Every operator declares one Strategy. Compile turns that declaration into a
// Rules value whose transforms are applied to every observation kind alike,
// so a stop prefix can never be applied to trip updates but forgotten on
// vehicle positions.
package reconcile

import (
	"fmt"
	"strings"
	"time"
)

type Strategy string

const (
	StrategyExact        Strategy = "exact"
	StrategyPrefixRepair Strategy = "prefix-repair"
	StrategyTimeWindow   Strategy = "time-window"
	StrategyUnjoinable   Strategy = "unjoinable"
)

const DefaultWindow = 120 * time.Second

func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyExact, StrategyPrefixRepair, StrategyTimeWindow, StrategyUnjoinable:
		return st, nil
	}
	return "", fmt.Errorf("unknown matching strategy %q", s)
}

// Joins reports whether the strategy produces canonical trip ids
func (s Strategy) Joins() bool {
	return s == StrategyExact || s == StrategyPrefixRepair || s == StrategyTimeWindow
}

// Transform is a pure id rewrite: strip one literal prefix, then add another.
// Applying it to an already canonical id is a no-op.
type Transform struct {
	Strip  string
	Prefix string
}

func (t Transform) Apply(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	id := raw
	if t.Strip != "" && !(t.Prefix != "" && strings.HasPrefix(id, t.Prefix)) {
		id = strings.TrimPrefix(id, t.Strip)
	}
	if t.Prefix != "" && !strings.HasPrefix(id, t.Prefix) {
		id = t.Prefix + id
	}
	return id
}

// RuleSpec is the declared configuration of one operator
type RuleSpec struct {
	Operator    string
	Strategy    Strategy
	IDPrefix    string
	StripPrefix string
	Sentinels   []string
	Window      time.Duration
	Location    *time.Location
}

// Rules is the compiled, immutable form of a RuleSpec
type Rules struct {
	Operator string
	Strategy Strategy
	Trip     Transform
	Stop     Transform
	Route    Transform
	Window   time.Duration
	Location *time.Location

	sentinels map[string]struct{}
}

func Compile(spec RuleSpec) (*Rules, error) {
	if spec.Operator == "" {
		return nil, fmt.Errorf("operator id is required")
	}
	if _, err := ParseStrategy(string(spec.Strategy)); err != nil {
		return nil, fmt.Errorf("operator %s: %w", spec.Operator, err)
	}

	r := &Rules{
		Operator:  spec.Operator,
		Strategy:  spec.Strategy,
		Window:    spec.Window,
		Location:  spec.Location,
		sentinels: make(map[string]struct{}, len(spec.Sentinels)),
	}
	if r.Location == nil {
		r.Location = time.UTC
	}
	for _, s := range spec.Sentinels {
		r.sentinels[s] = struct{}{}
	}

	ids := Transform{Strip: spec.StripPrefix, Prefix: spec.IDPrefix}
	switch spec.Strategy {
	case StrategyExact:
		r.Trip, r.Stop, r.Route = ids, ids, ids
	case StrategyPrefixRepair:
		if spec.IDPrefix == "" {
			return nil, fmt.Errorf("operator %s: prefix-repair needs an id prefix", spec.Operator)
		}
		r.Stop = ids
	case StrategyTimeWindow:
		r.Stop, r.Route = ids, ids
		if r.Window <= 0 {
			r.Window = DefaultWindow
		}
	case StrategyUnjoinable:
		r.Stop, r.Route = ids, ids
	}
	return r, nil
}

// IsSentinel reports placeholder trip ids: configured literals and all-zero ids
func (r *Rules) IsSentinel(rawTripID string) bool {
	if _, ok := r.sentinels[rawTripID]; ok {
		return true
	}
	return rawTripID != "" && strings.Trim(rawTripID, "0") == ""
}

// RuleSet holds the compiled rules of every configured operator
type RuleSet map[string]*Rules

func (rs RuleSet) For(operator string) (*Rules, bool) {
	r, ok := rs[operator]
	return r, ok
}

// Strategy of an operator; operators without rules are treated as exact
func (rs RuleSet) Strategy(operator string) Strategy {
	if r, ok := rs[operator]; ok {
		return r.Strategy
	}
	return StrategyExact
}
