package ingestor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"transitfuse/internal/domain"
	"transitfuse/internal/reconcile"
	"transitfuse/internal/store"
	"transitfuse/pkg/feed"
)

// Sink receives the entries that changed the real-time store in one cycle
type Sink interface {
	Publish(ctx context.Context, entries []domain.ReconciledEntry)
}

type Metrics interface {
	ObserveOutcomes(operator string, counts map[string]int)
	ObservePoll(operator string, d time.Duration, errKind string)
	SetOperatorDisabled(operator string, disabled bool)
	SetStoreSize(entries, vehicles, alerts int)
	ObserveSweep(removed int)
}

// Operator is a pollable live feed together with its compiled rules
type Operator struct {
	ID       string
	Rules    *reconcile.Rules
	Adapter  feed.Adapter
	Source   feed.Source
	Interval time.Duration
}

type operatorState struct {
	Operator

	mu       sync.Mutex
	nextDue  time.Time
	disabled bool
	lastErr  error
	lastPoll time.Time
}

type PollerOptions struct {
	// Timeout bounds one operator's poll inside a cycle
	Timeout       time.Duration
	Tick          time.Duration
	SweepInterval time.Duration
	Metrics       Metrics
	Now           func() time.Time
}

// Poller runs poll cycles over every configured operator. Cycle is the pull
// contract; Run is the timer loop used by the service binary.
type Poller struct {
	operators  []*operatorState
	reconciler *reconcile.Reconciler
	store      *store.Store
	sinks      []Sink
	opts       PollerOptions
	logger     *slog.Logger

	ready atomic.Bool
}

func NewPoller(operators []Operator, reconciler *reconcile.Reconciler, st *store.Store, opts PollerOptions, logger *slog.Logger, sinks ...Sink) *Poller {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Tick <= 0 {
		opts.Tick = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	states := make([]*operatorState, 0, len(operators))
	for _, op := range operators {
		if op.Interval <= 0 {
			op.Interval = opts.Tick
		}
		states = append(states, &operatorState{Operator: op})
	}
	return &Poller{
		operators:  states,
		reconciler: reconciler,
		store:      st,
		sinks:      sinks,
		opts:       opts,
		logger:     logger.With("component", "poller"),
	}
}

type OperatorReport struct {
	Operator     string         `json:"operator"`
	Observations int            `json:"observations"`
	Stored       int            `json:"stored"`
	Changed      int            `json:"changed"`
	Dropped      int            `json:"dropped"`
	Outcomes     map[string]int `json:"outcomes,omitempty"`
	Error        string         `json:"error,omitempty"`
	Disabled     bool           `json:"disabled,omitempty"`
	DurationMS   int64          `json:"duration_ms"`

	changed []domain.ReconciledEntry
	err     error
}

func (r OperatorReport) Err() error { return r.err }

type CycleReport struct {
	ID         string           `json:"id"`
	Started    time.Time        `json:"started"`
	DurationMS int64            `json:"duration_ms"`
	Operators  []OperatorReport `json:"operators"`
}

// Cycle polls every due, enabled operator concurrently. A failing or slow
// operator only loses its own data for this cycle.
func (p *Poller) Cycle(ctx context.Context) CycleReport {
	began := time.Now()
	report := CycleReport{ID: uuid.NewString(), Started: p.opts.Now()}
	logger := p.logger.With("cycle_id", report.ID)

	var due []*operatorState
	for _, op := range p.operators {
		op.mu.Lock()
		if !op.disabled && !report.Started.Before(op.nextDue) {
			due = append(due, op)
		}
		op.mu.Unlock()
	}

	reports := make([]OperatorReport, len(due))
	var g errgroup.Group
	for i, op := range due {
		g.Go(func() error {
			reports[i] = p.pollOperator(ctx, op, logger)
			return nil
		})
	}
	_ = g.Wait()

	var changed []domain.ReconciledEntry
	succeeded := 0
	for _, r := range reports {
		changed = append(changed, r.changed...)
		if r.err == nil {
			succeeded++
		}
	}
	if len(changed) > 0 {
		for _, sink := range p.sinks {
			sink.Publish(ctx, changed)
		}
	}

	if p.opts.Metrics != nil {
		stats := p.store.Stats()
		p.opts.Metrics.SetStoreSize(stats.Entries, stats.Vehicles, stats.Alerts)
	}
	if succeeded > 0 && !p.ready.Swap(true) {
		logger.Info("poller ready", "operators", succeeded)
	}

	report.Operators = reports
	report.DurationMS = time.Since(began).Milliseconds()
	logger.Debug("poll cycle completed",
		"operators", len(due),
		"succeeded", succeeded,
		"changed", len(changed),
		"duration_ms", report.DurationMS,
	)
	return report
}

func (p *Poller) pollOperator(ctx context.Context, op *operatorState, logger *slog.Logger) OperatorReport {
	began := time.Now()
	start := p.opts.Now()
	report := OperatorReport{Operator: op.ID}

	pctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	obs, err := op.Adapter.Poll(pctx, op.Source)
	if err == nil && pctx.Err() != nil {
		err = pctx.Err()
	}

	op.mu.Lock()
	op.lastPoll = start
	op.nextDue = start.Add(op.Interval)
	op.lastErr = err
	op.mu.Unlock()

	if err != nil {
		fe := domain.AsFeedError(op.ID, err)
		if errors.Is(err, context.DeadlineExceeded) {
			fe = domain.TransientFeedError(op.ID, err)
		}
		report.err = fe
		report.Error = fe.Error()
		p.observePoll(op.ID, began, fe.Kind.String())

		if fe.Permanent() {
			op.mu.Lock()
			op.disabled = true
			op.mu.Unlock()
			report.Disabled = true
			if p.opts.Metrics != nil {
				p.opts.Metrics.SetOperatorDisabled(op.ID, true)
			}
			logger.Error("operator disabled after permanent feed error", "operator", op.ID, "error", fe)
		} else {
			logger.Warn("operator poll failed", "operator", op.ID, "error", fe)
		}
		report.DurationMS = time.Since(began).Milliseconds()
		return report
	}

	tally := reconcile.NewTally()
	for _, o := range obs {
		entry, err := p.reconciler.Reconcile(o, op.Rules)
		tally.Add(reconcile.Outcome(entry, err), rawID(o))
		if err != nil {
			continue
		}
		if p.store.Upsert(entry) {
			report.changed = append(report.changed, entry)
		}
	}
	tally.LogDropped(logger, op.ID)

	report.Observations = len(obs)
	report.Outcomes = tally.Counts()
	report.Stored = tally.Stored()
	report.Dropped = tally.Dropped()
	report.Changed = len(report.changed)
	report.DurationMS = time.Since(began).Milliseconds()

	if p.opts.Metrics != nil {
		p.opts.Metrics.ObserveOutcomes(op.ID, report.Outcomes)
	}
	p.observePoll(op.ID, began, "")

	logger.Debug("operator polled",
		"operator", op.ID,
		"observations", report.Observations,
		"stored", report.Stored,
		"changed", report.Changed,
		"dropped", report.Dropped,
		"duration_ms", report.DurationMS,
	)
	return report
}

func (p *Poller) observePoll(operator string, start time.Time, errKind string) {
	if p.opts.Metrics != nil {
		p.opts.Metrics.ObservePoll(operator, time.Since(start), errKind)
	}
}

func rawID(o domain.Observation) string {
	switch v := o.(type) {
	case *domain.StopTimeUpdate:
		return v.RawTripID
	case *domain.VehiclePosition:
		return v.VehicleID
	case *domain.Alert:
		return v.ID
	}
	return ""
}

// Run polls on every tick until ctx is done and sweeps expired entries
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.opts.Tick)
	defer ticker.Stop()

	sweepEvery := p.opts.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = p.opts.Tick * 10
	}
	sweepTicker := time.NewTicker(sweepEvery)
	defer sweepTicker.Stop()

	p.Cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Cycle(ctx)
		case <-sweepTicker.C:
			p.sweep()
		}
	}
}

func (p *Poller) sweep() {
	removed := p.store.Sweep()
	if p.opts.Metrics != nil {
		p.opts.Metrics.ObserveSweep(removed)
	}
	if removed > 0 {
		p.logger.Info("swept expired entries", "count", removed)
	}
}

func (p *Poller) IsReady() bool {
	return p.ready.Load()
}

type OperatorStatus struct {
	ID       string    `json:"id"`
	Strategy string    `json:"strategy"`
	Disabled bool      `json:"disabled"`
	LastPoll time.Time `json:"last_poll,omitempty"`
	LastErr  string    `json:"last_error,omitempty"`
}

// Operators reports the state of each configured operator
func (p *Poller) Operators() []OperatorStatus {
	out := make([]OperatorStatus, 0, len(p.operators))
	for _, op := range p.operators {
		op.mu.Lock()
		st := OperatorStatus{ID: op.ID, Disabled: op.disabled, LastPoll: op.lastPoll}
		if op.Rules != nil {
			st.Strategy = string(op.Rules.Strategy)
		}
		if op.lastErr != nil {
			st.LastErr = op.lastErr.Error()
		}
		op.mu.Unlock()
		out = append(out, st)
	}
	return out
}
