package reconcile

import (
	"errors"
	"log/slog"
	"sort"
	"strings"

	"transitfuse/internal/domain"
)

// Outcome labels used for counting reconciliation results
const (
	OutcomeJoined        = "joined"
	OutcomeRTDirect      = "rt_direct"
	OutcomeSentinel      = "sentinel"
	OutcomeAmbiguous     = "ambiguous"
	OutcomeUnresolved    = "unresolved"
	OutcomeScheduleStale = "schedule_stale"
	OutcomeError         = "error"
)

// Outcome classifies the result of one Reconcile call
func Outcome(entry domain.ReconciledEntry, err error) string {
	switch {
	case err == nil && entry.Source == domain.SourceJoined:
		return OutcomeJoined
	case err == nil:
		return OutcomeRTDirect
	case errors.Is(err, domain.ErrSentinelTrip):
		return OutcomeSentinel
	case errors.Is(err, domain.ErrAmbiguous):
		return OutcomeAmbiguous
	case errors.Is(err, domain.ErrUnresolved):
		return OutcomeUnresolved
	case errors.Is(err, domain.ErrScheduleStale):
		return OutcomeScheduleStale
	}
	return OutcomeError
}

type tallyInfo struct {
	count    int
	examples []string
}

// Tally collects outcomes of one operator's poll cycle and logs one line per
// dropped outcome instead of one line per observation.
type Tally struct {
	outcomes map[string]*tallyInfo
}

func NewTally() *Tally {
	return &Tally{outcomes: make(map[string]*tallyInfo)}
}

// Add records an outcome with an example id
func (t *Tally) Add(outcome, exampleID string) {
	info := t.outcomes[outcome]
	if info == nil {
		info = &tallyInfo{examples: make([]string, 0, 3)}
		t.outcomes[outcome] = info
	}
	info.count++

	if len(info.examples) < 3 && exampleID != "" {
		info.examples = append(info.examples, exampleID)
	}
}

func (t *Tally) Count(outcome string) int {
	if info := t.outcomes[outcome]; info != nil {
		return info.count
	}
	return 0
}

// Counts returns a copy of all counters
func (t *Tally) Counts() map[string]int {
	out := make(map[string]int, len(t.outcomes))
	for k, v := range t.outcomes {
		out[k] = v.count
	}
	return out
}

// Stored is the number of observations that produced an entry
func (t *Tally) Stored() int {
	return t.Count(OutcomeJoined) + t.Count(OutcomeRTDirect)
}

// Dropped is the number of discarded observations
func (t *Tally) Dropped() int {
	total := 0
	for k, v := range t.outcomes {
		if k != OutcomeJoined && k != OutcomeRTDirect {
			total += v.count
		}
	}
	return total
}

// LogDropped writes one warning per discarded outcome
func (t *Tally) LogDropped(logger *slog.Logger, operator string) {
	keys := make([]string, 0, len(t.outcomes))
	for k := range t.outcomes {
		if k != OutcomeJoined && k != OutcomeRTDirect {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		info := t.outcomes[k]
		logger.Warn("observations dropped",
			"operator", operator,
			"outcome", k,
			"count", info.count,
			"examples", strings.Join(info.examples, ", "),
		)
	}
}
