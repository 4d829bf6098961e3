package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnresolved means no single scheduled trip fits the observation
	ErrUnresolved = errors.New("reconciliation unresolved")
	// ErrAmbiguous is the unresolved case where several trips fit a time window
	ErrAmbiguous = fmt.Errorf("ambiguous: %w", ErrUnresolved)
	// ErrScheduleStale means the observation references ids missing from the loaded schedule
	ErrScheduleStale = errors.New("schedule stale")
	// ErrSentinelTrip means the raw trip id is a placeholder
	ErrSentinelTrip = errors.New("sentinel trip id")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

type FeedErrorKind int

const (
	FeedTransient FeedErrorKind = iota
	FeedPermanent
)

func (k FeedErrorKind) String() string {
	if k == FeedPermanent {
		return "permanent"
	}
	return "transient"
}

// FeedError is returned by feed adapters. Transient failures are retried next
// cycle; permanent ones disable the operator until its configuration changes.
type FeedError struct {
	Kind     FeedErrorKind
	Operator string
	Err      error
}

func (e *FeedError) Error() string {
	return fmt.Sprintf("feed %s (%s): %v", e.Operator, e.Kind, e.Err)
}

func (e *FeedError) Unwrap() error { return e.Err }

func (e *FeedError) Permanent() bool { return e.Kind == FeedPermanent }

func TransientFeedError(operator string, err error) *FeedError {
	return &FeedError{Kind: FeedTransient, Operator: operator, Err: err}
}

func PermanentFeedError(operator string, err error) *FeedError {
	return &FeedError{Kind: FeedPermanent, Operator: operator, Err: err}
}

// AsFeedError classifies any error as a FeedError; unknown errors are transient.
func AsFeedError(operator string, err error) *FeedError {
	var fe *FeedError
	if errors.As(err, &fe) {
		return fe
	}
	return TransientFeedError(operator, err)
}
