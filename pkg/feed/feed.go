// Package feed turns live operator feeds into canonical observations.
//
// One Adapter exists per wire format and is selected by the format an
// operator declares. Adapters keep no state between polls.
package feed

import (
	"context"
	"fmt"
	"time"

	"transitfuse/internal/domain"
)

type Format string

const (
	FormatProtobuf Format = "gtfs-rt"
	FormatJSON     Format = "json"
	FormatREST     Format = "rest"
)

// Source is what an adapter needs to poll one operator
type Source struct {
	Operator string
	// URLs are polled in order; GTFS-RT operators often split vehicles, trip updates and alerts
	URLs    []string
	Headers map[string]string
	// Stations lists the station codes a REST operator is polled for
	Stations []string
	Location *time.Location
}

type Adapter interface {
	Poll(ctx context.Context, src Source) ([]domain.Observation, error)
}

// New returns the adapter for a declared format
func New(format Format, fetcher *Fetcher) (Adapter, error) {
	switch format {
	case FormatProtobuf:
		return &ProtobufAdapter{fetcher: fetcher}, nil
	case FormatJSON:
		return &JSONAdapter{fetcher: fetcher}, nil
	case FormatREST:
		return &RESTAdapter{fetcher: fetcher}, nil
	}
	return nil, fmt.Errorf("unknown feed format %q", format)
}

func location(src Source) *time.Location {
	if src.Location != nil {
		return src.Location
	}
	return time.UTC
}
