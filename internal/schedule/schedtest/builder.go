// Package schedtest builds small schedules for tests.
package schedtest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"transitfuse/internal/domain"
	"transitfuse/internal/schedule"
	"transitfuse/pkg/gtfs"
)

type Builder struct {
	res *gtfs.ParseResult
}

func New() *Builder {
	return &Builder{res: gtfs.NewParseResult()}
}

func (b *Builder) Station(id, network string, lat, lon float64) *Builder {
	b.res.Stops[id] = &domain.Stop{ID: id, Name: id, Lat: lat, Lon: lon, Kind: domain.StopKindStation, Network: network}
	return b
}

func (b *Builder) Platform(id, parent, network string, lat, lon float64) *Builder {
	code := id
	if i := strings.LastIndex(id, "_"); i >= 0 {
		code = id[i+1:]
	}
	b.res.Stops[id] = &domain.Stop{
		ID: id, Name: id, Lat: lat, Lon: lon, ParentID: parent,
		Kind: domain.StopKindPlatform, Network: network, PlatformCode: code,
	}
	return b
}

func (b *Builder) Stop(id, network string, lat, lon float64) *Builder {
	return b.Platform(id, "", network, lat, lon)
}

func (b *Builder) Route(id, short string) *Builder {
	b.res.Routes[id] = &domain.Route{ID: id, ShortName: short, Type: domain.RouteTypeBus}
	return b
}

// Trip adds a trip; each call is "STOP@HH:MM[:SS]" or "STOP@arrival/departure".
func (b *Builder) Trip(id, route, service string, direction int, calls ...string) *Builder {
	trip := &domain.Trip{ID: id, RouteID: route, ServiceID: service, Headsign: "to " + route, DirectionID: direction}
	for i, c := range calls {
		stop, times, _ := strings.Cut(c, "@")
		arr, dep, ok := strings.Cut(times, "/")
		if !ok {
			dep = arr
		}
		trip.StopTimes = append(trip.StopTimes, domain.StopTimeEntry{
			StopID:    stop,
			Sequence:  i + 1,
			Arrival:   domain.MustScheduleTime(arr),
			Departure: domain.MustScheduleTime(dep),
		})
	}
	b.res.Trips[id] = trip
	return b
}

func (b *Builder) Transfer(from, to string, seconds int) *Builder {
	b.res.Transfers = append(b.res.Transfers, &domain.TransferEdge{From: from, To: to, MinSeconds: seconds})
	return b
}

func (b *Builder) Calendar(service, start, end string, days ...time.Weekday) *Builder {
	cal := &domain.Calendar{ServiceID: service, StartDate: start, EndDate: end}
	for _, d := range days {
		cal.Weekdays[d] = true
	}
	b.res.Calendars[service] = cal
	return b
}

func (b *Builder) Exception(service, date string, exceptionType int) *Builder {
	b.res.CalendarDates = append(b.res.CalendarDates, &domain.CalendarDate{ServiceID: service, Date: date, ExceptionType: exceptionType})
	return b
}

func (b *Builder) Result() *gtfs.ParseResult { return b.res }

func (b *Builder) Build(t testing.TB, opts schedule.Options) *schedule.Schedule {
	t.Helper()
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Version == "" {
		opts.Version = "test"
	}
	s, err := schedule.Build(b.res, opts)
	require.NoError(t, err)
	return s
}
