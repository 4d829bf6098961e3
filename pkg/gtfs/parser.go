package gtfs

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"transitfuse/internal/domain"
)

// ParseResult holds one or more GTFS feeds with canonical ids.
type ParseResult struct {
	Timezone      string
	Routes        map[string]*domain.Route
	Stops         map[string]*domain.Stop
	Trips         map[string]*domain.Trip
	Calendars     map[string]*domain.Calendar
	CalendarDates []*domain.CalendarDate
	Transfers     []*domain.TransferEdge

	// DroppedTrips counts trips whose stop times could not be parsed
	DroppedTrips int
}

// Options controls how raw feed ids become canonical ids.
type Options struct {
	// Network tags every stop of the feed (usually the operator id)
	Network string
	// IDPrefix is prepended to stop, route, trip and service ids
	IDPrefix string
	// PrefixStopsOnly restricts IDPrefix to stop ids, for operators whose
	// live feed shares trip ids with the static feed but not stop ids
	PrefixStopsOnly bool
}

func (o Options) id(raw string) string {
	if o.PrefixStopsOnly {
		return raw
	}
	return o.stopID(raw)
}

func (o Options) stopID(raw string) string {
	if raw == "" || o.IDPrefix == "" || strings.HasPrefix(raw, o.IDPrefix) {
		return raw
	}
	return o.IDPrefix + raw
}

func NewParseResult() *ParseResult {
	return &ParseResult{
		Routes:    make(map[string]*domain.Route),
		Stops:     make(map[string]*domain.Stop),
		Trips:     make(map[string]*domain.Trip),
		Calendars: make(map[string]*domain.Calendar),
	}
}

type Parser struct {
	logger *slog.Logger
}

func NewParser(logger *slog.Logger) *Parser {
	return &Parser{
		logger: logger.With("component", "gtfs_parser"),
	}
}

type fileParser func(file *zip.File, opts Options, result *ParseResult) error

func (p *Parser) Parse(reader *zip.Reader, opts Options) (*ParseResult, error) {
	totalStart := time.Now()
	p.logger.Info("starting GTFS parsing", "network", opts.Network)

	result := NewParseResult()

	fileMap := make(map[string]*zip.File)
	for _, file := range reader.File {
		fileMap[file.Name] = file
	}

	for _, required := range []string{"stops.txt", "routes.txt", "trips.txt", "stop_times.txt"} {
		if _, ok := fileMap[required]; !ok {
			return nil, fmt.Errorf("missing %s", required)
		}
	}

	steps := []struct {
		name  string
		parse fileParser
	}{
		{"agency.txt", p.parseAgency},
		{"stops.txt", p.parseStops},
		{"routes.txt", p.parseRoutes},
		{"trips.txt", p.parseTrips},
		{"stop_times.txt", p.parseStopTimes},
		{"calendar.txt", p.parseCalendar},
		{"calendar_dates.txt", p.parseCalendarDates},
		{"transfers.txt", p.parseTransfers},
	}

	for _, step := range steps {
		file, ok := fileMap[step.name]
		if !ok {
			continue
		}
		start := time.Now()
		if err := step.parse(file, opts, result); err != nil {
			return nil, fmt.Errorf("parse %s: %w", step.name, err)
		}
		p.logger.Info("parsed "+step.name,
			"network", opts.Network,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	dropped := finishTrips(result)
	result.DroppedTrips += dropped
	if dropped > 0 {
		p.logger.Warn("dropped trips with unusable stop times", "network", opts.Network, "count", dropped)
	}

	p.logger.Info("GTFS parsing completed",
		"network", opts.Network,
		"total_duration_ms", time.Since(totalStart).Milliseconds(),
		"routes", len(result.Routes),
		"stops", len(result.Stops),
		"trips", len(result.Trips),
		"transfers", len(result.Transfers),
	)

	return result, nil
}

// Merge folds feeds of several operators into one result. Later feeds win on id clashes.
func Merge(results ...*ParseResult) *ParseResult {
	merged := NewParseResult()
	for _, r := range results {
		if r == nil {
			continue
		}
		if merged.Timezone == "" {
			merged.Timezone = r.Timezone
		}
		for id, v := range r.Routes {
			merged.Routes[id] = v
		}
		for id, v := range r.Stops {
			merged.Stops[id] = v
		}
		for id, v := range r.Trips {
			merged.Trips[id] = v
		}
		for id, v := range r.Calendars {
			merged.Calendars[id] = v
		}
		merged.CalendarDates = append(merged.CalendarDates, r.CalendarDates...)
		merged.Transfers = append(merged.Transfers, r.Transfers...)
		merged.DroppedTrips += r.DroppedTrips
	}
	return merged
}

func (p *Parser) parseAgency(file *zip.File, _ Options, result *ParseResult) error {
	return eachRecord(file, func(get func(string) string) error {
		if result.Timezone == "" {
			result.Timezone = get("agency_timezone")
		}
		return nil
	})
}

func (p *Parser) parseStops(file *zip.File, opts Options, result *ParseResult) error {
	return eachRecord(file, func(get func(string) string) error {
		lat, _ := strconv.ParseFloat(get("stop_lat"), 64)
		lon, _ := strconv.ParseFloat(get("stop_lon"), 64)
		locationType, _ := strconv.Atoi(get("location_type"))

		stop := &domain.Stop{
			ID:           opts.stopID(get("stop_id")),
			Code:         get("stop_code"),
			Name:         get("stop_name"),
			Lat:          lat,
			Lon:          lon,
			ParentID:     opts.stopID(get("parent_station")),
			Kind:         domain.StopKindFromLocationType(locationType),
			Network:      opts.Network,
			PlatformCode: get("platform_code"),
		}
		if stop.ID == "" {
			return nil
		}
		result.Stops[stop.ID] = stop
		return nil
	})
}

func (p *Parser) parseRoutes(file *zip.File, opts Options, result *ParseResult) error {
	return eachRecord(file, func(get func(string) string) error {
		routeType := 3
		if v := get("route_type"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				routeType = parsed
			}
		}

		route := &domain.Route{
			ID:        opts.id(get("route_id")),
			AgencyID:  get("agency_id"),
			ShortName: get("route_short_name"),
			LongName:  get("route_long_name"),
			Type:      domain.RouteType(routeType),
			Color:     get("route_color"),
		}
		if route.ID == "" {
			return nil
		}
		result.Routes[route.ID] = route
		return nil
	})
}

func (p *Parser) parseTrips(file *zip.File, opts Options, result *ParseResult) error {
	return eachRecord(file, func(get func(string) string) error {
		tripID := get("trip_id")
		routeID := get("route_id")
		if tripID == "" || routeID == "" {
			return nil
		}
		direction, _ := strconv.Atoi(get("direction_id"))

		result.Trips[opts.id(tripID)] = &domain.Trip{
			ID:          opts.id(tripID),
			RouteID:     opts.id(routeID),
			ServiceID:   opts.id(get("service_id")),
			Headsign:    get("trip_headsign"),
			DirectionID: direction,
		}
		return nil
	})
}

func (p *Parser) parseStopTimes(file *zip.File, opts Options, result *ParseResult) error {
	broken := make(map[string]bool)

	err := eachRecord(file, func(get func(string) string) error {
		tripID := opts.id(get("trip_id"))
		trip, ok := result.Trips[tripID]
		if !ok {
			return nil
		}

		arrival, departure, ok := parsePair(get("arrival_time"), get("departure_time"))
		if !ok {
			broken[tripID] = true
			return nil
		}
		seq, err := strconv.Atoi(get("stop_sequence"))
		if err != nil {
			broken[tripID] = true
			return nil
		}

		trip.StopTimes = append(trip.StopTimes, domain.StopTimeEntry{
			StopID:    opts.stopID(get("stop_id")),
			Sequence:  seq,
			Arrival:   arrival,
			Departure: departure,
		})
		return nil
	})
	if err != nil {
		return err
	}

	for tripID := range broken {
		delete(result.Trips, tripID)
	}
	result.DroppedTrips += len(broken)
	return nil
}

func (p *Parser) parseCalendar(file *zip.File, opts Options, result *ParseResult) error {
	days := []struct {
		column  string
		weekday time.Weekday
	}{
		{"sunday", time.Sunday},
		{"monday", time.Monday},
		{"tuesday", time.Tuesday},
		{"wednesday", time.Wednesday},
		{"thursday", time.Thursday},
		{"friday", time.Friday},
		{"saturday", time.Saturday},
	}

	return eachRecord(file, func(get func(string) string) error {
		cal := &domain.Calendar{
			ServiceID: opts.id(get("service_id")),
			StartDate: get("start_date"),
			EndDate:   get("end_date"),
		}
		for _, d := range days {
			cal.Weekdays[d.weekday] = get(d.column) == "1"
		}
		result.Calendars[cal.ServiceID] = cal
		return nil
	})
}

func (p *Parser) parseCalendarDates(file *zip.File, opts Options, result *ParseResult) error {
	return eachRecord(file, func(get func(string) string) error {
		exception, _ := strconv.Atoi(get("exception_type"))
		result.CalendarDates = append(result.CalendarDates, &domain.CalendarDate{
			ServiceID:     opts.id(get("service_id")),
			Date:          get("date"),
			ExceptionType: exception,
		})
		return nil
	})
}

func (p *Parser) parseTransfers(file *zip.File, opts Options, result *ParseResult) error {
	return eachRecord(file, func(get func(string) string) error {
		// transfer_type 3 means the transfer is not possible
		if get("transfer_type") == "3" {
			return nil
		}
		from, to := get("from_stop_id"), get("to_stop_id")
		if from == "" || to == "" {
			return nil
		}
		minSeconds, _ := strconv.Atoi(get("min_transfer_time"))
		if minSeconds < 0 {
			minSeconds = 0
		}
		result.Transfers = append(result.Transfers, &domain.TransferEdge{
			From:       opts.stopID(from),
			To:         opts.stopID(to),
			MinSeconds: minSeconds,
		})
		return nil
	})
}

// finishTrips orders stop times by sequence and drops trips with fewer than two calls.
func finishTrips(result *ParseResult) int {
	dropped := 0
	for id, trip := range result.Trips {
		if len(trip.StopTimes) < 2 {
			delete(result.Trips, id)
			dropped++
			continue
		}
		sort.SliceStable(trip.StopTimes, func(i, j int) bool {
			return trip.StopTimes[i].Sequence < trip.StopTimes[j].Sequence
		})
	}
	return dropped
}

func parsePair(arrivalRaw, departureRaw string) (domain.ScheduleTime, domain.ScheduleTime, bool) {
	if arrivalRaw == "" {
		arrivalRaw = departureRaw
	}
	if departureRaw == "" {
		departureRaw = arrivalRaw
	}
	if arrivalRaw == "" {
		return 0, 0, false
	}
	arrival, err := domain.ParseScheduleTime(arrivalRaw)
	if err != nil {
		return 0, 0, false
	}
	departure, err := domain.ParseScheduleTime(departureRaw)
	if err != nil {
		return 0, 0, false
	}
	return arrival, departure, true
}

func eachRecord(file *zip.File, fn func(get func(string) string) error) error {
	rc, err := file.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	r := csv.NewReader(rc)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	idx := makeIndex(header)

	for {
		record, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(func(field string) string { return getField(record, idx, field) }); err != nil {
			return err
		}
	}
}

func makeIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	return idx
}

func getField(record []string, idx map[string]int, field string) string {
	if i, ok := idx[field]; ok && i < len(record) {
		return strings.TrimSpace(record[i])
	}
	return ""
}
