package gtfs

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"transitfuse/internal/domain"
)

// PostgresLoader reads a GTFS feed previously imported into Postgres
// (one table per GTFS file, column names as in the GTFS reference).
type PostgresLoader struct {
	db     *sql.DB
	logger *slog.Logger
}

func OpenPostgres(dsn string, logger *slog.Logger) (*PostgresLoader, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewPostgresLoader(db, logger), nil
}

// NewPostgresLoader wraps an open database handle
func NewPostgresLoader(db *sql.DB, logger *slog.Logger) *PostgresLoader {
	return &PostgresLoader{db: db, logger: logger.With("component", "gtfs_postgres")}
}

func (l *PostgresLoader) Close() error {
	return l.db.Close()
}

func (l *PostgresLoader) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return l.db.PingContext(ctx)
}

// Load reads all tables into a ParseResult using the same id rules as the zip parser.
func (l *PostgresLoader) Load(ctx context.Context, opts Options) (*ParseResult, error) {
	start := time.Now()
	result := NewParseResult()

	steps := []struct {
		name string
		load func(context.Context, Options, *ParseResult) error
	}{
		{"stops", l.loadStops},
		{"routes", l.loadRoutes},
		{"trips", l.loadTrips},
		{"stop_times", l.loadStopTimes},
		{"calendar", l.loadCalendar},
		{"calendar_dates", l.loadCalendarDates},
		{"transfers", l.loadTransfers},
	}
	for _, step := range steps {
		if err := step.load(ctx, opts, result); err != nil {
			return nil, fmt.Errorf("load %s: %w", step.name, err)
		}
	}

	result.DroppedTrips += finishTrips(result)

	l.logger.Info("GTFS loaded from postgres",
		"network", opts.Network,
		"stops", len(result.Stops),
		"trips", len(result.Trips),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result, nil
}

func (l *PostgresLoader) loadStops(ctx context.Context, opts Options, result *ParseResult) error {
	const q = `SELECT stop_id, COALESCE(stop_code, ''), COALESCE(stop_name, ''),
  COALESCE(stop_lat, 0), COALESCE(stop_lon, 0), COALESCE(location_type::text, '0'),
  COALESCE(parent_station, ''), COALESCE(platform_code, '')
FROM stops`
	return l.query(ctx, q, func(rows *sql.Rows) error {
		var s domain.Stop
		var locationType string
		if err := rows.Scan(&s.ID, &s.Code, &s.Name, &s.Lat, &s.Lon, &locationType, &s.ParentID, &s.PlatformCode); err != nil {
			return err
		}
		s.ID = opts.stopID(s.ID)
		s.ParentID = opts.stopID(s.ParentID)
		s.Kind = domain.StopKindFromLocationType(parseLocationType(locationType))
		s.Network = opts.Network
		result.Stops[s.ID] = &s
		return nil
	})
}

func (l *PostgresLoader) loadRoutes(ctx context.Context, opts Options, result *ParseResult) error {
	const q = `SELECT route_id, COALESCE(agency_id, ''), COALESCE(route_short_name, ''),
  COALESCE(route_long_name, ''), COALESCE(route_type::text, '3'), COALESCE(route_color, '')
FROM routes`
	return l.query(ctx, q, func(rows *sql.Rows) error {
		var r domain.Route
		var routeType string
		if err := rows.Scan(&r.ID, &r.AgencyID, &r.ShortName, &r.LongName, &routeType, &r.Color); err != nil {
			return err
		}
		t, err := strconv.Atoi(routeType)
		if err != nil {
			t = int(domain.RouteTypeBus)
		}
		r.Type = domain.RouteType(t)
		r.ID = opts.id(r.ID)
		result.Routes[r.ID] = &r
		return nil
	})
}

func (l *PostgresLoader) loadTrips(ctx context.Context, opts Options, result *ParseResult) error {
	const q = `SELECT trip_id, route_id, service_id, COALESCE(trip_headsign, ''), COALESCE(direction_id::int, 0)
FROM trips`
	return l.query(ctx, q, func(rows *sql.Rows) error {
		var t domain.Trip
		if err := rows.Scan(&t.ID, &t.RouteID, &t.ServiceID, &t.Headsign, &t.DirectionID); err != nil {
			return err
		}
		t.ID = opts.id(t.ID)
		t.RouteID = opts.id(t.RouteID)
		t.ServiceID = opts.id(t.ServiceID)
		result.Trips[t.ID] = &t
		return nil
	})
}

func (l *PostgresLoader) loadStopTimes(ctx context.Context, opts Options, result *ParseResult) error {
	// Times may be stored as interval or text; both render as HH:MM:SS.
	const q = `SELECT trip_id, stop_id, stop_sequence, COALESCE(arrival_time::text, ''), COALESCE(departure_time::text, '')
FROM stop_times ORDER BY trip_id, stop_sequence`
	broken := make(map[string]bool)
	err := l.query(ctx, q, func(rows *sql.Rows) error {
		var tripID, stopID, arrivalRaw, departureRaw string
		var seq int
		if err := rows.Scan(&tripID, &stopID, &seq, &arrivalRaw, &departureRaw); err != nil {
			return err
		}
		trip, ok := result.Trips[opts.id(tripID)]
		if !ok {
			return nil
		}
		arrival, departure, ok := parsePair(arrivalRaw, departureRaw)
		if !ok {
			broken[trip.ID] = true
			return nil
		}
		trip.StopTimes = append(trip.StopTimes, domain.StopTimeEntry{
			StopID:    opts.stopID(stopID),
			Sequence:  seq,
			Arrival:   arrival,
			Departure: departure,
		})
		return nil
	})
	for id := range broken {
		delete(result.Trips, id)
	}
	result.DroppedTrips += len(broken)
	return err
}

func (l *PostgresLoader) loadCalendar(ctx context.Context, opts Options, result *ParseResult) error {
	const q = `SELECT service_id, to_char(start_date, 'YYYYMMDD'), to_char(end_date, 'YYYYMMDD'),
  sunday::text, monday::text, tuesday::text, wednesday::text, thursday::text, friday::text, saturday::text
FROM calendar`
	return l.query(ctx, q, func(rows *sql.Rows) error {
		var c domain.Calendar
		var days [7]string
		if err := rows.Scan(&c.ServiceID, &c.StartDate, &c.EndDate,
			&days[0], &days[1], &days[2], &days[3], &days[4], &days[5], &days[6]); err != nil {
			return err
		}
		for i, d := range days {
			c.Weekdays[i] = truthy(d)
		}
		c.ServiceID = opts.id(c.ServiceID)
		result.Calendars[c.ServiceID] = &c
		return nil
	})
}

func (l *PostgresLoader) loadCalendarDates(ctx context.Context, opts Options, result *ParseResult) error {
	const q = `SELECT service_id, to_char(date, 'YYYYMMDD'), exception_type::text FROM calendar_dates`
	return l.query(ctx, q, func(rows *sql.Rows) error {
		var cd domain.CalendarDate
		var exception string
		if err := rows.Scan(&cd.ServiceID, &cd.Date, &exception); err != nil {
			return err
		}
		switch strings.ToLower(exception) {
		case "1", "added":
			cd.ExceptionType = 1
		case "2", "removed":
			cd.ExceptionType = 2
		default:
			return nil
		}
		cd.ServiceID = opts.id(cd.ServiceID)
		result.CalendarDates = append(result.CalendarDates, &cd)
		return nil
	})
}

func (l *PostgresLoader) loadTransfers(ctx context.Context, opts Options, result *ParseResult) error {
	const q = `SELECT from_stop_id, to_stop_id, COALESCE(transfer_type::text, '0'), COALESCE(min_transfer_time, 0)
FROM transfers WHERE from_stop_id IS NOT NULL AND to_stop_id IS NOT NULL`
	return l.query(ctx, q, func(rows *sql.Rows) error {
		var e domain.TransferEdge
		var transferType string
		if err := rows.Scan(&e.From, &e.To, &transferType, &e.MinSeconds); err != nil {
			return err
		}
		if transferType == "3" {
			return nil
		}
		e.From = opts.stopID(e.From)
		e.To = opts.stopID(e.To)
		result.Transfers = append(result.Transfers, &e)
		return nil
	})
}

func (l *PostgresLoader) query(ctx context.Context, q string, scan func(*sql.Rows) error) error {
	rows, err := l.db.QueryContext(ctx, q)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func parseLocationType(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "t", "true", "available":
		return true
	}
	return false
}
