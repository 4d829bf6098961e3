package gtfs

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transitfuse/internal/domain"
)

// tableDriver answers every query with the rows registered for the table
// named in its FROM clause.
type tableDriver struct {
	tables map[string][][]driver.Value
}

var (
	registerOnce sync.Once
	tableData    = &tableDriver{}
)

func (d *tableDriver) Open(string) (driver.Conn, error) { return tableConn{d}, nil }

type tableConn struct{ d *tableDriver }

func (c tableConn) Prepare(q string) (driver.Stmt, error) { return tableStmt{c.d, q}, nil }
func (tableConn) Close() error                            { return nil }
func (tableConn) Begin() (driver.Tx, error)               { return nil, errors.New("read only") }

type tableStmt struct {
	d *tableDriver
	q string
}

func (tableStmt) Close() error  { return nil }
func (tableStmt) NumInput() int { return 0 }
func (tableStmt) Exec([]driver.Value) (driver.Result, error) {
	return nil, errors.New("read only")
}

func (s tableStmt) Query([]driver.Value) (driver.Rows, error) {
	from := s.q[strings.Index(s.q, "FROM ")+len("FROM "):]
	table := strings.Fields(from)[0]
	return &tableRows{rows: s.d.tables[table]}, nil
}

type tableRows struct {
	rows [][]driver.Value
	pos  int
}

// column names are not read by the loader
func (r *tableRows) Columns() []string {
	if len(r.rows) == 0 {
		return nil
	}
	return make([]string, len(r.rows[0]))
}

func (r *tableRows) Close() error { return nil }

func (r *tableRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.pos])
	r.pos++
	return nil
}

func openTables(t *testing.T, tables map[string][][]driver.Value) *PostgresLoader {
	t.Helper()
	registerOnce.Do(func() { sql.Register("gtfs-tables", tableData) })
	tableData.tables = tables

	db, err := sql.Open("gtfs-tables", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresLoader(db, testLogger())
}

func TestPostgresLoadMapsRows(t *testing.T) {
	l := openTables(t, map[string][][]driver.Value{
		"stops": {
			{"S", "", "Central", 41.38, 2.17, "1", "", ""},
			{"S_1", "C1", "Central", 41.38, 2.17, "0", "S", "1"},
			{"B", "", "Beach", 41.39, 2.19, "0", "", ""},
		},
		"routes": {
			{"R1", "A", "L1", "Coast line", "tram", "00FF00"},
		},
		"trips": {
			{"T1", "R1", "WK", "Beach", int64(1)},
			{"T2", "R1", "WK", "Beach", int64(0)},
			{"T3", "R1", "WK", "Beach", int64(0)},
		},
		"stop_times": {
			{"T1", "B", int64(2), "08:10:00", "08:10:00"},
			{"T1", "S_1", int64(1), "", "08:00:00"},
			{"T2", "S_1", int64(1), "08:30:00", "08:30:00"},
			{"T3", "S_1", int64(1), "garbage", "garbage"},
			{"T3", "B", int64(2), "08:50:00", "08:50:00"},
			{"GHOST", "B", int64(1), "09:00:00", "09:00:00"},
		},
		"calendar": {
			{"WK", "20250101", "20251231", "false", "true", "true", "true", "true", "t", "0"},
		},
		"calendar_dates": {
			{"WK", "20250501", "removed"},
			{"WK", "20250502", "9"},
		},
		"transfers": {
			{"S", "B", "2", int64(240)},
			{"B", "S_1", "3", int64(0)},
		},
	})

	res, err := l.Load(context.Background(), Options{Network: "OP", IDPrefix: "OP_"})
	require.NoError(t, err)

	require.Len(t, res.Stops, 3)
	platform := res.Stops["OP_S_1"]
	require.NotNil(t, platform)
	assert.Equal(t, "OP_S", platform.ParentID)
	assert.Equal(t, domain.StopKindPlatform, platform.Kind)
	assert.Equal(t, "OP", platform.Network)
	assert.Equal(t, "1", platform.PlatformCode)
	assert.Equal(t, domain.StopKindStation, res.Stops["OP_S"].Kind)
	assert.InDelta(t, 41.39, res.Stops["OP_B"].Lat, 1e-9)

	route := res.Routes["OP_R1"]
	require.NotNil(t, route)
	assert.Equal(t, "L1", route.ShortName)
	assert.Equal(t, domain.RouteTypeBus, route.Type)

	require.Len(t, res.Trips, 1)
	trip := res.Trips["OP_T1"]
	require.NotNil(t, trip)
	assert.Equal(t, "OP_R1", trip.RouteID)
	assert.Equal(t, "OP_WK", trip.ServiceID)
	assert.Equal(t, 1, trip.DirectionID)
	require.Len(t, trip.StopTimes, 2)
	assert.Equal(t, "OP_S_1", trip.StopTimes[0].StopID)
	assert.Equal(t, domain.MustScheduleTime("08:00"), trip.StopTimes[0].Arrival)
	assert.Equal(t, "OP_B", trip.StopTimes[1].StopID)
	assert.Equal(t, 2, res.DroppedTrips)

	cal := res.Calendars["OP_WK"]
	require.NotNil(t, cal)
	assert.Equal(t, "20250101", cal.StartDate)
	assert.Equal(t, [7]bool{false, true, true, true, true, true, false}, cal.Weekdays)

	require.Len(t, res.CalendarDates, 1)
	assert.Equal(t, 2, res.CalendarDates[0].ExceptionType)

	require.Len(t, res.Transfers, 1)
	assert.Equal(t, "OP_S", res.Transfers[0].From)
	assert.Equal(t, "OP_B", res.Transfers[0].To)
	assert.Equal(t, 240, res.Transfers[0].MinSeconds)
}
