package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ScheduleTime is a GTFS time: seconds since the start of the service day.
// Values of 24:00:00 and above belong to trips running past midnight.
type ScheduleTime int32

const Day ScheduleTime = 24 * 60 * 60

// ParseScheduleTime parses H:MM:SS, HH:MM:SS or HH:MM
func ParseScheduleTime(s string) (ScheduleTime, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, fmt.Errorf("invalid time %q", s)
	}

	var total int
	mult := []int{3600, 60, 1}
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid time %q", s)
		}
		if i > 0 && v > 59 {
			return 0, fmt.Errorf("invalid time %q", s)
		}
		total += v * mult[i]
	}
	return ScheduleTime(total), nil
}

// MustScheduleTime is ParseScheduleTime for literals
func MustScheduleTime(s string) ScheduleTime {
	t, err := ParseScheduleTime(s)
	if err != nil {
		panic(err)
	}
	return t
}

func (t ScheduleTime) String() string {
	sign := ""
	v := int(t)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%02d:%02d:%02d", sign, v/3600, (v%3600)/60, v%60)
}

// MarshalJSON writes the HH:MM:SS form
func (t ScheduleTime) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(t.String())), nil
}

// UnmarshalJSON accepts the HH:MM:SS form or a number of seconds
func (t *ScheduleTime) UnmarshalJSON(b []byte) error {
	if s, err := strconv.Unquote(string(b)); err == nil {
		v, err := ParseScheduleTime(s)
		if err != nil {
			return err
		}
		*t = v
		return nil
	}
	v, err := strconv.Atoi(string(b))
	if err != nil {
		return fmt.Errorf("invalid schedule time %s", b)
	}
	*t = ScheduleTime(v)
	return nil
}

func (t ScheduleTime) Add(seconds int) ScheduleTime {
	return t + ScheduleTime(seconds)
}

// On returns the wall-clock instant of t on the given service date
func (t ScheduleTime) On(serviceDate time.Time) time.Time {
	return ServiceDayStart(serviceDate).Add(time.Duration(t) * time.Second)
}

// ServiceDayStart is "noon minus 12h" of the date, which is midnight except on DST change days.
func ServiceDayStart(date time.Time) time.Time {
	y, m, d := date.Date()
	noon := time.Date(y, m, d, 12, 0, 0, 0, date.Location())
	return noon.Add(-12 * time.Hour)
}

// SinceServiceDay expresses ts as a ScheduleTime relative to serviceDate
func SinceServiceDay(ts, serviceDate time.Time) ScheduleTime {
	return ScheduleTime(ts.Sub(ServiceDayStart(serviceDate)) / time.Second)
}

// ServiceDate truncates t to its calendar date in t's location
func ServiceDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ParseServiceDate parses GTFS YYYYMMDD in loc
func ParseServiceDate(s string, loc *time.Location) (time.Time, error) {
	return time.ParseInLocation("20060102", s, loc)
}
