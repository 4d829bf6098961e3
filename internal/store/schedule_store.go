package store

import (
	"sync"
	"sync/atomic"
	"time"

	"transitfuse/internal/schedule"
)

// ScheduleStore holds the current immutable schedule. Readers take the
// pointer once per request and keep using it even if a swap happens meanwhile.
type ScheduleStore struct {
	current atomic.Pointer[schedule.Schedule]

	mu          sync.Mutex
	subscribers []func(*schedule.Schedule)
	swappedAt   time.Time
	swaps       int
}

func NewScheduleStore() *ScheduleStore {
	return &ScheduleStore{}
}

// Swap installs a new schedule version and notifies subscribers in registration order
func (s *ScheduleStore) Swap(next *schedule.Schedule) {
	s.current.Store(next)

	s.mu.Lock()
	s.swappedAt = time.Now()
	s.swaps++
	subs := make([]func(*schedule.Schedule), len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(next)
	}
}

// Current returns the loaded schedule or nil before the first load
func (s *ScheduleStore) Current() *schedule.Schedule {
	return s.current.Load()
}

func (s *ScheduleStore) Version() string {
	if sch := s.current.Load(); sch != nil {
		return sch.Version()
	}
	return ""
}

// Subscribe registers fn to run after every swap
func (s *ScheduleStore) Subscribe(fn func(*schedule.Schedule)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

type ScheduleStats struct {
	schedule.Stats
	Swaps     int       `json:"swaps"`
	SwappedAt time.Time `json:"swapped_at"`
	IsLoaded  bool      `json:"is_loaded"`
}

func (s *ScheduleStore) GetStats() ScheduleStats {
	s.mu.Lock()
	stats := ScheduleStats{Swaps: s.swaps, SwappedAt: s.swappedAt}
	s.mu.Unlock()

	if sch := s.current.Load(); sch != nil {
		stats.Stats = sch.Stats()
		stats.IsLoaded = true
	}
	return stats
}
