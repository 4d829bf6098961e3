package store

import (
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"transitfuse/internal/domain"
)

const shardCount = 32

type Options struct {
	// TTL hides entries this long after their last write; zero keeps them forever
	TTL time.Duration
	// StaleAfter marks entries older than this as stale on read; zero disables
	StaleAfter time.Duration
	// OperatorTTL overrides TTL for entries of one operator
	OperatorTTL map[string]time.Duration
	Now         func() time.Time
}

type record struct {
	entry    domain.ReconciledEntry
	storedAt time.Time
}

type shard struct {
	mu    sync.RWMutex
	items map[string]map[string]record
}

func (sh *shard) put(outer, key string, rec record) (record, bool) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.items == nil {
		sh.items = make(map[string]map[string]record)
	}
	m := sh.items[outer]
	if m == nil {
		m = make(map[string]record)
		sh.items[outer] = m
	}
	prev, ok := m[key]
	m[key] = rec
	return prev, ok
}

// Store is the real-time state keyed by (trip or provisional id, stop), plus
// the latest vehicle fixes and alerts. Stop-time entries are indexed twice,
// by stop and by trip, each index split into independently locked shards.
type Store struct {
	byStop [shardCount]shard
	byTrip [shardCount]shard

	vehiclesMu sync.RWMutex
	vehicles   map[string]record

	alertsMu sync.RWMutex
	alerts   map[string]record

	ttl         time.Duration
	operatorTTL map[string]time.Duration
	staleAfter  time.Duration
	now         func() time.Time

	upserts atomic.Int64
}

func New(opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		vehicles:    make(map[string]record),
		alerts:      make(map[string]record),
		ttl:         opts.TTL,
		operatorTTL: opts.OperatorTTL,
		staleAfter:  opts.StaleAfter,
		now:         now,
	}
}

func shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

// Upsert replaces the entry with the same key and reports whether the stored
// state changed (new key, expired predecessor, or different payload).
func (s *Store) Upsert(e domain.ReconciledEntry) bool {
	now := s.now()
	rec := record{entry: e, storedAt: now}
	key := e.Key()
	s.upserts.Add(1)

	var (
		prev record
		ok   bool
	)
	switch e.Kind {
	case domain.KindVehiclePosition:
		s.vehiclesMu.Lock()
		prev, ok = s.vehicles[key]
		s.vehicles[key] = rec
		s.vehiclesMu.Unlock()
	case domain.KindAlert:
		s.alertsMu.Lock()
		prev, ok = s.alerts[key]
		s.alerts[key] = rec
		s.alertsMu.Unlock()
	default:
		prev, ok = s.byStop[shardFor(e.StopID)].put(e.StopID, key, rec)
		tripKey := e.TripKey()
		s.byTrip[shardFor(tripKey)].put(tripKey, key, rec)
	}

	return !ok || s.expired(prev, now) || hasChanged(&prev.entry, &e)
}

// ByStop returns the live stop-time entries for a stop
func (s *Store) ByStop(stopID string) []domain.ReconciledEntry {
	return s.collect(&s.byStop[shardFor(stopID)], stopID)
}

// ByTrip returns the live stop-time entries for a canonical or provisional trip id
func (s *Store) ByTrip(tripID string) []domain.ReconciledEntry {
	return s.collect(&s.byTrip[shardFor(tripID)], tripID)
}

func (s *Store) collect(sh *shard, outer string) []domain.ReconciledEntry {
	now := s.now()

	sh.mu.RLock()
	m := sh.items[outer]
	result := make([]domain.ReconciledEntry, 0, len(m))
	for _, rec := range m {
		if s.expired(rec, now) {
			continue
		}
		result = append(result, s.view(rec, now))
	}
	sh.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Key() < result[j].Key()
	})
	return result
}

// Vehicles returns every live vehicle entry
func (s *Store) Vehicles() []domain.ReconciledEntry {
	now := s.now()
	s.vehiclesMu.RLock()
	defer s.vehiclesMu.RUnlock()

	result := make([]domain.ReconciledEntry, 0, len(s.vehicles))
	for _, rec := range s.vehicles {
		if !s.expired(rec, now) {
			result = append(result, s.view(rec, now))
		}
	}
	return result
}

func (s *Store) Vehicle(operator, vehicleID string) (domain.ReconciledEntry, bool) {
	lookup := domain.ReconciledEntry{
		Kind:     domain.KindVehiclePosition,
		Operator: operator,
		Vehicle:  &domain.VehicleFix{VehicleID: vehicleID},
	}
	now := s.now()

	s.vehiclesMu.RLock()
	defer s.vehiclesMu.RUnlock()
	rec, ok := s.vehicles[lookup.Key()]
	if !ok || s.expired(rec, now) {
		return domain.ReconciledEntry{}, false
	}
	return s.view(rec, now), true
}

// Alerts returns live alerts whose active window contains at
func (s *Store) Alerts(at time.Time) []domain.ReconciledEntry {
	now := s.now()
	s.alertsMu.RLock()
	defer s.alertsMu.RUnlock()

	result := make([]domain.ReconciledEntry, 0, len(s.alerts))
	for _, rec := range s.alerts {
		if s.expired(rec, now) || rec.entry.Alert == nil || !rec.entry.Alert.ActiveAt(at) {
			continue
		}
		result = append(result, s.view(rec, now))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key() < result[j].Key()
	})
	return result
}

// Sweep drops expired entries to bound memory. Reads already ignore them.
func (s *Store) Sweep() int {
	if s.ttl <= 0 && len(s.operatorTTL) == 0 {
		return 0
	}
	now := s.now()
	removed := 0

	for _, shards := range []*[shardCount]shard{&s.byStop, &s.byTrip} {
		for i := range shards {
			sh := &shards[i]
			sh.mu.Lock()
			for outer, m := range sh.items {
				for key, rec := range m {
					if s.expired(rec, now) {
						delete(m, key)
						if shards == &s.byStop {
							removed++
						}
					}
				}
				if len(m) == 0 {
					delete(sh.items, outer)
				}
			}
			sh.mu.Unlock()
		}
	}

	s.vehiclesMu.Lock()
	for key, rec := range s.vehicles {
		if s.expired(rec, now) {
			delete(s.vehicles, key)
			removed++
		}
	}
	s.vehiclesMu.Unlock()

	s.alertsMu.Lock()
	for key, rec := range s.alerts {
		if s.expired(rec, now) {
			delete(s.alerts, key)
			removed++
		}
	}
	s.alertsMu.Unlock()

	return removed
}

type Stats struct {
	Entries  int   `json:"entries"`
	Vehicles int   `json:"vehicles"`
	Alerts   int   `json:"alerts"`
	Upserts  int64 `json:"upserts"`
}

// Stats counts stored records, including expired ones not yet swept
func (s *Store) Stats() Stats {
	stats := Stats{Upserts: s.upserts.Load()}
	for i := range s.byStop {
		sh := &s.byStop[i]
		sh.mu.RLock()
		for _, m := range sh.items {
			stats.Entries += len(m)
		}
		sh.mu.RUnlock()
	}

	s.vehiclesMu.RLock()
	stats.Vehicles = len(s.vehicles)
	s.vehiclesMu.RUnlock()

	s.alertsMu.RLock()
	stats.Alerts = len(s.alerts)
	s.alertsMu.RUnlock()
	return stats
}

func (s *Store) expired(rec record, now time.Time) bool {
	ttl := s.ttl
	if d, ok := s.operatorTTL[rec.entry.Operator]; ok && d > 0 {
		ttl = d
	}
	return ttl > 0 && now.Sub(rec.storedAt) > ttl
}

func (s *Store) view(rec record, now time.Time) domain.ReconciledEntry {
	e := rec.entry
	if s.staleAfter > 0 && now.Sub(rec.storedAt) > s.staleAfter {
		e.Source = domain.SourceStale
	}
	return e
}

func hasChanged(old, new *domain.ReconciledEntry) bool {
	const epsilon = 0.000001

	if old.Source != new.Source || old.Occupancy != new.Occupancy {
		return true
	}
	if !intEqual(old.Delay, new.Delay) || !stringEqual(old.Platform, new.Platform) {
		return true
	}
	if !old.Expected.Equal(new.Expected) {
		return true
	}

	switch {
	case old.Vehicle != nil && new.Vehicle != nil:
		if math.Abs(old.Vehicle.Lat-new.Vehicle.Lat) > epsilon || math.Abs(old.Vehicle.Lon-new.Vehicle.Lon) > epsilon {
			return true
		}
		if old.Vehicle.Status != new.Vehicle.Status || !old.Vehicle.Timestamp.Equal(new.Vehicle.Timestamp) {
			return true
		}
	case old.Vehicle != nil || new.Vehicle != nil:
		return true
	}

	switch {
	case old.Alert != nil && new.Alert != nil:
		if old.Alert.Header != new.Alert.Header || old.Alert.Description != new.Alert.Description ||
			!old.Alert.ActiveUntil.Equal(new.Alert.ActiveUntil) {
			return true
		}
	case old.Alert != nil || new.Alert != nil:
		return true
	}

	return false
}

func intEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func stringEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
