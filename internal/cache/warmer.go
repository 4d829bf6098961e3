package cache

import (
	"context"
	"log/slog"
	"time"

	"transitfuse/internal/domain"
	"transitfuse/internal/schedule"
)

// SyncData is the compressed schedule metadata bundle served to clients that
// keep an offline copy of stops and routes.
type SyncData struct {
	Version     string          `json:"version"`
	Stops       []*domain.Stop  `json:"stops"`
	Routes      []*domain.Route `json:"routes"`
	GeneratedAt time.Time       `json:"generated_at"`
}

func BuildSyncData(sch *schedule.Schedule) *SyncData {
	return &SyncData{
		Version:     sch.Version(),
		Stops:       sch.Stops(),
		Routes:      sch.Routes(),
		GeneratedAt: time.Now(),
	}
}

type Warmer struct {
	cache  Cache
	ttl    time.Duration
	logger *slog.Logger
}

func NewWarmer(c Cache, ttl time.Duration, logger *slog.Logger) *Warmer {
	return &Warmer{
		cache:  c,
		ttl:    ttl,
		logger: logger.With("component", "cache_warmer"),
	}
}

// Warm writes the metadata of a freshly swapped schedule. Failures are
// logged; the HTTP layer falls back to the in-memory schedule on a miss.
func (w *Warmer) Warm(ctx context.Context, sch *schedule.Schedule) {
	start := time.Now()
	w.logger.Info("starting cache warming", "version", sch.Version())

	if err := w.warmSyncData(ctx, sch); err != nil {
		w.logger.Error("failed to warm sync data", "error", err)
	}
	if err := w.warmStopLines(ctx, sch); err != nil {
		w.logger.Error("failed to warm stop lines", "error", err)
	}
	if err := w.cache.SetJSON(ctx, KeyScheduleVersion, sch.Version(), w.ttl); err != nil {
		w.logger.Error("failed to write schedule version", "error", err)
	}

	w.logger.Info("cache warming completed", "duration_ms", time.Since(start).Milliseconds())
}

func (w *Warmer) warmSyncData(ctx context.Context, sch *schedule.Schedule) error {
	start := time.Now()
	data := BuildSyncData(sch)
	if err := w.cache.SetJSONCompressed(ctx, KeySyncFull, data, w.ttl); err != nil {
		return err
	}
	w.logger.Info("warmed sync data",
		"routes", len(data.Routes),
		"stops", len(data.Stops),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Warmer) warmStopLines(ctx context.Context, sch *schedule.Schedule) error {
	start := time.Now()
	values := make(map[string]any)
	for _, stop := range sch.Stops() {
		if lines := sch.Lines(stop.ID); len(lines) > 0 {
			values[KeyStopLines(stop.ID)] = lines
		}
	}
	if err := w.cache.SetManyJSON(ctx, values, w.ttl); err != nil {
		return err
	}
	w.logger.Info("warmed stop lines",
		"stops_warmed", len(values),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// SyncDataFor returns the cached bundle when it matches the current schedule
// version, otherwise builds it from sch. The flag reports a cache hit.
func SyncDataFor(ctx context.Context, c Cache, sch *schedule.Schedule) (*SyncData, bool) {
	if c != nil {
		var cached SyncData
		if ok, err := c.GetJSONCompressed(ctx, KeySyncFull, &cached); err == nil && ok && cached.Version == sch.Version() {
			return &cached, true
		}
	}
	return BuildSyncData(sch), false
}
