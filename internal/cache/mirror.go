package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"transitfuse/internal/domain"
)

type Upserter interface {
	Upsert(e domain.ReconciledEntry) bool
}

// Mirror copies changed reconciled entries into the cache so a restarted
// process can serve real-time data before its first poll cycle completes.
type Mirror struct {
	cache  Cache
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func NewMirror(c Cache, ttl time.Duration, logger *slog.Logger) *Mirror {
	return &Mirror{
		cache:  c,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With("component", "cache_mirror"),
	}
}

// Publish implements the poller's sink contract
func (m *Mirror) Publish(ctx context.Context, entries []domain.ReconciledEntry) {
	values := make(map[string]any, len(entries))
	for i := range entries {
		values[KeyEntry(entries[i].Key())] = entries[i]
	}
	if err := m.cache.SetManyJSON(ctx, values, m.ttl); err != nil {
		m.logger.Warn("mirror write failed", "entries", len(entries), "error", err)
	}
}

// Restore loads mirrored entries into st. Entries observed longer than the
// TTL ago are skipped; entries without an observation time are kept.
func (m *Mirror) Restore(ctx context.Context, st Upserter) (int, error) {
	start := time.Now()
	keys, err := m.cache.Keys(ctx, entryPrefix+"*")
	if err != nil {
		return 0, fmt.Errorf("list mirrored entries: %w", err)
	}

	now := m.now()
	restored := 0
	for _, k := range keys {
		var e domain.ReconciledEntry
		ok, err := m.cache.GetJSON(ctx, k, &e)
		if err != nil {
			m.logger.Debug("skipping unreadable entry", "key", k, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if m.ttl > 0 && !e.ObservedAt.IsZero() && now.Sub(e.ObservedAt) > m.ttl {
			continue
		}
		st.Upsert(e)
		restored++
	}

	m.logger.Info("restored mirrored entries",
		"restored", restored,
		"keys", len(keys),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return restored, nil
}
