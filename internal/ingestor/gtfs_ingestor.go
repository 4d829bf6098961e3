package ingestor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"transitfuse/internal/schedule"
	"transitfuse/internal/store"
	"transitfuse/pkg/gtfs"
)

// ScheduleLoader reads a GTFS feed already imported into a database
type ScheduleLoader interface {
	Load(ctx context.Context, opts gtfs.Options) (*gtfs.ParseResult, error)
}

type ScheduleOptions struct {
	UpdateInterval time.Duration
	CacheDir       string
	Build          schedule.Options
}

// GTFSIngestor loads every operator's static feed, merges them into one
// Schedule and swaps it in when the combined version changes.
type GTFSIngestor struct {
	sources    []StaticSource
	loader     ScheduleLoader
	downloader *gtfs.Downloader
	parser     *gtfs.Parser
	store      *store.ScheduleStore
	opts       ScheduleOptions
	logger     *slog.Logger
	onUpdate   func(context.Context, *schedule.Schedule)

	ready atomic.Bool
}

func NewGTFSIngestor(sources []StaticSource, loader ScheduleLoader, st *store.ScheduleStore, opts ScheduleOptions, logger *slog.Logger) *GTFSIngestor {
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = 24 * time.Hour
	}
	if opts.CacheDir == "" {
		opts.CacheDir = gtfs.ParsedCacheDir()
	}
	return &GTFSIngestor{
		sources:    sources,
		loader:     loader,
		downloader: gtfs.NewDownloader(logger),
		parser:     gtfs.NewParser(logger),
		store:      st,
		opts:       opts,
		logger:     logger.With("component", "gtfs_ingestor"),
	}
}

func (i *GTFSIngestor) Start(ctx context.Context) {
	if err := i.Update(ctx); err != nil {
		i.logger.Error("GTFS update failed", "error", err)
	}

	ticker := time.NewTicker(i.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := i.Update(ctx); err != nil {
				i.logger.Error("GTFS update failed", "error", err)
			}
		}
	}
}

// Update rebuilds the schedule. A failing source aborts the update and the
// current schedule stays in place.
func (i *GTFSIngestor) Update(ctx context.Context) error {
	start := time.Now()
	i.logger.Info("starting GTFS update", "sources", len(i.sources), "database", i.loader != nil)

	var (
		results      []*gtfs.ParseResult
		fingerprints []string
	)
	for _, src := range i.sources {
		res, fp, err := i.loadSource(ctx, src)
		if err != nil {
			return fmt.Errorf("load %s: %w", src.Operator, err)
		}
		results = append(results, res)
		fingerprints = append(fingerprints, fp)
	}
	if i.loader != nil {
		res, err := i.loader.Load(ctx, gtfs.Options{})
		if err != nil {
			return fmt.Errorf("load database schedule: %w", err)
		}
		results = append(results, res)
		fingerprints = append(fingerprints, "db-"+start.Format("20060102"))
	}
	if len(results) == 0 {
		return fmt.Errorf("no static sources configured")
	}

	version := combinedVersion(fingerprints)
	if version == i.store.Version() {
		i.logger.Info("GTFS unchanged", "version", version)
		i.ready.Store(true)
		return nil
	}

	buildStart := time.Now()
	opts := i.opts.Build
	opts.Version = version
	sch, err := schedule.Build(gtfs.Merge(results...), opts)
	if err != nil {
		return fmt.Errorf("build schedule: %w", err)
	}
	i.store.Swap(sch)
	i.ready.Store(true)

	if i.onUpdate != nil {
		i.onUpdate(ctx, sch)
	}

	stats := sch.Stats()
	i.logger.Info("GTFS update completed",
		"version", version,
		"stops", stats.Stops,
		"routes", stats.Routes,
		"trips", stats.Trips,
		"patterns", stats.Patterns,
		"transfers", stats.Transfers,
		"dropped_trips", stats.DroppedTrips,
		"build_duration_ms", time.Since(buildStart).Milliseconds(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (i *GTFSIngestor) loadSource(ctx context.Context, src StaticSource) (*gtfs.ParseResult, string, error) {
	reader, data, err := i.downloader.Download(ctx, src.Location)
	if err != nil {
		return nil, "", err
	}

	fingerprint := gtfs.DataFingerprint(data, src.Options)
	result, cachePath, cacheErr := gtfs.LoadParsedResult(i.opts.CacheDir, fingerprint)
	if cacheErr == nil {
		i.logger.Debug("loaded parsed GTFS cache", "operator", src.Operator, "path", cachePath)
		return result, fingerprint, nil
	}

	i.logger.Info("parsed GTFS cache miss, parsing ZIP", "operator", src.Operator, "path", cachePath)
	result, err = i.parser.Parse(reader, src.Options)
	if err != nil {
		return nil, "", err
	}
	if savedPath, saveErr := gtfs.SaveParsedResult(i.opts.CacheDir, fingerprint, result); saveErr != nil {
		i.logger.Warn("failed to persist parsed GTFS cache", "operator", src.Operator, "error", saveErr)
	} else {
		i.logger.Debug("persisted parsed GTFS cache", "operator", src.Operator, "path", savedPath)
	}
	return result, fingerprint, nil
}

func combinedVersion(fingerprints []string) string {
	h := sha256.New()
	for _, fp := range fingerprints {
		h.Write([]byte(fp))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (i *GTFSIngestor) IsReady() bool {
	return i.ready.Load()
}

func (i *GTFSIngestor) SetOnUpdate(fn func(context.Context, *schedule.Schedule)) {
	i.onUpdate = fn
}
