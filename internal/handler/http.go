package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"transitfuse/internal/cache"
	"transitfuse/internal/departures"
	"transitfuse/internal/domain"
	"transitfuse/internal/hub"
	"transitfuse/internal/router"
	"transitfuse/internal/store"
)

type Deps struct {
	Schedules  *store.ScheduleStore
	Realtime   *store.Store
	Router     *router.Router
	Departures *departures.Composer
	// Cache is optional; sync bundles are built in memory without it
	Cache     cache.Cache
	MaxRounds int
	// PlanObserver receives the duration of every plan request
	PlanObserver func(time.Duration)
	Now          func() time.Time
}

type HTTPHandler struct {
	deps   Deps
	logger *slog.Logger
}

func NewHTTPHandler(deps Deps, logger *slog.Logger) *HTTPHandler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.MaxRounds <= 0 {
		deps.MaxRounds = router.DefaultMaxRounds
	}
	return &HTTPHandler{deps: deps, logger: logger.With("component", "http")}
}

type PlanResponse struct {
	Journeys        []domain.Journey `json:"journeys"`
	Count           int              `json:"count"`
	ScheduleVersion string           `json:"schedule_version"`
	ServerTime      time.Time        `json:"server_time"`
}

// Plan serves GET /v1/plan?from=&to=&time=&date=&rounds=&realtime=
func (h *HTTPHandler) Plan(w http.ResponseWriter, r *http.Request) {
	ServerStats.IncRequests()
	start := time.Now()

	sch := h.deps.Schedules.Current()
	if sch == nil {
		respondError(w, http.StatusServiceUnavailable, "schedule not loaded")
		return
	}

	q := r.URL.Query()
	req := router.Request{
		Origin:      q.Get("from"),
		Destination: q.Get("to"),
		MaxRounds:   h.deps.MaxRounds,
		Realtime:    true,
	}

	now := h.deps.Now().In(sch.Location())
	req.Date = domain.ServiceDate(now)
	req.Departure = domain.SinceServiceDay(now, req.Date)

	if v := q.Get("date"); v != "" {
		date, err := domain.ParseServiceDate(v, sch.Location())
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid date: expected YYYYMMDD")
			return
		}
		req.Date = date
	}
	if v := q.Get("time"); v != "" {
		t, err := domain.ParseScheduleTime(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid time: expected HH:MM or HH:MM:SS")
			return
		}
		req.Departure = t
	}
	if v := q.Get("rounds"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid rounds: expected a positive integer")
			return
		}
		req.MaxRounds = n
	}
	if v := q.Get("realtime"); v != "" {
		rt, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid realtime flag")
			return
		}
		req.Realtime = rt
	}

	journeys, err := h.deps.Router.Plan(r.Context(), req)
	if h.deps.PlanObserver != nil {
		h.deps.PlanObserver(time.Since(start))
	}
	if err != nil {
		h.respondErr(w, err)
		return
	}

	respondJSON(w, http.StatusOK, PlanResponse{
		Journeys:        journeys,
		Count:           len(journeys),
		ScheduleVersion: sch.Version(),
		ServerTime:      time.Now(),
	})
}

type StopResponse struct {
	Stop      *domain.Stop             `json:"stop"`
	Platforms []*domain.Stop           `json:"platforms,omitempty"`
	Lines     []string                 `json:"lines"`
	Alerts    []domain.ReconciledEntry `json:"alerts,omitempty"`
}

func (h *HTTPHandler) GetStop(w http.ResponseWriter, r *http.Request) {
	ServerStats.IncRequests()
	id := r.PathValue("id")

	sch := h.deps.Schedules.Current()
	if sch == nil {
		respondError(w, http.StatusServiceUnavailable, "schedule not loaded")
		return
	}
	stop, ok := sch.Stop(id)
	if !ok {
		respondError(w, http.StatusNotFound, "stop not found")
		return
	}

	resp := StopResponse{Stop: stop, Lines: []string{}}
	platforms := sch.Platforms(id)
	for _, p := range platforms {
		if p == id {
			continue
		}
		if ps, ok := sch.Stop(p); ok {
			resp.Platforms = append(resp.Platforms, ps)
		}
	}
	for _, p := range platforms {
		resp.Lines = append(resp.Lines, sch.Lines(p)...)
	}
	slices.Sort(resp.Lines)
	resp.Lines = slices.Compact(resp.Lines)
	resp.Alerts = h.alertsFor(append(slices.Clone(platforms), id))

	respondJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) alertsFor(stopIDs []string) []domain.ReconciledEntry {
	var out []domain.ReconciledEntry
	for _, a := range h.deps.Realtime.Alerts(h.deps.Now()) {
		if a.Alert == nil {
			continue
		}
		for _, id := range a.Alert.StopIDs {
			if slices.Contains(stopIDs, id) {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

type DeparturesResponse struct {
	StopID     string             `json:"stop_id"`
	Departures []domain.Departure `json:"departures"`
	Count      int                `json:"count"`
	ServerTime time.Time          `json:"server_time"`
}

func (h *HTTPHandler) Departures(w http.ResponseWriter, r *http.Request) {
	ServerStats.IncRequests()
	id := r.PathValue("id")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit: expected a positive integer")
			return
		}
		limit = n
	}

	if sch := h.deps.Schedules.Current(); sch != nil {
		if _, ok := sch.Stop(id); !ok {
			respondError(w, http.StatusNotFound, "stop not found")
			return
		}
	}

	deps := h.deps.Departures.Departures(id, limit)
	respondJSON(w, http.StatusOK, DeparturesResponse{
		StopID:     id,
		Departures: deps,
		Count:      len(deps),
		ServerTime: time.Now(),
	})
}

type TripRealtimeResponse struct {
	TripID  string                   `json:"trip_id"`
	Entries []domain.ReconciledEntry `json:"entries"`
}

// TripRealtime returns the stored entries of a canonical or provisional trip id
func (h *HTTPHandler) TripRealtime(w http.ResponseWriter, r *http.Request) {
	ServerStats.IncRequests()
	id := r.PathValue("id")

	entries := h.deps.Realtime.ByTrip(id)
	if len(entries) == 0 {
		sch := h.deps.Schedules.Current()
		if sch == nil {
			respondError(w, http.StatusNotFound, "trip not found")
			return
		}
		if _, ok := sch.Trip(id); !ok {
			respondError(w, http.StatusNotFound, "trip not found")
			return
		}
		entries = []domain.ReconciledEntry{}
	}
	slices.SortFunc(entries, func(a, b domain.ReconciledEntry) int {
		return a.Expected.Compare(b.Expected)
	})
	respondJSON(w, http.StatusOK, TripRealtimeResponse{TripID: id, Entries: entries})
}

type VehiclesResponse struct {
	Vehicles   []domain.ReconciledEntry `json:"vehicles"`
	Count      int                      `json:"count"`
	ServerTime time.Time                `json:"server_time"`
}

func (h *HTTPHandler) ListVehicles(w http.ResponseWriter, r *http.Request) {
	ServerStats.IncRequests()
	q := r.URL.Query()
	operator := q.Get("operator")

	var tiles map[hub.Tile]bool
	if v := q.Get("bbox"); v != "" {
		bbox, err := parseBBox(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid bbox: "+err.Error())
			return
		}
		list, err := hub.TilesInBBox(bbox[0], bbox[1], bbox[2], bbox[3], hub.TileZoom)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid bbox: "+err.Error())
			return
		}
		tiles = make(map[hub.Tile]bool, len(list))
		for _, t := range list {
			tiles[t] = true
		}
	}

	vehicles := []domain.ReconciledEntry{}
	for _, v := range h.deps.Realtime.Vehicles() {
		if operator != "" && v.Operator != operator {
			continue
		}
		if tiles != nil && (v.Vehicle == nil || !tiles[hub.TileAt(v.Vehicle.Lat, v.Vehicle.Lon, hub.TileZoom)]) {
			continue
		}
		vehicles = append(vehicles, v)
	}

	respondJSON(w, http.StatusOK, VehiclesResponse{
		Vehicles:   vehicles,
		Count:      len(vehicles),
		ServerTime: time.Now(),
	})
}

func (h *HTTPHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	ServerStats.IncRequests()
	alerts := h.deps.Realtime.Alerts(h.deps.Now())
	if alerts == nil {
		alerts = []domain.ReconciledEntry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

// Sync serves the stops and routes bundle of the current schedule
func (h *HTTPHandler) Sync(w http.ResponseWriter, r *http.Request) {
	ServerStats.IncRequests()
	sch := h.deps.Schedules.Current()
	if sch == nil {
		respondError(w, http.StatusServiceUnavailable, "schedule not loaded")
		return
	}
	if etag := `"` + sch.Version() + `"`; r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	data, hit := cache.SyncDataFor(r.Context(), h.deps.Cache, sch)
	if hit {
		ServerStats.IncCacheHits()
	} else {
		ServerStats.IncCacheMisses()
	}
	w.Header().Set("ETag", `"`+sch.Version()+`"`)
	respondJSON(w, http.StatusOK, data)
}

func parseBBox(s string) ([4]float64, error) {
	var out [4]float64
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return out, errInvalidBBox
	}
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}

var errInvalidBBox = errors.New("expected minLat,minLon,maxLat,maxLon")

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}

// respondErr maps domain errors onto HTTP statuses
func (h *HTTPHandler) respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrScheduleStale):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
