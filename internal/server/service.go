// Package server exposes the history stores over HTTP: a read API for
// series and realms, endpoints that trigger ingestion cycles and exports,
// and a WebSocket feed of cycle events.
//
// Triggered cycles are serialized; a second trigger while one is running
// is rejected so every store file keeps a single writer.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/atmx/market-history/internal/export"
	"github.com/atmx/market-history/internal/itemstring"
	"github.com/atmx/market-history/internal/logger"
	"github.com/atmx/market-history/internal/model"
	"github.com/atmx/market-history/internal/store"
	"github.com/atmx/market-history/internal/task"
)

// maxRuns bounds the run history kept for GET /runs/{runID}.
const maxRuns = 100

// Pipeline is the part of task.Manager the server drives.
type Pipeline interface {
	Shards(ctx context.Context, region string) ([]task.Shard, error)
	ShardPath(s task.Shard) string
	ConnectedRealms(ctx context.Context, region string) ([]model.ConnectedRealm, error)
	RunRegion(ctx context.Context, region string) ([]task.CycleResult, error)
	Export(ctx context.Context, region, path string, mode export.Mode) (int64, error)
}

// Publisher uploads an export file.
type Publisher interface {
	Publish(ctx context.Context, region, path string) (string, error)
}

// Config configures a Service.
type Config struct {
	// Regions limits the regions served; empty allows any.
	Regions []string
	// ExportPath is where exports are written; "{region}" is replaced by
	// the region.
	ExportPath string
	ExportMode export.Mode
}

// Run status values.
const (
	RunRunning = "running"
	RunOK      = "ok"
	RunFailed  = "error"
)

// Run is one triggered cycle.
type Run struct {
	ID         string             `json:"id"`
	Region     string             `json:"region"`
	Status     string             `json:"status"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	Results    []task.CycleResult `json:"results,omitempty"`
	Export     *ExportResponse    `json:"export,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// ExportResponse is returned by POST /exports.
type ExportResponse struct {
	Path  string      `json:"path"`
	Mode  export.Mode `json:"mode"`
	Bytes int64       `json:"bytes"`
	Key   string      `json:"key,omitempty"`
}

// ShardSummary describes one store file.
type ShardSummary struct {
	Shard   string `json:"shard"`
	Path    string `json:"path"`
	Items   int    `json:"items"`
	Records int    `json:"records"`
}

// ItemSummary describes one item of a shard.
type ItemSummary struct {
	Item    string       `json:"item"`
	Records int          `json:"records"`
	Latest  model.Record `json:"latest"`
}

// SeriesResponse is the full series of one item.
type SeriesResponse struct {
	Shard   string         `json:"shard"`
	Item    string         `json:"item"`
	Records []model.Record `json:"records"`
}

// Service handles the HTTP API.
type Service struct {
	pipeline  Pipeline
	publisher Publisher
	hub       *WSHub
	cfg       Config
	log       *logger.Entry

	cycleMu sync.Mutex

	runsMu sync.Mutex
	runs   map[string]*Run
	order  []string
}

// NewService creates a Service. publisher and hub may be nil.
func NewService(p Pipeline, publisher Publisher, hub *WSHub, cfg Config) *Service {
	if cfg.ExportMode == "" {
		cfg.ExportMode = export.ModeFull
	}
	return &Service{
		pipeline:  p,
		publisher: publisher,
		hub:       hub,
		cfg:       cfg,
		log:       logger.GetLogger().WithComponent("server"),
		runs:      make(map[string]*Run),
	}
}

// --- HTTP Handlers ---

// TriggerCycle handles POST /api/v1/regions/{region}/cycles. With
// ?export=true the region is exported after a successful cycle.
func (s *Service) TriggerCycle(w http.ResponseWriter, r *http.Request) {
	region, ok := s.region(w, r)
	if !ok {
		return
	}
	if !s.cycleMu.TryLock() {
		writeError(w, "a cycle is already running", http.StatusConflict)
		return
	}
	defer s.cycleMu.Unlock()

	run := &Run{ID: uuid.New().String(), Region: region, Status: RunRunning, StartedAt: time.Now().UTC()}
	s.saveRun(run)
	s.broadcast(Event{Type: EventCycleStarted, RunID: run.ID, Region: region})
	log := s.log.WithFields(logger.Fields{"run_id": run.ID, "region": region})

	ctx := r.Context()
	results, err := s.pipeline.RunRegion(ctx, region)
	if err == nil && r.URL.Query().Get("export") == "true" {
		var resp *ExportResponse
		resp, err = s.export(ctx, region, s.cfg.ExportMode)
		if err == nil {
			s.broadcast(Event{Type: EventExportWritten, RunID: run.ID, Region: region, Path: resp.Path, Bytes: resp.Bytes})
		}
		run = s.updateRun(run.ID, func(r *Run) { r.Export = resp })
	}

	run = s.updateRun(run.ID, func(r *Run) {
		now := time.Now().UTC()
		r.FinishedAt = &now
		r.Results = results
		r.Status = RunOK
		if err != nil {
			r.Status = RunFailed
			r.Error = err.Error()
		}
	})

	status := http.StatusOK
	if err != nil {
		log.WithError(err).Error("triggered cycle failed")
		s.broadcast(Event{Type: EventCycleFailed, RunID: run.ID, Region: region, Results: results, Error: run.Error})
		status = http.StatusInternalServerError
	} else {
		log.WithFields(logger.Fields{"shards": len(results)}).Info("triggered cycle complete")
		s.broadcast(Event{Type: EventCycleCompleted, RunID: run.ID, Region: region, Results: results})
	}
	writeJSON(w, status, run)
}

// GetRun handles GET /api/v1/runs/{runID}
func (s *Service) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "runID")
	s.runsMu.Lock()
	run, ok := s.runs[id]
	var cp Run
	if ok {
		cp = *run
	}
	s.runsMu.Unlock()
	if !ok {
		writeError(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

// TriggerExport handles POST /api/v1/regions/{region}/exports?mode=full|latest
func (s *Service) TriggerExport(w http.ResponseWriter, r *http.Request) {
	region, ok := s.region(w, r)
	if !ok {
		return
	}
	mode := s.cfg.ExportMode
	if m := r.URL.Query().Get("mode"); m != "" {
		parsed, err := export.ParseMode(m)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		mode = parsed
	}
	resp, err := s.export(r.Context(), region, mode)
	if err != nil {
		s.log.WithError(err).WithFields(logger.Fields{"region": region}).Error("export failed")
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.broadcast(Event{Type: EventExportWritten, Region: region, Path: resp.Path, Bytes: resp.Bytes})
	writeJSON(w, http.StatusOK, resp)
}

// ListRealms handles GET /api/v1/regions/{region}/realms
func (s *Service) ListRealms(w http.ResponseWriter, r *http.Request) {
	region, ok := s.region(w, r)
	if !ok {
		return
	}
	realms, err := s.pipeline.ConnectedRealms(r.Context(), region)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, realms)
}

// ListShards handles GET /api/v1/regions/{region}/shards
func (s *Service) ListShards(w http.ResponseWriter, r *http.Request) {
	region, ok := s.region(w, r)
	if !ok {
		return
	}
	shards, err := s.pipeline.Shards(r.Context(), region)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadGateway)
		return
	}
	out := make([]ShardSummary, 0, len(shards))
	for _, sh := range shards {
		path := s.pipeline.ShardPath(sh)
		h, _, err := store.Load(path)
		if err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out = append(out, ShardSummary{Shard: sh.String(), Path: path, Items: h.Len(), Records: h.RecordCount()})
	}
	writeJSON(w, http.StatusOK, out)
}

// ListItems handles GET /api/v1/shards/{shard}/items
func (s *Service) ListItems(w http.ResponseWriter, r *http.Request) {
	sh, h, ok := s.loadShard(w, r)
	if !ok {
		return
	}
	prefix := r.URL.Query().Get("prefix")
	out := make([]ItemSummary, 0, h.Len())
	for _, item := range h.Items() {
		name := item.String()
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		latest, _ := h.Latest(item)
		out = append(out, ItemSummary{Item: name, Records: len(h.Records(item)), Latest: latest})
	}
	s.log.WithFields(logger.Fields{"shard": sh.String(), "items": len(out)}).Debug("items listed")
	writeJSON(w, http.StatusOK, out)
}

// GetSeries handles GET /api/v1/shards/{shard}/items/{item}
func (s *Service) GetSeries(w http.ResponseWriter, r *http.Request) {
	sh, h, ok := s.loadShard(w, r)
	if !ok {
		return
	}
	raw, err := url.PathUnescape(chi.URLParam(r, "item"))
	if err != nil {
		writeError(w, "invalid item", http.StatusBadRequest)
		return
	}
	item, err := itemstring.Parse(raw)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	recs := h.Records(item)
	if len(recs) == 0 {
		writeError(w, "item not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, SeriesResponse{Shard: sh.String(), Item: item.String(), Records: recs})
}

// --- helpers ---

func (s *Service) region(w http.ResponseWriter, r *http.Request) (string, bool) {
	region := strings.ToLower(chi.URLParam(r, "region"))
	if region == "" || (len(s.cfg.Regions) > 0 && !slices.Contains(s.cfg.Regions, region)) {
		writeError(w, "unknown region", http.StatusNotFound)
		return "", false
	}
	return region, true
}

func (s *Service) loadShard(w http.ResponseWriter, r *http.Request) (task.Shard, *store.History, bool) {
	sh, err := task.ParseShard(chi.URLParam(r, "shard"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return task.Shard{}, nil, false
	}
	if len(s.cfg.Regions) > 0 && !slices.Contains(s.cfg.Regions, sh.Region) {
		writeError(w, "unknown region", http.StatusNotFound)
		return task.Shard{}, nil, false
	}
	h, _, err := store.Load(s.pipeline.ShardPath(sh))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrCorruptStore) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, err.Error(), status)
		return task.Shard{}, nil, false
	}
	return sh, h, true
}

func (s *Service) exportPath(region string) string {
	return strings.ReplaceAll(s.cfg.ExportPath, "{region}", region)
}

func (s *Service) export(ctx context.Context, region string, mode export.Mode) (*ExportResponse, error) {
	if s.cfg.ExportPath == "" {
		return nil, errors.New("export path not configured")
	}
	path := s.exportPath(region)
	n, err := s.pipeline.Export(ctx, region, path, mode)
	if err != nil {
		return nil, err
	}
	resp := &ExportResponse{Path: path, Mode: mode, Bytes: n}
	if s.publisher != nil {
		key, err := s.publisher.Publish(ctx, region, path)
		if err != nil {
			return resp, err
		}
		resp.Key = key
	}
	return resp, nil
}

func (s *Service) broadcast(ev Event) {
	if s.hub == nil {
		return
	}
	ev.Time = time.Now().UTC()
	s.hub.Broadcast(ev)
}

func (s *Service) saveRun(run *Run) {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	s.runs[run.ID] = run
	s.order = append(s.order, run.ID)
	if len(s.order) > maxRuns {
		delete(s.runs, s.order[0])
		s.order = s.order[1:]
	}
}

// updateRun applies fn under the lock and returns a copy of the run.
func (s *Service) updateRun(id string, fn func(*Run)) *Run {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	run := s.runs[id]
	fn(run)
	cp := *run
	return &cp
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
