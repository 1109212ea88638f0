// Package monitor serves the operator's view of a running tracker: JSON
// endpoints for live tracks and counters, the live trajectory chart, the
// recorded runs, and tsweb debug pages with a SQL console over the run
// database.
package monitor

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"

	"github.com/banshee-data/blobtrack/internal/monitoring"
	"github.com/banshee-data/blobtrack/internal/storage/sqlite"
	"github.com/banshee-data/blobtrack/internal/stream"
	"github.com/banshee-data/blobtrack/internal/tracking"
	"github.com/banshee-data/blobtrack/internal/version"
)

//go:embed status.html
var statusFS embed.FS

var statusTemplate = template.Must(template.ParseFS(statusFS, "status.html"))

// TrackSource is the read side of tracking.Tracker.
type TrackSource interface {
	Snapshot() []tracking.TrackSnapshot
	Lookup(id tracking.TrackID) (tracking.TrackSnapshot, bool)
	Stats() tracking.Stats
}

// StreamStats reports publisher counters.
type StreamStats interface {
	Stats() stream.PublisherStats
}

// WebServerConfig contains configuration options for the web server.
type WebServerConfig struct {
	Address string
	Source  string // description of the frame source, shown on the status page

	Tracks TrackSource
	Chart  http.Handler  // optional, served at /chart
	Store  *sqlite.Store // optional, enables /api/runs and the SQL console
	Stream StreamStats   // optional
}

// WebServer handles the HTTP interface for monitoring a run.
type WebServer struct {
	config  WebServerConfig
	server  *http.Server
	started time.Time
}

// NewWebServer creates a new web server with the provided configuration.
func NewWebServer(config WebServerConfig) (*WebServer, error) {
	ws := &WebServer{config: config, started: time.Now()}
	mux, err := ws.setupRoutes()
	if err != nil {
		return nil, err
	}
	ws.server = &http.Server{
		Addr:              config.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ws, nil
}

// Handler returns the root handler.
func (ws *WebServer) Handler() http.Handler { return ws.server.Handler }

// Start serves until ctx is done, then shuts down.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		monitoring.Opsf("monitor listening on %s", ws.config.Address)
		if err := ws.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		monitoring.Opsf("monitor shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			monitoring.Opsf("monitor force close error: %v", err)
		}
	}
	monitoring.Diagf("monitor stopped")
	return nil
}

func (ws *WebServer) setupRoutes() (*http.ServeMux, error) {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/api/tracks", ws.handleTracks)
	mux.HandleFunc("/api/tracks/{id}", ws.handleTrack)
	mux.HandleFunc("/api/stats", ws.handleStats)
	if ws.config.Chart != nil {
		mux.Handle("/chart", ws.config.Chart)
	}
	if ws.config.Store != nil {
		mux.HandleFunc("/api/runs", ws.handleRuns)
		mux.HandleFunc("/api/runs/tracks", ws.handleRunTracks)
	}
	mux.HandleFunc("/{$}", ws.handleStatus)

	if err := ws.attachDebugRoutes(mux); err != nil {
		return nil, err
	}
	return mux, nil
}

// attachDebugRoutes mounts /debug/. tsweb restricts these pages to
// loopback and tailnet peers.
func (ws *WebServer) attachDebugRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	debug.KV("version", version.String())
	debug.KV("source", ws.config.Source)
	debug.KVFunc("uptime", func() any { return time.Since(ws.started).Round(time.Second).String() })
	debug.KVFunc("live tracks", func() any { return ws.config.Tracks.Stats().LiveTracks })
	debug.KVFunc("frames", func() any { return ws.config.Tracks.Stats().Frames })
	if ws.config.Stream != nil {
		debug.KVFunc("stream clients", func() any { return ws.config.Stream.Stats().ClientCount })
	}

	if ws.config.Store == nil {
		return nil
	}
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return err
	}
	tsql.SetDB("sqlite://"+ws.config.Store.Path(), ws.config.Store.DB(), &tailsql.DBOptions{
		Label: "Run DB",
	})
	debug.Handle("tailsql/", "SQL console over recorded runs", tsql.NewMux())
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		monitoring.Opsf("failed to encode json response: %v", err)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
		"git_sha": version.GitSHA,
		"uptime":  time.Since(ws.started).Round(time.Second).String(),
	})
}

type trackResponse struct {
	ID          string     `json:"id"`
	Serial      uint64     `json:"serial"`
	Label       string     `json:"label"`
	Position    [2]float64 `json:"position"`
	Velocity    [2]float64 `json:"velocity"`
	PositionStd [2]float64 `json:"position_std"`
	Matched     bool       `json:"matched"`
	Hits        int        `json:"hits"`
	FirstFrame  uint64     `json:"first_frame"`
	LastFrame   uint64     `json:"last_frame"`
}

func newTrackResponse(s tracking.TrackSnapshot) trackResponse {
	return trackResponse{
		ID:          s.ID.String(),
		Serial:      s.Serial,
		Label:       s.Label,
		Position:    [2]float64{s.Position.X, s.Position.Y},
		Velocity:    [2]float64{s.Velocity.X, s.Velocity.Y},
		PositionStd: [2]float64{s.PositionStd.X, s.PositionStd.Y},
		Matched:     s.Matched,
		Hits:        s.Hits,
		FirstFrame:  s.FirstFrame,
		LastFrame:   s.LastFrame,
	}
}

func (ws *WebServer) handleTracks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	snaps := ws.config.Tracks.Snapshot()
	out := make([]trackResponse, len(snaps))
	for i, s := range snaps {
		out[i] = newTrackResponse(s)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleTrack returns one live track by the id reported in /api/tracks.
// Pruned tracks are 404 even if their slot has been reused.
func (ws *WebServer) handleTrack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id, err := tracking.ParseTrackID(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, ok := ws.config.Tracks.Lookup(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "track not found")
		return
	}
	writeJSON(w, http.StatusOK, newTrackResponse(snap))
}

type statsResponse struct {
	Frames        uint64                 `json:"frames"`
	EmptyFrames   uint64                 `json:"empty_frames"`
	Measurements  uint64                 `json:"measurements"`
	TracksCreated uint64                 `json:"tracks_created"`
	TracksPruned  uint64                 `json:"tracks_pruned"`
	LiveTracks    int                    `json:"live_tracks"`
	Stream        *stream.PublisherStats `json:"stream,omitempty"`
}

func (ws *WebServer) stats() statsResponse {
	st := ws.config.Tracks.Stats()
	resp := statsResponse{
		Frames:        st.Frames,
		EmptyFrames:   st.EmptyFrames,
		Measurements:  st.Measurements,
		TracksCreated: st.TracksCreated,
		TracksPruned:  st.TracksPruned,
		LiveTracks:    st.LiveTracks,
	}
	if ws.config.Stream != nil {
		ps := ws.config.Stream.Stats()
		resp.Stream = &ps
	}
	return resp
}

func (ws *WebServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, ws.stats())
}

type runResponse struct {
	ID              string     `json:"run_id"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Source          string     `json:"source"`
	FrameWidth      int        `json:"frame_width"`
	FrameHeight     int        `json:"frame_height"`
	FPS             float64    `json:"fps"`
	GatingThreshold float64    `json:"gating_threshold"`
	Frames          int        `json:"frames"`
	Status          string     `json:"status"`
}

// handleRuns lists recorded runs, newest first.
// Query params:
//
//	limit (optional, default 20, max 500)
func (ws *WebServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 || n > 500 {
			writeJSONError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	runs, err := ws.config.Store.ListRuns(r.Context(), limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]runResponse, len(runs))
	for i, run := range runs {
		out[i] = runResponse{
			ID:              run.ID,
			StartedAt:       run.StartedAt,
			FinishedAt:      run.FinishedAt,
			Source:          run.Source,
			FrameWidth:      run.FrameWidth,
			FrameHeight:     run.FrameHeight,
			FPS:             run.FPS,
			GatingThreshold: run.GatingThreshold,
			Frames:          run.Frames,
			Status:          run.Status,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type runTrackResponse struct {
	Serial      uint64  `json:"serial"`
	Label       string  `json:"label"`
	FirstFrame  uint64  `json:"first_frame"`
	LastFrame   uint64  `json:"last_frame"`
	Hits        int     `json:"hits"`
	PrunedFrame *uint64 `json:"pruned_frame,omitempty"`
}

// handleRunTracks lists the tracks of one run.
// Query params:
//
//	run_id (required)
func (ws *WebServer) handleRunTracks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing 'run_id' parameter")
		return
	}
	if _, err := ws.config.Store.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "run not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	tracks, err := ws.config.Store.Tracks(r.Context(), runID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]runTrackResponse, len(tracks))
	for i, t := range tracks {
		out[i] = runTrackResponse{
			Serial:      t.Serial,
			Label:       t.Label,
			FirstFrame:  t.FirstFrame,
			LastFrame:   t.LastFrame,
			Hits:        t.Hits,
			PrunedFrame: t.PrunedFrame,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (ws *WebServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Source   string
		Uptime   string
		Stats    statsResponse
		Tracks   []tracking.TrackSnapshot
		HasChart bool
		HasRuns  bool
	}{
		Source:   ws.config.Source,
		Uptime:   time.Since(ws.started).Round(time.Second).String(),
		Stats:    ws.stats(),
		Tracks:   ws.config.Tracks.Snapshot(),
		HasChart: ws.config.Chart != nil,
		HasRuns:  ws.config.Store != nil,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusTemplate.Execute(w, data); err != nil {
		monitoring.Opsf("failed to render status page: %v", err)
	}
}
