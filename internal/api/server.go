// Package api exposes the scan control surface over HTTP: session
// lifecycle, live stats, resumable-session management and a websocket
// stats feed for the capture UI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/depthscan/internal/httputil"
	"github.com/banshee-data/depthscan/internal/scan"
	"github.com/banshee-data/depthscan/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// SourceFactory builds a fresh capture source for each scan. The API layer
// never reuses a source across sessions.
type SourceFactory func() scan.Source

type Server struct {
	manager   *scan.Manager
	newSource SourceFactory
	hub       *StatsHub
}

func NewServer(manager *scan.Manager, newSource SourceFactory) *Server {
	s := &Server{
		manager:   manager,
		newSource: newSource,
		hub:       NewStatsHub(),
	}
	manager.AddListener(s.hub.Broadcast)
	return s
}

// Hub returns the websocket broadcast hub, mainly for shutdown.
func (s *Server) Hub() *StatsHub { return s.hub }

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/scan/start", s.startScan)
	mux.HandleFunc("/api/scan/pause", s.pauseScan)
	mux.HandleFunc("/api/scan/resume", s.resumeScan)
	mux.HandleFunc("/api/scan/stop", s.stopScan)
	mux.HandleFunc("/api/scan/abort", s.abortScan)
	mux.HandleFunc("/api/scan/stats", s.showStats)
	mux.HandleFunc("/api/scan/sessions", s.listSessions)
	mux.HandleFunc("/api/scan/sessions/", s.sessionByID)
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/ws/stats", s.hub.ServeWS)
	return mux
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

// statsAPI is the wire shape for a stats snapshot. Enum fields are rendered
// as their string names so the UI never sees bare ints.
type statsAPI struct {
	SessionID       string   `json:"session_id"`
	State           string   `json:"state"`
	PointCount      int      `json:"point_count"`
	VertexCount     int      `json:"vertex_count"`
	FaceCount       int      `json:"face_count"`
	PatchCount      int      `json:"patch_count"`
	CoveredCells    int      `json:"covered_cells"`
	CoveredFraction float64  `json:"covered_fraction"`
	Gaps            []gapAPI `json:"gaps"`
	Tracking        string   `json:"tracking"`
	TrackingWarning string   `json:"tracking_warning,omitempty"`
	FramesProcessed int64    `json:"frames_processed"`
	FramesSkipped   int64    `json:"frames_skipped"`
	UpdatedUnixMs   int64    `json:"updated_unix_ms"`
}

type gapAPI struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	DistanceM float64 `json:"distance_m"`
}

func statsToAPI(st scan.LiveStats) statsAPI {
	gaps := make([]gapAPI, len(st.Gaps))
	for i, g := range st.Gaps {
		gaps[i] = gapAPI{X: g.Center.X, Y: g.Center.Y, Z: g.Center.Z, DistanceM: g.DistanceM}
	}
	return statsAPI{
		SessionID:       st.SessionID,
		State:           st.State.String(),
		PointCount:      st.PointCount,
		VertexCount:     st.VertexCount,
		FaceCount:       st.FaceCount,
		PatchCount:      st.PatchCount,
		CoveredCells:    st.CoveredCells,
		CoveredFraction: st.CoveredFraction,
		Gaps:            gaps,
		Tracking:        st.Tracking.String(),
		TrackingWarning: st.TrackingWarning,
		FramesProcessed: st.FramesProcessed,
		FramesSkipped:   st.FramesSkipped,
		UpdatedUnixMs:   st.UpdatedAt.UnixMilli(),
	}
}

type startScanRequest struct {
	Name string `json:"name"`
	// SessionID resumes a persisted session instead of starting fresh.
	SessionID string `json:"session_id"`
}

func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	// An empty body starts a fresh unnamed scan.
	var req startScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.BadRequest(w, "invalid request body")
		return
	}

	var (
		session *scan.ScanSession
		err     error
	)
	if req.SessionID != "" {
		session, err = s.manager.ResumeScan(context.Background(), req.SessionID, s.newSource())
	} else {
		session, err = s.manager.StartScan(context.Background(), req.Name, s.newSource())
	}
	if err != nil {
		httputil.WriteJSONError(w, statusForScanError(err), fmt.Sprintf("failed to start scan: %v", err))
		return
	}

	httputil.WriteJSONOK(w, map[string]string{
		"session_id": session.ID(),
		"state":      session.State().String(),
	})
}

func statusForScanError(err error) int {
	switch {
	case errors.Is(err, scan.ErrScanActive):
		return http.StatusConflict
	case errors.Is(err, scan.ErrNoActiveScan):
		return http.StatusConflict
	case errors.Is(err, scan.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, scan.ErrSessionUnreadable):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) controlHandler(w http.ResponseWriter, r *http.Request, op string, fn func() error) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if err := fn(); err != nil {
		httputil.WriteJSONError(w, statusForScanError(err), fmt.Sprintf("failed to %s scan: %v", op, err))
		return
	}
	httputil.WriteJSONOK(w, map[string]string{"state": s.manager.Stats().State.String()})
}

func (s *Server) pauseScan(w http.ResponseWriter, r *http.Request) {
	s.controlHandler(w, r, "pause", s.manager.Pause)
}

func (s *Server) resumeScan(w http.ResponseWriter, r *http.Request) {
	s.controlHandler(w, r, "resume", s.manager.Resume)
}

func (s *Server) stopScan(w http.ResponseWriter, r *http.Request) {
	s.controlHandler(w, r, "stop", func() error {
		_, err := s.manager.StopScan()
		return err
	})
}

func (s *Server) abortScan(w http.ResponseWriter, r *http.Request) {
	s.controlHandler(w, r, "abort", s.manager.AbortScan)
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, statsToAPI(s.manager.Stats()))
}

// sessionMetaAPI is the wire shape for a persisted session row.
type sessionMetaAPI struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	State        string `json:"state"`
	CreatedUnix  int64  `json:"created_unix_ms"`
	UpdatedUnix  int64  `json:"updated_unix_ms"`
	VertexCount  int    `json:"vertex_count"`
	FaceCount    int    `json:"face_count"`
	PointCount   int    `json:"point_count"`
	CoveredCells int    `json:"covered_cells"`
}

func metaToAPI(m *scan.SessionMeta) sessionMetaAPI {
	return sessionMetaAPI{
		ID:           m.ID,
		Name:         m.Name,
		State:        m.State,
		CreatedUnix:  m.CreatedUnixNanos / int64(time.Millisecond),
		UpdatedUnix:  m.UpdatedUnixNanos / int64(time.Millisecond),
		VertexCount:  m.VertexCount,
		FaceCount:    m.FaceCount,
		PointCount:   m.PointCount,
		CoveredCells: m.CoveredCells,
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	metas, err := s.manager.ListSessions()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list sessions: %v", err))
		return
	}
	out := make([]sessionMetaAPI, len(metas))
	for i, m := range metas {
		out[i] = metaToAPI(m)
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) sessionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/scan/sessions/")
	if id == "" || strings.Contains(id, "/") {
		httputil.BadRequest(w, "invalid session id")
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := s.manager.DeleteSession(id); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to delete session: %v", err))
			return
		}
		httputil.WriteJSONOK(w, map[string]string{"deleted": id})
	default:
		httputil.MethodNotAllowed(w)
	}
}
