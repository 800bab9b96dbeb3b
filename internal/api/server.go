package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/banshee-data/lifeline/internal/calibration"
	"github.com/banshee-data/lifeline/internal/db"
	"github.com/banshee-data/lifeline/internal/detection"
	"github.com/banshee-data/lifeline/internal/dispatch"
	"github.com/banshee-data/lifeline/internal/httputil"
	"github.com/banshee-data/lifeline/internal/monitoring"
	"github.com/banshee-data/lifeline/internal/pipeline"
)

// ANSI color codes
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

// AdminRoutes is implemented by collaborators that expose tsweb debug
// pages, such as the mission log and the serial vehicle link.
type AdminRoutes interface {
	AttachAdminRoutes(mux *http.ServeMux)
}

// Options carries the optional collaborators of a Server.
type Options struct {
	DB       *db.DB
	Vehicle  AdminRoutes
	Dispatch *dispatch.Publisher
	Now      func() time.Time
}

// Server exposes the pipeline over HTTP and a live alert websocket.
type Server struct {
	svc      *pipeline.Service
	db       *db.DB
	vehicle  AdminRoutes
	dispatch *dispatch.Publisher
	now      func() time.Time
	hub      *alertHub
}

// NewServer builds a server for svc and subscribes it to fired alerts.
func NewServer(svc *pipeline.Service, opts Options) *Server {
	s := &Server{
		svc:      svc,
		db:       opts.DB,
		vehicle:  opts.Vehicle,
		dispatch: opts.Dispatch,
		now:      opts.Now,
		hub:      newAlertHub(),
	}
	if s.now == nil {
		s.now = time.Now
	}
	svc.OnAlert(s.hub.broadcast)
	return s
}

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
	code := strconv.Itoa(statusCode)
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + code + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + code + colorReset
	case statusCode >= 400:
		return colorBoldRed + code + colorReset
	default:
		return code
	}
}

// LoggingMiddleware logs method, path, query, status, and duration.
// Websocket upgrades pass through unlogged.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") != "" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// Router returns the API routes without the debug pages.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(LoggingMiddleware)

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/ws/alerts", s.alertsSocket).Methods(http.MethodGet)

	a := r.PathPrefix("/api").Subrouter()
	a.HandleFunc("/detect", s.detect).Methods(http.MethodPost)
	a.HandleFunc("/calibrate", s.calibrate).Methods(http.MethodPost)
	a.HandleFunc("/calibration", s.calibrationState).Methods(http.MethodGet)
	a.HandleFunc("/calibration/known-width", s.knownWidth).Methods(http.MethodPut)
	a.HandleFunc("/config", s.showConfig).Methods(http.MethodGet)
	a.HandleFunc("/config", s.updateConfig).Methods(http.MethodPost)
	a.HandleFunc("/rescue/coordinates", s.rescueCoordinates).Methods(http.MethodPost)
	a.HandleFunc("/rescue/commands", s.rescueCommands).Methods(http.MethodPost)
	a.HandleFunc("/rescue/dispatch", s.rescueDispatch).Methods(http.MethodPost)
	a.HandleFunc("/rescue/plan.png", s.planImage).Methods(http.MethodGet)
	a.HandleFunc("/alerts", s.listAlerts).Methods(http.MethodGet)
	a.HandleFunc("/missions", s.listMissions).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.NotFound(w, "Not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

// ServeMux mounts the API router at / and the tsweb debug pages under
// /debug/.
func (s *Server) ServeMux() (*http.ServeMux, error) {
	mux := http.NewServeMux()
	if err := s.attachDebugRoutes(mux); err != nil {
		return nil, err
	}
	mux.Handle("/", s.Router())
	return mux, nil
}

// Close disconnects websocket clients.
func (s *Server) Close() {
	s.hub.close()
}

// writeError maps pipeline errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, calibration.ErrNotCalibrated):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, detection.ErrInvalidInput),
		errors.Is(err, calibration.ErrInvalidCalibration):
		httputil.BadRequest(w, err.Error())
	default:
		monitoring.Logf("[api] request failed: %v", err)
		httputil.InternalServerError(w, err.Error())
	}
}

func queryLimit(r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}
