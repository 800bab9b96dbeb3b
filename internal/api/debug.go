package api

import (
	"bytes"
	"fmt"
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/lifeline/internal/httputil"
	"github.com/banshee-data/lifeline/internal/report"
)

// attachDebugRoutes mounts the tsweb debug index with the window and
// target charts, plus the admin pages of the mission log and vehicle link
// when they are configured.
func (s *Server) attachDebugRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("window", "Detection window histogram", s.windowChart)
	debug.HandleFunc("targets", "Last ranked rescue targets", s.targetsChart)
	debug.HandleFunc("dispatch", "Dispatch stream statistics", s.dispatchStats)

	if s.db != nil {
		if err := s.db.AttachAdminRoutes(mux); err != nil {
			return fmt.Errorf("attach mission log admin routes: %w", err)
		}
	}
	if s.vehicle != nil {
		s.vehicle.AttachAdminRoutes(mux)
	}
	return nil
}

func (s *Server) windowChart(w http.ResponseWriter, r *http.Request) {
	agg := s.svc.Aggregator()
	var buf bytes.Buffer
	if err := report.WindowChart(&buf, agg.Snapshot(), agg.Config().HazardClassID, s.now()); err != nil {
		http.Error(w, fmt.Sprintf("Failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) targetsChart(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := report.TargetsChart(&buf, s.svc.LastRanked()); err != nil {
		http.Error(w, fmt.Sprintf("Failed to render chart: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) dispatchStats(w http.ResponseWriter, r *http.Request) {
	out := map[string]interface{}{
		"websocket_clients": s.hub.count(),
		"window":            s.svc.Aggregator().Snapshot(),
	}
	if s.dispatch != nil {
		out["grpc"] = s.dispatch.Stats()
	}
	httputil.WriteJSONOK(w, out)
}
