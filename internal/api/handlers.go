package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"

	"github.com/banshee-data/lifeline/internal/detection"
	"github.com/banshee-data/lifeline/internal/httputil"
	"github.com/banshee-data/lifeline/internal/pipeline"
	"github.com/banshee-data/lifeline/internal/report"
	"github.com/banshee-data/lifeline/internal/rescue"
)

const defaultListLimit = 50

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.svc.Health())
}

// detectRequest is a frame plus per-call options.
type detectRequest struct {
	detection.Frame
	pipeline.DetectOptions
}

func (s *Server) detect(w http.ResponseWriter, r *http.Request) {
	var req detectRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	res, err := s.svc.ProcessFrame(r.Context(), req.Frame, req.DetectOptions)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, res)
}

func (s *Server) calibrate(w http.ResponseWriter, r *http.Request) {
	var req pipeline.CalibrateRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	res, err := s.svc.Calibrate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, res)
}

func (s *Server) calibrationState(w http.ResponseWriter, r *http.Request) {
	st := s.svc.Calibration()
	httputil.WriteJSONOK(w, map[string]interface{}{
		"calibrated":      st.Calibrated(),
		"known_width_cm":  st.KnownWidthCm,
		"focal_length_px": st.FocalLengthPx,
		"calibrated_at":   st.CalibratedAt,
	})
}

func (s *Server) knownWidth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KnownWidthCm *float64 `json:"known_width_cm"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if req.KnownWidthCm == nil {
		httputil.BadRequest(w, "known_width_cm is required")
		return
	}
	st, err := s.svc.SetKnownWidth(r.Context(), *req.KnownWidthCm)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"success":         true,
		"calibrated":      st.Calibrated(),
		"known_width_cm":  st.KnownWidthCm,
		"focal_length_px": st.FocalLengthPx,
	})
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	agg := s.svc.Aggregator().Config()
	pose := s.svc.Pose()
	httputil.WriteJSONOK(w, map[string]interface{}{
		"notification": s.svc.NotificationSettings(),
		"window": map[string]interface{}{
			"seconds":         agg.Window.Seconds(),
			"min_frames":      agg.MinFrames,
			"cooldown":        agg.Cooldown.Seconds(),
			"hazard_class_id": agg.HazardClassID,
		},
		"camera_height": pose.HeightM,
		"camera_angle":  pose.TiltDegrees(),
	})
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	var u pipeline.NotificationUpdate
	if err := httputil.DecodeJSON(r, &u); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if err := s.svc.ApplyNotificationSettings(u); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"success":      true,
		"message":      "Configuration updated",
		"notification": s.svc.NotificationSettings(),
	})
}

// rescueBody shadows distance_info with a pointer so an absent field can
// be told apart from an empty list.
type rescueBody struct {
	pipeline.RescueRequest
	DistanceInfo *[]rescue.Sighting `json:"distance_info"`
}

func (s *Server) decodeRescue(w http.ResponseWriter, r *http.Request) (pipeline.RescueRequest, bool) {
	var body rescueBody
	if err := httputil.DecodeJSON(r, &body); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("Invalid JSON: %v", err))
		return pipeline.RescueRequest{}, false
	}
	if body.DistanceInfo == nil {
		httputil.BadRequest(w, "No distance information provided")
		return pipeline.RescueRequest{}, false
	}
	req := body.RescueRequest
	req.DistanceInfo = *body.DistanceInfo
	return req, true
}

func (s *Server) rescueCoordinates(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRescue(w, r)
	if !ok {
		return
	}
	res, err := s.svc.RescueCoordinates(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, res)
}

type commandRequest struct {
	DistanceM     float64 `json:"distance_m"`
	AngleXDegrees float64 `json:"angle_x_degrees"`
	AngleYDegrees float64 `json:"angle_y_degrees"`
	rescue.Environment
}

func (s *Server) rescueCommands(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if !(req.DistanceM > 0) {
		httputil.BadRequest(w, "Invalid distance")
		return
	}
	res, err := s.svc.RescueCommand(r.Context(), req.DistanceM, req.AngleXDegrees, req.AngleYDegrees, req.Environment)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, res)
}

func (s *Server) rescueDispatch(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRescue(w, r)
	if !ok {
		return
	}
	res, err := s.svc.Dispatch(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, res)
}

func (s *Server) planImage(w http.ResponseWriter, r *http.Request) {
	size := 6.0
	if v := r.URL.Query().Get("size"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed < 2 || parsed > 20 {
			httputil.BadRequest(w, "Invalid 'size' parameter")
			return
		}
		size = parsed
	}
	var buf bytes.Buffer
	if err := report.PlanPNG(&buf, s.svc.LastRanked(), s.svc.Pose(), size); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to render plan: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r, defaultListLimit)
	if !ok {
		httputil.BadRequest(w, "Invalid 'limit' parameter")
		return
	}
	alerts, err := s.svc.Alerts(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve alerts: %v", err))
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"alerts": alerts,
		"last":   s.svc.Aggregator().LastAlert(),
	})
}

func (s *Server) listMissions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r, defaultListLimit)
	if !ok {
		httputil.BadRequest(w, "Invalid 'limit' parameter")
		return
	}
	missions, err := s.svc.Missions(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve missions: %v", err))
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"missions": missions})
}
