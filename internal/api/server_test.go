package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lifeline/internal/aggregator"
	"github.com/banshee-data/lifeline/internal/calibration"
	"github.com/banshee-data/lifeline/internal/config"
	"github.com/banshee-data/lifeline/internal/db"
	"github.com/banshee-data/lifeline/internal/detection"
	"github.com/banshee-data/lifeline/internal/notify"
	"github.com/banshee-data/lifeline/internal/pipeline"
	"github.com/banshee-data/lifeline/internal/testutil"
	"github.com/banshee-data/lifeline/internal/timeutil"
	"github.com/banshee-data/lifeline/internal/vehicle"
)

type countingSink struct {
	mu sync.Mutex
	n  int
}

func (c *countingSink) HandleAlert(context.Context, aggregator.Alert) error {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return nil
}

type testServer struct {
	srv     *Server
	handler http.Handler
	clock   *timeutil.MockClock
	port    *vehicle.TestablePort
	db      *db.DB
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := timeutil.NewMockClock(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	port := vehicle.NewTestablePort()
	link := vehicle.NewSerialLink(port)
	t.Cleanup(func() { link.Close() })

	svc, err := pipeline.New(pipeline.Deps{
		Config:  config.DefaultRescueConfig(),
		Clock:   clock,
		Log:     store,
		Link:    link,
		NewSink: func(config.NotificationSettings) notify.Sink { return &countingSink{} },
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	srv := NewServer(svc, Options{DB: store, Vehicle: link, Now: clock.Now})
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, handler: srv.Router(), clock: clock, port: port, db: store}
}

func hazardFrame() map[string]interface{} {
	return map[string]interface{}{
		"image_width":  640,
		"image_height": 480,
		"detections": []map[string]interface{}{
			{"object_id": 1, "class_id": 0, "confidence": 0.9, "bbox": []float64{100, 200, 200, 400}},
		},
	}
}

func sighting(id int, d, ax, ay float64) map[string]interface{} {
	return map[string]interface{}{
		"object_id":       id,
		"class_id":        0,
		"confidence":      0.9,
		"distance_m":      d,
		"angle_x_degrees": ax,
		"angle_y_degrees": ay,
	}
}

// fireAlert posts hazard frames one second apart until an alert fires.
func (ts *testServer) fireAlert(t *testing.T) pipeline.DetectResult {
	t.Helper()
	var res pipeline.DetectResult
	for i := 0; i < 5; i++ {
		rec := testutil.DoJSON(t, ts.handler, http.MethodPost, "/api/detect", hazardFrame())
		testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
		testutil.DecodeBody(t, rec, &res)
		ts.clock.Advance(time.Second)
	}
	require.True(t, res.AlertTriggered)
	return res
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := testutil.DoJSON(t, ts.handler, http.MethodGet, "/health", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var h pipeline.Health
	testutil.DecodeBody(t, rec, &h)
	assert.Equal(t, "healthy", h.Status)
	assert.False(t, h.Calibrated)
	assert.True(t, h.VehicleLink)
	assert.True(t, h.MissionLog)
}

func TestDetect(t *testing.T) {
	ts := newTestServer(t)
	res := ts.fireAlert(t)
	assert.Equal(t, 1, res.DetectedObjects)
	assert.Equal(t, []int{0}, res.Classes)
	assert.NotEmpty(t, res.AlertID)
	assert.False(t, res.DistanceEstimationEnabled)

	ts.srv.svc.Aggregator().Wait()
	rec := testutil.DoJSON(t, ts.handler, http.MethodGet, "/api/alerts", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var body struct {
		Alerts []db.AlertRecord  `json:"alerts"`
		Last   *aggregator.Alert `json:"last"`
	}
	testutil.DecodeBody(t, rec, &body)
	require.Len(t, body.Alerts, 1)
	assert.Equal(t, res.AlertID, body.Alerts[0].ID)
	require.NotNil(t, body.Last)
	assert.Equal(t, res.AlertID, body.Last.ID)
}

func TestDetect_ConfidenceOverride(t *testing.T) {
	ts := newTestServer(t)
	body := hazardFrame()
	body["confidence"] = 0.95
	rec := testutil.DoJSON(t, ts.handler, http.MethodPost, "/api/detect", body)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	var res pipeline.DetectResult
	testutil.DecodeBody(t, rec, &res)
	assert.Zero(t, res.DetectedObjects)
	assert.Equal(t, 0.95, res.Confidence)
}

func TestDetect_Invalid(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/detect", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	body := hazardFrame()
	body["image_width"] = 0
	rec = testutil.DoJSON(t, ts.handler, http.MethodPost, "/api/detect", body)
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	body = hazardFrame()
	body["detections"] = []map[string]interface{}{{"class_id": 0, "confidence": 0.9, "bbox": []float64{1, 2, 3}}}
	rec = testutil.DoJSON(t, ts.handler, http.MethodPost, "/api/detect", body)
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestCalibrate(t *testing.T) {
	ts := newTestServer(t)

	rec := testutil.DoJSON(t, ts.handler, http.MethodPost, "/api/calibrate", map[string]interface{}{})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var res pipeline.CalibrateResult
	testutil.DecodeBody(t, rec, &res)
	assert.True(t, res.Success)
	assert.Equal(t, "Camera calibrated successfully", res.Message)
	assert.InDelta(t, 400.0, res.FocalLength, 1e-9)

	rec = testutil.DoJSON(t, ts.handler, http.MethodGet, "/api/calibration", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var st struct {
		Calibrated    bool     `json:"calibrated"`
		FocalLengthPx *float64 `json:"focal_length_px"`
	}
	testutil.DecodeBody(t, rec, &st)
	assert.True(t, st.Calibrated)
	require.NotNil(t, st.FocalLengthPx)
	assert.InDelta(t, 400.0, *st.FocalLengthPx, 1e-9)

	// Ranging is now on: 50cm target at 100px with f=400 is 2m away.
	rec = testutil.DoJSON(t, ts.handler, http.MethodPost, "/api/detect", hazardFrame())
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var det pipeline.DetectResult
	testutil.DecodeBody(t, rec, &det)
	assert.True(t, det.DistanceEstimationEnabled)
	require.Len(t, det.DistanceInfo, 1)
	require.NotNil(t, det.DistanceInfo[0].DistanceM)
	assert.InDelta(t, 2.0, *det.DistanceInfo[0].DistanceM, 1e-9)

	rec = testutil.DoJSON(t, ts.handler, http.MethodPost, "/api/calibrate", map[string]interface{}{"reference_width_pixels": -5})
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestKnownWidth(t *testing.T) {
	ts := newTestServer(t)

	rec := testutil.DoJSON(t, ts.handler, http.MethodPut, "/api/calibration/known-width", map[string]interface{}{})
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	rec = testutil.DoJSON(t, ts.handler, http.MethodPut, "/api/calibration/known-width", map[string]interface{}{"known_width_cm": 0})
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	rec = testutil.DoJSON(t, ts.handler, http.MethodPut, "/api/calibration/known-width", map[string]interface{}{"known_width_cm": 30})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var res map[string]interface{}
	testutil.DecodeBody(t, rec, &res)
	assert.Equal(t, 30.0, res["known_width_cm"])
	assert.Equal(t, false, res["calibrated"])
}

func TestConfig(t *testing.T) {
	ts := newTestServer(t)

	rec := testutil.DoJSON(t, ts.handler, http.MethodPost, "/api/config", map[string]interface{}{
		"webhook_url":   "https://hooks.example.com/secret-token",
		"alert_message": "Person in the water",
	})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	rec = testutil.DoJSON(t, ts.handler, http.MethodGet, "/api/config", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var cfg struct {
		Notification config.NotificationSettings `json:"notification"`
		Window       struct {
			MinFrames int `json:"min_frames"`
		} `json:"window"`
	}
	testutil.DecodeBody(t, rec, &cfg)
	assert.Equal(t, "https://hook***", cfg.Notification.WebhookURL)
	assert.Equal(t, "Person in the water", cfg.Notification.AlertMessage)
	assert.Equal(t, 5, cfg.Window.MinFrames)

	rec = testutil.DoJSON(t, ts.handler, http.MethodPost, "/api/config", map[string]interface{}{"webhook_url": "ftp://example.com"})
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestRescueCoordinates(t *testing.T) {
	ts := newTestServer(t)

	rec := testutil.DoJSON(t, ts.handler, http.MethodPost, "/api/rescue/coordinates", map[string]interface{}{})
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	rec = testutil.DoJSON(t, ts.handler, http.MethodPost, "/api/rescue/coordinates", map[string]interface{}{
		"distance_info": []interface{}{},
	})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var empty pipeline.RescueResponse
	testutil.DecodeBody(t, rec, &empty)
	assert.Zero(t, empty.TotalTargets)
	assert.Nil(t, empty.HighestPriority)

	rec = testutil.DoJSON(t, ts.handler, http.MethodPost, "/api/rescue/coordinates", map[string]interface{}{
		"distance_info":     []interface{}{sighting(1, 45, 5, 0), sighting(2, 15.5, 10.2, -5.1)},
		"current_speed":     0.5,
		"current_direction": 90,
	})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var res pipeline.RescueResponse
	testutil.DecodeBody(t, rec, &res)
	require.Equal(t, 2, res.TotalTargets)
	assert.Equal(t, 2, res.RescueTargets[0].ObjectID)
	require.NotNil(t, res.HighestPriority)
	assert.Equal(t, "HIGH", string(*res.HighestPriority))
	assert.Equal(t, 0.5, res.Environment.CurrentSpeedMps)

	rec = testutil.DoJSON(t, ts.handler, http.MethodPost, "/api/rescue/coordinates", map[string]interface{}{
		"distance_info": []interface{}{sighting(1, -3, 0, 0)},
	})
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestRescueCommands(t *testing.T) {
	ts := newTestServer(t)

	rec := testutil.DoJSON(t, ts.handler, http.MethodPost, "/api/rescue/commands", map[string]interface{}{"distance_m": 0})
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
	assert.Contains(t, rec.Body.String(), "Invalid distance")

	rec = testutil.DoJSON(t, ts.handler, http.MethodPost, "/api/rescue/commands", map[string]interface{}{
		"distance_m":      15.5,
		"angle_x_degrees": 10.2,
		"angle_y_degrees": -5.1,
	})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var res pipeline.CommandResponse
	testutil.DecodeBody(t, rec, &res)
	assert.True(t, res.Success)
	assert.Equal(t, "RESCUE_MISSION", res.Commands.CommandType)
	assert.Equal(t, "HIGH", string(res.RescueInfo.Urgency.Level))
}

func TestRescueDispatch(t *testing.T) {
	ts := newTestServer(t)

	rec := testutil.DoJSON(t, ts.handler, http.MethodPost, "/api/rescue/dispatch", map[string]interface{}{
		"distance_info": []interface{}{sighting(7, 15.5, 10.2, -5.1)},
	})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var res pipeline.DispatchResponse
	testutil.DecodeBody(t, rec, &res)
	assert.NotEmpty(t, res.MissionID)
	assert.Equal(t, 7, res.Target.ObjectID)
	assert.Contains(t, string(ts.port.Written()), res.MissionID)

	rec = testutil.DoJSON(t, ts.handler, http.MethodGet, "/api/missions?limit=5", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	var missions struct {
		Missions []db.MissionRecord `json:"missions"`
	}
	testutil.DecodeBody(t, rec, &missions)
	require.Len(t, missions.Missions, 1)
	assert.Equal(t, res.MissionID, missions.Missions[0].ID)

	rec = testutil.DoJSON(t, ts.handler, http.MethodPost, "/api/rescue/dispatch", map[string]interface{}{
		"distance_info": []interface{}{},
	})
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)

	ts.port.WriteError(errors.New("port gone"))
	rec = testutil.DoJSON(t, ts.handler, http.MethodPost, "/api/rescue/dispatch", map[string]interface{}{
		"distance_info": []interface{}{sighting(7, 15.5, 10.2, -5.1)},
	})
	testutil.AssertStatusCode(t, rec.Code, http.StatusInternalServerError)
}

func TestListLimits(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/api/alerts?limit=0", "/api/missions?limit=abc"} {
		rec := testutil.DoJSON(t, ts.handler, http.MethodGet, path, nil)
		testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
	}
}

func TestPlanImage(t *testing.T) {
	ts := newTestServer(t)
	rec := testutil.DoJSON(t, ts.handler, http.MethodPost, "/api/rescue/coordinates", map[string]interface{}{
		"distance_info": []interface{}{sighting(1, 15.5, 10.2, -5.1)},
	})
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	rec = testutil.DoJSON(t, ts.handler, http.MethodGet, "/api/rescue/plan.png?size=4", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	rec = testutil.DoJSON(t, ts.handler, http.MethodGet, "/api/rescue/plan.png?size=100", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
}

func TestRouting(t *testing.T) {
	ts := newTestServer(t)

	rec := testutil.DoJSON(t, ts.handler, http.MethodGet, "/api/nope", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusNotFound)

	rec = testutil.DoJSON(t, ts.handler, http.MethodGet, "/api/detect", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
}

func TestWriteError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("frame: %w", detection.ErrInvalidInput), http.StatusBadRequest},
		{fmt.Errorf("calibrate: %w", calibration.ErrInvalidCalibration), http.StatusBadRequest},
		{calibration.ErrNotCalibrated, http.StatusConflict},
		{pipeline.ErrNoTargets, http.StatusBadRequest},
		{vehicle.ErrWriteFailed, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, c.err)
		assert.Equal(t, c.want, rec.Code, c.err.Error())
	}
}

func TestStatusCodeColor(t *testing.T) {
	assert.Equal(t, colorBoldGreen+"200"+colorReset, statusCodeColor(200))
	assert.Equal(t, colorYellow+"304"+colorReset, statusCodeColor(304))
	assert.Equal(t, colorBoldRed+"404"+colorReset, statusCodeColor(404))
	assert.Equal(t, colorBoldRed+"500"+colorReset, statusCodeColor(500))
	assert.Equal(t, "101", statusCodeColor(101))
}

func TestAlertWebsocket(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.handler)
	defer httpSrv.Close()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws/alerts"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return ts.srv.hub.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	res := ts.fireAlert(t)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var got struct {
		Type  string           `json:"type"`
		Alert aggregator.Alert `json:"alert"`
	}
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, "alert", got.Type)
	assert.Equal(t, res.AlertID, got.Alert.ID)

	ts.srv.Close()
	assert.Zero(t, ts.srv.hub.count())
}

func TestAlertHub_DropsSlowClient(t *testing.T) {
	h := newAlertHub()
	_, ch, ok := h.add()
	require.True(t, ok)
	for i := 0; i < clientBuffer; i++ {
		h.broadcast(aggregator.Alert{ID: fmt.Sprint(i)})
	}
	assert.Equal(t, 1, h.count())
	h.broadcast(aggregator.Alert{ID: "overflow"})
	assert.Zero(t, h.count())

	n := 0
	for range ch {
		n++
	}
	assert.Equal(t, clientBuffer, n)

	h.close()
	_, _, ok = h.add()
	assert.False(t, ok)
}

func TestDebugRoutes(t *testing.T) {
	ts := newTestServer(t)
	mux, err := ts.srv.ServeMux()
	require.NoError(t, err)

	for _, path := range []string{"/debug/window", "/debug/targets", "/debug/dispatch"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "127.0.0.1:1234"
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		if rec.Code == http.StatusForbidden {
			t.Skipf("debug access denied in this environment: %d", rec.Code)
		}
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := testutil.DoJSON(t, mux, http.MethodGet, "/health", nil)
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
}
