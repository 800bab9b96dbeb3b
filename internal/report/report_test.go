package report

import (
	"bytes"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lifeline/internal/aggregator"
	"github.com/banshee-data/lifeline/internal/rescue"
)

func f64(v float64) *float64 { return &v }

func rankedTargets(t *testing.T) []rescue.RankedTarget {
	t.Helper()
	sightings := []rescue.Sighting{
		{ObjectID: 1, DistanceM: f64(40), AngleXDegrees: f64(-20), AngleYDegrees: f64(0)},
		{ObjectID: 2, DistanceM: f64(15.5), AngleXDegrees: f64(10.2), AngleYDegrees: f64(-5.1)},
		{ObjectID: 3, DistanceM: f64(5), AngleXDegrees: f64(0), AngleYDegrees: f64(-10)},
	}
	ranked, err := rescue.RankTargets(sightings, rescue.Environment{}, rescue.NewCameraPose(5, 0))
	require.NoError(t, err)
	require.Len(t, ranked, 3)
	return ranked
}

func TestWindowChart(t *testing.T) {
	mode := 0
	st := aggregator.Stats{
		Frames:      6,
		Detections:  9,
		ClassCounts: map[int]int{0: 7, 2: 2},
		ModeClassID: &mode,
	}
	var buf bytes.Buffer
	require.NoError(t, WindowChart(&buf, st, 0, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)))
	html := buf.String()
	assert.Contains(t, html, "Detection Window")
	assert.Contains(t, html, "class 0 (hazard)")
	assert.Contains(t, html, "class 2")
	assert.Contains(t, html, "mode=0")
}

func TestWindowChart_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WindowChart(&buf, aggregator.Stats{ClassCounts: map[int]int{}}, 0, time.Now()))
	assert.Contains(t, buf.String(), "mode=none")
}

func TestTargetsChart(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, TargetsChart(&buf, rankedTargets(t)))
	html := buf.String()
	assert.Contains(t, html, "Rescue Targets")
	assert.Contains(t, html, "camera")
	assert.Contains(t, html, "HIGH")
}

func TestPlanPNG(t *testing.T) {
	for name, targets := range map[string][]rescue.RankedTarget{
		"targets": rankedTargets(t),
		"empty":   nil,
	} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, PlanPNG(&buf, targets, rescue.NewCameraPose(5, 0), 4))
			img, err := png.Decode(&buf)
			require.NoError(t, err)
			assert.Greater(t, img.Bounds().Dx(), 100)
			assert.Equal(t, img.Bounds().Dx(), img.Bounds().Dy())
		})
	}
}
