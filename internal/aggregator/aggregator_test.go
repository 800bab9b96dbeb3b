package aggregator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lifeline/internal/timeutil"
)

var t0 = time.Date(2026, 7, 4, 14, 0, 0, 0, time.UTC)

type recordingHandler struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (h *recordingHandler) HandleAlert(_ context.Context, a Alert) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, a)
	return h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.alerts)
}

func newTestAggregator(h Handler) (*Aggregator, *timeutil.MockClock) {
	clock := timeutil.NewMockClock(t0)
	return New(DefaultConfig(), clock, h), clock
}

func TestObserve_FiresOnFifthHazardFrame(t *testing.T) {
	h := &recordingHandler{}
	agg, clock := newTestAggregator(h)

	for i := 0; i < 4; i++ {
		dec := agg.Observe([]int{0}, nil)
		assert.False(t, dec.Fired, "frame %d", i+1)
		clock.Advance(time.Second)
	}

	dec := agg.Observe([]int{0}, []byte("jpeg"))
	require.True(t, dec.Fired)
	require.NotNil(t, dec.Alert)
	assert.Equal(t, 5, dec.WindowFrames)
	assert.Equal(t, 5, dec.Alert.WindowDetections)
	assert.Equal(t, 0, dec.Alert.ClassID)
	assert.NotEmpty(t, dec.Alert.ID)
	assert.Equal(t, t0.Add(4*time.Second), dec.Alert.FiredAt)

	agg.Wait()
	require.Equal(t, 1, h.count())
	assert.Equal(t, dec.Alert.ID, h.alerts[0].ID)
	assert.Equal(t, []byte("jpeg"), h.alerts[0].Snapshot)
}

func TestObserve_Cooldown(t *testing.T) {
	agg, clock := newTestAggregator(nil)
	for i := 0; i < 5; i++ {
		agg.Observe([]int{0}, nil)
	}
	require.NotNil(t, agg.LastAlert())

	clock.Advance(time.Second)
	assert.False(t, agg.Observe([]int{0}, nil).Fired, "sixth frame inside cooldown")

	// Exactly 30s after the alert is still inside the cooldown.
	clock.Set(t0.Add(30 * time.Second))
	for i := 0; i < 5; i++ {
		assert.False(t, agg.Observe([]int{0}, nil).Fired)
	}

	clock.Set(t0.Add(30*time.Second + time.Millisecond))
	assert.True(t, agg.Observe([]int{0}, nil).Fired)
}

func TestObserve_WindowPruning(t *testing.T) {
	agg, clock := newTestAggregator(nil)
	for i := 0; i < 4; i++ {
		agg.Observe([]int{0}, nil)
	}

	clock.Advance(10*time.Second + time.Nanosecond)
	dec := agg.Observe([]int{0}, nil)
	assert.False(t, dec.Fired)
	assert.Equal(t, 1, dec.WindowFrames, "frames older than the window are dropped")
}

func TestObserve_WindowBoundaryInclusive(t *testing.T) {
	agg, clock := newTestAggregator(nil)
	agg.Observe([]int{0}, nil)
	clock.Advance(10 * time.Second)
	dec := agg.Observe([]int{0}, nil)
	assert.Equal(t, 2, dec.WindowFrames, "now - t == window is kept")
}

func TestObserve_StaleFramesExcludedFromMode(t *testing.T) {
	agg, clock := newTestAggregator(nil)
	for i := 0; i < 10; i++ {
		agg.Observe([]int{2, 2}, nil)
	}
	clock.Advance(11 * time.Second)

	var dec Decision
	for i := 0; i < 5; i++ {
		dec = agg.Observe([]int{0}, nil)
	}
	assert.Equal(t, 0, dec.ModeClassID)
	assert.True(t, dec.Fired)
}

func TestObserve_EmptyFramesCount(t *testing.T) {
	agg, _ := newTestAggregator(nil)
	for i := 0; i < 4; i++ {
		dec := agg.Observe(nil, nil)
		assert.False(t, dec.HasMode)
		assert.False(t, dec.Fired)
	}
	dec := agg.Observe([]int{0}, nil)
	assert.Equal(t, 5, dec.WindowFrames)
	assert.True(t, dec.Fired, "empty frames count toward the minimum")
}

func TestObserve_NonHazardMode(t *testing.T) {
	agg, _ := newTestAggregator(nil)
	var dec Decision
	for i := 0; i < 6; i++ {
		dec = agg.Observe([]int{0, 3, 3}, nil)
	}
	assert.Equal(t, 3, dec.ModeClassID)
	assert.False(t, dec.Fired)
}

func TestModeClass_TieBreakFirstSeen(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
		want    int
		ok      bool
	}{
		{"empty", nil, 0, false},
		{"only empty frames", []Entry{{}, {}}, 0, false},
		{"clear winner", []Entry{{ClassIDs: []int{1, 0, 0}}}, 0, true},
		{"tie oldest frame wins", []Entry{{ClassIDs: []int{7}}, {ClassIDs: []int{0}}}, 7, true},
		{"tie within frame order", []Entry{{ClassIDs: []int{0, 4}}, {ClassIDs: []int{4, 0}}}, 0, true},
		{"later majority", []Entry{{ClassIDs: []int{5}}, {ClassIDs: []int{0, 0}}}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := modeClass(tt.entries)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestObserve_HandlerFailureDoesNotFailObserve(t *testing.T) {
	h := &recordingHandler{err: errors.New("webhook unreachable")}
	agg, _ := newTestAggregator(h)
	var dec Decision
	for i := 0; i < 5; i++ {
		dec = agg.Observe([]int{0}, nil)
	}
	assert.True(t, dec.Fired)
	agg.Wait()
	assert.Equal(t, 1, h.count())
}

type reentrantHandler struct {
	agg  *Aggregator
	done chan Stats
}

func (h *reentrantHandler) HandleAlert(_ context.Context, _ Alert) error {
	h.done <- h.agg.Snapshot()
	return nil
}

func TestObserve_HandlerRunsOutsideLock(t *testing.T) {
	h := &reentrantHandler{done: make(chan Stats, 1)}
	agg, _ := newTestAggregator(h)
	h.agg = agg
	for i := 0; i < 5; i++ {
		agg.Observe([]int{0}, nil)
	}

	select {
	case st := <-h.done:
		assert.Equal(t, 5, st.Frames)
	case <-time.After(2 * time.Second):
		t.Fatal("handler blocked on the aggregation lock")
	}
	agg.Wait()
}

func TestObserve_ConcurrentSingleAlert(t *testing.T) {
	agg, _ := newTestAggregator(nil)
	var fired int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if agg.Observe([]int{0}, nil).Fired {
				atomic.AddInt32(&fired, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), fired, "one alert per cooldown regardless of concurrency")
}

func TestSnapshot(t *testing.T) {
	agg, clock := newTestAggregator(nil)
	agg.Observe([]int{1, 1}, nil)
	clock.Advance(5 * time.Second)
	for i := 0; i < 5; i++ {
		agg.Observe([]int{0}, nil)
	}

	st := agg.Snapshot()
	assert.Equal(t, 6, st.Frames)
	assert.Equal(t, 7, st.Detections)
	assert.Equal(t, map[int]int{0: 5, 1: 2}, st.ClassCounts)
	require.NotNil(t, st.ModeClassID)
	assert.Equal(t, 0, *st.ModeClassID)
	require.NotNil(t, st.LastAlertAt)
	assert.Equal(t, 30*time.Second, st.CooldownRemaining)

	// Reading after the first frame leaves the window excludes it without
	// a new insert.
	clock.Advance(6 * time.Second)
	st = agg.Snapshot()
	assert.Equal(t, 5, st.Frames)
	assert.Equal(t, 24*time.Second, st.CooldownRemaining)
}

func TestConfigDefaultsAndSetters(t *testing.T) {
	agg := New(Config{}, nil, nil)
	cfg := agg.Config()
	assert.Equal(t, 10*time.Second, cfg.Window)
	assert.Equal(t, 5, cfg.MinFrames)
	assert.Equal(t, 30*time.Second, cfg.Cooldown)

	agg.SetMessage("check pool 2")
	assert.Equal(t, "check pool 2", agg.Config().Message)

	h := &recordingHandler{}
	agg.SetHandler(h)
	for i := 0; i < 5; i++ {
		agg.Observe([]int{0}, nil)
	}
	agg.Wait()
	require.Equal(t, 1, h.count())
	assert.Equal(t, "check pool 2", h.alerts[0].Message)
	assert.Nil(t, agg.LastAlert().Snapshot)
}
