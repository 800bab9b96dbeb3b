package dispatch

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/lifeline/internal/aggregator"
)

type stubAlerts struct {
	alert *aggregator.Alert
}

func (s stubAlerts) LastAlert() *aggregator.Alert { return s.alert }

func startPublisher(t *testing.T, cfg Config, alerts AlertSource) (*Publisher, *Client) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	p := NewPublisher(cfg, alerts)
	require.NoError(t, p.Serve(lis))
	t.Cleanup(func() { p.Stop(time.Second) })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return p, NewClient(conn)
}

type envelope struct {
	MissionID string                 `json:"mission_id"`
	Command   map[string]interface{} `json:"command"`
}

func TestPublisher_StreamCommands(t *testing.T) {
	p, client := startPublisher(t, Config{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := client.StreamCommands(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return p.Stats().Clients == 1 }, 2*time.Second, 10*time.Millisecond)

	env := envelope{
		MissionID: "m-1",
		Command: map[string]interface{}{
			"command_type": "RESCUE_MISSION",
			"movement":     map[string]interface{}{"speed": 4.0},
		},
	}
	require.NoError(t, p.Publish(env))

	msg, err := stream.Recv()
	require.NoError(t, err)
	got := msg.AsMap()
	assert.Equal(t, "m-1", got["mission_id"])
	cmd := got["command"].(map[string]interface{})
	assert.Equal(t, "RESCUE_MISSION", cmd["command_type"])
	assert.Equal(t, 4.0, cmd["movement"].(map[string]interface{})["speed"])

	assert.Equal(t, uint64(1), p.Stats().Published)
}

func TestPublisher_MaxClients(t *testing.T) {
	p, client := startPublisher(t, Config{MaxClients: 1}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.StreamCommands(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.Stats().Clients == 1 }, 2*time.Second, 10*time.Millisecond)

	second, err := client.StreamCommands(ctx)
	require.NoError(t, err)
	_, err = second.Recv()
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestPublisher_LatestAlert(t *testing.T) {
	t.Run("none yet", func(t *testing.T) {
		_, client := startPublisher(t, Config{}, stubAlerts{})
		_, err := client.LatestAlert(context.Background())
		assert.Equal(t, codes.NotFound, status.Code(err))
	})

	t.Run("no source", func(t *testing.T) {
		_, client := startPublisher(t, Config{}, nil)
		_, err := client.LatestAlert(context.Background())
		assert.Equal(t, codes.Unavailable, status.Code(err))
	})

	t.Run("fired", func(t *testing.T) {
		a := &aggregator.Alert{ID: "a-9", ClassID: 0, WindowFrames: 6, Message: "hazard"}
		_, client := startPublisher(t, Config{}, stubAlerts{alert: a})
		msg, err := client.LatestAlert(context.Background())
		require.NoError(t, err)
		got := msg.AsMap()
		assert.Equal(t, "a-9", got["id"])
		assert.Equal(t, 6.0, got["window_frames"])
	})

	t.Run("source set after start", func(t *testing.T) {
		p, client := startPublisher(t, Config{}, nil)
		p.SetAlertSource(stubAlerts{alert: &aggregator.Alert{ID: "late"}})
		msg, err := client.LatestAlert(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "late", msg.AsMap()["id"])
	})
}

func TestPublisher_PublishWhenStopped(t *testing.T) {
	p := NewPublisher(Config{}, nil)
	assert.NoError(t, p.Publish(envelope{MissionID: "x"}))
	assert.Zero(t, p.Stats().Published)

	assert.Error(t, p.Publish([]int{1, 2}), "non-object payloads are rejected")
}

func TestToStruct(t *testing.T) {
	s, err := ToStruct(map[string]interface{}{"a": 1, "b": []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, 1.0, s.AsMap()["a"])
	assert.Equal(t, []interface{}{"x"}, s.AsMap()["b"])
}
