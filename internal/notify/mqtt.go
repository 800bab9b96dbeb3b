package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/lifeline/internal/aggregator"
	"github.com/banshee-data/lifeline/internal/monitoring"
)

// DefaultMQTTTopic is used when no topic is configured.
const DefaultMQTTTopic = "lifeline/alerts"

// MQTT publishes alerts as JSON at QoS 0. The broker connection is opened
// on first use and reopened after it drops.
type MQTT struct {
	Broker   string
	Topic    string
	ClientID string

	// NewClient builds the paho client; tests replace it.
	NewClient func(*mqtt.ClientOptions) mqtt.Client

	mu     sync.Mutex
	client mqtt.Client
}

// NewMQTT returns a sink for broker (e.g. "tcp://localhost:1883").
func NewMQTT(broker, topic string) *MQTT {
	if topic == "" {
		topic = DefaultMQTTTopic
	}
	return &MQTT{
		Broker:    broker,
		Topic:     topic,
		ClientID:  fmt.Sprintf("lifeline-%d", time.Now().UnixNano()),
		NewClient: mqtt.NewClient,
	}
}

func (m *MQTT) connect(ctx context.Context) (mqtt.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil && m.client.IsConnectionOpen() {
		return m.client, nil
	}
	opts := mqtt.NewClientOptions().
		AddBroker(m.Broker).
		SetClientID(m.ClientID).
		SetConnectTimeout(5 * time.Second).
		SetAutoReconnect(false)
	c := m.NewClient(opts)
	if err := waitToken(ctx, c.Connect()); err != nil {
		return nil, fmt.Errorf("connect %s: %w", m.Broker, err)
	}
	monitoring.Logf("[notify] connected to MQTT broker %s", m.Broker)
	m.client = c
	return c, nil
}

// HandleAlert implements Sink.
func (m *MQTT) HandleAlert(ctx context.Context, a aggregator.Alert) error {
	if m.Broker == "" {
		return deliveryError("mqtt", errors.New("no broker configured"))
	}
	body, err := json.Marshal(NewPayload(a))
	if err != nil {
		return deliveryError("mqtt", err)
	}
	c, err := m.connect(ctx)
	if err != nil {
		return deliveryError("mqtt", err)
	}
	if err := waitToken(ctx, c.Publish(m.Topic, 0, false, body)); err != nil {
		return deliveryError("mqtt", fmt.Errorf("publish %s: %w", m.Topic, err))
	}
	return nil
}

// Close disconnects from the broker.
func (m *MQTT) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		m.client.Disconnect(250)
		m.client = nil
	}
}

func waitToken(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
