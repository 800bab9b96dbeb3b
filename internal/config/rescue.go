// Package config loads the runtime settings of the lifeline service from a
// flat JSON file. Every field is optional; the Get* accessors supply defaults
// for anything the file leaves out.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultConfigPath is the path to the canonical defaults file.
const DefaultConfigPath = "config/lifeline.defaults.json"

const maxConfigFileSize = 1 * 1024 * 1024 // 1MB

// RescueConfig is the root configuration. The same schema is accepted by
// POST /api/config for the notification fields.
type RescueConfig struct {
	// Aggregator
	WindowDuration *string `json:"window_duration,omitempty"` // duration string like "10s"
	MinFrames      *int    `json:"min_frames,omitempty"`
	AlertCooldown  *string `json:"alert_cooldown,omitempty"`
	HazardClassID  *int    `json:"hazard_class_id,omitempty"`

	// Calibration and estimation
	KnownWidthCm        *float64 `json:"known_width_cm,omitempty"`
	FocalLengthPx       *float64 `json:"focal_length_px,omitempty"`
	KnownHeightCm       *float64 `json:"known_height_cm,omitempty"`
	ConfidenceThreshold *float64 `json:"confidence_threshold,omitempty"`

	// Camera pose
	CameraHeightM *float64 `json:"camera_height_m,omitempty"`
	CameraTiltDeg *float64 `json:"camera_tilt_deg,omitempty"`

	// Notification
	WebhookURL   *string `json:"webhook_url,omitempty"`
	MQTTBroker   *string `json:"mqtt_broker,omitempty"`
	MQTTTopic    *string `json:"mqtt_topic,omitempty"`
	AlertMessage *string `json:"alert_message,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyRescueConfig returns a RescueConfig with all fields unset.
func EmptyRescueConfig() *RescueConfig {
	return &RescueConfig{}
}

// DefaultRescueConfig returns a config with every defaulted field populated.
// Notification endpoints stay unset.
func DefaultRescueConfig() *RescueConfig {
	return &RescueConfig{
		WindowDuration:      ptrString("10s"),
		MinFrames:           ptrInt(5),
		AlertCooldown:       ptrString("30s"),
		HazardClassID:       ptrInt(0),
		KnownWidthCm:        ptrFloat64(50),
		KnownHeightCm:       ptrFloat64(170),
		ConfidenceThreshold: ptrFloat64(0.25),
		CameraHeightM:       ptrFloat64(5.0),
		CameraTiltDeg:       ptrFloat64(0),
		MQTTTopic:           ptrString("lifeline/alerts"),
		AlertMessage:        ptrString(defaultAlertMessage),
	}
}

const defaultAlertMessage = "Person in the water detected. Check the camera feed immediately."

// LoadRescueConfig loads a RescueConfig from a JSON file. The file must have
// a .json extension and be no larger than 1MB.
func LoadRescueConfig(path string) (*RescueConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxConfigFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyRescueConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching the current
// directory and its parents. Panics if the file cannot be loaded; intended
// for test setup.
func MustLoadDefaultConfig() *RescueConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/<pkg>/
		"../../../" + DefaultConfigPath, // from cmd/<tool>/ or deeper
	}
	for _, path := range candidates {
		if cfg, err := LoadRescueConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *RescueConfig) Validate() error {
	for name, v := range map[string]*string{
		"window_duration": c.WindowDuration,
		"alert_cooldown":  c.AlertCooldown,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	if c.MinFrames != nil && *c.MinFrames < 1 {
		return fmt.Errorf("min_frames must be at least 1, got %d", *c.MinFrames)
	}
	if c.KnownWidthCm != nil && *c.KnownWidthCm <= 0 {
		return fmt.Errorf("known_width_cm must be positive, got %f", *c.KnownWidthCm)
	}
	if c.FocalLengthPx != nil && *c.FocalLengthPx <= 0 {
		return fmt.Errorf("focal_length_px must be positive, got %f", *c.FocalLengthPx)
	}
	if c.KnownHeightCm != nil && *c.KnownHeightCm <= 0 {
		return fmt.Errorf("known_height_cm must be positive, got %f", *c.KnownHeightCm)
	}
	if c.ConfidenceThreshold != nil {
		if *c.ConfidenceThreshold < 0 || *c.ConfidenceThreshold > 1 {
			return fmt.Errorf("confidence_threshold must be between 0 and 1, got %f", *c.ConfidenceThreshold)
		}
	}
	if c.CameraHeightM != nil && *c.CameraHeightM < 0 {
		return fmt.Errorf("camera_height_m must be non-negative, got %f", *c.CameraHeightM)
	}
	if c.WebhookURL != nil && *c.WebhookURL != "" {
		if !strings.HasPrefix(*c.WebhookURL, "http://") && !strings.HasPrefix(*c.WebhookURL, "https://") {
			return fmt.Errorf("webhook_url must be an http(s) URL, got %q", *c.WebhookURL)
		}
	}
	return nil
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetWindowDuration returns the aggregation window length.
func (c *RescueConfig) GetWindowDuration() time.Duration {
	return parseDurationOr(c.WindowDuration, 10*time.Second)
}

// GetAlertCooldown returns the minimum spacing between two alerts.
func (c *RescueConfig) GetAlertCooldown() time.Duration {
	return parseDurationOr(c.AlertCooldown, 30*time.Second)
}

// GetMinFrames returns the min_frames value or the default.
func (c *RescueConfig) GetMinFrames() int {
	if c.MinFrames == nil {
		return 5
	}
	return *c.MinFrames
}

// GetHazardClassID returns the hazard_class_id value or the default.
func (c *RescueConfig) GetHazardClassID() int {
	if c.HazardClassID == nil {
		return 0
	}
	return *c.HazardClassID
}

// GetKnownWidthCm returns the known_width_cm value or the default.
func (c *RescueConfig) GetKnownWidthCm() float64 {
	if c.KnownWidthCm == nil {
		return 50
	}
	return *c.KnownWidthCm
}

// GetFocalLengthPx returns the configured focal length and whether one was set.
func (c *RescueConfig) GetFocalLengthPx() (float64, bool) {
	if c.FocalLengthPx == nil {
		return 0, false
	}
	return *c.FocalLengthPx, true
}

// GetKnownHeightCm returns the known_height_cm value or the default.
func (c *RescueConfig) GetKnownHeightCm() float64 {
	if c.KnownHeightCm == nil {
		return 170
	}
	return *c.KnownHeightCm
}

// GetConfidenceThreshold returns the confidence_threshold value or the default.
func (c *RescueConfig) GetConfidenceThreshold() float64 {
	if c.ConfidenceThreshold == nil {
		return 0.25
	}
	return *c.ConfidenceThreshold
}

// GetCameraHeightM returns the camera_height_m value or the default.
func (c *RescueConfig) GetCameraHeightM() float64 {
	if c.CameraHeightM == nil {
		return 5.0
	}
	return *c.CameraHeightM
}

// GetCameraTiltDeg returns the camera_tilt_deg value or the default.
func (c *RescueConfig) GetCameraTiltDeg() float64 {
	if c.CameraTiltDeg == nil {
		return 0
	}
	return *c.CameraTiltDeg
}

// GetWebhookURL returns the webhook URL, empty when unset.
func (c *RescueConfig) GetWebhookURL() string {
	if c.WebhookURL == nil {
		return ""
	}
	return *c.WebhookURL
}

// GetMQTTBroker returns the MQTT broker URL, empty when unset.
func (c *RescueConfig) GetMQTTBroker() string {
	if c.MQTTBroker == nil {
		return ""
	}
	return *c.MQTTBroker
}

// GetMQTTTopic returns the mqtt_topic value or the default.
func (c *RescueConfig) GetMQTTTopic() string {
	if c.MQTTTopic == nil || *c.MQTTTopic == "" {
		return "lifeline/alerts"
	}
	return *c.MQTTTopic
}

// GetAlertMessage returns the alert_message value or the default.
func (c *RescueConfig) GetAlertMessage() string {
	if c.AlertMessage == nil || *c.AlertMessage == "" {
		return defaultAlertMessage
	}
	return *c.AlertMessage
}

// NotificationSettings is the runtime-editable subset exposed over
// GET/POST /api/config.
type NotificationSettings struct {
	WebhookURL   string `json:"webhook_url"`
	MQTTBroker   string `json:"mqtt_broker"`
	MQTTTopic    string `json:"mqtt_topic"`
	AlertMessage string `json:"alert_message"`
}

// Notification returns the notification fields with defaults applied.
func (c *RescueConfig) Notification() NotificationSettings {
	return NotificationSettings{
		WebhookURL:   c.GetWebhookURL(),
		MQTTBroker:   c.GetMQTTBroker(),
		MQTTTopic:    c.GetMQTTTopic(),
		AlertMessage: c.GetAlertMessage(),
	}
}

// Masked returns a copy with endpoint credentials and paths hidden, for
// display over the API.
func (n NotificationSettings) Masked() NotificationSettings {
	n.WebhookURL = maskSecret(n.WebhookURL)
	n.MQTTBroker = maskSecret(n.MQTTBroker)
	return n
}

// maskSecret keeps the first few characters so operators can tell endpoints
// apart.
func maskSecret(s string) string {
	const keep = 12
	if len(s) <= keep {
		if s == "" {
			return ""
		}
		return "***"
	}
	return s[:keep] + "***"
}

// ApplyNotification overwrites the notification fields. Empty values clear
// the endpoint; empty topic and message fall back to defaults.
func (c *RescueConfig) ApplyNotification(n NotificationSettings) error {
	next := *c
	next.WebhookURL = ptrString(n.WebhookURL)
	next.MQTTBroker = ptrString(n.MQTTBroker)
	next.MQTTTopic = ptrString(n.MQTTTopic)
	next.AlertMessage = ptrString(n.AlertMessage)
	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}
