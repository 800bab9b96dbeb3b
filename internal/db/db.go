// Package db is the mission log: alerts, calibrations, dispatched missions
// and vehicle acknowledgements, kept in SQLite.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite handle.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies
// migrations. Use ":memory:" for a throwaway log.
func Open(path string) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		sqlDB.SetMaxOpenConns(1)
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Path returns the file the database was opened from.
func (db *DB) Path() string { return db.path }

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	sec := int64(s)
	nsec := int64((s - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// AlertRecord is a fired alert as stored.
type AlertRecord struct {
	ID               string    `json:"id"`
	FiredAt          time.Time `json:"fired_at"`
	ClassID          int       `json:"class_id"`
	WindowFrames     int       `json:"window_frames"`
	WindowDetections int       `json:"window_detections"`
	Message          string    `json:"message"`
}

// RecordAlert inserts an alert.
func (db *DB) RecordAlert(ctx context.Context, a AlertRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO alerts (alert_id, fired_at_unix, class_id, window_frames, window_detections, message)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, unixSeconds(a.FiredAt), a.ClassID, a.WindowFrames, a.WindowDetections, a.Message,
	)
	if err != nil {
		return fmt.Errorf("record alert %s: %w", a.ID, err)
	}
	return nil
}

// Alerts returns up to limit alerts, newest first.
func (db *DB) Alerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT alert_id, fired_at_unix, class_id, window_frames, window_detections, message
		FROM alerts ORDER BY fired_at_unix DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	out := []AlertRecord{}
	for rows.Next() {
		var a AlertRecord
		var fired float64
		if err := rows.Scan(&a.ID, &fired, &a.ClassID, &a.WindowFrames, &a.WindowDetections, &a.Message); err != nil {
			return nil, err
		}
		a.FiredAt = fromUnixSeconds(fired)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CalibrationRecord is one calibration event. Reference fields are nil
// when the focal length was installed directly.
type CalibrationRecord struct {
	CalibratedAt        time.Time `json:"calibrated_at"`
	KnownWidthCm        float64   `json:"known_width_cm"`
	ReferenceWidthPx    *float64  `json:"reference_width_px,omitempty"`
	ReferenceDistanceCm *float64  `json:"reference_distance_cm,omitempty"`
	FocalLengthPx       float64   `json:"focal_length_px"`
	Source              string    `json:"source"`
}

// RecordCalibration inserts a calibration event.
func (db *DB) RecordCalibration(ctx context.Context, c CalibrationRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO calibrations (calibrated_at_unix, known_width_cm, reference_width_px,
			reference_distance_cm, focal_length_px, source)
		VALUES (?, ?, ?, ?, ?, ?)`,
		unixSeconds(c.CalibratedAt), c.KnownWidthCm, c.ReferenceWidthPx, c.ReferenceDistanceCm,
		c.FocalLengthPx, c.Source,
	)
	if err != nil {
		return fmt.Errorf("record calibration: %w", err)
	}
	return nil
}

// LatestCalibration returns the newest calibration, or nil.
func (db *DB) LatestCalibration(ctx context.Context) (*CalibrationRecord, error) {
	var c CalibrationRecord
	var at float64
	var refW, refD sql.NullFloat64
	err := db.QueryRowContext(ctx, `
		SELECT calibrated_at_unix, known_width_cm, reference_width_px, reference_distance_cm,
			focal_length_px, source
		FROM calibrations ORDER BY calibration_id DESC LIMIT 1`,
	).Scan(&at, &c.KnownWidthCm, &refW, &refD, &c.FocalLengthPx, &c.Source)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query calibration: %w", err)
	}
	c.CalibratedAt = fromUnixSeconds(at)
	if refW.Valid {
		c.ReferenceWidthPx = &refW.Float64
	}
	if refD.Valid {
		c.ReferenceDistanceCm = &refD.Float64
	}
	return &c, nil
}

// Mission statuses.
const (
	MissionSent     = "sent"
	MissionAcked    = "acked"
	MissionRejected = "rejected"
	MissionFailed   = "failed"
)

// MissionRecord is a dispatched mission.
type MissionRecord struct {
	ID          string    `json:"mission_id"`
	IssuedAt    time.Time `json:"issued_at"`
	Urgency     string    `json:"urgency"`
	Priority    int       `json:"priority"`
	TargetCount int       `json:"target_count"`
	CommandJSON string    `json:"command"`
	Status      string    `json:"status"`
}

// RecordMission inserts a mission. An empty status is stored as "sent".
func (db *DB) RecordMission(ctx context.Context, m MissionRecord) error {
	if m.Status == "" {
		m.Status = MissionSent
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO missions (mission_id, issued_at_unix, urgency, priority, target_count, command_json, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, unixSeconds(m.IssuedAt), m.Urgency, m.Priority, m.TargetCount, m.CommandJSON, m.Status,
	)
	if err != nil {
		return fmt.Errorf("record mission %s: %w", m.ID, err)
	}
	return nil
}

// Missions returns up to limit missions, newest first.
func (db *DB) Missions(ctx context.Context, limit int) ([]MissionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT mission_id, issued_at_unix, urgency, priority, target_count, command_json, status
		FROM missions ORDER BY issued_at_unix DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query missions: %w", err)
	}
	defer rows.Close()

	out := []MissionRecord{}
	for rows.Next() {
		var m MissionRecord
		var issued float64
		if err := rows.Scan(&m.ID, &issued, &m.Urgency, &m.Priority, &m.TargetCount, &m.CommandJSON, &m.Status); err != nil {
			return nil, err
		}
		m.IssuedAt = fromUnixSeconds(issued)
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetMissionStatus overwrites a mission's status.
func (db *DB) SetMissionStatus(ctx context.Context, missionID, status string) error {
	res, err := db.ExecContext(ctx, `UPDATE missions SET status = ? WHERE mission_id = ?`, status, missionID)
	if err != nil {
		return fmt.Errorf("update mission %s: %w", missionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown mission %s", missionID)
	}
	return nil
}

// RecordAck stores a vehicle acknowledgement and moves the mission to the
// matching status. Acks for unknown missions are rejected.
func (db *DB) RecordAck(ctx context.Context, missionID string, accepted bool, raw string, at time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	status := MissionAcked
	if !accepted {
		status = MissionRejected
	}
	res, err := tx.ExecContext(ctx, `UPDATE missions SET status = ? WHERE mission_id = ?`, status, missionID)
	if err != nil {
		return fmt.Errorf("update mission %s: %w", missionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ack for unknown mission %s", missionID)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO vehicle_acks (mission_id, received_at_unix, status, raw) VALUES (?, ?, ?, ?)`,
		missionID, unixSeconds(at), status, raw,
	); err != nil {
		return fmt.Errorf("record ack %s: %w", missionID, err)
	}
	return tx.Commit()
}
