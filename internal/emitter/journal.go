package emitter

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/e7canasta/geosentinel/internal/eventbus"
)

const journalSchema = `
CREATE TABLE IF NOT EXISTS rockfall_detections (
	id               BIGSERIAL PRIMARY KEY,
	site_id          TEXT        NOT NULL,
	session_id       TEXT        NOT NULL,
	seq              BIGINT      NOT NULL,
	trace_id         TEXT        NOT NULL,
	risk_level       TEXT        NOT NULL,
	rock_size        TEXT        NOT NULL,
	trajectory       TEXT        NOT NULL,
	confidence       DOUBLE PRECISION NOT NULL,
	recommendations  TEXT[]      NOT NULL,
	alert_risk_level TEXT        NOT NULL,
	escalated        TEXT[]      NOT NULL,
	detected_at      TIMESTAMPTZ NOT NULL,
	recorded_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

const insertDetection = `
INSERT INTO rockfall_detections (
	site_id, session_id, seq, trace_id,
	risk_level, rock_size, trajectory, confidence,
	recommendations, alert_risk_level, escalated, detected_at
) VALUES (
	:site_id, :session_id, :seq, :trace_id,
	:risk_level, :rock_size, :trajectory, :confidence,
	:recommendations, :alert_risk_level, :escalated, :detected_at
)`

// detectionRow is one journal row.
type detectionRow struct {
	SiteID          string         `db:"site_id"`
	SessionID       string         `db:"session_id"`
	Seq             int64          `db:"seq"`
	TraceID         string         `db:"trace_id"`
	RiskLevel       string         `db:"risk_level"`
	RockSize        string         `db:"rock_size"`
	Trajectory      string         `db:"trajectory"`
	Confidence      float64        `db:"confidence"`
	Recommendations pq.StringArray `db:"recommendations"`
	AlertRiskLevel  string         `db:"alert_risk_level"`
	Escalated       pq.StringArray `db:"escalated"`
	DetectedAt      time.Time      `db:"detected_at"`
}

func toRow(siteID string, ev eventbus.DetectionApplied) detectionRow {
	d := ev.Detection
	recs := pq.StringArray(append([]string{}, d.Recommendations...))
	escalated := pq.StringArray(append([]string{}, ev.Escalated...))

	return detectionRow{
		SiteID:          siteID,
		SessionID:       ev.SessionID,
		Seq:             int64(d.Seq),
		TraceID:         d.TraceID,
		RiskLevel:       string(d.RiskLevel),
		RockSize:        string(d.RockSize),
		Trajectory:      string(d.Trajectory),
		Confidence:      d.Confidence,
		Recommendations: recs,
		AlertRiskLevel:  string(ev.Alert.RiskLevel),
		Escalated:       escalated,
		DetectedAt:      d.Timestamp.UTC(),
	}
}

// Journal records every applied detection in Postgres.
type Journal struct {
	db     *sqlx.DB
	siteID string
}

var _ Sink = (*Journal)(nil)

// OpenJournal connects to dsn and makes sure the table exists.
func OpenJournal(ctx context.Context, dsn string, maxOpenConns int, siteID string) (*Journal, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: create schema: %w", err)
	}

	return NewJournal(db, siteID), nil
}

// NewJournal wraps an open database.
func NewJournal(db *sqlx.DB, siteID string) *Journal {
	return &Journal{db: db, siteID: siteID}
}

func (j *Journal) Name() string { return "journal" }

func (j *Journal) Emit(ctx context.Context, ev eventbus.Event) error {
	applied, ok := ev.(eventbus.DetectionApplied)
	if !ok {
		return nil
	}

	if _, err := j.db.NamedExecContext(ctx, insertDetection, toRow(j.siteID, applied)); err != nil {
		return fmt.Errorf("journal insert: %w", err)
	}
	return nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
