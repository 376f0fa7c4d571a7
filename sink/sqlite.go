package sink

import (
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteTelemetrySink is the sqlite-backed alternate to the CSV telemetry
// sink, selected via the config's sink.driver knob.
type SQLiteTelemetrySink struct {
	db *sqlx.DB

	mu  sync.Mutex
	buf []TelemetryRecord
}

const createTelemetryTable = `
CREATE TABLE IF NOT EXISTS telemetry (
	timestamp INTEGER NOT NULL,
	latitude REAL NOT NULL,
	longitude REAL NOT NULL,
	activity INTEGER NOT NULL,
	battery INTEGER NOT NULL,
	diag_flags INTEGER NOT NULL
)`

const insertTelemetry = `
INSERT INTO telemetry (timestamp, latitude, longitude, activity, battery, diag_flags)
VALUES (:timestamp, :latitude, :longitude, :activity, :battery, :diag_flags)`

// OpenSQLiteTelemetrySink opens (creating if needed) a sqlite database at
// path and ensures the telemetry table exists.
func OpenSQLiteTelemetrySink(path string) (*SQLiteTelemetrySink, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sink: open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(createTelemetryTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: create telemetry table: %w", err)
	}
	return &SQLiteTelemetrySink{db: db}, nil
}

func (s *SQLiteTelemetrySink) Append(r TelemetryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, r)
}

// telemetryRow is the sqlx-named-parameter shape for one buffered record.
type telemetryRow struct {
	Timestamp int64   `db:"timestamp"`
	Latitude  float64 `db:"latitude"`
	Longitude float64 `db:"longitude"`
	Activity  int     `db:"activity"`
	Battery   int     `db:"battery"`
	DiagFlags int     `db:"diag_flags"`
}

func (s *SQLiteTelemetrySink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return nil
	}
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("sink: begin tx: %w", err)
	}
	for _, r := range s.buf {
		row := telemetryRow{
			Timestamp: int64(r.Timestamp),
			Latitude:  float64(r.Latitude),
			Longitude: float64(r.Longitude),
			Activity:  int(r.Activity),
			Battery:   int(r.Battery),
			DiagFlags: int(r.DiagFlags),
		}
		if _, err := tx.NamedExec(insertTelemetry, row); err != nil {
			tx.Rollback()
			return fmt.Errorf("sink: insert telemetry row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sink: commit: %w", err)
	}
	s.buf = s.buf[:0]
	return nil
}

func (s *SQLiteTelemetrySink) Close() error { return s.db.Close() }

// SQLiteEmergencySink mirrors SQLiteTelemetrySink for emergency records.
type SQLiteEmergencySink struct {
	db *sqlx.DB

	mu  sync.Mutex
	buf []EmergencyRecord
}

const createEmergencyTable = `
CREATE TABLE IF NOT EXISTS emergency (
	timestamp INTEGER NOT NULL,
	alert_code INTEGER NOT NULL,
	details TEXT NOT NULL
)`

const insertEmergency = `
INSERT INTO emergency (timestamp, alert_code, details)
VALUES (:timestamp, :alert_code, :details)`

func OpenSQLiteEmergencySink(path string) (*SQLiteEmergencySink, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sink: open sqlite %s: %w", path, err)
	}
	if _, err := db.Exec(createEmergencyTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("sink: create emergency table: %w", err)
	}
	return &SQLiteEmergencySink{db: db}, nil
}

type emergencyRow struct {
	Timestamp int64  `db:"timestamp"`
	AlertCode int    `db:"alert_code"`
	Details   string `db:"details"`
}

func (s *SQLiteEmergencySink) Append(r EmergencyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, r)
}

func (s *SQLiteEmergencySink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return nil
	}
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("sink: begin tx: %w", err)
	}
	for _, r := range s.buf {
		row := emergencyRow{Timestamp: int64(r.Timestamp), AlertCode: int(r.AlertCode), Details: r.Details}
		if _, err := tx.NamedExec(insertEmergency, row); err != nil {
			tx.Rollback()
			return fmt.Errorf("sink: insert emergency row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sink: commit: %w", err)
	}
	s.buf = s.buf[:0]
	return nil
}

func (s *SQLiteEmergencySink) Close() error { return s.db.Close() }
