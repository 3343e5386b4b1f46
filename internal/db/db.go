// Package db persists counting sessions and crossing events to a local
// sqlite database. It sits off the hot path: writes arrive through a
// bounded result subscription so a slow disk can never stall detection.
package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the journal database at path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			session_id        TEXT PRIMARY KEY,
			mode              TEXT,
			started_at        TIMESTAMP,
			ended_at          TIMESTAMP,
			total_crossings   BIGINT DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS crossings (
			crossing_id       INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id        TEXT,
			frame_number      BIGINT,
			object_count      BIGINT,
			crossing_total    BIGINT,
			occurred_at       TIMESTAMP,
			FOREIGN KEY(session_id) REFERENCES sessions(session_id)
		);
		CREATE INDEX IF NOT EXISTS idx_crossings_session
			ON crossings(session_id);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}

	return &DB{db}, nil
}

// StartSession opens a new counting session and returns its identity.
func (db *DB) StartSession(mode string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, mode, started_at) VALUES (?, ?, ?)`,
		id.String(), mode, time.Now().UTC())
	if err != nil {
		return uuid.Nil, fmt.Errorf("starting session: %w", err)
	}
	return id, nil
}

// EndSession stamps the session closed with its final crossing total.
func (db *DB) EndSession(id uuid.UUID, totalCrossings int64) error {
	res, err := db.Exec(
		`UPDATE sessions SET ended_at = ?, total_crossings = ? WHERE session_id = ?`,
		time.Now().UTC(), totalCrossings, id.String())
	if err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("ending session: unknown session %s", id)
	}
	return nil
}

// RecordCrossing journals one crossing event.
func (db *DB) RecordCrossing(session uuid.UUID, frameNumber int64, objectCount int, crossingTotal int64, at time.Time) error {
	_, err := db.Exec(
		`INSERT INTO crossings (session_id, frame_number, object_count, crossing_total, occurred_at)
		 VALUES (?, ?, ?, ?, ?)`,
		session.String(), frameNumber, objectCount, crossingTotal, at.UTC())
	if err != nil {
		return fmt.Errorf("recording crossing: %w", err)
	}
	return nil
}

// Crossing is one journaled crossing event.
type Crossing struct {
	SessionID     uuid.UUID
	FrameNumber   int64
	ObjectCount   int
	CrossingTotal int64
	OccurredAt    time.Time
}

// SessionCrossings returns the crossings of one session in journal order.
func (db *DB) SessionCrossings(session uuid.UUID) ([]Crossing, error) {
	rows, err := db.Query(
		`SELECT frame_number, object_count, crossing_total, occurred_at
		 FROM crossings WHERE session_id = ? ORDER BY crossing_id`,
		session.String())
	if err != nil {
		return nil, fmt.Errorf("querying crossings: %w", err)
	}
	defer rows.Close()

	var out []Crossing
	for rows.Next() {
		c := Crossing{SessionID: session}
		if err := rows.Scan(&c.FrameNumber, &c.ObjectCount, &c.CrossingTotal, &c.OccurredAt); err != nil {
			return nil, fmt.Errorf("scanning crossing: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SessionTotal returns the recorded final total for a closed session.
func (db *DB) SessionTotal(session uuid.UUID) (int64, error) {
	var total int64
	err := db.QueryRow(
		`SELECT total_crossings FROM sessions WHERE session_id = ?`,
		session.String()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("querying session total: %w", err)
	}
	return total, nil
}
