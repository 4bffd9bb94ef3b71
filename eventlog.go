package segrep

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// EventLog is a durable ledger of terminal replication events. It is
// optional; a store runs without one.
type EventLog struct {
	db *sql.DB
}

// OpenEventLog opens (and if needed initializes) the event database at path.
func OpenEventLog(path string) (*EventLog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	l := &EventLog{db: db}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate event log: %w", err)
	}
	return l, nil
}

func (l *EventLog) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS replication_events (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			role           TEXT NOT NULL,
			replication_id INTEGER NOT NULL,
			shard          TEXT NOT NULL,
			node           TEXT NOT NULL,
			allocation_id  TEXT NOT NULL,
			state          TEXT NOT NULL,
			files          INTEGER NOT NULL,
			bytes          INTEGER NOT NULL,
			throttle_ns    INTEGER NOT NULL,
			error          TEXT NOT NULL,
			started_at     TIMESTAMP NOT NULL,
			ended_at       TIMESTAMP NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database.
func (l *EventLog) Close() error { return l.db.Close() }

// ReplicationEvent is one row in the event log.
type ReplicationEvent struct {
	Role          string        `json:"role"` // "source" or "target"
	ReplicationID ReplicationID `json:"replication_id"`
	Shard         string        `json:"shard"`
	Node          string        `json:"node"`
	AllocationID  string        `json:"allocation_id"`
	State         string        `json:"state"`
	Files         int           `json:"files"`
	Bytes         int64         `json:"bytes"`
	ThrottleNanos int64         `json:"throttle_ns"`
	Error         string        `json:"error,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at"`
}

// Append inserts one event.
func (l *EventLog) Append(e ReplicationEvent) error {
	_, err := l.db.Exec(`
		INSERT INTO replication_events (
			role, replication_id, shard, node, allocation_id, state,
			files, bytes, throttle_ns, error, started_at, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Role, int64(e.ReplicationID), e.Shard, e.Node, e.AllocationID, e.State,
		e.Files, e.Bytes, e.ThrottleNanos, e.Error, e.StartedAt, e.EndedAt,
	)
	return err
}

// Events returns the most recent events, newest first. A limit of zero or
// less returns all events.
func (l *EventLog) Events(ctx context.Context, limit int) ([]ReplicationEvent, error) {
	q := `
		SELECT role, replication_id, shard, node, allocation_id, state,
		       files, bytes, throttle_ns, error, started_at, ended_at
		FROM replication_events
		ORDER BY id DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var a []ReplicationEvent
	for rows.Next() {
		var e ReplicationEvent
		var id int64
		if err := rows.Scan(&e.Role, &id, &e.Shard, &e.Node, &e.AllocationID, &e.State,
			&e.Files, &e.Bytes, &e.ThrottleNanos, &e.Error, &e.StartedAt, &e.EndedAt); err != nil {
			return nil, err
		}
		e.ReplicationID = ReplicationID(id)
		a = append(a, e)
	}
	return a, rows.Err()
}
