package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event is one persisted progress event of a run.
type Event struct {
	ID        int64
	RunID     string
	Timestamp time.Time
	Progress  int
	Message   string
	JSON      string
}

// RecordEvent appends a progress event to a run. extrasJSON may be empty.
func (s *Store) RecordEvent(ctx context.Context, runID string, progress int, msg string, extrasJSON string) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return 0, errors.New("run id is required")
	}
	if progress < 0 || progress > 100 {
		return 0, fmt.Errorf("progress %d out of range", progress)
	}
	result, err := s.DB.ExecContext(ctx, `INSERT INTO events (run_id, ts, progress, msg, extras_json) VALUES (?, ?, ?, ?, ?)`,
		runID, formatTime(time.Now()), progress, msg, nullIfEmpty(extrasJSON))
	if err != nil {
		return 0, fmt.Errorf("insert event for run %s: %w", runID, err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event id for run %s: %w", runID, err)
	}
	return id, nil
}

// ListEventsByRun pages through a run's events in order, starting after afterID.
func (s *Store) ListEventsByRun(ctx context.Context, runID string, afterID int64, limit int) ([]Event, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, run_id, ts, progress, msg, extras_json
		FROM events WHERE run_id = ? AND id > ? ORDER BY id ASC LIMIT ?`, runID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return collectEvents(rows, false)
}

// ListEventsByRunTail returns the last limit events of a run, oldest first.
func (s *Store) ListEventsByRunTail(ctx context.Context, runID string, limit int) ([]Event, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, errors.New("run id is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT id, run_id, ts, progress, msg, extras_json
		FROM events WHERE run_id = ? ORDER BY id DESC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events tail: %w", err)
	}
	return collectEvents(rows, true)
}

func collectEvents(rows *sql.Rows, reverse bool) ([]Event, error) {
	defer rows.Close()
	var out []Event
	for rows.Next() {
		ev, err := scanEventRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	if reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func scanEventRow(scanner interface{ Scan(dest ...any) error }) (Event, error) {
	var ev Event
	var ts string
	var msg sql.NullString
	var extras sql.NullString
	if err := scanner.Scan(&ev.ID, &ev.RunID, &ts, &ev.Progress, &msg, &extras); err != nil {
		return Event{}, err
	}
	if ts != "" {
		parsed, err := parseTime(ts)
		if err != nil {
			return Event{}, fmt.Errorf("parse event ts: %w", err)
		}
		ev.Timestamp = parsed
	}
	ev.Message = msg.String
	ev.JSON = extras.String
	return ev, nil
}
