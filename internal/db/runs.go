package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clawup/clawup/internal/models"
)

// RunResult is the terminal state written by FinishRun.
type RunResult struct {
	Status       models.RunStatus
	AccessURL    string
	TokenHash    string
	Error        string
	WarningsJSON string
	FinishedAt   time.Time
}

// CreateRun inserts a new run record.
func (s *Store) CreateRun(ctx context.Context, run models.Run) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	if strings.TrimSpace(run.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(run.Host) == "" {
		return errors.New("run host is required")
	}
	if run.Status == "" {
		run.Status = models.RunRunning
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO runs (
		id, host, port, username, environment, provider, status, access_url, token_hash, error, warnings_json, created_at, updated_at, finished_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Host,
		run.Port,
		run.Username,
		nullIfEmpty(run.Environment),
		nullIfEmpty(run.Provider),
		string(run.Status),
		nullIfEmpty(run.AccessURL),
		nullIfEmpty(run.TokenHash),
		nullIfEmpty(run.Error),
		nullIfEmpty(run.WarningsJSON),
		formatTime(run.CreatedAt),
		formatTime(run.UpdatedAt),
		nullTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun loads a run by id. It returns sql.ErrNoRows when the run does not exist.
func (s *Store) GetRun(ctx context.Context, id string) (models.Run, error) {
	if s == nil || s.DB == nil {
		return models.Run{}, errors.New("db store is nil")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return models.Run{}, errors.New("run id is required")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return scanRunRow(row)
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]models.Run, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("db store is nil")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []models.Run
	for rows.Next() {
		run, err := scanRunRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// FinishRun records the terminal state of a run. Finishing an unknown run
// returns sql.ErrNoRows.
func (s *Store) FinishRun(ctx context.Context, id string, res RunResult) error {
	if s == nil || s.DB == nil {
		return errors.New("db store is nil")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("run id is required")
	}
	switch res.Status {
	case models.RunSucceeded, models.RunFailed:
	default:
		return fmt.Errorf("run status %q is not terminal", res.Status)
	}
	if res.FinishedAt.IsZero() {
		res.FinishedAt = time.Now().UTC()
	}
	finished := formatTime(res.FinishedAt)
	result, err := s.DB.ExecContext(ctx, `UPDATE runs SET status = ?, access_url = ?, token_hash = ?, error = ?, warnings_json = ?, updated_at = ?, finished_at = ?
		WHERE id = ?`,
		string(res.Status),
		nullIfEmpty(res.AccessURL),
		nullIfEmpty(res.TokenHash),
		nullIfEmpty(res.Error),
		nullIfEmpty(res.WarningsJSON),
		finished,
		finished,
		id,
	)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run %s: %w", id, err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// FailInterruptedRuns marks runs left RUNNING by a previous daemon process as
// FAILED with reason and returns how many were updated.
func (s *Store) FailInterruptedRuns(ctx context.Context, reason string, at time.Time) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	ts := formatTime(at)
	result, err := s.DB.ExecContext(ctx, `UPDATE runs SET status = ?, error = ?, updated_at = ?, finished_at = ? WHERE status = ?`,
		string(models.RunFailed), nullIfEmpty(reason), ts, ts, string(models.RunRunning))
	if err != nil {
		return 0, fmt.Errorf("fail interrupted runs: %w", err)
	}
	return result.RowsAffected()
}

const runColumns = `id, host, port, username, environment, provider, status, access_url, token_hash, error, warnings_json, created_at, updated_at, finished_at`

func scanRunRow(scanner interface{ Scan(dest ...any) error }) (models.Run, error) {
	var run models.Run
	var status string
	var environment, provider, accessURL, tokenHash, runErr, warnings sql.NullString
	var createdAt, updatedAt string
	var finishedAt sql.NullString
	if err := scanner.Scan(
		&run.ID,
		&run.Host,
		&run.Port,
		&run.Username,
		&environment,
		&provider,
		&status,
		&accessURL,
		&tokenHash,
		&runErr,
		&warnings,
		&createdAt,
		&updatedAt,
		&finishedAt,
	); err != nil {
		return models.Run{}, err
	}
	run.Status = models.RunStatus(status)
	run.Environment = environment.String
	run.Provider = provider.String
	run.AccessURL = accessURL.String
	run.TokenHash = tokenHash.String
	run.Error = runErr.String
	run.WarningsJSON = warnings.String
	var err error
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return models.Run{}, fmt.Errorf("parse run created_at: %w", err)
	}
	if run.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return models.Run{}, fmt.Errorf("parse run updated_at: %w", err)
	}
	if finishedAt.Valid && finishedAt.String != "" {
		parsed, err := parseTime(finishedAt.String)
		if err != nil {
			return models.Run{}, fmt.Errorf("parse run finished_at: %w", err)
		}
		run.FinishedAt = &parsed
	}
	return run, nil
}

func nullTime(value *time.Time) any {
	if value == nil || value.IsZero() {
		return nil
	}
	return formatTime(*value)
}
