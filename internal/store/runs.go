package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TrainingRun is one invocation of the training driver.
type TrainingRun struct {
	ID           string
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	Target       string
	Horizons     []int
	Regions      int
	Failures     int
	Success      bool
	ErrorMessage sql.NullString
}

// Failure is a per-region training or forecasting failure.
type Failure struct {
	Model   string
	Region  string
	Stage   string // "train", "forecast"
	Reason  string
	Message string
}

func joinInts(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func splitInts(s string) []int {
	var out []int
	for _, p := range strings.Split(s, ",") {
		if v, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// StartRun records a new training run and returns it.
func (s *Store) StartRun(ctx context.Context, target string, horizons []int) (*TrainingRun, error) {
	run := &TrainingRun{
		ID:        uuid.NewString(),
		StartedAt: s.clock.Now().UTC(),
		Target:    target,
		Horizons:  horizons,
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO training_runs (run_id, started_at, target, horizons, success)
			VALUES (?, ?, ?, ?, FALSE)
		`, run.ID, run.StartedAt, run.Target, joinInts(run.Horizons))
		return err
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// FinishRun records the outcome of a run.
func (s *Store) FinishRun(ctx context.Context, run *TrainingRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: s.clock.Now().UTC(), Valid: true}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE training_runs SET
				finished_at = ?,
				regions = ?,
				failures = ?,
				success = ?,
				error_message = ?
			WHERE run_id = ?
		`, run.FinishedAt, run.Regions, run.Failures, run.Success, run.ErrorMessage, run.ID)
		return err
	})
}

// RecordFailures stores per-region failures for a run.
func (s *Store) RecordFailures(ctx context.Context, runID string, failures []Failure) error {
	if len(failures) == 0 {
		return nil
	}
	now := s.clock.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO training_failures (run_id, model, region, stage, reason, message, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, f := range failures {
			if _, err := stmt.ExecContext(ctx, runID, f.Model, f.Region, f.Stage, f.Reason, f.Message, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetRun returns a run by id, or nil if it does not exist.
func (s *Store) GetRun(ctx context.Context, id string) (*TrainingRun, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, started_at, finished_at, target, horizons, regions, failures, success, error_message
		FROM training_runs WHERE run_id = ?
	`, id)

	var (
		r                 TrainingRun
		horizons          sql.NullString
		regions, failures sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Target, &horizons, &regions, &failures, &r.Success, &r.ErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Horizons = splitInts(horizons.String)
	r.Regions = int(regions.Int64)
	r.Failures = int(failures.Int64)
	return &r, nil
}

// RunFailures returns the failures recorded for a run, in insertion order.
func (s *Store) RunFailures(ctx context.Context, runID string) ([]Failure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, region, stage, reason, COALESCE(message, '')
		FROM training_failures
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Failure
	for rows.Next() {
		var f Failure
		if err := rows.Scan(&f.Model, &f.Region, &f.Stage, &f.Reason, &f.Message); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
