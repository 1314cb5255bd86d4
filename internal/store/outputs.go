package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lox/outbreakcast/internal/models"
)

// ErrNoRun is returned when no completed run has outputs for a horizon.
var ErrNoRun = errors.New("no stored run")

// SaveForecasts stores the forecast points a run produced for a horizon.
func (s *Store) SaveForecasts(ctx context.Context, runID string, horizon int, points []models.ForecastPoint) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO forecasts (run_id, model, region, horizon_days, step, date, value, lower, upper)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, model, region, horizon_days, step) DO UPDATE SET
				date = excluded.date,
				value = excluded.value,
				lower = excluded.lower,
				upper = excluded.upper
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, p := range points {
			if _, err := stmt.ExecContext(ctx, runID, p.Model, p.Region, horizon, p.Horizon,
				models.DateKey(p.Date), p.Value, p.Lower, p.Upper); err != nil {
				return fmt.Errorf("insert forecast %s/%s step %d: %w", p.Model, p.Region, p.Horizon, err)
			}
		}
		return nil
	})
}

// latestRun returns the newest successful run with rows in table for the
// given horizon.
func (s *Store) latestRun(ctx context.Context, table string, horizon int) (string, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT r.run_id FROM training_runs r
		WHERE r.success = TRUE
		  AND EXISTS (SELECT 1 FROM %s o WHERE o.run_id = r.run_id AND o.horizon_days = ?)
		ORDER BY r.started_at DESC
		LIMIT 1
	`, table), horizon).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w with %s for %d-day horizon", ErrNoRun, table, horizon)
	}
	return runID, err
}

// LatestForecasts returns the forecasts of the newest successful run for a
// horizon, ordered by model, region and step.
func (s *Store) LatestForecasts(ctx context.Context, horizon int) (string, []models.ForecastPoint, error) {
	runID, err := s.latestRun(ctx, "forecasts", horizon)
	if err != nil {
		return "", nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT model, region, step, date, value, lower, upper FROM forecasts
		WHERE run_id = ? AND horizon_days = ?
		ORDER BY model, region, step
	`, runID, horizon)
	if err != nil {
		return "", nil, err
	}
	defer rows.Close()

	var points []models.ForecastPoint
	for rows.Next() {
		var (
			p   models.ForecastPoint
			day string
		)
		if err := rows.Scan(&p.Model, &p.Region, &p.Horizon, &day, &p.Value, &p.Lower, &p.Upper); err != nil {
			return "", nil, err
		}
		if p.Date, err = time.Parse(time.DateOnly, day); err != nil {
			return "", nil, fmt.Errorf("stored date %q: %w", day, err)
		}
		points = append(points, p)
	}
	return runID, points, rows.Err()
}

// SaveEvaluations stores one model's evaluation records for a horizon.
func (s *Store) SaveEvaluations(ctx context.Context, runID, model string, horizon int, recs []models.EvaluationRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO evaluations (run_id, model, region, horizon_days, step, mae, rmse, mape, crps)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, model, region, horizon_days, step) DO UPDATE SET
				mae = excluded.mae,
				rmse = excluded.rmse,
				mape = excluded.mape,
				crps = excluded.crps
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range recs {
			if _, err := stmt.ExecContext(ctx, runID, model, r.Region, horizon, r.Horizon,
				finite(r.MAE), finite(r.RMSE), finite(r.MAPE), finite(r.CRPS)); err != nil {
				return fmt.Errorf("insert evaluation %s/%s step %d: %w", model, r.Region, r.Horizon, err)
			}
		}
		return nil
	})
}

// Evaluations returns the stored evaluation records of a run, keyed by model.
func (s *Store) Evaluations(ctx context.Context, runID string, horizon int) (map[string][]models.EvaluationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model, region, step, mae, rmse, mape, crps FROM evaluations
		WHERE run_id = ? AND horizon_days = ?
		ORDER BY model, region, step
	`, runID, horizon)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]models.EvaluationRecord)
	for rows.Next() {
		var (
			model                 string
			r                     models.EvaluationRecord
			mae, rmse, mape, crps sql.NullFloat64
		)
		if err := rows.Scan(&model, &r.Region, &r.Horizon, &mae, &rmse, &mape, &crps); err != nil {
			return nil, err
		}
		r.MAE, r.RMSE, r.MAPE, r.CRPS = orNaN(mae), orNaN(rmse), orNaN(mape), orNaN(crps)
		out[model] = append(out[model], r)
	}
	return out, rows.Err()
}

// SaveRisk stores risk assessments for a horizon.
func (s *Store) SaveRisk(ctx context.Context, runID string, horizon int, recs []models.RiskRecord) error {
	now := s.clock.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO risk_assessments (run_id, model, region, horizon_days, max_forecast, historical_avg,
				historical_std, outbreak_threshold, risk_probability, risk_level, assessed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, model, region, horizon_days) DO UPDATE SET
				max_forecast = excluded.max_forecast,
				historical_avg = excluded.historical_avg,
				historical_std = excluded.historical_std,
				outbreak_threshold = excluded.outbreak_threshold,
				risk_probability = excluded.risk_probability,
				risk_level = excluded.risk_level,
				assessed_at = excluded.assessed_at
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range recs {
			if _, err := stmt.ExecContext(ctx, runID, r.Model, r.Region, horizon, finite(r.MaxForecast), finite(r.HistoricalAvg),
				finite(r.HistoricalStd), finite(r.OutbreakThreshold), r.RiskProbability, string(r.RiskLevel), now); err != nil {
				return fmt.Errorf("insert risk %s/%s: %w", r.Model, r.Region, err)
			}
		}
		return nil
	})
}

// LatestRisk returns the risk assessments of the newest successful run for
// a horizon, ordered by region then model.
func (s *Store) LatestRisk(ctx context.Context, horizon int) (string, []models.RiskRecord, error) {
	runID, err := s.latestRun(ctx, "risk_assessments", horizon)
	if err != nil {
		return "", nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT model, region, max_forecast, historical_avg, historical_std, outbreak_threshold,
			risk_probability, risk_level
		FROM risk_assessments
		WHERE run_id = ? AND horizon_days = ?
		ORDER BY region, model
	`, runID, horizon)
	if err != nil {
		return "", nil, err
	}
	defer rows.Close()

	var recs []models.RiskRecord
	for rows.Next() {
		var (
			r                         models.RiskRecord
			level                     string
			peak, avg, std, threshold sql.NullFloat64
		)
		if err := rows.Scan(&r.Model, &r.Region, &peak, &avg, &std, &threshold, &r.RiskProbability, &level); err != nil {
			return "", nil, err
		}
		r.MaxForecast, r.HistoricalAvg, r.HistoricalStd, r.OutbreakThreshold = orNaN(peak), orNaN(avg), orNaN(std), orNaN(threshold)
		r.RiskLevel = models.RiskLevel(level)
		recs = append(recs, r)
	}
	return runID, recs, rows.Err()
}
