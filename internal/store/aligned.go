package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/lox/outbreakcast/internal/models"
)

// SaveAligned replaces the stored aligned table. Values are kept in long
// form, one row per (date, region, metric); missing values are not stored.
func (s *Store) SaveAligned(ctx context.Context, t *models.Table) error {
	if !t.HasDate() {
		return &models.SchemaError{Op: "save aligned", Column: models.ColDate}
	}
	if !t.HasRegion() {
		return &models.SchemaError{Op: "save aligned", Column: models.ColRegion}
	}

	cols := t.Columns()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM aligned_values"); err != nil {
			return fmt.Errorf("clear aligned values: %w", err)
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO aligned_values (date, region, metric, value) VALUES (?, ?, ?, ?)
			ON CONFLICT(date, region, metric) DO UPDATE SET value = excluded.value
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i := 0; i < t.Len(); i++ {
			day := models.DateKey(t.Dates[i])
			for _, c := range cols {
				v := t.Value(c, i)
				if math.IsNaN(v) || math.IsInf(v, 0) {
					continue
				}
				if _, err := stmt.ExecContext(ctx, day, t.Regions[i], c, v); err != nil {
					return fmt.Errorf("insert %s/%s/%s: %w", day, t.Regions[i], c, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info().Int("rows", t.Len()).Int("columns", len(cols)).Msg("saved aligned table")
	return nil
}

// LoadAligned rebuilds the aligned table, ordered by region then date, with
// metric columns in name order.
func (s *Store) LoadAligned(ctx context.Context) (*models.Table, error) {
	metrics, err := s.alignedMetrics(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT date, region, metric, value FROM aligned_values
		ORDER BY region, date, metric
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type key struct {
		day    string
		region string
	}
	var (
		order []key
		vals  = make(map[key]map[string]float64)
	)
	for rows.Next() {
		var (
			k      key
			metric string
			v      float64
		)
		if err := rows.Scan(&k.day, &k.region, &metric, &v); err != nil {
			return nil, err
		}
		row, ok := vals[k]
		if !ok {
			row = make(map[string]float64)
			vals[k] = row
			order = append(order, k)
		}
		row[metric] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	t := models.NewTable(metrics...)
	for _, k := range order {
		d, err := time.Parse(time.DateOnly, k.day)
		if err != nil {
			return nil, fmt.Errorf("stored date %q: %w", k.day, err)
		}
		t.AppendRow(d, k.region, vals[k])
	}
	return t, nil
}

func (s *Store) alignedMetrics(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT metric FROM aligned_values ORDER BY metric")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
