package forecast

import (
	"context"
	"slices"
)

// Window is a fixed-length sequence of feature rows, oldest first. It is a
// value: Advance returns a new window and leaves the receiver unchanged.
type Window struct {
	rows [][]float64
}

// NewWindow copies rows into a window.
func NewWindow(rows [][]float64) Window {
	w := Window{rows: make([][]float64, len(rows))}
	for i, r := range rows {
		w.rows[i] = slices.Clone(r)
	}
	return w
}

func (w Window) Len() int { return len(w.rows) }

// Rows exposes the window contents. Callers must not modify them.
func (w Window) Rows() [][]float64 { return w.rows }

func (w Window) Last() []float64 {
	if len(w.rows) == 0 {
		return nil
	}
	return w.rows[len(w.rows)-1]
}

// Advance drops the oldest row and appends row.
func (w Window) Advance(row []float64) Window {
	next := make([][]float64, 0, len(w.rows))
	if len(w.rows) > 0 {
		next = append(next, w.rows[1:]...)
	}
	next = append(next, slices.Clone(row))
	return Window{rows: next}
}

// rollout predicts horizon steps autoregressively. After each step the
// prediction becomes column 0 of a new row whose other columns are held
// at the given values.
func rollout(ctx context.Context, w Window, horizon int, held []float64, predict func([][]float64) float64) ([]float64, error) {
	preds := make([]float64, 0, horizon)
	for step := 0; step < horizon; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next := predict(w.Rows())
		preds = append(preds, next)

		row := make([]float64, 1+len(held))
		row[0] = next
		copy(row[1:], held)
		w = w.Advance(row)
	}
	return preds, nil
}
