package forecast

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowAdvanceIsValue(t *testing.T) {
	w := NewWindow([][]float64{{1, 10}, {2, 20}, {3, 30}})
	next := w.Advance([]float64{4, 40})

	assert.Equal(t, [][]float64{{1, 10}, {2, 20}, {3, 30}}, w.Rows(), "receiver unchanged")
	assert.Equal(t, [][]float64{{2, 20}, {3, 30}, {4, 40}}, next.Rows())
	assert.Equal(t, 3, next.Len())
	assert.Equal(t, []float64{4, 40}, next.Last())
}

func TestNewWindowCopiesRows(t *testing.T) {
	rows := [][]float64{{1, 2}}
	w := NewWindow(rows)
	rows[0][0] = 99
	assert.Equal(t, 1.0, w.Rows()[0][0])
}

func TestRollout(t *testing.T) {
	w := NewWindow([][]float64{{0.1, 5, 6}, {0.2, 7, 8}, {0.3, 9, 10}})
	held := []float64{9, 10}

	var seen [][][]float64
	predict := func(rows [][]float64) float64 {
		cp := make([][]float64, len(rows))
		for i, r := range rows {
			cp[i] = append([]float64(nil), r...)
		}
		seen = append(seen, cp)
		return rows[len(rows)-1][0] + 1
	}

	preds, err := rollout(context.Background(), w, 4, held, predict)
	require.NoError(t, err)
	assert.Equal(t, []float64{1.3, 2.3, 3.3, 4.3}, roundAll(preds))

	require.Len(t, seen, 4)
	for step, rows := range seen {
		assert.Len(t, rows, 3, "window length is fixed")
		if step == 0 {
			continue
		}
		last := rows[len(rows)-1]
		assert.InDelta(t, preds[step-1], last[0], 1e-12, "prediction fed back at step %d", step)
		assert.Equal(t, held, last[1:], "other columns held at step %d", step)
		assert.Equal(t, seen[step-1][1], rows[0], "oldest row dropped at step %d", step)
	}
	assert.Equal(t, [][]float64{{0.1, 5, 6}, {0.2, 7, 8}, {0.3, 9, 10}}, w.Rows())
}

func TestRolloutCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := rollout(ctx, NewWindow([][]float64{{1}}), 3, nil, func([][]float64) float64 { return 0 })
	assert.ErrorIs(t, err, context.Canceled)
}

func roundAll(vals []float64) []float64 {
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = float64(int(v*1e9+0.5)) / 1e9
	}
	return out
}

func TestMinMaxScaler(t *testing.T) {
	s := FitMinMax([][]float64{{0, 5}, {10, 5}, {5, 5}})

	assert.Equal(t, []float64{0.5, 0}, s.Transform([]float64{5, 5}))
	assert.Equal(t, []float64{1, 1}, s.Transform([]float64{10, 6}), "constant column shifted, not scaled")
	assert.InDelta(t, 7.5, s.Inverse(0, 0.75), 1e-12)
	assert.InDelta(t, 5, s.Inverse(1, 0), 1e-12)
}
