package forecast

import (
	"fmt"
	"math"
	"strconv"

	"github.com/sajari/regression"
	"gonum.org/v1/gonum/stat"
)

// fitOLS regresses y on the rows of x and returns the coefficients with
// the intercept first.
func fitOLS(y []float64, x [][]float64) ([]float64, error) {
	if len(x) != len(y) {
		return nil, fmt.Errorf("ols: %d observations but %d feature rows", len(y), len(x))
	}
	if len(y) == 0 {
		return nil, fmt.Errorf("ols: no observations")
	}
	vars := len(x[0])
	if vars == 0 {
		return []float64{stat.Mean(y, nil)}, nil
	}
	if len(y) <= vars+1 {
		return nil, fmt.Errorf("ols: %d observations for %d variables", len(y), vars)
	}

	var r regression.Regression
	r.SetObserved("y")
	for j := 0; j < vars; j++ {
		r.SetVar(j, "x"+strconv.Itoa(j))
	}
	for i := range y {
		row := make([]float64, vars)
		copy(row, x[i])
		r.Train(regression.DataPoint(y[i], row))
	}
	if err := r.Run(); err != nil {
		return nil, fmt.Errorf("ols: %w", err)
	}

	coef := r.GetCoeffs()
	if len(coef) != vars+1 {
		return nil, fmt.Errorf("ols: got %d coefficients, want %d", len(coef), vars+1)
	}
	for i, c := range coef {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, fmt.Errorf("ols: coefficient %d is not finite", i)
		}
	}
	return coef, nil
}

// predictLinear evaluates coef (intercept first) at x.
func predictLinear(coef, x []float64) float64 {
	v := coef[0]
	for j, xv := range x {
		v += coef[j+1] * xv
	}
	return v
}
