package align

import (
	"math"
	"sort"
)

// quantile returns the q-th quantile (0-1) using linear interpolation
// between closest ranks. NaN values are ignored; all-NaN input yields NaN.
func quantile(values []float64, q float64) float64 {
	sorted := finiteSorted(values)
	if len(sorted) == 0 {
		return math.NaN()
	}
	return quantileSorted(sorted, q)
}

func quantileSorted(sorted []float64, q float64) float64 {
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	index := q * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

func median(values []float64) float64 {
	return quantile(values, 0.5)
}

// tukeyFences returns the outlier bounds Q1-1.5*IQR and Q3+1.5*IQR.
func tukeyFences(values []float64) (lower, upper float64) {
	sorted := finiteSorted(values)
	if len(sorted) == 0 {
		return math.Inf(-1), math.Inf(1)
	}
	q1 := quantileSorted(sorted, 0.25)
	q3 := quantileSorted(sorted, 0.75)
	iqr := q3 - q1
	return q1 - 1.5*iqr, q3 + 1.5*iqr
}

func finiteSorted(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			out = append(out, v)
		}
	}
	sort.Float64s(out)
	return out
}
