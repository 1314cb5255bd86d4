package forecast

// MinMaxScaler maps each column to [0, 1] over its training range. A
// column with zero range is shifted but not scaled.
type MinMaxScaler struct {
	Min []float64 `json:"min"`
	Max []float64 `json:"max"`
}

func FitMinMax(rows [][]float64) *MinMaxScaler {
	if len(rows) == 0 {
		return &MinMaxScaler{}
	}
	cols := len(rows[0])
	s := &MinMaxScaler{
		Min: append([]float64(nil), rows[0]...),
		Max: append([]float64(nil), rows[0]...),
	}
	for _, row := range rows[1:] {
		for j := 0; j < cols; j++ {
			s.Min[j] = min(s.Min[j], row[j])
			s.Max[j] = max(s.Max[j], row[j])
		}
	}
	return s
}

func (s *MinMaxScaler) scale(j int) float64 {
	r := s.Max[j] - s.Min[j]
	if r == 0 {
		return 1
	}
	return r
}

func (s *MinMaxScaler) Transform(row []float64) []float64 {
	out := make([]float64, len(row))
	for j, v := range row {
		out[j] = (v - s.Min[j]) / s.scale(j)
	}
	return out
}

// Inverse maps a scaled value of column j back to its original units.
func (s *MinMaxScaler) Inverse(j int, v float64) float64 {
	return v*s.scale(j) + s.Min[j]
}
