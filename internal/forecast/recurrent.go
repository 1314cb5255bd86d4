package forecast

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rs/zerolog"
)

const (
	lstmDir        = "lstm_models"
	lstmSuffix     = "_model.json"
	lstmScalerFile = "scalers.json"
)

// Recurrent trains an LSTM per region over a sliding window of the target
// and every other numeric column.
type Recurrent struct {
	SequenceLength  int
	Hidden          int
	Epochs          int
	BatchSize       int
	Patience        int
	LearningRate    float64
	ValidationSplit float64
	MinWindows      int
	Seed            int64
	// Log receives warnings about saved models that cannot be restored.
	Log zerolog.Logger
}

// NewRecurrent returns a Recurrent strategy with the default settings.
func NewRecurrent() *Recurrent {
	return &Recurrent{
		SequenceLength:  14,
		Hidden:          32,
		Epochs:          100,
		BatchSize:       32,
		Patience:        10,
		LearningRate:    0.001,
		ValidationSplit: 0.2,
		MinWindows:      10,
		Seed:            42,
	}
}

func (r *Recurrent) Kind() Kind { return KindLSTM }

type recurrentModel struct {
	Target         string        `json:"target"`
	Features       []string      `json:"features"`
	SequenceLength int           `json:"sequence_length"`
	Net            *lstmNet      `json:"net"`
	Scaler         *MinMaxScaler `json:"-"`
}

// matrix returns the rows of s as [target, features...].
func matrix(s *Series, target string, features []string) ([][]float64, error) {
	names := append([]string{target}, features...)
	cols := make([][]float64, 0, len(names))
	for _, c := range names {
		vals, ok := s.Values(c)
		if !ok {
			return nil, fmt.Errorf("column %q absent", c)
		}
		cols = append(cols, vals)
	}
	rows := make([][]float64, s.Len())
	for i := range rows {
		row := make([]float64, len(cols))
		for j, col := range cols {
			v := col[i]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("non-finite %s at row %d", names[j], i)
			}
			row[j] = v
		}
		rows[i] = row
	}
	return rows, nil
}

func (r *Recurrent) seed(region string) int64 {
	h := fnv.New64a()
	h.Write([]byte(region))
	return r.Seed ^ int64(h.Sum64()&math.MaxInt64)
}

func (r *Recurrent) Fit(ctx context.Context, s *Series) (RegionModel, error) {
	if _, err := s.targetValues(); err != nil {
		return nil, err
	}
	var features []string
	for _, c := range s.Rows.Columns() {
		if c != s.Target {
			features = append(features, c)
		}
	}
	rows, err := matrix(s, s.Target, features)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTrainingFailure, err)
	}

	L := r.SequenceLength
	windows := len(rows) - L
	if windows < r.MinWindows {
		return nil, fmt.Errorf("%w: %d windows, need %d", ErrInsufficientData, max(windows, 0), r.MinWindows)
	}

	scaler := FitMinMax(rows)
	scaled := make([][]float64, len(rows))
	for i, row := range rows {
		scaled[i] = scaler.Transform(row)
	}
	xs := make([][][]float64, windows)
	ys := make([]float64, windows)
	for i := 0; i < windows; i++ {
		xs[i] = scaled[i : i+L]
		ys[i] = scaled[i+L][0]
	}

	split := int(float64(windows) * (1 - r.ValidationSplit))
	split = min(max(split, 1), windows)
	trainIdx := make([]int, split)
	for i := range trainIdx {
		trainIdx[i] = i
	}
	valIdx := make([]int, 0, windows-split)
	for i := split; i < windows; i++ {
		valIdx = append(valIdx, i)
	}
	if len(valIdx) == 0 {
		valIdx = trainIdx
	}

	rng := rand.New(rand.NewSource(r.seed(s.Region)))
	net := newLSTM(1+len(features), r.Hidden, rng)
	opt := newAdam(len(net.Params), r.LearningRate)
	grad := make([]float64, len(net.Params))

	loss := func(idx []int) float64 {
		var sum float64
		for _, i := range idx {
			d := net.predict(xs[i]) - ys[i]
			sum += d * d
		}
		return sum / float64(len(idx))
	}

	best := math.Inf(1)
	bestParams := slices.Clone(net.Params)
	stale := 0
	batch := max(r.BatchSize, 1)
	for epoch := 0; epoch < r.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rng.Shuffle(len(trainIdx), func(a, b int) { trainIdx[a], trainIdx[b] = trainIdx[b], trainIdx[a] })
		for start := 0; start < len(trainIdx); start += batch {
			end := min(start+batch, len(trainIdx))
			clear(grad)
			scale := 2 / float64(end-start)
			for _, i := range trainIdx[start:end] {
				y, steps := net.forward(xs[i])
				net.backward(steps, scale*(y-ys[i]), grad)
			}
			clipNorm(grad, 5)
			opt.step(net.Params, grad)
		}

		v := loss(valIdx)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: loss diverged at epoch %d", ErrTrainingFailure, epoch)
		}
		if v < best {
			best = v
			copy(bestParams, net.Params)
			stale = 0
		} else if stale++; stale >= r.Patience {
			break
		}
	}
	net.Params = bestParams

	return &recurrentModel{
		Target:         s.Target,
		Features:       features,
		SequenceLength: L,
		Net:            net,
		Scaler:         scaler,
	}, nil
}

// Forecast rolls the network forward from the last SequenceLength rows,
// holding the non-target features at their last observed values.
func (m *recurrentModel) Forecast(ctx context.Context, s *Series, horizon int) ([]Step, error) {
	if s.Len() < m.SequenceLength {
		return nil, fmt.Errorf("%w: %d rows, need %d", ErrInsufficientData, s.Len(), m.SequenceLength)
	}
	rows, err := matrix(s, m.Target, m.Features)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrForecastFailure, err)
	}
	recent := rows[len(rows)-m.SequenceLength:]
	scaled := make([][]float64, len(recent))
	for i, row := range recent {
		scaled[i] = m.Scaler.Transform(row)
	}
	w := NewWindow(scaled)

	preds, err := rollout(ctx, w, horizon, w.Last()[1:], m.Net.predict)
	if err != nil {
		return nil, err
	}
	out := make([]Step, len(preds))
	for i, p := range preds {
		out[i] = Step{Value: m.Scaler.Inverse(0, p)}
	}
	return out, nil
}

// Save replaces the saved model set. Models are written to a staging
// directory that is swapped in once complete, so regions dropped since the
// previous save leave no files behind.
func (r *Recurrent) Save(dir string, models map[string]RegionModel) error {
	base := filepath.Join(dir, lstmDir)
	staging := base + ".tmp"
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("clear %s: %w", staging, err)
	}
	scalers := make(map[string]*MinMaxScaler, len(models))
	for region, rm := range models {
		m, ok := rm.(*recurrentModel)
		if !ok {
			return fmt.Errorf("lstm save: region %s has %T", region, rm)
		}
		if err := writeJSON(filepath.Join(staging, url.PathEscape(region)+lstmSuffix), m); err != nil {
			return err
		}
		scalers[region] = m.Scaler
	}
	if err := writeJSON(filepath.Join(staging, lstmScalerFile), scalers); err != nil {
		return err
	}
	if err := os.RemoveAll(base); err != nil {
		return fmt.Errorf("remove %s: %w", base, err)
	}
	if err := os.Rename(staging, base); err != nil {
		return fmt.Errorf("rename %s: %w", staging, err)
	}
	return nil
}

func (r *Recurrent) Load(dir string) (map[string]RegionModel, error) {
	base := filepath.Join(dir, lstmDir)
	var scalers map[string]*MinMaxScaler
	if err := readJSON(filepath.Join(base, lstmScalerFile), &scalers); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", base, err)
	}

	out := make(map[string]RegionModel)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, lstmSuffix) {
			continue
		}
		region, err := url.PathUnescape(strings.TrimSuffix(name, lstmSuffix))
		if err != nil {
			return nil, fmt.Errorf("lstm load: bad model file name %q: %w", name, err)
		}
		var m recurrentModel
		if err := readJSON(filepath.Join(base, name), &m); err != nil {
			return nil, err
		}
		sc, ok := scalers[region]
		if !ok || sc == nil {
			r.Log.Warn().Str("region", region).Str("file", name).Msg("lstm model has no saved scaler, skipping")
			continue
		}
		width := 1 + len(m.Features)
		if m.Net == nil || m.Net.In != width || len(m.Net.Params) != lstmParamCount(m.Net.In, m.Net.Hidden) || len(sc.Min) != width || len(sc.Max) != width {
			return nil, fmt.Errorf("lstm load: region %s: inconsistent model state", region)
		}
		m.Scaler = sc
		out[region] = &m
	}
	return out, nil
}
