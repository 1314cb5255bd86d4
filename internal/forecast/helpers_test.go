package forecast

import (
	"math"
	"math/rand"
	"time"

	"github.com/lox/outbreakcast/internal/models"
)

const target = "cases_cases"

var epoch = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

// synthetic builds n daily rows for a region with a weekly case pattern,
// a gentle upward drift and a temperature regressor.
func synthetic(tb *models.Table, region string, n int, seed int64) *models.Table {
	if tb == nil {
		tb = models.NewTable(target, "weather_temperature")
	}
	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < n; i++ {
		cases := 100 + 20*math.Sin(2*math.Pi*float64(i)/7) + 0.5*float64(i) + rng.NormFloat64()
		temp := 20 + 5*math.Sin(2*math.Pi*float64(i)/365) + rng.NormFloat64()
		tb.AppendRow(epoch.AddDate(0, 0, i), region, map[string]float64{
			target:                cases,
			"weather_temperature": temp,
		})
	}
	return tb
}

func seriesOf(tb *models.Table, region string) *Series {
	return &Series{Region: region, Target: target, Rows: tb.Take(tb.RegionRows()[region])}
}

// fromValues builds a single-region series from target values.
func fromValues(region string, vals []float64) *Series {
	tb := models.NewTable(target)
	for i, v := range vals {
		tb.AppendRow(epoch.AddDate(0, 0, i), region, map[string]float64{target: v})
	}
	return &Series{Region: region, Target: target, Rows: tb}
}

func smallRecurrent() *Recurrent {
	r := NewRecurrent()
	r.Hidden = 4
	r.Epochs = 5
	r.BatchSize = 16
	return r
}
