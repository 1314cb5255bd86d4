package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lox/outbreakcast/internal/models"
)

// ErrSourceMissing is returned when an input file does not exist.
var ErrSourceMissing = errors.New("source missing")

var dateLayouts = []string{
	time.DateOnly,
	time.RFC3339,
	time.DateTime,
	"2006/01/02",
}

// ParseDate accepts a plain date or a timestamp and returns midnight UTC
// of its calendar day.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

func isMissing(cell string) bool {
	switch strings.ToLower(strings.TrimSpace(cell)) {
	case "", "na", "nan", "null", "none", "n/a":
		return true
	}
	return false
}

// ReadTableCSV reads a header-driven CSV file into a table. A missing file
// yields ErrSourceMissing.
func ReadTableCSV(path string) (*models.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSourceMissing, path)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	t, err := ParseTableCSV(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return t, nil
}

// ParseTableCSV parses CSV with a header row. The date and region columns
// become table keys when present; every other column must be numeric, with
// blank or NA cells read as missing.
func ParseTableCSV(r io.Reader) (*models.Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err == io.EOF {
		return &models.Table{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	dateIdx, regionIdx := -1, -1
	var metrics []int
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		header[i] = h
		switch h {
		case models.ColDate:
			dateIdx = i
		case models.ColRegion:
			regionIdx = i
		default:
			metrics = append(metrics, i)
		}
	}

	t := &models.Table{}
	if dateIdx >= 0 {
		t.Dates = []time.Time{}
	}
	if regionIdx >= 0 {
		t.Regions = []string{}
	}
	cols := make([][]float64, len(metrics))

	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if dateIdx >= 0 {
			d, err := ParseDate(rec[dateIdx])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			t.Dates = append(t.Dates, d)
		}
		if regionIdx >= 0 {
			t.Regions = append(t.Regions, strings.TrimSpace(rec[regionIdx]))
		}
		for j, idx := range metrics {
			v := math.NaN()
			if cell := rec[idx]; !isMissing(cell) {
				v, err = strconv.ParseFloat(strings.TrimSpace(cell), 64)
				if err != nil {
					return nil, fmt.Errorf("line %d column %s: %w", line, header[idx], err)
				}
			}
			cols[j] = append(cols[j], v)
		}
	}

	for j, idx := range metrics {
		if cols[j] == nil {
			cols[j] = []float64{}
		}
		t.SetColumn(header[idx], cols[j])
	}
	return t, nil
}
