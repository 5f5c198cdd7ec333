package store

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"github.com/wmkouw/CCTA2024-BIDconvection/model"
	"github.com/wmkouw/CCTA2024-BIDconvection/thermal"
	"gonum.org/v1/gonum/mat"
)

var ErrMalformedSeries = errors.New("malformed measurement series")

// SeriesHeader names the columns of a measurement series: time, one measured
// temperature per block, ambient temperature and one heater power per block.
var SeriesHeader = []string{"t", "y1", "y2", "y3", "ta", "q1", "q2", "q3"}

// WriteSeries writes one row per step. Missing measurements are written as
// NaN.
func WriteSeries(w io.Writer, ts []float64, ys, us []mat.Vector) error {
	if len(ts) != len(ys) || len(ts) != len(us) {
		return fmt.Errorf("%w: %d times, %d measurements, %d inputs", model.ErrDimensionMismatch, len(ts), len(ys), len(us))
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(SeriesHeader); err != nil {
		return err
	}
	row := make([]string, len(SeriesHeader))
	for k, t := range ts {
		if ys[k].Len() != thermal.NumBlocks || us[k].Len() != thermal.NumInputs {
			return fmt.Errorf("%w: row %d", model.ErrDimensionMismatch, k)
		}
		row[0] = format(t)
		for i := 0; i < thermal.NumBlocks; i++ {
			row[1+i] = format(ys[k].AtVec(i))
		}
		for i := 0; i < thermal.NumInputs; i++ {
			row[1+thermal.NumBlocks+i] = format(us[k].AtVec(i))
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func format(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ReadSeries parses a series written by WriteSeries. An empty measurement
// cell reads as NaN.
func ReadSeries(r io.Reader) (ts []float64, ys, us []mat.Vector, err error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(SeriesHeader)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil, nil, fmt.Errorf("%w: missing header", ErrMalformedSeries)
		}
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrMalformedSeries, err)
	}
	for i, name := range SeriesHeader {
		if header[i] != name {
			return nil, nil, nil, fmt.Errorf("%w: column %d is %q, expected %q", ErrMalformedSeries, i+1, header[i], name)
		}
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: %v", ErrMalformedSeries, err)
		}
		line, _ := cr.FieldPos(0)
		values := make([]float64, len(rec))
		for i, field := range rec {
			if field == "" && i >= 1 && i <= thermal.NumBlocks {
				values[i] = math.NaN()
				continue
			}
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("%w: line %d column %s: %v", ErrMalformedSeries, line, SeriesHeader[i], err)
			}
			values[i] = v
		}
		if len(ts) > 0 && !(values[0] > ts[len(ts)-1]) {
			return nil, nil, nil, fmt.Errorf("%w: line %d: time %v does not increase", ErrMalformedSeries, line, values[0])
		}
		ts = append(ts, values[0])
		ys = append(ys, mat.NewVecDense(thermal.NumBlocks, values[1:1+thermal.NumBlocks]))
		us = append(us, mat.NewVecDense(thermal.NumInputs, values[1+thermal.NumBlocks:]))
	}
	return ts, ys, us, nil
}
