// Copyright (C) 2020 Markus L. Noga, 2024 The Shoals Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package stats

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Returned when a statistic is undefined for the given data, e.g. too few samples or zero covariance
var ErrDegenerateStatistics = errors.New("degenerate statistics")

// Basic statistics on a masked band
type Basic struct {
	Min    float64 // Minimum
	Max    float64 // Maximum
	Mean   float64 // Mean (average)
	StdDev float64 // Sample standard deviation

	Valid int // Number of valid pixels
	Total int // Number of pixels
}

// Pretty print basic stats to string
func (s *Basic) String() string {
	return fmt.Sprintf("Min %.6g Max %.6g Mean %.6g StdDev %.6g Valid %d/%d",
		s.Min, s.Max, s.Mean, s.StdDev, s.Valid, s.Total)
}

// Pretty print basic stats to CSV header
func (s *Basic) ToCSVHeader() string {
	return "Min,Max,Mean,StdDev,Valid,Total"
}

// Pretty print basic stats to CSV line item
func (s *Basic) ToCSVLine() string {
	return fmt.Sprintf("%.6g,%.6g,%.6g,%.6g,%d,%d", s.Min, s.Max, s.Mean, s.StdDev, s.Valid, s.Total)
}

// Calculate basic statistics over the valid pixels of a band. With no valid pixels
// all values are NaN, with a single one the standard deviation is NaN.
func CalcBasic(data []float32, mask []bool) *Basic {
	xs := make([]float64, 0, len(data))
	for i, d := range data {
		if mask[i] {
			xs = append(xs, float64(d))
		}
	}
	s := &Basic{Valid: len(xs), Total: len(data)}
	if len(xs) == 0 {
		nan := math.NaN()
		s.Min, s.Max, s.Mean, s.StdDev = nan, nan, nan, nan
		return s
	}
	s.Min, s.Max = floats.Min(xs), floats.Max(xs)
	if len(xs) == 1 {
		s.Mean, s.StdDev = xs[0], math.NaN()
		return s
	}
	s.Mean, s.StdDev = stat.MeanStdDev(xs, nil)
	return s
}

// Mean and population standard deviation, dividing by n. Needs at least two values
func MeanStdDev(xs []float64) (mean, stdDev float64, err error) {
	if len(xs) < 2 {
		return math.NaN(), math.NaN(), fmt.Errorf("%w: %d samples", ErrDegenerateStatistics, len(xs))
	}
	mean, stdDev = stat.PopMeanStdDev(xs, nil)
	return mean, stdDev, nil
}
