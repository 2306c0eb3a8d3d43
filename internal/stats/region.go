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
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Joint statistics of several bands over the pixels of a region which are valid in all of them.
// Standard deviations divide by n and covariances by n-1. All statistics use the same
// pixels, so a pixel masked in one band is excluded from the statistics of every band.
type Region struct {
	Bands  []string      // Band names, in column order
	Count  int           // Number of samples the statistics are based on
	Seen   int           // Number of candidate pixels before subsampling
	Mean   []float64     // Per-band mean
	StdDev []float64     // Per-band population standard deviation
	Cov    *mat.SymDense // Sample covariance matrix
}

// Calculates region statistics from a sample matrix with one row per pixel and one column per band
func NewRegion(bands []string, samples *mat.Dense, seen int) (*Region, error) {
	rows, cols := samples.Dims()
	if cols != len(bands) {
		return nil, fmt.Errorf("%d sample columns for %d bands", cols, len(bands))
	}
	if rows < 2 {
		return nil, fmt.Errorf("%w: %d samples in region", ErrDegenerateStatistics, rows)
	}

	r := &Region{
		Bands:  append([]string(nil), bands...),
		Count:  rows,
		Seen:   seen,
		Mean:   make([]float64, cols),
		StdDev: make([]float64, cols),
		Cov:    mat.NewSymDense(cols, nil),
	}
	col := make([]float64, rows)
	for j := 0; j < cols; j++ {
		mat.Col(col, j, samples)
		mean, stdDev, err := MeanStdDev(col)
		if err != nil {
			return nil, err
		}
		r.Mean[j], r.StdDev[j] = mean, stdDev
	}
	stat.CovarianceMatrix(r.Cov, samples, nil)
	return r, nil
}

// Population variance of band i
func (r *Region) Variance(i int) float64 {
	return r.StdDev[i] * r.StdDev[i]
}

// Covariance of bands i and j
func (r *Region) Covariance(i, j int) float64 {
	return r.Cov.At(i, j)
}

// Coefficient of variation of band i, the ratio of standard deviation to mean
func (r *Region) CoefficientOfVariation(i int) float64 {
	if r.Mean[i] == 0 {
		return math.NaN()
	}
	return r.StdDev[i] / r.Mean[i]
}

func (r *Region) String() string {
	sb := strings.Builder{}
	fmt.Fprintf(&sb, "%d samples of %d", r.Count, r.Seen)
	for i, b := range r.Bands {
		fmt.Fprintf(&sb, " %s mean %.6g stddev %.6g", b, r.Mean[i], r.StdDev[i])
	}
	return sb.String()
}

// CSV header for the given band names, with mean, standard deviation and
// coefficient of variation per band followed by the upper covariance triangle
func RegionCSVHeader(bands []string) string {
	cols := []string{"Count", "Seen"}
	for _, b := range bands {
		cols = append(cols, b+"Mean", b+"StdDev", b+"CV")
	}
	for i := range bands {
		for j := i + 1; j < len(bands); j++ {
			cols = append(cols, "Cov"+bands[i]+bands[j])
		}
	}
	return strings.Join(cols, ",")
}

// CSV line item matching RegionCSVHeader
func (r *Region) ToCSVLine() string {
	cols := []string{fmt.Sprintf("%d", r.Count), fmt.Sprintf("%d", r.Seen)}
	for i := range r.Bands {
		cols = append(cols,
			fmt.Sprintf("%.6g", r.Mean[i]),
			fmt.Sprintf("%.6g", r.StdDev[i]),
			fmt.Sprintf("%.6g", r.CoefficientOfVariation(i)))
	}
	for i := range r.Bands {
		for j := i + 1; j < len(r.Bands); j++ {
			cols = append(cols, fmt.Sprintf("%.6g", r.Covariance(i, j)))
		}
	}
	return strings.Join(cols, ",")
}
