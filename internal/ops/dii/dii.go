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

// Package dii computes depth-invariant indices for shallow water bottom mapping.
// For a pair of bands i,j the ratio of attenuation coefficients k_ij is estimated from
// the band variances and covariance over a uniform bottom type, e.g. sand at varying depth,
// and DII_ij = ln(B_i) - k_ij*ln(B_j).
package dii

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/seabed-rs/shoals/internal/geometry"
	"github.com/seabed-rs/shoals/internal/ops"
	"github.com/seabed-rs/shoals/internal/raster"
	"github.com/seabed-rs/shoals/internal/region"
	"github.com/seabed-rs/shoals/internal/stats"
)

// Input bands, in order
var Bands = []string{"B1", "B2", "B3"}

// A band pair and its output band name
type Pair struct {
	I, J int
	Name string
}

// Output band pairs, in order
var Pairs = []Pair{{0, 1, "B1B2"}, {0, 2, "B1B3"}, {1, 2, "B2B3"}}

// Attenuation coefficients for the three band pairs, indexed like Pairs
type Coefficients struct {
	A  [3]float64 // (var_i - var_j) / (2 cov_ij)
	K  [3]float64 // Ratio of attenuation coefficients, a + sqrt(a*a+1)
	CV [3]float64 // Coefficient of variation per input band
}

// Estimates the coefficients from region statistics of B1, B2 and B3.
// Returns ErrDegenerateStatistics for zero covariances or non-finite coefficients,
// unless allowDegenerate is set, in which case the non-finite values are returned.
func Estimate(r *stats.Region, allowDegenerate bool) (*Coefficients, error) {
	c := &Coefficients{}
	for i := range Bands {
		c.CV[i] = r.CoefficientOfVariation(i)
	}
	var degenerate error
	for p, pair := range Pairs {
		cov := r.Covariance(pair.I, pair.J)
		a := (r.Variance(pair.I) - r.Variance(pair.J)) / (2 * cov)
		c.A[p] = a
		c.K[p] = a + math.Sqrt(a*a+1)
		if degenerate == nil && (cov == 0 || math.IsNaN(c.K[p]) || math.IsInf(c.K[p], 0)) {
			degenerate = fmt.Errorf("%w: pair %s has covariance %g and k=%g", ops.ErrDegenerateStatistics, pair.Name, cov, c.K[p])
		}
	}
	if degenerate != nil && !allowDegenerate {
		return nil, degenerate
	}
	return c, nil
}

// Writes the coefficients into image properties a12, k12, ..., cv1, cv2, cv3
func (c *Coefficients) ToProps(props map[string]float64) {
	for p, pair := range Pairs {
		suffix := fmt.Sprintf("%d%d", pair.I+1, pair.J+1)
		props["a"+suffix] = c.A[p]
		props["k"+suffix] = c.K[p]
	}
	for i := range Bands {
		props[fmt.Sprintf("cv%d", i+1)] = c.CV[i]
	}
}

// Computes the depth-invariant bands from the coefficients. Pixels with a non-positive
// value in either band of a pair are masked, as their logarithm is undefined.
func Apply(img *raster.Image, c *Coefficients, maxThreads int) (*raster.Image, error) {
	in, err := img.Select(Bands...)
	if err != nil {
		return nil, err
	}
	out := raster.NewImageLike(img)
	for p, pair := range Pairs {
		bi, bj := in.Bands[pair.I], in.Bands[pair.J]
		k := c.K[p]
		b := raster.NewBand(pair.Name, img.Pixels())
		raster.ApplyRangeFunction(img.Pixels(), maxThreads, func(lower, upper int) {
			for x := lower; x < upper; x++ {
				vi, vj := bi.Data[x], bj.Data[x]
				b.Mask[x] = bi.Mask[x] && bj.Mask[x] && vi > 0 && vj > 0
				if b.Mask[x] {
					b.Data[x] = float32(math.Log(float64(vi)) - k*math.Log(float64(vj)))
				}
			}
		})
		out.Bands = append(out.Bands, b)
	}
	c.ToProps(out.Props)
	return out, nil
}

// Computes the depth-invariant index image with bands B1B2, B1B3 and B2B3 from bands B1, B2 and B3
// of img, with coefficients estimated over the sand geometry at the given sampling scale.
func DII(img *raster.Image, sand *geometry.Geometry, opts region.Options, allowDegenerate bool, maxThreads int, logger zerolog.Logger) (*raster.Image, *Coefficients, error) {
	if err := img.RequireBands(Bands...); err != nil {
		return nil, nil, err
	}
	r, err := region.Reduce(img, Bands, sand, opts, maxThreads, logger)
	if err != nil {
		return nil, nil, err
	}
	c, err := Estimate(r, allowDegenerate)
	if err != nil {
		return nil, nil, err
	}
	for p, pair := range Pairs {
		if math.IsNaN(c.K[p]) || math.IsInf(c.K[p], 0) {
			logger.Warn().Str("component", "dii").Int("image", img.ID).Str("pair", pair.Name).
				Float64("a", c.A[p]).Msg("non-finite attenuation ratio, output band is not finite")
		}
	}
	out, err := Apply(img, c, maxThreads)
	if err != nil {
		return nil, nil, err
	}
	return out, c, nil
}
