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

// Package region reduces image bands over a geometry to joint statistics.
package region

import (
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/seabed-rs/shoals/internal/geometry"
	"github.com/seabed-rs/shoals/internal/raster"
	"github.com/seabed-rs/shoals/internal/stats"
)

// Returned when a reduction would exceed its pixel cap or memory budget
var ErrTooManyPixels = errors.New("too many pixels")

// Default cap on the number of pixels a reduction may use
const DefaultMaxPixels = int64(3e9)

// Bytes per sampled value
const bytesPerValue = 8

// Reduction parameters
type Options struct {
	Scale      float64 // Sampling distance in ground units. Zero or less samples every pixel
	MaxPixels  int64   // Cap on sampled pixels. Zero or less uses DefaultMaxPixels
	BestEffort bool    // Subsample instead of failing when the cap is exceeded
	MemoryMB   int     // Memory budget for the sample buffer in MiB. Zero or less is unlimited
}

// Sampling stride in pixels for the given scale, at least 1
func Stride(scale float64, gt raster.GeoTransform) int {
	size := gt.PixelSize()
	if scale <= 0 || size <= 0 {
		return 1
	}
	s := int(math.Round(scale / size))
	if s < 1 {
		s = 1
	}
	return s
}

// Computes joint statistics of the given bands over the pixels of img covered by the geometry
// and valid in all bands. A nil geometry covers the whole image.
func Reduce(img *raster.Image, bands []string, geom *geometry.Geometry, opts Options, maxThreads int, logger zerolog.Logger) (*stats.Region, error) {
	if err := img.RequireBands(bands...); err != nil {
		return nil, err
	}
	bs := make([]*raster.Band, len(bands))
	for i, name := range bands {
		bs[i], _ = img.Band(name)
	}

	width, height := int(img.Width), int(img.Height)
	var covered []bool
	if geom != nil {
		covered = geom.Rasterize(img.Geo, width, height, maxThreads)
	}
	stride := Stride(opts.Scale, img.Geo)

	// count candidates first to decide on subsampling
	candidate := func(i int) bool {
		if covered != nil && !covered[i] {
			return false
		}
		for _, b := range bs {
			if !b.Mask[i] {
				return false
			}
		}
		return true
	}
	numCandidates := int64(0)
	for row := 0; row < height; row += stride {
		for col := 0; col < width; col += stride {
			if candidate(row*width + col) {
				numCandidates++
			}
		}
	}

	keep, err := sampleCapacity(numCandidates, len(bands), opts, img.ID, logger)
	if err != nil {
		return nil, err
	}

	res := stats.NewReservoir(int(keep), len(bands))
	rowBuf := make([]float64, len(bands))
	for row := 0; row < height; row += stride {
		for col := 0; col < width; col += stride {
			i := row*width + col
			if !candidate(i) {
				continue
			}
			for j, b := range bs {
				rowBuf[j] = float64(b.Data[i])
			}
			res.Add(rowBuf)
		}
	}

	logger.Debug().Str("component", "region").Int("image", img.ID).Int("samples", res.Len()).
		Int("seen", res.Seen()).Msg("sampled region")
	m := res.Matrix()
	if m == nil {
		return nil, fmt.Errorf("%w: no valid pixels in region of image %d", stats.ErrDegenerateStatistics, img.ID)
	}
	return stats.NewRegion(bands, m, res.Seen())
}

// Number of samples to keep for the given candidate count, applying pixel cap and memory budget
func sampleCapacity(numCandidates int64, numBands int, opts Options, id int, logger zerolog.Logger) (int64, error) {
	maxPixels := opts.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	capacity := numCandidates
	if numCandidates > maxPixels {
		if !opts.BestEffort {
			return 0, fmt.Errorf("%w: region of image %d has %d pixels, maxPixels is %d", ErrTooManyPixels, id, numCandidates, maxPixels)
		}
		logger.Warn().Str("component", "region").Int("image", id).Int64("pixels", numCandidates).
			Int64("maxPixels", maxPixels).Msg("best effort: subsampling region")
		capacity = maxPixels
	}

	if opts.MemoryMB > 0 {
		memPixels := int64(opts.MemoryMB) * 1024 * 1024 / int64(numBands*bytesPerValue)
		if capacity > memPixels {
			if !opts.BestEffort {
				return 0, fmt.Errorf("%w: %d samples of image %d exceed memory budget of %d MiB", ErrTooManyPixels, capacity, id, opts.MemoryMB)
			}
			logger.Warn().Str("component", "region").Int("image", id).Int64("pixels", capacity).
				Int("memoryMB", opts.MemoryMB).Msg("best effort: subsampling region to fit memory")
			capacity = memPixels
		}
	}
	return capacity, nil
}
