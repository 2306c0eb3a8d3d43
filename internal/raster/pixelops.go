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

package raster

import (
	"runtime"
)

//////////////////////////////////////////////////////////////////
// CPU-limited pixel operations. Parallelized across CPUs
//////////////////////////////////////////////////////////////////

// A function over the half-open pixel index range [lower, upper). For parallelization across CPUs.
type RangeFunction func(lower, upper int)

// A pixel function on a slice of band data and mask. Operates in-place.
type PixelFunction func(data []float32, mask []bool, params interface{})

// Apply given range function to [0, pixels). Splits into 8*maxThreads work packages
// and runs at most maxThreads of them at once. maxThreads<=0 uses all available CPUs.
func ApplyRangeFunction(pixels, maxThreads int, rf RangeFunction) {
	if maxThreads <= 0 {
		maxThreads = runtime.GOMAXPROCS(0)
	}
	if pixels <= 0 {
		return
	}

	numBatches := 8 * maxThreads
	batchSize := (pixels + numBatches - 1) / numBatches
	sem := make(chan bool, maxThreads)
	for lower := 0; lower < pixels; lower += batchSize {
		upper := lower + batchSize
		if upper > pixels {
			upper = pixels
		}

		sem <- true
		go func(lower, upper int) {
			rf(lower, upper)
			<-sem
		}(lower, upper)
	}

	for i := 0; i < cap(sem); i++ { // wait for goroutines to finish
		sem <- true
	}
}

// Apply given pixel function to a band. Operates in-place.
func (b *Band) ApplyPixelFunction(maxThreads int, pf PixelFunction, args interface{}) {
	ApplyRangeFunction(len(b.Data), maxThreads, func(lower, upper int) {
		pf(b.Data[lower:upper], b.Mask[lower:upper], args)
	})
}

type pfScaleOffsetArgs struct {
	Scale  float32
	Offset float32
}

func pfScaleOffset(data []float32, mask []bool, params interface{}) {
	p := params.(pfScaleOffsetArgs)
	for i, d := range data {
		data[i] = d*p.Scale + p.Offset
	}
}

// Applies x*scale+offset to all pixels of the band. Operates in-place
func (b *Band) ApplyScaleOffset(maxThreads int, scale, offset float32) {
	b.ApplyPixelFunction(maxThreads, pfScaleOffset, pfScaleOffsetArgs{scale, offset})
}

type pfMaskValueArgs struct {
	Value float32
}

func pfMaskValue(data []float32, mask []bool, params interface{}) {
	v := params.(pfMaskValueArgs).Value
	for i, d := range data {
		if d == v {
			mask[i] = false
		}
	}
}

// Masks all pixels of the band carrying the given no-data value. Operates in-place
func (b *Band) MaskValue(maxThreads int, value float32) {
	b.ApplyPixelFunction(maxThreads, pfMaskValue, pfMaskValueArgs{value})
}
