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

// Package cloud scores pixels of atmospherically corrected optical imagery for cloudiness
// with per-satellite brightness, temperature and snow indicators, and masks cloudy pixels.
package cloud

import (
	"fmt"
	"math"

	"github.com/seabed-rs/shoals/internal/expr"
	"github.com/seabed-rs/shoals/internal/raster"
)

// Name of the appended band, 1 for clear and 0 for cloudy pixels
const MaskBand = "cloudMask"

// Name of the score band
const ScoreBand = "cloudScore"

// Evaluates exp on img and linearly rescales the result with (x-lo)/(hi-lo).
// A reversed range with lo>hi makes low values score high.
func Rescale(img *raster.Image, exp string, thresholds [2]float64, maxThreads int) (*raster.Band, error) {
	return rescaleWith(img, exp, "rescale", maxThreads, func(x float64) float64 {
		return expr.Rescale(x, thresholds[0], thresholds[1])
	})
}

// Evaluates exp on img and rescales the result with (x+lo)/(hi+lo)
func RescaleThr(img *raster.Image, exp string, thresholds [2]float64, maxThreads int) (*raster.Band, error) {
	return rescaleWith(img, exp, "rescaleThr", maxThreads, func(x float64) float64 {
		return expr.RescaleThr(x, thresholds[0], thresholds[1])
	})
}

func rescaleWith(img *raster.Image, exp, name string, maxThreads int, fn func(float64) float64) (*raster.Band, error) {
	prog, err := expr.Compile(exp)
	if err != nil {
		return nil, err
	}
	return rescaleProgram(img, prog, name, maxThreads, fn)
}

// Single-band program for the snow index image
var bareImage = expr.MustCompile("img")

func rescaleProgram(img *raster.Image, prog *expr.Program, name string, maxThreads int, fn func(float64) float64) (*raster.Band, error) {
	b, err := prog.Eval(img, name, maxThreads)
	if err != nil {
		return nil, err
	}
	b.ApplyPixelFunction(maxThreads, func(data []float32, mask []bool, params interface{}) {
		for i, d := range data {
			data[i] = float32(fn(float64(d)))
		}
	}, nil)
	return b, nil
}

// Computes the cloud score band of an image for the given satellite profile.
// The score is the minimum of all rescaled indicators and the rescaled snow index,
// capped at 1, times 100 and converted to byte. Pixels masked in any input are masked.
func Score(p *Profile, img *raster.Image, maxThreads int) (*raster.Band, error) {
	if err := img.RequireBands(p.Bands...); err != nil {
		return nil, err
	}

	score := raster.NewConstantBand(ScoreBand, img.Pixels(), 1)
	for _, ind := range p.Indicators {
		r, err := Rescale(img, ind.Expr, [2]float64{ind.Lo, ind.Hi}, maxThreads)
		if err != nil {
			return nil, err
		}
		minInto(score, r, maxThreads)
	}

	ndsi, err := img.NormalizedDifference(p.NDSIGreen, p.NDSISWIR, "ndsi")
	if err != nil {
		return nil, err
	}
	ndsiImg := raster.NewImageLike(img)
	ndsiImg.Bands = []*raster.Band{ndsi}
	r, err := rescaleProgram(ndsiImg, bareImage, "rescale", maxThreads, func(x float64) float64 {
		return expr.Rescale(x, ndsiRange[0], ndsiRange[1])
	})
	if err != nil {
		return nil, err
	}
	minInto(score, r, maxThreads)

	raster.ApplyRangeFunction(img.Pixels(), maxThreads, func(lower, upper int) {
		for i := lower; i < upper; i++ {
			score.Data[i] = ToByte(score.Data[i] * 100)
		}
	})
	return score, nil
}

// Sets dst to the pixelwise minimum of dst and src, ANDing the masks
func minInto(dst, src *raster.Band, maxThreads int) {
	raster.ApplyRangeFunction(len(dst.Data), maxThreads, func(lower, upper int) {
		for i := lower; i < upper; i++ {
			if src.Data[i] < dst.Data[i] {
				dst.Data[i] = src.Data[i]
			}
			dst.Mask[i] = dst.Mask[i] && src.Mask[i]
		}
	})
}

// Converts to byte range, truncating toward zero and clamping to [0,255]. NaN maps to 0
func ToByte(v float32) float32 {
	if math.IsNaN(float64(v)) || v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return float32(math.Trunc(float64(v)))
}

// Normalizes a cloud threshold: truncated to an integer and clamped to [0,100]
func Threshold(cloudThresh float64) int {
	if math.IsNaN(cloudThresh) || cloudThresh <= 0 {
		return 0
	}
	if cloudThresh >= 100 {
		return 100
	}
	return int(cloudThresh)
}

// Scores img for clouds and masks every pixel with score >= cloudThresh in all bands.
// Returns a new image with the band cloudMask appended, 1 for clear and 0 for cloudy pixels.
func CloudScore6S(sat Satellite, img *raster.Image, cloudThresh float64, maxThreads int) (*raster.Image, error) {
	p, err := ProfileOf(sat)
	if err != nil {
		return nil, err
	}
	score, err := Score(p, img, maxThreads)
	if err != nil {
		return nil, err
	}
	return ApplyThreshold(img, score, Threshold(cloudThresh), maxThreads)
}

// Builds the cloud mask from a score band, masks the image with it and appends it
func ApplyThreshold(img *raster.Image, score *raster.Band, thresh int, maxThreads int) (*raster.Image, error) {
	cloudMask := raster.NewBand(MaskBand, img.Pixels())
	clear := make([]bool, img.Pixels())
	t := float32(thresh)
	raster.ApplyRangeFunction(img.Pixels(), maxThreads, func(lower, upper int) {
		for i := lower; i < upper; i++ {
			if score.Data[i] < t {
				cloudMask.Data[i] = 1
			}
			cloudMask.Mask[i] = score.Mask[i]
			clear[i] = score.Mask[i] && cloudMask.Data[i] == 1
		}
	})

	masked, err := img.UpdateMask(clear)
	if err != nil {
		return nil, err
	}
	if _, err := masked.Band(MaskBand); err == nil {
		return nil, fmt.Errorf("image %d already has a %s band", img.ID, MaskBand)
	}
	return masked.AddBands(cloudMask)
}
