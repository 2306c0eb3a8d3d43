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
	"bufio"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"

	"golang.org/x/image/tiff"
)

// Reads a grayscale or RGB TIFF file into a new image. Bands are named after names if given,
// else B1, B2, B3. Pixel values are the raw digital numbers.
func NewImageFromTIFFFile(fileName string, names []string) (*Image, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, err := NewImageFromTIFF(bufio.NewReader(file), names)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}
	img.FileName = fileName
	return img, nil
}

// Decodes a grayscale or RGB TIFF stream into a new image
func NewImageFromTIFF(r io.Reader, names []string) (*Image, error) {
	t, err := tiff.Decode(r)
	if err != nil {
		return nil, err
	}

	bounds := t.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	channels := 3
	switch t.(type) {
	case *image.Gray, *image.Gray16:
		channels = 1
	case *image.RGBA, *image.NRGBA, *image.RGBA64, *image.NRGBA64:
	default:
		return nil, fmt.Errorf("unsupported TIFF color model %T", t)
	}
	if names != nil && len(names) != channels {
		return nil, fmt.Errorf("%d band names given for %d channel TIFF", len(names), channels)
	}

	f := NewImage(int32(width), int32(height))
	for c := 0; c < channels; c++ {
		name := fmt.Sprintf("B%d", c+1)
		if names != nil {
			name = names[c]
		}
		f.Bands = append(f.Bands, NewBand(name, width*height))
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			px, py := bounds.Min.X+x, bounds.Min.Y+y
			switch t := t.(type) {
			case *image.Gray:
				f.Bands[0].Data[i] = float32(t.GrayAt(px, py).Y)
			case *image.Gray16:
				f.Bands[0].Data[i] = float32(t.Gray16At(px, py).Y)
			case *image.RGBA:
				c := t.RGBAAt(px, py)
				f.setRGB(i, float32(c.R), float32(c.G), float32(c.B))
			case *image.NRGBA:
				c := t.NRGBAAt(px, py)
				f.setRGB(i, float32(c.R), float32(c.G), float32(c.B))
			case *image.RGBA64:
				c := t.RGBA64At(px, py)
				f.setRGB(i, float32(c.R), float32(c.G), float32(c.B))
			case *image.NRGBA64:
				c := t.NRGBA64At(px, py)
				f.setRGB(i, float32(c.R), float32(c.G), float32(c.B))
			}
		}
	}
	return f, nil
}

func (f *Image) setRGB(i int, r, g, b float32) {
	f.Bands[0].Data[i] = r
	f.Bands[1].Data[i] = g
	f.Bands[2].Data[i] = b
}

// Write one band to a 16-bit grayscale TIFF file, linearly mapping [min,max] to [0,65535].
func (f *Image) WriteMonoTIFF16ToFile(fileName, band string, min, max float32) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err = f.WriteMonoTIFF16(writer, band, min, max); err != nil {
		return err
	}
	return writer.Flush()
}

// Write one band to 16-bit grayscale TIFF, linearly mapping [min,max] to [0,65535].
// Masked pixels and NaNs are written as zero.
func (f *Image) WriteMonoTIFF16(writer io.Writer, band string, min, max float32) error {
	b, err := f.Band(band)
	if err != nil {
		return err
	}
	if !(max > min) {
		return fmt.Errorf("invalid TIFF value range [%g,%g]", min, max)
	}

	width, height := int(f.Width), int(f.Height)
	img := image.NewGray16(image.Rect(0, 0, width, height))
	scale := 1 / (max - min)
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			gray := (b.Data[yoffset+x] - min) * scale
			if !b.Mask[yoffset+x] || math.IsNaN(float64(gray)) || gray < 0 {
				gray = 0
			}
			if gray > 1 {
				gray = 1
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(gray * 65535)})
		}
	}

	return tiff.Encode(writer, img, &tiff.Options{Compression: tiff.Uncompressed, Predictor: false})
}
