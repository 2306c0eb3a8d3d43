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
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Returned when a band is addressed by a name the image does not carry
var ErrMissingBand = errors.New("missing band")

// A single named band. Data is row-major with the dimensions of the owning image.
// Mask holds the per-pixel validity, true meaning valid.
type Band struct {
	Name string
	Data []float32
	Mask []bool
}

// Creates a band of given size with zero data and all pixels valid
func NewBand(name string, pixels int) *Band {
	b := &Band{
		Name: name,
		Data: make([]float32, pixels),
		Mask: make([]bool, pixels),
	}
	for i := range b.Mask {
		b.Mask[i] = true
	}
	return b
}

// Creates a band of given size with constant value and all pixels valid
func NewConstantBand(name string, pixels int, value float32) *Band {
	b := NewBand(name, pixels)
	for i := range b.Data {
		b.Data[i] = value
	}
	return b
}

// Returns a shallow copy under a new name. Data and mask are shared.
func (b *Band) Renamed(name string) *Band {
	return &Band{Name: name, Data: b.Data, Mask: b.Mask}
}

// Number of valid pixels
func (b *Band) Valid() int {
	n := 0
	for _, m := range b.Mask {
		if m {
			n++
		}
	}
	return n
}

// Maps pixel coordinates to ground coordinates. Origin is the outer corner of pixel (0,0).
// North-up rasters carry a negative PixelHeight.
type GeoTransform struct {
	OriginX     float64 `json:"originX"`
	OriginY     float64 `json:"originY"`
	PixelWidth  float64 `json:"pixelWidth"`
	PixelHeight float64 `json:"pixelHeight"`
}

// Identity mapping, pixel (col,row) has its centre at (col+0.5, row+0.5)
func IdentityGeoTransform() GeoTransform {
	return GeoTransform{OriginX: 0, OriginY: 0, PixelWidth: 1, PixelHeight: 1}
}

// Ground coordinates of the centre of the given pixel
func (g GeoTransform) PixelCenter(col, row int) (x, y float64) {
	return g.OriginX + (float64(col)+0.5)*g.PixelWidth, g.OriginY + (float64(row)+0.5)*g.PixelHeight
}

// Ground sample distance, the larger of the two pixel extents
func (g GeoTransform) PixelSize() float64 {
	return math.Max(math.Abs(g.PixelWidth), math.Abs(g.PixelHeight))
}

// Pixel coordinate of the given ground coordinate, possibly outside the image
func (g GeoTransform) ToPixel(x, y float64) (col, row float64) {
	return (x - g.OriginX) / g.PixelWidth, (y - g.OriginY) / g.PixelHeight
}

// A multi-band raster image with per-band masks
type Image struct {
	ID       int    // Sequential ID number, for log output
	FileName string // Original file name, if any, for log output

	Header Header // FITS header keys which are not interpreted otherwise

	Width  int32
	Height int32
	Bands  []*Band

	Geo   GeoTransform
	Props map[string]float64 // Numeric image properties, e.g. derived coefficients
}

// Creates an image of given dimensions without bands
func NewImage(width, height int32) *Image {
	return &Image{
		Header: NewHeader(),
		Width:  width,
		Height: height,
		Geo:    IdentityGeoTransform(),
		Props:  map[string]float64{},
	}
}

// Creates an image with the dimensions, ID, file name, georeference and properties of src, but no bands
func NewImageLike(src *Image) *Image {
	img := NewImage(src.Width, src.Height)
	img.ID = src.ID
	img.FileName = src.FileName
	img.Geo = src.Geo
	for k, v := range src.Props {
		img.Props[k] = v
	}
	return img
}

// Creates a single-band image with constant value, all pixels valid
func NewConstantImage(width, height int32, name string, value float32) *Image {
	img := NewImage(width, height)
	img.Bands = []*Band{NewConstantBand(name, int(width)*int(height), value)}
	return img
}

func (f *Image) Pixels() int {
	return int(f.Width) * int(f.Height)
}

func (f *Image) DimensionsToString() string {
	return fmt.Sprintf("%dx%dx%d", f.Width, f.Height, len(f.Bands))
}

func (f *Image) BandNames() []string {
	names := make([]string, len(f.Bands))
	for i, b := range f.Bands {
		names[i] = b.Name
	}
	return names
}

// Returns the band with the given name
func (f *Image) Band(name string) (*Band, error) {
	for _, b := range f.Bands {
		if b.Name == name {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w %s in image %d with bands %s", ErrMissingBand, name, f.ID, strings.Join(f.BandNames(), ","))
}

// Checks that all given bands are present, and reports all missing ones at once
func (f *Image) RequireBands(names ...string) error {
	var missing []string
	for _, name := range names {
		if _, err := f.Band(name); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w %s in image %d with bands %s", ErrMissingBand, strings.Join(missing, ","), f.ID, strings.Join(f.BandNames(), ","))
	}
	return nil
}

// Returns a new image with the given bands in the given order. Band data is shared.
func (f *Image) Select(names ...string) (*Image, error) {
	return f.SelectRename(names, nil)
}

// Returns a new image with the given bands, renamed to newNames if not nil. Band data is shared.
func (f *Image) SelectRename(names, newNames []string) (*Image, error) {
	if newNames != nil && len(newNames) != len(names) {
		return nil, fmt.Errorf("cannot rename %d bands to %d names", len(names), len(newNames))
	}
	if err := f.RequireBands(names...); err != nil {
		return nil, err
	}
	out := NewImageLike(f)
	for i, name := range names {
		b, _ := f.Band(name)
		if newNames != nil {
			b = b.Renamed(newNames[i])
		}
		out.Bands = append(out.Bands, b)
	}
	return out, nil
}

// Returns a new image with the given bands appended. Band names must be unique.
func (f *Image) AddBands(bands ...*Band) (*Image, error) {
	out := NewImageLike(f)
	out.Header = f.Header
	out.Bands = append(append([]*Band(nil), f.Bands...), bands...)
	seen := map[string]bool{}
	for _, b := range out.Bands {
		if len(b.Data) != f.Pixels() || len(b.Mask) != f.Pixels() {
			return nil, fmt.Errorf("band %s has %d pixels, image %d has %d", b.Name, len(b.Data), f.ID, f.Pixels())
		}
		if seen[b.Name] {
			return nil, fmt.Errorf("duplicate band %s in image %d", b.Name, f.ID)
		}
		seen[b.Name] = true
	}
	return out, nil
}

// Returns a new image where each band mask is the AND of its current mask and the given mask.
// Pixels already masked stay masked. Band data is shared, masks are new.
func (f *Image) UpdateMask(mask []bool) (*Image, error) {
	if len(mask) != f.Pixels() {
		return nil, fmt.Errorf("mask has %d pixels, image %d has %d", len(mask), f.ID, f.Pixels())
	}
	out := NewImageLike(f)
	out.Header = f.Header
	out.Bands = make([]*Band, len(f.Bands))
	for i, b := range f.Bands {
		m := make([]bool, len(mask))
		for j := range m {
			m[j] = b.Mask[j] && mask[j]
		}
		out.Bands[i] = &Band{Name: b.Name, Data: b.Data, Mask: m}
	}
	return out, nil
}

// Computes (a-b)/(a+b) into a new band. Pixels with a negative input are masked,
// pixels where both inputs are zero evaluate to zero.
func (f *Image) NormalizedDifference(a, b, name string) (*Band, error) {
	ba, err := f.Band(a)
	if err != nil {
		return nil, err
	}
	bb, err := f.Band(b)
	if err != nil {
		return nil, err
	}
	out := NewBand(name, f.Pixels())
	for i := range out.Data {
		va, vb := ba.Data[i], bb.Data[i]
		out.Mask[i] = ba.Mask[i] && bb.Mask[i] && va >= 0 && vb >= 0
		if sum := va + vb; sum != 0 {
			out.Data[i] = (va - vb) / sum
		}
	}
	return out, nil
}
