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

// Package geometry holds polygonal regions in the ground coordinates of a raster,
// decoded from GeoJSON, and rasterizes them to pixel coverage masks.
package geometry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/geojson"

	"github.com/seabed-rs/shoals/internal/raster"
)

// Returned for GeoJSON documents without polygonal content
var ErrNotPolygonal = errors.New("geometry is not polygonal")

// A set of polygons. The zero value is the empty geometry, which contains nothing.
type Geometry struct {
	polys geom.MultiPolygon
}

// Returns the empty geometry
func Empty() *Geometry {
	return &Geometry{}
}

// Returns the axis-aligned rectangle spanned by the two corners
func FromBounds(minX, minY, maxX, maxY float64) *Geometry {
	if minX > maxX {
		minX, maxX = maxX, minX
	}
	if minY > maxY {
		minY, maxY = maxY, minY
	}
	return &Geometry{polys: geom.MultiPolygon{geom.Polygon{geom.Path{
		{X: minX, Y: minY}, {X: maxX, Y: minY}, {X: maxX, Y: maxY}, {X: minX, Y: maxY}, {X: minX, Y: minY},
	}}}}
}

// Returns the footprint of a raster as a geometry
func FromGeoTransform(gt raster.GeoTransform, width, height int) *Geometry {
	return FromBounds(gt.OriginX, gt.OriginY, gt.OriginX+float64(width)*gt.PixelWidth, gt.OriginY+float64(height)*gt.PixelHeight)
}

// Reads a GeoJSON file
func ReadFile(fileName string) (*Geometry, error) {
	b, err := os.ReadFile(fileName)
	if err != nil {
		return nil, err
	}
	g, err := Decode(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fileName, err)
	}
	return g, nil
}

type envelope struct {
	Type       string            `json:"type"`
	Geometry   json.RawMessage   `json:"geometry"`
	Features   []json.RawMessage `json:"features"`
	Geometries []json.RawMessage `json:"geometries"`
}

// Decodes a GeoJSON Geometry, Feature, FeatureCollection or GeometryCollection.
// Only polygonal content is accepted. A null geometry or empty collection is the empty geometry.
func Decode(b []byte) (*Geometry, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}

	g := Empty()
	switch env.Type {
	case "Feature":
		if len(env.Geometry) == 0 || string(env.Geometry) == "null" {
			return g, nil
		}
		return Decode(env.Geometry)
	case "FeatureCollection", "GeometryCollection":
		parts := env.Features
		if env.Type == "GeometryCollection" {
			parts = env.Geometries
		}
		for i, raw := range parts {
			sub, err := Decode(raw)
			if err != nil {
				return nil, fmt.Errorf("%s member %d: %w", env.Type, i, err)
			}
			g.polys = append(g.polys, sub.polys...)
		}
		return g, nil
	case "Polygon", "MultiPolygon":
		gg, err := geojson.Decode(b)
		if err != nil {
			return nil, err
		}
		p, ok := gg.(geom.Polygonal)
		if !ok {
			return nil, fmt.Errorf("%w: decoded %T", ErrNotPolygonal, gg)
		}
		g.polys = append(g.polys, p.Polygons()...)
		return g, nil
	default:
		return nil, fmt.Errorf("%w: GeoJSON type '%s'", ErrNotPolygonal, env.Type)
	}
}

func (g *Geometry) MarshalJSON() ([]byte, error) {
	return geojson.Encode(g.polys)
}

func (g *Geometry) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*g = Geometry{}
		return nil
	}
	res, err := Decode(data)
	if err != nil {
		return err
	}
	*g = *res
	return nil
}

// True if the geometry contains no polygons
func (g *Geometry) IsEmpty() bool {
	return g == nil || len(g.polys) == 0
}

// Polygons of the geometry
func (g *Geometry) Polygons() []geom.Polygon {
	return g.polys
}

// Bounding box, or nil for the empty geometry
func (g *Geometry) Bounds() *geom.Bounds {
	if g.IsEmpty() {
		return nil
	}
	return g.polys.Bounds()
}

// True if the point lies inside one of the polygons or on its edge
func (g *Geometry) Contains(x, y float64) bool {
	if g.IsEmpty() {
		return false
	}
	return geom.Point{X: x, Y: y}.Within(g.polys) != geom.Outside
}

// Computes a pixel coverage mask for a raster with the given georeference and dimensions.
// A pixel is covered if its centre lies inside the geometry or on its edge.
// Only pixels within the bounding box of the geometry are tested.
func (g *Geometry) Rasterize(gt raster.GeoTransform, width, height, maxThreads int) []bool {
	mask := make([]bool, width*height)
	if g.IsEmpty() || width <= 0 || height <= 0 {
		return mask
	}

	b := g.Bounds()
	c0, r0 := gt.ToPixel(b.Min.X, b.Min.Y)
	c1, r1 := gt.ToPixel(b.Max.X, b.Max.Y)
	minCol, maxCol := pixelRange(c0, c1, width)
	minRow, maxRow := pixelRange(r0, r1, height)
	if minCol > maxCol || minRow > maxRow {
		return mask
	}

	rows := maxRow - minRow + 1
	raster.ApplyRangeFunction(rows, maxThreads, func(lower, upper int) {
		for row := minRow + lower; row < minRow+upper; row++ {
			for col := minCol; col <= maxCol; col++ {
				x, y := gt.PixelCenter(col, row)
				if g.Contains(x, y) {
					mask[row*width+col] = true
				}
			}
		}
	})
	return mask
}

// Inclusive range of pixel indices whose centres may fall between pixel coordinates a and b, clipped to [0,n)
func pixelRange(a, b float64, n int) (lo, hi int) {
	if a > b {
		a, b = b, a
	}
	lo = int(math.Max(0, math.Floor(a-0.5)))
	hi = int(math.Min(float64(n-1), math.Ceil(b-0.5)))
	return lo, hi
}
