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

// Package land masks pixels covered by land polygons.
package land

import (
	"encoding/json"
	"fmt"

	"github.com/seabed-rs/shoals/internal/geometry"
	"github.com/seabed-rs/shoals/internal/ops"
	"github.com/seabed-rs/shoals/internal/raster"
)

// Masks all pixels of img whose centre lies inside the geometry or on its edge.
// Pixels already masked stay masked. An empty geometry leaves the masks unchanged.
func LandMask(img *raster.Image, g *geometry.Geometry, maxThreads int) (*raster.Image, error) {
	covered := g.Rasterize(img.Geo, int(img.Width), int(img.Height), maxThreads)
	keep := make([]bool, len(covered))
	for i, c := range covered {
		keep[i] = !c
	}
	return img.UpdateMask(keep)
}

// Masks land in each input image. The geometry is given inline or read from a GeoJSON file.
// Takes n inputs, produces n outputs
type OpLandMask struct {
	ops.OpUnaryBase
	Geometry *geometry.Geometry `json:"geometry,omitempty"`
	FileName string             `json:"fileName,omitempty"`

	geom *geometry.Geometry
}

func init() { ops.SetOperatorFactory(func() ops.Operator { return NewOpLandMaskDefault() }) } // register the operator for JSON decoding

func NewOpLandMaskDefault() *OpLandMask { return NewOpLandMask(nil, "") }

func NewOpLandMask(g *geometry.Geometry, fileName string) *OpLandMask {
	op := OpLandMask{
		OpUnaryBase: ops.OpUnaryBase{OpBase: ops.OpBase{Type: "landMask", Active: true}},
		Geometry:    g,
		FileName:    fileName,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return &op
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpLandMask) UnmarshalJSON(data []byte) error {
	type defaults OpLandMask
	def := defaults(*NewOpLandMaskDefault())
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*op = OpLandMask(def)
	op.OpUnaryBase.Apply = op.Apply // make method receiver point to op, not def
	return nil
}

// Resolves the geometry before any pixel is touched
func (op *OpLandMask) MakePromises(ins []ops.Promise, c *ops.Context) (outs []ops.Promise, err error) {
	if !op.Active {
		return ins, nil
	}
	if err = c.CheckPath(op.FileName); err != nil {
		return nil, err
	}
	if op.geom, err = op.resolve(); err != nil {
		return nil, fmt.Errorf("%s operator: %w", op.Type, err)
	}
	return op.OpUnaryBase.MakePromises(ins, c)
}

func (op *OpLandMask) resolve() (*geometry.Geometry, error) {
	switch {
	case op.Geometry != nil && op.FileName != "":
		return nil, fmt.Errorf("both geometry and fileName given")
	case op.Geometry != nil:
		return op.Geometry, nil
	case op.FileName != "":
		return geometry.ReadFile(op.FileName)
	}
	return geometry.Empty(), nil
}

func (op *OpLandMask) Apply(f *raster.Image, c *ops.Context) (result *raster.Image, err error) {
	g := op.geom
	if g == nil {
		if g, err = op.resolve(); err != nil {
			return nil, err
		}
	}
	if result, err = LandMask(f, g, c.MaxThreads); err != nil {
		return nil, err
	}
	if len(f.Bands) > 0 {
		fmt.Fprintf(c.Log, "%d: Land mask leaves %d of %d pixels valid in band %s\n",
			f.ID, result.Bands[0].Valid(), f.Pixels(), f.Bands[0].Name)
	}
	return result, nil
}
