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

package dii

import (
	"encoding/json"
	"fmt"

	"github.com/seabed-rs/shoals/internal/geometry"
	"github.com/seabed-rs/shoals/internal/ops"
	"github.com/seabed-rs/shoals/internal/raster"
)

// Replaces each input image with its depth-invariant index image. Takes n inputs, produces n outputs
type OpDII struct {
	ops.OpUnaryBase
	Scale           float64            `json:"scale"` // Sampling distance for the sand statistics, in ground units
	Sand            *geometry.Geometry `json:"sand,omitempty"`
	SandFile        string             `json:"sandFile,omitempty"`
	MaxPixels       int64              `json:"maxPixels"`
	BestEffort      bool               `json:"bestEffort"`
	AllowDegenerate bool               `json:"allowDegenerate"`

	sand *geometry.Geometry
}

func init() { ops.SetOperatorFactory(func() ops.Operator { return NewOpDIIDefault() }) } // register the operator for JSON decoding

func NewOpDIIDefault() *OpDII { return NewOpDII(10, nil, "") }

func NewOpDII(scale float64, sand *geometry.Geometry, sandFile string) *OpDII {
	op := OpDII{
		OpUnaryBase: ops.OpUnaryBase{OpBase: ops.OpBase{Type: "dii", Active: true}},
		Scale:       scale,
		Sand:        sand,
		SandFile:    sandFile,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return &op
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpDII) UnmarshalJSON(data []byte) error {
	type defaults OpDII
	def := defaults(*NewOpDIIDefault())
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*op = OpDII(def)
	op.OpUnaryBase.Apply = op.Apply // make method receiver point to op, not def
	return nil
}

// Resolves the sand geometry before any pixel is touched
func (op *OpDII) MakePromises(ins []ops.Promise, c *ops.Context) (outs []ops.Promise, err error) {
	if !op.Active {
		return ins, nil
	}
	if err = c.CheckPath(op.SandFile); err != nil {
		return nil, err
	}
	if op.sand, err = op.resolve(); err != nil {
		return nil, fmt.Errorf("%s operator: %w", op.Type, err)
	}
	if op.Scale < 0 {
		return nil, fmt.Errorf("%s operator: negative scale %g", op.Type, op.Scale)
	}
	return op.OpUnaryBase.MakePromises(ins, c)
}

func (op *OpDII) resolve() (*geometry.Geometry, error) {
	switch {
	case op.Sand != nil && op.SandFile != "":
		return nil, fmt.Errorf("both sand and sandFile given")
	case op.Sand != nil:
		return op.Sand, nil
	case op.SandFile != "":
		return geometry.ReadFile(op.SandFile)
	}
	return nil, fmt.Errorf("no sand geometry given")
}

func (op *OpDII) Apply(f *raster.Image, c *ops.Context) (result *raster.Image, err error) {
	sand := op.sand
	if sand == nil {
		if sand, err = op.resolve(); err != nil {
			return nil, err
		}
	}
	opts := c.RegionOptions(op.Scale, op.MaxPixels, op.BestEffort)
	result, coeffs, err := DII(f, sand, opts, op.AllowDegenerate, c.MaxThreads, c.Logger)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(c.Log, "%d: DII k12=%.6g k13=%.6g k23=%.6g a12=%.6g a13=%.6g a23=%.6g\n",
		f.ID, coeffs.K[0], coeffs.K[1], coeffs.K[2], coeffs.A[0], coeffs.A[1], coeffs.A[2])
	return result, nil
}
