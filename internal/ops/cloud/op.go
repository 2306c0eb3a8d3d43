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

package cloud

import (
	"encoding/json"
	"fmt"

	"github.com/seabed-rs/shoals/internal/ops"
	"github.com/seabed-rs/shoals/internal/raster"
)

// Masks cloudy pixels of each input image. Takes n inputs, produces n outputs
type OpCloudScore struct {
	ops.OpUnaryBase
	Satellite string  `json:"satellite"`
	Threshold float64 `json:"threshold"` // Pixels scoring at or above are masked. Lower masks more clouds
	KeepScore bool    `json:"keepScore"` // Also append the cloudScore band

	profile *Profile
}

func init() { ops.SetOperatorFactory(func() ops.Operator { return NewOpCloudScoreDefault() }) } // register the operator for JSON decoding

func NewOpCloudScoreDefault() *OpCloudScore { return NewOpCloudScore("Sentinel2", 20) }

func NewOpCloudScore(satellite string, threshold float64) *OpCloudScore {
	op := OpCloudScore{
		OpUnaryBase: ops.OpUnaryBase{OpBase: ops.OpBase{Type: "cloudScore", Active: true}},
		Satellite:   satellite,
		Threshold:   threshold,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return &op
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpCloudScore) UnmarshalJSON(data []byte) error {
	type defaults OpCloudScore
	def := defaults(*NewOpCloudScoreDefault())
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*op = OpCloudScore(def)
	op.OpUnaryBase.Apply = op.Apply // make method receiver point to op, not def
	return nil
}

// Resolves the satellite profile before any pixel is touched
func (op *OpCloudScore) MakePromises(ins []ops.Promise, c *ops.Context) (outs []ops.Promise, err error) {
	if !op.Active {
		return ins, nil
	}
	sat, err := ParseSatellite(op.Satellite)
	if err != nil {
		return nil, fmt.Errorf("%s operator: %w", op.Type, err)
	}
	if op.profile, err = ProfileOf(sat); err != nil {
		return nil, err
	}
	return op.OpUnaryBase.MakePromises(ins, c)
}

func (op *OpCloudScore) Apply(f *raster.Image, c *ops.Context) (result *raster.Image, err error) {
	p := op.profile
	if p == nil {
		sat, err := ParseSatellite(op.Satellite)
		if err != nil {
			return nil, err
		}
		if p, err = ProfileOf(sat); err != nil {
			return nil, err
		}
	}

	score, err := Score(p, f, c.MaxThreads)
	if err != nil {
		return nil, err
	}
	thresh := Threshold(op.Threshold)
	if result, err = ApplyThreshold(f, score, thresh, c.MaxThreads); err != nil {
		return nil, err
	}
	if op.KeepScore {
		if result, err = result.AddBands(score); err != nil {
			return nil, err
		}
	}

	mask, _ := result.Band(MaskBand)
	clear := 0
	for i, m := range mask.Mask {
		if m && mask.Data[i] == 1 {
			clear++
		}
	}
	fmt.Fprintf(c.Log, "%d: %s cloud score with threshold %d: %d of %d pixels clear (%.1f%%)\n",
		f.ID, p.Satellite, thresh, clear, f.Pixels(), 100*float64(clear)/float64(max(f.Pixels(), 1)))
	return result, nil
}
