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

// Package export writes per-image statistics to CSV files.
package export

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/seabed-rs/shoals/internal/geometry"
	"github.com/seabed-rs/shoals/internal/ops"
	"github.com/seabed-rs/shoals/internal/raster"
	"github.com/seabed-rs/shoals/internal/region"
	"github.com/seabed-rs/shoals/internal/stats"
)

// Appends region statistics of each image to a CSV file: per-band mean, standard deviation
// and coefficient of variation, and band covariances. Passes images through unchanged.
// Takes n inputs, produces n outputs
type OpRegionStats struct {
	ops.OpUnaryBase
	FileName   string             `json:"fileName"`
	Bands      []string           `json:"bands"`
	Region     *geometry.Geometry `json:"region,omitempty"` // Whole image if nil
	RegionFile string             `json:"regionFile,omitempty"`
	Scale      float64            `json:"scale"`
	MaxPixels  int64              `json:"maxPixels"`
	BestEffort bool               `json:"bestEffort"`

	mutex  sync.Mutex
	file   *os.File
	writer *bufio.Writer
	geom   *geometry.Geometry
}

func init() { ops.SetOperatorFactory(func() ops.Operator { return NewOpRegionStatsDefault() }) } // register the operator for JSON decoding

func NewOpRegionStatsDefault() *OpRegionStats { return NewOpRegionStats("stats.csv", nil) }

func NewOpRegionStats(fileName string, bands []string) *OpRegionStats {
	if bands == nil {
		bands = []string{"B1", "B2", "B3"}
	}
	op := &OpRegionStats{
		OpUnaryBase: ops.OpUnaryBase{OpBase: ops.OpBase{Type: "regionStats", Active: true}},
		FileName:    fileName,
		Bands:       bands,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return op
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpRegionStats) UnmarshalJSON(data []byte) error {
	def := NewOpRegionStatsDefault()
	aux := struct {
		FileName   *string            `json:"fileName"`
		Bands      []string           `json:"bands"`
		Region     *geometry.Geometry `json:"region"`
		RegionFile string             `json:"regionFile"`
		Scale      float64            `json:"scale"`
		MaxPixels  int64              `json:"maxPixels"`
		BestEffort bool               `json:"bestEffort"`
		Active     *bool              `json:"active"`
	}{}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.FileName != nil {
		def.FileName = *aux.FileName
	}
	if aux.Bands != nil {
		def.Bands = aux.Bands
	}
	if aux.Active != nil {
		def.Active = *aux.Active
	}
	def.Region, def.RegionFile = aux.Region, aux.RegionFile
	def.Scale, def.MaxPixels, def.BestEffort = aux.Scale, aux.MaxPixels, aux.BestEffort

	op.OpUnaryBase = def.OpUnaryBase
	op.FileName, op.Bands, op.Region, op.RegionFile = def.FileName, def.Bands, def.Region, def.RegionFile
	op.Scale, op.MaxPixels, op.BestEffort = def.Scale, def.MaxPixels, def.BestEffort
	op.OpUnaryBase.Apply = op.Apply // make method receiver point to op, not def
	return nil
}

// Resolves the region and opens the output file before any pixel is touched
func (op *OpRegionStats) MakePromises(ins []ops.Promise, c *ops.Context) (outs []ops.Promise, err error) {
	if !op.Active {
		return ins, nil
	}
	if op.FileName == "" || len(op.Bands) == 0 {
		return nil, fmt.Errorf("%s operator needs fileName and bands", op.Type)
	}
	for _, p := range []string{op.FileName, op.RegionFile} {
		if err = c.CheckPath(p); err != nil {
			return nil, err
		}
	}
	switch {
	case op.Region != nil && op.RegionFile != "":
		return nil, fmt.Errorf("%s operator: both region and regionFile given", op.Type)
	case op.Region != nil:
		op.geom = op.Region
	case op.RegionFile != "":
		if op.geom, err = geometry.ReadFile(op.RegionFile); err != nil {
			return nil, fmt.Errorf("%s operator: %w", op.Type, err)
		}
	}
	return op.OpUnaryBase.MakePromises(ins, c)
}

func (op *OpRegionStats) Apply(f *raster.Image, c *ops.Context) (result *raster.Image, err error) {
	r, err := region.Reduce(f, op.Bands, op.geom, c.RegionOptions(op.Scale, op.MaxPixels, op.BestEffort), c.MaxThreads, c.Logger)
	if err != nil {
		return nil, err
	}

	op.mutex.Lock()         // lock so a single thread is active
	defer op.mutex.Unlock() // always release lock on exit

	if op.writer == nil {
		if err = op.writeHeader(c); err != nil {
			return nil, err
		}
	}
	fmt.Fprintf(c.Log, "%d: writing region statistics to file %s ...\n", f.ID, op.FileName)
	fmt.Fprintf(op.writer, "%d,%s,%s\n", f.ID, csvEscape(f.FileName), r.ToCSVLine())
	if err = op.writer.Flush(); err != nil {
		return nil, err
	}
	return f, nil
}

func (op *OpRegionStats) writeHeader(c *ops.Context) (err error) {
	fmt.Fprintf(c.Log, "Writing statistics header to file %s ...\n", op.FileName)
	op.file, err = os.Create(op.FileName)
	if err != nil {
		return fmt.Errorf("error creating file %s: %s", op.FileName, err.Error())
	}
	op.writer = bufio.NewWriter(op.file)
	fmt.Fprintf(op.writer, "ID,FileName,%s\n", stats.RegionCSVHeader(op.Bands))
	return nil
}

// Closes the output file. Further images start a new file
func (op *OpRegionStats) Close() error {
	op.mutex.Lock()
	defer op.mutex.Unlock()
	if op.file == nil {
		return nil
	}
	err := op.writer.Flush()
	if cerr := op.file.Close(); err == nil {
		err = cerr
	}
	op.file, op.writer = nil, nil
	return err
}

func csvEscape(s string) string {
	if !strings.ContainsAny(s, ",\"\n") {
		return s
	}
	return "\"" + strings.ReplaceAll(s, "\"", "\"\"") + "\""
}
