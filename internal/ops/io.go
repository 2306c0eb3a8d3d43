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

package ops

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/seabed-rs/shoals/internal/raster"
	"github.com/seabed-rs/shoals/internal/stats"
)

// Load a single image from a single filename. Takes zero inputs, produces one output.
// Raw digital numbers are converted with value*Scale+Offset, NoData values are masked first.
type OpLoad struct {
	OpBase
	ID        int      `json:"id"`
	FileName  string   `json:"fileName"`
	BandNames []string `json:"bandNames,omitempty"` // Optional renaming of the bands, in file order
	Scale     float32  `json:"scale"`
	Offset    float32  `json:"offset"`
	NoData    *float32 `json:"noData,omitempty"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpLoadDefault() }) } // register the operator for JSON decoding

func NewOpLoadDefault() *OpLoad { return NewOpLoad(0, "") }

func NewOpLoad(id int, fileName string) *OpLoad {
	return &OpLoad{
		OpBase:   OpBase{Type: "load", Active: true},
		ID:       id,
		FileName: fileName,
		Scale:    1,
	}
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpLoad) UnmarshalJSON(data []byte) error {
	type defaults OpLoad
	def := defaults(*NewOpLoadDefault())
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*op = OpLoad(def)
	return nil
}

// Load image from a file. Ignores any inputs provided
func (op *OpLoad) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	if len(ins) > 0 {
		return nil, fmt.Errorf("%s operator with non-zero input", op.Type)
	}
	if err := c.CheckPath(op.FileName); err != nil {
		return nil, err
	}

	out := func() (f *raster.Image, err error) {
		// no inputs to materialize
		f, err = op.Apply(nil, c)
		return f, NewOpError(op.Type, op.ID, err)
	}
	return []Promise{out}, nil
}

func (op *OpLoad) Apply(f *raster.Image, c *Context) (result *raster.Image, err error) {
	f, err = raster.NewImageFromFile(op.FileName, op.ID, c.Log)
	if err != nil {
		return nil, err
	}
	if op.BandNames != nil {
		if f, err = f.SelectRename(f.BandNames(), op.BandNames); err != nil {
			return nil, err
		}
	}
	for _, b := range f.Bands {
		if op.NoData != nil {
			b.MaskValue(c.MaxThreads, *op.NoData)
		}
		if op.Scale != 1 || op.Offset != 0 {
			b.ApplyScaleOffset(c.MaxThreads, op.Scale, op.Offset)
		}
	}

	warning := ""
	for _, b := range f.Bands {
		if s := stats.CalcBasic(b.Data, b.Mask); s.Valid > 0 && s.Max-s.Min < 1e-8 {
			warning = "; WARNING low dynamic range in band " + b.Name
			break
		}
	}
	fmt.Fprintf(c.Log, "%d: Loaded %s image with bands %s from %s%s\n",
		f.ID, f.DimensionsToString(), strings.Join(f.BandNames(), ","), f.FileName, warning)
	return f, nil
}

// Load many images from a slice of filename patterns with wildcards.
// Takes zero inputs, produces n outputs
type OpLoadMany struct {
	OpBase
	FilePatterns []string `json:"filePatterns"`
	BandNames    []string `json:"bandNames,omitempty"`
	Scale        float32  `json:"scale"`
	Offset       float32  `json:"offset"`
	NoData       *float32 `json:"noData,omitempty"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpLoadManyDefault() }) } // register the operator for JSON decoding

func NewOpLoadManyDefault() *OpLoadMany { return NewOpLoadMany(nil) }

func NewOpLoadMany(filePatterns []string) *OpLoadMany {
	return &OpLoadMany{
		OpBase:       OpBase{Type: "loadMany", Active: true},
		FilePatterns: filePatterns,
		Scale:        1,
	}
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpLoadMany) UnmarshalJSON(data []byte) error {
	type defaults OpLoadMany
	def := defaults(*NewOpLoadManyDefault())
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*op = OpLoadMany(def)
	return nil
}

// Turn filename wildcards into list of file load operators
func (op *OpLoadMany) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	if len(ins) > 0 {
		return nil, fmt.Errorf("%s operator with non-zero input", op.Type)
	}
	for _, pattern := range op.FilePatterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		for _, match := range matches {
			if c.RestrictPaths && !isPathAllowed(match) {
				fmt.Fprintf(c.Log, "Pattern match outside current directory tree, skipping\n")
				continue
			}
			opLoad := NewOpLoad(len(outs), match)
			opLoad.BandNames, opLoad.Scale, opLoad.Offset, opLoad.NoData = op.BandNames, op.Scale, op.Offset, op.NoData
			promises, err := opLoad.MakePromises(nil, c)
			if err != nil {
				return nil, err
			}
			outs = append(outs, promises[0])
		}
	}
	if len(outs) == 0 {
		return nil, fmt.Errorf("%s operator with no files to load from pattern %v", op.Type, op.FilePatterns)
	}
	fmt.Fprintf(c.Log, "Found %d files.\n", len(outs))
	return outs, nil
}

// Stacks single-band files into one multi-band image, e.g. one GeoTIFF per satellite band.
// Takes zero inputs, produces one output
type OpLoadBands struct {
	OpBase
	ID        int               `json:"id"`
	Files     map[string]string `json:"files"` // band name to file name
	BandOrder []string          `json:"bandOrder,omitempty"`
	Scale     float32           `json:"scale"`
	Offset    float32           `json:"offset"`
	NoData    *float32          `json:"noData,omitempty"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpLoadBandsDefault() }) } // register the operator for JSON decoding

func NewOpLoadBandsDefault() *OpLoadBands { return NewOpLoadBands(0, nil) }

func NewOpLoadBands(id int, files map[string]string) *OpLoadBands {
	return &OpLoadBands{
		OpBase: OpBase{Type: "loadBands", Active: true},
		ID:     id,
		Files:  files,
		Scale:  1,
	}
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpLoadBands) UnmarshalJSON(data []byte) error {
	type defaults OpLoadBands
	def := defaults(*NewOpLoadBandsDefault())
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*op = OpLoadBands(def)
	return nil
}

// Band names in output order: BandOrder if given, else sorted by name
func (op *OpLoadBands) order() []string {
	if op.BandOrder != nil {
		return op.BandOrder
	}
	names := make([]string, 0, len(op.Files))
	for name := range op.Files {
		names = append(names, name)
	}
	sortBandNames(names)
	return names
}

func (op *OpLoadBands) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	if len(ins) > 0 {
		return nil, fmt.Errorf("%s operator with non-zero input", op.Type)
	}
	if len(op.Files) == 0 {
		return nil, fmt.Errorf("%s operator without files", op.Type)
	}
	for _, name := range op.order() {
		fileName, ok := op.Files[name]
		if !ok {
			return nil, fmt.Errorf("%s operator: no file for band %s", op.Type, name)
		}
		if err := c.CheckPath(fileName); err != nil {
			return nil, err
		}
	}

	out := func() (f *raster.Image, err error) {
		f, err = op.Apply(nil, c)
		return f, NewOpError(op.Type, op.ID, err)
	}
	return []Promise{out}, nil
}

func (op *OpLoadBands) Apply(f *raster.Image, c *Context) (result *raster.Image, err error) {
	for _, name := range op.order() {
		load := NewOpLoad(op.ID, op.Files[name])
		load.Scale, load.Offset, load.NoData = op.Scale, op.Offset, op.NoData
		b, err := load.Apply(nil, c)
		if err != nil {
			return nil, err
		}
		if len(b.Bands) != 1 {
			return nil, fmt.Errorf("band %s: file %s has %d bands, want 1", name, op.Files[name], len(b.Bands))
		}
		if result == nil {
			result = raster.NewImageLike(b)
			result.FileName = op.Files[name]
		} else if b.Width != result.Width || b.Height != result.Height {
			return nil, fmt.Errorf("band %s: file %s has size %dx%d, want %dx%d", name, op.Files[name], b.Width, b.Height, result.Width, result.Height)
		}
		if result, err = result.AddBands(b.Bands[0].Renamed(name)); err != nil {
			return nil, err
		}
	}
	fmt.Fprintf(c.Log, "%d: Stacked %s image with bands %s\n", result.ID, result.DimensionsToString(), strings.Join(result.BandNames(), ","))
	return result, nil
}

// Saves given promise under a given filename, with pattern expansion for %d based on the image id.
// FITS files get all bands, TIFF files the single band TIFFBand mapped from [TIFFMin,TIFFMax].
// Takes one input, produces one output (the materialized but unchanged input)
type OpSave struct {
	OpUnaryBase
	FilePattern string  `json:"filePattern"`
	TIFFBand    string  `json:"tiffBand,omitempty"`
	TIFFMin     float32 `json:"tiffMin"`
	TIFFMax     float32 `json:"tiffMax"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpSaveDefault() }) } // register the operator for JSON decoding

func NewOpSaveDefault() *OpSave { return NewOpSave("") }

func NewOpSave(filenamePattern string) *OpSave {
	op := OpSave{
		OpUnaryBase: OpUnaryBase{OpBase: OpBase{Type: "save", Active: filenamePattern != ""}},
		FilePattern: filenamePattern,
		TIFFMin:     0,
		TIFFMax:     1,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return &op
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpSave) UnmarshalJSON(data []byte) error {
	type defaults OpSave
	def := defaults(*NewOpSaveDefault())
	def.Active = true
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*op = OpSave(def)
	op.OpUnaryBase.Apply = op.Apply // make method receiver point to op, not def
	return nil
}

// Expands %d in the file pattern with the image ID
func (op *OpSave) FileName(f *raster.Image) string {
	if strings.Contains(op.FilePattern, "%d") {
		return fmt.Sprintf(op.FilePattern, f.ID)
	}
	return op.FilePattern
}

func (op *OpSave) Apply(f *raster.Image, c *Context) (result *raster.Image, err error) {
	if !op.Active || op.FilePattern == "" {
		return f, nil
	}
	fileName := op.FileName(f)
	if err := c.CheckPath(fileName); err != nil {
		return nil, err
	}
	fnLower := strings.ToLower(fileName)

	if strings.HasSuffix(fnLower, ".fits") || strings.HasSuffix(fnLower, ".fit") || strings.HasSuffix(fnLower, ".fts") {
		fmt.Fprintf(c.Log, "%d: Writing %s pixel FITS to %s\n", f.ID, f.DimensionsToString(), fileName)
		err = f.WriteFile(fileName)
	} else if strings.HasSuffix(fnLower, ".tif") || strings.HasSuffix(fnLower, ".tiff") {
		band := op.TIFFBand
		if band == "" && len(f.Bands) == 1 {
			band = f.Bands[0].Name
		}
		if band == "" {
			return nil, fmt.Errorf("unable to write %s pixel image as TIFF to %s, set tiffBand", f.DimensionsToString(), fileName)
		}
		fmt.Fprintf(c.Log, "%d: Writing band %s as 16-bit TIFF to %s\n", f.ID, band, fileName)
		err = f.WriteMonoTIFF16ToFile(fileName, band, op.TIFFMin, op.TIFFMax)
	} else {
		err = fmt.Errorf("unknown suffix")
	}
	if err != nil {
		return nil, fmt.Errorf("error writing to file %s: %w", fileName, err)
	}
	return f, nil
}
