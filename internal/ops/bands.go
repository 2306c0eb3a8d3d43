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
	"sort"
	"strconv"
	"strings"

	"github.com/seabed-rs/shoals/internal/expr"
	"github.com/seabed-rs/shoals/internal/raster"
)

// Selects bands from an image, optionally renaming them. Takes n inputs, produces n outputs
type OpSelect struct {
	OpUnaryBase
	Bands    []string `json:"bands"`
	NewNames []string `json:"newNames,omitempty"`
}

func init() { SetOperatorFactory(func() Operator { return NewOpSelectDefault() }) } // register the operator for JSON decoding

func NewOpSelectDefault() *OpSelect { return NewOpSelect(nil, nil) }

func NewOpSelect(bands, newNames []string) *OpSelect {
	op := OpSelect{
		OpUnaryBase: OpUnaryBase{OpBase: OpBase{Type: "select", Active: true}},
		Bands:       bands,
		NewNames:    newNames,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return &op
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpSelect) UnmarshalJSON(data []byte) error {
	type defaults OpSelect
	def := defaults(*NewOpSelectDefault())
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*op = OpSelect(def)
	op.OpUnaryBase.Apply = op.Apply // make method receiver point to op, not def
	return nil
}

func (op *OpSelect) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	if op.Active && len(op.Bands) == 0 {
		return nil, fmt.Errorf("%s operator without bands", op.Type)
	}
	if op.NewNames != nil && len(op.NewNames) != len(op.Bands) {
		return nil, fmt.Errorf("%s operator renames %d bands to %d names", op.Type, len(op.Bands), len(op.NewNames))
	}
	return op.OpUnaryBase.MakePromises(ins, c)
}

func (op *OpSelect) Apply(f *raster.Image, c *Context) (result *raster.Image, err error) {
	return f.SelectRename(op.Bands, op.NewNames)
}

// Evaluates a band expression and appends the result as a new band, or replaces all bands with it.
// Takes n inputs, produces n outputs
type OpExpression struct {
	OpUnaryBase
	Expr    string `json:"expr"`
	Name    string `json:"name"`
	Replace bool   `json:"replace"`

	prog *expr.Program
}

func init() { SetOperatorFactory(func() Operator { return NewOpExpressionDefault() }) } // register the operator for JSON decoding

func NewOpExpressionDefault() *OpExpression { return NewOpExpression("", "expr", false) }

func NewOpExpression(src, name string, replace bool) *OpExpression {
	op := OpExpression{
		OpUnaryBase: OpUnaryBase{OpBase: OpBase{Type: "expression", Active: true}},
		Expr:        src,
		Name:        name,
		Replace:     replace,
	}
	op.OpUnaryBase.Apply = op.Apply // assign class method to superclass abstract method
	return &op
}

// Unmarshal the type from JSON with default values for missing entries
func (op *OpExpression) UnmarshalJSON(data []byte) error {
	type defaults OpExpression
	def := defaults(*NewOpExpressionDefault())
	if err := json.Unmarshal(data, &def); err != nil {
		return err
	}
	*op = OpExpression(def)
	op.OpUnaryBase.Apply = op.Apply // make method receiver point to op, not def
	return nil
}

// Compiles the expression, then promises to evaluate it on each input
func (op *OpExpression) MakePromises(ins []Promise, c *Context) (outs []Promise, err error) {
	if !op.Active {
		return ins, nil
	}
	if op.Name == "" {
		return nil, fmt.Errorf("%s operator without band name", op.Type)
	}
	if op.prog, err = expr.Compile(op.Expr); err != nil {
		return nil, fmt.Errorf("%s operator: %w", op.Type, err)
	}
	c.Logger.Debug().Str("component", "ops").Str("expr", op.Expr).Strs("bands", op.prog.Bands()).
		Bool("bareImage", op.prog.UsesImage()).Msg("compiled expression")
	return op.OpUnaryBase.MakePromises(ins, c)
}

func (op *OpExpression) Apply(f *raster.Image, c *Context) (result *raster.Image, err error) {
	prog := op.prog
	if prog == nil {
		if prog, err = expr.Compile(op.Expr); err != nil {
			return nil, err
		}
	}
	b, err := prog.Eval(f, op.Name, c.MaxThreads)
	if err != nil {
		return nil, err
	}
	if op.Replace {
		result = raster.NewImageLike(f)
		result.Bands = []*raster.Band{b}
		return result, nil
	}
	return f.AddBands(b)
}

// Sorts band names by prefix, then numerically by trailing digits, so B2 precedes B10
func sortBandNames(names []string) {
	sort.Slice(names, func(i, j int) bool {
		pi, ni := splitBandName(names[i])
		pj, nj := splitBandName(names[j])
		if pi != pj {
			return pi < pj
		}
		if ni != nj {
			return ni < nj
		}
		return names[i] < names[j]
	})
}

func splitBandName(name string) (prefix string, num int) {
	end := len(name)
	start := end
	for start > 0 && name[start-1] >= '0' && name[start-1] <= '9' {
		start--
	}
	if start == end {
		return strings.ToUpper(name), -1
	}
	num, _ = strconv.Atoi(name[start:end])
	return strings.ToUpper(name[:start]), num
}
