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

// Package expr compiles band arithmetic expressions like "(img.B4 - img.B3) / (img.B4 + img.B3)"
// into evaluators over raster bands.
//
// Bands are referenced as img.NAME, img['NAME'], b('NAME') or by their bare name. A bare img
// stands for the single band of a single-band image. Supported are numbers, the operators
// + - * / % ** ^, comparisons, && || ! and their word forms, the ternary operator and the
// functions in funcs. Booleans evaluate to 1 and 0.
package expr

import (
	"errors"
	"fmt"
	"sort"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"

	"github.com/seabed-rs/shoals/internal/raster"
)

// Returned for syntactically valid expressions using unsupported constructs
var ErrUnsupported = errors.New("unsupported expression")

// Name of the image variable in expressions
const imageVar = "img"

// A compiled band expression
type Program struct {
	src     string
	root    node
	bands   []string // named band references, sorted
	bareImg bool     // true if the bare image variable is referenced
}

// Compiles the given expression
func Compile(src string) (*Program, error) {
	tree, err := parser.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("expression '%s': %w", src, err)
	}
	c := compiler{bands: map[string]bool{}}
	root, err := c.compile(tree.Node)
	if err != nil {
		return nil, fmt.Errorf("expression '%s': %w", src, err)
	}
	p := &Program{src: src, root: root, bareImg: c.bareImg}
	for b := range c.bands {
		p.bands = append(p.bands, b)
	}
	sort.Strings(p.bands)
	return p, nil
}

// Compiles the given expression and panics on error. For expressions known at compile time
func MustCompile(src string) *Program {
	p, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Program) String() string {
	return p.src
}

// Names of the bands referenced by name, sorted
func (p *Program) Bands() []string {
	return append([]string(nil), p.bands...)
}

// True if the expression references the bare image variable
func (p *Program) UsesImage() bool {
	return p.bareImg
}

type compiler struct {
	bands   map[string]bool
	bareImg bool
}

func (c *compiler) compile(n ast.Node) (node, error) {
	switch n := n.(type) {
	case *ast.IntegerNode:
		return constNode(float64(n.Value)), nil
	case *ast.FloatNode:
		return constNode(n.Value), nil
	case *ast.BoolNode:
		if n.Value {
			return constNode(1), nil
		}
		return constNode(0), nil
	case *ast.IdentifierNode:
		if n.Value == imageVar {
			c.bareImg = true
			return &bandNode{}, nil
		}
		return c.band(n.Value), nil
	case *ast.MemberNode:
		id, ok := n.Node.(*ast.IdentifierNode)
		if !ok || id.Value != imageVar {
			return nil, fmt.Errorf("%w: member access on '%s', want %s", ErrUnsupported, n.Node.String(), imageVar)
		}
		prop, ok := n.Property.(*ast.StringNode)
		if !ok {
			return nil, fmt.Errorf("%w: band name must be a constant", ErrUnsupported)
		}
		return c.band(prop.Value), nil
	case *ast.ChainNode:
		return c.compile(n.Node)
	case *ast.UnaryNode:
		x, err := c.compile(n.Node)
		if err != nil {
			return nil, err
		}
		return newUnary(n.Operator, x)
	case *ast.BinaryNode:
		l, err := c.compile(n.Left)
		if err != nil {
			return nil, err
		}
		r, err := c.compile(n.Right)
		if err != nil {
			return nil, err
		}
		return newBinary(n.Operator, l, r)
	case *ast.ConditionalNode:
		cond, err := c.compile(n.Cond)
		if err != nil {
			return nil, err
		}
		a, err := c.compile(n.Exp1)
		if err != nil {
			return nil, err
		}
		b, err := c.compile(n.Exp2)
		if err != nil {
			return nil, err
		}
		return &condNode{cond: cond, a: a, b: b}, nil
	case *ast.CallNode:
		id, ok := n.Callee.(*ast.IdentifierNode)
		if !ok {
			return nil, fmt.Errorf("%w: call of '%s'", ErrUnsupported, n.Callee.String())
		}
		return c.call(id.Value, n.Arguments)
	case *ast.BuiltinNode:
		return c.call(n.Name, n.Arguments)
	default:
		return nil, fmt.Errorf("%w: '%s'", ErrUnsupported, n.String())
	}
}

func (c *compiler) band(name string) node {
	c.bands[name] = true
	return &bandNode{name: name}
}

func (c *compiler) call(name string, args []ast.Node) (node, error) {
	if name == "b" {
		if len(args) != 1 {
			return nil, fmt.Errorf("b() takes 1 argument, got %d", len(args))
		}
		s, ok := args[0].(*ast.StringNode)
		if !ok {
			return nil, fmt.Errorf("%w: b() needs a constant band name", ErrUnsupported)
		}
		return c.band(s.Value), nil
	}

	f, ok := funcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown function %s()", ErrUnsupported, name)
	}
	if len(args) < f.minArgs || (f.maxArgs >= 0 && len(args) > f.maxArgs) {
		return nil, fmt.Errorf("%s() called with %d arguments", name, len(args))
	}
	cn := &callNode{fn: f.fn, args: make([]node, len(args))}
	for i, a := range args {
		var err error
		if cn.args[i], err = c.compile(a); err != nil {
			return nil, err
		}
	}
	return cn, nil
}

// Evaluates the expression over the given image into a new band with the given name.
// The result mask is the AND of the masks of all referenced bands.
// Expressions without band references yield a constant band.
func (p *Program) Eval(img *raster.Image, name string, maxThreads int) (*raster.Band, error) {
	if len(p.bands) == 0 && !p.bareImg {
		v, err := p.EvalScalar(nil)
		if err != nil {
			return nil, err
		}
		return raster.NewConstantBand(name, img.Pixels(), float32(v)), nil
	}
	e := env{bands: map[string]*raster.Band{}}
	if err := img.RequireBands(p.bands...); err != nil {
		return nil, err
	}
	used := []*raster.Band{}
	for _, n := range p.bands {
		b, _ := img.Band(n)
		e.bands[n] = b
		used = append(used, b)
	}
	if p.bareImg {
		if len(img.Bands) != 1 {
			return nil, fmt.Errorf("expression '%s' uses %s on image %d with %d bands, want 1", p.src, imageVar, img.ID, len(img.Bands))
		}
		e.bands[""] = img.Bands[0]
		used = append(used, img.Bands[0])
	}

	out := raster.NewBand(name, img.Pixels())
	raster.ApplyRangeFunction(img.Pixels(), maxThreads, func(lower, upper int) {
		buf := make([]float64, blockSize)
		for lo := lower; lo < upper; lo += blockSize {
			hi := lo + blockSize
			if hi > upper {
				hi = upper
			}
			res := buf[:hi-lo]
			p.root.eval(&e, lo, hi, res)
			for i, v := range res {
				out.Data[lo+i] = float32(v)
			}
			for _, b := range used {
				for i := lo; i < hi; i++ {
					out.Mask[i] = out.Mask[i] && b.Mask[i]
				}
			}
		}
	})
	return out, nil
}

// Evaluates the expression for scalar band values, with the bare image variable under key "img"
func (p *Program) EvalScalar(values map[string]float64) (float64, error) {
	e := env{scalars: map[string]float64{}}
	for _, n := range p.bands {
		v, ok := values[n]
		if !ok {
			return 0, fmt.Errorf("%w %s", raster.ErrMissingBand, n)
		}
		e.scalars[n] = v
	}
	if p.bareImg {
		v, ok := values[imageVar]
		if !ok {
			return 0, fmt.Errorf("%w %s", raster.ErrMissingBand, imageVar)
		}
		e.scalars[""] = v
	}
	res := make([]float64, 1)
	p.root.eval(&e, 0, 1, res)
	return res[0], nil
}
