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

package expr

import (
	"fmt"
	"math"

	"github.com/seabed-rs/shoals/internal/raster"
)

// Number of pixels evaluated at once per node
const blockSize = 4096

// Evaluation environment. Band data for images, scalars for single values
type env struct {
	bands   map[string]*raster.Band
	scalars map[string]float64
}

// A compiled expression node. Evaluates pixels [lo,hi) into out, which has length hi-lo
type node interface {
	eval(e *env, lo, hi int, out []float64)
}

type constNode float64

func (c constNode) eval(e *env, lo, hi int, out []float64) {
	for i := range out {
		out[i] = float64(c)
	}
}

// Band reference. The empty name is the single band of the image
type bandNode struct {
	name string
}

func (b *bandNode) eval(e *env, lo, hi int, out []float64) {
	if e.scalars != nil {
		v := e.scalars[b.name]
		for i := range out {
			out[i] = v
		}
		return
	}
	data := e.bands[b.name].Data[lo:hi]
	for i, d := range data {
		out[i] = float64(d)
	}
}

type unaryNode struct {
	fn func(x float64) float64
	x  node
}

func newUnary(op string, x node) (node, error) {
	var fn func(x float64) float64
	switch op {
	case "-":
		fn = func(x float64) float64 { return -x }
	case "+":
		return x, nil
	case "!", "not":
		fn = func(x float64) float64 { return boolToFloat(x == 0) }
	default:
		return nil, fmt.Errorf("%w: unary operator %s", ErrUnsupported, op)
	}
	return &unaryNode{fn: fn, x: x}, nil
}

func (u *unaryNode) eval(e *env, lo, hi int, out []float64) {
	u.x.eval(e, lo, hi, out)
	for i, x := range out {
		out[i] = u.fn(x)
	}
}

type binaryNode struct {
	fn   func(a, b float64) float64
	l, r node
}

var binaryOps = map[string]func(a, b float64) float64{
	"+":   func(a, b float64) float64 { return a + b },
	"-":   func(a, b float64) float64 { return a - b },
	"*":   func(a, b float64) float64 { return a * b },
	"/":   func(a, b float64) float64 { return a / b },
	"%":   math.Mod,
	"**":  math.Pow,
	"^":   math.Pow,
	"==":  func(a, b float64) float64 { return boolToFloat(a == b) },
	"!=":  func(a, b float64) float64 { return boolToFloat(a != b) },
	"<":   func(a, b float64) float64 { return boolToFloat(a < b) },
	"<=":  func(a, b float64) float64 { return boolToFloat(a <= b) },
	">":   func(a, b float64) float64 { return boolToFloat(a > b) },
	">=":  func(a, b float64) float64 { return boolToFloat(a >= b) },
	"&&":  func(a, b float64) float64 { return boolToFloat(a != 0 && b != 0) },
	"and": func(a, b float64) float64 { return boolToFloat(a != 0 && b != 0) },
	"||":  func(a, b float64) float64 { return boolToFloat(a != 0 || b != 0) },
	"or":  func(a, b float64) float64 { return boolToFloat(a != 0 || b != 0) },
}

func newBinary(op string, l, r node) (node, error) {
	fn, ok := binaryOps[op]
	if !ok {
		return nil, fmt.Errorf("%w: binary operator %s", ErrUnsupported, op)
	}
	return &binaryNode{fn: fn, l: l, r: r}, nil
}

func (b *binaryNode) eval(e *env, lo, hi int, out []float64) {
	b.l.eval(e, lo, hi, out)
	tmp := make([]float64, len(out))
	b.r.eval(e, lo, hi, tmp)
	for i := range out {
		out[i] = b.fn(out[i], tmp[i])
	}
}

type condNode struct {
	cond, a, b node
}

func (c *condNode) eval(e *env, lo, hi int, out []float64) {
	c.cond.eval(e, lo, hi, out)
	ta, tb := make([]float64, len(out)), make([]float64, len(out))
	c.a.eval(e, lo, hi, ta)
	c.b.eval(e, lo, hi, tb)
	for i, cv := range out {
		if cv != 0 {
			out[i] = ta[i]
		} else {
			out[i] = tb[i]
		}
	}
}

type callNode struct {
	fn   func(args []float64) float64
	args []node
}

func (c *callNode) eval(e *env, lo, hi int, out []float64) {
	bufs := make([][]float64, len(c.args))
	for j, a := range c.args {
		bufs[j] = make([]float64, len(out))
		a.eval(e, lo, hi, bufs[j])
	}
	args := make([]float64, len(c.args))
	for i := range out {
		for j := range args {
			args[j] = bufs[j][i]
		}
		out[i] = c.fn(args)
	}
}

type function struct {
	minArgs int
	maxArgs int // -1 for variadic
	fn      func(args []float64) float64
}

func unary(f func(float64) float64) function {
	return function{1, 1, func(a []float64) float64 { return f(a[0]) }}
}

// Functions available in expressions
var funcs = map[string]function{
	"abs":   unary(math.Abs),
	"sqrt":  unary(math.Sqrt),
	"log":   unary(math.Log),
	"log10": unary(math.Log10),
	"exp":   unary(math.Exp),
	"floor": unary(math.Floor),
	"ceil":  unary(math.Ceil),
	"round": unary(math.Round),
	"pow":   {2, 2, func(a []float64) float64 { return math.Pow(a[0], a[1]) }},
	"min": {1, -1, func(a []float64) float64 {
		m := a[0]
		for _, v := range a[1:] {
			m = math.Min(m, v)
		}
		return m
	}},
	"max": {1, -1, func(a []float64) float64 {
		m := a[0]
		for _, v := range a[1:] {
			m = math.Max(m, v)
		}
		return m
	}},
	"rescale":    {3, 3, func(a []float64) float64 { return Rescale(a[0], a[1], a[2]) }},
	"rescaleThr": {3, 3, func(a []float64) float64 { return RescaleThr(a[0], a[1], a[2]) }},
}

// Maps [lo,hi] to [0,1] linearly. lo>hi inverts the direction
func Rescale(x, lo, hi float64) float64 {
	return (x - lo) / (hi - lo)
}

// Shifted variant of Rescale, computing (x+lo)/(hi+lo)
func RescaleThr(x, lo, hi float64) float64 {
	return (x + lo) / (hi + lo)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
