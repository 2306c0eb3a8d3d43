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

package stats

import (
	"math"

	"github.com/valyala/fastrand"
	"gonum.org/v1/gonum/mat"
)

// Uniform random sample of fixed capacity over a stream of rows, using reservoir sampling.
// Rows are copied on insertion.
type Reservoir struct {
	capacity int
	dims     int
	data     []float64
	rows     int
	seen     int
}

// Creates a reservoir holding up to capacity rows of dims values each
func NewReservoir(capacity, dims int) *Reservoir {
	initial := capacity
	if initial > 1024*1024 {
		initial = 1024 * 1024
	}
	return &Reservoir{
		capacity: capacity,
		dims:     dims,
		data:     make([]float64, 0, initial*dims),
	}
}

// Offers a row to the reservoir
func (r *Reservoir) Add(row []float64) {
	r.seen++
	if r.rows < r.capacity {
		r.data = append(r.data, row[:r.dims]...)
		r.rows++
		return
	}
	var j int
	if r.seen <= math.MaxUint32 {
		j = int(fastrand.Uint32n(uint32(r.seen)))
	} else {
		j = int((uint64(fastrand.Uint32())<<32 | uint64(fastrand.Uint32())) % uint64(r.seen))
	}
	if j < r.capacity {
		copy(r.data[j*r.dims:(j+1)*r.dims], row)
	}
}

// Number of rows offered so far
func (r *Reservoir) Seen() int {
	return r.seen
}

// Number of rows held
func (r *Reservoir) Len() int {
	return r.rows
}

// Returns the held rows as a matrix sharing the reservoir's storage, or nil if empty
func (r *Reservoir) Matrix() *mat.Dense {
	if r.rows == 0 {
		return nil
	}
	return mat.NewDense(r.rows, r.dims, r.data[:r.rows*r.dims])
}
