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
	"errors"
	"fmt"

	"github.com/seabed-rs/shoals/internal/raster"
	"github.com/seabed-rs/shoals/internal/region"
	"github.com/seabed-rs/shoals/internal/stats"
)

var (
	// Satellite name not among the supported cloud score profiles
	ErrUnsupportedSatellite = errors.New("unsupported satellite")

	// Band required by an operation is absent from the image
	ErrMissingBand = raster.ErrMissingBand

	// Statistics are undefined, e.g. zero covariance or too few samples
	ErrDegenerateStatistics = stats.ErrDegenerateStatistics

	// Reduction exceeds its pixel cap or memory budget
	ErrTooManyPixels = region.ErrTooManyPixels
)

// OpError annotates an error with the operator and image it occurred on
type OpError struct {
	Op      string
	ImageID int
	Err     error
}

func (e *OpError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return fmt.Sprintf("%d: %s: %v", e.ImageID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *OpError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Wraps an error with operator and image information. Errors already carrying it are returned as is
func NewOpError(op string, imageID int, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Op: op, ImageID: imageID, Err: err}
}
