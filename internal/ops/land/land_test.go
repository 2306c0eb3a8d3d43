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

package land

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/seabed-rs/shoals/internal/geometry"
	"github.com/seabed-rs/shoals/internal/ops"
	"github.com/seabed-rs/shoals/internal/raster"
)

func newTestImage() *raster.Image {
	img := raster.NewConstantImage(4, 4, "B1", 0.1)
	b2 := raster.NewConstantBand("B2", 16, 0.2)
	b2.Mask[15] = false
	img.Bands = append(img.Bands, b2)
	return img
}

func TestLandMaskEmpty(t *testing.T) {
	img := newTestImage()
	res, err := LandMask(img, geometry.Empty(), 1)
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	for i := 0; i < 16; i++ {
		if res.Bands[0].Mask[i] != img.Bands[0].Mask[i] || res.Bands[1].Mask[i] != img.Bands[1].Mask[i] {
			t.Errorf("mask[%d] changed by empty geometry", i)
		}
	}
}

func TestLandMaskCoveringExtent(t *testing.T) {
	img := newTestImage()
	res, err := LandMask(img, geometry.FromBounds(-1, -1, 5, 5), 2)
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	for _, b := range res.Bands {
		if b.Valid() != 0 {
			t.Errorf("band %s valid=%d; want 0", b.Name, b.Valid())
		}
	}
}

func TestLandMaskPartial(t *testing.T) {
	img := newTestImage()
	// covers the right half of the image
	res, err := LandMask(img, geometry.FromBounds(2, 0, 4, 4), 2)
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	for i := 0; i < 16; i++ {
		want := i%4 < 2
		if res.Bands[0].Mask[i] != want {
			t.Errorf("B1 mask[%d]=%v; want %v", i, res.Bands[0].Mask[i], want)
		}
	}
	if img.Bands[0].Valid() != 16 {
		t.Errorf("input modified")
	}
}

func TestOpLandMaskJSON(t *testing.T) {
	var op OpLandMask
	doc := `{"type":"landMask","geometry":{"type":"Polygon","coordinates":[[[0,0],[2,0],[2,4],[0,4],[0,0]]]}}`
	if err := json.Unmarshal([]byte(doc), &op); err != nil {
		t.Fatalf("err=%s", err)
	}
	if !op.Active {
		t.Errorf("active=false; want default true")
	}

	c := ops.NewContext(io.Discard, zerolog.Nop())
	in := func() (*raster.Image, error) { return newTestImage(), nil }
	promises, err := op.MakePromises([]ops.Promise{in}, c)
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	imgs, err := ops.MaterializeAll(promises, 1, false)
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	if v := imgs[0].Bands[0].Valid(); v != 8 {
		t.Errorf("valid=%d; want 8", v)
	}

	both := NewOpLandMask(geometry.Empty(), "land.geojson")
	if _, err := both.MakePromises([]ops.Promise{in}, c); err == nil {
		t.Errorf("err=nil; want error for geometry and fileName")
	}
}
