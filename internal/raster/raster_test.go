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

package raster

import (
	"bytes"
	"errors"
	"io"
	"math"
	"testing"
)

func newTestImage() *Image {
	img := NewImage(3, 2)
	img.Geo = GeoTransform{OriginX: 500000, OriginY: 4100000, PixelWidth: 10, PixelHeight: -10}
	b1, b2 := NewBand("B1", 6), NewBand("B2", 6)
	for i := 0; i < 6; i++ {
		b1.Data[i] = float32(i)
		b2.Data[i] = float32(10 * i)
	}
	b2.Mask[4] = false
	img.Bands = []*Band{b1, b2}
	img.Props["k12"] = 0.75
	return img
}

func TestFITSRoundtrip(t *testing.T) {
	img := newTestImage()
	buf := bytes.Buffer{}
	if err := img.Write(&buf); err != nil {
		t.Fatalf("write: %s", err)
	}
	if buf.Len()%fitsBlockSize != 0 {
		t.Errorf("len=%d; want multiple of %d", buf.Len(), fitsBlockSize)
	}

	res := NewImage(0, 0)
	if err := res.ReadFITS(&buf, io.Discard); err != nil {
		t.Fatalf("read: %s", err)
	}
	if res.Width != 3 || res.Height != 2 || len(res.Bands) != 2 {
		t.Fatalf("dims=%s; want 3x2x2", res.DimensionsToString())
	}
	if res.Bands[0].Name != "B1" || res.Bands[1].Name != "B2" {
		t.Errorf("names=%v; want [B1 B2]", res.BandNames())
	}
	if res.Geo != img.Geo {
		t.Errorf("geo=%v; want %v", res.Geo, img.Geo)
	}
	if res.Props["k12"] != 0.75 {
		t.Errorf("k12=%g; want 0.75", res.Props["k12"])
	}
	for i := 0; i < 6; i++ {
		if res.Bands[0].Data[i] != float32(i) {
			t.Errorf("B1[%d]=%f; want %f", i, res.Bands[0].Data[i], float32(i))
		}
	}
	if res.Bands[1].Mask[4] {
		t.Errorf("B2 mask[4]=true; want false")
	}
	if !res.Bands[1].Mask[3] || res.Bands[1].Data[3] != 30 {
		t.Errorf("B2[3]=%f,%v; want 30,true", res.Bands[1].Data[3], res.Bands[1].Mask[3])
	}
}

func TestReadFITSRejectsGarbage(t *testing.T) {
	res := NewImage(0, 0)
	garbage := bytes.Repeat([]byte(" "), fitsBlockSize)
	copy(garbage, []byte("END"))
	if err := res.ReadFITS(bytes.NewReader(garbage), io.Discard); err == nil {
		t.Errorf("err=nil; want missing SIMPLE error")
	}
}

func TestBandLookup(t *testing.T) {
	img := newTestImage()
	if _, err := img.Band("B2"); err != nil {
		t.Errorf("err=%s; want nil", err)
	}
	_, err := img.Band("B9")
	if !errors.Is(err, ErrMissingBand) {
		t.Errorf("err=%v; want ErrMissingBand", err)
	}
	err = img.RequireBands("B1", "B7", "B3")
	if !errors.Is(err, ErrMissingBand) {
		t.Errorf("err=%v; want ErrMissingBand", err)
	}
}

func TestSelectRename(t *testing.T) {
	img := newTestImage()
	sel, err := img.SelectRename([]string{"B2", "B1"}, []string{"nir", "red"})
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	if sel.Bands[0].Name != "nir" || sel.Bands[1].Name != "red" {
		t.Errorf("names=%v; want [nir red]", sel.BandNames())
	}
	if img.Bands[1].Name != "B2" {
		t.Errorf("source renamed to %s", img.Bands[1].Name)
	}
	if _, err := img.SelectRename([]string{"B1"}, []string{"a", "b"}); err == nil {
		t.Errorf("err=nil; want rename count mismatch")
	}
}

func TestAddBands(t *testing.T) {
	img := newTestImage()
	if _, err := img.AddBands(NewBand("B1", 6)); err == nil {
		t.Errorf("err=nil; want duplicate band error")
	}
	if _, err := img.AddBands(NewBand("B3", 5)); err == nil {
		t.Errorf("err=nil; want size mismatch error")
	}
	res, err := img.AddBands(NewBand("B3", 6))
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	if len(res.Bands) != 3 || len(img.Bands) != 2 {
		t.Errorf("bands=%d,%d; want 3,2", len(res.Bands), len(img.Bands))
	}
}

func TestUpdateMask(t *testing.T) {
	img := newTestImage()
	mask := []bool{true, false, true, true, true, true}
	res, err := img.UpdateMask(mask)
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	want := []bool{true, false, true, true, false, true}
	for i, w := range want {
		if res.Bands[1].Mask[i] != w {
			t.Errorf("mask[%d]=%v; want %v", i, res.Bands[1].Mask[i], w)
		}
	}
	if !img.Bands[0].Mask[1] {
		t.Errorf("source mask modified")
	}
	if _, err := img.UpdateMask(mask[:3]); err == nil {
		t.Errorf("err=nil; want size mismatch")
	}
}

func TestNormalizedDifference(t *testing.T) {
	img := NewImage(4, 1)
	a, b := NewBand("a", 4), NewBand("b", 4)
	copy(a.Data, []float32{3, 0, -1, 2})
	copy(b.Data, []float32{1, 0, 1, 2})
	img.Bands = []*Band{a, b}

	nd, err := img.NormalizedDifference("a", "b", "nd")
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	if nd.Data[0] != 0.5 || !nd.Mask[0] {
		t.Errorf("nd[0]=%f,%v; want 0.5,true", nd.Data[0], nd.Mask[0])
	}
	if nd.Data[1] != 0 || !nd.Mask[1] {
		t.Errorf("nd[1]=%f,%v; want 0,true", nd.Data[1], nd.Mask[1])
	}
	if nd.Mask[2] {
		t.Errorf("nd[2] valid; want masked for negative input")
	}
	if nd.Data[3] != 0 {
		t.Errorf("nd[3]=%f; want 0", nd.Data[3])
	}
}

func TestGeoTransform(t *testing.T) {
	g := GeoTransform{OriginX: 100, OriginY: 200, PixelWidth: 30, PixelHeight: -30}
	x, y := g.PixelCenter(1, 2)
	if x != 145 || y != 125 {
		t.Errorf("center=%g,%g; want 145,125", x, y)
	}
	col, row := g.ToPixel(x, y)
	if col != 1.5 || row != 2.5 {
		t.Errorf("pixel=%g,%g; want 1.5,2.5", col, row)
	}
	if g.PixelSize() != 30 {
		t.Errorf("size=%g; want 30", g.PixelSize())
	}
}

func TestPixelFunctions(t *testing.T) {
	b := NewConstantBand("B", 1001, 2)
	b.Data[17] = -9999
	b.MaskValue(3, -9999)
	b.ApplyScaleOffset(3, 0.5, 1)
	if b.Mask[17] || b.Valid() != 1000 {
		t.Errorf("valid=%d; want 1000", b.Valid())
	}
	for i, d := range b.Data {
		if i != 17 && d != 2 {
			t.Errorf("data[%d]=%f; want 2", i, d)
			break
		}
	}
}

func TestMonoTIFF16Roundtrip(t *testing.T) {
	img := NewImage(2, 2)
	b := NewBand("B1", 4)
	copy(b.Data, []float32{0, 0.5, 1, 2})
	b.Mask[3] = false
	img.Bands = []*Band{b}

	buf := bytes.Buffer{}
	if err := img.WriteMonoTIFF16(&buf, "B1", 0, 1); err != nil {
		t.Fatalf("write: %s", err)
	}
	res, err := NewImageFromTIFF(&buf, []string{"gray"})
	if err != nil {
		t.Fatalf("read: %s", err)
	}
	if res.Bands[0].Name != "gray" {
		t.Errorf("name=%s; want gray", res.Bands[0].Name)
	}
	want := []float32{0, float32(math.Floor(0.5 * 65535)), 65535, 0}
	for i, w := range want {
		if res.Bands[0].Data[i] != w {
			t.Errorf("data[%d]=%f; want %f", i, res.Bands[0].Data[i], w)
		}
	}
	if err := img.WriteMonoTIFF16(&buf, "B1", 1, 1); err == nil {
		t.Errorf("err=nil; want empty range error")
	}
}
