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
	"errors"
	"math"
	"testing"

	"github.com/seabed-rs/shoals/internal/raster"
)

func TestEvalScalar(t *testing.T) {
	vals := map[string]float64{"B2": 0.2, "B3": 0.5, "B4": 0.25, "img": 9}
	cases := []struct {
		src  string
		want float64
	}{
		{"img.B4 + img.B3", 0.75},
		{"(img.B4 - img.B2) / (img.B4 + img.B2)", 0.05 / 0.45},
		{"b('B3') * 2", 1},
		{"img['B3'] - B2", 0.3},
		{"sqrt(img)", 3},
		{"-img + 1", -8},
		{"2 ** 3 + 2 ^ 2", 12},
		{"7 % 4", 3},
		{"min(img.B2, img.B3, 1)", 0.2},
		{"max(img.B2, img.B3)", 0.5},
		{"abs(-2.5)", 2.5},
		{"log(exp(2))", 2},
		{"log10(1000)", 3},
		{"pow(2, 10)", 1024},
		{"img.B3 > img.B2 ? 1 : 2", 1},
		{"img.B3 < img.B2 || img.B4 == 0.25", 1},
		{"img.B3 > 0 and not (img.B2 > 1)", 1},
		{"!true", 0},
		{"rescale(img.B3, 0.25, 0.75)", 0.5},
		{"rescaleThr(img.B3, 0.5, 1.5)", 0.5},
	}
	for _, c := range cases {
		p, err := Compile(c.src)
		if err != nil {
			t.Errorf("%s: compile err=%s", c.src, err)
			continue
		}
		got, err := p.EvalScalar(vals)
		if err != nil {
			t.Errorf("%s: eval err=%s", c.src, err)
			continue
		}
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("%s=%g; want %g", c.src, got, c.want)
		}
	}
}

func TestCompileErrors(t *testing.T) {
	for _, src := range []string{"img.B4 +", "foo(1)", "other.B4", "b(img)", "pow(1)", "'text'"} {
		if _, err := Compile(src); err == nil {
			t.Errorf("%s: err=nil; want error", src)
		}
	}
	if _, err := Compile("foo(1)"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("err=%v; want ErrUnsupported", err)
	}
}

func TestBands(t *testing.T) {
	p := MustCompile("img.B8 + img.B11 + b('B12') + img.B8")
	got := p.Bands()
	want := []string{"B11", "B12", "B8"}
	if len(got) != len(want) {
		t.Fatalf("bands=%v; want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("bands=%v; want %v", got, want)
		}
	}
	if p.UsesImage() || !MustCompile("img * 2").UsesImage() {
		t.Errorf("bare image detection wrong")
	}
}

func TestEvalImage(t *testing.T) {
	const w, h = 100, 73
	img := raster.NewImage(w, h)
	a, b := raster.NewBand("A", w*h), raster.NewBand("B", w*h)
	for i := range a.Data {
		a.Data[i] = float32(i % 17)
		b.Data[i] = float32(i % 5)
	}
	a.Mask[10] = false
	b.Mask[20] = false
	img.Bands = []*raster.Band{a, b}

	p := MustCompile("img.A * 2 - img.B")
	out, err := p.Eval(img, "res", 4)
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	if out.Name != "res" {
		t.Errorf("name=%s; want res", out.Name)
	}
	for i := range out.Data {
		want := float32(2*(i%17) - i%5)
		if out.Data[i] != want {
			t.Errorf("res[%d]=%f; want %f", i, out.Data[i], want)
			break
		}
	}
	if out.Mask[10] || out.Mask[20] || !out.Mask[30] {
		t.Errorf("mask[10,20,30]=%v,%v,%v; want false,false,true", out.Mask[10], out.Mask[20], out.Mask[30])
	}

	if _, err := MustCompile("img.C").Eval(img, "res", 1); !errors.Is(err, raster.ErrMissingBand) {
		t.Errorf("err=%v; want ErrMissingBand", err)
	}
	if _, err := MustCompile("img + 1").Eval(img, "res", 1); err == nil {
		t.Errorf("err=nil; want error for bare img on two-band image")
	}

	single, _ := img.Select("B")
	out, err = MustCompile("img + 1").Eval(single, "res", 1)
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	if out.Data[7] != 3 || out.Mask[20] {
		t.Errorf("res[7]=%f mask[20]=%v; want 3 false", out.Data[7], out.Mask[20])
	}
}

func TestEvalConstant(t *testing.T) {
	img := raster.NewImage(3, 2)
	a := raster.NewBand("A", 6)
	a.Mask[1] = false
	img.Bands = []*raster.Band{a}

	out, err := MustCompile("2 ** 3 - 1").Eval(img, "seven", 2)
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	if out.Name != "seven" || len(out.Data) != 6 {
		t.Fatalf("name=%s len=%d; want seven 6", out.Name, len(out.Data))
	}
	for i, d := range out.Data {
		if d != 7 || !out.Mask[i] {
			t.Errorf("seven[%d]=%g mask=%v; want 7 true", i, d, out.Mask[i])
		}
	}
}

func TestRescale(t *testing.T) {
	if v := Rescale(0.155, 0.01, 0.3); math.Abs(v-0.5) > 1e-12 {
		t.Errorf("rescale=%g; want 0.5", v)
	}
	// inverted range maps the upper bound to 0
	if v := Rescale(280, 296, 280); v != 1 {
		t.Errorf("rescale=%g; want 1", v)
	}
	if v := RescaleThr(0.29, 0.01, 0.3); math.Abs(v-0.3/0.31) > 1e-12 {
		t.Errorf("rescaleThr=%g; want %g", v, 0.3/0.31)
	}
}
