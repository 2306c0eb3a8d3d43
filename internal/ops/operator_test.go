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
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/seabed-rs/shoals/internal/raster"
)

func newTestContext() *Context {
	return NewContext(io.Discard, zerolog.Nop())
}

func constPromise(id int, names ...string) Promise {
	return func() (*raster.Image, error) {
		img := raster.NewImage(3, 2)
		img.ID = id
		for i, n := range names {
			img.Bands = append(img.Bands, raster.NewConstantBand(n, 6, float32(i+1)))
		}
		return img, nil
	}
}

func TestMaterializeAll(t *testing.T) {
	var running, peak int32
	ins := make([]Promise, 20)
	for i := range ins {
		id := i
		ins[i] = func() (*raster.Image, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			defer atomic.AddInt32(&running, -1)
			if id%7 == 3 {
				return nil, fmt.Errorf("failure %d", id)
			}
			img := raster.NewImage(1, 1)
			img.ID = id
			return img, nil
		}
	}
	outs, err := MaterializeAll(ins, 3, false)
	if err == nil || !strings.Contains(err.Error(), "failure 3") || !strings.Contains(err.Error(), "failure 17") {
		t.Errorf("err=%v; want joined failures 3, 10, 17", err)
	}
	if len(outs) != 17 {
		t.Errorf("outs=%d; want 17", len(outs))
	}
	if peak > 3 {
		t.Errorf("peak concurrency=%d; want <=3", peak)
	}

	outs, err = MaterializeAll(ins[:2], 2, true)
	if err != nil || outs != nil {
		t.Errorf("forget: outs=%v err=%v; want nil nil", outs, err)
	}
}

func TestSequenceJSON(t *testing.T) {
	seq := NewOpSequence(
		NewOpSelect([]string{"B2", "B1"}, nil),
		NewOpExpression("img.B1 * 2", "double", false),
		NewOpForEach(NewOpSelect([]string{"double"}, []string{"twice"})),
	)
	b, err := json.Marshal(seq)
	if err != nil {
		t.Fatalf("marshal: %s", err)
	}
	op, err := ParsePipeline(b, false)
	if err != nil {
		t.Fatalf("parse %s: %s", string(b), err)
	}
	back, ok := op.(*OpSequence)
	if !ok || len(back.Steps) != 3 {
		t.Fatalf("op=%T steps=%d; want *OpSequence with 3 steps", op, len(back.Steps))
	}
	if fe, ok := back.Steps[2].(*OpForEach); !ok || fe.Operation == nil || fe.Operation.GetType() != "select" {
		t.Errorf("forEach step not decoded: %#v", back.Steps[2])
	}

	promises, err := back.MakePromises([]Promise{constPromise(0, "B1", "B2")}, newTestContext())
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	imgs, err := MaterializeAll(promises, 1, false)
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	if names := strings.Join(imgs[0].BandNames(), ","); names != "twice" {
		t.Errorf("bands=%s; want twice", names)
	}
	if imgs[0].Bands[0].Data[0] != 2 {
		t.Errorf("twice=%f; want 2", imgs[0].Bands[0].Data[0])
	}
}

func TestParsePipelineYAML(t *testing.T) {
	doc := `
type: seq
steps:
  - type: expression
    expr: "(img.B2 - img.B1) / (img.B2 + img.B1)"
    name: nd
  - type: select
    bands: [nd]
  - type: save
    active: false
`
	op, err := ParsePipeline([]byte(doc), true)
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	seq := op.(*OpSequence)
	if len(seq.Steps) != 3 {
		t.Fatalf("steps=%d; want 3", len(seq.Steps))
	}
	if e := seq.Steps[0].(*OpExpression); e.Name != "nd" || e.Replace || !e.Active {
		t.Errorf("expression=%+v; want defaults with name nd", e)
	}
	if seq.Steps[2].IsActive() {
		t.Errorf("save active; want inactive")
	}

	promises, err := seq.MakePromises([]Promise{constPromise(0, "B1", "B2")}, newTestContext())
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	imgs, err := MaterializeAll(promises, 1, false)
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	if v := imgs[0].Bands[0].Data[3]; v != float32(1.0/3.0) {
		t.Errorf("nd=%f; want %f", v, float32(1.0/3.0))
	}

	if _, err := ParsePipeline([]byte(`{"type":"nope"}`), false); err == nil {
		t.Errorf("err=nil; want unknown operator error")
	}
}

func TestExpressionCompileFailsEarly(t *testing.T) {
	called := false
	in := func() (*raster.Image, error) { called = true; return nil, nil }
	_, err := NewOpExpression("img.B1 +", "x", false).MakePromises([]Promise{in}, newTestContext())
	if err == nil {
		t.Errorf("err=nil; want compile error")
	}
	if called {
		t.Errorf("input materialized while building promises")
	}
}

func TestExpressionLogsReferences(t *testing.T) {
	var log strings.Builder
	c := NewContext(io.Discard, zerolog.New(&log).Level(zerolog.DebugLevel))
	if _, err := NewOpExpression("img.B3 - B2", "d", false).MakePromises([]Promise{constPromise(1, "B2", "B3")}, c); err != nil {
		t.Fatalf("err=%s", err)
	}
	if !strings.Contains(log.String(), `"bands":["B2","B3"]`) || !strings.Contains(log.String(), `"bareImage":false`) {
		t.Errorf("log=%s", log.String())
	}
}

func TestOpErrorWrapping(t *testing.T) {
	op := NewOpSelect([]string{"B7"}, nil)
	promises, err := op.MakePromises([]Promise{constPromise(4, "B1")}, newTestContext())
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	_, err = MaterializeAll(promises, 1, false)
	var oe *OpError
	if !errors.As(err, &oe) {
		t.Fatalf("err=%v; want *OpError", err)
	}
	if oe.Op != "select" || oe.ImageID != 4 || !errors.Is(err, ErrMissingBand) {
		t.Errorf("err=%#v; want select on image 4 wrapping ErrMissingBand", oe)
	}
	if NewOpError("x", 1, nil) != nil {
		t.Errorf("wrapping nil error returned non-nil")
	}
	if again := NewOpError("y", 2, oe); again != error(oe) {
		t.Errorf("rewrapped OpError")
	}
}

func TestLoadSaveRoundtrip(t *testing.T) {
	dir := t.TempDir()
	c := newTestContext()
	save := NewOpSave(filepath.Join(dir, "out%d.fits"))
	promises, err := save.MakePromises([]Promise{constPromise(7, "B1", "B2")}, c)
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	if _, err := MaterializeAll(promises, 1, true); err != nil {
		t.Fatalf("save: %s", err)
	}

	nodata := float32(2)
	load := NewOpLoad(7, filepath.Join(dir, "out7.fits"))
	load.BandNames = []string{"blue", "green"}
	load.Scale, load.Offset, load.NoData = 0.5, 1, &nodata
	promises, err = load.MakePromises(nil, c)
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	imgs, err := MaterializeAll(promises, 1, false)
	if err != nil {
		t.Fatalf("load: %s", err)
	}
	img := imgs[0]
	if names := strings.Join(img.BandNames(), ","); names != "blue,green" {
		t.Errorf("bands=%s; want blue,green", names)
	}
	if img.Bands[0].Data[0] != 1.5 || img.Bands[1].Valid() != 0 {
		t.Errorf("blue=%f green valid=%d; want 1.5 0", img.Bands[0].Data[0], img.Bands[1].Valid())
	}

	many := NewOpLoadMany([]string{filepath.Join(dir, "*.fits")})
	promises, err = many.MakePromises(nil, c)
	if err != nil || len(promises) != 1 {
		t.Errorf("loadMany promises=%d err=%v; want 1 nil", len(promises), err)
	}
	if _, err := NewOpLoadMany([]string{filepath.Join(dir, "*.none")}).MakePromises(nil, c); err == nil {
		t.Errorf("err=nil; want no files error")
	}
}

func TestLoadBands(t *testing.T) {
	dir := t.TempDir()
	c := newTestContext()
	files := map[string]string{}
	for i, name := range []string{"B2", "B10", "B1"} {
		img := raster.NewConstantImage(3, 2, "B1", float32(i))
		files[name] = filepath.Join(dir, name+".tif")
		if err := img.WriteMonoTIFF16ToFile(files[name], "B1", 0, 1); err != nil {
			t.Fatalf("write: %s", err)
		}
	}
	op := NewOpLoadBands(3, files)
	promises, err := op.MakePromises(nil, c)
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	imgs, err := MaterializeAll(promises, 1, false)
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	if names := strings.Join(imgs[0].BandNames(), ","); names != "B1,B2,B10" {
		t.Errorf("bands=%s; want B1,B2,B10", names)
	}
	if b, _ := imgs[0].Band("B10"); b.Data[5] != 65535 {
		t.Errorf("B10=%f; want 65535", b.Data[5])
	}

	delete(files, "B1")
	op = NewOpLoadBands(3, files)
	op.BandOrder = []string{"B1", "B2"}
	if _, err := op.MakePromises(nil, c); err == nil {
		t.Errorf("err=nil; want missing file error")
	}
}

func TestRestrictPaths(t *testing.T) {
	c := newTestContext()
	c.RestrictPaths = true
	for _, p := range []string{"/etc/passwd", "../secret.fits", "a/../../b.fits"} {
		if _, err := NewOpLoad(0, p).MakePromises(nil, c); err == nil {
			t.Errorf("%s: err=nil; want path error", p)
		}
	}
	if _, err := NewOpLoad(0, "data/scene.fits").MakePromises(nil, c); err != nil {
		t.Errorf("relative path rejected: %s", err)
	}
}

func TestSortBandNames(t *testing.T) {
	names := []string{"B10", "B8A", "B2", "B1", "B11", "B6_VCID_1", "cloudMask"}
	sortBandNames(names)
	got := strings.Join(names, ",")
	if got != "B1,B2,B10,B11,B6_VCID_1,B8A,cloudMask" {
		t.Errorf("sorted=%s", got)
	}
}

type closeCounter struct {
	OpBase
	closed int
	err    error
}

func (op *closeCounter) MakePromises(ins []Promise, c *Context) ([]Promise, error) {
	return ins, nil
}

func (op *closeCounter) Close() error {
	op.closed++
	return op.err
}

func TestCloseAll(t *testing.T) {
	a := &closeCounter{OpBase: OpBase{Type: "counter", Active: true}}
	b := &closeCounter{OpBase: OpBase{Type: "counter", Active: true}, err: errors.New("disk full")}
	seq := NewOpSequence(a, NewOpSelect([]string{"B1"}, nil), NewOpForEach(NewOpSequence(b)))

	err := CloseAll(seq)
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("err=%v; want disk full", err)
	}
	if a.closed != 1 || b.closed != 1 {
		t.Errorf("closed a=%d b=%d; want 1 1", a.closed, b.closed)
	}
	if err := CloseAll(NewOpSelect([]string{"B1"}, nil)); err != nil {
		t.Errorf("err=%v; want nil for an operator without resources", err)
	}
}
