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

package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/seabed-rs/shoals/internal/ops"
	"github.com/seabed-rs/shoals/internal/raster"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.New("boom"), exitError},
		{ops.NewOpError("dii", 2, fmt.Errorf("sand: %w", ops.ErrDegenerateStatistics)), exitDegenerate},
		{errors.Join(errors.New("other"), ops.NewOpError("dii", 3, ops.ErrTooManyPixels)), exitTooLarge},
		{fmt.Errorf("cloudScore operator: %w", ops.ErrUnsupportedSatellite), exitUsage},
	}
	for _, test := range tests {
		if got := exitCode(test.err); got != test.want {
			t.Errorf("exitCode(%v)=%d; want %d", test.err, got, test.want)
		}
	}
}

func TestSplitList(t *testing.T) {
	if got := strings.Join(splitList(" B2, B3 ,B4"), "|"); got != "B2|B3|B4" {
		t.Errorf("splitList=%s", got)
	}
}

func TestPrintStatsWritesCSV(t *testing.T) {
	fileName := filepath.Join(t.TempDir(), "bands.csv")
	op, err := newOpPrintStats(fileName)
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	var log bytes.Buffer
	c := ops.NewContext(&log, zerolog.Nop())
	for id := 1; id <= 2; id++ {
		img := raster.NewImage(2, 2)
		img.ID, img.FileName = id, fmt.Sprintf("scene%d.fits", id)
		b := raster.NewBand("B2", 4)
		copy(b.Data, []float32{1, 2, 3, 4})
		img.Bands = []*raster.Band{b}
		if _, err := op.Apply(img, c); err != nil {
			t.Fatalf("err=%s", err)
		}
	}
	if err := ops.CloseAll(ops.NewOpSequence(ops.NewOpForEach(op))); err != nil {
		t.Fatalf("close: err=%s", err)
	}
	if err := op.Close(); err != nil {
		t.Errorf("second close: err=%s", err)
	}

	data, err := os.ReadFile(fileName)
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	want := "ID,FileName,Band,Min,Max,Mean,StdDev,Valid,Total\n" +
		"1,scene1.fits,B2,1,4,2.5,1.29099,4,4\n" +
		"2,scene2.fits,B2,1,4,2.5,1.29099,4,4\n"
	if string(data) != want {
		t.Errorf("csv=%q; want %q", string(data), want)
	}
	if !strings.Contains(log.String(), "Min 1 Max 4 Mean 2.5") {
		t.Errorf("log=%q", log.String())
	}
}

func TestPrintStatsWithoutCSV(t *testing.T) {
	op, err := newOpPrintStats("")
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	if err := op.Close(); err != nil {
		t.Errorf("err=%s", err)
	}
}
