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

package export

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/seabed-rs/shoals/internal/ops"
	"github.com/seabed-rs/shoals/internal/raster"
)

func TestOpRegionStats(t *testing.T) {
	fileName := filepath.Join(t.TempDir(), "stats.csv")
	var op OpRegionStats
	doc := `{"type":"regionStats","fileName":` + quote(fileName) + `,"bands":["A","B"]}`
	if err := json.Unmarshal([]byte(doc), &op); err != nil {
		t.Fatalf("err=%s", err)
	}
	if !op.Active || op.Type != "regionStats" {
		t.Fatalf("active=%v type=%s; want true regionStats", op.Active, op.Type)
	}

	mk := func(id int, scale float32) ops.Promise {
		return func() (*raster.Image, error) {
			img := raster.NewImage(2, 2)
			img.ID = id
			a, b := raster.NewBand("A", 4), raster.NewBand("B", 4)
			for i := 0; i < 4; i++ {
				a.Data[i] = scale * float32(i+1)
				b.Data[i] = 1
			}
			img.Bands = []*raster.Band{a, b}
			return img, nil
		}
	}
	c := ops.NewContext(io.Discard, zerolog.Nop())
	promises, err := op.MakePromises([]ops.Promise{mk(0, 1), mk(1, 2)}, c)
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	if _, err := ops.MaterializeAll(promises, 2, true); err != nil {
		t.Fatalf("err=%s", err)
	}
	if err := op.Close(); err != nil {
		t.Fatalf("close: %s", err)
	}

	data, err := os.ReadFile(fileName)
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%d; want 3:\n%s", len(lines), string(data))
	}
	if lines[0] != "ID,FileName,Count,Seen,AMean,AStdDev,ACV,BMean,BStdDev,BCV,CovAB" {
		t.Errorf("header=%s", lines[0])
	}
	found := false
	for _, l := range lines[1:] {
		if strings.HasPrefix(l, "1,,4,4,5,") {
			found = true
		}
	}
	if !found {
		t.Errorf("no line for image 1 with mean 5:\n%s", string(data))
	}
}

func TestCSVEscape(t *testing.T) {
	if got := csvEscape(`a,"b"`); got != `"a,""b"""` {
		t.Errorf("escape=%s", got)
	}
	if got := csvEscape("plain.fits"); got != "plain.fits" {
		t.Errorf("escape=%s", got)
	}
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
