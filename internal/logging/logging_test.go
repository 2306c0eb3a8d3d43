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

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestTee(t *testing.T) {
	fileName := filepath.Join(t.TempDir(), "run.log")
	var buf bytes.Buffer
	tee := NewTee(&buf)
	tee.Write([]byte("before\n"))
	if err := tee.AlsoToFile(fileName); err != nil {
		t.Fatalf("err=%s", err)
	}
	tee.Write([]byte("after\n"))
	if err := tee.Close(); err != nil {
		t.Fatalf("err=%s", err)
	}
	tee.Write([]byte("closed\n"))

	if buf.String() != "before\nafter\nclosed\n" {
		t.Errorf("stdout=%q", buf.String())
	}
	data, err := os.ReadFile(fileName)
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	if string(data) != "after\n" {
		t.Errorf("file=%q; want %q", string(data), "after\n")
	}
}

func TestLogPrintfUsesStd(t *testing.T) {
	fileName := filepath.Join(t.TempDir(), "std.log")
	var buf bytes.Buffer
	saved := Std
	Std = NewTee(&buf)
	defer func() { Std = saved }()

	if err := LogAlsoToFile(fileName); err != nil {
		t.Fatalf("err=%s", err)
	}
	LogPrintf("Done after %ds\n", 3)
	if err := Std.Close(); err != nil {
		t.Fatalf("err=%s", err)
	}
	if buf.String() != "Done after 3s\n" {
		t.Errorf("stdout=%q", buf.String())
	}
	if data, _ := os.ReadFile(fileName); string(data) != "Done after 3s\n" {
		t.Errorf("file=%q", string(data))
	}
}

func TestAutoFileName(t *testing.T) {
	tests := []struct{ log, out, want string }{
		{"%auto", "dii.fits", "dii.log"},
		{"%auto", "dir/out.tif", "dir/out.log"},
		{"%auto", "", ""},
		{"%auto", "cloudfree%d.fits", "cloudfree.log"},
		{"x.txt", "out.fits", "x.txt"},
		{"", "out.fits", ""},
	}
	for _, test := range tests {
		if got := AutoFileName(test.log, test.out); got != test.want {
			t.Errorf("AutoFileName(%q,%q)=%q; want %q", test.log, test.out, got, test.want)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Options{Level: "WARN", JSON: true, Out: &buf})
	if err != nil {
		t.Fatalf("err=%s", err)
	}
	diiLogger := Component(logger, "dii")
	diiLogger.Info().Msg("hidden")
	diiLogger.Warn().Int("samples", 3).Msg("degenerate")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("lines=%d; want 1: %q", len(lines), buf.String())
	}
	var ev map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("err=%s", err)
	}
	if ev["level"] != "warn" || ev["component"] != "dii" || ev["samples"] != 3.0 || ev["message"] != "degenerate" {
		t.Errorf("event=%v", ev)
	}

	if _, err := NewLogger(Options{Level: "loud"}); err == nil {
		t.Errorf("err=nil; want invalid level")
	}
}
