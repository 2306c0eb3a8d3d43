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
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Tee log writer. Writes to stdout, and optionally to a file.
// Does not add prefixes, or force newlines.
type Tee struct {
	mutex  sync.Mutex
	out    io.Writer
	file   *bufio.Writer
	fileOS *os.File
}

// Default tee writing to stdout
var Std = NewTee(os.Stdout)

func NewTee(out io.Writer) *Tee {
	return &Tee{out: out}
}

// Enables logging to file in addition to the primary output. Closes any previous file
func (t *Tee) AlsoToFile(fileName string) (err error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if err = t.closeFile(); err != nil {
		return err
	}
	fileOS, err := os.OpenFile(fileName, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0666)
	if err != nil {
		return err
	}
	t.fileOS, t.file = fileOS, bufio.NewWriter(fileOS)
	return nil
}

func (t *Tee) Write(p []byte) (n int, err error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	n, err = t.out.Write(p)
	if err != nil || t.file == nil {
		return n, err
	}
	return t.file.Write(p)
}

// Flushes and closes the log file, if any
func (t *Tee) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.closeFile()
}

func (t *Tee) closeFile() error {
	if t.file == nil {
		return nil
	}
	err := t.file.Flush()
	if cerr := t.fileOS.Close(); err == nil {
		err = cerr
	}
	t.file, t.fileOS = nil, nil
	return err
}

// Enables logging to file on the default tee
func LogAlsoToFile(fileName string) error {
	return Std.AlsoToFile(fileName)
}

// Prints to the default tee
func LogPrintf(format string, args ...interface{}) (n int, err error) {
	return fmt.Fprintf(Std, format, args...)
}

// Prints to the default tee, closes the log file and exits with status 1
func LogFatalf(format string, args ...interface{}) {
	fmt.Fprintf(Std, format, args...)
	Std.Close()
	os.Exit(1)
}

// Resolves a log file name. %auto replaces the suffix of the output file with .log
// and drops any %d image number placeholder, or disables file logging without an output file
func AutoFileName(log, out string) string {
	if log != "%auto" {
		return log
	}
	if out == "" {
		return ""
	}
	out = strings.ReplaceAll(out, "%d", "")
	return strings.TrimSuffix(out, filepath.Ext(out)) + ".log"
}
