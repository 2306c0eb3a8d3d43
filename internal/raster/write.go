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
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
)

// Writes an image to a FITS file with given filename. Creates/overwrites the file if necessary
func (f *Image) WriteFile(fileName string) error {
	file, err := os.OpenFile(fileName, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	if err = f.Write(w); err != nil {
		return err
	}
	return w.Flush()
}

// Writes an image as a 32-bit float FITS cube. Masked pixels are written as NaN.
func (f *Image) Write(w io.Writer) error {
	// Build header in string buffer
	sb := strings.Builder{}
	writeBool(&sb, "SIMPLE", true, "FITS standard 4.0")
	writeInt(&sb, "BITPIX", -32, "32-bit floating point")
	writeInt(&sb, "NAXIS", 3, "Number of axes")
	writeInt(&sb, "NAXIS1", int(f.Width), "Width")
	writeInt(&sb, "NAXIS2", int(f.Height), "Height")
	writeInt(&sb, "NAXIS3", len(f.Bands), "Bands")
	writeFloat64(&sb, "CRVAL1", f.Geo.OriginX, "Origin x of upper left corner")
	writeFloat64(&sb, "CRVAL2", f.Geo.OriginY, "Origin y of upper left corner")
	writeFloat64(&sb, "CDELT1", f.Geo.PixelWidth, "Pixel width")
	writeFloat64(&sb, "CDELT2", f.Geo.PixelHeight, "Pixel height")
	for i, b := range f.Bands {
		writeString(&sb, fmt.Sprintf("BAND%d", i+1), b.Name, "Band name")
	}

	keys := make([]string, 0, len(f.Props))
	for k := range f.Props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := f.Props[k]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue // not representable as FITS value
		}
		writeFloat64(&sb, propPrefix+strings.ToUpper(k), v, "Image property "+k)
	}
	writeEnd(&sb)

	// Pad current header block with spaces if necessary
	if bytesInHeaderBlock := sb.Len() % fitsBlockSize; bytesInHeaderBlock > 0 {
		sb.WriteString(strings.Repeat(" ", fitsBlockSize-bytesInHeaderBlock))
	}
	if _, err := io.WriteString(w, sb.String()); err != nil {
		return err
	}

	written := 0
	for _, b := range f.Bands {
		if err := writeFloat32Array(w, b.Data, b.Mask); err != nil {
			return err
		}
		written += len(b.Data) * 4
	}

	// Pad data unit with zeros
	if rest := written % fitsBlockSize; rest > 0 {
		if _, err := w.Write(make([]byte, fitsBlockSize-rest)); err != nil {
			return err
		}
	}
	return nil
}

func truncKeyComment(key, comment string) (string, string) {
	if len(key) > 8 {
		key = key[0:8]
	}
	if len(comment) > 47 {
		comment = comment[0:47]
	}
	return key, comment
}

// Writes a FITS header boolean value
func writeBool(w io.Writer, key string, value bool, comment string) {
	key, comment = truncKeyComment(key, comment)
	v := "F"
	if value {
		v = "T"
	}
	fmt.Fprintf(w, "%-8s= %20s / %-47s", key, v, comment)
}

// Writes a FITS header integer value
func writeInt(w io.Writer, key string, value int, comment string) {
	key, comment = truncKeyComment(key, comment)
	fmt.Fprintf(w, "%-8s= %20d / %-47s", key, value, comment)
}

// Writes a FITS header float64 value. Always carries a decimal point or exponent so it reads back as float
func writeFloat64(w io.Writer, key string, value float64, comment string) {
	key, comment = truncKeyComment(key, comment)
	s := fmt.Sprintf("%.13G", value)
	if !strings.ContainsAny(s, ".E") {
		s += ".0"
	}
	fmt.Fprintf(w, "%-8s= %20s / %-47s", key, s, comment)
}

// Writes a FITS header string value. Values longer than 68 characters are truncated
func writeString(w io.Writer, key, value, comment string) {
	key, _ = truncKeyComment(key, "")
	value = strings.ReplaceAll(value, "'", "")
	if len(value) > 68 {
		value = value[:68]
	}
	line := fmt.Sprintf("%-8s= '%-8s'", key, value)
	if len(line)+3+len(comment) <= headerLineSize {
		line += " / " + comment
	}
	fmt.Fprintf(w, "%-80s", line)
}

// Writes a FITS header end record
func writeEnd(w io.Writer) {
	fmt.Fprintf(w, "END%s", strings.Repeat(" ", headerLineSize-3))
}

// Writes FITS binary body data in network byte order. Masked pixels are written as NaN
func writeFloat32Array(w io.Writer, data []float32, mask []bool) error {
	buf := make([]byte, bufLen)
	nan := float32(math.NaN())

	for block := 0; block < len(data); block += (bufLen >> 2) {
		size := len(data) - block
		if size > (bufLen >> 2) {
			size = (bufLen >> 2)
		}

		for offset := 0; offset < size; offset++ {
			d := data[block+offset]
			if !mask[block+offset] {
				d = nan
			}
			val := math.Float32bits(d)
			buf[(offset<<2)+0] = byte(val >> 24)
			buf[(offset<<2)+1] = byte(val >> 16)
			buf[(offset<<2)+2] = byte(val >> 8)
			buf[(offset<<2)+3] = byte(val)
		}
		if _, err := w.Write(buf[:(size << 2)]); err != nil {
			return err
		}
	}
	return nil
}
