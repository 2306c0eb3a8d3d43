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
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// FITS header data
type Header struct {
	Bools    map[string]bool
	Ints     map[string]int32
	Floats   map[string]float64
	Strings  map[string]string
	Dates    map[string]string
	Comments []string
	History  []string
	End      bool
	Length   int32
}

// Creates a FITS header initialized with empty maps and arrays
func NewHeader() Header {
	return Header{
		Bools:    make(map[string]bool),
		Ints:     make(map[string]int32),
		Floats:   make(map[string]float64),
		Strings:  make(map[string]string),
		Dates:    make(map[string]string),
		Comments: make([]string, 0),
		History:  make([]string, 0),
		End:      false,
	}
}

const fitsBlockSize int = 2880 // Block size of FITS header and data units
const headerLineSize int = 80  // Line size of a FITS header
const bufLen int = 16 * 1024   // input buffer length for reading from file

const propPrefix = "P_" // Header key prefix for image properties

var reParser *regexp.Regexp = compileRE() // Regexp parser for FITS header lines

// Reads an image from file. FITS cubes are read directly, optionally gzip-compressed;
// .tif and .tiff files are decoded as TIFF.
func NewImageFromFile(fileName string, id int, logWriter io.Writer) (*Image, error) {
	lExt := strings.ToLower(path.Ext(fileName))
	if lExt == ".tif" || lExt == ".tiff" {
		img, err := NewImageFromTIFFFile(fileName, nil)
		if err != nil {
			return nil, err
		}
		img.ID = id
		return img, nil
	}

	file, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var r io.Reader = bufio.NewReader(file)
	if lExt == ".gz" || lExt == ".gzip" {
		if r, err = gzip.NewReader(r); err != nil {
			return nil, err
		}
	}

	img := NewImage(0, 0)
	img.ID = id
	img.FileName = fileName
	return img, img.ReadFITS(r, logWriter)
}

func (f *Image) popHeaderInt32(key string) (res int32, err error) {
	if val, ok := f.Header.Ints[key]; ok {
		delete(f.Header.Ints, key)
		return val, nil
	}
	return 0, fmt.Errorf("%d: FITS header does not contain key %s", f.ID, key)
}

func (f *Image) popHeaderNumber(key string) (res float64, err error) {
	if val, ok := f.Header.Ints[key]; ok {
		delete(f.Header.Ints, key)
		return float64(val), nil
	} else if val, ok := f.Header.Floats[key]; ok {
		delete(f.Header.Floats, key)
		return val, nil
	}
	return 0, fmt.Errorf("%d: FITS header does not contain key %s", f.ID, key)
}

// Reads a FITS cube with axes (width, height, bands). NaN pixels are masked.
// Band names come from BANDn keys, georeference from CRVALn/CDELTn.
func (f *Image) ReadFITS(r io.Reader, logWriter io.Writer) (err error) {
	if err = f.Header.read(r, f.ID, logWriter); err != nil {
		return err
	}

	// check mandatory fields as per standard
	if !f.Header.Bools["SIMPLE"] {
		return fmt.Errorf("%d: Not a valid FITS file; SIMPLE=T missing in header", f.ID)
	}
	delete(f.Header.Bools, "SIMPLE")

	bitpix, err := f.popHeaderInt32("BITPIX")
	if err != nil {
		return err
	}
	naxis, err := f.popHeaderInt32("NAXIS")
	if err != nil {
		return err
	}
	if naxis < 2 || naxis > 3 {
		return fmt.Errorf("%d: Unsupported NAXIS=%d, need 2 or 3 axes", f.ID, naxis)
	}
	naxisn := []int32{1, 1, 1}
	for i := int32(1); i <= naxis; i++ {
		if naxisn[i-1], err = f.popHeaderInt32("NAXIS" + strconv.FormatInt(int64(i), 10)); err != nil {
			return err
		}
	}
	f.Width, f.Height = naxisn[0], naxisn[1]

	bzero, err := f.popHeaderNumber("BZERO")
	if err != nil {
		bzero = 0
	}
	bscale, err := f.popHeaderNumber("BSCALE")
	if err != nil {
		bscale = 1
	}

	f.Geo = IdentityGeoTransform()
	if v, err := f.popHeaderNumber("CRVAL1"); err == nil {
		f.Geo.OriginX = v
	}
	if v, err := f.popHeaderNumber("CRVAL2"); err == nil {
		f.Geo.OriginY = v
	}
	if v, err := f.popHeaderNumber("CDELT1"); err == nil {
		f.Geo.PixelWidth = v
	}
	if v, err := f.popHeaderNumber("CDELT2"); err == nil {
		f.Geo.PixelHeight = v
	}

	for key, v := range f.Header.Floats {
		if strings.HasPrefix(key, propPrefix) {
			f.Props[strings.ToLower(key[len(propPrefix):])] = v
			delete(f.Header.Floats, key)
		}
	}

	f.Bands = make([]*Band, naxisn[2])
	for i := range f.Bands {
		key := fmt.Sprintf("BAND%d", i+1)
		name, ok := f.Header.Strings[key]
		if ok {
			delete(f.Header.Strings, key)
		} else {
			name = fmt.Sprintf("B%d", i+1)
		}
		f.Bands[i] = NewBand(strings.TrimSpace(name), f.Pixels())
	}

	return f.readData(r, bitpix, float32(bscale), float32(bzero), logWriter)
}

// Batched read of the data cube, converting from network byte order and applying bscale and bzero
func (f *Image) readData(r io.Reader, bitpix int32, bscale, bzero float32, logWriter io.Writer) error {
	var decode func(b []byte) float32
	switch bitpix {
	case 8:
		decode = func(b []byte) float32 { return float32(b[0]) }
	case 16:
		decode = func(b []byte) float32 { return float32(int16(binary.BigEndian.Uint16(b))) }
	case 32:
		fmt.Fprintf(logWriter, "%d: Warning: loss of precision converting int%d to float32 values\n", f.ID, bitpix)
		decode = func(b []byte) float32 { return float32(int32(binary.BigEndian.Uint32(b))) }
	case -32:
		decode = func(b []byte) float32 { return math.Float32frombits(binary.BigEndian.Uint32(b)) }
	case -64:
		fmt.Fprintf(logWriter, "%d: Warning: loss of precision converting float%d to float32 values\n", f.ID, -bitpix)
		decode = func(b []byte) float32 { return float32(math.Float64frombits(binary.BigEndian.Uint64(b))) }
	default:
		return fmt.Errorf("%d: Unknown BITPIX value %d", f.ID, bitpix)
	}

	bytesPerValue := int(bitpix) / 8
	if bytesPerValue < 0 {
		bytesPerValue = -bytesPerValue
	}
	valuesPerBuf := bufLen / bytesPerValue
	buf := make([]byte, valuesPerBuf*bytesPerValue)
	pixels := f.Pixels()

	for _, band := range f.Bands {
		for block := 0; block < pixels; block += valuesPerBuf {
			size := pixels - block
			if size > valuesPerBuf {
				size = valuesPerBuf
			}
			if _, err := io.ReadFull(r, buf[:size*bytesPerValue]); err != nil {
				return fmt.Errorf("%d: reading band %s: %s", f.ID, band.Name, err.Error())
			}
			for i := 0; i < size; i++ {
				v := decode(buf[i*bytesPerValue:])*bscale + bzero
				if math.IsNaN(float64(v)) {
					band.Data[block+i], band.Mask[block+i] = 0, false
				} else {
					band.Data[block+i] = v
				}
			}
		}
	}
	return nil
}

func (h *Header) read(r io.Reader, id int, logWriter io.Writer) error {
	buf := make([]byte, fitsBlockSize)

	for h.Length = 0; !h.End; {
		// read next header unit
		bytesRead, err := io.ReadFull(r, buf)
		if err != nil {
			return fmt.Errorf("%d: %s", id, err.Error())
		}
		h.Length += int32(bytesRead)

		// parse all lines in this header unit
		for lineNo := 0; lineNo < fitsBlockSize/headerLineSize && !h.End; lineNo++ {
			line := buf[lineNo*headerLineSize : (lineNo+1)*headerLineSize]
			subValues := reParser.FindSubmatch(line)
			if subValues == nil {
				fmt.Fprintf(logWriter, "%d: Warning: Cannot parse '%s', ignoring\n", id, string(line))
			} else {
				h.readLine(reParser.SubexpNames(), subValues, id, lineNo, logWriter)
			}
		}
	}
	return nil
}

func (h *Header) readLine(subNames []string, subValues [][]byte, id, lineNo int, logWriter io.Writer) {
	key := ""
	// ignore index 0 which is the whole line
	for i := 1; i < len(subNames); i++ {
		if subValues[i] == nil || len(subNames[i]) != 1 {
			continue
		}
		switch c := subNames[i][0]; c {
		case 'E': // end line
			h.End = true
		case 'H': // history line
			h.History = append(h.History, string(subValues[i]))
		case 'C': // comment line
			h.Comments = append(h.Comments, string(subValues[i]))
		case 'k': // key
			key = string(subValues[i])
		case 'b': // boolean
			if len(subValues[i]) > 0 {
				v := subValues[i][0]
				h.Bools[key] = v == 't' || v == 'T'
			}
		case 'i': // int
			if val, err := strconv.ParseInt(string(subValues[i]), 10, 64); err == nil {
				h.Ints[key] = int32(val)
			}
		case 'f': // float
			s := strings.Replace(string(subValues[i]), "D", "E", 1)
			if val, err := strconv.ParseFloat(s, 64); err == nil {
				h.Floats[key] = val
			}
		case 's': // string
			h.Strings[key] = string(subValues[i])
		case 'd': // date
			h.Dates[key] = string(subValues[i])
		case 'c': // value comments are ignored
		default:
			fmt.Fprintf(logWriter, "%d:%d: Warning: Unknown token '%s'\n", id, lineNo, string(c))
		}
	}
}

// Build regexp parser for FITS header lines
func compileRE() *regexp.Regexp {
	white := "\\s+"
	whiteOpt := "\\s*"

	histLine := "HISTORY" + whiteOpt + "(?P<H>.*)"
	commLine := "COMMENT" + whiteOpt + "(?P<C>.*)"
	endLine := "(?P<E>END)" + whiteOpt

	key := "(?P<k>[A-Z0-9_-]+)"
	boo := "(?P<b>[TF])"
	inte := "(?P<i>[+-]?[0-9]+)"
	floa := "(?P<f>[+-]?(?:[0-9]+\\.?[0-9]*|\\.[0-9]+)(?:[EDed][-+]?[0-9]+)?)"
	stri := "'(?P<s>[^']*)'"
	date := "(?P<d>[0-9]{1,4}-?[012][0-9]-?[0123][0-9]T[012][0-9]:?[0-5][0-9]:?[0-5][0-9].?[0-9]*)"
	val := "(?:" + boo + "|" + date + "|" + inte + "|" + floa + "|" + stri + ")"

	commOpt := "(?:/(?P<c>.*))?"
	keyLine := key + whiteOpt + "=" + whiteOpt + val + whiteOpt + commOpt

	lineRe := "^(?:" + white + "|" + histLine + "|" + commLine + "|" + keyLine + "|" + endLine + ")$"
	return regexp.MustCompile(lineRe)
}
