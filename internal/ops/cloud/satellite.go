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

package cloud

import (
	"fmt"
	"strings"

	"github.com/seabed-rs/shoals/internal/ops"
)

// Satellite sensors with a cloud score profile
type Satellite int

const (
	Sentinel2 Satellite = iota
	Landsat8
	Landsat7
	Landsat5
)

var satelliteNames = []string{"Sentinel2", "Landsat8", "Landsat7", "Landsat5"}

func (s Satellite) String() string {
	if s < 0 || int(s) >= len(satelliteNames) {
		return fmt.Sprintf("Satellite(%d)", int(s))
	}
	return satelliteNames[s]
}

// Parses a satellite name. Matching ignores case, dashes, underscores and spaces, and accepts
// a product suffix after the mission, e.g. "Sentinel", "sentinel-2", "S2", "Sentinel2_BOA",
// "Landsat 8", "L8", "LANDSAT_7". Other Sentinel missions are unsupported.
func ParseSatellite(name string) (Satellite, error) {
	n := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(name))
	switch {
	case n == "s2" || n == "sentinel" || strings.HasPrefix(n, "sentinel2"):
		return Sentinel2, nil
	case n == "l8" || strings.HasPrefix(n, "landsat8"):
		return Landsat8, nil
	case n == "l7" || strings.HasPrefix(n, "landsat7"):
		return Landsat7, nil
	case n == "l5" || strings.HasPrefix(n, "landsat5"):
		return Landsat5, nil
	}
	return 0, fmt.Errorf("%w: '%s'", ops.ErrUnsupportedSatellite, name)
}

func (s Satellite) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Satellite) UnmarshalText(text []byte) error {
	sat, err := ParseSatellite(string(text))
	if err != nil {
		return err
	}
	*s = sat
	return nil
}

// A cloud indicator: a band expression linearly rescaled from [Lo,Hi] to [0,1]
type Indicator struct {
	Expr string
	Lo   float64
	Hi   float64
}

// Cloud score parameters of one satellite
type Profile struct {
	Satellite  Satellite
	Bands      []string    // Required bands
	Indicators []Indicator // Brightness and temperature indicators
	NDSIGreen  string      // Green band of the snow index
	NDSISWIR   string      // Short-wave infrared band of the snow index
}

// Rescale range of the normalized difference snow index. Inverted, so snow scores low
var ndsiRange = [2]float64{0.8, 0.6}

var profiles = map[Satellite]*Profile{
	Sentinel2: {
		Satellite: Sentinel2,
		Bands:     []string{"B1", "B2", "B3", "B4", "B8", "B11", "B12"},
		Indicators: []Indicator{
			{"img.B2", 0.01, 0.3},                     // bright in blue
			{"img.B1", 0.01, 0.3},                     // aerosols
			{"img.B4 + img.B3 + img.B2", 0.01, 0.8},   // bright in all visible bands
			{"img.B8 + img.B11 + img.B12", 0.01, 0.8}, // bright in infrared
		},
		NDSIGreen: "B3",
		NDSISWIR:  "B11",
	},
	Landsat8: {
		Satellite: Landsat8,
		Bands:     []string{"B1", "B2", "B3", "B4", "B5", "B6", "B7", "B10"},
		Indicators: []Indicator{
			{"img.B2", 0.01, 0.3},
			{"img.B1", 0.01, 0.3},
			{"img.B4 + img.B3 + img.B2", 0.01, 0.8},
			{"img.B5 + img.B6 + img.B7", 0.01, 0.8},
			{"img.B10", 296, 280}, // cool in thermal infrared
		},
		NDSIGreen: "B3",
		NDSISWIR:  "B6",
	},
	Landsat7: {
		Satellite: Landsat7,
		Bands:     []string{"B1", "B2", "B3", "B4", "B5", "B6_VCID_1", "B7"},
		Indicators: []Indicator{
			{"img.B1", 0.01, 0.3},
			{"img.B3 + img.B2 + img.B1", 0.01, 0.8},
			{"img.B4 + img.B5 + img.B7", 0.01, 0.8},
			{"img.B6_VCID_1", 296, 280},
		},
		NDSIGreen: "B3",
		NDSISWIR:  "B5",
	},
	Landsat5: {
		Satellite: Landsat5,
		Bands:     []string{"B1", "B2", "B3", "B4", "B5", "B6", "B7"},
		Indicators: []Indicator{
			{"img.B1", 0.01, 0.3},
			{"img.B3 + img.B2 + img.B1", 0.01, 0.8},
			{"img.B4 + img.B5 + img.B7", 0.01, 0.8},
			{"img.B6", 296, 280},
		},
		NDSIGreen: "B3",
		NDSISWIR:  "B5",
	},
}

// Returns the cloud score profile of the given satellite
func ProfileOf(s Satellite) (*Profile, error) {
	p, ok := profiles[s]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ops.ErrUnsupportedSatellite, s)
	}
	return p, nil
}
