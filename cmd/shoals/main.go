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
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"

	"github.com/seabed-rs/shoals/internal/geometry"
	"github.com/seabed-rs/shoals/internal/logging"
	"github.com/seabed-rs/shoals/internal/ops"
	"github.com/seabed-rs/shoals/internal/ops/cloud"
	"github.com/seabed-rs/shoals/internal/ops/dii"
	"github.com/seabed-rs/shoals/internal/ops/export"
	"github.com/seabed-rs/shoals/internal/ops/land"
	"github.com/seabed-rs/shoals/internal/raster"
	"github.com/seabed-rs/shoals/internal/region"
	"github.com/seabed-rs/shoals/internal/rest"
	"github.com/seabed-rs/shoals/internal/stats"
)

const version = "0.3.0"

var totalMiBs = memory.TotalMemory() / 1024 / 1024

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var out = flag.String("out", "out%d.fits", "save output to `file`, with %d replaced by the image number. .fits saves all bands, .tif the band given by -tiffBand")
var logFile = flag.String("log", "%auto", "save log output to `file`. `%auto` replaces suffix of output file with .log")
var logLevel = flag.String("logLevel", "info", "structured log level: debug, info, warn or error")
var logJSON = flag.Bool("logJSON", false, "write structured log events as JSON lines to stderr")

var bandNames = flag.String("bands", "", "comma-separated names for the bands of each input file, default from the file")
var bandScale = flag.Float64("bandScale", 1, "scale input values to reflectance, e.g. 0.0001 for Sentinel-2 L1C digital numbers")
var bandOffset = flag.Float64("bandOffset", 0, "offset added to scaled input values")
var noData = flag.String("noData", "", "mask input pixels with this raw value")

var sat = flag.String("sat", "Sentinel2", "satellite for cloud scoring: Sentinel2, Landsat8, Landsat7 or Landsat5")
var thresh = flag.Float64("thresh", 20, "cloud score threshold in [0,100]. Pixels scoring below are kept as clear")
var keepScore = flag.Bool("keepScore", false, "also output the cloud score band")

var landFile = flag.String("land", "", "mask pixels covered by the GeoJSON land geometry in `file`")
var sandFile = flag.String("sand", "", "sample DII statistics from the GeoJSON sand geometry in `file`")
var scale = flag.Float64("scale", 10, "sampling distance for region statistics, in ground units")
var maxPixels = flag.Int64("maxPixels", region.DefaultMaxPixels, "maximum number of pixels in region statistics")
var bestEffort = flag.Bool("bestEffort", false, "subsample regions exceeding -maxPixels instead of failing")
var allowDegenerate = flag.Bool("allowDegenerate", false, "propagate non-finite DII coefficients instead of failing")
var sampleMemory = flag.Int64("sampleMemory", int64((totalMiBs*7)/10), "total MiB of memory to use for region samples, default=0.7x physical memory")

var csvFile = flag.String("csv", "", "stats: also write region statistics to CSV `file`")
var bandCsvFile = flag.String("bandCsv", "", "stats: also write per-band statistics to CSV `file`")
var csvBands = flag.String("csvBands", "B1,B2,B3", "stats: comma-separated bands for region statistics")
var regionFile = flag.String("region", "", "stats: restrict region statistics to the GeoJSON geometry in `file`")

var pipelineFile = flag.String("pipeline", "", "run: JSON or YAML pipeline `file`")
var threads = flag.Int("threads", 0, "number of threads, 0=all cores")

var addr = flag.String("addr", ":8080", "serve: listen address")
var chroot = flag.String("chroot", "", "serve: change filesystem root to `dir` before serving (requires root)")
var setuid = flag.Int("setuid", -1, "serve: change user id before serving, -1=keep")

// Exit codes
const (
	exitError      = 1
	exitUsage      = 2
	exitDegenerate = 3
	exitTooLarge   = 4
)

func main() {
	logWriter := logging.Std
	start := time.Now()
	flag.Usage = func() {
		fmt.Fprintf(logWriter, `Shoals Copyright (c) 2024 The Shoals Authors, portions Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (stats|cloudscore|landmask|dii|run|serve|legal|version|help) (img0.fits ... imgn.fits)

Commands:
  stats      Show input band statistics, optionally writing region statistics to CSV
  cloudscore Mask cloudy pixels and add a cloudMask band
  landmask   Mask pixels covered by a land geometry
  dii        Compute depth-invariant indices from sand statistics
  run        Run a JSON or YAML pipeline on the inputs
  serve      Serve the REST API
  legal      Show license and attribution information
  version    Show version and system information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(exitUsage)
	}

	logger, err := logging.NewLogger(logging.Options{Level: *logLevel, JSON: *logJSON})
	if err != nil {
		logging.LogFatalf("Error: %s\n", err.Error())
	}

	// Initialize logging to file in addition to stdout, if selected
	if args[0] != "serve" {
		if *logFile = logging.AutoFileName(*logFile, *out); *logFile != "" {
			if err := logging.LogAlsoToFile(*logFile); err != nil {
				logging.LogFatalf("Unable to open logfile '%s'\n", *logFile)
			}
		}
	}
	defer logging.Std.Close()

	// Enable CPU profiling if flagged
	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			logging.LogFatalf("Could not create CPU profile: %s\n", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			logging.LogFatalf("Could not start CPU profile: %s\n", err)
		}
		defer pprof.StopCPUProfile()
	}

	c := ops.NewContext(logWriter, logger)
	if *threads > 0 {
		c.MaxThreads = *threads
	}
	c.MaxPixels, c.BestEffort, c.SampleMemoryMB = *maxPixels, *bestEffort, int(*sampleMemory)

	switch args[0] {
	case "stats":
		err = cmdStats(args[1:], c)
	case "cloudscore":
		op := cloud.NewOpCloudScore(*sat, *thresh)
		op.KeepScore = *keepScore
		err = runOnFiles(args[1:], c, op, saveOp())
	case "landmask":
		if *landFile == "" {
			err = fmt.Errorf("landmask needs a -land geometry file")
			break
		}
		err = runOnFiles(args[1:], c, land.NewOpLandMask(nil, *landFile), saveOp())
	case "dii":
		if *sandFile == "" {
			err = fmt.Errorf("dii needs a -sand geometry file")
			break
		}
		op := dii.NewOpDII(*scale, nil, *sandFile)
		op.AllowDegenerate = *allowDegenerate
		err = runOnFiles(args[1:], c, op, saveOp())
	case "run":
		err = cmdRun(args[1:], c)
	case "serve":
		if err = rest.MakeSandbox(*chroot, *setuid, logger); err == nil {
			err = rest.Serve(rest.Config{Addr: *addr, MaxThreads: c.MaxThreads, MaxPixels: *maxPixels, Logger: logging.Component(logger, "rest")})
		}
	case "legal":
		fmt.Fprint(logWriter, legal)
	case "version":
		cmdVersion(logWriter)
	case "help", "?":
		flag.Usage()
	default:
		logging.LogPrintf("Unknown command '%s'\n\n", args[0])
		flag.Usage()
		logging.Std.Close()
		os.Exit(exitUsage)
	}

	if args[0] != "legal" && args[0] != "version" && args[0] != "help" && args[0] != "?" {
		logging.LogPrintf("\nDone after %v\n", time.Since(start))
	}

	// Store memory profile if flagged
	if *memprofile != "" {
		f, perr := os.Create(*memprofile)
		if perr != nil {
			logging.LogFatalf("Could not create memory profile: %s\n", perr)
		}
		runtime.GC() // get up-to-date statistics
		if perr := pprof.Lookup("allocs").WriteTo(f, 0); perr != nil {
			logging.LogFatalf("Could not write allocation profile: %s\n", perr)
		}
		f.Close()
	}

	if err != nil {
		logging.LogPrintf("Error: %s\n", err.Error())
		logging.Std.Close()
		os.Exit(exitCode(err))
	}
}

// Maps errors to process exit codes
func exitCode(err error) int {
	switch {
	case errors.Is(err, ops.ErrDegenerateStatistics):
		return exitDegenerate
	case errors.Is(err, ops.ErrTooManyPixels):
		return exitTooLarge
	case errors.Is(err, ops.ErrUnsupportedSatellite):
		return exitUsage
	}
	return exitError
}

// Load operator for the given file patterns, configured from the band flags
func loadOp(patterns []string) (*ops.OpLoadMany, error) {
	op := ops.NewOpLoadMany(patterns)
	op.Scale, op.Offset = float32(*bandScale), float32(*bandOffset)
	if *bandNames != "" {
		op.BandNames = splitList(*bandNames)
	}
	if *noData != "" {
		var v float32
		if _, err := fmt.Sscanf(*noData, "%g", &v); err != nil {
			return nil, fmt.Errorf("invalid -noData value %q: %w", *noData, err)
		}
		op.NoData = &v
	}
	return op, nil
}

func saveOp() *ops.OpSave {
	return ops.NewOpSave(*out)
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

// Loads all files matching the patterns, and applies the given steps to each
func runOnFiles(patterns []string, c *ops.Context, steps ...ops.Operator) error {
	if len(patterns) == 0 {
		return fmt.Errorf("no input files given")
	}
	load, err := loadOp(patterns)
	if err != nil {
		return err
	}
	seq := ops.NewOpSequence(load)
	seq.Append(steps...)
	return runSequence(seq, c)
}

func runSequence(seq *ops.OpSequence, c *ops.Context) error {
	m, err := json.MarshalIndent(seq, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(c.Log, "Running with these settings:\n%s\n\n", string(m))

	promises, err := seq.MakePromises(nil, c)
	if err == nil {
		_, err = ops.MaterializeAll(promises, c.MaxThreads, true)
	}
	return errors.Join(err, ops.CloseAll(seq))
}

// Runs a pipeline file. Input patterns, if any, are loaded first
func cmdRun(patterns []string, c *ops.Context) error {
	if *pipelineFile == "" {
		return fmt.Errorf("run needs a -pipeline file")
	}
	pipeline, err := ops.ReadPipelineFile(*pipelineFile)
	if err != nil {
		return err
	}
	seq := ops.NewOpSequence()
	if len(patterns) > 0 {
		load, err := loadOp(patterns)
		if err != nil {
			return err
		}
		seq.Append(load)
	}
	seq.Append(pipeline)
	return runSequence(seq, c)
}

// Prints basic statistics for each band of each input, and optionally writes region statistics to CSV
func cmdStats(patterns []string, c *ops.Context) error {
	if len(patterns) == 0 {
		return fmt.Errorf("no input files given")
	}
	load, err := loadOp(patterns)
	if err != nil {
		return err
	}
	printStats, err := newOpPrintStats(*bandCsvFile)
	if err != nil {
		return err
	}
	seq := ops.NewOpSequence(load, ops.NewOpForEach(printStats))
	if *csvFile != "" {
		op := export.NewOpRegionStats(*csvFile, splitList(*csvBands))
		op.Scale = *scale
		if *regionFile != "" {
			if op.Region, err = geometry.ReadFile(*regionFile); err != nil {
				return err
			}
		}
		seq.Append(op)
	}
	return runSequence(seq, c)
}

// Prints basic statistics of each band, optionally also writing them to CSV. Takes n inputs, produces n outputs
type opPrintStats struct {
	ops.OpUnaryBase
	mutex sync.Mutex
	csv   *os.File
}

func newOpPrintStats(csvName string) (*opPrintStats, error) {
	op := opPrintStats{OpUnaryBase: ops.OpUnaryBase{OpBase: ops.OpBase{Type: "printStats", Active: true}}}
	op.OpUnaryBase.Apply = op.Apply
	if csvName != "" {
		f, err := os.Create(csvName)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(f, "ID,FileName,Band,%s\n", (&stats.Basic{}).ToCSVHeader())
		op.csv = f
	}
	return &op, nil
}

func (op *opPrintStats) Apply(f *raster.Image, c *ops.Context) (*raster.Image, error) {
	var sb, csv strings.Builder
	fmt.Fprintf(&sb, "%d: %s %s\n", f.ID, f.FileName, f.DimensionsToString())
	for _, b := range f.Bands {
		s := stats.CalcBasic(b.Data, b.Mask)
		fmt.Fprintf(&sb, "%d:   %-10s %s\n", f.ID, b.Name, s)
		fmt.Fprintf(&csv, "%d,%s,%s,%s\n", f.ID, f.FileName, b.Name, s.ToCSVLine())
	}
	fmt.Fprint(c.Log, sb.String())

	op.mutex.Lock()
	defer op.mutex.Unlock()
	if op.csv != nil {
		if _, err := op.csv.WriteString(csv.String()); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Closes the CSV file, if any
func (op *opPrintStats) Close() error {
	op.mutex.Lock()
	defer op.mutex.Unlock()
	if op.csv == nil {
		return nil
	}
	err := op.csv.Close()
	op.csv = nil
	return err
}

func cmdVersion(w io.Writer) {
	fmt.Fprintf(w, "Shoals version %s\n", version)
	fmt.Fprintf(w, "CPU: %s, %d physical cores, %d logical cores, AVX2=%v\n",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, cpuid.CPU.AVX2())
	fmt.Fprintf(w, "Memory: %d MiB total, %d MiB for region samples\n", totalMiBs, *sampleMemory)
	fmt.Fprintf(w, "Go: %s %s/%s, GOMAXPROCS=%d\n", runtime.Version(), runtime.GOOS, runtime.GOARCH, runtime.GOMAXPROCS(0))
}
