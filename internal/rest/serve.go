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

package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/seabed-rs/shoals/internal/logging"
	"github.com/seabed-rs/shoals/internal/ops"
	"github.com/seabed-rs/shoals/internal/ops/cloud"
	"github.com/seabed-rs/shoals/internal/ops/dii"
	_ "github.com/seabed-rs/shoals/internal/ops/export" // registers regionStats for pipelines
	"github.com/seabed-rs/shoals/internal/ops/land"
)

// Server settings
type Config struct {
	Addr            string
	MaxThreads      int
	MaxPixels       int64
	ShutdownTimeout time.Duration
	Logger          zerolog.Logger
}

// Builds the router with all API routes. Request paths are restricted to the working directory tree
func NewRouter(cfg Config) *gin.Engine {
	s := &server{cfg: cfg}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(cfg.Logger))
	api := r.Group("/api")
	{
		v1 := api.Group("/v1")
		{
			v1.GET("/ping", getPing)
			v1.POST("/run", s.postRun)
			v1.POST("/cloudscore", s.postCloudScore)
			v1.POST("/landmask", s.postLandMask)
			v1.POST("/dii", s.postDII)
		}
	}
	return r
}

// Serves the API until the listener fails or an interrupt or SIGTERM arrives, then shuts down gracefully
func Serve(cfg Config) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	return serveListener(cfg, ln, sigCh)
}

func serveListener(cfg Config, ln net.Listener, sigCh <-chan os.Signal) error {
	srv := &http.Server{Handler: NewRouter(cfg)}
	errCh := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()
	cfg.Logger.Info().Str("addr", ln.Addr().String()).Msg("listening")

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		cfg.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
		timeout := cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return err
		}
		return <-errCh
	}
}

// Logs one structured event per request
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := logger.Info()
		if c.Writer.Status() >= http.StatusBadRequest {
			ev = logger.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

func getPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
	})
}

type server struct {
	cfg Config
}

func (s *server) newContext(log io.Writer) *ops.Context {
	ctx := ops.NewContext(log, s.cfg.Logger)
	ctx.RestrictPaths = true
	if s.cfg.MaxThreads > 0 {
		ctx.MaxThreads = s.cfg.MaxThreads
	}
	if s.cfg.MaxPixels > 0 {
		ctx.MaxPixels = s.cfg.MaxPixels
	}
	return ctx
}

// Input files shared by all requests. Load parameters apply to every matched file
type loadArgs struct {
	FilePatterns []string `json:"filePatterns"`
	BandNames    []string `json:"bandNames,omitempty"`
	Scale        *float32 `json:"scale,omitempty"`
	Offset       float32  `json:"offset"`
	NoData       *float32 `json:"noData,omitempty"`
}

func (a *loadArgs) op() *ops.OpLoadMany {
	op := ops.NewOpLoadMany(a.FilePatterns)
	op.BandNames, op.Offset, op.NoData = a.BandNames, a.Offset, a.NoData
	if a.Scale != nil {
		op.Scale = *a.Scale
	}
	return op
}

type postRunArgs struct {
	loadArgs
	Pipeline json.RawMessage `json:"pipeline"`
}

func (s *server) postRun(c *gin.Context) {
	var args postRunArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		badRequest(c, err)
		return
	}
	if len(args.Pipeline) == 0 {
		badRequest(c, errors.New("pipeline is required"))
		return
	}
	pipeline, err := ops.UnmarshalOperator(args.Pipeline)
	if err != nil {
		badRequest(c, err)
		return
	}
	seq := ops.NewOpSequence()
	if len(args.FilePatterns) > 0 {
		seq.Append(args.op())
	}
	seq.Append(pipeline)
	s.run(c, args, seq)
}

type postCloudScoreArgs struct {
	loadArgs
	CloudScore *cloud.OpCloudScore `json:"cloudScore"`
	Save       *ops.OpSave         `json:"save"`
}

func (s *server) postCloudScore(c *gin.Context) {
	var args postCloudScoreArgs
	if !bindWithFiles(c, &args, &args.loadArgs) {
		return
	}
	if args.CloudScore == nil {
		args.CloudScore = cloud.NewOpCloudScoreDefault()
	}
	s.run(c, args, ops.NewOpSequence(args.op(), args.CloudScore, saveOrNop(args.Save)))
}

type postLandMaskArgs struct {
	loadArgs
	LandMask *land.OpLandMask `json:"landMask"`
	Save     *ops.OpSave      `json:"save"`
}

func (s *server) postLandMask(c *gin.Context) {
	var args postLandMaskArgs
	if !bindWithFiles(c, &args, &args.loadArgs) {
		return
	}
	if args.LandMask == nil {
		args.LandMask = land.NewOpLandMaskDefault()
	}
	s.run(c, args, ops.NewOpSequence(args.op(), args.LandMask, saveOrNop(args.Save)))
}

type postDIIArgs struct {
	loadArgs
	DII  *dii.OpDII  `json:"dii"`
	Save *ops.OpSave `json:"save"`
}

func (s *server) postDII(c *gin.Context) {
	var args postDIIArgs
	if !bindWithFiles(c, &args, &args.loadArgs) {
		return
	}
	if args.DII == nil {
		badRequest(c, errors.New("dii parameters with a sand geometry are required"))
		return
	}
	s.run(c, args, ops.NewOpSequence(args.op(), args.DII, saveOrNop(args.Save)))
}

func bindWithFiles(c *gin.Context, args interface{}, load *loadArgs) bool {
	if err := c.ShouldBindJSON(args); err != nil {
		badRequest(c, err)
		return false
	}
	if len(load.FilePatterns) == 0 {
		badRequest(c, errors.New("filePatterns is required"))
		return false
	}
	return true
}

func saveOrNop(op *ops.OpSave) *ops.OpSave {
	if op == nil {
		return ops.NewOpSaveDefault()
	}
	return op
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// Validates the pipeline, then streams the log of its execution as plain text.
// Validation errors are reported as JSON with status 400, execution errors in the stream
func (s *server) run(c *gin.Context, args interface{}, seq *ops.OpSequence) {
	defer func() {
		if err := ops.CloseAll(seq); err != nil {
			s.cfg.Logger.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("closing pipeline outputs")
		}
	}()

	var validation bytes.Buffer // holds log output until the status is known
	ctx := s.newContext(&validation)
	promises, err := seq.MakePromises(nil, ctx)
	if err != nil {
		badRequest(c, err)
		return
	}

	logWriter := c.Writer
	header := logWriter.Header()
	header.Set("Content-Type", "text/plain")
	logWriter.WriteHeader(http.StatusOK)

	if err := printArgs(logWriter, "Arguments:\n", "\n", args); err != nil {
		fmt.Fprintf(logWriter, "Error printing arguments: %s\n", err.Error())
		return
	}
	validation.WriteTo(logWriter)
	logWriter.Flush()

	stream := logging.NewTee(logWriter) // promises log concurrently
	ctx.Log = stream
	if _, err = ops.MaterializeAll(promises, ctx.MaxThreads, true); err != nil {
		fmt.Fprintf(stream, "error: %s\n", err.Error())
		s.cfg.Logger.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("pipeline failed")
	} else {
		fmt.Fprintf(stream, "Done.\n")
	}
	logWriter.Flush()
}

func printArgs(logWriter io.Writer, prefix, suffix string, args interface{}) error {
	m, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(logWriter, "%s%s%s", prefix, string(m), suffix)
	return nil
}
