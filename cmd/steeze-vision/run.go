package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeydtaylor/steeze-vision/pkg/capture"
	"github.com/joeydtaylor/steeze-vision/pkg/manifest"
	"github.com/joeydtaylor/steeze-vision/pkg/middleware/logger"
	"github.com/joeydtaylor/steeze-vision/pkg/registry"
	"github.com/joeydtaylor/steeze-vision/pkg/serverfx"
	"github.com/joeydtaylor/steeze-vision/pkg/session"
	"github.com/joeydtaylor/steeze-vision/pkg/solution"
	"github.com/joeydtaylor/steeze-vision/pkg/transport/webrtc"
	"github.com/joeydtaylor/steeze-vision/pkg/unit"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type runOptions struct {
	source     string
	solution   string
	configFile string
	frames     int
	fps        float64
	width      int
	height     int
	threaded   bool
	ffmpeg     string
	level      string
}

func newRunCmd() *cobra.Command {
	o := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a solution over a source without serving peers",
		Long: `Capture frames from --source, run them through --solution and write one
side-channel message per processed frame to stdout as a JSON line.

Examples:
  steeze-vision run --source testsrc://320x240 --solution raw_stream --frames 10
  steeze-vision run --source 0 --solution object_detection --config detect.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			log := logger.NewLogAt("run.log", logger.ParseLevel(logger.Level(o.level)))
			defer func() { _ = log.Sync() }()
			unit.SetLogger(log)

			t, err := webrtc.New(webrtc.Config{FFmpeg: o.ffmpeg}, log)
			if err != nil {
				return err
			}
			reg, err := serverfx.NewRegistry(t)
			if err != nil {
				return err
			}
			return runPipeline(ctx, reg, o, cmd.OutOrStdout(), log)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.source, "source", "s", manifest.DefaultSource, "capture address: device index, file, rtsp/rtmp url, http(s) relay or testsrc://WxH")
	f.StringVar(&o.solution, "solution", "raw_stream", "solution method")
	f.StringVarP(&o.configFile, "config", "c", "", "YAML settings for the solution")
	f.IntVarP(&o.frames, "frames", "n", 0, "stop after N processed frames (0 = until the source ends)")
	f.Float64Var(&o.fps, "fps", 0, "capture rate (0 = source rate)")
	f.IntVar(&o.width, "width", manifest.DefaultWidth, "frame width")
	f.IntVar(&o.height, "height", manifest.DefaultHeight, "frame height")
	f.BoolVar(&o.threaded, "threaded", false, "read the source on a background goroutine")
	f.StringVar(&o.ffmpeg, "ffmpeg", "", "ffmpeg binary (default from PATH)")
	f.StringVar(&o.level, "log-level", "info", "debug | info | warn | error")
	return cmd
}

func runPipeline(ctx context.Context, reg *registry.Registry, o runOptions, out io.Writer, log *zap.Logger) error {
	settings := map[string]any{}
	if o.configFile != "" {
		var err error
		if settings, err = manifest.LoadSettings(o.configFile); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	sol, err := solution.Build(unit.NewBuilder(reg, log), unit.Config{Method: o.solution, Config: settings})
	if err != nil {
		return err
	}
	defer sol.Close()

	src, err := capture.Open(ctx, reg, o.source, capture.Options{
		Width: o.width, Height: o.height, FPS: o.fps, FFmpeg: o.ffmpeg, Logger: log,
	})
	if err != nil {
		return err
	}
	stage := capture.NewStage(src, capture.Config{Threaded: o.threaded, FPS: o.fps}, log)
	defer stage.Stop()
	if err := stage.Start(ctx); err != nil {
		return err
	}
	relay := capture.Classify(o.source) == "relay"

	var n uint64
	started := time.Now()
	for o.frames <= 0 || n < uint64(o.frames) {
		f, err := stage.Read(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, capture.ErrNoFrame):
			time.Sleep(max(stage.Interval(), capture.DefaultPollInterval))
			continue
		case errors.Is(err, io.EOF):
			log.Info("source exhausted", zap.Uint64("frames", n))
			return nil
		case err != nil:
			return err
		}

		res, err := unit.ProcessAs[solution.Output](ctx, sol, &solution.Input{Frame: f})
		if err != nil {
			if errors.Is(err, unit.ErrTypeMismatch) {
				return err
			}
			log.Warn("frame dropped", zap.Uint64("seq", f.Seq), zap.Error(err))
			continue
		}
		n++
		if !relay {
			sol.RenderOverlay(res.Frame(), float64(n)/time.Since(started).Seconds(), n)
		}
		msg, err := session.EncodeMessage(res, n)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(out, "%s\n", msg); err != nil {
			return err
		}
	}
	log.Info("run finished", zap.Uint64("frames", n), zap.Duration("elapsed", time.Since(started)))
	return nil
}
