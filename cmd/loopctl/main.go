// loopctl turns a burst of photos into a processed, loopable animation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"loopcam/internal/config"
	"loopcam/internal/coordinator"
	loopio "loopcam/internal/io"
	"loopcam/internal/loop"
	"loopcam/internal/stages"
	"loopcam/internal/vision"
	"loopcam/internal/worker"
)

const AppVersion = "1.0.0"

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	debugMode := flag.Bool("debug", false, "Enable debug mode with verbose logging")
	stageList := flag.String("stages", "", `Comma-separated stages to enable ("none" disables all)`)
	outDir := flag.String("out", "", "Directory exported loops are written to")
	timeout := flag.Duration("timeout", 0, "Abandon the pipeline job after this long")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <image or directory>...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *outDir != "" {
		cfg.Output.Dir = *outDir
	}
	if *timeout > 0 {
		cfg.Pipeline.Timeout = *timeout
	}

	logger := initLogger(cfg, *debugMode)
	logger.WithFields(logrus.Fields{
		"version":    AppVersion,
		"debug_mode": *debugMode,
	}).Info("Starting loopctl")

	choices := cfg.Pipeline.Stages
	if *stageList != "" {
		choices, err = stages.ParseChoices(stages.Default(), *stageList)
		if err != nil {
			logger.WithError(err).Error("Invalid stage list")
			os.Exit(2)
		}
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, choices, flag.Args(), logger); err != nil {
		logger.WithError(err).Error("Loop export failed")
		os.Exit(1)
	}
	logger.Info("Application shutting down gracefully")
}

// initLogger builds the root logger. -debug wins over the configured level and format.
func initLogger(cfg *config.Config, debugMode bool) *logrus.Logger {
	if !debugMode {
		return cfg.Logger()
	}

	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		ForceColors:   true,
	})
	logger.Debug("Debug logging enabled")
	return logger
}

func run(ctx context.Context, cfg *config.Config, choices stages.Choices, paths []string, logger *logrus.Logger) error {
	frames, err := loopio.NewBurstLoader(logger).Load(paths)
	if err != nil {
		return err
	}
	if n := len(frames); n < cfg.Pipeline.MinFrames || n > cfg.Pipeline.MaxFrames {
		return fmt.Errorf("burst has %d frames, need %d..%d", n, cfg.Pipeline.MinFrames, cfg.Pipeline.MaxFrames)
	}
	if len(frames) != cfg.Pipeline.BurstSize {
		logger.WithFields(logrus.Fields{
			"frames":     len(frames),
			"burst_size": cfg.Pipeline.BurstSize,
		}).Warn("Burst size differs from the configured capture size")
	}

	stats := &vision.Stats{}
	coord := coordinator.New(coordinator.Options{
		Timeout:   cfg.Pipeline.Timeout,
		MaxFrames: cfg.Pipeline.MaxFrames,
		// lossless between the pipeline and the editor; JPEG happens once at export
		Codec: coordinator.PNGCodec{},
		Worker: worker.Options{
			Loader: func(ctx context.Context) (*vision.Runtime, error) {
				rt, err := vision.Load(ctx)
				if rt != nil {
					rt.Stats = stats
				}
				return rt, err
			},
			Metrics: cfg.Pipeline.Metrics,
		},
		Logger: logger,
	})
	defer coord.Terminate()

	bar := progressbar.NewOptions(100,
		progressbar.OptionSetDescription("Processing burst"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionClearOnFinish(),
	)
	session := coord.Initialize(func(e coordinator.Event) {
		if e.Error != "" {
			return
		}
		_ = bar.Set(int(e.Progress))
	})

	images := make([][]byte, len(frames))
	for i, f := range frames {
		images[i] = f.Data
	}

	start := time.Now()
	res, err := session.Process(ctx, images, choices)
	_ = bar.Finish()
	if err != nil {
		return fmt.Errorf("process burst: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"job_id":      res.JobID,
		"stages":      choices.String(),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Burst processed")
	logFrameStats(logger, res.FrameStats)

	edited := make([]vision.RawPixelBuffer, len(res.Images))
	for i, data := range res.Images {
		buf, err := session.Codec().Decode(data)
		if err != nil {
			return fmt.Errorf("decode processed frame %d: %w", i, err)
		}
		edited[i], err = loop.Apply(buf, cfg.Loop.Adjustments, cfg.Loop.Filter, stats)
		if err != nil {
			return fmt.Errorf("adjust frame %d: %w", i, err)
		}
	}

	store := loopio.NewLocalStore(cfg.Output.Dir, logger)
	exporter := loop.NewExporter(store, coordinator.NewJPEGCodec(cfg.Codec.JPEGQuality), logger)
	manifest, err := exporter.Export(ctx, res.JobID, edited, loop.Options{
		Caption:     cfg.Output.Caption,
		Filter:      cfg.Loop.Filter,
		Speed:       cfg.Loop.Speed,
		PingPong:    cfg.Loop.PingPong,
		GIF:         cfg.Output.GIF,
		Adjustments: cfg.Loop.Adjustments,
	})
	if err != nil {
		return err
	}

	vision.LogMemoryUsage(logger, stats)
	if live := stats.Live(); live != 0 {
		logger.WithField("live_buffers", live).Warn("Vision buffers still allocated after export")
	}

	logger.WithFields(logrus.Fields{
		"job_id": manifest.JobID,
		"frames": len(manifest.ImageKeys),
		"gif":    manifest.GIFKey,
		"dir":    cfg.Output.Dir,
	}).Info("Loop ready")
	return nil
}

func logFrameStats(logger logrus.FieldLogger, all []worker.FrameStats) {
	for _, fs := range all {
		fields := logrus.Fields{
			"frame":       fs.Index,
			"duration_ms": fs.Duration.Milliseconds(),
		}
		for name, v := range fs.Metrics {
			fields[name] = v
		}
		for _, st := range fs.Stages {
			if st.Skipped != "" {
				fields["skipped_"+st.Stage] = st.Skipped
			}
		}
		logger.WithFields(fields).Debug("Frame stats")
	}
}
