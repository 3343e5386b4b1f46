// Package main implements a crossing-counter CLI application that counts
// physical objects crossing a horizontal region of interest in an
// industrial camera stream.
//
// The application captures frames from a camera (or replays a recorded
// file), runs background-subtraction detection and per-object tracking
// inside a bounded worker pool, and reports crossing counts. Optionally
// it records the decimated capture stream and journals crossing events to
// a local database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ivelkov/crossing-counter/internal/camera"
	"github.com/ivelkov/crossing-counter/internal/config"
	"github.com/ivelkov/crossing-counter/internal/db"
	"github.com/ivelkov/crossing-counter/internal/detect"
	"github.com/ivelkov/crossing-counter/internal/pipeline"
	"github.com/ivelkov/crossing-counter/internal/playback"
	"github.com/ivelkov/crossing-counter/internal/record"
	"github.com/ivelkov/crossing-counter/internal/track"
)

// Options holds the invocation options parsed from command-line flags,
// separate from the pipeline configuration they override.
type Options struct {
	VideoPath  string
	DBPath     string
	RecordPath string
	SimWidth   int
	SimHeight  int
	LogFormat  string
	Report     time.Duration
}

// parseFlags parses command-line arguments into the invocation options and
// the pipeline configuration.
func parseFlags(args []string) (Options, config.Config, error) {
	// A dedicated FlagSet avoids global flag conflicts in tests.
	fs := flag.NewFlagSet("crossing-counter", flag.ContinueOnError)

	cfg := config.Default()
	var opts Options

	fs.StringVar(&opts.VideoPath, "video", "", "Replay this recorded file instead of capturing live")
	fs.StringVar(&opts.DBPath, "db", "", "Journal crossing events to this sqlite database")
	fs.StringVar(&opts.RecordPath, "record", "", "Record the decimated capture stream to this file")
	fs.IntVar(&opts.SimWidth, "width", 640, "Simulated camera frame width")
	fs.IntVar(&opts.SimHeight, "height", 480, "Simulated camera frame height")
	fs.StringVar(&opts.LogFormat, "logfmt", "json", "Log format: json or kv")
	fs.DurationVar(&opts.Report, "report", 10*time.Second, "Metrics report interval")

	fs.Float64Var(&cfg.TargetFPS, "fps", cfg.TargetFPS, "Target capture frame rate; above 120 selects high-speed mode")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Detection worker count (0 = CPU-derived)")
	fs.BoolVar(&cfg.SyncSubmit, "sync", cfg.SyncSubmit, "Bound in-flight frames with a semaphore on submission")
	fs.IntVar(&cfg.ROIOffset, "roi-offset", cfg.ROIOffset, "ROI band top edge in pixels from the frame top")
	fs.IntVar(&cfg.ROIHeight, "roi-height", cfg.ROIHeight, "ROI band height in pixels")
	fs.Float64Var(&cfg.MinArea, "min-area", cfg.MinArea, "Minimum accepted component area in pixels")
	fs.Float64Var(&cfg.MaxArea, "max-area", cfg.MaxArea, "Maximum accepted component area in pixels")
	fs.BoolVar(&cfg.RawCountHighSpeed, "raw-count", cfg.RawCountHighSpeed, "High-speed mode: add raw per-frame detections to the count instead of tracking")
	fs.Float64Var(&cfg.PlaybackSpeed, "speed", cfg.PlaybackSpeed, "Playback speed multiplier")
	fs.BoolVar(&cfg.PlaybackLoop, "loop", cfg.PlaybackLoop, "Loop playback at end of file")
	fs.BoolVar(&cfg.PlaybackUnthrottled, "unthrottled", cfg.PlaybackUnthrottled, "Push playback frames as fast as detection accepts them")

	if err := fs.Parse(args); err != nil {
		return Options{}, config.Config{}, err
	}

	if opts.LogFormat != "json" && opts.LogFormat != "kv" {
		return Options{}, config.Config{}, fmt.Errorf("logfmt must be 'json' or 'kv'")
	}
	if opts.VideoPath != "" && opts.RecordPath != "" {
		return Options{}, config.Config{}, fmt.Errorf("recording is available only during live capture; drop -record or -video")
	}
	if err := cfg.Validate(); err != nil {
		return Options{}, config.Config{}, err
	}

	return opts, cfg, nil
}

// setupLogger configures structured logging based on the specified format.
func setupLogger(format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	var handler slog.Handler
	switch format {
	case "kv":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func main() {
	opts, cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(opts.LogFormat)
	slog.SetDefault(logger)

	logger.Info("Starting crossing counter",
		"mode", cfg.Mode().String(),
		"target_fps", cfg.TargetFPS,
		"workers", cfg.WorkerCount(),
		"roi_offset", cfg.ROIOffset,
		"roi_height", cfg.ROIHeight,
		"video", opts.VideoPath,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received shutdown signal, stopping...")
		cancel()
	}()

	if err := run(ctx, opts, cfg, logger); err != nil {
		logger.Error("Crossing counter failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Crossing counter stopped")
}

// run wires the pipeline, drives it until ctx is cancelled or playback
// completes, and tears it down in reverse order.
func run(ctx context.Context, opts Options, cfg config.Config, logger *slog.Logger) error {
	tracker := track.NewTracker(cfg)
	defer tracker.Close()

	pool := detect.NewPool(cfg, tracker, logger)

	driver := camera.NewSimulatedDriver(opts.SimWidth, opts.SimHeight)
	src := camera.NewFrameSource(driver, cfg, logger)
	src.SetConsumer(pool)

	pump := playback.NewPump(playback.NewFileSource(), cfg, pool, logger)
	sink := record.NewVideoSink(logger)

	coord := pipeline.New(src, pump, pool, sink, logger)
	coord.Start()
	defer coord.Stop()

	// Crossing events and metrics flow through dispatcher subscriptions so
	// neither reporting path touches the detection hot path.
	events := pool.Subscribe("events", 32)
	defer pool.Unsubscribe(events)
	go reportCrossings(events, logger)

	if opts.DBPath != "" {
		database, err := db.Open(opts.DBPath)
		if err != nil {
			return fmt.Errorf("opening crossing journal: %w", err)
		}
		defer database.Close()

		sub := pool.Subscribe("journal", 64)
		journal, err := db.NewJournal(database, sub.C(), cfg.Mode().String(), logger)
		if err != nil {
			return fmt.Errorf("starting crossing journal: %w", err)
		}
		defer func() {
			pool.Unsubscribe(sub)
			if err := journal.Stop(); err != nil {
				logger.Warn("Closing crossing journal failed", "error", err)
			}
		}()
	}

	if opts.VideoPath != "" {
		if err := pump.Load(opts.VideoPath); err != nil {
			return fmt.Errorf("loading %s: %w", opts.VideoPath, err)
		}
		if err := coord.SetMode(pipeline.Playback); err != nil {
			return err
		}
		if err := coord.Play(); err != nil {
			return err
		}
	} else {
		if err := src.Connect("sim0"); err != nil {
			return fmt.Errorf("connecting camera: %w", err)
		}
		defer src.Disconnect()
		if err := coord.StartCapture(); err != nil {
			return err
		}
		if opts.RecordPath != "" {
			if err := startRecording(coord, opts.RecordPath, cfg.TargetFPS); err != nil {
				return err
			}
			defer func() {
				if sum, ok := coord.StopRecording(); ok {
					logger.Info("Recording saved",
						"path", sum.Path,
						"frames", sum.FramesWritten,
						"duration", sum.Duration)
				}
			}()
		}
	}

	ticker := time.NewTicker(opts.Report)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case done := <-pump.Finished():
			logger.Info("Playback complete",
				"frames", done.FramesEmitted,
				"nominal_elapsed", done.NominalElapsed,
				"actual_elapsed", done.ActualElapsed,
				"crossings", tracker.Count())
			return nil
		case <-ticker.C:
			reportMetrics(src, pool, tracker, coord, logger)
		}
	}
}

// startRecording retries briefly until the first captured frame is
// available to size the recording.
func startRecording(coord *pipeline.Coordinator, path string, fps float64) error {
	deadline := time.Now().Add(3 * time.Second)
	for {
		err := coord.StartRecording(path, fps)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("starting recording: %w", err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// reportCrossings logs each result that carries new crossings until the
// subscription closes.
func reportCrossings(sub *detect.Subscription, logger *slog.Logger) {
	for res := range sub.C() {
		if res.NewCrossings == 0 {
			continue
		}
		logger.Info("Crossing detected",
			"frame", res.Frame.Number,
			"origin", string(res.Frame.Origin),
			"new", res.NewCrossings,
			"total", res.CrossingTotal,
			"objects", res.ObjectCount,
			"detection_ms", res.DetectionTime.Milliseconds(),
		)
	}
}

// reportMetrics logs a periodic operational snapshot.
func reportMetrics(src *camera.FrameSource, pool *detect.Pool, tracker *track.Tracker, coord *pipeline.Coordinator, logger *slog.Logger) {
	stats := pool.Stats()
	logger.Info("Pipeline metrics",
		"mode", coord.Mode().String(),
		"capture_fps", src.CaptureFPS(),
		"detection_fps", pool.DetectionFPS(),
		"crossings", tracker.Count(),
		"active_tracks", tracker.ActiveTracks(),
		"processed", stats.Processed,
		"dropped", stats.Dropped,
		"errors", stats.Errors,
		"recording", coord.Recording(),
		"faulted", coord.Failed(),
	)
}
