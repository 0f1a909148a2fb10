// Package main replays recorded detector output through the frame pipeline
// and prints what the live server would have done.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/san-kum/knife-guard/server/alert"
	"github.com/san-kum/knife-guard/server/capture"
	"github.com/san-kum/knife-guard/server/config"
	"github.com/san-kum/knife-guard/server/detection"
	"github.com/san-kum/knife-guard/server/logging"
	"github.com/san-kum/knife-guard/server/processor"
	"github.com/san-kum/knife-guard/server/session"
	"github.com/san-kum/knife-guard/server/stream"
)

const (
	flagInput      = "input"
	flagCaptures   = "captures"
	flagConfidence = "confidence"
	flagMinSize    = "min-size"
	flagIoU        = "iou"
	flagCooldown   = "cooldown"
	flagWindows    = "windows"
	flagRealtime   = "realtime"
	flagQuiet      = "quiet"
)

type options struct {
	Config   processor.Config
	Captures string
	Windows  int
	Interval time.Duration
	Quiet    bool
}

func main() {
	cfg := config.LoadConfig()
	defaults := cfg.Processor()

	app := &cli.App{
		Name:  "replay",
		Usage: "run recorded frames through the knife detection pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     flagInput,
				Aliases:  []string{"i"},
				Usage:    "JSON lines file of frames, - for stdin",
				Required: true,
			},
			&cli.StringFlag{
				Name:  flagCaptures,
				Usage: "directory to write annotated captures to",
			},
			&cli.Float64Flag{
				Name:  flagConfidence,
				Usage: "minimum detection confidence",
				Value: defaults.ConfidenceThreshold,
			},
			&cli.Float64Flag{
				Name:  flagMinSize,
				Usage: "minimum box side in pixels",
				Value: defaults.MinSizePixels,
			},
			&cli.Float64Flag{
				Name:  flagIoU,
				Usage: "overlap above which boxes are suppressed",
				Value: defaults.IoUThreshold,
			},
			&cli.DurationFlag{
				Name:  flagCooldown,
				Usage: "minimum time between alerts",
				Value: defaults.CaptureCooldown,
			},
			&cli.IntFlag{
				Name:  flagWindows,
				Usage: "one-minute detection rate windows to report",
				Value: session.DefaultRateWindows,
			},
			&cli.BoolFlag{
				Name:  flagRealtime,
				Usage: "pace frames at the live frame interval",
			},
			&cli.BoolFlag{
				Name:  flagQuiet,
				Usage: "only print the summary",
			},
		},
		Action: func(c *cli.Context) error {
			// tables go to stdout
			if cfg.Logging.Output == "" || cfg.Logging.Output == "stdout" {
				cfg.Logging.Output = "stderr"
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			defer logger.Sync()

			opts := options{
				Config:   defaults,
				Captures: c.String(flagCaptures),
				Windows:  c.Int(flagWindows),
				Quiet:    c.Bool(flagQuiet),
			}
			opts.Config.ConfidenceThreshold = c.Float64(flagConfidence)
			opts.Config.MinSizePixels = c.Float64(flagMinSize)
			opts.Config.IoUThreshold = c.Float64(flagIoU)
			opts.Config.CaptureCooldown = c.Duration(flagCooldown)
			if c.Bool(flagRealtime) {
				opts.Interval = cfg.Stream.FrameInterval
			}

			var in io.Reader = os.Stdin
			if path := c.String(flagInput); path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
			defer stop()
			return replay(ctx, opts, in, c.App.Writer, logger)
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// frameLog keeps one row per processed frame.
type frameLog struct {
	mu       sync.Mutex
	results  []processor.Result
	captures int
}

func (l *frameLog) FrameProcessed(_ string, res processor.Result) {
	l.mu.Lock()
	l.results = append(l.results, res)
	l.mu.Unlock()
}

func (l *frameLog) AlertRaised(alert.Banner) {}

func (l *frameLog) CaptureStored(string, session.CaptureRecord) {
	l.mu.Lock()
	l.captures++
	l.mu.Unlock()
}

func replay(ctx context.Context, opts options, in io.Reader, out io.Writer, logger *zap.Logger) error {
	if err := opts.Config.Validate(); err != nil {
		return err
	}

	clk := clock.New()
	frames := &frameLog{}
	deps := stream.Deps{
		Notifier: alert.NewAlerter(clk, 2500*time.Millisecond, logger),
		Observer: frames,
		Clock:    clk,
		Logger:   logger,
	}

	var queue *capture.Queue
	if opts.Captures != "" {
		store, err := capture.NewDiskStore(opts.Captures, 95, logger)
		if err != nil {
			return err
		}
		queue = capture.NewQueue(store, 64, 1, logger)
		deps.Captures = queue
		deps.Remover = store
	}

	manager := stream.NewManager(opts.Config, session.DefaultOptions(), 1, deps)
	s, err := manager.GetOrCreate("replay")
	if err != nil {
		return err
	}

	runErr := stream.Run(ctx, s, stream.NewJSONLSource(in), clk, opts.Interval, logger)
	if queue != nil {
		if err := queue.Shutdown(30 * time.Second); err != nil {
			logger.Warn("Captures still pending", zap.Error(err))
		}
	}
	if runErr != nil {
		return runErr
	}

	if !opts.Quiet {
		fmt.Fprintln(out, frameTable(frames.results))
	}
	status := s.Status()
	fmt.Fprintln(out, summaryTable(s.Session().Summary(), frames.captures))
	if !status.LastFrame.IsZero() {
		// windows are half-open, so end just after the last frame to count it
		now := status.LastFrame.Add(time.Millisecond)
		fmt.Fprintln(out, rateTable(s.Session().DetectionRatePerMinute(now, opts.Windows)))
	}
	return nil
}

func frameTable(results []processor.Result) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "Level", "Boxes", "Max Conf", "Kept", "Actions"})
	for i, res := range results {
		if res.Skipped {
			t.AppendRow(table.Row{i + 1, "skipped", "", "", "", res.Error})
			continue
		}
		maxConf := ""
		if len(res.Boxes) > 0 {
			best := lo.MaxBy(res.Boxes, func(a, b detection.Box) bool { return a.Confidence > b.Confidence })
			maxConf = fmt.Sprintf("%.2f", best.Confidence)
		}
		actions := lo.Map(res.Actions, func(a processor.Action, _ int) string { return a.Kind.String() })
		t.AppendRow(table.Row{
			i + 1,
			res.Level.String(),
			len(res.Boxes),
			maxConf,
			fmt.Sprintf("%d/%d/%d", res.Trace.Decoded, res.Trace.Filtered, res.Trace.Suppressed),
			strings.Join(actions, ","),
		})
	}
	return t.Render()
}

func summaryTable(sum session.Summary, captures int) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Frames", "Alerts", "Detection Rate", "Mean Conf", "Max Conf", "Captures", "Status"})
	t.AppendRow(table.Row{
		sum.FramesAnalysed,
		sum.TotalAlerts,
		fmt.Sprintf("%.1f%%", sum.DetectionRate),
		fmt.Sprintf("%.2f", sum.MeanConfidence),
		fmt.Sprintf("%.2f", sum.MaxConfidence),
		captures,
		sum.Status,
	})
	return t.Render()
}

func rateTable(windows []session.WindowCount) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Window", "Start", "Detections"})
	for _, w := range windows {
		t.AppendRow(table.Row{w.Label, w.Start.Format(time.TimeOnly), w.Count})
	}
	return t.Render()
}
