package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"imgpipe/internal/config"
	"imgpipe/internal/detect"
	"imgpipe/internal/journal"
	"imgpipe/internal/monitor"
	"imgpipe/internal/pipeline"
	"imgpipe/internal/source"
	"imgpipe/internal/store"
	"imgpipe/internal/transport"
	"imgpipe/internal/wire"
)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func newLogger(verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()
}

func main() {
	cfg := config.DefaultConfig()
	var cfgPath string

	root := &cobra.Command{
		Use:     "imgpipe",
		Short:   "Image pipeline: capture, extract features, record to a database",
		Version: fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfgFile := cfgPath
			if cfgFile == "" {
				cfgFile = config.DefaultConfigPath()
			}

			changed := map[string]bool{}
			cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })
			cmd.Root().PersistentFlags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

			if cfgFile != "" && config.FileExists(cfgFile) {
				fc, err := config.LoadFileConfig(cfgFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				if err := config.ApplyFileConfig(&cfg, fc, changed); err != nil {
					return err
				}
			}
			if err := config.ApplyEnvConfig(&cfg, changed); err != nil {
				return err
			}
			return cfg.Validate()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.imgpipe/config.toml)")
	pf.StringVar(&cfg.CaptureEndpoint, "capture-endpoint", cfg.CaptureEndpoint, "endpoint of the raw capture channel")
	pf.StringVar(&cfg.ProcessedEndpoint, "processed-endpoint", cfg.ProcessedEndpoint, "endpoint of the processed channel")
	pf.IntVar(&cfg.HighWaterMark, "hwm", cfg.HighWaterMark, "publish high-water mark before frames are dropped")
	pf.DurationVar(&cfg.ReceiveTimeout, "receive-timeout", cfg.ReceiveTimeout, "subscriber receive timeout")
	pf.StringVar(&cfg.MonitorAddr, "monitor-addr", cfg.MonitorAddr, "HTTP monitor listen address (empty disables)")
	pf.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")

	root.AddCommand(
		newCaptureCmd(&cfg),
		newExtractCmd(&cfg),
		newRecordCmd(&cfg),
		newDumpCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// startMonitor serves the monitor endpoints in the background when an
// address is configured.
func startMonitor(ctx context.Context, cfg *config.Config, stage string, stats *pipeline.Stats, reg *prometheus.Registry, log zerolog.Logger) {
	if cfg.MonitorAddr == "" {
		return
	}
	srv := monitor.New(cfg.MonitorAddr, stage, stats, reg, log)
	go func() {
		if err := srv.Run(ctx); err != nil {
			log.Error().Err(err).Msg("monitor stopped")
		}
	}()
}

func newCaptureCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Publish images from a directory or a synthetic generator",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(cfg.Debug).With().Str("stage", "capture").Logger()
			ctx, stop := runContext()
			defer stop()

			var src source.Source
			var err error
			if cfg.SourceDir != "" {
				src, err = source.NewDir(cfg.SourceDir, source.DirOptions{
					Loop:  cfg.SourceLoop,
					Watch: cfg.SourceWatch,
				})
				if err != nil {
					return fmt.Errorf("open source dir: %w", err)
				}
			} else {
				src = source.NewSynth(cfg.SynthWidth, cfg.SynthHeight, cfg.SynthCount, 0, cfg.SynthSeed)
			}
			defer src.Close()

			pub, err := transport.NewPublisher(cfg.CaptureEndpoint, transport.PublisherOptions{
				HighWaterMark: cfg.HighWaterMark,
			})
			if err != nil {
				return err
			}
			defer pub.Close()
			log.Info().Str("endpoint", pub.Endpoint()).Msg("publishing captures")

			stage := &pipeline.Capture{
				Source:      src,
				Publisher:   pub,
				FrameDelay:  cfg.FrameDelay,
				SettleDelay: cfg.SettleDelay,
				Log:         log,
			}

			if cfg.JournalDir != "" {
				jw, err := journal.NewWriter(cfg.JournalDir, "capture", cfg.CaptureEndpoint)
				if err != nil {
					return fmt.Errorf("open journal: %w", err)
				}
				defer jw.Close()
				stage.Journal = jw
			}

			reg := prometheus.NewRegistry()
			stage.Stats = pipeline.NewStats("capture", reg)
			startMonitor(ctx, cfg, "capture", stage.Stats, reg, log)

			return stage.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&cfg.SourceDir, "source-dir", cfg.SourceDir, "directory of images to publish (empty uses the synthetic source)")
	cmd.Flags().BoolVar(&cfg.SourceLoop, "loop", cfg.SourceLoop, "loop over the directory forever")
	cmd.Flags().BoolVar(&cfg.SourceWatch, "watch", cfg.SourceWatch, "watch the directory for new images")
	cmd.Flags().DurationVar(&cfg.FrameDelay, "frame-delay", cfg.FrameDelay, "delay between published frames")
	cmd.Flags().DurationVar(&cfg.SettleDelay, "settle-delay", cfg.SettleDelay, "delay before the first publish so subscribers can join")
	cmd.Flags().IntVar(&cfg.SynthCount, "synth-count", cfg.SynthCount, "number of synthetic images to generate")
	cmd.Flags().IntVar(&cfg.SynthWidth, "synth-width", cfg.SynthWidth, "synthetic image width")
	cmd.Flags().IntVar(&cfg.SynthHeight, "synth-height", cfg.SynthHeight, "synthetic image height")
	cmd.Flags().Int64Var(&cfg.SynthSeed, "synth-seed", cfg.SynthSeed, "synthetic generator seed")
	cmd.Flags().StringVar(&cfg.JournalDir, "journal-dir", cfg.JournalDir, "directory for published frame journals (empty disables)")
	return cmd
}

func newExtractCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Detect keypoints in captured images and republish them",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(cfg.Debug).With().Str("stage", "extract").Logger()
			ctx, stop := runContext()
			defer stop()

			sub, err := transport.NewSubscriber(cfg.CaptureEndpoint, cfg.ReceiveTimeout)
			if err != nil {
				return err
			}
			defer sub.Close()

			pub, err := transport.NewPublisher(cfg.ProcessedEndpoint, transport.PublisherOptions{
				HighWaterMark: cfg.HighWaterMark,
			})
			if err != nil {
				return err
			}
			defer pub.Close()

			grid := detect.NewGrid()
			grid.CellSize = cfg.CellSize
			grid.MinContrast = cfg.MinContrast
			grid.MaxFeatures = cfg.MaxFeatures

			reg := prometheus.NewRegistry()
			stats := pipeline.NewStats("extract", reg)
			startMonitor(ctx, cfg, "extract", stats, reg, log)

			log.Info().
				Str("from", cfg.CaptureEndpoint).
				Str("to", pub.Endpoint()).
				Msg("extracting features")
			stage := &pipeline.Extract{
				Receiver:  sub,
				Publisher: pub,
				Detector:  grid,
				Log:       log,
				Stats:     stats,
			}
			return stage.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&cfg.CellSize, "cell-size", cfg.CellSize, "detection cell edge in pixels")
	cmd.Flags().Float64Var(&cfg.MinContrast, "min-contrast", cfg.MinContrast, "minimum cell contrast in gray levels")
	cmd.Flags().IntVar(&cfg.MaxFeatures, "max-features", cfg.MaxFeatures, "maximum features per image")
	return cmd
}

func newRecordCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Persist processed images and their keypoints to SQLite",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(cfg.Debug).With().Str("stage", "record").Logger()
			ctx, stop := runContext()
			defer stop()

			sub, err := transport.NewSubscriber(cfg.ProcessedEndpoint, cfg.ReceiveTimeout)
			if err != nil {
				return err
			}
			defer sub.Close()

			db, err := store.Open(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer db.Close()

			reg := prometheus.NewRegistry()
			stats := pipeline.NewStats("record", reg)
			startMonitor(ctx, cfg, "record", stats, reg, log)

			log.Info().Str("from", cfg.ProcessedEndpoint).Str("db", cfg.DBPath).Msg("recording processed images")
			stage := &pipeline.Record{
				Receiver: sub,
				Store:    db,
				Log:      log,
				Stats:    stats,
			}
			if err := stage.Run(ctx); err != nil {
				return err
			}

			totals, err := db.Stats()
			if err == nil {
				log.Info().Int64("images", totals.Images).Int64("keypoints", totals.Keypoints).Msg("store totals")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	return cmd
}

func newDumpCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dump <journal>",
		Short: "Decode a frame journal and print its records as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jr, err := journal.Open(args[0])
			if err != nil {
				return fmt.Errorf("open journal: %w", err)
			}
			defer jr.Close()

			out := cmd.OutOrStdout()
			manifest := jr.Manifest()
			if err := printJSON(out, map[string]any{
				"stage":      manifest.Stage,
				"endpoint":   manifest.Endpoint,
				"created_at": time.UnixMilli(manifest.CreatedAt).Format(time.RFC3339),
			}); err != nil {
				return err
			}

			for n := 0; limit <= 0 || n < limit; n++ {
				rec, err := jr.Next()
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return fmt.Errorf("read record %d: %w", n, err)
				}
				if err := printJSON(out, describeRecord(n, rec)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "number of records to dump (0 for all)")
	return cmd
}

func describeRecord(n int, rec journal.Record) map[string]any {
	desc := map[string]any{
		"record":    n,
		"timestamp": rec.Timestamp.Format(time.RFC3339Nano),
		"bytes":     len(rec.Frame),
	}
	msg, err := wire.Decode(rec.Frame)
	if err != nil {
		desc["decode_error"] = err.Error()
		return desc
	}
	switch m := msg.(type) {
	case *wire.RawCapture:
		desc["kind"] = "raw_capture"
		desc["id"] = m.ID
		desc["format"] = m.Format
		desc["width"] = m.Width
		desc["height"] = m.Height
		desc["captured_at"] = time.UnixMilli(m.CapturedAt).Format(time.RFC3339Nano)
		desc["payload_bytes"] = len(m.Payload)
	case *wire.Processed:
		desc["kind"] = "processed"
		desc["id"] = m.ID
		desc["format"] = m.Format
		desc["width"] = m.Width
		desc["height"] = m.Height
		desc["captured_at"] = time.UnixMilli(m.CapturedAt).Format(time.RFC3339Nano)
		desc["processed_at"] = time.UnixMilli(m.ProcessedAt).Format(time.RFC3339Nano)
		desc["keypoints"] = len(m.Keypoints)
		desc["descriptors"] = len(m.Descriptors)
	}
	return desc
}

func printJSON(w io.Writer, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
