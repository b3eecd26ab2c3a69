package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"imgpipe/internal/detect"
	"imgpipe/internal/wire"
)

// Extract receives raw captures, runs the detector, and republishes the
// results as processed messages. The receive timeout is its only
// suspension point, which bounds shutdown latency to one timeout
// interval.
type Extract struct {
	Receiver  Receiver
	Publisher Publisher
	Detector  detect.Detector
	Log       zerolog.Logger
	Stats     *Stats
}

func (e *Extract) Run(ctx context.Context) error {
	if e.Stats == nil {
		e.Stats = &Stats{}
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, ok, err := e.Receiver.Receive()
		if err != nil {
			e.Log.Warn().Err(err).Msg("receive failed")
			continue
		}
		if !ok {
			e.Stats.Timeouts.Inc()
			continue
		}
		e.Stats.Received.Inc()

		decoded, err := wire.Decode(frame)
		if err != nil {
			e.Stats.FormatErrors.Inc()
			e.Log.Warn().Err(err).Int("bytes", len(frame)).Msg("discarding malformed frame")
			continue
		}
		raw, isRaw := decoded.(*wire.RawCapture)
		if !isRaw {
			e.Stats.FormatErrors.Inc()
			e.Log.Warn().Uint32("kind", decoded.Kind()).Msg("unexpected message kind on capture channel")
			continue
		}

		start := time.Now()
		width, height, feats, err := e.Detector.Detect(raw.Payload)
		if err != nil {
			e.Stats.DetectErrors.Inc()
			e.Log.Warn().Err(err).Str("id", raw.ID).Msg("detection failed, skipping image")
			continue
		}

		msg := &wire.Processed{
			RawCapture:  *raw,
			ProcessedAt: time.Now().UnixMilli(),
			Keypoints:   make([]wire.Keypoint, len(feats)),
			Descriptors: make([][]float32, len(feats)),
		}
		// Producers may not know the dimensions; the decode is
		// authoritative from here on.
		msg.Width = uint32(width)
		msg.Height = uint32(height)
		if msg.ProcessedAt < msg.CapturedAt {
			msg.ProcessedAt = msg.CapturedAt
		}
		for i, f := range feats {
			msg.Keypoints[i] = f.Keypoint
			msg.Descriptors[i] = f.Descriptor
		}
		if len(feats) == 0 {
			msg.Keypoints = nil
			msg.Descriptors = nil
		}

		e.Stats.Processed.Inc()
		e.Log.Debug().
			Str("id", raw.ID).
			Int("keypoints", len(feats)).
			Dur("detect", time.Since(start)).
			Msg("extracted features")

		out := wire.EncodeProcessed(msg)
		dropped, err := e.Publisher.Publish(out)
		switch {
		case err != nil:
			e.Stats.Dropped.Inc()
			e.Log.Warn().Err(err).Str("id", raw.ID).Msg("publish failed")
		case dropped:
			e.Stats.Dropped.Inc()
			e.Log.Debug().Str("id", raw.ID).Msg("publish dropped at high-water mark")
		default:
			e.Stats.Published.Inc()
		}
	}
}
