package pipeline

import (
	"context"

	"github.com/rs/zerolog"

	"imgpipe/internal/wire"
)

// Storer persists one processed message atomically; satisfied by
// store.Store.
type Storer interface {
	Save(msg *wire.Processed) error
}

// Record receives processed messages and persists them. Store failures
// are counted and the loop continues; gaps in the stream are an accepted
// steady-state outcome, so nothing here assumes complete sequences.
type Record struct {
	Receiver Receiver
	Store    Storer
	Log      zerolog.Logger
	Stats    *Stats
}

func (r *Record) Run(ctx context.Context) error {
	if r.Stats == nil {
		r.Stats = &Stats{}
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, ok, err := r.Receiver.Receive()
		if err != nil {
			r.Log.Warn().Err(err).Msg("receive failed")
			continue
		}
		if !ok {
			r.Stats.Timeouts.Inc()
			continue
		}
		r.Stats.Received.Inc()

		decoded, err := wire.Decode(frame)
		if err != nil {
			r.Stats.FormatErrors.Inc()
			r.Log.Warn().Err(err).Int("bytes", len(frame)).Msg("discarding malformed frame")
			continue
		}
		msg, isProcessed := decoded.(*wire.Processed)
		if !isProcessed {
			r.Stats.FormatErrors.Inc()
			r.Log.Warn().Uint32("kind", decoded.Kind()).Msg("unexpected message kind on processed channel")
			continue
		}

		if err := r.Store.Save(msg); err != nil {
			r.Stats.StoreErrors.Inc()
			r.Log.Warn().Err(err).Str("id", msg.ID).Msg("store failed, message skipped")
			continue
		}
		r.Stats.Stored.Inc()
		r.Log.Debug().
			Str("id", msg.ID).
			Int("keypoints", len(msg.Keypoints)).
			Int("descriptors", len(msg.Descriptors)).
			Msg("stored processed image")
	}
}
