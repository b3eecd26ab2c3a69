package pipeline

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"

	"imgpipe/internal/source"
	"imgpipe/internal/wire"
)

// Publisher is the send half a stage needs; satisfied by
// transport.Publisher.
type Publisher interface {
	Publish(frame []byte) (dropped bool, err error)
}

// Receiver is the receive half a stage needs; satisfied by
// transport.Subscriber.
type Receiver interface {
	Receive() (frame []byte, ok bool, err error)
}

// Journal records published frames; satisfied by journal.Writer.
type Journal interface {
	Record(frame []byte) error
}

// Capture reads images from a source, stamps and encodes them, and
// publishes them for the extraction stage.
type Capture struct {
	Source     source.Source
	Publisher  Publisher
	Journal    Journal // optional
	FrameDelay time.Duration
	// SettleDelay is slept before the first publish so slow-joining
	// subscribers miss fewer leading frames. Caller responsibility per
	// the transport contract; 100ms matches the upstream pipeline.
	SettleDelay time.Duration
	Log         zerolog.Logger
	Stats       *Stats
}

// Run publishes captures until the source ends or ctx is cancelled.
// Per-capture failures are logged and counted, never fatal.
func (c *Capture) Run(ctx context.Context) error {
	if c.Stats == nil {
		c.Stats = &Stats{}
	}
	if c.SettleDelay > 0 && !sleepCtx(ctx, c.SettleDelay) {
		return nil
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		capt, err := c.Source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.Log.Info().Uint64("published", c.Stats.Published.Load()).Msg("source exhausted")
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			c.Stats.SourceErrors.Inc()
			c.Log.Warn().Err(err).Msg("source error, skipping capture")
			continue
		}

		msg := &wire.RawCapture{
			ID:         capt.ID,
			Payload:    capt.Data,
			Format:     capt.Format,
			Width:      capt.Width,
			Height:     capt.Height,
			CapturedAt: time.Now().UnixMilli(),
		}
		frame := wire.EncodeRawCapture(msg)

		if c.Journal != nil {
			if err := c.Journal.Record(frame); err != nil {
				c.Stats.JournalErrs.Inc()
				c.Log.Warn().Err(err).Str("id", msg.ID).Msg("journal write failed")
			}
		}

		dropped, err := c.Publisher.Publish(frame)
		switch {
		case err != nil:
			c.Stats.Dropped.Inc()
			c.Log.Warn().Err(err).Str("id", msg.ID).Msg("publish failed")
		case dropped:
			c.Stats.Dropped.Inc()
			c.Log.Debug().Str("id", msg.ID).Msg("publish dropped at high-water mark")
		default:
			c.Stats.Published.Inc()
			c.Log.Debug().Str("id", msg.ID).Int("bytes", len(frame)).Msg("published capture")
		}

		if c.FrameDelay > 0 && !sleepCtx(ctx, c.FrameDelay) {
			return nil
		}
	}
}

// sleepCtx sleeps for d unless ctx is cancelled first; false on cancel.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
