package pipeline

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgpipe/internal/detect"
	"imgpipe/internal/source"
	"imgpipe/internal/wire"
)

// fakePublisher captures published frames in order.
type fakePublisher struct {
	frames  [][]byte
	dropAll bool
}

func (f *fakePublisher) Publish(frame []byte) (bool, error) {
	if f.dropAll {
		return true, nil
	}
	f.frames = append(f.frames, frame)
	return false, nil
}

// fakeReceiver replays queued frames, then reports timeouts.
type fakeReceiver struct {
	queue [][]byte
	idx   int
}

func (f *fakeReceiver) Receive() ([]byte, bool, error) {
	if f.idx < len(f.queue) {
		frame := f.queue[f.idx]
		f.idx++
		return frame, true, nil
	}
	time.Sleep(5 * time.Millisecond) // stand in for the receive timeout
	return nil, false, nil
}

// fakeSource yields fixed captures then EOF.
type fakeSource struct {
	caps []source.Capture
	idx  int
}

func (f *fakeSource) Next(ctx context.Context) (source.Capture, error) {
	if err := ctx.Err(); err != nil {
		return source.Capture{}, err
	}
	if f.idx >= len(f.caps) {
		return source.Capture{}, io.EOF
	}
	c := f.caps[f.idx]
	f.idx++
	return c, nil
}

func (f *fakeSource) Close() error { return nil }

// fixedDetector returns the same features for every image.
type fixedDetector struct {
	feats []detect.Feature
	err   error
}

func (d *fixedDetector) Detect([]byte) (int, int, []detect.Feature, error) {
	if d.err != nil {
		return 0, 0, nil, d.err
	}
	return 320, 240, d.feats, nil
}

type fakeStore struct {
	saved []*wire.Processed
	err   error
}

func (s *fakeStore) Save(msg *wire.Processed) error {
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, msg)
	return nil
}

func TestCapturePublishesAllSourceFrames(t *testing.T) {
	src := &fakeSource{caps: []source.Capture{
		{ID: "a_0", Data: []byte{1}, Format: "png"},
		{ID: "b_1", Data: []byte{2, 3}, Format: "jpg"},
	}}
	pub := &fakePublisher{}
	stats := &Stats{}
	stage := &Capture{Source: src, Publisher: pub, Log: zerolog.Nop(), Stats: stats}

	require.NoError(t, stage.Run(context.Background()))
	require.Len(t, pub.frames, 2)
	assert.Equal(t, uint64(2), stats.Published.Load())

	decoded, err := wire.Decode(pub.frames[0])
	require.NoError(t, err)
	raw := decoded.(*wire.RawCapture)
	assert.Equal(t, "a_0", raw.ID)
	assert.Equal(t, []byte{1}, raw.Payload)
	assert.Equal(t, "png", raw.Format)
	assert.Positive(t, raw.CapturedAt)
}

func TestCaptureCountsDrops(t *testing.T) {
	src := &fakeSource{caps: []source.Capture{{ID: "x", Data: []byte{1}, Format: "png"}}}
	pub := &fakePublisher{dropAll: true}
	stats := &Stats{}
	stage := &Capture{Source: src, Publisher: pub, Log: zerolog.Nop(), Stats: stats}

	require.NoError(t, stage.Run(context.Background()))
	assert.Equal(t, uint64(1), stats.Dropped.Load())
	assert.Zero(t, stats.Published.Load())
}

func TestExtractProducesProcessedMessage(t *testing.T) {
	rawFrame := wire.EncodeRawCapture(&wire.RawCapture{
		ID: "img_1", Payload: []byte{1, 2, 3}, Format: "png", CapturedAt: 500,
	})
	feats := []detect.Feature{
		{Keypoint: wire.Keypoint{X: 1, Y: 2, Size: 3, Angle: -1, Response: 0.5}, Descriptor: []float32{1, 2}},
	}
	recv := &fakeReceiver{queue: [][]byte{rawFrame}}
	pub := &fakePublisher{}
	stats := &Stats{}
	stage := &Extract{
		Receiver:  recv,
		Publisher: pub,
		Detector:  &fixedDetector{feats: feats},
		Log:       zerolog.Nop(),
		Stats:     stats,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for stats.Published.Load() == 0 && ctx.Err() == nil {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	require.NoError(t, stage.Run(ctx))

	require.Len(t, pub.frames, 1)
	decoded, err := wire.Decode(pub.frames[0])
	require.NoError(t, err)
	msg := decoded.(*wire.Processed)
	assert.Equal(t, "img_1", msg.ID)
	assert.Equal(t, uint32(320), msg.Width)
	assert.Equal(t, uint32(240), msg.Height)
	assert.Equal(t, int64(500), msg.CapturedAt)
	assert.GreaterOrEqual(t, msg.ProcessedAt, msg.CapturedAt)
	require.Len(t, msg.Keypoints, 1)
	assert.Equal(t, feats[0].Keypoint, msg.Keypoints[0])
	assert.Equal(t, [][]float32{{1, 2}}, msg.Descriptors)
}

func TestExtractSkipsMalformedAndKeepsRunning(t *testing.T) {
	good := wire.EncodeRawCapture(&wire.RawCapture{ID: "good", Payload: []byte{1}, Format: "png"})
	recv := &fakeReceiver{queue: [][]byte{[]byte("garbage"), good}}
	pub := &fakePublisher{}
	stats := &Stats{}
	stage := &Extract{
		Receiver:  recv,
		Publisher: pub,
		Detector:  &fixedDetector{},
		Log:       zerolog.Nop(),
		Stats:     stats,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for stats.Published.Load() == 0 && ctx.Err() == nil {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	require.NoError(t, stage.Run(ctx))

	assert.Equal(t, uint64(1), stats.FormatErrors.Load())
	assert.Equal(t, uint64(1), stats.Published.Load())
}

func TestExtractCountsDetectorFailures(t *testing.T) {
	frame := wire.EncodeRawCapture(&wire.RawCapture{ID: "bad", Payload: []byte{1}, Format: "png"})
	recv := &fakeReceiver{queue: [][]byte{frame}}
	stats := &Stats{}
	stage := &Extract{
		Receiver:  recv,
		Publisher: &fakePublisher{},
		Detector:  &fixedDetector{err: errors.New("cannot decode")},
		Log:       zerolog.Nop(),
		Stats:     stats,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for stats.DetectErrors.Load() == 0 && ctx.Err() == nil {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	require.NoError(t, stage.Run(ctx))
	assert.Equal(t, uint64(1), stats.DetectErrors.Load())
	assert.Zero(t, stats.Published.Load())
}

func TestRecordStoresProcessedMessages(t *testing.T) {
	msg := &wire.Processed{
		RawCapture:  wire.RawCapture{ID: "img_9", Payload: []byte{7}, Format: "png"},
		ProcessedAt: 9,
		Keypoints:   []wire.Keypoint{{X: 1}},
	}
	rawKind := wire.EncodeRawCapture(&wire.RawCapture{ID: "wrong-channel"})
	recv := &fakeReceiver{queue: [][]byte{rawKind, wire.EncodeProcessed(msg)}}
	st := &fakeStore{}
	stats := &Stats{}
	stage := &Record{Receiver: recv, Store: st, Log: zerolog.Nop(), Stats: stats}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for stats.Stored.Load() == 0 && ctx.Err() == nil {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	require.NoError(t, stage.Run(ctx))

	require.Len(t, st.saved, 1)
	assert.Equal(t, msg, st.saved[0])
	assert.Equal(t, uint64(1), stats.FormatErrors.Load(), "raw message on processed channel is counted")
}

func TestRecordContinuesAfterStoreFailure(t *testing.T) {
	frame := wire.EncodeProcessed(&wire.Processed{RawCapture: wire.RawCapture{ID: "x"}})
	recv := &fakeReceiver{queue: [][]byte{frame, frame}}
	st := &fakeStore{err: errors.New("disk full")}
	stats := &Stats{}
	stage := &Record{Receiver: recv, Store: st, Log: zerolog.Nop(), Stats: stats}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for stats.StoreErrors.Load() < 2 && ctx.Err() == nil {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	require.NoError(t, stage.Run(ctx))
	assert.Equal(t, uint64(2), stats.StoreErrors.Load())
	assert.Empty(t, st.saved)
}

// Cancellation must be observed at the next receive-timeout boundary.
func TestStagesStopPromptlyOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ext := &Extract{Receiver: &fakeReceiver{}, Publisher: &fakePublisher{}, Detector: &fixedDetector{}, Log: zerolog.Nop()}
	rec := &Record{Receiver: &fakeReceiver{}, Store: &fakeStore{}, Log: zerolog.Nop()}
	capt := &Capture{Source: &fakeSource{}, Publisher: &fakePublisher{}, Log: zerolog.Nop()}

	for name, run := range map[string]func(context.Context) error{
		"extract": ext.Run,
		"record":  rec.Run,
		"capture": capt.Run,
	} {
		done := make(chan error, 1)
		go func() { done <- run(ctx) }()
		select {
		case err := <-done:
			assert.NoError(t, err, name)
		case <-time.After(time.Second):
			t.Fatalf("%s did not stop after cancellation", name)
		}
	}
}
