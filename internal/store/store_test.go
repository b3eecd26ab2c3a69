package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imgpipe/internal/wire"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "imgpipe.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func processedFixture() *wire.Processed {
	return &wire.Processed{
		RawCapture: wire.RawCapture{
			ID:         "img_7",
			Payload:    []byte{1, 2, 3, 4},
			Format:     "png",
			Width:      800,
			Height:     600,
			CapturedAt: 1000,
		},
		ProcessedAt: 2000,
		Keypoints: []wire.Keypoint{
			{X: 1.5, Y: 2.5, Size: 3, Angle: 90, Response: 0.8, Octave: 1},
			{X: 4, Y: 5, Size: 6, Angle: -1, Response: 0.2, Octave: 0},
		},
		Descriptors: [][]float32{{0.1, 0.2, 0.3}},
	}
}

func TestSaveAndLoad(t *testing.T) {
	s := openTestStore(t)
	msg := processedFixture()
	require.NoError(t, s.Save(msg))

	img, kps, err := s.Load("img_7")
	require.NoError(t, err)
	assert.Equal(t, "png", img.Format)
	assert.Equal(t, uint32(800), img.Width)
	assert.Equal(t, uint32(600), img.Height)
	assert.Equal(t, int64(1000), img.CapturedAt)
	assert.Equal(t, int64(2000), img.ProcessedAt)
	assert.Equal(t, 2, img.NumKeypoints)
	assert.Equal(t, msg.Payload, img.ImageData)
	assert.Positive(t, img.CreatedAt)

	require.Len(t, kps, 2)
	assert.Equal(t, float32(1.5), kps[0].X)
	assert.Equal(t, float32(-1), kps[1].Angle)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, DecodeDescriptor(kps[0].Descriptor))
	assert.Nil(t, kps[1].Descriptor, "keypoint without descriptor stores NULL")
}

func TestSaveMessageWithoutKeypoints(t *testing.T) {
	s := openTestStore(t)
	msg := &wire.Processed{
		RawCapture: wire.RawCapture{ID: "empty", Format: "jpg"},
	}
	require.NoError(t, s.Save(msg))

	img, kps, err := s.Load("empty")
	require.NoError(t, err)
	assert.Equal(t, 0, img.NumKeypoints)
	assert.Empty(t, kps)
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	st, err := s.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.Images)

	require.NoError(t, s.Save(processedFixture()))
	second := processedFixture()
	second.ID = "img_8"
	require.NoError(t, s.Save(second))

	st, err = s.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Images)
	assert.Equal(t, int64(4), st.Keypoints)
}

func TestDuplicateCaptureIDsAllowed(t *testing.T) {
	// Redelivery after a subscriber restart may store the same capture
	// twice; the schema indexes but does not unique-constrain image_id.
	s := openTestStore(t)
	require.NoError(t, s.Save(processedFixture()))
	require.NoError(t, s.Save(processedFixture()))
	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Images)
}
