package detect

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkerboard yields strong contrast in every cell.
func checkerboardPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(0)
			if (x/8+y/8)%2 == 0 {
				v = 255
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func flatPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDetectCheckerboard(t *testing.T) {
	data := checkerboardPNG(t, 64, 48)
	det := NewGrid()

	w, h, feats, err := det.Detect(data)
	require.NoError(t, err)
	assert.Equal(t, 64, w)
	assert.Equal(t, 48, h)
	require.NotEmpty(t, feats)

	for _, f := range feats {
		assert.Len(t, f.Descriptor, DescriptorDim)
		assert.GreaterOrEqual(t, f.Keypoint.X, float32(0))
		assert.Less(t, f.Keypoint.X, float32(w))
		assert.GreaterOrEqual(t, f.Keypoint.Y, float32(0))
		assert.Less(t, f.Keypoint.Y, float32(h))
		assert.Positive(t, f.Keypoint.Response)

		var norm float64
		for _, v := range f.Descriptor {
			norm += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, norm, 1e-3, "descriptor should be L2-normalized")
	}
}

func TestDetectFlatImageHasNoFeatures(t *testing.T) {
	_, _, feats, err := NewGrid().Detect(flatPNG(t, 64, 64))
	require.NoError(t, err)
	assert.Empty(t, feats)
}

func TestDetectDeterministic(t *testing.T) {
	data := checkerboardPNG(t, 48, 48)
	det := NewGrid()
	_, _, a, err := det.Detect(data)
	require.NoError(t, err)
	_, _, b, err := det.Detect(data)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDetectRejectsGarbage(t *testing.T) {
	_, _, _, err := NewGrid().Detect([]byte("definitely not an image"))
	assert.Error(t, err)
}

func TestDetectCapsFeatureCount(t *testing.T) {
	det := NewGrid()
	det.MaxFeatures = 3
	_, _, feats, err := det.Detect(checkerboardPNG(t, 128, 128))
	require.NoError(t, err)
	assert.Len(t, feats, 3)
}
