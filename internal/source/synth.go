package source

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"math/rand"
	"time"
)

// Synth generates grayscale PNG frames without any input data: a Gaussian
// intensity blob wandering over the frame plus shot noise. Frames are
// deterministic for a given seed.
type Synth struct {
	width    int
	height   int
	count    int // 0 means unbounded
	interval time.Duration
	seq      int
	rng      *rand.Rand
}

// NewSynth creates a synthetic source emitting width x height frames at
// most every interval. count bounds the run; zero runs until cancelled.
func NewSynth(width, height, count int, interval time.Duration, seed int64) *Synth {
	if width < 8 {
		width = 8
	}
	if height < 8 {
		height = 8
	}
	return &Synth{
		width:    width,
		height:   height,
		count:    count,
		interval: interval,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

func (s *Synth) Next(ctx context.Context) (Capture, error) {
	if s.count > 0 && s.seq >= s.count {
		return Capture{}, io.EOF
	}
	if s.interval > 0 {
		timer := time.NewTimer(s.interval)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Capture{}, ctx.Err()
		case <-timer.C:
		}
	}

	img := image.NewGray(image.Rect(0, 0, s.width, s.height))
	phase := float64(s.seq) * 0.2
	cx := float64(s.width)/2 + float64(s.width)/4*math.Cos(phase)
	cy := float64(s.height)/2 + float64(s.height)/4*math.Sin(phase)
	sigma := float64(s.width+s.height) / 16
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			dx := float64(x) - cx
			dy := float64(y) - cy
			base := 220 * math.Exp(-(dx*dx+dy*dy)/(2*sigma*sigma))
			noise := s.rng.NormFloat64() * math.Sqrt(base+1)
			v := base + noise
			if v < 0 {
				v = 0
			} else if v > 255 {
				v = 255
			}
			img.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Capture{}, fmt.Errorf("encode synthetic frame: %w", err)
	}
	c := Capture{
		ID:     fmt.Sprintf("synth_%06d", s.seq),
		Data:   buf.Bytes(),
		Format: "png",
		Width:  uint32(s.width),
		Height: uint32(s.height),
	}
	s.seq++
	return c, nil
}

func (s *Synth) Close() error { return nil }
