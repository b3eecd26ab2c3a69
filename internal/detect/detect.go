// Package detect extracts visual features from encoded images. The
// pipeline treats detection as an opaque collaborator: bytes in,
// keypoints and descriptors out. Detection failures concern a single
// image and are handled by the calling stage, never by the transport.
package detect

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"imgpipe/internal/wire"
)

// DescriptorDim is the conventional descriptor length. The wire format
// carries the length explicitly, so consumers must not assume it.
const DescriptorDim = 128

// Feature pairs a keypoint with its descriptor.
type Feature struct {
	Keypoint   wire.Keypoint
	Descriptor []float32
}

// Detector turns encoded image bytes into features, reporting the
// decoded dimensions along the way.
type Detector interface {
	Detect(data []byte) (width, height int, feats []Feature, err error)
}

// Grid is a deterministic intensity-extremum detector: the image is
// divided into cells, each cell contributes its strongest contrast point,
// and descriptors are 4x4x8 gradient-orientation histograms over a 16x16
// patch, SIFT-style. It is not a SIFT replacement; it exists so the
// pipeline runs end to end without native vision dependencies.
type Grid struct {
	// CellSize is the detection cell edge in pixels (default 16).
	CellSize int
	// MinContrast rejects flat cells (default 12 gray levels).
	MinContrast float64
	// MaxFeatures caps the per-image feature count (default 512).
	MaxFeatures int
}

// NewGrid returns a Grid detector with defaults.
func NewGrid() *Grid {
	return &Grid{CellSize: 16, MinContrast: 12, MaxFeatures: 512}
}

func (g *Grid) Detect(data []byte) (int, int, []Feature, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, 0, nil, fmt.Errorf("decode image: %w", err)
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return 0, 0, nil, fmt.Errorf("empty image %dx%d", w, h)
	}

	gray := grayscale(img)
	cell := g.CellSize
	if cell < 4 {
		cell = 16
	}
	maxFeats := g.MaxFeatures
	if maxFeats <= 0 {
		maxFeats = 512
	}

	var feats []Feature
	for cy := 0; cy < h; cy += cell {
		for cx := 0; cx < w; cx += cell {
			if len(feats) >= maxFeats {
				return w, h, feats, nil
			}
			kp, ok := g.cellExtremum(gray, w, h, cx, cy, cell)
			if !ok {
				continue
			}
			feats = append(feats, Feature{
				Keypoint:   kp,
				Descriptor: describe(gray, w, h, kp),
			})
		}
	}
	return w, h, feats, nil
}

// cellExtremum finds the pixel with the largest deviation from the cell
// mean. Flat cells produce no keypoint.
func (g *Grid) cellExtremum(gray []float64, w, h, cx, cy, cell int) (wire.Keypoint, bool) {
	x1 := min(cx+cell, w)
	y1 := min(cy+cell, h)

	var sum float64
	n := 0
	for y := cy; y < y1; y++ {
		for x := cx; x < x1; x++ {
			sum += gray[y*w+x]
			n++
		}
	}
	mean := sum / float64(n)

	bestX, bestY := cx, cy
	bestDev := 0.0
	for y := cy; y < y1; y++ {
		for x := cx; x < x1; x++ {
			dev := math.Abs(gray[y*w+x] - mean)
			if dev > bestDev {
				bestDev = dev
				bestX, bestY = x, y
			}
		}
	}
	if bestDev < g.MinContrast {
		return wire.Keypoint{}, false
	}

	gx, gy := gradient(gray, w, h, bestX, bestY)
	angle := float32(-1)
	if gx*gx+gy*gy > 1e-6 {
		deg := math.Atan2(gy, gx) * 180 / math.Pi
		if deg < 0 {
			deg += 360
		}
		angle = float32(deg)
	}
	return wire.Keypoint{
		X:        float32(bestX),
		Y:        float32(bestY),
		Size:     float32(cell),
		Angle:    angle,
		Response: float32(bestDev / 255),
		Octave:   0,
	}, true
}

// describe builds a 128-dim gradient-orientation histogram: 4x4 spatial
// bins of a 16x16 patch around the keypoint, 8 orientation bins each,
// L2-normalized.
func describe(gray []float64, w, h int, kp wire.Keypoint) []float32 {
	desc := make([]float64, DescriptorDim)
	px := int(kp.X) - 8
	py := int(kp.Y) - 8
	for dy := 0; dy < 16; dy++ {
		for dx := 0; dx < 16; dx++ {
			x := clamp(px+dx, 0, w-1)
			y := clamp(py+dy, 0, h-1)
			gx, gy := gradient(gray, w, h, x, y)
			mag := math.Hypot(gx, gy)
			if mag == 0 {
				continue
			}
			theta := math.Atan2(gy, gx)
			if theta < 0 {
				theta += 2 * math.Pi
			}
			obin := int(theta / (2 * math.Pi) * 8)
			if obin > 7 {
				obin = 7
			}
			spatial := (dy/4)*4 + dx/4
			desc[spatial*8+obin] += mag
		}
	}

	var norm float64
	for _, v := range desc {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, DescriptorDim)
	if norm > 0 {
		for i, v := range desc {
			out[i] = float32(v / norm)
		}
	}
	return out
}

func grayscale(img image.Image) []float64 {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	gray := make([]float64, w*h)
	if g, ok := img.(*image.Gray); ok {
		for y := 0; y < h; y++ {
			row := g.Pix[(y+bounds.Min.Y-g.Rect.Min.Y)*g.Stride:]
			for x := 0; x < w; x++ {
				gray[y*w+x] = float64(row[x+bounds.Min.X-g.Rect.Min.X])
			}
		}
		return gray
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, gc, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			// ITU-R BT.601 luma, 16-bit channels down to 8-bit range.
			gray[y*w+x] = (0.299*float64(r) + 0.587*float64(gc) + 0.114*float64(b)) / 257
		}
	}
	return gray
}

func gradient(gray []float64, w, h, x, y int) (float64, float64) {
	x0 := clamp(x-1, 0, w-1)
	x1 := clamp(x+1, 0, w-1)
	y0 := clamp(y-1, 0, h-1)
	y1 := clamp(y+1, 0, h-1)
	gx := gray[y*w+x1] - gray[y*w+x0]
	gy := gray[y1*w+x] - gray[y0*w+x]
	return gx, gy
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
