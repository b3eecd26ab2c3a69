// Package source supplies raw image bytes with identifiers to the capture
// stage. A source is either a directory of image files or a synthetic
// frame generator.
package source

import (
	"context"
	"path/filepath"
	"strings"
)

// Capture is one image produced by a source. Width and Height are zero
// when the source does not decode the payload.
type Capture struct {
	ID     string
	Data   []byte
	Format string
	Width  uint32
	Height uint32
}

// Source produces captures on demand. Next returns io.EOF when a bounded
// source is exhausted and ctx.Err() when the context is cancelled; any
// other error concerns a single capture and the caller may continue.
type Source interface {
	Next(ctx context.Context) (Capture, error)
	Close() error
}

var imageExtensions = map[string]bool{
	"jpg": true, "jpeg": true, "png": true,
	"bmp": true, "tif": true, "tiff": true,
}

func imageFormat(path string) (string, bool) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	return ext, imageExtensions[ext]
}
