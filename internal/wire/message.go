// Package wire implements the binary message format exchanged between
// pipeline stages. Messages are self-contained: a fixed 64-byte header
// (magic, kind, body length, timestamps, dimensions) followed by
// length-prefixed variable sections, all little-endian.
package wire

import "fmt"

// Message kinds carried in the header tag.
const (
	KindRawCapture uint32 = 1
	KindProcessed  uint32 = 2
)

// Magic identifies imgpipe wire frames.
const Magic uint32 = 0x49504657 // "IPFW"

// HeaderSize is the fixed header length in bytes.
const HeaderSize = 64

// Keypoint is a single detected feature location. Angle uses -1 as the
// "undefined" sentinel, matching common detector conventions.
type Keypoint struct {
	X        float32
	Y        float32
	Size     float32
	Angle    float32
	Response float32
	Octave   int32
}

// RawCapture is an image as captured, before feature extraction.
// Width and Height may be zero when the producer does not decode the
// payload; downstream stages fill them in.
type RawCapture struct {
	ID         string
	Payload    []byte
	Format     string
	Width      uint32
	Height     uint32
	CapturedAt int64 // milliseconds since epoch
}

// Processed is a capture plus extracted features. Keypoints and
// Descriptors are framed independently on the wire; a message with
// keypoints but no descriptors is valid.
type Processed struct {
	RawCapture
	ProcessedAt int64 // milliseconds since epoch, >= CapturedAt
	Keypoints   []Keypoint
	Descriptors [][]float32
}

// Message is the closed set of decodable message shapes. Decode returns
// one of *RawCapture or *Processed; callers dispatch with a type switch.
type Message interface {
	Kind() uint32
}

func (*RawCapture) Kind() uint32 { return KindRawCapture }
func (*Processed) Kind() uint32  { return KindProcessed }

// FormatError reports malformed, truncated, or mistagged wire data.
// It is always recoverable: discard the message and keep receiving.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string { return "wire: " + e.Reason }

func formatErrorf(format string, args ...any) *FormatError {
	return &FormatError{Reason: fmt.Sprintf(format, args...)}
}
