package wire

import (
	"encoding/binary"
	"math"
)

const keypointSize = 24 // 5 float32 + 1 int32

// Encode serializes any message to a wire frame. It never fails for
// in-memory messages; sizes beyond uint32 section limits cannot occur
// within a single zmq frame.
func Encode(m Message) []byte {
	switch msg := m.(type) {
	case *RawCapture:
		return EncodeRawCapture(msg)
	case *Processed:
		return EncodeProcessed(msg)
	default:
		panic("wire: unknown message type")
	}
}

// EncodeRawCapture serializes a raw capture message.
func EncodeRawCapture(m *RawCapture) []byte {
	body := 4 + len(m.ID) + 4 + len(m.Format) + 4 + len(m.Payload)
	buf := make([]byte, 0, HeaderSize+body)
	buf = appendHeader(buf, KindRawCapture, uint64(body), m.CapturedAt, 0, m.Width, m.Height)
	buf = appendSection(buf, []byte(m.ID))
	buf = appendSection(buf, []byte(m.Format))
	buf = appendSection(buf, m.Payload)
	return buf
}

// EncodeProcessed serializes a processed message.
func EncodeProcessed(m *Processed) []byte {
	body := 4 + len(m.ID) + 4 + len(m.Format) + 4 + len(m.Payload)
	body += 4 + keypointSize*len(m.Keypoints)
	body += 4
	for _, d := range m.Descriptors {
		body += 4 + 4*len(d)
	}
	buf := make([]byte, 0, HeaderSize+body)
	buf = appendHeader(buf, KindProcessed, uint64(body), m.CapturedAt, m.ProcessedAt, m.Width, m.Height)
	buf = appendSection(buf, []byte(m.ID))
	buf = appendSection(buf, []byte(m.Format))
	buf = appendSection(buf, m.Payload)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Keypoints)))
	for _, kp := range m.Keypoints {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(kp.X))
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(kp.Y))
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(kp.Size))
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(kp.Angle))
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(kp.Response))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(kp.Octave))
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Descriptors)))
	for _, d := range m.Descriptors {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(d)))
		for _, v := range d {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	return buf
}

func appendHeader(buf []byte, kind uint32, bodyLen uint64, capturedAt, processedAt int64, width, height uint32) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, Magic)
	buf = binary.LittleEndian.AppendUint32(buf, kind)
	buf = binary.LittleEndian.AppendUint64(buf, bodyLen)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(capturedAt))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(processedAt))
	buf = binary.LittleEndian.AppendUint32(buf, width)
	buf = binary.LittleEndian.AppendUint32(buf, height)
	var reserved [24]byte
	return append(buf, reserved[:]...)
}

func appendSection(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// Decode parses a wire frame into one of the known message shapes.
// Every length read from the buffer is bounds-checked before the
// corresponding slice is taken, so arbitrary input is safe.
func Decode(buf []byte) (Message, error) {
	if len(buf) < HeaderSize {
		return nil, formatErrorf("buffer of %d bytes shorter than %d-byte header", len(buf), HeaderSize)
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != Magic {
		return nil, formatErrorf("bad magic 0x%08x", magic)
	}
	kind := binary.LittleEndian.Uint32(buf[4:8])
	bodyLen := binary.LittleEndian.Uint64(buf[8:16])
	if bodyLen != uint64(len(buf)-HeaderSize) {
		return nil, formatErrorf("declared body length %d, have %d bytes", bodyLen, len(buf)-HeaderSize)
	}
	capturedAt := int64(binary.LittleEndian.Uint64(buf[16:24]))
	processedAt := int64(binary.LittleEndian.Uint64(buf[24:32]))
	width := binary.LittleEndian.Uint32(buf[32:36])
	height := binary.LittleEndian.Uint32(buf[36:40])

	r := &reader{buf: buf, off: HeaderSize}
	raw := RawCapture{
		Width:      width,
		Height:     height,
		CapturedAt: capturedAt,
	}
	var err error
	if raw.ID, err = r.str("id"); err != nil {
		return nil, err
	}
	if raw.Format, err = r.str("format"); err != nil {
		return nil, err
	}
	if raw.Payload, err = r.bytes("payload"); err != nil {
		return nil, err
	}

	switch kind {
	case KindRawCapture:
		if err := r.done(); err != nil {
			return nil, err
		}
		return &raw, nil
	case KindProcessed:
		msg := &Processed{RawCapture: raw, ProcessedAt: processedAt}
		if msg.Keypoints, err = r.keypoints(); err != nil {
			return nil, err
		}
		if msg.Descriptors, err = r.descriptors(); err != nil {
			return nil, err
		}
		if err := r.done(); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, formatErrorf("unknown message kind %d", kind)
	}
}

// reader is a bounds-checked cursor over a wire frame body.
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) u32(field string) (uint32, error) {
	if r.remaining() < 4 {
		return 0, formatErrorf("truncated %s length at offset %d", field, r.off)
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) take(n int, field string) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, formatErrorf("%s needs %d bytes, %d remain", field, n, r.remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) bytes(field string) ([]byte, error) {
	n, err := r.u32(field)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	b, err := r.take(int(n), field)
	if err != nil {
		return nil, err
	}
	// Copy so the decoded message does not alias the transport buffer.
	return append([]byte(nil), b...), nil
}

func (r *reader) str(field string) (string, error) {
	n, err := r.u32(field)
	if err != nil {
		return "", err
	}
	b, err := r.take(int(n), field)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) keypoints() ([]Keypoint, error) {
	count, err := r.u32("keypoint count")
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	b, err := r.take(int(count)*keypointSize, "keypoints")
	if err != nil {
		return nil, err
	}
	kps := make([]Keypoint, count)
	for i := range kps {
		rec := b[i*keypointSize:]
		kps[i] = Keypoint{
			X:        math.Float32frombits(binary.LittleEndian.Uint32(rec[0:4])),
			Y:        math.Float32frombits(binary.LittleEndian.Uint32(rec[4:8])),
			Size:     math.Float32frombits(binary.LittleEndian.Uint32(rec[8:12])),
			Angle:    math.Float32frombits(binary.LittleEndian.Uint32(rec[12:16])),
			Response: math.Float32frombits(binary.LittleEndian.Uint32(rec[16:20])),
			Octave:   int32(binary.LittleEndian.Uint32(rec[20:24])),
		}
	}
	return kps, nil
}

func (r *reader) descriptors() ([][]float32, error) {
	count, err := r.u32("descriptor count")
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	descs := make([][]float32, 0, min(int(count), r.remaining()/4))
	for i := uint32(0); i < count; i++ {
		dim, err := r.u32("descriptor dimension")
		if err != nil {
			return nil, err
		}
		b, err := r.take(int(dim)*4, "descriptor")
		if err != nil {
			return nil, err
		}
		var d []float32
		if dim > 0 {
			d = make([]float32, dim)
			for j := range d {
				d[j] = math.Float32frombits(binary.LittleEndian.Uint32(b[j*4:]))
			}
		}
		descs = append(descs, d)
	}
	return descs, nil
}

func (r *reader) done() error {
	if r.remaining() != 0 {
		return formatErrorf("%d trailing bytes after message body", r.remaining())
	}
	return nil
}
