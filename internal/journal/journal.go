// Package journal records published wire frames to disk for later replay
// or inspection. A journal file starts with a fixed magic, then a
// CBOR-encoded manifest, then timestamped length-prefixed frame records.
package journal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const fileMagic = "IPFWJNL1"

// Manifest describes the run that produced a journal file.
type Manifest struct {
	Version   int    `cbor:"version"`
	Stage     string `cbor:"stage"`
	Endpoint  string `cbor:"endpoint"`
	CreatedAt int64  `cbor:"created_at"` // milliseconds since epoch
}

// Record is one journaled frame with the wall-clock time it was written.
type Record struct {
	Timestamp time.Time
	Frame     []byte
}

type Writer struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

// NewWriter creates a timestamped journal file in dir and writes the
// magic and manifest.
func NewWriter(dir, stage, endpoint string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s_%s.jnl", time.Now().Format("20060102_150405"), stage)
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriterSize(f, 1024*1024)
	if _, err := w.WriteString(fileMagic); err != nil {
		_ = f.Close()
		return nil, err
	}
	manifest, err := cbor.Marshal(Manifest{
		Version:   1,
		Stage:     stage,
		Endpoint:  endpoint,
		CreatedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(manifest)))
	if _, err := w.Write(size[:]); err != nil {
		_ = f.Close()
		return nil, err
	}
	if _, err := w.Write(manifest); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: w}, nil
}

// Path returns the journal file path.
func (jw *Writer) Path() string { return jw.f.Name() }

// Record appends one frame and flushes it so a crash loses at most the
// frame being written.
func (jw *Writer) Record(frame []byte) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.w == nil {
		return fmt.Errorf("journal writer is closed")
	}
	var header [12]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(time.Now().UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(frame)))
	if _, err := jw.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := jw.w.Write(frame); err != nil {
		return err
	}
	return jw.w.Flush()
}

func (jw *Writer) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.w == nil {
		return nil
	}
	if err := jw.w.Flush(); err != nil {
		_ = jw.f.Close()
		jw.w = nil
		return err
	}
	err := jw.f.Close()
	jw.w = nil
	return err
}

type Reader struct {
	f        *os.File
	r        *bufio.Reader
	manifest Manifest
}

// Open validates the magic, decodes the manifest, and positions the
// reader at the first record.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := bufio.NewReader(f)
	magic := make([]byte, len(fileMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read journal magic: %w", err)
	}
	if string(magic) != fileMagic {
		_ = f.Close()
		return nil, fmt.Errorf("unexpected journal magic %q", string(magic))
	}
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read manifest length: %w", err)
	}
	raw := make([]byte, binary.LittleEndian.Uint32(size[:]))
	if _, err := io.ReadFull(r, raw); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var manifest Manifest
	if err := cbor.Unmarshal(raw, &manifest); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &Reader{f: f, r: r, manifest: manifest}, nil
}

func (jr *Reader) Manifest() Manifest { return jr.manifest }

// Next returns the next record, or io.EOF at the end of the journal.
// A journal truncated mid-record also ends with io.EOF.
func (jr *Reader) Next() (Record, error) {
	var header [12]byte
	if _, err := io.ReadFull(jr.r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Record{}, io.EOF
		}
		return Record{}, err
	}
	ts := int64(binary.LittleEndian.Uint64(header[:8]))
	size := binary.LittleEndian.Uint32(header[8:12])
	frame := make([]byte, size)
	if _, err := io.ReadFull(jr.r, frame); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, err
	}
	return Record{Timestamp: time.Unix(0, ts), Frame: frame}, nil
}

func (jr *Reader) Close() error { return jr.f.Close() }
