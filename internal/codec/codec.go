// Package codec reads and writes compressed NDJSON files one record at a time.
package codec

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/withObsrvr/metric-transformer/internal/record"
)

// Compression names the stream compressor wrapping a file.
type Compression string

const (
	Auto Compression = "auto"
	Gzip Compression = "gzip"
	Zstd Compression = "zstd"
)

var (
	// ErrUnknownCompression is returned for unsupported compression names.
	ErrUnknownCompression = errors.New("unknown compression")

	// ErrInvalidUTF8 is returned for a line that is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("invalid UTF-8")
)

// ParseCompression validates a configured compression name. Empty means Auto.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToLower(s)); c {
	case "":
		return Auto, nil
	case Auto, Gzip, Zstd:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCompression, s)
	}
}

// Detect resolves Auto from the file name: ".zst" and ".zstd" are zstd,
// everything else is gzip. Explicit modes are returned unchanged.
func Detect(path string, mode Compression) Compression {
	if mode != Auto && mode != "" {
		return mode
	}
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".zst") || strings.HasSuffix(lower, ".zstd") {
		return Zstd
	}
	return Gzip
}

// LineError locates a malformed line in the decompressed stream.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// Reader lazily decodes records from a compressed NDJSON stream.
type Reader struct {
	br    *bufio.Reader
	close func() error
	line  int
	empty bool
}

// NewReader wraps r. An empty gzip stream yields no records.
func NewReader(r io.Reader, c Compression) (*Reader, error) {
	switch c {
	case Gzip:
		zr, err := gzip.NewReader(r)
		if errors.Is(err, io.EOF) {
			return &Reader{empty: true, close: func() error { return nil }}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		return &Reader{br: bufio.NewReader(zr), close: zr.Close}, nil
	case Zstd:
		zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		return &Reader{br: bufio.NewReader(zr), close: func() error {
			zr.Close()
			return nil
		}}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, c)
	}
}

// Next returns the next record, or io.EOF once the stream is exhausted.
// Blank lines are skipped.
func (r *Reader) Next() (*record.Object, error) {
	if r.empty {
		return nil, io.EOF
	}
	for {
		line, err := r.br.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read line %d: %w", r.line+1, err)
		}
		if len(line) == 0 && err != nil {
			return nil, io.EOF
		}
		r.line++

		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if !utf8.Valid(line) {
			return nil, &LineError{Line: r.line, Err: ErrInvalidUTF8}
		}
		obj, perr := record.ParseObject(line)
		if perr != nil {
			return nil, &LineError{Line: r.line, Err: perr}
		}
		return obj, nil
	}
}

// Line returns the number of lines consumed so far.
func (r *Reader) Line() int { return r.line }

// Close releases the decompressor. It does not close the underlying reader.
func (r *Reader) Close() error {
	return r.close()
}

// Writer encodes records as compressed NDJSON.
type Writer struct {
	zw  io.WriteCloser
	buf bytes.Buffer
}

// NewWriter wraps w.
func NewWriter(w io.Writer, c Compression) (*Writer, error) {
	switch c {
	case Gzip:
		return &Writer{zw: gzip.NewWriter(w)}, nil
	case Zstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		return &Writer{zw: zw}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCompression, c)
	}
}

// Write appends obj as one line.
func (w *Writer) Write(obj *record.Object) error {
	data, err := obj.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	w.buf.Reset()
	w.buf.Write(data)
	w.buf.WriteByte('\n')
	if _, err := w.zw.Write(w.buf.Bytes()); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Close flushes the compressor. It does not close the underlying writer.
func (w *Writer) Close() error {
	return w.zw.Close()
}
