// Package ndjson reads and writes newline-delimited JSON streams.
package ndjson

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"sync"
)

// Reader yields one non-empty line at a time. Lines may be arbitrarily long;
// agent tool output regularly exceeds bufio.Scanner's default token size.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadLine returns the next line without its terminator. Blank lines are
// skipped. A final line lacking a newline is returned before io.EOF.
func (r *Reader) ReadLine() ([]byte, error) {
	for {
		line, err := r.r.ReadBytes('\n')
		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Writer serializes values as one JSON document per line. It is safe for
// concurrent use; each value is written atomically.
type Writer struct {
	w  io.Writer
	mu sync.Mutex
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteJSON encodes v followed by a newline.
func (w *Writer) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return w.WriteRaw(data)
}

// WriteRaw writes an already-encoded document followed by a newline.
func (w *Writer) WriteRaw(data []byte) error {
	buf := make([]byte, 0, len(data)+1)
	buf = append(buf, data...)
	buf = append(buf, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.w.Write(buf)
	return err
}
