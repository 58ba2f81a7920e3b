package artifact

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// ErrTruncated reports that a stream ended mid-record. Lines decoded before
// the truncation point are still returned to the caller.
var ErrTruncated = errors.New("artifact: truncated stream")

// LineWriter appends newline-delimited records to an underlying writer.
// With compression enabled each line becomes an independent zstd frame, so
// a tail truncation loses at most the last record.
type LineWriter struct {
	w       io.Writer
	enc     *zstd.Encoder
	written int64
}

// NewLineWriter wraps w. With compress set, lines are individually framed.
func NewLineWriter(w io.Writer, compress bool) (*LineWriter, error) {
	lw := &LineWriter{w: w}
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("artifact: create zstd encoder: %w", err)
		}
		lw.enc = enc
	}
	return lw, nil
}

// WriteLine appends one record. The input must not contain a newline; the
// terminator is added here. Returns the number of uncompressed bytes the
// record contributes, for rotation accounting.
func (lw *LineWriter) WriteLine(line []byte) (int, error) {
	if bytes.IndexByte(line, '\n') >= 0 {
		return 0, fmt.Errorf("artifact: record contains newline")
	}
	payload := make([]byte, 0, len(line)+1)
	payload = append(payload, line...)
	payload = append(payload, '\n')

	out := payload
	if lw.enc != nil {
		out = lw.enc.EncodeAll(payload, nil)
	}
	if _, err := lw.w.Write(out); err != nil {
		return 0, fmt.Errorf("artifact: write record: %w", err)
	}
	lw.written += int64(len(payload))
	return len(payload), nil
}

// Written returns the cumulative uncompressed byte count.
func (lw *LineWriter) Written() int64 {
	return lw.written
}

// Close releases the encoder. The underlying writer is not closed.
func (lw *LineWriter) Close() error {
	if lw.enc != nil {
		return lw.enc.Close()
	}
	return nil
}

// ReadLines streams every record of a line-oriented file through fn,
// decompressing per-line zstd framing when compressed is set. When the
// stream ends mid-frame or mid-line, the well-formed prefix is delivered
// and ErrTruncated is returned.
func ReadLines(r io.Reader, compressed bool, fn func(line []byte) error) error {
	var truncated bool
	if compressed {
		dec, err := zstd.NewReader(r)
		if err != nil {
			return fmt.Errorf("artifact: create zstd decoder: %w", err)
		}
		defer dec.Close()

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, dec); err != nil {
			// A corrupt or cut-off final frame: keep what decoded cleanly.
			truncated = true
		}
		r = &buf
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		line := append([]byte(nil), scanner.Bytes()...)
		if err := fn(line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("artifact: scan records: %w", err)
	}

	// An uncompressed truncation leaves the final line without its
	// terminator; the scanner cannot distinguish that, so the tail is
	// delivered as-is and callers rely on JSON validation to reject it.
	if truncated {
		return ErrTruncated
	}
	return nil
}

// ReadLinesFile opens path and streams its records through fn, inferring
// compression from the file name.
func ReadLinesFile(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("artifact: open %s: %w", path, err)
	}
	defer f.Close()
	return ReadLines(f, IsCompressed(path), fn)
}
