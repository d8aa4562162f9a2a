package wire

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// ErrMessageTooLarge is returned when a DATA payload exceeds the
// configured maximum size before its terminator arrives.
var ErrMessageTooLarge = errors.New("message exceeds maximum size")

// ReadDotBody consumes a dot-stuffed DATA payload from lr until the
// bare-dot terminator line and returns the unstuffed message bytes.
// A line of exactly "." terminates; a leading ".." is destuffed to ".";
// every other line passes through unchanged with its CRLF restored.
func ReadDotBody(lr *LineReader, maxSize int) ([]byte, error) {
	var b strings.Builder

	for {
		line, err := lr.ReadLine()
		if err != nil {
			if err == io.EOF {
				// EOF before the terminator is still truncation.
				return nil, ErrTruncated
			}
			return nil, err
		}

		if line == "." {
			return []byte(b.String()), nil
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}

		if b.Len()+len(line)+2 > maxSize {
			return nil, ErrMessageTooLarge
		}
		b.WriteString(line)
		b.WriteString("\r\n")
	}
}

// DotWriter writes a dot-stuffed DATA payload: lines beginning with "."
// gain an extra leading dot, and Close emits the terminator. If the
// payload does not end with CRLF, Close first writes a synchronizing
// CRLF so the terminator sits on its own line.
type DotWriter struct {
	w         *bufio.Writer
	beginLine bool
	closed    bool
}

// NewDotWriter creates a DotWriter over w.
func NewDotWriter(w *bufio.Writer) *DotWriter {
	return &DotWriter{w: w, beginLine: true}
}

func (d *DotWriter) Write(p []byte) (int, error) {
	if d.closed {
		return 0, io.ErrClosedPipe
	}

	written := 0
	for _, b := range p {
		if d.beginLine && b == '.' {
			if err := d.w.WriteByte('.'); err != nil {
				return written, err
			}
		}
		if err := d.w.WriteByte(b); err != nil {
			return written, err
		}
		written++
		d.beginLine = b == '\n'
	}
	return written, nil
}

// Close writes the terminating dot line and flushes. It is idempotent.
func (d *DotWriter) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	if !d.beginLine {
		if _, err := d.w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	if _, err := d.w.WriteString(".\r\n"); err != nil {
		return err
	}
	return d.w.Flush()
}
