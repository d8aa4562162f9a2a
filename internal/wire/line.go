// Package wire implements the byte-level protocol plumbing of the SMTP
// bridge: CRLF line framing and the DATA-phase dot-stuffing transparency
// codec (RFC 5321 §4.5.2).
package wire

import (
	"bufio"
	"errors"
	"io"
)

var (
	// ErrTruncated is returned when the stream ends in the middle of a
	// line. A clean close between lines is reported as io.EOF instead.
	ErrTruncated = errors.New("stream truncated mid-line")

	// ErrLineTooLong is returned when a line exceeds the configured
	// maximum before its CRLF terminator arrives.
	ErrLineTooLong = errors.New("line exceeds maximum length")
)

// Framer states. A CR followed by anything other than LF is data: the CR
// is retroactively appended and scanning continues. A bare LF never
// terminates a line.
const (
	frameChar = iota
	frameCR
)

// LineReader yields discrete CRLF-terminated protocol lines from a byte
// stream, with the CRLF removed. It reads byte-wise from the underlying
// bufio.Reader so the DATA phase can continue on the same stream position.
type LineReader struct {
	r   *bufio.Reader
	max int
}

// NewLineReader creates a LineReader bounded by max bytes per line.
func NewLineReader(r *bufio.Reader, max int) *LineReader {
	return &LineReader{r: r, max: max}
}

// ReadLine returns the next complete line. It returns io.EOF when the
// stream closes cleanly between lines and ErrTruncated when it closes
// with a partial line buffered.
func (lr *LineReader) ReadLine() (string, error) {
	buf := make([]byte, 0, 64)
	state := frameChar

	for {
		b, err := lr.r.ReadByte()
		if err != nil {
			if len(buf) == 0 && state == frameChar {
				return "", io.EOF
			}
			return "", ErrTruncated
		}

		switch state {
		case frameChar:
			if b == '\r' {
				state = frameCR
				continue
			}
			buf = append(buf, b)
		case frameCR:
			if b == '\n' {
				return string(buf), nil
			}
			// Not a terminator: the CR was data after all.
			buf = append(buf, '\r')
			if b != '\r' {
				state = frameChar
				buf = append(buf, b)
			}
		}

		if len(buf) > lr.max {
			return "", ErrLineTooLong
		}
	}
}
