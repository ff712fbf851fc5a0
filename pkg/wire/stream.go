package wire

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Reader decodes frames from a reliable stream, one blank-line-terminated
// record at a time. It is not safe for concurrent use; the protocol runs a
// single reader per connection.
type Reader struct {
	scanner *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{scanner: bufio.NewReader(r)}
}

// ReadFrame blocks until a complete frame arrives, the stream closes, or the
// underlying connection reports an error. A clean close before any field
// line yields io.EOF.
func (r *Reader) ReadFrame() (*Frame, error) {
	frame := NewFrame()
	for {
		line, err := r.scanner.ReadString('\n')
		if err != nil {
			if err == io.EOF && len(frame.fields) == 0 && line == "" {
				return nil, io.EOF
			}
			return nil, errors.Wrap(err, "reading frame")
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(frame.fields) == 0 {
				// stray blank line between frames
				continue
			}
			return frame, nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" {
			return nil, NewErrMalformedFrame("bad field line: %q", line)
		}
		frame.fields = append(frame.fields, field{name: name, value: value})
	}
}

// Writer encodes frames onto a stream. Callers sharing one connection across
// goroutines must serialize their writes; Writer itself holds no lock.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) WriteFrame(frame *Frame) error {
	_, err := w.w.Write(frame.Marshal())
	return errors.Wrap(err, "writing frame")
}
