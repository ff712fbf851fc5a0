package wire

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// A Frame is one protocol message: an ordered list of Field:Value records.
// Field order is preserved for the wire but carries no meaning; lookups are
// by field name, last occurrence wins. Values must not contain newlines.
type Frame struct {
	fields []field
}

type field struct {
	name  string
	value string
}

// ErrMalformedFrame is returned when a datagram or stream segment cannot be
// parsed into a frame, or when a required field is absent or unparseable.
type ErrMalformedFrame struct {
	Reason string
}

func NewErrMalformedFrame(format string, args ...interface{}) ErrMalformedFrame {
	return ErrMalformedFrame{Reason: fmt.Sprintf(format, args...)}
}

func (e ErrMalformedFrame) Error() string {
	return "malformed frame: " + e.Reason
}

func NewFrame() *Frame {
	return &Frame{}
}

// Set appends or replaces a field. Newlines in the value would corrupt the
// framing, so they are replaced with spaces rather than trusted.
func (f *Frame) Set(name, value string) *Frame {
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	for i := range f.fields {
		if f.fields[i].name == name {
			f.fields[i].value = value
			return f
		}
	}
	f.fields = append(f.fields, field{name: name, value: value})
	return f
}

func (f *Frame) SetInt(name string, value int) *Frame {
	return f.Set(name, strconv.Itoa(value))
}

func (f *Frame) SetFloat(name string, value float64) *Frame {
	return f.Set(name, strconv.FormatFloat(value, 'f', -1, 64))
}

func (f *Frame) SetBool(name string, value bool) *Frame {
	return f.Set(name, strconv.FormatBool(value))
}

func (f *Frame) SetTime(name string, value time.Time) *Frame {
	return f.Set(name, value.Format(time.RFC3339Nano))
}

// Get returns the named field's value. Unknown fields being ignored is the
// caller's business; Get just reports presence.
func (f *Frame) Get(name string) (string, bool) {
	for i := len(f.fields) - 1; i >= 0; i-- {
		if f.fields[i].name == name {
			return f.fields[i].value, true
		}
	}
	return "", false
}

// Required returns the named field's value or an ErrMalformedFrame if absent.
func (f *Frame) Required(name string) (string, error) {
	value, ok := f.Get(name)
	if !ok {
		return "", NewErrMalformedFrame("missing required field %q", name)
	}
	return value, nil
}

func (f *Frame) RequiredInt(name string) (int, error) {
	raw, err := f.Required(name)
	if err != nil {
		return 0, err
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, NewErrMalformedFrame("field %q is not an integer: %q", name, raw)
	}
	return value, nil
}

func (f *Frame) RequiredFloat(name string) (float64, error) {
	raw, err := f.Required(name)
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, NewErrMalformedFrame("field %q is not a number: %q", name, raw)
	}
	return value, nil
}

func (f *Frame) RequiredBool(name string) (bool, error) {
	raw, err := f.Required(name)
	if err != nil {
		return false, err
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, NewErrMalformedFrame("field %q is not a boolean: %q", name, raw)
	}
	return value, nil
}

func (f *Frame) RequiredTime(name string) (time.Time, error) {
	raw, err := f.Required(name)
	if err != nil {
		return time.Time{}, err
	}
	value, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, NewErrMalformedFrame("field %q is not a timestamp: %q", name, raw)
	}
	return value, nil
}

// Marshal renders the frame as Field:Value lines followed by the blank
// terminator line.
func (f *Frame) Marshal() []byte {
	var buf bytes.Buffer
	for _, fld := range f.fields {
		buf.WriteString(fld.name)
		buf.WriteByte(':')
		buf.WriteString(fld.value)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// Unmarshal parses a single complete frame, e.g. one discovery datagram.
// The trailing blank line is optional in datagram form.
func Unmarshal(data []byte) (*Frame, error) {
	frame := NewFrame()
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, NewErrMalformedFrame("line has no field separator: %q", line)
		}
		if name == "" {
			return nil, NewErrMalformedFrame("line has empty field name: %q", line)
		}
		frame.fields = append(frame.fields, field{name: name, value: value})
	}
	if len(frame.fields) == 0 {
		return nil, NewErrMalformedFrame("empty frame")
	}
	return frame, nil
}
