//go:build unit || !integration

package wire

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFrameMarshalRoundTrip(t *testing.T) {
	frame := NewFrame().
		Set("Command", "EXECUTE_TASK").
		Set("TaskID", "T1").
		SetInt("Attempt", 3).
		SetBool("Accelerated", true).
		SetFloat("Load", 0.25)

	parsed, err := Unmarshal(frame.Marshal())
	require.NoError(t, err)

	command, ok := parsed.Get("Command")
	require.True(t, ok)
	require.Equal(t, "EXECUTE_TASK", command)

	attempt, err := parsed.RequiredInt("Attempt")
	require.NoError(t, err)
	require.Equal(t, 3, attempt)

	accelerated, err := parsed.RequiredBool("Accelerated")
	require.NoError(t, err)
	require.True(t, accelerated)

	load, err := parsed.RequiredFloat("Load")
	require.NoError(t, err)
	require.Equal(t, 0.25, load)
}

func TestFrameTimeRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	frame := NewFrame().SetTime("Timestamp", now)

	parsed, err := Unmarshal(frame.Marshal())
	require.NoError(t, err)

	ts, err := parsed.RequiredTime("Timestamp")
	require.NoError(t, err)
	require.True(t, ts.Equal(now))
}

func TestFrameValueMayContainSeparator(t *testing.T) {
	frame := NewFrame().Set("Address", "10.0.0.5:7000")
	parsed, err := Unmarshal(frame.Marshal())
	require.NoError(t, err)

	address, ok := parsed.Get("Address")
	require.True(t, ok)
	require.Equal(t, "10.0.0.5:7000", address)
}

func TestFrameSetReplacesNewlines(t *testing.T) {
	frame := NewFrame().Set("Detail", "line one\nline two")
	parsed, err := Unmarshal(frame.Marshal())
	require.NoError(t, err)

	detail, ok := parsed.Get("Detail")
	require.True(t, ok)
	require.Equal(t, "line one line two", detail)
}

func TestFrameSetOverwrites(t *testing.T) {
	frame := NewFrame().Set("TaskID", "T1").Set("TaskID", "T2")
	value, ok := frame.Get("TaskID")
	require.True(t, ok)
	require.Equal(t, "T2", value)
}

func TestUnmarshalMalformed(t *testing.T) {
	for _, input := range []string{"", "\n\n", "no separator here\n", ":valueWithoutName\n"} {
		_, err := Unmarshal([]byte(input))
		require.Error(t, err)
		require.IsType(t, ErrMalformedFrame{}, err)
	}
}

func TestRequiredMissingField(t *testing.T) {
	frame := NewFrame().Set("Command", "PING")
	_, err := frame.Required("TaskID")
	require.Error(t, err)
	require.IsType(t, ErrMalformedFrame{}, err)
}

func TestReaderMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	writer := NewWriter(&buf)
	require.NoError(t, writer.WriteFrame(NewFrame().Set("Command", "PING")))
	require.NoError(t, writer.WriteFrame(NewFrame().Set("Command", "STOP_TASK")))

	reader := NewReader(&buf)

	first, err := reader.ReadFrame()
	require.NoError(t, err)
	command, _ := first.Get("Command")
	require.Equal(t, "PING", command)

	second, err := reader.ReadFrame()
	require.NoError(t, err)
	command, _ = second.Get("Command")
	require.Equal(t, "STOP_TASK", command)

	_, err = reader.ReadFrame()
	require.Equal(t, io.EOF, err)
}

func TestReaderSkipsStrayBlankLines(t *testing.T) {
	reader := NewReader(strings.NewReader("\n\nCommand:PING\n\n"))
	frame, err := reader.ReadFrame()
	require.NoError(t, err)
	command, _ := frame.Get("Command")
	require.Equal(t, "PING", command)
}

func TestReaderMalformedLine(t *testing.T) {
	reader := NewReader(strings.NewReader("garbage without separator\n\n"))
	_, err := reader.ReadFrame()
	require.Error(t, err)
}
