package mesos

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReaderReadsFrames(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte(`{"type":"HEARTBEAT"}`)))
	require.NoError(t, WriteFrame(&buf, []byte("x\ny")))
	require.NoError(t, WriteFrame(&buf, nil))

	r := NewReader(&buf)
	frame, err := r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, `{"type":"HEARTBEAT"}`, string(frame))

	frame, err = r.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, "x\ny", string(frame))

	frame, err = r.ReadFrame()
	require.NoError(t, err)
	require.Empty(t, frame)

	_, err = r.ReadFrame()
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderRejectsBadFrames(t *testing.T) {
	t.Parallel()

	_, err := NewReader(strings.NewReader("abc\n")).ReadFrame()
	require.ErrorContains(t, err, "parse frame length")

	_, err = NewReader(strings.NewReader("10\nshort")).ReadFrame()
	require.ErrorContains(t, err, "read frame body")

	_, err = NewReader(strings.NewReader("999999999999\n")).ReadFrame()
	require.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = NewReader(strings.NewReader("12")).ReadFrame()
	require.ErrorContains(t, err, "read frame header")
}
