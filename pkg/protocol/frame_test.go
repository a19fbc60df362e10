package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		wantErr error
	}{
		{
			name:    "route request",
			payload: []byte("TO:KARACHI|DEPT:IT|MSG:ping"),
		},
		{
			name:    "single byte",
			payload: []byte("X"),
		},
		{
			name:    "max payload size",
			payload: bytes.Repeat([]byte{'A'}, MaxFrameSize),
		},
		{
			name:    "oversized payload (should fail)",
			payload: make([]byte, MaxFrameSize+1),
			wantErr: ErrFrameTooLarge,
		},
		{
			name:    "empty payload (should fail)",
			payload: []byte{},
			wantErr: ErrEmptyFrame,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			err := EncodeFrame(buf, tt.payload)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Zero(t, buf.Len(), "nothing should be written on error")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, headerSize+len(tt.payload), buf.Len())

			decoded, err := DecodeFrame(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.payload, decoded)
		})
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	t.Run("empty buffer", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader(nil))
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("oversized frame", func(t *testing.T) {
		var header [4]byte
		binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)

		_, err := DecodeFrame(bytes.NewReader(header[:]))
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})

	t.Run("zero length", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader([]byte{0, 0, 0, 0}))
		assert.ErrorIs(t, err, ErrEmptyFrame)
	})

	t.Run("truncated header", func(t *testing.T) {
		_, err := DecodeFrame(bytes.NewReader([]byte{0, 0}))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("truncated payload", func(t *testing.T) {
		data := []byte{0, 0, 0, 10, 'A', 'B', 'C'}
		_, err := DecodeFrame(bytes.NewReader(data))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}

// oneByteReader returns at most one byte per Read call, like a badly
// fragmented stream.
type oneByteReader struct {
	r io.Reader
}

func (o *oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

func TestDecodeFrameReassemblesSplitReads(t *testing.T) {
	frames := []string{
		"AUTH:Campus:LAHORE,Pass:NU-LHR-123",
		"TO:KARACHI|DEPT:IT|MSG:ping",
		"FILE:TO:KARACHI|NAME:a.bin|SIZE:2|DATA:00FF",
	}

	var buf bytes.Buffer
	for _, f := range frames {
		require.NoError(t, EncodeFrame(&buf, []byte(f)))
	}

	r := &oneByteReader{r: &buf}
	for _, want := range frames {
		got, err := DecodeFrame(r)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}

	_, err := DecodeFrame(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeFrameSeparatesCoalescedFrames(t *testing.T) {
	// Two frames arriving in one read must still come out as two messages
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, &RoutedMessage{From: "LAHORE", Dept: "IT", Body: "one"}))
	require.NoError(t, WriteMessage(&buf, &Broadcast{Text: "two"}))

	all := bytes.NewReader(buf.Bytes())

	first, err := ReadMessage(all)
	require.NoError(t, err)
	assert.Equal(t, &RoutedMessage{From: "LAHORE", Dept: "IT", Body: "one"}, first)

	second, err := ReadMessage(all)
	require.NoError(t, err)
	assert.Equal(t, &Broadcast{Text: "two"}, second)
}

func TestEncodeMessage(t *testing.T) {
	data, err := EncodeMessage(&AuthReply{Success: true})
	require.NoError(t, err)

	want := append([]byte{0, 0, 0, 12}, []byte("AUTH:SUCCESS")...)
	assert.Equal(t, want, data)
}
