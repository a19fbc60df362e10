package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const (
	// MaxFrameSize is the maximum allowed payload size of one frame (4 MB).
	// A file at MaxFilePayload bytes is twice that long once hex encoded,
	// plus the tag headers, so this leaves comfortable headroom.
	MaxFrameSize = 4 * 1024 * 1024

	// MaxFilePayload is the largest file a sender may relay, in raw bytes.
	MaxFilePayload = 1000000

	// headerSize is the length prefix: 4 bytes, big-endian.
	headerSize = 4
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size (4 MB)")
	ErrEmptyFrame    = errors.New("empty frame")
)

// Frame layout on a stream transport:
// [Length (4 bytes, big-endian)][Payload (Length bytes of text)]
//
// The payload is exactly one text frame such as "TO:KARACHI|DEPT:IT|MSG:hi".
// Datagram transports carry the text frame without the length prefix.

// EncodeFrame writes one length-prefixed frame to the writer in a single Write call
func EncodeFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf[:headerSize], uint32(len(payload)))
	copy(buf[headerSize:], payload)

	_, err := w.Write(buf)
	return err
}

// DecodeFrame reads one length-prefixed frame from the reader.
// Partial reads are reassembled; io.EOF is returned only on a clean boundary.
func DecodeFrame(r io.Reader) ([]byte, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return nil, ErrEmptyFrame
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return payload, nil
}

// WriteMessage encodes a message and writes it as one frame
func WriteMessage(w io.Writer, msg Message) error {
	return EncodeFrame(w, []byte(msg.Encode()))
}

// ReadMessage reads one frame and parses it into a tagged message
func ReadMessage(r io.Reader) (Message, error) {
	payload, err := DecodeFrame(r)
	if err != nil {
		return nil, err
	}
	return Parse(string(payload)), nil
}

// EncodeMessage is a helper that encodes a message to a framed byte slice
func EncodeMessage(msg Message) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := WriteMessage(buf, msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
