package protocol

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidHex   = errors.New("invalid hex payload")
	ErrSizeMismatch = errors.New("file size mismatch")
)

// EncodeHex encodes bytes as two upper-case hex digits per byte, no separators
func EncodeHex(data []byte) string {
	return strings.ToUpper(hex.EncodeToString(data))
}

// DecodeHex decodes a hex payload (either case)
func DecodeHex(s string) ([]byte, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	return data, nil
}
