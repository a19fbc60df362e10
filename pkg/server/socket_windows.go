//go:build windows

package server

import (
	"syscall"
)

// setSocketOptions sets SO_REUSEADDR on both relay sockets.
// On Windows, fd needs to be cast to syscall.Handle
func setSocketOptions(fd uintptr) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
