//go:build unix

package server

import (
	"syscall"
)

// setSocketOptions sets SO_REUSEADDR on both the TCP listener and the UDP
// heartbeat socket so a restarted relay can rebind its fixed ports at once
func setSocketOptions(fd uintptr) error {
	return syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
