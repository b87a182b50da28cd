//go:build linux || darwin || freebsd || netbsd || openbsd

package session

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseAddrControl sets SO_REUSEADDR on the socket before bind, the way
// nspkt's Listener relies on net.ListenUDP's default behavior on most
// platforms but this engine makes explicit (§4.2: "SO_REUSEADDR set"),
// since sessions are frequently recreated against the same bind port during
// reconnection testing.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
